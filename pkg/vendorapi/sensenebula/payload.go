// Copyright 2024-2026 Aiku AI

package sensenebula

import (
	"encoding/base64"
	"encoding/json"
	"maps"
	"strings"

	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Message ids understood by the Nebula JSON API. They travel as strings.
const (
	MsgLogin        = "257"
	MsgQueryDB      = "1028"
	MsgStoreFace    = "1051"
	MsgQueryVersion = "1281"
	MsgGetWSKey     = "1286"
	MsgSubscribe    = "776"
	MsgEvent        = "777"
)

const (
	visitorPhotoName = "visitor_photo.png"
	imageDataPrefix  = "data:image/png;base64,"

	// Redacted replaces snapshot fields that are never forwarded.
	Redacted = "----- REDACTED -----"
)

// redactedFields are dropped from event data before bridging.
var redactedFields = []string{"snap_frame", "snap_feat"}

// SplitFields are the event fields large enough to need chunking.
var SplitFields = []string{"data.img", "data.snap_buf"}

func message(msgID string) map[string]any {
	return map[string]any{"msg_id": msgID}
}

// BuildLoginPayload builds the login request.
func BuildLoginPayload(username, password string) map[string]any {
	m := message(MsgLogin)
	m["user_name"] = username
	m["user_pwd"] = password
	return m
}

// BuildSubscribeFrame builds the frame sent right after the event socket
// opens.
func BuildSubscribeFrame(key string) map[string]any {
	m := message(MsgSubscribe)
	m["key"] = key
	return m
}

// VisitorRequest is the addVisitor request as sent by the control plane.
type VisitorRequest struct {
	Name     string
	ImageURL string
	UID      string
}

// ParseVisitorRequest extracts the visitor fields. Nebula needs a name, an
// image and an id card number to store a face.
func ParseVisitorRequest(req map[string]any) (VisitorRequest, error) {
	v := VisitorRequest{
		Name:     vendorapi.AsString(req["name"]),
		ImageURL: vendorapi.AsString(req["imageURL"]),
		UID:      vendorapi.AsString(req["uid"]),
	}
	var missing []string
	if v.Name == "" {
		missing = append(missing, "name")
	}
	if v.ImageURL == "" {
		missing = append(missing, "imageURL")
	}
	if v.UID == "" {
		missing = append(missing, "uid")
	}
	if len(missing) > 0 {
		return v, &vendorapi.Error{
			Kind:      vendorapi.KindInvalidRequest,
			Operation: OpAddVisitor,
			Message:   "missing " + strings.Join(missing, ", "),
		}
	}
	return v, nil
}

// BuildStoreFacePayload builds the store-face request for the given face
// library. The image is omitted when empty.
func BuildStoreFacePayload(v VisitorRequest, libID string, image []byte) map[string]any {
	m := message(MsgStoreFace)
	m["lib_id"] = json.Number(libID)
	m["person_name"] = v.Name
	m["person_idcard"] = v.UID
	if len(image) > 0 {
		m["img"] = map[string]any{
			"filename": visitorPhotoName,
			"data":     imageDataPrefix + base64.StdEncoding.EncodeToString(image),
		}
	}
	return m
}

// IsEvent reports whether a socket message is a recognition event.
func IsEvent(payload map[string]any) bool {
	return vendorapi.AsString(payload["msg_id"]) == MsgEvent
}

// RedactEvent returns a copy of an event with the snapshot frame and feature
// vector replaced. Other messages are returned unchanged.
func RedactEvent(payload map[string]any) map[string]any {
	data, ok := payload["data"].(map[string]any)
	if !IsEvent(payload) || !ok {
		return payload
	}
	out := maps.Clone(payload)
	data = maps.Clone(data)
	for _, field := range redactedFields {
		if _, present := data[field]; present {
			data[field] = Redacted
		}
	}
	out["data"] = data
	return out
}
