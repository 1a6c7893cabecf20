// Copyright 2024-2026 Aiku AI

package senselink

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// visitorTimeLayout is the layout SenseLink expects for visit windows.
const visitorTimeLayout = "2006-01-02 15:04:05"

// visitDuration is how long a registered visitor stays valid.
const visitDuration = 8 * time.Hour

// Sign computes the request signature for a millisecond timestamp.
func Sign(timestamp, secret string) string {
	sum := md5.Sum([]byte(timestamp + "#" + secret))
	return hex.EncodeToString(sum[:])
}

// VisitorRequest is the addVisitor request as sent by the control plane.
type VisitorRequest struct {
	Name     string
	ImageURL string
	UID      string
}

// ParseVisitorRequest extracts the visitor fields from a request. A name is
// required.
func ParseVisitorRequest(req map[string]any) (VisitorRequest, error) {
	v := VisitorRequest{
		Name:     vendorapi.AsString(req["name"]),
		ImageURL: vendorapi.AsString(req["imageURL"]),
		UID:      vendorapi.AsString(req["uid"]),
	}
	if v.Name == "" {
		return v, &vendorapi.Error{Kind: vendorapi.KindInvalidRequest, Operation: OpAddVisitor, Message: "name is required"}
	}
	return v, nil
}

// BuildVisitorPayload builds the body of the create-visitor call. The avatar
// is omitted when empty.
func BuildVisitorPayload(v VisitorRequest, receptionBotID string, avatar []byte, now time.Time) map[string]any {
	payload := map[string]any{
		"type":            2,
		"name":            v.Name,
		"receptionUserId": receptionBotID,
		"dateTimeFrom":    now.Format(visitorTimeLayout),
		"dateTimeTo":      now.Add(visitDuration).Format(visitorTimeLayout),
	}
	if len(avatar) > 0 {
		payload["avatarBytes"] = base64.StdEncoding.EncodeToString(avatar)
	}
	if v.UID != "" {
		payload["idNumber"] = v.UID
	}
	return payload
}

// BuildGroupAssignment builds the body that moves a user into a group.
func BuildGroupAssignment(groupID string) map[string]any {
	return map[string]any{"groupIds": []json.Number{json.Number(groupID)}}
}

// ImageRequest is the getImage request.
type ImageRequest struct {
	Type int
	ID   string
}

// ParseImageRequest extracts the image type and id from a request.
func ParseImageRequest(req map[string]any) (ImageRequest, error) {
	t, ok := vendorapi.AsInt(req["imageType"])
	if !ok {
		if n, err := strconv.Atoi(vendorapi.AsString(req["imageType"])); err == nil {
			t, ok = int64(n), true
		}
	}
	id := vendorapi.AsString(req["imageId"])
	if !ok || id == "" {
		return ImageRequest{}, &vendorapi.Error{Kind: vendorapi.KindInvalidRequest, Operation: OpGetImage, Message: "imageType and imageId are required"}
	}
	return ImageRequest{Type: int(t), ID: id}, nil
}

// Path returns the API path of the image relative to the API base.
func (r ImageRequest) Path() string {
	return fmt.Sprintf("types/%d/images/%s", r.Type, url.PathEscape(r.ID))
}
