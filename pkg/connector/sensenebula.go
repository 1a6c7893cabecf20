// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/vendorapi"
	"github.com/aiku/sensebridge/pkg/vendorapi/sensenebula"
)

// SenseNebula general configuration keys.
const (
	SenseNebulaURLKey      = "senseNebula_URL"
	SenseNebulaUserKey     = "username"
	SenseNebulaPasswordKey = "password"
)

// SenseNebulaMessageType tags bridged SenseNebula messages.
const SenseNebulaMessageType = "SN_event"

// SenseNebula receives recognition events over a WebSocket subscription and
// stores visitor faces over the JSON API.
type SenseNebula struct {
	client *sensenebula.Client
	log    zerolog.Logger
}

var (
	_ Integration     = (*SenseNebula)(nil)
	_ TransportPinger = (*SenseNebula)(nil)
)

// NewSenseNebula creates the SenseNebula integration.
func NewSenseNebula(client *sensenebula.Client, log zerolog.Logger) *SenseNebula {
	return &SenseNebula{client: client, log: log}
}

func (s *SenseNebula) Name() string {
	return "senseNebula"
}

func (s *SenseNebula) Client() vendorapi.Client {
	return s.client
}

func (s *SenseNebula) ParseSettings(general vendorapi.GeneralConfig) (Settings, error) {
	var (
		out Settings
		err error
	)
	if out.Credentials.BaseURL, err = general.String(SenseNebulaURLKey); err != nil {
		return out, err
	}
	if out.Credentials.Principal, err = general.String(SenseNebulaUserKey); err != nil {
		return out, err
	}
	if out.Credentials.Secret, err = general.String(SenseNebulaPasswordKey); err != nil {
		return out, err
	}
	if _, err = general.String(sensenebula.GeneralDatabaseKey); err != nil {
		return out, err
	}
	return out, nil
}

func (s *SenseNebula) NewChannel(settings Settings, sess *vendorapi.Session, handler inbound.Handler, onClose func(error)) (inbound.Channel, error) {
	key := sess.Identifier(sensenebula.IdentSubscriptionKey)
	if key == "" {
		return nil, &inbound.ChannelError{Channel: "subscription", Err: vendorapi.ErrNotLoggedIn}
	}
	sub := inbound.NewSubscription(inbound.SubscriptionConfig{
		URL:       sensenebula.SubscriptionURL(settings.Credentials.BaseURL),
		Subscribe: sensenebula.BuildSubscribeFrame(key),
	}, handler, s.log)
	sub.OnClose = onClose
	return sub, nil
}

// PrepareEvent redacts snapshot data from recognition events and marks the
// image fields for chunking.
func (s *SenseNebula) PrepareEvent(evt inbound.Event, _ *vendorapi.Session) PreparedEvent {
	prepared := PreparedEvent{
		Payload:     sensenebula.RedactEvent(evt.Payload),
		MessageType: SenseNebulaMessageType,
	}
	if sensenebula.IsEvent(evt.Payload) {
		prepared.SplitFields = sensenebula.SplitFields
		prepared.PassThrough = map[string]any{"msg_id": sensenebula.MsgEvent}
	}
	return prepared
}

func (s *SenseNebula) PingPayload(sess *vendorapi.Session) map[string]any {
	data := sess.MetadataMap()
	data["type"] = "SenseNebula"
	return data
}

// maxPingPayload is the largest payload a WebSocket control frame carries.
const maxPingPayload = 125

// TransportPing sends an empty ping, or a timestamped one when diagnostic
// is set. The payload is cut to fit in a control frame.
func (s *SenseNebula) TransportPing(sess *vendorapi.Session, diagnostic bool, now time.Time) []byte {
	if !diagnostic {
		return nil
	}
	var device string
	if sess != nil {
		device = sess.Metadata["device_id"]
	}
	payload := fmt.Appendf(nil, "Ping from sensebridge --> Nebula %s ... %s", device, now.UTC().Format(time.RFC3339Nano))
	if len(payload) > maxPingPayload {
		payload = payload[:maxPingPayload]
	}
	return payload
}
