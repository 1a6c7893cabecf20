// Copyright 2024-2026 Aiku AI

package connector

import (
	"maps"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/vendorapi"
	"github.com/aiku/sensebridge/pkg/vendorapi/senselink"
)

// SenseLink general configuration keys.
const (
	SenseLinkURLKey       = "senseLink_URL"
	SenseLinkAppKeyKey    = "senseLink_appKey"
	SenseLinkAppSecretKey = "senseLink_appSecret"
	ListenServerKey       = "eventListenServer"
	ListenPortKey         = "eventListenPort"
	ListenPathKey         = "eventListenServerPath"
)

// SenseLinkMessageType tags bridged SenseLink events.
const SenseLinkMessageType = "SL_event"

// ListenerLimits bound the callback server.
type ListenerLimits struct {
	MaxConcurrent int64
	MaxBodyBytes  int64
}

// SenseLink receives access control events through HTTP callbacks and
// registers visitors over signed REST calls.
type SenseLink struct {
	client *senselink.Client
	limits ListenerLimits
	log    zerolog.Logger
}

var _ Integration = (*SenseLink)(nil)

// NewSenseLink creates the SenseLink integration.
func NewSenseLink(client *senselink.Client, limits ListenerLimits, log zerolog.Logger) *SenseLink {
	return &SenseLink{client: client, limits: limits, log: log}
}

func (s *SenseLink) Name() string {
	return "senseLink"
}

func (s *SenseLink) Client() vendorapi.Client {
	return s.client
}

func (s *SenseLink) ParseSettings(general vendorapi.GeneralConfig) (Settings, error) {
	var (
		out Settings
		err error
	)
	if out.Credentials.BaseURL, err = general.String(SenseLinkURLKey); err != nil {
		return out, err
	}
	if out.Credentials.Principal, err = general.String(SenseLinkAppKeyKey); err != nil {
		return out, err
	}
	if out.Credentials.Secret, err = general.String(SenseLinkAppSecretKey); err != nil {
		return out, err
	}
	if out.Callback.Host, err = general.String(ListenServerKey); err != nil {
		return out, err
	}
	if out.Callback.Port, err = general.Int(ListenPortKey); err != nil {
		return out, err
	}
	if out.Callback.Port <= 0 || out.Callback.Port > 65535 {
		return out, &vendorapi.FieldError{Field: ListenPortKey, Reason: "must be a valid port"}
	}
	if out.Callback.Path, err = general.OptionalString(ListenPathKey, "/"); err != nil {
		return out, err
	}
	out.Callback.MaxConcurrent = s.limits.MaxConcurrent
	out.Callback.MaxBodyBytes = s.limits.MaxBodyBytes
	return out, nil
}

func (s *SenseLink) NewChannel(settings Settings, _ *vendorapi.Session, handler inbound.Handler, _ func(error)) (inbound.Channel, error) {
	return inbound.NewCallbackServer(settings.Callback, handler, s.log), nil
}

// PrepareEvent tags the event with the name of the device that raised it.
func (s *SenseLink) PrepareEvent(evt inbound.Event, _ *vendorapi.Session) PreparedEvent {
	payload := evt.Payload
	if data, ok := payload["data"].(map[string]any); ok {
		if ldid := vendorapi.AsString(data["ldid"]); ldid != "" {
			if name, ok := s.client.DeviceName(ldid); ok {
				data = maps.Clone(data)
				data["device_name"] = name
				payload = maps.Clone(payload)
				payload["data"] = data
			}
		}
	}
	return PreparedEvent{Payload: payload, MessageType: SenseLinkMessageType}
}

func (s *SenseLink) PingPayload(sess *vendorapi.Session) map[string]any {
	return sess.MetadataMap()
}
