// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Settings is the validated form of one configuration document.
type Settings struct {
	Credentials vendorapi.Credentials
	General     vendorapi.GeneralConfig

	// Callback is only used by integrations that receive HTTP callbacks.
	Callback inbound.CallbackConfig

	MaxChunkSize       int
	DiagnosticInterval time.Duration
}

// PreparedEvent is a vendor event ready for chunking.
type PreparedEvent struct {
	Payload     map[string]any
	MessageType string
	// SplitFields are dot paths into Payload that may be chunked.
	SplitFields []string
	// PassThrough is copied into every chunk envelope.
	PassThrough map[string]any
}

// Integration binds one vendor to the core.
type Integration interface {
	// Name is the vendor name; its configuration lives under
	// config.<Name>Config.general.
	Name() string
	Client() vendorapi.Client
	// ParseSettings validates the vendor-specific general keys. Failures
	// are *vendorapi.FieldError.
	ParseSettings(general vendorapi.GeneralConfig) (Settings, error)
	NewChannel(s Settings, sess *vendorapi.Session, handler inbound.Handler, onClose func(error)) (inbound.Channel, error)
	PrepareEvent(evt inbound.Event, sess *vendorapi.Session) PreparedEvent
	// PingPayload is the data of the periodic upstream ping.
	PingPayload(sess *vendorapi.Session) map[string]any
}

// TransportPinger is implemented by integrations whose inbound channel
// must be pinged at the transport level to stay open.
type TransportPinger interface {
	// TransportPing returns the ping payload. diagnostic is true once per
	// diagnostic interval; other pings may be empty.
	TransportPing(sess *vendorapi.Session, diagnostic bool, now time.Time) []byte
}

// pingableChannel is an inbound channel that can send transport pings.
type pingableChannel interface {
	Ping(ctx context.Context, payload []byte) error
}
