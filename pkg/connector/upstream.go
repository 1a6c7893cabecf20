// Copyright 2024-2026 Aiku AI

package connector

import "context"

// Upstream is the control-plane session driven by the core. Implementations
// deliver handler invocations one at a time.
type Upstream interface {
	// Connect opens the transport and authenticates.
	Connect(ctx context.Context) error
	// Reconnect re-runs the source handshake over an open, authenticated
	// transport.
	Reconnect(ctx context.Context) error
	IsOpen() bool
	IsAuthed() bool

	SendNotification(msg map[string]any) error
	SendQueryResponse(status int, replyAddress string, body map[string]any) error
	SendQueryError(replyAddress, kind, message string, params []any) error

	SetHandlers(h Handlers)
	Close()
}

// Handlers are the callbacks the core registers on its Upstream.
type Handlers struct {
	// Config receives the configuration document; the vendor section lives
	// under its "config" key.
	Config func(doc map[string]any)
	// Reconnect is called when the control plane asks the source to
	// reconnect.
	Reconnect func()
	// Closed is called when the transport drops.
	Closed  func()
	Publish func(req map[string]any)
	Query   func(replyAddress string, req map[string]any)
}
