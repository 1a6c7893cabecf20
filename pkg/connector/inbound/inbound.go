// Copyright 2024-2026 Aiku AI

// Package inbound receives vendor events, either as HTTP callbacks pushed
// by the vendor or through a WebSocket subscription opened towards it.
package inbound

import (
	"context"
	"fmt"
	"time"
)

// Event is one vendor event as received, before any vendor-specific
// normalisation.
type Event struct {
	Payload    map[string]any
	ReceivedAt time.Time
}

// Handler consumes events. It may be called from several goroutines at
// once when the channel accepts concurrent callbacks.
type Handler func(Event)

// Channel is a running source of vendor events.
type Channel interface {
	// Start binds or connects the channel. Failures are *ChannelError.
	Start(ctx context.Context) error
	// Stop releases the listener or connection and returns once it is gone.
	Stop()
}

// ChannelError reports that an inbound channel could not be started.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("inbound %s channel: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func newEvent(payload map[string]any) Event {
	return Event{Payload: payload, ReceivedAt: time.Now()}
}
