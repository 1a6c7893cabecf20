// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/sensebridge/pkg/connector/chunking"
	"github.com/aiku/sensebridge/pkg/connector/inbound"
)

// handleEvent forwards one vendor event: the root envelope first, then the
// chunks of every oversized field in order. A failed send drops the rest of
// the event.
func (c *Core) handleEvent(evt inbound.Event) {
	c.mu.Lock()
	active := c.state == StateActive
	maxChunkSize := c.settings.MaxChunkSize
	c.mu.Unlock()
	if !active {
		eventsDropped.WithLabelValues("not_active").Inc()
		c.log.Debug().Msg("Dropping vendor event, source is not active")
		return
	}

	prepared := c.integration.PrepareEvent(evt, c.integration.Client().Session())
	envelopes := chunking.BuildEnvelopes(prepared.Payload, prepared.SplitFields, chunking.Options{
		MaxChunkSize: maxChunkSize,
		MessageType:  prepared.MessageType,
		Timestamp:    evt.ReceivedAt,
		PassThrough:  prepared.PassThrough,
	})

	for i := range envelopes {
		env := &envelopes[i]
		kind := "event"
		if env.IsChunk() {
			kind = "chunk"
		}
		if err := c.notify(kind, env.Map()); err != nil {
			c.log.Error().Err(err).
				Str("source_msg_uid", env.CorrelationID).
				Int("part", i+1).
				Int("parts_count", env.PartsCount).
				Msg("Failed to forward event, dropping remaining parts")
			eventsDropped.WithLabelValues("send_failed").Inc()
			return
		}
	}
	c.log.Debug().
		Str("source_msg_uid", envelopes[0].CorrelationID).
		Int("parts_count", len(envelopes)).
		Msg("Forwarded vendor event")
}
