// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aiku/sensebridge/pkg/connector/chunking"
	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Query error kinds sent to the control plane.
const (
	QueryErrorNotActive      = "sensebridge.notActive"
	QueryErrorUnknownCommand = "sensebridge.unknownCommand"
	QueryErrorNotLoggedIn    = "sensebridge.notLoggedIn"
	QueryErrorVendor         = "sensebridge.vendor"
)

func (c *Core) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// ProcessRequest runs the vendor operation named by the request's command
// field, passing the whole request as payload. Unknown commands yield a nil
// result and a nil error.
func (c *Core) ProcessRequest(ctx context.Context, req map[string]any) (map[string]any, error) {
	command := vendorapi.AsString(req["command"])
	client := c.integration.Client()
	if !client.Supports(command) {
		c.log.Debug().Str("command", command).Msg("Ignoring unknown command")
		return nil, nil
	}
	return client.Call(ctx, command, req)
}

// handlePublish runs a publish request. The result, if any, is sent as a
// notification; failures are logged and dropped since publish has no reply.
func (c *Core) handlePublish(req map[string]any) {
	command := vendorapi.AsString(req["command"])
	log := c.log.With().Str("command", command).Logger()
	if !c.isActive() {
		log.Warn().Msg("Dropping publish request, source is not active")
		requestsHandled.WithLabelValues("publish", "rejected").Inc()
		return
	}

	result, err := c.ProcessRequest(c.ctx, req)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Publish request failed")
		requestsHandled.WithLabelValues("publish", "error").Inc()
	case result == nil:
		requestsHandled.WithLabelValues("publish", "empty").Inc()
	default:
		if err := c.notify("response", result); err != nil {
			log.Warn().Err(err).Msg("Failed to send publish result")
		}
		requestsHandled.WithLabelValues("publish", "ok").Inc()
	}
}

// handleQuery runs a query request and always answers the reply address,
// with the result or with a query error.
func (c *Core) handleQuery(replyAddress string, req map[string]any) {
	command := vendorapi.AsString(req["command"])
	log := c.log.With().Str("command", command).Str("reply_address", replyAddress).Logger()
	params := []any{command}
	if !c.isActive() {
		c.queryError(replyAddress, QueryErrorNotActive, ErrNotActive.Error(), params)
		requestsHandled.WithLabelValues("query", "rejected").Inc()
		return
	}

	result, err := c.ProcessRequest(c.ctx, req)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Query request failed")
		c.queryError(replyAddress, queryErrorKind(err), err.Error(), params)
		requestsHandled.WithLabelValues("query", "error").Inc()
	case result == nil:
		c.queryError(replyAddress, QueryErrorUnknownCommand, fmt.Sprintf("unknown command %q", command), params)
		requestsHandled.WithLabelValues("query", "empty").Inc()
	default:
		if err := c.upstream.SendQueryResponse(http.StatusOK, replyAddress, result); err != nil {
			log.Warn().Err(err).Msg("Failed to send query response")
		}
		requestsHandled.WithLabelValues("query", "ok").Inc()
	}
}

func (c *Core) queryError(replyAddress, kind, message string, params []any) {
	if err := c.upstream.SendQueryError(replyAddress, kind, message, params); err != nil {
		c.log.Warn().Err(err).Str("reply_address", replyAddress).Msg("Failed to send query error")
	}
}

func queryErrorKind(err error) string {
	if errors.Is(err, vendorapi.ErrNotLoggedIn) {
		return QueryErrorNotLoggedIn
	}
	if kind := vendorapi.KindOf(err); kind != "" {
		return QueryErrorVendor + "." + string(kind)
	}
	return QueryErrorVendor
}

// notify sends one message to the control plane and counts it by kind.
func (c *Core) notify(kind string, msg map[string]any) error {
	if err := c.upstream.SendNotification(msg); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}
	envelopesSent.WithLabelValues(kind).Inc()
	return nil
}

// pingUpstream sends the periodic ping carrying the vendor metadata.
func (c *Core) pingUpstream(context.Context) error {
	return c.notify("ping", map[string]any{
		"timeStamp":   time.Now().Format(chunking.TimestampLayout),
		"messageType": "ping",
		"data":        c.integration.PingPayload(c.integration.Client().Session()),
	})
}
