// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package controlplane connects a source to the control plane over a
// WebSocket carrying JSON frames. It implements connector.Upstream and
// leaves reconnection to the caller.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector"
	"github.com/aiku/sensebridge/pkg/connector/inbound"
)

// ErrNotConnected is returned by sends made without an open session.
var ErrNotConnected = errors.New("control plane not connected")

// Path is the WebSocket endpoint below the control-plane URL.
const Path = "/api/v1/wsock/websocket"

const writeTimeout = 10 * time.Second

// Config describes the control-plane session.
type Config struct {
	URL        string
	Token      string
	SourceName string

	HandshakeTimeout time.Duration
}

// Client is a control-plane session. Handlers run on the reader goroutine,
// one message at a time.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	authed   bool
	handlers connector.Handlers
	pending  map[string]chan *message
	readers  sync.WaitGroup

	writeMu sync.Mutex
}

var _ connector.Upstream = (*Client)(nil)

// New creates a disconnected client.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "controlplane").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		pending: make(map[string]chan *message),
	}
}

func (c *Client) url() string {
	return inbound.HTTPToWS(strings.TrimRight(c.cfg.URL, "/")) + Path
}

func (c *Client) SetHandlers(h connector.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) IsAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authed
}

// Connect opens a new socket, validates the token and connects the source.
// Any previous socket is closed first.
func (c *Client) Connect(ctx context.Context) error {
	c.drop()

	url := c.url()
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.readers.Add(1)
	c.mu.Unlock()
	go c.read(conn, done)
	c.log.Debug().Str("ws_url", url).Msg("Control plane socket opened")

	if err := c.call(ctx, request{Op: OpValidate, ResourceName: resourceCredentials, Object: c.cfg.Token}); err != nil {
		c.drop()
		return fmt.Errorf("token validation failed: %w", err)
	}
	c.mu.Lock()
	c.authed = c.conn == conn
	c.mu.Unlock()

	if err := c.connectSource(ctx); err != nil {
		c.drop()
		return err
	}
	c.log.Info().Str("source", c.cfg.SourceName).Msg("Connected to control plane")
	return nil
}

// Reconnect re-runs the source handshake on the open socket, or does a full
// Connect if the socket is gone.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.IsAuthed() {
		return c.Connect(ctx)
	}
	if err := c.connectSource(ctx); err != nil {
		return err
	}
	c.log.Info().Str("source", c.cfg.SourceName).Msg("Reconnected source")
	return nil
}

func (c *Client) connectSource(ctx context.Context) error {
	err := c.call(ctx, request{Op: OpConnectExtension, ResourceName: resourceSources, ResourceID: c.cfg.SourceName})
	if err != nil {
		return fmt.Errorf("failed to connect source %s: %w", c.cfg.SourceName, err)
	}
	return nil
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, req request) error {
	id := uuid.NewString()
	req.Headers = map[string]string{requestIDHeader: id}
	ch := make(chan *message, 1)

	c.mu.Lock()
	done := c.done
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		if *resp.Status >= 300 {
			return &ResponseError{Op: req.Op, Status: *resp.Status, Body: string(bytes.TrimSpace(resp.Body))}
		}
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendNotification(msg map[string]any) error {
	return c.write(request{
		Op:           OpNotification,
		ResourceName: resourceSource,
		ResourceID:   c.cfg.SourceName,
		Object:       msg,
	})
}

func (c *Client) SendQueryResponse(status int, replyAddress string, body map[string]any) error {
	return c.write(reply{
		Status:  status,
		Headers: map[string]string{replyHeader: replyAddress},
		Body:    body,
	})
}

func (c *Client) SendQueryError(replyAddress, kind, message string, params []any) error {
	return c.write(reply{
		Status:  http.StatusBadRequest,
		Headers: map[string]string{replyHeader: replyAddress},
		Body:    []queryError{{MessageCode: kind, Message: message, Parameters: params}},
	})
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the socket without firing the Closed handler and waits for
// the reader to exit.
func (c *Client) Close() {
	c.drop()
	c.readers.Wait()
}

// drop forgets the current socket and closes it. Its reader exits without
// firing the Closed handler.
func (c *Client) drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.authed = false
	c.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	c.log.Debug().Msg("Control plane socket closed")
}

func (c *Client) read(conn *websocket.Conn, done chan struct{}) {
	defer c.readers.Done()
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		var msg message
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			c.log.Warn().Err(err).Int("len", len(data)).Msg("Ignoring malformed control plane message")
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *message) {
	if msg.Status != nil {
		id := msg.Headers[requestIDHeader]
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Int("status", *msg.Status).Msg("Ignoring unsolicited response")
			return
		}
		select {
		case ch <- msg:
		default:
			c.log.Debug().Str("request_id", id).Msg("Ignoring duplicate response")
		}
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	log := c.log.With().Str("op", msg.Op).Logger()
	switch msg.Op {
	case OpConfigure:
		if h.Config != nil {
			h.Config(msg.Object)
		}
	case OpPublish:
		if h.Publish != nil {
			h.Publish(msg.Object)
		}
	case OpQuery:
		addr := msg.replyAddress()
		if addr == "" {
			log.Warn().Msg("Dropping query without reply address")
			return
		}
		if h.Query != nil {
			h.Query(addr, msg.Object)
		}
	case OpReconnectRequired:
		if h.Reconnect != nil {
			h.Reconnect()
		}
	default:
		log.Debug().Msg("Ignoring unknown control plane operation")
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.authed = false
	}
	h := c.handlers
	c.mu.Unlock()
	_ = conn.Close()
	if !current {
		return
	}
	c.log.Warn().Err(err).Msg("Control plane connection lost")
	if h.Closed != nil {
		h.Closed()
	}
}
