// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Ping when no subscription is open.
var ErrNotConnected = errors.New("subscription not connected")

const writeTimeout = 10 * time.Second

// SubscriptionConfig describes the vendor event stream.
type SubscriptionConfig struct {
	// URL is the WebSocket endpoint. http(s) schemes are converted to ws(s).
	URL string
	// Subscribe is marshalled to JSON and sent as the first frame.
	Subscribe any
	Header    http.Header

	HandshakeTimeout time.Duration
}

// Subscription is a WebSocket client that treats every text frame it
// receives as one Event.
//
// When the connection drops for any reason other than Stop, the handle is
// released and OnClose fires. Re-subscribing is left to the caller.
type Subscription struct {
	cfg     SubscriptionConfig
	handler Handler
	log     zerolog.Logger
	dialer  *websocket.Dialer

	// OnClose is called from the reader goroutine after an unexpected close.
	OnClose func(err error)

	mu      sync.Mutex
	conn    *websocket.Conn
	readers sync.WaitGroup
	stopped bool

	writeMu sync.Mutex
}

var _ Channel = (*Subscription)(nil)

// NewSubscription creates a disconnected subscription.
func NewSubscription(cfg SubscriptionConfig, handler Handler, log zerolog.Logger) *Subscription {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Subscription{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "subscription").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// HTTPToWS converts an HTTP(S) URL to a WS(S) URL.
func HTTPToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Start dials the stream and sends the subscribe frame. Calling Start on an
// open subscription is a no-op.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	s.stopped = false

	url := HTTPToWS(s.cfg.URL)
	conn, resp, err := s.dialer.DialContext(ctx, url, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return &ChannelError{Channel: "subscription", Err: fmt.Errorf("failed to dial %s: %w", url, err)}
	}

	conn.SetPongHandler(func(appData string) error {
		s.log.Debug().Str("data", appData).Msg("Received pong")
		return nil
	})

	if s.cfg.Subscribe != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteJSON(s.cfg.Subscribe)
		_ = conn.SetWriteDeadline(time.Time{})
		if err != nil {
			_ = conn.Close()
			return &ChannelError{Channel: "subscription", Err: fmt.Errorf("failed to send subscribe frame: %w", err)}
		}
	}

	s.conn = conn
	s.readers.Add(1)
	go s.read(conn)

	s.log.Info().Str("ws_url", url).Msg("Subscription opened")
	return nil
}

// Connected reports whether the subscription currently holds a connection.
func (s *Subscription) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Ping sends a transport-level ping frame. The payload must fit in a
// control frame (125 bytes).
func (s *Subscription) Ping(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, payload, deadline); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}

// Send writes a JSON frame on the open connection.
func (s *Subscription) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}

// Stop closes the connection without firing OnClose and waits for the
// reader goroutine to exit.
func (s *Subscription) Stop() {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		s.log.Info().Msg("Subscription closed")
	}
	s.readers.Wait()
}

func (s *Subscription) read(conn *websocket.Conn) {
	defer s.readers.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
			s.log.Warn().Int("len", len(data)).Msg("Ignoring non-object subscription message")
			continue
		}
		s.handler(newEvent(payload))
	}
}

func (s *Subscription) handleClose(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	stopped := s.stopped
	s.mu.Unlock()
	_ = conn.Close()
	if stopped {
		return
	}

	s.log.Warn().Err(err).Msg("Subscription connection lost")
	if s.OnClose != nil {
		s.OnClose(err)
	}
}
