// Copyright 2024-2026 Aiku AI

package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxConcurrent is the number of callbacks handled at once.
	DefaultMaxConcurrent = 10
	// DefaultMaxBodyBytes caps the size of a callback body (16 MB).
	DefaultMaxBodyBytes = 16 << 20
)

// CallbackConfig describes where the callback server listens.
type CallbackConfig struct {
	Host string
	Port int
	// Path is the route accepting POST callbacks. A leading slash is added
	// when missing; empty means "/".
	Path string

	MaxConcurrent int64
	MaxBodyBytes  int64
}

func (c CallbackConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c CallbackConfig) route() string {
	if !strings.HasPrefix(c.Path, "/") {
		return "/" + c.Path
	}
	return c.Path
}

// CallbackServer is an HTTP listener that turns every POSTed JSON object into
// one Event.
type CallbackServer struct {
	cfg     CallbackConfig
	handler Handler
	log     zerolog.Logger
	sem     *semaphore.Weighted

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan struct{}
}

var _ Channel = (*CallbackServer)(nil)

// NewCallbackServer creates a stopped callback server.
func NewCallbackServer(cfg CallbackConfig, handler Handler, log zerolog.Logger) *CallbackServer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &CallbackServer{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "callback_server").Logger(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Start binds the listener. Calling Start on a running server is a no-op.
func (s *CallbackServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	addr := s.cfg.addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &ChannelError{Channel: "callback", Err: fmt.Errorf("failed to bind %s: %w", addr, err)}
	}

	router := chi.NewRouter()
	router.Post(s.cfg.route(), s.handleCallback)
	router.MethodNotAllowed(s.handleMethodNotAllowed)

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	served := make(chan struct{})
	s.server = server
	s.listener = ln
	s.served = served

	go func() {
		defer close(served)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Callback server error")
		}
	}()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("path", s.cfg.route()).
		Msg("Callback server listening")
	return nil
}

// Addr returns the bound address, or "" when the server is stopped.
func (s *CallbackServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits until the address is released.
func (s *CallbackServer) Stop() {
	s.mu.Lock()
	server, served := s.server, s.served
	s.server, s.listener, s.served = nil, nil, nil
	s.mu.Unlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Callback server did not shut down cleanly")
		_ = server.Close()
	}
	<-served
	s.log.Info().Msg("Callback server stopped")
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"Error": "Server busy"})
		return
	}
	defer s.sem.Release(1)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"Error": "Request body too large"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		s.log.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("body_len", len(body)).
			Msg("Rejected callback with invalid JSON body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"Error": "Invalid JSON"})
		return
	}

	s.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("Received callback event")
	s.handler(newEvent(payload))
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *CallbackServer) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Str("method", r.Method).Str("remote_addr", r.RemoteAddr).Msg("Rejected callback method")
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"Error": "Method not allowed!"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
