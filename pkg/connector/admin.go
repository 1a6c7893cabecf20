// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health is the body served by /healthz.
type Health struct {
	Source             string    `json:"source"`
	Vendor             string    `json:"vendor"`
	State              string    `json:"state"`
	ConfigComplete     bool      `json:"config_complete"`
	LastConnectAttempt time.Time `json:"last_connect_attempt,omitzero"`
	KeepaliveTasks     []string  `json:"keepalive_tasks"`
}

// Health reports the current state of the source.
func (c *Core) Health() Health {
	c.mu.Lock()
	h := Health{
		Source:             c.opts.SourceName,
		Vendor:             c.integration.Name(),
		State:              c.state.String(),
		ConfigComplete:     c.configComplete,
		LastConnectAttempt: c.lastConnectAttempt,
	}
	c.mu.Unlock()
	h.KeepaliveTasks = c.scheduler.Running()
	return h
}

// RequestReconnect drops the current session and reconnects, the same way
// a reconnect request from the control plane does.
func (c *Core) RequestReconnect() {
	c.log.Info().Msg("Reconnect requested through the admin API")
	c.transportLost(true)
}

// AdminHandler serves the metrics, health and admin endpoints of a core.
func AdminHandler(c *Core) http.Handler {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", c.handleHealth)
	router.Post("/api/reconnect", c.handleReconnectRequest)
	return router
}

func (c *Core) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := c.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.State != StateActive.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write health response")
	}
}

func (c *Core) handleReconnectRequest(w http.ResponseWriter, r *http.Request) {
	c.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Processing reconnect request")
	c.RequestReconnect()
	w.WriteHeader(http.StatusAccepted)
}

// ServeAdmin runs the admin server on addr until ctx ends.
func ServeAdmin(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
