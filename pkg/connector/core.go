// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector/chunking"
	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/connector/keepalive"
)

// Keepalive task names.
const (
	TaskUpstreamPing    = "upstream-ping"
	TaskVendorREST      = "vendor-rest"
	TaskVendorTransport = "vendor-ws"
)

// errAborted ends a connect loop whose source was closed underneath it.
var errAborted = errors.New("connect loop aborted")

// errLostDuringConnect is a connect that succeeded after the transport had
// already been reported lost. The loop retries it like any failed attempt.
var errLostDuringConnect = errors.New("transport lost during connect")

// KeepaliveTimings are the initial delays and periods of the keepalive
// tasks started once a source is active.
type KeepaliveTimings struct {
	UpstreamDelay   time.Duration
	UpstreamPeriod  time.Duration
	VendorDelay     time.Duration
	VendorPeriod    time.Duration
	TransportDelay  time.Duration
	TransportPeriod time.Duration
}

// DefaultKeepaliveTimings returns the stock keepalive schedule.
func DefaultKeepaliveTimings() KeepaliveTimings {
	return KeepaliveTimings{
		UpstreamDelay:   100 * time.Millisecond,
		UpstreamPeriod:  280 * time.Second,
		VendorDelay:     2 * time.Second,
		VendorPeriod:    25 * time.Minute,
		TransportDelay:  100 * time.Millisecond,
		TransportPeriod: 280 * time.Second,
	}
}

// Options configure a Core.
type Options struct {
	SourceName string
	// ReconnectInterval is the fixed backoff between connect attempts.
	ReconnectInterval time.Duration
	// ConnectTimeout bounds every attempt made by the background reconnect
	// loop.
	ConnectTimeout time.Duration
	// MaxChunkSize and DiagnosticInterval apply unless the configuration
	// document overrides them.
	MaxChunkSize       int
	DiagnosticInterval time.Duration
	Keepalive          KeepaliveTimings
}

func (o *Options) setDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = chunking.DefaultMaxChunkSize
	}
	if o.DiagnosticInterval <= 0 {
		o.DiagnosticInterval = time.Hour
	}
	def := DefaultKeepaliveTimings()
	k := &o.Keepalive
	if k.UpstreamPeriod <= 0 {
		k.UpstreamDelay, k.UpstreamPeriod = def.UpstreamDelay, def.UpstreamPeriod
	}
	if k.VendorPeriod <= 0 {
		k.VendorDelay, k.VendorPeriod = def.VendorDelay, def.VendorPeriod
	}
	if k.TransportPeriod <= 0 {
		k.TransportDelay, k.TransportPeriod = def.TransportDelay, def.TransportPeriod
	}
}

// Core drives one source: it keeps the upstream session connected, applies
// configuration by logging in to the vendor and starting the inbound
// channel, and moves requests and events between the two sides.
type Core struct {
	upstream    Upstream
	integration Integration
	opts        Options
	log         zerolog.Logger
	scheduler   *keepalive.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu                 sync.Mutex
	state              State
	lastConnectAttempt time.Time
	configComplete     bool
	configured         chan struct{}
	pendingConfig      map[string]any
	applying           bool
	connecting         bool
	channel            inbound.Channel
	settings           Settings
	stopped            bool

	stopOnce sync.Once
}

// New creates a disconnected core.
func New(upstream Upstream, integration Integration, opts Options, log zerolog.Logger) *Core {
	opts.setDefaults()
	log = log.With().Str("component", "connector").Str("source", opts.SourceName).Str("vendor", integration.Name()).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		upstream:    upstream,
		integration: integration,
		opts:        opts,
		log:         log,
		scheduler:   keepalive.NewScheduler(log),
		ctx:         ctx,
		cancel:      cancel,
		configured:  make(chan struct{}),
	}
	stateGauge.WithLabelValues(opts.SourceName).Set(float64(StateDisconnected))
	return c
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConfigComplete reports whether the last configuration finished, with or
// without success.
func (c *Core) ConfigComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configComplete
}

// LastConnectAttempt returns when the upstream was last dialled.
func (c *Core) LastConnectAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnectAttempt
}

// KeepaliveTasks lists the running keepalive tasks.
func (c *Core) KeepaliveTasks() []string {
	return c.scheduler.Running()
}

// WaitConfigured blocks until configuration finishes or ctx ends. It
// reports whether configuration finished.
func (c *Core) WaitConfigured(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.configured
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return c.ConfigComplete()
	}
}

// setStateLocked applies a transition if the table allows it.
func (c *Core) setStateLocked(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		c.log.Warn().Stringer("from", from).Stringer("to", to).Msg("Rejected illegal state transition")
		return false
	}
	c.state = to
	stateGauge.WithLabelValues(c.opts.SourceName).Set(float64(to))
	c.log.Info().Stringer("from", from).Stringer("to", to).Msg("State changed")
	return true
}

func (c *Core) markConfiguredLocked() {
	if !c.configComplete {
		c.configComplete = true
		close(c.configured)
	}
}

func (c *Core) resetConfiguredLocked() {
	if c.configComplete {
		c.configComplete = false
		c.configured = make(chan struct{})
	}
}

// Start registers the upstream handlers and connects, retrying every
// reconnect interval until an attempt succeeds or ctx ends. Each attempt is
// bounded by timeout.
func (c *Core) Start(ctx context.Context, timeout time.Duration) bool {
	c.upstream.SetHandlers(Handlers{
		Config:    c.handleConfig,
		Reconnect: c.handleReconnect,
		Closed:    c.handleClosed,
		Publish:   c.handlePublish,
		Query:     c.handleQuery,
	})

	c.mu.Lock()
	if c.stopped || c.connecting || !c.setStateLocked(StateConnecting) {
		c.mu.Unlock()
		return false
	}
	c.connecting = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	return c.connectLoop(ctx, timeout)
}

// connectLoop runs connect attempts until one succeeds. The caller must
// have set c.connecting; the loop clears it on exit.
func (c *Core) connectLoop(ctx context.Context, timeout time.Duration) bool {
	for {
		err := c.connectOnce(ctx, timeout)
		if err == nil {
			c.applyPendingConfig(c.ctx)
			c.mu.Lock()
			// The transport may have dropped again while configuring.
			if c.state != StateReconnecting {
				c.connecting = false
				c.mu.Unlock()
				return true
			}
			c.mu.Unlock()
			continue
		}
		if errors.Is(err, errAborted) || errors.Is(err, ErrStopped) {
			c.finishLoop()
			return false
		}

		c.log.Warn().Err(err).Dur("retry_in", c.opts.ReconnectInterval).Msg("Upstream connect failed")
		c.mu.Lock()
		if c.state == StateClosed {
			c.connecting = false
			c.mu.Unlock()
			return false
		}
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		timer := time.NewTimer(c.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finishLoop()
			return false
		case <-timer.C:
		}
	}
}

func (c *Core) finishLoop() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
}

func (c *Core) connectOnce(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.setStateLocked(StateConnecting) {
		c.mu.Unlock()
		return errAborted
	}
	c.lastConnectAttempt = time.Now()
	c.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := "connect"
	var err error
	if c.upstream.IsOpen() && c.upstream.IsAuthed() {
		op = "reconnect"
		err = c.upstream.Reconnect(attemptCtx)
	} else {
		err = c.upstream.Connect(attemptCtx)
	}
	if err != nil {
		reconnectAttempts.WithLabelValues(c.opts.SourceName, "failure").Inc()
		return &TransportError{Op: op, Err: err}
	}
	reconnectAttempts.WithLabelValues(c.opts.SourceName, "success").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReconnecting {
		return &TransportError{Op: op, Err: errLostDuringConnect}
	}
	if !c.setStateLocked(StateAuthenticating) {
		return errAborted
	}
	c.log.Info().Str("op", op).Msg("Upstream session established")
	return nil
}

func (c *Core) handleReconnect() {
	c.log.Info().Msg("Control plane requested a reconnect")
	c.transportLost(true)
}

func (c *Core) handleClosed() {
	c.log.Warn().Msg("Upstream transport closed")
	c.transportLost(false)
}

// handleChannelClosed reacts to the vendor stream dropping. Closes of
// channels that were already replaced are ignored.
func (c *Core) handleChannelClosed(ch inbound.Channel, err error) {
	c.mu.Lock()
	current := c.channel == ch && c.state == StateActive
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Warn().Err(err).Msg("Vendor event stream closed")
	c.transportLost(false)
}

// transportLost cancels every keepalive task, marks the configuration
// incomplete and starts the background reconnect loop if none is running.
// A closed source only reconnects on an explicit request.
func (c *Core) transportLost(explicit bool) {
	c.mu.Lock()
	if c.stopped || c.state == StateDisconnected || (c.state == StateClosed && !explicit) {
		c.mu.Unlock()
		return
	}
	c.scheduler.CancelAll()
	c.resetConfiguredLocked()
	if !c.setStateLocked(StateReconnecting) || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.loops.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.loops.Done()
		if c.connectLoop(c.ctx, c.opts.ConnectTimeout) {
			c.log.Info().Msg("Reconnected")
		}
	}()
}

// Close cancels the keepalive tasks, stops the inbound channel and forgets
// the vendor session. The upstream session is left alone. Close is
// idempotent.
func (c *Core) Close() {
	c.mu.Lock()
	c.scheduler.CancelAll()
	ch := c.channel
	c.channel = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if ch != nil {
		ch.Stop()
	}
	c.integration.Client().Close()
	c.log.Info().Msg("Source closed")
}

// Stop closes the source, closes the upstream session and waits for the
// background goroutines to exit.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		c.cancel()
		c.Close()
		c.upstream.Close()
		c.loops.Wait()
		c.scheduler.Wait()
		c.log.Info().Msg("Connector stopped")
	})
}
