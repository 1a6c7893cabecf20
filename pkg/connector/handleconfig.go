// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/connector/keepalive"
	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Optional general keys understood by every integration.
const (
	ChunkSizeKey          = "chunkSize"
	DiagnosticIntervalKey = "diagnosticPingInterval"
)

// handleConfig stores the configuration document and applies it right away
// if the upstream handshake has completed. Otherwise it is applied once the
// handshake completes. A closed source is revived so the new document gets
// another chance.
func (c *Core) handleConfig(doc map[string]any) {
	c.mu.Lock()
	c.pendingConfig = doc
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateAuthenticating:
		c.applyPendingConfig(c.ctx)
	case StateClosed:
		c.log.Info().Msg("Configuration received for a closed source, reconnecting")
		c.transportLost(true)
	case StateConfiguring, StateActive:
		c.log.Info().Msg("Configuration updated, applying on the next reconnect")
	default:
		c.log.Debug().Stringer("state", state).Msg("Configuration stored until the upstream handshake completes")
	}
}

// applyPendingConfig runs setup with the stored configuration if the state
// allows it and no other setup is in progress.
func (c *Core) applyPendingConfig(ctx context.Context) {
	c.mu.Lock()
	doc := c.pendingConfig
	if doc == nil || c.state != StateAuthenticating || c.applying {
		c.mu.Unlock()
		return
	}
	c.applying = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.applying = false
		c.mu.Unlock()
	}()
	c.setup(ctx, doc)
}

// setup validates the configuration, logs in to the vendor, starts the
// inbound channel and the keepalive tasks, and activates the source. Any
// failure closes the source.
func (c *Core) setup(ctx context.Context, doc map[string]any) {
	settings, err := c.parseConfig(doc)
	if err != nil {
		c.fail(err, "Invalid configuration")
		return
	}

	sess, err := c.integration.Client().Login(ctx, settings.Credentials, settings.General)
	if err != nil {
		c.fail(err, "Vendor login failed")
		return
	}

	c.mu.Lock()
	if !c.setStateLocked(StateConfiguring) {
		c.mu.Unlock()
		return
	}
	previous := c.channel
	c.channel = nil
	c.settings = settings
	c.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	var ch inbound.Channel
	onClose := func(err error) {
		go c.handleChannelClosed(ch, err)
	}
	ch, err = c.integration.NewChannel(settings, sess, c.handleEvent, onClose)
	if err != nil {
		c.fail(err, "Failed to create inbound channel")
		return
	}
	if err := ch.Start(ctx); err != nil {
		c.fail(err, "Failed to start inbound channel")
		return
	}

	c.mu.Lock()
	if c.state != StateConfiguring {
		c.mu.Unlock()
		ch.Stop()
		return
	}
	c.channel = ch
	c.startKeepalivesLocked(settings, ch)
	c.setStateLocked(StateActive)
	c.markConfiguredLocked()
	c.mu.Unlock()

	c.log.Info().
		Int("max_chunk_size", settings.MaxChunkSize).
		Strs("keepalive_tasks", c.scheduler.Running()).
		Msg("Source active")
}

// fail closes the source after a configuration, login or channel failure
// and releases anyone waiting for configuration.
func (c *Core) fail(err error, msg string) {
	c.log.Error().Err(err).Msg(msg)
	c.mu.Lock()
	c.scheduler.CancelAll()
	ch := c.channel
	c.channel = nil
	c.setStateLocked(StateClosed)
	c.markConfiguredLocked()
	c.mu.Unlock()
	if ch != nil {
		ch.Stop()
	}
}

// parseConfig walks config.<vendor>Config.general and validates it.
func (c *Core) parseConfig(doc map[string]any) (Settings, error) {
	config, err := section(doc, "config", "config")
	if err != nil {
		return Settings{}, err
	}
	vendorKey := c.integration.Name() + "Config"
	vendorSection, err := section(config, vendorKey, "config."+vendorKey)
	if err != nil {
		return Settings{}, err
	}
	generalPath := "config." + vendorKey + ".general"
	raw, err := section(vendorSection, "general", generalPath)
	if err != nil {
		return Settings{}, err
	}
	general := vendorapi.GeneralConfig(raw)

	settings, err := c.integration.ParseSettings(general)
	if err != nil {
		return Settings{}, fieldError(generalPath, err)
	}
	settings.General = general

	if settings.MaxChunkSize, err = general.OptionalInt(ChunkSizeKey, c.opts.MaxChunkSize); err != nil {
		return Settings{}, fieldError(generalPath, err)
	}
	if settings.MaxChunkSize <= 0 {
		return Settings{}, &ConfigError{Field: generalPath + "." + ChunkSizeKey, Reason: "must be positive"}
	}
	defSeconds := int(c.opts.DiagnosticInterval / time.Second)
	seconds, err := general.OptionalInt(DiagnosticIntervalKey, defSeconds)
	if err != nil {
		return Settings{}, fieldError(generalPath, err)
	}
	if seconds <= 0 {
		return Settings{}, &ConfigError{Field: generalPath + "." + DiagnosticIntervalKey, Reason: "must be positive"}
	}
	settings.DiagnosticInterval = time.Duration(seconds) * time.Second
	return settings, nil
}

func section(parent map[string]any, key, path string) (map[string]any, error) {
	v, ok := parent[key]
	if !ok || v == nil {
		return nil, &ConfigError{Field: path, Reason: "missing"}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ConfigError{Field: path, Reason: "must be an object"}
	}
	return m, nil
}

func fieldError(prefix string, err error) error {
	var fe *vendorapi.FieldError
	if errors.As(err, &fe) {
		return &ConfigError{Field: prefix + "." + fe.Field, Reason: fe.Reason, Err: err}
	}
	return &ConfigError{Field: prefix, Reason: err.Error(), Err: err}
}

// startKeepalivesLocked schedules the upstream ping, the vendor session
// refresh and, for channels that need it, the transport ping.
func (c *Core) startKeepalivesLocked(settings Settings, ch inbound.Channel) {
	k := c.opts.Keepalive
	client := c.integration.Client()

	c.scheduler.Start(TaskUpstreamPing, k.UpstreamDelay, k.UpstreamPeriod, c.pingUpstream)
	c.scheduler.Start(TaskVendorREST, k.VendorDelay, k.VendorPeriod, client.RefreshKeepalive)

	pinger, ok := c.integration.(TransportPinger)
	if !ok {
		return
	}
	conn, ok := ch.(pingableChannel)
	if !ok {
		return
	}
	throttle := keepalive.NewThrottle(settings.DiagnosticInterval)
	c.scheduler.Start(TaskVendorTransport, k.TransportDelay, k.TransportPeriod, func(ctx context.Context) error {
		return conn.Ping(ctx, pinger.TransportPing(client.Session(), throttle.Ready(), time.Now()))
	})
}
