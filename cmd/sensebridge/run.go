// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/sensebridge/pkg/connector"
	"github.com/aiku/sensebridge/pkg/controlplane"
	"github.com/aiku/sensebridge/pkg/vendorapi"
	"github.com/aiku/sensebridge/pkg/vendorapi/senselink"
	"github.com/aiku/sensebridge/pkg/vendorapi/sensenebula"
)

func run(ctx context.Context, opts rootOptions) error {
	cfg, err := connector.LoadConfig(opts.configPath, opts.saveConfig)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, opts, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("vendor", cfg.Vendor).
		Str("source", cfg.Upstream.SourceName).
		Msg("Starting sensebridge")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstream := controlplane.New(controlplane.Config{
		URL:              cfg.Upstream.URL,
		Token:            cfg.Upstream.Token,
		SourceName:       cfg.Upstream.SourceName,
		HandshakeTimeout: cfg.Upstream.ConnectTimeout,
	}, log)
	core := connector.New(upstream, newIntegration(cfg, log), cfg.CoreOptions(), log)
	defer core.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return connector.ServeAdmin(gctx, cfg.MetricsAddr, connector.AdminHandler(core), log)
		})
	}
	g.Go(func() error {
		if !core.Start(gctx, cfg.Upstream.ConnectTimeout) {
			return gctx.Err()
		}
		waitCtx, cancel := context.WithTimeout(gctx, time.Minute)
		defer cancel()
		if core.WaitConfigured(waitCtx) {
			log.Info().Stringer("state", core.State()).Msg("Initial configuration finished")
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Shutting down")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newIntegration builds the vendor client and integration selected in the
// configuration.
func newIntegration(cfg *connector.Config, log zerolog.Logger) connector.Integration {
	requester := vendorapi.NewRequester(cfg.RequesterOptions(), log)
	if cfg.Vendor == connector.VendorSenseNebula {
		return connector.NewSenseNebula(sensenebula.New(requester, log), log)
	}
	return connector.NewSenseLink(senselink.New(requester, log), cfg.ListenerLimits(), log)
}

func newLogger(cfg *connector.Config, opts rootOptions, stdout, stderr io.Writer) (zerolog.Logger, error) {
	level := cfg.LogLevel()
	if opts.logLevel != "" {
		parsed, err := zerolog.ParseLevel(opts.logLevel)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid --log-level: %w", err)
		}
		level = parsed
	}
	var out io.Writer = stdout
	if opts.pretty {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
