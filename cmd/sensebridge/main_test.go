// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector"
)

// TestVersionCommand prints the build variables.
func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "sensebridge unknown (commit unknown") {
		t.Errorf("version output: %q", out.String())
	}
}

// TestExampleConfigCommand prints the embedded example.
func TestExampleConfigCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"example-config"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.String() != connector.ExampleConfig {
		t.Error("example-config output differs from the embedded example")
	}
}

// TestNewLogger applies the level override and rejects unknown levels.
func TestNewLogger(t *testing.T) {
	cfg := &connector.Config{Logging: connector.LoggingConfig{Level: "warn"}}
	var stdout, stderr bytes.Buffer

	log, err := newLogger(cfg, rootOptions{}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("level: got %v, want warn", log.GetLevel())
	}
	log.Warn().Msg("hello")
	if !strings.Contains(stdout.String(), `"message":"hello"`) {
		t.Errorf("JSON log missing: %q", stdout.String())
	}

	log, err = newLogger(cfg, rootOptions{logLevel: "debug", pretty: true}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Debug().Msg("pretty")
	if !strings.Contains(stderr.String(), "pretty") {
		t.Errorf("console log missing: %q", stderr.String())
	}

	if _, err := newLogger(cfg, rootOptions{logLevel: "chatty"}, &stdout, &stderr); err == nil {
		t.Error("unknown level should fail")
	}
}

// TestNewIntegration picks the integration named in the configuration.
func TestNewIntegration(t *testing.T) {
	for _, name := range []string{connector.VendorSenseLink, connector.VendorSenseNebula} {
		cfg := &connector.Config{Vendor: name}
		if got := newIntegration(cfg, zerolog.Nop()).Name(); got != name {
			t.Errorf("newIntegration(%s): got %s", name, got)
		}
	}
}
