// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/sensebridge/pkg/connector/chunking"
	"github.com/aiku/sensebridge/pkg/vendorapi"
)

//go:embed example-config.yaml
var ExampleConfig string

// Vendor names accepted in the vendor field.
const (
	VendorSenseLink   = "senseLink"
	VendorSenseNebula = "senseNebula"
)

// Config holds the process configuration of the sensebridge daemon.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	// Vendor selects the integration, senseLink or senseNebula.
	Vendor            string        `yaml:"vendor"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	// DiagnosticPingInterval spaces the diagnostic transport pings. The
	// configuration document may override it per source.
	DiagnosticPingInterval time.Duration `yaml:"diagnostic_ping_interval"`

	Listener   ListenerConfig   `yaml:"listener"`
	VendorHTTP VendorHTTPConfig `yaml:"vendor_http"`

	// MetricsAddr is the listen address of the metrics and health router.
	// Empty disables it.
	MetricsAddr string        `yaml:"metrics_addr"`
	Logging     LoggingConfig `yaml:"logging"`
}

// UpstreamConfig describes the control-plane session.
type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	SourceName     string        `yaml:"source_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// KeepaliveConfig holds the keepalive periods. Zero keeps the stock value.
type KeepaliveConfig struct {
	UpstreamPeriod  time.Duration `yaml:"upstream_period"`
	VendorPeriod    time.Duration `yaml:"vendor_period"`
	TransportPeriod time.Duration `yaml:"transport_period"`
}

type ChunkingConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size"`
}

// ListenerConfig bounds the SenseLink callback server.
type ListenerConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
	MaxBodyBytes  int64 `yaml:"max_body_bytes"`
}

// VendorHTTPConfig tunes the shared vendor REST client. A zero rate
// disables throttling.
type VendorHTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the configuration and fills defaults.
func (c *Config) PostProcess() error {
	var errs []error
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	} else if u, err := url.Parse(c.Upstream.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url %q is not an absolute URL", c.Upstream.URL))
	}
	if c.Upstream.Token == "" {
		errs = append(errs, errors.New("upstream.token is required"))
	}
	if c.Upstream.SourceName == "" {
		errs = append(errs, errors.New("upstream.source_name is required"))
	}
	switch c.Vendor {
	case VendorSenseLink, VendorSenseNebula:
	default:
		errs = append(errs, fmt.Errorf("vendor must be %s or %s, got %q", VendorSenseLink, VendorSenseNebula, c.Vendor))
	}
	if c.Chunking.MaxChunkSize < 0 {
		errs = append(errs, errors.New("chunking.max_chunk_size must not be negative"))
	}
	if c.VendorHTTP.Rate < 0 {
		errs = append(errs, errors.New("vendor_http.rate must not be negative"))
	}
	if c.Logging.Level == "" {
		c.Logging.Level = zerolog.InfoLevel.String()
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.Upstream.ConnectTimeout <= 0 {
		c.Upstream.ConnectTimeout = 10 * time.Second
	}
	if c.Chunking.MaxChunkSize == 0 {
		c.Chunking.MaxChunkSize = chunking.DefaultMaxChunkSize
	}
	if c.DiagnosticPingInterval <= 0 {
		c.DiagnosticPingInterval = time.Hour
	}
	return nil
}

// LogLevel returns the parsed logging level, or info if it is invalid.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || c.Logging.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// CoreOptions builds the Core options from the process configuration.
func (c *Config) CoreOptions() Options {
	k := DefaultKeepaliveTimings()
	if c.Keepalive.UpstreamPeriod > 0 {
		k.UpstreamPeriod = c.Keepalive.UpstreamPeriod
	}
	if c.Keepalive.VendorPeriod > 0 {
		k.VendorPeriod = c.Keepalive.VendorPeriod
	}
	if c.Keepalive.TransportPeriod > 0 {
		k.TransportPeriod = c.Keepalive.TransportPeriod
	}
	return Options{
		SourceName:         c.Upstream.SourceName,
		ReconnectInterval:  c.ReconnectInterval,
		ConnectTimeout:     c.Upstream.ConnectTimeout,
		MaxChunkSize:       c.Chunking.MaxChunkSize,
		DiagnosticInterval: c.DiagnosticPingInterval,
		Keepalive:          k,
	}
}

func (c *Config) RequesterOptions() vendorapi.RequesterOptions {
	return vendorapi.RequesterOptions{
		Timeout: c.VendorHTTP.Timeout,
		Rate:    c.VendorHTTP.Rate,
		Burst:   c.VendorHTTP.Burst,
	}
}

func (c *Config) ListenerLimits() ListenerLimits {
	return ListenerLimits{
		MaxConcurrent: c.Listener.MaxConcurrent,
		MaxBodyBytes:  c.Listener.MaxBodyBytes,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "upstream", "url")
	helper.Copy(up.Str, "upstream", "token")
	helper.Copy(up.Str, "upstream", "source_name")
	helper.Copy(up.Str, "upstream", "connect_timeout")
	helper.Copy(up.Str, "vendor")
	helper.Copy(up.Str, "reconnect_interval")
	helper.Copy(up.Str, "keepalive", "upstream_period")
	helper.Copy(up.Str, "keepalive", "vendor_period")
	helper.Copy(up.Str, "keepalive", "transport_period")
	helper.Copy(up.Int, "chunking", "max_chunk_size")
	helper.Copy(up.Str, "diagnostic_ping_interval")
	helper.Copy(up.Int, "listener", "max_concurrent")
	helper.Copy(up.Int, "listener", "max_body_bytes")
	helper.Copy(up.Str, "vendor_http", "timeout")
	helper.Copy(up.Float|up.Int, "vendor_http", "rate")
	helper.Copy(up.Int, "vendor_http", "burst")
	helper.Copy(up.Str, "metrics_addr")
	helper.Copy(up.Str, "logging", "level")
}

// Upgrader fills keys missing from a user configuration with the values of
// the embedded example.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"vendor"},
			{"keepalive"},
			{"listener"},
			{"metrics_addr"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads the configuration file, upgrades it against the embedded
// example and validates it. With save set, the upgraded file is written
// back when it changed.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates an already upgraded configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
