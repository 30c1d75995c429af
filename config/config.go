// Package config loads environment variables and provides a typed Config
// used across the realtime layer. It applies sensible defaults so the binary
// can run locally with minimal setup. For required hub credentials, use
// ValidateConnectReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Hub
	HubURL  string
	HubPath string

	// Auth
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Health / reconnect
	HealthInterval    time.Duration
	PingTimeout       time.Duration
	PingFailThreshold int
	StaleThreshold    time.Duration
	ReconnectingGrace time.Duration
	KeepAliveInterval time.Duration

	// HTTP
	ListenAddr string

	// Telemetry. Empty disables trace export.
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// hub credentials are missing; use ValidateConnectReady when you require a
// live connection.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HubURL = os.Getenv("HUB_URL")
	cfg.HubPath = os.Getenv("HUB_PATH")
	if cfg.HubPath == "" {
		cfg.HubPath = "/realtime"
	}

	cfg.TokenURL = os.Getenv("TOKEN_URL")
	cfg.ClientID = os.Getenv("CLIENT_ID")
	cfg.ClientSecret = os.Getenv("CLIENT_SECRET")

	var err error
	if cfg.HealthInterval, err = envDuration("HEALTH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	// 4s matches the dedicated-goroutine owner whose timers are reliable;
	// raise to 8s for shells whose timers are throttled with the surface.
	if cfg.PingTimeout, err = envDuration("PING_TIMEOUT", 4*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = envDuration("STALE_THRESHOLD", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectingGrace, err = envDuration("RECONNECTING_GRACE", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.KeepAliveInterval, err = envDuration("KEEPALIVE_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.PingFailThreshold = 2
	if v := os.Getenv("PING_FAIL_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid PING_FAIL_THRESHOLD: %q", v)
		}
		cfg.PingFailThreshold = n
	}

	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", name, v)
	}
	return d, nil
}

// ValidateConnectReady checks required fields for opening a hub connection.
func (c *Config) ValidateConnectReady() error {
	if c.HubURL == "" {
		return fmt.Errorf("missing hub env: require HUB_URL")
	}
	return nil
}

// ValidateAuthReady checks required fields for refreshing credentials.
func (c *Config) ValidateAuthReady() error {
	if c.TokenURL == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("missing auth env: require TOKEN_URL, CLIENT_ID, CLIENT_SECRET")
	}
	return nil
}
