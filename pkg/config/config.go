// Package config resolves the client configuration from layered sources.
//
// Every key is optional in every layer. Layers are merged explicitly, later
// non-nil values winning: built-in defaults, then the config file, then the
// environment, then command-line flags.
package config

import (
	"fmt"
	"maps"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
)

// Layer is one configuration source. Nil means "not set here".
type Layer struct {
	Scheme  *string `yaml:"scheme,omitempty"`
	Host    *string `yaml:"host,omitempty"`
	Port    *int    `yaml:"port,omitempty"`
	Version *string `yaml:"version,omitempty"`
	APIKey  *string `yaml:"api_key,omitempty"`

	ProxyScheme   *string `yaml:"proxy_scheme,omitempty"`
	ProxyHost     *string `yaml:"proxy_host,omitempty"`
	ProxyPort     *int    `yaml:"proxy_port,omitempty"`
	ProxyUsername *string `yaml:"proxy_username,omitempty"`
	ProxyPassword *string `yaml:"proxy_password,omitempty"`
	ProxyHeaders  Headers `yaml:"proxy_headers,omitempty"`

	// Timeout budgets in seconds; 0 keeps the transport default.
	Total       *float64 `yaml:"total,omitempty"`
	Connect     *float64 `yaml:"connect,omitempty"`
	SockRead    *float64 `yaml:"sock_read,omitempty"`
	SockConnect *float64 `yaml:"sock_connect,omitempty"`

	RedisURL          *string  `yaml:"redis_url,omitempty"`
	RequestsPerSecond *float64 `yaml:"requests_per_second,omitempty"`
	LogLevel          *string  `yaml:"log_level,omitempty"`
	DisableGates      *bool    `yaml:"disable_gates,omitempty"`
	ExportLimit       *int     `yaml:"export_limit,omitempty"`
}

// Config is the fully resolved configuration.
type Config struct {
	Scheme  string
	Host    string
	Port    int
	Version string
	APIKey  logging.Secret

	Proxy    transport.Proxy
	Timeouts transport.Timeouts

	RedisURL          string
	RequestsPerSecond float64
	LogLevel          string
	DisableGates      bool
	ExportLimit       int
}

// Defaults returns the built-in layer.
func Defaults() Layer {
	return Layer{
		Scheme:   ptr(transport.DefaultScheme),
		Host:     ptr(transport.DefaultHost),
		Port:     ptr(transport.DefaultPort),
		Version:  ptr(transport.DefaultVersion),
		LogLevel: ptr(string(logging.LevelInfo)),
	}
}

// Merge overlays layers in order; a later non-nil value replaces an earlier one.
func Merge(layers ...Layer) Layer {
	var out Layer
	for _, l := range layers {
		pick(&out.Scheme, l.Scheme)
		pick(&out.Host, l.Host)
		pick(&out.Port, l.Port)
		pick(&out.Version, l.Version)
		pick(&out.APIKey, l.APIKey)
		pick(&out.ProxyScheme, l.ProxyScheme)
		pick(&out.ProxyHost, l.ProxyHost)
		pick(&out.ProxyPort, l.ProxyPort)
		pick(&out.ProxyUsername, l.ProxyUsername)
		pick(&out.ProxyPassword, l.ProxyPassword)
		if l.ProxyHeaders != nil {
			out.ProxyHeaders = maps.Clone(l.ProxyHeaders)
		}
		pick(&out.Total, l.Total)
		pick(&out.Connect, l.Connect)
		pick(&out.SockRead, l.SockRead)
		pick(&out.SockConnect, l.SockConnect)
		pick(&out.RedisURL, l.RedisURL)
		pick(&out.RequestsPerSecond, l.RequestsPerSecond)
		pick(&out.LogLevel, l.LogLevel)
		pick(&out.DisableGates, l.DisableGates)
		pick(&out.ExportLimit, l.ExportLimit)
	}
	return out
}

// Resolve applies Defaults < file < env < cli and validates the result.
// A missing API key is not an error here; callers may still prompt for it.
func Resolve(cli, env, file Layer) (Config, error) {
	merged := Merge(Defaults(), file, env, cli)

	cfg := Config{
		Scheme:  deref(merged.Scheme),
		Host:    deref(merged.Host),
		Port:    deref(merged.Port),
		Version: deref(merged.Version),
		APIKey:  logging.Secret(deref(merged.APIKey)),
		Proxy: transport.Proxy{
			Scheme:   deref(merged.ProxyScheme),
			Host:     deref(merged.ProxyHost),
			Port:     deref(merged.ProxyPort),
			Username: deref(merged.ProxyUsername),
			Password: logging.Secret(deref(merged.ProxyPassword)),
			Headers:  merged.ProxyHeaders,
		},
		RedisURL:          deref(merged.RedisURL),
		RequestsPerSecond: deref(merged.RequestsPerSecond),
		LogLevel:          deref(merged.LogLevel),
		DisableGates:      deref(merged.DisableGates),
		ExportLimit:       deref(merged.ExportLimit),
	}

	budgets := []struct {
		name string
		src  *float64
		dst  *time.Duration
	}{
		{"total", merged.Total, &cfg.Timeouts.Total},
		{"connect", merged.Connect, &cfg.Timeouts.Connect},
		{"sock_read", merged.SockRead, &cfg.Timeouts.SockRead},
		{"sock_connect", merged.SockConnect, &cfg.Timeouts.SockConnect},
	}
	for _, b := range budgets {
		seconds := deref(b.src)
		if seconds < 0 {
			return Config{}, fmt.Errorf("%s timeout must be >= 0 (got %v)", b.name, seconds)
		}
		*b.dst = time.Duration(seconds * float64(time.Second))
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", cfg.Scheme)
	}
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", cfg.Port)
	}
	if cfg.Version == "" {
		return fmt.Errorf("version is required")
	}
	if cfg.Proxy.Host != "" {
		if cfg.Proxy.Scheme != "http" && cfg.Proxy.Scheme != "https" {
			return fmt.Errorf("proxy_scheme must be http or https (got %q)", cfg.Proxy.Scheme)
		}
		if cfg.Proxy.Port < 0 || cfg.Proxy.Port > 65535 {
			return fmt.Errorf("proxy_port must be between 0 and 65535, 0 meaning the scheme default (got %d)", cfg.Proxy.Port)
		}
	}
	if cfg.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0")
	}
	if cfg.ExportLimit < 0 {
		return fmt.Errorf("export_limit must be >= 0")
	}
	if !logging.ValidLevel(logging.LogLevel(cfg.LogLevel)) {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}

// TransportConfig converts cfg into a transport session configuration.
// Tracker and Logger are left for the caller to wire.
func (c Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig(c.APIKey.Reveal())
	tc.Scheme = c.Scheme
	tc.Host = c.Host
	tc.Port = c.Port
	tc.Version = c.Version
	tc.Proxy = c.Proxy
	tc.Timeouts = c.Timeouts
	tc.RequestsPerSecond = c.RequestsPerSecond
	return tc
}

// Gates builds the per-feature concurrency gates. ExportLimit 0 keeps the default.
func (c Config) Gates() *ratelimit.Gates {
	var overrides map[ratelimit.Feature]int
	if c.ExportLimit > 0 {
		overrides = map[ratelimit.Feature]int{ratelimit.FeatureExport: c.ExportLimit}
	}
	return ratelimit.NewGates(overrides, !c.DisableGates)
}

func ptr[T any](v T) *T {
	return &v
}

func pick[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
