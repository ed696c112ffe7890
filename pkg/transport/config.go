package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Defaults for the public Onyphe API.
const (
	DefaultScheme  = "https"
	DefaultHost    = "www.onyphe.io"
	DefaultPort    = 443
	DefaultVersion = "v2"
)

// Version is reported in the User-Agent header.
const Version = "0.3.0"

// Credentials holds the API key. It is never logged.
type Credentials struct {
	APIKey logging.Secret
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("api_key_set", c.APIKey != "")
}

// Proxy describes an optional HTTP(S) proxy.
type Proxy struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password logging.Secret
	Headers  map[string]string
}

// Valid reports whether the proxy is usable; both scheme and host are required.
func (p Proxy) Valid() bool {
	return p.Scheme != "" && p.Host != ""
}

// URL returns the proxy URL including credentials.
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: hostPort(p.Host, p.Port)}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password.Reveal())
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u
}

// String returns the proxy URL without credentials.
func (p Proxy) String() string {
	return (&url.URL{Scheme: p.Scheme, Host: hostPort(p.Host, p.Port)}).String()
}

// Timeouts are four independent per-request budgets. Zero means no limit beyond
// the transport defaults.
type Timeouts struct {
	// Total bounds the whole exchange, including reading the body.
	Total time.Duration

	// Connect bounds acquiring a connection from the pool, dialing included.
	Connect time.Duration

	// SockRead bounds each wait for bytes from the server.
	SockRead time.Duration

	// SockConnect bounds a single TCP dial.
	SockConnect time.Duration
}

// Merge returns t with every non-zero budget of override applied.
func (t Timeouts) Merge(override *Timeouts) Timeouts {
	if override == nil {
		return t
	}
	if override.Total > 0 {
		t.Total = override.Total
	}
	if override.Connect > 0 {
		t.Connect = override.Connect
	}
	if override.SockRead > 0 {
		t.SockRead = override.SockRead
	}
	if override.SockConnect > 0 {
		t.SockConnect = override.SockConnect
	}
	return t
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (t Timeouts) MarshalZerologObject(e *zerolog.Event) {
	e.Dur("total", t.Total).
		Dur("connect", t.Connect).
		Dur("sock_read", t.SockRead).
		Dur("sock_connect", t.SockConnect)
}

// Config holds the session configuration.
type Config struct {
	// Endpoint target
	Scheme  string
	Host    string
	Port    int
	Version string

	Credentials Credentials
	Proxy       Proxy
	Timeouts    Timeouts

	// TLSConfig overrides the default TLS client configuration.
	TLSConfig *tls.Config

	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64

	// Tracker fails requests fast while an upstream 429 cooldown is active.
	// Nil disables cooldown tracking.
	Tracker *ratelimit.Tracker

	// UserAgent header (default: onyphe-client/<Version>)
	UserAgent string

	// Pool sizing
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int // 0 = unlimited

	// Logger defaults to logging.NewLogger("transport").
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for the public API.
func DefaultConfig(apiKey string) Config {
	return Config{
		Scheme:              DefaultScheme,
		Host:                DefaultHost,
		Port:                DefaultPort,
		Version:             DefaultVersion,
		Credentials:         Credentials{APIKey: logging.Secret(apiKey)},
		UserAgent:           "onyphe-client/" + Version,
		MaxIdleConnsPerHost: 10,
	}
}

func (c Config) validate() error {
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https (got %q)", ErrInvalidConfig, c.Scheme)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port out of range (got %d)", ErrInvalidConfig, c.Port)
	}
	if c.Version == "" {
		return fmt.Errorf("%w: api version is required", ErrInvalidConfig)
	}
	if c.Credentials.APIKey == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second must be >= 0", ErrInvalidConfig)
	}
	if c.Proxy.Valid() && c.Proxy.Scheme != "http" && c.Proxy.Scheme != "https" {
		return fmt.Errorf("%w: proxy scheme must be http or https (got %q)", ErrInvalidConfig, c.Proxy.Scheme)
	}
	return nil
}

// baseURL builds scheme://host[:port]/api/<version>/.
func (c Config) baseURL() *url.URL {
	port := c.Port
	if (c.Scheme == "https" && port == 443) || (c.Scheme == "http" && port == 80) {
		port = 0
	}
	return &url.URL{
		Scheme: c.Scheme,
		Host:   hostPort(c.Host, port),
		Path:   "/api/" + c.Version + "/",
	}
}

func hostPort(host string, port int) string {
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
