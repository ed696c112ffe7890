// Package transport owns the pooled HTTP connection context used to talk to the
// Onyphe API: base URL, authentication, proxy, the four per-request timeout
// budgets and deterministic teardown.
//
// A Session is safe for concurrent use by independent operations. Every
// Response body must be closed; closing it releases the connection and the
// per-request timers even when the body was not fully read.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_requests_total",
		Help: "Total Onyphe API requests by feature and HTTP status",
	}, []string{"feature", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onyphe_request_duration_seconds",
		Help:    "Time until response headers by feature",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"feature"})

	transportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_transport_errors_total",
		Help: "Total network-level faults by operation",
	}, []string{"op"})
)

// Request describes one API call relative to /api/<version>/.
type Request struct {
	Method string

	// Path is relative to the versioned root and already escaped,
	// e.g. "search/" + url.PathEscape(oql).
	Path string

	Params url.Values

	Body        io.Reader
	ContentType string

	// Timeouts overrides individual session budgets for this request.
	Timeouts *Timeouts

	// Feature labels metrics and logs.
	Feature ratelimit.Feature
}

// Response is a raw API response. Body streams from the network and must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	RequestID  string
}

// Session is the pooled connection context for one logical run.
type Session struct {
	config  Config
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	tracker *ratelimit.Tracker
	logger  zerolog.Logger

	// dial opens one TCP connection; replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	closeOnce sync.Once
	closed    atomic.Bool
}

type timeoutsKey struct{}

// New creates a session after validating cfg.
func New(cfg Config) (*Session, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "onyphe-client/" + Version
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("transport")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	s := &Session{
		config:  cfg,
		baseURL: cfg.baseURL(),
		limiter: limiter,
		tracker: cfg.Tracker,
		logger:  logger,
		dial:    dialer.DialContext,
	}

	transport := &http.Transport{
		DialContext:         s.dialContext,
		TLSClientConfig:     cfg.TLSConfig,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if cfg.Proxy.Valid() {
		transport.Proxy = http.ProxyURL(cfg.Proxy.URL())
		if len(cfg.Proxy.Headers) > 0 {
			transport.ProxyConnectHeader = http.Header{}
			for k, v := range cfg.Proxy.Headers {
				transport.ProxyConnectHeader.Set(k, v)
			}
		}
		logger.Info().Str("proxy", cfg.Proxy.String()).Msg("Using proxy")
	}
	s.client = &http.Client{Transport: transport}

	logger.Info().
		Str("base_url", s.baseURL.String()).
		Object("credentials", cfg.Credentials).
		Object("timeouts", cfg.Timeouts).
		Msg("Session created")

	return s, nil
}

// dialContext bounds a single dial by the request's SockConnect budget.
func (s *Session) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	budget, _ := ctx.Value(timeoutsKey{}).(Timeouts)
	if budget.SockConnect <= 0 {
		return s.dial(ctx, network, addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, budget.SockConnect)
	defer cancel()
	conn, err := s.dial(dialCtx, network, addr)
	if err != nil && ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrSockConnectTimeout, err)
	}
	return conn, err
}

// BaseURL returns a copy of the versioned API root.
func (s *Session) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// Perform executes req. It returns a transport *Error for network faults,
// a *ratelimit.CooldownError while a 429 cooldown is active, or a Response
// of any HTTP status. Nothing is retried.
func (s *Session) Perform(ctx context.Context, req *Request) (*Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	feature := string(req.Feature)
	if feature == "" {
		feature = "unknown"
	}

	if s.tracker != nil {
		if err := s.tracker.Allow(ctx); err != nil {
			var cooldown *ratelimit.CooldownError
			switch {
			case errors.As(err, &cooldown):
				return nil, err
			case ctx.Err() != nil:
				return nil, &Error{Op: "ratelimit", Err: err}
			default:
				// An unreachable store must not block every request.
				s.logger.Warn().Err(err).Str("feature", feature).Msg("Rate limit state unavailable - sending request")
			}
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: "wait", Err: err}
		}
	}

	budget := s.config.Timeouts.Merge(req.Timeouts)
	reqCtx, d := withDeadlines(ctx, budget)

	httpReq, err := s.buildRequest(reqCtx, req)
	if err != nil {
		d.release()
		return nil, err
	}

	requestID := uuid.NewString()
	s.logger.Debug().
		Str("request_id", requestID).
		Str("feature", feature).
		Str("method", httpReq.Method).
		Str("path", httpReq.URL.EscapedPath()).
		Msg("Performing request")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		classified := classify(reqCtx, "request", err)
		d.release()
		s.logger.Debug().
			Err(classified).
			Str("request_id", requestID).
			Str("feature", feature).
			Msg("Request failed")
		requestsTotal.WithLabelValues(feature, "transport_error").Inc()
		return nil, classified
	}
	requestDuration.WithLabelValues(feature).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(feature, strconv.Itoa(resp.StatusCode)).Inc()

	if s.tracker != nil {
		if _, err := s.tracker.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record rate limit state")
		}
	}

	s.logger.Debug().
		Str("request_id", requestID).
		Str("feature", feature).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Response received")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &body{rc: resp.Body, ctx: reqCtx, deadlines: d},
		RequestID:  requestID,
	}, nil
}

func (s *Session) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := *s.baseURL
	u.RawPath = s.baseURL.EscapedPath() + req.Path
	path, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", req.Path, err)
	}
	u.Path = path
	if len(req.Params) > 0 {
		u.RawQuery = req.Params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", s.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "apikey "+s.config.Credentials.APIKey.Reveal())
	if req.Body != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}

	return httpReq, nil
}

// Close releases every idle pooled connection. It is idempotent; in-flight
// bodies keep their connection until they are closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.client.CloseIdleConnections()
		s.logger.Debug().Msg("Session closed")
	})
	return nil
}

// withDeadlines derives the per-request context carrying the budget for the
// dialer and cancelling with a timeout sentinel as cause when a budget runs out.
func withDeadlines(parent context.Context, budget Timeouts) (context.Context, *deadlines) {
	ctx, cancel := context.WithCancelCause(parent)
	d := &deadlines{budget: budget, cancel: cancel}

	if budget.Total > 0 {
		d.total = time.AfterFunc(budget.Total, func() { cancel(ErrTotalTimeout) })
	}

	ctx = context.WithValue(ctx, timeoutsKey{}, budget)
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GetConn:              func(string) { d.startConnect() },
		GotConn:              func(httptrace.GotConnInfo) { d.stopConnect() },
		WroteRequest:         func(httptrace.WroteRequestInfo) { d.armRead() },
		GotFirstResponseByte: func() { d.disarmRead() },
	})
	return ctx, d
}

// deadlines holds the timers enforcing Connect, SockRead and Total for one request.
type deadlines struct {
	budget Timeouts
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	total    *time.Timer
	connect  *time.Timer
	sockRead *time.Timer
	done     bool
}

func (d *deadlines) startConnect() {
	if d.budget.Connect <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done || d.connect != nil {
		return
	}
	d.connect = time.AfterFunc(d.budget.Connect, func() { d.cancel(ErrConnectTimeout) })
}

func (d *deadlines) stopConnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connect != nil {
		d.connect.Stop()
	}
}

func (d *deadlines) armRead() {
	if d.budget.SockRead <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	if d.sockRead == nil {
		d.sockRead = time.AfterFunc(d.budget.SockRead, func() { d.cancel(ErrSockReadTimeout) })
		return
	}
	d.sockRead.Reset(d.budget.SockRead)
}

func (d *deadlines) disarmRead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sockRead != nil {
		d.sockRead.Stop()
	}
}

// release stops every timer and cancels the request context.
func (d *deadlines) release() {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	for _, t := range []*time.Timer{d.total, d.connect, d.sockRead} {
		if t != nil {
			t.Stop()
		}
	}
	d.mu.Unlock()
	d.cancel(context.Canceled)
}

// body enforces SockRead between reads and releases the request on Close.
type body struct {
	rc        io.ReadCloser
	ctx       context.Context
	deadlines *deadlines
	closeOnce sync.Once
	closeErr  error
}

func (b *body) Read(p []byte) (int, error) {
	b.deadlines.armRead()
	n, err := b.rc.Read(p)
	b.deadlines.disarmRead()
	if err != nil && err != io.EOF {
		return n, classify(b.ctx, "read", err)
	}
	return n, err
}

func (b *body) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.rc.Close()
		b.deadlines.release()
	})
	return b.closeErr
}
