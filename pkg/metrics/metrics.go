// Package metrics provides the Prometheus registry and the optional
// /metrics listener for the Onyphe client.
// All metrics are defined in their respective packages (transport, ratelimit,
// onyphe, pagination, retry) to maintain modularity and avoid circular
// dependencies.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler exposing every registered metric.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Server serves /metrics for the lifetime of a long export or batch run.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer binds addr and returns a server that is not yet serving.
func NewServer(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Metrics Documentation
//
// Transport Metrics (pkg/transport):
//   - onyphe_requests_total{feature, status} (Counter): Requests by feature and HTTP status
//   - onyphe_request_duration_seconds{feature} (Histogram): Time to response headers by feature
//   - onyphe_transport_errors_total{op} (Counter): Network faults by operation (dial, proxy, read, timeout)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - onyphe_rate_limit_cooldowns_total (Counter): 429 responses that started a cooldown
//   - onyphe_rate_limit_blocks_total (Counter): Requests rejected locally during a cooldown
//   - onyphe_gate_wait_seconds{feature} (Histogram): Time spent waiting on a feature gate
//
// API Metrics (pkg/onyphe):
//   - onyphe_api_errors_total{feature, kind} (Counter): Outcomes other than success
//   - onyphe_stream_records_total{feature} (Counter): Records decoded from NDJSON streams
//
// Pagination Metrics (pkg/pagination):
//   - onyphe_pages_fetched_total (Counter): Pages fetched by the pager
//
// Retry Metrics (pkg/retry):
//   - onyphe_retries_total{kind} (Counter): Caller-level retry attempts by error kind
//   - onyphe_retry_backoff_seconds{kind} (Histogram): Wait before each retry
//   - onyphe_retry_exhausted_total{kind} (Counter): Calls that failed after every attempt
//
// Example Prometheus Queries:
//
//   # Export throughput
//   rate(onyphe_stream_records_total{feature="export"}[1m])
//
//   # Rate limit pressure
//   increase(onyphe_rate_limit_cooldowns_total[10m])
//
//   # P95 time to first byte
//   histogram_quantile(0.95, rate(onyphe_request_duration_seconds_bucket[5m]))
