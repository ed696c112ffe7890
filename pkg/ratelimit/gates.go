package ratelimit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var gateWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "onyphe_gate_wait_seconds",
	Help:    "Time spent waiting for a feature concurrency gate",
	Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 120},
}, []string{"feature"})

// Feature identifies an API feature for gating and metrics.
type Feature string

const (
	FeatureUser               Feature = "user"
	FeatureMyIP               Feature = "myip"
	FeatureSummary            Feature = "summary"
	FeatureSimpleBest         Feature = "simple_best"
	FeatureSearch             Feature = "search"
	FeatureAlertList          Feature = "alert_list"
	FeatureAlertAdd           Feature = "alert_add"
	FeatureAlertDel           Feature = "alert_del"
	FeatureBulkSummary        Feature = "bulk_summary"
	FeatureBulkSimpleBestIP   Feature = "bulk_simple_best_ip"
	FeatureBulkDiscoveryAsset Feature = "bulk_discovery_asset"
	FeatureExport             Feature = "export"
)

// DefaultLimits lists the features gated out of the box.
// The export endpoint does not support concurrent streams per API key.
var DefaultLimits = map[Feature]int{
	FeatureExport: 1,
}

// Gates holds one weighted semaphore per gated feature.
// Features without a gate are never blocked.
type Gates struct {
	sems map[Feature]*semaphore.Weighted
}

// NewGates merges overrides into DefaultLimits. An override <= 0 removes the gate.
// With enabled false every Acquire succeeds immediately.
func NewGates(overrides map[Feature]int, enabled bool) *Gates {
	g := &Gates{sems: make(map[Feature]*semaphore.Weighted)}
	if !enabled {
		return g
	}

	limits := maps.Clone(DefaultLimits)
	maps.Copy(limits, overrides)
	for feature, limit := range limits {
		if limit > 0 {
			g.sems[feature] = semaphore.NewWeighted(int64(limit))
		}
	}
	return g
}

// Acquire blocks until the feature gate admits one more request or ctx is done.
// The returned release func is idempotent.
func (g *Gates) Acquire(ctx context.Context, feature Feature) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	sem, ok := g.sems[feature]
	if !ok {
		return func() {}, nil
	}

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	gateWaitSeconds.WithLabelValues(string(feature)).Observe(time.Since(start).Seconds())

	return sync.OnceFunc(func() { sem.Release(1) }), nil
}

// Gated reports whether feature has a concurrency limit.
func (g *Gates) Gated(feature Feature) bool {
	if g == nil {
		return false
	}
	_, ok := g.sems[feature]
	return ok
}
