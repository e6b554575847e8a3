package aott

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aott-dev/aott/internal/bytecode"
)

var (
	errDynamicPromotionReconfig = errors.New("promotion thresholds and policy cannot be changed on a running handle; load a new module instead")
	errDynamicCacheReconfig     = errors.New("cache topology cannot be changed on a running handle; load a new module instead")
)

// newByteReader adapts an in-memory buffer to io.Reader for LoadModuleBytes.
func newByteReader(data []byte) io.Reader { return bytes.NewReader(data) }

const metricPrefix = "aott_"

// metrics bundles the Prometheus collectors backing EngineStats (§6.2
// "stats()"): tier distribution, cache hit rate, per-function invoke
// counters, and a total of hot-swap invalidations. There is no deopt
// counter.
type metrics struct {
	tierDistribution *prometheus.GaugeVec
	cacheHitRate     prometheus.Gauge
	invokeTotal      *prometheus.CounterVec
	swapInvalidated  prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		tierDistribution: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "tier_distribution",
			Help: "Number of functions currently installed at each tier.",
		}, []string{"tier"}),
		cacheHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "cache_hit_rate",
			Help: "Code cache hit rate across all tiers.",
		}),
		invokeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "invoke_total",
			Help: "Number of invocations per function.",
		}, []string{"function"}),
		swapInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "hot_swap_invalidated_total",
			Help: "Number of cache entries invalidated across all hot swaps.",
		}),
	}
}

func (m *metrics) observeInvoke(functionName string) {
	m.invokeTotal.WithLabelValues(functionName).Inc()
}

func (m *metrics) observeSwap(invalidatedCount int) {
	m.swapInvalidated.Add(float64(invalidatedCount))
}

func (m *metrics) observeStats(s EngineStats) {
	m.tierDistribution.Reset()
	for tier, count := range s.TierDistribution {
		m.tierDistribution.WithLabelValues(tierLabel(tier)).Set(float64(count))
	}
	m.cacheHitRate.Set(s.CacheHitRate)
}

func tierLabel(t bytecode.TierLevel) string { return t.String() }

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.tierDistribution, m.cacheHitRate, m.invokeTotal, m.swapInvalidated}
}
