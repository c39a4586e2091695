package observability

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"deopenchat/core/wire"
)

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// GatewayMetrics wraps the collectors of the provider daemon.
type GatewayMetrics struct {
	rounds          *prometheus.CounterVec
	tokensServed    prometheus.Counter
	pendingTokens   prometheus.Gauge
	settlements     *prometheus.CounterVec
	settleLatency   prometheus.Histogram
	claimsPerBatch  prometheus.Histogram
	payout          prometheus.Counter
	backendLatency  prometheus.Histogram
	depositsApplied *prometheus.CounterVec
	throttles       prometheus.Counter
}

// Gateway exposes the metrics registry for the provider daemon.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "rounds_total",
				Help:      "Rounds handled by the provider segmented by outcome code.",
			}, []string{"outcome"}),
			tokensServed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "tokens_served_total",
				Help:      "Tokens consumed by confirmed rounds.",
			}),
			pendingTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "pending_tokens",
				Help:      "Confirmed tokens awaiting settlement.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "settlements_total",
				Help:      "Settlement submissions segmented by outcome.",
			}, []string{"outcome"}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "settlement_duration_seconds",
				Help:      "Latency from submission to a settlement outcome.",
				Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
			}),
			claimsPerBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "claims_per_batch",
				Help:      "Client claims packed into each submitted batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
			payout: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "payout_wei_total",
				Help:      "Wei paid out to the provider by accepted settlements.",
			}),
			backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "backend_duration_seconds",
				Help:      "Latency of the inference backend.",
				Buckets:   prometheus.DefBuckets,
			}),
			depositsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "deposits_total",
				Help:      "TokensFetched events seen by the deposit watcher segmented by result.",
			}, []string{"result"}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.rounds,
			gatewayRegistry.tokensServed,
			gatewayRegistry.pendingTokens,
			gatewayRegistry.settlements,
			gatewayRegistry.settleLatency,
			gatewayRegistry.claimsPerBatch,
			gatewayRegistry.payout,
			gatewayRegistry.backendLatency,
			gatewayRegistry.depositsApplied,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// RecordRound counts a round outcome. A nil error counts as completed.
func (m *GatewayMetrics) RecordRound(err error, tokens uint64) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.tokensServed.Add(float64(tokens))
	}
}

// SetPendingTokens updates the unsettled token gauge.
func (m *GatewayMetrics) SetPendingTokens(tokens uint64) {
	if m == nil {
		return
	}
	m.pendingTokens.Set(float64(tokens))
}

// RecordSettlement records a settlement attempt.
func (m *GatewayMetrics) RecordSettlement(result string, claims int, payout *big.Int, d time.Duration) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unspecified"
	}
	m.settlements.WithLabelValues(result).Inc()
	m.settleLatency.Observe(d.Seconds())
	if claims > 0 {
		m.claimsPerBatch.Observe(float64(claims))
	}
	if payout != nil && payout.Sign() > 0 {
		m.payout.Add(bigToFloat(payout))
	}
}

// ObserveBackend records the latency of one inference call.
func (m *GatewayMetrics) ObserveBackend(d time.Duration) {
	if m == nil {
		return
	}
	m.backendLatency.Observe(d.Seconds())
}

// RecordDeposit counts a deposit event by result (applied, duplicate, failed).
func (m *GatewayMetrics) RecordDeposit(result string) {
	if m == nil {
		return
	}
	m.depositsApplied.WithLabelValues(result).Inc()
}

// RecordThrottle counts a rate-limited request.
func (m *GatewayMetrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}

// BridgeMetrics wraps the collectors of the client daemon.
type BridgeMetrics struct {
	rounds       *prometheus.CounterVec
	roundLatency prometheus.Histogram
	tokensSpent  prometheus.Counter
	remaining    prometheus.Gauge
}

// Bridge exposes the metrics registry for the client daemon.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "bridge",
				Name:      "rounds_total",
				Help:      "Rounds driven by the client segmented by outcome code.",
			}, []string{"outcome"}),
			roundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "deopenchat",
				Subsystem: "bridge",
				Name:      "round_duration_seconds",
				Help:      "Latency of a full request, response, confirmation exchange.",
				Buckets:   prometheus.DefBuckets,
			}),
			tokensSpent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deopenchat",
				Subsystem: "bridge",
				Name:      "tokens_spent_total",
				Help:      "Tokens confirmed to the provider.",
			}),
			remaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deopenchat",
				Subsystem: "bridge",
				Name:      "remaining_tokens",
				Help:      "Tokens the client believes remain in its account.",
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.rounds,
			bridgeRegistry.roundLatency,
			bridgeRegistry.tokensSpent,
			bridgeRegistry.remaining,
		)
	})
	return bridgeRegistry
}

// RecordRound records one client round.
func (m *BridgeMetrics) RecordRound(err error, tokens, remaining uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(outcome(err)).Inc()
	m.roundLatency.Observe(d.Seconds())
	if err == nil {
		m.tokensSpent.Add(float64(tokens))
	}
	m.remaining.Set(float64(remaining))
}

func outcome(err error) string {
	if err == nil {
		return "completed"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return string(wire.CodeOf(err))
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
