package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	referralMetricsOnce sync.Once
	referralRegistry    *ReferralMetrics
)

// ReferralMetrics wraps collectors tracking the signup-bonus distribution pipeline.
type ReferralMetrics struct {
	distributions     *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	legs              *prometheus.CounterVec
	distributed       *prometheus.CounterVec
	capRejections     prometheus.Counter
	treasuryRemaining prometheus.Gauge
	treasuryPending   prometheus.Gauge
	pauseEngaged      prometheus.Gauge
}

// Referral exposes the metrics registry for referrald.
func Referral() *ReferralMetrics {
	referralMetricsOnce.Do(func() {
		referralRegistry = &ReferralMetrics{
			distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "distributions_total",
				Help:      "Signup bonus distribution requests segmented by terminal status.",
			}, []string{"status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "distribution_duration_seconds",
				Help:      "Latency of signup bonus distributions.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"status"}),
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "transfer_legs_total",
				Help:      "Transfer legs segmented by leg type and outcome.",
			}, []string{"leg", "outcome"}),
			distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "distributed_base_units_total",
				Help:      "Token base units distributed, segmented by leg type.",
			}, []string{"leg"}),
			capRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "cap_rejections_total",
				Help:      "Distributions rejected because the per-signup cap would be exceeded.",
			}),
			treasuryRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "treasury_remaining",
				Help:      "Remaining signup bonus budget in token base units.",
			}),
			treasuryPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "treasury_pending",
				Help:      "Token base units reserved by in-flight transfers.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "pause_engaged",
				Help:      "Indicates whether the distribution pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			referralRegistry.distributions,
			referralRegistry.latency,
			referralRegistry.legs,
			referralRegistry.distributed,
			referralRegistry.capRejections,
			referralRegistry.treasuryRemaining,
			referralRegistry.treasuryPending,
			referralRegistry.pauseEngaged,
		)
	})
	return referralRegistry
}

// RecordDistribution counts a finished distribution and its latency.
func (m *ReferralMetrics) RecordDistribution(status string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelValue(status)
	m.distributions.WithLabelValues(label).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordLeg counts a transfer leg outcome. Paid legs add their amount to the
// distributed counter.
func (m *ReferralMetrics) RecordLeg(leg, outcome string, amount *big.Int) {
	if m == nil {
		return
	}
	m.legs.WithLabelValues(labelValue(leg), labelValue(outcome)).Inc()
	if outcome == "paid" && amount != nil && amount.Sign() > 0 {
		m.distributed.WithLabelValues(labelValue(leg)).Add(bigToFloat(amount))
	}
}

// RecordCapRejection counts a distribution refused by the per-signup cap.
func (m *ReferralMetrics) RecordCapRejection() {
	if m == nil {
		return
	}
	m.capRejections.Inc()
}

// RecordTreasury updates the treasury gauges.
func (m *ReferralMetrics) RecordTreasury(remaining, pending *big.Int) {
	if m == nil {
		return
	}
	m.treasuryRemaining.Set(bigToFloat(remaining))
	m.treasuryPending.Set(bigToFloat(pending))
}

// SetPaused toggles the pause gauge.
func (m *ReferralMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
