package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackingMetrics counts referral link activity.
type TrackingMetrics struct {
	clicks      *prometheus.CounterVec
	referrals   *prometheus.CounterVec
	conversions *prometheus.CounterVec
}

var (
	trackingMetricsOnce sync.Once
	trackingRegistry    *TrackingMetrics
)

// Tracking returns the metrics registry for click tracking and attribution.
func Tracking() *TrackingMetrics {
	trackingMetricsOnce.Do(func() {
		trackingRegistry = &TrackingMetrics{
			clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "clicks_total",
				Help:      "Tracked referral link clicks segmented by device class.",
			}, []string{"device"}),
			referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "registrations_total",
				Help:      "Referral edges written segmented by level.",
			}, []string{"level"}),
			conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cgdao",
				Subsystem: "referral",
				Name:      "conversions_total",
				Help:      "Click to signup conversion attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(trackingRegistry.clicks, trackingRegistry.referrals, trackingRegistry.conversions)
	})
	return trackingRegistry
}

// RecordClick increments the click counter for a device class.
func (m *TrackingMetrics) RecordClick(device string) {
	if m == nil {
		return
	}
	m.clicks.WithLabelValues(labelValue(device)).Inc()
}

// RecordReferral increments the registration counter for an edge level.
func (m *TrackingMetrics) RecordReferral(level int) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(strconv.Itoa(level)).Inc()
}

// RecordConversion counts a conversion attempt; outcome is "matched" or "unmatched".
func (m *TrackingMetrics) RecordConversion(outcome string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(labelValue(outcome)).Inc()
}
