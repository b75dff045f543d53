package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSent        = "sent"
	OutcomeInvalid     = "invalid"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
	OutcomeChannel     = "channel_error"
	OutcomeStore       = "store_error"
	OutcomeInternal    = "internal_error"
)

// Metrics 发送管道指标；nil 时所有方法为空操作
type Metrics struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics 注册到 reg；reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Send intents by final outcome.",
		}, []string{"route", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from intent receipt to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.latency)
	}
	return m
}

func (m *Metrics) observe(route, outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(time.Since(since).Seconds())
}
