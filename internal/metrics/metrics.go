// Package metrics exposes the Prometheus collectors for the metering engine.
//
// A nil *Metrics is valid and records nothing, so engine components can be
// built in tests without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ctmeter"

// Metrics holds every collector registered by the engine.
type Metrics struct {
	preflight   *prometheus.CounterVec
	finalize    *prometheus.CounterVec
	spend       *prometheus.CounterVec
	calibration *prometheus.CounterVec
	recommend   *prometheus.CounterVec
	seeded      prometheus.Counter
	ctRate      prometheus.Gauge
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		preflight: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_total",
			Help:      "Preflight calls by result (inserted, duplicate, skipped, error).",
		}, []string{"result"}),
		finalize: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_total",
			Help:      "Finalize calls by result and pricing outcome.",
		}, []string{"result", "pricing"}),
		spend: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Real spend attempts by outcome code.",
		}, []string{"outcome"}),
		calibration: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_total",
			Help:      "Calibration runs by outcome.",
		}, []string{"outcome"}),
		recommend: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_recommendations_total",
			Help:      "Plan recommendation runs by outcome.",
		}, []string{"outcome"}),
		seeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_seeded_total",
			Help:      "Catalog rows inserted by the pricing auto-seeder.",
		}),
		ctRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ct_rate_usd",
			Help:      "USD value of one credit in the current rate version.",
		}),
	}
}

func (m *Metrics) Preflight(result string) {
	if m == nil {
		return
	}
	m.preflight.WithLabelValues(result).Inc()
}

func (m *Metrics) Finalize(result, pricing string) {
	if m == nil {
		return
	}
	m.finalize.WithLabelValues(result, pricing).Inc()
}

func (m *Metrics) Spend(outcome string) {
	if m == nil {
		return
	}
	m.spend.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Calibration(outcome string) {
	if m == nil {
		return
	}
	m.calibration.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Recommendation(outcome string) {
	if m == nil {
		return
	}
	m.recommend.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PricingSeeded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.seeded.Add(float64(n))
}

// SetCTRate records the current credit value in USD.
func (m *Metrics) SetCTRate(v float64) {
	if m == nil {
		return
	}
	m.ctRate.Set(v)
}
