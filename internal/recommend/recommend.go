// Package recommend suggests plan limits from the distribution of recent
// finalized usage.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpejol/ctmeter/internal/metrics"
)

// Sample is one finalized ok row with tokens.
type Sample struct {
	WorkspaceID   string
	CostFinalUSD  float64
	OutputTokens  int64
	LatencyMs     int64
	CTActualDebit int64
}

// Store lists samples created at or after since.
type Store interface {
	UsageSamples(ctx context.Context, since time.Time) ([]Sample, error)
}

// Guardrails gate recommendations on sample size.
type Guardrails struct {
	MinRowsWithTokens     int `json:"min_rows_with_tokens"`
	MinDistinctWorkspaces int `json:"min_distinct_workspaces"`
}

func DefaultGuardrails() Guardrails {
	return Guardrails{MinRowsWithTokens: 500, MinDistinctWorkspaces: 3}
}

// Plan maps a plan name to the quantile it is sized at and the messages per
// day it is meant to sustain.
type Plan struct {
	Name           string
	Quantile       float64
	MessagesPerDay int64
}

// DefaultPlans size free at the median, standard at p90 and pro at p95.
var DefaultPlans = []Plan{
	{Name: "free", Quantile: 0.50, MessagesPerDay: 20},
	{Name: "standard", Quantile: 0.90, MessagesPerDay: 100},
	{Name: "pro", Quantile: 0.95, MessagesPerDay: 400},
}

// Percentiles of one metric.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
}

// Coverage describes the sample.
type Coverage struct {
	RowsWithTokens     int `json:"rows_with_tokens"`
	DistinctWorkspaces int `json:"distinct_workspaces"`
}

// Recommendation is the suggested limits of one plan.
type Recommendation struct {
	Quantile        float64 `json:"quantile"`
	MaxPerMessage   int64   `json:"max_per_message"`
	DailyLimit      int64   `json:"daily_limit"`
	MaxOutputTokens int64   `json:"max_output_tokens"`
	LatencyBudgetMs int64   `json:"latency_budget_ms"`
	CostPerMsgUSD   float64 `json:"cost_per_message_usd"`
}

// Report is the plan recommendation result.
type Report struct {
	WindowDays       int                       `json:"window_days"`
	Coverage         Coverage                  `json:"coverage"`
	Guardrails       Guardrails                `json:"guardrails"`
	InsufficientData bool                      `json:"insufficient_data"`
	Reasons          []string                  `json:"reasons"`
	Distributions    map[string]Percentiles    `json:"distributions"`
	Recommendations  map[string]Recommendation `json:"recommendations"`
}

// Recommender builds reports.
type Recommender struct {
	store      Store
	guardrails Guardrails
	plans      []Plan

	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Recommender)

func WithClock(now func() time.Time) Option {
	return func(r *Recommender) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recommender) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Recommender) { r.tracer = t }
}

// WithPlans replaces DefaultPlans.
func WithPlans(plans []Plan) Option {
	return func(r *Recommender) { r.plans = plans }
}

func New(store Store, guardrails Guardrails, logger zerolog.Logger, opts ...Option) *Recommender {
	r := &Recommender{
		store:      store,
		guardrails: guardrails,
		plans:      DefaultPlans,
		log:        logger.With().Str("component", "recommend").Logger(),
		tracer:     otel.Tracer("ctmeter/recommend"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recommend looks back windowDays days (7 when not positive).
func (r *Recommender) Recommend(ctx context.Context, windowDays int) (*Report, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	ctx, span := r.tracer.Start(ctx, "recommend.Recommend",
		trace.WithAttributes(attribute.Int("window_days", windowDays)))
	defer span.End()

	rep, err := r.recommend(ctx, windowDays)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "recommend failed")
		r.metrics.Recommendation("error")
		r.log.Error().Err(err).Int("window_days", windowDays).Msg("plan recommendation failed")
	case rep.InsufficientData:
		r.metrics.Recommendation("insufficient_data")
		r.log.Info().Strs("reasons", rep.Reasons).Int("rows", rep.Coverage.RowsWithTokens).Msg("plan recommendation gated")
	default:
		r.metrics.Recommendation("ok")
	}
	return rep, err
}

func (r *Recommender) recommend(ctx context.Context, windowDays int) (*Report, error) {
	since := r.now().UTC().AddDate(0, 0, -windowDays)
	samples, err := r.store.UsageSamples(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("usage samples: %w", err)
	}

	var (
		cost, out, latency, ct []float64
		workspaces             = map[string]struct{}{}
	)
	for _, s := range samples {
		cost = append(cost, s.CostFinalUSD)
		out = append(out, float64(s.OutputTokens))
		latency = append(latency, float64(s.LatencyMs))
		if s.CTActualDebit > 0 {
			ct = append(ct, float64(s.CTActualDebit))
		}
		if s.WorkspaceID != "" {
			workspaces[s.WorkspaceID] = struct{}{}
		}
	}

	rep := &Report{
		WindowDays: windowDays,
		Coverage: Coverage{
			RowsWithTokens:     len(samples),
			DistinctWorkspaces: len(workspaces),
		},
		Guardrails:      r.guardrails,
		Reasons:         []string{},
		Distributions:   map[string]Percentiles{},
		Recommendations: map[string]Recommendation{},
	}
	if rep.Coverage.RowsWithTokens < r.guardrails.MinRowsWithTokens {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("rows_with_tokens<%d", r.guardrails.MinRowsWithTokens))
	}
	if rep.Coverage.DistinctWorkspaces < r.guardrails.MinDistinctWorkspaces {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("distinct_workspaces<%d", r.guardrails.MinDistinctWorkspaces))
	}
	if len(ct) == 0 {
		rep.Reasons = append(rep.Reasons, "ct_actual_missing")
	}
	if len(rep.Reasons) > 0 {
		rep.InsufficientData = true
		return rep, nil
	}

	for _, d := range []struct {
		name string
		vals []float64
	}{
		{"cost_final_usd", cost},
		{"output_tokens", out},
		{"latency_ms", latency},
		{"ct_actual_debit", ct},
	} {
		sort.Float64s(d.vals)
		rep.Distributions[d.name] = Percentiles{
			P50: Quantile(d.vals, 0.50),
			P90: Quantile(d.vals, 0.90),
			P95: Quantile(d.vals, 0.95),
		}
	}

	for _, p := range r.plans {
		perMsg := int64(math.Ceil(Quantile(ct, p.Quantile)))
		if perMsg < 1 {
			perMsg = 1
		}
		rep.Recommendations[p.Name] = Recommendation{
			Quantile:        p.Quantile,
			MaxPerMessage:   perMsg,
			DailyLimit:      perMsg * p.MessagesPerDay,
			MaxOutputTokens: int64(math.Ceil(Quantile(out, p.Quantile))),
			LatencyBudgetMs: int64(math.Ceil(Quantile(latency, p.Quantile))),
			CostPerMsgUSD:   Quantile(cost, p.Quantile),
		}
	}
	return rep, nil
}

// Quantile returns the q-quantile of sorted by linear interpolation between
// closest ranks. It returns 0 for an empty slice.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
