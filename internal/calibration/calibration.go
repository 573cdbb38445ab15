// Package calibration derives a new credit rate from observed traffic.
//
// A proposal compares what recent finalized rows would have billed in USD
// with the credits actually debited for them. The implied rate is never
// adopted directly: it is clamped to a maximum relative move from the
// current rate, then blended toward with an exponential smoothing factor.
// Nothing is proposed until every sample-size gate passes.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/metrics"
)

// ErrInsufficientData is returned by Apply when a gate fails.
var ErrInsufficientData = errors.New("calibration: insufficient data")

// Params are the calibration knobs.
type Params struct {
	Window              time.Duration
	MinRowsWithTokens   int64
	MinRowsWithBillable int64
	MinCTActualSum      int64
	MinBillableSumUSD   float64
	MaxDeltaPct         float64
	Alpha               float64
	// ApplyDelay postpones the switch to the new rate after Apply.
	ApplyDelay time.Duration
}

// DefaultParams returns the stock gates and smoothing.
func DefaultParams() Params {
	return Params{
		Window:              48 * time.Hour,
		MinRowsWithTokens:   200,
		MinRowsWithBillable: 150,
		MinCTActualSum:      10000,
		MinBillableSumUSD:   5,
		MaxDeltaPct:         0.15,
		Alpha:               0.30,
	}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MaxDeltaPct <= 0 || p.MaxDeltaPct > 1 {
		p.MaxDeltaPct = d.MaxDeltaPct
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		p.Alpha = d.Alpha
	}
	if p.ApplyDelay < 0 {
		p.ApplyDelay = 0
	}
	return p
}

// Coverage aggregates finalized rows in the window.
type Coverage struct {
	Rows             int64   `json:"rows"`
	RowsWithTokens   int64   `json:"rows_with_tokens"`
	RowsWithBillable int64   `json:"rows_with_billable"`
	CTActualSum      int64   `json:"ct_actual_sum"`
	CTShadowSum      int64   `json:"ct_shadow_sum"`
	BillableSumUSD   float64 `json:"billable_sum_usd"`
	CostFinalSumUSD  float64 `json:"cost_final_sum_usd"`
}

// Store supplies coverage and the rate table.
//
// Coverage counts rows with status ok created at or after since. A row has
// tokens when input+output tokens > 0 and billable when billable_usd > 0.
type Store interface {
	Coverage(ctx context.Context, since time.Time) (Coverage, error)
	CurrentRate(ctx context.Context) (*ctrate.Rate, error)
	RotateRate(ctx context.Context, r ctrate.Rotation) (*ctrate.Rate, error)
}

// Confidence is informational: the mean of the gate ratios, each capped at 1.
type Confidence struct {
	Score  float64            `json:"score"`
	Ratios map[string]float64 `json:"ratios"`
}

// Thresholds echo the gates a proposal was judged against.
type Thresholds struct {
	MinRowsWithTokens   int64   `json:"min_rows_with_tokens"`
	MinRowsWithBillable int64   `json:"min_rows_with_billable"`
	MinCTActualSum      int64   `json:"min_ct_actual_sum"`
	MinBillableSumUSD   float64 `json:"min_billable_sum_usd"`
	MaxDeltaPct         float64 `json:"max_delta_pct"`
	Alpha               float64 `json:"alpha"`
}

// Proposal is the read-only result of a calibration pass.
type Proposal struct {
	WindowHours      float64    `json:"window_hours"`
	Coverage         Coverage   `json:"coverage"`
	Thresholds       Thresholds `json:"thresholds"`
	InsufficientData bool       `json:"insufficient_data"`
	Reasons          []string   `json:"reasons"`

	CurrentRateID      *int64   `json:"current_ct_rate_id"`
	CurrentVersion     *int64   `json:"current_version"`
	CurrentCTValueUSD  *float64 `json:"current_ct_value_usd"`
	ImpliedCTValueUSD  *float64 `json:"implied_ct_value_usd"`
	ClampedCTValueUSD  *float64 `json:"clamped_ct_value_usd"`
	ProposedCTValueUSD *float64 `json:"proposed_ct_value_usd"`

	Confidence Confidence `json:"confidence"`
}

// Engine runs proposals and applies them.
type Engine struct {
	store   Store
	params  Params
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func New(store Store, params Params, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		params: params.normalized(),
		log:    logger.With().Str("component", "calibration").Logger(),
		tracer: otel.Tracer("ctmeter/calibration"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params returns the effective parameters.
func (e *Engine) Params() Params { return e.params }

// Propose computes a proposal over window (the configured window when zero).
// Gate failures are part of the result, not errors.
func (e *Engine) Propose(ctx context.Context, window time.Duration) (*Proposal, error) {
	if window <= 0 {
		window = e.params.Window
	}
	p := e.params

	cov, err := e.store.Coverage(ctx, e.now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("calibration coverage: %w", err)
	}

	prop := &Proposal{
		WindowHours: window.Hours(),
		Coverage:    cov,
		Thresholds: Thresholds{
			MinRowsWithTokens:   p.MinRowsWithTokens,
			MinRowsWithBillable: p.MinRowsWithBillable,
			MinCTActualSum:      p.MinCTActualSum,
			MinBillableSumUSD:   p.MinBillableSumUSD,
			MaxDeltaPct:         p.MaxDeltaPct,
			Alpha:               p.Alpha,
		},
		Reasons: []string{},
	}

	ratios := map[string]float64{
		"rows_with_tokens":   gateRatio(float64(cov.RowsWithTokens), float64(p.MinRowsWithTokens)),
		"rows_with_billable": gateRatio(float64(cov.RowsWithBillable), float64(p.MinRowsWithBillable)),
		"ct_actual_sum":      gateRatio(float64(cov.CTActualSum), float64(p.MinCTActualSum)),
		"billable_sum_usd":   gateRatio(cov.BillableSumUSD, p.MinBillableSumUSD),
	}
	var total float64
	for _, r := range ratios {
		total += r
	}
	prop.Confidence = Confidence{Score: math.Round(total/4*10000) / 10000, Ratios: ratios}

	if cov.RowsWithTokens < p.MinRowsWithTokens {
		prop.Reasons = append(prop.Reasons, fmt.Sprintf("rows_with_tokens<%d", p.MinRowsWithTokens))
	}
	if cov.RowsWithBillable < p.MinRowsWithBillable {
		prop.Reasons = append(prop.Reasons, fmt.Sprintf("rows_with_billable<%d", p.MinRowsWithBillable))
	}
	if cov.CTActualSum < p.MinCTActualSum {
		prop.Reasons = append(prop.Reasons, fmt.Sprintf("ct_actual_sum<%d", p.MinCTActualSum))
	}
	if cov.BillableSumUSD < p.MinBillableSumUSD {
		prop.Reasons = append(prop.Reasons, "billable_sum_usd<"+formatUSD(p.MinBillableSumUSD))
	}

	cur, err := e.store.CurrentRate(ctx)
	switch {
	case err == nil && cur.CTValueUSD > 0:
		prop.CurrentRateID = &cur.ID
		prop.CurrentVersion = &cur.Version
		prop.CurrentCTValueUSD = &cur.CTValueUSD
	case err == nil, errors.Is(err, ctrate.ErrNotFound):
		prop.Reasons = append(prop.Reasons, "ct_rate_missing")
	default:
		return nil, fmt.Errorf("current credit rate: %w", err)
	}

	if cov.BillableSumUSD > 0 && cov.CTActualSum > 0 {
		implied := cov.BillableSumUSD / float64(cov.CTActualSum)
		prop.ImpliedCTValueUSD = &implied
	}

	if len(prop.Reasons) > 0 || prop.ImpliedCTValueUSD == nil {
		prop.InsufficientData = true
		return prop, nil
	}

	clamped, proposed := Smooth(*prop.CurrentCTValueUSD, *prop.ImpliedCTValueUSD, p.MaxDeltaPct, p.Alpha)
	prop.ClampedCTValueUSD = &clamped
	prop.ProposedCTValueUSD = &proposed
	return prop, nil
}

// Smooth clamps implied to current*(1±maxDelta) and blends:
// proposed = (1-alpha)*current + alpha*clamped.
func Smooth(current, implied, maxDelta, alpha float64) (clamped, proposed float64) {
	lo := current * (1 - maxDelta)
	hi := current * (1 + maxDelta)
	clamped = math.Min(math.Max(implied, lo), hi)
	proposed = (1-alpha)*current + alpha*clamped
	return clamped, proposed
}

// Apply recomputes the proposal and, when it passes every gate, rotates the
// credit rate to the proposed value. On a gate failure the proposal is
// returned with an error wrapping ErrInsufficientData and nothing changes.
func (e *Engine) Apply(ctx context.Context, window time.Duration) (*Proposal, *ctrate.Rate, error) {
	ctx, span := e.tracer.Start(ctx, "calibration.Apply")
	defer span.End()

	prop, err := e.Propose(ctx, window)
	if err != nil {
		span.RecordError(err)
		e.metrics.Calibration("error")
		return nil, nil, err
	}
	if prop.InsufficientData {
		span.SetAttributes(attribute.Bool("calibration.insufficient_data", true))
		e.metrics.Calibration("insufficient_data")
		e.log.Info().Strs("reasons", prop.Reasons).Msg("calibration apply refused")
		return prop, nil, fmt.Errorf("%w: %v", ErrInsufficientData, prop.Reasons)
	}

	notes := fmt.Sprintf(
		"auto-calibration window_hours=%.0f rows_with_tokens=%d rows_with_billable=%d ct_actual_sum=%d billable_sum_usd=%.6f implied=%.8f clamped=%.8f confidence=%.4f",
		prop.WindowHours,
		prop.Coverage.RowsWithTokens,
		prop.Coverage.RowsWithBillable,
		prop.Coverage.CTActualSum,
		prop.Coverage.BillableSumUSD,
		*prop.ImpliedCTValueUSD,
		*prop.ClampedCTValueUSD,
		prop.Confidence.Score,
	)
	rate, err := e.store.RotateRate(ctx, ctrate.Rotation{
		CTValueUSD: *prop.ProposedCTValueUSD,
		At:         e.now().UTC().Add(e.params.ApplyDelay),
		Notes:      notes,
	})
	if err != nil {
		span.RecordError(err)
		e.metrics.Calibration("error")
		return prop, nil, fmt.Errorf("rotate credit rate: %w", err)
	}

	if e.params.ApplyDelay == 0 {
		e.metrics.SetCTRate(rate.CTValueUSD)
	}
	e.metrics.Calibration("applied")
	span.SetAttributes(
		attribute.Int64("ct_rate.version", rate.Version),
		attribute.Float64("ct_rate.value_usd", rate.CTValueUSD),
	)
	e.log.Info().
		Int64("version", rate.Version).
		Float64("old_ct_value_usd", *prop.CurrentCTValueUSD).
		Float64("new_ct_value_usd", rate.CTValueUSD).
		Time("effective_from", rate.EffectiveFrom).
		Msg("credit rate calibrated")
	return prop, rate, nil
}

func gateRatio(have, want float64) float64 {
	if want <= 0 {
		return 1
	}
	return math.Min(have/want, 1)
}

func formatUSD(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}
