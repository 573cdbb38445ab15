package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/metrics"
	"github.com/kelpejol/ctmeter/internal/pricing"
)

// SettingsSource yields the economy settings whose shadow knobs apply at
// finalize time.
type SettingsSource interface {
	Economy(ctx context.Context, userID int64) (economy.Settings, error)
}

// PriceSource and RateSource are the read halves of the catalog and rate
// stores.
type PriceSource interface {
	PriceAt(ctx context.Context, provider, model, region string, at time.Time) (*pricing.Entry, error)
}

type RateSource interface {
	RateAt(ctx context.Context, at time.Time) (*ctrate.Rate, error)
}

// Ledger is the shadow usage recorder.
//
// Thread safety: all methods are safe for concurrent use; idempotency comes
// from the store's unique request_id, not from locks held here.
type Ledger struct {
	store    Store
	prices   PriceSource
	rates    RateSource
	settings SettingsSource

	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// New builds a recorder over the ledger, catalog and rate stores.
func New(store Store, prices PriceSource, rates RateSource, settings SettingsSource, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		prices:   prices,
		rates:    rates,
		settings: settings,
		log:      logger.With().Str("component", "ledger").Logger(),
		tracer:   otel.Tracer("ctmeter/ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PreflightInput describes the work about to happen.
type PreflightInput struct {
	RequestID   string
	UserID      int64
	ClientID    *int64
	WorkspaceID string
	EventType   string
	AgentID     string
	RunID       string
	StepID      string
	TraceID     string

	Provider   string
	Model      string
	Region     string
	ModelClass string

	CostEstimateUSD float64
	Meta            map[string]any
}

// Preflight creates the pending row for in.RequestID. A repeated key is a
// silent no-op. An empty key is replaced by a generated one, which is
// returned so the caller can finalize later; "" is returned when nothing
// could be recorded.
//
// Preflight never fails the caller.
func (l *Ledger) Preflight(ctx context.Context, in PreflightInput) (requestID string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("request_id", in.RequestID).Msg("preflight panicked")
			l.metrics.Preflight("error")
			requestID = ""
		}
	}()

	if in.UserID <= 0 {
		l.log.Warn().Str("request_id", in.RequestID).Msg("preflight without user id, skipping")
		l.metrics.Preflight("skipped")
		return ""
	}

	requestID = strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ev := &Event{
		RequestID:       requestID,
		UserID:          in.UserID,
		ClientID:        in.ClientID,
		WorkspaceID:     in.WorkspaceID,
		EventType:       defaultString(in.EventType, EventChatMessage),
		AgentID:         in.AgentID,
		RunID:           in.RunID,
		StepID:          in.StepID,
		TraceID:         in.TraceID,
		Provider:        strings.ToLower(defaultString(in.Provider, DefaultProvider)),
		Model:           strings.ToLower(defaultString(in.Model, DefaultModel)),
		Region:          strings.ToLower(defaultString(in.Region, DefaultRegion)),
		ModelClass:      defaultString(in.ModelClass, DefaultModelClass),
		Status:          StatusOK,
		CostEstimateUSD: in.CostEstimateUSD,
		CreatedAt:       l.now().UTC(),
	}

	if len(in.Meta) > 0 {
		raw, err := json.Marshal(in.Meta)
		if err != nil {
			l.log.Warn().Err(err).Str("request_id", requestID).Msg("preflight meta not encodable, dropping it")
		} else {
			ev.MetaJSON = string(raw)
		}
	}

	inserted, err := l.store.InsertPending(ctx, ev)
	if err != nil {
		l.log.Error().Err(err).
			Str("request_id", requestID).
			Int64("user_id", in.UserID).
			Msg("preflight insert failed")
		l.metrics.Preflight("error")
		return ""
	}
	if !inserted {
		l.log.Debug().Str("request_id", requestID).Msg("preflight already recorded")
		l.metrics.Preflight("duplicate")
		return requestID
	}

	l.metrics.Preflight("inserted")
	return requestID
}

// FinalizeInput is the outcome of the work started at preflight.
type FinalizeInput struct {
	RequestID      string
	Status         string
	ErrorCode      string
	InputTokens    int64
	OutputTokens   int64
	ToolCalls      int64
	ConnectorCalls int64
	LatencyMs      int64

	// CostFinalUSD is the caller's own estimate. A catalog price for the
	// row's model replaces it.
	CostFinalUSD float64

	// OverheadUSD is added to cost before margins. Nothing measures
	// infrastructure overhead yet, so callers leave it at zero.
	OverheadUSD float64

	Meta map[string]any
}

// Finalize fills in the telemetry of the row keyed by in.RequestID. Calling
// it again recomputes and overwrites. Unknown keys are ignored.
//
// Pricing and rate are looked up at the row's created_at, so the result
// does not depend on when finalize runs.
func (l *Ledger) Finalize(ctx context.Context, in FinalizeInput) {
	ctx, span := l.tracer.Start(ctx, "ledger.Finalize", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("request_id", in.RequestID).Msg("finalize panicked")
			l.metrics.Finalize("error", "unknown")
		}
	}()

	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		l.metrics.Finalize("skipped", "unknown")
		return
	}

	ev, err := l.store.EventByRequestID(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		l.log.Debug().Str("request_id", requestID).Msg("finalize for unknown request id")
		l.metrics.Finalize("not_found", "unknown")
		return
	}
	if err != nil {
		span.RecordError(err)
		l.log.Error().Err(err).Str("request_id", requestID).Msg("finalize lookup failed")
		l.metrics.Finalize("error", "unknown")
		return
	}

	counts := Telemetry{
		Status:         normalizeStatus(in.Status),
		ErrorCode:      in.ErrorCode,
		InputTokens:    nonNegative(in.InputTokens),
		OutputTokens:   nonNegative(in.OutputTokens),
		ToolCalls:      nonNegative(in.ToolCalls),
		ConnectorCalls: nonNegative(in.ConnectorCalls),
		LatencyMs:      nonNegative(in.LatencyMs),
		CostFinalUSD:   in.CostFinalUSD,
	}

	t, outcome := l.compute(ctx, ev, counts, in.OverheadUSD, in.Meta)
	if err := l.store.UpdateTelemetry(ctx, ev.ID, t); err != nil {
		span.RecordError(err)
		l.log.Error().Err(err).Str("request_id", requestID).Msg("finalize update failed")
		l.metrics.Finalize("error", outcome)
		return
	}

	span.SetAttributes(attribute.String("pricing", outcome))
	l.metrics.Finalize("ok", outcome)
}

// compute runs the cost attribution for ev with the given counts and returns
// the telemetry to write plus a pricing outcome label.
func (l *Ledger) compute(ctx context.Context, ev *Event, counts Telemetry, overheadUSD float64, extra map[string]any) (Telemetry, string) {
	t := counts

	st, err := l.settings.Economy(ctx, ev.UserID)
	if err != nil {
		l.log.Warn().Err(err).Int64("user_id", ev.UserID).Msg("economy settings unavailable, using defaults")
		st = economy.Defaults()
	}
	st = st.Clamp()
	t.RiskBufferPct = st.RiskBufferPct
	t.TargetMarginPct = st.TargetMarginPct
	t.MinimumCTDebit = st.MinimumCTDebit

	shadow := map[string]any{
		"pricing_missing":         true,
		"ct_rate_missing":         true,
		"pricing_catalog_version": nil,
		"ct_rate_version":         nil,
		"overhead_usd":            overheadUSD,
		"cost_source":             "caller",
	}
	outcome := "missing"

	cost := decimal.NewFromFloat(t.CostFinalUSD)
	price, err := l.prices.PriceAt(ctx, ev.Provider, ev.Model, ev.Region, ev.CreatedAt)
	switch {
	case err == nil:
		cost = price.Cost(pricing.Usage{
			InputTokens:    t.InputTokens,
			OutputTokens:   t.OutputTokens,
			ToolCalls:      t.ToolCalls,
			ConnectorCalls: t.ConnectorCalls,
		})
		t.CostFinalUSD = cost.InexactFloat64()
		t.PricingCatalogID = &price.ID
		shadow["pricing_missing"] = false
		shadow["pricing_catalog_version"] = price.Version
		shadow["cost_source"] = "catalog"
		outcome = "priced"
	case errors.Is(err, pricing.ErrNotFound):
		l.log.Debug().
			Str("provider", ev.Provider).
			Str("model", ev.Model).
			Str("region", ev.Region).
			Msg("no pricing for finalized row")
	default:
		l.log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("pricing lookup failed")
	}

	rate, err := l.rates.RateAt(ctx, ev.CreatedAt)
	switch {
	case err == nil && rate.CTValueUSD > 0:
		billable := pricing.Billable(cost, decimal.NewFromFloat(overheadUSD), pricing.Margins{
			RiskBufferPct:   st.RiskBufferPct,
			TargetMarginPct: st.TargetMarginPct,
			MinimumCTDebit:  st.MinimumCTDebit,
		})
		ct, _ := pricing.CTDebit(billable, rate.CTValueUSD, st.MinimumCTDebit)
		b := billable.InexactFloat64()
		t.BillableUSD = &b
		t.CTShadowDebit = &ct
		t.CTRateID = &rate.ID
		shadow["ct_rate_missing"] = false
		shadow["ct_rate_version"] = rate.Version
	case err == nil:
		l.log.Warn().Int64("ct_rate_id", rate.ID).Msg("credit rate is not positive, skipping shadow debit")
	case errors.Is(err, ctrate.ErrNotFound):
		l.log.Warn().Time("at", ev.CreatedAt).Msg("no credit rate covers finalized row")
	default:
		l.log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("credit rate lookup failed")
	}
	if shadow["ct_rate_missing"] == true {
		outcome = outcome + "_no_rate"
	}

	t.MetaJSON = l.mergeMeta(ev, extra, shadow)
	return t, outcome
}

func (l *Ledger) mergeMeta(ev *Event, extra map[string]any, shadow map[string]any) string {
	meta := map[string]any{}
	if ev.MetaJSON != "" {
		if err := json.Unmarshal([]byte(ev.MetaJSON), &meta); err != nil {
			l.log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("stored meta is not an object, replacing it")
			meta = map[string]any{}
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	meta["shadow"] = shadow

	raw, err := json.Marshal(meta)
	if err != nil {
		l.log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("finalize meta not encodable, keeping shadow notes only")
		raw, _ = json.Marshal(map[string]any{"shadow": shadow})
	}
	return string(raw)
}

// BackfillReport counts one backfill pass.
type BackfillReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Priced  int `json:"priced"`
	Failed  int `json:"failed"`
}

// backfillBatch bounds one pass.
const backfillBatch = 5000

// Backfill recomputes telemetry for shadow rows in the window that have no
// billable amount, using their stored counts. Typically run after seeding
// prices or bootstrapping a rate.
func (l *Ledger) Backfill(ctx context.Context, window time.Duration) (*BackfillReport, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Backfill")
	defer span.End()

	since := l.now().UTC().Add(-window)
	rows, err := l.store.EventsMissingTelemetry(ctx, since, backfillBatch)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list rows missing telemetry: %w", err)
	}

	report := &BackfillReport{Scanned: len(rows)}
	for i := range rows {
		ev := &rows[i]
		counts := Telemetry{
			Status:         normalizeStatus(ev.Status),
			ErrorCode:      ev.ErrorCode,
			InputTokens:    ev.InputTokens,
			OutputTokens:   ev.OutputTokens,
			ToolCalls:      ev.ToolCalls,
			ConnectorCalls: ev.ConnectorCalls,
			LatencyMs:      ev.LatencyMs,
			CostFinalUSD:   ev.CostFinalUSD,
		}
		t, outcome := l.compute(ctx, ev, counts, 0, map[string]any{"backfilled": true})
		if t.BillableUSD == nil {
			continue
		}
		if err := l.store.UpdateTelemetry(ctx, ev.ID, t); err != nil {
			l.log.Error().Err(err).Int64("id", ev.ID).Msg("backfill update failed")
			report.Failed++
			continue
		}
		report.Updated++
		if strings.HasPrefix(outcome, "priced") {
			report.Priced++
		}
	}

	span.SetAttributes(
		attribute.Int("backfill.scanned", report.Scanned),
		attribute.Int("backfill.updated", report.Updated),
	)
	l.log.Info().
		Int("scanned", report.Scanned).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Msg("shadow backfill completed")
	return report, nil
}

// TelemetryReport is the internal cost telemetry dump.
type TelemetryReport struct {
	WindowHours float64 `json:"window_hours"`
	Summary     Summary `json:"summary"`
	Rows        []Event `json:"rows"`
}

// CostTelemetry returns the summary and the most recent shadow rows of the
// window.
func (l *Ledger) CostTelemetry(ctx context.Context, window time.Duration, limit int) (*TelemetryReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	since := l.now().UTC().Add(-window)

	sum, err := l.store.SummarizeTelemetry(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("summarize telemetry: %w", err)
	}
	rows, err := l.store.RecentEvents(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent telemetry rows: %w", err)
	}
	if rows == nil {
		rows = []Event{}
	}
	return &TelemetryReport{WindowHours: window.Hours(), Summary: sum, Rows: rows}, nil
}

func normalizeStatus(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), StatusError) {
		return StatusError
	}
	return StatusOK
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func defaultString(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
