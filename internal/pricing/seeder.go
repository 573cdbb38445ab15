package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpejol/ctmeter/internal/metrics"
)

// BootstrapEpoch is the effective_from of rows written by Bootstrap. It is
// old enough to cover any ledger row the service can hold.
var BootstrapEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Seeder inserts catalog rows for models that show up in traffic without a
// covering price.
type Seeder struct {
	store   Store
	rules   []Rule
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// SeederOption configures a Seeder.
type SeederOption func(*Seeder)

func WithRules(rules []Rule) SeederOption {
	return func(s *Seeder) { s.rules = rules }
}

func WithClock(now func() time.Time) SeederOption {
	return func(s *Seeder) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) SeederOption {
	return func(s *Seeder) { s.metrics = m }
}

func WithTracer(t trace.Tracer) SeederOption {
	return func(s *Seeder) { s.tracer = t }
}

// NewSeeder builds a seeder over store using DefaultRules.
func NewSeeder(store Store, logger zerolog.Logger, opts ...SeederOption) *Seeder {
	s := &Seeder{
		store:  store,
		rules:  DefaultRules,
		now:    time.Now,
		log:    logger.With().Str("component", "pricing_seeder").Logger(),
		tracer: otel.Tracer("ctmeter/pricing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeedReport describes one seeding pass.
type SeedReport struct {
	Observed      int        `json:"observed"`
	AlreadyPriced int        `json:"already_priced"`
	Seeded        []Entry    `json:"seeded"`
	Skipped       []ModelKey `json:"skipped"`
}

// SeedFromUsage scans ledger traffic of the last window and inserts a guessed
// catalog row for every (provider, model, region) with no covering price.
// Keys without a usable guess are reported in Skipped and left unpriced.
//
// Seeded rows take effect from the start of the window so a following
// backfill can price the rows that triggered them, but never before the
// latest closed row of the key so priced history keeps its price.
func (s *Seeder) SeedFromUsage(ctx context.Context, window time.Duration) (*SeedReport, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.SeedFromUsage")
	defer span.End()

	now := s.now().UTC()
	since := now.Add(-window)

	keys, err := s.store.ObservedModels(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "observed models")
		return nil, fmt.Errorf("list observed models: %w", err)
	}

	report := &SeedReport{Observed: len(keys), Seeded: []Entry{}, Skipped: []ModelKey{}}
	seen := make(map[ModelKey]bool, len(keys))

	for _, raw := range keys {
		key := raw.Normalize()
		if key.Provider == "" || key.Model == "" || seen[key] {
			continue
		}
		seen[key] = true

		_, err := s.store.PriceAt(ctx, key.Provider, key.Model, key.Region, now)
		if err == nil {
			report.AlreadyPriced++
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			return report, fmt.Errorf("lookup price for %s/%s: %w", key.Provider, key.Model, err)
		}

		price, rule, ok := Guess(s.rules, key.Provider, key.Model)
		if !ok {
			s.log.Warn().
				Str("provider", key.Provider).
				Str("model", key.Model).
				Msg("no pricing guess for observed model, leaving unpriced")
			report.Skipped = append(report.Skipped, key)
			continue
		}

		from, err := s.effectiveFrom(ctx, key, since)
		if err != nil {
			span.RecordError(err)
			return report, err
		}

		entry, err := s.store.PublishPrice(ctx, Entry{
			Provider:         key.Provider,
			Model:            key.Model,
			Region:           key.Region,
			InputPer1KUSD:    price.InputPer1KUSD,
			OutputPer1KUSD:   price.OutputPer1KUSD,
			ToolCallUSD:      price.ToolCallUSD,
			ConnectorCallUSD: price.ConnectorCallUSD,
			EffectiveFrom:    from,
			Active:           true,
			Source:           SourceAutoSeed,
		})
		if err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("publish guessed price for %s/%s: %w", key.Provider, key.Model, err)
		}

		s.log.Info().
			Str("provider", entry.Provider).
			Str("model", entry.Model).
			Str("region", entry.Region).
			Str("rule", rule.Kind.String()).
			Int64("version", entry.Version).
			Msg("auto-seeded pricing")
		report.Seeded = append(report.Seeded, *entry)
	}

	s.metrics.PricingSeeded(len(report.Seeded))
	span.SetAttributes(
		attribute.Int("pricing.observed", report.Observed),
		attribute.Int("pricing.seeded", len(report.Seeded)),
		attribute.Int("pricing.skipped", len(report.Skipped)),
	)
	return report, nil
}

func (s *Seeder) effectiveFrom(ctx context.Context, key ModelKey, since time.Time) (time.Time, error) {
	closed, err := s.store.LatestEffectiveTo(ctx, key.Provider, key.Model, key.Region)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest closed price for %s/%s: %w", key.Provider, key.Model, err)
	}
	if closed != nil && closed.After(since) {
		return closed.UTC(), nil
	}
	return since, nil
}

// Bootstrap publishes the exact-model table for keys the catalog does not
// price yet. Running it again is a no-op.
func (s *Seeder) Bootstrap(ctx context.Context) (int, error) {
	inserted := 0
	now := s.now().UTC()
	for _, e := range BootstrapEntries(s.rules) {
		_, err := s.store.PriceAt(ctx, e.Provider, e.Model, e.Region, now)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return inserted, fmt.Errorf("lookup price for %s/%s: %w", e.Provider, e.Model, err)
		}
		e.EffectiveFrom = BootstrapEpoch
		if _, err := s.store.PublishPrice(ctx, e); err != nil {
			return inserted, fmt.Errorf("publish bootstrap price for %s/%s: %w", e.Provider, e.Model, err)
		}
		inserted++
	}
	if inserted > 0 {
		s.log.Info().Int("inserted", inserted).Msg("pricing catalog bootstrapped")
	}
	s.metrics.PricingSeeded(inserted)
	return inserted, nil
}
