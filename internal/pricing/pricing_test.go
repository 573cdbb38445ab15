package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestEntryCost(t *testing.T) {
	e := Entry{InputPer1KUSD: 0.0001, OutputPer1KUSD: 0.0004, ToolCallUSD: 0.001, ConnectorCallUSD: 0.002}
	got := e.Cost(Usage{InputTokens: 500, OutputTokens: 200, ToolCalls: 1, ConnectorCalls: 2})
	assert.True(t, got.Equal(decimal.RequireFromString("0.00513")), got.String())
}

func TestBillableAndDebit(t *testing.T) {
	cost := decimal.RequireFromString("0.00013")
	billable := Billable(cost, decimal.Zero, Margins{RiskBufferPct: 0.15, TargetMarginPct: 0.50, MinimumCTDebit: 1})
	assert.True(t, billable.Equal(decimal.RequireFromString("0.0002145")), billable.String())

	ct, ok := CTDebit(billable, 0.0001, 1)
	require.True(t, ok)
	assert.Equal(t, int64(3), ct)

	ct, ok = CTDebit(decimal.Zero, 0.0001, 4)
	require.True(t, ok)
	assert.Equal(t, int64(4), ct)

	_, ok = CTDebit(billable, 0, 1)
	assert.False(t, ok)
}

func TestBillableIncludesOverhead(t *testing.T) {
	b := Billable(decimal.RequireFromString("1"), decimal.RequireFromString("1"), Margins{RiskBufferPct: 0.5})
	assert.True(t, b.Equal(decimal.RequireFromString("3")), b.String())
}

func TestGuessOrder(t *testing.T) {
	cases := []struct {
		provider, model string
		want            Price
		kind            RuleKind
	}{
		{"vertex", "gemini-1.5-pro-002", proPrice, MatchExact},
		{"Vertex", " GPT-4o ", Price{}, 0},
		{"openai", "gpt-4o", gpt4oPrice, MatchExact},
		{"anthropic", "claude-3-opus-20240229", opusPrice, MatchFamily},
		{"bedrock", "anthropic.claude-3-haiku", haikuPrice, MatchFamily},
		{"google", "gemini-pro-flash", flashPrice, MatchFamily},
		{"xai", "grok-beta", grokPrice, MatchFamily},
		{"google", "gemini-ultra", flashPrice, MatchProvider},
		{"openai", "o1-preview", gpt4oPrice, MatchProvider},
	}
	for _, c := range cases {
		price, rule, ok := Guess(DefaultRules, c.provider, c.model)
		if c.want.IsZero() {
			// gpt-4o under a google provider: no exact or family rule, falls
			// back to the google provider price.
			require.True(t, ok)
			assert.Equal(t, MatchProvider, rule.Kind)
			continue
		}
		require.True(t, ok, "%s/%s", c.provider, c.model)
		assert.Equal(t, c.want, price, "%s/%s", c.provider, c.model)
		assert.Equal(t, c.kind, rule.Kind, "%s/%s", c.provider, c.model)
	}
}

func TestGuessFamilyIsWholeToken(t *testing.T) {
	// "pro" inside "prompt" must not match the pro family.
	_, _, ok := Guess(DefaultRules, "acme", "prompt-guard")
	assert.False(t, ok)

	_, _, ok = Guess(DefaultRules, "acme", "mystery-model")
	assert.False(t, ok)
}

func TestGuessSkipsZeroPrice(t *testing.T) {
	rules := []Rule{
		{Kind: MatchProvider, Providers: []string{"acme"}},
		{Kind: MatchProvider, Providers: []string{"acme"}, Price: Price{InputPer1KUSD: 1}},
	}
	price, _, ok := Guess(rules, "acme", "x")
	require.True(t, ok)
	assert.Equal(t, 1.0, price.InputPer1KUSD)

	_, _, ok = Guess(rules[:1], "acme", "x")
	assert.False(t, ok)
}

func TestEntryCovers(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	closed := Entry{EffectiveFrom: t0, EffectiveTo: &t1}
	assert.True(t, closed.Covers(t0))
	assert.False(t, closed.Covers(t1))
	assert.False(t, closed.Covers(t0.Add(-time.Second)))

	open := Entry{EffectiveFrom: t1, Active: true}
	assert.True(t, open.Covers(t1.Add(time.Hour)))
	open.Active = false
	assert.False(t, open.Covers(t1.Add(time.Hour)))
}

// fakeCatalog is a minimal Store for seeder tests.
type fakeCatalog struct {
	priced    map[ModelKey]bool
	observed  []ModelKey
	published []Entry
	lookupErr error
	closedTo  map[ModelKey]time.Time
}

func (f *fakeCatalog) PriceAt(_ context.Context, provider, model, region string, _ time.Time) (*Entry, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	k := ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	if f.priced[k] || f.priced[ModelKey{Provider: k.Provider, Model: k.Model, Region: UnknownRegion}] {
		return &Entry{Provider: k.Provider, Model: k.Model}, nil
	}
	return nil, ErrNotFound
}

func (f *fakeCatalog) PublishPrice(_ context.Context, e Entry) (*Entry, error) {
	e.Version = 1
	f.published = append(f.published, e)
	if f.priced == nil {
		f.priced = map[ModelKey]bool{}
	}
	f.priced[ModelKey{Provider: e.Provider, Model: e.Model, Region: e.Region}] = true
	return &e, nil
}

func (f *fakeCatalog) LatestEffectiveTo(_ context.Context, provider, model, region string) (*time.Time, error) {
	k := ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	if to, ok := f.closedTo[k]; ok {
		return &to, nil
	}
	return nil, nil
}

func (f *fakeCatalog) ObservedModels(context.Context, time.Time) ([]ModelKey, error) {
	return f.observed, nil
}

func TestSeedFromUsage(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cat := &fakeCatalog{
		priced: map[ModelKey]bool{{Provider: "openai", Model: "gpt-4o", Region: UnknownRegion}: true},
		observed: []ModelKey{
			{Provider: "openai", Model: "gpt-4o", Region: "us"},
			{Provider: "Vertex", Model: "gemini-2.5-flash", Region: ""},
			{Provider: "vertex", Model: "gemini-2.5-flash", Region: "unknown"},
			{Provider: "acme", Model: "mystery", Region: "eu"},
		},
	}
	s := NewSeeder(cat, zerolog.Nop(),
		WithClock(func() time.Time { return now }),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	)

	rep, err := s.SeedFromUsage(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Observed)
	assert.Equal(t, 1, rep.AlreadyPriced)
	require.Len(t, rep.Seeded, 1)
	assert.Equal(t, "vertex", rep.Seeded[0].Provider)
	assert.Equal(t, flashPrice.OutputPer1KUSD, rep.Seeded[0].OutputPer1KUSD)
	assert.Equal(t, SourceAutoSeed, rep.Seeded[0].Source)
	assert.Equal(t, now.Add(-48*time.Hour), rep.Seeded[0].EffectiveFrom)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, "acme", rep.Skipped[0].Provider)

	for _, e := range cat.published {
		assert.False(t, Price{e.InputPer1KUSD, e.OutputPer1KUSD, e.ToolCallUSD, e.ConnectorCallUSD}.IsZero())
	}
}

func TestSeedFromUsageStartsAfterClosedPrice(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	closed := now.Add(-6 * time.Hour)
	cat := &fakeCatalog{
		observed: []ModelKey{
			{Provider: "vertex", Model: "gemini-2.5-flash"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		closedTo: map[ModelKey]time.Time{
			{Provider: "vertex", Model: "gemini-2.5-flash", Region: UnknownRegion}: closed,
			{Provider: "openai", Model: "gpt-4o-mini", Region: UnknownRegion}:      now.Add(-72 * time.Hour),
		},
	}
	s := NewSeeder(cat, zerolog.Nop(), WithClock(func() time.Time { return now }))

	rep, err := s.SeedFromUsage(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, rep.Seeded, 2)
	byModel := map[string]time.Time{}
	for _, e := range rep.Seeded {
		byModel[e.Model] = e.EffectiveFrom
	}
	assert.Equal(t, closed, byModel["gemini-2.5-flash"])
	assert.Equal(t, now.Add(-48*time.Hour), byModel["gpt-4o-mini"])
}

func TestSeedFromUsageLookupError(t *testing.T) {
	cat := &fakeCatalog{
		lookupErr: errors.New("db down"),
		observed:  []ModelKey{{Provider: "openai", Model: "gpt-4o"}},
	}
	_, err := NewSeeder(cat, zerolog.Nop()).SeedFromUsage(context.Background(), time.Hour)
	assert.Error(t, err)
	assert.Empty(t, cat.published)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	cat := &fakeCatalog{}
	s := NewSeeder(cat, zerolog.Nop())

	n, err := s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(BootstrapEntries(DefaultRules)), n)
	for _, e := range cat.published {
		assert.Equal(t, BootstrapEpoch, e.EffectiveFrom)
		assert.Equal(t, SourceBootstrap, e.Source)
	}

	n, err = s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
