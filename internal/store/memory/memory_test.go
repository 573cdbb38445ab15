package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func fixed() time.Time { return t0 }

func TestInsertPendingIgnoresDuplicate(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()

	ok, err := s.InsertPending(ctx, &ledger.Event{RequestID: "r1", UserID: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertPending(ctx, &ledger.Event{RequestID: "r1", UserID: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].UserID)
	assert.Equal(t, ledger.StatusOK, events[0].Status)
	assert.Equal(t, t0, events[0].CreatedAt)
}

func TestPublishPriceVersionsAndLookup(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()
	t1 := t0.AddDate(0, 0, 10)

	v1, err := s.PublishPrice(ctx, pricing.Entry{Provider: "OpenAI", Model: "gpt-4o", InputPer1KUSD: 0.005, EffectiveFrom: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.Equal(t, pricing.UnknownRegion, v1.Region)
	assert.Equal(t, "openai", v1.Provider)
	assert.Equal(t, pricing.SourceManual, v1.Source)

	v2, err := s.PublishPrice(ctx, pricing.Entry{Provider: "openai", Model: "gpt-4o", InputPer1KUSD: 0.0025, EffectiveFrom: t1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)

	eu, err := s.PublishPrice(ctx, pricing.Entry{Provider: "openai", Model: "gpt-4o", Region: "eu", InputPer1KUSD: 0.003, EffectiveFrom: t1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), eu.Version)

	got, err := s.PriceAt(ctx, "openai", "gpt-4o", "", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, got.ID)
	require.NotNil(t, got.EffectiveTo)
	assert.Equal(t, t1, *got.EffectiveTo)

	got, err = s.PriceAt(ctx, "openai", "gpt-4o", "us", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.ID)

	got, err = s.PriceAt(ctx, "openai", "gpt-4o", "EU", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, eu.ID, got.ID)

	_, err = s.PriceAt(ctx, "openai", "gpt-4o", "eu", t0.Add(-time.Hour))
	assert.True(t, errors.Is(err, pricing.ErrNotFound))
}

func TestLatestEffectiveToUsesKeyAndFallback(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()
	t1, t2 := t0.AddDate(0, 0, 1), t0.AddDate(0, 0, 2)

	got, err := s.LatestEffectiveTo(ctx, "openai", "gpt-4o", "eu")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, e := range []pricing.Entry{
		{Provider: "openai", Model: "gpt-4o", EffectiveFrom: t0},
		{Provider: "openai", Model: "gpt-4o", EffectiveFrom: t1},
		{Provider: "openai", Model: "gpt-4o", Region: "us", EffectiveFrom: t0},
		{Provider: "openai", Model: "gpt-4o", Region: "us", EffectiveFrom: t2},
	} {
		_, err := s.PublishPrice(ctx, e)
		require.NoError(t, err)
	}

	got, err = s.LatestEffectiveTo(ctx, "OpenAI", "gpt-4o", "EU")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, t1, *got)

	got, err = s.LatestEffectiveTo(ctx, "openai", "gpt-4o", "us")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, t2, *got)
}

func TestRotateRateKeepsOneCurrent(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()

	_, err := s.RotateRate(ctx, ctrate.Rotation{CTValueUSD: 0.0002})
	assert.True(t, errors.Is(err, ctrate.ErrNotFound))

	first, err := s.EnsureRate(ctx, ctrate.Rate{CTValueUSD: 0.0001})
	require.NoError(t, err)
	again, err := s.EnsureRate(ctx, ctrate.Rate{CTValueUSD: 0.5})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	at := t0.Add(time.Hour)
	next, err := s.RotateRate(ctx, ctrate.Rotation{CTValueUSD: 0.00011, At: at, Notes: "calibrated"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)

	current := 0
	for _, r := range s.Rates() {
		if r.Current() {
			current++
			assert.Equal(t, next.ID, r.ID)
		}
	}
	assert.Equal(t, 1, current)

	old, err := s.RateAt(ctx, at.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, old.ID)

	listed, err := s.ListRates(ctx, 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(2), listed[0].Version)
}

func TestInUserTxRollsBack(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()
	s.Insert(ledger.Event{RequestID: "r1", UserID: 7, EventType: ledger.EventChatMessage})
	s.Insert(ledger.Event{UserID: 7, EventType: "topup", Amount: 50})

	boom := errors.New("boom")
	err := s.InUserTx(ctx, 7, func(tx wallet.Tx) error {
		require.NoError(t, tx.Append(ctx, &ledger.Event{RequestID: "r1:debit", UserID: 7, Amount: -20}))
		require.NoError(t, tx.SetActualDebit(ctx, "r1", 20))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	balance, err := s.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	ev, err := s.EventByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, ev.CTActualDebit)

	_, err = s.EventByRequestID(ctx, "r1:debit")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestInUserTxRejectsDuplicateAppend(t *testing.T) {
	s := New(fixed)
	ctx := context.Background()
	s.Insert(ledger.Event{RequestID: "r1:debit", UserID: 7, Amount: -5})

	err := s.InUserTx(ctx, 7, func(tx wallet.Tx) error {
		return tx.Append(ctx, &ledger.Event{RequestID: "r1:debit", UserID: 7, Amount: -5})
	})
	assert.True(t, errors.Is(err, ledger.ErrDuplicate))

	balance, err := s.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), balance)
}
