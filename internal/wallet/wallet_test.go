package wallet_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/metrics"
	"github.com/kelpejol/ctmeter/internal/store/memory"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type harness struct {
	clock    *clock
	store    *memory.Store
	settings *economy.Service
	wallet   *wallet.Wallet
}

func newHarness(t *testing.T, cfg wallet.Config) *harness {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	store := memory.New(c.Now)
	settings := economy.NewService(store, zerolog.Nop())
	w := wallet.New(store, settings, cfg, zerolog.Nop(),
		wallet.WithClock(c.Now),
		wallet.WithMetrics(metrics.New(prometheus.NewRegistry())),
		wallet.WithTracer(noop.NewTracerProvider().Tracer("test")),
	)
	return &harness{clock: c, store: store, settings: settings, wallet: w}
}

func (h *harness) patch(t *testing.T, userID int64, p economy.Patch) {
	t.Helper()
	_, err := h.settings.Update(context.Background(), userID, p)
	require.NoError(t, err)
}

func (h *harness) ledgerSum(userID int64) int64 {
	var sum int64
	for _, ev := range h.store.Events() {
		if ev.UserID == userID {
			sum += ev.Amount
		}
	}
	return sum
}

func ptr[T any](v T) *T { return &v }

func spend(h *harness, userID, amount int64) (*wallet.SpendResult, error) {
	return h.wallet.Spend(context.Background(), wallet.SpendRequest{UserID: userID, Amount: amount, EventType: "chat_message"})
}

func TestSpendConservation(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	ctx := context.Background()

	for _, amt := range []int64{10, 25, 3} {
		_, err := spend(h, 1, amt)
		require.NoError(t, err)
	}
	_, err := h.wallet.Topup(ctx, wallet.TopupRequest{UserID: 1, Amount: 250})
	require.NoError(t, err)
	_, err = spend(h, 1, 40)
	require.NoError(t, err)
	_, err = spend(h, 1, 0)
	require.Error(t, err)

	snap, err := h.wallet.Snapshot(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, h.ledgerSum(1), snap.Balance)
	assert.Equal(t, int64(1000+250-10-25-3-40), snap.Balance)
	assert.Equal(t, int64(78), snap.UsedThisMonth)
	assert.Equal(t, int64(4), snap.RequestsToday)
	assert.Equal(t, 7.8, snap.UsagePct)
}

func TestSpendInvalidAmount(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	_, err := spend(h, 1, -3)
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.True(t, errors.Is(err, wallet.ErrInvalidAmount))
	assert.Equal(t, "Invalid amount", rej.Message)
	assert.Empty(t, h.store.Events())

	_, err = h.wallet.Topup(context.Background(), wallet.TopupRequest{UserID: 1})
	assert.True(t, errors.Is(err, wallet.ErrInvalidAmount))
}

func TestSpendDailyLimit(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	// free preset: daily_limit 200, max_per_message 50
	for _, amt := range []int64{50, 50, 50, 45} {
		_, err := spend(h, 1, amt)
		require.NoError(t, err)
	}
	before := h.ledgerSum(1)

	_, err := spend(h, 1, 6)
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.True(t, errors.Is(err, wallet.ErrDailyLimit))
	assert.Equal(t, "Daily CT limit reached", rej.Message)
	assert.Equal(t, int64(6), rej.Required)
	assert.Equal(t, int64(195), rej.UsedToday)
	assert.Equal(t, int64(5), rej.RemainingToday)
	assert.Equal(t, before, h.ledgerSum(1))

	res, err := spend(h, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, before-5, res.NewBalance)

	// a new UTC day resets the counter
	h.clock.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))
	_, err = spend(h, 1, 6)
	require.NoError(t, err)
}

func TestSpendPerMessageLimit(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	_, err := spend(h, 1, 51)
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, wallet.CodePerMessageLimit, rej.Code)
	assert.Equal(t, int64(50), rej.Limit)
}

func TestSpendInsufficientBalance(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	h.patch(t, 1, economy.Patch{MonthlyGrant: ptr(int64(10))})

	_, err := spend(h, 1, 20)
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.True(t, errors.Is(err, wallet.ErrInsufficientBalance))
	assert.Equal(t, "Insufficient CT balance", rej.Message)
	assert.Equal(t, int64(20), rej.Required)
	assert.Equal(t, int64(10), rej.Available)

	// the grant inserted inside the rejected spend is kept
	assert.Equal(t, int64(10), h.ledgerSum(1))
}

func TestSpendAppliesMultiplier(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	h.patch(t, 1, economy.Patch{Preset: ptr(economy.PresetPro)})

	res, err := spend(h, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Spent)
	assert.Equal(t, int64(10000-7), res.NewBalance)
	assert.False(t, res.LowBalance)

	res, err = spend(h, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Spent)
}

func TestLowBalanceFlag(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	h.patch(t, 1, economy.Patch{MonthlyGrant: ptr(int64(100)), MaxPerMessage: ptr(int64(0))})

	res, err := spend(h, 1, 79)
	require.NoError(t, err)
	assert.Equal(t, 21.0, res.RemainingPct)
	assert.False(t, res.LowBalance)

	res, err = spend(h, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.RemainingPct)
	assert.True(t, res.LowBalance)
}

func TestMonthlyGrantOncePerCycle(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	ctx := context.Background()

	granted, err := h.wallet.EnsureMonthlyGrant(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = h.wallet.EnsureMonthlyGrant(ctx, 1, nil)
	require.NoError(t, err)
	assert.False(t, granted)

	h.clock.Set(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	granted, err = h.wallet.EnsureMonthlyGrant(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, int64(2000), h.ledgerSum(1))
}

func TestConcurrentSpendNeverOverdraws(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	h.patch(t, 1, economy.Patch{DailyLimit: ptr(int64(0)), MaxPerMessage: ptr(int64(0))})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := spend(h, 1, 30); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, wallet.ErrInsufficientBalance), err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	assert.Equal(t, int64(10), h.ledgerSum(1))
}

func TestSnapshotBreakdownAndSettings(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	ctx := context.Background()
	h.patch(t, 1, economy.Patch{MonthlyResetDay: ptr(15), MonthlyResetMinute: ptr(37), DailyLimit: ptr(int64(0))})

	for _, req := range []wallet.SpendRequest{
		{UserID: 1, Amount: 30, EventType: "chat_message"},
		{UserID: 1, Amount: 10, EventType: "rag_query"},
		{UserID: 1, Amount: 10, EventType: "run_flow"},
	} {
		_, err := h.wallet.Spend(ctx, req)
		require.NoError(t, err)
	}

	cid := int64(4)
	snap, err := h.wallet.Snapshot(ctx, 1, &cid)
	require.NoError(t, err)
	assert.Equal(t, wallet.Breakdown{Chat: 60, RAG: 20, Flow: 20}, snap.UsageBreakdown)
	assert.Equal(t, 15, snap.MonthlyResetDay)
	assert.Equal(t, 30, snap.MonthlyResetMinute)
	assert.Equal(t, time.Date(2025, 2, 15, 0, 30, 0, 0, time.UTC), snap.CycleStart)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 30, 0, 0, time.UTC), snap.CycleEnd)
	assert.Equal(t, "free", snap.Tier)
	assert.Equal(t, int64(950), snap.Balance)
	assert.Equal(t, 95.0, snap.RemainingPct)
	assert.Equal(t, &cid, snap.ClientID)
}

func shadowRow(h *harness, rid string, ct int64, workspace string) {
	h.store.Insert(ledger.Event{
		RequestID:     rid,
		UserID:        1,
		WorkspaceID:   workspace,
		EventType:     ledger.EventChatMessage,
		Provider:      "vertex",
		Model:         "gemini-1.5-flash-002",
		InputTokens:   500,
		OutputTokens:  200,
		CTShadowDebit: &ct,
	})
}

func TestPhase3DisabledUsesCallerAmount(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	shadowRow(h, "p3-off", 7, "agency")

	res, err := h.wallet.Spend(context.Background(), wallet.SpendRequest{UserID: 1, Amount: 3, RequestID: "p3-off"})
	require.NoError(t, err)
	assert.False(t, res.Phase3Applied)
	assert.Equal(t, int64(3), res.Spent)

	ev, err := h.store.EventByRequestID(context.Background(), "p3-off")
	require.NoError(t, err)
	require.NotNil(t, ev.CTActualDebit)
	assert.Equal(t, int64(3), *ev.CTActualDebit)
}

func TestPhase3ShadowDebitIsIdempotent(t *testing.T) {
	h := newHarness(t, wallet.Config{Phase3Enabled: true})
	ctx := context.Background()
	shadowRow(h, "p3-on", 7, "agency")
	req := wallet.SpendRequest{UserID: 1, Amount: 1, RequestID: "p3-on"}

	first, err := h.wallet.Spend(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Phase3Applied)
	assert.False(t, first.Idempotent)
	assert.Equal(t, int64(7), first.Spent)
	assert.Equal(t, int64(1000-7), first.NewBalance)

	second, err := h.wallet.Spend(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Phase3Applied)
	assert.True(t, second.Idempotent)
	assert.Equal(t, int64(7), second.Spent)
	assert.Equal(t, first.NewBalance, second.NewBalance)

	debit, err := h.store.EventByRequestID(ctx, "p3-on:debit")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), debit.Amount)
	assert.Equal(t, "agency", debit.WorkspaceID)

	shadow, err := h.store.EventByRequestID(ctx, "p3-on")
	require.NoError(t, err)
	assert.Equal(t, int64(7), *shadow.CTActualDebit)
}

func TestPhase3Caps(t *testing.T) {
	h := newHarness(t, wallet.Config{Phase3Enabled: true, MaxCTPerRequest: 5, MaxDailyCTPerWorkspace: 10})
	ctx := context.Background()
	h.patch(t, 1, economy.Patch{DailyLimit: ptr(int64(0))})

	_, err := h.wallet.EnsureMonthlyGrant(ctx, 1, nil)
	require.NoError(t, err)
	before := h.ledgerSum(1)

	shadowRow(h, "big", 6, "agency")
	_, err = h.wallet.Spend(ctx, wallet.SpendRequest{UserID: 1, Amount: 1, RequestID: "big"})
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, wallet.CodeRequestCap, rej.Code)
	assert.True(t, errors.Is(err, wallet.ErrRequestCap))

	shadowRow(h, "ws-1", 5, "agency")
	shadowRow(h, "ws-2", 5, "agency")
	shadowRow(h, "ws-3", 1, "agency")
	_, err = h.wallet.Spend(ctx, wallet.SpendRequest{UserID: 1, Amount: 1, RequestID: "ws-1"})
	require.NoError(t, err)
	_, err = h.wallet.Spend(ctx, wallet.SpendRequest{UserID: 1, Amount: 1, RequestID: "ws-2"})
	require.NoError(t, err)
	_, err = h.wallet.Spend(ctx, wallet.SpendRequest{UserID: 1, Amount: 1, RequestID: "ws-3"})
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, wallet.CodeWorkspaceDailyCap, rej.Code)
	assert.Equal(t, int64(0), rej.RemainingToday)

	assert.Equal(t, before-10, h.ledgerSum(1))
}

func TestSpendRecordsShadowRowForUnknownRequest(t *testing.T) {
	h := newHarness(t, wallet.Config{Phase3Enabled: true})
	ctx := context.Background()

	res, err := h.wallet.Spend(ctx, wallet.SpendRequest{
		UserID: 1, Amount: 4, EventType: "run_flow", Description: "flow step", RequestID: "flow-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Phase3Applied)
	assert.Equal(t, int64(4), res.Spent)

	shadow, err := h.store.EventByRequestID(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "run_flow", shadow.EventType)
	assert.Equal(t, int64(0), shadow.Amount)
	assert.Equal(t, 0.0, shadow.CostFinalUSD)
	assert.Equal(t, ledger.DefaultProvider, shadow.Provider)
	require.NotNil(t, shadow.CTActualDebit)
	assert.Equal(t, int64(4), *shadow.CTActualDebit)

	debit, err := h.store.EventByRequestID(ctx, "flow-1:debit")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), debit.Amount)
	assert.Equal(t, int64(1000-4), h.ledgerSum(1))
}

func TestRefusedSpendStillRecordsShadowRow(t *testing.T) {
	h := newHarness(t, wallet.Config{})
	ctx := context.Background()
	h.patch(t, 1, economy.Patch{DailyLimit: ptr(int64(1)), CostMultiplier: ptr(1.0)})

	_, err := h.wallet.Spend(ctx, wallet.SpendRequest{UserID: 1, Amount: 100, EventType: "run_flow", RequestID: "flow-2"})
	var rej *wallet.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, wallet.CodeDailyLimit, rej.Code)

	shadow, err := h.store.EventByRequestID(ctx, "flow-2")
	require.NoError(t, err)
	assert.Equal(t, "run_flow", shadow.EventType)
	assert.Equal(t, 0.0, shadow.CostFinalUSD)
	assert.Nil(t, shadow.CTActualDebit)

	_, err = h.store.EventByRequestID(ctx, "flow-2:debit")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	assert.Equal(t, int64(1000), h.ledgerSum(1))
}
