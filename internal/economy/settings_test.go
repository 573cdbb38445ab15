package economy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampOutOfRange(t *testing.T) {
	s := Settings{
		Preset:             "Wild",
		CostMultiplier:     9,
		MonthlyGrant:       -5,
		MonthlyResetDay:    99,
		MonthlyResetHour:   99,
		MonthlyResetMinute: 99,
		RiskBufferPct:      -1,
		TargetMarginPct:    7,
		MinimumCTDebit:     0,
	}.Clamp()

	assert.Equal(t, PresetFree, s.Preset)
	assert.Equal(t, 2.0, s.CostMultiplier)
	assert.Equal(t, int64(0), s.MonthlyGrant)
	assert.Equal(t, 28, s.MonthlyResetDay)
	assert.Equal(t, 23, s.MonthlyResetHour)
	assert.Equal(t, 45, s.MonthlyResetMinute)
	assert.Equal(t, 0.0, s.RiskBufferPct)
	assert.Equal(t, 3.0, s.TargetMarginPct)
	assert.Equal(t, int64(1), s.MinimumCTDebit)
}

func TestQuantizeMinute(t *testing.T) {
	cases := map[int]int{-3: 0, 0: 0, 14: 0, 15: 15, 29: 15, 30: 30, 44: 30, 59: 45, 120: 45}
	for in, want := range cases {
		assert.Equal(t, want, QuantizeMinute(in), "minute %d", in)
	}
}

func TestPatchPresetThenOverrides(t *testing.T) {
	pro := PresetPro
	s := Patch{Preset: &pro}.Apply(Defaults())
	assert.Equal(t, PresetPro, s.Preset)
	assert.Equal(t, 0.7, s.CostMultiplier)
	assert.Equal(t, int64(10000), s.MonthlyGrant)
	assert.Equal(t, int64(150), s.MaxPerMessage)
	assert.Equal(t, int64(1000), s.DailyLimit)
	assert.Equal(t, 1, s.MonthlyResetDay)

	mult := 0.55
	day := 15
	minute := 30
	s = Patch{CostMultiplier: &mult, MonthlyResetDay: &day, MonthlyResetMinute: &minute}.Apply(s)
	assert.Equal(t, PresetPro, s.Preset)
	assert.InDelta(t, 0.55, s.CostMultiplier, 1e-9)
	assert.Equal(t, 15, s.MonthlyResetDay)
	assert.Equal(t, 30, s.MonthlyResetMinute)
	assert.Equal(t, int64(10000), s.MonthlyGrant)
}

func TestPresetKeepsShadowKnobs(t *testing.T) {
	rb := 0.4
	s := Patch{RiskBufferPct: &rb}.Apply(Defaults())
	ent := PresetEnterprise
	s = Patch{Preset: &ent}.Apply(s)
	assert.Equal(t, 0.4, s.RiskBufferPct)
	assert.Equal(t, 0.5, s.CostMultiplier)
	assert.Equal(t, int64(50000), s.MonthlyGrant)
}

type docStore struct {
	docs    map[int64]Document
	loadErr error
}

func (d *docStore) LoadDocument(_ context.Context, userID int64) (Document, error) {
	if d.loadErr != nil {
		return nil, d.loadErr
	}
	out := Document{}
	for k, v := range d.docs[userID] {
		out[k] = v
	}
	return out, nil
}

func (d *docStore) SaveDocument(_ context.Context, userID int64, doc Document) error {
	d.docs[userID] = doc
	return nil
}

func TestServiceRoundTripKeepsOtherSections(t *testing.T) {
	store := &docStore{docs: map[int64]Document{
		7: {"preferences": json.RawMessage(`{"theme":"dark"}`)},
	}}
	svc := NewService(store, zerolog.Nop())
	ctx := context.Background()

	got, err := svc.Economy(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)

	limit := int64(500000)
	got, err = svc.Update(ctx, 7, Patch{DailyLimit: &limit})
	require.NoError(t, err)
	assert.Equal(t, int64(500000), got.DailyLimit)

	assert.JSONEq(t, `{"theme":"dark"}`, string(store.docs[7]["preferences"]))

	again, err := svc.Economy(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	reset, err := svc.Reset(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), reset)
}

func TestServiceCorruptSectionFallsBack(t *testing.T) {
	store := &docStore{docs: map[int64]Document{
		1: {DocumentKey: json.RawMessage(`{"daily_limit":"lots"}`)},
	}}
	svc := NewService(store, zerolog.Nop())
	got, err := svc.Economy(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
}

func TestServicePartialStoredSection(t *testing.T) {
	store := &docStore{docs: map[int64]Document{
		1: {DocumentKey: json.RawMessage(`{"preset":"pro","monthly_reset_minute":37}`)},
	}}
	svc := NewService(store, zerolog.Nop())
	got, err := svc.Economy(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, PresetPro, got.Preset)
	assert.Equal(t, int64(10000), got.MonthlyGrant)
	assert.Equal(t, 30, got.MonthlyResetMinute)
}

func TestServiceLoadError(t *testing.T) {
	svc := NewService(&docStore{loadErr: errors.New("boom")}, zerolog.Nop())
	_, err := svc.Economy(context.Background(), 1)
	assert.Error(t, err)
}

// slowStore widens the window between load and save.
type slowStore struct {
	mu   sync.Mutex
	docs map[int64]Document
}

func (d *slowStore) LoadDocument(_ context.Context, userID int64) (Document, error) {
	d.mu.Lock()
	out := Document{}
	for k, v := range d.docs[userID] {
		out[k] = v
	}
	d.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return out, nil
}

func (d *slowStore) SaveDocument(_ context.Context, userID int64, doc Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[userID] = doc
	return nil
}

func TestServiceConcurrentUpdatesKeepBothFields(t *testing.T) {
	svc := NewService(&slowStore{docs: map[int64]Document{}}, zerolog.Nop())
	ctx := context.Background()
	limit, perMessage := int64(77), int64(33)

	var wg sync.WaitGroup
	for _, p := range []Patch{{DailyLimit: &limit}, {MaxPerMessage: &perMessage}} {
		wg.Add(1)
		go func(p Patch) {
			defer wg.Done()
			_, err := svc.Update(ctx, 1, p)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	got, err := svc.Economy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.DailyLimit)
	assert.Equal(t, int64(33), got.MaxPerMessage)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, int64) (func(), error) {
	return nil, errors.New("lock unavailable")
}

func TestServiceUpdateNeedsLock(t *testing.T) {
	store := &docStore{docs: map[int64]Document{}}
	svc := NewService(store, zerolog.Nop(), WithLocker(failingLocker{}))
	limit := int64(5)

	_, err := svc.Update(context.Background(), 1, Patch{DailyLimit: &limit})
	assert.Error(t, err)
	_, err = svc.Reset(context.Background(), 1)
	assert.Error(t, err)
	assert.Empty(t, store.docs)
}

func TestPatchMerge(t *testing.T) {
	pro, free := PresetPro, PresetFree
	a, b := int64(1), int64(2)
	mult := 0.5

	merged := Patch{Preset: &pro, DailyLimit: &a, CostMultiplier: &mult}.Merge(Patch{Preset: &free, DailyLimit: &b})
	assert.Equal(t, PresetFree, *merged.Preset)
	assert.Equal(t, int64(2), *merged.DailyLimit)
	assert.Equal(t, 0.5, *merged.CostMultiplier)
	assert.Nil(t, merged.MaxPerMessage)

	assert.True(t, Patch{}.Empty())
	assert.False(t, merged.Empty())
}
