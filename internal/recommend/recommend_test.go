package recommend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kelpejol/ctmeter/internal/metrics"
)

type fakeStore struct {
	samples []Sample
	since   time.Time
	err     error
}

func (f *fakeStore) UsageSamples(_ context.Context, since time.Time) ([]Sample, error) {
	f.since = since
	return f.samples, f.err
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newRecommender(store Store, opts ...Option) (*Recommender, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithMetrics(metrics.New(reg)),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	}, opts...)
	return New(store, DefaultGuardrails(), zerolog.Nop(), opts...), reg
}

func outcomes(t *testing.T, reg *prometheus.Registry) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg, "ctmeter_plan_recommendations_total")
	require.NoError(t, err)
	return n
}

func TestQuantile(t *testing.T) {
	assert.Equal(t, 0.0, Quantile(nil, 0.5))
	assert.Equal(t, 7.0, Quantile([]float64{7}, 0.95))
	assert.Equal(t, 2.5, Quantile([]float64{1, 2, 3, 4}, 0.5))
	assert.InDelta(t, 3.7, Quantile([]float64{1, 2, 3, 4}, 0.9), 1e-9)
	assert.Equal(t, 1.0, Quantile([]float64{1, 2}, 0))
	assert.Equal(t, 2.0, Quantile([]float64{1, 2}, 1))
}

func TestRecommend(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 600; i++ {
		store.samples = append(store.samples, Sample{
			WorkspaceID:   fmt.Sprintf("ws-%d", i%3),
			CostFinalUSD:  0.001,
			OutputTokens:  int64(100 + i%10),
			LatencyMs:     int64(500 + 10*(i%10)),
			CTActualDebit: int64(i%10 + 1),
		})
	}
	r, reg := newRecommender(store)

	rep, err := r.Recommend(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), store.since)
	assert.Equal(t, 7, rep.WindowDays)
	require.False(t, rep.InsufficientData, rep.Reasons)
	assert.Equal(t, 1, outcomes(t, reg))
	assert.Equal(t, Coverage{RowsWithTokens: 600, DistinctWorkspaces: 3}, rep.Coverage)

	ct := rep.Distributions["ct_actual_debit"]
	assert.Equal(t, 5.5, ct.P50)
	assert.InDelta(t, 9.1, ct.P90, 1e-9)
	assert.Equal(t, 10.0, ct.P95)

	assert.Equal(t, int64(6), rep.Recommendations["free"].MaxPerMessage)
	assert.Equal(t, int64(120), rep.Recommendations["free"].DailyLimit)
	assert.Equal(t, int64(10), rep.Recommendations["standard"].MaxPerMessage)
	assert.Equal(t, int64(1000), rep.Recommendations["standard"].DailyLimit)
	assert.Equal(t, int64(4000), rep.Recommendations["pro"].DailyLimit)
	assert.Equal(t, int64(590), rep.Recommendations["pro"].LatencyBudgetMs)
	assert.Equal(t, 0.001, rep.Recommendations["pro"].CostPerMsgUSD)
}

func TestRecommendInsufficientData(t *testing.T) {
	store := &fakeStore{samples: []Sample{
		{WorkspaceID: "solo", OutputTokens: 20},
		{OutputTokens: 30},
	}}
	r, reg := newRecommender(store)
	rep, err := r.Recommend(context.Background(), 14)
	require.NoError(t, err)
	assert.Equal(t, 1, outcomes(t, reg))
	assert.Equal(t, now.AddDate(0, 0, -14), store.since)
	assert.True(t, rep.InsufficientData)
	assert.Equal(t, []string{"rows_with_tokens<500", "distinct_workspaces<3", "ct_actual_missing"}, rep.Reasons)
	assert.Empty(t, rep.Recommendations)
	assert.Equal(t, 1, rep.Coverage.DistinctWorkspaces)
}

func TestRecommendStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("boom")}
	r, reg := newRecommender(store)
	_, err := r.Recommend(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, 1, outcomes(t, reg))
}

func TestRecommendCustomPlans(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 500; i++ {
		store.samples = append(store.samples, Sample{
			WorkspaceID:   fmt.Sprintf("ws-%d", i%4),
			OutputTokens:  50,
			CTActualDebit: 4,
		})
	}
	r, _ := newRecommender(store, WithPlans([]Plan{{Name: "team", Quantile: 0.5, MessagesPerDay: 10}}))
	rep, err := r.Recommend(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rep.Recommendations, 1)
	assert.Equal(t, int64(4), rep.Recommendations["team"].MaxPerMessage)
	assert.Equal(t, int64(40), rep.Recommendations["team"].DailyLimit)
}
