package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/ctmeter/internal/config"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	return c
}

func TestPrepareSeedsRateAndCatalog(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zerolog.Nop(), true)
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.prepare(ctx))
	require.NoError(t, a.prepare(ctx))

	rates, err := a.store.ListRates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, 0.0001, rates[0].CTValueUSD)

	entry, err := a.store.PriceAt(ctx, "vertex", "gemini-1.5-flash-002", "unknown", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "bootstrap", entry.Source)
	assert.NoError(t, a.ping(ctx))
}

func TestRedisLockerIsWired(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testConfig(t)
	c.Redis.Addr = mr.Addr()

	ctx := context.Background()
	a, err := newApp(ctx, c, zerolog.Nop(), true)
	require.NoError(t, err)
	defer a.close()
	require.NoError(t, a.prepare(ctx))

	res, err := a.wallet.Spend(ctx, wallet.SpendRequest{UserID: 9, Amount: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 995, res.NewBalance)

	limit := int64(40)
	st, err := a.settings.Update(ctx, 9, economy.Patch{DailyLimit: &limit})
	require.NoError(t, err)
	assert.EqualValues(t, 40, st.DailyLimit)
	assert.Empty(t, mr.Keys())
	assert.NoError(t, a.ping(ctx))

	mr.Close()
	assert.Error(t, a.ping(ctx))
}

func TestUnreachableRedisFailsStartup(t *testing.T) {
	c := testConfig(t)
	c.Redis.Addr = "127.0.0.1:1"
	_, err := newApp(context.Background(), c, zerolog.Nop(), true)
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"}, {"migrate"},
		{"calibrate", "propose"}, {"calibrate", "apply"},
		{"pricing", "seed"}, {"pricing", "publish"}, {"pricing", "bootstrap"},
		{"rates", "list"},
		{"balance", "get"}, {"balance", "topup"},
		{"settings", "get"}, {"settings", "reset"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
