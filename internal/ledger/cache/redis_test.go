package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/ledgertest"
	"github.com/example/tipledger/internal/ledger/memory"
)

func newCache(t *testing.T) (*RedisLeaderboard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &RedisLeaderboard{Redis: client, Prefix: "tipledger"}, mr
}

func TestRedisLeaderboardExpires(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, ledger.MetricBalance, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	board := []ledger.LeaderboardEntry{
		{Rank: 1, AccountID: "alice", Value: ledgertest.D("90.50")},
		{Rank: 2, AccountID: "bob", Value: ledgertest.D("10")},
	}
	require.NoError(t, c.Set(ctx, ledger.MetricBalance, 10, board, time.Minute))
	assert.True(t, mr.Exists("tipledger:leaderboard:balance:10"))

	got, ok, err := c.Get(ctx, ledger.MetricBalance, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].AccountID)
	assert.True(t, ledgertest.D("90.50").Equal(got[0].Value))

	_, ok, err = c.Get(ctx, ledger.MetricBalance, 5)
	require.NoError(t, err)
	assert.False(t, ok, "limit is part of the key")

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, ledger.MetricBalance, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLeaderboardCorruptValue(t *testing.T) {
	c, mr := newCache(t)
	require.NoError(t, mr.Set("tipledger:leaderboard:tips_sent:10", "not json"))

	_, _, err := c.Get(context.Background(), ledger.MetricTipsSent, 10)
	assert.Error(t, err)
}

func TestAggregatorReadsThroughCache(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	store := memory.New()
	for id, balance := range map[string]string{"alice": "100", "bob": "20"} {
		_, err := store.CreateAccount(ctx, ledger.NewAccount{ID: id, OpeningBalance: ledgertest.D(balance)})
		require.NoError(t, err)
	}
	agg := ledger.NewAggregator(store,
		ledger.WithLeaderboardCache(c, time.Minute),
		ledger.WithAggregatorLogger(ledgertest.Discard()),
	)

	first, err := agg.Leaderboard(ctx, ledger.MetricBalance, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "alice", first[0].AccountID)

	engine := ledger.NewEngine(store, ledger.DefaultLimits(), ledger.WithLogger(ledgertest.Discard()))
	_, err = engine.SendTip(ctx, ledger.SendTipRequest{SenderID: "alice", RecipientID: "bob", Amount: ledgertest.D("90")})
	require.NoError(t, err)

	cached, err := agg.Leaderboard(ctx, ledger.MetricBalance, 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", cached[0].AccountID, "served from cache until the TTL passes")

	mr.FastForward(2 * time.Minute)
	fresh, err := agg.Leaderboard(ctx, ledger.MetricBalance, 0)
	require.NoError(t, err)
	assert.Equal(t, "bob", fresh[0].AccountID)
}

func TestAggregatorIgnoresCacheOutage(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	store := memory.New()
	_, err := store.CreateAccount(ctx, ledger.NewAccount{ID: "alice", OpeningBalance: ledgertest.D("5")})
	require.NoError(t, err)
	agg := ledger.NewAggregator(store,
		ledger.WithLeaderboardCache(c, time.Minute),
		ledger.WithAggregatorLogger(ledgertest.Discard()),
	)

	mr.Close()
	board, err := agg.Leaderboard(ctx, ledger.MetricBalance, 3)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)
}
