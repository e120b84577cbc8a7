// Package cache keeps computed leaderboards in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tipledger/internal/ledger"
)

var _ ledger.LeaderboardCache = (*RedisLeaderboard)(nil)

type RedisLeaderboard struct {
	Redis  *redis.Client
	Prefix string
}

func (c *RedisLeaderboard) key(metric ledger.Metric, limit int) string {
	raw := fmt.Sprintf("leaderboard:%s:%d", metric, limit)
	if c.Prefix == "" {
		return raw
	}
	return c.Prefix + ":" + raw
}

// Get returns the cached board, or ok=false on a miss. A nil client always
// misses.
func (c *RedisLeaderboard) Get(ctx context.Context, metric ledger.Metric, limit int) ([]ledger.LeaderboardEntry, bool, error) {
	if c.Redis == nil {
		return nil, false, nil
	}
	raw, err := c.Redis.Get(ctx, c.key(metric, limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read leaderboard %s: %w", metric, err)
	}
	var entries []ledger.LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("failed to decode leaderboard %s: %w", metric, err)
	}
	return entries, true, nil
}

func (c *RedisLeaderboard) Set(ctx context.Context, metric ledger.Metric, limit int, entries []ledger.LeaderboardEntry, ttl time.Duration) error {
	if c.Redis == nil {
		return nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard %s: %w", metric, err)
	}
	if err := c.Redis.Set(ctx, c.key(metric, limit), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write leaderboard %s: %w", metric, err)
	}
	return nil
}
