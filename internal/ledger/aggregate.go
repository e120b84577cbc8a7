package ledger

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Metric names a leaderboard ranking.
type Metric string

const (
	MetricBalance        Metric = "balance"
	MetricTipsSent       Metric = "tips_sent"
	MetricTipsReceived   Metric = "tips_received"
	MetricAmountSent     Metric = "amount_sent"
	MetricAmountReceived Metric = "amount_received"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricBalance, MetricTipsSent, MetricTipsReceived, MetricAmountSent, MetricAmountReceived:
		return m, nil
	}
	return "", &InvalidMetricError{Metric: s}
}

const (
	defaultPageSize     = 20
	maxPageSize         = 100
	defaultLeaderboard  = 10
	maxLeaderboard      = 100
	replayConcurrency   = 8
	defaultLeaderboardT = 5 * time.Second
)

// AccountStats is the read-only summary of one account.
type AccountStats struct {
	AccountID          string          `json:"account_id"`
	Balance            decimal.Decimal `json:"balance"`
	TotalSent          int64           `json:"total_sent"`
	TotalReceived      int64           `json:"total_received"`
	SentAmountSum      decimal.Decimal `json:"sent_amount_sum"`
	ReceivedAmountSum  decimal.Decimal `json:"received_amount_sum"`
	FirstInteractionAt *time.Time      `json:"first_interaction_at,omitempty"`
}

type LeaderboardEntry struct {
	Rank      int             `json:"rank"`
	AccountID string          `json:"account_id"`
	Value     decimal.Decimal `json:"value"`
}

type PlatformStats struct {
	TotalTips   int64           `json:"total_tips"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	Accounts    int             `json:"accounts"`
}

// LeaderboardCache stores computed leaderboards for a short time.
type LeaderboardCache interface {
	Get(ctx context.Context, metric Metric, limit int) ([]LeaderboardEntry, bool, error)
	Set(ctx context.Context, metric Metric, limit int, entries []LeaderboardEntry, ttl time.Duration) error
}

// Aggregator serves read-only views over accounts, tips and the ledger.
type Aggregator struct {
	store  Store
	cache  LeaderboardCache
	ttl    time.Duration
	logger *slog.Logger
}

type AggregatorOption func(*Aggregator)

func WithLeaderboardCache(c LeaderboardCache, ttl time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		a.cache = c
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAggregator(store Store, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{store: store, ttl: defaultLeaderboardT, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) GetTip(ctx context.Context, id string) (Tip, error) {
	return a.store.GetTip(ctx, id)
}

// ListTips returns an account's tips newest first. Limit defaults to 20 and
// is capped at 100.
func (a *Aggregator) ListTips(ctx context.Context, f TipFilter) ([]Tip, error) {
	if _, err := a.store.GetAccount(ctx, f.AccountID); err != nil {
		return nil, err
	}
	if f.Direction == "" {
		f.Direction = Both
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return a.store.ListTips(ctx, f)
}

// StatsFor reports an account's balance and counters together with amount
// sums replayed from its ledger entries.
func (a *Aggregator) StatsFor(ctx context.Context, id string) (AccountStats, error) {
	acc, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return AccountStats{}, err
	}
	stats := AccountStats{
		AccountID:     acc.ID,
		Balance:       acc.Balance,
		TotalSent:     acc.TotalSentCount,
		TotalReceived: acc.TotalReceivedCount,
	}
	sent, received, first, err := a.sums(ctx, id)
	if err != nil {
		return AccountStats{}, err
	}
	stats.SentAmountSum = sent
	stats.ReceivedAmountSum = received
	stats.FirstInteractionAt = first
	return stats, nil
}

// sums nets entries per tip so a compensated tip adds nothing.
func (a *Aggregator) sums(ctx context.Context, id string) (sent, received decimal.Decimal, first *time.Time, err error) {
	perTip := make(map[string]decimal.Decimal)
	var order []string
	for e, err := range a.store.EntriesFor(ctx, id) {
		if err != nil {
			return decimal.Zero, decimal.Zero, nil, err
		}
		if first == nil {
			at := e.CreatedAt
			first = &at
		}
		if _, ok := perTip[e.TipID]; !ok {
			order = append(order, e.TipID)
		}
		perTip[e.TipID] = perTip[e.TipID].Add(e.Signed())
	}
	for _, tipID := range order {
		net := perTip[tipID]
		if net.IsNegative() {
			sent = sent.Add(net.Neg())
		} else {
			received = received.Add(net)
		}
	}
	return sent, received, first, nil
}

// Leaderboard ranks accounts by metric, highest first. Ties go to the
// account created earliest.
func (a *Aggregator) Leaderboard(ctx context.Context, metric Metric, limit int) ([]LeaderboardEntry, error) {
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLeaderboard
	}
	if limit > maxLeaderboard {
		limit = maxLeaderboard
	}

	if a.cache != nil {
		entries, ok, err := a.cache.Get(ctx, metric, limit)
		if err != nil {
			a.logger.Warn("leaderboard_cache_get_failed", "metric", metric, "error", err)
		} else if ok {
			return entries, nil
		}
	}

	entries, err := a.rank(ctx, metric, limit)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, metric, limit, entries, a.ttl); err != nil {
			a.logger.Warn("leaderboard_cache_set_failed", "metric", metric, "error", err)
		}
	}
	return entries, nil
}

func (a *Aggregator) rank(ctx context.Context, metric Metric, limit int) ([]LeaderboardEntry, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	values := make([]decimal.Decimal, len(accounts))
	switch metric {
	case MetricBalance:
		for i, acc := range accounts {
			values[i] = acc.Balance
		}
	case MetricTipsSent:
		for i, acc := range accounts {
			values[i] = decimal.NewFromInt(acc.TotalSentCount)
		}
	case MetricTipsReceived:
		for i, acc := range accounts {
			values[i] = decimal.NewFromInt(acc.TotalReceivedCount)
		}
	case MetricAmountSent, MetricAmountReceived:
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(replayConcurrency)
		for i, acc := range accounts {
			g.Go(func() error {
				sent, received, _, err := a.sums(gctx, acc.ID)
				if err != nil {
					return err
				}
				if metric == MetricAmountSent {
					values[i] = sent
				} else {
					values[i] = received
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	idx := make([]int, len(accounts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		i, j := idx[x], idx[y]
		if c := values[i].Cmp(values[j]); c != 0 {
			return c > 0
		}
		return accounts[i].Seq < accounts[j].Seq
	})

	if limit > len(idx) {
		limit = len(idx)
	}
	out := make([]LeaderboardEntry, 0, limit)
	for rank, i := range idx[:limit] {
		out = append(out, LeaderboardEntry{Rank: rank + 1, AccountID: accounts[i].ID, Value: values[i]})
	}
	return out, nil
}

// PlatformStats reports totals over all completed tips.
func (a *Aggregator) PlatformStats(ctx context.Context) (PlatformStats, error) {
	var (
		stats    PlatformStats
		accounts []Account
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats.TotalTips, stats.TotalVolume, err = a.store.CountTips(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		accounts, err = a.store.ListAccounts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return PlatformStats{}, err
	}
	stats.Accounts = len(accounts)
	return stats, nil
}
