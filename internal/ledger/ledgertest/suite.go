// Package ledgertest holds the behaviour every ledger store must show when
// driven by the engine. Store packages run it from their own tests.
package ledgertest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/example/tipledger/internal/ledger"
)

type Suite struct {
	suite.Suite

	// NewStore returns an empty store for each test.
	NewStore func(t *testing.T) ledger.Store

	ctx    context.Context
	store  ledger.Store
	engine *ledger.Engine
	agg    *ledger.Aggregator
	rec    *ledger.Reconciler
}

func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore(s.T())
	s.engine = ledger.NewEngine(s.store, ledger.DefaultLimits(), ledger.WithLogger(Discard()))
	s.agg = ledger.NewAggregator(s.store, ledger.WithAggregatorLogger(Discard()))
	s.rec = ledger.NewReconciler(s.store)
}

func (s *Suite) open(id, balance string) ledger.Account {
	acc, err := s.store.CreateAccount(s.ctx, ledger.NewAccount{ID: id, OpeningBalance: D(balance)})
	s.Require().NoError(err)
	return acc
}

func (s *Suite) account(id string) ledger.Account {
	acc, err := s.store.GetAccount(s.ctx, id)
	s.Require().NoError(err)
	return acc
}

func (s *Suite) amountEqual(want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	s.Truef(D(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func (s *Suite) entries(id string) []ledger.Entry {
	var out []ledger.Entry
	for e, err := range s.store.EntriesFor(s.ctx, id) {
		s.Require().NoError(err)
		out = append(out, e)
	}
	return out
}

func (s *Suite) send(from, to, amount, msg, key string) (ledger.Tip, error) {
	return s.engine.SendTip(s.ctx, ledger.SendTipRequest{
		SenderID:       from,
		RecipientID:    to,
		Amount:         D(amount),
		Message:        msg,
		IdempotencyKey: key,
	})
}

func (s *Suite) assertConsistent(ids ...string) {
	for _, id := range ids {
		res := s.rec.CheckAccount(s.ctx, id)
		s.Truef(res.IsValid, "account %s: %s", id, res.Message)
	}
	res := s.rec.CheckConservation(s.ctx)
	s.True(res.IsValid, res.Message)
}

func (s *Suite) TestSendTipMovesBalanceAndWritesEntries() {
	s.open("alice", "100.00")
	s.open("bob", "0.00")

	tip, err := s.send("alice", "bob", "10.00", "thanks", "k1")
	s.Require().NoError(err)
	s.Equal(ledger.StatusCompleted, tip.Status)
	s.NotEmpty(tip.ID)
	s.Require().NotNil(tip.CompletedAt)
	s.Equal("thanks", tip.Message)

	alice, bob := s.account("alice"), s.account("bob")
	s.amountEqual("90.00", alice.Balance)
	s.amountEqual("10.00", bob.Balance)
	s.Equal(int64(1), alice.TotalSentCount)
	s.Equal(int64(0), alice.TotalReceivedCount)
	s.Equal(int64(1), bob.TotalReceivedCount)
	s.Equal(int64(0), bob.TotalSentCount)

	ae := s.entries("alice")
	s.Require().Len(ae, 1)
	s.Equal(ledger.Debit, ae[0].Direction)
	s.Equal(tip.ID, ae[0].TipID)
	s.amountEqual("100.00", ae[0].BalanceBefore)
	s.amountEqual("90.00", ae[0].BalanceAfter)
	s.amountEqual("10.00", ae[0].Amount)

	be := s.entries("bob")
	s.Require().Len(be, 1)
	s.Equal(ledger.Credit, be[0].Direction)
	s.amountEqual("0", be[0].BalanceBefore)
	s.amountEqual("10.00", be[0].BalanceAfter)

	stored, err := s.agg.GetTip(s.ctx, tip.ID)
	s.Require().NoError(err)
	s.Equal(ledger.StatusCompleted, stored.Status)
	s.Equal("k1", stored.IdempotencyKey)

	s.True(s.rec.CheckTip(s.ctx, tip.ID).IsValid)
	s.assertConsistent("alice", "bob")
}

func (s *Suite) TestInsufficientFundsLeavesNoTrace() {
	s.open("alice", "5.00")
	s.open("bob", "0")

	_, err := s.send("alice", "bob", "10.00", "", "k1")
	var insufficient *ledger.InsufficientFundsError
	s.Require().ErrorAs(err, &insufficient)
	s.Equal("alice", insufficient.AccountID)
	s.False(ledger.IsTransient(err))

	s.amountEqual("5.00", s.account("alice").Balance)
	s.amountEqual("0", s.account("bob").Balance)
	s.Equal(int64(0), s.account("alice").TotalSentCount)
	s.Empty(s.entries("alice"))
	s.Empty(s.entries("bob"))

	tips, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice"})
	s.Require().NoError(err)
	s.Require().Len(tips, 1)
	s.Equal(ledger.StatusFailed, tips[0].Status)
	s.Equal(string(ledger.KindInsufficientFunds), tips[0].FailureReason)
	s.True(s.rec.CheckTip(s.ctx, tips[0].ID).IsValid)

	count, volume, err := s.store.CountTips(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
	s.True(volume.IsZero())
}

func (s *Suite) TestSelfTipRejectedBeforeStorage() {
	s.open("alice", "100")

	_, err := s.send("alice", "alice", "10.00", "", "")
	var self *ledger.SelfTipError
	s.Require().ErrorAs(err, &self)
	s.Equal(ledger.KindSelfTip, ledger.KindOf(err))

	tips, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice"})
	s.Require().NoError(err)
	s.Empty(tips)
	s.amountEqual("100", s.account("alice").Balance)
}

func (s *Suite) TestValidationOrder() {
	s.open("alice", "100")
	s.open("bob", "0")
	s.open("carol", "0")
	s.Require().NoError(s.store.SetActive(s.ctx, "carol", false))

	cases := []struct {
		name     string
		from, to string
		amount   string
		msg      string
		kind     ledger.ErrorKind
	}{
		{"self tip wins over bad amount", "alice", "alice", "0", "", ledger.KindSelfTip},
		{"zero amount", "alice", "bob", "0", "", ledger.KindInvalidAmount},
		{"negative amount", "alice", "bob", "-1", "", ledger.KindInvalidAmount},
		{"below minimum", "alice", "bob", "0.001", "", ledger.KindInvalidAmount},
		{"too precise", "alice", "bob", "1.005", "", ledger.KindInvalidAmount},
		{"above maximum", "alice", "bob", "10000.01", "", ledger.KindInvalidAmount},
		{"bad amount wins over missing account", "alice", "nobody", "0", "", ledger.KindInvalidAmount},
		{"message too long", "alice", "bob", "1", strings.Repeat("x", 257), ledger.KindInvalidMessage},
		{"missing sender", "nobody", "bob", "1", "", ledger.KindAccountNotFound},
		{"missing recipient", "alice", "nobody", "1", "", ledger.KindAccountNotFound},
		{"inactive recipient", "alice", "carol", "1", "", ledger.KindAccountInactive},
		{"inactive sender", "carol", "alice", "1", "", ledger.KindAccountInactive},
		{"funds checked last", "bob", "carol", "1", "", ledger.KindAccountInactive},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.send(tc.from, tc.to, tc.amount, tc.msg, "")
			s.Require().Error(err)
			s.Equal(tc.kind, ledger.KindOf(err), err.Error())
		})
	}

	_, err := s.send("alice", "bob", "1", strings.Repeat("é", 256), "")
	s.NoError(err, "256 multi-byte characters are within the limit")
	s.amountEqual("99", s.account("alice").Balance)

	s.NoError(s.engine.Validate(ledger.SendTipRequest{SenderID: "alice", RecipientID: "bob", Amount: D("10000")}), "maximum is inclusive")
	s.NoError(s.engine.Validate(ledger.SendTipRequest{SenderID: "alice", RecipientID: "bob", Amount: D("0.01")}), "minimum is inclusive")
	s.NoError(s.engine.Validate(ledger.SendTipRequest{SenderID: "alice", RecipientID: "bob", Amount: D("1.500")}), "trailing zeros are not extra precision")
}

func (s *Suite) TestIdempotentRetryReturnsFirstTip() {
	s.open("alice", "100")
	s.open("bob", "0")

	first, err := s.send("alice", "bob", "10", "hi", "retry-key")
	s.Require().NoError(err)
	second, err := s.send("alice", "bob", "10", "hi", "retry-key")
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.amountEqual("90", s.account("alice").Balance)
	s.amountEqual("10", s.account("bob").Balance)
	s.Len(s.entries("alice"), 1)
	s.Len(s.entries("bob"), 1)

	count, _, err := s.store.CountTips(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *Suite) TestIdempotencyKeyReuseWithDifferentParameters() {
	s.open("alice", "100")
	s.open("bob", "0")

	tip, err := s.send("alice", "bob", "10", "", "same-key")
	s.Require().NoError(err)

	_, err = s.send("alice", "bob", "11", "", "same-key")
	var mismatch *ledger.IdempotencyMismatchError
	s.Require().ErrorAs(err, &mismatch)
	s.Equal(tip.ID, mismatch.TipID)
	s.amountEqual("90", s.account("alice").Balance)
}

func (s *Suite) TestFailedTipDoesNotHoldItsKey() {
	s.open("alice", "5")
	s.open("bob", "0")
	s.open("carol", "50")

	_, err := s.send("alice", "bob", "10", "", "again")
	s.Require().Equal(ledger.KindInsufficientFunds, ledger.KindOf(err))

	_, err = s.send("carol", "alice", "20", "", "")
	s.Require().NoError(err)

	tip, err := s.send("alice", "bob", "10", "", "again")
	s.Require().NoError(err)
	s.Equal(ledger.StatusCompleted, tip.Status)
	s.amountEqual("15", s.account("alice").Balance)
	s.assertConsistent("alice", "bob", "carol")
}

func (s *Suite) TestConcurrentTipsDrainSenderExactly() {
	const n = 40
	s.open("source", D("2.50").Mul(decimal.NewFromInt(n)).String())
	for i := 0; i < n; i++ {
		s.open(fmt.Sprintf("r%02d", i), "0")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.send("source", fmt.Sprintf("r%02d", i), "2.50", "", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	src := s.account("source")
	s.amountEqual("0", src.Balance)
	s.Equal(int64(n), src.TotalSentCount)
	ids := []string{"source"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%02d", i)
		s.amountEqual("2.50", s.account(id).Balance, id)
		ids = append(ids, id)
	}
	s.assertConsistent(ids...)
}

func (s *Suite) TestConcurrentCrossTransfersConserveValue() {
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		s.open(id, "20")
	}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := ids[i%len(ids)], ids[(i*7+1)%len(ids)]
			if from == to {
				to = ids[(i+1)%len(ids)]
			}
			// Insufficient funds is an expected outcome here.
			_, _ = s.send(from, to, "3.00", "", "")
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	for _, id := range ids {
		acc := s.account(id)
		s.False(acc.Balance.IsNegative())
		total = total.Add(acc.Balance)
	}
	s.amountEqual("80", total)
	s.assertConsistent(ids...)
}

func (s *Suite) TestConcurrentSameKeyTransfersOnce() {
	s.open("alice", "100")
	s.open("bob", "0")

	const n = 10
	var wg sync.WaitGroup
	tipIDs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tip, err := s.send("alice", "bob", "7", "", "dup")
			if err == nil {
				tipIDs <- tip.ID
			}
		}()
	}
	wg.Wait()
	close(tipIDs)

	seen := map[string]bool{}
	for id := range tipIDs {
		seen[id] = true
	}
	s.Len(seen, 1)
	s.amountEqual("93", s.account("alice").Balance)
	s.Len(s.entries("bob"), 1)
}

func (s *Suite) TestCanceledContextBeforeTransferHasNoEffect() {
	s.open("alice", "100")
	s.open("bob", "0")

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.engine.SendTip(ctx, ledger.SendTipRequest{SenderID: "alice", RecipientID: "bob", Amount: D("1")})
	s.Require().Error(err)
	s.amountEqual("100", s.account("alice").Balance)
	s.Empty(s.entries("alice"))
}

func (s *Suite) TestStatsAndLeaderboard() {
	s.open("alice", "100")
	s.open("bob", "100")
	s.open("carol", "0")
	s.open("dave", "0")

	for _, tc := range []struct{ from, to, amount string }{
		{"alice", "carol", "10"},
		{"alice", "dave", "5"},
		{"bob", "carol", "10"},
		{"carol", "dave", "1"},
	} {
		_, err := s.send(tc.from, tc.to, tc.amount, "", "")
		s.Require().NoError(err)
	}

	stats, err := s.agg.StatsFor(s.ctx, "carol")
	s.Require().NoError(err)
	s.amountEqual("19", stats.Balance)
	s.Equal(int64(1), stats.TotalSent)
	s.Equal(int64(2), stats.TotalReceived)
	s.amountEqual("1", stats.SentAmountSum)
	s.amountEqual("20", stats.ReceivedAmountSum)
	s.NotNil(stats.FirstInteractionAt)

	aliceStats, err := s.agg.StatsFor(s.ctx, "alice")
	s.Require().NoError(err)
	s.amountEqual("15", aliceStats.SentAmountSum)
	s.amountEqual("0", aliceStats.ReceivedAmountSum)

	_, err = s.agg.StatsFor(s.ctx, "nobody")
	s.Equal(ledger.KindAccountNotFound, ledger.KindOf(err))

	board, err := s.agg.Leaderboard(s.ctx, ledger.MetricBalance, 0)
	s.Require().NoError(err)
	s.Require().Len(board, 4)
	s.Equal([]string{"bob", "alice", "carol", "dave"}, leaderIDs(board))
	s.Equal(1, board[0].Rank)

	board, err = s.agg.Leaderboard(s.ctx, ledger.MetricTipsSent, 2)
	s.Require().NoError(err)
	s.Equal([]string{"alice", "bob"}, leaderIDs(board), "bob and carol tie, bob was created first")

	board, err = s.agg.Leaderboard(s.ctx, ledger.MetricTipsReceived, 10)
	s.Require().NoError(err)
	s.Equal([]string{"carol", "dave", "alice", "bob"}, leaderIDs(board), "zero values keep creation order")

	board, err = s.agg.Leaderboard(s.ctx, ledger.MetricAmountReceived, 1)
	s.Require().NoError(err)
	s.Equal([]string{"carol"}, leaderIDs(board))
	s.amountEqual("20", board[0].Value)

	board, err = s.agg.Leaderboard(s.ctx, ledger.MetricAmountSent, 3)
	s.Require().NoError(err)
	s.Equal([]string{"alice", "bob", "carol"}, leaderIDs(board))

	_, err = s.agg.Leaderboard(s.ctx, ledger.Metric("karma"), 3)
	s.Equal(ledger.KindInvalidMetric, ledger.KindOf(err))

	platform, err := s.agg.PlatformStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(4), platform.TotalTips)
	s.amountEqual("26", platform.TotalVolume)
	s.Equal(4, platform.Accounts)
}

func leaderIDs(entries []ledger.LeaderboardEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.AccountID
	}
	return out
}

func (s *Suite) TestListTipsDirectionAndPaging() {
	s.open("alice", "100")
	s.open("bob", "100")

	var sent []string
	for i := 0; i < 3; i++ {
		tip, err := s.send("alice", "bob", "1", fmt.Sprintf("a%d", i), "")
		s.Require().NoError(err)
		sent = append(sent, tip.ID)
	}
	back, err := s.send("bob", "alice", "2", "back", "")
	s.Require().NoError(err)

	all, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice", Direction: ledger.Both})
	s.Require().NoError(err)
	s.Require().Len(all, 4)
	s.Equal(back.ID, all[0].ID, "newest first")

	out, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice", Direction: ledger.Sent})
	s.Require().NoError(err)
	s.Equal([]string{sent[2], sent[1], sent[0]}, tipIDs(out))

	in, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice", Direction: ledger.Received})
	s.Require().NoError(err)
	s.Equal([]string{back.ID}, tipIDs(in))

	page, err := s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "alice", Direction: ledger.Sent, Limit: 1, Offset: 1})
	s.Require().NoError(err)
	s.Equal([]string{sent[1]}, tipIDs(page))

	_, err = s.agg.ListTips(s.ctx, ledger.TipFilter{AccountID: "nobody"})
	s.Equal(ledger.KindAccountNotFound, ledger.KindOf(err))

	_, err = s.agg.GetTip(s.ctx, "missing")
	s.ErrorIs(err, ledger.ErrTipNotFound)
}

func tipIDs(tips []ledger.Tip) []string {
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.ID
	}
	return out
}

func (s *Suite) TestEntriesForIsRestartable() {
	s.open("alice", "100")
	s.open("bob", "0")
	for i := 0; i < 3; i++ {
		_, err := s.send("alice", "bob", "1", "", "")
		s.Require().NoError(err)
	}

	seq := s.store.EntriesFor(s.ctx, "alice")
	var first, second []int64
	for e, err := range seq {
		s.Require().NoError(err)
		first = append(first, e.Seq)
	}
	for e, err := range seq {
		s.Require().NoError(err)
		second = append(second, e.Seq)
		break
	}
	s.Len(first, 3)
	s.Equal(first[:1], second)
	s.IsIncreasing(first)
}

func (s *Suite) TestStoreRejectsInvalidTransitions() {
	s.open("alice", "100")
	s.open("bob", "0")
	tip, err := s.send("alice", "bob", "1", "", "")
	s.Require().NoError(err)

	back := tip
	back.Status = ledger.StatusPending
	err = s.store.UpdateTip(s.ctx, back)
	s.Equal(ledger.KindInvalidTransition, ledger.KindOf(err))

	refunded := tip
	refunded.Status = ledger.StatusRefunded
	err = s.store.UpdateTip(s.ctx, refunded)
	s.Equal(ledger.KindInvalidTransition, ledger.KindOf(err))
}

func (s *Suite) TestApplyDeltaVersionConflict() {
	acc := s.open("alice", "10")

	res, err := s.store.ApplyDelta(s.ctx, ledger.DeltaRequest{AccountID: "alice", Amount: D("-4"), ExpectedVersion: acc.Version})
	s.Require().NoError(err)
	s.amountEqual("10", res.Before)
	s.amountEqual("6", res.Account.Balance)
	s.Equal(acc.Version+1, res.Account.Version)

	_, err = s.store.ApplyDelta(s.ctx, ledger.DeltaRequest{AccountID: "alice", Amount: D("-1"), ExpectedVersion: acc.Version})
	s.Equal(ledger.KindConflict, ledger.KindOf(err))
	s.True(ledger.IsTransient(err))

	_, err = s.store.ApplyDelta(s.ctx, ledger.DeltaRequest{AccountID: "alice", Amount: D("-7"), ExpectedVersion: res.Account.Version})
	s.Equal(ledger.KindInsufficientFunds, ledger.KindOf(err))

	_, err = s.store.ApplyDelta(s.ctx, ledger.DeltaRequest{AccountID: "ghost", Amount: D("1")})
	s.Equal(ledger.KindAccountNotFound, ledger.KindOf(err))

	rev, err := s.store.ApplyDelta(s.ctx, ledger.DeltaRequest{AccountID: "alice", Amount: D("4"), ExpectedVersion: res.Account.Version, Compensating: true})
	s.Require().NoError(err)
	s.amountEqual("10", rev.Account.Balance)
	s.Equal(int64(0), rev.Account.TotalSentCount)
	s.Equal(int64(0), rev.Account.TotalReceivedCount)
}
