package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// SeedAccounts creates n accounts named prefix-0000, prefix-0001 and so on,
// each with the given opening balance. Ids that already exist are left as
// they are, so seeding twice is harmless. It returns how many accounts were
// created.
func SeedAccounts(ctx context.Context, store AccountStore, prefix string, n int, balance decimal.Decimal) (int, error) {
	created := 0
	for i := 0; i < n; i++ {
		_, err := store.CreateAccount(ctx, NewAccount{ID: SeedAccountID(prefix, i), OpeningBalance: balance})
		if KindOf(err) == KindConflict {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func SeedAccountID(prefix string, i int) string {
	return fmt.Sprintf("%s-%04d", prefix, i)
}
