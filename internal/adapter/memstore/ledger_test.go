package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"genledger/internal/domain"
)

func TestLedgerBalanceMatchesTransactionsUnderConcurrency(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("balance equals sum of transactions", prop.ForAll(
		func(ops []int, seed int64) bool {
			store := New(zerolog.Nop())
			ctx := context.Background()
			const account = "acct-1"
			if _, err := store.Grant(ctx, domain.GrantRequest{AccountID: account, Amount: 20, Reason: "seed"}); err != nil {
				return false
			}

			var wg sync.WaitGroup
			for i, op := range ops {
				wg.Add(1)
				go func(i, op int) {
					defer wg.Done()
					amount := int64(op%7) + 1
					jobID := fmt.Sprintf("job-%d", i%5)
					switch op % 3 {
					case 0:
						_, _ = store.Charge(ctx, account, amount, jobID)
					case 1:
						_, _ = store.Refund(ctx, account, amount, jobID)
					default:
						_, _ = store.Grant(ctx, domain.GrantRequest{
							AccountID:      account,
							Amount:         amount,
							Kind:           domain.TxSubscriptionGrant,
							IdempotencyKey: fmt.Sprintf("grant:%d:%d", seed, i%4),
						})
					}
				}(i, op)
			}
			wg.Wait()

			balance, _ := store.Balance(ctx, account)
			txs, _ := store.Transactions(ctx, account, 0)
			var sum int64
			charges := map[string]int{}
			refunds := map[string]int{}
			for _, tx := range txs {
				sum += tx.Amount
				switch tx.Kind {
				case domain.TxCharge:
					charges[tx.RelatedJobID]++
				case domain.TxRefund:
					refunds[tx.RelatedJobID]++
				}
			}
			for _, n := range charges {
				if n > 1 {
					return false
				}
			}
			for _, n := range refunds {
				if n > 1 {
					return false
				}
			}
			return balance >= 0 && balance == sum
		},
		gen.SliceOfN(40, gen.IntRange(0, 100)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestLedgerChargeRefundScenario(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	_, err := store.Grant(ctx, domain.GrantRequest{AccountID: "acct", Amount: 10, Reason: "topup"})
	require.NoError(t, err)

	_, err = store.Charge(ctx, "acct", 6, "job-1")
	require.NoError(t, err)
	balance, _ := store.Balance(ctx, "acct")
	require.EqualValues(t, 4, balance)

	_, err = store.Charge(ctx, "acct", 6, "job-2")
	var insufficient *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 6, insufficient.Required)
	require.EqualValues(t, 4, insufficient.Available)

	_, err = store.Charge(ctx, "acct", 1, "job-1")
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	_, err = store.Refund(ctx, "acct", 6, "job-1")
	require.NoError(t, err)
	_, err = store.Refund(ctx, "acct", 6, "job-1")
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	_, err = store.Refund(ctx, "acct", 1, "job-unknown")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	balance, _ = store.Balance(ctx, "acct")
	require.EqualValues(t, 10, balance)
}

func TestLedgerGrantDedupWindow(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	req := domain.GrantRequest{
		AccountID:   "acct",
		Amount:      100,
		Kind:        domain.TxSubscriptionGrant,
		Reason:      "subscription started: sub_1",
		DedupWindow: 5 * time.Minute,
	}
	_, err := store.Grant(ctx, req)
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)
	_, err = store.Grant(ctx, req)
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	now = now.Add(2 * time.Minute)
	_, err = store.Grant(ctx, req)
	require.NoError(t, err)

	balance, _ := store.Balance(ctx, "acct")
	require.EqualValues(t, 200, balance)
}
