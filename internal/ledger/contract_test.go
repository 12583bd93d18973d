package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fundedGateway interface {
	Gateway
	Funder
}

var userSeq atomic.Int64

// freshUser keeps shared backends (one container per package run) isolated between subtests.
func freshUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, userSeq.Add(1))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertBalance(t *testing.T, g Funder, userID, available, locked string) {
	t.Helper()
	b, err := g.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "available: want %s got %s", available, b.Available)
	assert.True(t, b.Locked.Equal(d(locked)), "locked: want %s got %s", locked, b.Locked)
}

// runGatewayContract exercises the behaviour every adapter must share.
func runGatewayContract(t *testing.T, g fundedGateway) {
	ctx := context.Background()

	t.Run("reserve then credit", func(t *testing.T) {
		u := freshUser("win")
		require.NoError(t, g.Deposit(ctx, u, d("100")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), u+"-bet"))
		assertBalance(t, g, u, "90", "10")

		require.NoError(t, g.Credit(ctx, u, d("18.00"), u+"-bet"))
		assertBalance(t, g, u, "108", "0")
	})

	t.Run("reserve then release forfeits stake", func(t *testing.T) {
		u := freshUser("loss")
		require.NoError(t, g.Deposit(ctx, u, d("100")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), u+"-bet"))
		require.NoError(t, g.Release(ctx, u, d("10"), u+"-bet"))
		assertBalance(t, g, u, "90", "0")
	})

	t.Run("insufficient funds", func(t *testing.T) {
		u := freshUser("poor")
		require.NoError(t, g.Deposit(ctx, u, d("5")))
		err := g.Reserve(ctx, u, d("10"), u+"-bet")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assertBalance(t, g, u, "5", "0")
	})

	t.Run("replayed operations are idempotent", func(t *testing.T) {
		u := freshUser("replay")
		ref := u + "-bet"
		require.NoError(t, g.Deposit(ctx, u, d("50")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), ref))
		require.NoError(t, g.Reserve(ctx, u, d("10"), ref))
		assertBalance(t, g, u, "40", "10")

		require.NoError(t, g.Credit(ctx, u, d("25.50"), ref))
		require.NoError(t, g.Credit(ctx, u, d("25.50"), ref))
		assertBalance(t, g, u, "65.5", "0")
	})

	t.Run("second terminal operation rejected", func(t *testing.T) {
		u := freshUser("double")
		ref := u + "-bet"
		require.NoError(t, g.Deposit(ctx, u, d("50")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), ref))
		require.NoError(t, g.Release(ctx, u, d("10"), ref))

		assert.ErrorIs(t, g.Credit(ctx, u, d("20"), ref), ErrAlreadySettled)
		assertBalance(t, g, u, "40", "0")
	})

	t.Run("credit with different payout after credit rejected", func(t *testing.T) {
		u := freshUser("repay")
		ref := u + "-bet"
		require.NoError(t, g.Deposit(ctx, u, d("50")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), ref))
		require.NoError(t, g.Credit(ctx, u, d("20"), ref))
		assert.ErrorIs(t, g.Credit(ctx, u, d("30"), ref), ErrAlreadySettled)
		assertBalance(t, g, u, "60", "0")
	})

	t.Run("reserve replay with different amount", func(t *testing.T) {
		u := freshUser("mismatch")
		ref := u + "-bet"
		require.NoError(t, g.Deposit(ctx, u, d("50")))
		require.NoError(t, g.Reserve(ctx, u, d("10"), ref))
		assert.ErrorIs(t, g.Reserve(ctx, u, d("11"), ref), ErrAmountMismatch)
		assert.ErrorIs(t, g.Release(ctx, u, d("9"), ref), ErrAmountMismatch)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		u := freshUser("ghost")
		assert.ErrorIs(t, g.Credit(ctx, u, d("1"), u+"-nope"), ErrUnknownReservation)
		assert.ErrorIs(t, g.Release(ctx, u, d("1"), u+"-nope"), ErrUnknownReservation)
	})

	t.Run("invalid amounts", func(t *testing.T) {
		u := freshUser("invalid")
		assert.ErrorIs(t, g.Reserve(ctx, u, d("0"), u+"-a"), ErrInvalidAmount)
		assert.ErrorIs(t, g.Reserve(ctx, u, d("-1"), u+"-b"), ErrInvalidAmount)
		assert.ErrorIs(t, g.Reserve(ctx, u, d("1.001"), u+"-c"), ErrInvalidAmount)
		assert.ErrorIs(t, g.Deposit(ctx, u, d("0")), ErrInvalidAmount)
	})

	t.Run("concurrent reserves never overdraw", func(t *testing.T) {
		u := freshUser("race")
		require.NoError(t, g.Deposit(ctx, u, d("50")))

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if g.Reserve(ctx, u, d("10"), fmt.Sprintf("%s-bet-%d", u, i)) == nil {
					ok.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(5), ok.Load())
		assertBalance(t, g, u, "0", "50")
	})
}
