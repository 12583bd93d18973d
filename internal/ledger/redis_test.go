package ledger

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/database/dbtest"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: dbtest.StartRedis(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisContract(t *testing.T) {
	runGatewayContract(t, NewRedis(startRedis(t)))
}

func TestRedisEntries(t *testing.T) {
	ctx := context.Background()
	r := NewRedis(startRedis(t))

	require.NoError(t, r.Deposit(ctx, "u1", d("100")))
	require.NoError(t, r.Reserve(ctx, "u1", d("10"), "b1"))
	require.NoError(t, r.Credit(ctx, "u1", d("18.50"), "b1"))

	entries, err := r.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, KindReserve, entries[1].Kind)
	assert.True(t, entries[1].BalanceAfter.Equal(d("90")))
	assert.Equal(t, KindCredit, entries[2].Kind)
	assert.True(t, entries[2].Amount.Equal(d("18.5")))
	assert.True(t, entries[2].BalanceAfter.Equal(d("108.5")))
	assert.Equal(t, "b1", entries[2].ReferenceBetID)
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1850), toCents(d("18.50")))
	assert.Equal(t, int64(1), toCents(d("0.01")))
	assert.True(t, fromCents(1850).Equal(d("18.5")))
}
