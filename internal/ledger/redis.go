package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Script result codes.
const (
	codeOK = iota
	codeInsufficient
	codeUnknown
	codeSettled
	codeMismatch
)

// All keys of one user share the {user} hash tag so every script stays in one slot.
const (
	redisKeyWallet      = "crash:wallet:{%s}"
	redisKeyReservation = "crash:ledger:res:{%s}:%s"
	redisKeyEntries     = "crash:ledger:entries:{%s}"

	settledReservationTTL = 7 * 24 * time.Hour
)

var depositScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local before = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
redis.call('HINCRBY', KEYS[1], 'available', amount)
local id = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('RPUSH', KEYS[2], cjson.encode({id=id, kind='DEPOSIT', amount=amount, before=before, after=before+amount, ref='', at=tonumber(ARGV[2])}))
return 0
`)

var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local existing = redis.call('HGET', KEYS[2], 'amount')
if existing then
  if tonumber(existing) == amount then return 0 end
  return 4
end
local before = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
if before < amount then return 1 end
redis.call('HINCRBY', KEYS[1], 'available', -amount)
redis.call('HINCRBY', KEYS[1], 'locked', amount)
redis.call('HSET', KEYS[2], 'amount', amount)
local id = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('RPUSH', KEYS[3], cjson.encode({id=id, kind='RESERVE', amount=amount, before=before, after=before-amount, ref=ARGV[2], at=tonumber(ARGV[3])}))
return 0
`)

var settleScript = redis.NewScript(`
local kind = ARGV[1]
local amount = tonumber(ARGV[2])
local reserved = redis.call('HGET', KEYS[2], 'amount')
if not reserved then return 2 end
reserved = tonumber(reserved)
if kind == 'RELEASE' and amount ~= reserved then return 4 end
local settled = redis.call('HGET', KEYS[2], 'settled')
if settled then
  if settled == kind and tonumber(redis.call('HGET', KEYS[2], 'settled_amount')) == amount then return 0 end
  return 3
end
local before = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
local after = before
redis.call('HINCRBY', KEYS[1], 'locked', -reserved)
if kind == 'CREDIT' then
  redis.call('HINCRBY', KEYS[1], 'available', amount)
  after = before + amount
end
redis.call('HSET', KEYS[2], 'settled', kind, 'settled_amount', amount)
redis.call('PEXPIRE', KEYS[2], ARGV[5])
local id = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('RPUSH', KEYS[3], cjson.encode({id=id, kind=kind, amount=amount, before=before, after=after, ref=ARGV[3], at=tonumber(ARGV[4])}))
return 0
`)

// Redis is a Gateway backed by Lua scripts. Amounts are stored as integer cents.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, now: time.Now}
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func (r *Redis) keys(userID, betRef string) []string {
	return []string{
		fmt.Sprintf(redisKeyWallet, userID),
		fmt.Sprintf(redisKeyReservation, userID, betRef),
		fmt.Sprintf(redisKeyEntries, userID),
	}
}

func scriptError(code int64) error {
	switch code {
	case codeOK:
		return nil
	case codeInsufficient:
		return ErrInsufficientFunds
	case codeUnknown:
		return ErrUnknownReservation
	case codeSettled:
		return ErrAlreadySettled
	case codeMismatch:
		return ErrAmountMismatch
	default:
		return fmt.Errorf("ledger script returned %d", code)
	}
}

func (r *Redis) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	keys := []string{fmt.Sprintf(redisKeyWallet, userID), fmt.Sprintf(redisKeyEntries, userID)}
	code, err := depositScript.Run(ctx, r.client, keys, toCents(amount), r.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis deposit: %w", err)
	}
	return scriptError(code)
}

func (r *Redis) Balance(ctx context.Context, userID string) (Balance, error) {
	vals, err := r.client.HMGet(ctx, fmt.Sprintf(redisKeyWallet, userID), "available", "locked").Result()
	if err != nil {
		return Balance{}, fmt.Errorf("redis balance: %w", err)
	}
	b := Balance{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero}
	if s, ok := vals[0].(string); ok {
		if b.Available, err = decimal.NewFromString(s); err != nil {
			return Balance{}, err
		}
		b.Available = b.Available.Shift(-2)
	}
	if s, ok := vals[1].(string); ok {
		if b.Locked, err = decimal.NewFromString(s); err != nil {
			return Balance{}, err
		}
		b.Locked = b.Locked.Shift(-2)
	}
	return b, nil
}

func (r *Redis) Reserve(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	code, err := reserveScript.Run(ctx, r.client, r.keys(userID, betRef),
		toCents(amount), betRef, r.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis reserve: %w", err)
	}
	return scriptError(code)
}

func (r *Redis) Credit(ctx context.Context, userID string, payout decimal.Decimal, betRef string) error {
	return r.settle(ctx, KindCredit, userID, payout, betRef)
}

func (r *Redis) Release(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error {
	return r.settle(ctx, KindRelease, userID, amount, betRef)
}

func (r *Redis) settle(ctx context.Context, kind Kind, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	code, err := settleScript.Run(ctx, r.client, r.keys(userID, betRef),
		string(kind), toCents(amount), betRef, r.now().UnixMilli(), settledReservationTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis %s: %w", kind, err)
	}
	return scriptError(code)
}

type redisEntry struct {
	ID     int64  `json:"id"`
	Kind   Kind   `json:"kind"`
	Amount int64  `json:"amount"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
	Ref    string `json:"ref"`
	At     int64  `json:"at"`
}

// Entries returns the user's ledger entries in the order they were written.
func (r *Redis) Entries(ctx context.Context, userID string) ([]Entry, error) {
	raw, err := r.client.LRange(ctx, fmt.Sprintf(redisKeyEntries, userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis entries: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, Entry{
			ID:             e.ID,
			UserID:         userID,
			Kind:           e.Kind,
			Amount:         fromCents(e.Amount),
			BalanceBefore:  fromCents(e.Before),
			BalanceAfter:   fromCents(e.After),
			ReferenceBetID: e.Ref,
			CreatedAt:      time.UnixMilli(e.At),
		})
	}
	return out, nil
}
