package game

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
	"crashgame/pkg/logger"
)

const maxClientSeedLen = 64

// StakeLimits bounds a single bet.
type StakeLimits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Registry holds the bets of one round. Only the scheduler goroutine touches it.
type Registry struct {
	roundID     int64
	ledger      ledger.Gateway
	limits      StakeLimits
	callTimeout time.Duration
	now         func() time.Time
	retry       func(ctx context.Context) backoff.BackOff

	bets   []*Bet // placement order, which is ascending bet id
	byUser map[string]*Bet
	// credits whose outcome is unknown, by bet id; the bet settles at this multiplier
	pending map[int64]Multiplier
}

func NewRegistry(roundID int64, gw ledger.Gateway, limits StakeLimits, callTimeout time.Duration) *Registry {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Registry{
		roundID:     roundID,
		ledger:      gw,
		limits:      limits,
		callTimeout: callTimeout,
		now:         time.Now,
		retry:       settleBackoff,
		byUser:      make(map[string]*Bet),
		pending:     make(map[int64]Multiplier),
	}
}

// Validate checks a request without touching any state.
func (r *Registry) Validate(req BetRequest) error {
	amount := req.Amount
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return reject(CodeInvalidStake, "stake must be positive with at most two decimals")
	}
	if !r.limits.Min.IsZero() && amount.LessThan(r.limits.Min) {
		return reject(CodeInvalidStake, "stake below minimum %s", r.limits.Min)
	}
	if !r.limits.Max.IsZero() && amount.GreaterThan(r.limits.Max) {
		return reject(CodeInvalidStake, "stake above maximum %s", r.limits.Max)
	}
	if req.AutoCashoutAt != 0 && req.AutoCashoutAt < MinAutoCashout {
		return ErrInvalidAutoCashout
	}
	if len(req.ClientSeed) > maxClientSeedLen {
		return ErrInvalidClientSeed
	}
	return nil
}

func (r *Registry) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return fn(ctx)
}

// settle retries an idempotent terminal ledger call until it succeeds or
// fails permanently.
func (r *Registry) settle(ctx context.Context, fn func(ctx context.Context) error) error {
	op := func() error {
		err := r.call(ctx, fn)
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, r.retry(ctx))
}

// Place validates req, reserves the stake and records an ACTIVE bet.
func (r *Registry) Place(ctx context.Context, req BetRequest, betID int64) (*Bet, error) {
	if err := r.Validate(req); err != nil {
		return nil, err
	}
	if _, ok := r.byUser[req.UserID]; ok {
		return nil, ErrDuplicateBet
	}

	bet := &Bet{
		ID:            betID,
		RoundID:       r.roundID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		AutoCashoutAt: req.AutoCashoutAt,
		ClientSeed:    req.ClientSeed,
		Status:        BetActive,
		Payout:        decimal.Zero,
		PlacedAt:      r.now(),
	}

	err := r.call(ctx, func(ctx context.Context) error {
		return r.ledger.Reserve(ctx, bet.UserID, bet.Amount, bet.Ref())
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return nil, ErrInsufficientFunds
	default:
		// The reserve may have landed before the failure surfaced; hand the stake back.
		incident := uuid.NewString()
		logger.Error(ctx).Err(err).
			Str("incident", incident).
			Int64("round_id", r.roundID).
			Str("bet_id", bet.Ref()).
			Str("user_id", bet.UserID).
			Msg("Reserve failed, compensating")
		cerr := r.call(ctx, func(ctx context.Context) error {
			return r.ledger.Credit(ctx, bet.UserID, bet.Amount, bet.Ref())
		})
		if cerr != nil && !errors.Is(cerr, ledger.ErrUnknownReservation) {
			logger.Error(ctx).Err(cerr).Str("incident", incident).Msg("Compensating credit failed")
		}
		return nil, ErrLedgerUnavailable
	}

	r.bets = append(r.bets, bet)
	r.byUser[bet.UserID] = bet
	return bet, nil
}

// credit pays bet at multiplier at. A credit that may have landed is
// remembered, and every later settlement of the bet repeats that same amount.
func (r *Registry) credit(ctx context.Context, bet *Bet, at Multiplier) error {
	if prev, ok := r.pending[bet.ID]; ok {
		at = prev
	}
	payout := at.Apply(bet.Amount)
	err := r.settle(ctx, func(ctx context.Context) error {
		return r.ledger.Credit(ctx, bet.UserID, payout, bet.Ref())
	})
	if err != nil {
		r.pending[bet.ID] = at
		logger.Error(ctx).Err(err).
			Str("incident", uuid.NewString()).
			Int64("round_id", r.roundID).
			Str("bet_id", bet.Ref()).
			Str("multiplier", at.String()).
			Msg("Credit failed, bet left active")
		return ErrLedgerUnavailable
	}
	delete(r.pending, bet.ID)
	bet.Status = BetCashedOut
	bet.CashedOutAt = at
	bet.Payout = payout
	bet.SettledAt = r.now()
	return nil
}

// CashOut settles the user's bet at multiplier at.
func (r *Registry) CashOut(ctx context.Context, userID string, at Multiplier) (*Bet, error) {
	bet, ok := r.byUser[userID]
	if !ok {
		return nil, ErrNoActiveBet
	}
	switch bet.Status {
	case BetActive:
	case BetCashedOut:
		return nil, ErrAlreadyCashedOut
	default:
		return nil, ErrNoActiveBet
	}
	if err := r.credit(ctx, bet, at); err != nil {
		return nil, err
	}
	return bet, nil
}

// AutoCashOut settles every ACTIVE bet whose target is at or below reached,
// in ascending bet id order. Each bet pays at its own target.
func (r *Registry) AutoCashOut(ctx context.Context, reached Multiplier) []*Bet {
	var settled []*Bet
	for _, bet := range r.bets {
		if bet.Status != BetActive || bet.AutoCashoutAt == 0 || bet.AutoCashoutAt > reached {
			continue
		}
		if r.credit(ctx, bet, bet.AutoCashoutAt) == nil {
			settled = append(settled, bet)
		}
	}
	return settled
}

func settleBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return backoff.WithContext(b, ctx)
}

// SettleLosses releases the stake of every remaining ACTIVE bet to the house.
// A bet with a credit of unknown outcome is cashed out at that credit instead.
// Transient ledger errors are retried; a bet whose settlement never succeeds
// stays ACTIVE and is reported.
func (r *Registry) SettleLosses(ctx context.Context) []*Bet {
	var lost []*Bet
	for _, bet := range r.bets {
		if bet.Status != BetActive {
			continue
		}
		if at, ok := r.pending[bet.ID]; ok {
			_ = r.credit(ctx, bet, at)
			continue
		}
		err := r.settle(ctx, func(ctx context.Context) error {
			return r.ledger.Release(ctx, bet.UserID, bet.Amount, bet.Ref())
		})
		if err != nil {
			logger.Error(ctx).Err(err).
				Str("incident", uuid.NewString()).
				Int64("round_id", r.roundID).
				Str("bet_id", bet.Ref()).
				Str("user_id", bet.UserID).
				Msg("Release failed, bet left active")
			continue
		}
		bet.Status = BetLost
		bet.SettledAt = r.now()
		lost = append(lost, bet)
	}
	return lost
}

// Void returns the stake of every remaining ACTIVE bet. A bet with a credit of
// unknown outcome keeps its cashout, as bets cashed out before the void do.
func (r *Registry) Void(ctx context.Context) []*Bet {
	var voided []*Bet
	for _, bet := range r.bets {
		if bet.Status != BetActive {
			continue
		}
		if at, ok := r.pending[bet.ID]; ok {
			_ = r.credit(ctx, bet, at)
			continue
		}
		err := r.settle(ctx, func(ctx context.Context) error {
			return r.ledger.Credit(ctx, bet.UserID, bet.Amount, bet.Ref())
		})
		if err != nil {
			logger.Error(ctx).Err(err).
				Str("incident", uuid.NewString()).
				Int64("round_id", r.roundID).
				Str("bet_id", bet.Ref()).
				Msg("Void refund failed, bet left active")
			continue
		}
		bet.Status = BetVoid
		bet.Payout = bet.Amount
		bet.SettledAt = r.now()
		voided = append(voided, bet)
	}
	return voided
}

func isPermanent(err error) bool {
	return errors.Is(err, ledger.ErrAlreadySettled) ||
		errors.Is(err, ledger.ErrUnknownReservation) ||
		errors.Is(err, ledger.ErrAmountMismatch) ||
		errors.Is(err, ledger.ErrInvalidAmount)
}

// Bets returns copies of all bets in placement order.
func (r *Registry) Bets() []Bet {
	out := make([]Bet, len(r.bets))
	for i, b := range r.bets {
		out[i] = *b
	}
	return out
}

func (r *Registry) Bet(userID string) (Bet, bool) {
	b, ok := r.byUser[userID]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

func (r *Registry) ActiveCount() int {
	n := 0
	for _, b := range r.bets {
		if b.Status == BetActive {
			n++
		}
	}
	return n
}

// ClientSeeds returns the player-supplied seeds in placement order.
func (r *Registry) ClientSeeds() []string {
	var seeds []string
	for _, b := range r.bets {
		if b.ClientSeed != "" {
			seeds = append(seeds, b.ClientSeed)
		}
	}
	return seeds
}
