// Package ledger holds player balances behind a reserve/credit/release contract.
//
// Every operation is keyed by the bet it belongs to. A bet gets exactly one
// RESERVE and at most one terminal entry (CREDIT or RELEASE). Replaying an
// operation that already happened with the same amount succeeds without
// moving money, so callers may retry on timeouts.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrAlreadySettled     = errors.New("reservation already settled")
	ErrAmountMismatch     = errors.New("amount does not match reservation")
	ErrInvalidAmount      = errors.New("invalid amount")
)

type Kind string

const (
	KindDeposit Kind = "DEPOSIT"
	KindReserve Kind = "RESERVE"
	KindCredit  Kind = "CREDIT"
	KindRelease Kind = "RELEASE"
)

// Gateway is the wallet collaborator the round scheduler settles against.
type Gateway interface {
	// Reserve moves amount from the user's available balance into a hold for betRef.
	Reserve(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error
	// Credit closes the hold for betRef and pays payout to the user's available balance.
	Credit(ctx context.Context, userID string, payout decimal.Decimal, betRef string) error
	// Release closes the hold for betRef and forfeits the reserved amount to the house.
	Release(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error
}

// Funder is implemented by adapters that can fund and report balances directly.
type Funder interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) error
	Balance(ctx context.Context, userID string) (Balance, error)
}

type Balance struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Entry is one ledger movement. Balances are the user's available balance.
type Entry struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"userId"`
	Kind           Kind            `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balanceBefore"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	ReferenceBetID string          `json:"referenceBetId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// validAmount accepts positive amounts with at most two decimal places.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Truncate(2))
}
