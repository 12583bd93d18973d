package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type wallet struct {
	available decimal.Decimal
	locked    decimal.Decimal
}

type reservation struct {
	userID        string
	amount        decimal.Decimal
	settled       Kind
	settledAmount decimal.Decimal
}

// Memory is an in-process Gateway. It backs tests and the single-node dev mode.
type Memory struct {
	mu           sync.RWMutex
	wallets      map[string]*wallet
	reservations map[string]*reservation
	entries      []Entry
	nextID       int64
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[string]*wallet),
		reservations: make(map[string]*reservation),
		now:          time.Now,
	}
}

func (m *Memory) walletFor(userID string) *wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &wallet{}
		m.wallets[userID] = w
	}
	return w
}

func (m *Memory) record(userID string, kind Kind, amount, before, after decimal.Decimal, ref string) {
	m.nextID++
	m.entries = append(m.entries, Entry{
		ID:             m.nextID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		ReferenceBetID: ref,
		CreatedAt:      m.now(),
	})
}

func (m *Memory) Deposit(_ context.Context, userID string, amount decimal.Decimal) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.walletFor(userID)
	before := w.available
	w.available = w.available.Add(amount)
	m.record(userID, KindDeposit, amount, before, w.available, "")
	return nil
}

func (m *Memory) Balance(_ context.Context, userID string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := Balance{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero}
	if w, ok := m.wallets[userID]; ok {
		b.Available = w.available
		b.Locked = w.locked
	}
	return b, nil
}

func (m *Memory) Reserve(_ context.Context, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[betRef]; ok {
		if r.userID == userID && r.amount.Equal(amount) {
			return nil
		}
		return ErrAmountMismatch
	}

	w := m.walletFor(userID)
	if w.available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	before := w.available
	w.available = w.available.Sub(amount)
	w.locked = w.locked.Add(amount)
	m.reservations[betRef] = &reservation{userID: userID, amount: amount}
	m.record(userID, KindReserve, amount, before, w.available, betRef)
	return nil
}

func (m *Memory) Credit(_ context.Context, userID string, payout decimal.Decimal, betRef string) error {
	if !validAmount(payout) {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.settleable(userID, betRef, KindCredit, payout)
	if err != nil || r == nil {
		return err
	}

	w := m.walletFor(userID)
	before := w.available
	w.locked = w.locked.Sub(r.amount)
	w.available = w.available.Add(payout)
	r.settled, r.settledAmount = KindCredit, payout
	m.record(userID, KindCredit, payout, before, w.available, betRef)
	return nil
}

func (m *Memory) Release(_ context.Context, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[betRef]; ok && !r.amount.Equal(amount) {
		return ErrAmountMismatch
	}
	r, err := m.settleable(userID, betRef, KindRelease, amount)
	if err != nil || r == nil {
		return err
	}

	w := m.walletFor(userID)
	w.locked = w.locked.Sub(r.amount)
	r.settled, r.settledAmount = KindRelease, amount
	m.record(userID, KindRelease, amount, w.available, w.available, betRef)
	return nil
}

// settleable returns the open reservation for betRef, or nil with a nil error
// when the same terminal operation was already applied.
func (m *Memory) settleable(userID, betRef string, kind Kind, amount decimal.Decimal) (*reservation, error) {
	r, ok := m.reservations[betRef]
	if !ok || r.userID != userID {
		return nil, ErrUnknownReservation
	}
	if r.settled != "" {
		if r.settled == kind && r.settledAmount.Equal(amount) {
			return nil, nil
		}
		return nil, ErrAlreadySettled
	}
	return r, nil
}

// Entries returns a copy of the user's ledger entries in the order they were written.
func (m *Memory) Entries(userID string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
