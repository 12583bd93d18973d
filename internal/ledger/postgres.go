package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres is a Gateway over the wallets and ledger_entries tables. Each
// operation runs in one transaction holding the user's wallet row lock.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func parseNumeric(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return v, nil
}

// lockWallet returns the available and locked balance, creating the row when missing.
func lockWallet(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, decimal.Decimal, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ensure wallet: %w", err)
	}

	var availableStr, lockedStr string
	if err := tx.QueryRow(ctx, `
		SELECT available::text, locked::text FROM wallets WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&availableStr, &lockedStr); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lock wallet: %w", err)
	}

	available, err := parseNumeric(availableStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	locked, err := parseNumeric(lockedStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return available, locked, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, userID string, kind Kind, amount, before, after decimal.Decimal, ref string) error {
	var refArg interface{}
	if ref != "" {
		refArg = ref
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, kind, amount, balance_before, balance_after, reference_bet_id)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)`,
		userID, string(kind), amount.String(), before.String(), after.String(), refArg)
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", kind, err)
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		available, _, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		after := available.Add(amount)
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET available = $2::numeric, updated_at = now() WHERE user_id = $1`,
			userID, after.String()); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		return insertEntry(ctx, tx, userID, KindDeposit, amount, available, after, "")
	})
}

func (p *Postgres) Balance(ctx context.Context, userID string) (Balance, error) {
	b := Balance{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero}

	var availableStr, lockedStr string
	err := p.pool.QueryRow(ctx, `
		SELECT available::text, locked::text FROM wallets WHERE user_id = $1`, userID,
	).Scan(&availableStr, &lockedStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("balance: %w", err)
	}

	if b.Available, err = parseNumeric(availableStr); err != nil {
		return Balance{}, err
	}
	if b.Locked, err = parseNumeric(lockedStr); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// reservedAmount looks up the RESERVE entry for betRef owned by userID.
func reservedAmount(ctx context.Context, tx pgx.Tx, userID, betRef string) (decimal.Decimal, bool, error) {
	var amountStr string
	err := tx.QueryRow(ctx, `
		SELECT amount::text FROM ledger_entries
		WHERE reference_bet_id = $1 AND kind = 'RESERVE' AND user_id = $2`, betRef, userID,
	).Scan(&amountStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("find reservation: %w", err)
	}
	amount, err := parseNumeric(amountStr)
	return amount, err == nil, err
}

func (p *Postgres) Reserve(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		available, locked, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		existing, found, err := reservedAmount(ctx, tx, userID, betRef)
		if err != nil {
			return err
		}
		if found {
			if existing.Equal(amount) {
				return nil
			}
			return ErrAmountMismatch
		}

		if available.LessThan(amount) {
			return ErrInsufficientFunds
		}
		after := available.Sub(amount)
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET available = $2::numeric, locked = $3::numeric, updated_at = now()
			WHERE user_id = $1`, userID, after.String(), locked.Add(amount).String()); err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		return insertEntry(ctx, tx, userID, KindReserve, amount, available, after, betRef)
	})
}

func (p *Postgres) Credit(ctx context.Context, userID string, payout decimal.Decimal, betRef string) error {
	return p.settle(ctx, KindCredit, userID, payout, betRef)
}

func (p *Postgres) Release(ctx context.Context, userID string, amount decimal.Decimal, betRef string) error {
	return p.settle(ctx, KindRelease, userID, amount, betRef)
}

func (p *Postgres) settle(ctx context.Context, kind Kind, userID string, amount decimal.Decimal, betRef string) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		available, locked, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		reserved, found, err := reservedAmount(ctx, tx, userID, betRef)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownReservation
		}
		if kind == KindRelease && !reserved.Equal(amount) {
			return ErrAmountMismatch
		}

		var settledKind, settledAmountStr string
		err = tx.QueryRow(ctx, `
			SELECT kind, amount::text FROM ledger_entries
			WHERE reference_bet_id = $1 AND kind IN ('CREDIT', 'RELEASE')`, betRef,
		).Scan(&settledKind, &settledAmountStr)
		switch {
		case err == nil:
			settledAmount, perr := parseNumeric(settledAmountStr)
			if perr != nil {
				return perr
			}
			if Kind(settledKind) == kind && settledAmount.Equal(amount) {
				return nil
			}
			return ErrAlreadySettled
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("find settlement: %w", err)
		}

		after := available
		if kind == KindCredit {
			after = available.Add(amount)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET available = $2::numeric, locked = $3::numeric, updated_at = now()
			WHERE user_id = $1`, userID, after.String(), locked.Sub(reserved).String()); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return insertEntry(ctx, tx, userID, kind, amount, available, after, betRef)
	})
}

// Entries returns the user's ledger entries in the order they were written.
func (p *Postgres) Entries(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, amount::text, balance_before::text, balance_after::text,
		       COALESCE(reference_bet_id, ''), created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			kind                  string
			amount, before, after string
		)
		if err := rows.Scan(&e.ID, &kind, &amount, &before, &after, &e.ReferenceBetID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.UserID = userID
		e.Kind = Kind(kind)
		if e.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if e.BalanceBefore, err = parseNumeric(before); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = parseNumeric(after); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
