package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

const (
	insertRoundSQL = `
INSERT INTO crash_rounds (id, server_seed_hash, server_seed, client_seed, nonce, crash_point, void, betting_opens_at, running_starts_at, crashed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

	selectRoundHashSQL = `SELECT server_seed_hash FROM crash_rounds WHERE id = $1`

	upsertBetSQL = `
INSERT INTO crash_bets (id, round_id, user_id, amount, auto_cashout_at, status, cashed_out_at, payout, placed_at, settled_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::numeric, $9, $10)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, cashed_out_at = EXCLUDED.cashed_out_at,
    payout = EXCLUDED.payout, settled_at = EXCLUDED.settled_at`

	selectRoundColumns = `id, server_seed_hash, server_seed, client_seed, nonce, crash_point, void, crashed_at`
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func nullMultiplier(m game.Multiplier) interface{} {
	if m == 0 {
		return nil
	}
	return int64(m)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (p *Postgres) ArchiveRound(ctx context.Context, rec game.RoundRecord) error {
	h := rec.History
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertRoundSQL, h.RoundID, h.ServerSeedHash, h.ServerSeed, h.ClientSeed, h.Nonce,
			int64(h.CrashPoint), h.Void, nullTime(rec.BettingOpensAt), nullTime(rec.RunningStartsAt), h.CrashedAt)
		if err != nil {
			return fmt.Errorf("archive round %d: %w", h.RoundID, err)
		}
		if tag.RowsAffected() == 0 {
			// replaying the same round is fine, a different round under the same id is not
			var existing string
			if err := tx.QueryRow(ctx, selectRoundHashSQL, h.RoundID).Scan(&existing); err != nil {
				return fmt.Errorf("archive round %d: %w", h.RoundID, err)
			}
			if existing != h.ServerSeedHash {
				return fmt.Errorf("%w: round %d already archived with commitment %s", ErrRoundConflict, h.RoundID, existing)
			}
		}

		batch := &pgx.Batch{}
		for _, b := range rec.Bets {
			batch.Queue(upsertBetSQL, b.ID, b.RoundID, b.UserID, b.Amount.String(), nullMultiplier(b.AutoCashoutAt),
				string(b.Status), nullMultiplier(b.CashedOutAt), b.Payout.String(), b.PlacedAt, nullTime(b.SettledAt))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("archive round %d: %w", h.RoundID, err)
		}
		return nil
	})
}

func scanRound(row pgx.Row) (game.HistoryRecord, error) {
	var rec game.HistoryRecord
	var crashPoint int64
	err := row.Scan(&rec.RoundID, &rec.ServerSeedHash, &rec.ServerSeed, &rec.ClientSeed, &rec.Nonce,
		&crashPoint, &rec.Void, &rec.CrashedAt)
	rec.CrashPoint = game.Multiplier(crashPoint)
	return rec, err
}

// Recent returns up to n archived rounds, newest first.
func (p *Postgres) Recent(ctx context.Context, n int) ([]game.HistoryRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+selectRoundColumns+` FROM crash_rounds ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent rounds: %w", err)
	}
	defer rows.Close()

	var out []game.HistoryRecord
	for rows.Next() {
		rec, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Round(ctx context.Context, roundID int64) (game.HistoryRecord, error) {
	rec, err := scanRound(p.pool.QueryRow(ctx, `SELECT `+selectRoundColumns+` FROM crash_rounds WHERE id = $1`, roundID))
	if errors.Is(err, pgx.ErrNoRows) {
		return game.HistoryRecord{}, ErrNotFound
	}
	if err != nil {
		return game.HistoryRecord{}, fmt.Errorf("query round %d: %w", roundID, err)
	}
	return rec, nil
}

func (p *Postgres) LastRound(ctx context.Context) (int64, int64, error) {
	var roundID, nonce int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0), COALESCE(MAX(nonce), 0) FROM crash_rounds`).Scan(&roundID, &nonce)
	if err != nil {
		return 0, 0, fmt.Errorf("query last round: %w", err)
	}
	return roundID, nonce, nil
}

// Bets returns the archived bets of a round in placement order.
func (p *Postgres) Bets(ctx context.Context, roundID int64) ([]game.Bet, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, round_id, user_id, amount::text, auto_cashout_at, status, cashed_out_at, payout::text, placed_at, settled_at
FROM crash_bets WHERE round_id = $1 ORDER BY id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query bets: %w", err)
	}
	defer rows.Close()

	var out []game.Bet
	for rows.Next() {
		var (
			b           game.Bet
			amount      string
			payout      *string
			autoCashout *int64
			cashedOutAt *int64
			settledAt   *time.Time
			status      string
		)
		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &amount, &autoCashout, &status, &cashedOutAt, &payout, &b.PlacedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		b.Payout = decimal.Zero
		if payout != nil {
			if b.Payout, err = decimal.NewFromString(*payout); err != nil {
				return nil, fmt.Errorf("parse payout: %w", err)
			}
		}
		if autoCashout != nil {
			b.AutoCashoutAt = game.Multiplier(*autoCashout)
		}
		if cashedOutAt != nil {
			b.CashedOutAt = game.Multiplier(*cashedOutAt)
		}
		if settledAt != nil {
			b.SettledAt = *settledAt
		}
		b.Status = game.BetStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}
