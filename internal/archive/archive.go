// Package archive persists finished rounds outside the process so history
// survives restarts and old rounds stay verifiable.
package archive

import (
	"context"
	"errors"

	"crashgame/internal/game"
)

// ErrNotFound is returned when a round is not in the archive.
var ErrNotFound = errors.New("round not archived")

// ErrRoundConflict is returned when a round id is already archived for a
// different round, which means round numbering was reused.
var ErrRoundConflict = errors.New("round id already archived for another round")

// Store is the read side used to warm the in-memory history on startup and to
// look up rounds that have rotated out of it.
type Store interface {
	game.Archiver
	Recent(ctx context.Context, n int) ([]game.HistoryRecord, error)
	Round(ctx context.Context, roundID int64) (game.HistoryRecord, error)
	// LastRound reports the newest archived round id and nonce, zero when empty.
	LastRound(ctx context.Context) (roundID, nonce int64, err error)
}

// Multi writes every round to all archivers and reads from the first store.
type Multi []Store

func (m Multi) ArchiveRound(ctx context.Context, rec game.RoundRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.ArchiveRound(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Recent(ctx context.Context, n int) ([]game.HistoryRecord, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].Recent(ctx, n)
}

func (m Multi) Round(ctx context.Context, roundID int64) (game.HistoryRecord, error) {
	for _, s := range m {
		rec, err := s.Round(ctx, roundID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return game.HistoryRecord{}, err
		}
	}
	return game.HistoryRecord{}, ErrNotFound
}

func (m Multi) LastRound(ctx context.Context) (int64, int64, error) {
	var roundID, nonce int64
	for _, s := range m {
		id, n, err := s.LastRound(ctx)
		if err != nil {
			return 0, 0, err
		}
		if id > roundID {
			roundID = id
		}
		if n > nonce {
			nonce = n
		}
	}
	return roundID, nonce, nil
}
