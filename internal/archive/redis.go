package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crashgame/internal/game"
)

const (
	redisKeyRound   = "crash:round:"
	redisKeyHistory = "crash:history"
	redisKeyLast    = "crash:last_round"

	roundTTL = 1 * time.Hour
)

type lastRound struct {
	RoundID int64 `json:"roundId"`
	Nonce   int64 `json:"nonce"`
}

// Redis keeps recent rounds in a capped list plus a per-round key with a TTL.
type Redis struct {
	client redis.UniversalClient
	keep   int64
}

func NewRedis(client redis.UniversalClient, keep int) *Redis {
	if keep <= 0 {
		keep = game.DefaultHistorySize
	}
	return &Redis{client: client, keep: int64(keep)}
}

func (r *Redis) ArchiveRound(ctx context.Context, rec game.RoundRecord) error {
	h := rec.History
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode round %d: %w", h.RoundID, err)
	}
	last, err := json.Marshal(lastRound{RoundID: h.RoundID, Nonce: h.Nonce})
	if err != nil {
		return fmt.Errorf("encode last round: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyRound+strconv.FormatInt(h.RoundID, 10), data, roundTTL)
		pipe.LPush(ctx, redisKeyHistory, data)
		pipe.LTrim(ctx, redisKeyHistory, 0, r.keep-1)
		pipe.Set(ctx, redisKeyLast, last, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive round %d: %w", h.RoundID, err)
	}
	return nil
}

func (r *Redis) Recent(ctx context.Context, n int) ([]game.HistoryRecord, error) {
	if n <= 0 || int64(n) > r.keep {
		n = int(r.keep)
	}
	raw, err := r.client.LRange(ctx, redisKeyHistory, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]game.HistoryRecord, 0, len(raw))
	for _, s := range raw {
		var rec game.HistoryRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Round(ctx context.Context, roundID int64) (game.HistoryRecord, error) {
	data, err := r.client.Get(ctx, redisKeyRound+strconv.FormatInt(roundID, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.HistoryRecord{}, ErrNotFound
	}
	if err != nil {
		return game.HistoryRecord{}, fmt.Errorf("read round %d: %w", roundID, err)
	}
	var rec game.HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return game.HistoryRecord{}, fmt.Errorf("decode round %d: %w", roundID, err)
	}
	return rec, nil
}

func (r *Redis) LastRound(ctx context.Context) (int64, int64, error) {
	data, err := r.client.Get(ctx, redisKeyLast).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read last round: %w", err)
	}
	var last lastRound
	if err := json.Unmarshal(data, &last); err != nil {
		return 0, 0, fmt.Errorf("decode last round: %w", err)
	}
	return last.RoundID, last.Nonce, nil
}
