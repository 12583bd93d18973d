package game

import (
	"sync"
	"time"
)

const DefaultHistorySize = 30

// HistoryRecord is everything needed to verify a finished round independently.
type HistoryRecord struct {
	RoundID        int64      `json:"roundId"`
	CrashPoint     Multiplier `json:"crashPoint"`
	ServerSeed     string     `json:"serverSeed"`
	ServerSeedHash string     `json:"serverSeedHash"`
	ClientSeed     string     `json:"clientSeed"`
	Nonce          int64      `json:"nonce"`
	Void           bool       `json:"void,omitempty"`
	CrashedAt      time.Time  `json:"crashedAt"`
}

// HistoryReader is the read side handed to the hub and HTTP layer.
type HistoryReader interface {
	Recent(n int) []HistoryRecord
	Get(roundID int64) (HistoryRecord, bool)
}

// History is a fixed-size ring of the most recent rounds. It is for display
// and verification only; settlement never reads it.
type History struct {
	mu   sync.RWMutex
	buf  []HistoryRecord
	next int
	size int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]HistoryRecord, capacity)}
}

func (h *History) Append(rec HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// Recent returns up to n records, newest first. n <= 0 means all.
func (h *History) Recent(n int) []HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]HistoryRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *History) Get(roundID int64) (HistoryRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := 0; i < h.size; i++ {
		if h.buf[i].RoundID == roundID {
			return h.buf[i], true
		}
	}
	return HistoryRecord{}, false
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Warm loads archived records given newest first, keeping the ring's order.
func (h *History) Warm(newestFirst []HistoryRecord) {
	for i := len(newestFirst) - 1; i >= 0; i-- {
		h.Append(newestFirst[i])
	}
}
