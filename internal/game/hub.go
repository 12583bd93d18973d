package game

import (
	"encoding/json"
	"sync"
	"time"

	"crashgame/pkg/logger"
)

const DefaultSubscriberQueue = 64

// Subscriber receives encoded envelopes until it unsubscribes or falls behind.
type Subscriber struct {
	id        string
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) ID() string { return s.id }

// Messages yields encoded envelopes in publish order.
func (s *Subscriber) Messages() <-chan []byte { return s.queue }

// Done is closed when the hub drops or removes the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// hubView is the round state as seen through the published events.
type hubView struct {
	status         RoundStatus
	roundID        int64
	serverSeedHash string
	multiplier     Multiplier
	elapsedMs      int64
	remainingMs    int64
	countdownAt    time.Time
}

// Hub fans round events out to subscribers. Publish never blocks: a
// subscriber whose queue is full is dropped and must resubscribe.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Subscriber
	queueSize int
	seq       uint64
	view      hubView
	history   HistoryReader
	now       func() time.Time
}

func NewHub(queueSize int, history HistoryReader) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueue
	}
	return &Hub{
		clients:   make(map[string]*Subscriber),
		queueSize: queueSize,
		history:   history,
		now:       time.Now,
	}
}

// encode frames a live event with the next sequence number. State snapshots
// reuse the sequence of the last event they reflect.
func (h *Hub) encode(e Event) ([]byte, error) {
	if _, ok := e.(State); !ok {
		h.seq++
	}
	return json.Marshal(Envelope{Type: e.Type(), Seq: h.seq, Data: e})
}

func (h *Hub) observe(e Event) {
	switch ev := e.(type) {
	case NewRoundStarting:
		h.view = hubView{status: StatusPending, roundID: ev.NextRoundID, serverSeedHash: ev.NextServerSeedHash, multiplier: MinMultiplier}
	case Countdown:
		h.view.status = StatusBetting
		h.view.roundID = ev.RoundID
		h.view.serverSeedHash = ev.ServerSeedHash
		h.view.remainingMs = ev.RemainingMs
		h.view.countdownAt = h.now()
	case RoundStart:
		h.view.status = StatusRunning
		h.view.multiplier = MinMultiplier
		h.view.elapsedMs = 0
		h.view.remainingMs = 0
	case Tick:
		h.view.multiplier = ev.Multiplier
		h.view.elapsedMs = ev.ElapsedMs
	case Crash:
		h.view.status = StatusCrashed
		h.view.multiplier = ev.CrashPoint
	}
}

func (h *Hub) snapshot() State {
	st := State{
		Status:            h.view.status,
		RoundID:           h.view.roundID,
		CurrentMultiplier: h.view.multiplier,
		ElapsedMs:         h.view.elapsedMs,
		ServerSeedHash:    h.view.serverSeedHash,
		History:           []HistoryRecord{},
	}
	if st.CurrentMultiplier == 0 {
		st.CurrentMultiplier = MinMultiplier
	}
	if st.Status == StatusBetting {
		remaining := h.view.remainingMs - h.now().Sub(h.view.countdownAt).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		st.RemainingMs = remaining
	}
	if h.history != nil {
		st.History = h.history.Recent(0)
	}
	return st
}

// Publish records e in the hub's view and hands it to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.observe(e)
	msg, err := h.encode(e)
	if err != nil {
		logger.ErrorGlobal().Err(err).Str("type", string(e.Type())).Msg("Encode event failed")
		return
	}

	for id, c := range h.clients {
		select {
		case c.queue <- msg:
		default:
			delete(h.clients, id)
			c.close()
			logger.WarnGlobal().Str("subscriber", id).Int("total", len(h.clients)).Msg("Subscriber too slow, dropped")
		}
	}
}

// Subscribe registers a subscriber whose first message is a state snapshot.
// Snapshot and registration happen under one lock so no event falls between them.
func (h *Hub) Subscribe(id string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[id]; ok {
		delete(h.clients, id)
		old.close()
	}

	s := &Subscriber{
		id:    id,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	if msg, err := h.encode(h.snapshot()); err == nil {
		s.queue <- msg
	}
	h.clients[id] = s

	logger.InfoGlobal().Str("subscriber", id).Int("total", len(h.clients)).Msg("Subscriber connected")
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[s.id]; ok && cur == s {
		delete(h.clients, s.id)
		logger.InfoGlobal().Str("subscriber", s.id).Int("total", len(h.clients)).Msg("Subscriber disconnected")
	}
	s.close()
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
