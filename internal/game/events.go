package game

import (
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventState            EventType = "state"
	EventCountdown        EventType = "countdown"
	EventRoundStart       EventType = "round_start"
	EventTick             EventType = "tick"
	EventCrash            EventType = "crash"
	EventNewRoundStarting EventType = "new_round_starting"
	EventBetPlaced        EventType = "bet_placed"
	EventCashedOut        EventType = "cashed_out"
)

// Event is the closed set of messages on the round feed.
type Event interface {
	Type() EventType
	isEvent()
}

// Envelope is the wire frame: {"type": ..., "seq": ..., "data": {...}}.
type Envelope struct {
	Type EventType `json:"type"`
	Seq  uint64    `json:"seq"`
	Data Event     `json:"data"`
}

// State is sent to each new subscriber before any live event.
type State struct {
	Status            RoundStatus     `json:"status"`
	RoundID           int64           `json:"roundId"`
	CurrentMultiplier Multiplier      `json:"currentMultiplier"`
	ElapsedMs         int64           `json:"elapsedMs"`
	RemainingMs       int64           `json:"remainingMs,omitempty"`
	History           []HistoryRecord `json:"history"`
	ServerSeedHash    string          `json:"serverSeedHash"`
}

type Countdown struct {
	RoundID        int64  `json:"roundId"`
	RemainingMs    int64  `json:"remainingMs"`
	ServerSeedHash string `json:"serverSeedHash"`
}

type RoundStart struct {
	RoundID   int64 `json:"roundId"`
	StartedAt int64 `json:"startedAt"` // unix ms
}

type Tick struct {
	RoundID    int64      `json:"roundId"`
	Multiplier Multiplier `json:"multiplier"`
	ElapsedMs  int64      `json:"elapsedMs"`
}

// Crash is the terminal event of a round and carries the reveal.
type Crash struct {
	RoundID        int64      `json:"roundId"`
	CrashPoint     Multiplier `json:"crashPoint"`
	ServerSeed     string     `json:"serverSeed"`
	ServerSeedHash string     `json:"serverSeedHash"`
	ClientSeed     string     `json:"clientSeed"`
	Nonce          int64      `json:"nonce"`
	Void           bool       `json:"void,omitempty"`
}

type NewRoundStarting struct {
	NextRoundID        int64  `json:"nextRoundId"`
	NextServerSeedHash string `json:"nextServerSeedHash"`
}

type BetPlaced struct {
	RoundID       int64           `json:"roundId"`
	BetID         int64           `json:"betId,string"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt Multiplier      `json:"autoCashoutAt,omitempty"`
}

type CashedOut struct {
	RoundID    int64           `json:"roundId"`
	BetID      int64           `json:"betId,string"`
	UserID     string          `json:"userId"`
	Multiplier Multiplier      `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Auto       bool            `json:"auto,omitempty"`
}

func (State) Type() EventType            { return EventState }
func (Countdown) Type() EventType        { return EventCountdown }
func (RoundStart) Type() EventType       { return EventRoundStart }
func (Tick) Type() EventType             { return EventTick }
func (Crash) Type() EventType            { return EventCrash }
func (NewRoundStarting) Type() EventType { return EventNewRoundStarting }
func (BetPlaced) Type() EventType        { return EventBetPlaced }
func (CashedOut) Type() EventType        { return EventCashedOut }

func (State) isEvent()            {}
func (Countdown) isEvent()        {}
func (RoundStart) isEvent()       {}
func (Tick) isEvent()             {}
func (Crash) isEvent()            {}
func (NewRoundStarting) isEvent() {}
func (BetPlaced) isEvent()        {}
func (CashedOut) isEvent()        {}

// Publisher is the scheduler's view of the hub.
type Publisher interface {
	Publish(e Event)
}
