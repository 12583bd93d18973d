package game

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Multiplier is a payout factor in hundredths: 235 is 2.35x.
type Multiplier int64

const (
	MinMultiplier  Multiplier = 100
	MaxMultiplier  Multiplier = 100_000_000
	MinAutoCashout Multiplier = 101
)

func (m Multiplier) String() string {
	return fmt.Sprintf("%d.%02d", m/100, m%100)
}

func (m Multiplier) Float64() float64 {
	return float64(m) / 100
}

// Apply returns stake * m truncated to cents.
func (m Multiplier) Apply(stake decimal.Decimal) decimal.Decimal {
	return stake.Mul(decimal.New(int64(m), -2)).Truncate(2)
}

// MarshalJSON encodes the multiplier as a plain JSON number, e.g. 2.35.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Multiplier) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*m = 0
		return nil
	}
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	v, err := ParseMultiplier(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMultiplier accepts decimal notation with at most two fractional digits.
func ParseMultiplier(s string) (Multiplier, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid multiplier %q", s)
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, fmt.Errorf("multiplier %q has more than two decimal places", s)
	}
	if d.IsNegative() || d.GreaterThan(decimal.New(int64(MaxMultiplier), -2)) {
		return 0, fmt.Errorf("multiplier %q out of range", s)
	}
	return Multiplier(d.Shift(2).IntPart()), nil
}

type RoundStatus string

const (
	StatusPending RoundStatus = "PENDING"
	StatusBetting RoundStatus = "BETTING"
	StatusRunning RoundStatus = "RUNNING"
	StatusCrashed RoundStatus = "CRASHED"
)

// Round is owned by the scheduler goroutine and never shared.
type Round struct {
	ID              int64
	Status          RoundStatus
	ServerSeed      string // empty until revealed
	ServerSeedHash  string
	ClientSeed      string
	Nonce           int64
	CrashPoint      Multiplier // zero until RUNNING
	Void            bool
	BettingOpensAt  time.Time
	RunningStartsAt time.Time
	CrashedAt       time.Time
}

type BetStatus string

const (
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
	BetVoid      BetStatus = "VOID"
)

type Bet struct {
	ID            int64           `json:"id,string"`
	RoundID       int64           `json:"roundId"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt Multiplier      `json:"autoCashoutAt,omitempty"`
	ClientSeed    string          `json:"-"`
	Status        BetStatus       `json:"status"`
	CashedOutAt   Multiplier      `json:"cashedOutAt,omitempty"`
	Payout        decimal.Decimal `json:"payout"`
	PlacedAt      time.Time       `json:"placedAt"`
	SettledAt     time.Time       `json:"settledAt"`
}

// Ref is the reference the ledger keys this bet's movements by.
func (b *Bet) Ref() string {
	return strconv.FormatInt(b.ID, 10)
}

type BetRequest struct {
	UserID        string          `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt Multiplier      `json:"autoCashoutAt,omitempty"`
	ClientSeed    string          `json:"clientSeed,omitempty"`
}

type BetReceipt struct {
	BetID   int64 `json:"betId,string"`
	RoundID int64 `json:"roundId"`
}

type CashoutReceipt struct {
	BetID      int64           `json:"betId,string"`
	RoundID    int64           `json:"roundId"`
	Multiplier Multiplier      `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// RoundView is the public snapshot of the current round.
type RoundView struct {
	RoundID           int64       `json:"roundId"`
	Status            RoundStatus `json:"status"`
	ServerSeedHash    string      `json:"serverSeedHash"`
	Nonce             int64       `json:"nonce"`
	CurrentMultiplier Multiplier  `json:"currentMultiplier"`
	ElapsedMs         int64       `json:"elapsedMs"`
	BettingEndsAt     *time.Time  `json:"bettingEndsAt,omitempty"`
	ActiveBets        int         `json:"activeBets"`
	CrashPoint        Multiplier  `json:"crashPoint,omitempty"`
	ServerSeed        string      `json:"serverSeed,omitempty"`
	ClientSeed        string      `json:"clientSeed,omitempty"`
}

type RejectCode string

const (
	CodeBettingClosed      RejectCode = "betting_closed"
	CodeRoundNotRunning    RejectCode = "round_not_running"
	CodeInvalidStake       RejectCode = "invalid_stake"
	CodeInvalidAutoCashout RejectCode = "invalid_auto_cashout"
	CodeInvalidClientSeed  RejectCode = "invalid_client_seed"
	CodeDuplicateBet       RejectCode = "duplicate_bet"
	CodeInsufficientFunds  RejectCode = "insufficient_funds"
	CodeNoActiveBet        RejectCode = "no_active_bet"
	CodeAlreadyCashedOut   RejectCode = "already_cashed_out"
	CodeBusy               RejectCode = "busy"
	CodeTimeout            RejectCode = "timeout"
	CodeLedgerUnavailable  RejectCode = "ledger_unavailable"
	CodeUnavailable        RejectCode = "unavailable"
)

// Rejection is returned for every command the scheduler refuses. Two
// rejections match under errors.Is when their codes are equal.
type Rejection struct {
	Code   RejectCode
	Reason string
}

func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Reason
}

func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

func reject(code RejectCode, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrBettingClosed      = &Rejection{Code: CodeBettingClosed, Reason: "betting is closed"}
	ErrRoundNotRunning    = &Rejection{Code: CodeRoundNotRunning, Reason: "round is not running"}
	ErrInvalidStake       = &Rejection{Code: CodeInvalidStake, Reason: "invalid stake"}
	ErrInvalidAutoCashout = &Rejection{Code: CodeInvalidAutoCashout, Reason: "auto cashout must be at least 1.01"}
	ErrInvalidClientSeed  = &Rejection{Code: CodeInvalidClientSeed, Reason: "client seed must be at most 64 characters"}
	ErrDuplicateBet       = &Rejection{Code: CodeDuplicateBet, Reason: "already placed a bet this round"}
	ErrInsufficientFunds  = &Rejection{Code: CodeInsufficientFunds, Reason: "insufficient funds"}
	ErrNoActiveBet        = &Rejection{Code: CodeNoActiveBet, Reason: "no active bet this round"}
	ErrAlreadyCashedOut   = &Rejection{Code: CodeAlreadyCashedOut, Reason: "bet already cashed out"}
	ErrBusy               = &Rejection{Code: CodeBusy, Reason: "command queue full"}
	ErrTimeout            = &Rejection{Code: CodeTimeout, Reason: "command expired before it was processed"}
	ErrLedgerUnavailable  = &Rejection{Code: CodeLedgerUnavailable, Reason: "ledger unavailable"}
	ErrUnavailable        = &Rejection{Code: CodeUnavailable, Reason: "round scheduler stopped"}
)

// AsRejection unwraps err into a Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
