package game

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"crashgame/internal/ledger"
	"crashgame/pkg/logger"
)

const (
	DefaultPendingDelay      = 2 * time.Second
	DefaultBettingDuration   = 5 * time.Second
	DefaultCountdownInterval = time.Second
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultCooldown          = 3 * time.Second
	DefaultCommandTimeout    = 2 * time.Second
	DefaultLedgerTimeout     = 2 * time.Second
	DefaultInboxSize         = 1024

	archiveTimeout = 5 * time.Second
	retryCommitIn  = time.Second
)

type Config struct {
	PendingDelay      time.Duration
	BettingDuration   time.Duration
	CountdownInterval time.Duration
	TickInterval      time.Duration
	Cooldown          time.Duration
	CommandTimeout    time.Duration // how long a command may wait in the inbox
	LedgerTimeout     time.Duration
	GrowthRate        float64
	Stakes            StakeLimits
	InboxSize         int
	ArchiveQueue      int
	NodeID            int64 // snowflake node for bet ids
}

func (c *Config) applyDefaults() {
	if c.PendingDelay <= 0 {
		c.PendingDelay = DefaultPendingDelay
	}
	if c.BettingDuration <= 0 {
		c.BettingDuration = DefaultBettingDuration
	}
	if c.CountdownInterval <= 0 {
		c.CountdownInterval = DefaultCountdownInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = DefaultLedgerTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.ArchiveQueue <= 0 {
		c.ArchiveQueue = 64
	}
	if c.NodeID <= 0 {
		c.NodeID = 1
	}
}

// RoundRecord is handed to archivers once a round is settled.
type RoundRecord struct {
	History         HistoryRecord
	BettingOpensAt  time.Time
	RunningStartsAt time.Time
	Bets            []Bet
}

// Archiver persists finished rounds. It runs off the scheduler goroutine.
type Archiver interface {
	ArchiveRound(ctx context.Context, rec RoundRecord) error
}

// FairnessReport describes a round whose revealed seed does not reproduce its outcome.
type FairnessReport struct {
	RoundID         int64
	ServerSeedHash  string
	RevealedSeed    string
	ClientSeed      string
	Nonce           int64
	CrashPoint      Multiplier
	Recomputed      Multiplier
	CommitmentValid bool
	VoidedBets      int
}

type Auditor interface {
	FairnessViolation(ctx context.Context, r FairnessReport)
}

// LogAuditor reports violations to the error log.
type LogAuditor struct{}

func (LogAuditor) FairnessViolation(ctx context.Context, r FairnessReport) {
	logger.Error(ctx).
		Str("incident", uuid.NewString()).
		Int64("round_id", r.RoundID).
		Str("crash_point", r.CrashPoint.String()).
		Str("recomputed", r.Recomputed.String()).
		Bool("commitment_valid", r.CommitmentValid).
		Int("voided_bets", r.VoidedBets).
		Msg("Fairness violation, round voided")
}

// Deps are the scheduler's collaborators. Fairness, Ledger and Publisher are required.
type Deps struct {
	Fairness  SeedSource
	Ledger    ledger.Gateway
	Publisher Publisher
	History   *History
	Archiver  Archiver
	Auditor   Auditor

	// where a restarted process continues numbering
	LastRoundID int64
	LastNonce   int64
}

type timerPhase int

const (
	phaseOpenBetting timerPhase = iota
	phaseCountdown
	phaseStartRunning
	phaseTick
	phaseNextRound
)

type timerFired struct {
	roundID int64
	phase   timerPhase
}

// retryCommit asks for another attempt at creating the next round.
type retryCommit struct{}

type placeBetCmd struct {
	ctx      context.Context
	req      BetRequest
	deadline time.Time
	reply    chan placeBetResult
}

type placeBetResult struct {
	receipt BetReceipt
	err     error
}

type cashOutCmd struct {
	ctx      context.Context
	userID   string
	deadline time.Time
	reply    chan cashOutResult
}

type cashOutResult struct {
	receipt CashoutReceipt
	err     error
}

// Scheduler drives rounds through PENDING, BETTING, RUNNING and CRASHED. All
// round state lives on one goroutine; commands and timer firings reach it
// through a single inbox and are handled strictly in arrival order.
type Scheduler struct {
	cfg       Config
	clock     Clock
	fair      SeedSource
	ledger    ledger.Gateway
	publisher Publisher
	history   *History
	archiver  Archiver
	auditor   Auditor
	ids       *snowflake.Node

	inbox    chan interface{}
	archiveq chan RoundRecord
	done     chan struct{}
	started  atomic.Bool
	view     atomic.Pointer[RoundView]
	now      func() time.Time

	// owned by the run goroutine
	ctx         context.Context
	round       *Round
	registry    *Registry
	lastRoundID int64
	nonce       int64
	ticks       int64
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	cfg.applyDefaults()
	if deps.Fairness == nil || deps.Ledger == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("scheduler: fairness, ledger and publisher are required")
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: snowflake node: %w", err)
	}
	if deps.History == nil {
		deps.History = NewHistory(DefaultHistorySize)
	}
	if deps.Auditor == nil {
		deps.Auditor = LogAuditor{}
	}

	s := &Scheduler{
		cfg:         cfg,
		clock:       NewClock(cfg.GrowthRate),
		fair:        deps.Fairness,
		ledger:      deps.Ledger,
		publisher:   deps.Publisher,
		history:     deps.History,
		archiver:    deps.Archiver,
		auditor:     deps.Auditor,
		ids:         node,
		inbox:       make(chan interface{}, cfg.InboxSize),
		archiveq:    make(chan RoundRecord, cfg.ArchiveQueue),
		done:        make(chan struct{}),
		now:         time.Now,
		lastRoundID: deps.LastRoundID,
		nonce:       deps.LastNonce,
	}
	s.view.Store(&RoundView{Status: StatusPending, CurrentMultiplier: MinMultiplier})
	return s, nil
}

// Current returns the latest published snapshot without touching the inbox.
func (s *Scheduler) Current() RoundView {
	return *s.view.Load()
}

func (s *Scheduler) Clock() Clock { return s.clock }

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// PlaceBet submits a bet for the round currently taking bets.
func (s *Scheduler) PlaceBet(ctx context.Context, req BetRequest) (BetReceipt, error) {
	reply := make(chan placeBetResult, 1)
	cmd := placeBetCmd{ctx: ctx, req: req, deadline: s.now().Add(s.cfg.CommandTimeout), reply: reply}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return BetReceipt{}, ErrUnavailable
	default:
		return BetReceipt{}, ErrBusy
	}

	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-s.done:
		return BetReceipt{}, ErrUnavailable
	}
}

// CashOut settles the caller's bet at the multiplier the scheduler observes
// when it handles the command.
func (s *Scheduler) CashOut(ctx context.Context, userID string) (CashoutReceipt, error) {
	reply := make(chan cashOutResult, 1)
	cmd := cashOutCmd{ctx: ctx, userID: userID, deadline: s.now().Add(s.cfg.CommandTimeout), reply: reply}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return CashoutReceipt{}, ErrUnavailable
	default:
		return CashoutReceipt{}, ErrBusy
	}

	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-s.done:
		return CashoutReceipt{}, ErrUnavailable
	}
}

// Run owns the round loop until ctx is cancelled. It may be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler: already running")
	}
	s.ctx = ctx

	var wg sync.WaitGroup
	if s.archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.archiveLoop(ctx)
		}()
	}
	defer func() {
		close(s.archiveq)
		wg.Wait()
		close(s.done)
	}()

	logger.Info(ctx).Int64("last_round_id", s.lastRoundID).Msg("Round scheduler started")
	s.nextRound()

	for {
		select {
		case <-ctx.Done():
			s.abort()
			logger.Info(s.ctx).Msg("Round scheduler stopped")
			return nil
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

// abort ends the in-flight round when the scheduler stops. Open bets are
// voided and the seed is revealed.
func (s *Scheduler) abort() {
	s.ctx = context.WithoutCancel(s.ctx)

	r := s.round
	if r == nil || r.Status == StatusCrashed || r.Status == StatusPending {
		return
	}
	if r.Status == StatusBetting {
		r.ClientSeed = FinalizeClientSeed(r.ClientSeed, s.registry.ClientSeeds())
		r.CrashPoint = s.fair.CrashPoint(r.ID, r.ClientSeed, r.Nonce)
	}

	voided := s.registry.Void(s.ctx)
	r.Status = StatusCrashed
	r.CrashedAt = s.now()
	r.ServerSeed = s.fair.Reveal(r.ID, r.Status)
	r.Void = true

	logger.Warn(s.ctx).
		Int64("round_id", r.ID).
		Int("voided_bets", len(voided)).
		Int("unsettled_bets", s.registry.ActiveCount()).
		Msg("Scheduler stopping, round voided")
	s.conclude()
}

func (s *Scheduler) handle(msg interface{}) {
	switch m := msg.(type) {
	case timerFired:
		s.onTimer(m)
	case retryCommit:
		if s.round == nil || s.round.Status == StatusCrashed {
			s.nextRound()
		}
	case betsQuery:
		if s.registry == nil {
			m.reply <- nil
			return
		}
		m.reply <- s.registry.Bets()
	case placeBetCmd:
		receipt, err := s.placeBet(m)
		m.reply <- placeBetResult{receipt: receipt, err: err}
	case cashOutCmd:
		receipt, err := s.cashOut(m)
		m.reply <- cashOutResult{receipt: receipt, err: err}
	}
}

// after posts a timer message into the inbox once d has elapsed.
func (s *Scheduler) after(d time.Duration, phase timerPhase) {
	msg := timerFired{roundID: s.round.ID, phase: phase}
	time.AfterFunc(d, func() {
		select {
		case s.inbox <- msg:
		case <-s.done:
		}
	})
}

func (s *Scheduler) onTimer(t timerFired) {
	if s.round == nil || t.roundID != s.round.ID {
		return
	}
	switch {
	case t.phase == phaseOpenBetting && s.round.Status == StatusPending:
		s.openBetting()
	case t.phase == phaseCountdown && s.round.Status == StatusBetting:
		s.countdown()
	case t.phase == phaseStartRunning && s.round.Status == StatusBetting:
		s.startRunning()
	case t.phase == phaseTick && s.round.Status == StatusRunning:
		s.tick()
	case t.phase == phaseNextRound && s.round.Status == StatusCrashed:
		s.nextRound()
	}
}

// nextRound creates the following round and commits its seed.
func (s *Scheduler) nextRound() {
	id := s.lastRoundID + 1

	// client seed first: a committed seed must never be committed again
	clientSeed, err := s.fair.NewClientSeed()
	var hash string
	if err == nil {
		hash, err = s.fair.Commit(id)
	}
	if err != nil {
		logger.Error(s.ctx).Err(err).Int64("round_id", id).Msg("Seed commit failed, retrying")
		time.AfterFunc(retryCommitIn, func() {
			select {
			case s.inbox <- retryCommit{}:
			case <-s.done:
			}
		})
		return
	}

	s.lastRoundID = id
	s.nonce++
	s.round = &Round{
		ID:             id,
		Status:         StatusPending,
		ServerSeedHash: hash,
		ClientSeed:     clientSeed,
		Nonce:          s.nonce,
	}
	s.registry = NewRegistry(id, s.ledger, s.cfg.Stakes, s.cfg.LedgerTimeout)
	s.ticks = 0

	logger.Info(s.ctx).Int64("round_id", id).Str("server_seed_hash", hash).Msg("Round committed")
	s.publisher.Publish(NewRoundStarting{NextRoundID: id, NextServerSeedHash: hash})
	s.storeView()
	s.after(s.cfg.PendingDelay, phaseOpenBetting)
}

func (s *Scheduler) openBetting() {
	s.round.Status = StatusBetting
	s.round.BettingOpensAt = s.now()

	s.publisher.Publish(Countdown{
		RoundID:        s.round.ID,
		RemainingMs:    s.cfg.BettingDuration.Milliseconds(),
		ServerSeedHash: s.round.ServerSeedHash,
	})
	s.storeView()

	s.after(s.cfg.BettingDuration, phaseStartRunning)
	if s.cfg.CountdownInterval < s.cfg.BettingDuration {
		s.after(s.cfg.CountdownInterval, phaseCountdown)
	}
}

func (s *Scheduler) countdown() {
	remaining := s.round.BettingOpensAt.Add(s.cfg.BettingDuration).Sub(s.now())
	if remaining <= 0 {
		return
	}
	s.publisher.Publish(Countdown{
		RoundID:        s.round.ID,
		RemainingMs:    remaining.Milliseconds(),
		ServerSeedHash: s.round.ServerSeedHash,
	})
	if remaining > s.cfg.CountdownInterval {
		s.after(s.cfg.CountdownInterval, phaseCountdown)
	}
}

func (s *Scheduler) startRunning() {
	s.round.ClientSeed = FinalizeClientSeed(s.round.ClientSeed, s.registry.ClientSeeds())
	s.round.CrashPoint = s.fair.CrashPoint(s.round.ID, s.round.ClientSeed, s.round.Nonce)
	s.round.Status = StatusRunning
	s.round.RunningStartsAt = s.now()

	logger.Info(s.ctx).
		Int64("round_id", s.round.ID).
		Int("bets", len(s.registry.bets)).
		Msg("Round running")

	s.publisher.Publish(RoundStart{RoundID: s.round.ID, StartedAt: s.round.RunningStartsAt.UnixMilli()})
	s.tick()
}

func (s *Scheduler) elapsedMs() int64 {
	return s.now().Sub(s.round.RunningStartsAt).Milliseconds()
}

func (s *Scheduler) tick() {
	elapsed := s.elapsedMs()
	m := s.clock.At(elapsed)
	if m >= s.round.CrashPoint {
		s.crash()
		return
	}

	s.autoCashOut(m)
	s.publisher.Publish(Tick{RoundID: s.round.ID, Multiplier: m, ElapsedMs: elapsed})
	s.storeViewRunning(m, elapsed)

	// schedule against the round start so ticks do not drift
	s.ticks++
	next := s.round.RunningStartsAt.Add(time.Duration(s.ticks) * s.cfg.TickInterval).Sub(s.now())
	if next < 0 {
		next = 0
	}
	s.after(next, phaseTick)
}

func (s *Scheduler) autoCashOut(reached Multiplier) {
	for _, bet := range s.registry.AutoCashOut(s.ctx, reached) {
		s.publisher.Publish(CashedOut{
			RoundID:    s.round.ID,
			BetID:      bet.ID,
			UserID:     bet.UserID,
			Multiplier: bet.CashedOutAt,
			Payout:     bet.Payout,
			Auto:       true,
		})
	}
}

func (s *Scheduler) crash() {
	r := s.round

	// targets strictly below the crash point were passed before the crash
	s.autoCashOut(r.CrashPoint - 1)

	r.Status = StatusCrashed
	r.CrashedAt = s.now()
	r.ServerSeed = s.fair.Reveal(r.ID, r.Status)

	commitmentValid := HashCommitment(r.ServerSeed) == r.ServerSeedHash
	recomputed := DeriveCrashPoint(r.ServerSeed, r.ClientSeed, r.Nonce, s.fair.HouseEdgeBps())
	if !commitmentValid || recomputed != r.CrashPoint {
		r.Void = true
		voided := s.registry.Void(s.ctx)
		s.auditor.FairnessViolation(s.ctx, FairnessReport{
			RoundID:         r.ID,
			ServerSeedHash:  r.ServerSeedHash,
			RevealedSeed:    r.ServerSeed,
			ClientSeed:      r.ClientSeed,
			Nonce:           r.Nonce,
			CrashPoint:      r.CrashPoint,
			Recomputed:      recomputed,
			CommitmentValid: commitmentValid,
			VoidedBets:      len(voided),
		})
	} else {
		s.registry.SettleLosses(s.ctx)
	}

	s.conclude()
	s.after(s.cfg.Cooldown, phaseNextRound)
}

// conclude records a finished round and announces it.
func (s *Scheduler) conclude() {
	r := s.round
	rec := HistoryRecord{
		RoundID:        r.ID,
		CrashPoint:     r.CrashPoint,
		ServerSeed:     r.ServerSeed,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		Void:           r.Void,
		CrashedAt:      r.CrashedAt,
	}
	s.history.Append(rec)
	s.enqueueArchive(RoundRecord{
		History:         rec,
		BettingOpensAt:  r.BettingOpensAt,
		RunningStartsAt: r.RunningStartsAt,
		Bets:            s.registry.Bets(),
	})

	logger.Info(s.ctx).
		Int64("round_id", r.ID).
		Str("crash_point", r.CrashPoint.String()).
		Bool("void", r.Void).
		Msg("Round crashed")

	s.publisher.Publish(Crash{
		RoundID:        r.ID,
		CrashPoint:     r.CrashPoint,
		ServerSeed:     r.ServerSeed,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		Void:           r.Void,
	})
	s.storeView()
}

func (s *Scheduler) placeBet(cmd placeBetCmd) (BetReceipt, error) {
	if s.now().After(cmd.deadline) {
		return BetReceipt{}, ErrTimeout
	}
	if s.round == nil || s.round.Status != StatusBetting {
		return BetReceipt{}, ErrBettingClosed
	}

	bet, err := s.registry.Place(s.commandCtx(cmd.ctx), cmd.req, s.ids.Generate().Int64())
	if err != nil {
		logger.Debug(cmd.ctx).Err(err).Str("user_id", cmd.req.UserID).Int64("round_id", s.round.ID).Msg("Bet rejected")
		return BetReceipt{}, err
	}

	s.publisher.Publish(BetPlaced{
		RoundID:       bet.RoundID,
		BetID:         bet.ID,
		UserID:        bet.UserID,
		Amount:        bet.Amount,
		AutoCashoutAt: bet.AutoCashoutAt,
	})
	s.storeView()
	return BetReceipt{BetID: bet.ID, RoundID: bet.RoundID}, nil
}

func (s *Scheduler) cashOut(cmd cashOutCmd) (CashoutReceipt, error) {
	if s.now().After(cmd.deadline) {
		return CashoutReceipt{}, ErrTimeout
	}
	if s.round == nil || s.round.Status != StatusRunning {
		return CashoutReceipt{}, ErrRoundNotRunning
	}

	m := s.clock.At(s.elapsedMs())
	if m >= s.round.CrashPoint {
		// the round is over even though its tick has not fired yet
		s.crash()
		return CashoutReceipt{}, ErrRoundNotRunning
	}

	// a target already passed wins at the target, not at the later manual price
	s.autoCashOut(m)

	bet, err := s.registry.CashOut(s.commandCtx(cmd.ctx), cmd.userID, m)
	if err != nil {
		return CashoutReceipt{}, err
	}

	s.publisher.Publish(CashedOut{
		RoundID:    bet.RoundID,
		BetID:      bet.ID,
		UserID:     bet.UserID,
		Multiplier: bet.CashedOutAt,
		Payout:     bet.Payout,
	})
	s.storeView()
	return CashoutReceipt{BetID: bet.ID, RoundID: bet.RoundID, Multiplier: bet.CashedOutAt, Payout: bet.Payout}, nil
}

// commandCtx keeps the request's logger but not its cancellation: once the
// scheduler acts on a command the ledger call must not be abandoned halfway.
func (s *Scheduler) commandCtx(reqCtx context.Context) context.Context {
	if id := logger.GetRequestID(reqCtx); id != "" {
		return logger.WithRequestID(s.ctx, id)
	}
	return s.ctx
}

func (s *Scheduler) storeView() {
	r := s.round
	v := &RoundView{
		RoundID:           r.ID,
		Status:            r.Status,
		ServerSeedHash:    r.ServerSeedHash,
		Nonce:             r.Nonce,
		CurrentMultiplier: MinMultiplier,
		ActiveBets:        s.registry.ActiveCount(),
	}
	switch r.Status {
	case StatusBetting:
		ends := r.BettingOpensAt.Add(s.cfg.BettingDuration)
		v.BettingEndsAt = &ends
	case StatusRunning:
		prev := s.view.Load()
		v.CurrentMultiplier, v.ElapsedMs = prev.CurrentMultiplier, prev.ElapsedMs
	case StatusCrashed:
		v.CurrentMultiplier = r.CrashPoint
		v.ElapsedMs = r.CrashedAt.Sub(r.RunningStartsAt).Milliseconds()
		v.CrashPoint = r.CrashPoint
		v.ServerSeed = r.ServerSeed
		v.ClientSeed = r.ClientSeed
	}
	s.view.Store(v)
}

func (s *Scheduler) storeViewRunning(m Multiplier, elapsed int64) {
	r := s.round
	s.view.Store(&RoundView{
		RoundID:           r.ID,
		Status:            r.Status,
		ServerSeedHash:    r.ServerSeedHash,
		Nonce:             r.Nonce,
		CurrentMultiplier: m,
		ElapsedMs:         elapsed,
		ActiveBets:        s.registry.ActiveCount(),
	})
}

func (s *Scheduler) enqueueArchive(rec RoundRecord) {
	if s.archiver == nil {
		return
	}
	select {
	case s.archiveq <- rec:
	default:
		logger.Warn(s.ctx).Int64("round_id", rec.History.RoundID).Msg("Archive queue full, round not archived")
	}
}

// archiveLoop drains the queue until Run closes it, so rounds settled during
// shutdown are still written.
func (s *Scheduler) archiveLoop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for rec := range s.archiveq {
		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		if err := s.archiver.ArchiveRound(actx, rec); err != nil {
			logger.Error(ctx).Err(err).Int64("round_id", rec.History.RoundID).Msg("Archive round failed")
		}
		cancel()
	}
}

// Bets reports the bets of the current round. Test and admin use only: it
// goes through the inbox like any command.
func (s *Scheduler) Bets(ctx context.Context) ([]Bet, error) {
	reply := make(chan []Bet, 1)
	select {
	case s.inbox <- betsQuery{reply: reply}:
	case <-s.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case bets := <-reply:
		return bets, nil
	case <-s.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type betsQuery struct {
	reply chan []Bet
}
