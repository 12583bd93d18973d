package game

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/ledger"
)

// recorder keeps every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range r.snapshot() {
			if match(e) {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return nil
}

func (r *recorder) indexOf(match func(Event) bool) int {
	for i, e := range r.snapshot() {
		if match(e) {
			return i
		}
	}
	return -1
}

func bettingOpen(roundID int64) func(Event) bool {
	return func(e Event) bool {
		c, ok := e.(Countdown)
		return ok && c.RoundID == roundID
	}
}

func crashed(roundID int64) func(Event) bool {
	return func(e Event) bool {
		c, ok := e.(Crash)
		return ok && c.RoundID == roundID
	}
}

type archiveSink struct {
	records chan RoundRecord
}

func (a *archiveSink) ArchiveRound(_ context.Context, rec RoundRecord) error {
	a.records <- rec
	return nil
}

func (a *archiveSink) wait(t *testing.T, roundID int64) RoundRecord {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec := <-a.records:
			if rec.History.RoundID == roundID {
				return rec
			}
		case <-timeout:
			t.Fatalf("round %d was not archived", roundID)
		}
	}
}

type auditRecorder struct {
	mu      sync.Mutex
	reports []FairnessReport
}

func (a *auditRecorder) FairnessViolation(_ context.Context, r FairnessReport) {
	a.mu.Lock()
	a.reports = append(a.reports, r)
	a.mu.Unlock()
}

// tamperedSource reveals a seed other than the one it committed.
type tamperedSource struct {
	*Generator
}

func (s tamperedSource) Reveal(roundID int64, status RoundStatus) string {
	s.Generator.Reveal(roundID, status)
	return "not-the-committed-seed"
}

type harness struct {
	s       *Scheduler
	events  *recorder
	ledger  *ledger.Memory
	archive *archiveSink
	history *History
	cancel  context.CancelFunc
}

func testConfig() Config {
	return Config{
		PendingDelay:      5 * time.Millisecond,
		BettingDuration:   100 * time.Millisecond,
		CountdownInterval: 25 * time.Millisecond,
		TickInterval:      5 * time.Millisecond,
		Cooldown:          50 * time.Millisecond,
		CommandTimeout:    time.Second,
		LedgerTimeout:     time.Second,
		GrowthRate:        0.005,
		Stakes:            StakeLimits{Min: dec("1"), Max: dec("1000")},
		InboxSize:         64,
	}
}

// fakeClock is wall time shifted by an adjustable offset.
type fakeClock struct {
	offset atomic.Int64
}

func (c *fakeClock) now() time.Time         { return time.Now().Add(time.Duration(c.offset.Load())) }
func (c *fakeClock) advance(d time.Duration) { c.offset.Add(int64(d)) }

func newHarness(t *testing.T, cfg Config, seedByte byte, tweak func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		events:  &recorder{},
		ledger:  ledger.NewMemory(),
		archive: &archiveSink{records: make(chan RoundRecord, 64)},
		history: NewHistory(DefaultHistorySize),
	}
	deps := Deps{
		Fairness:  NewGenerator(DefaultHouseEdgeBps, constReader(seedByte)),
		Ledger:    h.ledger,
		Publisher: h.events,
		History:   h.history,
		Archiver:  h.archive,
	}
	if tweak != nil {
		tweak(&deps)
	}
	s, err := NewScheduler(cfg, deps)
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) start(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.s.Done()
}

func startScheduler(t *testing.T, seedByte byte, tweak func(*Deps)) *harness {
	t.Helper()
	return newHarness(t, testConfig(), seedByte, tweak).start(t)
}

func roundStarted(roundID int64) func(Event) bool {
	return func(e Event) bool {
		rs, ok := e.(RoundStart)
		return ok && rs.RoundID == roundID
	}
}

func TestNewScheduler_RequiresDeps(t *testing.T) {
	_, err := NewScheduler(Config{}, Deps{})
	assert.Error(t, err)
}

func TestScheduler_AutoCashoutWins(t *testing.T) {
	h := startScheduler(t, 3, nil) // round 1 crashes at 2.49
	fund(t, h.ledger, "u1", "100")
	fund(t, h.ledger, "u2", "100")

	h.events.waitFor(t, bettingOpen(1))
	assert.Equal(t, StatusBetting, h.s.Current().Status)
	assert.NotNil(t, h.s.Current().BettingEndsAt)

	receipt, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10"), AutoCashoutAt: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.RoundID)
	assert.NotZero(t, receipt.BetID)

	_, err = h.s.PlaceBet(context.Background(), BetRequest{UserID: "u2", Amount: dec("10")})
	require.NoError(t, err)

	_, err = h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("5")})
	assert.ErrorIs(t, err, ErrDuplicateBet)

	ev := h.events.waitFor(t, crashed(1)).(Crash)
	assert.Equal(t, Multiplier(249), ev.CrashPoint)
	assert.False(t, ev.Void)
	assert.True(t, VerifyRound(ev.ServerSeed, ev.ServerSeedHash, ev.ClientSeed, ev.Nonce, DefaultHouseEdgeBps, ev.CrashPoint))

	rec := h.archive.wait(t, 1)
	require.Len(t, rec.Bets, 2)
	assert.Equal(t, BetCashedOut, rec.Bets[0].Status)
	assert.Equal(t, Multiplier(200), rec.Bets[0].CashedOutAt)
	assert.True(t, rec.Bets[0].Payout.Equal(dec("20")))
	assert.Equal(t, BetLost, rec.Bets[1].Status)

	assertBalance(t, h.ledger, "u1", "110", "0")
	assertBalance(t, h.ledger, "u2", "90", "0")

	cashedAt := h.events.indexOf(func(e Event) bool {
		c, ok := e.(CashedOut)
		return ok && c.UserID == "u1" && c.Auto
	})
	crashAt := h.events.indexOf(crashed(1))
	assert.True(t, cashedAt >= 0 && cashedAt < crashAt, "auto cashout must be published before the crash")

	hist, ok := h.history.Get(1)
	require.True(t, ok)
	assert.Equal(t, Multiplier(249), hist.CrashPoint)
}

func TestScheduler_AutoCashoutAtCrashPointLoses(t *testing.T) {
	h := startScheduler(t, 74, nil) // round 1 crashes at exactly 2.00
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10"), AutoCashoutAt: 200})
	require.NoError(t, err)

	ev := h.events.waitFor(t, crashed(1)).(Crash)
	assert.Equal(t, Multiplier(200), ev.CrashPoint)

	rec := h.archive.wait(t, 1)
	require.Len(t, rec.Bets, 1)
	assert.Equal(t, BetLost, rec.Bets[0].Status)
	assertBalance(t, h.ledger, "u1", "90", "0")
}

func TestScheduler_ManualCashout(t *testing.T) {
	h := startScheduler(t, 3, nil)
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRoundNotRunning)

	_, err = h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10")})
	require.NoError(t, err)

	h.events.waitFor(t, func(e Event) bool {
		tk, ok := e.(Tick)
		return ok && tk.RoundID == 1 && tk.Multiplier >= 120
	})
	assert.Equal(t, StatusRunning, h.s.Current().Status)

	_, err = h.s.PlaceBet(context.Background(), BetRequest{UserID: "late", Amount: dec("10")})
	assert.ErrorIs(t, err, ErrBettingClosed)

	receipt, err := h.s.CashOut(context.Background(), "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(receipt.Multiplier), int64(120))
	assert.Less(t, int64(receipt.Multiplier), int64(249))
	assert.True(t, receipt.Payout.Equal(receipt.Multiplier.Apply(dec("10"))))

	_, err = h.s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrAlreadyCashedOut)

	h.events.waitFor(t, crashed(1))
	assertBalance(t, h.ledger, "u1", dec("90").Add(receipt.Payout).String(), "0")
}

func TestScheduler_Loss(t *testing.T) {
	h := startScheduler(t, 1, nil) // round 1 crashes at 1.39
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10"), AutoCashoutAt: 150})
	require.NoError(t, err)

	ev := h.events.waitFor(t, crashed(1)).(Crash)
	assert.Equal(t, Multiplier(139), ev.CrashPoint)

	_, err = h.s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRoundNotRunning)

	h.archive.wait(t, 1)
	assertBalance(t, h.ledger, "u1", "90", "0")
	kinds := entryKinds(h.ledger, "u1")
	assert.Equal(t, []ledger.Kind{ledger.KindDeposit, ledger.KindReserve, ledger.KindRelease}, kinds)
}

func TestScheduler_ClientSeedContribution(t *testing.T) {
	h := startScheduler(t, 3, nil)
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("1"), ClientSeed: "lucky"})
	require.NoError(t, err)

	ev := h.events.waitFor(t, crashed(1)).(Crash)
	base := "03030303030303030303030303030303"
	assert.Equal(t, FinalizeClientSeed(base, []string{"lucky"}), ev.ClientSeed)
	assert.Equal(t, Multiplier(300), ev.CrashPoint)
}

func TestScheduler_RoundsContinue(t *testing.T) {
	h := startScheduler(t, 1, nil)

	first := h.events.waitFor(t, crashed(1)).(Crash)
	next := h.events.waitFor(t, func(e Event) bool {
		n, ok := e.(NewRoundStarting)
		return ok && n.NextRoundID == 2
	}).(NewRoundStarting)
	assert.Equal(t, first.ServerSeedHash, next.NextServerSeedHash, "constant entropy yields the same seed")

	second := h.events.waitFor(t, crashed(2)).(Crash)
	assert.Equal(t, int64(2), second.Nonce)
	assert.Equal(t, Multiplier(111), second.CrashPoint)

	// every round publishes its lifecycle in order
	var types []EventType
	for _, e := range h.events.snapshot() {
		switch e.(type) {
		case NewRoundStarting, RoundStart, Crash:
			types = append(types, e.Type())
		}
	}
	require.GreaterOrEqual(t, len(types), 6)
	assert.Equal(t, []EventType{
		EventNewRoundStarting, EventRoundStart, EventCrash,
		EventNewRoundStarting, EventRoundStart, EventCrash,
	}, types[:6])

	assert.Equal(t, []int64{2, 1}, roundIDs(h.history.Recent(2)))
}

func TestScheduler_CountdownRepeatsCommitment(t *testing.T) {
	h := startScheduler(t, 1, nil)
	start := h.events.waitFor(t, func(e Event) bool {
		n, ok := e.(NewRoundStarting)
		return ok && n.NextRoundID == 1
	}).(NewRoundStarting)
	h.events.waitFor(t, crashed(1))

	var countdowns []Countdown
	for _, e := range h.events.snapshot() {
		if c, ok := e.(Countdown); ok && c.RoundID == 1 {
			countdowns = append(countdowns, c)
		}
	}
	require.GreaterOrEqual(t, len(countdowns), 2)
	for i, c := range countdowns {
		assert.Equal(t, start.NextServerSeedHash, c.ServerSeedHash)
		if i > 0 {
			assert.Less(t, c.RemainingMs, countdowns[i-1].RemainingMs)
		}
	}
}

func TestScheduler_FairnessViolationVoids(t *testing.T) {
	audit := &auditRecorder{}
	h := startScheduler(t, 3, func(d *Deps) {
		d.Fairness = tamperedSource{NewGenerator(DefaultHouseEdgeBps, constReader(3))}
		d.Auditor = audit
	})
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10")})
	require.NoError(t, err)

	ev := h.events.waitFor(t, crashed(1)).(Crash)
	assert.True(t, ev.Void)

	rec := h.archive.wait(t, 1)
	assert.True(t, rec.History.Void)
	require.Len(t, rec.Bets, 1)
	assert.Equal(t, BetVoid, rec.Bets[0].Status)
	assertBalance(t, h.ledger, "u1", "100", "0")

	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.reports, 1)
	assert.False(t, audit.reports[0].CommitmentValid)
	assert.Equal(t, 1, audit.reports[0].VoidedBets)
}

func TestScheduler_InsufficientFunds(t *testing.T) {
	h := startScheduler(t, 3, nil)
	fund(t, h.ledger, "u1", "5")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("0.001")})
	assert.ErrorIs(t, err, ErrInvalidStake)
}

func TestScheduler_Busy(t *testing.T) {
	cfg := testConfig()
	cfg.InboxSize = 1
	s, err := NewScheduler(cfg, Deps{
		Fairness:  NewGenerator(DefaultHouseEdgeBps, constReader(1)),
		Ledger:    ledger.NewMemory(),
		Publisher: &recorder{},
	})
	require.NoError(t, err)

	s.inbox <- timerFired{}
	_, err = s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestScheduler_ExpiredCommand(t *testing.T) {
	s, err := NewScheduler(testConfig(), Deps{
		Fairness:  NewGenerator(DefaultHouseEdgeBps, constReader(1)),
		Ledger:    ledger.NewMemory(),
		Publisher: &recorder{},
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Millisecond)
	_, err = s.placeBet(placeBetCmd{ctx: context.Background(), deadline: past})
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = s.cashOut(cashOutCmd{ctx: context.Background(), deadline: past})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestScheduler_StaleTimersIgnored(t *testing.T) {
	s, err := NewScheduler(testConfig(), Deps{
		Fairness:  NewGenerator(DefaultHouseEdgeBps, constReader(1)),
		Ledger:    ledger.NewMemory(),
		Publisher: &recorder{},
	})
	require.NoError(t, err)
	s.ctx = context.Background()
	defer close(s.done)

	s.nextRound()
	require.Equal(t, StatusPending, s.round.Status)

	s.onTimer(timerFired{roundID: s.round.ID, phase: phaseStartRunning})
	s.onTimer(timerFired{roundID: s.round.ID, phase: phaseTick})
	s.onTimer(timerFired{roundID: s.round.ID + 1, phase: phaseOpenBetting})
	assert.Equal(t, StatusPending, s.round.Status)

	s.onTimer(timerFired{roundID: s.round.ID, phase: phaseOpenBetting})
	assert.Equal(t, StatusBetting, s.round.Status)
	s.onTimer(timerFired{roundID: s.round.ID, phase: phaseOpenBetting})
	assert.Equal(t, StatusBetting, s.round.Status)
}

func TestScheduler_StoppedRejects(t *testing.T) {
	h := startScheduler(t, 1, nil)
	h.events.waitFor(t, bettingOpen(1))
	h.stop()

	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = h.s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Error(t, h.s.Run(context.Background()), "Run may only be called once")
}

func TestScheduler_Resume(t *testing.T) {
	h := startScheduler(t, 1, func(d *Deps) {
		d.LastRoundID = 41
		d.LastNonce = 41
	})
	start := h.events.waitFor(t, func(e Event) bool {
		_, ok := e.(NewRoundStarting)
		return ok
	}).(NewRoundStarting)
	assert.Equal(t, int64(42), start.NextRoundID)

	ev := h.events.waitFor(t, crashed(42)).(Crash)
	assert.Equal(t, int64(42), ev.Nonce)
}

func TestScheduler_CashoutPastCrashPointCrashesFirst(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour // only the tick at elapsed 0 fires
	clock := &fakeClock{}
	h := newHarness(t, cfg, 3, nil) // round 1 crashes at 2.49
	h.s.now = clock.now
	h.start(t)
	fund(t, h.ledger, "u1", "100")

	h.events.waitFor(t, bettingOpen(1))
	_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10")})
	require.NoError(t, err)
	h.events.waitFor(t, roundStarted(1))

	// the live multiplier passes 2.49 long before the next tick is due
	clock.advance(time.Second)
	_, err = h.s.CashOut(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRoundNotRunning)

	crashAt := h.events.indexOf(crashed(1))
	require.GreaterOrEqual(t, crashAt, 0, "crash must be published before the cashout is answered")
	assert.Equal(t, Multiplier(249), h.events.snapshot()[crashAt].(Crash).CrashPoint)
	assert.Equal(t, -1, h.events.indexOf(func(e Event) bool {
		_, ok := e.(CashedOut)
		return ok
	}))

	rec := h.archive.wait(t, 1)
	require.Len(t, rec.Bets, 1)
	assert.Equal(t, BetLost, rec.Bets[0].Status)
	assertBalance(t, h.ledger, "u1", "90", "0")
	assert.Equal(t, []ledger.Kind{ledger.KindDeposit, ledger.KindReserve, ledger.KindRelease}, entryKinds(h.ledger, "u1"))
}

func TestScheduler_StopVoidsOpenRound(t *testing.T) {
	tests := []struct {
		name   string
		tweak  func(*Config)
		stopAt func(Event) bool
	}{
		{"while betting", func(c *Config) { c.BettingDuration = time.Hour }, bettingOpen(1)},
		{"while running", func(c *Config) { c.TickInterval = time.Hour }, roundStarted(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.tweak(&cfg)
			h := newHarness(t, cfg, 3, nil).start(t)
			fund(t, h.ledger, "u1", "100")

			h.events.waitFor(t, bettingOpen(1))
			_, err := h.s.PlaceBet(context.Background(), BetRequest{UserID: "u1", Amount: dec("10"), AutoCashoutAt: 500})
			require.NoError(t, err)
			h.events.waitFor(t, tt.stopAt)

			h.stop()

			assertBalance(t, h.ledger, "u1", "100", "0")
			assert.Equal(t, []ledger.Kind{ledger.KindDeposit, ledger.KindReserve, ledger.KindCredit}, entryKinds(h.ledger, "u1"))

			ev := h.events.waitFor(t, crashed(1)).(Crash)
			assert.True(t, ev.Void)
			assert.True(t, VerifyRound(ev.ServerSeed, ev.ServerSeedHash, ev.ClientSeed, ev.Nonce, DefaultHouseEdgeBps, ev.CrashPoint))

			rec := h.archive.wait(t, 1)
			assert.True(t, rec.History.Void)
			require.Len(t, rec.Bets, 1)
			assert.Equal(t, BetVoid, rec.Bets[0].Status)

			hist, ok := h.history.Get(1)
			require.True(t, ok)
			assert.True(t, hist.Void)
		})
	}
}
