package game

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

// constReader yields the same byte forever, so seeds are predictable.
type constReader byte

func (c constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(c)
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestDeriveCrashPoint(t *testing.T) {
	tests := []struct {
		name       string
		serverSeed string
		clientSeed string
		nonce      int64
		edgeBps    int64
		want       Multiplier
	}{
		{"nonce 1", "s1", "c1", 1, 100, 100},
		{"nonce 2", "s1", "c1", 2, 100, 115},
		{"nonce 3", "s1", "c1", 3, 100, 265},
		{"nonce 4", "s1", "c1", 4, 100, 142},
		{"nonce 5", "s1", "c1", 5, 100, 225},
		{"no edge nonce 2", "s1", "c1", 2, 0, 117},
		{"no edge nonce 3", "s1", "c1", 3, 0, 267},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveCrashPoint(tt.serverSeed, tt.clientSeed, tt.nonce, tt.edgeBps)
			if got != tt.want {
				t.Errorf("DeriveCrashPoint() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriveCrashPoint_Bounds(t *testing.T) {
	for nonce := int64(1); nonce <= 2000; nonce++ {
		got := DeriveCrashPoint("bounds-seed", "bounds-client", nonce, DefaultHouseEdgeBps)
		if got < MinMultiplier || got > MaxMultiplier {
			t.Fatalf("nonce %d: crash point %v out of range", nonce, got)
		}
	}
}

func TestDeriveCrashPoint_Deterministic(t *testing.T) {
	a := DeriveCrashPoint("deterministic", "client", 42, DefaultHouseEdgeBps)
	b := DeriveCrashPoint("deterministic", "client", 42, DefaultHouseEdgeBps)
	if a != b {
		t.Errorf("DeriveCrashPoint() not deterministic: %v != %v", a, b)
	}
}

func TestHashCommitment(t *testing.T) {
	want := "e8bc163c82eee18733288c7d4ac636db3a6deb013ef2d37b68322be20edc45cc"
	if got := HashCommitment("s1"); got != want {
		t.Errorf("HashCommitment() = %v, want %v", got, want)
	}
}

func TestVerifyRound(t *testing.T) {
	hash := HashCommitment("s1")

	tests := []struct {
		name       string
		serverSeed string
		hash       string
		crashPoint Multiplier
		want       bool
	}{
		{"valid", "s1", hash, 265, true},
		{"valid without hash", "s1", "", 265, true},
		{"wrong crash point", "s1", hash, 266, false},
		{"wrong seed for commitment", "s2", hash, 265, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifyRound(tt.serverSeed, tt.hash, "c1", 3, DefaultHouseEdgeBps, tt.crashPoint)
			if got != tt.want {
				t.Errorf("VerifyRound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFinalizeClientSeed(t *testing.T) {
	if got := FinalizeClientSeed("abc", nil); got != "abc" {
		t.Errorf("FinalizeClientSeed() with no contributions = %v, want abc", got)
	}

	want := "7d8783e9575a834faef4c25fd8e1e92dcac4e36aea028bff151dc27f983eb2c4"
	if got := FinalizeClientSeed("abc", []string{"x", "y"}); got != want {
		t.Errorf("FinalizeClientSeed() = %v, want %v", got, want)
	}

	if FinalizeClientSeed("abc", []string{"x", "y"}) == FinalizeClientSeed("abc", []string{"y", "x"}) {
		t.Error("FinalizeClientSeed() should depend on contribution order")
	}
}

func TestGenerator_CommitReveal(t *testing.T) {
	g := NewGenerator(DefaultHouseEdgeBps, constReader(3))

	hash, err := g.Commit(1)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	wantSeed := hex.EncodeToString(bytes.Repeat([]byte{3}, serverSeedBytes))
	if hash != HashCommitment(wantSeed) {
		t.Errorf("Commit() hash = %v, want hash of %v", hash, wantSeed)
	}

	client, err := g.NewClientSeed()
	if err != nil {
		t.Fatalf("NewClientSeed() error = %v", err)
	}
	if len(client) != clientSeedBytes*2 {
		t.Errorf("NewClientSeed() length = %d, want %d", len(client), clientSeedBytes*2)
	}

	if got := g.CrashPoint(1, client, 1); got != 249 {
		t.Errorf("CrashPoint() = %v, want 2.49", got)
	}

	seed := g.Reveal(1, StatusCrashed)
	if seed != wantSeed {
		t.Errorf("Reveal() = %v, want %v", seed, wantSeed)
	}
	if !VerifyRound(seed, hash, client, 1, g.HouseEdgeBps(), 249) {
		t.Error("revealed round does not verify")
	}
}

func TestGenerator_RandomSeedsDiffer(t *testing.T) {
	g := NewGenerator(DefaultHouseEdgeBps, nil)
	h1, err := g.Commit(1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := g.Commit(2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("two rounds got the same commitment")
	}
}

func TestGenerator_EntropyFailure(t *testing.T) {
	g := NewGenerator(DefaultHouseEdgeBps, failingReader{})
	if _, err := g.Commit(1); err == nil {
		t.Error("Commit() expected error")
	}
	if _, err := g.NewClientSeed(); err == nil {
		t.Error("NewClientSeed() expected error")
	}
	// a failed commit leaves the round free to commit later
	g.rand = bytes.NewReader(bytes.Repeat([]byte{1}, serverSeedBytes))
	if _, err := g.Commit(1); err != nil {
		t.Errorf("Commit() after failure error = %v", err)
	}
}

func expectPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", contains)
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, contains) {
			t.Fatalf("panic = %v, want it to contain %q", r, contains)
		}
	}()
	fn()
}

func TestGenerator_Misuse(t *testing.T) {
	g := NewGenerator(DefaultHouseEdgeBps, constReader(1))
	if _, err := g.Commit(7); err != nil {
		t.Fatal(err)
	}

	expectPanic(t, "committed twice", func() { g.Commit(7) })
	expectPanic(t, "in status RUNNING", func() { g.Reveal(7, StatusRunning) })
	expectPanic(t, "uncommitted round 8", func() { g.CrashPoint(8, "c", 1) })

	g.Reveal(7, StatusCrashed)
	expectPanic(t, "reveal of uncommitted round 7", func() { g.Reveal(7, StatusCrashed) })
}
