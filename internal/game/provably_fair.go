package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"sync"
)

const (
	DefaultHouseEdgeBps = 100 // 1%

	serverSeedBytes = 32
	clientSeedBytes = 16
)

var two64 = new(big.Int).Lsh(big.NewInt(1), 64)

// DeriveCrashPoint maps a seed triple to a crash multiplier. Anyone holding the
// revealed seeds can recompute it:
//
//	digest = HMAC-SHA256(key=serverSeed, msg=clientSeed + ":" + nonce)
//	r      = big-endian uint64 of digest[0:8]
//	crash  = floor((10000 - edgeBps) * 2^64 / ((2^64 - r) * 100)) hundredths
//
// clamped to [1.00, 1000000.00]. Integer arithmetic only, so every
// implementation agrees to the hundredth.
func DeriveCrashPoint(serverSeed, clientSeed string, nonce int64, houseEdgeBps int64) Multiplier {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(clientSeed + ":" + strconv.FormatInt(nonce, 10)))
	digest := mac.Sum(nil)

	r := new(big.Int).SetUint64(binary.BigEndian.Uint64(digest[:8]))
	num := new(big.Int).Mul(big.NewInt(10000-houseEdgeBps), two64)
	den := new(big.Int).Mul(new(big.Int).Sub(two64, r), big.NewInt(100))
	h := new(big.Int).Quo(num, den)

	if !h.IsInt64() || h.Int64() > int64(MaxMultiplier) {
		return MaxMultiplier
	}
	if h.Int64() < int64(MinMultiplier) {
		return MinMultiplier
	}
	return Multiplier(h.Int64())
}

// HashCommitment is the public commitment published before betting opens.
func HashCommitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// VerifyRound checks a revealed round against its commitment and outcome.
func VerifyRound(serverSeed, serverSeedHash, clientSeed string, nonce, houseEdgeBps int64, crashPoint Multiplier) bool {
	if serverSeedHash != "" && HashCommitment(serverSeed) != serverSeedHash {
		return false
	}
	return DeriveCrashPoint(serverSeed, clientSeed, nonce, houseEdgeBps) == crashPoint
}

// FinalizeClientSeed folds player-supplied entropy into the round's base seed.
// With no contributions the base seed is used as is.
func FinalizeClientSeed(base string, contributions []string) string {
	if len(contributions) == 0 {
		return base
	}
	h := sha256.New()
	h.Write([]byte(base))
	for _, c := range contributions {
		h.Write([]byte(":" + c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SeedSource is what the scheduler needs from the fairness generator.
type SeedSource interface {
	Commit(roundID int64) (string, error)
	NewClientSeed() (string, error)
	CrashPoint(roundID int64, clientSeed string, nonce int64) Multiplier
	Reveal(roundID int64, status RoundStatus) string
	HouseEdgeBps() int64
}

// Generator keeps committed server seeds until their round is revealed.
type Generator struct {
	mu           sync.Mutex
	rand         io.Reader
	houseEdgeBps int64
	seeds        map[int64]string
}

// NewGenerator uses crypto/rand when r is nil.
func NewGenerator(houseEdgeBps int64, r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{
		rand:         r,
		houseEdgeBps: houseEdgeBps,
		seeds:        make(map[int64]string),
	}
}

func (g *Generator) HouseEdgeBps() int64 {
	return g.houseEdgeBps
}

func (g *Generator) randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commit generates the round's secret seed and returns its hash.
func (g *Generator) Commit(roundID int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seeds[roundID]; ok {
		panic(fmt.Sprintf("provably fair: round %d committed twice", roundID))
	}
	seed, err := g.randomHex(serverSeedBytes)
	if err != nil {
		return "", err
	}
	g.seeds[roundID] = seed
	return HashCommitment(seed), nil
}

func (g *Generator) NewClientSeed() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.randomHex(clientSeedBytes)
}

// CrashPoint derives the outcome from the committed seed. Calling it for a
// round that was never committed is a programming error.
func (g *Generator) CrashPoint(roundID int64, clientSeed string, nonce int64) Multiplier {
	g.mu.Lock()
	seed, ok := g.seeds[roundID]
	g.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("provably fair: crash point requested for uncommitted round %d", roundID))
	}
	return DeriveCrashPoint(seed, clientSeed, nonce, g.houseEdgeBps)
}

// Reveal hands out the seed once the round has crashed and forgets it.
func (g *Generator) Reveal(roundID int64, status RoundStatus) string {
	if status != StatusCrashed {
		panic(fmt.Sprintf("provably fair: reveal of round %d in status %s", roundID, status))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	seed, ok := g.seeds[roundID]
	if !ok {
		panic(fmt.Sprintf("provably fair: reveal of uncommitted round %d", roundID))
	}
	delete(g.seeds, roundID)
	return seed
}
