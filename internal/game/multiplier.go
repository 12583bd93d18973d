package game

import "math"

// DefaultGrowthRate gives 2.00x after about 11.5s and 10x after about 38s.
const DefaultGrowthRate = 0.00006

// Clock maps elapsed running time to the displayed multiplier:
// floor(100 * e^(rate * elapsedMs)) hundredths. It holds no state.
type Clock struct {
	rate float64
}

func NewClock(ratePerMs float64) Clock {
	if ratePerMs <= 0 {
		ratePerMs = DefaultGrowthRate
	}
	return Clock{rate: ratePerMs}
}

func (c Clock) At(elapsedMs int64) Multiplier {
	if elapsedMs <= 0 {
		return MinMultiplier
	}
	v := math.Floor(100 * math.Exp(c.rate*float64(elapsedMs)))
	if v >= float64(MaxMultiplier) {
		return MaxMultiplier
	}
	return Multiplier(v)
}

// ElapsedFor returns the first elapsed millisecond at which At reaches target.
func (c Clock) ElapsedFor(target Multiplier) int64 {
	if target <= MinMultiplier {
		return 0
	}
	if target > MaxMultiplier {
		target = MaxMultiplier
	}
	ms := int64(math.Log(float64(target)/100) / c.rate)
	for ms > 0 && c.At(ms-1) >= target {
		ms--
	}
	for c.At(ms) < target {
		ms++
	}
	return ms
}
