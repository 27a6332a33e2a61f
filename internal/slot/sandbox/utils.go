package sandbox

import (
	"math"
	"sort"
)

// fixedNowMillis is the instant utils.now() always reports:
// 2024-01-01T00:00:00Z as epoch milliseconds. Slots never see the wall
// clock, so a slot run twice with the same inputs returns the same result.
const fixedNowMillis = 1704067200000

// lcgSeed seeds the generator behind utils.random(). Every execution context
// starts from the same seed and therefore observes the same sequence.
const lcgSeed = 12345

// lcg is a 32-bit linear congruential generator (Numerical Recipes
// constants). Not statistically strong, but portable and fully reproducible,
// which is the point.
type lcg struct {
	state uint32
}

func newLCG() *lcg { return &lcg{state: lcgSeed} }

// next returns the next value in [0, 1).
func (g *lcg) next() float64 {
	g.state = g.state*1664525 + 1013904223
	return float64(g.state) / float64(1<<32)
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return Sum(values) / float64(len(values))
}

// Sum returns the total of the slice.
func Sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// Median returns the 0.5 quantile.
func Median(values []float64) float64 {
	return Quantile(values, 0.5)
}

// Stdev returns the population standard deviation, 0 for an empty slice.
func Stdev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// Quantile interpolates linearly between order statistics. q is clamped to
// [0, 1]. A single-element slice yields that element for any q; an empty
// slice yields 0, consistent with Mean and Stdev.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q = Clamp(q, 0, 1)
	pos := q * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// Log1p returns log(1+x) without catastrophic cancellation near zero.
func Log1p(x float64) float64 { return math.Log1p(x) }

// Exp returns e**x.
func Exp(x float64) float64 { return math.Exp(x) }

// jsRound implements JavaScript Math.round: floor(x + 0.5), which differs
// from Go's round-half-away-from-zero for negative halves.
func jsRound(x float64) float64 {
	return math.Floor(x + 0.5)
}

// jsMax and jsMin follow JavaScript: empty argument lists yield -Infinity
// and +Infinity respectively.
func jsMax(values ...float64) float64 {
	out := math.Inf(-1)
	for _, v := range values {
		out = math.Max(out, v)
	}
	return out
}

func jsMin(values ...float64) float64 {
	out := math.Inf(1)
	for _, v := range values {
		out = math.Min(out, v)
	}
	return out
}
