package timeindex

import (
	"math"
	"time"

	"xdao.co/glyph/fingerprint"
)

const (
	// Phi is the golden ratio.
	Phi = 1.6180339887498949

	// GoldenAngle is the per-insertion phase increment 2π(1 − 1/φ).
	GoldenAngle = 2 * math.Pi * (1 - 1/Phi)

	// DefaultGrowthPeriod is the default K in radius = Phi^(index/K).
	DefaultGrowthPeriod = 8.0
)

// TimePoint is one signal on a layer's spiral. Points returned by the index are
// values; mutating them does not affect the index.
type TimePoint struct {
	Layer      string
	Index      uint64
	Phase      float64
	Radius     float64
	Weight     float64
	Ref        fingerprint.Fingerprint
	InsertedAt time.Time

	// Provisional marks an extrapolated point that was never stored.
	Provisional bool
}

// RadiusAt returns the radius of the point at index for growth period k.
func RadiusAt(index uint64, k float64) float64 {
	return math.Pow(Phi, float64(index)/k)
}

// AdvancePhase returns phase advanced by steps golden-angle increments,
// reduced into [0, 2π). It runs in constant time; for large steps the result
// drifts from step-by-step accumulation by float rounding.
func AdvancePhase(phase float64, steps uint64) float64 {
	return wrap(phase + math.Mod(float64(steps)*GoldenAngle, 2*math.Pi))
}

func wrap(p float64) float64 {
	p = math.Mod(p, 2*math.Pi)
	if p < 0 {
		p += 2 * math.Pi
	}
	if p >= 2*math.Pi {
		p = 0
	}
	return p
}
