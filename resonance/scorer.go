package resonance

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"xdao.co/glyph/fault"
)

// DefaultHalfLife is the default radius distance scale of Decay.
const DefaultHalfLife = 1.0

// Scorer computes bounded agreement scores. The zero value uses
// DefaultHalfLife.
type Scorer struct {
	HalfLife float64
}

// NewScorer returns a Scorer, rejecting a non-positive half-life.
func NewScorer(halfLife float64) (Scorer, error) {
	if !(halfLife > 0) || math.IsInf(halfLife, 0) {
		return Scorer{}, fmt.Errorf("resonance: half-life must be positive and finite, got %v", halfLife)
	}
	return Scorer{HalfLife: halfLife}, nil
}

func (s Scorer) halfLife() float64 {
	if s.HalfLife > 0 {
		return s.HalfLife
	}
	return DefaultHalfLife
}

// Decay weights a radius distance: 1 at zero, strictly decreasing.
func (s Scorer) Decay(dr float64) float64 {
	return math.Exp(-math.Abs(dr) / s.halfLife())
}

// Score returns the chord's resonance in [0, 1].
//
// Each unordered pair contributes w_i·w_j·cos(φ_i − φ_j)·Decay(|r_i − r_j|).
// The sum, which lies in [−C, C] for C pairs, is rescaled as (raw + C) / 2C.
// A single point scores 0; an empty chord or one with two points on a layer
// is an error.
func (s Scorer) Score(c Chord) (float64, error) {
	switch len(c) {
	case 0:
		return 0, fault.New(fault.EmptyChord, "GLYPH-RS-001", "cannot score an empty chord")
	case 1:
		return 0, nil
	}
	if err := c.CheckLayers(); err != nil {
		return 0, err
	}

	// Fixed summation order keeps the result independent of caller ordering.
	pts := c.Sorted()
	var raw float64
	pairs := 0
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			a, b := pts[i], pts[j]
			raw += a.Weight * b.Weight * math.Cos(a.Phase-b.Phase) * s.Decay(a.Radius-b.Radius)
			pairs++
		}
	}
	n := float64(pairs)
	score := (raw + n) / (2 * n)
	return math.Min(1, math.Max(0, score)), nil
}

// ScoreAll scores chords concurrently with at most parallelism workers
// (parallelism <= 0 means unbounded). Results are in input order; the first
// error cancels the remaining work.
func (s Scorer) ScoreAll(ctx context.Context, chords []Chord, parallelism int) ([]float64, error) {
	out := make([]float64, len(chords))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, c := range chords {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := s.Score(c)
			if err != nil {
				return fmt.Errorf("chord %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
