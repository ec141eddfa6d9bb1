// Package resonance scores how strongly a chord of time points reinforce each
// other.
package resonance

import (
	"fmt"
	"sort"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/timeindex"
)

// Chord is a caller-assembled set of time points, at most one per layer.
// Chords are never persisted.
type Chord []timeindex.TimePoint

// NewChord builds a chord, rejecting two points from the same layer.
func NewChord(points ...timeindex.TimePoint) (Chord, error) {
	c := make(Chord, len(points))
	copy(c, points)
	if err := c.CheckLayers(); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckLayers reports a DuplicateLayer error if two points share a layer.
func (c Chord) CheckLayers() error {
	seen := make(map[string]struct{}, len(c))
	for _, p := range c {
		if _, dup := seen[p.Layer]; dup {
			return fault.New(fault.DuplicateLayer, "GLYPH-RS-002", fmt.Sprintf("chord has more than one point on layer %q", p.Layer))
		}
		seen[p.Layer] = struct{}{}
	}
	return nil
}

// Sorted returns a copy ordered by (layer, index).
func (c Chord) Sorted() Chord {
	out := make(Chord, len(c))
	copy(out, c)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// MaxRadius returns the largest radius in the chord, or 0 when empty.
func (c Chord) MaxRadius() float64 {
	var r float64
	for _, p := range c {
		if p.Radius > r {
			r = p.Radius
		}
	}
	return r
}
