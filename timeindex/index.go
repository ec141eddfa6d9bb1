package timeindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
)

// Log persists points before they become visible. Append is called with the
// layer lock held; an error aborts the insert.
type Log interface {
	Append(ctx context.Context, p TimePoint) error
}

// Option configures an Index.
type Option func(*Index)

// WithGrowthPeriod sets K in radius = Phi^(index/K). Non-positive values are
// ignored.
func WithGrowthPeriod(k float64) Option {
	return func(ix *Index) {
		if k > 0 && !math.IsInf(k, 0) {
			ix.k = k
		}
	}
}

// WithLog makes every insert durable through l.
func WithLog(l Log) Option {
	return func(ix *Index) { ix.log = l }
}

// WithClock overrides the InsertedAt clock.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) {
		if now != nil {
			ix.now = now
		}
	}
}

// Index owns every spiral.
type Index struct {
	k   float64
	log Log
	now func() time.Time

	mu     sync.RWMutex
	layers map[string]*spiral
}

type spiral struct {
	// writeMu serializes appends (including the durable log write);
	// mu guards points for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	points  []TimePoint
}

// New returns an empty index.
func New(opts ...Option) *Index {
	ix := &Index{
		k:      DefaultGrowthPeriod,
		now:    time.Now,
		layers: map[string]*spiral{},
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// GrowthPeriod returns K.
func (ix *Index) GrowthPeriod() float64 { return ix.k }

func (ix *Index) layer(id string, create bool) *spiral {
	ix.mu.RLock()
	s := ix.layers[id]
	ix.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s = ix.layers[id]; s == nil {
		s = &spiral{}
		ix.layers[id] = s
	}
	return s
}

// Insert appends a point to layer. weight must lie in [0, 1].
func (ix *Index) Insert(ctx context.Context, layer string, weight float64, ref fingerprint.Fingerprint) (TimePoint, error) {
	if layer == "" {
		return TimePoint{}, fault.New(fault.InvalidLayer, "GLYPH-TI-001", "layer id is required")
	}
	if math.IsNaN(weight) || weight < 0 || weight > 1 {
		return TimePoint{}, fault.New(fault.InvalidWeight, "GLYPH-TI-002", fmt.Sprintf("weight %v outside [0,1]", weight))
	}
	if err := ctx.Err(); err != nil {
		return TimePoint{}, err
	}

	s := ix.layer(layer, true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	n := len(s.points)
	var prev TimePoint
	if n > 0 {
		prev = s.points[n-1]
	}
	s.mu.RUnlock()

	p := TimePoint{
		Layer:      layer,
		Index:      uint64(n),
		Weight:     weight,
		Ref:        ref,
		InsertedAt: ix.now().UTC(),
	}
	if n > 0 {
		p.Phase = wrap(prev.Phase + GoldenAngle)
	}
	p.Radius = RadiusAt(p.Index, ix.k)
	if math.IsInf(p.Radius, 0) || math.IsNaN(p.Radius) {
		return TimePoint{}, fault.New(fault.DuplicateOrOutOfOrderIndex, "GLYPH-TI-007",
			fmt.Sprintf("layer %q: radius at index %d overflows with growth period %v", layer, p.Index, ix.k))
	}
	if n > 0 && p.Radius <= prev.Radius {
		return TimePoint{}, fault.New(fault.DuplicateOrOutOfOrderIndex, "GLYPH-TI-004",
			fmt.Sprintf("layer %q: radius %v does not exceed %v", layer, p.Radius, prev.Radius))
	}

	if ix.log != nil {
		if err := ix.log.Append(ctx, p); err != nil {
			return TimePoint{}, fmt.Errorf("timeindex: append log: %w", err)
		}
	}

	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
	return p, nil
}

// Restore replays a previously persisted point. Its index must equal the
// current layer length; the stored phase and radius are kept as written.
func (ix *Index) Restore(p TimePoint) error {
	if p.Layer == "" {
		return fault.New(fault.InvalidLayer, "GLYPH-TI-001", "layer id is required")
	}
	if math.IsNaN(p.Weight) || p.Weight < 0 || p.Weight > 1 {
		return fault.New(fault.InvalidWeight, "GLYPH-TI-002", fmt.Sprintf("weight %v outside [0,1]", p.Weight))
	}
	s := ix.layer(p.Layer, true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(len(s.points))
	if p.Index != n {
		return fault.New(fault.DuplicateOrOutOfOrderIndex, "GLYPH-TI-003",
			fmt.Sprintf("layer %q: restore index %d, expected %d", p.Layer, p.Index, n))
	}
	if math.IsInf(p.Radius, 0) || math.IsNaN(p.Radius) {
		return fault.New(fault.DuplicateOrOutOfOrderIndex, "GLYPH-TI-007",
			fmt.Sprintf("layer %q: radius %v is not finite", p.Layer, p.Radius))
	}
	if n > 0 && p.Radius <= s.points[n-1].Radius {
		return fault.New(fault.DuplicateOrOutOfOrderIndex, "GLYPH-TI-004",
			fmt.Sprintf("layer %q: radius %v does not exceed %v", p.Layer, p.Radius, s.points[n-1].Radius))
	}
	p.Provisional = false
	s.points = append(s.points, p)
	return nil
}

// PointsInWindow returns the points of layer with rmin <= radius <= rmax,
// oldest first. The result is a copy.
func (ix *Index) PointsInWindow(layer string, rmin, rmax float64) []TimePoint {
	s := ix.layer(layer, false)
	if s == nil || rmin > rmax || math.IsNaN(rmin) || math.IsNaN(rmax) {
		return []TimePoint{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.points), func(i int) bool { return s.points[i].Radius >= rmin })
	hi := sort.Search(len(s.points), func(i int) bool { return s.points[i].Radius > rmax })
	if lo >= hi {
		return []TimePoint{}
	}
	out := make([]TimePoint, hi-lo)
	copy(out, s.points[lo:hi])
	return out
}

// FutureProjection extrapolates the point that would exist after steps more
// inserts into layer. Nothing is written.
func (ix *Index) FutureProjection(layer string, steps int) (TimePoint, error) {
	if steps <= 0 {
		return TimePoint{}, fault.New(fault.InvalidProjection, "GLYPH-TI-005", fmt.Sprintf("steps must be positive, got %d", steps))
	}
	last, ok := ix.Latest(layer)
	if !ok {
		return TimePoint{}, fault.New(fault.EmptyLayer, "GLYPH-TI-006", fmt.Sprintf("layer %q has no points to anchor a projection", layer))
	}
	if uint64(steps) > math.MaxUint64-last.Index {
		return TimePoint{}, fault.New(fault.InvalidProjection, "GLYPH-TI-005", fmt.Sprintf("steps %d overflow the index", steps))
	}
	idx := last.Index + uint64(steps)
	r := RadiusAt(idx, ix.k)
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return TimePoint{}, fault.New(fault.InvalidProjection, "GLYPH-TI-005",
			fmt.Sprintf("radius at index %d overflows with growth period %v", idx, ix.k))
	}
	return TimePoint{
		Layer:       layer,
		Index:       idx,
		Phase:       AdvancePhase(last.Phase, uint64(steps)),
		Radius:      r,
		Weight:      last.Weight,
		Provisional: true,
	}, nil
}

// Latest returns the most recent point of layer.
func (ix *Index) Latest(layer string) (TimePoint, bool) {
	s := ix.layer(layer, false)
	if s == nil {
		return TimePoint{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return TimePoint{}, false
	}
	return s.points[len(s.points)-1], true
}

// Point returns the point at index on layer.
func (ix *Index) Point(layer string, index uint64) (TimePoint, bool) {
	s := ix.layer(layer, false)
	if s == nil {
		return TimePoint{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.points)) {
		return TimePoint{}, false
	}
	return s.points[index], true
}

// Len returns the number of points on layer.
func (ix *Index) Len(layer string) int {
	s := ix.layer(layer, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Layers returns the known layer ids, sorted.
func (ix *Index) Layers() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.layers))
	for id, s := range ix.layers {
		s.mu.RLock()
		n := len(s.points)
		s.mu.RUnlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
