package crystal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/resonance"
)

const (
	// DefaultMaxDepth bounds glyph-of-glyph composition.
	DefaultMaxDepth = 4

	// DefaultCacheSize is the number of chords whose state an Engine remembers.
	DefaultCacheSize = 4096
)

// Config configures an Engine. Threshold has no default.
//
// CacheSize bounds the chord state cache. The least recently used chord is
// forgotten first and reports Open again; crystallizing it again returns the
// registered glyph.
type Config struct {
	Threshold float64
	MaxDepth  int
	HalfLife  float64
	CacheSize int
}

// State is a chord's position in the crystallization lifecycle.
type State uint8

const (
	Open State = iota
	Scored
	Crystallized
)

func (s State) String() string {
	switch s {
	case Scored:
		return "scored"
	case Crystallized:
		return "crystallized"
	default:
		return "open"
	}
}

// Sealer signs canonical glyph payloads (see SigningPayload).
type Sealer interface {
	Seal(payload []byte) (string, error)
}

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveScore(score float64)
	ObserveCrystallize(outcome string)
}

// Crystallize outcomes reported to the Observer.
const (
	OutcomeCreated        = "created"
	OutcomeExisting       = "existing"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeRecursionLimit = "recursion_limit"
	OutcomeError          = "error"
)

type Option func(*Engine)

// WithRegistry replaces the default in-memory registry.
func WithRegistry(r Registry) Option { return func(e *Engine) { e.reg = r } }

// WithSealer seals every newly created glyph.
func WithSealer(s Sealer) Option { return func(e *Engine) { e.sealer = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithScorer overrides the scorer built from Config.HalfLife.
func WithScorer(s resonance.Scorer) Option { return func(e *Engine) { e.scorer = s; e.scorerSet = true } }

type chordEntry struct {
	state State
	score float64
}

// Engine scores chords and crystallizes those at or above the threshold.
type Engine struct {
	cfg       Config
	scorer    resonance.Scorer
	scorerSet bool
	reg       Registry
	sealer    Sealer
	log       *slog.Logger
	obs       Observer

	mu     sync.Mutex
	chords *chordCache
	flight singleflight.Group
}

// New validates cfg and returns an Engine. A threshold outside (0, 1] is
// rejected with ThresholdMisconfigured.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if math.IsNaN(cfg.Threshold) || cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fault.New(fault.ThresholdMisconfigured, "GLYPH-CR-001", fmt.Sprintf("threshold %v outside (0, 1]", cfg.Threshold))
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxDepth < 1 {
		return nil, fmt.Errorf("crystal: max depth must be positive, got %d", cfg.MaxDepth)
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("crystal: cache size must be positive, got %d", cfg.CacheSize)
	}

	e := &Engine{cfg: cfg, chords: newChordCache(cfg.CacheSize)}
	for _, opt := range opts {
		opt(e)
	}
	if !e.scorerSet {
		if cfg.HalfLife != 0 {
			s, err := resonance.NewScorer(cfg.HalfLife)
			if err != nil {
				return nil, err
			}
			e.scorer = s
		}
	}
	if e.reg == nil {
		e.reg = NewMemoryRegistry()
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() Registry { return e.reg }

// ChordKey is the canonical cache key of a chord: one line per point with its
// layer, index, fingerprint and coordinates, sorted.
func ChordKey(c resonance.Chord) string {
	lines := make([]string, len(c))
	for i, p := range c {
		lines[i] = fmt.Sprintf("%s\x00%d\x00%s\x00%s\x00%s\x00%s",
			p.Layer, p.Index, p.Ref.Key(), formatFloat(p.Phase), formatFloat(p.Radius), formatFloat(p.Weight))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// State reports the lifecycle state of chord.
func (e *Engine) State(c resonance.Chord) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.chords.get(ChordKey(c)); ok {
		return ent.state
	}
	return Open
}

// Score scores chord, caching the result. The first successful score moves
// the chord from Open to Scored.
func (e *Engine) Score(c resonance.Chord) (float64, error) {
	key := ChordKey(c)
	e.mu.Lock()
	if ent, ok := e.chords.get(key); ok {
		e.mu.Unlock()
		return ent.score, nil
	}
	e.mu.Unlock()

	s, err := e.scorer.Score(c)
	if err != nil {
		return 0, err
	}
	if e.obs != nil {
		e.obs.ObserveScore(s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.chords.get(key); ok {
		return ent.score, nil
	}
	e.chords.put(key, &chordEntry{state: Scored, score: s})
	return s, nil
}

func (e *Engine) observe(outcome string) {
	if e.obs != nil {
		e.obs.ObserveCrystallize(outcome)
	}
}

// Crystallize scores chord and, when the score reaches the threshold, returns
// the glyph for its member set and creation radius, registering it if it does
// not exist yet. A chord below threshold stays Scored and yields
// BelowThreshold.
func (e *Engine) Crystallize(ctx context.Context, c resonance.Chord) (Glyph, error) {
	score, err := e.Score(c)
	if err != nil {
		e.observe(OutcomeError)
		return Glyph{}, err
	}
	if score < e.cfg.Threshold {
		e.observe(OutcomeBelowThreshold)
		return Glyph{}, fault.New(fault.BelowThreshold, "GLYPH-CR-002",
			fmt.Sprintf("resonance %s below threshold %s", formatFloat(score), formatFloat(e.cfg.Threshold)))
	}

	refs := make([]fingerprint.Fingerprint, 0, len(c))
	for _, p := range c {
		if p.Ref.IsZero() {
			e.observe(OutcomeError)
			return Glyph{}, fault.New(fault.InvalidRecord, "GLYPH-CR-003", fmt.Sprintf("point %s/%d has no fingerprint", p.Layer, p.Index))
		}
		refs = append(refs, p.Ref)
	}
	members := MemberSet(refs)
	radius := c.MaxRadius()

	id, err := GlyphID(members, radius)
	if err != nil {
		e.observe(OutcomeError)
		return Glyph{}, fault.Wrap(fault.Internal, "GLYPH-CR-900", "derive glyph id", err)
	}

	type result struct {
		glyph   Glyph
		created bool
	}
	v, err, _ := e.flight.Do(id.KeyString(), func() (any, error) {
		if existing, err := e.reg.Lookup(ctx, id); err == nil {
			return result{glyph: existing}, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, fault.Wrap(fault.Internal, "GLYPH-CR-901", "registry lookup", err)
		}

		depth, err := e.depthOf(ctx, members)
		if err != nil {
			return nil, err
		}
		fp, err := GlyphFingerprint(id)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "GLYPH-CR-900", "derive glyph fingerprint", err)
		}
		g := Glyph{
			ID:              id,
			Members:         members,
			Resonance:       score,
			CreatedAtRadius: radius,
			Depth:           depth,
			Fingerprint:     fp,
		}
		if e.sealer != nil {
			payload, err := SigningPayload(g)
			if err != nil {
				return nil, err
			}
			seal, err := e.sealer.Seal(payload)
			if err != nil {
				return nil, fault.Wrap(fault.Internal, "GLYPH-CR-902", "seal glyph", err)
			}
			g.Seal = seal
		}

		stored, created, err := e.reg.Register(ctx, g)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "GLYPH-CR-903", "register glyph", err)
		}
		return result{glyph: stored, created: created}, nil
	})
	if err != nil {
		if fault.IsKind(err, fault.RecursionLimit) {
			e.observe(OutcomeRecursionLimit)
		} else {
			e.observe(OutcomeError)
		}
		return Glyph{}, err
	}
	res := v.(result)

	e.mu.Lock()
	e.chords.put(ChordKey(c), &chordEntry{state: Crystallized, score: score})
	e.mu.Unlock()

	if res.created {
		e.observe(OutcomeCreated)
		e.log.Info("glyph crystallized", "id", id.String(), "members", len(members), "resonance", score, "radius", radius, "depth", res.glyph.Depth)
	} else {
		e.observe(OutcomeExisting)
		e.log.Debug("glyph already crystallized", "id", id.String())
	}
	return res.glyph.Clone(), nil
}

func (e *Engine) depthOf(ctx context.Context, members []fingerprint.Fingerprint) (int, error) {
	return ExpectedDepth(ctx, e.reg, members, e.cfg.MaxDepth)
}

// ExpectedDepth is 1 + the deepest glyph in reg among members; plain
// artifacts count as 0. A depth above maxDepth is a RecursionLimit error.
func ExpectedDepth(ctx context.Context, reg Registry, members []fingerprint.Fingerprint, maxDepth int) (int, error) {
	deepest := 0
	for _, m := range members {
		if m.Tier != fingerprint.Intent {
			continue
		}
		g, err := reg.LookupFingerprint(ctx, m)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fault.Wrap(fault.Internal, "GLYPH-CR-901", "registry lookup", err)
		}
		if g.Depth > deepest {
			deepest = g.Depth
		}
	}
	depth := deepest + 1
	if depth > maxDepth {
		return 0, fault.New(fault.RecursionLimit, "GLYPH-CR-004", fmt.Sprintf("glyph depth %d exceeds limit %d", depth, maxDepth))
	}
	return depth, nil
}
