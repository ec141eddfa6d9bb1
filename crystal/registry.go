package crystal

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/fingerprint"
)

// ErrNotFound is returned by registry lookups that find no glyph.
var ErrNotFound = errors.New("glyph not found")

// Registry stores glyphs by id and by their own fingerprint.
//
// Register is first-writer-wins: when a glyph with the same id already exists
// it is returned unchanged with created == false.
type Registry interface {
	Lookup(ctx context.Context, id cid.Cid) (Glyph, error)
	LookupFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (Glyph, error)
	Register(ctx context.Context, g Glyph) (stored Glyph, created bool, err error)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu   sync.RWMutex
	byID map[string]Glyph
	byFP map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: map[string]Glyph{}, byFP: map[string]string{}}
}

func (r *MemoryRegistry) Lookup(_ context.Context, id cid.Cid) (Glyph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id.KeyString()]
	if !ok {
		return Glyph{}, ErrNotFound
	}
	return g.Clone(), nil
}

func (r *MemoryRegistry) LookupFingerprint(_ context.Context, fp fingerprint.Fingerprint) (Glyph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFP[fp.Key()]
	if !ok {
		return Glyph{}, ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryRegistry) Register(_ context.Context, g Glyph) (Glyph, bool, error) {
	if err := g.Validate(); err != nil {
		return Glyph{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := g.ID.KeyString()
	if existing, ok := r.byID[key]; ok {
		return existing.Clone(), false, nil
	}
	stored := g.Clone()
	r.byID[key] = stored
	r.byFP[stored.Fingerprint.Key()] = key
	return stored.Clone(), true, nil
}

// Len returns the number of registered glyphs.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
