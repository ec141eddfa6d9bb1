package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/cidutil"
)

// MultiCAS reads through Adapters in slice order and writes to the first one.
// Use it to layer read-only record archives behind a writable store.
type MultiCAS struct {
	Adapters []CAS
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(b []byte) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return m.Adapters[0].Put(b)
}

func (m MultiCAS) Get(id cid.Cid) ([]byte, error) { return getFirst(m.Adapters, id) }

func (m MultiCAS) Has(id cid.Cid) bool { return hasAny(m.Adapters, id) }

// NamedCAS associates a CAS with a stable backend name for reporting.
type NamedCAS struct {
	Name string
	CAS  CAS
}

// ReplicatingCAS writes every record to all backends and reads in order.
type ReplicatingCAS struct {
	Backends []NamedCAS
}

var _ CAS = ReplicatingCAS{}

// PutAll writes b to every backend and returns the CID each one reported.
// A backend reporting a different CID than the one derived from b yields
// ErrCIDMismatch.
func (r ReplicatingCAS) PutAll(b []byte) (cid.Cid, map[string]cid.Cid, error) {
	if len(r.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}
	want, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return cid.Undef, nil, err
	}
	out := make(map[string]cid.Cid, len(r.Backends))
	for _, be := range r.Backends {
		if be.CAS == nil {
			return cid.Undef, out, fmt.Errorf("storage: nil CAS for backend %q", be.Name)
		}
		got, err := be.CAS.Put(b)
		if err != nil {
			return cid.Undef, out, fmt.Errorf("storage: backend %q: %w", be.Name, err)
		}
		out[be.Name] = got
		if !got.Equals(want) {
			return cid.Undef, out, ErrCIDMismatch
		}
	}
	return want, out, nil
}

func (r ReplicatingCAS) Put(b []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(b)
	return id, err
}

func (r ReplicatingCAS) Get(id cid.Cid) ([]byte, error) { return getFirst(r.adapters(), id) }

func (r ReplicatingCAS) Has(id cid.Cid) bool { return hasAny(r.adapters(), id) }

func (r ReplicatingCAS) adapters() []CAS {
	out := make([]CAS, 0, len(r.Backends))
	for _, be := range r.Backends {
		if be.CAS != nil {
			out = append(out, be.CAS)
		}
	}
	return out
}

// getFirst returns the first hit; ErrNotFound only when every adapter
// reports it, any other error stops the search.
func getFirst(adapters []CAS, id cid.Cid) ([]byte, error) {
	for _, c := range adapters {
		b, err := c.Get(id)
		if err == nil {
			return b, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func hasAny(adapters []CAS, id cid.Cid) bool {
	for _, c := range adapters {
		if c.Has(id) {
			return true
		}
	}
	return false
}
