package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/crystal"
)

// Records stores canonical glyph records in a CAS.
type Records struct {
	CAS CAS
}

// Put stores the canonical record of g and returns its CID.
func (r Records) Put(g crystal.Glyph) (cid.Cid, error) {
	rec, err := crystal.MarshalRecord(g)
	if err != nil {
		return cid.Undef, err
	}
	return r.CAS.Put(rec)
}

// Get loads and parses the record stored under id.
func (r Records) Get(id cid.Cid) (crystal.Glyph, error) {
	b, err := r.CAS.Get(id)
	if err != nil {
		return crystal.Glyph{}, err
	}
	g, err := crystal.ParseRecord(b)
	if err != nil {
		return crystal.Glyph{}, fmt.Errorf("record %s: %w", id, err)
	}
	return g, nil
}
