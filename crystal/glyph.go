package crystal

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/cidutil"
	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
)

// Glyph is an immutable record of a crystallized chord.
type Glyph struct {
	ID              cid.Cid
	Members         []fingerprint.Fingerprint
	Resonance       float64
	CreatedAtRadius float64
	Depth           int
	Fingerprint     fingerprint.Fingerprint
	Seal            string
}

// Clone returns a deep copy of g.
func (g Glyph) Clone() Glyph {
	out := g
	out.Members = make([]fingerprint.Fingerprint, len(g.Members))
	for i, m := range g.Members {
		out.Members[i] = fingerprint.New(m.Tier, append([]byte(nil), m.Digest...))
	}
	out.Fingerprint = fingerprint.New(g.Fingerprint.Tier, append([]byte(nil), g.Fingerprint.Digest...))
	return out
}

// MemberSet returns the parentless, de-duplicated fingerprints in canonical
// (key) order.
func MemberSet(fps []fingerprint.Fingerprint) []fingerprint.Fingerprint {
	byKey := make(map[string]fingerprint.Fingerprint, len(fps))
	for _, f := range fps {
		if f.IsZero() {
			continue
		}
		byKey[f.Key()] = fingerprint.New(f.Tier, f.Digest)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]fingerprint.Fingerprint, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// GlyphID derives the glyph id from a canonical member set and the creation
// radius. members must already be in MemberSet order.
func GlyphID(members []fingerprint.Fingerprint, radius float64) (cid.Cid, error) {
	var sb strings.Builder
	for _, m := range members {
		sb.WriteString(m.Key())
		sb.WriteString("\n")
	}
	sb.WriteString("radius:")
	sb.WriteString(formatFloat(radius))
	return cidutil.CIDv1RawSHA256CID([]byte(sb.String()))
}

// GlyphFingerprint returns the Intent fingerprint assigned to a glyph id.
func GlyphFingerprint(id cid.Cid) (fingerprint.Fingerprint, error) {
	sum, err := cidutil.SHA3_256(id.Bytes())
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return fingerprint.New(fingerprint.Intent, sum), nil
}

// Validate checks the internal consistency of g: canonical members, id and
// fingerprint derivation, and value ranges.
func (g Glyph) Validate() error {
	if len(g.Members) == 0 {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-010", "glyph has no members")
	}
	canon := MemberSet(g.Members)
	if len(canon) != len(g.Members) {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-011", "glyph members are not a set")
	}
	for i := range canon {
		if !canon[i].Equal(g.Members[i]) {
			return fault.New(fault.InvalidRecord, "GLYPH-CR-011", "glyph members are not in canonical order")
		}
	}
	if math.IsNaN(g.Resonance) || g.Resonance < 0 || g.Resonance > 1 {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-012", fmt.Sprintf("resonance %v outside [0,1]", g.Resonance))
	}
	if !(g.CreatedAtRadius > 0) || math.IsInf(g.CreatedAtRadius, 0) {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-013", fmt.Sprintf("creation radius %v must be positive", g.CreatedAtRadius))
	}
	if g.Depth < 1 {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-014", fmt.Sprintf("depth %d must be at least 1", g.Depth))
	}
	id, err := GlyphID(g.Members, g.CreatedAtRadius)
	if err != nil {
		return fault.Wrap(fault.Internal, "GLYPH-CR-900", "derive glyph id", err)
	}
	if !id.Equals(g.ID) {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-015", "glyph id does not match members and radius")
	}
	fp, err := GlyphFingerprint(id)
	if err != nil {
		return fault.Wrap(fault.Internal, "GLYPH-CR-900", "derive glyph fingerprint", err)
	}
	if !fp.Equal(g.Fingerprint) {
		return fault.New(fault.InvalidRecord, "GLYPH-CR-016", "glyph fingerprint does not match id")
	}
	return nil
}
