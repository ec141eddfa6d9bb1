package fingerprint

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"xdao.co/glyph/cidutil"
	"xdao.co/glyph/fault"
)

// Tier names an identity tier.
type Tier uint8

const (
	Exact Tier = iota + 1
	Structural
	Intent
)

func (t Tier) String() string {
	switch t {
	case Exact:
		return "exact"
	case Structural:
		return "structural"
	case Intent:
		return "intent"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "exact":
		return Exact, nil
	case "structural":
		return Structural, nil
	case "intent":
		return Intent, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// MatchKind is the result of Compare.
type MatchKind uint8

const (
	NoMatch MatchKind = iota
	IntentMatch
	StructuralMatch
	Identical
)

func (m MatchKind) String() string {
	switch m {
	case Identical:
		return "identical"
	case StructuralMatch:
		return "structural-match"
	case IntentMatch:
		return "intent-match"
	default:
		return "no-match"
	}
}

// Fingerprint identifies an artifact at one tier.
//
// Digest is a multihash; equality of digests within a tier is the only
// equivalence test. Parent, when set, is the fingerprint of the same artifact
// at the next more discriminating tier.
type Fingerprint struct {
	Tier   Tier
	Digest multihash.Multihash
	Parent *Fingerprint
}

// IsZero reports whether f carries no digest.
func (f Fingerprint) IsZero() bool { return len(f.Digest) == 0 }

// Hex returns the hex encoding of the digest.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f.Digest) }

// Key returns "<tier>:<hex digest>", a stable string form used for set
// membership and persistence.
func (f Fingerprint) Key() string {
	if f.IsZero() {
		return ""
	}
	return f.Tier.String() + ":" + f.Hex()
}

// CID returns the digest as a CIDv1 raw. For Exact fingerprints this equals the
// CAS key of the artifact bytes.
func (f Fingerprint) CID() cid.Cid { return cidutil.RawCID(f.Digest) }

func (f Fingerprint) String() string { return f.Key() }

// Equal reports tier and digest equality. Parents are not compared.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Tier == o.Tier && bytes.Equal(f.Digest, o.Digest)
}

// At walks the parent chain and returns the fingerprint at tier t.
func (f Fingerprint) At(t Tier) (Fingerprint, bool) {
	cur := &f
	for cur != nil {
		if cur.Tier == t && !cur.IsZero() {
			return *cur, true
		}
		cur = cur.Parent
	}
	return Fingerprint{}, false
}

// ParseKey is the inverse of Fingerprint.Key. The result has no Parent.
func ParseKey(key string) (Fingerprint, error) {
	for i := 0; i < len(key); i++ {
		if key[i] != ':' {
			continue
		}
		tier, err := ParseTier(key[:i])
		if err != nil {
			return Fingerprint{}, err
		}
		raw, err := hex.DecodeString(key[i+1:])
		if err != nil {
			return Fingerprint{}, fmt.Errorf("decode digest: %w", err)
		}
		if _, err := multihash.Decode(raw); err != nil {
			return Fingerprint{}, fmt.Errorf("decode multihash: %w", err)
		}
		return Fingerprint{Tier: tier, Digest: multihash.Multihash(raw)}, nil
	}
	return Fingerprint{}, fmt.Errorf("malformed fingerprint key %q", key)
}

// New builds a parentless fingerprint at tier t from an already computed
// multihash.
func New(t Tier, digest multihash.Multihash) Fingerprint {
	return Fingerprint{Tier: t, Digest: digest}
}

// ComputeExact hashes the raw bytes.
func ComputeExact(data []byte) Fingerprint {
	sum, err := cidutil.SHA256(data)
	if err != nil {
		// multihash.Sum only errors for unknown codes or invalid lengths.
		panic(fmt.Sprintf("fingerprint: sha2-256: %v", err))
	}
	return Fingerprint{Tier: Exact, Digest: sum}
}

// ComputeStructural calls n exactly once and hashes its output. The result's
// Parent is ComputeExact(data).
func ComputeStructural(data []byte, n Normalizer) (Fingerprint, error) {
	if n == nil {
		return Fingerprint{}, fault.New(fault.InvalidArtifact, "GLYPH-FP-003", "no normalizer configured")
	}
	canonical, err := n.Normalize(data)
	if err != nil {
		return Fingerprint{}, fault.Wrap(fault.InvalidArtifact, "GLYPH-FP-001", "normalize artifact", err)
	}
	sum, err := cidutil.SHA256(canonical)
	if err != nil {
		return Fingerprint{}, fault.Wrap(fault.Internal, "GLYPH-FP-900", "hash normalized form", err)
	}
	exact := ComputeExact(data)
	return Fingerprint{Tier: Structural, Digest: sum, Parent: &exact}, nil
}

// ComputeIntent calls c exactly once, hashes its output with sha3-256 and
// chains the result to ComputeStructural(data, n).
func ComputeIntent(data []byte, n Normalizer, c Classifier, hints Hints) (Fingerprint, error) {
	if c == nil {
		return Fingerprint{}, fault.New(fault.InvalidArtifact, "GLYPH-FP-004", "no classifier configured")
	}
	structural, err := ComputeStructural(data, n)
	if err != nil {
		return Fingerprint{}, err
	}
	intent, err := c.Classify(data, hints)
	if err != nil {
		return Fingerprint{}, fault.Wrap(fault.InvalidArtifact, "GLYPH-FP-002", "classify artifact", err)
	}
	sum, err := cidutil.SHA3_256(intent)
	if err != nil {
		return Fingerprint{}, fault.Wrap(fault.Internal, "GLYPH-FP-901", "hash intent form", err)
	}
	return Fingerprint{Tier: Intent, Digest: sum, Parent: &structural}, nil
}

// Compare returns the strongest tier at which a and b carry equal digests.
// It is symmetric.
func Compare(a, b Fingerprint) MatchKind {
	for _, step := range []struct {
		tier Tier
		kind MatchKind
	}{
		{Exact, Identical},
		{Structural, StructuralMatch},
		{Intent, IntentMatch},
	} {
		fa, okA := a.At(step.tier)
		fb, okB := b.At(step.tier)
		if okA && okB && bytes.Equal(fa.Digest, fb.Digest) {
			return step.kind
		}
	}
	return NoMatch
}

// Hierarchy bundles the external capabilities needed for the weaker tiers.
type Hierarchy struct {
	Normalizer Normalizer
	Classifier Classifier
}

func (h Hierarchy) Exact(data []byte) Fingerprint { return ComputeExact(data) }

func (h Hierarchy) Structural(data []byte) (Fingerprint, error) {
	return ComputeStructural(data, h.Normalizer)
}

func (h Hierarchy) Intent(data []byte, hints Hints) (Fingerprint, error) {
	return ComputeIntent(data, h.Normalizer, h.Classifier, hints)
}

// Compute returns the fingerprint at tier t.
func (h Hierarchy) Compute(t Tier, data []byte, hints Hints) (Fingerprint, error) {
	switch t {
	case Exact:
		return ComputeExact(data), nil
	case Structural:
		return h.Structural(data)
	case Intent:
		return h.Intent(data, hints)
	default:
		return Fingerprint{}, fault.New(fault.InvalidArtifact, "GLYPH-FP-005", fmt.Sprintf("unknown tier %d", t))
	}
}
