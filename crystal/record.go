package crystal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
)

// RecordHeader is the first line of every canonical glyph record.
const RecordHeader = "GLYPH/1"

// MarshalRecord renders the canonical glyph record: the header line followed
// by "key: value" lines in key order, member lines in member order, LF line
// endings and no trailing newline. The seal line, when present, is last.
func MarshalRecord(g Glyph) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(g.Seal, "\r\n") || strings.TrimSpace(g.Seal) != g.Seal {
		return nil, fault.New(fault.InvalidRecord, "GLYPH-CR-017", "seal must be a single trimmed line")
	}

	var sb strings.Builder
	sb.WriteString(RecordHeader)
	line := func(k, v string) {
		sb.WriteString("\n")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
	}
	line("created-at-radius", formatFloat(g.CreatedAtRadius))
	line("depth", strconv.Itoa(g.Depth))
	line("fingerprint", g.Fingerprint.Key())
	line("id", g.ID.String())
	for _, m := range g.Members {
		line("member", m.Key())
	}
	line("resonance", formatFloat(g.Resonance))
	if g.Seal != "" {
		line("seal", g.Seal)
	}
	return []byte(sb.String()), nil
}

// SigningPayload returns the bytes a seal signs: the canonical record without
// its seal line.
func SigningPayload(g Glyph) ([]byte, error) {
	g.Seal = ""
	return MarshalRecord(g)
}

// ParseRecord parses a canonical glyph record. Input that parses but does not
// re-render byte-for-byte is rejected.
func ParseRecord(data []byte) (Glyph, error) {
	invalid := func(rule, msg string) (Glyph, error) {
		return Glyph{}, fault.New(fault.InvalidRecord, rule, msg)
	}
	lines := strings.Split(string(data), "\n")
	if lines[0] != RecordHeader {
		return invalid("GLYPH-CR-020", "missing record header")
	}

	var (
		g    Glyph
		seen = map[string]bool{}
	)
	for n, ln := range lines[1:] {
		k, v, ok := strings.Cut(ln, ": ")
		if !ok || k == "" || v == "" {
			return invalid("GLYPH-CR-021", fmt.Sprintf("line %d: expected \"key: value\"", n+2))
		}
		if k != "member" && seen[k] {
			return invalid("GLYPH-CR-022", fmt.Sprintf("line %d: duplicate key %q", n+2, k))
		}
		seen[k] = true

		var err error
		switch k {
		case "created-at-radius":
			g.CreatedAtRadius, err = strconv.ParseFloat(v, 64)
		case "depth":
			g.Depth, err = strconv.Atoi(v)
		case "fingerprint":
			g.Fingerprint, err = fingerprint.ParseKey(v)
		case "id":
			g.ID, err = cid.Decode(v)
		case "member":
			var m fingerprint.Fingerprint
			m, err = fingerprint.ParseKey(v)
			g.Members = append(g.Members, m)
		case "resonance":
			g.Resonance, err = strconv.ParseFloat(v, 64)
		case "seal":
			g.Seal = v
		default:
			return invalid("GLYPH-CR-023", fmt.Sprintf("line %d: unknown key %q", n+2, k))
		}
		if err != nil {
			return Glyph{}, fault.Wrap(fault.InvalidRecord, "GLYPH-CR-024", fmt.Sprintf("line %d: invalid %s", n+2, k), err)
		}
	}

	canon, err := MarshalRecord(g)
	if err != nil {
		return Glyph{}, err
	}
	if !bytes.Equal(canon, data) {
		return invalid("GLYPH-CR-025", "record is not canonical")
	}
	return g, nil
}
