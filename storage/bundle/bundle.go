// Package bundle moves glyph records between data directories as a
// deterministic TAR archive.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/cidutil"
	"xdao.co/glyph/crystal"
	"xdao.co/glyph/keys"
	"xdao.co/glyph/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

const recordsDir = "records/"

var epoch0 = time.Unix(0, 0).UTC()

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

// Export writes a TAR bundle holding the canonical record of every glyph in
// ids, looked up in src.
//
// The bundle bytes are deterministic: entries are ordered by glyph id and TAR
// headers are normalized.
func Export(ctx context.Context, w io.Writer, src crystal.Registry, ids []cid.Cid, opts ExportOptions) error {
	if src == nil {
		return fmt.Errorf("bundle: nil registry")
	}

	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}
	names := make([]string, 0, len(uniq))
	for s := range uniq {
		names = append(names, s)
	}
	sort.Strings(names)

	tw := tar.NewWriter(w)
	entries := make([]indexEntry, 0, len(names))
	for _, s := range names {
		if err := ctx.Err(); err != nil {
			_ = tw.Close()
			return err
		}
		g, err := src.Lookup(ctx, uniq[s])
		if err != nil {
			_ = tw.Close()
			return fmt.Errorf("bundle: glyph %s: %w", s, err)
		}
		rec, err := crystal.MarshalRecord(g)
		if err != nil {
			_ = tw.Close()
			return fmt.Errorf("bundle: glyph %s: %w", s, err)
		}
		recCID, err := cidutil.CIDv1RawSHA256CID(rec)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, recordsDir+s, rec); err != nil {
			_ = tw.Close()
			return err
		}
		entries = append(entries, indexEntry{
			Glyph:  s,
			Record: recCID.String(),
			Size:   len(rec),
			Depth:  g.Depth,
			Sealed: g.Seal != "",
		})
	}

	if opts.IncludeIndex {
		b, err := marshalCanonicalIndexJSON(indexJSON{
			Version:   FormatVersion,
			CIDCodec:  "raw",
			Multihash: "sha2-256",
			Glyphs:    entries,
		})
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			_ = tw.Close()
			return err
		}
	}

	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool

	// VerifySeals checks the seal of every sealed record.
	VerifySeals bool

	// RequireSeal rejects unsealed records. It implies VerifySeals.
	RequireSeal bool
}

// Stats counts what an import did.
type Stats struct {
	Created  int
	Existing int
}

// Import reads a bundle from r and registers every record in dst.
//
// Each record must parse canonically and its entry name must equal its glyph
// id. Records already present in dst are counted as existing; the stored
// record is not replaced.
func Import(ctx context.Context, r io.Reader, dst crystal.Registry, opts ImportOptions) (Stats, error) {
	var st Stats
	if dst == nil {
		return st, fmt.Errorf("bundle: nil registry")
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return st, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return st, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		// Non-authoritative metadata.
		if name == "index.json" {
			_, _ = io.Copy(io.Discard, tr)
			continue
		}

		if !strings.HasPrefix(name, recordsDir) {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return st, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		id, derr := cid.Decode(strings.TrimPrefix(name, recordsDir))
		if derr != nil || !id.Defined() {
			return st, storage.ErrInvalidCID
		}
		key := id.String()
		if _, ok := seen[key]; ok {
			return st, fmt.Errorf("bundle: duplicate record entry: %s", key)
		}
		seen[key] = struct{}{}

		payload, rerr := io.ReadAll(tr)
		if rerr != nil {
			return st, rerr
		}
		g, perr := crystal.ParseRecord(payload)
		if perr != nil {
			return st, fmt.Errorf("bundle: record %s: %w", key, perr)
		}
		if !g.ID.Equals(id) {
			return st, fmt.Errorf("bundle: record %s: %w", key, storage.ErrCIDMismatch)
		}
		if err := checkSeal(g, opts); err != nil {
			return st, fmt.Errorf("bundle: record %s: %w", key, err)
		}

		_, created, err := dst.Register(ctx, g)
		if err != nil {
			return st, fmt.Errorf("bundle: register %s: %w", key, err)
		}
		if created {
			st.Created++
		} else {
			st.Existing++
		}
	}
}

func checkSeal(g crystal.Glyph, opts ImportOptions) error {
	if g.Seal == "" {
		if opts.RequireSeal {
			return errors.New("record is not sealed")
		}
		return nil
	}
	if !opts.VerifySeals && !opts.RequireSeal {
		return nil
	}
	payload, err := crystal.SigningPayload(g)
	if err != nil {
		return err
	}
	return keys.VerifySeal(payload, g.Seal)
}

type indexJSON struct {
	Version   int          `json:"version"`
	CIDCodec  string       `json:"cidCodec"`
	Multihash string       `json:"multihash"`
	Glyphs    []indexEntry `json:"glyphs"`
}

type indexEntry struct {
	Glyph  string `json:"glyph"`
	Record string `json:"record"`
	Size   int    `json:"size"`
	Depth  int    `json:"depth"`
	Sealed bool   `json:"sealed,omitempty"`
}

func marshalCanonicalIndexJSON(idx indexJSON) ([]byte, error) {
	// indexJSON is composed only of structs + slices; encoding/json will be deterministic.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}
