package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/keys"
	"xdao.co/glyph/resonance"
	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/bundle"
	"xdao.co/glyph/timeindex"
)

// crystallize builds a registry holding one glyph per artifact pair.
func crystallize(t *testing.T, opts []crystal.Option, pairs ...[2]string) (*crystal.MemoryRegistry, []cid.Cid) {
	t.Helper()
	ctx := context.Background()
	reg := crystal.NewMemoryRegistry()
	e, err := crystal.New(crystal.Config{Threshold: 0.5}, append(opts, crystal.WithRegistry(reg))...)
	if err != nil {
		t.Fatal(err)
	}
	var ids []cid.Cid
	for _, p := range pairs {
		ix := timeindex.New()
		a, err := ix.Insert(ctx, "a", 1, fingerprint.ComputeExact([]byte(p[0])))
		if err != nil {
			t.Fatal(err)
		}
		b, err := ix.Insert(ctx, "b", 1, fingerprint.ComputeExact([]byte(p[1])))
		if err != nil {
			t.Fatal(err)
		}
		chord, err := resonance.NewChord(a, b)
		if err != nil {
			t.Fatal(err)
		}
		g, err := e.Crystallize(ctx, chord)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, g.ID)
	}
	return reg, ids
}

func TestBundle_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	src, ids := crystallize(t, nil, [2]string{"x", "y"}, [2]string{"p", "q"})

	var outA bytes.Buffer
	if err := bundle.Export(ctx, &outA, src, []cid.Cid{ids[1], ids[0]}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}
	var outB bytes.Buffer
	if err := bundle.Export(ctx, &outB, src, []cid.Cid{ids[0], ids[1], ids[0]}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
}

func TestBundle_ExportMissingGlyph(t *testing.T) {
	src := crystal.NewMemoryRegistry()
	id, err := crystal.GlyphID([]fingerprint.Fingerprint{fingerprint.ComputeExact([]byte("x"))}, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = bundle.Export(context.Background(), &bytes.Buffer{}, src, []cid.Cid{id}, bundle.ExportOptions{})
	if !errors.Is(err, crystal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBundle_ImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, ids := crystallize(t, nil, [2]string{"x", "y"}, [2]string{"p", "q"})

	var buf bytes.Buffer
	if err := bundle.Export(ctx, &buf, src, ids, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	dst := crystal.NewMemoryRegistry()
	st, err := bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst, bundle.ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Created != 2 || st.Existing != 0 {
		t.Fatalf("stats: %+v", st)
	}
	for _, id := range ids {
		want, _ := src.Lookup(ctx, id)
		got, err := dst.Lookup(ctx, id)
		if err != nil {
			t.Fatalf("Lookup %s: %v", id, err)
		}
		a, _ := crystal.MarshalRecord(want)
		b, _ := crystal.MarshalRecord(got)
		if !bytes.Equal(a, b) {
			t.Fatalf("record mismatch for %s", id)
		}
	}

	st, err = bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst, bundle.ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Created != 0 || st.Existing != 2 {
		t.Fatalf("second import stats: %+v", st)
	}
}

func TestBundle_ImportRejectsIDMismatch(t *testing.T) {
	ctx := context.Background()
	src, ids := crystallize(t, nil, [2]string{"x", "y"}, [2]string{"p", "q"})
	g, _ := src.Lookup(ctx, ids[0])
	rec, err := crystal.MarshalRecord(g)
	if err != nil {
		t.Fatal(err)
	}

	// Entry is named after the other glyph.
	b := makeDeterministicTar(t, "records/"+ids[1].String(), rec)
	_, err = bundle.Import(ctx, bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{})
	if !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
}

func TestBundle_ImportRejectsUnknownEntries(t *testing.T) {
	ctx := context.Background()
	b := makeDeterministicTar(t, "blocks/whatever", []byte("x"))
	if _, err := bundle.Import(ctx, bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{}); err == nil {
		t.Fatalf("expected unknown entry error")
	}
	st, err := bundle.Import(ctx, bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{IgnoreUnknown: true})
	if err != nil || st.Created != 0 {
		t.Fatalf("IgnoreUnknown: st=%+v err=%v", st, err)
	}
}

func TestBundle_ImportRejectsTraversal(t *testing.T) {
	b := makeDeterministicTar(t, "records/../../etc/passwd", []byte("x"))
	_, err := bundle.Import(context.Background(), bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{})
	if err == nil || !strings.Contains(err.Error(), "invalid entry path") {
		t.Fatalf("expected invalid entry path, got %v", err)
	}
}

func TestBundle_ImportSealPolicy(t *testing.T) {
	ctx := context.Background()
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	sealer := keys.Ed25519Sealer{Key: ed25519.NewKeyFromSeed(seed), HashAlg: "sha256"}
	sealed, sealedIDs := crystallize(t, []crystal.Option{crystal.WithSealer(sealer)}, [2]string{"x", "y"})
	plain, plainIDs := crystallize(t, nil, [2]string{"p", "q"})

	var sealedBuf, plainBuf bytes.Buffer
	if err := bundle.Export(ctx, &sealedBuf, sealed, sealedIDs, bundle.ExportOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := bundle.Export(ctx, &plainBuf, plain, plainIDs, bundle.ExportOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, err := bundle.Import(ctx, bytes.NewReader(sealedBuf.Bytes()), crystal.NewMemoryRegistry(), bundle.ImportOptions{RequireSeal: true}); err != nil {
		t.Fatalf("sealed import: %v", err)
	}
	if _, err := bundle.Import(ctx, bytes.NewReader(plainBuf.Bytes()), crystal.NewMemoryRegistry(), bundle.ImportOptions{RequireSeal: true}); err == nil {
		t.Fatalf("expected unsealed record to be rejected")
	}

	// Tamper with the signature: still canonical, no longer verifiable.
	g, _ := sealed.Lookup(ctx, sealedIDs[0])
	s, err := keys.ParseSeal(g.Seal)
	if err != nil {
		t.Fatal(err)
	}
	s.Signature[0] ^= 0xff
	g.Seal = s.String()
	rec, err := crystal.MarshalRecord(g)
	if err != nil {
		t.Fatal(err)
	}
	b := makeDeterministicTar(t, "records/"+g.ID.String(), rec)
	if _, err := bundle.Import(ctx, bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{}); err != nil {
		t.Fatalf("import without verification: %v", err)
	}
	if _, err := bundle.Import(ctx, bytes.NewReader(b), crystal.NewMemoryRegistry(), bundle.ImportOptions{VerifySeals: true}); err == nil {
		t.Fatalf("expected tampered seal to fail verification")
	}
}

func makeDeterministicTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	h := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(h); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
