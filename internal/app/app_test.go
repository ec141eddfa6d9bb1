package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"xdao.co/glyph/config"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/internal/logging"
	"xdao.co/glyph/internal/metrics"
	"xdao.co/glyph/ledger"
	"xdao.co/glyph/resonance"
	"xdao.co/glyph/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	th := 0.5
	cfg.Crystal.Threshold = &th
	return cfg
}

func TestOpen_ReplaysAcrossRuns(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	log := logging.NewLogger("info", io.Discard)

	a, err := Open(ctx, cfg, log, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, err := a.Index.Insert(ctx, "A", 1, fingerprint.ComputeExact([]byte("a")))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	q, err := a.Index.Insert(ctx, "B", 1, fingerprint.ComputeExact([]byte("b")))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	g, err := a.Engine.Crystallize(ctx, resonance.Chord{p, q})
	if err != nil {
		t.Fatalf("Crystallize: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := Open(ctx, cfg, log, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if b.Index.Len("A") != 1 || b.Index.Len("B") != 1 {
		t.Fatalf("replay lost points: A=%d B=%d", b.Index.Len("A"), b.Index.Len("B"))
	}
	again, err := b.Engine.Crystallize(ctx, resonance.Chord{p, q})
	if err != nil {
		t.Fatalf("Crystallize after reopen: %v", err)
	}
	if !again.ID.Equals(g.ID) {
		t.Fatalf("glyph id changed across runs")
	}
}

func TestOpen_RejectsChangedGrowthPeriod(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Index.GrowthPeriod = 8
	log := logging.NewLogger("info", io.Discard)

	a, err := Open(ctx, cfg, log, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 40; i++ {
		if _, err := a.Index.Insert(ctx, "A", 1, fingerprint.ComputeExact([]byte{byte(i)})); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg.Index.GrowthPeriod = 16
	if _, err := Open(ctx, cfg, log, nil); !errors.Is(err, ledger.ErrGrowthPeriodMismatch) {
		t.Fatalf("expected ErrGrowthPeriodMismatch, got %v", err)
	}

	cfg.Index.GrowthPeriod = 8
	b, err := Open(ctx, cfg, log, nil)
	if err != nil {
		t.Fatalf("reopen with original growth period: %v", err)
	}
	defer b.Close()
	if b.Index.Len("A") != 40 {
		t.Fatalf("replayed %d points, want 40", b.Index.Len("A"))
	}
}

func TestOpen_RejectsMissingThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crystal.Threshold = nil
	if _, err := Open(context.Background(), cfg, logging.NewLogger("info", io.Discard), nil); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func TestRecordCAS_MirrorsAndArchives(t *testing.T) {
	cfg := testConfig(t)
	mirror := filepath.Join(t.TempDir(), "mirror")
	archive := filepath.Join(t.TempDir(), "archive")
	cfg.Records.Mirrors = []string{mirror}
	cfg.Records.Archives = []string{"localfs:" + archive}

	cas, closeCAS, err := RecordCAS(cfg)
	if err != nil {
		t.Fatalf("RecordCAS: %v", err)
	}
	defer closeCAS()
	multi, ok := cas.(storage.MultiCAS)
	if !ok || len(multi.Adapters) != 2 {
		t.Fatalf("expected MultiCAS with 2 adapters, got %T", cas)
	}
	if _, ok := multi.Adapters[0].(storage.ReplicatingCAS); !ok {
		t.Fatalf("expected replicating primary, got %T", multi.Adapters[0])
	}

	id, err := cas.Put([]byte("record"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !multi.Adapters[0].Has(id) || multi.Adapters[1].Has(id) {
		t.Fatalf("writes must go to primary and mirror only")
	}
}

func TestRecordCAS_BadLocation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Records.Mirrors = []string{"localfs:"}
	if _, _, err := RecordCAS(cfg); err == nil {
		t.Fatalf("expected error for empty localfs location")
	}
}
