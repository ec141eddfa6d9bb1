// Package app wires configuration, the ledger, the time index and the
// crystallization engine for the glyph binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"xdao.co/glyph/config"
	"xdao.co/glyph/crystal"
	"xdao.co/glyph/internal/metrics"
	"xdao.co/glyph/ledger"
	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/casregistry"
	"xdao.co/glyph/storage/localfs"
	"xdao.co/glyph/timeindex"

	_ "xdao.co/glyph/storage/ipfs"
)

// App is an opened data directory.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	Ledger *ledger.Store
	Index  *timeindex.Index
	Engine *crystal.Engine

	closeCAS func() error
}

// Open validates cfg, opens the ledger and replays it into a fresh index.
// m may be nil.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cas, closeCAS, err := RecordCAS(cfg)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ctx, cfg.DataDir,
		ledger.WithRecordCAS(cas), ledger.WithLogger(log), ledger.WithGrowthPeriod(cfg.Index.GrowthPeriod))
	if err != nil {
		_ = closeCAS()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = closeCAS()
		return nil, err
	}

	var (
		pointLog timeindex.Log    = store
		registry crystal.Registry = store
		observer crystal.Observer
	)
	if m != nil {
		pointLog = m.WrapLog(store)
		registry = m.WrapRegistry(store)
		observer = m
	}

	ix := timeindex.New(timeindex.WithGrowthPeriod(cfg.Index.GrowthPeriod), timeindex.WithLog(pointLog))
	n, err := store.Replay(ctx, ix)
	if err != nil {
		return fail(err)
	}

	opts := []crystal.Option{crystal.WithRegistry(registry), crystal.WithLogger(log)}
	if observer != nil {
		opts = append(opts, crystal.WithObserver(observer))
	}
	sealer, err := cfg.Sealer()
	if err != nil {
		return fail(err)
	}
	if sealer != nil {
		opts = append(opts, crystal.WithSealer(sealer))
	}
	engine, err := crystal.New(cfg.EngineConfig(), opts...)
	if err != nil {
		return fail(err)
	}

	log.Debug("data directory opened", "dir", cfg.DataDir, "points", n, "layers", len(ix.Layers()))
	return &App{Config: cfg, Log: log, Ledger: store, Index: ix, Engine: engine, closeCAS: closeCAS}, nil
}

func (a *App) Close() error {
	err := a.Ledger.Close()
	if cerr := a.closeCAS(); err == nil {
		err = cerr
	}
	return err
}

// RecordCAS builds the record store: <data_dir>/records, replicated to every
// mirror, with archives as read-only fallbacks. Mirror and archive entries are
// casregistry locations.
func RecordCAS(cfg *config.Config) (storage.CAS, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	open := func(kind string, i int, location string) (storage.CAS, error) {
		cas, closeFn, err := casregistry.Open(location)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("records %s %d: %w", kind, i, err)
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		return cas, nil
	}

	primary, err := localfs.New(filepath.Join(cfg.DataDir, "records"))
	if err != nil {
		return nil, nil, err
	}
	var cas storage.CAS = primary
	if len(cfg.Records.Mirrors) > 0 {
		backends := []storage.NamedCAS{{Name: "primary", CAS: primary}}
		for i, loc := range cfg.Records.Mirrors {
			mirror, err := open("mirror", i, loc)
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, storage.NamedCAS{Name: loc, CAS: mirror})
		}
		cas = storage.ReplicatingCAS{Backends: backends}
	}
	if len(cfg.Records.Archives) > 0 {
		adapters := []storage.CAS{cas}
		for i, loc := range cfg.Records.Archives {
			archive, err := open("archive", i, loc)
			if err != nil {
				return nil, nil, err
			}
			adapters = append(adapters, archive)
		}
		cas = storage.MultiCAS{Adapters: adapters}
	}
	return cas, closeAll, nil
}
