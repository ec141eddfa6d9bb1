package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
-- Append-only time point log; one row per insert.
CREATE TABLE IF NOT EXISTS time_points (
    layer TEXT NOT NULL,
    idx INTEGER NOT NULL,
    phase REAL NOT NULL,
    radius REAL NOT NULL,
    weight REAL NOT NULL,
    fingerprint_digest TEXT NOT NULL,  -- hex multihash
    tier INTEGER NOT NULL,
    inserted_at INTEGER NOT NULL,      -- unix nanoseconds
    UNIQUE (layer, idx)
);

-- Glyph registry index; record bytes live in the record CAS.
CREATE TABLE IF NOT EXISTS glyphs (
    glyph_id TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL UNIQUE,
    record_cid TEXT NOT NULL,
    resonance REAL NOT NULL,
    created_at_radius REAL NOT NULL,
    depth INTEGER NOT NULL,
    members TEXT NOT NULL,             -- newline-separated fingerprint keys
    created_at INTEGER NOT NULL
);

-- Parameters fixed at creation, e.g. the spiral growth period.
CREATE TABLE IF NOT EXISTS ledger_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

func initSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case !version.Valid:
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case version.Int64 > SchemaVersion:
		return fmt.Errorf("ledger schema version %d is newer than supported %d", version.Int64, SchemaVersion)
	}
	return tx.Commit()
}

const metaGrowthPeriod = "growth_period"

// pinGrowthPeriod records k on first use and rejects any later k that differs.
func pinGrowthPeriod(ctx context.Context, db *sql.DB, k float64) error {
	want := strconv.FormatFloat(k, 'g', -1, 64)
	if _, err := db.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		metaGrowthPeriod, want); err != nil {
		return fmt.Errorf("record growth period: %w", err)
	}
	var stored string
	if err := db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, metaGrowthPeriod).Scan(&stored); err != nil {
		return fmt.Errorf("read growth period: %w", err)
	}
	got, err := strconv.ParseFloat(stored, 64)
	if err != nil {
		return fmt.Errorf("parse stored growth period %q: %w", stored, err)
	}
	if got != k {
		return fmt.Errorf("%w: ledger uses %v, configured %v", ErrGrowthPeriodMismatch, got, k)
	}
	return nil
}
