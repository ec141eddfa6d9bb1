package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fingerprint"
)

var _ crystal.Registry = (*Store)(nil)

// Register stores g first-writer-wins. The record is written to the CAS
// before the index row so an indexed glyph always has its bytes.
func (s *Store) Register(ctx context.Context, g crystal.Glyph) (crystal.Glyph, bool, error) {
	recordCID, err := s.records.Put(g)
	if err != nil {
		return crystal.Glyph{}, false, err
	}

	members := make([]string, len(g.Members))
	for i, m := range g.Members {
		members[i] = m.Key()
	}
	res, err := s.execWithRetry(ctx, `
		INSERT INTO glyphs (glyph_id, fingerprint, record_cid, resonance, created_at_radius, depth, members, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(glyph_id) DO NOTHING`,
		g.ID.String(), g.Fingerprint.Key(), recordCID.String(), g.Resonance, g.CreatedAtRadius, g.Depth,
		strings.Join(members, "\n"), s.now().UnixNano())
	if err != nil {
		return crystal.Glyph{}, false, fmt.Errorf("insert glyph: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crystal.Glyph{}, false, fmt.Errorf("insert glyph: %w", err)
	}
	if n == 0 {
		existing, err := s.Lookup(ctx, g.ID)
		if err != nil {
			return crystal.Glyph{}, false, err
		}
		return existing, false, nil
	}
	s.log.Info("glyph registered", "id", g.ID.String(), "record", recordCID.String(), "depth", g.Depth)
	return g.Clone(), true, nil
}

func (s *Store) Lookup(ctx context.Context, id cid.Cid) (crystal.Glyph, error) {
	return s.lookup(ctx, `glyph_id = ?`, id.String())
}

func (s *Store) LookupFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (crystal.Glyph, error) {
	return s.lookup(ctx, `fingerprint = ?`, fp.Key())
}

func (s *Store) lookup(ctx context.Context, where string, arg string) (crystal.Glyph, error) {
	var recordCID string
	err := s.db.QueryRowContext(ctx, `SELECT record_cid FROM glyphs WHERE `+where, arg).Scan(&recordCID)
	if errors.Is(err, sql.ErrNoRows) {
		return crystal.Glyph{}, crystal.ErrNotFound
	}
	if err != nil {
		return crystal.Glyph{}, fmt.Errorf("query glyph: %w", err)
	}
	id, err := cid.Decode(recordCID)
	if err != nil {
		return crystal.Glyph{}, fmt.Errorf("glyph record cid %q: %w", recordCID, err)
	}
	return s.records.Get(id)
}

// GlyphSummary is one row of the glyph index.
type GlyphSummary struct {
	ID              cid.Cid
	RecordCID       cid.Cid
	Resonance       float64
	CreatedAtRadius float64
	Depth           int
	Members         int
}

// Glyphs lists the glyph index ordered by creation radius then id.
func (s *Store) Glyphs(ctx context.Context) ([]GlyphSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT glyph_id, record_cid, resonance, created_at_radius, depth, members
		FROM glyphs ORDER BY created_at_radius, glyph_id`)
	if err != nil {
		return nil, fmt.Errorf("query glyphs: %w", err)
	}
	defer rows.Close()

	var out []GlyphSummary
	for rows.Next() {
		var (
			g             GlyphSummary
			idStr, recStr string
			members       string
		)
		if err := rows.Scan(&idStr, &recStr, &g.Resonance, &g.CreatedAtRadius, &g.Depth, &members); err != nil {
			return nil, fmt.Errorf("scan glyph: %w", err)
		}
		if g.ID, err = cid.Decode(idStr); err != nil {
			return nil, fmt.Errorf("glyph id %q: %w", idStr, err)
		}
		if g.RecordCID, err = cid.Decode(recStr); err != nil {
			return nil, fmt.Errorf("glyph record cid %q: %w", recStr, err)
		}
		g.Members = strings.Count(members, "\n") + 1
		out = append(out, g)
	}
	return out, rows.Err()
}
