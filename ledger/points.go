package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/multiformats/go-multihash"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/timeindex"
)

// Append persists p. It implements timeindex.Log; a duplicate (layer, index)
// yields DuplicateOrOutOfOrderIndex.
func (s *Store) Append(ctx context.Context, p timeindex.TimePoint) error {
	if p.Provisional {
		return fault.New(fault.Internal, "GLYPH-LG-001", "provisional points are never persisted")
	}
	at := p.InsertedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO time_points (layer, idx, phase, radius, weight, fingerprint_digest, tier, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Layer, int64(p.Index), p.Phase, p.Radius, p.Weight, p.Ref.Hex(), int64(p.Ref.Tier), at.UnixNano())
	if isUniqueViolation(err) {
		return fault.Wrap(fault.DuplicateOrOutOfOrderIndex, "GLYPH-LG-002",
			fmt.Sprintf("layer %q index %d already persisted", p.Layer, p.Index), err)
	}
	if err != nil {
		return fmt.Errorf("append time point: %w", err)
	}
	return nil
}

// Points returns the persisted points of layer in index order.
func (s *Store) Points(ctx context.Context, layer string) ([]timeindex.TimePoint, error) {
	return s.queryPoints(ctx, `WHERE layer = ?`, layer)
}

// Replay restores every persisted point into ix in (layer, index) order and
// returns the number of points restored.
func (s *Store) Replay(ctx context.Context, ix *timeindex.Index) (int, error) {
	pts, err := s.queryPoints(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, p := range pts {
		if err := ix.Restore(p); err != nil {
			return 0, fmt.Errorf("replay %s/%d: %w", p.Layer, p.Index, err)
		}
	}
	s.log.Debug("ledger replayed", "points", len(pts))
	return len(pts), nil
}

func (s *Store) queryPoints(ctx context.Context, where string, args ...any) ([]timeindex.TimePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, idx, phase, radius, weight, fingerprint_digest, tier, inserted_at
		FROM time_points `+where+`
		ORDER BY layer, idx`, args...)
	if err != nil {
		return nil, fmt.Errorf("query time points: %w", err)
	}
	defer rows.Close()

	var out []timeindex.TimePoint
	for rows.Next() {
		var (
			p      timeindex.TimePoint
			idx    int64
			digest string
			tier   int64
			at     int64
		)
		if err := rows.Scan(&p.Layer, &idx, &p.Phase, &p.Radius, &p.Weight, &digest, &tier, &at); err != nil {
			return nil, fmt.Errorf("scan time point: %w", err)
		}
		raw, err := hex.DecodeString(digest)
		if err != nil {
			return nil, fmt.Errorf("time point %s/%d: digest: %w", p.Layer, idx, err)
		}
		p.Index = uint64(idx)
		p.Ref = fingerprint.New(fingerprint.Tier(tier), multihash.Multihash(raw))
		p.InsertedAt = time.Unix(0, at).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
