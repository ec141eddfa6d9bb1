// Package ledger persists time points and glyphs in a SQLite database inside
// a data directory. Glyph record bytes are kept in a content-addressable
// store next to the database.
//
// A Store implements timeindex.Log and crystal.Registry. Only one process may
// open a directory at a time.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/localfs"
)

// ErrLocked is returned by Open when another process holds the directory.
var ErrLocked = errors.New("ledger: directory is locked by another process")

// ErrGrowthPeriodMismatch is returned by Open when the configured growth
// period differs from the one the ledger was created with.
var ErrGrowthPeriodMismatch = errors.New("ledger: growth period mismatch")

const (
	dbFileName   = "ledger.db"
	lockFileName = "ledger.lock"
	recordsDir   = "records"

	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is the durable ledger.
type Store struct {
	db      *sql.DB
	lock    *flock.Flock
	records storage.Records
	log     *slog.Logger
	now     func() time.Time
	dir     string
	k       float64
}

type Option func(*Store)

// WithRecordCAS replaces the default records/ filesystem CAS.
func WithRecordCAS(c storage.CAS) Option { return func(s *Store) { s.records = storage.Records{CAS: c} } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithGrowthPeriod pins the spiral growth period. The first Open that sets it
// stores k; later opens with a different k fail with ErrGrowthPeriodMismatch.
func WithGrowthPeriod(k float64) Option { return func(s *Store) { s.k = k } }

// Open opens or creates the ledger in dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("ledger: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	s := &Store{lock: lock, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.records.CAS == nil {
		cas, err := localfs.New(filepath.Join(dir, recordsDir))
		if err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("open record store: %w", err)
		}
		s.records = storage.Records{CAS: cas}
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if s.k > 0 {
		if err := pinGrowthPeriod(ctx, db, s.k); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, err
		}
	}
	s.db = db
	s.log.Debug("ledger opened", "dir", dir)
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Records returns the glyph record store.
func (s *Store) Records() storage.Records { return s.records }

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
