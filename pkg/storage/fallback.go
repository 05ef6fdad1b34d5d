package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// FallbackCorpus is a bounded, TTL'd read cache backed by a local SQLite
// file. Fallback-capable read paths consult it while the storage breaker is
// open: public facet projections and region metadata preloaded at startup
// plus whatever successful reads refreshed since. It never serves writes.
type FallbackCorpus struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

const fallbackSchema = `
CREATE TABLE IF NOT EXISTS corpus (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	stored_at  TEXT NOT NULL
);
`

// OpenFallbackCorpus opens (creating if needed) the corpus at path.
// A ttl of zero keeps entries for the nominal five minutes.
func OpenFallbackCorpus(path string, ttl time.Duration) (*FallbackCorpus, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening fallback corpus: %w", err)
	}
	if _, err := db.Exec(fallbackSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing fallback corpus: %w", err)
	}
	return &FallbackCorpus{db: db, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the corpus clock for tests.
func (f *FallbackCorpus) WithClock(clock func() time.Time) *FallbackCorpus {
	f.clock = clock
	return f
}

// Put stores or refreshes an entry.
func (f *FallbackCorpus) Put(ctx context.Context, key string, payload []byte) error {
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO corpus (key, payload, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		key, payload, f.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storing fallback entry %q: %w", key, err)
	}
	return nil
}

// Get returns an unexpired entry, reporting whether one was found.
func (f *FallbackCorpus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	var storedAt string
	err := f.db.QueryRowContext(ctx,
		`SELECT payload, stored_at FROM corpus WHERE key = ?`, key).Scan(&payload, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading fallback entry %q: %w", key, err)
	}

	stored, err := time.Parse(time.RFC3339Nano, storedAt)
	if err != nil {
		return nil, false, nil
	}
	if f.clock().Sub(stored) > f.ttl {
		return nil, false, nil
	}
	return payload, true, nil
}

// Prune deletes expired entries, returning the count removed.
func (f *FallbackCorpus) Prune(ctx context.Context) (int64, error) {
	cutoff := f.clock().Add(-f.ttl).UTC().Format(time.RFC3339Nano)
	res, err := f.db.ExecContext(ctx, `DELETE FROM corpus WHERE stored_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning fallback corpus: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying file handle.
func (f *FallbackCorpus) Close() error {
	return f.db.Close()
}
