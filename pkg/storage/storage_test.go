package storage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

func newMockAdapter(t *testing.T, cfg Config) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, cfg, logger), mock
}

func TestInitAppliesSchema(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, a.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadWriteRetriesSerializationAbort(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := a.ReadWrite(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if attempts == 1 {
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadWriteGivesUpAfterRetryBudget(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())

	for i := 0; i <= serializationRetries; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	attempts := 0
	err := a.ReadWrite(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return &pq.Error{Code: "40P01"}
	})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Conflict))
	assert.Equal(t, serializationRetries+1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadWritePassesThroughOrdinaryErrors(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("constraint violated")
	err := a.ReadWrite(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadOnlyCommitsSnapshot(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectCommit()

	err := a.ReadOnly(context.Background(), func(tx *sql.Tx) error {
		var one int
		return tx.QueryRowContext(context.Background(), "SELECT 1").Scan(&one)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	cfg.AcquireTimeout = 25 * time.Millisecond
	a, _ := newMockAdapter(t, cfg)

	release, err := a.acquire(context.Background())
	require.NoError(t, err)

	_, err = a.acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ResourceExhausted))

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.InUse)
	assert.Equal(t, int64(1), stats.ExhaustedTotal)

	release()
	release2, err := a.acquire(context.Background())
	require.NoError(t, err)
	release2()
	assert.Equal(t, int64(0), a.Stats().InUse)
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 2
	a, mock := newMockAdapter(t, cfg)

	down := errors.New("connection refused")
	mock.ExpectBegin().WillReturnError(down)
	mock.ExpectBegin().WillReturnError(down)

	for i := 0; i < 2; i++ {
		err := a.ReadOnly(context.Background(), func(tx *sql.Tx) error { return nil })
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.ServiceUnavailable))
	}

	assert.False(t, a.Healthy())

	// The open breaker rejects without touching the database.
	err := a.ReadOnly(context.Background(), func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ServiceUnavailable))
	assert.Equal(t, "open", a.Stats().BreakerState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatencyBreachTripsBreakerWithoutFailingTheCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LatencyThreshold = time.Nanosecond
	a, mock := newMockAdapter(t, cfg)

	mock.ExpectBegin()
	mock.ExpectCommit()

	// The call itself succeeds; only the health signal trips.
	err := a.ReadOnly(context.Background(), func(tx *sql.Tx) error { return nil })
	require.NoError(t, err)
	assert.False(t, a.Healthy())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkDeleteOlderDrainsInBatches(t *testing.T) {
	a, mock := newMockAdapter(t, DefaultConfig())
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mutation_log")).
		WithArgs(cutoff, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mutation_log")).
		WithArgs(cutoff, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	total, err := a.BulkDeleteOlder(context.Background(), "mutation_log", "created_at", cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.False(t, isSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.New("40001")))
	assert.False(t, isSerializationFailure(nil))
}

func TestFallbackCorpusRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")
	fc, err := OpenFallbackCorpus(path, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })

	ctx := context.Background()
	require.NoError(t, fc.Put(ctx, "cube:cube-1:public", []byte(`{"facet":"identity"}`)))

	payload, found, err := fc.Get(ctx, "cube:cube-1:public")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"facet":"identity"}`, string(payload))

	_, found, err = fc.Get(ctx, "cube:absent:public")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFallbackCorpusExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")
	fc, err := OpenFallbackCorpus(path, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })

	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	fc.WithClock(func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, fc.Put(ctx, "region:eu-west1", []byte(`{"regime":"GDPR"}`)))

	now = now.Add(59 * time.Second)
	_, found, err := fc.Get(ctx, "region:eu-west1")
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(2 * time.Second)
	_, found, err = fc.Get(ctx, "region:eu-west1")
	require.NoError(t, err)
	assert.False(t, found)

	pruned, err := fc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestFallbackCorpusRefreshResetsClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")
	fc, err := OpenFallbackCorpus(path, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })

	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	fc.WithClock(func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, fc.Put(ctx, "k", []byte("v1")))
	now = now.Add(50 * time.Second)
	require.NoError(t, fc.Put(ctx, "k", []byte("v2")))
	now = now.Add(50 * time.Second)

	payload, found, err := fc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v2"), payload)
}
