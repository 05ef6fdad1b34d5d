// Package storage is the relational adapter every spine store goes through.
// It wraps database/sql with a bounded session pool, snapshot and
// read-write transaction helpers with server-side abort retry, and a
// latency-aware health breaker. While the breaker is open, fallback-capable
// read paths may consult the TTL'd corpus in fallback.go; writes never do.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

//go:embed schema.sql
var schemaSQL string

// serializationRetries bounds the in-adapter re-runs of a read-write
// transaction body after a serialization abort.
const serializationRetries = 3

// latencyWindow is the rolling sample count feeding the health signal.
const latencyWindow = 32

// errLatencyDegraded is the sentinel fed to the breaker when a call
// succeeded but the rolling latency average breached the threshold. Callers
// never see it.
var errLatencyDegraded = errors.New("storage latency degraded")

// Config tunes the adapter.
type Config struct {
	MinSessions         int
	MaxSessions         int
	AcquireTimeout      time.Duration
	LatencyThreshold    time.Duration
	ConsecutiveFailures uint32
	RecoveryWindow      time.Duration
	HalfOpenProbes      uint32
}

// DefaultConfig returns the nominal tuning.
func DefaultConfig() Config {
	return Config{
		MinSessions:         2,
		MaxSessions:         20,
		AcquireTimeout:      30 * time.Second,
		LatencyThreshold:    2 * time.Second,
		ConsecutiveFailures: 5,
		RecoveryWindow:      30 * time.Second,
		HalfOpenProbes:      3,
	}
}

// Stats is a point-in-time snapshot of pool pressure.
type Stats struct {
	InUse          int64  `json:"in_use"`
	Queued         int64  `json:"queued"`
	AcquiredTotal  int64  `json:"acquired_total"`
	ExhaustedTotal int64  `json:"exhausted_total"`
	BreakerState   string `json:"breaker_state"`
}

// Adapter is the shared storage entrypoint.
type Adapter struct {
	db      *sql.DB
	cfg     Config
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	inUse          atomic.Int64
	queued         atomic.Int64
	acquiredTotal  atomic.Int64
	exhaustedTotal atomic.Int64

	latMu     sync.Mutex
	latencies [latencyWindow]time.Duration
	latCount  int
	latNext   int
	degraded  atomic.Bool
}

// New wraps an opened *sql.DB. The caller owns db's lifetime.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = DefaultConfig().LatencyThreshold
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig().ConsecutiveFailures
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultConfig().RecoveryWindow
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = DefaultConfig().HalfOpenProbes
	}
	if logger == nil {
		logger = slog.Default()
	}

	db.SetMaxOpenConns(cfg.MaxSessions)
	db.SetMaxIdleConns(cfg.MinSessions)

	a := &Adapter{db: db, cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxSessions)), logger: logger}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.RecoveryWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures || a.degraded.Load()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage breaker state change",
				slog.String("from", from.String()), slog.String("to", to.String()))
			if to == gobreaker.StateHalfOpen {
				a.resetLatency()
			}
		},
	})

	return a
}

// Init applies the embedded schema idempotently.
func (a *Adapter) Init(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schemaSQL); err != nil {
		return errkind.Wrap(errkind.Internal, err, "applying schema")
	}
	return nil
}

// Ping is the startup pre-flight.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "storage ping")
	}
	return nil
}

// Healthy reports whether the breaker admits calls.
func (a *Adapter) Healthy() bool {
	return a.breaker.State() != gobreaker.StateOpen
}

// Stats snapshots pool pressure and breaker state.
func (a *Adapter) Stats() Stats {
	return Stats{
		InUse:          a.inUse.Load(),
		Queued:         a.queued.Load(),
		AcquiredTotal:  a.acquiredTotal.Load(),
		ExhaustedTotal: a.exhaustedTotal.Load(),
		BreakerState:   a.breaker.State().String(),
	}
}

// ReadOnly runs fn inside a snapshot read transaction.
func (a *Adapter) ReadOnly(ctx context.Context, fn func(*sql.Tx) error) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return a.observe(func() error {
		tx, err := a.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
		if err != nil {
			return errkind.Wrap(errkind.ServiceUnavailable, err, "begin snapshot")
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ReadWrite runs fn inside a read-write transaction, re-running the body on
// serialization aborts. fn must be side-effect-free outside the
// transaction's mutations: it may run more than once.
func (a *Adapter) ReadWrite(ctx context.Context, fn func(*sql.Tx) error) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return a.observe(func() error {
		var lastErr error
		for attempt := 0; attempt <= serializationRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			tx, err := a.db.BeginTx(ctx, nil)
			if err != nil {
				return errkind.Wrap(errkind.ServiceUnavailable, err, "begin transaction")
			}

			err = fn(tx)
			if err == nil {
				err = tx.Commit()
				if err == nil {
					return nil
				}
			} else {
				_ = tx.Rollback()
			}

			if !isSerializationFailure(err) {
				return err
			}
			lastErr = err
		}
		return errkind.Wrap(errkind.Conflict, lastErr, "transaction aborted after retries")
	})
}

// BulkDeleteOlder removes rows older than cutoff in bounded batches,
// returning the total deleted. table and tsColumn are code constants, never
// caller input.
func (a *Adapter) BulkDeleteOlder(ctx context.Context, table, tsColumn string, cutoff time.Time, batch int) (int64, error) {
	if batch < 1 {
		batch = 1000
	}
	query := `DELETE FROM ` + table + ` WHERE ctid IN (SELECT ctid FROM ` + table +
		` WHERE ` + tsColumn + ` < $1 LIMIT $2)`

	var total int64
	for {
		var affected int64
		err := a.ReadWrite(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, cutoff, batch)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}
		total += affected
		if affected < int64(batch) {
			return total, nil
		}
	}
}

// acquire admits a session within AcquireTimeout or fails resource-exhausted.
func (a *Adapter) acquire(ctx context.Context) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	defer cancel()

	a.queued.Add(1)
	err := a.sem.Acquire(actx, 1)
	a.queued.Add(-1)
	if err != nil {
		a.exhaustedTotal.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.New(errkind.ResourceExhausted,
			"session pool exhausted after %s (in_use=%d)", a.cfg.AcquireTimeout, a.inUse.Load())
	}

	a.inUse.Add(1)
	a.acquiredTotal.Add(1)
	return func() {
		a.inUse.Add(-1)
		a.sem.Release(1)
	}, nil
}

// observe routes a call through the breaker, feeding it failures and the
// latency health signal.
func (a *Adapter) observe(op func() error) error {
	_, err := a.breaker.Execute(func() (any, error) {
		start := time.Now()
		opErr := op()
		if opErr == nil {
			if avg := a.recordLatency(time.Since(start)); avg > a.cfg.LatencyThreshold {
				a.degraded.Store(true)
				return nil, errLatencyDegraded
			}
			a.degraded.Store(false)
		}
		return nil, opErr
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errLatencyDegraded):
		// The call itself succeeded; only the health signal tripped.
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errkind.Wrap(errkind.ServiceUnavailable, err, "storage unhealthy")
	default:
		return err
	}
}

func (a *Adapter) recordLatency(d time.Duration) time.Duration {
	a.latMu.Lock()
	defer a.latMu.Unlock()

	a.latencies[a.latNext] = d
	a.latNext = (a.latNext + 1) % latencyWindow
	if a.latCount < latencyWindow {
		a.latCount++
	}

	var sum time.Duration
	for i := 0; i < a.latCount; i++ {
		sum += a.latencies[i]
	}
	return sum / time.Duration(a.latCount)
}

func (a *Adapter) resetLatency() {
	a.latMu.Lock()
	a.latCount = 0
	a.latNext = 0
	a.latMu.Unlock()
	a.degraded.Store(false)
}

// isSerializationFailure detects Postgres abort codes 40001 and 40P01.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
