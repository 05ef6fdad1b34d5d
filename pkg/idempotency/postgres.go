package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// PostgresExecutor claims mutation ids in the mutation_log table. The claim,
// the caller's mutations, and the finalizing update share one read-write
// transaction, so a failed apply rolls the claim back and the id stays
// claimable.
type PostgresExecutor struct {
	store *storage.Adapter
}

func NewPostgresExecutor(store *storage.Adapter) *PostgresExecutor {
	return &PostgresExecutor{store: store}
}

func (e *PostgresExecutor) Execute(ctx context.Context, op string, params map[string]string, actor string, apply Apply) (*Result, error) {
	id := MutationID(op, params)
	paramsHash := ParamsHash(params)

	var out Result
	err := e.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		// Concurrent claims on the same id serialize on the row; the
		// loser of the insert race reads the winner's committed record.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO mutation_log (mutation_id, operation_name, params_hash, actor_id, result_status)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (mutation_id) DO NOTHING`,
			id, op, paramsHash, nullable(actor), ResultInProgress)
		if err != nil {
			return fmt.Errorf("claim mutation %s: %w", id, err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim mutation %s: %w", id, err)
		}
		if claimed == 0 {
			prior, found, err := lookupTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if !found {
				return errkind.New(errkind.Internal, "mutation %s claimed but unreadable", id)
			}
			out = Result{
				Status:          StatusDuplicate,
				CommitTimestamp: prior.CommitTimestamp,
				RowsAffected:    prior.RowsAffected,
				ResultStatus:    prior.ResultStatus,
			}
			return nil
		}

		rows, err := apply(ctx, tx)
		if err != nil {
			return err
		}

		var commitTS time.Time
		err = tx.QueryRowContext(ctx,
			`UPDATE mutation_log SET result_status = $2, rows_affected = $3
			 WHERE mutation_id = $1
			 RETURNING commit_timestamp`,
			id, ResultOK, rows).Scan(&commitTS)
		if err != nil {
			return fmt.Errorf("finalize mutation %s: %w", id, err)
		}
		out = Result{
			Status:          StatusExecuted,
			CommitTimestamp: commitTS,
			RowsAffected:    rows,
			ResultStatus:    ResultOK,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *PostgresExecutor) Lookup(ctx context.Context, mutationID string) (*Record, bool, error) {
	var (
		rec   *Record
		found bool
	)
	err := e.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var err error
		rec, found, err = lookupTx(ctx, tx, mutationID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, found, nil
}

func (e *PostgresExecutor) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	return e.store.BulkDeleteOlder(ctx, "mutation_log", "commit_timestamp", cutoff, 500)
}

func lookupTx(ctx context.Context, tx *sql.Tx, id string) (*Record, bool, error) {
	var (
		rec   Record
		actor sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT mutation_id, operation_name, params_hash, actor_id, result_status, rows_affected, commit_timestamp
		 FROM mutation_log WHERE mutation_id = $1`,
		id).Scan(&rec.MutationID, &rec.OperationName, &rec.ParamsHash, &actor, &rec.ResultStatus, &rec.RowsAffected, &rec.CommitTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup mutation %s: %w", id, err)
	}
	rec.ActorID = actor.String
	return &rec, true, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
