// Package idempotency deduplicates caller-initiated mutations by a
// deterministic fingerprint over the operation name and its parameters.
// Every mutation executes at most once; replays return the original
// commit timestamp unchanged.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Status reports whether a call executed its mutations or hit a prior
// execution.
type Status string

const (
	StatusExecuted  Status = "executed"
	StatusDuplicate Status = "duplicate"
)

// Result statuses recorded on the mutation log row.
const (
	ResultOK         = "ok"
	ResultInProgress = "in_progress"
)

// Record is one mutation log row.
type Record struct {
	MutationID      string    `json:"mutation_id"`
	OperationName   string    `json:"operation_name"`
	ParamsHash      string    `json:"params_hash"`
	ActorID         string    `json:"actor_id,omitempty"`
	ResultStatus    string    `json:"result_status"`
	RowsAffected    int64     `json:"rows_affected"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// Result is the outcome of Execute.
type Result struct {
	Status Status
	// CommitTimestamp is the store-assigned commit time of the execution;
	// for duplicates it is the ORIGINAL commit timestamp.
	CommitTimestamp time.Time
	RowsAffected    int64
	// ResultStatus carries the recorded outcome of the original execution
	// when Status is duplicate.
	ResultStatus string
}

// Apply carries the mutations of one operation. The Postgres executor runs
// it inside the claiming transaction and passes the open *sql.Tx; the memory
// executor passes a nil tx. Apply must be side-effect-free outside its
// mutations: it may run again after a serialization abort.
type Apply func(ctx context.Context, tx *sql.Tx) (rowsAffected int64, err error)

// Executor runs named mutation sets exactly once per parameter fingerprint.
type Executor interface {
	Execute(ctx context.Context, op string, params map[string]string, actor string, apply Apply) (*Result, error)
	// Lookup returns the record for a mutation id, reporting whether one
	// exists.
	Lookup(ctx context.Context, mutationID string) (*Record, bool, error)
	// Sweep deletes records older than the horizon, returning the count
	// removed.
	Sweep(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MutationID computes the deterministic fingerprint for an operation:
// the first 32 hex characters of SHA-256(op ‖ sorted_kv(params)).
func MutationID(op string, params map[string]string) string {
	sum := sha256.Sum256([]byte(op + sortedKV(params)))
	return hex.EncodeToString(sum[:])[:32]
}

// ParamsHash is the full SHA-256 over the sorted parameters, stored
// alongside the truncated id for forensics.
func ParamsHash(params map[string]string) string {
	sum := sha256.Sum256([]byte(sortedKV(params)))
	return hex.EncodeToString(sum[:])
}

// sortedKV joins k=v pairs with & after sorting keys.
func sortedKV(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
