package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryExecutor keeps the mutation log in process memory. It backs tests
// and single-node development; apply funcs receive a nil transaction.
type MemoryExecutor struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *MemoryExecutor) WithClock(clock func() time.Time) *MemoryExecutor {
	e.clock = clock
	return e
}

func (e *MemoryExecutor) Execute(ctx context.Context, op string, params map[string]string, actor string, apply Apply) (*Result, error) {
	id := MutationID(op, params)

	e.mu.Lock()
	if prior, ok := e.records[id]; ok {
		e.mu.Unlock()
		return &Result{
			Status:          StatusDuplicate,
			CommitTimestamp: prior.CommitTimestamp,
			RowsAffected:    prior.RowsAffected,
			ResultStatus:    prior.ResultStatus,
		}, nil
	}
	claim := &Record{
		MutationID:      id,
		OperationName:   op,
		ParamsHash:      ParamsHash(params),
		ActorID:         actor,
		ResultStatus:    ResultInProgress,
		CommitTimestamp: e.clock().UTC(),
	}
	e.records[id] = claim
	e.mu.Unlock()

	rows, err := apply(ctx, nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		// Release the claim so a retry may execute.
		delete(e.records, id)
		return nil, err
	}
	claim.ResultStatus = ResultOK
	claim.RowsAffected = rows
	claim.CommitTimestamp = e.clock().UTC()
	return &Result{
		Status:          StatusExecuted,
		CommitTimestamp: claim.CommitTimestamp,
		RowsAffected:    rows,
		ResultStatus:    ResultOK,
	}, nil
}

func (e *MemoryExecutor) Lookup(ctx context.Context, mutationID string) (*Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[mutationID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (e *MemoryExecutor) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := e.clock().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	var removed int64
	for id, rec := range e.records {
		if rec.CommitTimestamp.Before(cutoff) {
			delete(e.records, id)
			removed++
		}
	}
	return removed, nil
}
