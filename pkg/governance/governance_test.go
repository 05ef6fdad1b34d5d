package governance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReplayer struct {
	calls   int
	subject string
	detail  map[string]any
	err     error
}

func (f *fakeReplayer) Replay(ctx context.Context, subjectID string, detail map[string]any) error {
	f.calls++
	f.subject = subjectID
	f.detail = detail
	return f.err
}

func newQueue(t *testing.T) (*Queue, *audit.Log) {
	t.Helper()
	log := audit.NewLog(audit.NewMemoryStore())
	q := NewQueue(log, testLogger()).
		WithClock(func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) })
	return q, log
}

func TestEnqueueParksPendingEntry(t *testing.T) {
	q, log := newQueue(t)

	ticket, err := q.Enqueue(context.Background(), EnqueueParams{
		SubjectID:  "S2",
		RegionCode: "eu-west1",
		Reason:     "private_scope_review",
		Summary:    "scan_processed/escalate",
		Detail: map[string]any{
			DetailRequestKey: map[string]any{"scan_id": "S2", "garment_tag": "T-900"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "S2", ticket.SubjectID)
	assert.Equal(t, time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC), ticket.EstimatedReviewBy)

	chain, err := log.Chain(context.Background(), "S2")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, ticket.EscalationID, chain[0].EntryID)
	assert.True(t, chain[0].EscalatedToHuman)
	assert.True(t, chain[0].RiskFlagged)
	assert.Empty(t, chain[0].HumanApproverID)
	assert.Equal(t, "private_scope_review", chain[0].DecisionDetail[DetailReasonKey])
}

func TestEnqueueRequiresSubject(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue(context.Background(), EnqueueParams{Reason: "missing id"})
	require.Error(t, err)
}

func TestListSurfacesOnlyPending(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Enqueue(context.Background(), EnqueueParams{
		SubjectID: "S1", RegionCode: "eu-west1", Reason: "region_review",
	})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), EnqueueParams{
		SubjectID: "S2", RegionCode: "us-west2", Reason: "private_scope_review",
	})
	require.NoError(t, err)

	rows, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "S1", rows[0].SubjectID)
	assert.Equal(t, "region_review", rows[0].Reason)
	assert.Equal(t, "us-west2", rows[1].RegionCode)

	_, err = q.Decide(context.Background(), "S1", false, "R1", "not warranted")
	require.NoError(t, err)

	rows, err = q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "S2", rows[0].SubjectID)
}

func TestDecideApprovedReplaysCapturedRequest(t *testing.T) {
	q, log := newQueue(t)
	replayer := &fakeReplayer{}
	q.SetReplayer(replayer)

	_, err := q.Enqueue(context.Background(), EnqueueParams{
		SubjectID: "S3",
		Summary:   "scan_processed/escalate",
		Detail: map[string]any{
			DetailRequestKey: map[string]any{"scan_id": "S3", "scanner_user_id": "U3"},
		},
	})
	require.NoError(t, err)

	res, err := q.Decide(context.Background(), "S3", true, "R1", "checked with owner")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, replayer.calls)
	assert.Equal(t, "S3", replayer.subject)

	captured, ok := replayer.detail[DetailRequestKey].(map[string]any)
	require.True(t, ok, "replay detail lost the captured request")
	assert.Equal(t, "U3", captured["scanner_user_id"])

	chain, err := log.Chain(context.Background(), "S3")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, strings.HasSuffix(chain[0].DecisionSummary, "/human_decision"))
	assert.Equal(t, "R1", chain[0].HumanApproverID)
	assert.False(t, chain[0].EscalatedToHuman)
	assert.Equal(t, res.EntryHash, chain[0].EntryHash)

	report, err := log.Verify(context.Background(), "S3")
	require.NoError(t, err)
	assert.True(t, report.Valid, "decided chain must still verify")
}

func TestDecideRejectedSkipsReplay(t *testing.T) {
	q, _ := newQueue(t)
	replayer := &fakeReplayer{}
	q.SetReplayer(replayer)

	_, err := q.Enqueue(context.Background(), EnqueueParams{SubjectID: "S4"})
	require.NoError(t, err)

	res, err := q.Decide(context.Background(), "S4", false, "R1", "")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.False(t, res.Replayed)
	assert.Zero(t, replayer.calls)
}

func TestReplayFailureDoesNotUndoVerdict(t *testing.T) {
	q, log := newQueue(t)
	replayer := &fakeReplayer{err: errors.New("orchestrator offline")}
	q.SetReplayer(replayer)

	_, err := q.Enqueue(context.Background(), EnqueueParams{
		SubjectID: "S5",
		Detail:    map[string]any{DetailRequestKey: map[string]any{"scan_id": "S5"}},
	})
	require.NoError(t, err)

	res, err := q.Decide(context.Background(), "S5", true, "R2", "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, replayer.calls)

	chain, err := log.Chain(context.Background(), "S5")
	require.NoError(t, err)
	assert.Equal(t, "R2", chain[0].HumanApproverID)
}

func TestApproveWithoutCapturedRequestSkipsReplay(t *testing.T) {
	q, _ := newQueue(t)
	replayer := &fakeReplayer{}
	q.SetReplayer(replayer)

	_, err := q.Enqueue(context.Background(), EnqueueParams{SubjectID: "S6"})
	require.NoError(t, err)

	res, err := q.Decide(context.Background(), "S6", true, "R1", "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.False(t, res.Replayed)
	assert.Zero(t, replayer.calls)
}

func TestDecideUnknownSubject(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Decide(context.Background(), "ghost", true, "R1", "")
	require.Error(t, err)
}
