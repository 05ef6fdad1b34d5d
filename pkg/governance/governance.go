// Package governance runs the human-review queue. Escalated decisions
// park here as pending audit entries; a reviewer's verdict is applied to
// the chain tail and, on approval, the original action is replayed with
// the parameters captured at escalation time.
package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// DetailReasonKey and DetailRequestKey are the decision-detail slots the
// queue reads back: the human-readable reason shown in the queue listing
// and the original request parameters used for replay after approval.
const (
	DetailReasonKey  = "reason"
	DetailRequestKey = "request"
)

// DefaultReviewWindow is the promised turnaround for a queued escalation.
const DefaultReviewWindow = 24 * time.Hour

// Replayer re-executes an approved action with its originally captured
// parameters. Implemented by the orchestrator.
type Replayer interface {
	Replay(ctx context.Context, subjectID string, detail map[string]any) error
}

// EnqueueParams describes one escalation.
type EnqueueParams struct {
	SubjectID  string
	RegionCode string
	Reason     string
	// Summary is the audit summary for the queued entry; empty means
	// "escalation_queued".
	Summary string
	// Detail carries the original request parameters under
	// DetailRequestKey so an approval can replay them.
	Detail map[string]any
}

// Ticket is handed back to the caller whose action was parked.
type Ticket struct {
	EscalationID      string    `json:"escalation_id"`
	SubjectID         string    `json:"scan_id"`
	EstimatedReviewBy time.Time `json:"estimated_review_by"`
}

// Escalation is one pending queue row.
type Escalation struct {
	EscalationID string    `json:"escalation_id"`
	SubjectID    string    `json:"scan_id"`
	RegionCode   string    `json:"region_code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DecisionResult reports an applied reviewer verdict.
type DecisionResult struct {
	SubjectID  string `json:"scan_id"`
	Approved   bool   `json:"approved"`
	ReviewerID string `json:"reviewer_user_id"`
	EntryHash  string `json:"entry_hash"`
	Replayed   bool   `json:"replayed"`
}

// Queue is the escalation queue over the audit chain.
type Queue struct {
	audit  *audit.Log
	replay Replayer
	logger *slog.Logger
	clock  func() time.Time
	window time.Duration
}

func NewQueue(auditLog *audit.Log, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		audit:  auditLog,
		logger: logger.With("component", "governance"),
		clock:  time.Now,
		window: DefaultReviewWindow,
	}
}

// SetReplayer wires the approval replay target. Wiring happens after
// construction because the orchestrator is built later in startup.
func (q *Queue) SetReplayer(r Replayer) { q.replay = r }

// WithReviewWindow overrides the promised review turnaround.
func (q *Queue) WithReviewWindow(d time.Duration) *Queue {
	if d > 0 {
		q.window = d
	}
	return q
}

// WithClock overrides the review-estimate clock for tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Enqueue parks an escalated decision as a pending audit entry. The
// entry is flagged risky and unapproved so it surfaces in List; nothing
// is anchored for a parked subject.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Ticket, error) {
	if p.SubjectID == "" {
		return nil, errkind.New(errkind.Validation, "subject_id is required")
	}
	summary := p.Summary
	if summary == "" {
		summary = "escalation_queued"
	}
	detail := make(map[string]any, len(p.Detail)+1)
	for k, v := range p.Detail {
		detail[k] = v
	}
	if p.Reason != "" {
		detail[DetailReasonKey] = p.Reason
	}

	entry, err := q.audit.Append(ctx, audit.AppendParams{
		SubjectID:   p.SubjectID,
		Summary:     summary,
		Detail:      detail,
		RegionCode:  p.RegionCode,
		RiskFlagged: true,
		Escalated:   true,
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("escalation queued",
		"subject_id", p.SubjectID, "region", p.RegionCode, "reason", p.Reason)
	return &Ticket{
		EscalationID:      entry.EntryID,
		SubjectID:         p.SubjectID,
		EstimatedReviewBy: q.clock().UTC().Add(q.window),
	}, nil
}

// List returns the pending queue, oldest first.
func (q *Queue) List(ctx context.Context) ([]Escalation, error) {
	entries, err := q.audit.PendingEscalations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Escalation, 0, len(entries))
	for _, e := range entries {
		row := Escalation{
			EscalationID: e.EntryID,
			SubjectID:    e.SubjectID,
			RegionCode:   e.RegionCode,
			CreatedAt:    e.CreatedAt,
		}
		if reason, ok := e.DecisionDetail[DetailReasonKey].(string); ok {
			row.Reason = reason
		}
		out = append(out, row)
	}
	return out, nil
}

// Decide applies a reviewer verdict to a subject's pending escalation.
// Approval triggers a best-effort replay of the captured request; a
// failed replay leaves the verdict standing and is retried by hand.
func (q *Queue) Decide(ctx context.Context, subjectID string, approved bool, reviewerID, note string) (*DecisionResult, error) {
	entry, err := q.audit.Decide(ctx, subjectID, approved, reviewerID, note)
	if err != nil {
		return nil, err
	}
	res := &DecisionResult{
		SubjectID:  subjectID,
		Approved:   approved,
		ReviewerID: reviewerID,
		EntryHash:  entry.EntryHash,
	}
	q.logger.Info("escalation decided",
		"subject_id", subjectID, "approved", approved, "reviewer", reviewerID)

	// Escalations parked without a captured request (single-face reviews)
	// have nothing to re-execute; approval alone is the outcome.
	_, replayable := entry.DecisionDetail[DetailRequestKey]
	if approved && replayable && q.replay != nil {
		if err := q.replay.Replay(ctx, subjectID, entry.DecisionDetail); err != nil {
			q.logger.Warn("approved replay failed",
				"subject_id", subjectID, "error", err)
		} else {
			res.Replayed = true
		}
	}
	return res, nil
}
