// Package audit maintains the per-subject hash-chained decision log that
// makes every policy outcome tamper-evident, plus the anchor records tying
// subjects to the external ledgers. Entries are append-only; the single
// permitted mutation is a human reviewer deciding the pending tail of a
// chain, which rewrites that entry's hash in place.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// Entry is one link in a subject's audit chain. The hash covers the
// previous hash, the summary, the canonical detail, and the creation
// timestamp, so any rewrite of a non-tail entry breaks verification.
type Entry struct {
	Seq                int64          `json:"seq"`
	EntryID            string         `json:"entry_id"`
	SubjectID          string         `json:"subject_id"`
	DecisionSummary    string         `json:"decision_summary"`
	DecisionDetail     map[string]any `json:"decision_detail,omitempty"`
	RegionCode         string         `json:"region_code,omitempty"`
	RiskFlagged        bool           `json:"risk_flagged,omitempty"`
	EscalatedToHuman   bool           `json:"escalated_to_human,omitempty"`
	HumanApproverID    string         `json:"human_approver_id,omitempty"`
	GovernanceNote     string         `json:"governance_note,omitempty"`
	GovernanceApproved *bool          `json:"governance_approved,omitempty"`
	PrevHash           string         `json:"prev_hash"`
	EntryHash          string         `json:"entry_hash"`
	CreatedAt          time.Time      `json:"created_at"`
}

// AppendParams describes a new chain entry. Detail is copied before
// storage; callers may reuse the map.
type AppendParams struct {
	SubjectID   string
	Summary     string
	Detail      map[string]any
	RegionCode  string
	RiskFlagged bool
	Escalated   bool
}

// ChainAnchor records where a subject's decision was anchored on the two
// ledgers. A row with empty hashes is a provisional anchor claimed before
// submission; Complete reports whether both ledgers confirmed.
type ChainAnchor struct {
	SubjectID          string     `json:"subject_id"`
	CardanoTxHash      string     `json:"cardano_tx_hash,omitempty"`
	MidnightTxHash     string     `json:"midnight_tx_hash,omitempty"`
	CrosschainRootHash string     `json:"crosschain_root_hash,omitempty"`
	AnchoredAt         *time.Time `json:"anchored_at,omitempty"`
}

func (a *ChainAnchor) Complete() bool {
	return a != nil && a.CardanoTxHash != "" && a.MidnightTxHash != ""
}

// VerifyReport is the result of recomputing a subject's chain.
type VerifyReport struct {
	SubjectID      string `json:"subject_id"`
	Valid          bool   `json:"valid"`
	Length         int    `json:"length"`
	FirstBrokenSeq int64  `json:"first_broken_seq,omitempty"`
}

// Store persists audit chains and anchors. Chain returns entries ordered
// by commit timestamp, tie-broken by insertion sequence.
type Store interface {
	Append(ctx context.Context, p AppendParams) (*Entry, error)
	Chain(ctx context.Context, subjectID string) ([]Entry, error)
	Tail(ctx context.Context, subjectID string) (*Entry, error)
	UpsertAnchor(ctx context.Context, a *ChainAnchor) error
	Anchor(ctx context.Context, subjectID string) (*ChainAnchor, bool, error)
	PendingEscalations(ctx context.Context) ([]Entry, error)
	Decide(ctx context.Context, subjectID string, approved bool, reviewerID, note string) (*Entry, error)
}

// EntryHash computes the chain hash for one entry. createdAt must already
// be truncated to the stored precision or verification will disagree with
// the database round-trip.
func EntryHash(prevHash, summary string, detail map[string]any, createdAt time.Time) (string, error) {
	canonical, err := canonicalize.JCS(detailOrEmpty(detail))
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize detail: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(summary))
	h.Write(canonical)
	h.Write([]byte(createdAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StampTime normalizes a timestamp for hashing: UTC, microsecond
// precision. TIMESTAMPTZ stores microseconds, so anything finer would
// verify in memory and fail after a database round-trip.
func StampTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// verifyEntries recomputes every hash link in an ordered chain.
func verifyEntries(subjectID string, entries []Entry) *VerifyReport {
	report := &VerifyReport{SubjectID: subjectID, Valid: true, Length: len(entries)}
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			report.Valid = false
			report.FirstBrokenSeq = e.Seq
			return report
		}
		want, err := EntryHash(e.PrevHash, e.DecisionSummary, e.DecisionDetail, StampTime(e.CreatedAt))
		if err != nil || want != e.EntryHash {
			report.Valid = false
			report.FirstBrokenSeq = e.Seq
			return report
		}
		prev = e.EntryHash
	}
	return report
}

// Explain whitelist keys. Every response carries exactly these nine keys;
// absent values are zero, never omitted, and nothing outside the list is
// ever returned.
var explainKeys = []string{
	"subject_id",
	"occurred_at",
	"region_code",
	"policy_version",
	"resolved_scope",
	"shown_facets_count",
	"cardano_tx_hash",
	"midnight_tx_hash",
	"crosschain_root_hash",
}

func buildExplain(subjectID string, tail *Entry, anchor *ChainAnchor) map[string]any {
	out := map[string]any{
		"subject_id":           subjectID,
		"occurred_at":          tail.CreatedAt,
		"region_code":          tail.RegionCode,
		"policy_version":       "",
		"resolved_scope":       "",
		"shown_facets_count":   0,
		"cardano_tx_hash":      "",
		"midnight_tx_hash":     "",
		"crosschain_root_hash": "",
	}
	if v, ok := tail.DecisionDetail["policy_version"].(string); ok {
		out["policy_version"] = v
	}
	if v, ok := tail.DecisionDetail["resolved_scope"].(string); ok {
		out["resolved_scope"] = v
	}
	switch v := tail.DecisionDetail["shown_facets_count"].(type) {
	case int:
		out["shown_facets_count"] = v
	case float64:
		out["shown_facets_count"] = int(v)
	}
	if anchor != nil {
		out["cardano_tx_hash"] = anchor.CardanoTxHash
		out["midnight_tx_hash"] = anchor.MidnightTxHash
		out["crosschain_root_hash"] = anchor.CrosschainRootHash
	}
	return out
}

// Log wraps a Store with the chain-integrity operations shared by both
// backends.
type Log struct {
	store Store
}

func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Store exposes the underlying backend for callers needing direct access.
func (l *Log) Store() Store { return l.store }

func (l *Log) Append(ctx context.Context, p AppendParams) (*Entry, error) {
	return l.store.Append(ctx, p)
}

func (l *Log) Chain(ctx context.Context, subjectID string) ([]Entry, error) {
	return l.store.Chain(ctx, subjectID)
}

func (l *Log) UpsertAnchor(ctx context.Context, a *ChainAnchor) error {
	return l.store.UpsertAnchor(ctx, a)
}

func (l *Log) Anchor(ctx context.Context, subjectID string) (*ChainAnchor, bool, error) {
	return l.store.Anchor(ctx, subjectID)
}

func (l *Log) PendingEscalations(ctx context.Context) ([]Entry, error) {
	return l.store.PendingEscalations(ctx)
}

func (l *Log) Decide(ctx context.Context, subjectID string, approved bool, reviewerID, note string) (*Entry, error) {
	return l.store.Decide(ctx, subjectID, approved, reviewerID, note)
}

// Verify recomputes the full chain for a subject.
func (l *Log) Verify(ctx context.Context, subjectID string) (*VerifyReport, error) {
	entries, err := l.store.Chain(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
	}
	return verifyEntries(subjectID, entries), nil
}

// Explain returns the nine whitelisted fields describing the latest
// decision for a subject. Nothing else ever leaves this function.
func (l *Log) Explain(ctx context.Context, subjectID string) (map[string]any, error) {
	tail, err := l.store.Tail(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	anchor, _, err := l.store.Anchor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return buildExplain(subjectID, tail, anchor), nil
}

func detailOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func copyDetail(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
