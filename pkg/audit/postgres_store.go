package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// PostgresStore persists chains in the relational store. Appends to the
// same subject serialize on a per-subject advisory lock so two writers
// never claim the same previous hash.
type PostgresStore struct {
	store *storage.Adapter
	clock func() time.Time
}

func NewPostgresStore(store *storage.Adapter) *PostgresStore {
	return &PostgresStore{store: store, clock: time.Now}
}

// WithClock overrides the entry timestamp source for tests.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

const entrySelect = `
	SELECT seq, entry_id, subject_id, decision_summary, decision_detail,
	       region_code, risk_flagged, escalated_to_human,
	       human_approver_id, governance_note, governance_approved,
	       prev_hash, entry_hash, created_at
	FROM audit_log`

func (s *PostgresStore) Append(ctx context.Context, p AppendParams) (*Entry, error) {
	if p.SubjectID == "" {
		return nil, errkind.New(errkind.Validation, "subject_id is required")
	}
	if p.Summary == "" {
		return nil, errkind.New(errkind.Validation, "decision summary is required")
	}

	detail := copyDetail(p.Detail)
	rawDetail, err := json.Marshal(detailOrEmpty(detail))
	if err != nil {
		return nil, fmt.Errorf("audit: encode detail: %w", err)
	}

	entry := &Entry{
		EntryID:          uuid.New().String(),
		SubjectID:        p.SubjectID,
		DecisionSummary:  p.Summary,
		DecisionDetail:   detail,
		RegionCode:       p.RegionCode,
		RiskFlagged:      p.RiskFlagged,
		EscalatedToHuman: p.Escalated,
	}

	err = s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		if err := lockSubject(ctx, tx, p.SubjectID); err != nil {
			return err
		}

		prev := ""
		err := tx.QueryRowContext(ctx, `
			SELECT entry_hash FROM audit_log
			WHERE subject_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT 1`, p.SubjectID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("audit: read chain tail: %w", err)
		}

		createdAt := StampTime(s.clock())
		hash, err := EntryHash(prev, p.Summary, detail, createdAt)
		if err != nil {
			return err
		}
		entry.PrevHash = prev
		entry.EntryHash = hash
		entry.CreatedAt = createdAt

		return tx.QueryRowContext(ctx, `
			INSERT INTO audit_log (entry_id, subject_id, decision_summary, decision_detail,
			                       region_code, risk_flagged, escalated_to_human,
			                       prev_hash, entry_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING seq`,
			entry.EntryID, entry.SubjectID, entry.DecisionSummary, rawDetail,
			entry.RegionCode, entry.RiskFlagged, entry.EscalatedToHuman,
			entry.PrevHash, entry.EntryHash, entry.CreatedAt).Scan(&entry.Seq)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) Chain(ctx context.Context, subjectID string) ([]Entry, error) {
	var out []Entry
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, entrySelect+`
			WHERE subject_id = $1
			ORDER BY created_at ASC, seq ASC`, subjectID)
		if err != nil {
			return fmt.Errorf("audit: query chain: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Tail(ctx context.Context, subjectID string) (*Entry, error) {
	var entry *Entry
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, entrySelect+`
			WHERE subject_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT 1`, subjectID)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) UpsertAnchor(ctx context.Context, a *ChainAnchor) error {
	if a == nil || a.SubjectID == "" {
		return errkind.New(errkind.Validation, "anchor subject_id is required")
	}
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_anchors (subject_id, cardano_tx_hash, midnight_tx_hash, crosschain_root_hash, anchored_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5)
			ON CONFLICT (subject_id) DO UPDATE SET
				cardano_tx_hash      = COALESCE(NULLIF(EXCLUDED.cardano_tx_hash, ''), chain_anchors.cardano_tx_hash),
				midnight_tx_hash     = COALESCE(NULLIF(EXCLUDED.midnight_tx_hash, ''), chain_anchors.midnight_tx_hash),
				crosschain_root_hash = COALESCE(NULLIF(EXCLUDED.crosschain_root_hash, ''), chain_anchors.crosschain_root_hash),
				anchored_at          = COALESCE(EXCLUDED.anchored_at, chain_anchors.anchored_at)`,
			a.SubjectID, a.CardanoTxHash, a.MidnightTxHash, a.CrosschainRootHash, a.AnchoredAt)
		if err != nil {
			return fmt.Errorf("audit: upsert anchor: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Anchor(ctx context.Context, subjectID string) (*ChainAnchor, bool, error) {
	var (
		anchor ChainAnchor
		found  bool
	)
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var (
			cardano, midnight, root sql.NullString
			anchoredAt              sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
			SELECT subject_id, cardano_tx_hash, midnight_tx_hash, crosschain_root_hash, anchored_at
			FROM chain_anchors
			WHERE subject_id = $1`, subjectID).
			Scan(&anchor.SubjectID, &cardano, &midnight, &root, &anchoredAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audit: read anchor: %w", err)
		}
		anchor.CardanoTxHash = cardano.String
		anchor.MidnightTxHash = midnight.String
		anchor.CrosschainRootHash = root.String
		if anchoredAt.Valid {
			at := anchoredAt.Time
			anchor.AnchoredAt = &at
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &anchor, true, nil
}

func (s *PostgresStore) PendingEscalations(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, entrySelect+`
			WHERE escalated_to_human AND human_approver_id IS NULL
			ORDER BY created_at ASC, seq ASC`)
		if err != nil {
			return fmt.Errorf("audit: query escalations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Decide(ctx context.Context, subjectID string, approved bool, reviewerID, note string) (*Entry, error) {
	if reviewerID == "" {
		return nil, errkind.New(errkind.Validation, "reviewer_id is required")
	}

	var updated *Entry
	err := s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		if err := lockSubject(ctx, tx, subjectID); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, entrySelect+`
			WHERE subject_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT 1
			FOR UPDATE`, subjectID)
		tail, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
		}
		if err != nil {
			return err
		}
		if !tail.EscalatedToHuman || tail.HumanApproverID != "" {
			return errkind.New(errkind.Conflict, "subject %s has no pending escalation at the chain tail", subjectID)
		}

		updated, err = decideEntry(tail, approved, reviewerID, note)
		if err != nil {
			return err
		}
		rawDetail, err := json.Marshal(detailOrEmpty(updated.DecisionDetail))
		if err != nil {
			return fmt.Errorf("audit: encode detail: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE audit_log SET
				decision_summary    = $2,
				decision_detail     = $3,
				escalated_to_human  = FALSE,
				human_approver_id   = $4,
				governance_note     = $5,
				governance_approved = $6,
				entry_hash          = $7
			WHERE seq = $1`,
			updated.Seq, updated.DecisionSummary, rawDetail,
			updated.HumanApproverID, updated.GovernanceNote, *updated.GovernanceApproved,
			updated.EntryHash)
		if err != nil {
			return fmt.Errorf("audit: update decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// lockSubject takes a transaction-scoped advisory lock keyed by the
// subject so chain appends and tail decisions serialize per subject.
func lockSubject(ctx context.Context, tx *sql.Tx, subjectID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subjectID); err != nil {
		return fmt.Errorf("audit: lock subject: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		rawDetail []byte
		approver  sql.NullString
		note      sql.NullString
		approved  sql.NullBool
	)
	err := row.Scan(&e.Seq, &e.EntryID, &e.SubjectID, &e.DecisionSummary, &rawDetail,
		&e.RegionCode, &e.RiskFlagged, &e.EscalatedToHuman,
		&approver, &note, &approved,
		&e.PrevHash, &e.EntryHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawDetail) > 0 {
		if err := json.Unmarshal(rawDetail, &e.DecisionDetail); err != nil {
			return nil, fmt.Errorf("audit: decode detail: %w", err)
		}
	}
	e.HumanApproverID = approver.String
	e.GovernanceNote = note.String
	if approved.Valid {
		v := approved.Bool
		e.GovernanceApproved = &v
	}
	return &e, nil
}
