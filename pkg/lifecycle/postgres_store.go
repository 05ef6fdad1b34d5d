package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// PostgresStore journals transitions in the lifecycle_events table.
type PostgresStore struct {
	store *storage.Adapter
}

func NewPostgresStore(store *storage.Adapter) *PostgresStore {
	return &PostgresStore{store: store}
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_events (event_id, asset_id, from_state, to_state,
			                              triggered_by, trigger_type, notes,
			                              dissolve_auth_verified, burn_proof_hash,
			                              parent_material_batch, esg_delta,
			                              carbon_saved_kg, water_saved_liters, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			ev.EventID, ev.AssetID, ev.FromState, ev.ToState,
			ev.TriggeredBy, ev.TriggerType, ev.Notes,
			ev.DissolveAuthVerified, nullString(ev.BurnProofHash),
			nullString(ev.ParentMaterialBatch), ev.ESGDelta,
			ev.CarbonSavedKG, ev.WaterSavedLiters, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("lifecycle: insert event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) History(ctx context.Context, assetID string) ([]*Event, error) {
	var out []*Event
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT event_id, asset_id, from_state, to_state, triggered_by,
			       trigger_type, notes, dissolve_auth_verified, burn_proof_hash,
			       parent_material_batch, esg_delta, carbon_saved_kg,
			       water_saved_liters, occurred_at
			FROM lifecycle_events
			WHERE asset_id = $1
			ORDER BY occurred_at ASC, event_id ASC`, assetID)
		if err != nil {
			return fmt.Errorf("lifecycle: query history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			ev := &Event{}
			var fromState, proofHash, parentBatch sql.NullString
			if err := rows.Scan(&ev.EventID, &ev.AssetID, &fromState, &ev.ToState,
				&ev.TriggeredBy, &ev.TriggerType, &ev.Notes, &ev.DissolveAuthVerified,
				&proofHash, &parentBatch, &ev.ESGDelta, &ev.CarbonSavedKG,
				&ev.WaterSavedLiters, &ev.OccurredAt); err != nil {
				return fmt.Errorf("lifecycle: scan event: %w", err)
			}
			ev.FromState = contracts.LifecycleState(fromState.String)
			ev.BurnProofHash = proofHash.String
			ev.ParentMaterialBatch = parentBatch.String
			out = append(out, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
