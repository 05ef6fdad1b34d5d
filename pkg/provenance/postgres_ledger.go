package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// PostgresLedger persists chains in the shared relational schema. Transfers
// lock the asset row, so concurrent attempts on one asset serialize and the
// loser re-reads the new owner.
type PostgresLedger struct {
	store *storage.Adapter
}

func NewPostgresLedger(store *storage.Adapter) *PostgresLedger {
	return &PostgresLedger{store: store}
}

func (l *PostgresLedger) MintAsset(ctx context.Context, p MintParams) (*contracts.Asset, error) {
	if err := validateMint(&p); err != nil {
		return nil, err
	}
	if p.AssetID == "" {
		p.AssetID = uuid.NewString()
	}
	if p.AuthenticityHash == "" {
		p.AuthenticityHash = defaultAuthenticityHash(&p)
	}

	var created time.Time
	err := l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO assets
			   (asset_id, asset_type, display_name, garment_tag, creator_user_id, current_owner_id,
			    authenticity_hash, lifecycle_state, reprint_generation, parent_asset_id)
			 VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9)
			 RETURNING created_at`,
			p.AssetID, p.AssetType, p.DisplayName, nullString(p.GarmentTag), p.CreatorUserID,
			p.AuthenticityHash, string(contracts.StateProduced), p.ReprintGeneration, nullString(p.ParentAssetID)).
			Scan(&created)
		if isUnique(err) {
			return errkind.New(errkind.Conflict, "asset %s or tag %q already exists", p.AssetID, p.GarmentTag)
		}
		if err != nil {
			return fmt.Errorf("mint asset %s: %w", p.AssetID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO created (creator_user_id, asset_id, created_at) VALUES ($1, $2, $3)`,
			p.CreatorUserID, p.AssetID, created); err != nil {
			return fmt.Errorf("mint created edge %s: %w", p.AssetID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO owns (owner_id, asset_id, acquired_at, transfer_method, is_current)
			 VALUES ($1, $2, $3, $4, TRUE)`,
			p.CreatorUserID, p.AssetID, created, string(contracts.TransferMint)); err != nil {
			return fmt.Errorf("mint owns edge %s: %w", p.AssetID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provenance_chain (asset_id, sequence_num, from_user_id, to_user_id, transfer_type, transfer_at)
			 VALUES ($1, 1, NULL, $2, $3, $4)`,
			p.AssetID, p.CreatorUserID, string(contracts.TransferMint), created); err != nil {
			return fmt.Errorf("mint chain head %s: %w", p.AssetID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.Asset(ctx, p.AssetID)
}

func (l *PostgresLedger) RecordTransfer(ctx context.Context, p TransferParams) (*Entry, error) {
	if err := validateTransfer(&p); err != nil {
		return nil, err
	}
	var entry Entry
	err := l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		var currentOwner string
		err := tx.QueryRowContext(ctx,
			`SELECT current_owner_id FROM assets WHERE asset_id = $1 FOR UPDATE`,
			p.AssetID).Scan(&currentOwner)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "asset %s not found", p.AssetID)
		}
		if err != nil {
			return fmt.Errorf("lock asset %s: %w", p.AssetID, err)
		}
		if currentOwner != p.FromUserID {
			return errkind.WithReason(errkind.PermissionDenied, errkind.ReasonAccessDenied,
				"transfer of %s from non-owner", p.AssetID)
		}

		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM provenance_chain WHERE asset_id = $1`,
			p.AssetID).Scan(&seq); err != nil {
			return fmt.Errorf("next sequence for %s: %w", p.AssetID, err)
		}

		var at time.Time
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO provenance_chain
			   (asset_id, sequence_num, from_user_id, to_user_id, transfer_type, price, currency)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING transfer_at`,
			p.AssetID, seq, p.FromUserID, p.ToUserID, string(p.TransferType), p.Price, currencyOr(p.Currency)).
			Scan(&at); err != nil {
			return fmt.Errorf("append chain %s/%d: %w", p.AssetID, seq, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE owns SET is_current = FALSE, ended_at = $2 WHERE asset_id = $1 AND is_current`,
			p.AssetID, at); err != nil {
			return fmt.Errorf("close owns %s: %w", p.AssetID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO owns (owner_id, asset_id, acquired_at, transfer_method, is_current)
			 VALUES ($1, $2, $3, $4, TRUE)`,
			p.ToUserID, p.AssetID, at, string(p.TransferType)); err != nil {
			return fmt.Errorf("open owns %s: %w", p.AssetID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assets SET current_owner_id = $2 WHERE asset_id = $1`,
			p.AssetID, p.ToUserID); err != nil {
			return fmt.Errorf("mirror owner %s: %w", p.AssetID, err)
		}

		entry = Entry{
			AssetID:      p.AssetID,
			SequenceNum:  seq,
			FromUserID:   p.FromUserID,
			ToUserID:     p.ToUserID,
			TransferType: p.TransferType,
			Price:        p.Price,
			Currency:     currencyOr(p.Currency),
			TransferAt:   at,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *PostgresLedger) StampTransfer(ctx context.Context, assetID string, seq int, cardanoTx, midnightProof string) error {
	return l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE provenance_chain
			 SET blockchain_tx_hash = COALESCE(NULLIF($3, ''), blockchain_tx_hash),
			     midnight_proof_hash = COALESCE(NULLIF($4, ''), midnight_proof_hash)
			 WHERE asset_id = $1 AND sequence_num = $2`,
			assetID, seq, cardanoTx, midnightProof)
		if err != nil {
			return fmt.Errorf("stamp chain %s/%d: %w", assetID, seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errkind.New(errkind.NotFound, "chain entry %s/%d not found", assetID, seq)
		}
		return nil
	})
}

func (l *PostgresLedger) Asset(ctx context.Context, assetID string) (*contracts.Asset, error) {
	var asset *contracts.Asset
	err := l.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var err error
		asset, err = scanAsset(tx.QueryRowContext(ctx, assetSelect+` WHERE asset_id = $1`, assetID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (l *PostgresLedger) AssetByTag(ctx context.Context, garmentTag string) (*contracts.Asset, error) {
	var asset *contracts.Asset
	err := l.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var err error
		asset, err = scanAsset(tx.QueryRowContext(ctx, assetSelect+` WHERE garment_tag = $1`, garmentTag))
		return err
	})
	if err != nil {
		if errkind.KindOf(err) == errkind.NotFound {
			return nil, errkind.New(errkind.NotFound, "no asset bound to tag %q", garmentTag)
		}
		return nil, err
	}
	return asset, nil
}

func (l *PostgresLedger) Chain(ctx context.Context, assetID string) ([]*Entry, error) {
	var out []*Entry
	err := l.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM assets WHERE asset_id = $1)`, assetID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errkind.New(errkind.NotFound, "asset %s not found", assetID)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT asset_id, sequence_num, from_user_id, to_user_id, transfer_type,
			        price, currency, blockchain_tx_hash, midnight_proof_hash, transfer_at
			 FROM provenance_chain WHERE asset_id = $1 ORDER BY sequence_num`,
			assetID)
		if err != nil {
			return fmt.Errorf("read chain %s: %w", assetID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e              Entry
				from, tx1, tx2 sql.NullString
				price          sql.NullFloat64
			)
			if err := rows.Scan(&e.AssetID, &e.SequenceNum, &from, &e.ToUserID, &e.TransferType,
				&price, &e.Currency, &tx1, &tx2, &e.TransferAt); err != nil {
				return err
			}
			e.FromUserID = from.String
			e.BlockchainTxHash = tx1.String
			e.MidnightProofHash = tx2.String
			if price.Valid {
				v := price.Float64
				e.Price = &v
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *PostgresLedger) VerifyChain(ctx context.Context, assetID string) (*VerifyResult, error) {
	asset, err := l.Asset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	entries, err := l.Chain(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return verifyEntries(asset, entries), nil
}

func (l *PostgresLedger) UpdateLifecycleState(ctx context.Context, assetID string, from, to contracts.LifecycleState, reprintGeneration int) error {
	return l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE assets SET lifecycle_state = $3, reprint_generation = $4
			 WHERE asset_id = $1 AND lifecycle_state = $2`,
			assetID, string(from), string(to), reprintGeneration)
		if err != nil {
			return fmt.Errorf("lifecycle swap %s: %w", assetID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errkind.WithReason(errkind.Conflict, errkind.ReasonInvalidTransition,
				"asset %s is not in state %s", assetID, from)
		}
		return nil
	})
}

func (l *PostgresLedger) SetDissolveAuthHash(ctx context.Context, assetID, keyHash string) error {
	return l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE assets SET dissolve_auth_key_hash = $2 WHERE asset_id = $1`,
			assetID, nullString(keyHash))
		if err != nil {
			return fmt.Errorf("escrow dissolve hash %s: %w", assetID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errkind.New(errkind.NotFound, "asset %s not found", assetID)
		}
		return nil
	})
}

func (l *PostgresLedger) TouchBiometricSync(ctx context.Context, assetID string, latencyMS int64, at time.Time) error {
	return l.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE assets SET ar_sync_latency_ms = $2, last_biometric_sync = $3 WHERE asset_id = $1`,
			assetID, latencyMS, at.UTC())
		if err != nil {
			return fmt.Errorf("biometric sync %s: %w", assetID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errkind.New(errkind.NotFound, "asset %s not found", assetID)
		}
		return nil
	})
}

const assetSelect = `SELECT asset_id, asset_type, display_name, garment_tag, creator_user_id, current_owner_id,
       authenticity_hash, lifecycle_state, reprint_generation, parent_asset_id, dissolve_auth_key_hash,
       ar_sync_latency_ms, last_biometric_sync, created_at
FROM assets`

func scanAsset(row *sql.Row) (*contracts.Asset, error) {
	var (
		a                         contracts.Asset
		tag, parent, dissolveHash sql.NullString
		latency                   sql.NullInt64
		lastSync                  sql.NullTime
	)
	err := row.Scan(&a.AssetID, &a.AssetType, &a.DisplayName, &tag, &a.CreatorUserID, &a.CurrentOwnerID,
		&a.AuthenticityHash, &a.LifecycleState, &a.ReprintGeneration, &parent, &dissolveHash,
		&latency, &lastSync, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "asset not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	a.GarmentTag = tag.String
	a.ParentAssetID = parent.String
	a.DissolveAuthKeyHash = dissolveHash.String
	a.ARSyncLatencyMS = latency.Int64
	if lastSync.Valid {
		t := lastSync.Time
		a.LastBiometricSync = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
