// Package provenance maintains the append-only ownership chain of every
// asset. Each asset's chain is 1-indexed and gap-free; entry N's from_user
// equals entry N-1's to_user, sequence 1 is always the mint with a null
// from_user, and assets.current_owner_id mirrors the highest-sequence entry.
package provenance

import (
	"context"
	"fmt"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// Entry is one link in an asset's ownership chain.
type Entry struct {
	AssetID           string                 `json:"asset_id"`
	SequenceNum       int                    `json:"sequence_num"`
	FromUserID        string                 `json:"from_user_id,omitempty"`
	ToUserID          string                 `json:"to_user_id"`
	TransferType      contracts.TransferType `json:"transfer_type"`
	Price             *float64               `json:"price,omitempty"`
	Currency          string                 `json:"currency"`
	BlockchainTxHash  string                 `json:"blockchain_tx_hash,omitempty"`
	MidnightProofHash string                 `json:"midnight_proof_hash,omitempty"`
	TransferAt        time.Time              `json:"transfer_at"`
}

// MintParams creates an asset and its first chain entry.
type MintParams struct {
	AssetID           string
	AssetType         string
	DisplayName       string
	GarmentTag        string
	CreatorUserID     string
	AuthenticityHash  string
	ParentAssetID     string
	ReprintGeneration int
}

// TransferParams appends an ownership transition.
type TransferParams struct {
	AssetID      string
	FromUserID   string
	ToUserID     string
	TransferType contracts.TransferType
	Price        *float64
	Currency     string
}

// VerifyResult reports chain integrity for one asset.
type VerifyResult struct {
	AssetID  string   `json:"asset_id"`
	Valid    bool     `json:"valid"`
	Length   int      `json:"length"`
	Problems []string `json:"problems,omitempty"`
}

// Ledger is the provenance store. Implementations serialize concurrent
// transfers of the same asset so sequence numbers never collide.
type Ledger interface {
	MintAsset(ctx context.Context, p MintParams) (*contracts.Asset, error)
	RecordTransfer(ctx context.Context, p TransferParams) (*Entry, error)
	// StampTransfer writes anchor hashes onto an existing entry once the
	// downstream ledgers confirm them.
	StampTransfer(ctx context.Context, assetID string, seq int, cardanoTx, midnightProof string) error

	Asset(ctx context.Context, assetID string) (*contracts.Asset, error)
	AssetByTag(ctx context.Context, garmentTag string) (*contracts.Asset, error)
	Chain(ctx context.Context, assetID string) ([]*Entry, error)
	VerifyChain(ctx context.Context, assetID string) (*VerifyResult, error)

	// UpdateLifecycleState compare-and-swaps the lifecycle column; a stale
	// from state yields a conflict.
	UpdateLifecycleState(ctx context.Context, assetID string, from, to contracts.LifecycleState, reprintGeneration int) error
	SetDissolveAuthHash(ctx context.Context, assetID, keyHash string) error
	TouchBiometricSync(ctx context.Context, assetID string, latencyMS int64, at time.Time) error
}

func validateMint(p *MintParams) error {
	if p.CreatorUserID == "" {
		return errkind.New(errkind.Validation, "mint requires creator_user_id")
	}
	if p.AssetType == "" {
		return errkind.New(errkind.Validation, "mint requires asset_type")
	}
	return nil
}

func validateTransfer(p *TransferParams) error {
	if p.AssetID == "" || p.FromUserID == "" || p.ToUserID == "" {
		return errkind.New(errkind.Validation, "transfer requires asset_id, from, and to")
	}
	if p.FromUserID == p.ToUserID {
		return errkind.New(errkind.Validation, "transfer to self")
	}
	if p.TransferType == contracts.TransferMint {
		return errkind.New(errkind.Validation, "mint is not a transfer method")
	}
	if !contracts.ValidTransferType(p.TransferType) {
		return errkind.New(errkind.Validation, "unknown transfer method %q", p.TransferType)
	}
	return nil
}

// defaultAuthenticityHash derives a stable content hash for assets minted
// without an externally supplied one.
func defaultAuthenticityHash(p *MintParams) string {
	h, err := canonicalize.CanonicalHash(map[string]any{
		"asset_id":        p.AssetID,
		"asset_type":      p.AssetType,
		"creator_user_id": p.CreatorUserID,
		"garment_tag":     p.GarmentTag,
	})
	if err != nil {
		return canonicalize.HashBytes([]byte(p.AssetID + "|" + p.AssetType + "|" + p.CreatorUserID + "|" + p.GarmentTag))
	}
	return h
}

// verifyEntries checks contiguity, linkage, the mint head, and agreement
// with the asset's current owner.
func verifyEntries(asset *contracts.Asset, entries []*Entry) *VerifyResult {
	res := &VerifyResult{AssetID: asset.AssetID, Valid: true, Length: len(entries)}
	flag := func(format string, args ...any) {
		res.Valid = false
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
	}

	if len(entries) == 0 {
		flag("chain is empty")
		return res
	}
	if entries[0].SequenceNum != 1 {
		flag("chain starts at sequence %d, want 1", entries[0].SequenceNum)
	}
	if entries[0].TransferType != contracts.TransferMint {
		flag("sequence 1 is %q, want mint", entries[0].TransferType)
	}
	if entries[0].FromUserID != "" {
		flag("mint entry has from_user %q, want none", entries[0].FromUserID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].SequenceNum != entries[i-1].SequenceNum+1 {
			flag("sequence gap between %d and %d", entries[i-1].SequenceNum, entries[i].SequenceNum)
		}
		if entries[i].FromUserID != entries[i-1].ToUserID {
			flag("entry %d from_user %q does not match prior owner %q",
				entries[i].SequenceNum, entries[i].FromUserID, entries[i-1].ToUserID)
		}
	}
	if tail := entries[len(entries)-1]; asset.CurrentOwnerID != tail.ToUserID {
		flag("current_owner_id %q disagrees with chain tail %q", asset.CurrentOwnerID, tail.ToUserID)
	}
	return res
}
