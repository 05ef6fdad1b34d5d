// Package facets assembles the seven projections of a cube from the
// provenance chain and the lifecycle journal, and serves the policy-gated
// read/transfer surface over them. Facet bodies are returned to callers
// and counted in audit detail; they are never logged.
package facets

import (
	"context"
	"log/slog"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/lifecycle"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
)

// scopeRank orders resolved scopes from widest audience to owner.
var scopeRank = map[contracts.Scope]int{
	contracts.ScopePublic:      0,
	contracts.ScopeFriendsOnly: 1,
	contracts.ScopeCustom:      2,
	contracts.ScopePrivate:     3,
	contracts.ScopeOwner:       4,
}

// facetFloor is the narrowest scope at which a facet joins a bulk scan
// view. Per-facet policy grants can still expose a facet below its floor
// through GetFace.
var facetFloor = map[contracts.Facet]int{
	contracts.FacetIdentity:       0,
	contracts.FacetCare:           0,
	contracts.FacetSustainability: 0,
	contracts.FacetMaterials:      1,
	contracts.FacetJourney:        1,
	contracts.FacetOwnership:      2,
	contracts.FacetMolecularData:  4,
}

var careProfiles = map[string][]string{
	"garment":   {"machine_wash_cold", "line_dry", "do_not_bleach"},
	"footwear":  {"spot_clean", "air_dry", "condition_leather"},
	"accessory": {"wipe_clean", "store_dry"},
}

// Assembler builds facet bodies from the relational stores.
type Assembler struct {
	assets provenance.Ledger
	events lifecycle.Store
	logger *slog.Logger
}

func NewAssembler(assets provenance.Ledger, events lifecycle.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{assets: assets, events: events, logger: logger.With("component", "facets")}
}

// Faces returns every facet visible at the resolved scope of a scan.
func (a *Assembler) Faces(ctx context.Context, assetID string, scope contracts.Scope) (map[contracts.Facet]map[string]any, error) {
	asset, chain, events, err := a.load(ctx, assetID)
	if err != nil {
		return nil, err
	}
	rank := scopeRank[scope]
	out := make(map[contracts.Facet]map[string]any)
	for _, facet := range contracts.AllFacets() {
		if facetFloor[facet] > rank {
			continue
		}
		out[facet] = a.build(facet, asset, chain, events, rank)
	}
	return out, nil
}

// Face builds a single facet at the resolved scope. No floor check here:
// the policy engine has already ruled on this exact facet.
func (a *Assembler) Face(ctx context.Context, assetID string, facet contracts.Facet, scope contracts.Scope) (map[string]any, error) {
	asset, chain, events, err := a.load(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return a.build(facet, asset, chain, events, scopeRank[scope]), nil
}

func (a *Assembler) load(ctx context.Context, assetID string) (*contracts.Asset, []*provenance.Entry, []*lifecycle.Event, error) {
	asset, err := a.assets.Asset(ctx, assetID)
	if err != nil {
		return nil, nil, nil, err
	}
	chain, err := a.assets.Chain(ctx, assetID)
	if err != nil {
		return nil, nil, nil, err
	}
	var events []*lifecycle.Event
	if a.events != nil {
		events, err = a.events.History(ctx, assetID)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return asset, chain, events, nil
}

func (a *Assembler) build(facet contracts.Facet, asset *contracts.Asset, chain []*provenance.Entry, events []*lifecycle.Event, rank int) map[string]any {
	switch facet {
	case contracts.FacetIdentity:
		return identityFace(asset)
	case contracts.FacetOwnership:
		return ownershipFace(asset, chain, rank)
	case contracts.FacetMaterials:
		return materialsFace(asset, events)
	case contracts.FacetJourney:
		return journeyFace(chain, rank)
	case contracts.FacetSustainability:
		return sustainabilityFace(asset, events)
	case contracts.FacetCare:
		return careFace(asset, events)
	case contracts.FacetMolecularData:
		return molecularFace(asset)
	}
	return nil
}

func identityFace(asset *contracts.Asset) map[string]any {
	return map[string]any{
		"asset_id":           asset.AssetID,
		"display_name":       asset.DisplayName,
		"asset_type":         asset.AssetType,
		"garment_tag":        asset.GarmentTag,
		"lifecycle_state":    string(asset.LifecycleState),
		"authenticity_hash":  asset.AuthenticityHash,
		"reprint_generation": asset.ReprintGeneration,
		"created_at":         asset.CreatedAt,
	}
}

func ownershipFace(asset *contracts.Asset, chain []*provenance.Entry, rank int) map[string]any {
	face := map[string]any{
		"current_owner_id": asset.CurrentOwnerID,
		"is_current":       true,
		"transfer_count":   transferCount(chain),
	}
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		face["owned_since"] = last.TransferAt
		face["acquired_via"] = string(last.TransferType)
		if rank >= scopeRank[contracts.ScopeOwner] && last.Price != nil {
			face["price"] = *last.Price
			face["currency"] = last.Currency
		}
	}
	return face
}

func materialsFace(asset *contracts.Asset, events []*lifecycle.Event) map[string]any {
	face := map[string]any{
		"asset_type":         asset.AssetType,
		"reprint_generation": asset.ReprintGeneration,
	}
	if asset.ParentAssetID != "" {
		face["parent_asset_id"] = asset.ParentAssetID
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ParentMaterialBatch != "" {
			face["material_batch"] = events[i].ParentMaterialBatch
			break
		}
	}
	return face
}

func journeyFace(chain []*provenance.Entry, rank int) map[string]any {
	ownerView := rank >= scopeRank[contracts.ScopeOwner]
	stops := make([]map[string]any, 0, len(chain))
	for _, e := range chain {
		stop := map[string]any{
			"sequence_num":  e.SequenceNum,
			"transfer_type": string(e.TransferType),
			"occurred_at":   e.TransferAt,
			"anchored":      e.BlockchainTxHash != "" && e.MidnightProofHash != "",
		}
		if ownerView {
			stop["from_user_id"] = e.FromUserID
			stop["to_user_id"] = e.ToUserID
		}
		stops = append(stops, stop)
	}
	face := map[string]any{
		"transfer_count": transferCount(chain),
		"stops":          stops,
	}
	if len(chain) > 0 {
		face["minted_at"] = chain[0].TransferAt
	}
	return face
}

func sustainabilityFace(asset *contracts.Asset, events []*lifecycle.Event) map[string]any {
	var delta, carbon, water float64
	for _, ev := range events {
		delta += ev.ESGDelta
		carbon += ev.CarbonSavedKG
		water += ev.WaterSavedLiters
	}
	return map[string]any{
		"esg_credit_total":   delta,
		"carbon_saved_kg":    carbon,
		"water_saved_liters": water,
		"repair_count":       repairCount(events),
		"lifecycle_state":    string(asset.LifecycleState),
	}
}

func careFace(asset *contracts.Asset, events []*lifecycle.Event) map[string]any {
	face := map[string]any{
		"care_profile": careProfile(asset.AssetType),
		"repair_count": repairCount(events),
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ToState == contracts.StateRepair {
			face["last_repair_at"] = events[i].OccurredAt
			break
		}
	}
	return face
}

func molecularFace(asset *contracts.Asset) map[string]any {
	face := map[string]any{
		"authenticity_hash":   asset.AuthenticityHash,
		"dissolve_authorized": asset.DissolveAuthKeyHash != "",
	}
	if asset.ParentAssetID != "" {
		face["parent_asset_id"] = asset.ParentAssetID
	}
	if asset.LastBiometricSync != nil {
		face["last_biometric_sync"] = *asset.LastBiometricSync
	}
	return face
}

func careProfile(assetType string) []string {
	if p, ok := careProfiles[assetType]; ok {
		return p
	}
	return []string{"follow_label"}
}

// transferCount excludes the mint entry.
func transferCount(chain []*provenance.Entry) int {
	n := 0
	for _, e := range chain {
		if e.TransferType != contracts.TransferMint {
			n++
		}
	}
	return n
}

func repairCount(events []*lifecycle.Event) int {
	n := 0
	for _, ev := range events {
		if ev.ToState == contracts.StateRepair {
			n++
		}
	}
	return n
}
