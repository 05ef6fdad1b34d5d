// Package lifecycle drives garments through the circular state machine
// PRODUCED -> ACTIVE -> (REPAIR | DISSOLVE) -> REPRINT -> PRODUCED. Every
// transition is gated (dissolve requires owner authorization, reprint
// requires a verified burn proof), applied to the asset record with a
// compare-and-swap, journaled with its sustainability deltas, and sealed
// into the asset's audit chain.
package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
	"github.com/brandmeonline/integrity-spine/pkg/verifier"
)

// ValidTransitions is the closed set of state edges. Anything not listed
// here is rejected before any side effect.
var ValidTransitions = map[contracts.LifecycleState][]contracts.LifecycleState{
	contracts.StateProduced: {contracts.StateActive},
	contracts.StateActive:   {contracts.StateRepair, contracts.StateDissolve},
	contracts.StateRepair:   {contracts.StateActive, contracts.StateDissolve},
	contracts.StateDissolve: {contracts.StateReprint},
	contracts.StateReprint:  {contracts.StateProduced},
}

// CanTransition reports whether from -> to is a listed edge.
func CanTransition(from, to contracts.LifecycleState) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ESGImpact is the sustainability credit attached to one transition.
type ESGImpact struct {
	Delta            float64 `json:"esg_delta"`
	CarbonSavedKG    float64 `json:"carbon_saved_kg"`
	WaterSavedLiters float64 `json:"water_saved_liters"`
}

type edge struct {
	from, to contracts.LifecycleState
}

// esgImpacts credits each edge of the loop. Dissolving into a reprint is
// where the circular economy pays out; repairs extend garment life for a
// smaller credit, and entering production carries none.
var esgImpacts = map[edge]ESGImpact{
	{contracts.StateProduced, contracts.StateActive}:  {},
	{contracts.StateActive, contracts.StateRepair}:    {Delta: 0.05, CarbonSavedKG: 1.5, WaterSavedLiters: 40.0},
	{contracts.StateRepair, contracts.StateActive}:    {Delta: 0.1, CarbonSavedKG: 2.5, WaterSavedLiters: 60.0},
	{contracts.StateActive, contracts.StateDissolve}:  {Delta: 0.15, CarbonSavedKG: 3.0, WaterSavedLiters: 80.0},
	{contracts.StateRepair, contracts.StateDissolve}:  {Delta: 0.15, CarbonSavedKG: 3.0, WaterSavedLiters: 80.0},
	{contracts.StateDissolve, contracts.StateReprint}: {Delta: 0.3, CarbonSavedKG: 8.0, WaterSavedLiters: 200.0},
	{contracts.StateReprint, contracts.StateProduced}: {Delta: 0.2, CarbonSavedKG: 5.0, WaterSavedLiters: 120.0},
}

// ImpactFor returns the ESG credit for a transition.
func ImpactFor(from, to contracts.LifecycleState) ESGImpact {
	return esgImpacts[edge{from, to}]
}

// Event is one journaled transition.
type Event struct {
	EventID              string                   `json:"event_id"`
	AssetID              string                   `json:"asset_id"`
	FromState            contracts.LifecycleState `json:"from_state"`
	ToState              contracts.LifecycleState `json:"to_state"`
	TriggeredBy          string                   `json:"triggered_by"`
	TriggerType          contracts.TriggerType    `json:"trigger_type"`
	Notes                string                   `json:"notes,omitempty"`
	DissolveAuthVerified bool                     `json:"dissolve_auth_verified,omitempty"`
	BurnProofHash        string                   `json:"burn_proof_hash,omitempty"`
	ParentMaterialBatch  string                   `json:"parent_material_batch,omitempty"`
	ESGDelta             float64                  `json:"esg_delta"`
	CarbonSavedKG        float64                  `json:"carbon_saved_kg"`
	WaterSavedLiters     float64                  `json:"water_saved_liters"`
	OccurredAt           time.Time                `json:"occurred_at"`
}

// Store journals transition events per asset.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	History(ctx context.Context, assetID string) ([]*Event, error)
}

// Engine applies lifecycle transitions.
type Engine struct {
	assets    provenance.Ledger
	events    Store
	verifiers *verifier.Set
	audit     *audit.Log
	logger    *slog.Logger
	clock     func() time.Time
}

func NewEngine(assets provenance.Ledger, events Store, verifiers *verifier.Set, auditLog *audit.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		assets:    assets,
		events:    events,
		verifiers: verifiers,
		audit:     auditLog,
		logger:    logger.With("component", "lifecycle"),
		clock:     time.Now,
	}
}

// WithClock overrides the event timestamp source for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// AuthorizeDissolve issues a one-time dissolve key for an asset. Only the
// current owner may authorize; the key is returned exactly once and only
// its SHA-256 is retained, so a lost key means re-authorizing.
func (e *Engine) AuthorizeDissolve(ctx context.Context, assetID, requesterID string) (string, error) {
	if assetID == "" || requesterID == "" {
		return "", errkind.New(errkind.Validation, "asset_id and requester_id are required")
	}
	asset, err := e.assets.Asset(ctx, assetID)
	if err != nil {
		return "", err
	}
	if asset.CurrentOwnerID != requesterID {
		return "", errkind.WithReason(errkind.PermissionDenied, errkind.ReasonAccessDenied,
			"only the current owner may authorize dissolution of %s", assetID)
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errkind.Wrap(errkind.Internal, err, "generate dissolve key")
	}
	key := hex.EncodeToString(raw[:])
	if err := e.assets.SetDissolveAuthHash(ctx, assetID, hashKey(key)); err != nil {
		return "", err
	}

	if e.audit != nil {
		_, err := e.audit.Append(ctx, audit.AppendParams{
			SubjectID: assetID,
			Summary:   "dissolve_authorized",
			Detail: map[string]any{
				"authorized_by": requesterID,
			},
		})
		if err != nil {
			e.logger.Warn("dissolve authorization not journaled", "asset_id", assetID, "error", err)
		}
	}
	e.logger.Info("dissolve authorized", "asset_id", assetID, "authorized_by", requesterID)
	return key, nil
}

// Transition moves an asset along one edge of the state machine. The
// returned result is only built for applied transitions; gate failures
// surface as typed errors with nothing written.
func (e *Engine) Transition(ctx context.Context, req contracts.TransitionRequest) (*contracts.TransitionResult, error) {
	if req.CubeID == "" {
		return nil, errkind.New(errkind.Validation, "cube_id is required")
	}
	if !contracts.ValidLifecycleState(req.ToState) {
		return nil, errkind.New(errkind.Validation, "unknown lifecycle state %q", req.ToState)
	}

	asset, err := e.assets.Asset(ctx, req.CubeID)
	if err != nil {
		return nil, err
	}
	from := asset.LifecycleState
	if !CanTransition(from, req.ToState) {
		return nil, errkind.WithReason(errkind.Conflict, errkind.ReasonInvalidTransition,
			"no transition from %s to %s", from, req.ToState)
	}

	authVerified, err := e.gate(ctx, asset, req)
	if err != nil {
		return nil, err
	}

	generation := asset.ReprintGeneration
	if req.ToState == contracts.StateProduced && from == contracts.StateReprint {
		generation++
	}
	if err := e.assets.UpdateLifecycleState(ctx, asset.AssetID, from, req.ToState, generation); err != nil {
		return nil, err
	}

	impact := ImpactFor(from, req.ToState)
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = contracts.TriggerUser
	}
	ev := &Event{
		EventID:              uuid.New().String(),
		AssetID:              asset.AssetID,
		FromState:            from,
		ToState:              req.ToState,
		TriggeredBy:          req.TriggeredBy,
		TriggerType:          triggerType,
		Notes:                req.Notes,
		DissolveAuthVerified: authVerified,
		BurnProofHash:        req.BurnProofHash,
		ParentMaterialBatch:  req.ParentMaterialBatch,
		ESGDelta:             impact.Delta,
		CarbonSavedKG:        impact.CarbonSavedKG,
		WaterSavedLiters:     impact.WaterSavedLiters,
		OccurredAt:           e.clock().UTC(),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		return nil, err
	}

	auditHash := ""
	if e.audit != nil {
		entry, err := e.audit.Append(ctx, audit.AppendParams{
			SubjectID: asset.AssetID,
			Summary:   "lifecycle_transition",
			Detail: map[string]any{
				"from_state":         string(from),
				"to_state":           string(req.ToState),
				"triggered_by":       req.TriggeredBy,
				"trigger_type":       string(triggerType),
				"esg_delta":          impact.Delta,
				"carbon_saved_kg":    impact.CarbonSavedKG,
				"water_saved_liters": impact.WaterSavedLiters,
			},
		})
		if err != nil {
			e.logger.Warn("transition not journaled to audit chain", "asset_id", asset.AssetID, "error", err)
		} else {
			auditHash = entry.EntryHash
		}
	}

	e.logger.Info("lifecycle transition applied",
		"asset_id", asset.AssetID, "from", from, "to", req.ToState,
		"trigger_type", triggerType, "esg_delta", impact.Delta)

	return &contracts.TransitionResult{
		Success:          true,
		PreviousState:    from,
		NewState:         req.ToState,
		ESGDelta:         impact.Delta,
		CarbonSavedKG:    impact.CarbonSavedKG,
		WaterSavedLiters: impact.WaterSavedLiters,
		AuditHash:        auditHash,
	}, nil
}

// gate enforces the per-edge preconditions and reports whether a dissolve
// key was checked.
func (e *Engine) gate(ctx context.Context, asset *contracts.Asset, req contracts.TransitionRequest) (bool, error) {
	switch req.ToState {
	case contracts.StateDissolve:
		if asset.DissolveAuthKeyHash == "" {
			return false, errkind.WithReason(errkind.PreconditionRequired, errkind.ReasonDissolveAuthRequired,
				"dissolution of %s has not been authorized", asset.AssetID)
		}
		if req.DissolveAuthKey == "" {
			return false, errkind.WithReason(errkind.PreconditionRequired, errkind.ReasonDissolveAuthRequired,
				"dissolve_auth_key is required")
		}
		if subtle.ConstantTimeCompare([]byte(hashKey(req.DissolveAuthKey)), []byte(asset.DissolveAuthKeyHash)) != 1 {
			return false, errkind.WithReason(errkind.PermissionDenied, errkind.ReasonDissolveAuthRequired,
				"dissolve authorization key does not match")
		}
		return true, nil

	case contracts.StateReprint:
		if req.BurnProofHash == "" || req.ParentMaterialBatch == "" {
			return false, errkind.WithReason(errkind.PreconditionRequired, errkind.ReasonBurnProofRequired,
				"reprint requires burn_proof_hash and parent_material_batch")
		}
		if e.verifiers == nil || e.verifiers.BurnProof == nil {
			return false, errkind.WithReason(errkind.ServiceUnavailable, errkind.ReasonLedgerUnavailable,
				"burn proof verifier is not configured")
		}
		res := e.verifiers.BurnProof.Verify(ctx, req.BurnProofHash, asset.AssetID)
		switch {
		case res.Outcome == verifier.OutcomeValid:
			return false, nil
		case res.Outcome == verifier.OutcomeUnavailable,
			res.Outcome == verifier.OutcomeInvalid && res.Reason == verifier.ReasonLedgerUnavailable:
			return false, errkind.WithReason(errkind.ServiceUnavailable, errkind.ReasonLedgerUnavailable,
				"burn proof for %s cannot be verified right now", asset.AssetID)
		default:
			return false, errkind.WithReason(errkind.PreconditionRequired, errkind.ReasonBurnProofInvalid,
				"burn proof for %s was rejected", asset.AssetID)
		}
	}
	return false, nil
}

// History returns the journaled transitions for an asset, oldest first.
func (e *Engine) History(ctx context.Context, assetID string) ([]*Event, error) {
	if assetID == "" {
		return nil, errkind.New(errkind.Validation, "asset_id is required")
	}
	return e.events.History(ctx, assetID)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
