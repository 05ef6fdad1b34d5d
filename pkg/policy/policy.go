// Package policy composes the consent graph, region rules, and
// transactional verifiers into a single verdict. Consent gives the base
// decision and resolved scope, region law tightens it, and for
// transfer/dissolve/reprint actions the ESG and burn-proof gates run last.
// A gate that cannot verify escalates; it never loosens the verdict.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/consent"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/region"
	"github.com/brandmeonline/integrity-spine/pkg/verifier"
)

// Reasons attached when a layer above consent changes the decision.
const (
	ReasonRegionRestricted    = "region_restricted"
	ReasonRegionReview        = "region_review"
	ReasonPrivateScopeReview  = "private_scope_review"
	ReasonVerifierUnavailable = "verifier_unconfigured"
)

// CheckInput names everything a policy decision may consider. The
// transactional fields are consulted only for transfer, dissolve, and
// reprint actions.
type CheckInput struct {
	ViewerID   string
	OwnerID    string
	AssetID    string
	Facet      contracts.Facet
	RegionCode string
	Action     string

	TransferType  contracts.TransferType
	MaterialID    string
	BurnProofHash string
	ParentAssetID string
	// AgentESGMinimum raises the ESG gate when an agent demands a
	// stricter score than the transaction table.
	AgentESGMinimum float64
}

// GateCheck is one verifier consult, recorded so the audit detail can show
// why a transactional verdict tightened.
type GateCheck struct {
	Gate    string           `json:"gate"`
	Outcome verifier.Outcome `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
	Score   float64          `json:"score,omitempty"`
}

// Verdict is the engine's full answer. Result() projects the wire shape.
type Verdict struct {
	Decision          contracts.Decision
	ResolvedScope     contracts.Scope
	PolicyVersion     string
	PolicyFingerprint string
	Reason            string
	ConsentVersion    int
	ConsentID         string
	RegionDigest      string
	Checks            []GateCheck
}

// Result projects the verdict onto the wire DTO.
func (v *Verdict) Result() contracts.PolicyResult {
	return contracts.PolicyResult{
		Decision:          v.Decision,
		ResolvedScope:     v.ResolvedScope,
		PolicyVersion:     v.PolicyVersion,
		PolicyFingerprint: v.PolicyFingerprint,
		Reason:            v.Reason,
	}
}

// Allowed reports whether the verdict permits the action outright.
func (v *Verdict) Allowed() bool { return v.Decision == contracts.DecisionAllow }

// Version renders the wire policy version recorded with every decision.
func Version(consentVersion int, regionCode string) string {
	return fmt.Sprintf("policy_v%d_%s", consentVersion, regionCode)
}

// Engine is the policy decision point.
type Engine struct {
	consent   *consent.Graph
	rules     *region.Rules
	verifiers *verifier.Set
	logger    *slog.Logger
}

func NewEngine(graph *consent.Graph, rules *region.Rules, verifiers *verifier.Set, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{consent: graph, rules: rules, verifiers: verifiers, logger: logger}
}

// Check produces the verdict for one action.
func (e *Engine) Check(ctx context.Context, in CheckInput) (*Verdict, error) {
	if in.OwnerID == "" || in.Action == "" {
		return nil, errkind.New(errkind.Validation, "policy check requires owner_id and action")
	}

	base, err := e.consent.Check(ctx, in.ViewerID, in.OwnerID, in.AssetID, in.Facet)
	if err != nil {
		return nil, err
	}
	baseDecision := contracts.DecisionDeny
	if base.Allowed {
		baseDecision = contracts.DecisionAllow
	}

	trust := e.consent.TrustScore(ctx, in.ViewerID)
	decision := e.rules.Apply(in.RegionCode, baseDecision, base.Scope, in.Action, trust)

	v := &Verdict{
		Decision:       decision,
		ResolvedScope:  base.Scope,
		PolicyVersion:  Version(base.PolicyVersion, in.RegionCode),
		Reason:         base.Reason,
		ConsentVersion: base.PolicyVersion,
		ConsentID:      base.ConsentID,
		RegionDigest:   e.rules.Digest(in.RegionCode),
	}
	v.PolicyFingerprint = fingerprint(base.PolicyVersion, v.RegionDigest)
	if decision != baseDecision {
		v.Reason = e.regionReason(in.RegionCode, decision)
	}

	if v.Decision != contracts.DecisionDeny && transactional(in.Action) {
		e.applyGates(ctx, in, v)
	}

	e.logger.Debug("policy decision",
		"action", in.Action,
		"viewer", in.ViewerID,
		"owner", in.OwnerID,
		"region", in.RegionCode,
		"decision", v.Decision,
		"scope", v.ResolvedScope,
		"policy_version", v.PolicyVersion)
	return v, nil
}

// CanViewFace answers the single-face question used by the gateway and the
// facet assembler.
func (e *Engine) CanViewFace(ctx context.Context, req contracts.CanViewFaceRequest, regionCode string) (*Verdict, error) {
	if !contracts.ValidFacet(req.FaceName) {
		return nil, errkind.New(errkind.Validation, "unknown face %q", req.FaceName)
	}
	return e.Check(ctx, CheckInput{
		ViewerID:   req.ViewerID,
		OwnerID:    req.OwnerID,
		AssetID:    req.CubeID,
		Facet:      req.FaceName,
		RegionCode: regionCode,
		Action:     contracts.ActionViewFace,
	})
}

func (e *Engine) regionReason(code string, d contracts.Decision) string {
	if d == contracts.DecisionDeny {
		return ReasonRegionRestricted
	}
	if !e.rules.Known(code) {
		return ReasonPrivateScopeReview
	}
	return ReasonRegionReview
}

// applyGates consults the transactional verifiers, tightening the verdict
// per outcome: invalid denies, unavailable escalates, valid leaves it.
func (e *Engine) applyGates(ctx context.Context, in CheckInput, v *Verdict) {
	switch in.Action {
	case contracts.ActionTransferOwnership:
		gate, gated := verifier.GateFor(in.TransferType)
		if !gated {
			return
		}
		e.esgGate(ctx, in, v, gate)
	case contracts.ActionDissolve:
		e.esgGate(ctx, in, v, verifier.TxDissolve)
	case contracts.ActionReprint:
		e.burnGate(ctx, in, v)
		if v.Decision == contracts.DecisionDeny {
			return
		}
		e.esgGate(ctx, in, v, verifier.TxReprint)
	}
}

func (e *Engine) esgGate(ctx context.Context, in CheckInput, v *Verdict, txType string) {
	if e.verifiers == nil || e.verifiers.ESG == nil {
		v.tighten(contracts.DecisionEscalate, ReasonVerifierUnavailable)
		return
	}
	material := in.MaterialID
	if material == "" {
		// An asset without a named material batch scores under its own id.
		material = in.AssetID
	}
	res := e.verifiers.ESG.Check(ctx, material, txType, in.AgentESGMinimum)
	v.Checks = append(v.Checks, GateCheck{Gate: "esg", Outcome: res.Outcome, Reason: res.Reason, Score: res.Score})
	v.absorb(res)
}

func (e *Engine) burnGate(ctx context.Context, in CheckInput, v *Verdict) {
	if e.verifiers == nil || e.verifiers.BurnProof == nil {
		v.tighten(contracts.DecisionEscalate, ReasonVerifierUnavailable)
		return
	}
	if in.BurnProofHash == "" {
		v.Checks = append(v.Checks, GateCheck{
			Gate:    "burn_proof",
			Outcome: verifier.OutcomeUnavailable,
			Reason:  errkind.ReasonBurnProofRequired,
		})
		v.tighten(contracts.DecisionEscalate, errkind.ReasonBurnProofRequired)
		return
	}
	res := e.verifiers.BurnProof.Verify(ctx, in.BurnProofHash, in.ParentAssetID)
	v.Checks = append(v.Checks, GateCheck{Gate: "burn_proof", Outcome: res.Outcome, Reason: res.Reason})
	v.absorb(res)
}

func (v *Verdict) absorb(res verifier.Result) {
	switch res.Outcome {
	case verifier.OutcomeValid:
	case verifier.OutcomeInvalid:
		v.tighten(contracts.DecisionDeny, res.Reason)
	default:
		v.tighten(contracts.DecisionEscalate, res.Reason)
	}
}

// tighten moves the verdict strictly down the allow > escalate > deny
// ladder; a verdict never loosens.
func (v *Verdict) tighten(d contracts.Decision, reason string) {
	if rank(d) < rank(v.Decision) {
		v.Decision = d
		v.Reason = reason
	}
}

func rank(d contracts.Decision) int {
	switch d {
	case contracts.DecisionDeny:
		return 0
	case contracts.DecisionEscalate:
		return 1
	default:
		return 2
	}
}

func transactional(action string) bool {
	switch action {
	case contracts.ActionTransferOwnership, contracts.ActionDissolve, contracts.ActionReprint:
		return true
	}
	return false
}

// fingerprint binds a decision to the exact policy inputs that produced it:
// the consent policy version and the region document digest.
func fingerprint(consentVersion int, regionDigest string) string {
	h, err := canonicalize.CanonicalHash(struct {
		ConsentPolicyVersion int    `json:"consent_policy_version"`
		RegionDigest         string `json:"region_digest"`
	}{consentVersion, regionDigest})
	if err != nil {
		return ""
	}
	return h
}
