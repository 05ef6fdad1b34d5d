// Package verifier gates transactional actions on external attestations:
// burn proofs for reprints and ESG material scores for transfers and
// end-of-life transitions. Results are tagged Valid, Invalid, or
// Unavailable; a caller must never treat Unavailable as acceptance, and in
// production mode the stub path is never offered.
package verifier

import (
	"context"
	"time"
)

// Outcome tags a verification result.
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeUnavailable Outcome = "unavailable"
)

// Result is a single verification verdict.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Score   float64        `json:"score,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	// Cached marks verdicts served from a cache while the chain adapter
	// was unreachable.
	Cached bool `json:"cached,omitempty"`
	// StubVerified marks verdicts from the offline shape check. Only
	// non-production deployments may act on these.
	StubVerified bool `json:"stub_verified,omitempty"`
}

// CachedProof is a burn proof verdict held in a cache tier.
type CachedProof struct {
	ProofHash     string         `json:"proof_hash"`
	ParentAssetID string         `json:"parent_asset_id,omitempty"`
	Valid         bool           `json:"valid"`
	Details       map[string]any `json:"details,omitempty"`
	VerifiedAt    time.Time      `json:"verified_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// CachedScore is an ESG score held in a cache tier.
type CachedScore struct {
	MaterialID string         `json:"material_id"`
	Score      float64        `json:"score"`
	Details    map[string]any `json:"details,omitempty"`
	FetchedAt  time.Time      `json:"fetched_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Cache is one tier of verification memory. Tiers are consulted in order
// when the chain adapter cannot be reached.
type Cache interface {
	GetProof(ctx context.Context, proofHash string) (*CachedProof, bool, error)
	PutProof(ctx context.Context, p *CachedProof) error
	GetScore(ctx context.Context, materialID string) (*CachedScore, bool, error)
	PutScore(ctx context.Context, s *CachedScore) error
}

// Transaction types carrying an ESG gate, with their minimum scores.
const (
	TxRental   = "rental"
	TxResale   = "resale"
	TxDissolve = "dissolve"
	TxReprint  = "reprint"
)

var esgThresholds = map[string]float64{
	TxRental:   0.5,
	TxResale:   0.6,
	TxDissolve: 0.4,
	TxReprint:  0.7,
}

// ThresholdFor returns the base ESG threshold for a transaction type,
// reporting false for types that carry no gate.
func ThresholdFor(txType string) (float64, bool) {
	v, ok := esgThresholds[txType]
	return v, ok
}

// Reasons carried on Invalid and Unavailable results.
const (
	ReasonLedgerUnavailable = "ledger_unavailable"
	ReasonProofRejected     = "proof_rejected"
	ReasonProofMalformed    = "proof_malformed"
	ReasonBelowThreshold    = "esg_below_threshold"
	ReasonScoreRejected     = "esg_score_rejected"
)

// Set bundles the verifiers consulted before transactional actions.
type Set struct {
	BurnProof *BurnProofVerifier
	ESG       *ESGVerifier
}
