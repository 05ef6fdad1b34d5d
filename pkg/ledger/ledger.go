// Package ledger talks to the external chain adapters. Cardano carries the
// public anchor, Midnight the privacy-preserving proof; both sit behind
// small HTTP adapter services. Requests are HMAC-signed with a key derived
// per ledger from the node's master secret.
package ledger

import (
	"context"
	"time"
)

// Ledger names as they appear in anchors and logs.
const (
	NameCardano  = "cardano"
	NameMidnight = "midnight"
)

// SubmitResult is a confirmed anchor submission.
type SubmitResult struct {
	Ledger      string    `json:"ledger"`
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ProofResult is the adapter's verdict on a burn proof.
type ProofResult struct {
	Valid   bool           `json:"valid"`
	Details map[string]any `json:"details,omitempty"`
}

// Anchorer submits an anchoring transaction for a subject.
type Anchorer interface {
	Name() string
	Submit(ctx context.Context, subjectID string, payload map[string]any) (*SubmitResult, error)
}

// ProofVerifier checks a burn proof against the chain.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, proofHash, parentAssetID string) (*ProofResult, error)
}

// ESGSource reports a material's sustainability score in [0, 1].
type ESGSource interface {
	MaterialScore(ctx context.Context, materialID string) (float64, map[string]any, error)
}
