package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
)

// LocalLedger is a deterministic in-process adapter used when no external
// adapter URL is configured. Hashes are stable for a given input, so dev
// flows and tests see realistic, repeatable anchors.
type LocalLedger struct {
	name string
}

func NewLocalLedger(name string) *LocalLedger {
	return &LocalLedger{name: name}
}

func (l *LocalLedger) Name() string { return l.name }

func (l *LocalLedger) Submit(ctx context.Context, subjectID string, payload map[string]any) (*SubmitResult, error) {
	h := sha256.New()
	h.Write([]byte(l.name))
	h.Write([]byte(subjectID))
	if payload != nil {
		raw, err := canonicalize.JCS(payload)
		if err != nil {
			return nil, err
		}
		h.Write(raw)
	}
	return &SubmitResult{
		Ledger:      l.name,
		TxHash:      hex.EncodeToString(h.Sum(nil)),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// VerifyProof accepts any well-formed 64-hex proof hash. Validity here only
// asserts shape; real chain membership needs the HTTP adapter.
func (l *LocalLedger) VerifyProof(ctx context.Context, proofHash, parentAssetID string) (*ProofResult, error) {
	return &ProofResult{
		Valid:   isHex64(proofHash),
		Details: map[string]any{"source": "local", "ledger": l.name},
	}, nil
}

// MaterialScore derives a stable pseudo-score in [0.70, 0.95). Every
// built-in threshold passes, so local mode never blocks on ESG.
func (l *LocalLedger) MaterialScore(ctx context.Context, materialID string) (float64, map[string]any, error) {
	sum := sha256.Sum256([]byte(l.name + "/" + materialID))
	score := 0.70 + float64(sum[0])/1024.0
	return score, map[string]any{"source": "local", "ledger": l.name}, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
