package verifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
)

// DefaultProofTTL bounds how long a chain-confirmed burn proof verdict may
// be served from cache while the adapter is down.
const DefaultProofTTL = 24 * time.Hour

// BurnProofConfig selects the fallback behaviour when the proof chain
// cannot be reached. RequireLedger wins over AllowStubFallback, and a
// production node never accepts a stub verdict no matter the flags.
type BurnProofConfig struct {
	RequireLedger     bool
	AllowStubFallback bool
	Production        bool
	ProofTTL          time.Duration
}

// BurnProofVerifier checks reprint burn proofs against the Midnight
// adapter, with layered caches and an explicitly opt-in offline stub.
type BurnProofVerifier struct {
	rpc    ledger.ProofVerifier
	caches []Cache
	cfg    BurnProofConfig
	logger *slog.Logger
	clock  func() time.Time
}

func NewBurnProofVerifier(rpc ledger.ProofVerifier, cfg BurnProofConfig, logger *slog.Logger, caches ...Cache) *BurnProofVerifier {
	if cfg.ProofTTL <= 0 {
		cfg.ProofTTL = DefaultProofTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BurnProofVerifier{
		rpc:    rpc,
		caches: caches,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the cache expiry clock for tests.
func (v *BurnProofVerifier) WithClock(clock func() time.Time) *BurnProofVerifier {
	v.clock = clock
	return v
}

// Verify resolves a burn proof to a tagged verdict. Order: shape check,
// chain adapter, caches, then the stub path when the deployment allows
// it. Unreachable never degrades to Valid.
func (v *BurnProofVerifier) Verify(ctx context.Context, proofHash, parentAssetID string) Result {
	if !isHex64(proofHash) {
		return Result{Outcome: OutcomeInvalid, Reason: ReasonProofMalformed}
	}

	if v.rpc != nil {
		res, err := v.rpc.VerifyProof(ctx, proofHash, parentAssetID)
		switch {
		case err == nil:
			out := Result{Outcome: OutcomeInvalid, Reason: ReasonProofRejected, Details: res.Details}
			if res.Valid {
				out = Result{Outcome: OutcomeValid, Details: res.Details}
				v.cacheProof(ctx, proofHash, parentAssetID, res)
			}
			return out
		case errkind.Retryable(err):
			v.logger.Warn("burn proof chain unreachable, trying caches",
				"proof_hash", proofHash, "error", err)
		default:
			// A definitive adapter error (malformed request, unknown
			// proof) is a rejection, not an outage.
			return Result{Outcome: OutcomeInvalid, Reason: ReasonProofRejected,
				Details: map[string]any{"error": err.Error()}}
		}
	}

	for _, cache := range v.caches {
		p, ok, err := cache.GetProof(ctx, proofHash)
		if err != nil {
			v.logger.Warn("burn proof cache read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		out := Result{Outcome: OutcomeInvalid, Reason: ReasonProofRejected, Details: p.Details, Cached: true}
		if p.Valid {
			out = Result{Outcome: OutcomeValid, Details: p.Details, Cached: true}
		}
		return out
	}

	if v.cfg.RequireLedger {
		// The deployment demanded chain confirmation; an unreachable
		// chain is a hard rejection, not a soft unknown.
		return Result{Outcome: OutcomeInvalid, Reason: ReasonLedgerUnavailable}
	}
	if v.cfg.AllowStubFallback {
		if v.cfg.Production {
			v.logger.Error("stub burn proof fallback requested in production, refusing",
				"proof_hash", proofHash)
			return Result{Outcome: OutcomeUnavailable, Reason: ReasonLedgerUnavailable}
		}
		v.logger.Warn("accepting stub-verified burn proof", "proof_hash", proofHash)
		return Result{Outcome: OutcomeValid, StubVerified: true,
			Details: map[string]any{"mode": "stub"}}
	}
	return Result{Outcome: OutcomeUnavailable, Reason: ReasonLedgerUnavailable}
}

func (v *BurnProofVerifier) cacheProof(ctx context.Context, proofHash, parentAssetID string, res *ledger.ProofResult) {
	now := v.clock()
	entry := &CachedProof{
		ProofHash:     proofHash,
		ParentAssetID: parentAssetID,
		Valid:         res.Valid,
		Details:       res.Details,
		VerifiedAt:    now,
		ExpiresAt:     now.Add(v.cfg.ProofTTL),
	}
	for _, cache := range v.caches {
		if err := cache.PutProof(ctx, entry); err != nil {
			v.logger.Warn("burn proof cache write failed", "error", err)
		}
	}
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
