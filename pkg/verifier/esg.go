package verifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
)

// DefaultScoreTTL bounds how long a fetched material score may be served
// from cache while the scoring source is down.
const DefaultScoreTTL = 24 * time.Hour

// GateFor maps a provenance transfer type to its ESG gate. Gratuitous
// transfers carry no gate.
func GateFor(transferType contracts.TransferType) (string, bool) {
	switch transferType {
	case contracts.TransferPurchase, contracts.TransferTrade:
		return TxResale, true
	default:
		return "", false
	}
}

// ESGConfig mirrors BurnProofConfig for the scoring source.
type ESGConfig struct {
	RequireLedger bool
	ScoreTTL      time.Duration
}

// ESGVerifier gates transactions on material sustainability scores.
type ESGVerifier struct {
	source ledger.ESGSource
	caches []Cache
	cfg    ESGConfig
	logger *slog.Logger
	clock  func() time.Time
}

func NewESGVerifier(source ledger.ESGSource, cfg ESGConfig, logger *slog.Logger, caches ...Cache) *ESGVerifier {
	if cfg.ScoreTTL <= 0 {
		cfg.ScoreTTL = DefaultScoreTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ESGVerifier{
		source: source,
		caches: caches,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the cache expiry clock for tests.
func (v *ESGVerifier) WithClock(clock func() time.Time) *ESGVerifier {
	v.clock = clock
	return v
}

// Check fetches the material's score and compares it against the gate for
// txType, raised to agentMinimum when an agent demands more. A score
// exactly at the threshold passes.
func (v *ESGVerifier) Check(ctx context.Context, materialID, txType string, agentMinimum float64) Result {
	threshold, gated := ThresholdFor(txType)
	if !gated {
		return Result{Outcome: OutcomeValid, Details: map[string]any{"gated": false}}
	}
	if agentMinimum > threshold {
		threshold = agentMinimum
	}

	if v.source != nil {
		score, details, err := v.source.MaterialScore(ctx, materialID)
		switch {
		case err == nil:
			v.cacheScore(ctx, materialID, score, details)
			return v.judge(score, threshold, txType, details, false)
		case errkind.Retryable(err):
			v.logger.Warn("esg source unreachable, trying caches",
				"material_id", materialID, "error", err)
		default:
			return Result{Outcome: OutcomeInvalid, Reason: ReasonScoreRejected,
				Details: map[string]any{"error": err.Error(), "tx_type": txType}}
		}
	}

	for _, cache := range v.caches {
		s, ok, err := cache.GetScore(ctx, materialID)
		if err != nil {
			v.logger.Warn("esg cache read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		return v.judge(s.Score, threshold, txType, s.Details, true)
	}

	outcome := OutcomeUnavailable
	if v.cfg.RequireLedger {
		outcome = OutcomeInvalid
	}
	return Result{Outcome: outcome, Reason: ReasonLedgerUnavailable,
		Details: map[string]any{"tx_type": txType, "threshold": threshold}}
}

func (v *ESGVerifier) judge(score, threshold float64, txType string, details map[string]any, cached bool) Result {
	merged := map[string]any{"tx_type": txType, "threshold": threshold}
	for k, val := range details {
		merged[k] = val
	}
	if score >= threshold {
		return Result{Outcome: OutcomeValid, Score: score, Details: merged, Cached: cached}
	}
	return Result{Outcome: OutcomeInvalid, Reason: ReasonBelowThreshold,
		Score: score, Details: merged, Cached: cached}
}

func (v *ESGVerifier) cacheScore(ctx context.Context, materialID string, score float64, details map[string]any) {
	now := v.clock()
	entry := &CachedScore{
		MaterialID: materialID,
		Score:      score,
		Details:    details,
		FetchedAt:  now,
		ExpiresAt:  now.Add(v.cfg.ScoreTTL),
	}
	for _, cache := range v.caches {
		if err := cache.PutScore(ctx, entry); err != nil {
			v.logger.Warn("esg cache write failed", "error", err)
		}
	}
}
