package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/consent"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
	"github.com/brandmeonline/integrity-spine/pkg/idempotency"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
	"github.com/brandmeonline/integrity-spine/pkg/region"
	"github.com/brandmeonline/integrity-spine/pkg/resiliency"
	"github.com/brandmeonline/integrity-spine/pkg/statecache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAnchorer confirms submissions with a deterministic hash. Setting
// failFirst makes the first N submissions fail with a retryable error.
type fakeAnchorer struct {
	name string

	mu        sync.Mutex
	calls     int
	failFirst int
}

func (f *fakeAnchorer) Name() string { return f.name }

func (f *fakeAnchorer) Submit(ctx context.Context, subjectID string, payload map[string]any) (*ledger.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errkind.WithReason(errkind.ServiceUnavailable, errkind.ReasonLedgerUnavailable,
			"%s adapter offline", f.name)
	}
	return &ledger.SubmitResult{
		Ledger:      f.name,
		TxHash:      fmt.Sprintf("%s-tx-%s", f.name, subjectID),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeAnchorer) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFaces struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	facets    []contracts.Facet
}

func (f *fakeFaces) Faces(ctx context.Context, assetID string, scope contracts.Scope) (map[contracts.Facet]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errkind.New(errkind.Internal, "facet source offline")
	}
	out := make(map[contracts.Facet]map[string]any, len(f.facets))
	for _, facet := range f.facets {
		out[facet] = map[string]any{"facet": string(facet)}
	}
	return out, nil
}

type world struct {
	orch     *Orchestrator
	audit    *audit.Log
	assets   *provenance.MemoryLedger
	graph    *consent.Graph
	queue    *governance.Queue
	cache    *statecache.MemoryCache
	cardano  *fakeAnchorer
	midnight *fakeAnchorer
	faces    *fakeFaces
}

func newWorld(t *testing.T) *world {
	t.Helper()
	rules, err := region.Load("", testLogger())
	require.NoError(t, err)

	w := &world{
		assets:   provenance.NewMemoryLedger(),
		graph:    consent.NewGraph(consent.NewMemoryStore()),
		cache:    statecache.NewMemoryCache(),
		cardano:  &fakeAnchorer{name: ledger.NameCardano},
		midnight: &fakeAnchorer{name: ledger.NameMidnight},
		faces: &fakeFaces{facets: []contracts.Facet{
			contracts.FacetIdentity, contracts.FacetOwnership, contracts.FacetMaterials,
		}},
	}
	w.audit = audit.NewLog(audit.NewMemoryStore())
	w.queue = governance.NewQueue(w.audit, testLogger())
	engine := policy.NewEngine(w.graph, rules, nil, testLogger())
	w.orch = New(idempotency.NewMemoryExecutor(), w.audit, w.assets, engine, w.queue,
		[]ledger.Anchorer{w.cardano, w.midnight}, w.cache, testLogger()).
		WithAnchorPolicy(resiliency.Policy{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Millisecond})
	w.orch.SetFacetFetcher(w.faces)
	w.queue.SetReplayer(w.orch)
	return w
}

func (w *world) mint(t *testing.T, assetID, tag, owner string) {
	t.Helper()
	_, err := w.assets.MintAsset(context.Background(), provenance.MintParams{
		AssetID:       assetID,
		AssetType:     "garment",
		GarmentTag:    tag,
		CreatorUserID: owner,
	})
	require.NoError(t, err)
}

func (w *world) seedPolicy(t *testing.T, owner string, vis contracts.Visibility) {
	t.Helper()
	err := w.graph.Store().PutPolicy(context.Background(), &consent.Policy{
		UserID:        owner,
		Class:         consent.ClassGlobal,
		Visibility:    vis,
		PolicyVersion: 1,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)
}

func allowedRequest(scanID string) ProcessRequest {
	return ProcessRequest{
		ScanID:        scanID,
		ViewerID:      "user-raj",
		AssetID:       "cube-1",
		OwnerID:       "user-ana",
		ResolvedScope: contracts.ScopePublic,
		PolicyVersion: "policy_v1_us-east1",
		RegionCode:    "us-east1",
		Action:        contracts.ActionRequestPassportView,
	}
}

func TestProcessAllowedAnchorsBothLedgers(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, 3, res.ShownFacets)
	assert.Equal(t, "cardano-tx-S1", res.CardanoTxHash)
	assert.Equal(t, "midnight-tx-S1", res.MidnightTxHash)
	assert.Equal(t, canonicalize.HashBytes([]byte("cardano-tx-S1midnight-tx-S1S1")), res.CrosschainRootHash)
	assert.False(t, res.PartialAnchor)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.AuditHash)

	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "scan_processed/allow", chain[0].DecisionSummary)
	assert.Equal(t, res.AuditHash, chain[0].EntryHash)
	assert.False(t, chain[0].RiskFlagged)

	explain, err := w.audit.Explain(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "policy_v1_us-east1", explain["policy_version"])
	assert.Equal(t, "public", explain["resolved_scope"])
	assert.Equal(t, 3, explain["shown_facets_count"])
	assert.Equal(t, "cardano-tx-S1", explain["cardano_tx_hash"])
	assert.Equal(t, "midnight-tx-S1", explain["midnight_tx_hash"])
	assert.Equal(t, res.CrosschainRootHash, explain["crosschain_root_hash"])

	cube, ok, err := w.cache.GetCube(ctx, "user-ana", "cube-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cube.ScanCount)
	assert.Contains(t, cube.RecentScans, "S1")
}

func TestProcessAllowedDuplicateReplays(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	first, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	second, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.False(t, second.Resumed)
	assert.Equal(t, first.CardanoTxHash, second.CardanoTxHash)
	assert.Equal(t, first.MidnightTxHash, second.MidnightTxHash)
	assert.Equal(t, first.CrosschainRootHash, second.CrosschainRootHash)
	assert.Equal(t, first.ShownFacets, second.ShownFacets)

	// The side effects ran once.
	assert.Equal(t, 1, w.cardano.submissions())
	assert.Equal(t, 1, w.midnight.submissions())
	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	cube, _, err := w.cache.GetCube(ctx, "user-ana", "cube-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cube.ScanCount)
}

func TestPartialAnchorFlagged(t *testing.T) {
	w := newWorld(t)
	w.midnight.failFirst = 1
	ctx := context.Background()

	res, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	assert.True(t, res.PartialAnchor)
	assert.Equal(t, "cardano-tx-S1", res.CardanoTxHash)
	assert.Empty(t, res.MidnightTxHash)
	assert.Empty(t, res.CrosschainRootHash)

	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, chain[0].RiskFlagged)
	assert.Equal(t, true, chain[0].DecisionDetail["partial_anchor"])

	anchor, found, err := w.audit.Anchor(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, anchor.Complete())
	assert.Nil(t, anchor.AnchoredAt)
}

func TestResumeCompletesMissingLedger(t *testing.T) {
	w := newWorld(t)
	w.midnight.failFirst = 1
	ctx := context.Background()

	_, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	res, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.True(t, res.Resumed)
	assert.False(t, res.PartialAnchor)
	assert.Equal(t, "cardano-tx-S1", res.CardanoTxHash)
	assert.Equal(t, "midnight-tx-S1", res.MidnightTxHash)
	assert.NotEmpty(t, res.CrosschainRootHash)

	// The confirmed ledger is not submitted to again.
	assert.Equal(t, 1, w.cardano.submissions())
	assert.Equal(t, 2, w.midnight.submissions())

	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "scan_processed/anchor_resumed", chain[1].DecisionSummary)

	anchor, found, err := w.audit.Anchor(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, anchor.Complete())
	require.NotNil(t, anchor.AnchoredAt)
}

func TestAllAnchorsFailing(t *testing.T) {
	w := newWorld(t)
	w.cardano.failFirst = 1
	w.midnight.failFirst = 1
	ctx := context.Background()

	_, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.Error(t, err)
	assert.Equal(t, errkind.ServiceUnavailable, errkind.KindOf(err))
	assert.Equal(t, errkind.ReasonLedgerUnavailable, errkind.ReasonOf(err))

	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "scan_processed/anchor_failed", chain[0].DecisionSummary)
	assert.True(t, chain[0].RiskFlagged)

	// Once the adapters recover, the same scan id resumes to completion.
	res, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.False(t, res.PartialAnchor)
}

func TestFacetOutageLeavesResumableClaim(t *testing.T) {
	w := newWorld(t)
	w.faces.failFirst = 1
	ctx := context.Background()

	_, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.Error(t, err)
	assert.Zero(t, w.cardano.submissions())
	assert.Zero(t, w.midnight.submissions())

	res, err := w.orch.ProcessAllowed(ctx, allowedRequest("S1"))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 3, res.ShownFacets)
	assert.False(t, res.PartialAnchor)

	chain, err := w.audit.Chain(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "scan_processed/anchor_resumed", chain[0].DecisionSummary)
}

func TestProcessAllowedValidates(t *testing.T) {
	w := newWorld(t)
	_, err := w.orch.ProcessAllowed(context.Background(), ProcessRequest{ScanID: "S1"})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestResolveIntentAllow(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-äse", "user-ana")
	w.seedPolicy(t, "user-ana", contracts.VisibilityPublic)

	// Raw NFC-decomposed tag with scanner whitespace.
	res, err := w.orch.ResolveIntent(ctx, contracts.IntentResolveRequest{
		ScanID:        "S1",
		ScannerUserID: "user-raj",
		GarmentTag:    "  tag-äse ",
		RegionCode:    "us-east1",
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionRequestPassportView, res.Action)
	assert.Equal(t, "cube-1", res.GarmentID)
	assert.Equal(t, contracts.DecisionAllow, res.PolicyDecision)
	assert.Equal(t, contracts.ScopePublic, res.ResolvedScope)
	assert.Equal(t, "policy_v1_us-east1", res.PolicyVersion)
	assert.False(t, res.Escalated)
	assert.False(t, res.PartialAnchor)

	anchor, found, err := w.audit.Anchor(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, anchor.Complete())
}

func TestResolveIntentEscalates(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")
	w.seedPolicy(t, "user-ana", contracts.VisibilityPrivate)

	// Private scope in a GDPR region routes to human review.
	res, err := w.orch.ResolveIntent(ctx, contracts.IntentResolveRequest{
		ScanID:        "S2",
		ScannerUserID: "user-raj",
		GarmentTag:    "tag-1",
		RegionCode:    "eu-west1",
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionEscalate, res.PolicyDecision)
	assert.True(t, res.Escalated)
	assert.NotEmpty(t, res.EscalationID)

	pending, err := w.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "S2", pending[0].SubjectID)

	chain, err := w.audit.Chain(ctx, "S2")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	captured, ok := chain[0].DecisionDetail[governance.DetailRequestKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, contracts.ActionRequestPassportView, captured["action"])
	assert.Equal(t, "user-raj", captured["viewer_id"])
	assert.Equal(t, "cube-1", captured["asset_id"])

	// Nothing was anchored while the scan waits on review.
	assert.Zero(t, w.cardano.submissions())
	assert.Zero(t, w.midnight.submissions())
}

func TestResolveIntentDenyAudits(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")
	w.seedPolicy(t, "user-ana", contracts.VisibilityPrivate)

	res, err := w.orch.ResolveIntent(ctx, contracts.IntentResolveRequest{
		ScanID:        "S3",
		ScannerUserID: "user-raj",
		GarmentTag:    "tag-1",
		RegionCode:    "us-east1",
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionDeny, res.PolicyDecision)
	assert.False(t, res.Escalated)

	chain, err := w.audit.Chain(ctx, "S3")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "scan_processed/deny", chain[0].DecisionSummary)
	assert.Zero(t, w.cardano.submissions())
}

func TestResolveIntentUnknownTag(t *testing.T) {
	w := newWorld(t)
	_, err := w.orch.ResolveIntent(context.Background(), contracts.IntentResolveRequest{
		ScanID:        "S4",
		ScannerUserID: "user-raj",
		GarmentTag:    "tag-nowhere",
		RegionCode:    "us-east1",
	})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestApprovedEscalationReplays(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")
	w.seedPolicy(t, "user-ana", contracts.VisibilityPrivate)

	res, err := w.orch.ResolveIntent(ctx, contracts.IntentResolveRequest{
		ScanID:        "S5",
		ScannerUserID: "user-raj",
		GarmentTag:    "tag-1",
		RegionCode:    "eu-west1",
	})
	require.NoError(t, err)
	require.True(t, res.Escalated)

	decision, err := w.queue.Decide(ctx, "S5", true, "reviewer-1", "verified in person")
	require.NoError(t, err)
	assert.True(t, decision.Replayed)

	chain, err := w.audit.Chain(ctx, "S5")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, strings.HasSuffix(chain[0].DecisionSummary, "/human_decision"))
	assert.Equal(t, "scan_processed/allow", chain[1].DecisionSummary)

	anchor, found, err := w.audit.Anchor(ctx, "S5")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, anchor.Complete())

	pending, err := w.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecuteTransfer(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")
	require.NoError(t, w.cache.SetCube(ctx, &contracts.WardrobeCube{CubeID: "cube-1", OwnerID: "user-ana"}))

	res, err := w.orch.ExecuteTransfer(ctx, contracts.TransferRequest{
		CubeID:    "cube-1",
		FromOwner: "user-ana",
		ToOwner:   "user-raj",
		Method:    contracts.TransferPurchase,
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.TransferComplete, res.Status)
	assert.Equal(t, idempotency.MutationID(OpTransferOwnership, map[string]string{
		"cube_id": "cube-1", "from": "user-ana", "to": "user-raj", "method": "purchase",
	}), res.TransferID)
	assert.Equal(t, "cardano-tx-cube-1", res.BlockchainTxHash)
	assert.Equal(t, "user-raj", res.NewOwner)
	assert.False(t, res.PartialAnchor)
	assert.False(t, res.Timestamp.IsZero())

	asset, err := w.assets.Asset(ctx, "cube-1")
	require.NoError(t, err)
	assert.Equal(t, "user-raj", asset.CurrentOwnerID)

	chain, err := w.assets.Chain(ctx, "cube-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 2, chain[1].SequenceNum)
	assert.Equal(t, "cardano-tx-cube-1", chain[1].BlockchainTxHash)
	assert.Equal(t, "midnight-tx-cube-1", chain[1].MidnightProofHash)

	entries, err := w.audit.Chain(ctx, "cube-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transfer_ownership/allow", entries[0].DecisionSummary)
	assert.Equal(t, res.TransferID, entries[0].DecisionDetail["transfer_id"])

	// The wardrobe document moved to the buyer.
	_, ok, err := w.cache.GetCube(ctx, "user-ana", "cube-1")
	require.NoError(t, err)
	assert.False(t, ok)
	cube, ok, err := w.cache.GetCube(ctx, "user-raj", "cube-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-raj", cube.OwnerID)
}

func TestExecuteTransferDuplicate(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")

	first, err := w.orch.ExecuteTransfer(ctx, contracts.TransferRequest{
		CubeID: "cube-1", FromOwner: "user-ana", ToOwner: "user-raj", Method: contracts.TransferGift,
	})
	require.NoError(t, err)

	second, err := w.orch.ExecuteTransfer(ctx, contracts.TransferRequest{
		CubeID: "cube-1", FromOwner: "user-ana", ToOwner: "user-raj", Method: contracts.TransferGift,
	})
	require.NoError(t, err)

	assert.Equal(t, first.TransferID, second.TransferID)
	assert.Equal(t, first.BlockchainTxHash, second.BlockchainTxHash)
	assert.True(t, second.Timestamp.Equal(first.Timestamp))

	chain, err := w.assets.Chain(ctx, "cube-1")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
	assert.Equal(t, 1, w.cardano.submissions())
}

func TestExecuteTransferFromNonOwner(t *testing.T) {
	w := newWorld(t)
	w.mint(t, "cube-1", "tag-1", "user-ana")

	_, err := w.orch.ExecuteTransfer(context.Background(), contracts.TransferRequest{
		CubeID: "cube-1", FromOwner: "user-raj", ToOwner: "user-zoe", Method: contracts.TransferGift,
	})
	require.Error(t, err)
	assert.Equal(t, errkind.PermissionDenied, errkind.KindOf(err))
}

func TestExecuteTransferPartialAnchor(t *testing.T) {
	w := newWorld(t)
	w.midnight.failFirst = 1
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")

	res, err := w.orch.ExecuteTransfer(ctx, contracts.TransferRequest{
		CubeID: "cube-1", FromOwner: "user-ana", ToOwner: "user-raj", Method: contracts.TransferPurchase,
	})
	require.NoError(t, err)

	assert.True(t, res.PartialAnchor)
	assert.Equal(t, "cardano-tx-cube-1", res.BlockchainTxHash)

	chain, err := w.assets.Chain(ctx, "cube-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "cardano-tx-cube-1", chain[1].BlockchainTxHash)
	assert.Empty(t, chain[1].MidnightProofHash)

	entries, err := w.audit.Chain(ctx, "cube-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].RiskFlagged)
}

func TestReplayDispatchesTransfers(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mint(t, "cube-1", "tag-1", "user-ana")

	err := w.orch.Replay(ctx, "S9", map[string]any{
		governance.DetailRequestKey: map[string]any{
			"action":  contracts.ActionTransferOwnership,
			"cube_id": "cube-1",
			"from":    "user-ana",
			"to":      "user-raj",
			"method":  "gift",
		},
	})
	require.NoError(t, err)

	asset, err := w.assets.Asset(ctx, "cube-1")
	require.NoError(t, err)
	assert.Equal(t, "user-raj", asset.CurrentOwnerID)
}

func TestReplayWithoutCapturedRequest(t *testing.T) {
	w := newWorld(t)
	err := w.orch.Replay(context.Background(), "S9", map[string]any{"reason": "region_review"})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}
