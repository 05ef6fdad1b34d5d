package verifier

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const goodProof = "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34"

type fakeProofRPC struct {
	res   *ledger.ProofResult
	err   error
	calls int
}

func (f *fakeProofRPC) VerifyProof(_ context.Context, _, _ string) (*ledger.ProofResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeESG struct {
	score   float64
	details map[string]any
	err     error
}

func (f *fakeESG) MaterialScore(_ context.Context, _ string) (float64, map[string]any, error) {
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.score, f.details, nil
}

func TestBurnProofMalformedHash(t *testing.T) {
	v := NewBurnProofVerifier(&fakeProofRPC{}, BurnProofConfig{}, testLogger)
	for _, bad := range []string{
		"",
		"short",
		strings.ToUpper(goodProof),
		strings.Repeat("z", 64),
		goodProof + "00",
	} {
		res := v.Verify(context.Background(), bad, "asset-1")
		assert.Equal(t, OutcomeInvalid, res.Outcome, "hash %q", bad)
		assert.Equal(t, ReasonProofMalformed, res.Reason)
	}
}

func TestBurnProofChainConfirms(t *testing.T) {
	rpc := &fakeProofRPC{res: &ledger.ProofResult{Valid: true, Details: map[string]any{"tx": "abc"}}}
	cache := NewMemoryCache()
	v := NewBurnProofVerifier(rpc, BurnProofConfig{}, testLogger, cache)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	require.Equal(t, OutcomeValid, res.Outcome)
	assert.False(t, res.Cached)
	assert.False(t, res.StubVerified)
	assert.Equal(t, 1, rpc.calls)

	cached, ok, err := cache.GetProof(context.Background(), goodProof)
	require.NoError(t, err)
	require.True(t, ok, "confirmed proof should be cached")
	assert.True(t, cached.Valid)
	assert.Equal(t, "asset-1", cached.ParentAssetID)
}

func TestBurnProofChainRejects(t *testing.T) {
	rpc := &fakeProofRPC{res: &ledger.ProofResult{Valid: false}}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, ReasonProofRejected, res.Reason)
}

func TestBurnProofDefinitiveAdapterError(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.Validation, "unknown proof format")}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{AllowStubFallback: true}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeInvalid, res.Outcome, "a 4xx from the adapter must not reach the stub path")
	assert.Equal(t, ReasonProofRejected, res.Reason)
}

func TestBurnProofCacheFallback(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.ServiceUnavailable, "adapter down")}
	cache := NewMemoryCache()
	now := time.Now()
	require.NoError(t, cache.PutProof(context.Background(), &CachedProof{
		ProofHash:  goodProof,
		Valid:      true,
		VerifiedAt: now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}))
	v := NewBurnProofVerifier(rpc, BurnProofConfig{RequireLedger: true}, testLogger, cache)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.True(t, res.Cached)
}

func TestBurnProofCacheExpiry(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.Timeout, "adapter slow")}
	now := time.Now()
	cache := NewMemoryCache().WithClock(func() time.Time { return now.Add(25 * time.Hour) })
	require.NoError(t, cache.PutProof(context.Background(), &CachedProof{
		ProofHash:  goodProof,
		Valid:      true,
		VerifiedAt: now,
		ExpiresAt:  now.Add(DefaultProofTTL),
	}))
	v := NewBurnProofVerifier(rpc, BurnProofConfig{RequireLedger: true}, testLogger, cache)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, ReasonLedgerUnavailable, res.Reason)
}

func TestBurnProofRequireLedgerBeatsStub(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.ServiceUnavailable, "adapter down")}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{
		RequireLedger:     true,
		AllowStubFallback: true,
	}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, ReasonLedgerUnavailable, res.Reason)
	assert.False(t, res.StubVerified)
}

func TestBurnProofStubFallback(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.ServiceUnavailable, "adapter down")}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{AllowStubFallback: true}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.True(t, res.StubVerified)
}

func TestBurnProofStubRefusedInProduction(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.ServiceUnavailable, "adapter down")}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{
		AllowStubFallback: true,
		Production:        true,
	}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, ReasonLedgerUnavailable, res.Reason)
}

func TestBurnProofNoFallbackConfigured(t *testing.T) {
	rpc := &fakeProofRPC{err: errkind.New(errkind.ServiceUnavailable, "adapter down")}
	v := NewBurnProofVerifier(rpc, BurnProofConfig{}, testLogger)

	res := v.Verify(context.Background(), goodProof, "asset-1")
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
}

func TestESGThresholdTable(t *testing.T) {
	for txType, want := range map[string]float64{
		TxRental:   0.5,
		TxResale:   0.6,
		TxDissolve: 0.4,
		TxReprint:  0.7,
	} {
		got, ok := ThresholdFor(txType)
		require.True(t, ok, txType)
		assert.Equal(t, want, got, txType)
	}
	_, ok := ThresholdFor("barter")
	assert.False(t, ok)
}

func TestESGGateMapping(t *testing.T) {
	for _, tt := range []struct {
		transfer contracts.TransferType
		gate     string
		gated    bool
	}{
		{contracts.TransferPurchase, TxResale, true},
		{contracts.TransferTrade, TxResale, true},
		{contracts.TransferGift, "", false},
		{contracts.TransferInheritance, "", false},
		{contracts.TransferReturn, "", false},
		{contracts.TransferMint, "", false},
	} {
		gate, gated := GateFor(tt.transfer)
		assert.Equal(t, tt.gated, gated, string(tt.transfer))
		assert.Equal(t, tt.gate, gate, string(tt.transfer))
	}
}

func TestESGPassAtThreshold(t *testing.T) {
	v := NewESGVerifier(&fakeESG{score: 0.6}, ESGConfig{}, testLogger)

	res := v.Check(context.Background(), "organic-cotton", TxResale, 0)
	assert.Equal(t, OutcomeValid, res.Outcome, "a score exactly at the threshold passes")
	assert.Equal(t, 0.6, res.Score)
}

func TestESGBelowThreshold(t *testing.T) {
	v := NewESGVerifier(&fakeESG{score: 0.35}, ESGConfig{}, testLogger)

	res := v.Check(context.Background(), "polyester-blend", TxResale, 0)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, ReasonBelowThreshold, res.Reason)
	assert.Equal(t, 0.35, res.Score)
	assert.Equal(t, 0.6, res.Details["threshold"])
}

func TestESGAgentMinimumRaisesThreshold(t *testing.T) {
	v := NewESGVerifier(&fakeESG{score: 0.7}, ESGConfig{}, testLogger)

	res := v.Check(context.Background(), "organic-cotton", TxResale, 0.9)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, 0.9, res.Details["threshold"])

	res = v.Check(context.Background(), "organic-cotton", TxResale, 0.5)
	assert.Equal(t, OutcomeValid, res.Outcome, "an agent minimum below the table never lowers the gate")
	assert.Equal(t, 0.6, res.Details["threshold"])
}

func TestESGUngatedType(t *testing.T) {
	v := NewESGVerifier(&fakeESG{err: errkind.New(errkind.ServiceUnavailable, "down")}, ESGConfig{}, testLogger)

	res := v.Check(context.Background(), "organic-cotton", "barter", 0)
	assert.Equal(t, OutcomeValid, res.Outcome, "ungated types never consult the source")
}

func TestESGCacheFallback(t *testing.T) {
	source := &fakeESG{err: errkind.New(errkind.Timeout, "scoring timeout")}
	cache := NewMemoryCache()
	now := time.Now()
	require.NoError(t, cache.PutScore(context.Background(), &CachedScore{
		MaterialID: "organic-cotton",
		Score:      0.8,
		FetchedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}))
	v := NewESGVerifier(source, ESGConfig{}, testLogger, cache)

	res := v.Check(context.Background(), "organic-cotton", TxReprint, 0)
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.True(t, res.Cached)
	assert.Equal(t, 0.8, res.Score)
}

func TestESGUnavailable(t *testing.T) {
	source := &fakeESG{err: errkind.New(errkind.ServiceUnavailable, "down")}
	v := NewESGVerifier(source, ESGConfig{}, testLogger)

	res := v.Check(context.Background(), "organic-cotton", TxDissolve, 0)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, ReasonLedgerUnavailable, res.Reason)
}

func TestESGSourceCachesScore(t *testing.T) {
	cache := NewMemoryCache()
	v := NewESGVerifier(&fakeESG{score: 0.9, details: map[string]any{"source": "chain"}}, ESGConfig{}, testLogger, cache)

	res := v.Check(context.Background(), "hemp", TxReprint, 0)
	require.Equal(t, OutcomeValid, res.Outcome)

	s, ok, err := cache.GetScore(context.Background(), "hemp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, s.Score)
}
