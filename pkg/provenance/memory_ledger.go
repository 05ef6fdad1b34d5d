package provenance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// MemoryLedger keeps assets and chains in process memory for tests and
// development. One mutex stands in for the asset row lock.
type MemoryLedger struct {
	mu     sync.RWMutex
	assets map[string]*contracts.Asset
	chains map[string][]*Entry
	byTag  map[string]string
	clock  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		assets: make(map[string]*contracts.Asset),
		chains: make(map[string][]*Entry),
		byTag:  make(map[string]string),
		clock:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) MintAsset(ctx context.Context, p MintParams) (*contracts.Asset, error) {
	if err := validateMint(&p); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.AssetID == "" {
		p.AssetID = uuid.NewString()
	}
	if _, ok := l.assets[p.AssetID]; ok {
		return nil, errkind.New(errkind.Conflict, "asset %s already exists", p.AssetID)
	}
	if p.GarmentTag != "" {
		if _, ok := l.byTag[p.GarmentTag]; ok {
			return nil, errkind.New(errkind.Conflict, "garment tag %q already bound", p.GarmentTag)
		}
	}
	if p.AuthenticityHash == "" {
		p.AuthenticityHash = defaultAuthenticityHash(&p)
	}

	now := l.clock().UTC()
	asset := &contracts.Asset{
		AssetID:           p.AssetID,
		AssetType:         p.AssetType,
		DisplayName:       p.DisplayName,
		GarmentTag:        p.GarmentTag,
		CreatorUserID:     p.CreatorUserID,
		CurrentOwnerID:    p.CreatorUserID,
		AuthenticityHash:  p.AuthenticityHash,
		LifecycleState:    contracts.StateProduced,
		ReprintGeneration: p.ReprintGeneration,
		ParentAssetID:     p.ParentAssetID,
		CreatedAt:         now,
	}
	l.assets[asset.AssetID] = asset
	if p.GarmentTag != "" {
		l.byTag[p.GarmentTag] = asset.AssetID
	}
	l.chains[asset.AssetID] = []*Entry{{
		AssetID:      asset.AssetID,
		SequenceNum:  1,
		ToUserID:     p.CreatorUserID,
		TransferType: contracts.TransferMint,
		Currency:     "USD",
		TransferAt:   now,
	}}
	cp := *asset
	return &cp, nil
}

func (l *MemoryLedger) RecordTransfer(ctx context.Context, p TransferParams) (*Entry, error) {
	if err := validateTransfer(&p); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	asset, ok := l.assets[p.AssetID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "asset %s not found", p.AssetID)
	}
	if asset.CurrentOwnerID != p.FromUserID {
		return nil, errkind.WithReason(errkind.PermissionDenied, errkind.ReasonAccessDenied,
			"transfer of %s from non-owner", p.AssetID)
	}

	chain := l.chains[p.AssetID]
	entry := &Entry{
		AssetID:      p.AssetID,
		SequenceNum:  len(chain) + 1,
		FromUserID:   p.FromUserID,
		ToUserID:     p.ToUserID,
		TransferType: p.TransferType,
		Price:        p.Price,
		Currency:     currencyOr(p.Currency),
		TransferAt:   l.clock().UTC(),
	}
	l.chains[p.AssetID] = append(chain, entry)
	asset.CurrentOwnerID = p.ToUserID

	cp := *entry
	return &cp, nil
}

func (l *MemoryLedger) StampTransfer(ctx context.Context, assetID string, seq int, cardanoTx, midnightProof string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.chains[assetID]
	if seq < 1 || seq > len(chain) {
		return errkind.New(errkind.NotFound, "chain entry %s/%d not found", assetID, seq)
	}
	e := chain[seq-1]
	if cardanoTx != "" {
		e.BlockchainTxHash = cardanoTx
	}
	if midnightProof != "" {
		e.MidnightProofHash = midnightProof
	}
	return nil
}

func (l *MemoryLedger) Asset(ctx context.Context, assetID string) (*contracts.Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	cp := *asset
	return &cp, nil
}

func (l *MemoryLedger) AssetByTag(ctx context.Context, garmentTag string) (*contracts.Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byTag[garmentTag]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "no asset bound to tag %q", garmentTag)
	}
	cp := *l.assets[id]
	return &cp, nil
}

func (l *MemoryLedger) Chain(ctx context.Context, assetID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.assets[assetID]; !ok {
		return nil, errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	chain := l.chains[assetID]
	out := make([]*Entry, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (l *MemoryLedger) VerifyChain(ctx context.Context, assetID string) (*VerifyResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	return verifyEntries(asset, l.chains[assetID]), nil
}

func (l *MemoryLedger) UpdateLifecycleState(ctx context.Context, assetID string, from, to contracts.LifecycleState, reprintGeneration int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	if asset.LifecycleState != from {
		return errkind.WithReason(errkind.Conflict, errkind.ReasonInvalidTransition,
			"asset %s is %s, not %s", assetID, asset.LifecycleState, from)
	}
	asset.LifecycleState = to
	asset.ReprintGeneration = reprintGeneration
	return nil
}

func (l *MemoryLedger) SetDissolveAuthHash(ctx context.Context, assetID, keyHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	asset.DissolveAuthKeyHash = keyHash
	return nil
}

func (l *MemoryLedger) TouchBiometricSync(ctx context.Context, assetID string, latencyMS int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return errkind.New(errkind.NotFound, "asset %s not found", assetID)
	}
	asset.ARSyncLatencyMS = latencyMS
	t := at.UTC()
	asset.LastBiometricSync = &t
	return nil
}

func currencyOr(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
