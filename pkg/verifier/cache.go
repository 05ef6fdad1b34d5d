package verifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// MemoryCache keeps verdicts in process memory. It is the first tier in
// every deployment and the only tier in locally wired nodes.
type MemoryCache struct {
	mu     sync.RWMutex
	proofs map[string]*CachedProof
	scores map[string]*CachedScore
	clock  func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		proofs: make(map[string]*CachedProof),
		scores: make(map[string]*CachedScore),
		clock:  time.Now,
	}
}

// WithClock overrides the expiry clock for tests.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) GetProof(_ context.Context, proofHash string) (*CachedProof, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.proofs[proofHash]
	if !ok || c.clock().After(p.ExpiresAt) {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

func (c *MemoryCache) PutProof(_ context.Context, p *CachedProof) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.proofs[p.ProofHash] = &cp
	return nil
}

func (c *MemoryCache) GetScore(_ context.Context, materialID string) (*CachedScore, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scores[materialID]
	if !ok || c.clock().After(s.ExpiresAt) {
		return nil, false, nil
	}
	cs := *s
	return &cs, true, nil
}

func (c *MemoryCache) PutScore(_ context.Context, s *CachedScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := *s
	c.scores[s.MaterialID] = &cs
	return nil
}

// RedisCache shares verdicts across nodes through Redis. Entries expire
// server-side so a restart never resurrects a stale proof.
type RedisCache struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisCache connects to addr with the usual client defaults.
func NewRedisCache(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: rdb, clock: time.Now}
}

// NewRedisCacheFromClient wraps an existing client, used by tests.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, clock: time.Now}
}

func proofKey(hash string) string     { return "spine:proof:" + hash }
func scoreKey(material string) string { return "spine:esg:" + material }

func (c *RedisCache) GetProof(ctx context.Context, proofHash string) (*CachedProof, bool, error) {
	raw, err := c.client.Get(ctx, proofKey(proofHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get proof: %w", err)
	}
	var p CachedProof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("redis decode proof: %w", err)
	}
	if c.clock().After(p.ExpiresAt) {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *RedisCache) PutProof(ctx context.Context, p *CachedProof) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis encode proof: %w", err)
	}
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, proofKey(p.ProofHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set proof: %w", err)
	}
	return nil
}

func (c *RedisCache) GetScore(ctx context.Context, materialID string) (*CachedScore, bool, error) {
	raw, err := c.client.Get(ctx, scoreKey(materialID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get score: %w", err)
	}
	var s CachedScore
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("redis decode score: %w", err)
	}
	if c.clock().After(s.ExpiresAt) {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *RedisCache) PutScore(ctx context.Context, s *CachedScore) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis encode score: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, scoreKey(s.MaterialID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set score: %w", err)
	}
	return nil
}

// PostgresCache persists verdicts in the relational store so they survive
// full restarts of every node.
type PostgresCache struct {
	store  *storage.Adapter
	logger *slog.Logger
	clock  func() time.Time
}

func NewPostgresCache(store *storage.Adapter, logger *slog.Logger) *PostgresCache {
	return &PostgresCache{store: store, logger: logger, clock: time.Now}
}

func (c *PostgresCache) GetProof(ctx context.Context, proofHash string) (*CachedProof, bool, error) {
	var (
		p       CachedProof
		details []byte
		found   bool
	)
	err := c.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT proof_hash, parent_asset_id, valid, details, verified_at, expires_at
			FROM burn_proof_cache
			WHERE proof_hash = $1`, proofHash)
		err := row.Scan(&p.ProofHash, &p.ParentAssetID, &p.Valid, &details, &p.VerifiedAt, &p.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("proof cache read: %w", err)
	}
	if !found || c.clock().After(p.ExpiresAt) {
		return nil, false, nil
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return nil, false, fmt.Errorf("proof cache decode: %w", err)
		}
	}
	return &p, true, nil
}

func (c *PostgresCache) PutProof(ctx context.Context, p *CachedProof) error {
	details, err := json.Marshal(orEmpty(p.Details))
	if err != nil {
		return fmt.Errorf("proof cache encode: %w", err)
	}
	err = c.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO burn_proof_cache (proof_hash, parent_asset_id, valid, details, verified_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (proof_hash) DO UPDATE SET
				parent_asset_id = EXCLUDED.parent_asset_id,
				valid           = EXCLUDED.valid,
				details         = EXCLUDED.details,
				verified_at     = EXCLUDED.verified_at,
				expires_at      = EXCLUDED.expires_at`,
			p.ProofHash, p.ParentAssetID, p.Valid, details, p.VerifiedAt, p.ExpiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("proof cache write: %w", err)
	}
	return nil
}

func (c *PostgresCache) GetScore(ctx context.Context, materialID string) (*CachedScore, bool, error) {
	var (
		s       CachedScore
		details []byte
		found   bool
	)
	err := c.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT material_id, esg_score, details, verified_at, expires_at
			FROM material_esg_cache
			WHERE material_id = $1`, materialID)
		err := row.Scan(&s.MaterialID, &s.Score, &details, &s.FetchedAt, &s.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("esg cache read: %w", err)
	}
	if !found || c.clock().After(s.ExpiresAt) {
		return nil, false, nil
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &s.Details); err != nil {
			return nil, false, fmt.Errorf("esg cache decode: %w", err)
		}
	}
	return &s, true, nil
}

func (c *PostgresCache) PutScore(ctx context.Context, s *CachedScore) error {
	details, err := json.Marshal(orEmpty(s.Details))
	if err != nil {
		return fmt.Errorf("esg cache encode: %w", err)
	}
	err = c.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO material_esg_cache (material_id, esg_score, details, verified_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (material_id) DO UPDATE SET
				esg_score   = EXCLUDED.esg_score,
				details     = EXCLUDED.details,
				verified_at = EXCLUDED.verified_at,
				expires_at  = EXCLUDED.expires_at`,
			s.MaterialID, s.Score, details, s.FetchedAt, s.ExpiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("esg cache write: %w", err)
	}
	return nil
}

// Sweep removes expired cache rows; the node runs it on the maintenance
// loop alongside the mutation log sweep.
func (c *PostgresCache) Sweep(ctx context.Context) (int64, error) {
	now := c.clock()
	proofs, err := c.store.BulkDeleteOlder(ctx, "burn_proof_cache", "expires_at", now, 500)
	if err != nil {
		return proofs, err
	}
	scores, err := c.store.BulkDeleteOlder(ctx, "material_esg_cache", "expires_at", now, 500)
	return proofs + scores, err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
