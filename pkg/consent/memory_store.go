package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// MemoryStore is the in-process Store used by tests and dev mode.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*contracts.User
	policies    map[string]*Policy
	friendships map[[2]string]*Friendship
	clock       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*contracts.User),
		policies:    make(map[string]*Policy),
		friendships: make(map[[2]string]*Friendship),
		clock:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *contracts.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; ok {
		return errkind.New(errkind.Conflict, "user %s already exists", u.UserID)
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock().UTC()
	}
	s.users[u.UserID] = &cp
	return nil
}

func (s *MemoryStore) User(ctx context.Context, userID string) (*contracts.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "user %s not found", userID)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.ConsentID == "" {
		cp.ConsentID = uuid.NewString()
		p.ConsentID = cp.ConsentID
	}
	if cp.PolicyVersion == 0 {
		cp.PolicyVersion = 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock().UTC()
	}
	s.policies[cp.ConsentID] = &cp
	return nil
}

func (s *MemoryStore) ActivePolicies(ctx context.Context, ownerID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.UserID != ownerID || p.IsRevoked {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RevokePolicy(ctx context.Context, consentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[consentID]
	if !ok || p.IsRevoked {
		return errkind.New(errkind.NotFound, "consent %s not found", consentID)
	}
	now := s.clock().UTC()
	p.IsRevoked = true
	p.RevokedAt = &now
	p.RevokeReason = reason
	return nil
}

func (s *MemoryStore) RevokeGlobal(ctx context.Context, ownerID, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	var n int64
	for _, p := range s.policies {
		if p.UserID != ownerID || p.IsRevoked {
			continue
		}
		p.IsRevoked = true
		p.RevokedAt = &now
		p.RevokeReason = reason
		n++
	}
	return n, nil
}

func (s *MemoryStore) UpsertFriendship(ctx context.Context, f *Friendship) error {
	a, b := CanonicalPair(f.UserA, f.UserB)
	if a == b || a == "" {
		return errkind.New(errkind.Validation, "friendship requires two distinct users")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.UserA, cp.UserB = a, b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock().UTC()
	}
	s.friendships[[2]string{a, b}] = &cp
	return nil
}

func (s *MemoryStore) Friendship(ctx context.Context, a, b string) (*Friendship, bool, error) {
	ca, cb := CanonicalPair(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.friendships[[2]string{ca, cb}]
	if !ok {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}
