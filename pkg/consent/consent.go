// Package consent resolves whether a viewer may see an owner's asset data.
// Resolution walks policy classes from most to least specific and falls back
// to the friendship graph when no policy speaks: owner access first, then
// grantee_specific, facet_specific, asset_specific, global, and finally the
// friendship default. Expired consent behaves as absent; revocation cascades
// in a single statement.
package consent

import (
	"context"
	"sort"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
)

// Policy classes, in resolution order after the owner check.
const (
	ClassGranteeSpecific = "grantee_specific"
	ClassFacetSpecific   = "facet_specific"
	ClassAssetSpecific   = "asset_specific"
	ClassGlobal          = "global"
)

// Friendship statuses.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
	FriendshipBlocked  = "blocked"
)

// Resolution reasons reported on check results.
const (
	ReasonOwnerAccess   = "owner_access"
	ReasonGranteePolicy = "grantee_policy"
	ReasonFacetPolicy   = "facet_policy"
	ReasonAssetPolicy   = "asset_policy"
	ReasonGlobalPolicy  = "global_policy"
	ReasonDefaultFriend = "default_friends"
	ReasonDefaultPublic = "default_public"
)

// Policy is one consent grant or restriction scoped by its class selectors.
type Policy struct {
	ConsentID     string              `json:"consent_id"`
	UserID        string              `json:"user_id"`
	Class         string              `json:"scope"`
	Visibility    contracts.Visibility `json:"visibility"`
	AssetID       string              `json:"asset_id,omitempty"`
	FacetType     contracts.Facet     `json:"facet_type,omitempty"`
	GranteeUserID string              `json:"grantee_user_id,omitempty"`
	PolicyVersion int                 `json:"policy_version"`
	IsRevoked     bool                `json:"is_revoked"`
	RevokedAt     *time.Time          `json:"revoked_at,omitempty"`
	RevokeReason  string              `json:"revoke_reason,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Friendship is an edge in the friendship graph. UserA sorts before UserB.
type Friendship struct {
	UserA       string     `json:"user_id_a"`
	UserB       string     `json:"user_id_b"`
	Status      string     `json:"status"`
	InitiatedBy string     `json:"initiated_by"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CanonicalPair orders two user ids so that an edge has one storable form.
func CanonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// CheckResult is the consent layer's verdict before region overlays apply.
type CheckResult struct {
	Allowed       bool
	Visibility    contracts.Visibility
	Scope         contracts.Scope
	PolicyVersion int
	Reason        string
	ConsentID     string
}

// Store persists users, consent policies, and friendship edges.
type Store interface {
	CreateUser(ctx context.Context, u *contracts.User) error
	User(ctx context.Context, userID string) (*contracts.User, error)

	PutPolicy(ctx context.Context, p *Policy) error
	// ActivePolicies returns the owner's non-revoked policies, newest first.
	// Expiry is evaluated by the caller so that time stays injectable.
	ActivePolicies(ctx context.Context, ownerID string) ([]*Policy, error)
	RevokePolicy(ctx context.Context, consentID, reason string) error
	// RevokeGlobal revokes every live policy of the owner in one statement
	// and returns the number revoked.
	RevokeGlobal(ctx context.Context, ownerID, reason string) (int64, error)

	UpsertFriendship(ctx context.Context, f *Friendship) error
	Friendship(ctx context.Context, a, b string) (*Friendship, bool, error)
}

// Graph is the resolution engine over a Store.
type Graph struct {
	store Store
	clock func() time.Time
}

func NewGraph(store Store) *Graph {
	return &Graph{store: store, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (g *Graph) WithClock(clock func() time.Time) *Graph {
	g.clock = clock
	return g
}

// Store exposes the underlying store for seeding and administration.
func (g *Graph) Store() Store { return g.store }

// Check resolves visibility for viewer on the owner's asset. An empty facet
// means a whole-passport request, which facet-scoped policies do not match.
func (g *Graph) Check(ctx context.Context, viewerID, ownerID, assetID string, facet contracts.Facet) (*CheckResult, error) {
	if viewerID != "" && viewerID == ownerID {
		return &CheckResult{
			Allowed:       true,
			Visibility:    contracts.VisibilityPrivate,
			Scope:         contracts.ScopeOwner,
			PolicyVersion: 1,
			Reason:        ReasonOwnerAccess,
		}, nil
	}

	policies, err := g.store.ActivePolicies(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	live := policies[:0:0]
	for _, p := range policies {
		if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			continue
		}
		live = append(live, p)
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })

	for _, class := range []string{ClassGranteeSpecific, ClassFacetSpecific, ClassAssetSpecific, ClassGlobal} {
		for _, p := range live {
			if p.Class != class || !g.matches(p, viewerID, assetID, facet) {
				continue
			}
			return g.derive(ctx, p, viewerID, ownerID)
		}
	}

	friends, err := g.Friends(ctx, viewerID, ownerID)
	if err != nil {
		return nil, err
	}
	if friends {
		return &CheckResult{
			Allowed:       true,
			Visibility:    contracts.VisibilityFriendsOnly,
			Scope:         contracts.ScopeFriendsOnly,
			PolicyVersion: 1,
			Reason:        ReasonDefaultFriend,
		}, nil
	}
	return &CheckResult{
		Allowed:       true,
		Visibility:    contracts.VisibilityPublic,
		Scope:         contracts.ScopePublic,
		PolicyVersion: 1,
		Reason:        ReasonDefaultPublic,
	}, nil
}

// matches requires the class selector to be present and equal, and any
// additional narrowing selectors to agree with the request.
func (g *Graph) matches(p *Policy, viewerID, assetID string, facet contracts.Facet) bool {
	switch p.Class {
	case ClassGranteeSpecific:
		if p.GranteeUserID == "" || p.GranteeUserID != viewerID {
			return false
		}
	case ClassFacetSpecific:
		if p.FacetType == "" || p.FacetType != facet {
			return false
		}
	case ClassAssetSpecific:
		if p.AssetID == "" || p.AssetID != assetID {
			return false
		}
	case ClassGlobal:
	default:
		return false
	}
	if p.GranteeUserID != "" && p.GranteeUserID != viewerID {
		return false
	}
	if p.FacetType != "" && p.FacetType != facet {
		return false
	}
	if p.AssetID != "" && p.AssetID != assetID {
		return false
	}
	return true
}

func (g *Graph) derive(ctx context.Context, p *Policy, viewerID, ownerID string) (*CheckResult, error) {
	res := &CheckResult{
		Visibility:    p.Visibility,
		Scope:         scopeFor(p.Visibility),
		PolicyVersion: p.PolicyVersion,
		Reason:        reasonFor(p.Class),
		ConsentID:     p.ConsentID,
	}
	switch p.Visibility {
	case contracts.VisibilityPublic:
		res.Allowed = true
	case contracts.VisibilityFriendsOnly:
		friends, err := g.Friends(ctx, viewerID, ownerID)
		if err != nil {
			return nil, err
		}
		res.Allowed = friends
	case contracts.VisibilityCustom:
		res.Allowed = p.GranteeUserID != "" && p.GranteeUserID == viewerID
	default:
		// private, or anything unrecognized, grants nothing
		res.Allowed = false
	}
	return res, nil
}

// Friends reports whether an accepted friendship edge connects the two users.
func (g *Graph) Friends(ctx context.Context, a, b string) (bool, error) {
	if a == "" || b == "" || a == b {
		return false, nil
	}
	f, ok, err := g.store.Friendship(ctx, a, b)
	if err != nil {
		return false, err
	}
	return ok && f.Status == FriendshipAccepted, nil
}

// TrustScore returns the viewer's recorded trust score, defaulting to the
// neutral midpoint when the user is unknown.
func (g *Graph) TrustScore(ctx context.Context, userID string) float64 {
	u, err := g.store.User(ctx, userID)
	if err != nil || u == nil {
		return 0.5
	}
	return u.TrustScore
}

func scopeFor(v contracts.Visibility) contracts.Scope {
	switch v {
	case contracts.VisibilityPublic:
		return contracts.ScopePublic
	case contracts.VisibilityFriendsOnly:
		return contracts.ScopeFriendsOnly
	case contracts.VisibilityCustom:
		return contracts.ScopeCustom
	default:
		return contracts.ScopePrivate
	}
}

func reasonFor(class string) string {
	switch class {
	case ClassGranteeSpecific:
		return ReasonGranteePolicy
	case ClassFacetSpecific:
		return ReasonFacetPolicy
	case ClassAssetSpecific:
		return ReasonAssetPolicy
	default:
		return ReasonGlobalPolicy
	}
}
