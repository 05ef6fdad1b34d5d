package consent

import (
	"context"
	"testing"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
)

func testGraph(t *testing.T) (*Graph, *MemoryStore) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	return NewGraph(store).WithClock(func() time.Time { return now }), store
}

func TestOwnerAlwaysAllowed(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	// Even a global private policy does not lock the owner out.
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGlobal, Visibility: contracts.VisibilityPrivate})

	res, err := g.Check(ctx, "U1", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Scope != contracts.ScopeOwner {
		t.Errorf("owner check = {allowed %v, scope %s}, want allowed owner", res.Allowed, res.Scope)
	}
	if res.Reason != ReasonOwnerAccess {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonOwnerAccess)
	}
}

func TestStrangerDefaultsToPublic(t *testing.T) {
	g, _ := testGraph(t)

	res, err := g.Check(context.Background(), "U9", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Scope != contracts.ScopePublic {
		t.Errorf("stranger default = {allowed %v, scope %s}, want allowed public", res.Allowed, res.Scope)
	}
	if res.PolicyVersion != 1 {
		t.Errorf("PolicyVersion = %d, want 1", res.PolicyVersion)
	}
}

func TestFriendshipDefault(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	accepted := time.Now()
	mustUpsertFriendship(t, store, &Friendship{UserA: "U1", UserB: "U2", Status: FriendshipAccepted, InitiatedBy: "U2", AcceptedAt: &accepted})

	res, err := g.Check(ctx, "U2", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Scope != contracts.ScopeFriendsOnly {
		t.Errorf("friend default = {allowed %v, scope %s}, want allowed friends_only", res.Allowed, res.Scope)
	}

	// Pending friendship carries no weight.
	mustUpsertFriendship(t, store, &Friendship{UserA: "U1", UserB: "U3", Status: FriendshipPending, InitiatedBy: "U3"})
	res, err = g.Check(ctx, "U3", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Scope != contracts.ScopePublic {
		t.Errorf("pending friend scope = %s, want public fallback", res.Scope)
	}
}

func TestResolutionOrder(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	// Global private would hide everything from U2...
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGlobal, Visibility: contracts.VisibilityPrivate})
	// ...but an asset-specific public grant opens one garment...
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassAssetSpecific, AssetID: "G1", Visibility: contracts.VisibilityPublic})
	// ...a facet-specific private policy shades its journey facet...
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassFacetSpecific, FacetType: contracts.FacetJourney, Visibility: contracts.VisibilityPrivate})
	// ...and a grantee-specific custom grant outranks all of the above for U2.
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGranteeSpecific, GranteeUserID: "U2", Visibility: contracts.VisibilityCustom})

	res, err := g.Check(ctx, "U2", "U1", "G1", contracts.FacetJourney)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Reason != ReasonGranteePolicy {
		t.Errorf("grantee precedence = {allowed %v, reason %s}, want allowed grantee_policy", res.Allowed, res.Reason)
	}

	// Without the grantee grant, the facet policy decides for the journey facet.
	res, err = g.Check(ctx, "U3", "U1", "G1", contracts.FacetJourney)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed || res.Reason != ReasonFacetPolicy {
		t.Errorf("facet precedence = {allowed %v, reason %s}, want denied facet_policy", res.Allowed, res.Reason)
	}

	// A different facet falls through to the asset grant.
	res, err = g.Check(ctx, "U3", "U1", "G1", contracts.FacetMaterials)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Reason != ReasonAssetPolicy {
		t.Errorf("asset precedence = {allowed %v, reason %s}, want allowed asset_policy", res.Allowed, res.Reason)
	}

	// A different asset lands on the global private policy.
	res, err = g.Check(ctx, "U3", "U1", "G2", contracts.FacetMaterials)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed || res.Reason != ReasonGlobalPolicy {
		t.Errorf("global fallback = {allowed %v, reason %s}, want denied global_policy", res.Allowed, res.Reason)
	}
	if res.Scope != contracts.ScopePrivate {
		t.Errorf("global private scope = %s, want private", res.Scope)
	}
}

func TestCustomVisibilityBindsToGrantee(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGranteeSpecific, GranteeUserID: "U2", Visibility: contracts.VisibilityCustom})

	res, err := g.Check(ctx, "U2", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Scope != contracts.ScopeCustom {
		t.Errorf("grantee = {allowed %v, scope %s}, want allowed custom", res.Allowed, res.Scope)
	}
}

func TestExpiredPolicyBehavesAsAbsent(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	past := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGlobal, Visibility: contracts.VisibilityPrivate, ExpiresAt: &past})

	res, err := g.Check(ctx, "U9", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Reason != ReasonDefaultPublic {
		t.Errorf("expired policy = {allowed %v, reason %s}, want public default", res.Allowed, res.Reason)
	}
}

func TestRevokeGlobalCascades(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	mustPut(t, store, &Policy{UserID: "U1", Class: ClassGlobal, Visibility: contracts.VisibilityPrivate})
	mustPut(t, store, &Policy{UserID: "U1", Class: ClassAssetSpecific, AssetID: "G1", Visibility: contracts.VisibilityPrivate})
	mustPut(t, store, &Policy{UserID: "U2", Class: ClassGlobal, Visibility: contracts.VisibilityPrivate})

	n, err := store.RevokeGlobal(ctx, "U1", "account_closed")
	if err != nil {
		t.Fatalf("RevokeGlobal() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeGlobal() revoked = %d, want 2", n)
	}

	res, err := g.Check(ctx, "U9", "U1", "G1", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Reason != ReasonDefaultPublic {
		t.Errorf("post-revoke reason = %q, want %q", res.Reason, ReasonDefaultPublic)
	}

	// The other owner's policy survives.
	res, err = g.Check(ctx, "U9", "U2", "G9", "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Error("unrelated owner's policy was revoked")
	}
}

func TestFriendshipCanonicalOrdering(t *testing.T) {
	_, store := testGraph(t)
	ctx := context.Background()

	accepted := time.Now()
	mustUpsertFriendship(t, store, &Friendship{UserA: "zeta", UserB: "alpha", Status: FriendshipAccepted, InitiatedBy: "zeta", AcceptedAt: &accepted})

	f, ok, err := store.Friendship(ctx, "alpha", "zeta")
	if err != nil || !ok {
		t.Fatalf("Friendship() = %v, %v; want edge", ok, err)
	}
	if f.UserA != "alpha" || f.UserB != "zeta" {
		t.Errorf("edge stored as (%s, %s), want canonical (alpha, zeta)", f.UserA, f.UserB)
	}
	if _, ok, _ := store.Friendship(ctx, "zeta", "alpha"); !ok {
		t.Error("reversed lookup missed canonical edge")
	}
}

func TestTrustScoreDefaultsToMidpoint(t *testing.T) {
	g, store := testGraph(t)
	ctx := context.Background()

	if got := g.TrustScore(ctx, "ghost"); got != 0.5 {
		t.Errorf("TrustScore(unknown) = %v, want 0.5", got)
	}
	if err := store.CreateUser(ctx, &contracts.User{UserID: "U1", Handle: "u1", RegionCode: "us-east1", TrustScore: 0.9, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if got := g.TrustScore(ctx, "U1"); got != 0.9 {
		t.Errorf("TrustScore(U1) = %v, want 0.9", got)
	}
}

func mustPut(t *testing.T, store *MemoryStore, p *Policy) {
	t.Helper()
	if err := store.PutPolicy(context.Background(), p); err != nil {
		t.Fatalf("PutPolicy() error = %v", err)
	}
}

func mustUpsertFriendship(t *testing.T, store *MemoryStore, f *Friendship) {
	t.Helper()
	if err := store.UpsertFriendship(context.Background(), f); err != nil {
		t.Fatalf("UpsertFriendship() error = %v", err)
	}
}
