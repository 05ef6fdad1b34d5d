package contracts

// Facet names one of the seven projections of a cube.
type Facet string

const (
	FacetIdentity       Facet = "identity"
	FacetOwnership      Facet = "ownership"
	FacetMaterials      Facet = "materials"
	FacetJourney        Facet = "journey"
	FacetSustainability Facet = "sustainability"
	FacetCare           Facet = "care"
	FacetMolecularData  Facet = "molecular_data"
)

// AllFacets returns the seven facets in their fixed presentation order.
func AllFacets() []Facet {
	return []Facet{
		FacetIdentity,
		FacetOwnership,
		FacetMaterials,
		FacetJourney,
		FacetSustainability,
		FacetCare,
		FacetMolecularData,
	}
}

// ValidFacet reports whether name is one of the seven facets.
func ValidFacet(name Facet) bool {
	for _, f := range AllFacets() {
		if f == name {
			return true
		}
	}
	return false
}

// Visibility is a consent policy's stated audience.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityFriendsOnly Visibility = "friends_only"
	VisibilityPrivate     Visibility = "private"
	VisibilityCustom      Visibility = "custom"
)

// Scope is the resolved visibility level for a view request. Owner access
// resolves to ScopeOwner, which no region overlay may downgrade.
type Scope string

const (
	ScopeOwner       Scope = "owner"
	ScopePublic      Scope = "public"
	ScopeFriendsOnly Scope = "friends_only"
	ScopePrivate     Scope = "private"
	ScopeCustom      Scope = "custom"
)

// Decision is the policy engine's verdict.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)
