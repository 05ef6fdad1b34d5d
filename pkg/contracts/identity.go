// Package contracts defines the shared domain types and wire DTOs exchanged
// between spine components. Store row types live with their stores; only
// types that cross package boundaries belong here.
package contracts

import "time"

// User is a platform identity. Users are never deleted, only deactivated.
type User struct {
	UserID         string    `json:"user_id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name"`
	RegionCode     string    `json:"region_code"`
	TrustScore     float64   `json:"trust_score"`
	ConsentVersion int       `json:"consent_version"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// LifecycleState is the DPP lifecycle position of an asset.
type LifecycleState string

const (
	StateProduced LifecycleState = "PRODUCED"
	StateActive   LifecycleState = "ACTIVE"
	StateRepair   LifecycleState = "REPAIR"
	StateDissolve LifecycleState = "DISSOLVE"
	StateReprint  LifecycleState = "REPRINT"
)

// ValidLifecycleState reports whether s names a known state.
func ValidLifecycleState(s LifecycleState) bool {
	switch s {
	case StateProduced, StateActive, StateRepair, StateDissolve, StateReprint:
		return true
	}
	return false
}

// Asset is a digital product passport ("cube") for a physical or virtual
// item. current_owner_id mirrors the highest-sequence provenance entry.
type Asset struct {
	AssetID           string         `json:"asset_id"`
	AssetType         string         `json:"asset_type"`
	DisplayName       string         `json:"display_name"`
	GarmentTag        string         `json:"garment_tag,omitempty"`
	CreatorUserID     string         `json:"creator_user_id"`
	CurrentOwnerID    string         `json:"current_owner_id"`
	AuthenticityHash  string         `json:"authenticity_hash"`
	LifecycleState    LifecycleState `json:"lifecycle_state"`
	ReprintGeneration int            `json:"reprint_generation"`
	ParentAssetID     string         `json:"parent_asset_id,omitempty"`
	// Hash of the escrowed dissolve authorization key. Never serialized.
	DissolveAuthKeyHash string     `json:"-"`
	ARSyncLatencyMS     int64      `json:"ar_sync_latency_ms,omitempty"`
	LastBiometricSync   *time.Time `json:"last_biometric_sync,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// TransferType classifies an ownership transition.
type TransferType string

const (
	TransferMint        TransferType = "mint"
	TransferPurchase    TransferType = "purchase"
	TransferGift        TransferType = "gift"
	TransferTrade       TransferType = "trade"
	TransferInheritance TransferType = "inheritance"
	TransferReturn      TransferType = "return"
)

// ValidTransferType reports whether t names a known transfer type.
func ValidTransferType(t TransferType) bool {
	switch t {
	case TransferMint, TransferPurchase, TransferGift, TransferTrade,
		TransferInheritance, TransferReturn:
		return true
	}
	return false
}
