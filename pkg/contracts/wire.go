package contracts

import "time"

// Action names used across policy checks and intent resolution.
const (
	ActionRequestPassportView = "request_passport_view"
	ActionViewFace            = "view_face"
	ActionTransferOwnership   = "transfer_ownership"
	ActionDissolve            = "dissolve"
	ActionReprint             = "reprint"
)

// PolicyCheckRequest asks for a scan-level policy decision.
type PolicyCheckRequest struct {
	ScannerUserID string `json:"scanner_user_id"`
	GarmentID     string `json:"garment_id"`
	RegionCode    string `json:"region_code"`
	Action        string `json:"action"`
}

// CanViewFaceRequest asks whether viewer may see one face of a cube.
type CanViewFaceRequest struct {
	ViewerID string `json:"viewer_id"`
	OwnerID  string `json:"owner_id"`
	CubeID   string `json:"cube_id"`
	FaceName Facet  `json:"face_name"`
}

// PolicyResult is the engine's verdict plus the resolved scope and the
// version fingerprint callers must record alongside the decision.
type PolicyResult struct {
	Decision          Decision `json:"decision"`
	ResolvedScope     Scope    `json:"resolved_scope"`
	PolicyVersion     string   `json:"policy_version"`
	PolicyFingerprint string   `json:"policy_fingerprint,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// IntentResolveRequest carries a raw scan into the orchestrator.
type IntentResolveRequest struct {
	ScanID        string `json:"scan_id"`
	ScannerUserID string `json:"scanner_user_id"`
	GarmentTag    string `json:"garment_tag"`
	RegionCode    string `json:"region_code"`
}

// IntentResolveResult reports what the scan resolved to and whether the
// action executed or went to governance.
type IntentResolveResult struct {
	Action         string   `json:"action"`
	GarmentID      string   `json:"garment_id"`
	PolicyDecision Decision `json:"policy_decision"`
	ResolvedScope  Scope    `json:"resolved_scope"`
	PolicyVersion  string   `json:"policy_version"`
	Escalated      bool     `json:"escalated"`
	EscalationID   string   `json:"escalation_id,omitempty"`
	PartialAnchor  bool     `json:"partial_anchor,omitempty"`
}

// FaceStatus is the per-face outcome inside a cube view.
type FaceStatus string

const (
	FaceVisible   FaceStatus = "visible"
	FaceEscalated FaceStatus = "escalated_pending_human"
)

// FaceView is one facet's projection in an external response. Data is nil
// when the face is escalated.
type FaceView struct {
	Status       FaceStatus     `json:"status"`
	Visibility   Visibility     `json:"visibility,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	EscalationID string         `json:"escalation_id,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// CubeView is the policy-filtered projection of a whole cube. Denied faces
// are absent from Faces.
type CubeView struct {
	CubeID  string              `json:"cube_id"`
	OwnerID string              `json:"owner_id"`
	Faces   map[Facet]*FaceView `json:"faces"`
}

// TransferRequest asks for an ownership transfer of a cube.
type TransferRequest struct {
	CubeID    string       `json:"cube_id"`
	FromOwner string       `json:"from"`
	ToOwner   string       `json:"to"`
	Method    TransferType `json:"method"`
	Price     *float64     `json:"price,omitempty"`
	Currency  string       `json:"currency,omitempty"`
}

// Transfer statuses surfaced to callers.
const (
	TransferComplete        = "transfer_complete"
	TransferPendingApproval = "transfer_pending_approval"
)

// TransferResult reports a completed or escalated transfer.
type TransferResult struct {
	Status           string    `json:"status"`
	TransferID       string    `json:"transfer_id,omitempty"`
	BlockchainTxHash string    `json:"blockchain_tx_hash,omitempty"`
	NewOwner         string    `json:"new_owner,omitempty"`
	OwnershipFace    *FaceView `json:"ownership_face,omitempty"`
	EscalationID     string    `json:"escalation_id,omitempty"`
	PartialAnchor    bool      `json:"partial_anchor,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// TriggerType classifies who initiated a lifecycle transition.
type TriggerType string

const (
	TriggerUser   TriggerType = "user"
	TriggerAgent  TriggerType = "agent"
	TriggerSystem TriggerType = "system"
)

// TransitionRequest asks for a lifecycle state change on a cube.
type TransitionRequest struct {
	CubeID              string         `json:"cube_id"`
	ToState             LifecycleState `json:"to_state"`
	TriggeredBy         string         `json:"triggered_by"`
	TriggerType         TriggerType    `json:"trigger_type,omitempty"`
	Notes               string         `json:"notes,omitempty"`
	DissolveAuthKey     string         `json:"dissolve_auth_key,omitempty"`
	BurnProofHash       string         `json:"burn_proof_hash,omitempty"`
	ParentMaterialBatch string         `json:"parent_material_batch,omitempty"`
}

// TransitionResult reports a lifecycle transition outcome with its ESG
// impact deltas.
type TransitionResult struct {
	Success          bool           `json:"success"`
	PreviousState    LifecycleState `json:"previous_state,omitempty"`
	NewState         LifecycleState `json:"new_state,omitempty"`
	ESGDelta         float64        `json:"esg_delta"`
	CarbonSavedKG    float64        `json:"carbon_saved_kg"`
	WaterSavedLiters float64        `json:"water_saved_liters"`
	AuditHash        string         `json:"audit_hash,omitempty"`
	Error            string         `json:"error,omitempty"`
}
