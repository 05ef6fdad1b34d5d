package contracts

import "time"

// AgenticState tracks where a cube or face sits in its agent-driven sync
// cycle.
type AgenticState string

const (
	AgenticIdle       AgenticState = "idle"
	AgenticProcessing AgenticState = "processing"
	AgenticModified   AgenticState = "modified"
	AgenticSyncing    AgenticState = "syncing"
	AgenticError      AgenticState = "error"
)

// WardrobeFace is one face's mirror inside the state cache document. A face
// with PendingSync=true has an unflushed update whose canonical form must
// match the relational store once sync completes.
type WardrobeFace struct {
	Visibility   Visibility     `json:"visibility" firestore:"visibility"`
	Data         map[string]any `json:"data,omitempty" firestore:"data,omitempty"`
	PendingSync  bool           `json:"pending_sync" firestore:"pending_sync"`
	AgenticState AgenticState   `json:"agentic_state" firestore:"agentic_state"`
	// UpdatedAt left zero on a write is stamped with the store's write time.
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at,serverTimestamp"`
}

// BiometricSync carries the AR focus state driving render priorities.
type BiometricSync struct {
	ActiveFacet    Facet          `json:"active_facet,omitempty" firestore:"active_facet,omitempty"`
	ARPriority     int            `json:"ar_priority" firestore:"ar_priority"`
	RenderHints    map[string]any `json:"render_hints,omitempty" firestore:"render_hints,omitempty"`
	GazeDurationMS int64          `json:"gaze_duration_ms" firestore:"gaze_duration_ms"`
	LastGazeAt     *time.Time     `json:"last_gaze_at,omitempty" firestore:"last_gaze_at,omitempty"`
}

// WardrobeCube is the per-owner cache document at
// wardrobes/{owner_id}/cubes/{cube_id}.
type WardrobeCube struct {
	CubeID        string                  `json:"cube_id" firestore:"cube_id"`
	OwnerID       string                  `json:"owner_id" firestore:"owner_id"`
	AgenticState  AgenticState            `json:"agentic_state" firestore:"agentic_state"`
	Faces         map[string]WardrobeFace `json:"faces" firestore:"faces"`
	BiometricSync BiometricSync           `json:"biometric_sync" firestore:"biometric_sync"`
	ScanCount     int64                   `json:"scan_count" firestore:"scan_count"`
	RecentScans   []string                `json:"recent_scans,omitempty" firestore:"recent_scans,omitempty"`
	// UpdatedAt left zero on a write is stamped with the store's write time.
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at,serverTimestamp"`
}
