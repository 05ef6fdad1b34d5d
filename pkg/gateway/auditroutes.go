package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
)

type auditLogRequest struct {
	ScanID           string         `json:"scan_id"`
	DecisionSummary  string         `json:"decision_summary"`
	DecisionDetail   map[string]any `json:"decision_detail,omitempty"`
	RegionCode       string         `json:"region_code,omitempty"`
	RiskFlagged      bool           `json:"risk_flagged,omitempty"`
	EscalatedToHuman bool           `json:"escalated_to_human,omitempty"`
}

// handleAuditLog appends one decision entry to a subject's chain.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	var req auditLogRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if req.ScanID == "" || req.DecisionSummary == "" {
		api.WriteValidation(w, r, "scan_id and decision_summary are required")
		return
	}

	entry, err := s.audit.Append(r.Context(), audit.AppendParams{
		SubjectID:   req.ScanID,
		Summary:     req.DecisionSummary,
		Detail:      req.DecisionDetail,
		RegionCode:  req.RegionCode,
		RiskFlagged: req.RiskFlagged,
		Escalated:   req.EscalatedToHuman,
	})
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "logged",
		"entry_hash": entry.EntryHash,
	})
}

type anchorChainRequest struct {
	ScanID             string `json:"scan_id"`
	CardanoTxHash      string `json:"cardano_tx_hash,omitempty"`
	MidnightTxHash     string `json:"midnight_tx_hash,omitempty"`
	CrosschainRootHash string `json:"crosschain_root_hash,omitempty"`
}

// handleAnchorChain upserts a subject's ledger anchor. AnchoredAt is
// stamped only once both ledgers have confirmed.
func (s *Server) handleAnchorChain(w http.ResponseWriter, r *http.Request) {
	var req anchorChainRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if req.ScanID == "" {
		api.WriteValidation(w, r, "scan_id is required")
		return
	}

	anchor := &audit.ChainAnchor{
		SubjectID:          req.ScanID,
		CardanoTxHash:      req.CardanoTxHash,
		MidnightTxHash:     req.MidnightTxHash,
		CrosschainRootHash: req.CrosschainRootHash,
	}
	if anchor.Complete() {
		now := time.Now().UTC()
		anchor.AnchoredAt = &now
	}
	if err := s.audit.UpsertAnchor(r.Context(), anchor); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type escalateRequest struct {
	ScanID                string `json:"scan_id"`
	RegionCode            string `json:"region_code,omitempty"`
	Reason                string `json:"reason,omitempty"`
	RequiresHumanApproval bool   `json:"requires_human_approval,omitempty"`
}

// handleEscalate records an escalated decision. With human approval
// required the entry parks in the governance queue; without it the entry
// is only risk-flagged and nothing waits on a reviewer.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if req.ScanID == "" {
		api.WriteValidation(w, r, "scan_id is required")
		return
	}

	if !req.RequiresHumanApproval {
		detail := map[string]any{}
		if req.Reason != "" {
			detail[governance.DetailReasonKey] = req.Reason
		}
		if _, err := s.audit.Append(r.Context(), audit.AppendParams{
			SubjectID:   req.ScanID,
			Summary:     "escalation_recorded",
			Detail:      detail,
			RegionCode:  req.RegionCode,
			RiskFlagged: true,
		}); err != nil {
			api.WriteKindError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged"})
		return
	}

	ticket, err := s.queue.Enqueue(r.Context(), governance.EnqueueParams{
		SubjectID:  req.ScanID,
		RegionCode: req.RegionCode,
		Reason:     req.Reason,
	})
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":              "queued",
		"escalation_id":       ticket.EscalationID,
		"estimated_review_by": ticket.EstimatedReviewBy,
	})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	explain, err := s.audit.Explain(r.Context(), r.PathValue("scan_id"))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, explain)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.Verify(r.Context(), r.PathValue("scan_id"))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

// handleExport builds the evidence pack for a subject. The default
// response is the export receipt; ?download=1 streams the zip itself.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scan_id")
	pack, result, err := s.exporter.ExportPack(r.Context(), scanID)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", scanID+"-evidence.zip"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pack)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.queue.List(r.Context())
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rows)
}

type decisionRequest struct {
	Approved       bool   `json:"approved"`
	ReviewerUserID string `json:"reviewer_user_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

// handleDecision applies a reviewer verdict. The authenticated token
// subject is the reviewer of record; the body's reviewer_user_id is only
// honored when the governance surface runs unauthenticated.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	reviewer := api.Reviewer(r.Context())
	if reviewer == "" {
		reviewer = req.ReviewerUserID
	}
	if reviewer == "" {
		api.WriteValidation(w, r, "reviewer identity is required")
		return
	}

	res, err := s.queue.Decide(r.Context(), r.PathValue("scan_id"), req.Approved, reviewer, req.Note)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*governance.DecisionResult
	}{"resolved", res})
}
