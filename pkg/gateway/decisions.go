package gateway

import (
	"net/http"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
)

// handlePolicyCheck answers a scan-level policy question. The garment id
// is resolved to its current owner before the engine runs; an unknown
// garment is a 404, not a deny.
func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var req contracts.PolicyCheckRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if req.ScannerUserID == "" || req.GarmentID == "" {
		api.WriteValidation(w, r, "scanner_user_id and garment_id are required")
		return
	}

	asset, err := s.assets.Asset(r.Context(), req.GarmentID)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	regionCode := req.RegionCode
	if regionCode == "" {
		regionCode = s.regionDefault
	}
	action := req.Action
	if action == "" {
		action = contracts.ActionRequestPassportView
	}

	verdict, err := s.engine.Check(r.Context(), policy.CheckInput{
		ViewerID:   req.ScannerUserID,
		OwnerID:    asset.CurrentOwnerID,
		AssetID:    asset.AssetID,
		RegionCode: regionCode,
		Action:     action,
	})
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, verdict.Result())
}

func (s *Server) handleCanViewFace(w http.ResponseWriter, r *http.Request) {
	var req contracts.CanViewFaceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	verdict, err := s.engine.CanViewFace(r.Context(), req, s.region(r))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"decision": verdict.Decision})
}

// handleResolveIntent turns a raw scan into a policy-gated action.
func (s *Server) handleResolveIntent(w http.ResponseWriter, r *http.Request) {
	var req contracts.IntentResolveRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	if req.RegionCode == "" {
		req.RegionCode = s.regionDefault
	}
	res, err := s.orch.ResolveIntent(r.Context(), req)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// executeTransferRequest is the execute-plane wire shape; it names the
// parties from_owner/to_owner where the cube route says from/to.
type executeTransferRequest struct {
	CubeID    string   `json:"cube_id"`
	FromOwner string   `json:"from_owner"`
	ToOwner   string   `json:"to_owner"`
	Method    string   `json:"method"`
	Price     *float64 `json:"price,omitempty"`
	Currency  string   `json:"currency,omitempty"`
}

// handleExecuteTransfer is the orchestrator-facing transfer route. It
// runs through the same policy gate as the cube route; no transfer path
// bypasses consent.
func (s *Server) handleExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	var req executeTransferRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	res, err := s.facets.TransferOwnership(r.Context(), contracts.TransferRequest{
		CubeID:    req.CubeID,
		FromOwner: req.FromOwner,
		ToOwner:   req.ToOwner,
		Method:    contracts.TransferType(req.Method),
		Price:     req.Price,
		Currency:  req.Currency,
	}, s.region(r))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
