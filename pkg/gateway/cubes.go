package gateway

import (
	"net/http"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// handleGetCube serves the full seven-face projection for one viewer.
// Denied faces are omitted from the response body, not flagged. While
// storage is down, the public projection is served from the fallback
// corpus instead of failing the read.
func (s *Server) handleGetCube(w http.ResponseWriter, r *http.Request) {
	viewer := viewerID(r)
	if viewer == "" {
		api.WriteValidation(w, r, "viewer identity is required (X-Viewer-Id header or viewer_id query)")
		return
	}
	cubeID := r.PathValue("cube_id")
	region := s.region(r)
	view, err := s.facets.GetCube(r.Context(), cubeID, viewer, region)
	if err != nil {
		if errkind.KindOf(err) == errkind.ServiceUnavailable && s.serveFallbackCube(w, r, cubeID) {
			return
		}
		api.WriteKindError(w, r, err)
		return
	}
	s.touchFallbackCube(cubeID)
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetFace(w http.ResponseWriter, r *http.Request) {
	viewer := viewerID(r)
	if viewer == "" {
		api.WriteValidation(w, r, "viewer identity is required (X-Viewer-Id header or viewer_id query)")
		return
	}
	facet := contracts.Facet(r.PathValue("facet"))
	face, err := s.facets.GetFace(r.Context(), r.PathValue("cube_id"), facet, viewer, s.region(r))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, face)
}

// handleTransferOwnership runs the policy-gated transfer for a cube. The
// path cube id wins over any cube_id in the body.
func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req contracts.TransferRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	req.CubeID = r.PathValue("cube_id")

	res, err := s.facets.TransferOwnership(r.Context(), req, s.region(r))
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// handleTransition applies one lifecycle edge. Gate failures answer in
// the {success:false, error} wire shape agent callers branch on, at the
// status the error kind maps to.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req contracts.TransitionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	req.CubeID = r.PathValue("cube_id")

	res, err := s.lifecycle.Transition(r.Context(), req)
	if err != nil {
		writeTransitionError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type authorizeDissolveRequest struct {
	RequesterUserID string `json:"requester_user_id,omitempty"`
}

// handleAuthorizeDissolve issues the one-time dissolve key. Only the
// current owner may request it; the key is never stored or logged.
func (s *Server) handleAuthorizeDissolve(w http.ResponseWriter, r *http.Request) {
	var req authorizeDissolveRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	requester := req.RequesterUserID
	if requester == "" {
		requester = viewerID(r)
	}

	key, err := s.lifecycle.AuthorizeDissolve(r.Context(), r.PathValue("cube_id"), requester)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"dissolve_auth_key": key})
}

// writeTransitionError maps a transition failure onto the lifecycle wire
// shape. The error slot is the stable gate reason when one exists, else
// the error kind; agent callers branch on it.
func writeTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errkind.KindOf(err)
	code := errkind.ReasonOf(err)
	if code == "" {
		code = string(kind)
	}
	api.WriteJSON(w, errkind.HTTPStatus(kind), contracts.TransitionResult{Error: code})
}
