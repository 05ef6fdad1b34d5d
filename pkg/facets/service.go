package facets

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/consent"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
	"github.com/brandmeonline/integrity-spine/pkg/orchestrator"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
)

// Service is the public facade over the seven facets. Every read is
// policy-gated per facet; every disclosure and refusal is sealed into the
// cube's audit chain before the response leaves.
type Service struct {
	assembler *Assembler
	engine    *policy.Engine
	audit     *audit.Log
	queue     *governance.Queue
	orch      *orchestrator.Orchestrator
	assets    provenance.Ledger
	logger    *slog.Logger
	clock     func() time.Time
}

func NewService(assembler *Assembler, engine *policy.Engine, auditLog *audit.Log,
	queue *governance.Queue, orch *orchestrator.Orchestrator, assets provenance.Ledger,
	logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		assembler: assembler,
		engine:    engine,
		audit:     auditLog,
		queue:     queue,
		orch:      orch,
		assets:    assets,
		logger:    logger.With("component", "facets"),
		clock:     time.Now,
	}
}

// WithClock overrides the result timestamp source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// GetCube returns the policy-filtered projection of a whole cube. Denied
// faces are omitted with a deny entry on the chain; faces outside the
// resolved scope's projection are omitted silently.
func (s *Service) GetCube(ctx context.Context, cubeID, viewerID, regionCode string) (*contracts.CubeView, error) {
	asset, err := s.assets.Asset(ctx, cubeID)
	if err != nil {
		return nil, err
	}
	view := &contracts.CubeView{
		CubeID:  asset.AssetID,
		OwnerID: asset.CurrentOwnerID,
		Faces:   make(map[contracts.Facet]*contracts.FaceView),
	}
	for _, facet := range contracts.AllFacets() {
		verdict, err := s.engine.Check(ctx, policy.CheckInput{
			ViewerID:   viewerID,
			OwnerID:    asset.CurrentOwnerID,
			AssetID:    asset.AssetID,
			Facet:      facet,
			RegionCode: regionCode,
			Action:     contracts.ActionViewFace,
		})
		if err != nil {
			return nil, err
		}

		switch verdict.Decision {
		case contracts.DecisionAllow:
			if !floorSatisfied(facet, verdict) {
				continue
			}
			fv, err := s.visibleFace(ctx, asset, facet, viewerID, regionCode, verdict)
			if err != nil {
				return nil, err
			}
			view.Faces[facet] = fv
		case contracts.DecisionEscalate:
			fv, err := s.escalatedFace(ctx, asset, facet, viewerID, regionCode, verdict)
			if err != nil {
				return nil, err
			}
			view.Faces[facet] = fv
		default:
			if err := s.appendView(ctx, asset, facet, viewerID, regionCode, verdict, "view_face/deny", verdict.Reason); err != nil {
				return nil, err
			}
		}
	}
	return view, nil
}

// GetFace answers a request for one face: visible payload on allow, an
// escalation placeholder on review, and a bare access_denied otherwise.
func (s *Service) GetFace(ctx context.Context, cubeID string, facet contracts.Facet, viewerID, regionCode string) (*contracts.FaceView, error) {
	asset, err := s.assets.Asset(ctx, cubeID)
	if err != nil {
		return nil, err
	}
	verdict, err := s.engine.CanViewFace(ctx, contracts.CanViewFaceRequest{
		ViewerID: viewerID,
		OwnerID:  asset.CurrentOwnerID,
		CubeID:   asset.AssetID,
		FaceName: facet,
	}, regionCode)
	if err != nil {
		return nil, err
	}

	switch verdict.Decision {
	case contracts.DecisionAllow:
		if floorSatisfied(facet, verdict) {
			return s.visibleFace(ctx, asset, facet, viewerID, regionCode, verdict)
		}
		if err := s.appendView(ctx, asset, facet, viewerID, regionCode, verdict, "view_face/deny", "outside_resolved_scope"); err != nil {
			return nil, err
		}
	case contracts.DecisionEscalate:
		return s.escalatedFace(ctx, asset, facet, viewerID, regionCode, verdict)
	default:
		if err := s.appendView(ctx, asset, facet, viewerID, regionCode, verdict, "view_face/deny", verdict.Reason); err != nil {
			return nil, err
		}
	}
	return nil, errkind.WithReason(errkind.PermissionDenied, errkind.ReasonAccessDenied,
		"access to %s of %s denied", facet, cubeID)
}

// TransferOwnership gates a transfer through policy, then hands execution
// to the orchestrator or parks the request with governance.
func (s *Service) TransferOwnership(ctx context.Context, req contracts.TransferRequest, regionCode string) (*contracts.TransferResult, error) {
	if req.CubeID == "" || req.FromOwner == "" || req.ToOwner == "" {
		return nil, errkind.New(errkind.Validation, "cube_id, from, and to are required")
	}
	if !contracts.ValidTransferType(req.Method) || req.Method == contracts.TransferMint {
		return nil, errkind.New(errkind.Validation, "method %q is not a transferable type", req.Method)
	}
	asset, err := s.assets.Asset(ctx, req.CubeID)
	if err != nil {
		return nil, err
	}

	verdict, err := s.engine.Check(ctx, policy.CheckInput{
		ViewerID:     req.FromOwner,
		OwnerID:      asset.CurrentOwnerID,
		AssetID:      asset.AssetID,
		RegionCode:   regionCode,
		Action:       contracts.ActionTransferOwnership,
		TransferType: req.Method,
	})
	if err != nil {
		return nil, err
	}

	switch verdict.Decision {
	case contracts.DecisionAllow:
		res, err := s.orch.ExecuteTransfer(ctx, req)
		if err != nil {
			return nil, err
		}
		if face, ferr := s.assembler.Face(ctx, req.CubeID, contracts.FacetOwnership, contracts.ScopeOwner); ferr == nil {
			res.OwnershipFace = &contracts.FaceView{
				Status:     contracts.FaceVisible,
				Visibility: visibilityFor(contracts.ScopeOwner),
				Data:       face,
			}
		} else {
			s.logger.Warn("ownership face not assembled after transfer", "cube_id", req.CubeID, "error", ferr)
		}
		return res, nil

	case contracts.DecisionEscalate:
		request := map[string]any{
			"action":  contracts.ActionTransferOwnership,
			"cube_id": req.CubeID,
			"from":    req.FromOwner,
			"to":      req.ToOwner,
			"method":  string(req.Method),
		}
		if req.Price != nil {
			request["price"] = *req.Price
		}
		if req.Currency != "" {
			request["currency"] = req.Currency
		}
		ticket, err := s.queue.Enqueue(ctx, governance.EnqueueParams{
			SubjectID:  req.CubeID,
			RegionCode: regionCode,
			Reason:     verdict.Reason,
			Summary:    "transfer_ownership/escalate",
			Detail: map[string]any{
				"policy_version":            verdict.PolicyVersion,
				"resolved_scope":            string(verdict.ResolvedScope),
				governance.DetailRequestKey: request,
			},
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("transfer escalated",
			"cube_id", req.CubeID, "escalation_id", ticket.EscalationID, "reason", verdict.Reason)
		return &contracts.TransferResult{
			Status:       contracts.TransferPendingApproval,
			EscalationID: ticket.EscalationID,
			Timestamp:    s.clock().UTC(),
		}, nil

	default:
		if _, aerr := s.audit.Append(ctx, audit.AppendParams{
			SubjectID:  req.CubeID,
			Summary:    "transfer_ownership/deny",
			RegionCode: regionCode,
			Detail: map[string]any{
				"action":         contracts.ActionTransferOwnership,
				"from_user_id":   req.FromOwner,
				"to_user_id":     req.ToOwner,
				"method":         string(req.Method),
				"reason":         verdict.Reason,
				"policy_version": verdict.PolicyVersion,
			},
		}); aerr != nil {
			return nil, aerr
		}
		return nil, errkind.WithReason(errkind.PermissionDenied, errkind.ReasonAccessDenied,
			"transfer of %s denied", req.CubeID)
	}
}

func (s *Service) visibleFace(ctx context.Context, asset *contracts.Asset, facet contracts.Facet, viewerID, regionCode string, verdict *policy.Verdict) (*contracts.FaceView, error) {
	data, err := s.assembler.Face(ctx, asset.AssetID, facet, verdict.ResolvedScope)
	if err != nil {
		return nil, err
	}
	// A disclosure that cannot be recorded is not served.
	if err := s.appendView(ctx, asset, facet, viewerID, regionCode, verdict, "view_face/allow", ""); err != nil {
		return nil, err
	}
	return &contracts.FaceView{
		Status:     contracts.FaceVisible,
		Visibility: visibilityFor(verdict.ResolvedScope),
		Data:       data,
	}, nil
}

func (s *Service) escalatedFace(ctx context.Context, asset *contracts.Asset, facet contracts.Facet, viewerID, regionCode string, verdict *policy.Verdict) (*contracts.FaceView, error) {
	ticket, err := s.queue.Enqueue(ctx, governance.EnqueueParams{
		SubjectID:  asset.AssetID,
		RegionCode: regionCode,
		Reason:     verdict.Reason,
		Summary:    "view_face/escalate",
		Detail: map[string]any{
			"action":         contracts.ActionViewFace,
			"facet":          string(facet),
			"viewer_id":      viewerID,
			"policy_version": verdict.PolicyVersion,
			"resolved_scope": string(verdict.ResolvedScope),
		},
	})
	if err != nil {
		return nil, err
	}
	return &contracts.FaceView{
		Status:       contracts.FaceEscalated,
		EscalationID: ticket.EscalationID,
		Message:      "this face is awaiting human review",
	}, nil
}

func (s *Service) appendView(ctx context.Context, asset *contracts.Asset, facet contracts.Facet, viewerID, regionCode string, verdict *policy.Verdict, summary, reason string) error {
	detail := map[string]any{
		"action":         contracts.ActionViewFace,
		"facet":          string(facet),
		"viewer_id":      viewerID,
		"policy_version": verdict.PolicyVersion,
		"resolved_scope": string(verdict.ResolvedScope),
	}
	if reason != "" {
		detail["reason"] = reason
	}
	_, err := s.audit.Append(ctx, audit.AppendParams{
		SubjectID:  asset.AssetID,
		Summary:    summary,
		RegionCode: regionCode,
		Detail:     detail,
	})
	return err
}

// floorSatisfied reports whether an allowed face is inside the resolved
// scope's projection. Explicit facet-level or grantee-level consent
// overrides the floor; the defaults do not.
func floorSatisfied(facet contracts.Facet, v *policy.Verdict) bool {
	switch v.Reason {
	case consent.ReasonFacetPolicy, consent.ReasonGranteePolicy:
		return true
	}
	return facetFloor[facet] <= scopeRank[v.ResolvedScope]
}

func visibilityFor(scope contracts.Scope) contracts.Visibility {
	switch scope {
	case contracts.ScopeOwner, contracts.ScopePrivate:
		return contracts.VisibilityPrivate
	case contracts.ScopeFriendsOnly:
		return contracts.VisibilityFriendsOnly
	case contracts.ScopeCustom:
		return contracts.VisibilityCustom
	}
	return contracts.VisibilityPublic
}
