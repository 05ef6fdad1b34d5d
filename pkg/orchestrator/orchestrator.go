// Package orchestrator runs the multi-step workflow behind every allowed
// action: persist the scan event exactly once, fetch the scoped facets,
// anchor on both ledgers in parallel, seal the outcome into the audit
// chain, and publish to the owner's wardrobe document. A retried call
// never re-executes completed phases; a call that finds an incomplete
// anchor finishes the anchoring instead.
package orchestrator

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
	"github.com/brandmeonline/integrity-spine/pkg/idempotency"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
	"github.com/brandmeonline/integrity-spine/pkg/resiliency"
	"github.com/brandmeonline/integrity-spine/pkg/statecache"
)

// Operation names recorded in the mutation log.
const (
	OpProcessAllowed    = "process_allowed"
	OpTransferOwnership = "transfer_ownership"
)

// StatusProcessed marks a completed scan workflow.
const StatusProcessed = "processed"

// FacetFetcher returns the facet bodies visible at a resolved scope.
// Implementations must never log the bodies they return.
type FacetFetcher interface {
	Faces(ctx context.Context, assetID string, scope contracts.Scope) (map[contracts.Facet]map[string]any, error)
}

// ProcessRequest carries an allowed decision into the workflow.
type ProcessRequest struct {
	ScanID            string
	ViewerID          string
	AssetID           string
	OwnerID           string
	ResolvedScope     contracts.Scope
	PolicyVersion     string
	PolicyFingerprint string
	RegionCode        string
	Action            string
}

// ProcessResult reports the workflow outcome. Duplicate marks a replayed
// call; Resumed additionally marks one that completed a prior partial
// anchor.
type ProcessResult struct {
	ScanID             string `json:"scan_id"`
	Status             string `json:"status"`
	ShownFacets        int    `json:"shown_facets_count"`
	CardanoTxHash      string `json:"cardano_tx_hash,omitempty"`
	MidnightTxHash     string `json:"midnight_tx_hash,omitempty"`
	CrosschainRootHash string `json:"crosschain_root_hash,omitempty"`
	PartialAnchor      bool   `json:"partial_anchor,omitempty"`
	Duplicate          bool   `json:"duplicate,omitempty"`
	Resumed            bool   `json:"resumed,omitempty"`
	AuditHash          string `json:"audit_hash,omitempty"`
}

// Orchestrator composes the phase pipeline over its collaborators.
type Orchestrator struct {
	idem         idempotency.Executor
	audit        *audit.Log
	assets       provenance.Ledger
	engine       *policy.Engine
	queue        *governance.Queue
	anchorers    []ledger.Anchorer
	cache        statecache.Cache
	facets       FacetFetcher
	logger       *slog.Logger
	anchorPolicy resiliency.Policy
	fetchPolicy  resiliency.Policy
	clock        func() time.Time
}

func New(idem idempotency.Executor, auditLog *audit.Log, assets provenance.Ledger,
	engine *policy.Engine, queue *governance.Queue, anchorers []ledger.Anchorer,
	cache statecache.Cache, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		idem:         idem,
		audit:        auditLog,
		assets:       assets,
		engine:       engine,
		queue:        queue,
		anchorers:    anchorers,
		cache:        cache,
		logger:       logger.With("component", "orchestrator"),
		anchorPolicy: resiliency.AnchorPolicy(120*time.Second, 5),
		fetchPolicy:  resiliency.DefaultPolicy(),
		clock:        time.Now,
	}
}

// SetFacetFetcher wires the facet source. Set after construction because
// the facet service itself delegates transfers back here.
func (o *Orchestrator) SetFacetFetcher(f FacetFetcher) { o.facets = f }

// WithAnchorPolicy overrides the per-ledger submission retry budget.
func (o *Orchestrator) WithAnchorPolicy(p resiliency.Policy) *Orchestrator {
	o.anchorPolicy = p
	return o
}

// WithClock overrides the anchor timestamp source for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// ProcessAllowed executes the scan workflow exactly once per scan_id.
// A duplicate call returns the original outcome; a duplicate whose
// anchors are incomplete resumes anchoring instead of re-persisting.
func (o *Orchestrator) ProcessAllowed(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.ScanID == "" || req.ViewerID == "" || req.AssetID == "" {
		return nil, errkind.New(errkind.Validation, "scan_id, viewer_id, and asset_id are required")
	}

	params := map[string]string{"scan_id": req.ScanID}
	exec, err := o.idem.Execute(ctx, OpProcessAllowed, params, req.ViewerID,
		func(ctx context.Context, _ *sql.Tx) (int64, error) { return 1, nil })
	if err != nil {
		return nil, err
	}
	if exec.Status == idempotency.StatusDuplicate {
		return o.resume(ctx, req)
	}

	// Provisional claim: an anchor row with empty hashes marks a scan
	// whose ledger submissions have not yet confirmed.
	if err := o.audit.UpsertAnchor(ctx, &audit.ChainAnchor{SubjectID: req.ScanID}); err != nil {
		return nil, err
	}
	return o.run(ctx, req, nil, false)
}

// resume reconciles a replayed scan: complete anchors replay the original
// outcome, incomplete ones finish the anchoring.
func (o *Orchestrator) resume(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	anchor, found, err := o.audit.Anchor(ctx, req.ScanID)
	if err != nil {
		return nil, err
	}
	if found && anchor.Complete() {
		res := &ProcessResult{
			ScanID:             req.ScanID,
			Status:             StatusProcessed,
			CardanoTxHash:      anchor.CardanoTxHash,
			MidnightTxHash:     anchor.MidnightTxHash,
			CrosschainRootHash: anchor.CrosschainRootHash,
			Duplicate:          true,
		}
		if explain, err := o.audit.Explain(ctx, req.ScanID); err == nil {
			if n, ok := explain["shown_facets_count"].(int); ok {
				res.ShownFacets = n
			}
		}
		return res, nil
	}

	o.logger.Info("resuming incomplete anchor", "scan_id", req.ScanID)
	res, err := o.run(ctx, req, anchor, true)
	if err != nil {
		return nil, err
	}
	res.Duplicate = true
	res.Resumed = true
	return res, nil
}

// run executes the fetch/anchor/record/audit/publish phases. existing
// carries already-confirmed hashes on a resume so only missing ledgers
// are submitted again.
func (o *Orchestrator) run(ctx context.Context, req ProcessRequest, existing *audit.ChainAnchor, resumed bool) (*ProcessResult, error) {
	shown, err := o.fetchFacets(ctx, req)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"asset_id":       req.AssetID,
		"policy_version": req.PolicyVersion,
		"resolved_scope": string(req.ResolvedScope),
	}
	hashes, anchorErrs := o.anchor(ctx, req.ScanID, payload, existing)
	for name, aerr := range anchorErrs {
		o.logger.Warn("ledger anchor failed", "scan_id", req.ScanID, "ledger", name, "error", aerr)
	}

	cardano, midnight := hashes[ledger.NameCardano], hashes[ledger.NameMidnight]
	if cardano == "" && midnight == "" {
		o.auditAppend(ctx, req, "scan_processed/anchor_failed", shown, hashes, true, false)
		return nil, errkind.WithReason(errkind.ServiceUnavailable, errkind.ReasonLedgerUnavailable,
			"no ledger accepted the anchor for scan %s", req.ScanID)
	}
	partial := cardano == "" || midnight == ""

	record := &audit.ChainAnchor{
		SubjectID:      req.ScanID,
		CardanoTxHash:  cardano,
		MidnightTxHash: midnight,
	}
	if record.Complete() {
		record.CrosschainRootHash = crosschainRoot(cardano, midnight, req.ScanID)
		now := o.clock().UTC()
		record.AnchoredAt = &now
	}
	if err := o.audit.UpsertAnchor(ctx, record); err != nil {
		return nil, err
	}

	summary := "scan_processed/allow"
	if resumed {
		summary = "scan_processed/anchor_resumed"
	}
	entry := o.auditAppend(ctx, req, summary, shown, map[string]string{
		ledger.NameCardano:  cardano,
		ledger.NameMidnight: midnight,
		"root":              record.CrosschainRootHash,
	}, partial, partial)

	o.publishScan(ctx, req)

	res := &ProcessResult{
		ScanID:             req.ScanID,
		Status:             StatusProcessed,
		ShownFacets:        shown,
		CardanoTxHash:      cardano,
		MidnightTxHash:     midnight,
		CrosschainRootHash: record.CrosschainRootHash,
		PartialAnchor:      partial,
	}
	if entry != nil {
		res.AuditHash = entry.EntryHash
	}
	o.logger.Info("scan processed",
		"scan_id", req.ScanID, "asset_id", req.AssetID,
		"shown_facets", shown, "partial_anchor", partial, "resumed", resumed)
	return res, nil
}

// fetchFacets counts the facets visible at the resolved scope. Bodies are
// discarded here; only the count reaches the audit detail.
func (o *Orchestrator) fetchFacets(ctx context.Context, req ProcessRequest) (int, error) {
	if o.facets == nil {
		return 0, nil
	}
	var shown int
	err := resiliency.Retry(ctx, o.fetchPolicy, func(ctx context.Context) error {
		faces, err := o.facets.Faces(ctx, req.AssetID, req.ResolvedScope)
		if err != nil {
			return err
		}
		shown = len(faces)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return shown, nil
}

// anchor submits to every ledger missing from existing, in parallel, each
// with its own retry budget. Failures are returned per ledger, never
// cancelling the sibling submission.
func (o *Orchestrator) anchor(ctx context.Context, subjectID string, payload map[string]any, existing *audit.ChainAnchor) (map[string]string, map[string]error) {
	hashes := make(map[string]string)
	if existing != nil {
		if existing.CardanoTxHash != "" {
			hashes[ledger.NameCardano] = existing.CardanoTxHash
		}
		if existing.MidnightTxHash != "" {
			hashes[ledger.NameMidnight] = existing.MidnightTxHash
		}
	}

	var (
		mu   sync.Mutex
		g    errgroup.Group
		errs = make(map[string]error)
	)
	for _, l := range o.anchorers {
		if _, done := hashes[l.Name()]; done {
			continue
		}
		l := l
		g.Go(func() error {
			var res *ledger.SubmitResult
			err := resiliency.Retry(ctx, o.anchorPolicy, func(ctx context.Context) error {
				r, err := l.Submit(ctx, subjectID, payload)
				if err == nil {
					res = r
				}
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[l.Name()] = err
				return nil
			}
			hashes[l.Name()] = res.TxHash
			return nil
		})
	}
	_ = g.Wait()
	return hashes, errs
}

// auditAppend seals one workflow outcome into the scan's chain. Append
// failures are logged, not fatal: the anchor record is already durable.
func (o *Orchestrator) auditAppend(ctx context.Context, req ProcessRequest, summary string, shown int, hashes map[string]string, risk, partial bool) *audit.Entry {
	detail := map[string]any{
		"action":               req.Action,
		"viewer_id":            req.ViewerID,
		"resolved_scope":       string(req.ResolvedScope),
		"policy_version":       req.PolicyVersion,
		"shown_facets_count":   shown,
		"cardano_tx_hash":      hashes[ledger.NameCardano],
		"midnight_tx_hash":     hashes[ledger.NameMidnight],
		"crosschain_root_hash": hashes["root"],
	}
	if req.PolicyFingerprint != "" {
		detail["policy_fingerprint"] = req.PolicyFingerprint
	}
	if partial {
		detail["partial_anchor"] = true
	}
	entry, err := o.audit.Append(ctx, audit.AppendParams{
		SubjectID:   req.ScanID,
		Summary:     summary,
		Detail:      detail,
		RegionCode:  req.RegionCode,
		RiskFlagged: risk,
	})
	if err != nil {
		o.logger.Warn("audit append failed", "scan_id", req.ScanID, "error", err)
		return nil
	}
	return entry
}

// publishScan bumps the owner's wardrobe counters. Best effort: the cache
// is a read-path convenience, not the system of record.
func (o *Orchestrator) publishScan(ctx context.Context, req ProcessRequest) {
	if o.cache == nil || req.OwnerID == "" {
		return
	}
	if err := o.cache.Increment(ctx, req.OwnerID, req.AssetID, statecache.FieldScanCount, 1); err != nil {
		o.logger.Warn("wardrobe scan counter not updated", "cube_id", req.AssetID, "error", err)
		return
	}
	if err := o.cache.ArrayUnion(ctx, req.OwnerID, req.AssetID, statecache.FieldRecentScans, req.ScanID); err != nil {
		o.logger.Warn("wardrobe recent scans not updated", "cube_id", req.AssetID, "error", err)
	}
}

// ResolveIntent turns a raw tag scan into an executed, escalated, or
// denied passport view.
func (o *Orchestrator) ResolveIntent(ctx context.Context, req contracts.IntentResolveRequest) (*contracts.IntentResolveResult, error) {
	if req.ScanID == "" || req.ScannerUserID == "" || req.GarmentTag == "" {
		return nil, errkind.New(errkind.Validation, "scan_id, scanner_user_id, and garment_tag are required")
	}

	tag := norm.NFC.String(strings.TrimSpace(req.GarmentTag))
	asset, err := o.assets.AssetByTag(ctx, tag)
	if err != nil {
		return nil, err
	}

	verdict, err := o.engine.Check(ctx, policy.CheckInput{
		ViewerID:   req.ScannerUserID,
		OwnerID:    asset.CurrentOwnerID,
		AssetID:    asset.AssetID,
		RegionCode: req.RegionCode,
		Action:     contracts.ActionRequestPassportView,
	})
	if err != nil {
		return nil, err
	}

	result := &contracts.IntentResolveResult{
		Action:         contracts.ActionRequestPassportView,
		GarmentID:      asset.AssetID,
		PolicyDecision: verdict.Decision,
		ResolvedScope:  verdict.ResolvedScope,
		PolicyVersion:  verdict.PolicyVersion,
	}

	switch verdict.Decision {
	case contracts.DecisionAllow:
		proc, err := o.ProcessAllowed(ctx, ProcessRequest{
			ScanID:            req.ScanID,
			ViewerID:          req.ScannerUserID,
			AssetID:           asset.AssetID,
			OwnerID:           asset.CurrentOwnerID,
			ResolvedScope:     verdict.ResolvedScope,
			PolicyVersion:     verdict.PolicyVersion,
			PolicyFingerprint: verdict.PolicyFingerprint,
			RegionCode:        req.RegionCode,
			Action:            contracts.ActionRequestPassportView,
		})
		if err != nil {
			return nil, err
		}
		result.PartialAnchor = proc.PartialAnchor

	case contracts.DecisionEscalate:
		ticket, err := o.queue.Enqueue(ctx, governance.EnqueueParams{
			SubjectID:  req.ScanID,
			RegionCode: req.RegionCode,
			Reason:     verdict.Reason,
			Summary:    "scan_processed/escalate",
			Detail: map[string]any{
				"policy_version": verdict.PolicyVersion,
				"resolved_scope": string(verdict.ResolvedScope),
				governance.DetailRequestKey: map[string]any{
					"action":         contracts.ActionRequestPassportView,
					"scan_id":        req.ScanID,
					"viewer_id":      req.ScannerUserID,
					"asset_id":       asset.AssetID,
					"owner_id":       asset.CurrentOwnerID,
					"resolved_scope": string(verdict.ResolvedScope),
					"policy_version": verdict.PolicyVersion,
					"region_code":    req.RegionCode,
				},
			},
		})
		if err != nil {
			return nil, err
		}
		result.Escalated = true
		result.EscalationID = ticket.EscalationID

	default:
		_, err := o.audit.Append(ctx, audit.AppendParams{
			SubjectID:  req.ScanID,
			Summary:    "scan_processed/deny",
			RegionCode: req.RegionCode,
			Detail: map[string]any{
				"action":         contracts.ActionRequestPassportView,
				"reason":         verdict.Reason,
				"policy_version": verdict.PolicyVersion,
				"resolved_scope": string(verdict.ResolvedScope),
			},
		})
		if err != nil {
			o.logger.Warn("deny audit append failed", "scan_id", req.ScanID, "error", err)
		}
	}
	return result, nil
}

// ExecuteTransfer runs a policy-approved ownership transfer exactly once
// per (cube, from, to, method), anchors it, stamps the chain entry with
// the confirmed hashes, and moves the wardrobe document.
func (o *Orchestrator) ExecuteTransfer(ctx context.Context, req contracts.TransferRequest) (*contracts.TransferResult, error) {
	if req.CubeID == "" || req.FromOwner == "" || req.ToOwner == "" {
		return nil, errkind.New(errkind.Validation, "cube_id, from, and to are required")
	}

	params := map[string]string{
		"cube_id": req.CubeID,
		"from":    req.FromOwner,
		"to":      req.ToOwner,
		"method":  string(req.Method),
	}
	transferID := idempotency.MutationID(OpTransferOwnership, params)

	var entry *provenance.Entry
	exec, err := o.idem.Execute(ctx, OpTransferOwnership, params, req.FromOwner,
		func(ctx context.Context, _ *sql.Tx) (int64, error) {
			e, err := o.assets.RecordTransfer(ctx, provenance.TransferParams{
				AssetID:      req.CubeID,
				FromUserID:   req.FromOwner,
				ToUserID:     req.ToOwner,
				TransferType: req.Method,
				Price:        req.Price,
				Currency:     req.Currency,
			})
			if err != nil {
				return 0, err
			}
			entry = e
			return 1, nil
		})
	if err != nil {
		return nil, err
	}
	if exec.Status == idempotency.StatusDuplicate {
		return o.replayTransfer(ctx, req, transferID, exec.CommitTimestamp)
	}

	hashes, anchorErrs := o.anchor(ctx, req.CubeID, map[string]any{
		"transfer_id":   transferID,
		"sequence_num":  entry.SequenceNum,
		"transfer_type": string(req.Method),
	}, nil)
	for name, aerr := range anchorErrs {
		o.logger.Warn("transfer anchor failed", "cube_id", req.CubeID, "ledger", name, "error", aerr)
	}
	cardano, midnight := hashes[ledger.NameCardano], hashes[ledger.NameMidnight]
	partial := cardano == "" || midnight == ""

	if cardano != "" || midnight != "" {
		if err := o.assets.StampTransfer(ctx, req.CubeID, entry.SequenceNum, cardano, midnight); err != nil {
			o.logger.Warn("transfer stamp failed", "cube_id", req.CubeID, "error", err)
		}
		record := &audit.ChainAnchor{
			SubjectID:      req.CubeID,
			CardanoTxHash:  cardano,
			MidnightTxHash: midnight,
		}
		if record.Complete() {
			record.CrosschainRootHash = crosschainRoot(cardano, midnight, req.CubeID)
			now := o.clock().UTC()
			record.AnchoredAt = &now
		}
		if err := o.audit.UpsertAnchor(ctx, record); err != nil {
			o.logger.Warn("transfer anchor record failed", "cube_id", req.CubeID, "error", err)
		}
	}

	if _, err := o.audit.Append(ctx, audit.AppendParams{
		SubjectID:   req.CubeID,
		Summary:     "transfer_ownership/allow",
		RiskFlagged: partial,
		Detail: map[string]any{
			"transfer_id":      transferID,
			"from_user_id":     req.FromOwner,
			"to_user_id":       req.ToOwner,
			"method":           string(req.Method),
			"sequence_num":     entry.SequenceNum,
			"cardano_tx_hash":  cardano,
			"midnight_tx_hash": midnight,
			"partial_anchor":   partial,
		},
	}); err != nil {
		o.logger.Warn("transfer audit append failed", "cube_id", req.CubeID, "error", err)
	}

	o.publishTransfer(ctx, req)

	o.logger.Info("ownership transferred",
		"cube_id", req.CubeID, "transfer_id", transferID,
		"method", req.Method, "partial_anchor", partial)
	return &contracts.TransferResult{
		Status:           contracts.TransferComplete,
		TransferID:       transferID,
		BlockchainTxHash: cardano,
		NewOwner:         req.ToOwner,
		PartialAnchor:    partial,
		Timestamp:        exec.CommitTimestamp,
	}, nil
}

// replayTransfer rebuilds the original outcome of a duplicated transfer
// from the provenance chain.
func (o *Orchestrator) replayTransfer(ctx context.Context, req contracts.TransferRequest, transferID string, committed time.Time) (*contracts.TransferResult, error) {
	res := &contracts.TransferResult{
		Status:     contracts.TransferComplete,
		TransferID: transferID,
		NewOwner:   req.ToOwner,
		Timestamp:  committed,
	}
	chain, err := o.assets.Chain(ctx, req.CubeID)
	if err != nil {
		return res, nil
	}
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if e.FromUserID == req.FromOwner && e.ToUserID == req.ToOwner && e.TransferType == req.Method {
			res.BlockchainTxHash = e.BlockchainTxHash
			res.PartialAnchor = e.BlockchainTxHash == "" || e.MidnightProofHash == ""
			break
		}
	}
	return res, nil
}

// publishTransfer moves the cube document to the new owner's wardrobe.
func (o *Orchestrator) publishTransfer(ctx context.Context, req contracts.TransferRequest) {
	if o.cache == nil {
		return
	}
	cube, ok, err := o.cache.GetCube(ctx, req.FromOwner, req.CubeID)
	if err != nil {
		o.logger.Warn("wardrobe read failed during transfer", "cube_id", req.CubeID, "error", err)
		return
	}
	if !ok {
		return
	}
	cube.OwnerID = req.ToOwner
	cube.UpdatedAt = time.Time{}
	if err := o.cache.SetCube(ctx, cube); err != nil {
		o.logger.Warn("wardrobe write failed during transfer", "cube_id", req.CubeID, "error", err)
		return
	}
	if err := o.cache.RemoveCube(ctx, req.FromOwner, req.CubeID); err != nil {
		o.logger.Warn("wardrobe removal failed during transfer", "cube_id", req.CubeID, "error", err)
	}
}

// Replay re-executes an approved escalation with the request captured
// when it was parked. Policy is not re-evaluated; the reviewer's approval
// is the authorization.
func (o *Orchestrator) Replay(ctx context.Context, subjectID string, detail map[string]any) error {
	raw, ok := detail[governance.DetailRequestKey].(map[string]any)
	if !ok {
		return errkind.New(errkind.Validation, "escalation for %s carries no replayable request", subjectID)
	}

	if stringAt(raw, "action") == contracts.ActionTransferOwnership {
		req := contracts.TransferRequest{
			CubeID:    stringAt(raw, "cube_id"),
			FromOwner: stringAt(raw, "from"),
			ToOwner:   stringAt(raw, "to"),
			Method:    contracts.TransferType(stringAt(raw, "method")),
			Currency:  stringAt(raw, "currency"),
		}
		if price, ok := raw["price"].(float64); ok {
			req.Price = &price
		}
		_, err := o.ExecuteTransfer(ctx, req)
		return err
	}

	req := ProcessRequest{
		ScanID:        stringAt(raw, "scan_id"),
		ViewerID:      stringAt(raw, "viewer_id"),
		AssetID:       stringAt(raw, "asset_id"),
		OwnerID:       stringAt(raw, "owner_id"),
		ResolvedScope: contracts.Scope(stringAt(raw, "resolved_scope")),
		PolicyVersion: stringAt(raw, "policy_version"),
		RegionCode:    stringAt(raw, "region_code"),
		Action:        stringAt(raw, "action"),
	}
	if req.ScanID == "" {
		req.ScanID = subjectID
	}
	_, err := o.ProcessAllowed(ctx, req)
	return err
}

// crosschainRoot binds the two ledger confirmations to the subject.
func crosschainRoot(cardanoTx, midnightTx, subjectID string) string {
	return canonicalize.HashBytes([]byte(cardanoTx + midnightTx + subjectID))
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

var _ governance.Replayer = (*Orchestrator)(nil)
