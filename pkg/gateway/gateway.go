// Package gateway mounts the node's HTTP surface on one mux: cube facet
// views, policy checks, scan intent resolution, transfer execution, the
// audit and governance routes, lifecycle transitions, and the wardrobe
// websocket stream. Handlers decode, delegate to the domain packages,
// and map typed errors onto the wire; no business rule lives here.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/facets"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
	"github.com/brandmeonline/integrity-spine/pkg/lifecycle"
	"github.com/brandmeonline/integrity-spine/pkg/orchestrator"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
	"github.com/brandmeonline/integrity-spine/pkg/statecache"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// HealthReporter exposes storage readiness for /readyz. Memory-backed
// nodes run without one and always report ready.
type HealthReporter interface {
	Healthy() bool
	Stats() storage.Stats
}

// Deps carries the collaborators behind the HTTP surface.
type Deps struct {
	Facets    *facets.Service
	Assembler *facets.Assembler
	Engine    *policy.Engine
	Orch      *orchestrator.Orchestrator
	Lifecycle *lifecycle.Engine
	Audit     *audit.Log
	Exporter  *audit.Exporter
	Queue     *governance.Queue
	Assets    provenance.Ledger
	Cache     statecache.Cache
	// Health is nil for memory-backed nodes.
	Health HealthReporter
	// Fallback, when present, serves public cube projections while
	// storage is unavailable.
	Fallback *storage.FallbackCorpus
	Logger   *slog.Logger
}

// Server is the HTTP surface of one spine node.
type Server struct {
	facets    *facets.Service
	assembler *facets.Assembler
	engine    *policy.Engine
	orch      *orchestrator.Orchestrator
	lifecycle *lifecycle.Engine
	audit     *audit.Log
	exporter  *audit.Exporter
	queue     *governance.Queue
	assets    provenance.Ledger
	cache     statecache.Cache
	health    HealthReporter
	fallback  *storage.FallbackCorpus
	logger    *slog.Logger

	hub     *Hub
	limiter api.Limiter

	fbMu   sync.Mutex
	fbLast map[string]time.Time

	regionDefault string
	corsOrigins   []string
	jwtSecret     string
}

// New builds the server from configuration and wired collaborators.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	// A shared Redis bucket keeps the limit honest across replicas; the
	// in-process limiter covers single-node and test deployments.
	var limiter api.Limiter = api.NewRateLimiter(int(cfg.RateLimitRPS), cfg.RateLimitBurst)
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisRateLimiter(cfg.RedisAddr, "", 0, int(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	return &Server{
		facets:        deps.Facets,
		assembler:     deps.Assembler,
		engine:        deps.Engine,
		orch:          deps.Orch,
		lifecycle:     deps.Lifecycle,
		audit:         deps.Audit,
		exporter:      deps.Exporter,
		queue:         deps.Queue,
		assets:        deps.Assets,
		cache:         deps.Cache,
		health:        deps.Health,
		fallback:      deps.Fallback,
		logger:        logger,
		hub:           NewHub(logger, cfg.CORSOrigins),
		limiter:       limiter,
		fbLast:        make(map[string]time.Time),
		regionDefault: cfg.RegionDefault,
		corsOrigins:   cfg.CORSOrigins,
		jwtSecret:     cfg.GovernanceJWTSecret,
	}
}

// Handler assembles the route table behind the shared middleware stack.
// Request-id stamping runs outermost so the recovery and access-log
// layers can reference it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("GET /cubes/{cube_id}", s.handleGetCube)
	mux.HandleFunc("GET /cubes/{cube_id}/faces/{facet}", s.handleGetFace)
	mux.HandleFunc("POST /cubes/{cube_id}/transferOwnership", s.handleTransferOwnership)
	mux.HandleFunc("POST /cubes/{cube_id}/lifecycle/transition", s.handleTransition)
	mux.HandleFunc("POST /cubes/{cube_id}/lifecycle/authorizeDissolve", s.handleAuthorizeDissolve)

	mux.HandleFunc("POST /policy/check", s.handlePolicyCheck)
	mux.HandleFunc("POST /policy/canViewFace", s.handleCanViewFace)

	mux.HandleFunc("POST /intent/resolve", s.handleResolveIntent)
	mux.HandleFunc("POST /execute/transfer_ownership", s.handleExecuteTransfer)

	mux.HandleFunc("POST /audit/log", s.handleAuditLog)
	mux.HandleFunc("POST /audit/anchorChain", s.handleAnchorChain)
	mux.HandleFunc("POST /audit/escalate", s.handleEscalate)
	mux.HandleFunc("GET /audit/{scan_id}/explain", s.handleExplain)
	mux.HandleFunc("GET /audit/{scan_id}/verify", s.handleVerify)
	mux.HandleFunc("POST /audit/{scan_id}/export", s.handleExport)

	guard := api.BearerAuth(s.jwtSecret)
	mux.Handle("GET /governance/escalations", guard(http.HandlerFunc(s.handleListEscalations)))
	mux.Handle("POST /governance/escalations/{scan_id}/decision", guard(http.HandlerFunc(s.handleDecision)))

	mux.HandleFunc("GET /ws/wardrobe/{owner_id}", s.handleWardrobeStream)

	return api.Chain(mux,
		api.RequestIDMiddleware,
		api.AccessLog(s.logger),
		api.Recover(s.logger),
		api.CORSMiddleware(s.corsOrigins),
		s.limiter.Middleware,
	)
}

// Close drops every live wardrobe stream. Called on node shutdown.
func (s *Server) Close() {
	s.hub.CloseAll()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports storage readiness. A tripped breaker answers 503
// so load balancers drain the node while reads ride the fallback corpus.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ready",
			"storage": "memory",
		})
		return
	}
	stats := s.health.Stats()
	if !s.health.Healthy() {
		api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"storage": stats,
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"storage": stats,
	})
}

// viewerID resolves the acting user for read routes: the X-Viewer-Id
// header, falling back to the viewer_id query parameter.
func viewerID(r *http.Request) string {
	if id := r.Header.Get("X-Viewer-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("viewer_id")
}

// region resolves the request's region code: query parameter, then the
// X-Region-Code header, then the node default.
func (s *Server) region(r *http.Request) string {
	if code := r.URL.Query().Get("region_code"); code != "" {
		return code
	}
	if code := r.Header.Get("X-Region-Code"); code != "" {
		return code
	}
	return s.regionDefault
}
