package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/audit"
	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/consent"
	"github.com/brandmeonline/integrity-spine/pkg/evidence"
	"github.com/brandmeonline/integrity-spine/pkg/facets"
	"github.com/brandmeonline/integrity-spine/pkg/gateway"
	"github.com/brandmeonline/integrity-spine/pkg/governance"
	"github.com/brandmeonline/integrity-spine/pkg/idempotency"
	"github.com/brandmeonline/integrity-spine/pkg/ledger"
	"github.com/brandmeonline/integrity-spine/pkg/lifecycle"
	"github.com/brandmeonline/integrity-spine/pkg/observability"
	"github.com/brandmeonline/integrity-spine/pkg/orchestrator"
	"github.com/brandmeonline/integrity-spine/pkg/policy"
	"github.com/brandmeonline/integrity-spine/pkg/provenance"
	"github.com/brandmeonline/integrity-spine/pkg/region"
	"github.com/brandmeonline/integrity-spine/pkg/resiliency"
	"github.com/brandmeonline/integrity-spine/pkg/statecache"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
	"github.com/brandmeonline/integrity-spine/pkg/verifier"
)

// chainAdapter is the full surface both the HTTP adapter client and the
// in-process development ledger provide.
type chainAdapter interface {
	ledger.Anchorer
	ledger.ProofVerifier
	ledger.ESGSource
}

// node holds the wired process for serving and teardown.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	adapter  *storage.Adapter
	fallback *storage.FallbackCorpus
	cache    statecache.Cache
	obs      *observability.Provider
	idem     idempotency.Executor
	gateway  *gateway.Server
}

// buildNode wires every spine component from configuration. Memory
// backends stand in wherever external infrastructure is not configured,
// so a bare environment yields a self-contained development node.
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			n.close(context.Background())
		}
	}()

	obs, obsErr := observability.New(ctx, &observability.Config{
		ServiceName:    "spine-node",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTELEnabled,
		Insecure:       !cfg.IsProduction(),
	})
	if obsErr != nil {
		logger.Warn("telemetry disabled", "error", obsErr)
	} else {
		n.obs = obs
	}

	var (
		auditStore   audit.Store
		consentStore consent.Store
		assets       provenance.Ledger
		events       lifecycle.Store
	)
	if cfg.DatabaseURL != "" {
		n.db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		n.adapter = storage.New(n.db, storage.Config{
			MinSessions:    cfg.PoolMinSessions,
			MaxSessions:    cfg.PoolMaxSessions,
			AcquireTimeout: cfg.AcquireTimeout,
		}, logger)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = n.adapter.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("storage pre-flight: %w", err)
		}
		if err = n.adapter.Init(ctx); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}

		auditStore = audit.NewPostgresStore(n.adapter)
		consentStore = consent.NewPostgresStore(n.adapter)
		assets = provenance.NewPostgresLedger(n.adapter)
		events = lifecycle.NewPostgresStore(n.adapter)
		n.idem = idempotency.NewPostgresExecutor(n.adapter)
		log.Println("[spine] storage: postgres")
	} else {
		auditStore = audit.NewMemoryStore()
		consentStore = consent.NewMemoryStore()
		assets = provenance.NewMemoryLedger()
		events = lifecycle.NewMemoryStore()
		n.idem = idempotency.NewMemoryExecutor()
		log.Println("[spine] storage: in-memory")
	}

	if cfg.FallbackCorpus != "" {
		fb, fbErr := storage.OpenFallbackCorpus(cfg.FallbackCorpus, cfg.FallbackCacheTTL)
		if fbErr != nil {
			logger.Warn("fallback corpus unavailable", "path", cfg.FallbackCorpus, "error", fbErr)
		} else {
			n.fallback = fb
			log.Printf("[spine] fallback corpus: %s", cfg.FallbackCorpus)
		}
	}

	rules, err := region.Load(cfg.RegionRulesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("region rules: %w", err)
	}
	log.Printf("[spine] region rules: %s", strings.Join(rules.Codes(), ", "))

	cardano, err := newChainAdapter(ledger.NameCardano, cfg.CardanoAdapterURL, cfg.LedgerMasterSecret, logger)
	if err != nil {
		return nil, err
	}
	midnight, err := newChainAdapter(ledger.NameMidnight, cfg.MidnightAdapterURL, cfg.LedgerMasterSecret, logger)
	if err != nil {
		return nil, err
	}

	caches := []verifier.Cache{verifier.NewMemoryCache()}
	if cfg.RedisAddr != "" {
		caches = append(caches, verifier.NewRedisCache(cfg.RedisAddr, "", 0))
		log.Printf("[spine] verifier cache: redis at %s", cfg.RedisAddr)
	}
	if n.adapter != nil {
		caches = append(caches, verifier.NewPostgresCache(n.adapter, logger))
	}
	verifiers := &verifier.Set{
		BurnProof: verifier.NewBurnProofVerifier(midnight, verifier.BurnProofConfig{
			RequireLedger:     cfg.VerifierRequireLedger,
			AllowStubFallback: cfg.VerifierAllowStub,
			Production:        cfg.IsProduction(),
		}, logger, caches...),
		ESG: verifier.NewESGVerifier(cardano, verifier.ESGConfig{
			RequireLedger: cfg.VerifierRequireLedger,
		}, logger, caches...),
	}

	graph := consent.NewGraph(consentStore)
	engine := policy.NewEngine(graph, rules, verifiers, logger)
	auditLog := audit.NewLog(auditStore)

	evStore, evErr := evidence.NewFromConfig(ctx, cfg)
	if evErr != nil {
		logger.Warn("evidence store unavailable, export packs stay in-process", "error", evErr)
		evStore = nil
	}
	exporter := audit.NewExporter(auditLog, evStore)

	n.cache, err = statecache.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}

	queue := governance.NewQueue(auditLog, logger)
	orch := orchestrator.New(n.idem, auditLog, assets, engine, queue,
		[]ledger.Anchorer{cardano, midnight}, n.cache, logger).
		WithAnchorPolicy(resiliency.AnchorPolicy(cfg.LedgerRetryBase, cfg.LedgerMaxAttempts))
	assembler := facets.NewAssembler(assets, events, logger)
	orch.SetFacetFetcher(assembler)
	queue.SetReplayer(orch)

	lifeEngine := lifecycle.NewEngine(assets, events, verifiers, auditLog, logger)
	facetSvc := facets.NewService(assembler, engine, auditLog, queue, orch, assets, logger)

	var health gateway.HealthReporter
	if n.adapter != nil {
		health = n.adapter
	}
	n.gateway = gateway.New(cfg, gateway.Deps{
		Facets:    facetSvc,
		Assembler: assembler,
		Engine:    engine,
		Orch:      orch,
		Lifecycle: lifeEngine,
		Audit:     auditLog,
		Exporter:  exporter,
		Queue:     queue,
		Assets:    assets,
		Cache:     n.cache,
		Health:    health,
		Fallback:  n.fallback,
		Logger:    logger,
	})

	if os.Getenv("SPINE_DEMO_MODE") == "1" && !cfg.IsProduction() {
		seedDemo(ctx, assets, logger)
	}
	return n, nil
}

func newChainAdapter(name, baseURL, secret string, logger *slog.Logger) (chainAdapter, error) {
	if baseURL == "" {
		log.Printf("[spine] %s adapter: in-process (no URL configured)", name)
		return ledger.NewLocalLedger(name), nil
	}
	c, err := ledger.NewClient(name, baseURL, secret, logger)
	if err != nil {
		return nil, fmt.Errorf("%s adapter: %w", name, err)
	}
	log.Printf("[spine] %s adapter: %s", name, baseURL)
	return c, nil
}

// close tears down in reverse dependency order. The gateway goes first so
// open wardrobe streams drain before their backends disappear.
func (n *node) close(ctx context.Context) {
	if n.gateway != nil {
		n.gateway.Close()
	}
	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			n.logger.Warn("state cache close", "error", err)
		}
	}
	if n.fallback != nil {
		_ = n.fallback.Close()
	}
	if n.obs != nil {
		if err := n.obs.Shutdown(ctx); err != nil {
			n.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}

// healthListener serves liveness and readiness on a side port so probes
// never queue behind API traffic.
func (n *node) healthListener() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if n.adapter != nil && !n.adapter.Healthy() {
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "degraded",
				"storage": n.adapter.Stats(),
			})
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})
	return &http.Server{
		Addr:              ":" + n.cfg.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runSweeper prunes expired mutation records on a slow cadence. The TTL
// is MUTATION_LOG_TTL_DAYS; replay protection only holds inside it.
func runSweeper(ctx context.Context, idem idempotency.Executor, ttl time.Duration, logger *slog.Logger) {
	t := time.NewTicker(6 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := idem.Sweep(ctx, ttl)
			if err != nil {
				logger.Warn("mutation log sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("mutation log swept", "removed", n)
			}
		}
	}
}

// seedDemo mints a small wardrobe so a fresh development node answers
// scans without an external seeder. SPINE_DEMO_MODE=1 enables it,
// production never runs it.
func seedDemo(ctx context.Context, assets provenance.Ledger, logger *slog.Logger) {
	seeds := []provenance.MintParams{
		{
			AssetID:       "cube-demo-jacket",
			AssetType:     "garment",
			DisplayName:   "Indigo Selvedge Jacket",
			GarmentTag:    "DEMO-JKT-001",
			CreatorUserID: "user-demo-atelier",
		},
		{
			AssetID:       "cube-demo-runner",
			AssetType:     "footwear",
			DisplayName:   "Recycled Knit Runner",
			GarmentTag:    "DEMO-RUN-002",
			CreatorUserID: "user-demo-atelier",
		},
	}
	minted := 0
	for _, p := range seeds {
		if _, err := assets.MintAsset(ctx, p); err != nil {
			logger.Warn("demo seed mint failed", "asset_id", p.AssetID, "error", err)
			continue
		}
		minted++
	}
	log.Printf("[spine] demo mode: %d cubes seeded", minted)
}
