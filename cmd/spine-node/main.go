// Command spine-node runs one Integrity Spine node: the facet gateway,
// policy engine, mutation orchestrator, hash-chained audit log, governance
// queue and lifecycle engine behind a single HTTP listener, with a side
// listener for liveness probes.
//
// Configuration is environment-driven; see pkg/config for the variable
// whitelist. With no DATABASE_URL the node runs fully in memory, which is
// the development default.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/logging"
	"github.com/brandmeonline/integrity-spine/pkg/storage"

	_ "github.com/lib/pq"
)

const version = "0.9.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a seam for tests.
var startServer = runServer

// Run dispatches the command line. Serving is the default action, so a
// bare invocation (or one that only passes flags through the environment)
// starts the node.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch cmd := args[1]; cmd {
	case "server":
		return startServer()
	case "migrate":
		return runMigrate(stdout, stderr)
	case "health":
		return runHealth(stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "spine-node %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(cmd, "-") {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s. Defaulting to server mode.\n", cmd)
		return startServer()
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `spine-node %s

Usage:
  spine-node [command]

Commands:
  server    Start the node (default)
  migrate   Apply the Postgres schema and exit
  health    Probe a running node's health listener
  version   Print the version
  help      Show this help

Configuration is read from the environment: PORT, HEALTH_PORT,
DATABASE_URL, REGION_RULES_DIR, CARDANO_ADAPTER_URL,
MIDNIGHT_ADAPTER_URL, REDIS_ADDR and friends. Unset storage runs the
node in memory for development.
`, version)
}

func runServer() int {
	log.Println("[spine] node starting")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("[spine] invalid configuration: %v", err)
		return 1
	}

	logger := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		log.Printf("[spine] startup failed: %v", err)
		return 1
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, n.idem, cfg.MutationLogTTL, logger)

	healthSrv := n.healthListener()
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[spine] health listener: %v", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           n.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()
	log.Printf("[spine] serving on :%s (health :%s, env %s)", cfg.Port, cfg.HealthPort, cfg.Environment)

	exit := 0
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[spine] server: %v", err)
			exit = 1
		}
	case <-ctx.Done():
		log.Println("[spine] shutdown signal received")
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	n.close(shutdownCtx)
	log.Println("[spine] node stopped")
	return exit
}

// runMigrate applies the schema against DATABASE_URL and exits. The
// server applies the same schema on boot; this exists for pipelines that
// migrate before rolling pods.
func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(stderr, "migrate: DATABASE_URL is not set")
		return 1
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: open: %v\n", err)
		return 1
	}
	defer db.Close()

	adapter := storage.New(db, storage.Config{
		MinSessions:    cfg.PoolMinSessions,
		MaxSessions:    cfg.PoolMaxSessions,
		AcquireTimeout: cfg.AcquireTimeout,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: pre-flight: %v\n", err)
		return 1
	}
	if err := adapter.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "schema applied")
	return 0
}

// runHealth probes the side listener of a node on this host, for
// container HEALTHCHECK directives.
func runHealth(stdout io.Writer) int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stdout, "Health check failed: HTTP %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}
