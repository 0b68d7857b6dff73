// Kestrel - Transaction risk scoring and compliance monitoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if feedURL := os.Getenv("KESTREL_ORACLE_URL"); feedURL != "" {
		cfg.Oracle = domain.OracleConfig{
			Type:           "http",
			FeedURL:        feedURL,
			RequestTimeout: 5 * time.Second,
			CacheTTL:       30 * time.Second,
		}
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"oracle", cfg.Oracle.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize price oracle
	oracleImpl, err := oracle.New(cfg.Oracle)
	if err != nil {
		slog.Error("failed to initialize oracle", "error", err)
		os.Exit(1)
	}
	if cfg.Oracle.CacheTTL > 0 {
		oracleImpl = oracle.NewCached(oracleImpl, cacheImpl, cfg.Oracle.CacheTTL)
	}
	slog.Info("oracle initialized", "type", cfg.Oracle.Type)

	// Initialize screening registry
	reg := registry.NewService(repo, cacheImpl)

	// Initialize custom rule engine
	custom, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer custom.Close()

	// Load custom rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, custom); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", custom.RulesCount())

	// Initialize monitoring engine
	svc := engine.NewService(repo, busImpl, oracleImpl, reg, custom, logger)
	slog.Info("monitoring engine initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, svc, custom, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads custom rules from the database into the engine.
// All rules must be configured via POST /custom-rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, custom *rules.Engine) error {
	dbRules, err := repo.ListCustomRules(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list custom rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading custom rules from database", "count", len(dbRules))
		return custom.LoadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /custom-rules")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║   Risk Scoring & Compliance Monitoring    ║")
	fmt.Println("  ║      Every transaction, scored.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /monitor                    - Monitor a transaction")
	fmt.Println("    GET  /records/{id}               - Get audit record by ID")
	fmt.Println("    POST /profiles                   - Register a risk profile")
	fmt.Println("    GET  /profiles/{user}            - Get a risk profile")
	fmt.Println("    GET  /profiles/{user}/records    - List a user's records")
	fmt.Println("    POST /profiles/{user}/ai-score   - Blend an AI risk score")
	fmt.Println("    POST /profiles/{user}/unblock    - Unblock a user")
	fmt.Println("    POST /config                     - Initialize compliance config")
	fmt.Println("    PUT  /config                     - Update compliance config")
	fmt.Println("    POST /registry                   - Add a high-risk address")
	fmt.Println("    POST /whitelist                  - Whitelist an address")
	fmt.Println("    GET  /custom-rules               - List custom rules")
	fmt.Println("    POST /custom-rules               - Create a custom rule")
	fmt.Println("    POST /custom-rules/reload        - Hot-reload custom rules")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
