// Package main — cmd/sovereignd/main.go
//
// Sovereign cognitive runtime entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/sovereignd/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open the Vault (Shadow-slot key, if configured).
//  4. Open the nine-slot Knowledge Store.
//  5. Construct the Skill Loader, Rollback Manager, Idle Tracker,
//     and Approval Bridge.
//  6. Construct the Policy Gate.
//  7. Construct the Orchestrator, attach the semantic index (if
//     configured), and construct the operator Goal-dispatch socket.
//  8. Construct the PlanService backend (grpc, genai, or disabled).
//  9. Start the Maintenance & Evolution Loop.
// 10. Start the Health Governor.
// 11. Start the Task Governor's batch-evaluation cadence.
// 12. Start the Prometheus metrics server, approval socket, and
//     operator socket.
// 13. Register SIGHUP handler for config hot-reload.
// 14. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every background task).
//  2. Wait for the errgroup of background tasks to return, or a
//     5-second drain timeout, whichever comes first.
//  3. Close the Knowledge Store.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately. On Vault or
// Knowledge Store open failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/sovereign/pagi/internal/approval"
	"github.com/sovereign/pagi/internal/config"
	"github.com/sovereign/pagi/internal/governor"
	"github.com/sovereign/pagi/internal/health"
	"github.com/sovereign/pagi/internal/idle"
	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/maintenance"
	"github.com/sovereign/pagi/internal/observability"
	"github.com/sovereign/pagi/internal/operator"
	"github.com/sovereign/pagi/internal/orchestrator"
	"github.com/sovereign/pagi/internal/plan"
	"github.com/sovereign/pagi/internal/policy"
	"github.com/sovereign/pagi/internal/rollback"
	"github.com/sovereign/pagi/internal/semantic"
	"github.com/sovereign/pagi/internal/skills"
	"github.com/sovereign/pagi/internal/vault"
)

// taskGovernorInterval is the cadence at which the Task Governor
// re-evaluates every GovernedTask in Slot 2.
const taskGovernorInterval = 1 * time.Minute

func main() {
	configPath := flag.String("config", "/etc/sovereignd/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sovereignd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ───────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sovereignd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("agent_id", cfg.AgentID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Vault ────────────────────────────────────────────────
	v := vault.Locked()
	if cfg.Vault.KeyFile != "" {
		key, err := os.ReadFile(cfg.Vault.KeyFile)
		if err != nil {
			log.Fatal("vault key file read failed", zap.Error(err), zap.String("path", cfg.Vault.KeyFile))
		}
		v, err = vault.New(key)
		if err != nil {
			log.Fatal("vault init failed", zap.Error(err))
		}
		log.Info("vault unlocked")
	} else {
		log.Warn("no vault.key_file configured — Shadow slot starts locked")
	}

	// ── Step 4: Knowledge Store ──────────────────────────────────────
	store, err := kb.Open(cfg.Knowledge.DataDir, v, log)
	if err != nil {
		log.Fatal("knowledge store open failed", zap.Error(err), zap.String("data_dir", cfg.Knowledge.DataDir))
	}
	defer store.Close() //nolint:errcheck
	log.Info("knowledge store opened", zap.String("data_dir", cfg.Knowledge.DataDir))

	// ── Step 5: Skill Loader, Rollback Manager, Idle Tracker, Approval Bridge ──
	loader := skills.New(cfg.Skills.CallTimeout, log)

	rbCfg := rollback.DefaultConfig(cfg.Rollback.PatchesDir, cfg.Rollback.ArtifactsDir)
	rbCfg.MaxVersionsPerSkill = cfg.Rollback.MaxVersionsPerSkill
	rb, err := rollback.Open(rbCfg, store, loader, log)
	if err != nil {
		log.Fatal("rollback manager open failed", zap.Error(err))
	}

	tracker := idle.New()
	bridge := approval.NewBridge()

	var approvalSocket *approval.Socket
	if cfg.Approval.SocketPath != "" {
		approvalSocket = approval.NewSocket(cfg.Approval.SocketPath, bridge, log)
	}

	// ── Step 6: Policy Gate ──────────────────────────────────────────
	gate := policy.New(store, true, log)

	// ── Step 7: Orchestrator ─────────────────────────────────────────
	limiter := orchestrator.NewSkillLimiter(64, time.Minute)
	orch := orchestrator.New(store, gate, loader, limiter, nil, nil, log)

	var operatorSrv *operator.Server
	if cfg.Operator.SocketPath != "" {
		operatorSrv = operator.NewServer(cfg.Operator.SocketPath, orch, log)
	}

	if cfg.Knowledge.SemanticIndexPath != "" {
		semIdx, err := semantic.Open(cfg.Knowledge.SemanticIndexPath)
		if err != nil {
			log.Warn("semantic index open failed — falling back to lexical query only", zap.Error(err))
		} else {
			defer semIdx.Close() //nolint:errcheck
			orch.SetSemanticIndex(semIdx)
			log.Info("semantic index attached", zap.String("path", cfg.Knowledge.SemanticIndexPath))
		}
	}

	// ── Step 8: PlanService backend ──────────────────────────────────
	var planSvc plan.Service
	switch cfg.PlanService.Backend {
	case "grpc":
		planSvc, err = plan.NewGRPCService(cfg.PlanService.GRPCAddr)
		if err != nil {
			log.Fatal("plan service (grpc) init failed", zap.Error(err))
		}
	case "genai":
		planSvc, err = plan.NewGenAIService(ctx, cfg.PlanService.GenAIAPIKey, cfg.PlanService.GenAIModel)
		if err != nil {
			log.Fatal("plan service (genai) init failed", zap.Error(err))
		}
	default:
		log.Warn("no plan_service.backend configured — self-modification synthesis disabled")
		planSvc = plan.Static{Response: "NO_PATCH_NEEDED"}
	}

	group, gctx := errgroup.WithContext(ctx)

	// ── Step 9: Maintenance Loop ──────────────────────────────────────
	maintLoop := maintenance.NewLoop(
		maintenance.Config{Interval: cfg.Maintenance.Interval, IdleThreshold: cfg.Maintenance.IdleThreshold, Agent: cfg.AgentID, RiskThreshold: cfg.Maintenance.RiskThreshold},
		store, tracker, planSvc, rb, bridge, loader, log,
	)
	group.Go(func() error { return maintLoop.Run(gctx) })
	log.Info("maintenance loop started", zap.Duration("interval", cfg.Maintenance.Interval))

	// ── Step 10: Health Governor ───────────────────────────────────────
	healthGov := health.NewGovernor(
		health.Config{
			Interval: cfg.Health.Interval,
			Thresholds: health.Thresholds{
				MaxSlotKeys:         cfg.Health.MaxSlotKeys,
				MinSovereigntyScore: cfg.Health.MinSovereigntyScore,
				MaxDeadEnds:         cfg.Health.MaxDeadEnds,
			},
			Agent: cfg.AgentID,
		},
		store, rb, loader, nil, log,
	)
	alerts := healthGov.Subscribe()
	group.Go(func() error { return healthGov.Run(gctx) })
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case a := <-alerts:
				log.Warn("health alert", zap.String("kind", a.Kind), zap.String("detail", a.Detail))
			}
		}
	})
	log.Info("health governor started", zap.Duration("interval", cfg.Health.Interval))

	// ── Step 11: Task Governor cadence ─────────────────────────────────
	group.Go(func() error {
		ticker := time.NewTicker(taskGovernorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := governor.RunBatch(store, cfg.AgentID); err != nil {
					log.Warn("task governor batch failed", zap.Error(err))
				}
			}
		}
	})
	log.Info("task governor cadence started", zap.Duration("interval", taskGovernorInterval))

	// ── Step 12: Prometheus metrics ─────────────────────────────────────
	metrics := observability.NewMetrics()
	group.Go(func() error { return metrics.ServeMetrics(gctx, cfg.Observability.MetricsAddr) })
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	if approvalSocket != nil {
		group.Go(func() error { return approvalSocket.ListenAndServe(gctx) })
		log.Info("approval socket started", zap.String("path", cfg.Approval.SocketPath))
	}

	if operatorSrv != nil {
		group.Go(func() error { return operatorSrv.ListenAndServe(gctx) })
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 13: SIGHUP hot-reload ───────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload validated — running components keep their startup values",
				zap.Float64("new_min_sovereignty_score", newCfg.Health.MinSovereigntyScore),
				zap.Duration("new_maintenance_interval", newCfg.Maintenance.Interval))
			// The reloaded config is validated and logged only; no field,
			// destructive or not, is pushed into the live components.
		}
	}()

	// ── Step 14: Wait for shutdown signal ─────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
		log.Warn("a background task exited unexpectedly — shutting down", zap.Error(group.Wait()))
	}

	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case <-time.After(5 * time.Second):
		log.Warn("shutdown drain timeout — forcing exit")
	case err := <-done:
		if err != nil {
			log.Warn("background task returned an error during shutdown", zap.Error(err))
		}
		log.Info("all background tasks drained")
	}

	log.Info("sovereignd shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
