// Package observability exposes the runtime's Prometheus metrics.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the address passed to ServeMetrics; the default config uses
// loopback, and a non-loopback address is not rejected.
//
// Metric naming convention: sovereign_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor the runtime
// exports.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Knowledge Store ──────────────────────────────────────────

	// SlotKeyCount is the current number of keys per knowledge-store
	// slot. Labels: slot (pneuma, oikos, logos, ...).
	SlotKeyCount *prometheus.GaugeVec

	// VaultLocked is 1 when the Shadow-slot vault is locked, else 0.
	VaultLocked prometheus.Gauge

	// DeadEndCount is the current number of known dead-end code
	// hashes recorded by the Rollback Manager.
	DeadEndCount prometheus.Gauge

	// ─── Skill Loader ─────────────────────────────────────────────

	SkillsLoaded prometheus.Gauge
	// SkillCallsTotal counts skill invocations. Labels: outcome
	// (success, failure).
	SkillCallsTotal  *prometheus.CounterVec
	SkillCallLatency prometheus.Histogram

	// ─── Policy Gate / Task Governor ──────────────────────────────

	// PolicyDecisionsTotal counts Policy Gate verdicts. Labels:
	// verdict (allow, deny, escalate).
	PolicyDecisionsTotal *prometheus.CounterVec
	// TaskActionsTotal counts Task Governor verdicts. Labels: action.
	TaskActionsTotal *prometheus.CounterVec

	// ─── Rollback Manager ─────────────────────────────────────────

	PatchesAppliedTotal prometheus.Counter
	RollbacksTotal      prometheus.Counter

	// ─── Orchestrator ─────────────────────────────────────────────

	// GoalDispatchTotal counts Dispatch calls. Labels: kind, outcome.
	GoalDispatchTotal   *prometheus.CounterVec
	GoalDispatchLatency prometheus.Histogram

	// ─── Maintenance Loop ─────────────────────────────────────────

	// MaintenanceCyclesTotal counts completed cycles. Labels: phase
	// (the terminal phase the cycle ended on).
	MaintenanceCyclesTotal *prometheus.CounterVec

	// ─── Approval Bridge ──────────────────────────────────────────

	// ApprovalOutstanding is 1 while a decision is parked, else 0.
	ApprovalOutstanding prometheus.Gauge

	// ─── Health Governor ──────────────────────────────────────────

	SovereigntyScore prometheus.Gauge

	// ─── Agent ─────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the runtime
	// started.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every runtime metric on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SlotKeyCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "kb", Name: "slot_key_count",
			Help: "Current number of keys in each knowledge-store slot.",
		}, []string{"slot"}),

		VaultLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "vault", Name: "locked",
			Help: "1 if the Shadow-slot vault is locked, else 0.",
		}),

		DeadEndCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "rollback", Name: "dead_end_count",
			Help: "Current number of known dead-end code hashes.",
		}),

		SkillsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "skills", Name: "loaded",
			Help: "Current number of loaded skills.",
		}),

		SkillCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "skills", Name: "calls_total",
			Help: "Total skill invocations, by outcome.",
		}, []string{"outcome"}),

		SkillCallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sovereign", Subsystem: "skills", Name: "call_latency_seconds",
			Help: "Skill call latency in seconds.", Buckets: prometheus.DefBuckets,
		}),

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "policy", Name: "decisions_total",
			Help: "Total Policy Gate verdicts, by verdict.",
		}, []string{"verdict"}),

		TaskActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "governor", Name: "task_actions_total",
			Help: "Total Task Governor verdicts, by action.",
		}, []string{"action"}),

		PatchesAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "rollback", Name: "patches_applied_total",
			Help: "Total patches promoted to active by the Rollback Manager.",
		}),

		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "rollback", Name: "rollbacks_total",
			Help: "Total successful RollbackSkill invocations.",
		}),

		GoalDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "orchestrator", Name: "goal_dispatch_total",
			Help: "Total Dispatch calls, by goal kind and outcome.",
		}, []string{"kind", "outcome"}),

		GoalDispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sovereign", Subsystem: "orchestrator", Name: "goal_dispatch_latency_seconds",
			Help: "Dispatch latency in seconds.", Buckets: prometheus.DefBuckets,
		}),

		MaintenanceCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign", Subsystem: "maintenance", Name: "cycles_total",
			Help: "Total Maintenance Loop cycles, by terminal phase.",
		}, []string{"phase"}),

		ApprovalOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "approval", Name: "outstanding",
			Help: "1 if an approval is currently parked, else 0.",
		}),

		SovereigntyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "health", Name: "sovereignty_score",
			Help: "Current sovereignty score sampled by the Health Governor.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign", Subsystem: "agent", Name: "uptime_seconds",
			Help: "Number of seconds since the runtime started.",
		}),
	}

	reg.MustRegister(
		m.SlotKeyCount, m.VaultLocked, m.DeadEndCount,
		m.SkillsLoaded, m.SkillCallsTotal, m.SkillCallLatency,
		m.PolicyDecisionsTotal, m.TaskActionsTotal,
		m.PatchesAppliedTotal, m.RollbacksTotal,
		m.GoalDispatchTotal, m.GoalDispatchLatency,
		m.MaintenanceCyclesTotal, m.ApprovalOutstanding, m.SovereigntyScore,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is canceled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
