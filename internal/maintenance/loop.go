package maintenance

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/approval"
	"github.com/sovereign/pagi/internal/idle"
	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/plan"
	"github.com/sovereign/pagi/internal/rollback"
	"github.com/sovereign/pagi/internal/skills"
)

const (
	defaultInterval      = 30 * time.Minute
	minInterval          = time.Minute
	defaultIdleThreshold = 5 * time.Minute
	minIdleThreshold     = 30 * time.Second
	auditWindow          = 24 * time.Hour
	auditLimit           = 10
)

// Phase is one of the maintenance_pulse stages, in cycle order.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseStarting         Phase = "starting"
	PhaseTelemetry        Phase = "telemetry"
	PhaseAudit            Phase = "audit"
	PhaseReflexion        Phase = "reflexion"
	PhasePatching         Phase = "patching"
	PhaseValidation       Phase = "validation"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseApplying         Phase = "applying"
	PhaseComplete         Phase = "complete"
	PhaseHealthy          Phase = "healthy"
	PhaseAutoRejected     Phase = "auto_rejected"
)

// Pulse is the structured progress event emitted at every phase
// transition of a maintenance cycle.
type Pulse struct {
	Phase          Phase                      `json:"phase"`
	Target         string                     `json:"target,omitempty"`
	Details        string                     `json:"details,omitempty"`
	TimestampMs    int64                      `json:"timestamp_ms"`
	AppliedPatches int                        `json:"applied_patches"`
	FailureCount   int                        `json:"failure_count"`
	PerfDelta      *rollback.PerformanceDelta `json:"performance_delta,omitempty"`
}

// Config holds the Maintenance Loop's tunables. Zero values resolve
// to the documented defaults in NewLoop.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	Agent         string
	// RiskThreshold is the Validator's security-audit RiskScore cutoff.
	// Zero resolves to defaultRiskThreshold.
	RiskThreshold float64
}

// resolve clamps the configured cadence to the spec's floors and
// fills in defaults for zero values.
func (c Config) resolve() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	if c.IdleThreshold < minIdleThreshold {
		c.IdleThreshold = minIdleThreshold
	}
	if c.Agent == "" {
		c.Agent = "sovereign"
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = defaultRiskThreshold
	}
	return c
}

// Loop is the single long-lived maintenance task: idle-gated cadence,
// failure audit, reflexion, validation, human approval, and hot-swap
// apply, wired to every downstream component it governs.
type Loop struct {
	cfg       Config
	store     *kb.Store
	idle      *idle.Tracker
	plan      plan.Service
	validator *Validator
	rollback  *rollback.Manager
	approval  *approval.Bridge
	loader    *skills.Loader
	log       *zap.Logger

	applied int
	pulses  chan Pulse
}

// NewLoop wires a Loop from its already-constructed dependencies. log
// defaults to a no-op logger if nil.
func NewLoop(cfg Config, store *kb.Store, tracker *idle.Tracker, planSvc plan.Service,
	rb *rollback.Manager, bridge *approval.Bridge, loader *skills.Loader, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	resolved := cfg.resolve()
	return &Loop{
		cfg:       resolved,
		store:     store,
		idle:      tracker,
		plan:      planSvc,
		validator: NewValidator(resolved.RiskThreshold),
		rollback:  rb,
		approval:  bridge,
		loader:    loader,
		log:       log,
		pulses:    make(chan Pulse, 32),
	}
}

// Pulses returns the channel every phase transition is published on.
// Consumers (a dashboard, metrics bridge) should drain it promptly;
// sends never block the loop — a full channel drops the pulse.
func (l *Loop) Pulses() <-chan Pulse { return l.pulses }

// Run blocks, running one cycle per tick of cfg.Interval, until ctx is
// canceled. Every error inside a cycle is caught, logged, and turned
// into a Slot 4 event; the loop itself never exits early on a
// cycle's failure.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.safeCycle(ctx)
		}
	}
}

func (l *Loop) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("maintenance cycle panicked", zap.Any("recover", r))
		}
	}()
	l.cycle(ctx)
}

func (l *Loop) emit(p Pulse) {
	p.TimestampMs = time.Now().UnixMilli()
	p.AppliedPatches = l.applied
	l.log.Info("maintenance_pulse", zap.String("phase", string(p.Phase)),
		zap.String("target", p.Target), zap.String("details", p.Details))
	select {
	case l.pulses <- p:
	default:
		l.log.Warn("maintenance pulse channel full, dropping pulse", zap.String("phase", string(p.Phase)))
	}
}

func (l *Loop) recordEvent(outcome string) {
	_, err := l.store.AppendChronosEvent(l.cfg.Agent, kb.EventRecord{
		SourceKB:   kb.Pneuma.String(),
		Reflection: "maintenance loop",
		Outcome:    outcome,
	})
	if err != nil {
		l.log.Error("maintenance: record event failed", zap.Error(err))
	}
}

func (l *Loop) cycle(ctx context.Context) {
	if l.idle.IdleDuration() < l.cfg.IdleThreshold {
		l.emit(Pulse{Phase: PhaseIdle})
		return
	}
	l.runCycleBody(ctx)
}

// runCycleBody is phases 1-10 of the cycle, factored out of the idle
// gate so tests can drive it directly without waiting out the real
// idle threshold.
func (l *Loop) runCycleBody(ctx context.Context) {
	l.emit(Pulse{Phase: PhaseStarting})

	snap := telemetrySnapshot()
	l.emit(Pulse{Phase: PhaseTelemetry, Details: snap.String()})

	failures, err := l.store.AuditRecentFailures(l.cfg.Agent, auditWindow.Milliseconds(), auditLimit)
	if err != nil {
		l.recordEvent("maintenance audit failed: " + err.Error())
		return
	}
	l.emit(Pulse{Phase: PhaseAudit, FailureCount: len(failures)})

	if len(failures) == 0 {
		l.recordEvent("healthy")
		l.emit(Pulse{Phase: PhaseHealthy})
		return
	}

	prompt := buildReflexionPrompt(snap, failures)
	text, err := l.plan.Plan(ctx, prompt)
	if err != nil {
		l.recordEvent("reflexion call failed: " + err.Error())
		return
	}
	l.emit(Pulse{Phase: PhaseReflexion, FailureCount: len(failures)})

	code, description, ok := extractPatch(text)
	if !ok {
		l.recordEvent("no patch needed")
		return
	}

	targetSkill := failures[0].Skill
	hash := rollback.ComputeHash(code)
	if de, dead := l.rollback.CheckDeadEnd(hash); dead {
		l.recordEvent("auto_rejected: " + de.Reason)
		l.emit(Pulse{Phase: PhaseAutoRejected, Target: targetSkill, Details: de.Reason})
		return
	}

	patchName := fmt.Sprintf("%s_candidate_%d", targetSkill, time.Now().UnixMilli())
	l.emit(Pulse{Phase: PhasePatching, Target: targetSkill, Details: description})

	result := l.validator.Validate(ctx, code, patchName, targetSkill)
	if result.AutoReject {
		if _, err := l.rollback.SaveRejectedPatch(targetSkill, code, description, result.RejectStatus); err != nil {
			l.log.Warn("maintenance: failed to persist rejected patch", zap.String("skill", targetSkill), zap.Error(err))
		}
		l.rollback.MarkDeadEnd(targetSkill, code, result.RejectionReason)
		l.recordEvent(string(result.RejectStatus) + ": " + result.RejectionReason)
		l.emit(Pulse{Phase: PhaseAutoRejected, Target: targetSkill, Details: result.RejectionReason, PerfDelta: &result.PerfDelta})
		return
	}
	l.emit(Pulse{Phase: PhaseValidation, Target: targetSkill, PerfDelta: &result.PerfDelta})

	desc := fmt.Sprintf("%s (%s): %s — cpu %s, mem %s", patchName, targetSkill, description, result.PerfDelta.CPU, result.PerfDelta.Mem)
	id, respCh, err := l.approval.Park(desc, patchName, targetSkill)
	if err != nil {
		l.recordEvent("approval park failed: " + err.Error())
		return
	}
	l.emit(Pulse{Phase: PhaseAwaitingApproval, Target: targetSkill, Details: desc})

	if !l.awaitApproval(ctx, id, respCh, approval.Snapshot{
		ID: id, Description: desc, PatchName: patchName, Skill: targetSkill,
	}) {
		l.rollback.MarkDeadEnd(targetSkill, code, "Declined by operator")
		l.recordEvent("declined by operator: " + patchName)
		return
	}

	pv, err := l.rollback.SaveVersionedPatch(targetSkill, code, desc)
	if err != nil {
		l.recordEvent("apply failed: " + err.Error())
		return
	}
	if err := l.loader.Load(targetSkill, pv.SourcePath, code); err != nil {
		l.recordEvent("hot-reload failed: " + err.Error())
		return
	}
	l.applied++
	l.emit(Pulse{Phase: PhaseApplying, Target: targetSkill, PerfDelta: &result.PerfDelta})
	l.recordEvent("applied patch " + patchName)
	l.emit(Pulse{Phase: PhaseComplete, Target: targetSkill, FailureCount: len(failures)})
}

// awaitApproval races the parked approval's reply channel (fed by
// either the terminal prompt below or an external approval.Socket
// caller) against ctx cancellation, defaulting to declined.
func (l *Loop) awaitApproval(ctx context.Context, id string, respCh <-chan bool, snap approval.Snapshot) bool {
	go func() {
		approved, err := approval.PromptTerminal(ctx, os.Stdin, os.Stdout, snap)
		if err != nil {
			approved = false
		}
		_ = l.approval.Respond(id, approved)
	}()

	select {
	case approved := <-respCh:
		return approved
	case <-ctx.Done():
		l.approval.Clear(id)
		return false
	}
}

type snapshot struct {
	CPUCount int
	CWD      string
	EnvHints []string
}

func (s snapshot) String() string {
	return fmt.Sprintf("cpu_count=%d cwd=%s env=%s", s.CPUCount, s.CWD, strings.Join(s.EnvHints, ","))
}

// telemetrySnapshot collects the small, safe OS snapshot the audit
// phase logs alongside each failure: CPU count, working directory,
// and the names (never values) of any PAGI_* environment variables.
func telemetrySnapshot() snapshot {
	cwd, _ := os.Getwd()
	var hints []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "PAGI_") {
			continue
		}
		if i := strings.IndexByte(kv, '='); i >= 0 {
			hints = append(hints, kv[:i]+"=<redacted>")
		}
	}
	sort.Strings(hints)
	return snapshot{CPUCount: runtime.NumCPU(), CWD: cwd, EnvHints: hints}
}

// buildReflexionPrompt assembles the single-prompt template: role
// statement, telemetry bullets, per-failure blocks, and output
// instructions, reinterpreted for a Go-native patch.
func buildReflexionPrompt(snap snapshot, failures []kb.FailureRecord) string {
	var b strings.Builder
	b.WriteString("You are a Go systems engineer responsible for repairing a failing skill inside a running cognitive runtime.\n\n")
	b.WriteString("Telemetry:\n")
	fmt.Fprintf(&b, "- cpu_count: %d\n", snap.CPUCount)
	fmt.Fprintf(&b, "- cwd: %s\n", snap.CWD)
	for _, h := range snap.EnvHints {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	b.WriteString("\nRecent failures (newest first):\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- skill=%s description=%q stderr=%q\n", f.Skill, f.Description, f.StderrSnippet)
	}
	b.WriteString("\nRespond with a single fenced ```go code block containing a complete " +
		"package main module that fixes the top failure above, preceded by a leading " +
		"\"// PATCH: <one line description>\" comment, or respond with exactly " +
		"NO_PATCH_NEEDED if no fix is warranted.\n")
	return b.String()
}

var (
	goFenceRe      = regexp.MustCompile("```go\\s*\\n([\\s\\S]*?)```")
	anyFenceRe     = regexp.MustCompile("```[a-zA-Z]*\\s*\\n([\\s\\S]*?)```")
	patchCommentRe = regexp.MustCompile(`//\s*PATCH:\s*(.+)`)
)

// extractPatch pulls a fenced code block and its leading PATCH
// comment out of a reflexion response. ok is false for a literal
// NO_PATCH_NEEDED or a response with no fenced block at all.
func extractPatch(text string) (code, description string, ok bool) {
	if strings.TrimSpace(text) == "NO_PATCH_NEEDED" {
		return "", "", false
	}
	m := goFenceRe.FindStringSubmatch(text)
	if m == nil {
		m = anyFenceRe.FindStringSubmatch(text)
	}
	if m == nil {
		return "", "", false
	}
	code = strings.TrimSpace(m[1])
	if code == "" {
		return "", "", false
	}
	description = "synthesized patch"
	if dm := patchCommentRe.FindStringSubmatch(code); dm != nil {
		description = strings.TrimSpace(dm[1])
	}
	return code, description, true
}
