// Package maintenance implements the autonomous failure-audit,
// reflexion, and hot-swap loop: Loop wakes on a cadence gated by the
// Idle Tracker, audits Chronos for recent failures, asks a
// plan.Service for a patch, runs it through Validator before ever
// touching the live skill table, and — on operator approval —
// promotes it through the Rollback Manager.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sovereign/pagi/internal/rollback"
	"github.com/sovereign/pagi/internal/skills"
)

// smokeTestTimeout is the hard wall-clock bound on the Validator's
// smoke-test call, independent of the Loader's own configured
// timeout.
const smokeTestTimeout = 30 * time.Second

// warmup is the settle time between loading a candidate skill and
// sampling baseline telemetry.
const warmup = 250 * time.Millisecond

// defaultRiskThreshold is the RiskScore above which a candidate is
// auto-rejected as StatusRedTeamRejected without ever being compiled.
// Each flagged dangerous-call pattern adds 0.25, so two patterns reach
// it exactly and pass; a third pushes the score above it.
const defaultRiskThreshold = 0.5

// crashSignatures are substrings of a smoke-test failure's error text
// that indicate the candidate crashed the sandbox outright rather
// than merely returning a wrong or malformed result.
var crashSignatures = []string{
	"panic:", "runtime error:", "fatal error:", "SIGSEGV", "segmentation violation",
}

func isCrashSignature(msg string) bool {
	for _, sig := range crashSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// dangerousCallPatterns are substrings flagged by the static security
// audit. The skill Loader's import whitelist already excludes
// os/exec, syscall, unsafe and net at the package level; this scan is
// a second, cheaper line of defense against a patch that manages to
// reference one of these identifiers some other way (a vendored
// alias, a string built at runtime and passed to a permitted
// package), mirroring the Policy Gate's own substring-match idiom.
var dangerousCallPatterns = []string{
	"os.Remove", "os.RemoveAll", "os.Exit", "exec.Command",
	"syscall.", "unsafe.", "net.Dial", "net.Listen",
}

// ValidationResult is the Validator's verdict on one candidate patch.
type ValidationResult struct {
	Compiled        bool
	ArtifactPath    string
	SmokeTestPassed bool
	PerfDelta       rollback.PerformanceDelta
	Summary         string
	AutoReject      bool
	RejectStatus    rollback.PatchStatus
	RejectionReason string
}

// Validator compiles a candidate skill source in an isolated
// throwaway Loader, runs a family-appropriate smoke test, and
// measures a telemetry delta — all before the candidate is ever
// registered in the live skill table. No method mutates state on
// auto_reject. riskThreshold is the only state it carries.
type Validator struct {
	riskThreshold float64
}

// NewValidator constructs a Validator with the given security-audit
// risk threshold. A non-positive threshold resolves to
// defaultRiskThreshold.
func NewValidator(riskThreshold float64) *Validator {
	if riskThreshold <= 0 {
		riskThreshold = defaultRiskThreshold
	}
	return &Validator{riskThreshold: riskThreshold}
}

// Validate runs the full audit → compile → smoke-test → telemetry
// pipeline against code, a candidate replacement for targetSkill
// named patchName. A security audit that exceeds riskThreshold rejects
// the candidate as StatusRedTeamRejected before it is ever compiled; a
// smoke test whose failure carries a crash signature rejects as
// StatusLethalMutation instead of the generic StatusRejected.
func (v *Validator) Validate(ctx context.Context, code, patchName, targetSkill string) ValidationResult {
	audit := auditCode(code)
	if audit.RiskScore > v.riskThreshold {
		return ValidationResult{
			AutoReject:   true,
			RejectStatus: rollback.StatusRedTeamRejected,
			RejectionReason: fmt.Sprintf("Security audit flagged %d dangerous pattern(s) (risk score %.2f exceeds threshold %.2f): %s",
				len(audit.FlaggedPatterns), audit.RiskScore, v.riskThreshold, strings.Join(audit.FlaggedPatterns, ", ")),
			PerfDelta: rollback.PerformanceDelta{SecurityAudit: &audit},
		}
	}

	sandbox := skills.New(smokeTestTimeout, nil)
	tempName := "validate_" + patchName

	if err := sandbox.Load(tempName, "mem://"+patchName, code); err != nil {
		return ValidationResult{
			AutoReject:      true,
			RejectStatus:    rollback.StatusSyntacticHallucination,
			RejectionReason: fmt.Sprintf("Compilation failed: %s", truncate(err.Error(), 1000)),
			PerfDelta:       rollback.PerformanceDelta{Compiled: false, SecurityAudit: &audit},
		}
	}
	defer func() { _ = sandbox.Unload(tempName) }()

	baselineCPU, baselineMem := sampleTelemetry()
	time.Sleep(warmup)

	input := smokeTestInput(targetSkill)
	smokeCtx, cancel := context.WithTimeout(ctx, smokeTestTimeout)
	defer cancel()

	out, err := sandbox.Call(smokeCtx, tempName, input)
	if err != nil {
		status := rollback.StatusRejected
		if isCrashSignature(err.Error()) {
			status = rollback.StatusLethalMutation
		}
		return ValidationResult{
			Compiled:        true,
			AutoReject:      true,
			RejectStatus:    status,
			RejectionReason: fmt.Sprintf("Smoke test failed: %s", truncate(err.Error(), 1000)),
			PerfDelta:       rollback.PerformanceDelta{Compiled: true, SmokeTestPassed: false, SecurityAudit: &audit},
		}
	}
	if !json.Valid([]byte(out)) {
		return ValidationResult{
			Compiled:        true,
			AutoReject:      true,
			RejectStatus:    rollback.StatusRejected,
			RejectionReason: "Smoke test failed: output is not valid JSON",
			PerfDelta:       rollback.PerformanceDelta{Compiled: true, SmokeTestPassed: false, SecurityAudit: &audit},
		}
	}

	postCPU, postMem := sampleTelemetry()
	delta := rollback.PerformanceDelta{
		CPU:             formatDelta(baselineCPU, postCPU),
		Mem:             formatDelta(baselineMem, postMem),
		Compiled:        true,
		SmokeTestPassed: true,
		Detail:          fmt.Sprintf("smoke test output: %s", truncate(out, 200)),
		SecurityAudit:   &audit,
	}

	return ValidationResult{
		Compiled:        true,
		SmokeTestPassed: true,
		PerfDelta:       delta,
		Summary:         fmt.Sprintf("%s compiled and passed its smoke test", patchName),
	}
}

// smokeTestInput selects the probe payload by skill family, matching
// the original's build_smoke_test_input table.
func smokeTestInput(targetSkill string) string {
	name := strings.ToLower(targetSkill)
	switch {
	case strings.Contains(name, "file") || strings.Contains(name, "fs"):
		return `{"operation":"list","path":"."}`
	case strings.Contains(name, "sentiment"):
		return `{"text":"This is a test sentence for validation."}`
	case strings.Contains(name, "knowledge") || strings.Contains(name, "query"):
		return `{"query":"test","limit":1}`
	default:
		return `{}`
	}
}

// auditCode runs the static dangerous-call substring scan.
func auditCode(code string) rollback.SecurityAuditSummary {
	var flagged []string
	for _, pattern := range dangerousCallPatterns {
		if strings.Contains(code, pattern) {
			flagged = append(flagged, pattern)
		}
	}
	return rollback.SecurityAuditSummary{
		Scanned:         true,
		FlaggedPatterns: flagged,
		RiskScore:       float64(len(flagged)) * 0.25,
	}
}

// sampleTelemetry returns a cheap, dependency-free proxy for CPU and
// memory pressure: live goroutine count and heap bytes in use. A real
// OS-level sample is out of scope (spec.md places OS telemetry
// collection outside the cognitive runtime); this still produces a
// meaningful signed delta around the smoke test.
func sampleTelemetry() (cpu, mem float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(runtime.NumGoroutine()), float64(ms.HeapAlloc)
}

func formatDelta(before, after float64) string {
	if before == 0 {
		if after == 0 {
			return "+0.0%"
		}
		return "+100.0%"
	}
	pct := (after - before) / before * 100
	sign := "+"
	if pct < 0 {
		sign = "-"
		pct = -pct
	}
	return fmt.Sprintf("%s%.1f%%", sign, pct)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
