package maintenance

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/approval"
	"github.com/sovereign/pagi/internal/idle"
	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/plan"
	"github.com/sovereign/pagi/internal/rollback"
	"github.com/sovereign/pagi/internal/skills"
	"github.com/sovereign/pagi/internal/vault"
)

func newTestLoop(t *testing.T, planSvc plan.Service) (*Loop, *kb.Store, *rollback.Manager, *approval.Bridge) {
	t.Helper()
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	store, err := kb.Open(t.TempDir(), v, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("kb.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	loader := skills.New(2*time.Second, zaptest.NewLogger(t))
	rb, err := rollback.Open(rollback.DefaultConfig(t.TempDir(), t.TempDir()), store, loader, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("rollback.Open: %v", err)
	}
	bridge := approval.NewBridge()
	tracker := idle.New()

	l := NewLoop(Config{Interval: time.Hour, IdleThreshold: minIdleThreshold, Agent: "sovereign"},
		store, tracker, planSvc, rb, bridge, loader, zaptest.NewLogger(t))
	return l, store, rb, bridge
}

func TestRunCycleBodyHealthyShortCircuit(t *testing.T) {
	l, store, _, _ := newTestLoop(t, plan.Static{Response: "NO_PATCH_NEEDED"})
	l.runCycleBody(context.Background())

	events, err := store.GetRecentChronosEvents("sovereign", 5)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	var sawHealthy bool
	for _, e := range events {
		if e.Outcome == "healthy" {
			sawHealthy = true
		}
	}
	if !sawHealthy {
		t.Fatalf("expected a healthy event, got %+v", events)
	}
}

const fixedSkillPatch = "```go\n// PATCH: fix echo skill\nfunc Execute(input string) (string, error) {\n\treturn \"{\\\"ok\\\":true}\", nil\n}\n```"

func TestRunCycleBodyAppliesApprovedPatch(t *testing.T) {
	l, store, _, bridge := newTestLoop(t, plan.Static{Response: fixedSkillPatch})

	if err := l.loader.Load("broken_skill", "mem://broken_skill", `
func Execute(input string) (string, error) {
	return "", nil
}
`); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := store.LogSkillFailure("sovereign", "broken_skill", errFailure("boom"), "tried to run broken_skill"); err != nil {
		t.Fatalf("LogSkillFailure: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.runCycleBody(context.Background())
	}()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := bridge.Peek(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for approval to be parked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	snap, _ := bridge.Peek()
	if err := bridge.Respond(snap.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-done

	if l.applied != 1 {
		t.Fatalf("expected 1 applied patch, got %d", l.applied)
	}
	events, err := store.GetRecentChronosEvents("sovereign", 10)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	var sawApplied bool
	for _, e := range events {
		if strings.HasPrefix(e.Outcome, "applied patch") {
			sawApplied = true
		}
	}
	if !sawApplied {
		t.Fatalf("expected an applied-patch event, got %+v", events)
	}
}

const brokenSkillPatch = "```go\n// PATCH: fix echo skill\nfunc Execute(input string) (string, error) {\n\tthis is not valid go\n}\n```"

func TestRunCycleBodyPersistsAutoRejectedPatch(t *testing.T) {
	l, store, rb, _ := newTestLoop(t, plan.Static{Response: brokenSkillPatch})

	if err := l.loader.Load("broken_skill", "mem://broken_skill", `
func Execute(input string) (string, error) {
	return "", nil
}
`); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := store.LogSkillFailure("sovereign", "broken_skill", errFailure("boom"), "tried to run broken_skill"); err != nil {
		t.Fatalf("LogSkillFailure: %v", err)
	}

	l.runCycleBody(context.Background())

	versions := rb.ListVersions("broken_skill")
	if len(versions) != 1 {
		t.Fatalf("expected one persisted rejected version, got %d", len(versions))
	}
	if versions[0].IsActive {
		t.Fatalf("a rejected version must never be active")
	}
	if versions[0].Status != rollback.StatusSyntacticHallucination {
		t.Fatalf("expected StatusSyntacticHallucination, got %s", versions[0].Status)
	}

	events, err := store.GetRecentChronosEvents("sovereign", 10)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	var sawRejected bool
	for _, e := range events {
		if strings.HasPrefix(e.Outcome, "syntactic_hallucination:") {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatalf("expected a syntactic_hallucination event, got %+v", events)
	}
}

type errFailure string

func (e errFailure) Error() string { return string(e) }

func TestConfigResolveAppliesDefaultsAndFloors(t *testing.T) {
	c := Config{}.resolve()
	if c.Interval != defaultInterval || c.IdleThreshold != defaultIdleThreshold {
		t.Fatalf("expected defaults, got %+v", c)
	}
	if c.RiskThreshold != defaultRiskThreshold {
		t.Fatalf("expected default risk threshold %v, got %v", defaultRiskThreshold, c.RiskThreshold)
	}
	c2 := Config{Interval: time.Second, IdleThreshold: time.Second}.resolve()
	if c2.Interval != minInterval || c2.IdleThreshold != minIdleThreshold {
		t.Fatalf("expected floors applied, got %+v", c2)
	}
}

func TestExtractPatchHandlesNoPatchNeeded(t *testing.T) {
	if _, _, ok := extractPatch("NO_PATCH_NEEDED"); ok {
		t.Fatal("expected ok=false for NO_PATCH_NEEDED")
	}
	if _, _, ok := extractPatch("no fenced block here"); ok {
		t.Fatal("expected ok=false with no fenced block")
	}
	code, desc, ok := extractPatch(fixedSkillPatch)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if desc != "fix echo skill" {
		t.Fatalf("expected extracted PATCH description, got %q", desc)
	}
	if !strings.Contains(code, "func Execute") {
		t.Fatalf("expected extracted code to contain Execute, got %q", code)
	}
}

func TestBuildReflexionPromptIncludesFailureDetail(t *testing.T) {
	snap := snapshot{CPUCount: 4, CWD: "/tmp"}
	prompt := buildReflexionPrompt(snap, []kb.FailureRecord{{Skill: "x", Description: "broke", StderrSnippet: "boom"}})
	if !strings.Contains(prompt, "skill=x") || !strings.Contains(prompt, "boom") {
		t.Fatalf("expected prompt to mention the failure, got %q", prompt)
	}
}
