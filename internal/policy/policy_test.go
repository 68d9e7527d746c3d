package policy

import (
	"crypto/rand"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/vault"
)

func openTestStore(t *testing.T) *kb.Store {
	t.Helper()
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	s, err := kb.Open(t.TempDir(), v, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("kb.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestSandboxWritePolicyBlocked mirrors the spec's concrete scenario:
// a PolicyRecord with sensitive keywords blocks a skill call whose
// content leaks them.
func TestSandboxWritePolicyBlocked(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetPolicyRecord(kb.PolicyRecord{
		SensitiveKeywords: []string{"api_key", "password"},
		ApprovalRequired:  true,
	}); err != nil {
		t.Fatalf("SetPolicyRecord: %v", err)
	}
	gate := New(store, true, zaptest.NewLogger(t))

	d, err := gate.Evaluate("agent1", "write_sandbox_file", `{"path":"x.txt"}`, "api_key=sk-1 password=hunter2", SkillCapability{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != Blocked {
		t.Fatalf("Verdict = %v, want Blocked", d.Verdict)
	}

	events, err := store.GetRecentChronosEvents("agent1", 10)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Reflection == "" {
		t.Fatal("expected non-empty reflection")
	}
}

func TestForbiddenActionBlocksByName(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetPolicyRecord(kb.PolicyRecord{ForbiddenActions: []string{"delete_all"}}); err != nil {
		t.Fatalf("SetPolicyRecord: %v", err)
	}
	gate := New(store, false, zaptest.NewLogger(t))

	d, err := gate.Evaluate("agent1", "DELETE_ALL_records", "{}", "", SkillCapability{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != Blocked {
		t.Fatalf("Verdict = %v, want Blocked", d.Verdict)
	}
}

func TestTrustTierMismatchIsSovereigntyViolation(t *testing.T) {
	store := openTestStore(t)
	gate := New(store, false, zaptest.NewLogger(t))

	d, err := gate.Evaluate("agent1", "ephemeral_skill", "{}", "", SkillCapability{
		Tier:          TierEphemeral,
		RequestsLayer: "shadow",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != SovereigntyViolation {
		t.Fatalf("Verdict = %v, want SovereigntyViolation", d.Verdict)
	}
	if d.KBLayer != "shadow" {
		t.Fatalf("KBLayer = %q, want shadow", d.KBLayer)
	}
}

func TestAllowWhenNoViolations(t *testing.T) {
	store := openTestStore(t)
	gate := New(store, false, zaptest.NewLogger(t))

	d, err := gate.Evaluate("agent1", "read_note", "{}", "harmless content", SkillCapability{
		Tier:          TierCore,
		RequestsLayer: "shadow",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != Allow {
		t.Fatalf("Verdict = %v, want Allow", d.Verdict)
	}
}
