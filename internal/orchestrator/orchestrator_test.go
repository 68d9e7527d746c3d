package orchestrator

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/policy"
	"github.com/sovereign/pagi/internal/semantic"
	"github.com/sovereign/pagi/internal/skills"
	"github.com/sovereign/pagi/internal/vault"
)

const echoSkill = `
func Execute(input string) (string, error) {
	return "echo:" + input, nil
}
`

const failSkill = `
import "errors"
func Execute(input string) (string, error) {
	return "", errors.New("boom")
}
`

func newTestOrchestrator(t *testing.T) (*Orchestrator, *kb.Store, *skills.Loader) {
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

	gate := policy.New(store, false, zaptest.NewLogger(t))
	loader := skills.New(2*time.Second, zaptest.NewLogger(t))
	limiter := NewSkillLimiter(30, time.Minute)
	o := New(store, gate, loader, limiter, nil, nil, zaptest.NewLogger(t))
	return o, store, loader
}

func TestDispatchExecuteSkillSuccess(t *testing.T) {
	o, store, loader := newTestOrchestrator(t)
	if err := loader.Load("echo", "mem://echo", echoSkill); err != nil {
		t.Fatalf("Load: %v", err)
	}
	o.RegisterCapability(policy.SkillCapability{Name: "echo", Tier: policy.TierCore})

	res, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalExecuteSkill, SkillName: "echo", Payload: []byte(`"hi"`),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Output == "" {
		t.Fatalf("expected non-empty output")
	}
	events, err := store.GetRecentChronosEvents("sovereign", 5)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	if len(events) != 1 || events[0].SourceKB != kb.Soma.String() {
		t.Fatalf("expected one Soma-sourced success event, got %+v", events)
	}
}

func TestDispatchExecuteSkillPolicyBlocked(t *testing.T) {
	o, store, loader := newTestOrchestrator(t)
	if err := loader.Load("delete_everything", "mem://x", echoSkill); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.SetPolicyRecord(kb.PolicyRecord{ForbiddenActions: []string{"delete_everything"}}); err != nil {
		t.Fatalf("SetPolicyRecord: %v", err)
	}

	_, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalExecuteSkill, SkillName: "delete_everything", Payload: []byte(`"x"`),
	})
	if err == nil {
		t.Fatal("expected policy block error")
	}
}

func TestDispatchExecuteSkillFailureIsNonFatalAndLogged(t *testing.T) {
	o, store, loader := newTestOrchestrator(t)
	if err := loader.Load("boom", "mem://boom", failSkill); err != nil {
		t.Fatalf("Load: %v", err)
	}
	o.RegisterCapability(policy.SkillCapability{Name: "boom", Tier: policy.TierCore})

	_, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalExecuteSkill, SkillName: "boom", Payload: []byte(`"x"`),
	})
	if err == nil {
		t.Fatal("expected skill failure to surface as an error")
	}
	events, err := store.GetRecentChronosEvents("sovereign", 5)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	if len(events) != 1 || events[0].Outcome == "" {
		t.Fatalf("expected one failure event recorded, got %+v", events)
	}
}

func TestDispatchAutonomousGoalChainsAndAbortsOnFailure(t *testing.T) {
	o, store, loader := newTestOrchestrator(t)
	if err := loader.Load("step1", "mem://step1", echoSkill); err != nil {
		t.Fatalf("Load step1: %v", err)
	}
	if err := loader.Load("step2", "mem://step2", failSkill); err != nil {
		t.Fatalf("Load step2: %v", err)
	}
	o.RegisterCapability(policy.SkillCapability{Name: "step1", Tier: policy.TierCore})
	o.RegisterCapability(policy.SkillCapability{Name: "step2", Tier: policy.TierCore})
	o.RegisterBlueprint("two_step", []string{"step1", "step2"})

	_, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalAutonomousGoal, Intent: "two_step", Context: []byte(`"start"`),
	})
	if err == nil {
		t.Fatal("expected chain to abort on step2 failure")
	}
	events, err := store.GetRecentChronosEvents("sovereign", 10)
	if err != nil {
		t.Fatalf("GetRecentChronosEvents: %v", err)
	}
	var sawAbort bool
	for _, e := range events {
		if e.SourceKB == kb.Pneuma.String() {
			sawAbort = true
		}
	}
	if !sawAbort {
		t.Fatalf("expected a Pneuma-sourced chain-abort event")
	}
}

func TestDispatchAutonomousGoalUnknownIntent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalAutonomousGoal, Intent: "nonexistent",
	})
	if err == nil {
		t.Fatal("expected error for unknown blueprint intent")
	}
}

func TestDispatchMemoryOpRoundTrip(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	slotAndKey := "3/my_key"
	_, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalMemoryOp, Path: slotAndKey, Value: []byte(`"hello"`),
	})
	if err != nil {
		t.Fatalf("write MemoryOp: %v", err)
	}
	res, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalMemoryOp, Path: slotAndKey,
	})
	if err != nil {
		t.Fatalf("read MemoryOp: %v", err)
	}
	if res.Output != `"hello"` {
		t.Fatalf("expected round-tripped value, got %q", res.Output)
	}
}

func TestDispatchQueryKnowledgeMergesSemanticAndLexicalMatches(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)

	idx, err := semantic.Open(filepath.Join(t.TempDir(), "embeddings.db"))
	if err != nil {
		t.Fatalf("semantic.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	o.SetSemanticIndex(idx)

	// lexical hit: key matches the prefix directly.
	if _, _, err := store.Insert(kb.Logos, "doc/lexical", []byte(`"lexical value"`)); err != nil {
		t.Fatalf("seed lexical key: %v", err)
	}
	// semantic-only hit: key does not match the prefix but its
	// embedding is close to the query vector.
	if _, _, err := store.Insert(kb.Logos, "semantic_only", []byte(`"semantic value"`)); err != nil {
		t.Fatalf("seed semantic key: %v", err)
	}
	if err := idx.Upsert(context.Background(), kb.Logos.String(), "semantic_only", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := o.Dispatch(context.Background(), TenantContext{Agent: "sovereign"}, Goal{
		Kind: GoalQueryKnowledge, SlotID: int(kb.Logos), Query: "doc/", Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(res.Output, "doc/lexical") || !strings.Contains(res.Output, "semantic_only") {
		t.Fatalf("expected merged lexical+semantic results, got %q", res.Output)
	}
}

func TestSkillLimiterBlocksAfterCapacity(t *testing.T) {
	l := NewSkillLimiter(2, time.Hour)
	if !l.Allow("s") || !l.Allow("s") {
		t.Fatal("expected first two calls to be allowed")
	}
	if l.Allow("s") {
		t.Fatal("expected third call to be rate limited")
	}
}

func TestRateLimitBlocksSkillDispatch(t *testing.T) {
	o, _, loader := newTestOrchestrator(t)
	o.limiter = NewSkillLimiter(1, time.Hour)
	if err := loader.Load("echo", "mem://echo", echoSkill); err != nil {
		t.Fatalf("Load: %v", err)
	}
	o.RegisterCapability(policy.SkillCapability{Name: "echo", Tier: policy.TierCore})

	ctx := context.Background()
	tc := TenantContext{Agent: "sovereign"}
	goal := Goal{Kind: GoalExecuteSkill, SkillName: "echo", Payload: []byte(`"hi"`)}
	if _, err := o.Dispatch(ctx, tc, goal); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := o.Dispatch(ctx, tc, goal); err == nil {
		t.Fatal("expected second dispatch to be rate limited")
	}
}
