// Package orchestrator converts a Goal into one or more skill
// invocations: it enforces the Policy Gate, drives skill/chain
// execution, and records episodic memory. Dispatch-switch structure
// grounded on octoreflex's internal/operator/server.go dispatch over
// Request.Cmd; per-skill rate limiting adapted from its
// internal/budget/token_bucket.go.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/policy"
	"github.com/sovereign/pagi/internal/semantic"
	"github.com/sovereign/pagi/internal/skills"
)

// ModelRouter generates a final user-facing response from an
// assembled context. It stands in for the chat-facing LLM call the
// spec names "ModelRouter" without further detail — left as a narrow
// interface so cmd/sovereignd can wire any PlanService-backed
// implementation behind it.
type ModelRouter interface {
	Route(ctx context.Context, contextJSON string) (string, error)
}

// Selector optionally routes ExecuteSkill among alternative
// implementations (KnowledgeQuery / SystemTool reflex / LLM) using
// local-context features. When nil, dispatch routes deterministically
// by skill name — the loader is the only registry consulted.
type Selector interface {
	Select(skillName string, payload json.RawMessage) (string, error)
}

// Orchestrator is the Goal dispatcher.
type Orchestrator struct {
	store      *kb.Store
	gate       *policy.Gate
	loader     *skills.Loader
	limiter    *SkillLimiter
	blueprints map[string][]string
	caps       map[string]policy.SkillCapability
	router     ModelRouter
	selector   Selector
	semantic   *semantic.Index
	log        *zap.Logger
}

// New constructs an Orchestrator. router and selector may be nil.
func New(store *kb.Store, gate *policy.Gate, loader *skills.Loader, limiter *SkillLimiter, router ModelRouter, selector Selector, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		gate:       gate,
		loader:     loader,
		limiter:    limiter,
		blueprints: defaultBlueprints(),
		caps:       make(map[string]policy.SkillCapability),
		router:     router,
		selector:   selector,
		log:        log,
	}
}

// SetSemanticIndex attaches the embedding-backed similarity index used
// by QueryKnowledge/IngestData when a Goal carries an Embedding. Left
// as a post-construction setter rather than a New() parameter so
// callers that never populate embeddings (and existing tests) are
// unaffected.
func (o *Orchestrator) SetSemanticIndex(idx *semantic.Index) {
	o.semantic = idx
}

// RegisterCapability declares a skill's trust tier and KB-layer
// request, consulted by the Policy Gate on every ExecuteSkill.
func (o *Orchestrator) RegisterCapability(cap policy.SkillCapability) {
	o.caps[cap.Name] = cap
}

// RegisterBlueprint maps an AutonomousGoal intent to an ordered skill
// chain, overwriting any built-in default for that intent.
func (o *Orchestrator) RegisterBlueprint(intent string, skillChain []string) {
	o.blueprints[intent] = skillChain
}

// Dispatch routes goal to its handler and returns the final output.
func (o *Orchestrator) Dispatch(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	switch goal.Kind {
	case GoalExecuteSkill:
		return o.dispatchExecuteSkill(ctx, tc, goal)
	case GoalQueryKnowledge:
		return o.dispatchQueryKnowledge(ctx, tc, goal)
	case GoalMemoryOp:
		return o.dispatchMemoryOp(tc, goal)
	case GoalIngestData:
		return o.dispatchIngestData(ctx, tc, goal)
	case GoalAssembleContext:
		return o.dispatchAssembleContext(tc, goal)
	case GoalGenerateFinalResponse:
		return o.dispatchGenerateFinalResponse(ctx, tc, goal)
	case GoalAutonomousGoal:
		return o.dispatchAutonomousGoal(ctx, tc, goal)
	case GoalUpdateKnowledgeSlot:
		return o.dispatchUpdateKnowledgeSlot(tc, goal)
	case GoalCustom:
		return Result{Output: goal.Custom}, nil
	default:
		return Result{}, fmt.Errorf("orchestrator: unknown goal kind %q", goal.Kind)
	}
}

func (o *Orchestrator) capabilityFor(skillName string) policy.SkillCapability {
	if c, ok := o.caps[skillName]; ok {
		return c
	}
	return policy.SkillCapability{Name: skillName, Tier: policy.TierEphemeral}
}

// dispatchExecuteSkill is the sole entry point through which skill
// code runs: policy-gated, rate-limited, failure-is-non-fatal.
func (o *Orchestrator) dispatchExecuteSkill(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	payload := string(goal.Payload)
	target := goal.SkillName
	if o.selector != nil {
		if routed, err := o.selector.Select(goal.SkillName, goal.Payload); err == nil && routed != "" {
			target = routed
		}
	}
	return o.runSkillStep(ctx, tc, target, payload)
}

// runSkillStep runs a single skill call under the Policy Gate and
// rate limiter, recording success or failure as a Chronos event.
// Shared by ExecuteSkill and every chain (AutonomousGoal, the
// AssembleContext->ModelRouter path).
func (o *Orchestrator) runSkillStep(ctx context.Context, tc TenantContext, skillName, payload string) (Result, error) {
	if o.limiter != nil && !o.limiter.Allow(skillName) {
		return Result{}, fmt.Errorf("orchestrator: skill %q rate limit exceeded", skillName)
	}

	capability := o.capabilityFor(skillName)
	decision, err := o.gate.Evaluate(tc.Agent, skillName, payload, payload, capability)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: policy evaluate: %w", err)
	}
	if decision.Verdict != policy.Allow {
		return Result{}, fmt.Errorf("orchestrator: %s", decision.Reason)
	}

	out, err := o.loader.Call(ctx, skillName, payload)
	if err != nil {
		if _, logErr := o.store.LogSkillFailure(tc.Agent, skillName, err, payload); logErr != nil {
			o.log.Warn("orchestrator: failed to log skill failure", zap.Error(logErr))
		}
		return Result{}, fmt.Errorf("orchestrator: skill %q failed: %w", skillName, err)
	}

	key, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
		SourceKB:  kb.Soma.String(),
		SkillName: skillName,
		Outcome:   "success",
	})
	if err != nil {
		o.log.Warn("orchestrator: failed to record skill success event", zap.Error(err))
	}
	return Result{Output: out, EventKeys: nonEmptyKeys(key)}, nil
}

func (o *Orchestrator) dispatchQueryKnowledge(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	slot := kb.Slot(goal.SlotID)
	if !slot.Valid() {
		return Result{}, fmt.Errorf("orchestrator: invalid slot_id %d", goal.SlotID)
	}

	kvs, err := o.store.ScanPrefix(slot, goal.Query)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: query knowledge: %w", err)
	}

	semanticHits := 0
	if o.semantic != nil && len(goal.Embedding) > 0 {
		matches, err := o.semantic.TopK(ctx, slot.String(), goal.Embedding, 10)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: semantic query knowledge: %w", err)
		}
		seen := make(map[string]bool, len(kvs))
		for _, kv := range kvs {
			seen[kv.Key] = true
		}
		for _, m := range matches {
			if seen[m.Key] {
				continue
			}
			val, ok, err := o.store.Get(slot, m.Key)
			if err != nil {
				return Result{}, fmt.Errorf("orchestrator: semantic query knowledge fetch %q: %w", m.Key, err)
			}
			if ok {
				kvs = append(kvs, kb.KV{Key: m.Key, Value: val})
				semanticHits++
			}
		}
	}

	out, err := json.Marshal(kvs)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: marshal query result: %w", err)
	}

	key, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
		SourceKB:   kb.Chronos.String(),
		Reflection: fmt.Sprintf("query_knowledge slot=%s prefix=%q lexical_matches=%d semantic_matches=%d", slot, goal.Query, len(kvs)-semanticHits, semanticHits),
		Outcome:    "success",
	})
	if err != nil {
		o.log.Warn("orchestrator: failed to record query event", zap.Error(err))
	}
	return Result{Output: string(out), EventKeys: nonEmptyKeys(key)}, nil
}

// dispatchMemoryOp reads or writes a single KB key addressed as
// "{slot_id}/{key}" in goal.Path.
func (o *Orchestrator) dispatchMemoryOp(tc TenantContext, goal Goal) (Result, error) {
	slot, key, err := splitMemoryPath(goal.Path)
	if err != nil {
		return Result{}, err
	}
	if goal.Value != nil {
		if _, _, err := o.store.Insert(slot, key, goal.Value); err != nil {
			return Result{}, fmt.Errorf("orchestrator: memory_op insert: %w", err)
		}
		if _, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
			SourceKB: kb.Oikos.String(), Reflection: "memory_op write " + goal.Path, Outcome: "success",
		}); err != nil {
			o.log.Warn("orchestrator: failed to record memory_op event", zap.Error(err))
		}
		return Result{Output: "ok"}, nil
	}
	val, ok, err := o.store.Get(slot, key)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: memory_op get: %w", err)
	}
	if !ok {
		return Result{}, fmt.Errorf("orchestrator: memory_op: no value at %q", goal.Path)
	}
	return Result{Output: string(val)}, nil
}

func (o *Orchestrator) dispatchIngestData(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	rec := kb.KbRecord{Content: string(goal.Payload), TimestampMs: 0, Embedding: goal.Embedding}
	key := fmt.Sprintf("ingest/%s", tc.Correlation)
	if key == "ingest/" {
		key = fmt.Sprintf("ingest/%d", len(goal.Payload))
	}
	if err := o.store.InsertRecord(key, rec); err != nil {
		return Result{}, fmt.Errorf("orchestrator: ingest_data: %w", err)
	}
	if o.semantic != nil && len(goal.Embedding) > 0 {
		if err := o.semantic.Upsert(ctx, kb.Logos.String(), key, goal.Embedding); err != nil {
			o.log.Warn("orchestrator: failed to index embedding", zap.Error(err))
		}
	}
	if _, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
		SourceKB: kb.Logos.String(), Reflection: "ingest_data " + key, Outcome: "success",
	}); err != nil {
		o.log.Warn("orchestrator: failed to record ingest event", zap.Error(err))
	}
	return Result{Output: key}, nil
}

// dispatchAssembleContext gathers the sovereign directive plus recent
// Chronos events into a single JSON blob keyed by context_id, the
// shape GenerateFinalResponse and ModelRouter expect downstream.
func (o *Orchestrator) dispatchAssembleContext(tc TenantContext, goal Goal) (Result, error) {
	directive, err := o.store.BuildSystemDirective(tc.Agent, tc.Agent)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: assemble_context directive: %w", err)
	}
	events, err := o.store.GetRecentChronosEvents(tc.Agent, 10)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: assemble_context events: %w", err)
	}
	blob, err := json.Marshal(struct {
		ContextID string           `json:"context_id"`
		Directive string           `json:"directive"`
		Events    []kb.EventRecord `json:"recent_events"`
	}{ContextID: goal.ContextID, Directive: directive, Events: events})
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: assemble_context marshal: %w", err)
	}
	return Result{Output: string(blob)}, nil
}

func (o *Orchestrator) dispatchGenerateFinalResponse(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	assembled, err := o.dispatchAssembleContext(tc, Goal{ContextID: goal.ContextID})
	if err != nil {
		return Result{}, err
	}
	if o.router == nil {
		return Result{}, fmt.Errorf("orchestrator: generate_final_response: no ModelRouter configured")
	}
	out, err := o.router.Route(ctx, assembled.Output)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: model router: %w", err)
	}
	return Result{Output: out, ChainSteps: 2}, nil
}

// dispatchAutonomousGoal resolves goal.Intent via Blueprint and chains
// the named skills, passing each step's output forward as the next
// step's payload. Failure of step k aborts the chain; both the step
// failure (already recorded by runSkillStep) and the abort itself are
// logged.
func (o *Orchestrator) dispatchAutonomousGoal(ctx context.Context, tc TenantContext, goal Goal) (Result, error) {
	chain, ok := o.blueprints[goal.Intent]
	if !ok {
		return Result{}, fmt.Errorf("orchestrator: no blueprint for intent %q", goal.Intent)
	}

	payload := string(goal.Context)
	var allKeys []string
	for i, skillName := range chain {
		res, err := o.runSkillStep(ctx, tc, skillName, payload)
		if err != nil {
			if _, logErr := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
				SourceKB:   kb.Pneuma.String(),
				SkillName:  skillName,
				Reflection: fmt.Sprintf("autonomous_goal %q aborted at step %d/%d", goal.Intent, i+1, len(chain)),
				Outcome:    "error: " + err.Error(),
			}); logErr != nil {
				o.log.Warn("orchestrator: failed to record chain-abort event", zap.Error(logErr))
			}
			return Result{}, fmt.Errorf("orchestrator: autonomous_goal %q aborted at step %d (%s): %w", goal.Intent, i+1, skillName, err)
		}
		allKeys = append(allKeys, res.EventKeys...)
		payload = res.Output
	}

	key, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
		SourceKB:   kb.Pneuma.String(),
		Reflection: fmt.Sprintf("autonomous_goal %q completed, %d steps", goal.Intent, len(chain)),
		Outcome:    "success",
	})
	if err != nil {
		o.log.Warn("orchestrator: failed to record chain-completion event", zap.Error(err))
	}
	return Result{Output: payload, EventKeys: append(allKeys, nonEmptyKeys(key)...), ChainSteps: len(chain)}, nil
}

func (o *Orchestrator) dispatchUpdateKnowledgeSlot(tc TenantContext, goal Goal) (Result, error) {
	slot := kb.Slot(goal.SlotID)
	if !slot.Valid() {
		return Result{}, fmt.Errorf("orchestrator: invalid slot_id %d", goal.SlotID)
	}
	content := goal.SourceHTML
	if content == "" {
		content = goal.SourceURL
	}
	rec := kb.KbRecord{Content: content, Metadata: map[string]string{"source_url": goal.SourceURL}}
	key := fmt.Sprintf("update/%s/%s", slot, tc.Correlation)
	data, err := json.Marshal(rec)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: marshal update record: %w", err)
	}
	if _, _, err := o.store.Insert(slot, key, data); err != nil {
		return Result{}, fmt.Errorf("orchestrator: update_knowledge_slot: %w", err)
	}
	if _, err := o.store.AppendChronosEvent(tc.Agent, kb.EventRecord{
		SourceKB: kb.Soma.String(), Reflection: "update_knowledge_slot " + key, Outcome: "success",
	}); err != nil {
		o.log.Warn("orchestrator: failed to record update event", zap.Error(err))
	}
	return Result{Output: key}, nil
}

func splitMemoryPath(path string) (kb.Slot, string, error) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			n, err := strconv.Atoi(path[:i])
			if err != nil {
				return 0, "", fmt.Errorf("orchestrator: memory_op path %q: bad slot prefix", path)
			}
			slot := kb.Slot(n)
			if !slot.Valid() {
				return 0, "", fmt.Errorf("orchestrator: memory_op path %q: invalid slot %d", path, n)
			}
			return slot, path[i+1:], nil
		}
	}
	return 0, "", fmt.Errorf("orchestrator: memory_op path %q: expected \"{slot_id}/{key}\"", path)
}

func nonEmptyKeys(k string) []string {
	if k == "" {
		return nil
	}
	return []string{k}
}
