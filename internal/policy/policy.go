// Package policy implements the pre-execution admissibility check
// (the "Ethos firewall") the Orchestrator runs before every
// ExecuteSkill dispatch. The algorithm is the literal four-step
// procedural check described for this component: substring match
// against forbidden actions, a sensitive-keyword content scan, and a
// skill trust-tier vs. requested-KB-layer capability check. It is
// deliberately not expressed as a rule-engine program — a declarative
// reformulation risks drifting from this exact, auditable contract.
package policy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/kb"
)

// Verdict is the outcome of an admissibility check.
type Verdict int

const (
	Allow Verdict = iota
	Blocked
	SovereigntyViolation
)

// Decision is the full result of Evaluate: a verdict plus the reason
// text recorded into Chronos when the verdict is not Allow.
type Decision struct {
	Verdict Verdict
	Reason  string
	Skill   string
	KBLayer string
}

// TrustTier classifies a skill's provenance and, through AllowedLayers,
// the KB slots it may request.
type TrustTier string

const (
	TierCore      TrustTier = "core"
	TierImport    TrustTier = "import"
	TierEphemeral TrustTier = "ephemeral"
)

// SkillCapability is a skill's declared trust tier and the KB layer
// (slot name) it requests, supplied by the caller of Evaluate. The
// Orchestrator takes it from the capabilities registered with
// RegisterCapability and treats an unregistered skill as ephemeral
// with no requested layer; Slot 5 (Techne) is not read for it.
type SkillCapability struct {
	Name          string
	Tier          TrustTier
	RequestsLayer string
}

// tierAllowedLayers is the fixed mapping from trust tier to the set of
// KB layers (by Slot.String() name) that tier may request. Core
// skills may touch anything; import skills are barred from Oikos,
// Ethos and the encrypted Shadow slot; ephemeral skills may touch only
// Logos, Chronos and Soma.
var tierAllowedLayers = map[TrustTier]map[string]bool{
	TierCore: {
		"pneuma": true, "oikos": true, "logos": true, "chronos": true,
		"techne": true, "ethos": true, "kardia": true, "soma": true, "shadow": true,
	},
	TierImport: {
		"pneuma": true, "logos": true, "chronos": true,
		"techne": true, "kardia": true, "soma": true,
	},
	TierEphemeral: {
		"logos": true, "chronos": true, "soma": true,
	},
}

// Gate evaluates admissibility and records the outcome to Chronos
// (and, when enabled, a Soma success-metric entry).
type Gate struct {
	store                *kb.Store
	log                  *zap.Logger
	successMetricLogging bool
}

// New constructs a Gate bound to store.
func New(store *kb.Store, successMetricLogging bool, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{store: store, log: log, successMetricLogging: successMetricLogging}
}

// Evaluate runs the four-step admissibility algorithm for a proposed
// ExecuteSkill dispatch and appends the outcome to Chronos when it is
// not Allow.
func (g *Gate) Evaluate(agent, skillName, rawPayloadJSON, contentToScan string, capability SkillCapability) (Decision, error) {
	policyRec, ok, err := g.store.GetPolicyRecord()
	if err != nil {
		return Decision{}, fmt.Errorf("policy: load PolicyRecord: %w", err)
	}

	// Step 1: forbidden-action substring match against the skill name.
	if ok {
		lowerName := strings.ToLower(skillName)
		for _, forbidden := range policyRec.ForbiddenActions {
			if forbidden == "" {
				continue
			}
			if strings.Contains(lowerName, strings.ToLower(forbidden)) {
				d := Decision{Verdict: Blocked, Reason: fmt.Sprintf("Policy Violation: skill %q matches forbidden action %q", skillName, forbidden), Skill: skillName}
				g.record(agent, d)
				return d, nil
			}
		}
	}

	// Step 2: sensitive-keyword content scan.
	if ok && policyRec.ApprovalRequired {
		lowerContent := strings.ToLower(contentToScan)
		for _, kw := range policyRec.SensitiveKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lowerContent, strings.ToLower(kw)) {
				d := Decision{Verdict: Blocked, Reason: fmt.Sprintf("Policy Violation: content matches sensitive keyword %q", kw), Skill: skillName}
				g.record(agent, d)
				return d, nil
			}
		}
	}

	// Step 3: trust tier vs. requested KB layer.
	if capability.RequestsLayer != "" {
		allowed := tierAllowedLayers[capability.Tier]
		if allowed == nil || !allowed[strings.ToLower(capability.RequestsLayer)] {
			d := Decision{
				Verdict: SovereigntyViolation,
				Reason:  fmt.Sprintf("Sovereignty Violation: skill %q (tier %s) may not touch KB layer %q", skillName, capability.Tier, capability.RequestsLayer),
				Skill:   skillName,
				KBLayer: capability.RequestsLayer,
			}
			g.record(agent, d)
			return d, nil
		}
	}

	// Step 4: Allow.
	return Decision{Verdict: Allow, Skill: skillName}, nil
}

func (g *Gate) record(agent string, d Decision) {
	if _, err := g.store.AppendChronosEvent(agent, kb.EventRecord{
		SourceKB:   kb.Ethos.String(),
		SkillName:  d.Skill,
		Reflection: d.Reason,
		Outcome:    verdictLabel(d.Verdict),
	}); err != nil {
		g.log.Warn("policy: failed to record decision", zap.Error(err))
	}
	if g.successMetricLogging {
		if _, _, err := g.store.Insert(kb.Soma, fmt.Sprintf("metric/policy/%s", d.Skill), []byte(verdictLabel(d.Verdict))); err != nil {
			g.log.Warn("policy: failed to record success metric", zap.Error(err))
		}
	}
}

func verdictLabel(v Verdict) string {
	switch v {
	case Blocked:
		return "blocked"
	case SovereigntyViolation:
		return "sovereignty_violation"
	default:
		return "allow"
	}
}
