// Package governor implements the Task Governor: a pure function over
// (SomaState, MentalState, EthosPolicy, []GovernedTask) that merges
// biological and emotional load into a per-task action and an
// adjusted priority. The penalty formulas and the action ladder are
// the same weighted-sum-then-sequential-threshold shape as
// octoreflex's severity.ComputeSeverity / severity.TargetState; this
// package generalizes that shape from a single composite score to two
// named penalties (bio, emotional) feeding a per-task decision tree.
//
// This is named internal/governor, distinct from internal/health
// (the spec's second, unrelated "Governor" — the health watcher); see
// SPEC_FULL.md for the naming rationale.
package governor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sovereign/pagi/internal/kb"
)

// cognitiveWeight maps a task's declared difficulty to the weight used
// in the combined-load formula.
func cognitiveWeight(d kb.TaskDifficulty) float64 {
	switch d {
	case kb.DifficultyLow:
		return 0.2
	case kb.DifficultyMedium:
		return 0.5
	case kb.DifficultyHigh:
		return 0.85
	case kb.DifficultyCritical:
		return 0.0
	default:
		return 0.5
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BioPenalty computes the biological-load penalty from a SomaState and
// a derived burnout_risk figure, per the spec's fixed formula.
func BioPenalty(soma kb.SomaState, burnoutRisk float64) float64 {
	var p float64
	if soma.SleepHours > 0 && soma.SleepHours < 7 {
		p += (7 - soma.SleepHours) / 7
	}
	if soma.ReadinessScore >= 0 && soma.ReadinessScore < 70 {
		p += (70 - soma.ReadinessScore) / 70
	}
	if burnoutRisk > 0.5 {
		p += (burnoutRisk - 0.5) * 0.5
	}
	return clamp01(p)
}

// EmotionalPenalty computes the emotional-load penalty from the
// derived MentalState, per the spec's fixed formula.
func EmotionalPenalty(mental kb.MentalState) float64 {
	var p float64
	if mental.RelationalStress > 0.3 {
		p += (mental.RelationalStress - 0.3) * 1.0
	}
	if mental.BurnoutRisk > 0.3 {
		p += (mental.BurnoutRisk - 0.3) * 0.5
	}
	return clamp01(p)
}

// Evaluate applies the Task Governor's per-task decision tree to every
// task in tasks, returning an augmented, sorted copy plus a
// human-readable summary. It is a pure function: given the same
// inputs it always returns the same outputs, with no KB access of its
// own — the caller (RunBatch, run on a ticker by cmd/sovereignd) is
// responsible for loading state and persisting the result.
func Evaluate(soma kb.SomaState, mental kb.MentalState, ethos *kb.EthosPolicy, tasks []kb.GovernedTask) ([]kb.GovernedTask, string) {
	bio := BioPenalty(soma, mental.BurnoutRisk)
	emo := EmotionalPenalty(mental)

	out := make([]kb.GovernedTask, len(tasks))
	copy(out, tasks)

	for i := range out {
		t := &out[i]
		if t.Difficulty == kb.DifficultyCritical {
			t.Action = kb.ActionProceed
			t.EffectivePriority = t.BasePriority
			t.Reason = shapeReason("critical task always proceeds", ethos)
			continue
		}

		cogWeight := cognitiveWeight(t.Difficulty)
		combined := clamp01(bio*cogWeight + emo*0.3)
		effective := clamp01(t.BasePriority * (1 - 0.5*combined))
		t.EffectivePriority = effective

		tagText := strings.ToLower(strings.Join(t.Tags, " "))
		isConflictTagged := strings.Contains(tagText, "conflict") ||
			strings.Contains(tagText, "confrontation") ||
			strings.Contains(tagText, "difficult_person")

		switch {
		case isConflictTagged && mental.RelationalStress > 0.7:
			t.Action = kb.ActionPostpone
			t.Reason = shapeReason("conflict-tagged task deferred under high relational stress", ethos)
		case t.Difficulty == kb.DifficultyHigh && (soma.SleepHours < 5 || (combined > 0.65 && bio > 0.5)):
			t.Action = kb.ActionPostpone
			t.Reason = shapeReason(fmt.Sprintf("sleep %.1fh and combined load %.2f warrant postponement", soma.SleepHours, combined), ethos)
		case t.Difficulty == kb.DifficultyHigh && combined > 0.5:
			t.Action = kb.ActionSimplify
			t.Reason = shapeReason(fmt.Sprintf("combined load %.2f suggests simplifying scope", combined), ethos)
		case t.Difficulty == kb.DifficultyMedium && combined > 0.6:
			t.Action = kb.ActionDeprioritize
			t.Reason = shapeReason(fmt.Sprintf("combined load %.2f suggests deprioritizing", combined), ethos)
		default:
			t.Action = kb.ActionProceed
			t.Reason = shapeReason("within capacity", ethos)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		iProceed := out[i].Action == kb.ActionProceed
		jProceed := out[j].Action == kb.ActionProceed
		if iProceed != jProceed {
			return iProceed
		}
		return out[i].EffectivePriority > out[j].EffectivePriority
	})

	summary := fmt.Sprintf("evaluated %d tasks: bio_penalty=%.2f emotional_penalty=%.2f", len(out), bio, emo)
	return out, summary
}

// shapeReason wraps reason in the active Ethos school's template when
// tone_weight is high enough to warrant philosophical framing;
// otherwise it returns reason unchanged.
func shapeReason(reason string, ethos *kb.EthosPolicy) string {
	if ethos == nil || ethos.ToneWeight < 0.3 {
		return reason
	}
	switch ethos.ActiveSchool {
	case "Stoic":
		return fmt.Sprintf("What is within your control: %s.", reason)
	case "Growth-Mindset":
		return fmt.Sprintf("An opportunity to grow: %s.", reason)
	case "Compassionate-Witness":
		return fmt.Sprintf("Noticing without judgment: %s.", reason)
	case "Taoist":
		return fmt.Sprintf("The natural course suggests: %s.", reason)
	case "Existentialist":
		return fmt.Sprintf("A choice freely made: %s.", reason)
	default:
		if len(ethos.CoreMaxims) > 0 {
			return fmt.Sprintf("%s — %s.", ethos.CoreMaxims[0], reason)
		}
		return reason
	}
}
