package kb

import (
	"fmt"
	"sort"
	"strings"
)

// GetEffectiveMentalState derives the agent's adjusted MentalState
// from the stored baseline and the current SomaState. It never
// mutates the stored MentalState — the Governor stays reproducible
// because this is a pure function of what's currently in the KB, not
// a running accumulator.
func (s *Store) GetEffectiveMentalState(agent string) (MentalState, error) {
	raw, ok, err := s.Get(Kardia, keyMentalState)
	if err != nil {
		return MentalState{}, err
	}
	var ms MentalState
	if ok {
		_ = jsonUnmarshalLenient(raw, &ms)
	}

	soma, hasSoma, err := s.GetSomaState()
	if err != nil {
		return MentalState{}, err
	}
	if hasSoma && (soma.ReadinessScore < 50 || soma.SleepHours < 6) {
		ms.BurnoutRisk += 0.15
		ms.GraceMultiplier = 1.6
	}

	ms.RelationalStress = clamp01(ms.RelationalStress)
	ms.BurnoutRisk = clamp01(ms.BurnoutRisk)
	if ms.GraceMultiplier < 0 {
		ms.GraceMultiplier = 0
	}
	return ms, nil
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

// CheckMentalLoad returns a compassionate routing advisory string when
// the effective mental state suggests the agent should be handled
// gently, or "" if no advisory applies. It never leaks anchor content
// — only the two tone flags described in spec.md's effective-state
// derivation.
func (s *Store) CheckMentalLoad(agent string) (string, error) {
	ms, err := s.GetEffectiveMentalState(agent)
	if err != nil {
		return "", err
	}
	var advisories []string
	if ms.RelationalStress > 0.7 {
		advisories = append(advisories, "empathetic tone advised")
	}
	if ms.GraceMultiplier >= 1.5 {
		advisories = append(advisories, "physical-load tone advised")
	}
	if len(advisories) == 0 {
		return "", nil
	}
	return strings.Join(advisories, "; "), nil
}

// GetFullSovereignState aggregates identity (Slot 1), active ethos
// (Slot 6), latest soma (Slot 8), effective mental state (derived),
// a short top-trust relation summary (Slot 7), and the governance
// summary string (Slot 2) into one struct.
func (s *Store) GetFullSovereignState(agent string) (*SovereignState, error) {
	identity, _, err := s.GetSovereignIdentity()
	if err != nil {
		return nil, err
	}
	ethos, _, err := s.GetEthosPolicy()
	if err != nil {
		return nil, err
	}
	soma, _, err := s.GetSomaState()
	if err != nil {
		return nil, err
	}
	effMental, err := s.GetEffectiveMentalState(agent)
	if err != nil {
		return nil, err
	}
	relations, err := s.topRelations(agent, 3)
	if err != nil {
		return nil, err
	}
	summary, err := s.GetGovernanceSummary()
	if err != nil {
		return nil, err
	}

	return &SovereignState{
		Identity:          identity,
		Ethos:             ethos,
		Soma:              soma,
		EffectiveMental:   effMental,
		TopRelations:      relations,
		GovernanceSummary: summary,
	}, nil
}

func (s *Store) topRelations(owner string, k int) ([]RelationRecord, error) {
	kvs, err := s.ScanPrefix(Kardia, "relation/"+owner+"/")
	if err != nil {
		return nil, err
	}
	var out []RelationRecord
	for _, kv := range kvs {
		var r RelationRecord
		if err := jsonUnmarshalLenient(kv.Value, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trust > out[j].Trust })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// BuildSystemDirective assembles the directive text handed to the
// model router before GenerateFinalResponse: identity, ethos, soma,
// a relation summary, the governance summary, and a shadow advisory
// if CheckMentalLoad produced one. It never includes raw anchor
// content, only the advisory phrase.
func (s *Store) BuildSystemDirective(agent, user string) (string, error) {
	state, err := s.GetFullSovereignState(agent)
	if err != nil {
		return "", err
	}
	advisory, err := s.CheckMentalLoad(agent)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if state.Identity != nil {
		fmt.Fprintf(&b, "You are %s, %s of %s.\n", state.Identity.Name, state.Identity.Rank, state.Identity.Domain)
	}
	if state.Ethos != nil {
		fmt.Fprintf(&b, "Philosophical lens: %s. Core maxims: %s.\n", state.Ethos.ActiveSchool, strings.Join(state.Ethos.CoreMaxims, "; "))
	}
	if state.Soma != nil {
		fmt.Fprintf(&b, "Readiness: %.0f, sleep: %.1fh.\n", state.Soma.ReadinessScore, state.Soma.SleepHours)
	}
	if len(state.TopRelations) > 0 {
		fmt.Fprintf(&b, "Top relational context for %s available (%d entries).\n", user, len(state.TopRelations))
	}
	if state.GovernanceSummary != "" {
		fmt.Fprintf(&b, "Governance summary: %s\n", state.GovernanceSummary)
	}
	if advisory != "" {
		fmt.Fprintf(&b, "Tone advisory: %s.\n", advisory)
	}
	return b.String(), nil
}
