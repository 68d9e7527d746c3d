package kb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GetRecord reads and JSON-decodes the KbRecord at key in Slot 3
// (Logos). A malformed record degrades to (nil, false, nil) rather
// than poisoning the caller — scans must never die on one bad row.
func (s *Store) GetRecord(key string) (*KbRecord, bool, error) {
	raw, ok, err := s.Get(Logos, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec KbRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn("malformed KbRecord skipped", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return &rec, true, nil
}

// InsertRecord JSON-encodes and stores rec in Slot 3 (Logos) at key.
func (s *Store) InsertRecord(key string, rec KbRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kb: marshal KbRecord: %w", err)
	}
	_, _, err = s.Insert(Logos, key, data)
	return err
}

const (
	keyPolicyDefault = "policy/default"
	keyEthosCurrent  = "ethos/current"
	keyMentalState   = "mental_state"
	keySomaCurrent   = "soma/current"
	keySovereignUser = "sovereign_user_persona"
	keyGovernanceSum = "oikos/governance_summary"
)

// GetEthosPolicy reads the active philosophical lens from Slot 6.
// Returns (nil, false, nil) if none has been set yet.
func (s *Store) GetEthosPolicy() (*EthosPolicy, bool, error) {
	raw, ok, err := s.Get(Ethos, keyEthosCurrent)
	if err != nil || !ok {
		return nil, ok, err
	}
	var p EthosPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, nil
	}
	return &p, true, nil
}

// SetEthosPolicy persists the active philosophical lens to Slot 6.
func (s *Store) SetEthosPolicy(p EthosPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("kb: marshal EthosPolicy: %w", err)
	}
	_, _, err = s.Insert(Ethos, keyEthosCurrent, data)
	return err
}

// GetPolicyRecord reads the admissibility rule set from Slot 6.
func (s *Store) GetPolicyRecord() (*PolicyRecord, bool, error) {
	raw, ok, err := s.Get(Ethos, keyPolicyDefault)
	if err != nil || !ok {
		return nil, ok, err
	}
	var p PolicyRecord
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, nil
	}
	return &p, true, nil
}

// SetPolicyRecord persists the admissibility rule set to Slot 6.
func (s *Store) SetPolicyRecord(p PolicyRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("kb: marshal PolicyRecord: %w", err)
	}
	_, _, err = s.Insert(Ethos, keyPolicyDefault, data)
	return err
}

// AppendChronosEvent appends ev to Slot 4 under a fresh
// event/{agent}/{ts}_{rand} key. agent must be non-empty; the key's
// 64-bit random suffix makes collisions statistically impossible.
func (s *Store) AppendChronosEvent(agent string, ev EventRecord) (string, error) {
	return s.appendChronos("event", agent, ev)
}

// LogSkillFailure records a skill failure as a Slot 4 event under a
// failure/{agent}/{ts}_{rand} key, truncating the goal summary and
// error text the way the audit phase later expects to find them.
func (s *Store) LogSkillFailure(agent, skill string, failErr error, goalSummary string) (string, error) {
	ev := EventRecord{
		TimestampMs: nowMs(),
		SourceKB:    Chronos.String(),
		SkillName:   skill,
		Reflection:  truncate(goalSummary, 300),
		Outcome:     "error: " + truncate(failErr.Error(), 500),
	}
	return s.appendChronos("failure", agent, ev)
}

func (s *Store) appendChronos(kind, agent string, ev EventRecord) (string, error) {
	if agent == "" {
		return "", fmt.Errorf("kb: append chronos event: empty agent")
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = nowMs()
	}
	key := fmt.Sprintf("%s/%s/%s", kind, agent, timestampKeySuffix())
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("kb: marshal EventRecord: %w", err)
	}
	if _, _, err := s.Insert(Chronos, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// GetRecentChronosEvents returns up to n most recent events for agent
// across both event/ and failure/ keys, newest first. Keys embed a
// big-endian millisecond timestamp so lexicographic descending order
// is chronological descending order.
func (s *Store) GetRecentChronosEvents(agent string, n int) ([]EventRecord, error) {
	prefixes := []string{"event/" + agent + "/", "failure/" + agent + "/"}
	type keyed struct {
		key string
		ev  EventRecord
	}
	var all []keyed
	for _, prefix := range prefixes {
		kvs, err := s.ScanPrefix(Chronos, prefix)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			var ev EventRecord
			if err := json.Unmarshal(kv.Value, &ev); err != nil {
				continue
			}
			all = append(all, keyed{key: kv.Key, ev: ev})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key > all[j].key })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]EventRecord, len(all))
	for i, k := range all {
		out[i] = k.ev
	}
	return out, nil
}

// failureIndicators are the case-insensitive substrings that mark a
// Chronos event as audit-worthy.
var failureIndicators = []string{"fail", "error", "err"}

// AuditRecentFailures scans agent's Chronos events from the last
// windowMs milliseconds whose outcome or reflection contains a
// failure indicator, newest first, capped at limit. It is the
// Maintenance Loop's audit phase query.
func (s *Store) AuditRecentFailures(agent string, windowMs int64, limit int) ([]FailureRecord, error) {
	prefixes := []string{"event/" + agent + "/", "failure/" + agent + "/"}
	type keyed struct {
		key string
		ev  EventRecord
	}
	var all []keyed
	for _, prefix := range prefixes {
		kvs, err := s.ScanPrefix(Chronos, prefix)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			var ev EventRecord
			if err := json.Unmarshal(kv.Value, &ev); err != nil {
				continue
			}
			all = append(all, keyed{key: kv.Key, ev: ev})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key > all[j].key })

	cutoff := time.Now().UnixMilli() - windowMs
	out := make([]FailureRecord, 0, limit)
	for _, k := range all {
		if k.ev.TimestampMs < cutoff {
			continue
		}
		haystack := strings.ToLower(k.ev.Outcome + " " + k.ev.Reflection)
		matched := false
		for _, ind := range failureIndicators {
			if strings.Contains(haystack, ind) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, FailureRecord{
			Key:           k.key,
			Skill:         k.ev.SkillName,
			Description:   truncate(k.ev.Reflection, 300),
			StderrSnippet: truncate(k.ev.Outcome, 500),
			TimestampMs:   k.ev.TimestampMs,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListPeople returns every PersonRecord stored in Slot 7 under the
// people/ prefix.
func (s *Store) ListPeople() ([]PersonRecord, error) {
	kvs, err := s.ScanPrefix(Kardia, "people/")
	if err != nil {
		return nil, err
	}
	out := make([]PersonRecord, 0, len(kvs))
	for _, kv := range kvs {
		var p PersonRecord
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetSomaState persists the current physiological snapshot to Slot 8.
func (s *Store) SetSomaState(st SomaState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("kb: marshal SomaState: %w", err)
	}
	_, _, err = s.Insert(Soma, keySomaCurrent, data)
	return err
}

// GetSomaState reads the current physiological snapshot from Slot 8.
func (s *Store) GetSomaState() (*SomaState, bool, error) {
	raw, ok, err := s.Get(Soma, keySomaCurrent)
	if err != nil || !ok {
		return nil, ok, err
	}
	var st SomaState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, nil
	}
	return &st, true, nil
}

// PushAgentMessage appends msg to the target's Slot 8 inbox under a
// fresh inbox/{target}/{ts}_{rand} key.
func (s *Store) PushAgentMessage(msg AgentMessage) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("kb: push agent message: empty target")
	}
	key := fmt.Sprintf("inbox/%s/%s", msg.To, timestampKeySuffix())
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("kb: marshal AgentMessage: %w", err)
	}
	if _, _, err := s.Insert(Soma, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// GetAgentMessagesWithKeys returns up to limit inbox messages (across
// all targets) together with their storage keys, so a caller can mark
// them processed by key afterward.
func (s *Store) GetAgentMessagesWithKeys(limit int) (map[string]AgentMessage, error) {
	kvs, err := s.ScanPrefix(Soma, "inbox/")
	if err != nil {
		return nil, err
	}
	out := make(map[string]AgentMessage)
	for _, kv := range kvs {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m AgentMessage
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			continue
		}
		out[kv.Key] = m
	}
	return out, nil
}

// InsertShadowAnchor JSON-encodes and encrypts anchor under key in
// Slot 9. Fails with ErrVaultLocked if no key is configured.
func (s *Store) InsertShadowAnchor(key string, anchor EmotionalAnchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("kb: marshal EmotionalAnchor: %w", err)
	}
	_, _, err = s.Insert(Shadow, key, data)
	return err
}

// GetShadowAnchor decrypts and decodes the anchor at key in Slot 9.
func (s *Store) GetShadowAnchor(key string) (*EmotionalAnchor, bool, error) {
	raw, ok, err := s.Get(Shadow, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var a EmotionalAnchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, nil
	}
	return &a, true, nil
}

// GetActiveShadowAnchors returns every Slot 9 anchor under the
// anchor/ prefix whose Active flag is true.
func (s *Store) GetActiveShadowAnchors() ([]EmotionalAnchor, error) {
	kvs, err := s.ScanPrefix(Shadow, "anchor/")
	if err != nil {
		return nil, err
	}
	var out []EmotionalAnchor
	for _, kv := range kvs {
		var a EmotionalAnchor
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			continue
		}
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetSovereignIdentity reads the Slot 1 identity record.
func (s *Store) GetSovereignIdentity() (*SovereignIdentity, bool, error) {
	raw, ok, err := s.Get(Pneuma, keySovereignUser)
	if err != nil || !ok {
		return nil, ok, err
	}
	var id SovereignIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false, nil
	}
	return &id, true, nil
}

// SetGovernanceSummary persists the Task Governor's human-readable
// batch summary to Slot 2.
func (s *Store) SetGovernanceSummary(summary string) error {
	_, _, err := s.Insert(Oikos, keyGovernanceSum, []byte(summary))
	return err
}

// GetGovernanceSummary reads the Task Governor's last batch summary
// from Slot 2, returning "" if none has been recorded yet.
func (s *Store) GetGovernanceSummary() (string, error) {
	raw, ok, err := s.Get(Oikos, keyGovernanceSum)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// PutGovernedTask persists t to Slot 2 at key oikos/tasks/{id}.
func (s *Store) PutGovernedTask(t GovernedTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("kb: marshal GovernedTask: %w", err)
	}
	_, _, err = s.Insert(Oikos, "oikos/tasks/"+t.TaskID, data)
	return err
}

// ListGovernedTasks returns every GovernedTask in Slot 2.
func (s *Store) ListGovernedTasks() ([]GovernedTask, error) {
	kvs, err := s.ScanPrefix(Oikos, "oikos/tasks/")
	if err != nil {
		return nil, err
	}
	out := make([]GovernedTask, 0, len(kvs))
	for _, kv := range kvs {
		var t GovernedTask
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
