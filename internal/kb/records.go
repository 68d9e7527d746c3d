package kb

// KbRecord is the generic stored unit for Slot 3 (Logos) and is also
// reused wherever a caller hands the store a free-form content blob.
type KbRecord struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Embedding   []float32         `json:"embedding,omitempty"`
	TimestampMs int64             `json:"timestamp_ms"`
}

// EventRecord is an episodic entry in Slot 4 (Chronos). Keys are
// shaped event/{agent}/{ts}_{rand} for ordinary events and
// failure/{agent}/{ts}_{rand} for failure records, guaranteeing
// append-only uniqueness under a 64-bit random suffix.
type EventRecord struct {
	TimestampMs int64  `json:"timestamp_ms"`
	SourceKB    string `json:"source_kb"`
	SkillName   string `json:"skill_name,omitempty"`
	Reflection  string `json:"reflection"`
	Outcome     string `json:"outcome,omitempty"`
}

// PolicyRecord is the Slot 6 admissibility rule set, stored at key
// policy/default.
type PolicyRecord struct {
	ForbiddenActions  []string `json:"forbidden_actions"`
	SensitiveKeywords []string `json:"sensitive_keywords"`
	ApprovalRequired  bool     `json:"approval_required"`
}

// EthosPolicy is the Slot 6 philosophical lens, stored at key
// ethos/current.
type EthosPolicy struct {
	ActiveSchool string   `json:"active_school"`
	CoreMaxims   []string `json:"core_maxims"`
	ToneWeight   float64  `json:"tone_weight"`
}

// RelationRecord is a Slot 7 pairwise relation, stored at key
// relation/{owner}/{target}.
type RelationRecord struct {
	Trust              float64 `json:"trust"`
	CommunicationStyle string  `json:"communication_style"`
	LastSentiment      string  `json:"last_sentiment"`
	LastUpdatedMs      int64   `json:"last_updated_ms"`
}

// PersonRecord is a richer Slot 7 relational map, stored at key
// people/{slug}.
type PersonRecord struct {
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	AttachmentStyle string   `json:"attachment_style"`
	Triggers        []string `json:"triggers,omitempty"`
}

// MentalState is the Slot 7 stored baseline, at key mental_state.
// get_effective_mental_state derives an adjusted copy on demand; the
// stored value here is never mutated by that derivation.
type MentalState struct {
	RelationalStress float64 `json:"relational_stress"`
	BurnoutRisk      float64 `json:"burnout_risk"`
	GraceMultiplier  float64 `json:"grace_multiplier"`
}

// SomaState is the Slot 8 physiological snapshot, at key soma/current.
type SomaState struct {
	SleepHours     float64 `json:"sleep_hours"`
	RestingHR      float64 `json:"resting_hr"`
	HRV            float64 `json:"hrv"`
	ReadinessScore float64 `json:"readiness_score"`
}

// TaskAction is the Task Governor's verdict for a GovernedTask.
type TaskAction string

const (
	ActionProceed      TaskAction = "proceed"
	ActionPostpone     TaskAction = "postpone"
	ActionSimplify     TaskAction = "simplify"
	ActionDeprioritize TaskAction = "deprioritize"
)

// TaskDifficulty is the declared weight class of a GovernedTask.
type TaskDifficulty string

const (
	DifficultyLow      TaskDifficulty = "low"
	DifficultyMedium   TaskDifficulty = "medium"
	DifficultyHigh     TaskDifficulty = "high"
	DifficultyCritical TaskDifficulty = "critical"
)

// GovernedTask is a Slot 2 task row, stored at key
// oikos/tasks/{id}. Difficulty Critical may never carry action
// Postpone — enforced by the Task Governor, not by this type.
type GovernedTask struct {
	TaskID            string         `json:"task_id"`
	Title             string         `json:"title"`
	Difficulty        TaskDifficulty `json:"difficulty"`
	BasePriority      float64        `json:"base_priority"`
	EffectivePriority float64        `json:"effective_priority"`
	Action            TaskAction     `json:"action"`
	Reason            string         `json:"reason,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	CreatedMs         int64          `json:"created_ms"`
	UpdatedMs         int64          `json:"updated_ms"`
}

// AgentMessage is a Slot 8 inbox entry, stored at key
// inbox/{target}/{ts}_{rand}.
type AgentMessage struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Payload     string `json:"payload"`
	IsProcessed bool   `json:"is_processed"`
}

// EmotionalAnchor is a Slot 9 record. All bytes under its key are
// stored ciphertext; this struct is only ever marshaled to plaintext
// JSON transiently, immediately before Encrypt and immediately after
// Decrypt.
type EmotionalAnchor struct {
	Type      string  `json:"type"`
	Intensity float64 `json:"intensity"`
	Active    bool    `json:"active"`
}

// SovereignIdentity is the Slot 1 record at key
// sovereign_user_persona.
type SovereignIdentity struct {
	Name   string `json:"name"`
	Rank   string `json:"rank"`
	Domain string `json:"domain"`
}

// FailureRecord is extracted by the Maintenance Loop's audit phase
// from Chronos events whose reflection or outcome carries a failure
// indicator. It is not itself persisted as a standalone record type;
// it is the audit phase's working structure.
type FailureRecord struct {
	Key           string `json:"key"`
	Skill         string `json:"skill"`
	Description   string `json:"description"`
	StderrSnippet string `json:"stderr_snippet"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// SovereignState is the aggregated read produced by
// Store.GetFullSovereignState.
type SovereignState struct {
	Identity            *SovereignIdentity `json:"identity,omitempty"`
	Ethos               *EthosPolicy       `json:"ethos,omitempty"`
	Soma                *SomaState         `json:"soma,omitempty"`
	EffectiveMental     MentalState        `json:"effective_mental"`
	TopRelations        []RelationRecord   `json:"top_relations,omitempty"`
	GovernanceSummary   string             `json:"governance_summary,omitempty"`
}
