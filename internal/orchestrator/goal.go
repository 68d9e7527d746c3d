package orchestrator

import "encoding/json"

// GoalKind discriminates the tagged-union Goal variants the
// Orchestrator accepts.
type GoalKind string

const (
	GoalExecuteSkill          GoalKind = "execute_skill"
	GoalQueryKnowledge        GoalKind = "query_knowledge"
	GoalMemoryOp              GoalKind = "memory_op"
	GoalIngestData            GoalKind = "ingest_data"
	GoalAssembleContext       GoalKind = "assemble_context"
	GoalGenerateFinalResponse GoalKind = "generate_final_response"
	GoalAutonomousGoal        GoalKind = "autonomous_goal"
	GoalUpdateKnowledgeSlot   GoalKind = "update_knowledge_slot"
	GoalCustom                GoalKind = "custom"
)

// Goal is the tagged union the Orchestrator dispatches on. Only the
// fields relevant to Kind are populated; this mirrors the teacher's
// own Cmd-plus-optional-fields Request shape rather than a Go sum
// type (which the language doesn't have natively).
type Goal struct {
	Kind GoalKind `json:"kind"`

	SkillName string          `json:"skill_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	SlotID int    `json:"slot_id,omitempty"`
	Query  string `json:"query,omitempty"`

	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	ContextID string `json:"context_id,omitempty"`

	Intent  string          `json:"intent,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`

	SourceURL  string `json:"source_url,omitempty"`
	SourceHTML string `json:"source_html,omitempty"`

	Custom string `json:"custom,omitempty"`

	// Embedding, when set and a semantic index is attached, adds a
	// semantic top-K lookup to QueryKnowledge whose hits are merged
	// with the lexical prefix scan results, and tells IngestData to
	// index the ingested record's embedding alongside the lexical write.
	Embedding []float32 `json:"embedding,omitempty"`
}

// TenantContext identifies who a Goal is executed on behalf of.
type TenantContext struct {
	Tenant      string
	Correlation string
	Agent       string
}

// Result is the Orchestrator's dispatch outcome: the final JSON/text
// output plus the Chronos keys of every event appended along the way.
type Result struct {
	Output     string
	EventKeys  []string
	ChainSteps int
}
