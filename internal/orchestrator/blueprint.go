package orchestrator

// defaultBlueprints returns the built-in intent -> ordered skill chain
// mapping AutonomousGoal resolves against. "respond_to_lead" is kept
// as a sample blueprint: the source material's deprecated CRUD-ish
// lead-response flow, not a core requirement, demonstrating how an
// intent composes several skills in sequence.
func defaultBlueprints() map[string][]string {
	return map[string][]string{
		"respond_to_lead": {
			"lookup_lead",
			"draft_reply",
			"send_reply",
		},
	}
}
