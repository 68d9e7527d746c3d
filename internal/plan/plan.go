// Package plan wires the Maintenance Loop's reflexion prompt to an
// external language model. The runtime treats the model as a single
// external function, plan(prompt) -> text, and does not otherwise
// interpret model internals; two interchangeable backends are
// provided (a bring-your-own-endpoint gRPC service and Google's
// GenAI API), selected by construction in cmd/sovereignd.
package plan

import "context"

// Service is the PlanService contract the Maintenance Loop calls
// during its reflexion phase.
type Service interface {
	Plan(ctx context.Context, prompt string) (string, error)
}

// Static is a fixed-response Service, useful for tests and for
// operators who want to disable synthesis without removing the
// Maintenance Loop (every cycle then extracts NO_PATCH_NEEDED and
// short-circuits at phase 5).
type Static struct {
	Response string
	Err      error
}

func (s Static) Plan(_ context.Context, _ string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Response, nil
}
