package governor

import (
	"fmt"

	"github.com/sovereign/pagi/internal/kb"
)

// RunBatch loads the current Soma/effective-Mental/Ethos state and
// every GovernedTask for agent from store, evaluates them, persists
// the augmented tasks and the governance summary back to Slot 2, and
// returns the evaluated, sorted batch.
func RunBatch(store *kb.Store, agent string) ([]kb.GovernedTask, error) {
	soma, _, err := store.GetSomaState()
	if err != nil {
		return nil, fmt.Errorf("governor: load soma state: %w", err)
	}
	if soma == nil {
		soma = &kb.SomaState{}
	}
	mental, err := store.GetEffectiveMentalState(agent)
	if err != nil {
		return nil, fmt.Errorf("governor: load effective mental state: %w", err)
	}
	ethos, _, err := store.GetEthosPolicy()
	if err != nil {
		return nil, fmt.Errorf("governor: load ethos policy: %w", err)
	}
	tasks, err := store.ListGovernedTasks()
	if err != nil {
		return nil, fmt.Errorf("governor: load tasks: %w", err)
	}

	evaluated, summary := Evaluate(*soma, mental, ethos, tasks)

	for _, t := range evaluated {
		if err := store.PutGovernedTask(t); err != nil {
			return nil, fmt.Errorf("governor: persist task %s: %w", t.TaskID, err)
		}
	}
	if err := store.SetGovernanceSummary(summary); err != nil {
		return nil, fmt.Errorf("governor: persist summary: %w", err)
	}
	return evaluated, nil
}
