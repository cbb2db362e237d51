package repository

import (
	"fmt"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// StepImportResult counts what a catalog import wrote.
type StepImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// StepChange is one write of a catalog import.
type StepChange struct {
	Step   *WorkflowStep
	Update bool
}

// PlanStepImport upserts incoming into existing by (module, code) and checks
// the resulting catalog as a whole, so orders may be swapped between steps in
// one import. Incoming steps that replace a stored step take over its ID and
// CreatedAt. Nothing is written; an error means the import must be rejected.
func PlanStepImport(existing, incoming []*WorkflowStep) ([]StepChange, error) {
	type codeKey struct {
		module Module
		code   string
	}
	type orderKey struct {
		module Module
		order  int
	}

	stored := make(map[codeKey]*WorkflowStep, len(existing))
	for _, s := range existing {
		stored[codeKey{s.Module, s.Code}] = s
	}

	replaced := make(map[codeKey]bool, len(incoming))
	changes := make([]StepChange, 0, len(incoming))
	for _, step := range incoming {
		k := codeKey{step.Module, step.Code}
		if replaced[k] {
			return nil, errors.InvalidInput("code", "duplicate step "+step.Code+" in module "+string(step.Module))
		}
		replaced[k] = true

		if cur, ok := stored[k]; ok {
			step.ID, step.CreatedAt = cur.ID, cur.CreatedAt
			changes = append(changes, StepChange{Step: step, Update: true})
			continue
		}
		step.ID = ""
		changes = append(changes, StepChange{Step: step})
	}

	// Untouched stored steps first, so a clash names the incoming step.
	final := make([]*WorkflowStep, 0, len(existing)+len(incoming))
	for _, s := range existing {
		if !replaced[codeKey{s.Module, s.Code}] {
			final = append(final, s)
		}
	}
	final = append(final, incoming...)

	orders := make(map[orderKey]*WorkflowStep, len(final))
	for _, s := range final {
		k := orderKey{s.Module, s.Order}
		if other, ok := orders[k]; ok {
			return nil, errors.InvalidInput("order", fmt.Sprintf(
				"order %d of step %s already used by step %s in module %s",
				s.Order, s.Code, other.Code, s.Module))
		}
		orders[k] = s
	}
	return changes, nil
}
