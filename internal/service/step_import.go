package service

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// StepCatalogFile is the YAML layout accepted by ImportSteps:
//
//	steps:
//	  - module: MATURATION
//	    code: MAT-01
//	    name: Soumission
//	    order: 1
//	    source: BROUILLON
//	    target: SOUMIS
//	    requiredRole: AGENT
//	    notifyByEmail: true
type StepCatalogFile struct {
	Steps []StepDefinition `yaml:"steps"`
}

// StepDefinition is one step in a catalog file. Active defaults to true.
type StepDefinition struct {
	Module        string `yaml:"module"`
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Order         int    `yaml:"order"`
	Source        string `yaml:"source"`
	Target        string `yaml:"target"`
	RequiredRole  string `yaml:"requiredRole"`
	DelayDays     int    `yaml:"delayDays"`
	NotifyByEmail bool   `yaml:"notifyByEmail"`
	Active        *bool  `yaml:"active"`
}

// ImportResult counts what an import did.
type ImportResult = repository.StepImportResult

func (d StepDefinition) toStep() *repository.WorkflowStep {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return &repository.WorkflowStep{
		Module:        repository.Module(d.Module),
		Code:          d.Code,
		Name:          d.Name,
		Description:   d.Description,
		Order:         d.Order,
		SourceState:   d.Source,
		TargetState:   d.Target,
		RequiredRole:  d.RequiredRole,
		DelayDays:     d.DelayDays,
		NotifyByEmail: d.NotifyByEmail,
		Active:        active,
	}
}

// ParseStepCatalog decodes and validates a catalog file. Every step is checked
// before any is returned, including code and order clashes within the file.
func ParseStepCatalog(r io.Reader) ([]*repository.WorkflowStep, error) {
	var file StepCatalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid step catalog")
	}

	type orderKey struct {
		module repository.Module
		order  int
	}
	codes := make(map[stepKey]bool)
	orders := make(map[orderKey]bool)

	steps := make([]*repository.WorkflowStep, 0, len(file.Steps))
	for _, def := range file.Steps {
		step := def.toStep()
		normalizeStep(step)
		if err := ValidateStep(step); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "step "+step.Code)
		}
		if codes[stepKey{step.Module, step.Code}] {
			return nil, errors.InvalidInput("code", "duplicate step "+step.Code+" in module "+string(step.Module))
		}
		if orders[orderKey{step.Module, step.Order}] {
			return nil, errors.InvalidInput("order", "duplicate order for step "+step.Code+" in module "+string(step.Module))
		}
		codes[stepKey{step.Module, step.Code}] = true
		orders[orderKey{step.Module, step.Order}] = true
		steps = append(steps, step)
	}
	return steps, nil
}

// ImportSteps upserts every step of a catalog file by (module, code). The
// catalog is applied as a unit: a step clashing with a stored step rejects
// the whole file and nothing is written.
func (r *StepRegistry) ImportSteps(ctx context.Context, in io.Reader) (*ImportResult, error) {
	steps, err := ParseStepCatalog(in)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.store.ImportSteps(ctx, steps)
	if err != nil {
		r.log.Warn().Err(err).Int("steps", len(steps)).Msg("Step catalog rejected")
		return nil, err
	}
	r.afterWrite(ctx)

	r.log.Info().Int("created", res.Created).Int("updated", res.Updated).Msg("Step catalog imported")
	return &res, nil
}
