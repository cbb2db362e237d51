package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

const catalogYAML = `
steps:
  - module: maturation
    code: MAT-01
    name: Soumission
    order: 1
    source: BROUILLON
    target: SOUMIS
  - module: MATURATION
    code: MAT-02
    order: 2
    source: SOUMIS
    target: VALIDE
    requiredRole: VALIDATEUR
    delayDays: 10
    notifyByEmail: true
  - module: PIP
    code: PIP-01
    order: 1
    source: BROUILLON
    target: INSCRIT
    active: false
`

func TestParseStepCatalog(t *testing.T) {
	steps, err := ParseStepCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, repository.ModuleMaturation, steps[0].Module)
	assert.True(t, steps[0].Active)
	assert.Equal(t, "MAT-02", steps[1].Name, "name defaults to code")
	assert.Equal(t, "VALIDATEUR", steps[1].RequiredRole)
	assert.Equal(t, 10, steps[1].DelayDays)
	assert.True(t, steps[1].NotifyByEmail)
	assert.False(t, steps[2].Active)
}

func TestParseStepCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": "steps:\n  - module: PIP\n    code: A\n    order: 1\n    source: X\n    target: Y\n    colour: red\n",
		"invalid step":  "steps:\n  - module: PIP\n    code: A\n    order: 0\n    source: X\n    target: Y\n",
		"duplicate code": "steps:\n" +
			"  - {module: PIP, code: A, order: 1, source: X, target: Y}\n" +
			"  - {module: PIP, code: A, order: 2, source: Y, target: Z}\n",
		"duplicate order": "steps:\n" +
			"  - {module: PIP, code: A, order: 1, source: X, target: Y}\n" +
			"  - {module: PIP, code: B, order: 1, source: Y, target: Z}\n",
		"not yaml": "steps: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStepCatalog(strings.NewReader(doc))
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestImportSteps_Upserts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	existing := env.mustCreateStep(t, mat01())

	res, err := env.steps.ImportSteps(ctx, strings.NewReader(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Created: 2, Updated: 1}, res)

	got, err := env.steps.GetByCode(ctx, repository.ModuleMaturation, "MAT-01")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID, "import updates in place")

	available, err := env.steps.GetAvailableSteps(ctx, repository.ModulePIP, "BROUILLON")
	require.NoError(t, err)
	assert.Empty(t, available, "PIP-01 was imported inactive")

	res, err = env.steps.ImportSteps(ctx, strings.NewReader(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Updated: 3}, res)
}

func TestImportSteps_ClashWritesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mustCreateStep(t, mat01())
	before := env.steps.Version()

	doc := "steps:\n" +
		"  - {module: PIP, code: PIP-01, order: 1, source: BROUILLON, target: INSCRIT}\n" +
		"  - {module: MATURATION, code: MAT-99, order: 1, source: SOUMIS, target: VALIDE}\n"
	res, err := env.steps.ImportSteps(ctx, strings.NewReader(doc))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "got %v", err)
	assert.Contains(t, err.Error(), "MAT-99")

	pip, err := env.stepStore.List(ctx, repository.StepFilter{Module: repository.ModulePIP})
	require.NoError(t, err)
	assert.Empty(t, pip, "PIP-01 must not be written when the catalog is rejected")

	all, err := env.stepStore.List(ctx, repository.StepFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, before, env.steps.Version(), "catalog snapshot untouched")
}

func TestImportSteps_SwapsOrders(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	first := env.mustCreateStep(t, mat01())
	second := env.mustCreateStep(t, &repository.WorkflowStep{
		Module: repository.ModuleMaturation, Code: "MAT-02", Order: 2,
		SourceState: "SOUMIS", TargetState: "VALIDE", Active: true,
	})

	doc := "steps:\n" +
		"  - {module: MATURATION, code: MAT-01, order: 2, source: BROUILLON, target: SOUMIS}\n" +
		"  - {module: MATURATION, code: MAT-02, order: 1, source: SOUMIS, target: VALIDE}\n"
	res, err := env.steps.ImportSteps(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Updated: 2}, res)

	steps, err := env.steps.List(ctx, repository.StepFilter{Module: repository.ModuleMaturation})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, second.ID, steps[0].ID)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, first.ID, steps[1].ID)
	assert.Equal(t, 2, steps[1].Order)
}
