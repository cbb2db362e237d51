package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

func TestStepRegistry_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*repository.WorkflowStep)
		field  string
	}{
		{"unknown module", func(s *repository.WorkflowStep) { s.Module = "FINANCE" }, "module"},
		{"empty code", func(s *repository.WorkflowStep) { s.Code = "  " }, "code"},
		{"zero order", func(s *repository.WorkflowStep) { s.Order = 0 }, "order"},
		{"negative order", func(s *repository.WorkflowStep) { s.Order = -3 }, "order"},
		{"empty source", func(s *repository.WorkflowStep) { s.SourceState = "" }, "sourceState"},
		{"empty target", func(s *repository.WorkflowStep) { s.TargetState = "" }, "targetState"},
		{"negative delay", func(s *repository.WorkflowStep) { s.DelayDays = -1 }, "delayDays"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := mat01()
			tc.mutate(s)

			_, err := env.steps.Create(context.Background(), s)
			require.Error(t, err)
			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, errors.ErrCodeInvalidInput, e.Code)
			assert.Equal(t, tc.field, e.Field)
		})
	}
}

func TestStepRegistry_OrderUniquePerModule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mustCreateStep(t, mat01())

	dup := mat01()
	dup.Code = "MAT-02"
	_, err := env.steps.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	dupCode := mat01()
	dupCode.Order = 2
	_, err = env.steps.Create(ctx, dupCode)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	other := mat01()
	other.Module = repository.ModulePIP
	_, err = env.steps.Create(ctx, other)
	assert.NoError(t, err, "same code and order in another module is fine")

	steps, err := env.steps.List(ctx, repository.StepFilter{Module: repository.ModuleMaturation})
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestStepRegistry_GetAvailableSteps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.mustCreateStep(t, &repository.WorkflowStep{Module: repository.ModuleMaturation, Code: "MAT-03", Order: 3, SourceState: "BROUILLON", TargetState: "REJETE", Active: true})
	env.mustCreateStep(t, mat01())
	env.mustCreateStep(t, &repository.WorkflowStep{Module: repository.ModuleMaturation, Code: "MAT-02", Order: 2, SourceState: "BROUILLON", TargetState: "ANNULE", Active: false})
	env.mustCreateStep(t, &repository.WorkflowStep{Module: repository.ModuleMaturation, Code: "MAT-04", Order: 4, SourceState: "SOUMIS", TargetState: "EN_EVALUATION", Active: true})
	env.mustCreateStep(t, &repository.WorkflowStep{Module: repository.ModulePIP, Code: "PIP-01", Order: 1, SourceState: "BROUILLON", TargetState: "VALIDATION", Active: true})

	steps, err := env.steps.GetAvailableSteps(ctx, repository.ModuleMaturation, "BROUILLON")
	require.NoError(t, err)
	codes := make([]string, 0, len(steps))
	for _, s := range steps {
		assert.True(t, s.Active)
		assert.Equal(t, "BROUILLON", s.SourceState)
		codes = append(codes, s.Code)
	}
	assert.Equal(t, []string{"MAT-01", "MAT-03"}, codes)

	none, err := env.steps.GetAvailableSteps(ctx, repository.ModuleMaturation, "VALIDE")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)

	_, err = env.steps.GetAvailableSteps(ctx, "UNKNOWN", "BROUILLON")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestStepRegistry_UpdateDeleteAndSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	created := env.mustCreateStep(t, mat01())
	v1 := env.steps.Version()

	change := mat01()
	change.Active = false
	_, err := env.steps.Update(ctx, created.ID, change)
	require.NoError(t, err)
	assert.Greater(t, env.steps.Version(), v1)

	got, err := env.steps.GetByCode(ctx, repository.ModuleMaturation, "MAT-01")
	require.NoError(t, err)
	assert.False(t, got.Active)

	// Callers get copies; the snapshot is never mutated through them.
	got.Code = "HACKED"
	again, err := env.steps.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "MAT-01", again.Code)

	_, err = env.steps.Update(ctx, "missing", mat01())
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	require.NoError(t, env.steps.Delete(ctx, created.ID))
	_, err = env.steps.GetByID(ctx, created.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.True(t, errors.HasCode(env.steps.Delete(ctx, created.ID), errors.ErrCodeNotFound))
}

func TestStepRegistry_ReloadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mustCreateStep(t, mat01())

	// Another replica writes straight to the shared store.
	require.NoError(t, env.stepStore.Create(ctx, &repository.WorkflowStep{
		Module: repository.ModuleSuivi, Code: "SUI-01", Name: "Lancement", Order: 1,
		SourceState: "PLANIFIE", TargetState: "EN_COURS", Active: true,
	}))
	_, err := env.steps.GetByCode(ctx, repository.ModuleSuivi, "SUI-01")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound), "snapshot is stale until reload")

	require.NoError(t, env.steps.Reload(ctx))
	got, err := env.steps.GetByCode(ctx, repository.ModuleSuivi, "SUI-01")
	require.NoError(t, err)
	assert.Equal(t, "EN_COURS", got.TargetState)
}

// ctxStepStore fails reads once the context is done, as the database does.
type ctxStepStore struct {
	*repository.MemoryStepStore
}

func (s ctxStepStore) List(ctx context.Context, filter repository.StepFilter) ([]*repository.WorkflowStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStepStore.List(ctx, filter)
}

func TestStepRegistry_ColdLoadIgnoresCallerCancellation(t *testing.T) {
	store := ctxStepStore{repository.NewMemoryStepStore()}
	require.NoError(t, store.Create(context.Background(), mat01()))
	reg := NewStepRegistry(store, nil, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, reg.Reload(ctx))

	got, err := reg.GetByCode(context.Background(), repository.ModuleMaturation, "MAT-01")
	require.NoError(t, err)
	assert.Equal(t, "SOUMIS", got.TargetState)
}
