package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/config"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

type testEnv struct {
	steps      *StepRegistry
	stepStore  *repository.MemoryStepStore
	audit      *AuditTrail
	auditStore *repository.MemoryAuditStore
	ruleStore  *repository.MemoryRuleStore
	matcher    *AbacMatcher
	rules      *AbacRuleService
	entities   *EntityStoreRegistry
	ideas      *repository.MemoryEntityStore
	executor   *TransitionExecutor
	notifier   *recordingNotifier
}

type recordingNotifier struct {
	events []TransitionEvent
}

func (n *recordingNotifier) PublishTransition(_ context.Context, ev TransitionEvent) {
	n.events = append(n.events, ev)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Nop()

	env := &testEnv{
		stepStore:  repository.NewMemoryStepStore(),
		auditStore: repository.NewMemoryAuditStore(),
		ruleStore:  repository.NewMemoryRuleStore(),
		ideas:      repository.NewMemoryEntityStore(),
		notifier:   &recordingNotifier{},
	}
	entities, err := NewEntityStoreRegistry(map[string]string{
		"IDEE_PROJET": "MATURATION",
		"PIP_ANNUEL":  "PIP",
		"PROJET":      "SUIVI",
	})
	require.NoError(t, err)
	entities.Register("IDEE_PROJET", env.ideas)
	entities.Register("PROJET", repository.NewMemoryEntityStore())
	env.entities = entities

	env.steps = NewStepRegistry(env.stepStore, nil, nil, log)
	env.audit = NewAuditTrail(env.auditStore, log)
	env.matcher = NewAbacMatcher(env.ruleStore, config.PolicyPermitAuthenticated, nil, log)
	env.rules = NewAbacRuleService(env.ruleStore, env.matcher, nil, log)
	env.executor = NewTransitionExecutor(env.steps, entities, env.audit, env.notifier, nil, log)
	return env
}

func (env *testEnv) mustCreateStep(t *testing.T, step *repository.WorkflowStep) *repository.WorkflowStep {
	t.Helper()
	created, err := env.steps.Create(context.Background(), step)
	require.NoError(t, err)
	return created
}

func mat01() *repository.WorkflowStep {
	return &repository.WorkflowStep{
		Module:      repository.ModuleMaturation,
		Code:        "MAT-01",
		Name:        "Soumission",
		Order:       1,
		SourceState: "BROUILLON",
		TargetState: "SOUMIS",
		Active:      true,
	}
}
