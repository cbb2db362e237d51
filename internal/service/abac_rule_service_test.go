package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

type countingBroadcaster struct {
	kinds []ChangeKind
}

func (b *countingBroadcaster) BroadcastChange(_ context.Context, kind ChangeKind) {
	b.kinds = append(b.kinds, kind)
}

const projetsEndpoint = "/api/v1/projets"

func TestAbacRuleService_CRUDRebuildsMatcher(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bc := &countingBroadcaster{}
	env.rules.broadcast = bc

	req := AccessRequest{Endpoint: projetsEndpoint, Action: repository.ActionCreate, Roles: []string{"AGENT"}}
	assert.True(t, env.matcher.Resolve(ctx, req).Permitted())

	rule, err := env.rules.CreateRule(ctx, &repository.AbacRule{
		Endpoint: "api/v1/projets/",
		Action:   repository.ActionCreate,
		Roles:    []string{" ADMIN ", "ADMIN", "CHEF_PROJET"},
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, projetsEndpoint, rule.Endpoint)
	assert.Equal(t, []string{"ADMIN", "CHEF_PROJET"}, rule.Roles)
	assert.False(t, env.matcher.Resolve(ctx, req).Permitted(), "the next decision sees the new rule")

	rule.Roles = append(rule.Roles, "AGENT")
	_, err = env.rules.UpdateRule(ctx, rule.ID, rule)
	require.NoError(t, err)
	assert.True(t, env.matcher.Resolve(ctx, req).Permitted())

	_, err = env.rules.CreateRule(ctx, &repository.AbacRule{Endpoint: projetsEndpoint, Action: repository.ActionCreate, Roles: []string{"X"}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "one rule per endpoint and action")

	require.NoError(t, env.rules.DeleteRule(ctx, rule.ID))
	assert.Equal(t, MatchNone, env.matcher.Resolve(ctx, req).Match)
	assert.True(t, errors.HasCode(env.rules.DeleteRule(ctx, rule.ID), errors.ErrCodeNotFound))

	assert.Equal(t, []ChangeKind{ChangeRules, ChangeRules, ChangeRules}, bc.kinds)
}

func TestAbacRuleService_CreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.rules.CreateRule(ctx, &repository.AbacRule{Action: repository.ActionRead, Roles: []string{"A"}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = env.rules.CreateRule(ctx, &repository.AbacRule{Endpoint: projetsEndpoint, Action: "PATCH", Roles: []string{"A"}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestAbacRuleService_SaveGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.rules.SaveGroup(ctx, projetsEndpoint, []ActionConfig{
		{Action: repository.ActionCreate, Roles: []string{"CHEF_PROJET"}, Enabled: true},
		{Action: repository.ActionRead, Roles: []string{"AGENT", "CHEF_PROJET"}, Enabled: true},
		{Action: repository.ActionUpdate, Roles: []string{"CHEF_PROJET"}, DirectionIDs: []string{"DIR-NORD"}, Enabled: true},
		{Action: repository.ActionDelete},
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 4)
	ids := make(map[repository.Action]string)
	for _, c := range res.Changes {
		ids[c.Action] = c.RuleID
	}
	assert.Equal(t, repository.RuleChangeCreate, res.Changes[0].Kind)
	assert.Equal(t, repository.RuleChangeSkip, res.Changes[3].Kind)

	agentCreate := AccessRequest{Endpoint: projetsEndpoint, Action: repository.ActionCreate, Roles: []string{"AGENT"}}
	assert.False(t, env.matcher.Resolve(ctx, agentCreate).Permitted())

	// Clearing CREATE's roles removes the rule and restores the default.
	res, err = env.rules.SaveGroup(ctx, projetsEndpoint, []ActionConfig{
		{Action: repository.ActionCreate, ID: ids[repository.ActionCreate]},
		{Action: repository.ActionRead, ID: ids[repository.ActionRead], Roles: []string{"AGENT"}, Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RuleChangeDelete, res.Changes[0].Kind)
	assert.Equal(t, repository.RuleChangeUpdate, res.Changes[1].Kind)
	assert.Equal(t, ids[repository.ActionRead], res.Changes[1].RuleID)

	assert.True(t, env.matcher.Resolve(ctx, agentCreate).Permitted())
	rules, err := env.rules.ListRules(ctx, repository.RuleFilter{Endpoint: projetsEndpoint})
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestAbacRuleService_SaveGroupStaleIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.rules.SaveGroup(ctx, projetsEndpoint, []ActionConfig{
		{Action: repository.ActionRead, Roles: []string{"AGENT"}, Enabled: true},
	})
	require.NoError(t, err)
	before := env.matcher.Version()

	_, err = env.rules.SaveGroup(ctx, projetsEndpoint, []ActionConfig{
		{Action: repository.ActionCreate, Roles: []string{"ADMIN"}, Enabled: true},
		{Action: repository.ActionRead, ID: "someone-elses-rule", Roles: []string{"ADMIN"}, Enabled: true},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	rules, err := env.rules.ListRules(ctx, repository.RuleFilter{Endpoint: projetsEndpoint})
	require.NoError(t, err)
	require.Len(t, rules, 1, "the CREATE entry was not applied")
	assert.Equal(t, []string{"AGENT"}, rules[0].Roles)
	assert.Greater(t, env.matcher.Version(), before)
}

func TestAbacRuleService_SaveGroupValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := map[string][]ActionConfig{
		"no entries":     {},
		"unknown action": {{Action: "PATCH", Roles: []string{"A"}}},
		"duplicate":      {{Action: repository.ActionRead}, {Action: repository.ActionRead}},
		"too many": {
			{Action: repository.ActionCreate}, {Action: repository.ActionRead},
			{Action: repository.ActionUpdate}, {Action: repository.ActionDelete},
			{Action: repository.ActionRead},
		},
	}
	for name, configs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.rules.SaveGroup(ctx, projetsEndpoint, configs)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
		})
	}

	_, err := env.rules.SaveGroup(ctx, "", []ActionConfig{{Action: repository.ActionRead}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestAbacRuleService_ListEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.rules.RegisterEndpoints("/api/v1/workflow/transitions", "/api/v1/projets/", "")

	_, err := env.rules.SaveGroup(ctx, projetsEndpoint, []ActionConfig{
		{Action: repository.ActionRead, Roles: []string{"AGENT"}, Enabled: true},
		{Action: repository.ActionDelete, Roles: []string{"ADMIN"}, Enabled: true},
	})
	require.NoError(t, err)
	_, err = env.rules.CreateRule(ctx, &repository.AbacRule{Endpoint: "/api/v1/pip", Action: repository.ActionRead, Roles: []string{"AGENT"}})
	require.NoError(t, err)

	endpoints, err := env.rules.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 3)

	assert.Equal(t, "/api/v1/pip", endpoints[0].Endpoint)
	assert.Equal(t, projetsEndpoint, endpoints[1].Endpoint)
	assert.ElementsMatch(t, []repository.Action{repository.ActionRead, repository.ActionDelete}, endpoints[1].Configured)
	assert.Equal(t, "/api/v1/workflow/transitions", endpoints[2].Endpoint)
	assert.Empty(t, endpoints[2].Configured)
}
