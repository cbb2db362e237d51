package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// ActionConfig is the editor's submission for one action of an endpoint.
type ActionConfig = repository.RuleGroupEntry

// GroupChange reports what happened to one action in a group save.
type GroupChange struct {
	Action repository.Action         `json:"action"`
	Kind   repository.RuleChangeKind `json:"kind"`
	RuleID string                    `json:"ruleId,omitempty"`
}

// GroupResult is the outcome of SaveGroup.
type GroupResult struct {
	Endpoint string        `json:"endpoint"`
	Changes  []GroupChange `json:"changes"`
}

// EndpointInfo is one entry of the protected-endpoint reference list.
type EndpointInfo struct {
	Endpoint   string              `json:"endpoint"`
	Configured []repository.Action `json:"configured"`
}

// AbacRuleService administers ABAC rules. Every write goes through the
// matcher so the decision snapshot is rebuilt before the write returns.
type AbacRuleService struct {
	store     RuleStore
	matcher   *AbacMatcher
	broadcast ChangeBroadcaster
	log       *logger.Logger

	endpointsMu sync.RWMutex
	endpoints   map[string]struct{}
}

// NewAbacRuleService creates a new AbacRuleService. broadcast may be nil.
func NewAbacRuleService(store RuleStore, matcher *AbacMatcher, broadcast ChangeBroadcaster, log *logger.Logger) *AbacRuleService {
	if broadcast == nil {
		broadcast = nopBroadcaster{}
	}
	return &AbacRuleService{
		store:     store,
		matcher:   matcher,
		broadcast: broadcast,
		log:       log.Component("abac_rules"),
		endpoints: make(map[string]struct{}),
	}
}

// ── single-rule CRUD ──────────────────────────────────────────────────────────

func (s *AbacRuleService) ListRules(ctx context.Context, filter repository.RuleFilter) ([]*repository.AbacRule, error) {
	if filter.Endpoint != "" {
		filter.Endpoint = NormalizeEndpoint(filter.Endpoint)
	}
	rules, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []*repository.AbacRule{}
	}
	return rules, nil
}

func (s *AbacRuleService) GetRule(ctx context.Context, id string) (*repository.AbacRule, error) {
	return s.store.GetByID(ctx, id)
}

func (s *AbacRuleService) CreateRule(ctx context.Context, rule *repository.AbacRule) (*repository.AbacRule, error) {
	if err := normalizeRule(rule); err != nil {
		return nil, err
	}
	rule.ID = ""
	err := s.matcher.mutate(ctx, func() error { return s.store.Create(ctx, rule) })
	if err != nil {
		return nil, err
	}
	s.broadcast.BroadcastChange(ctx, ChangeRules)

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("endpoint", rule.Endpoint).
		Str("action", string(rule.Action)).
		Strs("roles", rule.Roles).
		Msg("ABAC rule created")
	return rule, nil
}

func (s *AbacRuleService) UpdateRule(ctx context.Context, id string, rule *repository.AbacRule) (*repository.AbacRule, error) {
	if err := normalizeRule(rule); err != nil {
		return nil, err
	}
	rule.ID = id
	err := s.matcher.mutate(ctx, func() error { return s.store.Update(ctx, rule) })
	if err != nil {
		return nil, err
	}
	s.broadcast.BroadcastChange(ctx, ChangeRules)

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("endpoint", rule.Endpoint).
		Str("action", string(rule.Action)).
		Strs("roles", rule.Roles).
		Bool("enabled", rule.Enabled).
		Msg("ABAC rule updated")
	return rule, nil
}

func (s *AbacRuleService) DeleteRule(ctx context.Context, id string) error {
	err := s.matcher.mutate(ctx, func() error { return s.store.Delete(ctx, id) })
	if err != nil {
		return err
	}
	s.broadcast.BroadcastChange(ctx, ChangeRules)

	s.log.Info().Str("rule_id", id).Msg("ABAC rule deleted")
	return nil
}

// ── batch editor ──────────────────────────────────────────────────────────────

// SaveGroup applies up to four per-action configurations for one endpoint as
// a unit. An action submitted with no roles has its rule deleted rather than
// stored as deny-all. Either every change is applied or none is.
func (s *AbacRuleService) SaveGroup(ctx context.Context, endpoint string, configs []ActionConfig) (*GroupResult, error) {
	if endpoint == "" {
		return nil, errors.InvalidInput("endpoint", "endpoint is required")
	}
	endpoint = NormalizeEndpoint(endpoint)
	if len(configs) == 0 {
		return nil, errors.InvalidInput("actions", "at least one action is required")
	}
	if len(configs) > len(repository.Actions) {
		return nil, errors.InvalidInput("actions", "at most one entry per CRUD action")
	}

	entries := make([]repository.RuleGroupEntry, 0, len(configs))
	seen := make(map[repository.Action]bool, len(configs))
	for _, cfg := range configs {
		if !cfg.Action.Valid() {
			return nil, errors.InvalidInput("action", "unknown action "+string(cfg.Action))
		}
		if seen[cfg.Action] {
			return nil, errors.InvalidInput("action", "duplicate entry for "+string(cfg.Action))
		}
		seen[cfg.Action] = true
		cfg.Roles = normalizeSet(cfg.Roles)
		cfg.DirectionIDs = normalizeSet(cfg.DirectionIDs)
		entries = append(entries, cfg)
	}

	var changes []repository.RuleChange
	err := s.matcher.mutate(ctx, func() error {
		var err error
		changes, err = s.store.SaveGroup(ctx, endpoint, entries)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("ABAC rule group rejected")
		return nil, err
	}
	s.broadcast.BroadcastChange(ctx, ChangeRules)

	result := &GroupResult{Endpoint: endpoint, Changes: make([]GroupChange, 0, len(changes))}
	ev := s.log.Info().Str("endpoint", endpoint)
	for _, c := range changes {
		result.Changes = append(result.Changes, GroupChange{Action: c.Rule.Action, Kind: c.Kind, RuleID: c.Rule.ID})
		ev = ev.Str(string(c.Rule.Action), string(c.Kind))
	}
	ev.Msg("ABAC rule group saved")
	return result, nil
}

// ── endpoint reference list ───────────────────────────────────────────────────

// RegisterEndpoints adds protected endpoints known to the routing layer.
func (s *AbacRuleService) RegisterEndpoints(endpoints ...string) {
	s.endpointsMu.Lock()
	defer s.endpointsMu.Unlock()
	for _, e := range endpoints {
		if e != "" {
			s.endpoints[NormalizeEndpoint(e)] = struct{}{}
		}
	}
}

// ListEndpoints returns the registered endpoints plus any endpoint that has
// stored rules, with the actions already configured for each.
func (s *AbacRuleService) ListEndpoints(ctx context.Context) ([]EndpointInfo, error) {
	rules, err := s.store.List(ctx, repository.RuleFilter{})
	if err != nil {
		return nil, err
	}

	configured := make(map[string][]repository.Action)
	s.endpointsMu.RLock()
	for e := range s.endpoints {
		configured[e] = nil
	}
	s.endpointsMu.RUnlock()
	for _, r := range rules {
		if r.Configured() {
			configured[r.Endpoint] = append(configured[r.Endpoint], r.Action)
		} else if _, ok := configured[r.Endpoint]; !ok {
			configured[r.Endpoint] = nil
		}
	}

	out := make([]EndpointInfo, 0, len(configured))
	for e, actions := range configured {
		if actions == nil {
			actions = []repository.Action{}
		}
		out = append(out, EndpointInfo{Endpoint: e, Configured: actions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func normalizeRule(rule *repository.AbacRule) error {
	if rule.Endpoint == "" {
		return errors.InvalidInput("endpoint", "endpoint is required")
	}
	if !rule.Action.Valid() {
		return errors.InvalidInput("action", "action must be one of CREATE, READ, UPDATE, DELETE")
	}
	rule.Endpoint = NormalizeEndpoint(rule.Endpoint)
	rule.Roles = normalizeSet(rule.Roles)
	rule.DirectionIDs = normalizeSet(rule.DirectionIDs)
	return nil
}
