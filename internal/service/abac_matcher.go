package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-plt-workflow/internal/config"
	"github.com/pesio-ai/be-plt-workflow/internal/metrics"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// Effect is the outcome of an access decision.
type Effect string

const (
	Permit Effect = "PERMIT"
	Deny   Effect = "DENY"
)

// Refresh triggers, used as metric labels.
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerWrite    = "write"
	TriggerRemote   = "remote"
)

// AccessRequest is one permission question.
type AccessRequest struct {
	Endpoint string            `json:"endpoint"`
	Action   repository.Action `json:"action"`
	Roles    []string          `json:"roles"`
	Scopes   []string          `json:"scopes,omitempty"` // caller's direction ids
}

// Decision is the answer to an AccessRequest.
type Decision struct {
	Effect   Effect    `json:"effect"`
	Reason   string    `json:"reason"`
	Match    MatchKind `json:"match"`
	RuleID   string    `json:"ruleId,omitempty"`
	Endpoint string    `json:"ruleEndpoint,omitempty"`
	Version  uint64    `json:"version"`
}

// Permitted reports whether the decision allows the request.
func (d Decision) Permitted() bool { return d.Effect == Permit }

// AbacMatcher resolves access decisions from a cached snapshot of the rule
// table. The snapshot is rebuilt on an interval, after local rule writes and
// when another replica announces a change. Rule writes and rebuilds share one
// mutex, so a reader sees either the rule set before a write or after it.
type AbacMatcher struct {
	rules    RuleStore
	denyBare bool
	metrics  *metrics.Recorder
	log      *logger.Logger

	writeMu   sync.Mutex
	snap      atomic.Pointer[ruleIndex]
	version   atomic.Uint64
	refreshes singleflight.Group
}

// NewAbacMatcher creates a matcher. defaultPolicy decides requests no rule
// covers: config.PolicyPermitAuthenticated permits any caller holding a role,
// config.PolicyDeny denies them.
func NewAbacMatcher(rules RuleStore, defaultPolicy string, m *metrics.Recorder, log *logger.Logger) *AbacMatcher {
	return &AbacMatcher{
		rules:    rules,
		denyBare: defaultPolicy == config.PolicyDeny,
		metrics:  m,
		log:      log.Component("abac_matcher"),
	}
}

// Resolve decides whether the caller may perform action on endpoint.
func (m *AbacMatcher) Resolve(ctx context.Context, req AccessRequest) Decision {
	d := m.resolve(ctx, req)
	m.metrics.ObserveDecision(string(req.Action), string(d.Effect), string(d.Match))
	return d
}

func (m *AbacMatcher) resolve(ctx context.Context, req AccessRequest) Decision {
	idx := m.snap.Load()
	if idx == nil {
		if err := m.Refresh(ctx, TriggerStartup); err != nil {
			m.log.Error().Err(err).Msg("ABAC rules unavailable, denying")
			return Decision{Effect: Deny, Reason: "access rules unavailable", Match: MatchNone}
		}
		idx = m.snap.Load()
	}

	rule, kind := idx.match(req.Endpoint, req.Action)
	if rule == nil {
		d := Decision{Match: MatchNone, Version: idx.version}
		switch {
		case m.denyBare:
			d.Effect, d.Reason = Deny, "no rule configured"
		case len(req.Roles) == 0:
			d.Effect, d.Reason = Deny, "no rule configured and caller has no role"
		default:
			d.Effect, d.Reason = Permit, "no rule configured"
		}
		return d
	}

	d := Decision{
		Match:    kind,
		RuleID:   rule.ID,
		Endpoint: rule.Endpoint,
		Version:  idx.version,
	}
	switch {
	case !intersects(req.Roles, rule.Roles):
		d.Effect, d.Reason = Deny, "caller role not allowed"
	case len(rule.DirectionIDs) > 0 && !intersects(req.Scopes, rule.DirectionIDs):
		d.Effect, d.Reason = Deny, "caller scope not allowed"
	default:
		d.Effect, d.Reason = Permit, "rule matched"
	}
	return d
}

// Version returns the current snapshot version, 0 before the first load.
func (m *AbacMatcher) Version() uint64 {
	if idx := m.snap.Load(); idx != nil {
		return idx.version
	}
	return 0
}

// Refresh rebuilds the snapshot from the store. Concurrent triggers collapse
// into a single rebuild, which is not cancelled with the caller that started
// it.
func (m *AbacMatcher) Refresh(ctx context.Context, trigger string) error {
	shared := context.WithoutCancel(ctx)
	_, err, _ := m.refreshes.Do("rules", func() (any, error) {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return nil, m.rebuild(shared, trigger)
	})
	return err
}

// Run refreshes the snapshot every interval until ctx is done.
func (m *AbacMatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx, TriggerInterval); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("Periodic ABAC refresh failed")
			}
		}
	}
}

// mutate runs a rule write and rebuilds the snapshot before releasing the
// write lock. The snapshot is rebuilt even when fn fails, since a store error
// may follow a partial write.
func (m *AbacMatcher) mutate(ctx context.Context, fn func() error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := fn()
	if rerr := m.rebuild(ctx, TriggerWrite); rerr != nil {
		m.log.Warn().Err(rerr).Msg("Failed to rebuild ABAC snapshot after write")
	}
	return err
}

// rebuild must be called with writeMu held.
func (m *AbacMatcher) rebuild(ctx context.Context, trigger string) error {
	rules, err := m.rules.List(ctx, repository.RuleFilter{EnabledOnly: true})
	if err != nil {
		m.metrics.ObserveRuleRefresh(trigger, err, 0, 0)
		return err
	}
	idx := buildRuleIndex(m.version.Add(1), rules)
	m.snap.Store(idx)
	m.metrics.ObserveRuleRefresh(trigger, nil, idx.version, idx.count)

	m.log.Debug().
		Str("trigger", trigger).
		Uint64("version", idx.version).
		Int("rules", idx.count).
		Msg("ABAC snapshot rebuilt")
	return nil
}
