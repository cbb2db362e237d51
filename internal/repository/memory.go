package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// In-memory stores back the service when STORAGE=memory and in tests. They
// enforce the same uniqueness and ordering guarantees as the Postgres schema.

// ── steps ─────────────────────────────────────────────────────────────────────

// MemoryStepStore is an in-memory workflow_step table.
type MemoryStepStore struct {
	mu    sync.RWMutex
	steps map[string]*WorkflowStep
	now   func() time.Time
}

// NewMemoryStepStore creates an empty step store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{steps: make(map[string]*WorkflowStep), now: time.Now}
}

func (s *MemoryStepStore) List(_ context.Context, filter StepFilter) ([]*WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WorkflowStep
	for _, step := range s.steps {
		if filter.Module != "" && step.Module != filter.Module {
			continue
		}
		if filter.ActiveOnly && !step.Active {
			continue
		}
		c := *step
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (s *MemoryStepStore) GetByID(_ context.Context, id string) (*WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, errors.NotFound("workflow_step", id)
	}
	c := *step
	return &c, nil
}

func (s *MemoryStepStore) GetByCode(_ context.Context, module Module, code string) (*WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, step := range s.steps {
		if step.Module == module && step.Code == code {
			c := *step
			return &c, nil
		}
	}
	return nil, errors.NotFound("workflow_step", string(module)+"/"+code)
}

func (s *MemoryStepStore) Create(_ context.Context, step *WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(step); err != nil {
		return err
	}
	now := s.now().UTC()
	step.ID = uuid.NewString()
	step.CreatedAt, step.UpdatedAt = now, now
	c := *step
	s.steps[step.ID] = &c
	return nil
}

func (s *MemoryStepStore) Update(_ context.Context, step *WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.steps[step.ID]
	if !ok {
		return errors.NotFound("workflow_step", step.ID)
	}
	if err := s.checkUnique(step); err != nil {
		return err
	}
	step.CreatedAt = current.CreatedAt
	step.UpdatedAt = s.now().UTC()
	c := *step
	s.steps[step.ID] = &c
	return nil
}

func (s *MemoryStepStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[id]; !ok {
		return errors.NotFound("workflow_step", id)
	}
	delete(s.steps, id)
	return nil
}

// ImportSteps upserts a catalog under one lock. The whole catalog is checked
// before the first write.
func (s *MemoryStepStore) ImportSteps(_ context.Context, steps []*WorkflowStep) (StepImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make([]*WorkflowStep, 0, len(s.steps))
	for _, step := range s.steps {
		existing = append(existing, step)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })

	changes, err := PlanStepImport(existing, steps)
	if err != nil {
		return StepImportResult{}, err
	}

	var res StepImportResult
	now := s.now().UTC()
	for _, change := range changes {
		step := change.Step
		if change.Update {
			res.Updated++
		} else {
			step.ID = uuid.NewString()
			step.CreatedAt = now
			res.Created++
		}
		step.UpdatedAt = now
		c := *step
		s.steps[step.ID] = &c
	}
	return res, nil
}

// checkUnique mirrors the (module, code) and (module, step_order) constraints.
func (s *MemoryStepStore) checkUnique(step *WorkflowStep) error {
	for id, other := range s.steps {
		if id == step.ID || other.Module != step.Module {
			continue
		}
		if other.Code == step.Code {
			return errors.InvalidInput("code", "step code "+step.Code+" already used in module "+string(step.Module))
		}
		if other.Order == step.Order {
			return errors.InvalidInput("order", "step order already used in module "+string(step.Module))
		}
	}
	return nil
}

// ── abac rules ────────────────────────────────────────────────────────────────

type ruleKey struct {
	endpoint string
	action   Action
}

// MemoryRuleStore is an in-memory abac_rule table.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*AbacRule
	byKey map[ruleKey]string
	now   func() time.Time
}

// NewMemoryRuleStore creates an empty rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules: make(map[string]*AbacRule),
		byKey: make(map[ruleKey]string),
		now:   time.Now,
	}
}

func (s *MemoryRuleStore) List(_ context.Context, filter RuleFilter) ([]*AbacRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AbacRule
	for _, rule := range s.rules {
		if filter.Endpoint != "" && rule.Endpoint != filter.Endpoint {
			continue
		}
		if filter.EnabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

func (s *MemoryRuleStore) GetByID(_ context.Context, id string) (*AbacRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFound("abac_rule", id)
	}
	return cloneRule(rule), nil
}

func (s *MemoryRuleStore) Create(_ context.Context, rule *AbacRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(rule)
}

func (s *MemoryRuleStore) Update(_ context.Context, rule *AbacRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(rule)
}

func (s *MemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(id)
}

// SaveGroup resolves and applies a batch for one endpoint under a single lock,
// so readers never observe a partially applied group.
func (s *MemoryRuleStore) SaveGroup(_ context.Context, endpoint string, entries []RuleGroupEntry) ([]RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(map[Action]*AbacRule)
	for _, action := range Actions {
		if id, ok := s.byKey[ruleKey{endpoint, action}]; ok {
			stored[action] = cloneRule(s.rules[id])
		}
	}

	changes, err := ResolveRuleGroup(endpoint, stored, entries)
	if err != nil {
		return nil, err
	}

	// Resolution already guarantees the writes below cannot collide, so the
	// group either fully applies or (on the error above) not at all.
	for _, change := range changes {
		switch change.Kind {
		case RuleChangeCreate:
			err = s.create(change.Rule)
		case RuleChangeUpdate:
			err = s.update(change.Rule)
		case RuleChangeDelete:
			err = s.delete(change.Rule.ID)
		}
		if err != nil {
			return nil, err
		}
	}
	return changes, nil
}

func (s *MemoryRuleStore) create(rule *AbacRule) error {
	key := ruleKey{rule.Endpoint, rule.Action}
	if _, exists := s.byKey[key]; exists {
		return errors.InvalidInput("action", "a rule already exists for "+string(rule.Action)+" "+rule.Endpoint)
	}
	now := s.now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt, rule.UpdatedAt = now, now
	s.rules[rule.ID] = cloneRule(rule)
	s.byKey[key] = rule.ID
	return nil
}

func (s *MemoryRuleStore) update(rule *AbacRule) error {
	current, ok := s.rules[rule.ID]
	if !ok {
		return errors.NotFound("abac_rule", rule.ID)
	}
	key := ruleKey{rule.Endpoint, rule.Action}
	if id, exists := s.byKey[key]; exists && id != rule.ID {
		return errors.InvalidInput("action", "a rule already exists for "+string(rule.Action)+" "+rule.Endpoint)
	}
	delete(s.byKey, ruleKey{current.Endpoint, current.Action})
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	s.rules[rule.ID] = cloneRule(rule)
	s.byKey[key] = rule.ID
	return nil
}

func (s *MemoryRuleStore) delete(id string) error {
	current, ok := s.rules[id]
	if !ok {
		return errors.NotFound("abac_rule", id)
	}
	delete(s.byKey, ruleKey{current.Endpoint, current.Action})
	delete(s.rules, id)
	return nil
}

func cloneRule(r *AbacRule) *AbacRule {
	c := *r
	c.Roles = slices.Clone(r.Roles)
	c.DirectionIDs = slices.Clone(r.DirectionIDs)
	return &c
}

// ── audit ─────────────────────────────────────────────────────────────────────

type entityKey struct {
	entityType string
	entityID   string
}

// MemoryAuditStore is an append-only in-memory audit log. Timestamps are kept
// strictly increasing per process, bumping a colliding clock reading by 1µs.
type MemoryAuditStore struct {
	mu      sync.Mutex
	records map[entityKey][]*AuditRecord
	seq     int64
	last    time.Time
	now     func() time.Time
}

// NewMemoryAuditStore creates an empty audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make(map[entityKey][]*AuditRecord), now: time.Now}
}

func (s *MemoryAuditStore) Append(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	s.seq++

	rec.ID = uuid.NewString()
	rec.Seq = s.seq
	rec.Timestamp = ts

	c := *rec
	key := entityKey{rec.EntityType, rec.EntityID}
	s.records[key] = append(s.records[key], &c)
	return nil
}

func (s *MemoryAuditStore) Query(_ context.Context, entityType, entityID string) ([]*AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.records[entityKey{entityType, entityID}]
	out := make([]*AuditRecord, len(stored))
	for i, rec := range stored {
		c := *rec
		out[i] = &c
	}
	return out, nil
}

// ── entity state ──────────────────────────────────────────────────────────────

// MemoryEntityStore holds the workflow projection of business records of one
// entity type.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]EntityState
}

// NewMemoryEntityStore creates an empty entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]EntityState)}
}

// Put seeds or overwrites a record.
func (s *MemoryEntityStore) Put(entityID string, st EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityID] = st
}

func (s *MemoryEntityStore) GetState(_ context.Context, entityType, entityID string) (EntityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return EntityState{}, errors.NotFound(entityType, entityID)
	}
	return st, nil
}

func (s *MemoryEntityStore) SetState(_ context.Context, entityType, entityID, expected, newState, stepCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return errors.NotFound(entityType, entityID)
	}
	if st.State != expected {
		return ErrStateConflict
	}
	s.entities[entityID] = EntityState{State: newState, StepCode: stepCode}
	return nil
}
