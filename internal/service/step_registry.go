package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-plt-workflow/internal/metrics"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// StepRegistry owns the catalog of workflow steps. Reads are served from an
// immutable, versioned snapshot that is rebuilt after every write and on
// Reload; writes go to the store.
type StepRegistry struct {
	store     StepStore
	broadcast ChangeBroadcaster
	metrics   *metrics.Recorder
	log       *logger.Logger

	writeMu sync.Mutex
	catalog atomic.Pointer[stepCatalog]
	version atomic.Uint64
	reloads singleflight.Group
}

type stepKey struct {
	module repository.Module
	code   string
}

type stepCatalog struct {
	version  uint64
	byID     map[string]*repository.WorkflowStep
	byKey    map[stepKey]*repository.WorkflowStep
	byModule map[repository.Module][]*repository.WorkflowStep // ascending order
}

// NewStepRegistry creates a new StepRegistry. broadcast and m may be nil.
func NewStepRegistry(store StepStore, broadcast ChangeBroadcaster, m *metrics.Recorder, log *logger.Logger) *StepRegistry {
	if broadcast == nil {
		broadcast = nopBroadcaster{}
	}
	return &StepRegistry{
		store:     store,
		broadcast: broadcast,
		metrics:   m,
		log:       log.Component("step_registry"),
	}
}

// ── reads ─────────────────────────────────────────────────────────────────────

// List returns steps ordered by module then order.
func (r *StepRegistry) List(ctx context.Context, filter repository.StepFilter) ([]*repository.WorkflowStep, error) {
	if filter.Module != "" && !filter.Module.Valid() {
		return nil, errors.InvalidInput("module", "unknown module "+string(filter.Module))
	}
	cat, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	modules := repository.Modules
	if filter.Module != "" {
		modules = []repository.Module{filter.Module}
	}
	out := []*repository.WorkflowStep{}
	for _, m := range modules {
		for _, step := range cat.byModule[m] {
			if filter.ActiveOnly && !step.Active {
				continue
			}
			out = append(out, cloneStep(step))
		}
	}
	return out, nil
}

// GetByID returns one step.
func (r *StepRegistry) GetByID(ctx context.Context, id string) (*repository.WorkflowStep, error) {
	cat, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	step, ok := cat.byID[id]
	if !ok {
		return nil, errors.NotFound("workflow_step", id)
	}
	return cloneStep(step), nil
}

// GetByCode returns the step identified by (module, code).
func (r *StepRegistry) GetByCode(ctx context.Context, module repository.Module, code string) (*repository.WorkflowStep, error) {
	cat, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	step, ok := cat.byKey[stepKey{module, code}]
	if !ok {
		return nil, errors.NotFound("workflow_step", string(module)+"/"+code)
	}
	return cloneStep(step), nil
}

// GetAvailableSteps returns, in ascending order, the active steps of module
// whose source state is currentState.
func (r *StepRegistry) GetAvailableSteps(ctx context.Context, module repository.Module, currentState string) ([]*repository.WorkflowStep, error) {
	if !module.Valid() {
		return nil, errors.InvalidInput("module", "unknown module "+string(module))
	}
	cat, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []*repository.WorkflowStep{}
	for _, step := range cat.byModule[module] {
		if step.Active && step.SourceState == currentState {
			out = append(out, cloneStep(step))
		}
	}
	return out, nil
}

// Version returns the version of the current catalog snapshot.
func (r *StepRegistry) Version() uint64 {
	if cat := r.catalog.Load(); cat != nil {
		return cat.version
	}
	return 0
}

// lookup is the executor's hot path; it does not copy.
func (r *StepRegistry) lookup(ctx context.Context, module repository.Module, code string) (*repository.WorkflowStep, error) {
	cat, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return cat.byKey[stepKey{module, code}], nil
}

// ── writes ────────────────────────────────────────────────────────────────────

// Create validates and stores a new step.
func (r *StepRegistry) Create(ctx context.Context, step *repository.WorkflowStep) (*repository.WorkflowStep, error) {
	normalizeStep(step)
	if err := ValidateStep(step); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	step.ID = ""
	if err := r.checkUnique(ctx, step); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, step); err != nil {
		return nil, err
	}
	r.afterWrite(ctx)

	r.log.Info().
		Str("step_id", step.ID).
		Str("module", string(step.Module)).
		Str("code", step.Code).
		Msg("Workflow step created")
	return step, nil
}

// Update replaces the definition of step id.
func (r *StepRegistry) Update(ctx context.Context, id string, step *repository.WorkflowStep) (*repository.WorkflowStep, error) {
	normalizeStep(step)
	if err := ValidateStep(step); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	step.ID = id
	if err := r.checkUnique(ctx, step); err != nil {
		return nil, err
	}
	if err := r.store.Update(ctx, step); err != nil {
		return nil, err
	}
	r.afterWrite(ctx)

	r.log.Info().
		Str("step_id", id).
		Str("module", string(step.Module)).
		Str("code", step.Code).
		Bool("active", step.Active).
		Msg("Workflow step updated")
	return step, nil
}

// Delete removes step id. Existing audit records keep their history.
func (r *StepRegistry) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.afterWrite(ctx)

	r.log.Info().Str("step_id", id).Msg("Workflow step deleted")
	return nil
}

// checkUnique enforces (module, code) and (module, order) uniqueness against
// the store rather than the snapshot, which may lag other replicas.
func (r *StepRegistry) checkUnique(ctx context.Context, step *repository.WorkflowStep) error {
	existing, err := r.store.List(ctx, repository.StepFilter{Module: step.Module})
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == step.ID {
			continue
		}
		if other.Code == step.Code {
			return errors.InvalidInput("code", "step code "+step.Code+" already used in module "+string(step.Module))
		}
		if other.Order == step.Order {
			return errors.InvalidInput("order",
				"order "+strconv.Itoa(step.Order)+" already used by step "+other.Code+" in module "+string(step.Module))
		}
	}
	return nil
}

func (r *StepRegistry) afterWrite(ctx context.Context) {
	if err := r.rebuild(ctx); err != nil {
		// The write is committed; the next reload picks it up.
		r.log.Warn().Err(err).Msg("Failed to rebuild step catalog after write")
	}
	r.broadcast.BroadcastChange(ctx, ChangeSteps)
}

// ── snapshot maintenance ──────────────────────────────────────────────────────

// Reload rebuilds the catalog from the store. Concurrent callers share one
// rebuild, which is not cancelled with the caller that started it.
func (r *StepRegistry) Reload(ctx context.Context) error {
	shared := context.WithoutCancel(ctx)
	_, err, _ := r.reloads.Do("steps", func() (any, error) {
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		return nil, r.rebuild(shared)
	})
	return err
}

// Run reloads the catalog every interval until ctx is done.
func (r *StepRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("Periodic step catalog reload failed")
			}
		}
	}
}

func (r *StepRegistry) snapshot(ctx context.Context) (*stepCatalog, error) {
	if cat := r.catalog.Load(); cat != nil {
		return cat, nil
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r.catalog.Load(), nil
}

// rebuild must be called with writeMu held.
func (r *StepRegistry) rebuild(ctx context.Context) error {
	steps, err := r.store.List(ctx, repository.StepFilter{})
	if err != nil {
		return err
	}
	cat := &stepCatalog{
		version:  r.version.Add(1),
		byID:     make(map[string]*repository.WorkflowStep, len(steps)),
		byKey:    make(map[stepKey]*repository.WorkflowStep, len(steps)),
		byModule: make(map[repository.Module][]*repository.WorkflowStep),
	}
	// The store returns steps ordered by module then order.
	for _, step := range steps {
		cat.byID[step.ID] = step
		cat.byKey[stepKey{step.Module, step.Code}] = step
		cat.byModule[step.Module] = append(cat.byModule[step.Module], step)
	}
	r.catalog.Store(cat)
	r.metrics.SetStepCatalog(cat.version, len(steps))
	return nil
}

// ── validation ────────────────────────────────────────────────────────────────

// ValidateStep checks the field-level constraints of a step definition.
func ValidateStep(step *repository.WorkflowStep) error {
	switch {
	case !step.Module.Valid():
		return errors.InvalidInput("module", "module must be one of MATURATION, PIP, SUIVI")
	case step.Code == "":
		return errors.InvalidInput("code", "code is required")
	case step.Order <= 0:
		return errors.InvalidInput("order", "order must be a positive integer")
	case step.SourceState == "":
		return errors.InvalidInput("sourceState", "source state is required")
	case step.TargetState == "":
		return errors.InvalidInput("targetState", "target state is required")
	case step.DelayDays < 0:
		return errors.InvalidInput("delayDays", "delay cannot be negative")
	}
	return nil
}

func normalizeStep(step *repository.WorkflowStep) {
	step.Module = repository.Module(strings.ToUpper(strings.TrimSpace(string(step.Module))))
	step.Code = strings.TrimSpace(step.Code)
	step.Name = strings.TrimSpace(step.Name)
	step.SourceState = strings.TrimSpace(step.SourceState)
	step.TargetState = strings.TrimSpace(step.TargetState)
	step.RequiredRole = strings.TrimSpace(step.RequiredRole)
	if step.Name == "" {
		step.Name = step.Code
	}
}

func cloneStep(s *repository.WorkflowStep) *repository.WorkflowStep {
	c := *s
	return &c
}
