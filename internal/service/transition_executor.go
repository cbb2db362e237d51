package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-workflow/internal/metrics"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// TransitionRequest asks to move one entity through one step.
type TransitionRequest struct {
	EntityType   string   `json:"entityType"`
	EntityID     string   `json:"entityId"`
	StepCode     string   `json:"stepCode"`
	ActingUserID string   `json:"actingUserId"`
	Roles        []string `json:"roles"`
	Comment      string   `json:"comment,omitempty"`
}

// TransitionExecutor applies configured steps to business records.
type TransitionExecutor struct {
	steps    *StepRegistry
	entities *EntityStoreRegistry
	audit    *AuditTrail
	notifier Notifier
	metrics  *metrics.Recorder
	log      *logger.Logger
	locks    *entityLocks
}

// NewTransitionExecutor creates a new TransitionExecutor. notifier and m may be nil.
func NewTransitionExecutor(
	steps *StepRegistry,
	entities *EntityStoreRegistry,
	audit *AuditTrail,
	notifier Notifier,
	m *metrics.Recorder,
	log *logger.Logger,
) *TransitionExecutor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &TransitionExecutor{
		steps:    steps,
		entities: entities,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		log:      log.Component("transition_executor"),
		locks:    newEntityLocks(),
	}
}

// ExecuteTransition moves the entity from the step's source state to its
// target state and records the move.
//
// It returns false with a nil error when there is nothing to do: the entity
// type or step is unknown, the step is inactive, or the entity is not in the
// step's source state (including losing a race to a concurrent transition).
// A caller lacking the required role gets a PermissionDenied error. When true
// is returned the state write and its audit record are both persisted.
func (e *TransitionExecutor) ExecuteTransition(ctx context.Context, req TransitionRequest) (bool, error) {
	start := time.Now()
	req.EntityType = canonicalType(req.EntityType)
	req.StepCode = strings.TrimSpace(req.StepCode)

	module, known := e.entities.Module(req.EntityType)
	outcome := metrics.OutcomeRejected
	defer func() {
		e.metrics.ObserveTransition(string(module), outcome, time.Since(start))
	}()

	if req.EntityID == "" {
		outcome = metrics.OutcomeError
		return false, errors.InvalidInput("entityId", "entity id is required")
	}
	if req.ActingUserID == "" {
		outcome = metrics.OutcomeError
		return false, errors.InvalidInput("actingUserId", "acting user is required")
	}

	// 1. resolve step
	if !known {
		e.log.Debug().Str("entity_type", req.EntityType).Msg("Transition on unmapped entity type")
		return false, nil
	}
	step, err := e.steps.lookup(ctx, module, req.StepCode)
	if err != nil {
		outcome = metrics.OutcomeError
		return false, err
	}
	if step == nil || !step.Active {
		e.log.Debug().
			Str("module", string(module)).
			Str("step_code", req.StepCode).
			Msg("Transition on missing or inactive step")
		return false, nil
	}

	// 2. role check
	if err := checkStepRole(step, req.Roles); err != nil {
		outcome = metrics.OutcomeDenied
		e.log.Info().
			Str("entity_type", req.EntityType).
			Str("entity_id", req.EntityID).
			Str("step_code", step.Code).
			Str("user_id", req.ActingUserID).
			Msg("Transition denied")
		return false, err
	}

	store, ok := e.entities.Store(req.EntityType)
	if !ok {
		outcome = metrics.OutcomeError
		return false, errors.New(errors.ErrCodeInternal, "no state store registered for "+req.EntityType)
	}

	// 3-5 under the entity lock
	rec, applied, err := e.apply(ctx, store, module, step, req)
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
		return false, err
	case !applied:
		outcome = metrics.OutcomeConflict
		return false, nil
	}
	outcome = metrics.OutcomeApplied

	e.log.Info().
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("step_code", step.Code).
		Str("state_before", rec.StateBefore).
		Str("state_after", rec.StateAfter).
		Str("user_id", req.ActingUserID).
		Str("audit_id", rec.ID).
		Msg("Transition applied")

	// 6. notify (non-fatal)
	if step.NotifyByEmail {
		e.notifier.PublishTransition(ctx, TransitionEvent{
			EntityType:   req.EntityType,
			EntityID:     req.EntityID,
			Module:       module,
			StepCode:     step.Code,
			StepName:     step.Name,
			StateBefore:  rec.StateBefore,
			StateAfter:   rec.StateAfter,
			ActingUserID: req.ActingUserID,
			Comment:      req.Comment,
			DelayDays:    step.DelayDays,
		})
	}
	return true, nil
}

// apply runs the read-compare-write-audit sequence while holding the entity
// lock. applied is false when the entity is not in the step's source state.
func (e *TransitionExecutor) apply(
	ctx context.Context,
	store EntityStateStore,
	module repository.Module,
	step *repository.WorkflowStep,
	req TransitionRequest,
) (*repository.AuditRecord, bool, error) {
	unlock := e.locks.lock(req.EntityType, req.EntityID)
	defer unlock()

	current, err := store.GetState(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, false, err
	}
	if current.State != step.SourceState {
		e.log.Debug().
			Str("entity_id", req.EntityID).
			Str("state", current.State).
			Str("expected", step.SourceState).
			Msg("Transition skipped: state mismatch")
		return nil, false, nil
	}

	stepID := step.ID
	rec := &repository.AuditRecord{
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Module:       module,
		StepID:       &stepID,
		StateBefore:  current.State,
		StateAfter:   step.TargetState,
		Action:       step.Code,
		Comment:      req.Comment,
		ActingUserID: req.ActingUserID,
	}

	if ts, ok := store.(TransitionStore); ok {
		if err := prepareAudit(rec); err != nil {
			return nil, false, err
		}
		err := ts.ApplyTransition(ctx, req.EntityType, req.EntityID, step.SourceState, step.TargetState, step.Code, rec)
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		e.audit.appended(rec)
		return rec, true, nil
	}

	// Without a transactional store the write is undone if the append fails.
	err = store.SetState(ctx, req.EntityType, req.EntityID, step.SourceState, step.TargetState, step.Code)
	if errors.Is(err, repository.ErrStateConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := e.audit.Append(ctx, rec); err != nil {
		// Undo the state write so no transition exists without its record.
		undoCtx := context.WithoutCancel(ctx)
		if cerr := store.SetState(undoCtx, req.EntityType, req.EntityID,
			step.TargetState, current.State, current.StepCode); cerr != nil {
			e.log.Error().Err(cerr).
				Str("entity_type", req.EntityType).
				Str("entity_id", req.EntityID).
				Str("step_code", step.Code).
				Msg("Failed to revert state after audit failure")
		}
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record transition")
	}
	return rec, true, nil
}

func checkStepRole(step *repository.WorkflowStep, roles []string) error {
	if len(roles) == 0 {
		return errors.PermissionDenied("an authenticated role is required for step " + step.Code)
	}
	if step.RequiredRole != "" && !slices.Contains(roles, step.RequiredRole) {
		return errors.PermissionDenied("role " + step.RequiredRole + " is required for step " + step.Code)
	}
	return nil
}
