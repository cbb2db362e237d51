package service

import (
	"context"

	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// StepStore persists workflow step definitions.
// Implemented by repository.WorkflowStepRepository and repository.MemoryStepStore.
type StepStore interface {
	List(ctx context.Context, filter repository.StepFilter) ([]*repository.WorkflowStep, error)
	GetByID(ctx context.Context, id string) (*repository.WorkflowStep, error)
	GetByCode(ctx context.Context, module repository.Module, code string) (*repository.WorkflowStep, error)
	Create(ctx context.Context, step *repository.WorkflowStep) error
	Update(ctx context.Context, step *repository.WorkflowStep) error
	Delete(ctx context.Context, id string) error
	// ImportSteps upserts a catalog by (module, code) atomically, checking the
	// resulting catalog before any write.
	ImportSteps(ctx context.Context, steps []*repository.WorkflowStep) (repository.StepImportResult, error)
}

// RuleStore persists ABAC rules.
// Implemented by repository.AbacRuleRepository and repository.MemoryRuleStore.
type RuleStore interface {
	List(ctx context.Context, filter repository.RuleFilter) ([]*repository.AbacRule, error)
	GetByID(ctx context.Context, id string) (*repository.AbacRule, error)
	Create(ctx context.Context, rule *repository.AbacRule) error
	Update(ctx context.Context, rule *repository.AbacRule) error
	Delete(ctx context.Context, id string) error
	// SaveGroup applies all changes for one endpoint atomically.
	SaveGroup(ctx context.Context, endpoint string, entries []repository.RuleGroupEntry) ([]repository.RuleChange, error)
}

// AuditStore is the append-only transition ledger.
type AuditStore interface {
	Append(ctx context.Context, rec *repository.AuditRecord) error
	Query(ctx context.Context, entityType, entityID string) ([]*repository.AuditRecord, error)
}

// EntityStateStore reads and conditionally writes the workflow state of one
// kind of business record. SetState must fail with repository.ErrStateConflict
// when the stored state differs from expected.
type EntityStateStore interface {
	GetState(ctx context.Context, entityType, entityID string) (repository.EntityState, error)
	SetState(ctx context.Context, entityType, entityID, expected, newState, stepCode string) error
}

// TransitionStore is an EntityStateStore that commits the conditional state
// write and its audit record in one transaction. It fails with
// repository.ErrStateConflict, writing nothing, when the stored state differs
// from expected. The executor prefers it over SetState plus a separate append.
// Implemented by repository.EntityStateRepository.
type TransitionStore interface {
	EntityStateStore
	ApplyTransition(ctx context.Context, entityType, entityID, expected, newState, stepCode string, rec *repository.AuditRecord) error
}

var _ TransitionStore = (*repository.EntityStateRepository)(nil)

// TransitionEvent describes an applied transition for downstream notification.
type TransitionEvent struct {
	EntityType   string
	EntityID     string
	Module       repository.Module
	StepCode     string
	StepName     string
	StateBefore  string
	StateAfter   string
	ActingUserID string
	Comment      string
	DelayDays    int
}

// Notifier publishes transition events. Implementations must not block the
// caller for long and must treat delivery failures as non-fatal.
type Notifier interface {
	PublishTransition(ctx context.Context, event TransitionEvent)
}

// ChangeKind names the configuration set that changed.
type ChangeKind string

const (
	ChangeRules ChangeKind = "rules"
	ChangeSteps ChangeKind = "steps"
)

// ChangeBroadcaster tells other replicas that configuration changed so they
// refresh their snapshots without waiting for the next interval.
type ChangeBroadcaster interface {
	BroadcastChange(ctx context.Context, kind ChangeKind)
}

type nopNotifier struct{}

func (nopNotifier) PublishTransition(context.Context, TransitionEvent) {}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastChange(context.Context, ChangeKind) {}
