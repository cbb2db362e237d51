package repository

import "time"

// ── Domain types for the workflow engine ─────────────────────────────────────

// Module identifies one of the independent business domains sharing the engine.
type Module string

const (
	ModuleMaturation Module = "MATURATION" // project-idea maturation
	ModulePIP        Module = "PIP"        // annual investment-program planning
	ModuleSuivi      Module = "SUIVI"      // execution monitoring
)

// Modules lists every known module in display order.
var Modules = []Module{ModuleMaturation, ModulePIP, ModuleSuivi}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	switch m {
	case ModuleMaturation, ModulePIP, ModuleSuivi:
		return true
	}
	return false
}

// WorkflowStep is an administrator-configured transition from one entity state
// to another within a module.
type WorkflowStep struct {
	ID            string    `json:"id"`
	Module        Module    `json:"module"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Order         int       `json:"order"`
	SourceState   string    `json:"sourceState"`
	TargetState   string    `json:"targetState"`
	RequiredRole  string    `json:"requiredRole,omitempty"` // empty = any authenticated role
	DelayDays     int       `json:"delayDays,omitempty"`    // processing deadline; 0 = none
	NotifyByEmail bool      `json:"notifyByEmail"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StepFilter narrows step listings.
type StepFilter struct {
	Module     Module // empty = all modules
	ActiveOnly bool
}

// AuditRecord is one immutable entry of the transition history.
type AuditRecord struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Module       Module    `json:"module"`
	StepID       *string   `json:"stepId,omitempty"` // nil once the step is deleted
	StateBefore  string    `json:"stateBefore"`
	StateAfter   string    `json:"stateAfter"`
	Action       string    `json:"action"`
	Comment      string    `json:"comment,omitempty"`
	ActingUserID string    `json:"actingUserId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Action is a CRUD verb guarded by ABAC rules.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Actions lists the four CRUD actions in editor order.
var Actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// Valid reports whether a is one of the four CRUD actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// AbacRule restricts one (endpoint, action) pair to a role set and,
// optionally, a set of organizational scopes.
type AbacRule struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Action       Action    `json:"action"`
	Roles        []string  `json:"roles"`
	DirectionIDs []string  `json:"directionIds"` // empty = all scopes
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Configured reports whether the rule restricts anything. A rule without
// roles is treated as absent.
func (r *AbacRule) Configured() bool {
	return len(r.Roles) > 0
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Endpoint    string
	EnabledOnly bool
}

// RuleChangeKind describes one mutation within a rule group.
type RuleChangeKind string

const (
	RuleChangeCreate RuleChangeKind = "created"
	RuleChangeUpdate RuleChangeKind = "updated"
	RuleChangeDelete RuleChangeKind = "deleted"
	RuleChangeSkip   RuleChangeKind = "skipped"
)

// RuleChange is a resolved mutation applied by SaveGroup.
type RuleChange struct {
	Kind RuleChangeKind
	Rule *AbacRule // for deletes only ID/Endpoint/Action are meaningful
}

// EntityState is the workflow-relevant projection of a business record.
type EntityState struct {
	State    string
	StepCode string
}

// RuleGroupEntry is the submitted configuration for one action of an
// endpoint in a batch save. ID is the rule id the editor last saw, if any.
type RuleGroupEntry struct {
	Action       Action   `json:"action"`
	ID           string   `json:"id,omitempty"`
	Roles        []string `json:"roles"`
	DirectionIDs []string `json:"directionIds"`
	Enabled      bool     `json:"enabled"`
}
