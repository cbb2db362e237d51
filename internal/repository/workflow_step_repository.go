package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/database"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// WorkflowStepRepository handles CRUD for workflow_step.
type WorkflowStepRepository struct {
	db *database.DB
}

// NewWorkflowStepRepository creates a new WorkflowStepRepository.
func NewWorkflowStepRepository(db *database.DB) *WorkflowStepRepository {
	return &WorkflowStepRepository{db: db}
}

const stepColumns = `
	id, module, code, name, description, step_order,
	source_state, target_state, required_role, delay_days,
	notify_by_email, active, created_at, updated_at
`

// List returns steps ordered by module then step_order.
func (r *WorkflowStepRepository) List(ctx context.Context, filter StepFilter) ([]*WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_step WHERE 1=1`
	var args []any
	if filter.Module != "" {
		args = append(args, string(filter.Module))
		query += " AND module = $1"
	}
	if filter.ActiveOnly {
		query += " AND active = TRUE"
	}
	query += " ORDER BY module ASC, step_order ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow steps")
	}
	return steps, nil
}

// GetByID retrieves a step by primary key.
func (r *WorkflowStepRepository) GetByID(ctx context.Context, id string) (*WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_step WHERE id = $1`

	step, err := scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_step", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step")
	}
	return step, nil
}

// GetByCode retrieves a step by its natural key.
func (r *WorkflowStepRepository) GetByCode(ctx context.Context, module Module, code string) (*WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_step WHERE module = $1 AND code = $2`

	step, err := scanStep(r.db.QueryRow(ctx, query, string(module), code))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_step", string(module)+"/"+code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step")
	}
	return step, nil
}

// Create inserts a new step.
func (r *WorkflowStepRepository) Create(ctx context.Context, step *WorkflowStep) error {
	return insertStep(ctx, r.db.QueryRow, step)
}

// Update persists changes to an existing step.
func (r *WorkflowStepRepository) Update(ctx context.Context, step *WorkflowStep) error {
	return updateStep(ctx, r.db.QueryRow, step)
}

// ImportSteps upserts a catalog in one transaction. The (module, step_order)
// constraint is deferred to commit so steps can trade orders.
func (r *WorkflowStepRepository) ImportSteps(ctx context.Context, steps []*WorkflowStep) (StepImportResult, error) {
	var res StepImportResult
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS workflow_step_module_order_key DEFERRED`); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to defer step order constraint")
		}

		rows, err := tx.Query(ctx, `SELECT `+stepColumns+` FROM workflow_step ORDER BY module, step_order FOR UPDATE`)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow steps")
		}
		var existing []*WorkflowStep
		for rows.Next() {
			step, err := scanStep(rows)
			if err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
			}
			existing = append(existing, step)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow steps")
		}

		changes, err := PlanStepImport(existing, steps)
		if err != nil {
			return err
		}
		res = StepImportResult{}
		for _, change := range changes {
			if change.Update {
				err = updateStep(ctx, tx.QueryRow, change.Step)
				res.Updated++
			} else {
				err = insertStep(ctx, tx.QueryRow, change.Step)
				res.Created++
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if database.IsUniqueViolation(err) {
		return StepImportResult{}, errors.InvalidInput("order", "step code or order already used")
	}
	if err != nil {
		return StepImportResult{}, err
	}
	return res, nil
}

func insertStep(ctx context.Context, queryRow queryRowFunc, step *WorkflowStep) error {
	query := `
		INSERT INTO workflow_step
		    (module, code, name, description, step_order,
		     source_state, target_state, required_role, delay_days,
		     notify_by_email, active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := queryRow(ctx, query,
		string(step.Module),
		step.Code,
		step.Name,
		step.Description,
		step.Order,
		step.SourceState,
		step.TargetState,
		step.RequiredRole,
		step.DelayDays,
		step.NotifyByEmail,
		step.Active,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return errors.InvalidInput("code", "step code or order already used in module "+string(step.Module))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
	}
	return nil
}

func updateStep(ctx context.Context, queryRow queryRowFunc, step *WorkflowStep) error {
	query := `
		UPDATE workflow_step
		SET module          = $2,
		    code            = $3,
		    name            = $4,
		    description     = $5,
		    step_order      = $6,
		    source_state    = $7,
		    target_state    = $8,
		    required_role   = $9,
		    delay_days      = $10,
		    notify_by_email = $11,
		    active          = $12,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`

	err := queryRow(ctx, query,
		step.ID,
		string(step.Module),
		step.Code,
		step.Name,
		step.Description,
		step.Order,
		step.SourceState,
		step.TargetState,
		step.RequiredRole,
		step.DelayDays,
		step.NotifyByEmail,
		step.Active,
	).Scan(&step.CreatedAt, &step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_step", step.ID)
	}
	if database.IsUniqueViolation(err) {
		return errors.InvalidInput("code", "step code or order already used in module "+string(step.Module))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow step")
	}
	return nil
}

// Delete removes a step. Audit rows keep their history with step_id set to NULL.
func (r *WorkflowStepRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_step WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow step")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_step", id)
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*WorkflowStep, error) {
	s := &WorkflowStep{}
	var module string
	err := row.Scan(
		&s.ID,
		&module,
		&s.Code,
		&s.Name,
		&s.Description,
		&s.Order,
		&s.SourceState,
		&s.TargetState,
		&s.RequiredRole,
		&s.DelayDays,
		&s.NotifyByEmail,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Module = Module(module)
	return s, nil
}
