package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/database"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// WorkflowAuditRepository appends and reads immutable workflow audit entries.
type WorkflowAuditRepository struct {
	db *database.DB
}

// NewWorkflowAuditRepository creates a new WorkflowAuditRepository.
func NewWorkflowAuditRepository(db *database.DB) *WorkflowAuditRepository {
	return &WorkflowAuditRepository{db: db}
}

// Append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *WorkflowAuditRepository) Append(ctx context.Context, rec *AuditRecord) error {
	return appendAudit(ctx, r.db.QueryRow, rec)
}

func appendAudit(ctx context.Context, queryRow queryRowFunc, rec *AuditRecord) error {
	query := `
		INSERT INTO workflow_audit
		    (entity_type, entity_id, module, step_id,
		     state_before, state_after, action, comment,
		     performed_by)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9)
		RETURNING id, seq, performed_at
	`

	err := queryRow(ctx, query,
		rec.EntityType,
		rec.EntityID,
		string(rec.Module),
		rec.StepID,
		rec.StateBefore,
		rec.StateAfter,
		rec.Action,
		rec.Comment,
		rec.ActingUserID,
	).Scan(&rec.ID, &rec.Seq, &rec.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// Query returns the history of one entity ordered oldest-first.
func (r *WorkflowAuditRepository) Query(ctx context.Context, entityType, entityID string) ([]*AuditRecord, error) {
	query := `
		SELECT id, seq, entity_type, entity_id, module, step_id,
		       state_before, state_after, action, comment,
		       performed_by, performed_at
		FROM workflow_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*AuditRecord, error) {
	var records []*AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit trail")
	}
	return records, nil
}

func scanAudit(row rowScanner) (*AuditRecord, error) {
	rec := &AuditRecord{}
	var module string
	err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&rec.EntityType,
		&rec.EntityID,
		&module,
		&rec.StepID,
		&rec.StateBefore,
		&rec.StateAfter,
		&rec.Action,
		&rec.Comment,
		&rec.ActingUserID,
		&rec.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}
	rec.Module = Module(module)
	return rec, nil
}
