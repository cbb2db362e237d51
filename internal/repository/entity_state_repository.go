package repository

import (
	"context"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/database"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// ErrStateConflict is returned by SetState when the stored state no longer
// matches the expected one.
var ErrStateConflict = errors.Conflict("entity state changed concurrently")

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// EntityStateRepository reads and compare-and-sets the workflow columns of one
// business table. Every workflow-driven table carries "statut" and
// "workflow_etape_code" columns.
type EntityStateRepository struct {
	db    *database.DB
	table string
}

// NewEntityStateRepository creates an adapter over the given table.
func NewEntityStateRepository(db *database.DB, table string) (*EntityStateRepository, error) {
	if !tableName.MatchString(table) {
		return nil, errors.InvalidInput("table", "invalid table name "+table)
	}
	return &EntityStateRepository{db: db, table: table}, nil
}

// GetState returns the current state of one record.
func (r *EntityStateRepository) GetState(ctx context.Context, entityType, entityID string) (EntityState, error) {
	query := `SELECT statut, COALESCE(workflow_etape_code, '') FROM ` + r.table + ` WHERE id = $1`

	var st EntityState
	err := r.db.QueryRow(ctx, query, entityID).Scan(&st.State, &st.StepCode)
	if err == pgx.ErrNoRows {
		return EntityState{}, errors.NotFound(entityType, entityID)
	}
	if err != nil {
		return EntityState{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to get entity state")
	}
	return st, nil
}

func (r *EntityStateRepository) setStateQuery() string {
	return `
		UPDATE ` + r.table + `
		SET statut              = $3,
		    workflow_etape_code = NULLIF($4, ''),
		    updated_at          = NOW()
		WHERE id = $1 AND statut = $2
	`
}

// SetState moves a record from expected to newState. It fails with
// ErrStateConflict when another writer got there first.
func (r *EntityStateRepository) SetState(ctx context.Context, entityType, entityID, expected, newState, stepCode string) error {
	tag, err := r.db.Exec(ctx, r.setStateQuery(), entityID, expected, newState, stepCode)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set entity state")
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ApplyTransition moves a record from expected to newState and appends rec
// to workflow_audit in the same transaction. The record row is locked first,
// so transitions of one entity commit, and are audited, one after another
// across every replica. rec.StateBefore is set to the locked state.
func (r *EntityStateRepository) ApplyTransition(ctx context.Context, entityType, entityID, expected, newState, stepCode string, rec *AuditRecord) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT statut FROM `+r.table+` WHERE id = $1 FOR UPDATE`, entityID).Scan(&current)
		if err == pgx.ErrNoRows {
			return errors.NotFound(entityType, entityID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock entity")
		}
		if current != expected {
			return ErrStateConflict
		}

		if _, err := tx.Exec(ctx, r.setStateQuery(), entityID, expected, newState, stepCode); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to set entity state")
		}
		rec.StateBefore = current
		rec.StateAfter = newState
		return appendAudit(ctx, tx.QueryRow, rec)
	})
}
