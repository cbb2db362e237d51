package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/database"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// AbacRuleRepository handles CRUD for abac_rule.
type AbacRuleRepository struct {
	db *database.DB
}

// NewAbacRuleRepository creates a new AbacRuleRepository.
func NewAbacRuleRepository(db *database.DB) *AbacRuleRepository {
	return &AbacRuleRepository{db: db}
}

const ruleColumns = `id, endpoint, action, roles, direction_ids, enabled, created_at, updated_at`

// List returns rules ordered by endpoint then action.
func (r *AbacRuleRepository) List(ctx context.Context, filter RuleFilter) ([]*AbacRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM abac_rule WHERE 1=1`
	var args []any
	if filter.Endpoint != "" {
		args = append(args, filter.Endpoint)
		query += " AND endpoint = $1"
	}
	if filter.EnabledOnly {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY endpoint ASC, action ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list abac rules")
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetByID retrieves a rule by primary key.
func (r *AbacRuleRepository) GetByID(ctx context.Context, id string) (*AbacRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM abac_rule WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("abac_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get abac rule")
	}
	return rule, nil
}

// Create inserts a new rule.
func (r *AbacRuleRepository) Create(ctx context.Context, rule *AbacRule) error {
	return r.insert(ctx, r.db.QueryRow, rule)
}

// Update persists changes to an existing rule.
func (r *AbacRuleRepository) Update(ctx context.Context, rule *AbacRule) error {
	return r.update(ctx, r.db.QueryRow, rule)
}

// Delete removes a rule.
func (r *AbacRuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM abac_rule WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete abac rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("abac_rule", id)
	}
	return nil
}

// SaveGroup applies a batch submission for one endpoint in a single
// transaction. The endpoint's rows are locked first so two editors saving the
// same endpoint are serialized.
func (r *AbacRuleRepository) SaveGroup(ctx context.Context, endpoint string, entries []RuleGroupEntry) ([]RuleChange, error) {
	var changes []RuleChange
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+ruleColumns+` FROM abac_rule WHERE endpoint = $1 FOR UPDATE`, endpoint)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock abac rules")
		}
		current, err := scanRules(rows)
		rows.Close()
		if err != nil {
			return err
		}

		stored := make(map[Action]*AbacRule, len(current))
		for _, rule := range current {
			stored[rule.Action] = rule
		}

		changes, err = ResolveRuleGroup(endpoint, stored, entries)
		if err != nil {
			return err
		}

		for _, change := range changes {
			switch change.Kind {
			case RuleChangeCreate:
				err = r.insert(ctx, tx.QueryRow, change.Rule)
			case RuleChangeUpdate:
				err = r.update(ctx, tx.QueryRow, change.Rule)
			case RuleChangeDelete:
				_, err = tx.Exec(ctx, `DELETE FROM abac_rule WHERE id = $1`, change.Rule.ID)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal,
					"failed to apply "+string(change.Kind)+" for "+string(change.Rule.Action))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

type queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row

func (r *AbacRuleRepository) insert(ctx context.Context, queryRow queryRowFunc, rule *AbacRule) error {
	query := `
		INSERT INTO abac_rule (endpoint, action, roles, direction_ids, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := queryRow(ctx, query,
		rule.Endpoint,
		string(rule.Action),
		nonNil(rule.Roles),
		nonNil(rule.DirectionIDs),
		rule.Enabled,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return errors.InvalidInput("action", "a rule already exists for "+string(rule.Action)+" "+rule.Endpoint)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create abac rule")
	}
	return nil
}

func (r *AbacRuleRepository) update(ctx context.Context, queryRow queryRowFunc, rule *AbacRule) error {
	query := `
		UPDATE abac_rule
		SET endpoint      = $2,
		    action        = $3,
		    roles         = $4,
		    direction_ids = $5,
		    enabled       = $6,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := queryRow(ctx, query,
		rule.ID,
		rule.Endpoint,
		string(rule.Action),
		nonNil(rule.Roles),
		nonNil(rule.DirectionIDs),
		rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("abac_rule", rule.ID)
	}
	if database.IsUniqueViolation(err) {
		return errors.InvalidInput("action", "a rule already exists for "+string(rule.Action)+" "+rule.Endpoint)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update abac rule")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanRule(row rowScanner) (*AbacRule, error) {
	rule := &AbacRule{}
	var action string
	err := row.Scan(
		&rule.ID,
		&rule.Endpoint,
		&action,
		&rule.Roles,
		&rule.DirectionIDs,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Action = Action(action)
	return rule, nil
}

func scanRules(rows pgx.Rows) ([]*AbacRule, error) {
	var rules []*AbacRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan abac rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate abac rules")
	}
	return rules, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
