// Package repository provides PostgreSQL-backed persistence for feature
// flags, subject group memberships, API keys, and the audit log. All flag
// rows are scoped by environment; lookups that find no row return
// pgx.ErrNoRows (wrapped) so callers can translate it to their own
// not-found sentinel.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisai/flaggate/internal/core"
)

// PostgresRepository implements flag, group membership, API key, and audit
// log persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const flagColumns = `environment, key, name, description, enabled, rollout_percentage,
		targeted_subject_ids, targeted_groups, excluded_subject_ids, context_filters,
		start_date, end_date, created_at, updated_at, created_by`

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	filters, err := marshalFilters(flag.ContextFilters)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("encode context filters: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO flags (environment, key, name, description, enabled, rollout_percentage,
			targeted_subject_ids, targeted_groups, excluded_subject_ids, context_filters,
			start_date, end_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+flagColumns,
		flag.Environment,
		flag.Key,
		flag.Name,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		stringList(flag.TargetedSubjectIDs),
		stringList(flag.TargetedGroups),
		stringList(flag.ExcludedSubjectIDs),
		filters,
		flag.StartDate,
		flag.EndDate,
		flag.CreatedBy,
	)

	created, err := scanFlag(row)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by environment and key
// and returns the updated record. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	filters, err := marshalFilters(flag.ContextFilters)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("encode context filters: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE flags
		SET name = $3,
		    description = $4,
		    enabled = $5,
		    rollout_percentage = $6,
		    targeted_subject_ids = $7,
		    targeted_groups = $8,
		    excluded_subject_ids = $9,
		    context_filters = $10,
		    start_date = $11,
		    end_date = $12,
		    updated_at = NOW()
		WHERE environment = $1 AND key = $2
		RETURNING `+flagColumns,
		flag.Environment,
		flag.Key,
		flag.Name,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		stringList(flag.TargetedSubjectIDs),
		stringList(flag.TargetedGroups),
		stringList(flag.ExcludedSubjectIDs),
		filters,
		flag.StartDate,
		flag.EndDate,
	)

	updated, err := scanFlag(row)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// ToggleFlag flips the enabled column of an existing flag in one statement,
// so a concurrent UpdateFlag can land before or after but never inside the
// flip. Returns pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) ToggleFlag(ctx context.Context, environment, key string) (core.FlagRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE flags
		SET enabled = NOT enabled,
		    updated_at = NOW()
		WHERE environment = $1 AND key = $2
		RETURNING `+flagColumns,
		environment,
		key,
	)

	toggled, err := scanFlag(row)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("toggle flag: %w", err)
	}

	return toggled, nil
}

// GetFlag retrieves a single flag by its environment and key. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, environment, key string) (core.FlagRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE environment = $1 AND key = $2
	`, environment, key)

	flag, err := scanFlag(row)
	if err != nil {
		return core.FlagRecord{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags in the given environment ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context, environment string) ([]core.FlagRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE environment = $1
		ORDER BY key
	`, environment)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]core.FlagRecord, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by environment and key. Returns pgx.ErrNoRows
// (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, environment, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE environment = $1 AND key = $2`, environment, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

// GetGroupsForSubject returns the group names the subject belongs to, in
// stable order. An unknown subject yields an empty slice, not an error.
func (r *PostgresRepository) GetGroupsForSubject(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT group_name
		FROM subject_groups
		WHERE subject_id = $1
		ORDER BY group_name
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("get subject groups: %w", err)
	}
	defer rows.Close()

	groups := make([]string, 0)
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan subject group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get subject groups rows: %w", err)
	}

	return groups, nil
}

// AddSubjectToGroup records a group membership. Adding an existing
// membership is a no-op.
func (r *PostgresRepository) AddSubjectToGroup(ctx context.Context, subjectID, group string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subject_groups (subject_id, group_name)
		VALUES ($1, $2)
		ON CONFLICT (subject_id, group_name) DO NOTHING
	`, subjectID, group)
	if err != nil {
		return fmt.Errorf("add subject to group: %w", err)
	}

	return nil
}

// RemoveSubjectFromGroup deletes a group membership. Returns pgx.ErrNoRows
// (wrapped) if the membership does not exist.
func (r *PostgresRepository) RemoveSubjectFromGroup(ctx context.Context, subjectID, group string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM subject_groups WHERE subject_id = $1 AND group_name = $2
	`, subjectID, group)
	if err != nil {
		return fmt.Errorf("remove subject from group: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("remove subject from group: %w", pgx.ErrNoRows)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (core.FlagRecord, error) {
	var (
		flag    core.FlagRecord
		filters []byte
	)
	if err := row.Scan(
		&flag.Environment,
		&flag.Key,
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.RolloutPercentage,
		&flag.TargetedSubjectIDs,
		&flag.TargetedGroups,
		&flag.ExcludedSubjectIDs,
		&filters,
		&flag.StartDate,
		&flag.EndDate,
		&flag.CreatedAt,
		&flag.UpdatedAt,
		&flag.CreatedBy,
	); err != nil {
		return core.FlagRecord{}, err
	}

	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &flag.ContextFilters); err != nil {
			return core.FlagRecord{}, fmt.Errorf("decode context filters: %w", err)
		}
	}

	return flag, nil
}

func marshalFilters(filters map[string]any) ([]byte, error) {
	if len(filters) == 0 {
		return []byte("{}"), nil
	}

	return json.Marshal(filters)
}

// stringList normalizes nil to an empty slice so TEXT[] columns never store
// NULL.
func stringList(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}
