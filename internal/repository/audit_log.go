package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry records one administrative mutation of a flag.
type AuditLogEntry struct {
	ID          string          `json:"id"`
	Environment string          `json:"environment"`
	Action      string          `json:"action"`
	FlagKey     string          `json:"flag_key"`
	Actor       string          `json:"actor"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditLog writes and reads the audit trail for one environment. It
// satisfies the engine's audit recorder interface.
type AuditLog struct {
	repo        *PostgresRepository
	environment string
}

func NewAuditLog(repo *PostgresRepository, environment string) *AuditLog {
	return &AuditLog{repo: repo, environment: environment}
}

// RecordFlagChange appends one audit entry. Entry IDs are generated
// client-side so the write is a single statement.
func (a *AuditLog) RecordFlagChange(ctx context.Context, action, flagKey, actor string, details []byte) error {
	if len(details) == 0 {
		details = []byte("{}")
	}

	_, err := a.repo.pool.Exec(ctx, `
		INSERT INTO audit_log (id, environment, action, flag_key, actor, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), a.environment, action, flagKey, actor, details)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// ListEntries returns audit entries for the log's environment, newest
// first. A flagKey narrows the result to one flag; empty means all flags.
func (a *AuditLog) ListEntries(ctx context.Context, flagKey string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := a.repo.pool.Query(ctx, `
		SELECT id, environment, action, flag_key, actor, details, created_at
		FROM audit_log
		WHERE environment = $1
		  AND ($2 = '' OR flag_key = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, a.environment, flagKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var entry AuditLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.Environment,
			&entry.Action,
			&entry.FlagKey,
			&entry.Actor,
			&entry.Details,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries rows: %w", err)
	}

	return entries, nil
}
