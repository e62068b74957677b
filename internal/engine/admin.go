package engine

import (
	"context"
	"encoding/json"

	"github.com/jurisai/flaggate/internal/core"
)

// Administrative operations validate first, write to the authoritative store,
// synchronously invalidate derived cache entries, and only then return. They
// propagate the full error taxonomy to the caller: an operator must be told
// when an edit failed or was invalid.

// CreateFlag persists a new flag definition. The flag's environment defaults
// to the engine's own when unset.
func (e *Engine) CreateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	if flag.Environment == "" {
		flag.Environment = e.environment
	}
	if err := ValidateFlag(flag); err != nil {
		return core.FlagRecord{}, err
	}

	created, err := e.store.CreateFlag(ctx, flag)
	if err != nil {
		return core.FlagRecord{}, storeError("create flag", err)
	}

	e.invalidate(ctx, created.Key)
	e.recordAudit(ctx, "create", created.Key, created.CreatedBy, marshalAuditDetails(created))

	e.log.Info("flag created", "flag", created.Key, "environment", created.Environment)
	return created, nil
}

// UpdateFlag replaces the mutable fields of an existing flag.
func (e *Engine) UpdateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error) {
	if flag.Environment == "" {
		flag.Environment = e.environment
	}
	if err := ValidateFlag(flag); err != nil {
		return core.FlagRecord{}, err
	}

	updated, err := e.store.UpdateFlag(ctx, flag)
	if err != nil {
		return core.FlagRecord{}, storeError("update flag", err)
	}

	e.invalidate(ctx, updated.Key)
	e.recordAudit(ctx, "update", updated.Key, flag.CreatedBy, marshalAuditDetails(updated))

	e.log.Info("flag updated", "flag", updated.Key, "enabled", updated.Enabled)
	return updated, nil
}

// ToggleFlag flips the kill switch of an existing flag and returns the
// updated record. The flip is a single store statement so a concurrent edit
// is never overwritten with a stale snapshot.
func (e *Engine) ToggleFlag(ctx context.Context, key, actor string) (core.FlagRecord, error) {
	updated, err := e.store.ToggleFlag(ctx, e.environment, key)
	if err != nil {
		return core.FlagRecord{}, storeError("toggle flag", err)
	}

	e.invalidate(ctx, updated.Key)
	e.recordAudit(ctx, "toggle", updated.Key, actor, marshalAuditDetails(updated))

	e.log.Info("flag toggled", "flag", updated.Key, "enabled", updated.Enabled)
	return updated, nil
}

// DeleteFlag removes a flag definition and every cache entry keyed by it.
func (e *Engine) DeleteFlag(ctx context.Context, key, actor string) error {
	if err := e.store.DeleteFlag(ctx, e.environment, key); err != nil {
		return storeError("delete flag", err)
	}

	e.invalidate(ctx, key)
	e.recordAudit(ctx, "delete", key, actor, nil)

	e.log.Info("flag deleted", "flag", key, "environment", e.environment)
	return nil
}

// GetFlag returns the authoritative definition of one flag, bypassing the
// configuration cache: administrators always see committed state.
func (e *Engine) GetFlag(ctx context.Context, key string) (core.FlagRecord, error) {
	flag, err := e.store.GetFlag(ctx, e.environment, key)
	if err != nil {
		return core.FlagRecord{}, storeError("get flag", err)
	}

	return flag, nil
}

// ListFlags returns every flag definition in the engine's environment.
func (e *Engine) ListFlags(ctx context.Context) ([]core.FlagRecord, error) {
	flags, err := e.store.ListFlags(ctx, e.environment)
	if err != nil {
		return nil, storeError("list flags", err)
	}

	return flags, nil
}

func marshalAuditDetails(flag core.FlagRecord) []byte {
	details, err := json.Marshal(flag)
	if err != nil {
		return nil
	}

	return details
}
