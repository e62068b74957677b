package server

import (
	"context"

	"github.com/jurisai/flaggate/internal/core"
	"github.com/jurisai/flaggate/internal/engine"
	"github.com/jurisai/flaggate/internal/repository"
)

// FlagService is the evaluation and administration surface the HTTP layer
// consumes.
type FlagService interface {
	IsEnabled(ctx context.Context, flagKey string, subject core.Subject) bool
	GetAllFlagsForSubject(ctx context.Context, subject core.Subject) map[string]bool
	CreateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error)
	UpdateFlag(ctx context.Context, flag core.FlagRecord) (core.FlagRecord, error)
	ToggleFlag(ctx context.Context, key, actor string) (core.FlagRecord, error)
	DeleteFlag(ctx context.Context, key, actor string) error
	GetFlag(ctx context.Context, key string) (core.FlagRecord, error)
	ListFlags(ctx context.Context) ([]core.FlagRecord, error)
}

var _ FlagService = (*engine.Engine)(nil)

// GroupResolver supplies group memberships for subjects that do not send
// their own.
type GroupResolver interface {
	GetGroupsForSubject(ctx context.Context, subjectID string) ([]string, error)
}

// AuditReader lists recorded flag mutations.
type AuditReader interface {
	ListEntries(ctx context.Context, flagKey string, limit, offset int) ([]repository.AuditLogEntry, error)
}

// KeyAdmin manages API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}
