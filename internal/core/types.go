package core

import "time"

// FlagRecord is the authoritative definition of one feature flag. Key is the
// flag's identity and is immutable after creation. All targeting fields are
// optional; absent fields behave as empty collections.
type FlagRecord struct {
	Key                string         `json:"key"`
	Name               string         `json:"name,omitempty"`
	Description        string         `json:"description,omitempty"`
	Enabled            bool           `json:"enabled"`
	RolloutPercentage  float64        `json:"rollout_percentage"`
	TargetedSubjectIDs []string       `json:"targeted_subject_ids,omitempty"`
	TargetedGroups     []string       `json:"targeted_groups,omitempty"`
	ExcludedSubjectIDs []string       `json:"excluded_subject_ids,omitempty"`
	Environment        string         `json:"environment"`
	ContextFilters     map[string]any `json:"context_filters,omitempty"`
	StartDate          *time.Time     `json:"start_date,omitempty"`
	EndDate            *time.Time     `json:"end_date,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	CreatedBy          string         `json:"created_by,omitempty"`
}

// Subject is the entity a flag is evaluated against. ID must be stable across
// calls; bucketing depends on it. Context is supplied per request and never
// persisted.
type Subject struct {
	ID      string         `json:"id"`
	Groups  []string       `json:"groups,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}
