package core

import "time"

// Evaluate reports whether flag is active for subject right now.
//
// The precedence chain is fixed; the first matching rule short-circuits:
//
//  1. kill switch off          -> false
//  2. outside activation window -> false
//  3. subject excluded          -> false
//  4. a context filter misses   -> false
//  5. subject targeted by ID    -> true
//  6. subject targeted by group -> true
//  7. subject inside rollout    -> true
//  8. otherwise                 -> false
//
// Exclusion and window/context gating are hard constraints and therefore sit
// above explicit inclusion; explicit inclusion is an operator override and
// outranks the probabilistic rollout.
func Evaluate(flag FlagRecord, subject Subject) bool {
	return EvaluateAt(flag, subject, time.Now())
}

// EvaluateAt is Evaluate with an explicit evaluation time.
func EvaluateAt(flag FlagRecord, subject Subject, now time.Time) bool {
	if !flag.Enabled {
		return false
	}

	if !withinWindow(flag.StartDate, flag.EndDate, now) {
		return false
	}

	if containsString(flag.ExcludedSubjectIDs, subject.ID) {
		return false
	}

	if !filtersMatch(flag.ContextFilters, subject.Context) {
		return false
	}

	if containsString(flag.TargetedSubjectIDs, subject.ID) {
		return true
	}

	if anyGroupMatches(flag.TargetedGroups, subject.Groups) {
		return true
	}

	if flag.RolloutPercentage > 0 && float64(Bucket(flag.Key, subject.ID)) < flag.RolloutPercentage {
		return true
	}

	return false
}

// EvaluateAll evaluates every flag against one subject at a single point in
// time, keyed by flag key.
func EvaluateAll(flags []FlagRecord, subject Subject, now time.Time) map[string]bool {
	results := make(map[string]bool, len(flags))

	for _, flag := range flags {
		results[flag.Key] = EvaluateAt(flag, subject, now)
	}

	return results
}

func withinWindow(start, end *time.Time, now time.Time) bool {
	if start != nil && now.Before(*start) {
		return false
	}
	if end != nil && !now.Before(*end) {
		return false
	}

	return true
}

// filtersMatch applies every context filter as a logical AND. A filter whose
// value is a slice matches when the subject's value is a member; any other
// filter value requires equality. A filter with no corresponding context key
// fails the match.
func filtersMatch(filters map[string]any, context map[string]any) bool {
	if len(filters) == 0 {
		return true
	}
	if context == nil {
		return false
	}

	for attribute, expected := range filters {
		actual, ok := context[attribute]
		if !ok {
			return false
		}

		if isSliceValue(expected) {
			if !valueIn(actual, expected) {
				return false
			}
			continue
		}

		if !valuesEqual(actual, expected) {
			return false
		}
	}

	return true
}

func containsString(values []string, target string) bool {
	if target == "" {
		return false
	}

	for _, value := range values {
		if value == target {
			return true
		}
	}

	return false
}

func anyGroupMatches(targeted, groups []string) bool {
	if len(targeted) == 0 || len(groups) == 0 {
		return false
	}

	for _, group := range groups {
		if containsString(targeted, group) {
			return true
		}
	}

	return false
}
