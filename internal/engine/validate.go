package engine

import (
	"fmt"
	"math"
	"regexp"

	"github.com/jurisai/flaggate/internal/core"
)

var flagKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

const maxFlagKeyLength = 100

// ValidateFlag checks the invariants of a flag definition. It runs before any
// store write is attempted; a record that fails here is never persisted.
func ValidateFlag(flag core.FlagRecord) error {
	if flag.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidFlag)
	}
	if len(flag.Key) > maxFlagKeyLength {
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidFlag, maxFlagKeyLength)
	}
	if !flagKeyPattern.MatchString(flag.Key) {
		return fmt.Errorf("%w: key %q must be lowercase alphanumeric plus '-' or '_'", ErrInvalidFlag, flag.Key)
	}

	// NaN compares false against both bounds, so it must be rejected first.
	if math.IsNaN(flag.RolloutPercentage) || math.IsInf(flag.RolloutPercentage, 0) {
		return fmt.Errorf("%w: rollout_percentage must be a finite number", ErrInvalidFlag)
	}
	if flag.RolloutPercentage < 0 || flag.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout_percentage %v must be within [0,100]", ErrInvalidFlag, flag.RolloutPercentage)
	}

	if flag.StartDate != nil && flag.EndDate != nil && !flag.EndDate.After(*flag.StartDate) {
		return fmt.Errorf("%w: end_date must be strictly after start_date", ErrInvalidFlag)
	}

	return nil
}
