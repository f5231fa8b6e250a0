package validation

import (
	"time"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
)

// ValidatePositive validates that an integer value is positive (> 0).
// Returns a ValidationError if the value is not positive.
func ValidatePositive(module, field string, value int) error {
	if value <= 0 {
		return clerrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidatePositiveDuration validates that a duration is greater than zero.
func ValidatePositiveDuration(module, field string, value time.Duration) error {
	if value <= 0 {
		return clerrors.NewValidationError(module, field, value, "must be positive").
			WithHint("use a duration such as 1ms")
	}
	return nil
}

// ValidateNonNegativeDuration validates that a duration is not negative.
func ValidateNonNegativeDuration(module, field string, value time.Duration) error {
	if value < 0 {
		return clerrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive duration")
	}
	return nil
}

// ValidateNotNil validates that an interface value is not nil.
// Returns a ValidationError if the value is nil.
func ValidateNotNil(module, field string, value interface{}) error {
	if value == nil {
		return clerrors.NewValidationError(module, field, nil, "cannot be nil").
			WithHint("provide a valid " + field)
	}
	return nil
}

// ValidateNotEmpty validates that a string value is not empty.
// Returns a ValidationError if the string is empty.
func ValidateNotEmpty(module, field string, value string) error {
	if value == "" {
		return clerrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateUnique validates that a list of names is non-empty, that no name is
// empty and that no name appears twice. Order is preserved by the caller.
func ValidateUnique(module, field string, values []string) error {
	if len(values) == 0 {
		return clerrors.NewValidationError(module, field, values, "cannot be empty").
			WithHint("provide at least one " + field)
	}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if err := ValidateNotEmpty(module, field, v); err != nil {
			return err
		}
		if _, dup := seen[v]; dup {
			return clerrors.NewValidationError(module, field, v, "duplicate value").
				WithHint("each " + field + " may appear only once")
		}
		seen[v] = struct{}{}
	}
	return nil
}
