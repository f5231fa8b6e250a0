// Package validation provides common validation utilities for configuration
// parameters across the coreloop library.
//
// Every helper returns a *errors.ValidationError, which unwraps to
// errors.ErrConfiguration so callers can treat any rejected value as a
// configuration failure.
package validation
