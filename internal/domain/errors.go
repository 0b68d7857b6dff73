package domain

import "errors"

// Sentinel errors for the compliance pipeline. Callers discriminate with
// errors.Is; lower layers wrap these with fmt.Errorf("%w: ...").
var (
	// ErrUnauthorized is returned when the caller of an admin action is not
	// the configured compliance authority.
	ErrUnauthorized = errors.New("caller is not the compliance authority")

	// ErrOracleUnavailable is returned when the price oracle cannot produce
	// a USD conversion. Evaluation aborts without mutating the profile.
	ErrOracleUnavailable = errors.New("price oracle unavailable")

	// ErrProfileNotFound is returned when no risk profile exists for a user.
	ErrProfileNotFound = errors.New("risk profile not found")

	// ErrDuplicateProfile is returned when registering a user that already
	// has a profile.
	ErrDuplicateProfile = errors.New("risk profile already registered")

	// ErrInvalidConfiguration is returned when a compliance configuration
	// fails validation (zero thresholds, missing authority).
	ErrInvalidConfiguration = errors.New("invalid compliance configuration")

	// ErrModuleInactive is returned when evaluation is requested for a
	// tenant whose compliance module is switched off.
	ErrModuleInactive = errors.New("compliance module is inactive")

	// ErrNotFound is the generic not-found error for stored records.
	ErrNotFound = errors.New("record not found")
)
