package engine

import "errors"

var (
	// ErrFlagNotFound reports that an administrative operation referenced an
	// unknown flag key.
	ErrFlagNotFound = errors.New("flag not found")

	// ErrInvalidFlag reports a validation failure. Wrapped messages name the
	// failing field and the violated constraint.
	ErrInvalidFlag = errors.New("invalid flag definition")

	// ErrStoreUnavailable reports that the authoritative store could not be
	// reached. Only administrative operations propagate it; the read path
	// fails closed instead.
	ErrStoreUnavailable = errors.New("flag store unavailable")

	// ErrCacheUnavailable reports that the shared cache could not be
	// reached.
	ErrCacheUnavailable = errors.New("flag cache unavailable")
)
