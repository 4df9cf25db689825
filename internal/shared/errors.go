package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreUnavailable indicates the backing store could not serve the
	// request. Callers must treat it as a failed request, never as a grant.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)
