package workflows

import "errors"

// Error taxonomy for the metadata workflows. Handlers map these to HTTP
// statuses; workflows wrap them with context via fmt.Errorf and %w.
var (
	// ErrValidation marks bad or missing input. No state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrAuth marks a signer mismatch or an unauthorized address.
	ErrAuth = errors.New("authorization failed")
	// ErrConflict marks duplicate content or a delete of a published
	// dataset. Compensating cleanup has already been applied.
	ErrConflict = errors.New("conflict")
	// ErrUpstream marks a remote-storage or metadata-store failure that
	// survived the local retry budget.
	ErrUpstream = errors.New("upstream failure")
	// ErrNotFound marks a missing dataset, chunk, or file.
	ErrNotFound = errors.New("not found")
)
