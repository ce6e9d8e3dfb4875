package engine

import (
	"errors"

	"audiobookd/internal/runner"
)

// Engine call failures are classified by what the caller should do next:
// client-invalid is never retried, loading waits and retries against the
// same process, a server fault restarts the engine and retries once, and a
// dead host fails fast (see runner.IsHostUnavailable).

// clientInvalidError covers 400/404 class responses: the request itself is
// wrong and retrying cannot help.
type clientInvalidError struct{ msg string }

func (e clientInvalidError) Error() string { return e.msg }

// ErrClientInvalid constructs a client-invalid error.
func ErrClientInvalid(msg string) error { return clientInvalidError{msg: msg} }

// IsClientInvalid reports whether err marks a non-retryable client mistake.
func IsClientInvalid(err error) bool {
	var e clientInvalidError
	return errors.As(err, &e)
}

// loadingError covers 503 from an engine still loading its model: wait and
// retry without restarting.
type loadingError struct{ variantID string }

func (e loadingError) Error() string { return "engine still loading: " + e.variantID }

// ErrLoading constructs a loading error.
func ErrLoading(variantID string) error { return loadingError{variantID: variantID} }

// IsLoading reports whether err means the engine needs more time, not a
// restart.
func IsLoading(err error) bool {
	var e loadingError
	return errors.As(err, &e)
}

// serverFaultError covers other 5xx responses: the engine process is
// suspect, restart it and retry once.
type serverFaultError struct{ msg string }

func (e serverFaultError) Error() string { return e.msg }

// ErrServerFault constructs a server-fault error.
func ErrServerFault(msg string) error { return serverFaultError{msg: msg} }

// IsServerFault reports whether err warrants an engine restart.
func IsServerFault(err error) bool {
	var e serverFaultError
	return errors.As(err, &e)
}

// IsHostUnavailable re-exports the runner predicate so callers only import
// one package for the whole taxonomy.
func IsHostUnavailable(err error) bool {
	return runner.IsHostUnavailable(err)
}
