// Package runner abstracts where an engine process executes: a local child
// process, a local container, or a container on a remote Docker host. All
// substrates expose the same four-method contract so callers stay
// substrate-agnostic.
package runner

import (
	"context"
	"errors"
	"fmt"

	"audiobookd/pkg/types"
)

// Runner owns the mechanics of one execution substrate.
type Runner interface {
	// ID is the runner's identity in the shared runner/host namespace
	// ("local", "docker:local", "docker:<host>").
	ID() string
	// Start launches the engine for the variant and blocks until its health
	// endpoint answers or a timeout elapses. Idempotent: an already-healthy
	// variant returns its existing endpoint.
	Start(ctx context.Context, rec types.EngineRecord) (types.Endpoint, error)
	// Stop terminates the variant's engine. Stopping a stopped variant is a
	// no-op.
	Stop(ctx context.Context, v types.Variant) error
	// IsRunning reports whether the runner currently tracks a live engine
	// for the variant.
	IsRunning(v types.Variant) bool
	// Endpoint returns the tracked endpoint, if any.
	Endpoint(v types.Variant) (types.Endpoint, bool)
}

// HostUnavailableError is returned when a variant's host is known to be
// unreachable. Callers must fail fast and never retry against it.
type HostUnavailableError struct {
	HostID string
}

func (e *HostUnavailableError) Error() string {
	return fmt.Sprintf("host %s is unavailable", e.HostID)
}

// IsHostUnavailable reports whether err (or anything it wraps) marks a dead
// host.
func IsHostUnavailable(err error) bool {
	var e *HostUnavailableError
	return errors.As(err, &e)
}

// StartTimeoutError is returned when an engine fails to become healthy
// before the deadline.
type StartTimeoutError struct {
	VariantID string
	Detail    string
}

func (e *StartTimeoutError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("engine %s did not become healthy: %s", e.VariantID, e.Detail)
	}
	return fmt.Sprintf("engine %s did not become healthy in time", e.VariantID)
}
