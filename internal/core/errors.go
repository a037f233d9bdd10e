package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means the shared infrastructure has never been set up.
	ErrNotInitialized = errors.New("fleet infrastructure not initialized")

	ErrReleaseNotFound = errors.New("release not found")

	// ErrNoPriorRelease means rollback was requested with no older release
	// left on disk. Pruned releases cannot be rolled back to.
	ErrNoPriorRelease = errors.New("no prior release available for rollback")

	ErrVersionNotFound = errors.New("baseline version not found")

	ErrTenantNotFound = errors.New("tenant not found")

	// ErrConcurrentMutation means a fleet mutation was requested while a
	// rollout was still in flight. Never resolved silently; the caller
	// retries once the in-flight rollout completes.
	ErrConcurrentMutation = errors.New("concurrent fleet mutation in progress")
)

// FetchError means an extension could not be materialized from its origin.
// It aborts the proposal before any version is committed.
type FetchError struct {
	ExtensionID string
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ExtensionID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CanaryError blocks fleet-wide propagation of a candidate. The candidate
// itself stays committed in its store; the gate only stops the rollout.
type CanaryError struct {
	Tenant string
	Reason string
}

func (e *CanaryError) Error() string {
	return fmt.Sprintf("canary %s failed: %s", e.Tenant, e.Reason)
}

// TenantApplyError quarantines one tenant. It never aborts the rollout for
// the rest of the fleet.
type TenantApplyError struct {
	Tenant string
	Err    error
}

func (e *TenantApplyError) Error() string {
	return fmt.Sprintf("apply to %s: %v", e.Tenant, e.Err)
}

func (e *TenantApplyError) Unwrap() error { return e.Err }
