// Package store provides durable, encrypted, access-controlled persistence of
// run state. One row is kept per run: each Put advances the step in place, the
// first successful Put fixes the owning user, and configured sensitive fields
// are encrypted before the record is serialized.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
)

// ErrNotFound is returned when no checkpoint exists for a run ID.
var ErrNotFound = errors.New("checkpoint not found")

// ErrStaleStep is returned by Put when the incoming step is not strictly
// greater than the stored one. This is the compare-and-swap guard against a
// retried request racing a still-in-flight run for the same run ID.
var ErrStaleStep = errors.New("stale checkpoint step")

// WriteError wraps a failed checkpoint write. Writes are hard failures: a
// silently lost checkpoint would break resumability, so the engine aborts the
// run when it sees one.
type WriteError struct {
	RunID string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed for run %s: %v", e.RunID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError wraps a failed checkpoint read. Reads are soft failures: callers
// resuming a run treat them as "no prior state" and log the cause.
type ReadError struct {
	RunID string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("checkpoint read failed for run %s: %v", e.RunID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Record is a decrypted checkpoint returned by Get.
type Record[S any] struct {
	// RunID is the owning run.
	RunID string

	// OwnerID is the user fixed by the first successful Put.
	OwnerID string

	// Step is the monotonic step number of the stored state.
	Step int

	// State is the deserialized run state. Fields listed in
	// UndecryptedFields still hold their encrypted representation.
	State S

	// CreatedAt and UpdatedAt bound the row's lifecycle; UpdatedAt drives
	// TTL cleanup.
	CreatedAt time.Time
	UpdatedAt time.Time

	// UndecryptedFields lists sensitive fields whose decryption failed
	// (for example after a key rotation). The read still succeeds; callers
	// must tolerate the opaque values.
	UndecryptedFields []string
}

// Stats summarizes a store's contents.
type Stats struct {
	// Total is the number of stored checkpoints.
	Total int

	// Oldest and Newest are the extreme UpdatedAt values, zero when empty.
	Oldest time.Time
	Newest time.Time

	// AvgSizeBytes is the mean serialized state size.
	AvgSizeBytes int

	// PerUser maps owner ID to checkpoint count. Populated only for admin
	// callers; nil otherwise.
	PerUser map[string]int
}

// Store persists one encrypted checkpoint per run with per-user access
// control.
//
// Every read and write first resolves the acting principal: admins may touch
// any row, other callers only rows they own (or rows they are creating).
// Cleanup and the non-per-user part of Stats are administrative sweeps and do
// not check ownership.
//
// Type parameter S is the state type; it must be JSON-serializable.
type Store[S any] interface {
	// Get returns the decrypted checkpoint for runID.
	// Returns ErrNotFound when no row exists, an *auth.AccessDeniedError
	// when the caller does not own the row, and a *ReadError for
	// persistence faults.
	Get(ctx context.Context, runID string, p auth.Principal) (Record[S], error)

	// Put creates or advances the checkpoint for runID. The first
	// successful Put fixes ownership to p.UserID. A step not strictly
	// greater than the stored one fails with ErrStaleStep. Persistence
	// faults are wrapped in *WriteError.
	Put(ctx context.Context, runID string, step int, state S, p auth.Principal) error

	// Delete removes the checkpoint for runID, subject to ownership.
	Delete(ctx context.Context, runID string, p auth.Principal) error

	// Cleanup deletes rows whose UpdatedAt is older than maxAge and
	// returns the number deleted. Ownership is not consulted.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

	// Stats reports store contents. Per-user counts require admin.
	Stats(ctx context.Context, p auth.Principal) (Stats, error)
}

// authorize applies the ownership rule shared by every backend: the owner or
// an admin proceeds, anyone else is denied.
func authorize(runID, ownerID string, p auth.Principal) error {
	if p.IsAdmin() || ownerID == p.UserID {
		return nil
	}
	return auth.Denied("checkpoint "+runID, "owned by another user", p)
}

// validatePut rejects writes that could never be stored correctly.
func validatePut(runID string, step int, p auth.Principal) error {
	if runID == "" {
		return &WriteError{RunID: runID, Err: errors.New("run ID cannot be empty")}
	}
	if step < 1 {
		return &WriteError{RunID: runID, Err: fmt.Errorf("step must be >= 1, got %d", step)}
	}
	if p.UserID == "" {
		return auth.Denied("checkpoint "+runID, "anonymous callers cannot write checkpoints", p)
	}
	return nil
}
