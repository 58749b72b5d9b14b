// ABOUTME: Typed errors for the cache and sync core.
// ABOUTME: Enables programmatic handling with errors.Is() and errors.As().
package kennel

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy.
var (
	// ErrValidation: local input problem, non-retryable, caller must correct.
	ErrValidation = errors.New("validation failed")
	// ErrConflictDetected: optimistic-concurrency collision on commit.
	ErrConflictDetected = errors.New("conflict detected")
	// ErrRemoteUnavailable: transient network/server failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrBusinessRule: the mutation violates a domain rule, non-retryable.
	ErrBusinessRule = errors.New("business rule violation")
	// ErrFatal: internal snapshot corruption. The last known-good snapshot
	// is preserved; the failed operation is aborted.
	ErrFatal = errors.New("cache integrity failure")
)

// ValidationError reports which input field was rejected.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports a version mismatch detected at commit time.
type ConflictError struct {
	EntityID string
	Expected int64 // version captured when the transaction began
	Found    int64 // version at commit time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict detected on %s: expected version %d, found %d", e.EntityID, e.Expected, e.Found)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflictDetected }

// BusinessRuleError names the rule that vetoed a mutation or merge.
type BusinessRuleError struct {
	EntityID string
	Rule     string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation on %s: %s", e.EntityID, e.Rule)
}

func (e *BusinessRuleError) Is(target error) bool { return target == ErrBusinessRule }

// SyncError wraps errors with operation context.
type SyncError struct {
	Op      string // "pull", "submit", "delete"
	Err     error  // underlying typed error
	Retries int    // attempts made
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable returns true if the error should trigger a retry. Only
// transient remote failures qualify; everything else needs caller action.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRemoteUnavailable)
}

// remoteFailure folds context timeouts into the transient-remote bucket so
// callers see one taxonomy entry for every flavor of unreachable server.
func remoteFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return err
}
