// ABOUTME: Closed set of user-initiated mutations routed through the coordinator.
// ABOUTME: Each variant knows whether it can be recomputed after a local conflict.
package kennel

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Mutation is one user-initiated edit. The set of implementations is
// closed; the coordinator switches over it exhaustively.
type Mutation interface {
	TargetID() string
	Kind() EntityKind
	// Idempotent mutations (set to explicit value, append a record) can be
	// recomputed against fresh state after a local version conflict.
	// Non-idempotent ones surface ConflictDetected to the caller instead.
	Idempotent() bool
	op() string
}

// SetField sets one field to an explicit value.
type SetField struct {
	EntityID string
	Field    Field
	Value    FieldValue
}

func (m SetField) TargetID() string { return m.EntityID }
func (m SetField) Kind() EntityKind { return m.Field.EntityKind() }
func (m SetField) Idempotent() bool { return true }
func (m SetField) op() string       { return "set_field" }

// AppendRecord appends one activity record to a session.
type AppendRecord struct {
	SessionID string
	Record    ActivityRecord
}

func (m AppendRecord) TargetID() string { return m.SessionID }
func (m AppendRecord) Kind() EntityKind { return KindSession }
func (m AppendRecord) Idempotent() bool { return true }
func (m AppendRecord) op() string       { return "append_record" }

// CreateProfile registers a new dog.
type CreateProfile struct {
	Profile Profile
}

func (m CreateProfile) TargetID() string { return m.Profile.ID }
func (m CreateProfile) Kind() EntityKind { return KindProfile }
func (m CreateProfile) Idempotent() bool { return true }
func (m CreateProfile) op() string       { return "create_profile" }

// CreateSession checks a dog in.
type CreateSession struct {
	Session Session
}

func (m CreateSession) TargetID() string { return m.Session.ID }
func (m CreateSession) Kind() EntityKind { return KindSession }
func (m CreateSession) Idempotent() bool { return true }
func (m CreateSession) op() string       { return "create_session" }

// CloseSession checks a dog out, moving the session to its terminal state
// and updating the profile's derived visit statistics on confirmation.
type CloseSession struct {
	SessionID string
	Departure time.Time
}

func (m CloseSession) TargetID() string { return m.SessionID }
func (m CloseSession) Kind() EntityKind { return KindSession }
func (m CloseSession) Idempotent() bool { return true }
func (m CloseSession) op() string       { return "close_session" }

// DeleteSession hard-deletes a session. No soft-delete flag is kept.
type DeleteSession struct {
	SessionID string
}

func (m DeleteSession) TargetID() string { return m.SessionID }
func (m DeleteSession) Kind() EntityKind { return KindSession }
func (m DeleteSession) Idempotent() bool { return true }
func (m DeleteSession) op() string       { return "delete_session" }

// ToggleBoarding flips a session's boarding flag. Not idempotent: replaying
// it against fresh state would flip the flag again, so a local conflict
// fails instead of retrying.
type ToggleBoarding struct {
	SessionID string
}

func (m ToggleBoarding) TargetID() string { return m.SessionID }
func (m ToggleBoarding) Kind() EntityKind { return KindSession }
func (m ToggleBoarding) Idempotent() bool { return false }
func (m ToggleBoarding) op() string       { return "toggle_boarding" }

// newIdempotencyKey mints a ULID. Keys are unique per submission attempt
// and let the remote store drop late duplicates after a local timeout.
func newIdempotencyKey() string {
	return ulid.Make().String()
}
