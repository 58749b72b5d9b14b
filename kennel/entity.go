// ABOUTME: Core business entities cached by the sync layer.
// ABOUTME: All entity types are values; Clone keeps published snapshots immutable.
package kennel

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies the cached entity types.
type EntityKind string

const (
	KindProfile EntityKind = "profile"
	KindSession EntityKind = "session"
)

// ActorRole ranks who made an edit. Higher values outrank lower ones when
// two edits to the same field collide.
type ActorRole int

const (
	RoleUnknown ActorRole = iota
	RoleStaff
	RoleOwner
)

func (r ActorRole) String() string {
	switch r {
	case RoleStaff:
		return "staff"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// RevisionStamp records when, and by which actor, an entity state was
// confirmed. Remote-confirmed stamps drive conflict resolution.
type RevisionStamp struct {
	At   time.Time `json:"at"`
	Role ActorRole `json:"role"`
}

// Entity is a cacheable business record. Implementations are value types;
// Clone returns a deep copy so callers can never mutate a shared snapshot.
type Entity interface {
	EntityID() string
	EntityKind() EntityKind
	Clone() Entity
}

// RecordKind labels an activity record.
type RecordKind string

const (
	RecordFeeding     RecordKind = "feeding"
	RecordMedication  RecordKind = "medication"
	RecordElimination RecordKind = "elimination"
)

// ActivityRecord is an append-only event tied to one session. Records are
// never edited destructively; conflicting copies are unioned and
// deduplicated during merge.
type ActivityRecord struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      RecordKind `json:"kind"`
	At        time.Time  `json:"at"`
	Note      string     `json:"note,omitempty"`
}

// NewActivityRecord builds a record with a fresh id.
func NewActivityRecord(sessionID string, kind RecordKind, at time.Time, note string) ActivityRecord {
	return ActivityRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		At:        at.UTC(),
		Note:      note,
	}
}

// Profile is the stable identity of a recurring dog. The id never changes
// once created. VisitCount and LastVisit are derived statistics maintained
// by confirmed session completion only, never by direct edit.
type Profile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Breed         string    `json:"breed,omitempty"`
	OwnerName     string    `json:"owner_name,omitempty"`
	OwnerPhone    string    `json:"owner_phone,omitempty"`
	MedicalNotes  string    `json:"medical_notes,omitempty"`
	BehaviorNotes string    `json:"behavior_notes,omitempty"`
	VisitCount    int       `json:"visit_count,omitempty"`
	LastVisit     time.Time `json:"last_visit,omitzero"`
}

// NewProfile builds a profile with a fresh id.
func NewProfile(name string) Profile {
	return Profile{ID: uuid.NewString(), Name: name}
}

func (p Profile) EntityID() string       { return p.ID }
func (p Profile) EntityKind() EntityKind { return KindProfile }

// Clone returns a copy. Profile has no reference fields, so a value copy
// is already deep.
func (p Profile) Clone() Entity { return p }

// Session is one bounded visit referencing exactly one profile. The
// profile reference never changes. A zero Departure means the session is
// still open; setting it closes the session (terminal state).
type Session struct {
	ID          string           `json:"id"`
	ProfileID   string           `json:"profile_id"`
	Arrival     time.Time        `json:"arrival"`
	Departure   time.Time        `json:"departure,omitzero"`
	Boarding    bool             `json:"boarding,omitempty"`
	BoardingEnd time.Time        `json:"boarding_end,omitzero"`
	Notes       string           `json:"notes,omitempty"`
	Records     []ActivityRecord `json:"records,omitempty"`
}

// NewSession builds an open session for the given profile.
func NewSession(profileID string, arrival time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Arrival:   arrival.UTC(),
	}
}

func (s Session) EntityID() string       { return s.ID }
func (s Session) EntityKind() EntityKind { return KindSession }

func (s Session) Clone() Entity {
	cp := s
	if s.Records != nil {
		cp.Records = append([]ActivityRecord(nil), s.Records...)
	}
	return cp
}

// Closed reports whether the session reached its terminal state.
func (s Session) Closed() bool { return !s.Departure.IsZero() }

// hasRecord reports whether the session already carries a record with id.
func (s Session) hasRecord(id string) bool {
	for _, r := range s.Records {
		if r.ID == id {
			return true
		}
	}
	return false
}
