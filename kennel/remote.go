// ABOUTME: Abstract remote store contract consumed by the sync core.
// ABOUTME: All operations must be safely retryable.
package kennel

import (
	"context"
	"encoding/json"
	"fmt"
)

// Cursor is an opaque token marking the last successfully pulled remote
// change. The zero value means "from the beginning".
type Cursor string

// RemoteEntity is one entity state received from (or confirmed by) the
// remote store.
type RemoteEntity struct {
	Entity  Entity
	Stamp   RevisionStamp
	Deleted bool
}

// RemoteStore is the contract this core consumes. Implementations execute
// network calls off the cache's serialized path; only applying their
// results touches it.
type RemoteStore interface {
	// FetchChanged returns entities changed since the cursor plus the next
	// cursor. Returning the same batch twice must be safe for callers.
	FetchChanged(ctx context.Context, since Cursor) ([]RemoteEntity, Cursor, error)
	// Submit forwards a mutation. The idempotency key makes resubmission
	// after a timeout a no-op on the server.
	Submit(ctx context.Context, m Mutation, idempotencyKey string) (RemoteEntity, error)
	// Delete removes an entity remotely.
	Delete(ctx context.Context, id string, idempotencyKey string) error
}

// encodeEntity serializes an entity body for persistence or the wire.
func encodeEntity(e Entity) (EntityKind, json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", nil, err
	}
	return e.EntityKind(), b, nil
}

// decodeEntity rebuilds an entity from its kind tag and body.
func decodeEntity(kind EntityKind, body json.RawMessage) (Entity, error) {
	switch kind {
	case KindProfile:
		var p Profile
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindSession:
		var s Session
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}
