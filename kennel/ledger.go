// ABOUTME: Ledger of locally-applied mutations awaiting remote confirmation.
// ABOUTME: Shields in-flight edits from being clobbered by background pulls.
package kennel

import (
	"sync"
	"time"
)

// PendingOperation describes one optimistically-applied mutation that the
// remote store has not confirmed yet.
type PendingOperation struct {
	Key         string     `json:"key"` // ULID idempotency key
	EntityID    string     `json:"entity_id"`
	Kind        EntityKind `json:"kind"`
	Fields      []Field    `json:"fields,omitempty"`     // fields the operation wrote
	RecordIDs   []string   `json:"record_ids,omitempty"` // records the operation appended
	BaseVersion int64      `json:"base_version"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// Ledger tracks pending operations. While an operation is pending, the
// fields it touched keep their local values through remote merges.
type Ledger struct {
	mu       sync.Mutex
	ops      map[string]PendingOperation
	byEntity map[string][]string // entity id -> keys, submission order
}

func NewLedger() *Ledger {
	return &Ledger{
		ops:      make(map[string]PendingOperation),
		byEntity: make(map[string][]string),
	}
}

// Record registers a pending operation.
func (l *Ledger) Record(op PendingOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ops[op.Key]; dup {
		return
	}
	l.ops[op.Key] = op
	l.byEntity[op.EntityID] = append(l.byEntity[op.EntityID], op.Key)
}

// Confirm removes a confirmed operation and returns it.
func (l *Ledger) Confirm(key string) (PendingOperation, bool) {
	return l.remove(key)
}

// Fail removes a failed operation and returns it.
func (l *Ledger) Fail(key string) (PendingOperation, bool) {
	return l.remove(key)
}

func (l *Ledger) remove(key string) (PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[key]
	if !ok {
		return PendingOperation{}, false
	}
	delete(l.ops, key)
	keys := l.byEntity[op.EntityID]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(l.byEntity, op.EntityID)
	} else {
		l.byEntity[op.EntityID] = keys
	}
	return op, true
}

// FailEntity drops every pending operation targeting an entity, returning
// the dropped operations. Used when a remote terminal state vetoes them.
func (l *Ledger) FailEntity(entityID string) []PendingOperation {
	l.mu.Lock()
	keys := append([]string(nil), l.byEntity[entityID]...)
	l.mu.Unlock()

	var dropped []PendingOperation
	for _, k := range keys {
		if op, ok := l.remove(k); ok {
			dropped = append(dropped, op)
		}
	}
	return dropped
}

// PendingFor returns pending operations for one entity in submission order.
func (l *Ledger) PendingFor(entityID string) []PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := l.byEntity[entityID]
	if len(keys) == 0 {
		return nil
	}
	out := make([]PendingOperation, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.ops[k])
	}
	return out
}

// Len returns the number of pending operations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// Snapshot returns every pending operation, for persistence.
func (l *Ledger) Snapshot() []PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingOperation, 0, len(l.ops))
	for _, op := range l.ops {
		out = append(out, op)
	}
	return out
}
