// ABOUTME: Versioned in-memory cache with copy-on-write snapshots.
// ABOUTME: Reads are lock-free; all writes serialize through one committer.
package kennel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// CacheEntry pairs an entity with its commit metadata. Version advances
// only inside a validated commit.
type CacheEntry struct {
	Entity  Entity
	Version int64
	Stamp   RevisionStamp
	Dirty   bool // local state not yet confirmed remotely
}

// snapshot is an immutable published state. Readers hold a reference and
// never see partial writes.
type snapshot struct {
	entries    map[string]CacheEntry
	generation int64
}

// Event announces a committed entity state to subscribers.
type Event struct {
	Entity  Entity
	Version int64
	Deleted bool
}

type subscriber struct {
	entityID string // "" subscribes to everything
	ch       chan Event
}

// VersionedCache holds the current known-good snapshot of all cached
// entities. Get is lock-free against the published snapshot; Commit,
// CommitDelete and ApplyRemoteMerge serialize through one mutex so user
// edits and remote merges never race each other.
type VersionedCache struct {
	mu   sync.Mutex // the single writer
	snap atomic.Pointer[snapshot]

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	dropped atomic.Int64 // events dropped on slow subscribers

	log *slog.Logger
}

// NewCache builds an empty cache. A nil logger discards output.
func NewCache(logger *slog.Logger) *VersionedCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &VersionedCache{
		subs: make(map[int]*subscriber),
		log:  logger,
	}
	c.snap.Store(&snapshot{entries: make(map[string]CacheEntry)})
	return c
}

// Get returns a copy of the entity and its version. Lock-free.
func (c *VersionedCache) Get(id string) (Entity, int64, bool) {
	s := c.snap.Load()
	e, ok := s.entries[id]
	if !ok {
		return nil, 0, false
	}
	return e.Entity.Clone(), e.Version, true
}

// Entry returns the full cache entry (cloned entity) for id.
func (c *VersionedCache) Entry(id string) (CacheEntry, bool) {
	s := c.snap.Load()
	e, ok := s.entries[id]
	if !ok {
		return CacheEntry{}, false
	}
	e.Entity = e.Entity.Clone()
	return e, true
}

// Len returns the number of cached entities.
func (c *VersionedCache) Len() int { return len(c.snap.Load().entries) }

// Generation returns the published snapshot generation.
func (c *VersionedCache) Generation() int64 { return c.snap.Load().generation }

// Txn captures the versions visible when a transaction began. Begin is
// cheap: it only grabs a snapshot reference.
type Txn struct {
	base *snapshot
}

// Begin starts a transaction against the current snapshot.
func (c *VersionedCache) Begin() *Txn { return &Txn{base: c.snap.Load()} }

// Rollback discards the transaction. Nothing is mutated before a
// successful Commit, so there is nothing to undo.
func (c *VersionedCache) Rollback(*Txn) {}

// Commit validates that no entity touched by the transaction was
// committed by another writer since Begin, then atomically publishes a
// new snapshot. On conflict the shared snapshot is untouched.
func (c *VersionedCache) Commit(tx *Txn, stamp RevisionStamp, dirty bool, mutated ...Entity) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked(tx, stamp, dirty, mutated, nil)
}

// CommitDelete removes entities through the same validated path.
func (c *VersionedCache) CommitDelete(tx *Txn, stamp RevisionStamp, ids ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked(tx, stamp, false, nil, ids)
}

func (c *VersionedCache) commitLocked(tx *Txn, stamp RevisionStamp, dirty bool, mutated []Entity, deleted []string) (int64, error) {
	cur := c.snap.Load()

	check := func(id string) error {
		baseVer := int64(0)
		if e, ok := tx.base.entries[id]; ok {
			baseVer = e.Version
		}
		curVer := int64(0)
		if e, ok := cur.entries[id]; ok {
			curVer = e.Version
		}
		if baseVer != curVer {
			return &ConflictError{EntityID: id, Expected: baseVer, Found: curVer}
		}
		return nil
	}
	for _, e := range mutated {
		if e == nil || e.EntityID() == "" {
			return 0, fmt.Errorf("%w: commit of entity without id", ErrFatal)
		}
		if err := check(e.EntityID()); err != nil {
			return 0, err
		}
	}
	for _, id := range deleted {
		if err := check(id); err != nil {
			return 0, err
		}
	}

	next := make(map[string]CacheEntry, len(cur.entries)+len(mutated))
	for id, e := range cur.entries {
		next[id] = e
	}
	events := make([]Event, 0, len(mutated)+len(deleted))
	for _, e := range mutated {
		id := e.EntityID()
		ver := int64(1)
		if prev, ok := cur.entries[id]; ok {
			ver = prev.Version + 1
		}
		next[id] = CacheEntry{Entity: e.Clone(), Version: ver, Stamp: stamp, Dirty: dirty}
		events = append(events, Event{Entity: e.Clone(), Version: ver})
	}
	for _, id := range deleted {
		if prev, ok := next[id]; ok {
			events = append(events, Event{Entity: prev.Entity, Version: prev.Version, Deleted: true})
			delete(next, id)
		}
	}

	gen := cur.generation + 1
	c.snap.Store(&snapshot{entries: next, generation: gen})
	c.notify(events)
	return gen, nil
}

// ApplyRemoteMerge routes each incoming entity through the resolver
// against current state and any pending operations, then publishes the
// merged results through the same serialized path as Commit. Replaying
// the same batch twice is a no-op: unchanged entities produce an empty
// resolution and their versions stay put.
func (c *VersionedCache) ApplyRemoteMerge(batch []RemoteEntity, ledger *Ledger) error {
	if len(batch) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := make(map[string]CacheEntry, len(cur.entries))
	for id, e := range cur.entries {
		next[id] = e
	}

	changed := false
	var events []Event
	for _, in := range batch {
		if in.Entity == nil {
			continue
		}
		id := in.Entity.EntityID()

		if in.Deleted {
			if prev, ok := next[id]; ok {
				events = append(events, Event{Entity: prev.Entity, Version: prev.Version, Deleted: true})
				delete(next, id)
				changed = true
				if dropped := ledger.FailEntity(id); len(dropped) > 0 {
					c.log.Warn("remote deletion dropped pending operations", "entity", id, "count", len(dropped))
				}
			}
			continue
		}

		local, ok := next[id]
		if !ok {
			// First sight: adopt the remote state as-is.
			ent := in.Entity.Clone()
			next[id] = CacheEntry{Entity: ent, Version: 1, Stamp: in.Stamp}
			events = append(events, Event{Entity: ent, Version: 1})
			changed = true
			continue
		}

		pending := ledger.PendingFor(id)
		res, err := Resolve(
			Sided{Entity: local.Entity, Stamp: local.Stamp},
			Sided{Entity: in.Entity, Stamp: in.Stamp},
			pending,
		)
		if err != nil {
			var bre *BusinessRuleError
			if !errors.As(err, &bre) {
				return err
			}
			// The session closed remotely before local edits confirmed.
			// Terminal state wins: adopt it and drop the doomed pending
			// operations; their submits would be rejected anyway.
			dropped := ledger.FailEntity(id)
			c.log.Warn("terminal state vetoed pending operations",
				"entity", id, "dropped", len(dropped))
			ent := in.Entity.Clone()
			ver := local.Version + 1
			next[id] = CacheEntry{Entity: ent, Version: ver, Stamp: in.Stamp}
			events = append(events, Event{Entity: ent, Version: ver})
			changed = true
			continue
		}
		if res.Empty() {
			continue
		}

		merged, err := applyResolution(local.Entity, res)
		if err != nil {
			return fmt.Errorf("%w: applying resolution to %s: %v", ErrFatal, id, err)
		}
		stamp := local.Stamp
		if in.Stamp.At.After(stamp.At) {
			stamp = in.Stamp
		}
		ver := local.Version + 1
		next[id] = CacheEntry{Entity: merged.Clone(), Version: ver, Stamp: stamp, Dirty: len(pending) > 0}
		events = append(events, Event{Entity: merged, Version: ver})
		changed = true
	}

	if !changed {
		return nil
	}
	gen := cur.generation + 1
	c.snap.Store(&snapshot{entries: next, generation: gen})
	c.notify(events)
	return nil
}

// Subscribe streams committed states for one entity id, or for every
// entity when id is empty. Slow consumers lose the oldest event rather
// than blocking the committer. The returned func cancels the stream.
func (c *VersionedCache) Subscribe(entityID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{entityID: entityID, ch: make(chan Event, buffer)}

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (c *VersionedCache) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ev := range events {
		for _, sub := range c.subs {
			if sub.entityID != "" && sub.entityID != ev.Entity.EntityID() {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				// Drop the oldest queued event to make room.
				select {
				case <-sub.ch:
					c.dropped.Add(1)
				default:
				}
				select {
				case sub.ch <- ev:
				default:
					c.dropped.Add(1)
				}
			}
		}
	}
}

// DroppedEvents reports how many events were discarded on slow subscribers.
func (c *VersionedCache) DroppedEvents() int64 { return c.dropped.Load() }

type encodedEntry struct {
	Kind    EntityKind      `json:"kind"`
	Version int64           `json:"version"`
	Stamp   RevisionStamp   `json:"stamp"`
	Dirty   bool            `json:"dirty,omitempty"`
	Body    json.RawMessage `json:"body"`
}

type encodedSnapshot struct {
	Generation int64                   `json:"generation"`
	Entries    map[string]encodedEntry `json:"entries"`
}

// Serialize exports the current snapshot for warm-cache persistence.
func (c *VersionedCache) Serialize() ([]byte, error) {
	s := c.snap.Load()
	out := encodedSnapshot{
		Generation: s.generation,
		Entries:    make(map[string]encodedEntry, len(s.entries)),
	}
	for id, e := range s.entries {
		kind, body, err := encodeEntity(e.Entity)
		if err != nil {
			return nil, err
		}
		out.Entries[id] = encodedEntry{Kind: kind, Version: e.Version, Stamp: e.Stamp, Dirty: e.Dirty, Body: body}
	}
	return json.Marshal(out)
}

// Restore replaces the snapshot with a previously serialized one. Meant
// for cold-start population; the new snapshot is built completely before
// publishing, so a decode failure leaves the current state untouched.
func (c *VersionedCache) Restore(data []byte) error {
	var in encodedSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: decoding snapshot: %v", ErrFatal, err)
	}
	entries := make(map[string]CacheEntry, len(in.Entries))
	for id, e := range in.Entries {
		ent, err := decodeEntity(e.Kind, e.Body)
		if err != nil {
			return fmt.Errorf("%w: decoding entity %s: %v", ErrFatal, id, err)
		}
		entries[id] = CacheEntry{Entity: ent, Version: e.Version, Stamp: e.Stamp, Dirty: e.Dirty}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(&snapshot{entries: entries, generation: in.Generation})
	return nil
}

// export hands the raw entries to the persistence layer.
func (c *VersionedCache) export() (map[string]CacheEntry, int64) {
	s := c.snap.Load()
	return s.entries, s.generation
}

// restoreEntries installs entries loaded by the persistence layer.
func (c *VersionedCache) restoreEntries(entries map[string]CacheEntry, generation int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(&snapshot{entries: entries, generation: generation})
}
