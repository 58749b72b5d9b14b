// ABOUTME: Single entry point for user-initiated mutations.
// ABOUTME: Optimistic local apply, remote submission, confirm or roll back.
package kennel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// TxnState labels the coordinator's lifecycle for logging.
type TxnState string

const (
	StateInitiated    TxnState = "initiated"
	StateApplied      TxnState = "optimistically-applied"
	StateSubmitting   TxnState = "submitting"
	StateConfirmed    TxnState = "confirmed"
	StateRolledBack   TxnState = "rolled-back"
	StateConflictWait TxnState = "conflict-retry"
)

// CoordinatorConfig controls retry budgets and the remote call timeout.
type CoordinatorConfig struct {
	MaxConflictRetries int           // local optimistic-conflict retries (default: 3)
	SubmitTimeout      time.Duration // remote submission budget (default: 10s)
	Retry              RetryConfig   // network-level retry (zero uses defaults)
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 3
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
	return c
}

// Coordinator runs mutations through optimistic local apply, remote
// submission, and confirm-or-rollback. No partially-applied state is ever
// observable outside a commit boundary.
type Coordinator struct {
	cache  *VersionedCache
	ledger *Ledger
	remote RemoteStore
	cfg    CoordinatorConfig
	log    *slog.Logger
}

// NewCoordinator wires the mutation path. logger may be nil.
func NewCoordinator(cache *VersionedCache, ledger *Ledger, remote RemoteStore, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		cache:  cache,
		ledger: ledger,
		remote: remote,
		cfg:    cfg.withDefaults(),
		log:    logger,
	}
}

// txnContext carries everything needed to confirm or undo one optimistic
// apply. prev is nil when the mutation created the entity.
type txnContext struct {
	op      PendingOperation
	prev    *CacheEntry
	applied Entity // nil for deletes
	version int64
}

// Issue runs one mutation to completion: validate, apply optimistically,
// submit remotely, then confirm or roll back. The returned entity and
// version reflect the confirmed state. Cancelling ctx before submission
// rolls back; cancelling after the remote call is in flight suppresses
// the returned outcome, but reconciliation still happens when the call
// completes, so no remote effect is silently dropped.
func (c *Coordinator) Issue(ctx context.Context, m Mutation, actor ActorRole) (Entity, int64, error) {
	c.log.Debug("transaction", "state", StateInitiated, "op", m.op(), "target", m.TargetID())
	if err := c.validate(m); err != nil {
		return nil, 0, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		txc, err := c.applyOptimistic(m, actor)
		if err != nil {
			if errors.Is(err, ErrConflictDetected) && m.Idempotent() {
				// Re-read fresh state and recompute.
				c.log.Debug("transaction", "state", StateConflictWait, "op", m.op(), "attempt", attempt+1)
				lastErr = err
				continue
			}
			return nil, 0, err
		}
		c.log.Debug("transaction", "state", StateApplied, "op", m.op(), "target", m.TargetID(), "version", txc.version)
		return c.submit(ctx, m, txc)
	}
	return nil, 0, lastErr
}

// validate performs pure local validation against business rules.
func (c *Coordinator) validate(m Mutation) error {
	switch mut := m.(type) {
	case SetField:
		if mut.EntityID == "" {
			return &ValidationError{Field: "entity_id", Msg: "required"}
		}
		if mut.Field.Tier() == TierDerived {
			return &ValidationError{Field: mut.Field.String(), Msg: "derived statistics are read-only"}
		}
		ent, _, ok := c.cache.Get(mut.EntityID)
		if !ok {
			return &ValidationError{Field: "entity_id", Msg: "unknown entity " + mut.EntityID}
		}
		if ent.EntityKind() != mut.Field.EntityKind() {
			return &ValidationError{Field: mut.Field.String(), Msg: "field does not belong to " + string(ent.EntityKind())}
		}
		if s, isSession := ent.(Session); isSession && s.Closed() && mut.Field != FieldSessionDeparture {
			return &BusinessRuleError{EntityID: s.ID, Rule: "session is closed"}
		}
	case AppendRecord:
		if mut.Record.ID == "" || mut.Record.Kind == "" {
			return &ValidationError{Field: "record", Msg: "id and kind required"}
		}
		if mut.Record.SessionID != mut.SessionID {
			return &ValidationError{Field: "record.session_id", Msg: "record belongs to a different session"}
		}
		s, ok := c.session(mut.SessionID)
		if !ok {
			return &ValidationError{Field: "session_id", Msg: "unknown session " + mut.SessionID}
		}
		if s.Closed() {
			return &BusinessRuleError{EntityID: s.ID, Rule: "session is closed"}
		}
	case CreateProfile:
		if mut.Profile.ID == "" {
			return &ValidationError{Field: "profile.id", Msg: "required"}
		}
		if mut.Profile.Name == "" {
			return &ValidationError{Field: "profile.name", Msg: "required"}
		}
		if _, _, exists := c.cache.Get(mut.Profile.ID); exists {
			return &ValidationError{Field: "profile.id", Msg: "already exists"}
		}
	case CreateSession:
		if mut.Session.ID == "" || mut.Session.ProfileID == "" {
			return &ValidationError{Field: "session", Msg: "id and profile_id required"}
		}
		if _, _, ok := c.cache.Get(mut.Session.ProfileID); !ok {
			return &ValidationError{Field: "session.profile_id", Msg: "unknown profile"}
		}
		if _, _, exists := c.cache.Get(mut.Session.ID); exists {
			return &ValidationError{Field: "session.id", Msg: "already exists"}
		}
	case CloseSession:
		s, ok := c.session(mut.SessionID)
		if !ok {
			return &ValidationError{Field: "session_id", Msg: "unknown session " + mut.SessionID}
		}
		if s.Closed() {
			return &BusinessRuleError{EntityID: s.ID, Rule: "session already closed"}
		}
		if mut.Departure.Before(s.Arrival) {
			return &ValidationError{Field: "departure", Msg: "before arrival"}
		}
	case DeleteSession:
		if _, ok := c.session(mut.SessionID); !ok {
			return &ValidationError{Field: "session_id", Msg: "unknown session " + mut.SessionID}
		}
	case ToggleBoarding:
		s, ok := c.session(mut.SessionID)
		if !ok {
			return &ValidationError{Field: "session_id", Msg: "unknown session " + mut.SessionID}
		}
		if s.Closed() {
			return &BusinessRuleError{EntityID: s.ID, Rule: "session is closed"}
		}
	default:
		return &ValidationError{Msg: "unknown mutation"}
	}
	return nil
}

func (c *Coordinator) session(id string) (Session, bool) {
	ent, _, ok := c.cache.Get(id)
	if !ok {
		return Session{}, false
	}
	s, isSession := ent.(Session)
	return s, isSession
}

// applyOptimistic commits the mutation locally and records the pending
// operation. The UI observes the change with zero perceived latency.
func (c *Coordinator) applyOptimistic(m Mutation, actor ActorRole) (*txnContext, error) {
	tx := c.cache.Begin()

	var prev *CacheEntry
	if e, ok := c.cache.Entry(m.TargetID()); ok {
		prev = &e
	}

	op := PendingOperation{
		Key:         newIdempotencyKey(),
		EntityID:    m.TargetID(),
		Kind:        m.Kind(),
		SubmittedAt: time.Now().UTC(),
	}
	stamp := RevisionStamp{At: time.Now().UTC(), Role: actor}

	if del, isDelete := m.(DeleteSession); isDelete {
		if _, err := c.cache.CommitDelete(tx, stamp, del.SessionID); err != nil {
			c.cache.Rollback(tx)
			return nil, err
		}
		if prev != nil {
			op.BaseVersion = prev.Version
		}
		c.ledger.Record(op)
		return &txnContext{op: op, prev: prev}, nil
	}

	next, err := c.mutate(m, prev)
	if err != nil {
		c.cache.Rollback(tx)
		return nil, err
	}

	switch mut := m.(type) {
	case SetField:
		op.Fields = []Field{mut.Field}
	case AppendRecord:
		op.RecordIDs = []string{mut.Record.ID}
	case CloseSession:
		op.Fields = []Field{FieldSessionDeparture}
	case ToggleBoarding:
		op.Fields = []Field{FieldSessionBoarding}
	}

	if _, err := c.cache.Commit(tx, stamp, true, next); err != nil {
		c.cache.Rollback(tx)
		return nil, err
	}
	_, ver, _ := c.cache.Get(m.TargetID())
	op.BaseVersion = ver
	c.ledger.Record(op)
	return &txnContext{op: op, prev: prev, applied: next, version: ver}, nil
}

// mutate computes the post-mutation entity from the current state.
func (c *Coordinator) mutate(m Mutation, prev *CacheEntry) (Entity, error) {
	switch m.(type) {
	case CreateProfile, CreateSession:
	default:
		if prev == nil {
			// The target vanished between validation and apply.
			return nil, &ConflictError{EntityID: m.TargetID()}
		}
	}
	switch mut := m.(type) {
	case SetField:
		return applyField(prev.Entity, mut.Field, mut.Value)
	case AppendRecord:
		s := prev.Entity.Clone().(Session)
		if s.hasRecord(mut.Record.ID) {
			return s, nil
		}
		s.Records = append(s.Records, mut.Record)
		return s, nil
	case CreateProfile:
		return mut.Profile.Clone(), nil
	case CreateSession:
		return mut.Session.Clone(), nil
	case CloseSession:
		s := prev.Entity.Clone().(Session)
		s.Departure = mut.Departure.UTC()
		return s, nil
	case ToggleBoarding:
		s := prev.Entity.Clone().(Session)
		s.Boarding = !s.Boarding
		return s, nil
	default:
		return nil, &ValidationError{Msg: "unknown mutation"}
	}
}

// submit forwards the mutation to the remote store off the cache's
// serialized path, then reconciles.
func (c *Coordinator) submit(ctx context.Context, m Mutation, txc *txnContext) (Entity, int64, error) {
	c.log.Debug("transaction", "state", StateSubmitting, "op", m.op(), "key", txc.op.Key)

	// The remote call gets its own timeout, detached from the caller's
	// context: a caller that gives up must not abort the reconciliation.
	sctx, cancel := context.WithTimeout(context.Background(), c.cfg.SubmitTimeout)

	type result struct {
		confirmed RemoteEntity
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		if del, isDelete := m.(DeleteSession); isDelete {
			_, err := WithRetry(sctx, c.cfg.Retry, "delete", func() (struct{}, error) {
				return struct{}{}, remoteFailure(c.remote.Delete(sctx, del.SessionID, txc.op.Key))
			})
			ch <- result{err: remoteFailure(err)}
			return
		}
		confirmed, err := WithRetry(sctx, c.cfg.Retry, "submit", func() (RemoteEntity, error) {
			re, err := c.remote.Submit(sctx, m, txc.op.Key)
			return re, remoteFailure(err)
		})
		ch <- result{confirmed: confirmed, err: remoteFailure(err)}
	}()

	select {
	case r := <-ch:
		cancel()
		return c.reconcile(m, txc, r.confirmed, r.err)
	case <-ctx.Done():
		// Caller gave up mid-flight. Finish reconciliation in the
		// background; the idempotency key keeps a late duplicate harmless.
		go func() {
			r := <-ch
			cancel()
			if _, _, err := c.reconcile(m, txc, r.confirmed, r.err); err != nil {
				c.log.Warn("background reconciliation failed", "op", m.op(), "key", txc.op.Key, "error", err)
			}
		}()
		return nil, 0, ctx.Err()
	}
}

// reconcile finalizes the transaction: confirm and adopt server-assigned
// fields, or roll back to the exact pre-mutation state.
func (c *Coordinator) reconcile(m Mutation, txc *txnContext, confirmed RemoteEntity, submitErr error) (Entity, int64, error) {
	if submitErr != nil {
		c.rollback(m, txc)
		c.ledger.Fail(txc.op.Key)
		c.log.Info("transaction", "state", StateRolledBack, "op", m.op(), "key", txc.op.Key, "error", submitErr)
		return nil, 0, submitErr
	}

	c.ledger.Confirm(txc.op.Key)

	if _, isDelete := m.(DeleteSession); isDelete {
		c.log.Info("transaction", "state", StateConfirmed, "op", m.op(), "key", txc.op.Key)
		return nil, txc.version, nil
	}

	ent, ver, err := c.adoptConfirmed(m.TargetID(), confirmed)
	if err != nil {
		// The optimistic state stands; only the corrective patch failed.
		c.log.Warn("adopting server-assigned fields failed", "entity", m.TargetID(), "error", err)
		return txc.applied, txc.version, nil
	}
	c.log.Info("transaction", "state", StateConfirmed, "op", m.op(), "key", txc.op.Key, "version", ver)
	return ent, ver, nil
}

// adoptConfirmed applies corrective updates for fields the server
// assigned (confirmed stamp, derived statistics) without disturbing
// anything else. Bounded retries absorb interleaved merges.
func (c *Coordinator) adoptConfirmed(id string, confirmed RemoteEntity) (Entity, int64, error) {
	if confirmed.Entity == nil {
		if ent, ver, ok := c.cache.Get(id); ok {
			return ent, ver, nil
		}
		return nil, 0, &ValidationError{Msg: "confirmed entity missing locally"}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		tx := c.cache.Begin()
		cur, ok := c.cache.Entry(id)
		if !ok {
			return nil, 0, &ValidationError{Msg: "confirmed entity missing locally"}
		}

		next := cur.Entity
		var err error
		for _, f := range fieldsFor(next.EntityKind()) {
			if f.Tier() != TierDerived {
				continue
			}
			cv, _ := fieldValue(confirmed.Entity, f)
			lv, _ := fieldValue(next, f)
			if cv.Equal(lv) {
				continue
			}
			next, err = applyField(next, f, cv)
			if err != nil {
				return nil, 0, err
			}
		}

		_, commitErr := c.cache.Commit(tx, confirmed.Stamp, false, next)
		if commitErr == nil {
			_, ver, _ := c.cache.Get(id)
			return next, ver, nil
		}
		if !errors.Is(commitErr, ErrConflictDetected) {
			return nil, 0, commitErr
		}
		lastErr = commitErr
	}
	return nil, 0, lastErr
}

// rollback restores the entity to its exact pre-transaction value. The
// undo targets only what this transaction touched, so remote merges that
// landed meanwhile survive. Bounded retries absorb commit races.
func (c *Coordinator) rollback(m Mutation, txc *txnContext) {
	for attempt := 0; attempt < 3; attempt++ {
		tx := c.cache.Begin()

		if txc.prev == nil {
			// The mutation created the entity; undo is deletion.
			if _, _, ok := c.cache.Get(m.TargetID()); !ok {
				return
			}
			if _, err := c.cache.CommitDelete(tx, RevisionStamp{At: time.Now().UTC()}, m.TargetID()); err == nil {
				return
			} else if !errors.Is(err, ErrConflictDetected) {
				c.log.Error("rollback failed", "entity", m.TargetID(), "error", err)
				return
			}
			continue
		}

		if _, isDelete := m.(DeleteSession); isDelete {
			// Undo of a delete is re-inserting the previous state.
			if _, _, exists := c.cache.Get(m.TargetID()); exists {
				return
			}
			if _, err := c.cache.Commit(tx, txc.prev.Stamp, txc.prev.Dirty, txc.prev.Entity); err == nil {
				return
			} else if !errors.Is(err, ErrConflictDetected) {
				c.log.Error("rollback failed", "entity", m.TargetID(), "error", err)
				return
			}
			continue
		}

		cur, ok := c.cache.Entry(m.TargetID())
		if !ok {
			return
		}
		restored, err := c.undo(cur.Entity, txc)
		if err != nil {
			c.log.Error("rollback failed", "entity", m.TargetID(), "error", err)
			return
		}
		if _, err := c.cache.Commit(tx, txc.prev.Stamp, txc.prev.Dirty, restored); err == nil {
			return
		} else if !errors.Is(err, ErrConflictDetected) {
			c.log.Error("rollback failed", "entity", m.TargetID(), "error", err)
			return
		}
	}
	c.log.Error("rollback exhausted retries", "entity", m.TargetID())
}

// undo reverts the fields and records this transaction touched to their
// pre-transaction values.
func (c *Coordinator) undo(cur Entity, txc *txnContext) (Entity, error) {
	restored := cur.Clone()
	var err error
	for _, f := range txc.op.Fields {
		pv, ok := fieldValue(txc.prev.Entity, f)
		if !ok {
			continue
		}
		restored, err = applyField(restored, f, pv)
		if err != nil {
			return nil, err
		}
	}
	if len(txc.op.RecordIDs) > 0 {
		s, ok := restored.(Session)
		if !ok {
			return nil, &ValidationError{Msg: "record rollback on non-session entity"}
		}
		keep := s.Records[:0:0]
		for _, r := range s.Records {
			if !containsString(txc.op.RecordIDs, r.ID) {
				keep = append(keep, r)
			}
		}
		s.Records = keep
		restored = s
	}
	return restored, nil
}
