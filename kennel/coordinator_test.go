// ABOUTME: Tests for the transaction coordinator's optimistic apply / confirm / rollback path.
// ABOUTME: Includes the submit-timeout rollback scenario and server-assigned reconciliation.
package kennel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRemote is an in-memory RemoteStore for coordinator and scheduler
// tests. Hooks default to benign behavior.
type fakeRemote struct {
	mu         sync.Mutex
	submitKeys []string
	fetchCalls int

	submitFn func(ctx context.Context, m Mutation, key string) (RemoteEntity, error)
	fetchFn  func(ctx context.Context, since Cursor) ([]RemoteEntity, Cursor, error)
	deleteFn func(ctx context.Context, id, key string) error
}

func (f *fakeRemote) FetchChanged(ctx context.Context, since Cursor) ([]RemoteEntity, Cursor, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return nil, since, nil
	}
	return fn(ctx, since)
}

func (f *fakeRemote) Submit(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
	f.mu.Lock()
	f.submitKeys = append(f.submitKeys, key)
	fn := f.submitFn
	f.mu.Unlock()
	if fn == nil {
		return RemoteEntity{}, nil
	}
	return fn(ctx, m, key)
}

func (f *fakeRemote) Delete(ctx context.Context, id, key string) error {
	f.mu.Lock()
	fn := f.deleteFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, id, key)
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type coordEnv struct {
	cache  *VersionedCache
	ledger *Ledger
	remote *fakeRemote
	coord  *Coordinator
}

func newCoordEnv(t *testing.T, cfg CoordinatorConfig) *coordEnv {
	t.Helper()
	env := &coordEnv{
		cache:  NewCache(nil),
		ledger: NewLedger(),
		remote: &fakeRemote{},
	}
	env.coord = NewCoordinator(env.cache, env.ledger, env.remote, cfg, nil)
	return env
}

func (e *coordEnv) seed(t *testing.T, entities ...Entity) {
	t.Helper()
	tx := e.cache.Begin()
	if _, err := e.cache.Commit(tx, staffStamp(baseTime()), false, entities...); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestIssueOptimisticApplyThenConfirm(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	env.seed(t, testProfile("dog-1"))

	ent, ver, err := env.coord.Issue(context.Background(),
		SetField{EntityID: "dog-1", Field: FieldProfileBreed, Value: StringValue("corgi")},
		RoleStaff)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ent.(Profile).Breed != "corgi" {
		t.Errorf("breed = %q, want corgi", ent.(Profile).Breed)
	}
	if ver != 2 {
		t.Errorf("version = %d, want 2", ver)
	}
	if env.ledger.Len() != 0 {
		t.Errorf("ledger not empty after confirm: %d", env.ledger.Len())
	}
	if len(env.remote.submitKeys) != 1 {
		t.Fatalf("submits = %d, want 1", len(env.remote.submitKeys))
	}
	if env.remote.submitKeys[0] == "" {
		t.Error("missing idempotency key")
	}
}

// Scenario: a feeding record is appended optimistically, then the remote
// submit times out. The session must end exactly as it began, the pending
// operation must be gone, and the caller sees RemoteUnavailable.
func TestIssueRollbackOnSubmitTimeout(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{
		SubmitTimeout: 50 * time.Millisecond,
		Retry:         RetryConfig{MaxAttempts: 1, InitialWait: time.Millisecond},
	})
	s1 := testSession("s1", baseTime())
	env.seed(t, s1)

	env.remote.submitFn = func(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
		<-ctx.Done() // server never answers inside the budget
		return RemoteEntity{}, ctx.Err()
	}

	rec := ActivityRecord{ID: "rec-f1", SessionID: "s1", Kind: RecordFeeding, At: baseTime().Add(100 * time.Second), Note: "breakfast"}
	_, _, err := env.coord.Issue(context.Background(), AppendRecord{SessionID: "s1", Record: rec}, RoleStaff)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected RemoteUnavailable, got %v", err)
	}

	got, _, _ := env.cache.Get("s1")
	if n := len(got.(Session).Records); n != 0 {
		t.Fatalf("session has %d records after rollback, want 0", n)
	}
	if env.ledger.Len() != 0 {
		t.Fatalf("pending operation not removed: %d", env.ledger.Len())
	}
}

func TestIssueRollbackRestoresExactFieldValue(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{Retry: RetryConfig{MaxAttempts: 1}})
	p := testProfile("dog-1")
	p.MedicalNotes = "allergic to chicken"
	env.seed(t, p)

	env.remote.submitFn = func(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Op: "submit", Err: ErrRemoteUnavailable, Retries: 1}
	}

	_, _, err := env.coord.Issue(context.Background(),
		SetField{EntityID: "dog-1", Field: FieldProfileMedicalNotes, Value: StringValue("no allergies")},
		RoleStaff)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected RemoteUnavailable, got %v", err)
	}
	got, _, _ := env.cache.Get("dog-1")
	if notes := got.(Profile).MedicalNotes; notes != "allergic to chicken" {
		t.Fatalf("medical notes = %q, want the pre-transaction value", notes)
	}
}

func TestIssueRollbackOfCreateDeletesEntity(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{Retry: RetryConfig{MaxAttempts: 1}})
	env.remote.submitFn = func(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
		return RemoteEntity{}, &SyncError{Op: "submit", Err: ErrRemoteUnavailable, Retries: 1}
	}

	_, _, err := env.coord.Issue(context.Background(), CreateProfile{Profile: testProfile("dog-9")}, RoleStaff)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected RemoteUnavailable, got %v", err)
	}
	if _, _, ok := env.cache.Get("dog-9"); ok {
		t.Fatal("optimistically created entity survived rollback")
	}
}

func TestIssueValidation(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	closed := testSession("s-closed", baseTime())
	closed.Departure = baseTime().Add(time.Hour)
	env.seed(t, testProfile("dog-1"), closed)

	tests := []struct {
		name     string
		mutation Mutation
		wantErr  error
	}{
		{
			"derived field is read-only",
			SetField{EntityID: "dog-1", Field: FieldProfileVisitCount, Value: IntValue(99)},
			ErrValidation,
		},
		{
			"unknown entity",
			SetField{EntityID: "nope", Field: FieldProfileBreed, Value: StringValue("x")},
			ErrValidation,
		},
		{
			"append to closed session",
			AppendRecord{SessionID: "s-closed", Record: ActivityRecord{ID: "r", SessionID: "s-closed", Kind: RecordFeeding, At: baseTime()}},
			ErrBusinessRule,
		},
		{
			"close already closed session",
			CloseSession{SessionID: "s-closed", Departure: baseTime().Add(2 * time.Hour)},
			ErrBusinessRule,
		},
		{
			"session for unknown profile",
			CreateSession{Session: Session{ID: "s-new", ProfileID: "ghost", Arrival: baseTime()}},
			ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.coord.Issue(context.Background(), tt.mutation, RoleStaff)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(env.remote.submitKeys) != 0 {
		t.Errorf("validation failures reached the remote store: %d submits", len(env.remote.submitKeys))
	}
}

func TestIssueAdoptsServerAssignedStats(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	env.seed(t, testProfile("dog-1"))

	serverStamp := RevisionStamp{At: baseTime().Add(time.Minute), Role: RoleStaff}
	env.remote.submitFn = func(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
		confirmed := testProfile("dog-1")
		confirmed.Breed = "corgi"
		confirmed.VisitCount = 7 // server recomputed the statistic
		return RemoteEntity{Entity: confirmed, Stamp: serverStamp}, nil
	}

	ent, _, err := env.coord.Issue(context.Background(),
		SetField{EntityID: "dog-1", Field: FieldProfileBreed, Value: StringValue("corgi")},
		RoleStaff)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := ent.(Profile).VisitCount; got != 7 {
		t.Errorf("visit count = %d, want the server-assigned 7", got)
	}
	entry, _ := env.cache.Entry("dog-1")
	if !entry.Stamp.At.Equal(serverStamp.At) {
		t.Errorf("stamp = %v, want server stamp %v", entry.Stamp.At, serverStamp.At)
	}
	if entry.Dirty {
		t.Error("entry still dirty after confirmation")
	}
}

func TestIssueDeleteSession(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	env.seed(t, testSession("s1", baseTime()))

	if _, _, err := env.coord.Issue(context.Background(), DeleteSession{SessionID: "s1"}, RoleStaff); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok := env.cache.Get("s1"); ok {
		t.Fatal("session still cached after confirmed delete")
	}
}

func TestIssueDeleteRollbackRestoresSession(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{Retry: RetryConfig{MaxAttempts: 1}})
	s := testSession("s1", baseTime())
	s.Notes = "grumpy before breakfast"
	env.seed(t, s)

	env.remote.deleteFn = func(ctx context.Context, id, key string) error {
		return &SyncError{Op: "delete", Err: ErrRemoteUnavailable, Retries: 1}
	}

	_, _, err := env.coord.Issue(context.Background(), DeleteSession{SessionID: "s1"}, RoleStaff)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected RemoteUnavailable, got %v", err)
	}
	got, _, ok := env.cache.Get("s1")
	if !ok {
		t.Fatal("session not restored after failed delete")
	}
	if got.(Session).Notes != "grumpy before breakfast" {
		t.Error("restored session lost its fields")
	}
}

func TestIssueCloseSession(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	env.seed(t, testSession("s1", baseTime()))

	departure := baseTime().Add(6 * time.Hour)
	ent, _, err := env.coord.Issue(context.Background(), CloseSession{SessionID: "s1", Departure: departure}, RoleStaff)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ent.(Session).Closed() {
		t.Fatal("session not closed")
	}
	if !ent.(Session).Departure.Equal(departure) {
		t.Errorf("departure = %v, want %v", ent.(Session).Departure, departure)
	}
}

func TestIssueCancelledContext(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{})
	env.seed(t, testProfile("dog-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := env.coord.Issue(ctx,
		SetField{EntityID: "dog-1", Field: FieldProfileBreed, Value: StringValue("corgi")},
		RoleStaff)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// Cancelling the caller mid-submit must not drop the remote effect: the
// coordinator reconciles in the background once the call completes.
func TestIssueCancelledMidSubmitStillReconciles(t *testing.T) {
	env := newCoordEnv(t, CoordinatorConfig{SubmitTimeout: 2 * time.Second})
	env.seed(t, testProfile("dog-1"))

	release := make(chan struct{})
	env.remote.submitFn = func(ctx context.Context, m Mutation, key string) (RemoteEntity, error) {
		<-release
		return RemoteEntity{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, _, err := env.coord.Issue(ctx,
		SetField{EntityID: "dog-1", Field: FieldProfileBreed, Value: StringValue("corgi")},
		RoleStaff)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if env.ledger.Len() != 1 {
		t.Fatalf("pending op should survive until the in-flight call completes, got %d", env.ledger.Len())
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for env.ledger.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background reconciliation never confirmed the operation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _, _ := env.cache.Get("dog-1")
	if got.(Profile).Breed != "corgi" {
		t.Error("confirmed edit lost after background reconciliation")
	}
}
