// ABOUTME: Background loop pulling remote changes through the resolver into the cache.
// ABOUTME: Fixed interval plus throttled force path, bounded backoff, synchronous stop.
package kennel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SchedulerConfig controls the background pull loop. Zero fields take the
// documented defaults.
type SchedulerConfig struct {
	Interval     time.Duration // pull period (default: 15s)
	MinFreshness time.Duration // skip unforced cycles fresher than this (default: 30s)
	MaxBackoff   time.Duration // backoff cap after consecutive failures (default: 5m)
	PullTimeout  time.Duration // per-cycle remote call budget (default: 15s)
	ForceRate    rate.Limit    // forced-sync throttle (default: one per 2s)
	ForceBurst   int           // forced-sync burst (default: 3)
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.MinFreshness <= 0 {
		c.MinFreshness = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 15 * time.Second
	}
	if c.ForceRate == 0 {
		c.ForceRate = rate.Every(2 * time.Second)
	}
	if c.ForceBurst <= 0 {
		c.ForceBurst = 3
	}
	return c
}

// SyncStatus is the read-only signal set exposed to consumers.
type SyncStatus struct {
	Syncing  bool
	LastSync time.Time
	Stale    bool // consecutive failures pushed past the backoff cap
	Failures int
	Cursor   Cursor
	Pending  int
	Entities int
}

// SyncScheduler periodically pulls entities changed since a cursor, routes
// them through the resolver, and commits the results into the cache. The
// cursor only advances after a successful apply, so a crashed cycle
// replays its batch — which the merge path absorbs as a no-op.
type SyncScheduler struct {
	cache   *VersionedCache
	ledger  *Ledger
	remote  RemoteStore
	store   *Store // optional warm-cache persistence
	cfg     SchedulerConfig
	log     *slog.Logger
	limiter *rate.Limiter

	force    chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	cursor   Cursor
	syncing  bool
	lastSync time.Time
	failures int
	stale    bool
}

// NewScheduler wires the loop. store may be nil; logger may be nil.
func NewScheduler(cache *VersionedCache, ledger *Ledger, remote RemoteStore, store *Store, cfg SchedulerConfig, logger *slog.Logger) *SyncScheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	s := &SyncScheduler{
		cache:   cache,
		ledger:  ledger,
		remote:  remote,
		store:   store,
		cfg:     cfg,
		log:     logger,
		limiter: rate.NewLimiter(cfg.ForceRate, cfg.ForceBurst),
		force:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if store != nil {
		if cur, err := store.LoadCursor(context.Background()); err == nil {
			s.cursor = cur
		} else {
			logger.Warn("loading sync cursor failed", "error", err)
		}
	}
	return s
}

// Start launches the background loop.
func (s *SyncScheduler) Start() {
	go s.run()
}

// Stop halts the loop and waits for it to exit. After Stop returns no
// timer fires and no cycle is in flight; shutdown performs no
// asynchronous work beyond this join.
func (s *SyncScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Force requests an immediate cycle, bypassing the staleness gate. Bursty
// triggers are throttled by the rate limiter.
func (s *SyncScheduler) Force() {
	if !s.limiter.Allow() {
		s.log.Debug("forced sync throttled")
		return
	}
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// OnlineAgain clears the failure backoff and triggers an immediate retry.
// Call on an offline-to-online transition.
func (s *SyncScheduler) OnlineAgain() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// Status returns the current read-only signals.
func (s *SyncScheduler) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStatus{
		Syncing:  s.syncing,
		LastSync: s.lastSync,
		Stale:    s.stale,
		Failures: s.failures,
		Cursor:   s.cursor,
		Pending:  s.ledger.Len(),
		Entities: s.cache.Len(),
	}
}

func (s *SyncScheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.force:
			s.cycle(true)
		case <-timer.C:
			s.cycle(false)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait())
	}
}

// nextWait grows the interval exponentially with consecutive failures,
// capped at MaxBackoff.
func (s *SyncScheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextWaitLocked()
}

// cycle runs one pull. Transient remote failures never surface as errors;
// they only feed the backoff and, past the cap, the staleness flag.
func (s *SyncScheduler) cycle(forced bool) {
	s.mu.Lock()
	if !forced && !s.lastSync.IsZero() && time.Since(s.lastSync) < s.cfg.MinFreshness {
		s.mu.Unlock()
		s.log.Debug("skipping sync cycle, cache still fresh")
		return
	}
	s.syncing = true
	cursor := s.cursor
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PullTimeout)
	defer cancel()

	batch, next, err := s.remote.FetchChanged(ctx, cursor)
	if err != nil {
		s.recordFailure("pull", err)
		return
	}

	if err := s.cache.ApplyRemoteMerge(batch, s.ledger); err != nil {
		// Merge errors are local (snapshot integrity); keep the cursor so
		// the batch replays next cycle.
		s.recordFailure("merge", err)
		return
	}

	s.mu.Lock()
	s.cursor = next
	s.failures = 0
	s.stale = false
	s.lastSync = time.Now()
	s.mu.Unlock()

	if s.store != nil {
		s.checkpoint(ctx, next)
	}

	if len(batch) > 0 {
		s.log.Info("sync cycle applied", "entities", len(batch), "cursor", string(next), "forced", forced)
	} else {
		s.log.Debug("sync cycle empty", "cursor", string(next))
	}
}

func (s *SyncScheduler) recordFailure(op string, err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	if s.nextWaitLocked() >= s.cfg.MaxBackoff {
		s.stale = true
	}
	stale := s.stale
	s.mu.Unlock()
	s.log.Warn("sync cycle failed", "op", op, "error", err, "failures", failures, "stale", stale)
}

// nextWaitLocked mirrors nextWait for callers already holding mu.
func (s *SyncScheduler) nextWaitLocked() time.Duration {
	wait := s.cfg.Interval
	for i := 0; i < s.failures; i++ {
		wait *= 2
		if wait >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return wait
}

// checkpoint persists the cursor, snapshot, and pending ops after a
// successful cycle so a cold start resumes close to where we left off.
func (s *SyncScheduler) checkpoint(ctx context.Context, cursor Cursor) {
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		s.log.Warn("persisting cursor failed", "error", err)
	}
	if err := s.store.SaveSnapshot(ctx, s.cache); err != nil {
		s.log.Warn("persisting snapshot failed", "error", err)
	}
	if err := s.store.SavePendingOps(ctx, s.ledger.Snapshot()); err != nil {
		s.log.Warn("persisting pending operations failed", "error", err)
	}
}
