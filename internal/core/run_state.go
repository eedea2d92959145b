package core

import (
	"log"
	"sync"
	"time"
)

const (
	// An active entry unrefreshed for this long is treated as abandoned.
	runStaleAfter = 120 * time.Second
	// Inactive entries older than this are purged by the sweep.
	runPurgeAfter = 5 * time.Minute

	sweepInterval = 60 * time.Second

	waitBaseDelay     = 500 * time.Millisecond
	waitMaxDelay      = 3 * time.Second
	waitBackoffGrowth = 1.5
)

// RunState is the local shadow of a provider run's liveness on one thread.
type RunState struct {
	Active      bool
	RunID       string
	LastUpdated time.Time
	CreatedAt   time.Time
}

// RunStateRegistry enforces the at-most-one-active-run-per-thread invariant.
// The provider rejects new messages while a run is in flight, so every write
// path (message append, run start) consults this registry first. Entries
// self-heal: an active run that stops refreshing its timestamp is reported
// inactive after runStaleAfter, so a crashed or orphaned run can never block
// a thread forever.
type RunStateRegistry struct {
	mu      sync.Mutex
	entries map[string]*RunState

	// Injectable for deterministic staleness and wait tests.
	now   func() time.Time
	sleep func(time.Duration)

	stopSweep chan struct{}
	closeOnce sync.Once
}

func NewRunStateRegistry() *RunStateRegistry {
	r := &RunStateRegistry{
		entries:   map[string]*RunState{},
		now:       time.Now,
		sleep:     time.Sleep,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// newRunStateRegistryNoSweep builds a registry without the background sweep
// goroutine so tests can drive sweep() and the clock by hand.
func newRunStateRegistryNoSweep(now func() time.Time, sleep func(time.Duration)) *RunStateRegistry {
	return &RunStateRegistry{
		entries:   map[string]*RunState{},
		now:       now,
		sleep:     sleep,
		stopSweep: make(chan struct{}),
	}
}

func (r *RunStateRegistry) Close() {
	r.closeOnce.Do(func() { close(r.stopSweep) })
}

// SetRunActive records that a run has started on the thread, overwriting any
// prior entry.
func (r *RunStateRegistry) SetRunActive(threadID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.entries[threadID] = &RunState{
		Active:      true,
		RunID:       runID,
		LastUpdated: now,
		CreatedAt:   now,
	}
}

// UpdateRunActivity refreshes the liveness timestamp of an active entry so
// the staleness sweep does not evict a run that is still making progress.
// No-op when the thread has no active run.
func (r *RunStateRegistry) UpdateRunActivity(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[threadID]; ok && entry.Active {
		entry.LastUpdated = r.now()
	}
}

// SetRunInactive clears the active flag and run id. Idempotent.
func (r *RunStateRegistry) SetRunInactive(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[threadID]; ok {
		entry.Active = false
		entry.RunID = ""
		entry.LastUpdated = r.now()
	}
}

// HasActiveRun reports whether the thread has a live run. An active entry
// whose timestamp is older than runStaleAfter is treated as abandoned: the
// registry flips it inactive and reports false.
func (r *RunStateRegistry) HasActiveRun(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[threadID]
	if !ok || !entry.Active {
		return false
	}
	if r.now().Sub(entry.LastUpdated) > runStaleAfter {
		log.Printf("Run %s on thread %s went stale, marking inactive", entry.RunID, threadID)
		entry.Active = false
		entry.RunID = ""
		entry.LastUpdated = r.now()
		return false
	}
	return true
}

// GetRunInfo returns a copy of the thread's entry, applying the same
// staleness self-heal as HasActiveRun. Nil when no entry exists.
func (r *RunStateRegistry) GetRunInfo(threadID string) *RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[threadID]
	if !ok {
		return nil
	}
	if entry.Active && r.now().Sub(entry.LastUpdated) > runStaleAfter {
		entry.Active = false
		entry.RunID = ""
		entry.LastUpdated = r.now()
	}
	copied := *entry
	return &copied
}

// WaitForRunCompletion polls until the thread has no active run or the
// timeout elapses, backing off between checks. Returns true when it observed
// completion, false on timeout.
func (r *RunStateRegistry) WaitForRunCompletion(threadID string, timeout time.Duration) bool {
	deadline := r.now().Add(timeout)
	delay := waitBaseDelay
	for {
		if !r.HasActiveRun(threadID) {
			return true
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return false
		}
		if delay > remaining {
			delay = remaining
		}
		r.sleep(delay)
		delay = time.Duration(float64(delay) * waitBackoffGrowth)
		if delay > waitMaxDelay {
			delay = waitMaxDelay
		}
	}
}

func (r *RunStateRegistry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopSweep:
			return
		}
	}
}

// sweep bounds memory growth: stale-active entries are flipped inactive,
// long-inactive entries are dropped.
func (r *RunStateRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for threadID, entry := range r.entries {
		if entry.Active && now.Sub(entry.LastUpdated) > runStaleAfter {
			log.Printf("Sweep: run %s on thread %s unrefreshed for %s, marking inactive", entry.RunID, threadID, now.Sub(entry.LastUpdated))
			entry.Active = false
			entry.RunID = ""
			entry.LastUpdated = now
			continue
		}
		if !entry.Active && now.Sub(entry.LastUpdated) > runPurgeAfter {
			delete(r.entries, threadID)
		}
	}
}
