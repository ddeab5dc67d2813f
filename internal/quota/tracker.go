// Package quota keeps the running byte and entry totals of each artifact pool
// and answers whether a new artifact fits under the pool's ceilings.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/tts-server/internal/core"
)

// Dimension names the ceiling a denial was caused by.
type Dimension string

const (
	DimensionNone  Dimension = ""
	DimensionBytes Dimension = "bytes"
	DimensionCount Dimension = "count"
	DimensionAge   Dimension = "age"
)

// ErrUnknownPool is returned for a pool the tracker was not configured with.
var ErrUnknownPool = errors.New("unknown pool")

// Decision is the outcome of a reserve, commit or resize.
type Decision struct {
	Allowed   bool
	Dimension Dimension
	// Requested is the byte delta or entry count that was asked for.
	Requested int64
	// Available is the headroom left on the denying dimension.
	Available int64
	// Duplicate is set by Commit when the id was already recorded.
	Duplicate bool
}

// Err converts a denial into a DenyError; it returns nil when allowed.
func (d Decision) Err(pool core.Pool) error {
	if d.Allowed {
		return nil
	}

	return &DenyError{Pool: pool, Dimension: d.Dimension, Requested: d.Requested, Available: d.Available}
}

// DenyError reports which ceiling of which pool refused an admission.
type DenyError struct {
	Pool      core.Pool
	Dimension Dimension
	Requested int64
	Available int64
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("%s pool %s ceiling: requested %d, available %d",
		e.Pool, e.Dimension, e.Requested, e.Available)
}

// Unwrap lets errors.Is match core.ErrCapacityExceeded.
func (e *DenyError) Unwrap() error {
	return core.ErrCapacityExceeded
}

// Usage is a point-in-time copy of one pool's totals.
type Usage struct {
	TotalBytes int64
	EntryCount int
	Limits     core.Limits
}

type ledger struct {
	mu         sync.Mutex
	limits     core.Limits
	entries    map[string]int64
	totalBytes int64
}

// Tracker maintains per-pool totals. All mutations of one pool are serialized
// by that pool's mutex; the pools are independent of each other.
type Tracker struct {
	ledgers map[core.Pool]*ledger
}

// NewTracker creates a tracker for the given pool limits.
func NewTracker(limits map[core.Pool]core.Limits) *Tracker {
	tracker := &Tracker{ledgers: make(map[core.Pool]*ledger, len(limits))}

	for pool, lim := range limits {
		tracker.ledgers[pool] = &ledger{limits: lim, entries: make(map[string]int64)}
	}

	return tracker
}

func (t *Tracker) ledger(pool core.Pool) *ledger {
	l, ok := t.ledgers[pool]
	if !ok {
		panic(fmt.Sprintf("%v: %s", ErrUnknownPool, pool))
	}

	return l
}

// Reserve answers whether adding one entry of the given size would stay within
// the pool's ceilings. It does not change any totals.
func (t *Tracker) Reserve(pool core.Pool, bytes int64) Decision {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.check(bytes, 1)
}

// Commit records id with the given size if it fits. Committing an id that is
// already recorded is a no-op that reports Allowed.
func (t *Tracker) Commit(pool core.Pool, id string, bytes int64) Decision {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[id]; ok {
		return Decision{Allowed: true, Requested: bytes, Duplicate: true}
	}

	decision := l.check(bytes, 1)
	if decision.Allowed {
		l.entries[id] = bytes
		l.totalBytes += bytes
	}

	return decision
}

// Resize changes the recorded size of id. Shrinking always succeeds; growth is
// checked against the byte ceiling. An unknown id is treated as a Commit.
func (t *Tracker) Resize(pool core.Pool, id string, bytes int64) Decision {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[id]
	if !ok {
		decision := l.check(bytes, 1)
		if decision.Allowed {
			l.entries[id] = bytes
			l.totalBytes += bytes
		}

		return decision
	}

	delta := bytes - current
	if delta > 0 {
		decision := l.check(delta, 0)
		if !decision.Allowed {
			return decision
		}
	}

	l.entries[id] = bytes
	l.totalBytes += delta

	return Decision{Allowed: true, Requested: delta}
}

// Release forgets id and returns its bytes to the pool. It reports whether id
// was recorded.
func (t *Tracker) Release(pool core.Pool, id string) bool {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, ok := l.entries[id]
	if !ok {
		return false
	}

	delete(l.entries, id)
	l.totalBytes -= bytes

	return true
}

// Reserved returns the recorded size of id.
func (t *Tracker) Reserved(pool core.Pool, id string) (int64, bool) {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, ok := l.entries[id]

	return bytes, ok
}

// Usage returns a copy of the pool's totals.
func (t *Tracker) Usage(pool core.Pool) Usage {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	return Usage{TotalBytes: l.totalBytes, EntryCount: len(l.entries), Limits: l.limits}
}

// Limits returns the configured ceilings of a pool.
func (t *Tracker) Limits(pool core.Pool) core.Limits {
	return t.ledger(pool).limits
}

// Reconcile replaces the pool's entries with live, the result of a full scan,
// and reports whether the incremental totals had drifted from it. Entries are
// taken as-is even when they exceed the ceilings: the directory is the source
// of truth and excess is left to eviction.
func (t *Tracker) Reconcile(pool core.Pool, live map[string]int64) bool {
	l := t.ledger(pool)

	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64

	drift := len(live) != len(l.entries)

	for id, bytes := range live {
		total += bytes

		if recorded, ok := l.entries[id]; !ok || recorded != bytes {
			drift = true
		}
	}

	if total != l.totalBytes {
		drift = true
	}

	l.entries = make(map[string]int64, len(live))
	for id, bytes := range live {
		l.entries[id] = bytes
	}

	l.totalBytes = total

	return drift
}

// check must be called with l.mu held.
func (l *ledger) check(bytes int64, entries int) Decision {
	if l.limits.MaxBytes > 0 && l.totalBytes+bytes > l.limits.MaxBytes {
		return Decision{
			Dimension: DimensionBytes,
			Requested: bytes,
			Available: max(l.limits.MaxBytes-l.totalBytes, 0),
		}
	}

	if entries > 0 && l.limits.MaxCount > 0 && len(l.entries)+entries > l.limits.MaxCount {
		return Decision{
			Dimension: DimensionCount,
			Requested: int64(entries),
			Available: int64(max(l.limits.MaxCount-len(l.entries), 0)),
		}
	}

	return Decision{Allowed: true, Requested: bytes}
}
