package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/store"
)

// State is the position of a generation job in its lifecycle.
type State int

const (
	StateQueued State = iota
	StateAdmitted
	StateStreaming
	StateSealed
	StateServed
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAdmitted:
		return "admitted"
	case StateStreaming:
		return "streaming"
	case StateSealed:
		return "sealed"
	case StateServed:
		return "served"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateServed || s == StateExpired || s == StateFailed
}

var transitions = map[State][]State{
	StateQueued:    {StateAdmitted, StateFailed},
	StateAdmitted:  {StateStreaming, StateFailed},
	StateStreaming: {StateSealed, StateFailed},
	StateSealed:    {StateServed, StateExpired},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Status is a point-in-time view of a job, shaped for JSON.
type Status struct {
	ID        string       `json:"id"`
	State     State        `json:"state"`
	Pool      string       `json:"pool"`
	Format    audio.Format `json:"format"`
	SizeBytes int64        `json:"size_bytes"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Job tracks one generation request.
type Job struct {
	id     string
	pool   core.Pool
	format audio.Format

	mu        sync.Mutex
	state     State
	err       error
	info      store.Info
	createdAt time.Time
	updatedAt time.Time
	// Set when the store reports a read or a removal before the pipeline has
	// recorded the seal.
	early State

	// reader pins the artifact for a caller that asked for Hold.
	reader   *store.ReadHandle
	released bool

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func newJob(id string, pool core.Pool, format audio.Format, now time.Time) *Job {
	return &Job{
		id:        id,
		pool:      pool,
		format:    format,
		state:     StateQueued,
		createdAt: now,
		updatedAt: now,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the artifact id the job writes.
func (j *Job) ID() string {
	return j.id
}

// Pool returns the pool the artifact is written into.
func (j *Job) Pool() core.Pool {
	return j.pool
}

// Format returns the container the artifact is written in.
func (j *Job) Format() audio.Format {
	return j.format
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.state
}

// Err returns the failure reason of a FAILED job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.err
}

// Status snapshots the job.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	status := Status{
		ID:        j.id,
		State:     j.state,
		Pool:      j.pool.String(),
		Format:    j.format,
		SizeBytes: j.info.SizeBytes,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}

	if j.err != nil {
		status.Error = j.err.Error()
		status.Code = core.Code(j.err)
	}

	return status
}

// Started blocks until the artifact exists in the store and readers may
// attach, or until the job fails first.
func (j *Job) Started(ctx context.Context) error {
	select {
	case <-j.started:
		return j.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for job %s to start: %w", j.id, ctx.Err())
	}
}

// Wait blocks until the job is sealed or failed and returns the sealed
// artifact's metadata.
func (j *Job) Wait(ctx context.Context) (store.Info, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return store.Info{}, fmt.Errorf("waiting for job %s: %w", j.id, ctx.Err())
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return store.Info{}, j.err
	}

	return j.info, nil
}

// Done is closed once the job is sealed or failed.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Reader returns the handle pinned for a Hold request once Started has
// returned without error, or nil. The handle stays owned by the job; the
// caller reads from it and ends with Release.
func (j *Job) Reader() *store.ReadHandle {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.released {
		return nil
	}

	return j.reader
}

// Release drops the pinned reader. It is safe to call more than once and
// before the job has started; a handle pinned afterwards is closed at once.
func (j *Job) Release() {
	j.mu.Lock()
	reader := j.reader
	j.reader = nil
	j.released = true
	j.mu.Unlock()

	if reader != nil {
		_ = reader.Close()
	}
}

// pin attaches reader to the job unless the caller has already released it.
func (j *Job) pin(reader *store.ReadHandle) {
	j.mu.Lock()

	if !j.released {
		j.reader = reader
		j.mu.Unlock()

		return
	}

	j.mu.Unlock()

	_ = reader.Close()
}

// advance moves the job to state if the transition is allowed and reports
// whether it did.
func (j *Job) advance(to State, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.state, to) {
		return false
	}

	j.state = to
	j.updatedAt = now

	return true
}

func (j *Job) markStreaming(now time.Time) {
	j.advance(StateStreaming, now)
	j.startedOnce.Do(func() { close(j.started) })
}

func (j *Job) markSealed(info store.Info, now time.Time) State {
	j.mu.Lock()

	j.info = info

	if canTransition(j.state, StateSealed) {
		j.state = StateSealed
		j.updatedAt = now

		if j.early != StateQueued {
			j.state = j.early
		}
	}

	state := j.state
	j.mu.Unlock()

	j.doneOnce.Do(func() { close(j.done) })

	return state
}

// observe applies a store event. SERVED and EXPIRED follow SEALED; an event
// that overtakes the seal is held until markSealed.
func (j *Job) observe(to State, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateSealed:
		j.state = to
		j.updatedAt = now

		return true
	case StateStreaming:
		if j.early == StateQueued {
			j.early = to
		}
	}

	return false
}

func (j *Job) fail(err error, now time.Time) bool {
	j.mu.Lock()

	if !canTransition(j.state, StateFailed) {
		j.mu.Unlock()

		return false
	}

	j.state = StateFailed
	j.err = err
	j.updatedAt = now
	j.mu.Unlock()

	j.startedOnce.Do(func() { close(j.started) })
	j.doneOnce.Do(func() { close(j.done) })

	return true
}

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return (j.state.Terminal() || j.state == StateSealed) && j.updatedAt.Before(cutoff)
}
