package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/tts-server/internal/core"
)

// State is the lifecycle position of an artifact.
type State int

const (
	// StateWriting is held from Open until Seal or Abort. Only the writer mutates the bytes.
	StateWriting State = iota
	// StateSealed means the bytes are final.
	StateSealed
	// StateEvicting is entered from StateSealed with no readers, just before unlink.
	StateEvicting
	// StateAborted means the writer failed while readers were still attached; the
	// file is unlinked when the last reader releases it.
	StateAborted
	// StateGone is terminal.
	StateGone
)

func (s State) String() string {
	switch s {
	case StateWriting:
		return "writing"
	case StateSealed:
		return "sealed"
	case StateEvicting:
		return "evicting"
	case StateAborted:
		return "aborted"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateWriting:
		return to == StateSealed || to == StateAborted || to == StateGone
	case StateSealed:
		return to == StateEvicting
	case StateEvicting:
		return to == StateGone || to == StateSealed
	case StateAborted:
		return to == StateGone
	default:
		return false
	}
}

// Info is a point-in-time copy of an artifact's metadata.
type Info struct {
	ID        string    `json:"id"`
	Pool      core.Pool `json:"-"`
	PoolName  string    `json:"pool"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	SealedAt  time.Time `json:"sealed_at,omitzero"`
	RefCount  int       `json:"ref_count"`
	State     State     `json:"state"`
	Served    bool      `json:"served"`
}

// artifact is the in-memory record of one stored file. The owning pool's
// mutex guards its membership in the index; mu guards every field below it and
// must be acquired after the pool mutex.
type artifact struct {
	id   string
	pool core.Pool

	mu        sync.Mutex
	cond      *sync.Cond
	path      string
	size      int64
	createdAt time.Time
	sealedAt  time.Time
	refCount  int
	state     State
	served    bool
}

func newArtifact(id string, pool core.Pool, path string, createdAt time.Time, state State) *artifact {
	a := &artifact{
		id:        id,
		pool:      pool,
		path:      path,
		createdAt: createdAt,
		state:     state,
	}
	a.cond = sync.NewCond(&a.mu)

	return a
}

// transition must be called with a.mu held.
func (a *artifact) transition(to State) {
	if !isAllowedTransition(a.state, to) {
		panic(fmt.Sprintf("artifact %s: disallowed transition %s -> %s", a.id, a.state, to))
	}

	a.state = to
	a.cond.Broadcast()
}

// infoLocked must be called with a.mu held.
func (a *artifact) infoLocked() Info {
	return Info{
		ID:        a.id,
		Pool:      a.pool,
		PoolName:  a.pool.String(),
		SizeBytes: a.size,
		CreatedAt: a.createdAt,
		SealedAt:  a.sealedAt,
		RefCount:  a.refCount,
		State:     a.state,
		Served:    a.served,
	}
}

func (a *artifact) info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.infoLocked()
}
