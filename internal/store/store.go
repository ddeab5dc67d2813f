// Package store implements the bounded artifact store: two directories of
// audio files, one file per artifact id, with quota accounting kept in step
// with every mutation and reader reference counts that make deletion of an
// artifact under read impossible.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/dustin/go-humanize"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// ErrNoDirectory indicates a pool configured without a directory.
var ErrNoDirectory = errors.New("pool directory cannot be empty")

// RemovalReason records why an artifact left the store.
type RemovalReason string

const (
	ReasonDeleted RemovalReason = "deleted"
	ReasonEvicted RemovalReason = "evicted"
	ReasonAborted RemovalReason = "aborted"
	ReasonMissing RemovalReason = "missing"
)

// Observer is told about reads completing and artifacts leaving the store.
// Callbacks run after the store has released its locks.
type Observer interface {
	ArtifactServed(info Info)
	ArtifactRemoved(info Info, reason RemovalReason)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests of age-based eviction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type pool struct {
	id        core.Pool
	dir       string
	mu        sync.Mutex
	artifacts map[string]*artifact
}

// Store owns the artifact files of every pool.
type Store struct {
	pools   map[core.Pool]*pool
	tracker *quota.Tracker
	log     *logger.Logger
	now     func() time.Time

	observerMu sync.RWMutex
	observers  []Observer
}

// New creates the pool directories if needed and rebuilds the in-memory index
// and the tracker totals from their contents.
func New(
	dirs map[core.Pool]string,
	tracker *quota.Tracker,
	log *logger.Logger,
	opts ...Option,
) (*Store, error) {
	s := &Store{
		pools:   make(map[core.Pool]*pool, len(dirs)),
		tracker: tracker,
		log:     log,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, id := range core.Pools {
		dir, ok := dirs[id]
		if !ok || dir == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoDirectory, id)
		}

		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s directory %s: %w", id, dir, err)
		}

		s.pools[id] = &pool{id: id, dir: dir, artifacts: make(map[string]*artifact)}
	}

	for _, id := range core.Pools {
		report, err := s.Reconcile(id)
		if err != nil {
			return nil, fmt.Errorf("failed to recover %s pool: %w", id, err)
		}

		usage := tracker.Usage(id)
		log.Info("Recovered %s pool from %s: %d artifacts, %s, %d partial files removed",
			id, s.pools[id].dir, usage.EntryCount, humanize.IBytes(uint64(usage.TotalBytes)), report.PartialsRemoved)
	}

	return s, nil
}

// Observe registers an observer for serve and removal events.
func (s *Store) Observe(o Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()

	s.observers = append(s.observers, o)
}

// Tracker exposes the quota tracker the store accounts against.
func (s *Store) Tracker() *quota.Tracker {
	return s.tracker
}

// Dir returns the directory backing a pool.
func (s *Store) Dir(id core.Pool) string {
	return s.pools[id].dir
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) lockAll() {
	for _, id := range core.Pools {
		s.pools[id].mu.Lock()
	}
}

func (s *Store) unlockAll() {
	for i := len(core.Pools) - 1; i >= 0; i-- {
		s.pools[core.Pools[i]].mu.Unlock()
	}
}

// Open starts a new artifact in the given pool. Ids are unique across pools
// for as long as an artifact with that id has not reached StateGone.
func (s *Store) Open(poolID core.Pool, id string) (*WriteHandle, error) {
	err := core.ValidateID(id)
	if err != nil {
		return nil, err
	}

	p := s.pools[poolID]

	s.lockAll()
	defer s.unlockAll()

	for _, other := range s.pools {
		if _, exists := other.artifacts[id]; exists {
			return nil, fmt.Errorf("%w: %s in %s pool", core.ErrAlreadyExists, id, other.id)
		}
	}

	decision := s.tracker.Commit(poolID, id, 0)
	if !decision.Allowed {
		return nil, decision.Err(poolID)
	}

	path := filepath.Join(p.dir, id+core.PartialSuffix)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		s.tracker.Release(poolID, id)

		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrAlreadyExists, path)
		}

		return nil, fmt.Errorf("failed to create artifact file %s: %w", path, err)
	}

	a := newArtifact(id, poolID, path, s.now(), StateWriting)
	p.artifacts[id] = a

	return &WriteHandle{store: s, art: a, file: file}, nil
}

// AcquireReader attaches a reader to a writing or sealed artifact. The
// existence check and the reference count increment happen under the pool
// lock, so the artifact cannot be deleted in between.
func (s *Store) AcquireReader(id string) (*ReadHandle, error) {
	return s.AcquireReaderContext(context.Background(), id)
}

// AcquireReaderContext is AcquireReader with a reader that stops waiting for a
// live writer once ctx is done.
func (s *Store) AcquireReaderContext(ctx context.Context, id string) (*ReadHandle, error) {
	for _, poolID := range core.Pools {
		p := s.pools[poolID]

		handle, found, err := s.acquireFrom(ctx, p, id)
		if found || err != nil {
			return handle, err
		}
	}

	return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
}

func (s *Store) acquireFrom(ctx context.Context, p *pool, id string) (*ReadHandle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.artifacts[id]
	if !ok {
		return nil, false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateWriting && a.state != StateSealed {
		return nil, true, fmt.Errorf("%w: %s is %s", core.ErrNotFound, id, a.state)
	}

	file, err := os.Open(a.path)
	if err != nil {
		return nil, true, fmt.Errorf("failed to open artifact %s: %w", id, err)
	}

	a.refCount++

	handle := &ReadHandle{store: s, pool: p, art: a, file: file, ctx: ctx}
	if ctx.Done() != nil {
		handle.stop = context.AfterFunc(ctx, func() {
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		})
	}

	return handle, true, nil
}

// ReleaseReader detaches a reader; it is the same as closing the handle.
func (s *Store) ReleaseReader(handle *ReadHandle) error {
	return handle.Close()
}

func (s *Store) releaseReader(p *pool, a *artifact) {
	p.mu.Lock()
	a.mu.Lock()

	a.refCount--

	var removed *Info

	if a.refCount == 0 && a.state == StateAborted {
		err := s.removeLocked(p, a)
		if err != nil {
			s.log.Error("Failed to remove aborted artifact %s: %v", a.id, err)
		} else {
			info := a.infoLocked()
			removed = &info
		}
	}

	a.mu.Unlock()
	p.mu.Unlock()

	if removed != nil {
		s.notifyRemoved(*removed, ReasonAborted)
	}
}

// Delete removes a sealed artifact. It returns false without error when
// readers are attached; the caller is expected to retry later.
func (s *Store) Delete(id string) (bool, error) {
	for _, poolID := range core.Pools {
		removed, err := s.deleteFrom(poolID, id, ReasonDeleted)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}

		return removed, err
	}

	return false, fmt.Errorf("%w: %s", core.ErrNotFound, id)
}

func (s *Store) deleteFrom(poolID core.Pool, id string, reason RemovalReason) (bool, error) {
	p := s.pools[poolID]

	p.mu.Lock()

	a, ok := p.artifacts[id]
	if !ok {
		p.mu.Unlock()

		return false, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}

	a.mu.Lock()

	if a.refCount > 0 {
		a.mu.Unlock()
		p.mu.Unlock()

		return false, nil
	}

	if a.state != StateSealed {
		state := a.state
		a.mu.Unlock()
		p.mu.Unlock()

		return false, fmt.Errorf("%w: %s is %s", core.ErrArtifactBusy, id, state)
	}

	a.transition(StateEvicting)

	err := s.removeLocked(p, a)
	if err != nil {
		a.transition(StateSealed)
		a.mu.Unlock()
		p.mu.Unlock()

		return false, err
	}

	info := a.infoLocked()

	a.mu.Unlock()
	p.mu.Unlock()

	s.notifyRemoved(info, reason)

	return true, nil
}

// removeLocked unlinks the file and drops the artifact from the index and the
// tracker. It must be called with p.mu and a.mu held.
func (s *Store) removeLocked(p *pool, a *artifact) error {
	err := os.Remove(a.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact file %s: %w", a.path, err)
	}

	delete(p.artifacts, a.id)
	s.tracker.Release(p.id, a.id)
	a.transition(StateGone)

	return nil
}

func (s *Store) abort(a *artifact) {
	p := s.pools[a.pool]

	p.mu.Lock()
	a.mu.Lock()

	if a.refCount > 0 {
		a.transition(StateAborted)
		a.mu.Unlock()
		p.mu.Unlock()

		return
	}

	err := s.removeLocked(p, a)
	info := a.infoLocked()

	a.mu.Unlock()
	p.mu.Unlock()

	if err != nil {
		s.log.Error("Failed to remove aborted artifact %s: %v", a.id, err)

		return
	}

	s.notifyRemoved(info, ReasonAborted)
}

func (s *Store) seal(a *artifact) (Info, error) {
	p := s.pools[a.pool]
	final := filepath.Join(p.dir, a.id)

	p.mu.Lock()
	a.mu.Lock()

	err := os.Rename(a.path, final)
	if err != nil {
		a.mu.Unlock()
		p.mu.Unlock()
		s.abort(a)

		return Info{}, fmt.Errorf("failed to seal artifact %s: %w", a.id, err)
	}

	a.path = final
	a.sealedAt = s.now()
	a.transition(StateSealed)

	// Appends already grew the reservation to the written size, so this only
	// hands back an over-estimate.
	s.tracker.Resize(p.id, a.id, a.size)

	info := a.infoLocked()

	a.mu.Unlock()
	p.mu.Unlock()

	return info, nil
}

// Promote moves a sealed TEMP artifact without readers into the OUTPUT pool.
func (s *Store) Promote(id string) (Info, error) {
	s.lockAll()
	defer s.unlockAll()

	temp := s.pools[core.PoolTemp]
	output := s.pools[core.PoolOutput]

	if a, ok := output.artifacts[id]; ok {
		return a.info(), nil
	}

	a, ok := temp.artifacts[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateSealed || a.refCount > 0 {
		return Info{}, fmt.Errorf("%w: %s is %s with %d readers", core.ErrArtifactBusy, id, a.state, a.refCount)
	}

	decision := s.tracker.Commit(core.PoolOutput, id, a.size)
	if !decision.Allowed {
		return Info{}, decision.Err(core.PoolOutput)
	}

	dst := filepath.Join(output.dir, id)

	err := moveFile(a.path, dst)
	if err != nil {
		s.tracker.Release(core.PoolOutput, id)

		return Info{}, fmt.Errorf("failed to promote artifact %s: %w", id, err)
	}

	delete(temp.artifacts, id)
	s.tracker.Release(core.PoolTemp, id)

	a.pool = core.PoolOutput
	a.path = dst
	output.artifacts[id] = a

	return a.infoLocked(), nil
}

// Get returns the metadata of an artifact in any pool.
func (s *Store) Get(id string) (Info, error) {
	for _, poolID := range core.Pools {
		p := s.pools[poolID]

		p.mu.Lock()
		a, ok := p.artifacts[id]
		p.mu.Unlock()

		if ok {
			return a.info(), nil
		}
	}

	return Info{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
}

// List returns every artifact of a pool, oldest first with ties broken by id.
func (s *Store) List(poolID core.Pool) []Info {
	p := s.pools[poolID]

	p.mu.Lock()

	infos := make([]Info, 0, len(p.artifacts))
	for _, a := range p.artifacts {
		infos = append(infos, a.info())
	}

	p.mu.Unlock()

	slices.SortFunc(infos, compareAge)

	return infos
}

func compareAge(a, b Info) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func (s *Store) notifyServed(info Info) {
	s.observerMu.RLock()
	defer s.observerMu.RUnlock()

	for _, o := range s.observers {
		o.ArtifactServed(info)
	}
}

func (s *Store) notifyRemoved(info Info, reason RemovalReason) {
	s.observerMu.RLock()
	defer s.observerMu.RUnlock()

	for _, o := range s.observers {
		o.ArtifactRemoved(info, reason)
	}
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	copyErr := copyThenRemove(src, dst, os.Remove)
	if copyErr != nil {
		return errors.Join(err, copyErr)
	}

	return nil
}

// copyThenRemove copies src to dst and removes src with remove. On any failure
// dst is removed again, leaving the file only at src.
func copyThenRemove(src, dst string, remove func(string) error) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	err = errors.Join(copyErr, syncErr, closeErr)
	if err == nil {
		err = remove(src)
	}

	if err != nil {
		_ = os.Remove(dst)

		return err
	}

	return nil
}
