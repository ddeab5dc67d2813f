package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/book-expert/tts-server/internal/core"
)

// WriteHandle is the single writer of one artifact. Append, Seal and Abort are
// serialized, so a cancellation racing a seal resolves to exactly one of them.
type WriteHandle struct {
	store *Store
	art   *artifact

	mu   sync.Mutex
	file *os.File
	done bool
}

// ID returns the artifact id.
func (w *WriteHandle) ID() string {
	return w.art.id
}

// Pool returns the pool the artifact is written into.
func (w *WriteHandle) Pool() core.Pool {
	return w.art.pool
}

// Written returns the number of bytes appended so far.
func (w *WriteHandle) Written() int64 {
	w.art.mu.Lock()
	defer w.art.mu.Unlock()

	return w.art.size
}

// Append writes p at the end of the artifact. When the artifact outgrows its
// reservation the reservation is grown first; a denied growth leaves the
// artifact untouched and returns an error wrapping core.ErrCapacityExceeded.
func (w *WriteHandle) Append(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return fmt.Errorf("%w: %s", core.ErrWriterGone, w.art.id)
	}

	if len(p) == 0 {
		return nil
	}

	a := w.art
	tracker := w.store.tracker

	a.mu.Lock()
	newSize := a.size + int64(len(p))
	a.mu.Unlock()

	reserved, _ := tracker.Reserved(a.pool, a.id)
	if newSize > reserved {
		decision := tracker.Resize(a.pool, a.id, newSize)
		if !decision.Allowed {
			return fmt.Errorf("failed to grow artifact %s: %w", a.id, decision.Err(a.pool))
		}
	}

	n, err := w.file.Write(p)

	a.mu.Lock()
	a.size += int64(n)
	a.cond.Broadcast()
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to append to artifact %s: %w", a.id, err)
	}

	return nil
}

// Write implements io.Writer on top of Append.
func (w *WriteHandle) Write(p []byte) (int, error) {
	err := w.Append(p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Seal makes the artifact's bytes final. It fails with core.ErrWriterGone when
// the handle was already sealed or aborted.
func (w *WriteHandle) Seal() (Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return Info{}, fmt.Errorf("%w: %s", core.ErrWriterGone, w.art.id)
	}

	w.done = true

	syncErr := w.file.Sync()
	closeErr := w.file.Close()

	err := errors.Join(syncErr, closeErr)
	if err != nil {
		w.store.abort(w.art)

		return Info{}, fmt.Errorf("failed to flush artifact %s: %w", w.art.id, err)
	}

	return w.store.seal(w.art)
}

// Abort discards the artifact and releases its reservation. Readers still
// attached see core.ErrArtifactAborted and the file is unlinked when the last
// of them detaches.
func (w *WriteHandle) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return fmt.Errorf("%w: %s", core.ErrWriterGone, w.art.id)
	}

	w.done = true

	closeErr := w.file.Close()

	w.store.abort(w.art)

	if closeErr != nil {
		return fmt.Errorf("failed to close aborted artifact %s: %w", w.art.id, closeErr)
	}

	return nil
}

// ReadHandle streams an artifact from the beginning. A reader attached while
// the artifact is still being written blocks at the written prefix until more
// bytes arrive, the artifact is sealed, the writer aborts or the handle's
// context is done.
type ReadHandle struct {
	store *Store
	pool  *pool
	art   *artifact
	file  *os.File
	ctx   context.Context
	stop  func() bool

	offset    int64
	closeOnce sync.Once
	closeErr  error
}

// ID returns the artifact id.
func (r *ReadHandle) ID() string {
	return r.art.id
}

// Info returns the current metadata of the artifact.
func (r *ReadHandle) Info() Info {
	return r.art.info()
}

// Read implements io.Reader.
func (r *ReadHandle) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	a := r.art

	a.mu.Lock()
	for r.offset >= a.size && a.state == StateWriting {
		if err := r.ctx.Err(); err != nil {
			a.mu.Unlock()

			return 0, fmt.Errorf("stopped waiting for artifact %s: %w", a.id, err)
		}

		a.cond.Wait()
	}

	state, size := a.state, a.size
	a.mu.Unlock()

	if state == StateAborted {
		return 0, fmt.Errorf("%w: %s", core.ErrArtifactAborted, a.id)
	}

	if r.offset >= size {
		r.markServed()

		return 0, io.EOF
	}

	want := min(int64(len(p)), size-r.offset)

	n, err := r.file.ReadAt(p[:want], r.offset)
	r.offset += int64(n)

	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to read artifact %s: %w", a.id, err)
	}

	return n, nil
}

func (r *ReadHandle) markServed() {
	a := r.art

	a.mu.Lock()
	first := !a.served
	a.served = true
	info := a.infoLocked()
	a.mu.Unlock()

	if first {
		r.store.notifyServed(info)
	}
}

// Close detaches the reader. It is safe to call more than once.
func (r *ReadHandle) Close() error {
	r.closeOnce.Do(func() {
		if r.stop != nil {
			r.stop()
		}

		r.closeErr = r.file.Close()
		r.store.releaseReader(r.pool, r.art)
	})

	return r.closeErr
}
