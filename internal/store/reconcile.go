package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/tts-server/internal/core"
)

// ReconcileReport summarizes a directory scan.
type ReconcileReport struct {
	Adopted         int
	Missing         int
	Resized         int
	PartialsRemoved int
	Ignored         int
	// Duplicates counts files skipped because their id lives in another pool.
	Duplicates int
	Drift      bool
}

// Reconcile rebuilds a pool's index and quota totals from its directory, the
// sole source of truth. Files the index does not know are adopted as sealed
// artifacts dated by their modification time, index entries whose file has
// vanished are dropped unless a reader still holds them, and leftover partial
// files from a previous process are removed. A file whose id is already indexed
// in another pool is left alone. The same scan recovers the store
// at startup and checks for accounting drift at runtime.
func (s *Store) Reconcile(poolID core.Pool) (ReconcileReport, error) {
	report, missing, err := s.reconcile(s.pools[poolID])
	if err != nil {
		return report, err
	}

	for _, info := range missing {
		s.notifyRemoved(info, ReasonMissing)
	}

	return report, nil
}

func (s *Store) reconcile(p *pool) (ReconcileReport, []Info, error) {
	var report ReconcileReport

	poolID := p.id

	// Ids are unique across pools, so adoption has to see the siblings too.
	s.lockAll()
	defer s.unlockAll()

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return report, nil, fmt.Errorf("failed to scan %s: %w", p.dir, err)
	}

	onDisk := make(map[string]fs.DirEntry, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			onDisk[entry.Name()] = entry
		}
	}

	live := make(map[string]int64, len(onDisk))
	known := make(map[string]struct{}, len(p.artifacts))

	var missing []Info

	for id, a := range p.artifacts {
		a.mu.Lock()
		name := filepath.Base(a.path)
		known[name] = struct{}{}

		switch a.state {
		case StateWriting, StateAborted:
			reserved, ok := s.tracker.Reserved(poolID, id)
			if !ok {
				reserved = a.size
			}

			live[id] = max(reserved, a.size)
		default:
			entry, exists := onDisk[name]
			if !exists && a.refCount == 0 {
				delete(p.artifacts, id)
				a.state = StateGone
				a.cond.Broadcast()
				missing = append(missing, a.infoLocked())
				report.Missing++
				a.mu.Unlock()

				continue
			}

			if exists {
				info, statErr := entry.Info()
				if statErr == nil && info.Size() != a.size {
					a.size = info.Size()
					report.Resized++
				}
			}

			live[id] = a.size
		}

		a.mu.Unlock()
	}

	for name, entry := range onDisk {
		if _, ok := known[name]; ok {
			continue
		}

		if strings.HasSuffix(name, core.PartialSuffix) {
			removeErr := os.Remove(filepath.Join(p.dir, name))
			if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				s.log.Warn("Failed to remove partial file %s: %v", name, removeErr)
			} else {
				report.PartialsRemoved++
			}

			continue
		}

		if core.ValidateID(name) != nil {
			report.Ignored++

			continue
		}

		if sibling, ok := s.indexedElsewhere(poolID, name); ok {
			s.log.Warn("Skipping %s in %s pool: already indexed in %s pool", name, poolID, sibling)

			report.Duplicates++

			continue
		}

		info, statErr := entry.Info()
		if statErr != nil {
			s.log.Warn("Failed to stat %s during scan: %v", name, statErr)

			continue
		}

		a := newArtifact(name, poolID, filepath.Join(p.dir, name), info.ModTime(), StateSealed)
		a.size = info.Size()
		a.sealedAt = info.ModTime()
		p.artifacts[name] = a
		live[name] = a.size
		report.Adopted++
	}

	report.Drift = s.tracker.Reconcile(poolID, live)

	return report, missing, nil
}

// indexedElsewhere reports the pool other than poolID that indexes id. The
// caller holds every pool mutex.
func (s *Store) indexedElsewhere(poolID core.Pool, id string) (core.Pool, bool) {
	for _, other := range core.Pools {
		if other == poolID {
			continue
		}

		if _, ok := s.pools[other].artifacts[id]; ok {
			return other, true
		}
	}

	return poolID, false
}
