package store

import (
	"errors"
	"time"

	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/quota"
)

// EvictionPolicy describes which artifacts a pass may remove. MaxBytes and
// MaxCount are ceilings the pool must end up under after making room for
// NeedBytes and NeedEntries more; zero disables a dimension.
type EvictionPolicy struct {
	MaxAge      time.Duration
	MaxBytes    int64
	MaxCount    int
	NeedBytes   int64
	NeedEntries int
}

// PolicyFor builds the policy that enforces limits with the given headroom.
func PolicyFor(limits core.Limits, needBytes int64, needEntries int) EvictionPolicy {
	return EvictionPolicy{
		MaxAge:      limits.MaxAge,
		MaxBytes:    limits.MaxBytes,
		MaxCount:    limits.MaxCount,
		NeedBytes:   needBytes,
		NeedEntries: needEntries,
	}
}

// Eviction is one artifact removed by a pass and the ceiling that selected it.
type Eviction struct {
	Info   Info
	Reason quota.Dimension
}

// EvictionReport summarizes one eviction pass.
type EvictionReport struct {
	Evicted []Eviction
	// Busy lists candidates skipped because readers were attached.
	Busy   []string
	Errors []error
	Usage  quota.Usage
}

// FreedBytes sums the sizes of the evicted artifacts.
func (r EvictionReport) FreedBytes() int64 {
	var total int64
	for _, e := range r.Evicted {
		total += e.Info.SizeBytes
	}

	return total
}

// Evict removes sealed artifacts of a pool oldest first, ties broken by id,
// until the policy is satisfied. Artifacts with readers are skipped and left
// for a later pass. The reaper and the admission gate both reclaim through
// this one method; it takes no lock across candidates and is safe to run
// concurrently with itself.
func (s *Store) Evict(poolID core.Pool, policy EvictionPolicy) EvictionReport {
	var report EvictionReport

	usage := s.tracker.Usage(poolID)
	totalBytes, entryCount := usage.TotalBytes, usage.EntryCount
	now := s.now()

	for _, candidate := range s.List(poolID) {
		if candidate.State != StateSealed {
			continue
		}

		reason := quota.DimensionNone

		switch {
		case policy.MaxAge > 0 && now.Sub(candidate.CreatedAt) > policy.MaxAge:
			reason = quota.DimensionAge
		case policy.MaxCount > 0 && entryCount+policy.NeedEntries > policy.MaxCount:
			reason = quota.DimensionCount
		case policy.MaxBytes > 0 && totalBytes+policy.NeedBytes > policy.MaxBytes:
			reason = quota.DimensionBytes
		}

		// Candidates are oldest first and the pool only shrinks, so once one
		// is neither expired nor needed for headroom none of the rest are.
		if reason == quota.DimensionNone {
			break
		}

		removed, err := s.deleteFrom(poolID, candidate.ID, ReasonEvicted)

		switch {
		case errors.Is(err, core.ErrNotFound):
			continue
		case err != nil:
			report.Errors = append(report.Errors, err)
		case !removed:
			report.Busy = append(report.Busy, candidate.ID)
		default:
			totalBytes -= candidate.SizeBytes
			entryCount--

			report.Evicted = append(report.Evicted, Eviction{Info: candidate, Reason: reason})
		}
	}

	report.Usage = s.tracker.Usage(poolID)

	return report
}
