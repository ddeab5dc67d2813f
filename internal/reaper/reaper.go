// Package reaper runs the periodic eviction pass over the TEMP pool.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/dustin/go-humanize"
)

var (
	// ErrInvalidInterval indicates a non-positive tick interval.
	ErrInvalidInterval = errors.New("reaper interval must be positive")
	// ErrNilStore indicates a reaper built without a store.
	ErrNilStore = errors.New("reaper requires a store")
)

// Config controls the reaper cadence.
type Config struct {
	Interval time.Duration
	// ReconcileEvery runs a full directory scan of every pool on every Nth
	// tick; zero disables the periodic scan.
	ReconcileEvery int
}

// Reaper enforces the TEMP pool's age, count and byte ceilings on a timer.
// OUTPUT is never touched.
type Reaper struct {
	store   *store.Store
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Collector

	ticks atomic.Int64
}

// New creates a reaper. metrics may be nil.
func New(st *store.Store, cfg Config, log *logger.Logger, m *metrics.Collector) (*Reaper, error) {
	if st == nil {
		return nil, ErrNilStore
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, cfg.Interval)
	}

	return &Reaper{store: st, cfg: cfg, log: log, metrics: m}, nil
}

// Run ticks until ctx is canceled. It only returns ctx's error.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("Reaper started, interval %s", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")

			return fmt.Errorf("reaper stopped: %w", ctx.Err())
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one pass: evict from TEMP, optionally reconcile every pool, then
// publish pool gauges. A panic inside the pass is logged and swallowed so the
// next tick still runs.
func (r *Reaper) Tick() (report store.EvictionReport) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Reaper pass panicked: %v", rec)
			r.metrics.RecordReaperError()
		}

		r.metrics.ObserveReaperTick(time.Since(start))
	}()

	tick := r.ticks.Add(1)

	limits := r.store.Tracker().Limits(core.PoolTemp)
	report = r.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 0))

	r.record(report)

	if r.cfg.ReconcileEvery > 0 && tick%int64(r.cfg.ReconcileEvery) == 0 {
		r.reconcile()
	}

	r.publishUsage()

	return report
}

func (r *Reaper) record(report store.EvictionReport) {
	pool := core.PoolTemp.String()

	for _, e := range report.Evicted {
		r.metrics.RecordEviction(pool, string(e.Reason))
	}

	r.metrics.RecordEvictionBusy(pool, len(report.Busy))

	for _, err := range report.Errors {
		r.log.Warn("Reaper failed to evict: %v", err)
		r.metrics.RecordReaperError()
	}

	if len(report.Evicted) > 0 {
		r.log.Info("Reaper evicted %d artifacts (%s) from %s, %d busy",
			len(report.Evicted), humanize.IBytes(uint64(report.FreedBytes())), pool, len(report.Busy))
	}

	if len(report.Busy) > 0 {
		r.log.Info("Reaper skipped artifacts under read: %v", report.Busy)
	}
}

func (r *Reaper) reconcile() {
	for _, poolID := range core.Pools {
		report, err := r.store.Reconcile(poolID)
		if err != nil {
			r.log.Error("Reaper failed to reconcile %s pool: %v", poolID, err)
			r.metrics.RecordReaperError()

			continue
		}

		if report.Drift {
			r.log.Warn("Accounting drift corrected in %s pool: %d adopted, %d missing, %d resized",
				poolID, report.Adopted, report.Missing, report.Resized)
			r.metrics.RecordDrift(poolID.String())
		}
	}
}

func (r *Reaper) publishUsage() {
	tracker := r.store.Tracker()

	for _, poolID := range core.Pools {
		usage := tracker.Usage(poolID)
		r.metrics.SetPoolUsage(poolID.String(), usage.TotalBytes, usage.EntryCount, usage.Limits.MaxBytes)
	}
}
