// Package admission decides whether a new artifact may be written given the
// current pressure on its pool.
package admission

import (
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/dustin/go-humanize"
)

// ErrInvalidWatermark indicates a soft watermark outside [0, 1].
var ErrInvalidWatermark = errors.New("soft watermark must be between 0 and 1")

// Verdict is the outcome of an admission request.
type Verdict int

const (
	// Go means the estimate is recorded against the pool under the artifact id.
	Go Verdict = iota
	// Throttle means the pool is above its soft watermark. Nothing was recorded;
	// the caller should back off and ask again.
	Throttle
	// Reject means the pool cannot take the artifact even after reclaiming.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Go:
		return "go"
	case Throttle:
		return "throttle"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision carries the verdict and, on Reject, the reason.
type Decision struct {
	Verdict Verdict
	// Err wraps core.ErrCapacityExceeded or core.ErrAlreadyExists on Reject.
	Err error
	// Evicted counts artifacts removed to make room for this request.
	Evicted int
}

// Config tunes the gate.
type Config struct {
	// SoftWatermark is the fraction of a pool's byte ceiling above which new
	// work is throttled. Zero disables throttling.
	SoftWatermark float64
}

// Gate admits artifacts into the store's pools.
type Gate struct {
	store   *store.Store
	tracker *quota.Tracker
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Collector
}

// New creates a gate over st. metrics may be nil.
func New(st *store.Store, cfg Config, log *logger.Logger, m *metrics.Collector) (*Gate, error) {
	if cfg.SoftWatermark < 0 || cfg.SoftWatermark > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWatermark, cfg.SoftWatermark)
	}

	return &Gate{store: st, tracker: st.Tracker(), cfg: cfg, log: log, metrics: m}, nil
}

// Admit asks for estimatedBytes in pool under id, honoring the soft
// watermark.
func (g *Gate) Admit(pool core.Pool, id string, estimatedBytes int64) Decision {
	if g.aboveWatermark(pool, estimatedBytes) {
		g.metrics.RecordAdmission(pool.String(), Throttle.String(), "watermark")

		return Decision{Verdict: Throttle}
	}

	return g.admit(pool, id, estimatedBytes)
}

// AdmitNow is Admit without the soft watermark. Callers that have already
// waited out a throttle use it so that backpressure delays work rather than
// failing it.
func (g *Gate) AdmitNow(pool core.Pool, id string, estimatedBytes int64) Decision {
	return g.admit(pool, id, estimatedBytes)
}

// Release returns a reservation made by a Go verdict that was never turned
// into an artifact.
func (g *Gate) Release(pool core.Pool, id string) {
	g.tracker.Release(pool, id)
}

func (g *Gate) admit(pool core.Pool, id string, estimatedBytes int64) Decision {
	decision := g.tracker.Commit(pool, id, estimatedBytes)
	if decision.Duplicate {
		return g.reject(pool, fmt.Errorf("%w: %s is already reserved in %s", core.ErrAlreadyExists, id, pool), 0)
	}

	if decision.Allowed {
		g.metrics.RecordAdmission(pool.String(), Go.String(), "")

		return Decision{Verdict: Go}
	}

	// OUTPUT holds artifacts a caller asked to keep and is never reclaimed.
	if pool != core.PoolTemp {
		return g.reject(pool, decision.Err(pool), 0)
	}

	limits := g.tracker.Limits(pool)
	report := g.store.Evict(pool, store.PolicyFor(limits, estimatedBytes, 1))

	for _, e := range report.Evicted {
		g.metrics.RecordEviction(pool.String(), string(e.Reason))
	}

	g.metrics.RecordEvictionBusy(pool.String(), len(report.Busy))

	if len(report.Evicted) > 0 {
		g.log.Info("Admission reclaimed %d artifacts (%s) from %s for %s",
			len(report.Evicted), humanize.IBytes(uint64(report.FreedBytes())), pool, id)
	}

	decision = g.tracker.Commit(pool, id, estimatedBytes)
	if !decision.Allowed {
		return g.reject(pool, decision.Err(pool), len(report.Evicted))
	}

	g.metrics.RecordAdmission(pool.String(), Go.String(), "reclaimed")

	return Decision{Verdict: Go, Evicted: len(report.Evicted)}
}

func (g *Gate) reject(pool core.Pool, err error, evicted int) Decision {
	reason := core.Code(err)

	var deny *quota.DenyError
	if errors.As(err, &deny) {
		reason = string(deny.Dimension)
	}

	g.metrics.RecordAdmission(pool.String(), Reject.String(), reason)
	g.log.Warn("Admission rejected for %s pool: %v", pool, err)

	return Decision{Verdict: Reject, Err: err, Evicted: evicted}
}

func (g *Gate) aboveWatermark(pool core.Pool, estimatedBytes int64) bool {
	if g.cfg.SoftWatermark <= 0 {
		return false
	}

	usage := g.tracker.Usage(pool)
	if usage.Limits.MaxBytes <= 0 {
		return false
	}

	soft := int64(g.cfg.SoftWatermark * float64(usage.Limits.MaxBytes))
	after := usage.TotalBytes + estimatedBytes

	// Above the hard ceiling is a capacity question, not a throttle.
	return after > soft && after <= usage.Limits.MaxBytes
}
