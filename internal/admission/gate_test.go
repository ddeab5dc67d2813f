package admission_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/admission"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const megabyte = 1 << 20

type fixture struct {
	gate    *admission.Gate
	store   *store.Store
	tracker *quota.Tracker
	metrics *metrics.Collector
	now     time.Time
}

func newFixture(t *testing.T, temp, output core.Limits, cfg admission.Config) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	f := &fixture{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}

	root := t.TempDir()
	f.tracker = quota.NewTracker(map[core.Pool]core.Limits{core.PoolTemp: temp, core.PoolOutput: output})

	f.store, err = store.New(map[core.Pool]string{
		core.PoolTemp:   filepath.Join(root, "temp"),
		core.PoolOutput: filepath.Join(root, "output"),
	}, f.tracker, log, store.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	f.metrics = metrics.New()

	f.gate, err = admission.New(f.store, cfg, log, f.metrics)
	require.NoError(t, err)

	return f
}

// generate admits, writes and seals one artifact, advancing the clock so that
// creation order is unambiguous.
func (f *fixture) generate(t *testing.T, pool core.Pool, id string, size int) admission.Decision {
	t.Helper()

	decision := f.gate.Admit(pool, id, int64(size))
	if decision.Verdict != admission.Go {
		return decision
	}

	w, err := f.store.Open(pool, id)
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte(strings.Repeat("x", size))))

	_, err = w.Seal()
	require.NoError(t, err)

	f.now = f.now.Add(time.Second)

	return decision
}

func TestNew_RejectsBadWatermark(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{}, core.Limits{}, admission.Config{})

	_, err := admission.New(f.store, admission.Config{SoftWatermark: 1.5}, nil, nil)
	require.ErrorIs(t, err, admission.ErrInvalidWatermark)
}

func TestAdmit_TempCountCeilingEvictsOldest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{MaxCount: 3}, core.Limits{}, admission.Config{})

	for i := range 4 {
		decision := f.generate(t, core.PoolTemp, fmt.Sprintf("a%d", i), 10)
		require.Equal(t, admission.Go, decision.Verdict, "artifact %d", i)

		if i == 3 {
			assert.Equal(t, 1, decision.Evicted)
		}
	}

	assert.Equal(t, 3, f.tracker.Usage(core.PoolTemp).EntryCount)

	_, err := f.store.Get("a0")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.store.Get("a3")
	require.NoError(t, err)
}

func TestAdmit_OutputRejectLeavesPoolUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{}, core.Limits{MaxBytes: 500 * megabyte}, admission.Config{})

	require.Equal(t, admission.Go, f.gate.Admit(core.PoolOutput, "big", 499*megabyte).Verdict)

	before := f.tracker.Usage(core.PoolOutput)

	decision := f.gate.Admit(core.PoolOutput, "overflow", 2*megabyte)
	require.Equal(t, admission.Reject, decision.Verdict)
	require.ErrorIs(t, decision.Err, core.ErrCapacityExceeded)
	assert.Equal(t, core.CodeCapacityExceeded, core.Code(decision.Err))
	assert.Equal(t, before, f.tracker.Usage(core.PoolOutput))
}

func TestAdmit_TempRejectsWhenReclaimIsBlockedByReaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{MaxBytes: 100}, core.Limits{}, admission.Config{})

	f.generate(t, core.PoolTemp, "held", 80)

	reader, err := f.store.AcquireReader("held")
	require.NoError(t, err)

	defer reader.Close()

	decision := f.gate.Admit(core.PoolTemp, "next", 50)
	require.Equal(t, admission.Reject, decision.Verdict)

	var deny *quota.DenyError
	require.True(t, errors.As(decision.Err, &deny))
	assert.Equal(t, quota.DimensionBytes, deny.Dimension)

	_, err = f.store.Get("held")
	require.NoError(t, err)
}

func TestAdmit_TempReclaimsBytes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{MaxBytes: 100}, core.Limits{}, admission.Config{})

	f.generate(t, core.PoolTemp, "first", 40)
	f.generate(t, core.PoolTemp, "second", 40)

	decision := f.generate(t, core.PoolTemp, "third", 50)
	require.Equal(t, admission.Go, decision.Verdict)
	assert.Equal(t, 1, decision.Evicted)
	assert.Equal(t, int64(90), f.tracker.Usage(core.PoolTemp).TotalBytes)
}

func TestAdmit_ThrottleAboveWatermark(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{}, core.Limits{MaxBytes: 100}, admission.Config{SoftWatermark: 0.5})

	require.Equal(t, admission.Go, f.gate.Admit(core.PoolOutput, "a", 40).Verdict)

	throttled := f.gate.Admit(core.PoolOutput, "b", 20)
	require.Equal(t, admission.Throttle, throttled.Verdict)
	require.NoError(t, throttled.Err)

	_, recorded := f.tracker.Reserved(core.PoolOutput, "b")
	assert.False(t, recorded, "a throttle records nothing")

	assert.Equal(t, admission.Go, f.gate.AdmitNow(core.PoolOutput, "b", 20).Verdict)

	rejected := f.gate.Admit(core.PoolOutput, "c", 50)
	assert.Equal(t, admission.Reject, rejected.Verdict, "past the hard ceiling is not a throttle")

	expected := `
# HELP tts_admissions_total Admission decisions by pool, verdict and denial reason
# TYPE tts_admissions_total counter
tts_admissions_total{pool="output",reason="bytes",verdict="reject"} 1
tts_admissions_total{pool="output",reason="none",verdict="go"} 2
tts_admissions_total{pool="output",reason="watermark",verdict="throttle"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "tts_admissions_total"))
}

func TestAdmit_DuplicateIDRejectedWithoutReleasing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.Limits{}, core.Limits{}, admission.Config{})

	require.Equal(t, admission.Go, f.gate.Admit(core.PoolTemp, "same", 10).Verdict)

	decision := f.gate.Admit(core.PoolTemp, "same", 10)
	require.Equal(t, admission.Reject, decision.Verdict)
	require.ErrorIs(t, decision.Err, core.ErrAlreadyExists)

	reserved, ok := f.tracker.Reserved(core.PoolTemp, "same")
	require.True(t, ok)
	assert.Equal(t, int64(10), reserved)

	f.gate.Release(core.PoolTemp, "same")
	assert.Equal(t, int64(0), f.tracker.Usage(core.PoolTemp).TotalBytes)
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "go", admission.Go.String())
	assert.Equal(t, "throttle", admission.Throttle.String())
	assert.Equal(t, "reject", admission.Reject.String())
}
