// Package quota_test tests the per-pool quota tracker.
package quota_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const megabyte = 1 << 20

func newTracker() *quota.Tracker {
	return quota.NewTracker(map[core.Pool]core.Limits{
		core.PoolTemp:   {MaxBytes: 10 * megabyte, MaxCount: 3},
		core.PoolOutput: {MaxBytes: 500 * megabyte},
	})
}

func TestReserve_DoesNotMutate(t *testing.T) {
	t.Parallel()

	tracker := newTracker()

	decision := tracker.Reserve(core.PoolTemp, megabyte)
	require.True(t, decision.Allowed)

	usage := tracker.Usage(core.PoolTemp)
	assert.Zero(t, usage.TotalBytes)
	assert.Zero(t, usage.EntryCount)
}

func TestReserve_DeniesEachDimension(t *testing.T) {
	t.Parallel()

	tracker := newTracker()

	decision := tracker.Reserve(core.PoolTemp, 11*megabyte)
	require.False(t, decision.Allowed)
	assert.Equal(t, quota.DimensionBytes, decision.Dimension)
	assert.Equal(t, int64(10*megabyte), decision.Available)

	for i := range 3 {
		require.True(t, tracker.Commit(core.PoolTemp, fmt.Sprintf("a%d", i), 1).Allowed)
	}

	decision = tracker.Reserve(core.PoolTemp, 1)
	require.False(t, decision.Allowed)
	assert.Equal(t, quota.DimensionCount, decision.Dimension)

	err := decision.Err(core.PoolTemp)
	require.ErrorIs(t, err, core.ErrCapacityExceeded)

	var deny *quota.DenyError
	require.True(t, errors.As(err, &deny))
	assert.Equal(t, core.PoolTemp, deny.Pool)
}

func TestCommit_IsIdempotent(t *testing.T) {
	t.Parallel()

	tracker := newTracker()

	require.False(t, tracker.Commit(core.PoolOutput, "a", 100).Duplicate)

	again := tracker.Commit(core.PoolOutput, "a", 100)
	require.True(t, again.Allowed)
	require.True(t, again.Duplicate)

	usage := tracker.Usage(core.PoolOutput)
	assert.Equal(t, int64(100), usage.TotalBytes)
	assert.Equal(t, 1, usage.EntryCount)
}

func TestOutputPool_RejectLeavesPoolUnchanged(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	require.True(t, tracker.Commit(core.PoolOutput, "big", 499*megabyte).Allowed)

	before := tracker.Usage(core.PoolOutput)

	decision := tracker.Commit(core.PoolOutput, "overflow", 2*megabyte)
	require.False(t, decision.Allowed)
	assert.Equal(t, quota.DimensionBytes, decision.Dimension)
	assert.Equal(t, before, tracker.Usage(core.PoolOutput))
}

func TestResize(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	require.True(t, tracker.Commit(core.PoolTemp, "a", 4*megabyte).Allowed)

	require.True(t, tracker.Resize(core.PoolTemp, "a", megabyte).Allowed)
	assert.Equal(t, int64(megabyte), tracker.Usage(core.PoolTemp).TotalBytes)

	require.True(t, tracker.Resize(core.PoolTemp, "a", 10*megabyte).Allowed)

	decision := tracker.Resize(core.PoolTemp, "a", 10*megabyte+1)
	require.False(t, decision.Allowed)
	assert.Equal(t, int64(10*megabyte), tracker.Usage(core.PoolTemp).TotalBytes)

	reserved, ok := tracker.Reserved(core.PoolTemp, "a")
	require.True(t, ok)
	assert.Equal(t, int64(10*megabyte), reserved)
}

func TestRelease(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	require.True(t, tracker.Commit(core.PoolTemp, "a", 42).Allowed)

	assert.True(t, tracker.Release(core.PoolTemp, "a"))
	assert.False(t, tracker.Release(core.PoolTemp, "a"))
	assert.Equal(t, quota.Usage{Limits: tracker.Limits(core.PoolTemp)}, tracker.Usage(core.PoolTemp))
}

func TestReconcile_ReportsDrift(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	require.True(t, tracker.Commit(core.PoolTemp, "a", 10).Allowed)

	assert.False(t, tracker.Reconcile(core.PoolTemp, map[string]int64{"a": 10}))
	assert.True(t, tracker.Reconcile(core.PoolTemp, map[string]int64{"a": 10, "b": 20}))

	usage := tracker.Usage(core.PoolTemp)
	assert.Equal(t, int64(30), usage.TotalBytes)
	assert.Equal(t, 2, usage.EntryCount)
}

func TestCommit_ConcurrentNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	tracker := quota.NewTracker(map[core.Pool]core.Limits{
		core.PoolOutput: {MaxBytes: 1000},
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for i := range 64 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if tracker.Commit(core.PoolOutput, fmt.Sprintf("id-%d", i), 100).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(1000), tracker.Usage(core.PoolOutput).TotalBytes)
}
