package store_test

import (
	"testing"
	"time"

	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evictedIDs(report store.EvictionReport) []string {
	ids := make([]string, 0, len(report.Evicted))
	for _, e := range report.Evicted {
		ids = append(ids, e.Info.ID)
	}

	return ids
}

func TestEvict_CountCeilingMakesRoomForOneMore(t *testing.T) {
	t.Parallel()

	limits := core.Limits{MaxCount: 3}
	f := newFixture(t, limits, core.Limits{})

	for _, id := range []string{"a", "b", "c"} {
		writeSealed(t, f, core.PoolTemp, id, []byte("x"))
		f.clock.Advance(time.Second)
	}

	decision := f.tracker.Reserve(core.PoolTemp, 0)
	require.False(t, decision.Allowed)
	require.Equal(t, quota.DimensionCount, decision.Dimension)

	report := f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 1))
	assert.Equal(t, []string{"a"}, evictedIDs(report))
	assert.Equal(t, quota.DimensionCount, report.Evicted[0].Reason)
	assert.Equal(t, 2, report.Usage.EntryCount)

	_, err := f.store.Get("a")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestEvict_AgeBoundary(t *testing.T) {
	t.Parallel()

	limits := core.Limits{MaxAge: time.Hour}
	f := newFixture(t, limits, core.Limits{})

	writeSealed(t, f, core.PoolTemp, "aging", []byte("x"))

	f.clock.Advance(3599 * time.Second)
	report := f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 0))
	assert.Empty(t, report.Evicted)

	f.clock.Advance(2 * time.Second)
	report = f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 0))
	assert.Equal(t, []string{"aging"}, evictedIDs(report))
	assert.Equal(t, quota.DimensionAge, report.Evicted[0].Reason)
}

func TestEvict_SkipsArtifactsUnderRead(t *testing.T) {
	t.Parallel()

	limits := core.Limits{MaxBytes: 30}
	f := newFixture(t, limits, core.Limits{})

	for _, id := range []string{"first", "second", "third"} {
		writeSealed(t, f, core.PoolTemp, id, []byte("0123456789"))
		f.clock.Advance(time.Second)
	}

	reader, err := f.store.AcquireReader("first")
	require.NoError(t, err)

	report := f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 10, 0))
	assert.Equal(t, []string{"first"}, report.Busy)
	assert.Equal(t, []string{"second"}, evictedIDs(report))
	assert.Equal(t, int64(10), report.FreedBytes())

	info, err := f.store.Get("first")
	require.NoError(t, err)
	assert.Equal(t, store.StateSealed, info.State)
	assert.Equal(t, 1, info.RefCount)

	require.NoError(t, reader.Close())

	report = f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 20, 0))
	assert.Equal(t, []string{"first"}, evictedIDs(report))
}

func TestEvict_TiesBrokenByID(t *testing.T) {
	t.Parallel()

	limits := core.Limits{MaxCount: 2}
	f := newFixture(t, limits, core.Limits{})

	writeSealed(t, f, core.PoolTemp, "zulu", []byte("x"))
	writeSealed(t, f, core.PoolTemp, "alpha", []byte("x"))

	report := f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 1))
	assert.Equal(t, []string{"alpha"}, evictedIDs(report))
}

func TestEvict_LeavesWritingArtifacts(t *testing.T) {
	t.Parallel()

	limits := core.Limits{MaxAge: time.Minute}
	f := newFixture(t, limits, core.Limits{})

	w, err := f.store.Open(core.PoolTemp, "slow")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	report := f.store.Evict(core.PoolTemp, store.PolicyFor(limits, 0, 0))
	assert.Empty(t, report.Evicted)

	_, err = w.Seal()
	require.NoError(t, err)
}
