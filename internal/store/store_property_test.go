package store_test

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/book-expert/tts-server/internal/store"
	"pgregory.net/rapid"
)

// Whatever sequence of chunks is appended, a sealed artifact reads back the
// exact concatenation and the tracker records exactly its size.
func TestProperty_SealedBytesMatchAppends(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	rapid.Check(t, func(rt *rapid.T) {
		root := t.TempDir()
		tracker := quota.NewTracker(map[core.Pool]core.Limits{
			core.PoolTemp:   {},
			core.PoolOutput: {},
		})

		s, err := store.New(map[core.Pool]string{
			core.PoolTemp:   filepath.Join(root, "temp"),
			core.PoolOutput: filepath.Join(root, "output"),
		}, tracker, log)
		if err != nil {
			rt.Fatalf("new store: %v", err)
		}

		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 512), 0, 16).Draw(rt, "chunks")

		w, err := s.Open(core.PoolTemp, "prop")
		if err != nil {
			rt.Fatalf("open: %v", err)
		}

		var want bytes.Buffer

		for _, chunk := range chunks {
			if appendErr := w.Append(chunk); appendErr != nil {
				rt.Fatalf("append: %v", appendErr)
			}

			want.Write(chunk)
		}

		info, err := w.Seal()
		if err != nil {
			rt.Fatalf("seal: %v", err)
		}

		reader, err := s.AcquireReader("prop")
		if err != nil {
			rt.Fatalf("acquire: %v", err)
		}

		got, err := io.ReadAll(reader)
		_ = reader.Close()

		if err != nil {
			rt.Fatalf("read: %v", err)
		}

		if !bytes.Equal(got, want.Bytes()) {
			rt.Fatalf("read back %d bytes, appended %d", len(got), want.Len())
		}

		usage := tracker.Usage(core.PoolTemp)
		if usage.TotalBytes != info.SizeBytes || info.SizeBytes != int64(want.Len()) {
			rt.Fatalf("tracker %d, info %d, appended %d", usage.TotalBytes, info.SizeBytes, want.Len())
		}
	})
}

// Under random interleavings of open, append, seal, abort and delete against a
// byte ceiling, the tracker never exceeds the ceiling and always equals the sum
// of live artifact sizes.
func TestProperty_TotalsFollowLiveArtifacts(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	rapid.Check(t, func(rt *rapid.T) {
		const ceiling = 2048

		root := t.TempDir()
		tracker := quota.NewTracker(map[core.Pool]core.Limits{
			core.PoolTemp:   {MaxBytes: ceiling, MaxCount: 6},
			core.PoolOutput: {},
		})

		s, err := store.New(map[core.Pool]string{
			core.PoolTemp:   filepath.Join(root, "temp"),
			core.PoolOutput: filepath.Join(root, "output"),
		}, tracker, log)
		if err != nil {
			rt.Fatalf("new store: %v", err)
		}

		writers := map[string]*store.WriteHandle{}
		next := 0

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for range steps {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				id := fmt.Sprintf("a%d", next)
				next++

				w, openErr := s.Open(core.PoolTemp, id)
				if openErr == nil {
					writers[id] = w
				}
			case 1:
				for _, w := range writers {
					_ = w.Append(make([]byte, rapid.IntRange(1, 700).Draw(rt, "n")))

					break
				}
			case 2:
				for id, w := range writers {
					if rapid.Bool().Draw(rt, "seal") {
						_, _ = w.Seal()
					} else {
						_ = w.Abort()
					}

					delete(writers, id)

					break
				}
			case 3:
				for _, info := range s.List(core.PoolTemp) {
					_, _ = s.Delete(info.ID)

					break
				}
			}

			usage := tracker.Usage(core.PoolTemp)
			if usage.TotalBytes > ceiling {
				rt.Fatalf("total %d exceeds ceiling %d", usage.TotalBytes, ceiling)
			}

			var live int64
			for _, info := range s.List(core.PoolTemp) {
				live += info.SizeBytes
			}

			if live != usage.TotalBytes {
				rt.Fatalf("live artifacts hold %d bytes, tracker says %d", live, usage.TotalBytes)
			}
		}
	})
}
