package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

// fakeServer answers the speech endpoint with the request input echoed back
// as the audio body.
func fakeServer(t *testing.T, inFlight *atomic.Int32, peak *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("POST /v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","message":"missing or invalid API key"}`))

			return
		}

		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_request","message":"input is required"}`))

			return
		}

		if inFlight != nil {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
		}

		if req.Input == "full" {
			w.WriteHeader(http.StatusInsufficientStorage)
			_, _ = w.Write([]byte(`{"error":"capacity_exceeded","message":"output pool is full"}`))

			return
		}

		w.Header().Set(headerArtifactID, "id-"+req.Input)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, req.ResponseFormat+":"+req.Input)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	flags, err := parseFlags(fs, []string{"--text", "Hello, world!", "--format", "pcm", "--workers", "4", "--persist"})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", flags.text)
	assert.Equal(t, "pcm", flags.format)
	assert.Equal(t, 4, flags.workers)
	assert.True(t, flags.persist)
	assert.Equal(t, defaultServer, flags.server)
	assert.Equal(t, defaultTimeout, flags.timeout)
}

func TestParseFlags_Unknown(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	_, err := parseFlags(fs, []string{"--bogus"})
	require.Error(t, err)
}

func TestValidateArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "text", flags: appFlags{text: "some text"}},
		{name: "chunks", flags: appFlags{chunks: "file.json", workers: 1}},
		{name: "health needs no input", flags: appFlags{health: true}},
		{name: "both inputs", flags: appFlags{text: "a", chunks: "b", workers: 1}, wantErr: errBothInputs},
		{name: "no input", flags: appFlags{}, wantErr: errMissingInput},
		{name: "zero workers", flags: appFlags{chunks: "file.json"}, wantErr: errWorkers},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := validateArgs(tc.flags)
			if tc.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, nil, nil)

	require.NoError(t, newClient(srv.URL+"/", "", time.Second).Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"degraded","message":"backend unreachable"}`))
	}))
	t.Cleanup(down.Close)

	err := newClient(down.URL, "", time.Second).Health(context.Background())
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "backend unreachable")
}

func TestSpeechToFile(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, nil, nil)
	client := newClient(srv.URL, testKey, time.Second)
	path := filepath.Join(t.TempDir(), "nested", "out.wav")

	id, err := client.SpeechToFile(context.Background(), "hello", path, speechOptions{Format: "wav"})
	require.NoError(t, err)
	assert.Equal(t, "id-hello", id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wav:hello", string(data))
}

func TestSpeechToFile_ServerErrors(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, nil, nil)
	dir := t.TempDir()

	_, err := newClient(srv.URL, "wrong", time.Second).
		SpeechToFile(context.Background(), "hello", filepath.Join(dir, "a.wav"), speechOptions{})
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "401 unauthorized")

	_, err = newClient(srv.URL, testKey, time.Second).
		SpeechToFile(context.Background(), "full", filepath.Join(dir, "b.wav"), speechOptions{})
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "capacity_exceeded")

	assert.NoFileExists(t, filepath.Join(dir, "a.wav"))
	assert.NoFileExists(t, filepath.Join(dir, "b.wav"))
}

func TestSpeechChunks_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32

	srv := fakeServer(t, &inFlight, &peak)
	client := newClient(srv.URL, testKey, 5*time.Second)
	dir := t.TempDir()
	chunks := []string{"one", "two", "three", "four", "five", "six"}

	results, err := client.SpeechChunks(context.Background(), chunks, dir, 2, speechOptions{Format: "pcm"})
	require.NoError(t, err)
	require.Len(t, results, len(chunks))
	assert.LessOrEqual(t, peak.Load(), int32(2))

	for i, result := range results {
		assert.Equal(t, i, result.Index)
		assert.Equal(t, "id-"+chunks[i], result.ArtifactID)
		assert.True(t, strings.HasSuffix(result.Path, ".pcm"))

		data, readErr := os.ReadFile(result.Path)
		require.NoError(t, readErr)
		assert.Equal(t, "pcm:"+chunks[i], string(data))
	}

	assert.FileExists(t, filepath.Join(dir, "chunk_0001.pcm"))
}

func TestSpeechChunks_StopsOnFailure(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, nil, nil)
	client := newClient(srv.URL, testKey, 5*time.Second)

	_, err := client.SpeechChunks(context.Background(), []string{"one", "full", "three"}, t.TempDir(), 1, speechOptions{})
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "chunk 2")
}

func TestReadChunksFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`["a","b"]`), 0o600))

	chunks, err := readChunksFile(good)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chunks)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))

	_, err = readChunksFile(empty)
	require.ErrorIs(t, err, ErrNoChunks)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"a":1}`), 0o600))

	_, err = readChunksFile(bad)
	require.Error(t, err)

	_, err = readChunksFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".pcm", extensionFor("PCM"))
	assert.Equal(t, ".wav", extensionFor("wav"))
	assert.Equal(t, ".wav", extensionFor(""))
}
