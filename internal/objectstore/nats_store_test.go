// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"bytes"
	"testing"

	"github.com/book-expert/tts-server/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-bucket")
	require.NoError(t, err)
	require.Equal(t, "test-bucket", store.Bucket())

	uploadData := []byte("hello world, this is a test")

	require.NoError(t, store.Upload(t.Context(), "my-test-object", uploadData))

	downloadData, err := store.Download(t.Context(), "my-test-object")
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_UploadStreamLargeObject(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "AUDIO_FILES")
	require.NoError(t, err)

	// Several object store chunks worth of audio.
	audio := bytes.Repeat([]byte{0x01, 0x7f, 0x80, 0xff}, 100_000)

	require.NoError(t, store.UploadStream(t.Context(), "artifact-1", bytes.NewReader(audio)))

	downloaded, err := store.Download(t.Context(), "artifact-1")
	require.NoError(t, err)
	require.Equal(t, audio, downloaded)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "TEXT_FILES")
	require.NoError(t, err)
	require.NoError(t, first.Upload(t.Context(), "page-1", []byte("Hello.")))

	second, err := objectstore.New(jetstreamContext, "TEXT_FILES")
	require.NoError(t, err)

	data, err := second.Download(t.Context(), "page-1")
	require.NoError(t, err)
	require.Equal(t, []byte("Hello."), data)
}

func TestNatsObjectStore_DownloadMissing(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "TEXT_FILES")
	require.NoError(t, err)

	_, err = store.Download(t.Context(), "nope")
	require.ErrorIs(t, err, nats.ErrObjectNotFound)
}
