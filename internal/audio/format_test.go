package audio_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/book-expert/tts-server/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	format, err := audio.ParseFormat("", audio.FormatWAV)
	require.NoError(t, err)
	assert.Equal(t, audio.FormatWAV, format)

	format, err = audio.ParseFormat(" PCM ", audio.FormatWAV)
	require.NoError(t, err)
	assert.Equal(t, audio.FormatPCM, format)

	_, err = audio.ParseFormat("mp3", audio.FormatWAV)
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/wav", audio.FormatWAV.ContentType())
	assert.Equal(t, "audio/pcm", audio.FormatPCM.ContentType())
	assert.Equal(t, "application/octet-stream", audio.Format("ogg").ContentType())
	assert.Equal(t, ".wav", audio.FormatWAV.Extension())
}

func TestWAVHeader(t *testing.T) {
	t.Parallel()

	header, err := audio.WAVHeader(24000)
	require.NoError(t, err)
	require.Len(t, header, audio.WAVHeaderSize)

	assert.Equal(t, "RIFF", string(header[0:4]))
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(header[4:8]))
	assert.Equal(t, "WAVE", string(header[8:12]))
	assert.Equal(t, "fmt ", string(header[12:16]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(header[20:22]), "PCM")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(header[22:24]), "mono")
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(header[24:28]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(header[28:32]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(header[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(header[34:36]))
	assert.Equal(t, "data", string(header[36:40]))
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(header[40:44]))
}

func TestValidateSampleRate(t *testing.T) {
	t.Parallel()

	require.NoError(t, audio.ValidateSampleRate(24000))
	require.ErrorIs(t, audio.ValidateSampleRate(0), audio.ErrInvalidSampleRate)
	require.ErrorIs(t, audio.ValidateSampleRate(audio.MaxSampleRate+1), audio.ErrInvalidSampleRate)

	_, err := audio.WAVHeader(-1)
	require.ErrorIs(t, err, audio.ErrInvalidSampleRate)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, audio.Duration(48000, 24000), 1e-9)
	assert.Zero(t, audio.Duration(100, 0))
}

func TestSkipWAVHeader(t *testing.T) {
	t.Parallel()

	header, err := audio.WAVHeader(24000)
	require.NoError(t, err)

	r := bytes.NewReader(append(header, 1, 2, 3))
	require.NoError(t, audio.SkipWAVHeader(r))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, rest)
}

func TestSkipWAVHeader_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	header, err := audio.WAVHeader(16000)
	require.NoError(t, err)

	// Insert an odd-sized LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(header[:36])
	buf.WriteString("LIST")
	buf.Write(binary.LittleEndian.AppendUint32(nil, 3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.Write(header[36:])
	buf.Write([]byte{9, 8})

	r := bytes.NewReader(buf.Bytes())
	require.NoError(t, audio.SkipWAVHeader(r))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8}, rest)
}

func TestSkipWAVHeader_Rejects(t *testing.T) {
	t.Parallel()

	header, err := audio.WAVHeader(24000)
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":         nil,
		"raw pcm":       bytes.Repeat([]byte{1}, 64),
		"no data":       header[:36],
		"truncated fmt": header[:20],
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.ErrorIs(t, audio.SkipWAVHeader(bytes.NewReader(data)), audio.ErrNotWAV)
		})
	}
}
