// Package audio describes the container formats artifacts are stored in.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxSampleRate is the highest accepted sample rate.
	MaxSampleRate = 192000
	// BitDepth of the PCM the synthesizer produces.
	BitDepth = 16
	// Channels of the PCM the synthesizer produces.
	Channels = 1
	// WAVHeaderSize is the size of the header written by WAVHeader.
	WAVHeaderSize = 44

	// unknownLength marks RIFF and data chunk sizes of a stream whose length
	// is not known when the header is written.
	unknownLength = 0xFFFFFFFF
)

var (
	// ErrUnsupportedFormat indicates a response format other than pcm or wav.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrInvalidSampleRate indicates a sample rate outside 1..MaxSampleRate.
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	// ErrNotWAV indicates a stream that does not start with a RIFF/WAVE header
	// or has no data chunk.
	ErrNotWAV = errors.New("not a wav stream")
)

// Format is the container an artifact is written in.
type Format string

const (
	FormatPCM Format = "pcm"
	FormatWAV Format = "wav"
)

// ParseFormat accepts a response_format value; empty selects def.
func ParseFormat(name string, def Format) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return def, nil
	case FormatPCM:
		return FormatPCM, nil
	case FormatWAV:
		return FormatWAV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatPCM:
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ValidateSampleRate checks that rate is usable for PCM.
func ValidateSampleRate(rate int) error {
	if rate < 1 || rate > MaxSampleRate {
		return fmt.Errorf("%w: %d must be between 1 and %d Hz", ErrInvalidSampleRate, rate, MaxSampleRate)
	}

	return nil
}

// WAVHeader returns a canonical 44-byte RIFF/WAVE header for 16-bit mono PCM.
// Both size fields carry 0xFFFFFFFF so that the header can be written before
// the length of the stream is known; common decoders read such files to EOF.
func WAVHeader(sampleRate int) ([]byte, error) {
	err := ValidateSampleRate(sampleRate)
	if err != nil {
		return nil, err
	}

	const bytesPerSample = BitDepth / 8

	blockAlign := Channels * bytesPerSample
	byteRate := sampleRate * blockAlign

	header := make([]byte, 0, WAVHeaderSize)
	header = append(header, "RIFF"...)
	header = binary.LittleEndian.AppendUint32(header, unknownLength)
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = binary.LittleEndian.AppendUint16(header, 1)
	header = binary.LittleEndian.AppendUint16(header, Channels)
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate))
	header = binary.LittleEndian.AppendUint32(header, uint32(byteRate))
	header = binary.LittleEndian.AppendUint16(header, uint16(blockAlign))
	header = binary.LittleEndian.AppendUint16(header, BitDepth)
	header = append(header, "data"...)
	header = binary.LittleEndian.AppendUint32(header, unknownLength)

	return header, nil
}

// Duration estimates the playing time of n bytes of PCM at sampleRate, in
// seconds.
func Duration(n int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}

	return float64(n) / float64(sampleRate*Channels*BitDepth/8)
}

// SkipWAVHeader consumes the RIFF/WAVE header of r up to and including the
// data chunk header, leaving r positioned at the first PCM byte. Chunks
// between fmt and data (LIST, fact) are skipped.
func SkipWAVHeader(r io.Reader) error {
	var riff [12]byte

	_, err := io.ReadFull(r, riff[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotWAV, err)
	}

	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return ErrNotWAV
	}

	var chunk [8]byte

	for {
		_, err = io.ReadFull(r, chunk[:])
		if err != nil {
			return fmt.Errorf("%w: missing data chunk: %w", ErrNotWAV, err)
		}

		if string(chunk[0:4]) == "data" {
			return nil
		}

		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		// RIFF chunks are padded to an even length.
		size += size & 1

		_, err = io.CopyN(io.Discard, r, size)
		if err != nil {
			return fmt.Errorf("%w: truncated %q chunk: %w", ErrNotWAV, chunk[0:4], err)
		}
	}
}
