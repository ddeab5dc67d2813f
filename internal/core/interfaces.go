// Package core defines the shared types, collaborator interfaces and error
// taxonomy of the speech artifact server.
package core

import (
	"context"
	"io"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	UploadStream(ctx context.Context, key string, data io.Reader) error
}

// SynthesisRequest holds everything a Synthesizer needs for one utterance.
type SynthesisRequest struct {
	Text         string
	Voice        string
	LanguageCode string
	SampleRate   int
	UseGPU       bool
}

// Synthesizer turns text into a finite stream of raw PCM bytes.
//
// The returned stream is lazy and cannot be restarted. A failure at any point
// surfaces as a non-EOF error from Read and wraps ErrSynthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (io.ReadCloser, error)
}

// VoiceResolver maps a voice name to the language code handed to the Synthesizer.
type VoiceResolver interface {
	Resolve(voiceName, explicitCode string) (string, error)
}

// Authorizer decides whether an API key may use the server.
type Authorizer interface {
	Authorize(apiKey string) bool
}
