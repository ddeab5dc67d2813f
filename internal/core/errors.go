package core

import (
	"context"
	"errors"
)

var (
	// ErrCapacityExceeded indicates that admission was denied after a reclaim attempt.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrAlreadyExists indicates a second writer for an id that is still live.
	ErrAlreadyExists = errors.New("artifact already exists")
	// ErrWriterGone indicates an append or seal on a handle that is already sealed or aborted.
	ErrWriterGone = errors.New("writer gone")
	// ErrNotFound indicates a read of an unknown or evicted artifact.
	ErrNotFound = errors.New("artifact not found")
	// ErrSynthesis wraps any failure reported by the synthesizer backend.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrUnauthorized indicates an auth gate rejection.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidID indicates an artifact id that cannot be used as a file name.
	ErrInvalidID = errors.New("invalid artifact id")
	// ErrInvalidRequest indicates malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrArtifactBusy indicates an artifact that cannot be removed while readers hold it.
	ErrArtifactBusy = errors.New("artifact busy")
	// ErrArtifactAborted is returned to readers of an artifact whose writer failed.
	ErrArtifactAborted = errors.New("artifact aborted")
)

// Stable reason codes returned to clients.
const (
	CodeCapacityExceeded = "capacity_exceeded"
	CodeAlreadyExists    = "already_exists"
	CodeWriterGone       = "writer_gone"
	CodeNotFound         = "not_found"
	CodeSynthesisError   = "synthesis_error"
	CodeUnauthorized     = "unauthorized"
	CodeInvalidRequest   = "invalid_request"
	CodeArtifactBusy     = "artifact_busy"
	CodeArtifactAborted  = "artifact_aborted"
	CodeCanceled         = "canceled"
	CodeInternal         = "internal_error"
)

// Code maps err onto its stable reason code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrWriterGone):
		return CodeWriterGone
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSynthesis):
		return CodeSynthesisError
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrArtifactBusy):
		return CodeArtifactBusy
	case errors.Is(err, ErrArtifactAborted):
		return CodeArtifactAborted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
