package server

import (
	"encoding/json"
	"net/http"

	"github.com/book-expert/tts-server/internal/core"
)

const codeRateLimited = "rate_limit_exceeded"

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps a reason code onto the HTTP status returned with it.
func statusFor(code string) int {
	switch code {
	case core.CodeCapacityExceeded:
		return http.StatusInsufficientStorage
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeArtifactBusy, core.CodeAlreadyExists, core.CodeWriterGone:
		return http.StatusConflict
	case core.CodeSynthesisError, core.CodeArtifactAborted:
		return http.StatusBadGateway
	case core.CodeInvalidRequest:
		return http.StatusBadRequest
	case core.CodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeErr renders err as the error body with its mapped status.
func writeErr(w http.ResponseWriter, err error) {
	code := core.Code(err)
	writeError(w, code, statusFor(code), err.Error())
}

func writeError(w http.ResponseWriter, code string, status int, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
