// Package synth implements speech backends: a streaming HTTP service and a
// local synthesis binary.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/tts-server/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesizePCM = "/v1/synthesize/pcm"
	apiVoices        = "/v1/audio/voices"
	apiHealth        = "/health"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypePCM    = "audio/pcm"

	maxErrorBody = 4096
)

var (
	// ErrEmptyBaseURL indicates a synthesizer configured without a backend.
	ErrEmptyBaseURL = errors.New("backend url cannot be empty")
	// ErrEmptyText indicates a request with nothing to say.
	ErrEmptyText = errors.New("text cannot be empty")
)

// request is the JSON payload the backend expects.
type request struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	LangCode   string `json:"lang_code"`
	SampleRate int    `json:"sample_rate"`
	UseGPU     bool   `json:"use_gpu"`
}

// errorResponse is the structured error body returned on non-200 responses.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPSynthesizer implements core.Synthesizer against the backend's streaming
// PCM endpoint.
type HTTPSynthesizer struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPSynthesizer creates a synthesizer for baseURL (e.g.
// "http://localhost:8000"). headerTimeout bounds the wait for the backend to
// start answering; the stream itself is bounded only by the caller's context,
// since long texts legitimately stream for minutes.
func NewHTTPSynthesizer(baseURL string, headerTimeout time.Duration) (*HTTPSynthesizer, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrEmptyBaseURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	return &HTTPSynthesizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// Synthesize starts a synthesis and returns the response body as the PCM
// stream. Every failure, including a read error mid-stream, wraps
// core.ErrSynthesis.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrEmptyText)
	}

	payload, err := json.Marshal(request{
		Text:       req.Text,
		Voice:      req.Voice,
		LangCode:   req.LanguageCode,
		SampleRate: req.SampleRate,
		UseGPU:     req.UseGPU,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+apiSynthesizePCM, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypePCM)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reach backend at %s: %w", core.ErrSynthesis, s.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return &stream{body: resp.Body}, nil
}

// HealthCheck verifies that the backend is up.
func (s *HTTPSynthesizer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for backend at %s: %w", s.baseURL, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

type voicesResponse struct {
	Voices []string `json:"voices"`
}

// Voices lists the voices the backend can speak with.
func (s *HTTPSynthesizer) Voices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+apiVoices, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create voices request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reach backend at %s: %w", core.ErrSynthesis, s.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	var body voicesResponse

	err = json.NewDecoder(resp.Body).Decode(&body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode voices: %w", core.ErrSynthesis, err)
	}

	return body.Voices, nil
}

func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("%w: backend error (%s): %s (code: %s)",
			core.ErrSynthesis, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf("%w: backend returned %s: %s", core.ErrSynthesis, resp.Status, strings.TrimSpace(string(body)))
}

// stream tags mid-stream failures as synthesis errors.
type stream struct {
	body io.ReadCloser
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: stream interrupted: %w", core.ErrSynthesis, err)
	}

	return n, err
}

func (s *stream) Close() error {
	return s.body.Close()
}
