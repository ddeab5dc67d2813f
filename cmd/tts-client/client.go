package main

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	speechPath       = "/v1/audio/speech"
	healthPath       = "/health"
	headerArtifactID = "X-Artifact-ID"
	chunkFileFormat  = "chunk_%04d%s"
	maxErrorBody     = 64 * 1024
)

var (
	// ErrNoChunks indicates a chunks file holding an empty array.
	ErrNoChunks = errors.New("no chunks found")
	// ErrServer wraps a non-2xx answer from the server.
	ErrServer = errors.New("server returned an error")
)

// speechOptions are the request fields shared by every chunk.
type speechOptions struct {
	Voice   string
	Format  string
	Persist bool
}

type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Stream         bool   `json:"stream"`
	Persist        bool   `json:"persist,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// chunkResult names the file written for one chunk.
type chunkResult struct {
	Index      int
	Path       string
	ArtifactID string
}

type apiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health returns nil when the server reports itself healthy.
func (c *apiClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// SpeechToFile streams the generated audio for text into path and returns the
// artifact id. A partial file is removed on failure.
func (c *apiClient) SpeechToFile(ctx context.Context, text, path string, opts speechOptions) (string, error) {
	payload, err := json.Marshal(speechRequest{
		Input:          text,
		Voice:          opts.Voice,
		ResponseFormat: opts.Format,
		Stream:         true,
		Persist:        opts.Persist,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, speechPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	err = checkStatus(resp)
	if err != nil {
		return "", err
	}

	err = writeFile(path, resp.Body)
	if err != nil {
		return "", err
	}

	return resp.Header.Get(headerArtifactID), nil
}

// SpeechChunks generates one file per chunk with at most workers requests in
// flight. The first failure cancels the rest; results list the chunks that
// completed, in order.
func (c *apiClient) SpeechChunks(
	ctx context.Context,
	chunks []string,
	outputDir string,
	workers int,
	opts speechOptions,
) ([]chunkResult, error) {
	err := os.MkdirAll(outputDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]chunkResult, 0, len(chunks))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for i, chunk := range chunks {
		group.Go(func() error {
			path := filepath.Join(outputDir, fmt.Sprintf(chunkFileFormat, i+1, extensionFor(opts.Format)))

			id, chunkErr := c.SpeechToFile(groupCtx, chunk, path, opts)
			if chunkErr != nil {
				return fmt.Errorf("chunk %d: %w", i+1, chunkErr)
			}

			mu.Lock()
			results = append(results, chunkResult{Index: i, Path: path, ArtifactID: id})
			mu.Unlock()

			return nil
		})
	}

	err = group.Wait()

	slices.SortFunc(results, func(a, b chunkResult) int { return cmp.Compare(a.Index, b.Index) })

	return results, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}

// checkStatus turns a non-2xx response into an error carrying the server's
// reason code.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorBody

	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %d %s: %s", ErrServer, resp.StatusCode, body.Error, body.Message)
	}

	return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode, strings.TrimSpace(string(data)))
}

func writeFile(path string, body io.Reader) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	_, err = io.Copy(file, body)
	closeErr := file.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(path)

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// readChunksFile parses a JSON array of strings.
func readChunksFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunks, path)
	}

	return chunks, nil
}

func extensionFor(format string) string {
	if strings.EqualFold(format, "pcm") {
		return ".pcm"
	}

	return ".wav"
}
