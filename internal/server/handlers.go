package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/pipeline"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/dustin/go-humanize"
)

const (
	headerArtifactID = "X-Artifact-ID"
	maxRequestBody   = 1 << 20
	copyBufferSize   = 32 * 1024
)

type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	LangCode       string `json:"lang_code"`
	ResponseFormat string `json:"response_format"`
	Stream         bool   `json:"stream"`
	Persist        bool   `json:"persist"`
}

// handleSpeech admits and runs a generation. With stream set the audio is
// sent while it is written; otherwise the response waits for the seal. The
// job pins the artifact with a reader as soon as it is opened, so a sealed
// artifact cannot be evicted before this request reads it. The request
// context owns the job, so a client that goes away aborts it.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: failed to decode request: %w", core.ErrInvalidRequest, err))

		return
	}

	format, err := audio.ParseFormat(req.ResponseFormat, s.opts.DefaultFormat)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))

		return
	}

	ctx := r.Context()

	job, err := s.deps.Pipeline.Start(ctx, pipeline.Request{
		Text:         req.Input,
		Voice:        req.Voice,
		LanguageCode: req.LangCode,
		Format:       format,
		Persist:      req.Persist,
		Hold:         true,
	})
	if err != nil {
		writeErr(w, err)

		return
	}
	defer job.Release()

	w.Header().Set(headerArtifactID, job.ID())

	err = job.Started(ctx)
	if err != nil {
		writeErr(w, err)

		return
	}

	reader := job.Reader()
	if reader == nil {
		writeErr(w, fmt.Errorf("%w: job %s has no artifact", core.ErrNotFound, job.ID()))

		return
	}

	if !req.Stream {
		_, err = job.Wait(ctx)
		if err != nil {
			writeErr(w, err)

			return
		}
	}

	s.sendAudio(w, reader, format)
}

// handleArtifact streams a stored artifact, following the writer when it is
// still being generated.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	reader, err := s.deps.Store.AcquireReaderContext(r.Context(), id)
	if err != nil {
		writeErr(w, err)

		return
	}
	defer reader.Close()

	buffered := bufio.NewReaderSize(reader, copyBufferSize)

	format := audio.FormatPCM
	if job, ok := s.deps.Pipeline.Job(id); ok {
		format = job.Format()
	} else if magic, _ := buffered.Peek(4); bytes.Equal(magic, []byte("RIFF")) {
		format = audio.FormatWAV
	}

	s.sendAudio(w, &artifactReader{Reader: buffered, handle: reader}, format)
}

// artifactReader keeps the handle's metadata reachable behind a buffer.
type artifactReader struct {
	io.Reader
	handle *store.ReadHandle
}

func (a *artifactReader) Info() store.Info {
	return a.handle.Info()
}

type infoReader interface {
	io.Reader
	Info() store.Info
}

// sendAudio copies the artifact, flushing after every chunk. Sealed
// artifacts carry a Content-Length. A failure after the header is sent aborts
// the connection so the client does not mistake a truncated body for a
// complete one.
func (s *Server) sendAudio(w http.ResponseWriter, reader infoReader, format audio.Format) {
	info := reader.Info()

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set(headerArtifactID, info.ID)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", info.ID+format.Extension()))

	if info.State == store.StateSealed {
		w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))
	}

	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			_, writeErr := w.Write(buf[:n])
			if writeErr != nil {
				return
			}

			_ = rc.Flush()
		}

		if errors.Is(readErr, io.EOF) {
			return
		}

		if readErr != nil {
			s.deps.Log.Warn("Aborting response for artifact %s: %v", info.ID, readErr)
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if job, ok := s.deps.Pipeline.Job(id); ok {
		writeJSON(w, http.StatusOK, job.Status())

		return
	}

	info, err := s.deps.Store.Get(id)
	if err != nil {
		writeErr(w, err)

		return
	}

	writeJSON(w, http.StatusOK, statusFromInfo(info))
}

// statusFromInfo describes an artifact that has no job, such as one recovered
// from disk at startup.
func statusFromInfo(info store.Info) pipeline.Status {
	state := pipeline.StateSealed

	switch {
	case info.State == store.StateWriting:
		state = pipeline.StateStreaming
	case info.Served:
		state = pipeline.StateServed
	}

	return pipeline.Status{
		ID:        info.ID,
		State:     state,
		Pool:      info.PoolName,
		SizeBytes: info.SizeBytes,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.SealedAt,
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	removed, err := s.deps.Store.Delete(id)
	if err != nil {
		writeErr(w, err)

		return
	}

	if !removed {
		writeErr(w, fmt.Errorf("%w: %s is still being written or read", core.ErrArtifactBusy, id))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Store.Promote(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)

		return
	}

	writeJSON(w, http.StatusOK, info)
}

type healthResponse struct {
	Status  string `json:"status"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
	Backend string `json:"backend,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Title: s.opts.Title, Version: s.opts.Version}

	if s.deps.Health != nil {
		err := s.deps.Health(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Backend = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)

			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type voicesResponse struct {
	Voices  []string `json:"voices"`
	Default string   `json:"default"`
	Source  string   `json:"source"`
}

// handleVoices lists the configured voices, or the backend's when none are
// configured. The default voice is always part of the list.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	resp := voicesResponse{Default: s.opts.DefaultVoice, Source: "config"}
	voices := slices.Clone(s.opts.Voices)

	if len(voices) == 0 && s.deps.Voices != nil {
		listed, err := s.deps.Voices(r.Context())
		if err != nil {
			writeErr(w, err)

			return
		}

		voices = listed
		resp.Source = "backend"
	}

	if resp.Default != "" {
		voices = append(voices, resp.Default)
	}

	slices.Sort(voices)
	resp.Voices = slices.Compact(voices)

	if resp.Voices == nil {
		resp.Voices = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

type poolReport struct {
	Pool          string       `json:"pool"`
	Directory     string       `json:"directory"`
	TotalBytes    int64        `json:"total_bytes"`
	Total         string       `json:"total"`
	EntryCount    int          `json:"entry_count"`
	MaxBytes      int64        `json:"max_bytes,omitempty"`
	MaxAgeSeconds float64      `json:"max_age_seconds,omitempty"`
	MaxCount      int          `json:"max_count,omitempty"`
	Utilization   float64      `json:"utilization,omitempty"`
	Artifacts     []store.Info `json:"artifacts"`
}

func (s *Server) handleStorage(w http.ResponseWriter, _ *http.Request) {
	tracker := s.deps.Store.Tracker()
	reports := make([]poolReport, 0, len(core.Pools))

	for _, pool := range core.Pools {
		usage := tracker.Usage(pool)
		limits := usage.Limits

		report := poolReport{
			Pool:          pool.String(),
			Directory:     s.deps.Store.Dir(pool),
			TotalBytes:    usage.TotalBytes,
			Total:         humanize.IBytes(uint64(max(usage.TotalBytes, 0))),
			EntryCount:    usage.EntryCount,
			MaxBytes:      limits.MaxBytes,
			MaxAgeSeconds: limits.MaxAge.Seconds(),
			MaxCount:      limits.MaxCount,
			Artifacts:     s.deps.Store.List(pool),
		}

		if limits.MaxBytes > 0 {
			report.Utilization = float64(usage.TotalBytes) / float64(limits.MaxBytes)
		}

		reports = append(reports, report)
	}

	writeJSON(w, http.StatusOK, map[string]any{"pools": reports})
}
