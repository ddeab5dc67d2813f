// Package pipeline runs generation jobs: admit, synthesize, stream into the
// artifact store and seal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/admission"
	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/book-expert/tts-server/internal/text"
	"github.com/book-expert/tts-server/internal/voice"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultChunkSize    = 32 * 1024
	defaultBytesPerChar = 4096
	defaultJobRetention = time.Hour
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("pipeline is closed")

// Request describes one generation.
type Request struct {
	// ID becomes the artifact id; a random one is assigned when empty.
	ID           string
	Text         string
	Voice        string
	LanguageCode string
	Format       audio.Format
	// Persist writes into OUTPUT instead of TEMP.
	Persist bool
	// EstimatedBytes overrides the placeholder reservation.
	EstimatedBytes int64
	// Hold pins the artifact with a reader from the moment it is opened, so
	// that it cannot be evicted between the seal and the caller's read. The
	// caller must call Job.Release.
	Hold bool
}

// Config tunes the pipeline.
type Config struct {
	SampleRate    int
	UseGPU        bool
	DefaultVoice  string
	DefaultFormat audio.Format
	// ThrottleBackoff paces retries while the gate throttles.
	ThrottleBackoff time.Duration
	// MaxThrottleWait bounds the time spent backing off; after it the job
	// asks for admission ignoring the soft watermark.
	MaxThrottleWait time.Duration
	// BytesPerChar sizes the placeholder reservation when no estimate is given.
	BytesPerChar int64
	ChunkSize    int
	// JobRetention is how long finished jobs stay queryable.
	JobRetention time.Duration
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Store       *store.Store
	Gate        *admission.Gate
	Synthesizer core.Synthesizer
	Voices      core.VoiceResolver
	Normalizer  *text.Normalizer
	Log         *logger.Logger
	Metrics     *metrics.Collector
}

// Pipeline owns the running jobs. It registers itself as a store observer to
// follow artifacts into SERVED and EXPIRED.
type Pipeline struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
	wg     sync.WaitGroup
}

type prepared struct {
	job       *Job
	hold      bool
	text      string
	voice     string
	language  string
	estimated int64
}

// New creates a pipeline and subscribes it to store events.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Synthesizer == nil || deps.Voices == nil {
		return nil, fmt.Errorf("%w: pipeline needs a store, a gate, a synthesizer and a voice resolver", core.ErrInvalidRequest)
	}

	err := audio.ValidateSampleRate(cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	if deps.Normalizer == nil {
		deps.Normalizer = text.NewNormalizer(text.Options{})
	}

	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = audio.FormatWAV
	}

	if cfg.BytesPerChar <= 0 {
		cfg.BytesPerChar = defaultBytesPerChar
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.JobRetention <= 0 {
		cfg.JobRetention = defaultJobRetention
	}

	p := &Pipeline{deps: deps, cfg: cfg, jobs: make(map[string]*Job)}
	deps.Store.Observe(p)

	return p, nil
}

// Start validates req, registers a QUEUED job and runs it in the background.
// Validation failures are returned directly and wrap core.ErrInvalidRequest.
// ctx governs the job: canceling it fails the job and discards the artifact
// unless it was already sealed.
func (p *Pipeline) Start(ctx context.Context, req Request) (*Job, error) {
	prep, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return nil, ErrClosed
	}

	if _, exists := p.jobs[prep.job.id]; exists {
		p.mu.Unlock()

		return nil, fmt.Errorf("%w: job %s", core.ErrAlreadyExists, prep.job.id)
	}

	p.pruneLocked()
	p.jobs[prep.job.id] = prep.job
	p.wg.Add(1)
	p.mu.Unlock()

	p.deps.Metrics.RecordJob(StateQueued.String())

	go func() {
		defer p.wg.Done()

		p.run(ctx, prep)
	}()

	return prep.job, nil
}

// Generate runs req to completion and returns the sealed artifact.
func (p *Pipeline) Generate(ctx context.Context, req Request) (store.Info, error) {
	job, err := p.Start(ctx, req)
	if err != nil {
		return store.Info{}, err
	}

	return job.Wait(ctx)
}

// Job returns a job that is running or finished within the retention window.
func (p *Pipeline) Job(id string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[id]

	return job, ok
}

// Close stops accepting jobs and waits for running ones, or for ctx.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pipeline: %w", ctx.Err())
	}
}

// ArtifactServed implements store.Observer.
func (p *Pipeline) ArtifactServed(info store.Info) {
	if job, ok := p.Job(info.ID); ok && job.observe(StateServed, p.deps.Store.Now()) {
		p.deps.Metrics.RecordJob(StateServed.String())
	}
}

// ArtifactRemoved implements store.Observer. Removing a sealed artifact that
// nobody read expires its job.
func (p *Pipeline) ArtifactRemoved(info store.Info, reason store.RemovalReason) {
	if reason == store.ReasonAborted {
		return
	}

	if job, ok := p.Job(info.ID); ok && job.observe(StateExpired, p.deps.Store.Now()) {
		p.deps.Metrics.RecordJob(StateExpired.String())
	}
}

func (p *Pipeline) prepare(req Request) (*prepared, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	err := core.ValidateID(id)
	if err != nil {
		return nil, err
	}

	normalized, err := p.deps.Normalizer.Normalize(req.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err)
	}

	voiceExpr := strings.TrimSpace(req.Voice)
	if voiceExpr == "" {
		voiceExpr = p.cfg.DefaultVoice
	}

	formula, err := voice.ParseFormula(voiceExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err)
	}

	language, err := p.deps.Voices.Resolve(voiceExpr, req.LanguageCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err)
	}

	format := req.Format
	if format == "" {
		format = p.cfg.DefaultFormat
	}

	if format != audio.FormatPCM && format != audio.FormatWAV {
		return nil, fmt.Errorf("%w: %w: %q", core.ErrInvalidRequest, audio.ErrUnsupportedFormat, format)
	}

	pool := core.PoolTemp
	if req.Persist {
		pool = core.PoolOutput
	}

	return &prepared{
		job:       newJob(id, pool, format, p.deps.Store.Now()),
		hold:      req.Hold,
		text:      normalized,
		voice:     formula.String(),
		language:  language,
		estimated: p.estimate(req, normalized, pool, format),
	}, nil
}

// estimate returns the placeholder reservation. Appends grow it if the audio
// turns out longer and the seal shrinks it to the real size.
func (p *Pipeline) estimate(req Request, normalized string, pool core.Pool, format audio.Format) int64 {
	estimated := req.EstimatedBytes
	if estimated <= 0 {
		estimated = int64(len(normalized)) * p.cfg.BytesPerChar
		if format == audio.FormatWAV {
			estimated += audio.WAVHeaderSize
		}
	}

	// A placeholder larger than the pool would be rejected outright even when
	// the real audio fits.
	if ceiling := p.deps.Store.Tracker().Limits(pool).MaxBytes; ceiling > 0 && estimated > ceiling {
		estimated = ceiling
	}

	return estimated
}

func (p *Pipeline) run(ctx context.Context, prep *prepared) {
	job := prep.job
	start := time.Now()

	err := p.admit(ctx, prep)
	if err != nil {
		p.fail(job, err)

		return
	}

	info, err := p.stream(ctx, prep)
	if err != nil {
		p.fail(job, err)
		p.deps.Metrics.ObserveSynthesis(StateFailed.String(), time.Since(start))

		return
	}

	state := job.markSealed(info, p.deps.Store.Now())
	p.deps.Metrics.RecordJob(StateSealed.String())
	p.deps.Metrics.ObserveSynthesis(StateSealed.String(), time.Since(start))

	if state != StateSealed {
		p.deps.Metrics.RecordJob(state.String())
	}

	pcmBytes := info.SizeBytes
	if job.format == audio.FormatWAV {
		pcmBytes = max(pcmBytes-audio.WAVHeaderSize, 0)
	}

	p.deps.Log.Info("Sealed artifact %s in %s pool: %d bytes (%.2fs of audio) in %s",
		job.id, job.pool, info.SizeBytes, audio.Duration(pcmBytes, p.cfg.SampleRate),
		time.Since(start).Round(time.Millisecond))
}

// admit asks the gate until it says Go or Reject. Throttles are retried at
// ThrottleBackoff; once MaxThrottleWait is spent the job asks for a hard
// admission so that backpressure delays work instead of failing it.
func (p *Pipeline) admit(ctx context.Context, prep *prepared) error {
	job := prep.job
	gate := p.deps.Gate

	limiter := rate.NewLimiter(rate.Every(max(p.cfg.ThrottleBackoff, time.Millisecond)), 1)
	limiter.Allow()

	deadline := time.Now().Add(p.cfg.MaxThrottleWait)
	decision := gate.Admit(job.pool, job.id, prep.estimated)

	for decision.Verdict == admission.Throttle {
		if !time.Now().Before(deadline) {
			decision = gate.AdmitNow(job.pool, job.id, prep.estimated)

			break
		}

		err := limiter.Wait(ctx)
		if err != nil {
			return fmt.Errorf("throttled job %s: %w", job.id, errors.Join(ctx.Err(), err))
		}

		decision = gate.Admit(job.pool, job.id, prep.estimated)
	}

	if decision.Verdict == admission.Reject {
		return decision.Err
	}

	if job.advance(StateAdmitted, p.deps.Store.Now()) {
		p.deps.Metrics.RecordJob(StateAdmitted.String())
	}

	return nil
}

func (p *Pipeline) stream(ctx context.Context, prep *prepared) (store.Info, error) {
	job := prep.job

	writer, err := p.deps.Store.Open(job.pool, job.id)
	if err != nil {
		p.deps.Gate.Release(job.pool, job.id)

		return store.Info{}, err
	}

	if prep.hold {
		// Nothing is written yet, so the artifact cannot have been evicted.
		reader, acquireErr := p.deps.Store.AcquireReaderContext(ctx, job.id)
		if acquireErr != nil {
			_ = writer.Abort()

			return store.Info{}, acquireErr
		}

		job.pin(reader)
	}

	job.markStreaming(p.deps.Store.Now())

	info, err := p.fill(ctx, prep, writer)
	if err != nil {
		abortErr := writer.Abort()
		if abortErr != nil && !errors.Is(abortErr, core.ErrWriterGone) {
			p.deps.Log.Warn("Failed to abort artifact %s: %v", job.id, abortErr)
		}

		return store.Info{}, err
	}

	return info, nil
}

func (p *Pipeline) fill(ctx context.Context, prep *prepared, writer *store.WriteHandle) (store.Info, error) {
	job := prep.job

	if job.format == audio.FormatWAV {
		header, err := audio.WAVHeader(p.cfg.SampleRate)
		if err != nil {
			return store.Info{}, err
		}

		err = writer.Append(header)
		if err != nil {
			return store.Info{}, err
		}
	}

	body, err := p.deps.Synthesizer.Synthesize(ctx, core.SynthesisRequest{
		Text:         prep.text,
		Voice:        prep.voice,
		LanguageCode: prep.language,
		SampleRate:   p.cfg.SampleRate,
		UseGPU:       p.cfg.UseGPU,
	})
	if err != nil {
		return store.Info{}, contextFirst(ctx, err)
	}

	buf := make([]byte, p.cfg.ChunkSize)
	_, copyErr := io.CopyBuffer(writer, body, buf)
	closeErr := body.Close()

	if copyErr != nil {
		return store.Info{}, contextFirst(ctx, copyErr)
	}

	if ctx.Err() != nil {
		return store.Info{}, fmt.Errorf("job %s canceled: %w", job.id, ctx.Err())
	}

	if closeErr != nil {
		p.deps.Log.Warn("Failed to close synthesis stream for %s: %v", job.id, closeErr)
	}

	return writer.Seal()
}

func (p *Pipeline) fail(job *Job, err error) {
	if !job.fail(err, p.deps.Store.Now()) {
		return
	}

	p.deps.Metrics.RecordJob(StateFailed.String())
	p.deps.Log.Error("Generation job %s failed (%s): %v", job.id, core.Code(err), err)
}

// pruneLocked forgets finished jobs past the retention window. p.mu must be
// held.
func (p *Pipeline) pruneLocked() {
	cutoff := p.deps.Store.Now().Add(-p.cfg.JobRetention)

	for id, job := range p.jobs {
		if job.finishedBefore(cutoff) {
			delete(p.jobs, id)
		}
	}
}

// contextFirst reports a canceled context in preference to whatever error the
// cancellation caused downstream.
func contextFirst(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	return err
}
