// main package for the tts-server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/admission"
	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/config"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/objectstore"
	"github.com/book-expert/tts-server/internal/pipeline"
	"github.com/book-expert/tts-server/internal/quota"
	"github.com/book-expert/tts-server/internal/reaper"
	"github.com/book-expert/tts-server/internal/server"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/book-expert/tts-server/internal/synth"
	"github.com/book-expert/tts-server/internal/text"
	"github.com/book-expert/tts-server/internal/voice"
	"github.com/book-expert/tts-server/internal/worker"
	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load(log)
}

func run(ctx context.Context, configPath string) error {
	// 1. Bootstrap logger until the configured log directory is known.
	bootstrapLog, err := setupLogger(os.TempDir(), "tts-server-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}
	defer bootstrapLog.Close()

	// 2. Configuration.
	cfg, err := loadConfig(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Final logger.
	log, err := setupLogger(cfg.Paths.BaseLogsDir, "tts-server.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	collector := metrics.New()

	// 4. Tracker and store; New rebuilds both pools from disk.
	tracker := quota.NewTracker(map[core.Pool]core.Limits{
		core.PoolTemp: {
			MaxBytes: cfg.TempMaxBytes(),
			MaxAge:   cfg.TempMaxAge(),
			MaxCount: cfg.Temp.MaxCount,
		},
		core.PoolOutput: {MaxBytes: cfg.OutputMaxBytes()},
	})

	st, err := store.New(map[core.Pool]string{
		core.PoolTemp:   cfg.Temp.Dir,
		core.PoolOutput: cfg.Output.Dir,
	}, tracker, log)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	// 5. Reaper, with one pass before accepting work so a restart over a
	// crowded TEMP directory starts within its limits.
	rp, err := reaper.New(st, reaper.Config{
		Interval:       cfg.ReaperInterval(),
		ReconcileEvery: cfg.Reaper.ReconcileEveryTicks,
	}, log, collector)
	if err != nil {
		return fmt.Errorf("failed to create reaper: %w", err)
	}

	report := rp.Tick()
	log.Info("Startup reaper pass evicted %d artifacts (%s)",
		len(report.Evicted), humanize.IBytes(uint64(report.FreedBytes())))

	// 6. Gate, backend and pipeline.
	gate, err := admission.New(st, admission.Config{SoftWatermark: cfg.Admission.SoftWatermark}, log, collector)
	if err != nil {
		return fmt.Errorf("failed to create admission gate: %w", err)
	}

	backend, err := newBackend(cfg, log)
	if err != nil {
		return err
	}

	voices, err := voice.NewResolver(cfg.TTS.DefaultVoiceCode)
	if err != nil {
		return fmt.Errorf("failed to create voice resolver: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Store:       st,
		Gate:        gate,
		Synthesizer: backend,
		Voices:      voices,
		Normalizer:  text.NewNormalizer(text.Options{SpellNumbers: cfg.TTS.SpellNumbers}),
		Log:         log,
		Metrics:     collector,
	}, pipeline.Config{
		SampleRate:      cfg.TTS.SampleRate,
		UseGPU:          cfg.TTS.UseGPU,
		DefaultVoice:    cfg.TTS.DefaultVoice,
		DefaultFormat:   audio.Format(cfg.TTS.DefaultFormat),
		ThrottleBackoff: cfg.ThrottleBackoff(),
		MaxThrottleWait: cfg.MaxThrottleWait(),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 7. HTTP server.
	srv, err := newServer(groupCtx, cfg, st, pipe, backend, collector, log)
	if err != nil {
		return err
	}

	// 8. NATS worker.
	var natsWorker *worker.NatsWorker

	if cfg.NATS.Enabled {
		var nc *nats.Conn

		natsWorker, nc, err = newWorker(cfg, pipe, log)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return ignoreCanceled(rp.Run(groupCtx)) })

	if natsWorker != nil {
		group.Go(func() error { return natsWorker.Run(groupCtx) })
	}

	log.System("%s %s started: temp %s in %s, output %s in %s",
		cfg.API.Title, cfg.API.Version,
		humanize.IBytes(uint64(tracker.Usage(core.PoolTemp).TotalBytes)), cfg.Temp.Dir,
		humanize.IBytes(uint64(tracker.Usage(core.PoolOutput).TotalBytes)), cfg.Output.Dir)

	err = group.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout())
	defer cancel()

	closeErr := pipe.Close(drainCtx)
	if closeErr != nil {
		log.Warn("Pipeline did not drain: %v", closeErr)
	}

	log.System("%s stopped", cfg.API.Title)

	return err
}

// speechBackend is a synthesizer that can report its own health.
type speechBackend interface {
	core.Synthesizer
	HealthCheck(ctx context.Context) error
}

// voiceLister is a backend that can list its voices.
type voiceLister interface {
	Voices(ctx context.Context) ([]string, error)
}

func newBackend(cfg *config.Config, log *logger.Logger) (speechBackend, error) {
	if cfg.TTS.Backend == config.BackendCommand {
		command := cfg.TTS.Command

		backend, err := synth.NewCommandSynthesizer(synth.CommandConfig{
			Binary:            command.Binary,
			ModelPath:         command.ModelPath,
			SnacModelPath:     command.SnacModelPath,
			Seed:              command.Seed,
			NGL:               command.NGL,
			TopP:              command.TopP,
			RepetitionPenalty: command.RepetitionPenalty,
			Temperature:       command.Temperature,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create command synthesizer: %w", err)
		}

		log.Info("Using synthesis binary %s with model %s", command.Binary, command.ModelPath)

		return backend, nil
	}

	backend, err := synth.NewHTTPSynthesizer(cfg.TTS.BackendURL, cfg.BackendTimeout())
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	log.Info("Using synthesis backend at %s", cfg.TTS.BackendURL)

	return backend, nil
}

func newServer(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	pipe *pipeline.Pipeline,
	backend speechBackend,
	collector *metrics.Collector,
	log *logger.Logger,
) (*server.Server, error) {
	deps := server.Deps{
		Store:    st,
		Pipeline: pipe,
		Log:      log,
		Metrics:  collector,
		Health:   backend.HealthCheck,
	}

	if lister, ok := backend.(voiceLister); ok {
		deps.Voices = lister.Voices
	}

	if cfg.Auth.Enabled {
		deps.Auth = server.NewKeyAuthorizer(cfg.Auth.APIKeys)
	}

	opts := server.Options{
		Addr:               cfg.Addr(),
		Title:              cfg.API.Title,
		Description:        cfg.API.Description,
		Version:            cfg.API.Version,
		ShutdownTimeout:    cfg.ShutdownTimeout(),
		DefaultFormat:      audio.Format(cfg.TTS.DefaultFormat),
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		CORSEnabled:        cfg.CORS.Enabled,
		CORSOrigins:        cfg.CORS.Origins,
		Voices:             cfg.TTS.Voices,
		DefaultVoice:       cfg.TTS.DefaultVoice,
	}

	if cfg.WebPlayer.Enabled {
		opts.WebPlayerPath = cfg.WebPlayer.Path
		opts.WebPlayerDir = cfg.WebPlayer.Dir
	}

	srv, err := server.New(ctx, deps, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	return srv, nil
}

func newWorker(
	cfg *config.Config,
	pipe *pipeline.Pipeline,
	log *logger.Logger,
) (*worker.NatsWorker, *nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.API.Title))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	fail := func(err error) (*worker.NatsWorker, *nats.Conn, error) {
		nc.Close()

		return nil, nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return fail(fmt.Errorf("failed to get JetStream context: %w", err))
	}

	texts, err := objectstore.New(js, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return fail(err)
	}

	audioBucket, err := objectstore.New(js, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fail(err)
	}

	w, err := worker.NewNatsWorker(nc, worker.Config{
		Subject:      cfg.NATS.TextProcessedSubject,
		QueueGroup:   cfg.NATS.QueueGroup,
		ReplySubject: cfg.NATS.AudioChunkCreatedSubject,
	}, texts, audioBucket, pipe, log)
	if err != nil {
		return fail(fmt.Errorf("failed to create NATS worker: %w", err))
	}

	return w, nc, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file; the configurator is used when empty")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, *configPath)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
