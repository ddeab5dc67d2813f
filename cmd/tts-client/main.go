// Command tts-client drives a running tts-server from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the tts-server"
	flagAPIKeyDesc  = "API key (defaults to $TTS_API_KEY)"
	flagTextDesc    = "Text to convert to speech"
	flagChunksDesc  = "JSON file containing an array of text chunks"
	flagOutputDesc  = "Output file for --text, output directory for --chunks"
	flagVoiceDesc   = "Voice name or formula, empty for the server default"
	flagFormatDesc  = "Response format: wav or pcm"
	flagPersistDesc = "Keep the generated audio in the server's output pool"
	flagWorkersDesc = "Concurrent requests when processing chunks"
	flagTimeoutDesc = "Per-request timeout"
	flagVerboseDesc = "Enable verbose logging"
	flagHealthDesc  = "Check server health and exit"
)

// Flag names.
const (
	flagServer  = "server"
	flagAPIKey  = "api-key"
	flagText    = "text"
	flagChunks  = "chunks"
	flagOutput  = "output"
	flagVoice   = "voice"
	flagFormat  = "format"
	flagPersist = "persist"
	flagWorkers = "workers"
	flagTimeout = "timeout"
	flagVerbose = "verbose"
	flagHealth  = "health"
)

// Error and log messages.
const (
	errFailedToInitLogger    = "failed to initialize logger: %w"
	errEitherTextOrChunks    = "either --text or --chunks must be provided"
	errCannotSpecifyBoth     = "cannot specify both --text and --chunks"
	errInvalidWorkers        = "--workers must be at least 1"
	errFailedToProcessText   = "failed to process text: %w"
	errFailedToProcessChunks = "failed to process chunks: %w"
	logClientInitialized     = "TTS client initialized (server: %s)"
	logProcessingSingleText  = "Processing single text to: %s"
	logProcessingChunks      = "Processing %d chunks from %s into %s"
	logGenerated             = "Generated: %s (artifact %s)\n"
	logServiceHealthy        = "TTS server is healthy"
	logServiceNotHealthy     = "TTS server is not healthy: %v\n"
)

const (
	envAPIKey          = "TTS_API_KEY"
	defaultServer      = "http://127.0.0.1:8880"
	defaultWorkers     = 2
	defaultTimeout     = 5 * time.Minute
	logFileNameDefault = "tts-client.log"
	logFileNameVerbose = "tts-client-verbose.log"
	defaultOutputBase  = "output"
)

var (
	errMissingInput = errors.New(errEitherTextOrChunks)
	errBothInputs   = errors.New(errCannotSpecifyBoth)
	errWorkers      = errors.New(errInvalidWorkers)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	apiKey  string
	text    string
	chunks  string
	output  string
	voice   string
	format  string
	persist bool
	workers int
	timeout time.Duration
	verbose bool
	health  bool
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = run(ctx, flags)

	stop()

	if err != nil {
		// The logger may not exist yet.
		log.Fatalf("Error: %v", err)
	}
}

// parseFlags defines and parses the command-line flags on fs.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	fs.StringVar(&flags.apiKey, flagAPIKey, os.Getenv(envAPIKey), flagAPIKeyDesc)
	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	fs.StringVar(&flags.format, flagFormat, "wav", flagFormatDesc)
	fs.BoolVar(&flags.persist, flagPersist, false, flagPersistDesc)
	fs.IntVar(&flags.workers, flagWorkers, defaultWorkers, flagWorkersDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	fs.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArgs checks the input flags before anything touches the network.
func validateArgs(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" && flags.chunks == "" {
		return errMissingInput
	}

	if flags.text != "" && flags.chunks != "" {
		return errBothInputs
	}

	if flags.chunks != "" && flags.workers < 1 {
		return errWorkers
	}

	return nil
}

func run(ctx context.Context, flags appFlags) error {
	err := validateArgs(flags)
	if err != nil {
		flag.Usage()

		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(filepath.Join(os.TempDir(), "tts-client"), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer log.Close()

	client := newClient(flags.server, flags.apiKey, flags.timeout)
	log.Info(logClientInitialized, flags.server)

	if flags.health {
		return handleHealthCheck(ctx, client, log)
	}

	opts := speechOptions{Voice: flags.voice, Format: flags.format, Persist: flags.persist}

	if flags.text != "" {
		return processSingleText(ctx, client, log, flags.text, flags.output, opts)
	}

	return processChunks(ctx, client, log, flags.chunks, flags.output, flags.workers, opts)
}

func handleHealthCheck(ctx context.Context, client *apiClient, log *logger.Logger) error {
	err := client.Health(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)
		fmt.Printf(logServiceNotHealthy, err)

		return err
	}

	fmt.Println(logServiceHealthy)

	return nil
}

func processSingleText(
	ctx context.Context,
	client *apiClient,
	log *logger.Logger,
	text, outputPath string,
	opts speechOptions,
) error {
	if outputPath == "" {
		outputPath = defaultOutputBase + extensionFor(opts.Format)
	}

	log.Info(logProcessingSingleText, outputPath)

	id, err := client.SpeechToFile(ctx, text, outputPath, opts)
	if err != nil {
		log.Error("Failed to process text: %v", err)

		return fmt.Errorf(errFailedToProcessText, err)
	}

	fmt.Printf(logGenerated, outputPath, id)

	return nil
}

func processChunks(
	ctx context.Context,
	client *apiClient,
	log *logger.Logger,
	chunksPath, outputDir string,
	workers int,
	opts speechOptions,
) error {
	chunks, err := readChunksFile(chunksPath)
	if err != nil {
		return fmt.Errorf(errFailedToProcessChunks, err)
	}

	if outputDir == "" {
		outputDir = "."
	}

	log.Info(logProcessingChunks, len(chunks), chunksPath, outputDir)

	results, err := client.SpeechChunks(ctx, chunks, outputDir, workers, opts)
	for _, result := range results {
		fmt.Printf(logGenerated, result.Path, result.ArtifactID)
	}

	if err != nil {
		log.Error("Failed to process chunks: %v", err)

		return fmt.Errorf(errFailedToProcessChunks, err)
	}

	return nil
}
