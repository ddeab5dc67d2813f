package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/core"
)

// ErrEmptyBinary indicates a command synthesizer configured without a binary.
var ErrEmptyBinary = errors.New("synthesis binary cannot be empty")

// CommandConfig holds the model and sampling settings passed to the binary.
type CommandConfig struct {
	Binary            string
	ModelPath         string
	SnacModelPath     string
	Seed              int
	NGL               int
	TopP              float64
	RepetitionPenalty float64
	Temperature       float64
}

// CommandSynthesizer implements core.Synthesizer by running a chatllm-style
// binary that exports a WAV file. The binary writes the whole utterance before
// it exits, so the returned stream starts only once synthesis is complete.
type CommandSynthesizer struct {
	config CommandConfig
	log    *logger.Logger
}

// NewCommandSynthesizer creates a synthesizer for cfg.Binary.
func NewCommandSynthesizer(cfg CommandConfig, log *logger.Logger) (*CommandSynthesizer, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, ErrEmptyBinary
	}

	return &CommandSynthesizer{config: cfg, log: log}, nil
}

// Synthesize runs the binary and returns the PCM body of the WAV it exported.
// The export file is removed when the stream is closed.
func (s *CommandSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrEmptyText)
	}

	tempFile, err := os.CreateTemp("", "tts-output-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for tts output: %w", err)
	}

	exportPath := tempFile.Name()
	_ = tempFile.Close()

	// #nosec G204 -- the binary comes from configuration, the text is a single argument
	cmd := exec.CommandContext(ctx, s.config.Binary, s.args(req, exportPath)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		s.remove(exportPath)

		return nil, fmt.Errorf("%w: %s execution failed: %w - output: %s",
			core.ErrSynthesis, s.config.Binary, err, strings.TrimSpace(string(output)))
	}

	file, err := os.Open(exportPath)
	if err != nil {
		s.remove(exportPath)

		return nil, fmt.Errorf("%w: failed to open exported audio: %w", core.ErrSynthesis, err)
	}

	export := &exportFile{file: file, remove: func() { s.remove(exportPath) }}

	err = audio.SkipWAVHeader(file)
	if err != nil {
		_ = export.Close()

		return nil, fmt.Errorf("%w: exported audio: %w", core.ErrSynthesis, err)
	}

	return &stream{body: export}, nil
}

// HealthCheck verifies that the binary can be found.
func (s *CommandSynthesizer) HealthCheck(_ context.Context) error {
	_, err := exec.LookPath(s.config.Binary)
	if err != nil {
		return fmt.Errorf("synthesis binary %s not found: %w", s.config.Binary, err)
	}

	return nil
}

func (s *CommandSynthesizer) args(req core.SynthesisRequest, exportPath string) []string {
	ngl := s.config.NGL
	if !req.UseGPU {
		ngl = 0
	}

	args := []string{
		"-m", s.config.ModelPath,
		"-p", fmt.Sprintf("{%s}: %s", req.Voice, req.Text),
		"--tts_export", exportPath,
		"--seed", strconv.Itoa(s.config.Seed),
		"-ngl", strconv.Itoa(ngl),
		"--top_p", fmt.Sprintf("%.2f", s.config.TopP),
		"--repetition_penalty", fmt.Sprintf("%.2f", s.config.RepetitionPenalty),
		"--temp", fmt.Sprintf("%.2f", s.config.Temperature),
	}

	if s.config.SnacModelPath != "" {
		args = append(args, "--snac_model", s.config.SnacModelPath)
	}

	return args
}

func (s *CommandSynthesizer) remove(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && s.log != nil {
		s.log.Warn("Failed to remove temp file '%s': %v", path, err)
	}
}

// exportFile deletes the exported WAV once the reader is done with it.
type exportFile struct {
	file   *os.File
	remove func()
}

func (e *exportFile) Read(p []byte) (int, error) {
	return e.file.Read(p)
}

func (e *exportFile) Close() error {
	err := e.file.Close()
	e.remove()

	return err
}
