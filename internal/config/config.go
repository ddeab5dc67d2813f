// Package config provides the configuration structure for the tts-server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

const megabyte = 1 << 20

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoAPIKeys indicates auth enabled without any key to check against.
	ErrNoAPIKeys = errors.New("auth is enabled but no api keys are configured")
)

// APIConfig holds the identity strings reported by the server.
type APIConfig struct {
	Title       string `toml:"title"`
	Description string `toml:"description"`
	Version     string `toml:"version"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                   string  `toml:"host"`
	Port                   int     `toml:"port"`
	ShutdownTimeoutSeconds int     `toml:"shutdown_timeout_seconds"`
	RateLimitPerSecond     float64 `toml:"rate_limit_per_second"`
	RateLimitBurst         int     `toml:"rate_limit_burst"`
}

// AuthConfig holds the API key gate settings.
type AuthConfig struct {
	Enabled bool     `toml:"enabled"`
	APIKeys []string `toml:"api_keys"`
}

// Synthesizer backends.
const (
	BackendHTTP    = "http"
	BackendCommand = "command"
)

// CommandConfig drives a local chatllm-style synthesis binary.
type CommandConfig struct {
	Binary            string  `toml:"binary"`
	ModelPath         string  `toml:"model_path"`
	SnacModelPath     string  `toml:"snac_model_path"`
	Seed              int     `toml:"seed"`
	NGL               int     `toml:"ngl"`
	TopP              float64 `toml:"top_p"`
	RepetitionPenalty float64 `toml:"repetition_penalty"`
	Temperature       float64 `toml:"temperature"`
}

// TTSConfig holds the synthesizer backend and voice defaults.
type TTSConfig struct {
	Backend          string `toml:"backend"`
	BackendURL       string `toml:"backend_url"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	UseGPU           bool   `toml:"use_gpu"`
	DefaultVoice     string `toml:"default_voice"`
	DefaultVoiceCode string `toml:"default_voice_code"`
	SampleRate       int    `toml:"sample_rate"`
	DefaultFormat    string `toml:"default_format"`
	SpellNumbers     bool   `toml:"spell_numbers"`
	// Voices is what /v1/audio/voices lists; empty asks the backend.
	Voices []string `toml:"voices"`

	Command CommandConfig `toml:"command"`
}

// OutputConfig bounds the OUTPUT pool.
type OutputConfig struct {
	Dir       string `toml:"dir"`
	MaxSizeMB int64  `toml:"max_size_mb"`
}

// TempConfig bounds the TEMP pool.
type TempConfig struct {
	Dir         string  `toml:"dir"`
	MaxSizeMB   int64   `toml:"max_size_mb"`
	MaxAgeHours float64 `toml:"max_age_hours"`
	MaxCount    int     `toml:"max_count"`
}

// ReaperConfig sets the background eviction cadence.
type ReaperConfig struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	ReconcileEveryTicks int `toml:"reconcile_every_ticks"`
}

// AdmissionConfig tunes throttling.
type AdmissionConfig struct {
	SoftWatermark          float64 `toml:"soft_watermark"`
	ThrottleBackoffMS      int     `toml:"throttle_backoff_ms"`
	MaxThrottleWaitSeconds int     `toml:"max_throttle_wait_seconds"`
}

// WebPlayerConfig mounts the static player.
type WebPlayerConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Dir     string `toml:"dir"`
}

// CORSConfig sets allowed origins.
type CORSConfig struct {
	Enabled bool     `toml:"enabled"`
	Origins []string `toml:"origins"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled                  bool   `toml:"enabled"`
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	QueueGroup               string `toml:"queue_group"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	API       APIConfig       `toml:"api"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	TTS       TTSConfig       `toml:"tts"`
	Output    OutputConfig    `toml:"output"`
	Temp      TempConfig      `toml:"temp"`
	Reaper    ReaperConfig    `toml:"reaper"`
	Admission AdmissionConfig `toml:"admission"`
	WebPlayer WebPlayerConfig `toml:"web_player"`
	CORS      CORSConfig      `toml:"cors"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Defaults returns a configuration with every knob set.
func Defaults() Config {
	return Config{
		API: APIConfig{
			Title:       "TTS Server",
			Description: "Speech synthesis with bounded artifact storage",
			Version:     "1.0.0",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8880,
			ShutdownTimeoutSeconds: 15,
			RateLimitPerSecond:     10,
			RateLimitBurst:         20,
		},
		TTS: TTSConfig{
			Backend:        BackendHTTP,
			BackendURL:     "http://127.0.0.1:8000",
			TimeoutSeconds: 30,
			DefaultVoice:   "af_heart",
			SampleRate:     24000,
			DefaultFormat:  "wav",
			Command: CommandConfig{
				Binary:            "chatllm",
				Seed:              42,
				TopP:              0.9,
				RepetitionPenalty: 1.1,
				Temperature:       0.7,
			},
		},
		Output: OutputConfig{Dir: "output", MaxSizeMB: 500},
		Temp: TempConfig{
			Dir:         "temp_files",
			MaxSizeMB:   2048,
			MaxAgeHours: 1,
			MaxCount:    3,
		},
		Reaper: ReaperConfig{IntervalSeconds: 60, ReconcileEveryTicks: 10},
		Admission: AdmissionConfig{
			SoftWatermark:          0.9,
			ThrottleBackoffMS:      250,
			MaxThrottleWaitSeconds: 10,
		},
		WebPlayer: WebPlayerConfig{Path: "/web/", Dir: "web"},
		CORS:      CORSConfig{Enabled: true, Origins: []string{"*"}},
		NATS: NATSConfig{
			URL:                      "nats://127.0.0.1:4222",
			TextProcessedSubject:     "text.processed",
			AudioChunkCreatedSubject: "audio.chunk.created",
			QueueGroup:               "tts-workers",
			TextObjectStoreBucket:    "TEXT_FILES",
			AudioObjectStoreBucket:   "AUDIO_FILES",
		},
		Paths: PathsConfig{BaseLogsDir: filepath.Join(os.TempDir(), "tts-server", "logs")},
	}
}

// ApplyDefaults fills zero-valued fields from Defaults. Booleans are left
// alone since false is a meaningful setting.
func (c *Config) ApplyDefaults() {
	def := Defaults()

	setString(&c.API.Title, def.API.Title)
	setString(&c.API.Description, def.API.Description)
	setString(&c.API.Version, def.API.Version)

	setString(&c.Server.Host, def.Server.Host)
	setNumber(&c.Server.Port, def.Server.Port)
	setNumber(&c.Server.ShutdownTimeoutSeconds, def.Server.ShutdownTimeoutSeconds)
	setNumber(&c.Server.RateLimitPerSecond, def.Server.RateLimitPerSecond)
	setNumber(&c.Server.RateLimitBurst, def.Server.RateLimitBurst)

	setString(&c.TTS.Backend, def.TTS.Backend)
	setString(&c.TTS.BackendURL, def.TTS.BackendURL)
	setNumber(&c.TTS.TimeoutSeconds, def.TTS.TimeoutSeconds)
	setString(&c.TTS.DefaultVoice, def.TTS.DefaultVoice)
	setNumber(&c.TTS.SampleRate, def.TTS.SampleRate)
	setString(&c.TTS.DefaultFormat, def.TTS.DefaultFormat)
	setString(&c.TTS.Command.Binary, def.TTS.Command.Binary)
	setNumber(&c.TTS.Command.TopP, def.TTS.Command.TopP)
	setNumber(&c.TTS.Command.RepetitionPenalty, def.TTS.Command.RepetitionPenalty)
	setNumber(&c.TTS.Command.Temperature, def.TTS.Command.Temperature)

	setString(&c.Output.Dir, def.Output.Dir)
	setNumber(&c.Output.MaxSizeMB, def.Output.MaxSizeMB)

	setString(&c.Temp.Dir, def.Temp.Dir)
	setNumber(&c.Temp.MaxSizeMB, def.Temp.MaxSizeMB)
	setNumber(&c.Temp.MaxAgeHours, def.Temp.MaxAgeHours)
	setNumber(&c.Temp.MaxCount, def.Temp.MaxCount)

	setNumber(&c.Reaper.IntervalSeconds, def.Reaper.IntervalSeconds)
	setNumber(&c.Reaper.ReconcileEveryTicks, def.Reaper.ReconcileEveryTicks)

	setNumber(&c.Admission.ThrottleBackoffMS, def.Admission.ThrottleBackoffMS)
	setNumber(&c.Admission.MaxThrottleWaitSeconds, def.Admission.MaxThrottleWaitSeconds)

	setString(&c.WebPlayer.Path, def.WebPlayer.Path)
	setString(&c.WebPlayer.Dir, def.WebPlayer.Dir)

	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = def.CORS.Origins
	}

	setString(&c.NATS.URL, def.NATS.URL)
	setString(&c.NATS.TextProcessedSubject, def.NATS.TextProcessedSubject)
	setString(&c.NATS.AudioChunkCreatedSubject, def.NATS.AudioChunkCreatedSubject)
	setString(&c.NATS.QueueGroup, def.NATS.QueueGroup)
	setString(&c.NATS.TextObjectStoreBucket, def.NATS.TextObjectStoreBucket)
	setString(&c.NATS.AudioObjectStoreBucket, def.NATS.AudioObjectStoreBucket)

	setString(&c.Paths.BaseLogsDir, def.Paths.BaseLogsDir)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.RateLimitPerSecond >= 0, "server.rate_limit_per_second cannot be negative")
	check(c.Output.Dir != "", "output.dir cannot be empty")
	check(c.Temp.Dir != "", "temp.dir cannot be empty")
	check(filepath.Clean(c.Output.Dir) != filepath.Clean(c.Temp.Dir), "output.dir and temp.dir must differ")
	check(c.Output.MaxSizeMB >= 0, "output.max_size_mb cannot be negative")
	check(c.Temp.MaxSizeMB >= 0, "temp.max_size_mb cannot be negative")
	check(c.Temp.MaxAgeHours >= 0, "temp.max_age_hours cannot be negative")
	check(c.Temp.MaxCount >= 0, "temp.max_count cannot be negative")
	check(c.Reaper.IntervalSeconds > 0, "reaper.interval_seconds must be positive")
	check(c.Temp.MaxAgeHours == 0 || c.ReaperInterval() < c.TempMaxAge(),
		"reaper.interval_seconds must be shorter than temp.max_age_hours")
	check(c.Admission.SoftWatermark >= 0 && c.Admission.SoftWatermark <= 1,
		"admission.soft_watermark %v must be within [0, 1]", c.Admission.SoftWatermark)
	check(c.TTS.Backend == BackendHTTP || c.TTS.Backend == BackendCommand,
		"tts.backend %q must be %s or %s", c.TTS.Backend, BackendHTTP, BackendCommand)
	check(c.TTS.Backend != BackendHTTP || c.TTS.BackendURL != "", "tts.backend_url cannot be empty")
	check(c.TTS.Backend != BackendCommand || c.TTS.Command.ModelPath != "",
		"tts.command.model_path is required by the command backend")
	check(c.TTS.SampleRate > 0, "tts.sample_rate must be positive")
	check(c.TTS.DefaultFormat == "wav" || c.TTS.DefaultFormat == "pcm",
		"tts.default_format %q must be wav or pcm", c.TTS.DefaultFormat)
	check(!c.WebPlayer.Enabled || strings.HasPrefix(c.WebPlayer.Path, "/"),
		"web_player.path %q must start with /", c.WebPlayer.Path)
	check(!slices.ContainsFunc(c.TTS.Voices, func(v string) bool { return strings.TrimSpace(v) == "" }),
		"tts.voices cannot contain empty names")
	check(!c.WebPlayer.Enabled || strings.Trim(c.WebPlayer.Path, "/") != "",
		"web_player.path %q cannot be the root", c.WebPlayer.Path)

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, ErrNoAPIKeys)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// OutputMaxBytes converts output.max_size_mb.
func (c *Config) OutputMaxBytes() int64 {
	return c.Output.MaxSizeMB * megabyte
}

// TempMaxBytes converts temp.max_size_mb.
func (c *Config) TempMaxBytes() int64 {
	return c.Temp.MaxSizeMB * megabyte
}

// TempMaxAge converts temp.max_age_hours.
func (c *Config) TempMaxAge() time.Duration {
	return time.Duration(c.Temp.MaxAgeHours * float64(time.Hour))
}

// ReaperInterval converts reaper.interval_seconds.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// ShutdownTimeout converts server.shutdown_timeout_seconds.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// BackendTimeout converts tts.timeout_seconds.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.TTS.TimeoutSeconds) * time.Second
}

// ThrottleBackoff converts admission.throttle_backoff_ms.
func (c *Config) ThrottleBackoff() time.Duration {
	return time.Duration(c.Admission.ThrottleBackoffMS) * time.Millisecond
}

// MaxThrottleWait converts admission.max_throttle_wait_seconds.
func (c *Config) MaxThrottleWait() time.Duration {
	return time.Duration(c.Admission.MaxThrottleWaitSeconds) * time.Second
}

// Load loads the configuration for the tts-server through the configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from a local TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func setString(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

func setNumber[T int | int64 | float64](field *T, def T) {
	if *field == 0 {
		*field = def
	}
}
