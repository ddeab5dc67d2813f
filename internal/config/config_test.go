// Package config_test tests the configuration loading for the tts-server.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tomlData := `
[server]
host = "127.0.0.1"
port = 9000

[auth]
enabled = true
api_keys = ["secret-1", "secret-2"]

[tts]
backend_url = "http://kokoro:8000"
default_voice = "bf_emma"
default_voice_code = "b"
use_gpu = true

[output]
dir = "/data/output"
max_size_mb = 500

[temp]
dir = "/data/temp"
max_size_mb = 64
max_age_hours = 2
max_count = 10

[reaper]
interval_seconds = 30

[admission]
soft_watermark = 0.75

[nats]
enabled = true
url = "nats://127.0.0.1:4222"
text_processed_subject = "text.processed"
audio_chunk_created_subject = "audio.chunk.created"
audio_object_store_bucket = "AUDIO_FILES"
`

	cfg, err := config.Parse([]byte(tomlData))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"secret-1", "secret-2"}, cfg.Auth.APIKeys)
	assert.Equal(t, "bf_emma", cfg.TTS.DefaultVoice)
	assert.Equal(t, "b", cfg.TTS.DefaultVoiceCode)
	assert.True(t, cfg.TTS.UseGPU)
	assert.Equal(t, int64(500<<20), cfg.OutputMaxBytes())
	assert.Equal(t, int64(64<<20), cfg.TempMaxBytes())
	assert.Equal(t, 2*time.Hour, cfg.TempMaxAge())
	assert.Equal(t, 10, cfg.Temp.MaxCount)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval())
	assert.InEpsilon(t, 0.75, cfg.Admission.SoftWatermark, 0.001)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)

	// Omitted knobs come from Defaults.
	assert.Equal(t, 24000, cfg.TTS.SampleRate)
	assert.Equal(t, "wav", cfg.TTS.DefaultFormat)
	assert.Equal(t, "TEXT_FILES", cfg.NATS.TextObjectStoreBucket)
	assert.Equal(t, 250*time.Millisecond, cfg.ThrottleBackoff())
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins)
}

func TestDefaults_AreValid(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.TempMaxAge())
	assert.Less(t, cfg.ReaperInterval(), cfg.TempMaxAge())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		target error
	}{
		{
			name:   "auth without keys",
			mutate: func(c *config.Config) { c.Auth.Enabled = true },
			target: config.ErrNoAPIKeys,
		},
		{
			name:   "reaper slower than max age",
			mutate: func(c *config.Config) { c.Reaper.IntervalSeconds = 7200 },
		},
		{
			name:   "watermark above one",
			mutate: func(c *config.Config) { c.Admission.SoftWatermark = 1.2 },
		},
		{
			name:   "shared pool directory",
			mutate: func(c *config.Config) { c.Temp.Dir = c.Output.Dir + "/" },
		},
		{
			name:   "unknown format",
			mutate: func(c *config.Config) { c.TTS.DefaultFormat = "mp3" },
		},
		{
			name:   "unknown backend",
			mutate: func(c *config.Config) { c.TTS.Backend = "grpc" },
		},
		{
			name:   "command backend without model",
			mutate: func(c *config.Config) { c.TTS.Backend = config.BackendCommand },
		},
		{
			name:   "bad port",
			mutate: func(c *config.Config) { c.Server.Port = 70000 },
		},
		{
			name:   "blank voice name",
			mutate: func(c *config.Config) { c.TTS.Voices = []string{"af_heart", " "} },
		},
		{
			name: "web player at root",
			mutate: func(c *config.Config) {
				c.WebPlayer.Enabled = true
				c.WebPlayer.Path = "/"
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Defaults()
			tc.mutate(&cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalidConfig)

			if tc.target != nil {
				require.ErrorIs(t, err, tc.target)
			}
		})
	}
}

func TestParse_CommandBackend(t *testing.T) {
	t.Parallel()

	tomlData := `
[tts]
backend = "command"

[tts.command]
model_path = "/models/orpheus.bin"
snac_model_path = "/models/snac.bin"
ngl = 100
`

	cfg, err := config.Parse([]byte(tomlData))
	require.NoError(t, err)

	assert.Equal(t, config.BackendCommand, cfg.TTS.Backend)
	assert.Equal(t, "chatllm", cfg.TTS.Command.Binary)
	assert.Equal(t, "/models/orpheus.bin", cfg.TTS.Command.ModelPath)
	assert.Equal(t, 100, cfg.TTS.Command.NGL)
	assert.InEpsilon(t, 0.7, cfg.TTS.Command.Temperature, 0.001)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tts-server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[temp]\nmax_count = 7\n"), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Temp.MaxCount)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[temp\n"), 0o600))

	_, err = config.LoadFile(path)
	require.Error(t, err)
}
