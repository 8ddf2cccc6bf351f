package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	ConfigFileEnv, "SUPPORTPIPE_STATE_DIR", "DATABASE_URL", "API_ADDR", "NOTIFIER_MODE",
	"LOG_LEVEL", "LOG_JSON", "MAX_STEPS", "OUTBOX_POLL_INTERVAL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER", "TWILIO_DESTINATION_PHONE_NUMBER",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supportpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultDBFileName), cfg.DatabaseDSN)
	assert.Equal(t, DefaultAPIAddr, cfg.APIAddr)
	assert.Equal(t, NotifierDirect, cfg.NotifierMode)
	assert.Equal(t, DefaultMaxSteps, cfg.MaxSteps)
	assert.True(t, cfg.FileBacked())
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
state_dir: /tmp/sp
api_addr: ":9090"
notifier_mode: outbox
outbox_poll_interval: 2s
max_steps: 10
openai:
  model: gpt-4o
twilio:
  from_number: "+15550001111"
  destination_number: "+15552223333"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sp", cfg.StateDir)
	assert.Equal(t, filepath.Join("/tmp/sp", DefaultDBFileName), cfg.DatabaseDSN)
	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, NotifierOutbox, cfg.NotifierMode)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 10, cfg.MaxSteps)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, "+15552223333", cfg.Twilio.DestinationNumber)
	assert.Equal(t, "debug", cfg.LogLevel, "keys absent from the file keep their default")
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "api_addr: \":9090\"\nmax_steps: 10\n")
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("API_ADDR", ":7070")
	t.Setenv("DATABASE_URL", "postgres://user:pw@localhost/sp")
	t.Setenv("MAX_STEPS", "5")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.APIAddr)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, "postgres://user:pw@localhost/sp", cfg.DatabaseDSN)
	assert.False(t, cfg.FileBacked())
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := Load(missing)
	assert.Error(t, err, "an explicit path must exist")

	t.Setenv(ConfigFileEnv, missing)
	_, err = Load("")
	assert.NoError(t, err, "a missing file named by the environment is skipped")
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "api_addr: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad notifier", func(c *Config) { c.NotifierMode = "carrier-pigeon" }},
		{"zero steps", func(c *Config) { c.MaxSteps = 0 }},
		{"empty addr", func(c *Config) { c.APIAddr = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestFileBacked(t *testing.T) {
	assert.True(t, Config{DatabaseDSN: "/var/lib/supportpipe/supportpipe.db"}.FileBacked())
	assert.False(t, Config{DatabaseDSN: "redis://localhost:6379/0"}.FileBacked())
	assert.False(t, Config{DatabaseDSN: "host=localhost dbname=sp"}.FileBacked())
	assert.False(t, Config{}.FileBacked())
}
