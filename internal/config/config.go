// Package config resolves SupportPipe settings from defaults, an optional YAML file,
// a .env file and the process environment, in that order of increasing precedence.
// Command-line flags are applied on top by cmd/SupportPipe.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultStateDir is the default directory for SupportPipe state data
	DefaultStateDir = "/var/lib/supportpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "supportpipe.db"
	// DefaultAPIAddr is the listen address when none is configured.
	DefaultAPIAddr = ":8080"
	// DefaultMaxSteps bounds the steps one turn may run.
	DefaultMaxSteps = 25
	// ConfigFileEnv names the environment variable pointing at a YAML config file.
	ConfigFileEnv = "SUPPORTPIPE_CONFIG"
)

// Notifier modes.
const (
	NotifierDirect = "direct" // send the SMS inside the step
	NotifierOutbox = "outbox" // enqueue in the durable outbox, sent by a background worker
	NotifierLog    = "log"    // log the code; development only
)

// OpenAIConfig configures the decision-maker's model.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// TwilioConfig configures verification code delivery.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	FromNumber        string `yaml:"from_number"`
	DestinationNumber string `yaml:"destination_number"`
}

// Config is the resolved server configuration.
type Config struct {
	StateDir           string        `yaml:"state_dir"`
	DatabaseDSN        string        `yaml:"database_dsn"`
	APIAddr            string        `yaml:"api_addr"`
	NotifierMode       string        `yaml:"notifier_mode"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	LogLevel           string        `yaml:"log_level"`
	LogJSON            bool          `yaml:"log_json"`
	MaxSteps           int           `yaml:"max_steps"`
	OpenAI             OpenAIConfig  `yaml:"openai"`
	Twilio             TwilioConfig  `yaml:"twilio"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		StateDir:           DefaultStateDir,
		APIAddr:            DefaultAPIAddr,
		NotifierMode:       NotifierDirect,
		OutboxPollInterval: 5 * time.Second,
		LogLevel:           "debug",
		MaxSteps:           DefaultMaxSteps,
		OpenAI:             OpenAIConfig{Model: "gpt-4o-mini"},
	}
}

// Load resolves the configuration. path may be empty, in which case $SUPPORTPIPE_CONFIG
// is consulted; a missing file is only an error when a path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			if explicit || !os.IsNotExist(err) {
				return Config{}, err
			}
			slog.Debug("config.Load: config file not found, skipping", "path", path)
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: failed to load .env file", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}
	applyEnv(&cfg)

	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("config.Load: no database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DatabaseDSN)
	}

	slog.Debug("config.Load: resolved",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseDSN != "",
		"api_addr", cfg.APIAddr,
		"notifier_mode", cfg.NotifierMode,
		"openai_key_set", cfg.OpenAI.APIKey != "",
		"twilio_set", cfg.Twilio.AccountSID != "",
		"max_steps", cfg.MaxSteps)
	return cfg, nil
}

// loadFile overlays the YAML file onto cfg. Keys absent from the file keep their value.
func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
	}
	slog.Debug("config.loadFile: loaded config file", "path", path, "keys", len(k.Keys()))
	return nil
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.StateDir, "SUPPORTPIPE_STATE_DIR")
	setFromEnv(&cfg.DatabaseDSN, "DATABASE_URL")
	setFromEnv(&cfg.APIAddr, "API_ADDR")
	setFromEnv(&cfg.NotifierMode, "NOTIFIER_MODE")
	setFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setFromEnv(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setFromEnv(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setFromEnv(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setFromEnv(&cfg.Twilio.FromNumber, "TWILIO_PHONE_NUMBER")
	setFromEnv(&cfg.Twilio.DestinationNumber, "TWILIO_DESTINATION_PHONE_NUMBER")
	cfg.LogJSON = util.ParseBoolEnv("LOG_JSON", cfg.LogJSON)
	cfg.MaxSteps = util.ParseIntEnv("MAX_STEPS", cfg.MaxSteps)
	if v := os.Getenv("OUTBOX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OutboxPollInterval = d
		} else {
			slog.Warn("config.applyEnv: invalid OUTBOX_POLL_INTERVAL, keeping current value", "value", v, "error", err)
		}
	}
}

// Validate checks values that have no safe fallback.
func (c Config) Validate() error {
	switch c.NotifierMode {
	case NotifierDirect, NotifierOutbox, NotifierLog:
	default:
		return fmt.Errorf("unknown notifier mode %q (want %s, %s or %s)", c.NotifierMode, NotifierDirect, NotifierOutbox, NotifierLog)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max steps must be positive, got %d", c.MaxSteps)
	}
	if c.APIAddr == "" {
		return fmt.Errorf("api address must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps debug/info/warn/error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// FileBacked reports whether the configured store keeps data under the state directory.
func (c Config) FileBacked() bool {
	dsn := c.DatabaseDSN
	return dsn != "" && !strings.Contains(dsn, "://") && !strings.Contains(dsn, "host=")
}
