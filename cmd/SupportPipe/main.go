package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/SupportPipe/internal/api"
	"github.com/BTreeMap/SupportPipe/internal/config"
	"github.com/BTreeMap/SupportPipe/internal/genai"
	"github.com/BTreeMap/SupportPipe/internal/store"
	"github.com/BTreeMap/SupportPipe/internal/twiliosms"
)

func main() {
	// Debug until the configured level is known
	initializeLogger(os.Stdout, slog.LevelDebug, false)

	flags, err := parseCommandLineFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	initializeLogger(os.Stdout, level, cfg.LogJSON)

	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(cfg)
	genaiOpts := buildGenAIOptions(cfg)
	smsOpts := buildSMSOptions(cfg)
	apiOpts := buildAPIOptions(cfg)

	slog.Info("Bootstrapping SupportPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "sms", len(smsOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, genaiOpts, smsOpts, apiOpts); err != nil {
		slog.Error("SupportPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SupportPipe exited successfully")
}

// Flags holds command line flag values. Only flags that were set override the configuration.
type Flags struct {
	configPath   string
	stateDir     string
	dbDSN        string
	apiAddr      string
	openaiKey    string
	openaiModel  string
	notifierMode string
	destination  string
	logLevel     string
	maxSteps     int

	set map[string]bool
}

// initializeLogger installs a text (or JSON) handler at level as the default logger.
func initializeLogger(w io.Writer, level slog.Level, jsonOutput bool) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseCommandLineFlags parses args. Defaults are empty: unset flags leave the
// file and environment configuration untouched.
func parseCommandLineFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("SupportPipe", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file (overrides $"+config.ConfigFileEnv+")")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory for SupportPipe data (overrides $SUPPORTPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "SQLite path, postgres:// DSN or redis:// URL (overrides $DATABASE_URL)")
	fs.StringVar(&f.apiAddr, "api-addr", "", "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.openaiKey, "openai-api-key", "", "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", "", "OpenAI model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.notifierMode, "notifier", "", "verification code delivery: direct, outbox or log (overrides $NOTIFIER_MODE)")
	fs.StringVar(&f.destination, "sms-destination", "", "phone number receiving verification codes (overrides $TWILIO_DESTINATION_PHONE_NUMBER)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.IntVar(&f.maxSteps, "max-steps", 0, "maximum workflow steps per turn (overrides $MAX_STEPS)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	slog.Debug("flags parsed", "set", len(f.set), "config", f.configPath)
	return f, nil
}

// applyFlags copies explicitly set flags onto cfg. A new state directory also moves
// the default SQLite file unless a DSN was given.
func applyFlags(cfg *config.Config, f Flags) {
	if f.set["state-dir"] {
		defaultDSN := filepath.Join(cfg.StateDir, config.DefaultDBFileName)
		cfg.StateDir = f.stateDir
		if cfg.DatabaseDSN == defaultDSN && !f.set["db-dsn"] {
			cfg.DatabaseDSN = filepath.Join(f.stateDir, config.DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "state_dir", f.stateDir)
		}
	}
	if f.set["db-dsn"] {
		cfg.DatabaseDSN = f.dbDSN
	}
	if f.set["api-addr"] {
		cfg.APIAddr = f.apiAddr
	}
	if f.set["openai-api-key"] {
		cfg.OpenAI.APIKey = f.openaiKey
	}
	if f.set["openai-model"] {
		cfg.OpenAI.Model = f.openaiModel
	}
	if f.set["notifier"] {
		cfg.NotifierMode = f.notifierMode
	}
	if f.set["sms-destination"] {
		cfg.Twilio.DestinationNumber = f.destination
	}
	if f.set["log-level"] {
		cfg.LogLevel = f.logLevel
	}
	if f.set["max-steps"] {
		cfg.MaxSteps = f.maxSteps
	}
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(cfg config.Config) error {
	if !cfg.FileBacked() {
		return nil
	}
	dir := filepath.Dir(cfg.DatabaseDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg config.Config) []store.Option {
	var storeOpts []store.Option
	if cfg.DatabaseDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	switch store.DetectDSNType(cfg.DatabaseDSN) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(cfg.DatabaseDSN))
	case "redis":
		slog.Debug("Detected Redis URL, configuring Redis store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithRedisURL(cfg.DatabaseDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", cfg.DatabaseDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(cfg.DatabaseDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg config.Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAI.APIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	if cfg.OpenAI.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAI.Model))
	}
	// Always sent: the API default is not 0.
	genaiOpts = append(genaiOpts, genai.WithTemperature(cfg.OpenAI.Temperature))
	return genaiOpts
}

// buildSMSOptions constructs Twilio configuration options
func buildSMSOptions(cfg config.Config) []twiliosms.Option {
	var smsOpts []twiliosms.Option
	if cfg.Twilio.AccountSID != "" {
		smsOpts = append(smsOpts, twiliosms.WithAccountSID(cfg.Twilio.AccountSID))
	}
	if cfg.Twilio.AuthToken != "" {
		smsOpts = append(smsOpts, twiliosms.WithAuthToken(cfg.Twilio.AuthToken))
	}
	if cfg.Twilio.FromNumber != "" {
		smsOpts = append(smsOpts, twiliosms.WithFromNumber(cfg.Twilio.FromNumber))
	}
	return smsOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg config.Config) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithMaxSteps(cfg.MaxSteps),
		api.WithNotifierMode(cfg.NotifierMode),
		api.WithDestination(cfg.Twilio.DestinationNumber),
		api.WithOutboxPollInterval(cfg.OutboxPollInterval),
	}
	if cfg.FileBacked() {
		apiOpts = append(apiOpts, api.WithLockDir(cfg.StateDir))
	}
	return apiOpts
}
