package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rentline/assistbot/internal/api"
	"github.com/rentline/assistbot/internal/flow"
	"github.com/rentline/assistbot/internal/lockfile"
	"github.com/rentline/assistbot/internal/notify"
	"github.com/rentline/assistbot/internal/store"
	"github.com/rentline/assistbot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AssistBot state data
	DefaultStateDir = "/var/lib/assistbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "assistbot.db"
	// DefaultNotifyPollInterval is how often the notification sender polls the outbox
	DefaultNotifyPollInterval = 5 * time.Second
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// A file-backed store means we own the state directory: take the
	// instance lock so two processes never share one SQLite database.
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	notifier := selectNotifier(flags)

	catalog := flow.NewCatalog()
	dispatcher := flow.NewOutboxDispatcher(st)
	engine := flow.NewEngine(st, catalog, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := notify.NewSender(st, notifier, DefaultNotifyPollInterval)
	if err := sender.RecoverStaleNotifications(); err != nil {
		slog.Warn("Failed to recover stale notifications", "error", err)
	}
	go sender.Run(ctx)

	apiOpts := buildAPIOptions(flags)
	server := api.NewServer(engine, st, apiOpts...)

	slog.Info("Bootstrapping AssistBot with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("AssistBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AssistBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	LogLevel    string
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDSN    *string
	apiAddr  *string
}

// initializeLogger sets up structured logging with the level taken from
// LOG_LEVEL (debug, info, warn, error; default info).
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("ASSISTBOT_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ASSISTBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("ASSISTBOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ASSISTBOT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"LOG_LEVEL", config.LogLevel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir: flag.String("state-dir", config.StateDir, "state directory for AssistBot data (overrides $ASSISTBOT_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// openStore selects the storage backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// selectNotifier picks the notification channel from configuration: SMTP when
// an SMTP host is set, Twilio SMS when Twilio credentials are set, otherwise
// the log-only fallback. ASSISTBOT_NOTIFY_DISABLED forces the fallback.
func selectNotifier(flags Flags) notify.Notifier {
	if util.ParseBoolEnv("ASSISTBOT_NOTIFY_DISABLED", false) {
		slog.Info("Notifications disabled, using log notifier")
		return notify.NewLogNotifier()
	}

	if os.Getenv("SMTP_HOST") != "" {
		n, err := notify.NewSMTPNotifier()
		if err != nil {
			slog.Error("Failed to configure SMTP notifier, falling back to log", "error", err)
			return notify.NewLogNotifier()
		}
		slog.Info("Using SMTP notifier")
		return n
	}

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		n, err := notify.NewTwilioNotifier()
		if err != nil {
			slog.Error("Failed to configure Twilio notifier, falling back to log", "error", err)
			return notify.NewLogNotifier()
		}
		slog.Info("Using Twilio SMS notifier")
		return n
	}

	slog.Info("No notification channel configured, using log notifier")
	return notify.NewLogNotifier()
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
