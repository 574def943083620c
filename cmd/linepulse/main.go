package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/linepulse/linepulse/internal/api"
	"github.com/linepulse/linepulse/internal/flow"
	"github.com/linepulse/linepulse/internal/genai"
	"github.com/linepulse/linepulse/internal/line"
	"github.com/linepulse/linepulse/internal/lockfile"
	"github.com/linepulse/linepulse/internal/messaging"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/notify"
	"github.com/linepulse/linepulse/internal/store"
	"github.com/linepulse/linepulse/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LinePulse state data
	DefaultStateDir = "/var/lib/linepulse"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "linepulse.db"
)

// backend is the full persistence surface the service needs. Both database
// stores satisfy it.
type backend interface {
	store.Store
	store.JobRepo
	store.OutboxRepo
	store.DedupRepo
}

var (
	_ backend = (*store.SQLiteStore)(nil)
	_ backend = (*store.PostgresStore)(nil)
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping LinePulse with configured modules")
	if err := run(flags); err != nil {
		slog.Error("LinePulse failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LinePulse exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	ChannelSecret string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
}

// initializeLogger sets up structured logging. LINEPULSE_DEBUG=true enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LINEPULSE_DEBUG", false) {
		level = slog.LevelDebug
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
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("LINEPULSE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		ChannelSecret: os.Getenv("LINE_CHANNEL_SECRET"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LINEPULSE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Without a database URL, fall back to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LINEPULSE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"LINE_CHANNEL_SECRET_SET", config.ChannelSecret != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for LinePulse data (overrides $LINEPULSE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for AI intent rules (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Follow the state directory when the DSN was left at its derived default.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	return nil
}

// openStore opens the database backend matching the DSN type.
func openStore(dsn string) (backend, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	// A SQLite state directory tolerates exactly one writer process.
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return fmt.Errorf("lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	lineClient, err := line.NewClient()
	if err != nil {
		return fmt.Errorf("create LINE client: %w", err)
	}
	dispatcher := messaging.NewDispatcher(lineClient)

	var classifier genai.Classifier
	if *flags.openaiKey != "" {
		cli, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return fmt.Errorf("create GenAI client: %w", err)
		}
		classifier = cli
	} else {
		slog.Warn("No OpenAI API key configured; AI intent rules will not match")
	}

	executor := flow.NewExecutor(st, st)
	engine := flow.NewEngine(st, executor)
	matcher := flow.NewMatcher(st, classifier)
	responder := flow.NewResponder(st, matcher, engine, executor, dispatcher)

	runner := store.NewJobRunner(st, 0)
	runner.RegisterHandler(store.JobKindAutoResponse, func(ctx context.Context, payload string) error {
		var req models.AutoResponseRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return fmt.Errorf("decode auto-response payload: %w", err)
		}
		_, err := responder.Respond(ctx, &req)
		return err
	})
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("run: stale job recovery failed", "error", err)
	}

	var notifier notify.Notifier
	if cli, err := notify.NewClient(); err != nil {
		slog.Warn("No Twilio credentials configured; operator alerts stay queued", "error", err)
	} else {
		notifier = cli
	}
	sender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		return deliverOutboxMessage(ctx, notifier, msg)
	}, 0)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("run: stale outbox recovery failed", "error", err)
	}

	sweeper := flow.NewSweeper(st, engine, 0)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, st, st, responder, lineClient, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runner.Run(ctx)
	go sender.Run(ctx)
	go sweeper.Run(ctx)

	return server.Run(ctx)
}

// deliverOutboxMessage routes one outbox message to its transport.
func deliverOutboxMessage(ctx context.Context, notifier notify.Notifier, msg store.OutboxMessage) error {
	switch msg.Kind {
	case store.OutboxKindOperatorNotify:
		if notifier == nil {
			return fmt.Errorf("operator notifier not configured")
		}
		var alert flow.OperatorAlert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &alert); err != nil {
			return fmt.Errorf("decode operator alert: %w", err)
		}
		body := alert.Text
		if alert.DisplayName != "" {
			body = fmt.Sprintf("%s: %s", alert.DisplayName, alert.Text)
		}
		return notifier.NotifyOperator(ctx, body)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}
