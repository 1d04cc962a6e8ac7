package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/automation"
	"github.com/BTreeMap/FunnelPipe/internal/evolution"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/inbox"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/ticklock"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/util"
	"github.com/BTreeMap/FunnelPipe/internal/wapi"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "funnelpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAutomationCron runs the automation tick every minute
	DefaultAutomationCron = "* * * * *"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FunnelPipe")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"automation_cron", *flags.automationCron, "redis", *flags.redisURL != "", "whatsmeow", *flags.whatsmeow)
	if err := run(flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	APIAddr         string
	AutomationCron  string
	TickTimeout     time.Duration
	BatchSize       int
	DeadlineTimers  bool
	RedisURL        string
	FlowsDir        string
	CORSOrigins     string
	WhatsmeowOn     bool
	WhatsAppDBDSN   string
	WhatsmeowOrgID  string
	WhatsmeowConnID string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	apiAddr         *string
	automationCron  *string
	tickTimeout     *time.Duration
	batchSize       *int
	deadlineTimers  *bool
	redisURL        *string
	flowsDir        *string
	corsOrigins     *string
	whatsmeow       *bool
	whatsappDSN     *string
	whatsmeowOrgID  *string
	whatsmeowConnID *string
	qrOutput        *string
	numeric         *bool
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        util.GetEnv("FUNNELPIPE_STATE_DIR", DefaultStateDir),
		APIAddr:         util.GetEnv("API_ADDR", api.DefaultAddr),
		AutomationCron:  util.GetEnv("AUTOMATION_SCHEDULE", DefaultAutomationCron),
		TickTimeout:     util.ParseDurationEnv("AUTOMATION_TICK_TIMEOUT", scheduler.DefaultTickTimeout),
		BatchSize:       util.ParseIntEnv("AUTOMATION_BATCH_SIZE", automation.DefaultBatchSize),
		DeadlineTimers:  util.ParseBoolEnv("DEADLINE_TIMERS", false),
		RedisURL:        os.Getenv("REDIS_URL"),
		FlowsDir:        os.Getenv("FLOWS_DIR"),
		CORSOrigins:     os.Getenv("CORS_ALLOWED_ORIGINS"),
		WhatsmeowOn:     util.ParseBoolEnv("WHATSMEOW_ENABLED", false),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		WhatsmeowOrgID:  os.Getenv("WHATSMEOW_ORGANIZATION_ID"),
		WhatsmeowConnID: os.Getenv("WHATSMEOW_CONNECTION_ID"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"AUTOMATION_SCHEDULE", config.AutomationCron,
		"REDIS_URL_SET", config.RedisURL != "",
		"FLOWS_DIR", config.FlowsDir,
		"WHATSMEOW_ENABLED", config.WhatsmeowOn,
		"DEADLINE_TIMERS", config.DeadlineTimers)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		automationCron:  fs.String("automation-cron", config.AutomationCron, "cron schedule for the automation tick (overrides $AUTOMATION_SCHEDULE)"),
		tickTimeout:     fs.Duration("tick-timeout", config.TickTimeout, "upper bound for one scheduled tick (overrides $AUTOMATION_TICK_TIMEOUT)"),
		batchSize:       fs.Int("batch-size", config.BatchSize, "automations per dispatch and timeout pass (overrides $AUTOMATION_BATCH_SIZE)"),
		deadlineTimers:  fs.Bool("deadline-timers", config.DeadlineTimers, "arm in-process timers at automation deadlines (overrides $DEADLINE_TIMERS)"),
		redisURL:        fs.String("redis-url", config.RedisURL, "Redis URL for the shared tick lock (overrides $REDIS_URL)"),
		flowsDir:        fs.String("flows-dir", config.FlowsDir, "directory of YAML flow files (overrides $FLOWS_DIR)"),
		corsOrigins:     fs.String("cors-origins", config.CORSOrigins, "comma-separated CORS origins (overrides $CORS_ALLOWED_ORIGINS)"),
		whatsmeow:       fs.Bool("whatsmeow", config.WhatsmeowOn, "enable the whatsmeow provider (overrides $WHATSMEOW_ENABLED)"),
		whatsappDSN:     fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		whatsmeowOrgID:  fs.String("whatsmeow-organization", config.WhatsmeowOrgID, "organization inbound whatsmeow messages belong to"),
		whatsmeowConnID: fs.String("whatsmeow-connection", config.WhatsmeowConnID, "connection inbound whatsmeow messages belong to"),
		qrOutput:        fs.String("qr-output", "", "path to write login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"automationCron", *flags.automationCron,
		"batchSize", *flags.batchSize,
		"whatsmeow", *flags.whatsmeow,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)

	// Follow a changed state directory when the DSNs still point at the old default
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}

	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dbDir)
			return err
		}
	}
	return nil
}

// run wires every component and blocks until a shutdown signal arrives or the server fails.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	router, wa, err := buildProviderRouter(flags)
	if err != nil {
		return err
	}
	if wa != nil {
		defer wa.Disconnect()
	}

	executor := flow.NewExecutor(buildGraphStore(flags, st), st, router)

	locker, closeLocker, err := buildTickLocker(ctx, flags)
	if err != nil {
		return err
	}
	defer closeLocker()

	engine := automation.NewEngine(st, executor, buildAutomationOptions(flags, locker)...)
	defer engine.Stop()
	if n, err := engine.RestoreTimers(ctx); err != nil {
		slog.Warn("Failed to restore deadline timers", "error", err)
	} else if n > 0 {
		slog.Info("Deadline timers restored", "count", n)
	}

	in := inbox.New(st, executor)
	if wa != nil {
		wa.OnMessage(func(msg models.InboundMessage) {
			rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := in.Receive(rctx, msg); err != nil {
				slog.Error("Inbound whatsmeow message failed", "error", err, "connectionID", msg.ConnectionID)
			}
		})
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleTicks(*flags.automationCron, engine, *flags.tickTimeout); err != nil {
		return fmt.Errorf("invalid automation schedule %q: %w", *flags.automationCron, err)
	}

	srv := api.NewServer(api.Deps{
		Automations: engine,
		Flows:       executor,
		Inbox:       in,
		Connections: st,
		Status:      router,
	}, buildAPIOptions(flags)...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down API server", "error", err)
		return err
	}
	return nil
}

// buildGraphStore layers YAML flow files over the database when a flows directory is set.
func buildGraphStore(flags Flags, st store.GraphStore) store.GraphStore {
	if *flags.flowsDir == "" {
		return st
	}
	slog.Debug("Using YAML flow overlay", "dir", *flags.flowsDir)
	return store.NewLayeredGraphStore(store.NewYAMLGraphStore(*flags.flowsDir), st)
}

// buildProviderRouter registers every provider that can be configured.
func buildProviderRouter(flags Flags) (*messaging.Router, *whatsapp.Client, error) {
	router := messaging.NewRouter()
	router.Register(models.ProviderEvolution, evolution.New())
	router.Register(models.ProviderWAPI, wapi.New())

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		tw, err := twiliowhatsapp.NewClient()
		if err != nil {
			slog.Warn("Twilio provider disabled", "error", err)
		} else {
			router.Register(models.ProviderTwilio, tw)
		}
	}

	if !*flags.whatsmeow {
		return router, nil, nil
	}
	wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return nil, nil, fmt.Errorf("whatsmeow provider: %w", err)
	}
	router.Register(models.ProviderWhatsmeow, wa)
	return router, wa, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	if *flags.whatsmeowOrgID != "" || *flags.whatsmeowConnID != "" {
		waOpts = append(waOpts, whatsapp.WithBinding(*flags.whatsmeowOrgID, *flags.whatsmeowConnID))
	}
	return waOpts
}

// buildTickLocker picks Redis when configured, otherwise a lock file in the state directory.
func buildTickLocker(ctx context.Context, flags Flags) (ticklock.Locker, func(), error) {
	if *flags.redisURL != "" {
		r, err := ticklock.NewRedisFromURL(ctx, *flags.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis tick lock: %w", err)
		}
		slog.Debug("Using Redis tick lock")
		return r, func() {
			if err := r.Close(); err != nil {
				slog.Warn("Failed to close Redis client", "error", err)
			}
		}, nil
	}
	f := ticklock.NewFile(*flags.stateDir)
	slog.Debug("Using file tick lock", "path", f.Path())
	return f, func() {}, nil
}

// buildAutomationOptions constructs automation engine options
func buildAutomationOptions(flags Flags, locker ticklock.Locker) []automation.Option {
	opts := []automation.Option{automation.WithLocker(locker)}
	if *flags.batchSize > 0 {
		opts = append(opts, automation.WithBatchSize(*flags.batchSize))
	}
	if *flags.deadlineTimers {
		opts = append(opts, automation.WithDeadlineTimers(true))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if origins := splitList(*flags.corsOrigins); len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
