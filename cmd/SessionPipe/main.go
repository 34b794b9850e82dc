package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/api"
	"github.com/BTreeMap/SessionPipe/internal/automation"
	"github.com/BTreeMap/SessionPipe/internal/lockfile"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/sms"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir holds the lock file, the SQLite job store and backups.
	DefaultStateDir = "/var/lib/sessionpipe"
	// DefaultDBFileName is the SQLite database created when no DSN is given.
	DefaultDBFileName = "sessionpipe.db"
)

// Config is read from the environment, then overridden by flags.
type Config struct {
	StateDir    string `env:"SESSIONPIPE_STATE_DIR" envDefault:"/var/lib/sessionpipe"`
	DatabaseURL string `env:"DATABASE_URL"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"debug"`

	Workers            int           `env:"WORKER_COUNT" envDefault:"4"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	StaleJobThreshold  time.Duration `env:"STALE_JOB_THRESHOLD" envDefault:"10m"`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	DefaultBackoff     string        `env:"DEFAULT_BACKOFF" envDefault:"exponential"`
	DefaultBackoffBase time.Duration `env:"DEFAULT_BACKOFF_BASE" envDefault:"5s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SessionStateTTL     time.Duration `env:"SESSION_STATE_TTL" envDefault:"24h"`
	SessionTickInterval time.Duration `env:"SESSION_TICK_INTERVAL" envDefault:"1s"`
	SessionMaxDuration  time.Duration `env:"SESSION_MAX_DURATION" envDefault:"2h"`
	InactivityTimeout   time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"10m"`

	WebhookSecret      string        `env:"WEBHOOK_SECRET"`
	WebhookRateLimit   float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`
	WebhookRateBurst   int           `env:"WEBHOOK_RATE_BURST" envDefault:"100"`
	WebhookNormalDelay time.Duration `env:"WEBHOOK_NORMAL_DELAY" envDefault:"0s"`
	CriticalEvents     []string      `env:"CRITICAL_WEBHOOK_EVENTS" envSeparator:","`
	PurchaseEvents     []string      `env:"PURCHASE_WEBHOOK_EVENTS" envSeparator:","`

	BackupCommand string `env:"BACKUP_COMMAND"`
	BackupDir     string `env:"BACKUP_DIR"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	level := initializeLogger()

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config, err := loadConfig(nil)
	if err != nil {
		slog.Error("Invalid environment configuration", "error", err)
		return 2
	}
	config, err = applyFlags(config, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("Invalid command line", "error", err)
		return 2
	}
	level.Set(parseLogLevel(config.LogLevel))

	apiOpts, err := buildAPIOptions(config)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 2
	}

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SessionPipe", "state_dir", config.StateDir, "dsn_set", config.DatabaseURL != "",
		"api_addr", config.APIAddr, "workers", config.Workers, "redis", config.RedisAddr != "")
	if err := api.Run(ctx, apiOpts...); err != nil {
		slog.Error("SessionPipe failed to run", "error", err)
		return 1
	}
	slog.Info("SessionPipe exited successfully")
	return 0
}

// initializeLogger installs a text logger at debug level. The returned LevelVar is
// lowered once LOG_LEVEL is known.
func initializeLogger() *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	return level
}

func parseLogLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		slog.Warn("unknown LOG_LEVEL, using debug", "value", s)
		return slog.LevelDebug
	}
	return l
}

// loadConfig parses environ, or the process environment when environ is nil.
func loadConfig(environ map[string]string) (Config, error) {
	var config Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return Config{}, err
	}
	slog.Debug("environment variables loaded",
		"SESSIONPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"WORKER_COUNT", config.Workers,
		"REDIS_ADDR", config.RedisAddr,
		"WEBHOOK_SECRET_SET", config.WebhookSecret != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")
	return config, nil
}

// applyFlags overrides config with command line flags.
func applyFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("sessionpipe", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for SessionPipe data (overrides $SESSIONPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "job store DSN, a SQLite path or Postgres URL (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	workers := fs.Int("workers", config.Workers, "dispatcher worker count (overrides $WORKER_COUNT)")
	redisAddr := fs.String("redis-addr", config.RedisAddr, "Redis address for session timer state (overrides $REDIS_ADDR)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	config.StateDir = *stateDir
	config.DatabaseURL = *dbDSN
	config.APIAddr = *apiAddr
	config.Workers = *workers
	config.RedisAddr = *redisAddr
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	slog.Debug("flags parsed", "stateDir", config.StateDir, "apiAddr", config.APIAddr,
		"workers", config.Workers, "redisAddr", config.RedisAddr)
	return config, nil
}

// buildStoreOptions picks the job store backend from the DSN.
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

func buildEventRules(config Config) automation.EventRules {
	rules := automation.DefaultEventRules()
	if events := trimAll(config.CriticalEvents); len(events) > 0 {
		rules.Critical = events
	}
	if events := trimAll(config.PurchaseEvents); len(events) > 0 {
		rules.Purchase = events
	}
	rules.NormalDelay = config.WebhookNormalDelay
	return rules
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// buildAPIOptions translates Config into api.Run options.
func buildAPIOptions(config Config) ([]api.Option, error) {
	backoff := models.BackoffPolicy{Type: models.BackoffType(strings.ToLower(config.DefaultBackoff)), Base: config.DefaultBackoffBase}
	switch backoff.Type {
	case models.BackoffFixed, models.BackoffExponential:
	default:
		return nil, fmt.Errorf("DEFAULT_BACKOFF must be %q or %q, got %q", models.BackoffFixed, models.BackoffExponential, config.DefaultBackoff)
	}

	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithStateDir(config.StateDir),
		api.WithStoreOptions(buildStoreOptions(config)...),
		api.WithWorkers(config.Workers),
		api.WithJobDefaults(config.DefaultMaxAttempts, backoff),
		api.WithRecovery(config.SweepInterval, config.StaleJobThreshold),
		api.WithSessionTimers(config.SessionStateTTL, config.SessionTickInterval, config.SessionMaxDuration, config.InactivityTimeout),
		api.WithEventRules(buildEventRules(config)),
		api.WithBackup(config.BackupCommand, config.BackupDir),
		api.WithWebhookRateLimit(config.WebhookRateLimit, config.WebhookRateBurst),
	}
	if config.RedisAddr != "" {
		opts = append(opts, api.WithRedis(config.RedisAddr, config.RedisPassword, config.RedisDB))
	}
	if config.WebhookSecret != "" {
		opts = append(opts, api.WithWebhookSecret(config.WebhookSecret))
	}
	if config.TwilioAccountSID != "" {
		opts = append(opts, api.WithSMS(
			sms.WithAccountSID(config.TwilioAccountSID),
			sms.WithAuthToken(config.TwilioAuthToken),
			sms.WithFromNumber(config.TwilioFromNumber),
		))
	} else {
		slog.Debug("TWILIO_ACCOUNT_SID not set, SMS notifications disabled")
	}
	return opts, nil
}
