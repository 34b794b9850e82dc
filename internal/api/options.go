package api

import (
	"time"

	"github.com/BTreeMap/SessionPipe/internal/automation"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/sms"
	"github.com/BTreeMap/SessionPipe/internal/store"
)

// Defaults for the HTTP server.
const (
	DefaultAddr         = ":8080"
	DefaultMaxBodyBytes = 1 << 20
	DefaultWebhookRate  = 50
	DefaultWebhookBurst = 100
	DefaultBackupDir    = "backups"
	shutdownTimeout     = 10 * time.Second
)

// Opts holds the configuration of a SessionPipe process.
type Opts struct {
	addr         string
	storeOpts    []store.Option
	stateDir     string
	workers      int
	maxAttempts  int
	backoff      models.BackoffPolicy
	sweepEvery   time.Duration
	staleAfter   time.Duration
	redisAddr    string
	redisPass    string
	redisDB      int
	sessionTTL   time.Duration
	tickInterval time.Duration
	maxDuration  time.Duration
	inactivity   time.Duration
	rules        automation.EventRules
	backupCmd    string
	backupDir    string
	smsOpts      []sms.Option
	smsEnabled   bool

	inactivitySet bool

	webhookSecret string
	webhookRate   float64
	webhookBurst  int
	maxBodyBytes  int64
}

// Option configures Run or NewServer.
type Option func(*Opts)

func defaultOpts() Opts {
	return Opts{
		addr:         DefaultAddr,
		rules:        automation.DefaultEventRules(),
		webhookRate:  DefaultWebhookRate,
		webhookBurst: DefaultWebhookBurst,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithStoreOptions selects the job store backend.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *Opts) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithStateDir sets where local files such as SQLite backups are written.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.stateDir = dir }
}

// WithWorkers sets the dispatcher worker count.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.workers = n }
}

// WithJobDefaults sets the attempt ceiling and backoff for jobs that do not choose their own.
func WithJobDefaults(maxAttempts int, backoff models.BackoffPolicy) Option {
	return func(o *Opts) {
		o.maxAttempts = maxAttempts
		o.backoff = backoff
	}
}

// WithRecovery sets the sweep interval and the age after which active jobs count as abandoned.
func WithRecovery(sweepEvery, staleAfter time.Duration) Option {
	return func(o *Opts) {
		o.sweepEvery = sweepEvery
		o.staleAfter = staleAfter
	}
}

// WithRedis keeps session timer state in Redis instead of process memory.
func WithRedis(addr, password string, db int) Option {
	return func(o *Opts) {
		o.redisAddr = addr
		o.redisPass = password
		o.redisDB = db
	}
}

// WithSessionTimers configures session timers. Zero values keep the defaults, except
// inactivity where zero disables the check.
func WithSessionTimers(stateTTL, tickInterval, maxDuration, inactivity time.Duration) Option {
	return func(o *Opts) {
		o.sessionTTL = stateTTL
		o.tickInterval = tickInterval
		o.maxDuration = maxDuration
		o.inactivity = inactivity
		o.inactivitySet = true
	}
}

// WithEventRules sets webhook classification.
func WithEventRules(rules automation.EventRules) Option {
	return func(o *Opts) { o.rules = rules }
}

// WithBackup sets the backup command and output directory. Without a command the
// SQLite store snapshots itself.
func WithBackup(command, dir string) Option {
	return func(o *Opts) {
		o.backupCmd = command
		o.backupDir = dir
	}
}

// WithSMS enables Twilio SMS delivery for user notifications.
func WithSMS(opts ...sms.Option) Option {
	return func(o *Opts) {
		o.smsEnabled = true
		o.smsOpts = append(o.smsOpts, opts...)
	}
}

// WithWebhookSecret enables HMAC verification of webhook deliveries.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.webhookSecret = secret }
}

// WithWebhookRateLimit limits webhook deliveries per second. A non-positive rate disables limiting.
func WithWebhookRateLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.webhookRate = perSecond
		if burst > 0 {
			o.webhookBurst = burst
		}
	}
}

// WithMaxBodyBytes caps webhook body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}
