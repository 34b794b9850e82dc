package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/automation"
	"github.com/BTreeMap/SessionPipe/internal/backup"
	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/recovery"
	"github.com/BTreeMap/SessionPipe/internal/scheduler"
	"github.com/BTreeMap/SessionPipe/internal/session"
	"github.com/BTreeMap/SessionPipe/internal/sms"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// Run starts SessionPipe and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, opts ...Option) error {
	o := defaultOpts()
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(o.storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	q := queue.New()
	defer q.Close()
	svc := jobs.NewService(st, q, jobs.WithDefaultMaxAttempts(o.maxAttempts), jobs.WithDefaultBackoff(o.backoff))
	registry := jobs.NewRegistry()
	dispatcher := jobs.NewDispatcher(st, q, registry, jobs.WithWorkers(o.workers))

	hub := notify.NewHub()
	defer hub.Close()
	notifier := notify.BestEffort(hub)

	sessions, ready, closeSessions, err := openSessionStore(ctx, o)
	if err != nil {
		return err
	}
	defer closeSessions()
	timers := session.NewTimers(sessions, svc, notifier, timerOptions(o)...)

	planner := backup.NewPlanner(st, svc)
	generator, err := newBackupGenerator(o, st)
	if err != nil {
		return err
	}

	var sender sms.Sender
	if o.smsEnabled {
		client, err := sms.NewClient(o.smsOpts...)
		if err != nil {
			slog.Warn("Run: SMS disabled", "error", err)
		} else {
			sender = client
		}
	}

	automation.RegisterJobHandlers(registry, automation.Deps{
		Jobs:     svc,
		Webhooks: st,
		Planner:  planner,
		Backups:  generator,
		Timers:   timers,
		Notifier: notifier,
		SMS:      sender,
		Rules:    o.rules,
	})
	slog.Debug("Run: job handlers registered", "types", registry.Types())

	sweeper := recovery.NewSweeper(st, q, dispatcher, recovery.WithStaleThreshold(o.staleAfter))
	manager := recovery.NewManager()
	manager.Register("job-queue", sweeper)
	manager.Register("backup-schedule", recovery.RecoverFunc(func(ctx context.Context) error {
		_, err := planner.Reschedule(ctx)
		return err
	}))
	if err := manager.RecoverAll(ctx); err != nil {
		slog.Warn("Run: recovery incomplete, the sweep will retry pending jobs", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sweeper.Start(ctx, sched, o.sweepEvery); err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	srv := NewServer(ServerDeps{
		Jobs:      svc,
		Ingestor:  automation.NewIngestor(st, svc, o.rules),
		Schedules: st,
		Planner:   planner,
		Timers:    timers,
		Hub:       hub,
		Ready:     ready,
	}, opts...)
	httpServer := &http.Server{
		Addr:              o.addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("Run: SessionPipe API listening", "addr", o.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		hub.Close()
		q.Close()
		return err
	})
	return g.Wait()
}

func openSessionStore(ctx context.Context, o Opts) (session.Store, func(context.Context) error, func(), error) {
	if o.redisAddr == "" {
		slog.Debug("Run: session timers kept in memory")
		return session.NewMemoryStore(o.sessionTTL), nil, func() {}, nil
	}
	client, err := session.DialRedis(ctx, o.redisAddr, o.redisPass, o.redisDB)
	if err != nil {
		return nil, nil, nil, err
	}
	ready := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("Run: redis close failed", "error", err)
		}
	}
	slog.Info("Run: session timers kept in Redis", "addr", o.redisAddr, "db", o.redisDB)
	return session.NewRedisStore(client, session.WithTTL(o.sessionTTL)), ready, closeFn, nil
}

func timerOptions(o Opts) []session.Option {
	opts := []session.Option{
		session.WithTickInterval(o.tickInterval),
		session.WithDefaultMaxDuration(o.maxDuration),
	}
	if o.inactivitySet {
		opts = append(opts, session.WithInactivityTimeout(o.inactivity))
	}
	return opts
}

func newBackupGenerator(o Opts, st store.Store) (backup.Generator, error) {
	dir := o.backupDir
	if dir == "" {
		dir = filepath.Join(o.stateDir, DefaultBackupDir)
	}
	if o.backupCmd != "" {
		gen, err := backup.NewCommandGenerator(o.backupCmd, dir)
		if err != nil {
			return nil, fmt.Errorf("invalid backup command: %w", err)
		}
		return gen, nil
	}
	if src, ok := st.(backup.SnapshotSource); ok {
		return backup.NewSQLiteGenerator(src, dir), nil
	}
	slog.Warn("Run: no backup command configured and the store cannot snapshot itself; backups are skipped")
	return nil, nil
}
