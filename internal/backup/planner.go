// Package backup plans and produces the weekly database backup.
//
// The pending backup is a single job under a fixed ID. Every time the schedule is
// recomputed (after a run or after an admin change) the same ID is re-scheduled, so
// there is never more than one backup waiting.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/robfig/cron/v3"
)

// JobID is the well-known ID of the pending weekly backup job.
const JobID = "system:weekly-database-backup"

// NextRun returns the first occurrence of cfg's weekday and time strictly after now,
// evaluated in cfg's timezone. Enabled is not consulted.
func NextRun(cfg models.ScheduleConfig, now time.Time) (time.Time, error) {
	if err := cfg.Validate(); err != nil {
		return time.Time{}, err
	}
	hour, minute, _ := cfg.Clock()
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * %d", tz, minute, hour, cfg.DayOfWeek)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse backup schedule %q: %w", spec, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("backup schedule %q has no next occurrence", spec)
	}
	return next, nil
}

// Planner keeps the singleton backup job in line with the stored ScheduleConfig.
type Planner struct {
	configs store.ScheduleRepo
	jobs    jobs.Scheduler
}

// NewPlanner creates a Planner.
func NewPlanner(configs store.ScheduleRepo, scheduler jobs.Scheduler) *Planner {
	return &Planner{configs: configs, jobs: scheduler}
}

// Reschedule reads the current config and replaces the pending backup job.
// A missing, malformed or disabled config cancels the pending job and returns nil.
func (p *Planner) Reschedule(ctx context.Context) (*time.Time, error) {
	cfg, err := p.configs.GetScheduleConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read backup schedule: %w", err)
	}
	switch {
	case cfg == nil:
		slog.Info("Planner.Reschedule: no backup schedule configured, backups stopped")
		return nil, p.cancel(ctx)
	case !cfg.Enabled:
		slog.Info("Planner.Reschedule: backup schedule disabled, backups stopped")
		return nil, p.cancel(ctx)
	}

	next, err := NextRun(*cfg, p.jobs.Now())
	if err != nil {
		slog.Warn("Planner.Reschedule: backup schedule malformed, treating as disabled", "error", err,
			"dayOfWeek", cfg.DayOfWeek, "time", cfg.Time, "timezone", cfg.Timezone)
		return nil, p.cancel(ctx)
	}

	payload, err := models.EncodePayload(models.BackupPayload{Reason: "weekly"})
	if err != nil {
		return nil, err
	}
	job, err := p.jobs.Schedule(ctx, models.JobSpec{
		ID:              JobID,
		Type:            models.JobTypeGenerateBackup,
		Payload:         payload,
		DueAt:           next,
		Priority:        models.PriorityNormal,
		ReplaceTerminal: true,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule weekly backup: %w", err)
	}
	slog.Info("Planner.Reschedule: weekly backup scheduled", "dueAt", job.DueAt, "revision", job.Revision)
	return &next, nil
}

// UpdateConfig validates and stores cfg, then reschedules before returning.
func (p *Planner) UpdateConfig(ctx context.Context, cfg models.ScheduleConfig) (*time.Time, error) {
	if cfg.Enabled {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	cfg.UpdatedAt = p.jobs.Now()
	if err := p.configs.SaveScheduleConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save backup schedule: %w", err)
	}
	slog.Info("Planner.UpdateConfig: backup schedule saved", "enabled", cfg.Enabled,
		"dayOfWeek", cfg.DayOfWeek, "time", cfg.Time, "timezone", cfg.Timezone)
	return p.Reschedule(ctx)
}

func (p *Planner) cancel(ctx context.Context) error {
	if _, err := p.jobs.Cancel(ctx, JobID); err != nil {
		return fmt.Errorf("cancel weekly backup: %w", err)
	}
	return nil
}
