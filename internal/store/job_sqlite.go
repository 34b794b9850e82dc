package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) UpsertJob(ctx context.Context, spec models.JobSpec, now time.Time) (models.Job, bool, error) {
	if err := spec.Normalize(now); err != nil {
		return models.Job{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("upsert job begin failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, spec.ID))
	switch {
	case err == sql.ErrNoRows:
		job := newJobFromSpec(spec, now)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, type, payload_json, due_at, priority, status, attempts, max_attempts,
			   backoff_type, backoff_base_ms, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, 1, ?, ?)`,
			job.ID, job.Type, string(job.Payload), job.DueAt, job.Priority, job.MaxAttempts,
			string(job.Backoff.Type), job.Backoff.Base.Milliseconds(), job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return models.Job{}, false, fmt.Errorf("upsert job commit failed: %w", err)
		}
		slog.Debug("SQLiteStore.UpsertJob: inserted", "id", job.ID, "type", job.Type, "dueAt", job.DueAt)
		return job, true, nil
	case err != nil:
		return models.Job{}, false, fmt.Errorf("upsert job lookup failed: %w", err)
	}

	if spec.KeepsExisting(existing) {
		slog.Debug("SQLiteStore.UpsertJob: existing record kept", "id", existing.ID, "status", existing.Status)
		return existing, false, nil
	}

	job := existing
	job.Type = spec.Type
	job.Payload = spec.Payload
	job.DueAt = spec.DueAt.UTC()
	job.Priority = spec.Priority
	job.MaxAttempts = spec.MaxAttempts
	job.Backoff = spec.Backoff
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.LastError = ""
	job.LockedAt = nil
	job.Revision = existing.Revision + 1
	job.UpdatedAt = now.UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET type = ?, payload_json = ?, due_at = ?, priority = ?, status = 'pending', attempts = 0,
		   max_attempts = ?, backoff_type = ?, backoff_base_ms = ?, last_error = NULL, revision = ?,
		   locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		job.Type, string(job.Payload), job.DueAt, job.Priority, job.MaxAttempts,
		string(job.Backoff.Type), job.Backoff.Base.Milliseconds(), job.Revision, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("replace job failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("upsert job commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.UpsertJob: replaced", "id", job.ID, "revision", job.Revision, "dueAt", job.DueAt)
	return job, true, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) ActivateJob(ctx context.Context, id string, now time.Time) (*models.Job, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'active', attempts = attempts + 1, locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND due_at <= ?`,
		now, now, id, now,
	)
	if err != nil {
		return nil, fmt.Errorf("activate job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'active' AND revision = ?`,
		time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("complete job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, revision int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'active' AND revision = ?`,
		nilIfEmpty(truncateError(reason)), time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("fail job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id string, revision int64, reason string, nextDueAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', last_error = ?, due_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'active' AND revision = ?`,
		nilIfEmpty(truncateError(reason)), nextDueAt.UTC(), time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) FindDue(ctx context.Context, before time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' AND due_at <= ?
		 ORDER BY priority DESC, due_at ASC`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("find due jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY due_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLiteStore) ListStaleActive(ctx context.Context, lockedBefore time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'active' AND locked_at < ? ORDER BY locked_at ASC`,
		lockedBefore.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale active jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLiteStore) RequeueStaleActive(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = ?
		 WHERE status = 'active' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleActive", "requeued", n)
	}
	return int(n), nil
}
