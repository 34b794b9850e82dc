package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertJob(ctx context.Context, spec models.JobSpec, now time.Time) (models.Job, bool, error) {
	if err := spec.Normalize(now); err != nil {
		return models.Job{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("upsert job begin failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, spec.ID))
	switch {
	case err == sql.ErrNoRows:
		job := newJobFromSpec(spec, now)
		// A concurrent insert of the same id loses here and falls back to replacement below.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, type, payload_json, due_at, priority, status, attempts, max_attempts,
			   backoff_type, backoff_base_ms, revision, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, 1, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			job.ID, job.Type, string(job.Payload), job.DueAt, job.Priority, job.MaxAttempts,
			string(job.Backoff.Type), job.Backoff.Base.Milliseconds(), job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := tx.Commit(); err != nil {
				return models.Job{}, false, fmt.Errorf("upsert job commit failed: %w", err)
			}
			slog.Debug("PostgresStore.UpsertJob: inserted", "id", job.ID, "type", job.Type, "dueAt", job.DueAt)
			return job, true, nil
		}
		existing, err = scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, spec.ID))
		if err != nil {
			return models.Job{}, false, fmt.Errorf("upsert job lookup failed: %w", err)
		}
	case err != nil:
		return models.Job{}, false, fmt.Errorf("upsert job lookup failed: %w", err)
	}

	if spec.KeepsExisting(existing) {
		slog.Debug("PostgresStore.UpsertJob: existing record kept", "id", existing.ID, "status", existing.Status)
		return existing, false, nil
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		`UPDATE jobs SET type = $1, payload_json = $2, due_at = $3, priority = $4, status = 'pending', attempts = 0,
		   max_attempts = $5, backoff_type = $6, backoff_base_ms = $7, last_error = NULL, revision = revision + 1,
		   locked_at = NULL, updated_at = $8
		 WHERE id = $9
		 RETURNING `+jobColumns,
		spec.Type, string(spec.Payload), spec.DueAt.UTC(), spec.Priority, spec.MaxAttempts,
		string(spec.Backoff.Type), spec.Backoff.Base.Milliseconds(), now.UTC(), spec.ID,
	))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("replace job failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("upsert job commit failed: %w", err)
	}
	slog.Debug("PostgresStore.UpsertJob: replaced", "id", job.ID, "revision", job.Revision, "dueAt", job.DueAt)
	return job, true, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ActivateJob(ctx context.Context, id string, now time.Time) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'active', attempts = attempts + 1, locked_at = $1, updated_at = $1
		 WHERE id = $2 AND status = 'pending' AND due_at <= $1
		 RETURNING `+jobColumns,
		now.UTC(), id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activate job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'active' AND revision = $3`,
		time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("complete job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, revision int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'active' AND revision = $4`,
		nilIfEmpty(truncateError(reason)), time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("fail job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, id string, revision int64, reason string, nextDueAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', last_error = $1, due_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = 'active' AND revision = $5`,
		nilIfEmpty(truncateError(reason)), nextDueAt.UTC(), time.Now().UTC(), id, revision,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) FindDue(ctx context.Context, before time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' AND due_at <= $1
		 ORDER BY priority DESC, due_at ASC`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("find due jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY due_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListStaleActive(ctx context.Context, lockedBefore time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'active' AND locked_at < $1 ORDER BY locked_at ASC`,
		lockedBefore.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale active jobs query failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) RequeueStaleActive(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = $1
		 WHERE status = 'active' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleActive", "requeued", n)
	}
	return int(n), nil
}
