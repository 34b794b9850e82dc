package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// jobColumns is the select list matching scanJob.
const jobColumns = `id, type, payload_json, due_at, priority, status, attempts, max_attempts,
	backoff_type, backoff_base_ms, last_error, revision, locked_at, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var payload []byte
	var lastError sql.NullString
	var lockedAt sql.NullTime
	var backoffType string
	var backoffBaseMS int64
	var status string
	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.DueAt, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&backoffType, &backoffBaseMS, &lastError, &j.Revision, &lockedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.Payload = json.RawMessage(append([]byte(nil), payload...))
	j.Status = models.JobStatus(status)
	j.Backoff = models.BackoffPolicy{
		Type: models.BackoffType(backoffType),
		Base: time.Duration(backoffBaseMS) * time.Millisecond,
	}
	j.LastError = lastError.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

// scanJobs drains rows into a slice.
func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows iteration failed: %w", err)
	}
	return jobs, nil
}

// newJobFromSpec builds the record inserted for a fresh spec.
func newJobFromSpec(spec models.JobSpec, now time.Time) models.Job {
	return models.Job{
		ID:          spec.ID,
		Type:        spec.Type,
		Payload:     spec.Payload,
		DueAt:       spec.DueAt.UTC(),
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		Backoff:     spec.Backoff,
		Status:      models.JobStatusPending,
		Revision:    1,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// truncateError keeps stored error messages bounded.
func truncateError(msg string) string {
	const maxLen = 2000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
