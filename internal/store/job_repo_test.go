package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestJobRepo_UpsertAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job, scheduled, err := s.UpsertJob(ctx, models.JobSpec{
				ID:       "job-1",
				Type:     models.JobTypeProcessWebhook,
				Payload:  []byte(`{"eventId":"job-1"}`),
				DueAt:    testNow.Add(time.Minute),
				Priority: models.PriorityCritical,
			}, testNow)
			if err != nil || !scheduled {
				t.Fatalf("UpsertJob: scheduled=%v err=%v", scheduled, err)
			}
			if job.Revision != 1 || job.Status != models.JobStatusPending {
				t.Errorf("unexpected new job: %+v", job)
			}

			got, err := s.GetJob(ctx, "job-1")
			if err != nil || got == nil {
				t.Fatalf("GetJob: %v %v", got, err)
			}
			if got.Type != models.JobTypeProcessWebhook || got.Priority != models.PriorityCritical {
				t.Errorf("unexpected stored job: %+v", got)
			}
			if !got.DueAt.Equal(testNow.Add(time.Minute)) {
				t.Errorf("expected dueAt %v, got %v", testNow.Add(time.Minute), got.DueAt)
			}
			if got.MaxAttempts != models.DefaultMaxAttempts || got.Backoff != models.DefaultBackoff() {
				t.Errorf("expected defaults, got max=%d backoff=%+v", got.MaxAttempts, got.Backoff)
			}

			missing, err := s.GetJob(ctx, "missing")
			if err != nil || missing != nil {
				t.Errorf("expected nil, nil for missing job, got %v %v", missing, err)
			}
		})
	}
}

func TestJobRepo_UpsertReplacesPending(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := models.JobSpec{ID: "dup", Type: models.JobTypeGenerateBackup, DueAt: testNow.Add(time.Hour)}
			if _, _, err := s.UpsertJob(ctx, spec, testNow); err != nil {
				t.Fatalf("first UpsertJob failed: %v", err)
			}
			spec.DueAt = testNow.Add(2 * time.Hour)
			job, scheduled, err := s.UpsertJob(ctx, spec, testNow)
			if err != nil || !scheduled {
				t.Fatalf("second UpsertJob: scheduled=%v err=%v", scheduled, err)
			}
			if job.Revision != 2 {
				t.Errorf("expected revision 2, got %d", job.Revision)
			}
			pending, err := s.ListPending(ctx)
			if err != nil {
				t.Fatalf("ListPending failed: %v", err)
			}
			if len(pending) != 1 || !pending[0].DueAt.Equal(testNow.Add(2*time.Hour)) {
				t.Errorf("expected exactly one pending job at the new time, got %+v", pending)
			}
		})
	}
}

func TestJobRepo_TerminalRecordKeptUnlessReplaceTerminal(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := models.JobSpec{ID: "evt", Type: models.JobTypeProcessWebhook, DueAt: testNow}
			job, _, _ := s.UpsertJob(ctx, spec, testNow)
			if _, err := s.ActivateJob(ctx, "evt", testNow); err != nil {
				t.Fatalf("ActivateJob failed: %v", err)
			}
			if ok, err := s.MarkCompleted(ctx, "evt", job.Revision); err != nil || !ok {
				t.Fatalf("MarkCompleted: ok=%v err=%v", ok, err)
			}

			again, scheduled, err := s.UpsertJob(ctx, spec, testNow)
			if err != nil {
				t.Fatalf("redelivery UpsertJob failed: %v", err)
			}
			if scheduled || again.Status != models.JobStatusCompleted {
				t.Errorf("redelivery should keep completed record, got scheduled=%v status=%s", scheduled, again.Status)
			}

			spec.ReplaceTerminal = true
			again, scheduled, err = s.UpsertJob(ctx, spec, testNow)
			if err != nil || !scheduled {
				t.Fatalf("ReplaceTerminal UpsertJob: scheduled=%v err=%v", scheduled, err)
			}
			if again.Status != models.JobStatusPending || again.Attempts != 0 {
				t.Errorf("expected fresh pending record, got %+v", again)
			}
		})
	}
}

func TestJobRepo_ActivateOnlyPending(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.UpsertJob(ctx, models.JobSpec{ID: "a", Type: models.JobTypeProcessWebhook, DueAt: testNow}, testNow)
			job, err := s.ActivateJob(ctx, "a", testNow)
			if err != nil || job == nil {
				t.Fatalf("ActivateJob: %v %v", job, err)
			}
			if job.Status != models.JobStatusActive || job.Attempts != 1 || job.LockedAt == nil {
				t.Errorf("unexpected active job: %+v", job)
			}
			second, err := s.ActivateJob(ctx, "a", testNow)
			if err != nil || second != nil {
				t.Errorf("second activation should be a no-op, got %v %v", second, err)
			}
		})
	}
}

func TestJobRepo_ActivateWaitsForDueTime(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.UpsertJob(ctx, models.JobSpec{ID: "later", Type: models.JobTypeProcessWebhook, DueAt: testNow.Add(time.Hour)}, testNow)
			job, err := s.ActivateJob(ctx, "later", testNow)
			if err != nil || job != nil {
				t.Fatalf("activation before due time should be a no-op, got %v %v", job, err)
			}
			got, _ := s.GetJob(ctx, "later")
			if got.Status != models.JobStatusPending || got.Attempts != 0 {
				t.Errorf("expected untouched pending record, got %+v", got)
			}
			if job, _ := s.ActivateJob(ctx, "later", testNow.Add(time.Hour)); job == nil {
				t.Error("expected activation at the due time")
			}
		})
	}
}

func TestJobRepo_KeepStartedLeavesRunningAndRetryingAlone(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := models.JobSpec{ID: "wh", Type: models.JobTypeProcessWebhook, DueAt: testNow, KeepStarted: true}

			fresh, _, _ := s.UpsertJob(ctx, spec, testNow)
			again, scheduled, err := s.UpsertJob(ctx, spec, testNow)
			if err != nil || !scheduled || again.Revision != fresh.Revision+1 {
				t.Fatalf("untouched pending record should be replaced: scheduled=%v err=%v %+v", scheduled, err, again)
			}

			running, _ := s.ActivateJob(ctx, "wh", testNow)
			kept, scheduled, err := s.UpsertJob(ctx, spec, testNow)
			if err != nil || scheduled {
				t.Fatalf("active record should be kept: scheduled=%v err=%v", scheduled, err)
			}
			if kept.Status != models.JobStatusActive || kept.Attempts != 1 || kept.Revision != running.Revision {
				t.Errorf("expected active record unchanged, got %+v", kept)
			}

			retryAt := testNow.Add(time.Minute)
			if ok, _ := s.RetryJob(ctx, "wh", running.Revision, "boom", retryAt); !ok {
				t.Fatal("RetryJob failed")
			}
			kept, scheduled, _ = s.UpsertJob(ctx, spec, testNow)
			if scheduled || kept.Attempts != 1 || !kept.DueAt.Equal(retryAt) || kept.LastError != "boom" {
				t.Errorf("expected retry wait unchanged, got scheduled=%v %+v", scheduled, kept)
			}

			spec.KeepStarted = false
			replaced, scheduled, _ := s.UpsertJob(ctx, spec, testNow)
			if !scheduled || replaced.Attempts != 0 {
				t.Errorf("plain upsert should still reset a retry wait, got scheduled=%v %+v", scheduled, replaced)
			}
		})
	}
}

func TestJobRepo_ListStaleActive(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"old", "recent", "idle"} {
				s.UpsertJob(ctx, models.JobSpec{ID: id, Type: models.JobTypeProcessWebhook, DueAt: testNow.Add(-time.Hour)}, testNow)
			}
			s.ActivateJob(ctx, "old", testNow.Add(-20*time.Minute))
			s.ActivateJob(ctx, "recent", testNow.Add(-time.Minute))

			stale, err := s.ListStaleActive(ctx, testNow.Add(-10*time.Minute))
			if err != nil {
				t.Fatalf("ListStaleActive failed: %v", err)
			}
			if len(stale) != 1 || stale[0].ID != "old" {
				t.Errorf("expected [old], got %+v", stale)
			}
		})
	}
}

func TestJobRepo_RetryThenFail(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.UpsertJob(ctx, models.JobSpec{ID: "r", Type: models.JobTypeProcessWebhook, DueAt: testNow}, testNow)
			job, _ := s.ActivateJob(ctx, "r", testNow)
			next := testNow.Add(5 * time.Second)
			if ok, err := s.RetryJob(ctx, "r", job.Revision, "boom", next); err != nil || !ok {
				t.Fatalf("RetryJob: ok=%v err=%v", ok, err)
			}
			got, _ := s.GetJob(ctx, "r")
			if got.Status != models.JobStatusPending || got.LastError != "boom" || !got.DueAt.Equal(next) {
				t.Errorf("unexpected retried job: %+v", got)
			}

			job, _ = s.ActivateJob(ctx, "r", next)
			if job.Attempts != 2 {
				t.Errorf("expected attempts 2, got %d", job.Attempts)
			}
			if ok, err := s.MarkFailed(ctx, "r", job.Revision, "boom again"); err != nil || !ok {
				t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
			}
			got, _ = s.GetJob(ctx, "r")
			if got.Status != models.JobStatusFailed || got.LastError != "boom again" {
				t.Errorf("unexpected failed job: %+v", got)
			}
		})
	}
}

func TestJobRepo_StaleRevisionIgnored(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := models.JobSpec{ID: "system:weekly-database-backup", Type: models.JobTypeGenerateBackup, DueAt: testNow, ReplaceTerminal: true}
			s.UpsertJob(ctx, spec, testNow)
			running, _ := s.ActivateJob(ctx, spec.ID, testNow)

			// The running handler schedules its own successor.
			spec.DueAt = testNow.Add(7 * 24 * time.Hour)
			next, _, err := s.UpsertJob(ctx, spec, testNow)
			if err != nil {
				t.Fatalf("self reschedule failed: %v", err)
			}
			if next.Revision != running.Revision+1 {
				t.Errorf("expected revision bump, got %d -> %d", running.Revision, next.Revision)
			}

			ok, err := s.MarkCompleted(ctx, spec.ID, running.Revision)
			if err != nil {
				t.Fatalf("MarkCompleted failed: %v", err)
			}
			if ok {
				t.Error("completion of the superseded run must not touch the successor")
			}
			got, _ := s.GetJob(ctx, spec.ID)
			if got.Status != models.JobStatusPending || !got.DueAt.Equal(spec.DueAt) {
				t.Errorf("expected successor pending at %v, got %+v", spec.DueAt, got)
			}
		})
	}
}

func TestJobRepo_CancelFindDueAndRequeue(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.UpsertJob(ctx, models.JobSpec{ID: "low", Type: models.JobTypeProcessWebhook, DueAt: testNow.Add(-time.Minute), Priority: models.PriorityLow}, testNow)
			s.UpsertJob(ctx, models.JobSpec{ID: "high", Type: models.JobTypeProcessWebhook, DueAt: testNow.Add(-2 * time.Hour), Priority: models.PriorityCritical}, testNow)
			s.UpsertJob(ctx, models.JobSpec{ID: "future", Type: models.JobTypeProcessWebhook, DueAt: testNow.Add(time.Hour)}, testNow)
			s.UpsertJob(ctx, models.JobSpec{ID: "gone", Type: models.JobTypeProcessWebhook, DueAt: testNow}, testNow)

			if ok, err := s.CancelJob(ctx, "gone"); err != nil || !ok {
				t.Fatalf("CancelJob: ok=%v err=%v", ok, err)
			}
			if ok, _ := s.CancelJob(ctx, "gone"); ok {
				t.Error("cancelling twice should report false")
			}

			due, err := s.FindDue(ctx, testNow)
			if err != nil {
				t.Fatalf("FindDue failed: %v", err)
			}
			if len(due) != 2 || due[0].ID != "high" || due[1].ID != "low" {
				t.Errorf("expected [high low], got %+v", due)
			}

			s.ActivateJob(ctx, "high", testNow.Add(-time.Hour))
			n, err := s.RequeueStaleActive(ctx, testNow.Add(-30*time.Minute))
			if err != nil || n != 1 {
				t.Fatalf("RequeueStaleActive: n=%d err=%v", n, err)
			}
			got, _ := s.GetJob(ctx, "high")
			if got.Status != models.JobStatusPending || got.LockedAt != nil {
				t.Errorf("expected requeued job pending and unlocked, got %+v", got)
			}
		})
	}
}
