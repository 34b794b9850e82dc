package automation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/backup"
	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/session"
	"github.com/BTreeMap/SessionPipe/internal/sms"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/BTreeMap/SessionPipe/internal/testutil"
)

const invoicePaid = `{
  "id": "evt_1",
  "type": "invoice.paid",
  "data": {"object": {
    "id": "in_123",
    "customer": "cus_9",
    "customer_phone": "+1 555 000 1111",
    "amount_paid": 4500,
    "currency": "usd"
  }}
}`

type fixture struct {
	repo     *store.InMemoryStore
	queue    *queue.DelayQueue
	svc      *jobs.Service
	registry *jobs.Registry
	rec      *notify.Recorder
	sms      *sms.MockClient
	planner  *backup.Planner
	ingestor *Ingestor
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context) (string, error) { return "", errors.New("disk full") }

func newFixture(t *testing.T, gen backup.Generator) *fixture {
	t.Helper()
	f := &fixture{
		repo:     store.NewInMemoryStore(),
		queue:    queue.New(),
		registry: jobs.NewRegistry(),
		rec:      notify.NewRecorder(),
		sms:      sms.NewMockClient(),
	}
	t.Cleanup(f.queue.Close)
	f.svc = jobs.NewService(f.repo, f.queue)
	f.planner = backup.NewPlanner(f.repo, f.svc)
	notifier := notify.BestEffort(f.rec)
	rules := DefaultEventRules()
	f.ingestor = NewIngestor(f.repo, f.svc, rules)
	RegisterJobHandlers(f.registry, Deps{
		Jobs:     f.svc,
		Webhooks: f.repo,
		Planner:  f.planner,
		Backups:  gen,
		Timers:   session.NewTimers(session.NewMemoryStore(0), f.svc, notifier),
		Notifier: notifier,
		SMS:      f.sms,
		Rules:    rules,
	})
	return f
}

// run executes one pending job through its registered handler, as of its due time
// when that is still ahead.
func (f *fixture) run(t *testing.T, id string) error {
	t.Helper()
	ctx := context.Background()
	at := time.Now()
	if rec, _ := f.repo.GetJob(ctx, id); rec != nil && rec.DueAt.After(at) {
		at = rec.DueAt
	}
	job, err := f.repo.ActivateJob(ctx, id, at)
	if err != nil || job == nil {
		t.Fatalf("job %s not pending: %v", id, err)
	}
	h, err := f.registry.Lookup(job.Type)
	if err != nil {
		t.Fatal(err)
	}
	return h(ctx, *job)
}

func TestRegisterCoversEveryJobType(t *testing.T) {
	f := newFixture(t, nil)
	for _, typ := range []string{
		models.JobTypeProcessWebhook, models.JobTypeProcessPurchase, models.JobTypeGenerateBackup,
		models.JobTypeSessionTimerTick, models.JobTypeProcessInactivity,
		models.JobTypeScheduleConfigChanged, models.JobTypeUserNotification,
	} {
		if _, err := f.registry.Lookup(typ); err != nil {
			t.Errorf("no handler for %s", typ)
		}
	}
}

func TestIngestCriticalEventAndRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.ingestor.Ingest(ctx, "stripe", "", []byte(invoicePaid))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.EventID != "evt_1" || res.EventType != "invoice.paid" || res.Duplicate {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Job.Priority != models.PriorityCritical {
		t.Errorf("expected critical priority, got %d", res.Job.Priority)
	}

	again, err := f.ingestor.Ingest(ctx, "stripe", "evt_1", []byte(invoicePaid))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate {
		t.Error("expected redelivery to be flagged duplicate")
	}
	if f.queue.Len() != 1 {
		t.Errorf("expected one queued token after redelivery, got %d", f.queue.Len())
	}

	if err := f.run(t, "evt_1"); err != nil {
		t.Fatalf("processWebhook failed: %v", err)
	}
	f.repo.MarkCompleted(ctx, "evt_1", again.Job.Revision)

	// redelivery after completion keeps the finished record
	late, _ := f.ingestor.Ingest(ctx, "stripe", "evt_1", []byte(invoicePaid))
	if late.Job.Status != models.JobStatusCompleted {
		t.Errorf("expected completed record to be kept, got %s", late.Job.Status)
	}
}

func TestRedeliveryLeavesStartedWebhookJobAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.ingestor.Ingest(ctx, "stripe", "", []byte(invoicePaid))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	running, err := f.repo.ActivateJob(ctx, "evt_1", time.Now())
	if err != nil || running == nil {
		t.Fatalf("ActivateJob: %v %v", running, err)
	}

	again, err := f.ingestor.Ingest(ctx, "stripe", "evt_1", []byte(invoicePaid))
	if err != nil {
		t.Fatal(err)
	}
	if again.Job.Status != models.JobStatusActive || again.Job.Attempts != 1 || again.Job.Revision != first.Job.Revision {
		t.Errorf("expected running record untouched, got %+v", again.Job)
	}

	retryAt := time.Now().Add(time.Minute)
	if ok, _ := f.repo.RetryJob(ctx, "evt_1", running.Revision, "upstream timeout", retryAt); !ok {
		t.Fatal("RetryJob failed")
	}
	again, _ = f.ingestor.Ingest(ctx, "stripe", "evt_1", []byte(invoicePaid))
	if again.Job.Attempts != 1 || !again.Job.DueAt.Equal(retryAt.UTC()) {
		t.Errorf("expected retry wait untouched, got %+v", again.Job)
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.ingestor.Ingest(ctx, "stripe", "x", []byte("not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := f.ingestor.Ingest(ctx, "stripe", "", []byte(`{"type":"ping"}`)); !errors.Is(err, ErrMissingEventID) {
		t.Errorf("expected ErrMissingEventID, got %v", err)
	}
	res, err := f.ingestor.Ingest(ctx, "stripe", "evt_n", []byte(`{"type":"customer.updated"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Priority != models.PriorityNormal {
		t.Errorf("expected normal priority, got %d", res.Job.Priority)
	}
}

func TestPurchaseFlowEmitsAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ingestor.Ingest(ctx, "stripe", "", []byte(invoicePaid))
	if err := f.run(t, "evt_1"); err != nil {
		t.Fatal(err)
	}

	job, _ := f.svc.Get(ctx, "evt_1:purchase")
	if job == nil || job.Type != models.JobTypeProcessPurchase || job.Priority != models.PriorityCritical {
		t.Fatalf("expected critical purchase follow-up, got %+v", job)
	}
	var p models.PurchasePayload
	models.DecodePayload(*job, &p)
	if p.InvoiceID != "in_123" || p.CustomerID != "cus_9" || p.Amount != 4500 || p.Currency != "usd" {
		t.Errorf("unexpected enriched payload %+v", p)
	}

	if err := f.run(t, "evt_1:purchase"); err != nil {
		t.Fatal(err)
	}
	events := f.rec.Events()
	if len(events) != 1 || events[0].Room != AdminRoom || events[0].Event != EventPurchaseCompleted {
		t.Errorf("expected purchase:completed to admin room, got %+v", events)
	}

	if err := f.run(t, "evt_1:notify"); err != nil {
		t.Fatal(err)
	}
	if f.rec.Count(EventPurchaseCompleted) != 2 {
		t.Errorf("expected user emit as well, got %+v", f.rec.Events())
	}
	sent := f.sms.Sent()
	if len(sent) != 1 || sent[0].To != "+1 555 000 1111" {
		t.Errorf("expected SMS to customer phone, got %+v", sent)
	}
}

func TestNonPurchaseEventHasNoFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ingestor.Ingest(ctx, "stripe", "evt_2", []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`))
	if err := f.run(t, "evt_2"); err != nil {
		t.Fatal(err)
	}
	if job, _ := f.svc.Get(ctx, "evt_2:purchase"); job != nil {
		t.Errorf("unexpected follow-up %+v", job)
	}
}

func TestUserNotificationSMSFailureFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.rec.Err = errors.New("no connections")
	f.sms.Err = errors.New("twilio down")
	payload, _ := models.EncodePayload(models.UserNotificationPayload{UserID: "u1", Message: "hi", Phone: "+15550001111"})
	f.svc.Schedule(ctx, models.JobSpec{ID: "n1", Type: models.JobTypeUserNotification, Payload: payload})
	if err := f.run(t, "n1"); err == nil {
		t.Error("expected SMS error to fail the job")
	}

	f.sms.Err = nil
	payload, _ = models.EncodePayload(models.UserNotificationPayload{UserID: "u2", Message: "hi"})
	f.svc.Schedule(ctx, models.JobSpec{ID: "n2", Type: models.JobTypeUserNotification, Payload: payload})
	if err := f.run(t, "n2"); err != nil {
		t.Errorf("gateway errors must not fail the job, got %v", err)
	}
	if f.rec.Count(EventUserNotification) != 2 {
		t.Errorf("expected both emits attempted, got %d", f.rec.Count(EventUserNotification))
	}
}

func TestBackupHandlerAlwaysReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingGenerator{})
	if _, err := f.planner.UpdateConfig(ctx, models.ScheduleConfig{Enabled: true, DayOfWeek: 3, Time: "03:00"}); err != nil {
		t.Fatal(err)
	}
	first, _ := f.svc.Get(ctx, backup.JobID)
	f.repo.UpsertJob(ctx, models.JobSpec{ID: backup.JobID, Type: models.JobTypeGenerateBackup, DueAt: time.Now(), ReplaceTerminal: true, MaxAttempts: 3, Backoff: models.DefaultBackoff()}, time.Now())

	if err := f.run(t, backup.JobID); err == nil {
		t.Error("expected generator error to be returned")
	}
	next, _ := f.svc.Get(ctx, backup.JobID)
	if next.Status != models.JobStatusPending {
		t.Fatalf("expected backup re-armed, got %s", next.Status)
	}
	if !next.DueAt.Equal(first.DueAt) {
		t.Errorf("expected next weekly slot %s, got %s", first.DueAt, next.DueAt)
	}
	if next.Revision <= first.Revision {
		t.Errorf("expected revision bump, %d -> %d", first.Revision, next.Revision)
	}
}

func TestBackupHandlerWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLiteStore(t)
	out := filepath.Join(t.TempDir(), "backups")
	f := newFixture(t, backup.NewSQLiteGenerator(db, out))

	// no schedule configured: the backup still runs, nothing is re-armed
	f.svc.Schedule(ctx, models.JobSpec{ID: backup.JobID, Type: models.JobTypeGenerateBackup, ReplaceTerminal: true})
	if err := f.run(t, backup.JobID); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		t.Errorf("expected one backup file, got %d", len(entries))
	}
	job, _ := f.svc.Get(ctx, backup.JobID)
	if job.Status != models.JobStatusActive {
		t.Errorf("running record should be left for the dispatcher, got %s", job.Status)
	}
}

func TestScheduleChangedHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.repo.SaveScheduleConfig(ctx, models.ScheduleConfig{Enabled: true, DayOfWeek: 5, Time: "22:15"})
	payload, _ := models.EncodePayload(models.ScheduleChangedPayload{Reason: "admin"})
	f.svc.Schedule(ctx, models.JobSpec{ID: "cfg", Type: models.JobTypeScheduleConfigChanged, Payload: payload})
	if err := f.run(t, "cfg"); err != nil {
		t.Fatal(err)
	}
	job, _ := f.svc.Get(ctx, backup.JobID)
	if job == nil || job.Status != models.JobStatusPending || job.DueAt.Weekday() != time.Friday {
		t.Errorf("expected pending Friday backup, got %+v", job)
	}
}

func TestEndToEndThroughDispatcher(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp := jobs.NewDispatcher(f.repo, f.queue, f.registry, jobs.WithWorkers(2))
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	if _, err := f.ingestor.Ingest(ctx, "stripe", "", []byte(invoicePaid)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, _ := f.svc.Get(ctx, "evt_1:notify")
		if job != nil && job.Status == models.JobStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification job never completed: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, id := range []string{"evt_1", "evt_1:purchase"} {
		job, _ := f.svc.Get(ctx, id)
		if job.Status != models.JobStatusCompleted {
			t.Errorf("%s: expected completed, got %s", id, job.Status)
		}
	}
	var body map[string]interface{}
	for _, e := range f.rec.Events() {
		if e.UserID == "cus_9" {
			b, _ := json.Marshal(e.Data)
			json.Unmarshal(b, &body)
		}
	}
	if body["message"] == nil {
		t.Errorf("expected user notification with message, got %+v", f.rec.Events())
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
