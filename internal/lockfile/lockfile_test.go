package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	owner, err := ReadOwner(lock.Path())
	if err != nil {
		t.Fatalf("ReadOwner failed: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), owner.PID)
	}
	if owner.StartedAt.IsZero() || time.Since(owner.StartedAt) > time.Minute {
		t.Errorf("unexpected start time %v", owner.StartedAt)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected the second acquire to fail")
	}
	var lerr *LockError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lerr.Owner.PID != os.Getpid() {
		t.Errorf("expected holder pid %d in error, got %d", os.Getpid(), lerr.Owner.PID)
	}
	msg := err.Error()
	for _, want := range []string{"another SessionPipe instance", lerr.LockPath, "(running)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q:\n%s", want, msg)
		}
	}

	// The failed attempt must not clobber the holder's details.
	owner, err := ReadOwner(lock.Path())
	if err != nil || owner.PID != os.Getpid() {
		t.Errorf("owner details lost after failed acquire: %+v %v", owner, err)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestReadOwner(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		pid     int
		host    string
		wantErr bool
	}{
		{"full", "pid=4242\nhost=box\nstarted=2026-01-02T03:04:05Z\n", 4242, "box", false},
		{"pid only", "pid=77\n", 77, "", false},
		{"unknown keys", "pid=9\ncolor=blue\n", 9, "", false},
		{"no pid", "host=box\n", 0, "", true},
		{"garbage pid", "pid=abc\n", 0, "", true},
		{"empty", "", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			o, err := ReadOwner(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadOwner err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (o.PID != tt.pid || o.Host != tt.host) {
				t.Errorf("got %+v", o)
			}
		})
	}
}

func TestStaleOwnerSummary(t *testing.T) {
	e := &LockError{LockPath: "/x/sessionpipe.lock", Owner: Owner{PID: 1 << 30}}
	if !strings.Contains(e.Error(), "stale lock") {
		t.Errorf("expected stale marker for a dead pid:\n%s", e.Error())
	}
	e = &LockError{LockPath: "/x/sessionpipe.lock"}
	if !strings.Contains(e.Error(), "Holder: unknown") {
		t.Errorf("expected unknown holder:\n%s", e.Error())
	}
}
