// Package lockfile keeps two SessionPipe processes from sharing a state directory.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when
// the holding process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "sessionpipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	Host      string
	StartedAt time.Time
}

func (o Owner) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	if o.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", o.Host)
	}
	if !o.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", o.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the lock for stateDir, creating the directory if needed.
// It fails fast with a *LockError when another process holds it.
func AcquireLock(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{LockPath: path, Cause: err}
		if owner, rerr := ReadOwner(path); rerr == nil {
			lerr.Owner = owner
		}
		slog.Error("AcquireLock: state directory is locked", "lockPath", path, "owner", lerr.ownerSummary())
		return nil, lerr
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, StartedAt: time.Now()}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock owner in %s: %w", path, err)
	}

	slog.Info("AcquireLock: state directory locked", "lockPath", path, "pid", owner.PID)
	return &Lock{file: file, path: path}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(o.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("AcquireLock: lock file sync failed", "error", err, "lockPath", f.Name())
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var firstErr error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		firstErr = fmt.Errorf("unlock %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lockPath", l.path)
	return firstErr
}

// ReadOwner parses the owner details from a lock file.
func ReadOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "host":
			o.Host = val
		case "started":
			o.StartedAt, _ = time.Parse(time.RFC3339, val)
		}
	}
	if err := sc.Err(); err != nil {
		return Owner{}, err
	}
	if o.PID <= 0 {
		return Owner{}, fmt.Errorf("lock file %s has no pid", path)
	}
	return o, nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) ownerSummary() string {
	if e.Owner.PID <= 0 {
		return "unknown"
	}
	state := "not running, stale lock"
	if processAlive(e.Owner.PID) {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", e.Owner.PID, state)
	if e.Owner.Host != "" {
		s += " on " + e.Owner.Host
	}
	if !e.Owner.StartedAt.IsZero() {
		s += " since " + e.Owner.StartedAt.Format(time.RFC3339)
	}
	return s
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another SessionPipe instance is using this state directory\n\n"+
		"Lock file: %s\nHolder: %s\n\n"+
		"If no other instance is running the lock is stale and can be removed with:\n  rm %s\n"+
		"Removing a live lock lets two instances write the same job store.",
		e.LockPath, e.ownerSummary(), e.LockPath)
}

func (e *LockError) Unwrap() error { return e.Cause }

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
