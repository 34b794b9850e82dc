package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// FilePlaceholder in a command argument is replaced with the target backup path.
const FilePlaceholder = "{file}"

// Generator produces one backup and returns where it was written.
type Generator interface {
	Generate(ctx context.Context) (string, error)
}

// backupFileName builds a timestamped file name in dir.
func backupFileName(dir, ext string, now time.Time) string {
	return filepath.Join(dir, "sessionpipe-"+now.UTC().Format("20060102T150405Z")+ext)
}

// CommandGenerator runs an external dump tool such as pg_dump.
type CommandGenerator struct {
	Name string
	Args []string
	Dir  string
	Ext  string
	now  func() time.Time
}

// NewCommandGenerator parses a command line. Arguments are split on whitespace; use
// FilePlaceholder where the output path belongs. Without a placeholder, stdout is
// written to the backup file.
func NewCommandGenerator(commandLine, dir string) (*CommandGenerator, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("backup command is empty")
	}
	return &CommandGenerator{Name: fields[0], Args: fields[1:], Dir: dir, Ext: ".dump", now: time.Now}, nil
}

func (g *CommandGenerator) Generate(ctx context.Context) (string, error) {
	if err := os.MkdirAll(g.Dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	target := backupFileName(g.Dir, g.Ext, now())

	args := make([]string, len(g.Args))
	usesPlaceholder := false
	for i, a := range g.Args {
		if strings.Contains(a, FilePlaceholder) {
			usesPlaceholder = true
			a = strings.ReplaceAll(a, FilePlaceholder, target)
		}
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, g.Name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if !usesPlaceholder {
		f, err := os.Create(target)
		if err != nil {
			return "", fmt.Errorf("create backup file: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
	}

	slog.Info("CommandGenerator.Generate: running backup command", "command", g.Name, "target", target)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("backup command %s failed: %w: %s", g.Name, err, strings.TrimSpace(stderr.String()))
	}
	return target, nil
}

// SnapshotSource can copy a live database to a file.
type SnapshotSource interface {
	BackupTo(ctx context.Context, path string) error
}

// SQLiteGenerator snapshots the SQLite job store.
type SQLiteGenerator struct {
	Source SnapshotSource
	Dir    string
	now    func() time.Time
}

// NewSQLiteGenerator creates a generator writing snapshots into dir.
func NewSQLiteGenerator(src SnapshotSource, dir string) *SQLiteGenerator {
	return &SQLiteGenerator{Source: src, Dir: dir, now: time.Now}
}

func (g *SQLiteGenerator) Generate(ctx context.Context) (string, error) {
	target := backupFileName(g.Dir, ".db", g.now())
	if err := g.Source.BackupTo(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}
