package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const filePrefix = "backup_"

// Dumper writes one full copy of the database to path.
type Dumper interface {
	Dump(ctx context.Context, path string) error
	Extension() string
}

// Uploader copies a finished backup somewhere off the host.
type Uploader interface {
	Upload(ctx context.Context, localPath string) error
}

// PgDump shells out to pg_dump in custom format.
type PgDump struct {
	Binary string
	DSN    string
}

func (p PgDump) Extension() string { return ".dump" }

func (p PgDump) Dump(ctx context.Context, path string) error {
	bin := p.Binary
	if bin == "" {
		bin = "pg_dump"
	}
	cmd := exec.CommandContext(ctx, bin, "--format=custom", "--no-password", "--file", path, "--dbname", p.DSN)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteSnapshot copies a live SQLite database with VACUUM INTO.
type SQLiteSnapshot struct {
	DB execer
}

func (s SQLiteSnapshot) Extension() string { return ".db" }

func (s SQLiteSnapshot) Dump(ctx context.Context, path string) error {
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	if _, err := s.DB.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}

// LocalRoutine writes timestamped backups into Dir, optionally copies them
// off-host and prunes local files older than the retention window.
type LocalRoutine struct {
	Dir           string
	Dumper        Dumper
	Uploader      Uploader
	RetentionDays int
	Logger        logrus.FieldLogger

	now func() time.Time
}

func (r *LocalRoutine) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *LocalRoutine) log() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

func (r *LocalRoutine) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	now := r.clock()
	path := filepath.Join(r.Dir, filePrefix+now.Format("20060102_150405")+r.Dumper.Extension())
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup file %s already exists", path)
	}
	if err := r.Dumper.Dump(ctx, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	if r.Uploader != nil {
		// The local copy is authoritative; an upload failure does not fail the run.
		if err := r.Uploader.Upload(ctx, path); err != nil {
			r.log().Warnf("Backup upload failed: %v", err)
		}
	}
	if r.RetentionDays > 0 {
		removed, err := Prune(r.Dir, now.Add(-time.Duration(r.RetentionDays)*24*time.Hour))
		if err != nil {
			r.log().Warnf("Backup retention pruning failed: %v", err)
		} else if removed > 0 {
			r.log().Infof("Pruned %d old backups", removed)
		}
	}
	return path, nil
}

// LastBackup returns the modification time of the newest backup file in
// Dir, or the zero time when there is none.
func (r *LocalRoutine) LastBackup() (time.Time, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	var newest time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}

// Prune deletes backup files in dir last modified before cutoff.
func Prune(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
