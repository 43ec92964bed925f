package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/barryq93/dbwatch/internal/types"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type failingUploader struct{ calls int }

func (u *failingUploader) Upload(context.Context, string) error {
	u.calls++
	return errors.New("connection refused")
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.MustExec("CREATE TABLE transaction_log (id INTEGER PRIMARY KEY, amount REAL)")
	db.MustExec("INSERT INTO transaction_log (amount) VALUES (12.5), (7.25)")
	return db
}

func TestLocalRoutineSQLiteSnapshot(t *testing.T) {
	live := openSQLite(t)
	dir := filepath.Join(t.TempDir(), "backups")
	uploader := &failingUploader{}
	r := &LocalRoutine{
		Dir:      dir,
		Dumper:   SQLiteSnapshot{DB: live},
		Uploader: uploader,
		Logger:   quietLogger(),
		now:      func() time.Time { return time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC) },
	}

	path, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backup_20240310_020000.db"), path)
	assert.Equal(t, 1, uploader.calls)

	copyDB, err := sqlx.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer copyDB.Close()
	var count int
	require.NoError(t, copyDB.Get(&count, "SELECT COUNT(*) FROM transaction_log"))
	assert.Equal(t, 2, count)
}

func TestLocalRoutineRefusesExistingFile(t *testing.T) {
	live := openSQLite(t)
	dir := t.TempDir()
	existing := filepath.Join(dir, "backup_20240310_020000.db")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	r := &LocalRoutine{
		Dir:    dir,
		Dumper: SQLiteSnapshot{DB: live},
		Logger: quietLogger(),
		now:    func() time.Time { return time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC) },
	}
	_, err := r.Run(context.Background())
	assert.Error(t, err)
	assert.FileExists(t, existing)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	files := map[string]time.Duration{
		"backup_old.db":    -10 * 24 * time.Hour,
		"backup_recent.db": -24 * time.Hour,
		"notes.txt":        -30 * 24 * time.Hour,
	}
	for name, age := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, now.Add(age), now.Add(age)))
	}

	removed, err := Prune(dir, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(dir, "backup_old.db"))
	assert.FileExists(t, filepath.Join(dir, "backup_recent.db"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestPgDumpMissingBinary(t *testing.T) {
	err := PgDump{Binary: filepath.Join(t.TempDir(), "no-pg-dump"), DSN: "postgres://localhost/x"}.
		Dump(context.Background(), filepath.Join(t.TempDir(), "out.dump"))
	assert.Error(t, err)
}

func TestNewSFTPUploaderRequiresCredentials(t *testing.T) {
	_, err := NewSFTPUploader(types.SFTP{Host: "backup.internal", User: "ops"})
	assert.Error(t, err)

	_, err = NewSFTPUploader(types.SFTP{Host: "backup.internal", User: "ops", KeyFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	u, err := NewSFTPUploader(types.SFTP{Host: "backup.internal", User: "ops", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "backup.internal:22", u.addr)
}

func TestOrchestratorSeedsThrottleFromBackupDir(t *testing.T) {
	dir := t.TempDir()
	r := &LocalRoutine{Dir: dir, Dumper: SQLiteSnapshot{DB: openSQLite(t)}, Logger: quietLogger()}

	last, err := r.LastBackup()
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	older := time.Now().Add(-30 * time.Hour)
	newer := time.Now().Add(-2 * time.Hour)
	for name, at := range map[string]time.Time{
		"backup_20240308_020000.db": older,
		"backup_20240309_020000.db": newer,
		"restore_notes.txt":         time.Now(),
	} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, at, at))
	}

	last, err = r.LastBackup()
	require.NoError(t, err)
	assert.WithinDuration(t, newer, last, time.Second)

	o := New(r, Config{}, quietLogger())
	require.NotNil(t, o.Status().LastBackupTime)
	run, err := o.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, run.Throttled)
}

func TestLastBackupMissingDir(t *testing.T) {
	r := &LocalRoutine{Dir: filepath.Join(t.TempDir(), "not-yet")}
	last, err := r.LastBackup()
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
