package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	body := "global_config:\n  env: development\n" +
		"connection:\n  db_type: sqlite\n  db_path: " + filepath.Join(dir, "treasury.db") + "\n" +
		"backup:\n  directory: " + filepath.Join(dir, "backups") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDatabaseHealthCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", writeConfig(t), "database", "health"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var report map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, "healthy", report["status"])
	assert.Contains(t, report, "backup")
}

func TestDatabaseBackupCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", writeConfig(t), "database", "backup"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), `"success": true`)
}

func TestRepeatedBackupCommandIsThrottled(t *testing.T) {
	cfg := writeConfig(t)
	var first, second, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"-config", cfg, "database", "backup"}, &first, &stderr), stderr.String())
	require.Equal(t, 0, run([]string{"-config", cfg, "database", "backup"}, &second, &stderr), stderr.String())

	assert.Contains(t, first.String(), `"success": true`)
	assert.Contains(t, second.String(), `"throttled": true`)
	assert.NotContains(t, second.String(), `"success": true`)

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(cfg), "backups", "backup_*"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"database"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: dbwatch")

	stderr.Reset()
	assert.Equal(t, 2, run([]string{"-config", writeConfig(t), "database", "drop"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "database drop"`)

	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "none.yml"), "performance", "summary"}, &stdout, &stderr))
}
