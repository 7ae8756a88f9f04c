package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
)

// execute runs the CLI against a fresh sqlite database with no sources.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("LOG_LEVEL=error\n"), 0o600))
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "tracker.db"))
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("EMAIL_SERVER", "")
	t.Setenv("SYNTHESIS_EMAIL", "")
	t.Setenv("REDIS_ENABLED", "false")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_SettingRoundTrip(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "setting", "set", "study_goal_minutes", "45")
	require.NoError(t, err)

	var kv map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &kv))
	assert.Equal(t, "45", kv["value"])

	out, err = execute(t, dir, "setting", "get", "study_goal_minutes")
	require.NoError(t, err)
	assert.Contains(t, out, `"value": "45"`)

	_, err = execute(t, dir, "setting", "set", "study_goal_minutes", "0")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_TodayOnEmptyStore(t *testing.T) {
	out, err := execute(t, t.TempDir(), "today")
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, false, resp["found"])
	assert.Equal(t, false, resp["logged_in"])
	assert.Contains(t, resp, "stale_sources")
}

func TestCLI_DayRejectsBadDate(t *testing.T) {
	out, err := execute(t, t.TempDir(), "day", "March 7")
	require.ErrorIs(t, err, shared.ErrInvalidDate)
	assert.Empty(t, out)
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_MigrateNeedsPostgres(t *testing.T) {
	_, err := execute(t, t.TempDir(), "migrate", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER=postgres")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(errors.Join(shared.ErrAllSourcesFailed, errors.New("EMAIL: dial"))))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
