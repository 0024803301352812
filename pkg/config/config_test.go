package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "/config", cfg.ConfigDir)
	assert.Equal(t, "/cwa-book-ingest", cfg.IngestDir)
	assert.Equal(t, WatchModeAuto, cfg.WatchMode)
	assert.Equal(t, 30*time.Second, cfg.DatabaseBusyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StabilityTimeout)
	assert.Equal(t, "calibredb", cfg.CalibreDBBin)

	// Unset paths derive from the layout roots.
	assert.Equal(t, "/config/cwa.db", cfg.CWADatabasePath)
	assert.Equal(t, "/config/metadata_change_logs", cfg.EnforceLogDir)
	assert.Equal(t, "/config/processed_books", cfg.BackupDir)
	assert.Equal(t, "/cwa-book-ingest/failed", cfg.FailedDir)
	assert.Equal(t, "/config/ingest_status", cfg.StatusFilePath())
	assert.Equal(t, "/config/.cwa_db_refresh", cfg.RefreshTriggerPath())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
config_dir: /data/config
ingest_dir: /data/ingest
watch_mode: poll
stability_checks: 5
timezone: Europe/Berlin
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/config", cfg.ConfigDir)
	assert.Equal(t, WatchModePoll, cfg.WatchMode)
	assert.Equal(t, 5, cfg.StabilityChecks)
	assert.Equal(t, "/data/config/cwa.db", cfg.CWADatabasePath)
	assert.Equal(t, "/data/ingest/failed", cfg.FailedDir)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CWA_WATCH_MODE", "inotify")
	t.Setenv("CWA_LIBRARY_DIR", "/mnt/library")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, WatchModeInotify, cfg.WatchMode)
	assert.Equal(t, "/mnt/library", cfg.LibraryDir)
}

func TestLoadRejectsInvalidWatchMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("watch_mode: sometimes\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, cfg.Location())
}
