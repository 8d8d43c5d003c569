package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("AppliesDefaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := writeConfig(t, `
logging:
  level: "debug"

database:
  type: sqlite
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/state.db"

files:
  staging_root: "`+yamlSafePath(tmpDir)+`/staging"
  public_root: "`+yamlSafePath(tmpDir)+`/public"
  tmp_root: "`+yamlSafePath(tmpDir)+`/tmp"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.Equal(t, "stdout", cfg.Logging.Output)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, 4, cfg.Process.Workers)
		assert.Equal(t, 10, cfg.Uploads.UploadLimit)
		assert.Equal(t, 8080, cfg.API.Port)
		assert.True(t, cfg.BundleImport.DefaultSettings.IncludeRawFiles)
		assert.NotEmpty(t, cfg.Deployment.ID)
		assert.NotEmpty(t, cfg.Queue.Path)
	})

	t.Run("ParsesDurations", func(t *testing.T) {
		path := writeConfig(t, `
shutdown_timeout: 45s

api:
  request_timeout: 2m
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, 2*time.Minute, cfg.API.RequestTimeout)
	})

	t.Run("NoConfigFileUsesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nonexistent.yaml")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.API.Port)
		assert.Equal(t, store.DatabaseTypeSQLite, cfg.Database.Type)
	})

	t.Run("RejectsInvalidYAML", func(t *testing.T) {
		path := writeConfig(t, "logging:\n  level: INFO\n  broken [[[\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("RejectsInvalidLogLevel", func(t *testing.T) {
		path := writeConfig(t, "logging:\n  level: LOUD\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("RejectsInvalidPort", func(t *testing.T) {
		path := writeConfig(t, "api:\n  port: 70000\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("RejectsInvalidCentralURL", func(t *testing.T) {
		path := writeConfig(t, "uploads:\n  central_nomad_url: \"not a url\"\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("RejectsShortJWTSecret", func(t *testing.T) {
		path := writeConfig(t, "api:\n  auth:\n    secret: tooshort\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestSaveConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Uploads.UploadLimit = 42
	cfg.Deployment.Name = "test oasis"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Uploads.UploadLimit)
	assert.Equal(t, "test oasis", loaded.Deployment.Name)
	assert.Equal(t, cfg.Deployment.ID, loaded.Deployment.ID)
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, store.DatabaseTypeSQLite, cfg.Database.Type)
	assert.NotEmpty(t, cfg.Files.StagingRoot)
	assert.NotEmpty(t, cfg.Files.PublicRoot)
	assert.NotEmpty(t, cfg.Files.TmpRoot)
	assert.True(t, cfg.Process.Reprocess.ReparseIfParserChanged)

	require.NoError(t, Validate(cfg))
}

func TestBuildCore(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := GetDefaultConfig()
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Queue.InMemory = true
	cfg.Files.StagingRoot = filepath.Join(tmpDir, "staging")
	cfg.Files.PublicRoot = filepath.Join(tmpDir, "public")
	cfg.Files.TmpRoot = filepath.Join(tmpDir, "tmp")
	cfg.API.Auth.Secret = "test-secret-key-must-be-32-chars!"

	core, err := BuildCore(cfg)
	require.NoError(t, err)
	defer core.Close()

	assert.NotNil(t, core.State)
	assert.NotNil(t, core.Files)
	assert.NotNil(t, core.Queue)
	assert.NotNil(t, core.Scheduler)
	assert.NotNil(t, core.Controller)
	assert.NotNil(t, core.Auth)
}
