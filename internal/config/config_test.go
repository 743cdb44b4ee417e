package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CODEMAP_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSurrealDB, cfg.Store)
	assert.Equal(t, int64(1024*1024), cfg.MaxFileSize)
	assert.Equal(t, 3000, cfg.AnnotateMaxBytes)
	assert.Equal(t, 20, cfg.ResolverContextLimit)
	assert.Equal(t, 1, cfg.AnalysisConcurrency)
	assert.Equal(t, "/tmp/code_repos", cfg.SourceWorkdir)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "codemap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: sqlite
sqlite_path: /var/lib/codemap.db
llm_provider: anthropic
oracle_timeout: 15s
analysis_concurrency: 4
log_level: debug
`), 0o644))

	t.Setenv("CODEMAP_CONFIG", path)
	t.Setenv("CODEMAP_ANALYSIS_CONCURRENCY", "8")
	t.Setenv("CODEMAP_LLM_PROVIDER", "OpenRouter")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/var/lib/codemap.db", cfg.SQLitePath)
	assert.Equal(t, 15*time.Second, cfg.OracleTimeout)
	assert.Equal(t, 8, cfg.AnalysisConcurrency, "env overrides file")
	assert.Equal(t, ProviderOpenRouter, cfg.LLMProvider)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("CODEMAP_STORE", "postgres")
	_, err := Load()
	assert.ErrorContains(t, err, "unsupported store backend")

	t.Setenv("CODEMAP_STORE", "sqlite")
	t.Setenv("CODEMAP_LLM_PROVIDER", "gemini")
	_, err = Load()
	assert.ErrorContains(t, err, "unsupported LLM provider")
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("CODEMAP_MAX_FILE_SIZE", "big")
	t.Setenv("CODEMAP_ORACLE_TIMEOUT", "soon")
	cfg := Default()
	applyEnv(&cfg)
	assert.Equal(t, int64(1024*1024), cfg.MaxFileSize)
	assert.Equal(t, 60*time.Second, cfg.OracleTimeout)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("analysis started", "repository_id", "r1")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "repository_id=r1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "analysis started", rec["msg"])
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "codemap.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
