package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(100*1024*1024), cfg.Server.MaxUploadBytes)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.False(t, cfg.Database.Embedded)
	assert.Equal(t, 10, cfg.Ingest.ProgressBatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment: production
server:
  addr: ":9090"
database:
  url: "postgres://app:secret@db:5432/election"
  max_conns: 25
ingest:
  progress_batch_size: 50
log:
  level: warn
`))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://app:secret@db:5432/election", cfg.Database.URL)
	assert.Equal(t, int32(25), cfg.Database.MaxConns)
	assert.Equal(t, 50, cfg.Ingest.ProgressBatchSize)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }},
		{"empty database url", func(c *Config) { c.Database.URL = "" }},
		{"zero max conns", func(c *Config) { c.Database.MaxConns = 0 }},
		{"min above max conns", func(c *Config) { c.Database.MinConns = 99 }},
		{"zero batch size", func(c *Config) { c.Ingest.ProgressBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, ""))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEmbeddedSkipsURLRequirement(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	cfg.Database.URL = ""
	cfg.Database.Embedded = true
	assert.NoError(t, cfg.Validate())

	cfg.Database.EmbeddedPort = 0
	assert.Error(t, cfg.Validate())
}

func TestGetLogLevel(t *testing.T) {
	cfg := &Config{}

	cfg.Log.Level = "debug"
	assert.Equal(t, zap.DebugLevel, cfg.GetLogLevel().Level())

	cfg.Log.Level = "error"
	assert.Equal(t, zap.ErrorLevel, cfg.GetLogLevel().Level())

	cfg.Log.Level = "nonsense"
	assert.Equal(t, zap.InfoLevel, cfg.GetLogLevel().Level())
}
