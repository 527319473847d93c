package dexsync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "INFO"
format = "text"

[db]
driver = "sqlite"
path = "dexsync.db"

[docstore]
uri = "mongodb://localhost:27017"
database = "dexsync"

[catalog]
base_url = "https://catalog.example.com/api/v2"
timeout_seconds = 10

[connectivity]
probe_addr = "1.1.1.1:443"
interval_seconds = 30
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "dexsync.db", cfg.DB.Path)
	assert.Equal(t, "mongodb://localhost:27017", cfg.DocStore.URI)
	assert.Equal(t, "https://catalog.example.com/api/v2", cfg.Catalog.BaseURL)
	assert.Equal(t, 10, cfg.Catalog.TimeoutSeconds)
	assert.Equal(t, "1.1.1.1:443", cfg.Connectivity.ProbeAddr)
	assert.Equal(t, 30, cfg.Connectivity.IntervalSeconds)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
