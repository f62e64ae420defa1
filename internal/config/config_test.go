package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Worker.Tick)
	assert.Equal(t, 4, cfg.Worker.NormalPool)
	assert.Equal(t, 30*24*time.Hour, cfg.Results.RetentionAge)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
worker:
  tick: 10s
  memory_ceiling_mb: 2048
database:
  url: postgres://file:file@db:5432/backrun
`), 0o644))

	t.Setenv("DATABASE_URL", "postgres://env:env@db:5432/backrun")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Worker.Tick)
	assert.Equal(t, uint64(2048)*1024*1024, cfg.MemoryCeilingBytes())
	assert.Equal(t, "postgres://env:env@db:5432/backrun", cfg.Database.URL,
		"environment wins over the file")
}

func TestValidate_RejectsOversizedTick(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Worker.Tick = time.Minute // coarser than the engine polling contract

	assert.Error(t, cfg.Validate())
}
