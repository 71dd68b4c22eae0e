package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/provenance"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "provgraph.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "provenance", cfg.Database.DBName)
	assert.Equal(t, provenance.EntityLevel, cfg.Run.Mode)
	assert.Equal(t, domain.GranularityFull, cfg.Run.Granularity)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 0, cfg.Run.Picker().Pick(5))
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	dir := writeConfig(t, `
database:
  enabled: true
  host: db.internal
  max_conns: 12
run:
  mode: column
  granularity: 1
  seed: 7
export:
  url: file:///tmp/graph.yaml
ingestion:
  index_column: id
`)
	t.Setenv("PROVGRAPH_DATABASE_PASSWORD", "from-env")
	t.Setenv("PROVGRAPH_LLM_ENABLED", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, int32(12), cfg.Database.MaxConns)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, provenance.ColumnLevel, cfg.Run.Mode)
	assert.Equal(t, domain.GranularitySample, cfg.Run.Granularity)
	assert.Equal(t, uint64(7), cfg.Run.Seed)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "file:///tmp/graph.yaml", cfg.Export.URL)
	assert.Equal(t, "id", cfg.Ingestion.IndexColumn)
}

func TestLoadRejectsInvalidRunSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "run:\n  granularity: 4\n"))
	require.ErrorContains(t, err, "run.granularity")

	_, err = Load(writeConfig(t, "run:\n  mode: row\n"))
	require.ErrorContains(t, err, "run.mode")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "database: [unterminated\n"))
	require.ErrorContains(t, err, "failed to read config")
}
