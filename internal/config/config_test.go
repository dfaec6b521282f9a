package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	viper.Reset()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := writeConfig(t, "")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "CFQ", cfg.Pipeline.ProductIDPrefix)
	assert.Equal(t, 5000, cfg.PartnerCenter.PageSize)
	assert.False(t, cfg.Sink.Kafka.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9090
pipeline:
  workers: 8
sink:
  warehouse:
    enabled: true
    path: /var/lib/recon/recon.db
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.True(t, cfg.Sink.Warehouse.Enabled)
	assert.Equal(t, "/var/lib/recon/recon.db", cfg.Sink.Warehouse.Path)
}

func TestLoadConfigRejectsBadWorkers(t *testing.T) {
	dir := writeConfig(t, `
pipeline:
  workers: 0
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestLoadConfigKafkaValidation(t *testing.T) {
	dir := writeConfig(t, `
sink:
  kafka:
    enabled: true
    topic: reconciled-periods
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")
}
