package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/engram/internal/config"
)

func TestLoad_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("ENGRAM_HOST")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
	assert.Equal(t, "127.0.0.1:7171", cfg.Addr())
}

func TestLoad_CanOverrideHost(t *testing.T) {
	t.Setenv("ENGRAM_HOST", "0.0.0.0")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, time.Hour, cfg.Maintenance.Interval)
	assert.Equal(t, "development", cfg.Security.Mode)
}

func TestLoad_YAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
embedding:
  dimension: 1536
maintenance:
  interval: 30m
`), 0o644))

	t.Setenv("ENGRAM_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "environment must win over the file")
	assert.Equal(t, 1536, cfg.Embedding.Dimension, "file must win over defaults")
	assert.Equal(t, 30*time.Minute, cfg.Maintenance.Interval)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := config.Load("/no/such/config.yaml")
	assert.Error(t, err)
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	t.Setenv("ENGRAM_STORAGE_ENGINE", "postgres")
	_ = os.Unsetenv("ENGRAM_POSTGRES_URL")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("ENGRAM_EMBEDDING_PROVIDER", "openai")
	_ = os.Unsetenv("ENGRAM_OPENAI_API_KEY")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate_ProductionRequiresToken(t *testing.T) {
	t.Setenv("ENGRAM_SECURITY_MODE", "production")
	_ = os.Unsetenv("ENGRAM_API_TOKEN")

	_, err := config.Load("")
	assert.Error(t, err)

	t.Setenv("ENGRAM_API_TOKEN", "secret")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Security.APIToken)
}

func TestLoad_EmbeddingRepairFlag(t *testing.T) {
	t.Setenv("ENGRAM_EMBEDDING_REPAIR", "true")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Embedding.Repair)
}
