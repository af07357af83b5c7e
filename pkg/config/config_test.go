package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/pulp-manager
pulp:
  default_username: svc-pulp-manager
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 172800, cfg.Worker.ResultTTLSec)
	assert.Equal(t, []string{"default"}, cfg.Worker.Queues)
	assert.Equal(t, 20, cfg.Paging.DefaultPageSize)
	assert.True(t, cfg.Pulp.UseVaultAgent)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  json: false
server:
  listen_addr: ":9090"
storage:
  data_dir: /tmp/pm
redis:
  addr: redis.example.com:6379
pulp:
  default_username: svc-pulp
  use_vault_agent: false
  internal_domains: [internal.example.com]
  banned_package_regexes: ["^badpkg.*"]
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Pulp.UseVaultAgent)
	assert.Equal(t, []string{"internal.example.com"}, cfg.Pulp.InternalDomains)
}

func TestLoadFileInvalidLevel(t *testing.T) {
	path := writeConfig(t, `
log:
  level: loud
storage:
  data_dir: /tmp/pm
pulp:
  default_username: svc-pulp
`)

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "supersecret")
	t.Setenv("REDIS_PASSWORD", "redispass")

	path := writeConfig(t, `
storage:
  data_dir: /tmp/pm
pulp:
  default_username: svc-pulp
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "supersecret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redispass", cfg.Redis.Password)
}
