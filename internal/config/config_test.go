package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
addr: ":9000"
db_path: data/app.db
busy_timeout: 2s
admin_token: hunter2
tokens:
  tok-alice: alice
  tok-bob: bob
apis:
  - table: users
    acl_world: [read, list]
    acl_authenticated: [create]
    acl_owner: [update, delete]
    owner_column: owner
    exposed: [id, name, owner]
  - table: tasks
    acl_world: [read]
    expand: [user_id]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shrike.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "shrike.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)
	assert.Equal(t, 64, cfg.SubscribeBuffer)
	assert.Empty(t, cfg.APIs)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "data/app.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.BusyTimeout)
	assert.Equal(t, "hunter2", cfg.AdminToken)
	assert.Equal(t, "alice", cfg.Tokens["tok-alice"])

	require.Len(t, cfg.APIs, 2)
	users := cfg.APIs[0]
	assert.Equal(t, "users", users.Table)
	assert.Equal(t, []string{"read", "list"}, users.ACLWorld)
	assert.Equal(t, []string{"update", "delete"}, users.ACLOwner)
	assert.Equal(t, "owner", users.OwnerColumn)
	assert.Equal(t, []string{"user_id"}, cfg.APIs[1].Expand)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHRIKE_ADDR", ":7777")
	t.Setenv("SHRIKE_DB_PATH", "/tmp/other.db")
	t.Setenv("SHRIKE_ADMIN_TOKEN", "from-env")
	t.Setenv("SHRIKE_BUSY_TIMEOUT_MS", "250")
	t.Setenv("SHRIKE_SUBSCRIBE_BUFFER", "8")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Addr)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, "from-env", cfg.AdminToken)
	assert.Equal(t, 250*time.Millisecond, cfg.BusyTimeout)
	assert.Equal(t, 8, cfg.SubscribeBuffer)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "addr: [not a scalar"))
	assert.Error(t, err)
}
