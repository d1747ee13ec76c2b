package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeFile(t, "config.yml", `
name: mqttd
version: "1.0"
server:
  port: ":1883"
  max_connections: 100
auth:
  allow_anonymous: false
  bcrypt_cost: 12
  default_open_acl: true
  acl_file: acl.yml
session:
  retry_interval_seconds: 10
  session_expiry_default: 600
store:
  path: data.db
stats:
  interval_seconds: 30
log:
  level: info
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mqttd", cfg.Name)
	assert.Equal(t, ":1883", cfg.Server.Port)
	assert.False(t, cfg.Auth.AllowAnonymous)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
	assert.Equal(t, 10*time.Second, cfg.Session.RetryInterval())
	assert.EqualValues(t, 600, cfg.Session.ExpiryDefault())
	assert.Equal(t, 30*time.Second, cfg.Stats.Interval())
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestSessionRetryIntervalDefaultsWhenUnset(t *testing.T) {
	var s Session
	assert.Equal(t, 5*time.Second, s.RetryInterval())
}

func TestSessionExpiryDefaultsWhenUnset(t *testing.T) {
	var s Session
	assert.EqualValues(t, 300, s.ExpiryDefault())
}

func TestStatsIntervalDisabledByDefault(t *testing.T) {
	var s Stats
	assert.Equal(t, time.Duration(0), s.Interval())
}

func TestLoadACLMissingPathIsNotAnError(t *testing.T) {
	entries, err := LoadACL("")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestLoadACLParsesEntries(t *testing.T) {
	path := writeFile(t, "acl.yml", `
- user: alice
  filter: "private/alice/#"
  action: readwrite
- filter: "public/#"
  action: read
`)

	entries, err := LoadACL(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].User)
	assert.Equal(t, "readwrite", entries[0].Action)
	assert.Equal(t, "", entries[1].User)
}
