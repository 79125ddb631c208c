package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naotama2002/nativeauth-go/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: from-file
scopes: [openid, email]
store: memory
timeout: 10s
redis:
  addr: redis.internal:6379
`)
	t.Setenv("NATIVEAUTH_CLIENT_ID", "from-env")
	t.Setenv("NATIVEAUTH_REFRESH_RETRIES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com", cfg.Issuer)
	assert.Equal(t, "from-env", cfg.ClientID)
	assert.Equal(t, []string{"openid", "email"}, cfg.Scopes)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.RefreshRetries)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	// unset values keep their defaults
	assert.Equal(t, "nativeauth:state:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Scopes, cfg.Scopes)
	assert.Equal(t, StoreFile, cfg.Store)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "issuer: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store: s3"))
	assert.ErrorContains(t, err, "unknown store")

	_, err = Load(writeConfig(t, "redirect_port: 70000"))
	assert.ErrorContains(t, err, "redirect_port")
}

func TestStoreKey(t *testing.T) {
	cfg := Config{Issuer: "https://idp.example.com", ClientID: "c"}
	assert.Equal(t, store.Key("https://idp.example.com", "c"), cfg.StoreKey())

	cfg = Config{DiscoveryURL: "https://idp.example.com/.well-known/openid-configuration", ClientID: "c"}
	assert.Equal(t, store.Key(cfg.DiscoveryURL, "c"), cfg.StoreKey())
}
