package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestDevModeSkipsBackendChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "dev"
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	cfg.S3.Bucket = ""

	assert.NoError(t, cfg.Validate())
}

func TestValidateChainKeyPairing(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.RPCURL = "https://rpc.example.org"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: either private_key or encrypted_key_path")

	cfg.Chain.EncryptedKeyPath = "/etc/ledger/key.enc"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: key_password")

	cfg.Chain.KeyPassword = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
log_level = "debug"

[postgres]
host = "db.internal"
password = "from-file"

[archive]
retention = "48h"

[server]
port = 9090
`), 0o600))

	t.Setenv("LEDGER_POSTGRES_PASSWORD", "from-env")
	t.Setenv("LEDGER_SERVER_RATE_LIMIT", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "from-env", cfg.Postgres.Password, "env overrides file")
	assert.Equal(t, 48*time.Hour, cfg.Archive.Retention.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Server.RateLimit)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Chain.PrivateKey = "0xdeadbeef"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Chain.PrivateKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// The original must be untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
