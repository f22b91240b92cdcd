package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
exchange:
  base_url: https://api.hyperliquid-testnet.xyz
  ws_url: wss://api.hyperliquid-testnet.xyz/ws
  mainnet: false
  request_timeout: 5s
engine:
  retry_attempts: 3
  call_timeout: 2s
storage:
  driver: pebble
  path: ${GRIDBOT_TEST_DATA}/db
api:
  listen: ":9090"
  jwt_secret: ${GRIDBOT_TEST_SECRET}
wallets:
  alice:
    private_key: ${GRIDBOT_TEST_KEY}
    session_ttl: 12h
runtime:
  log:
    level: debug
grids:
  - user: alice
    symbol: eth
    center_source: fixed
    center_price: 100
    spacing: 0.01
    levels_per_side: 2
    order_size: 0.01
    max_position: 1
    dynamic:
      lookback: 20
      multiplier: 2
      rebalance_threshold: 0.25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("GRIDBOT_TEST_DATA", "/var/lib/grid")
	t.Setenv("GRIDBOT_TEST_SECRET", "s3cret")
	t.Setenv("GRIDBOT_TEST_KEY", "0xabc")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "https://api.hyperliquid-testnet.xyz", cfg.Exchange.BaseUrl)
	assert.False(t, cfg.Exchange.Mainnet)
	assert.Equal(t, 5*time.Second, cfg.Exchange.RequestTimeout)
	assert.Equal(t, 10.0, cfg.Exchange.RateLimitRPS)

	assert.Equal(t, 3, cfg.Engine.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.RetryMax)

	assert.Equal(t, "/var/lib/grid/db", cfg.Storage.Path)
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
	assert.Equal(t, ":9090", cfg.API.Listen)

	require.Contains(t, cfg.Wallets, "alice")
	assert.Equal(t, "0xabc", cfg.Wallets["alice"].PrivateKey)
	assert.Equal(t, 12*time.Hour, cfg.Wallets["alice"].SessionTTL)

	assert.Equal(t, "debug", cfg.Runtime.Log.Level)

	require.Len(t, cfg.Grids, 1)
	boot := cfg.Grids[0]
	assert.Equal(t, "alice", boot.User)
	assert.Equal(t, "ETH", boot.Symbol)
	assert.Equal(t, models.CenterFixed, boot.CenterSource)
	assert.Equal(t, models.SpacingPercent, boot.SpacingMode)
	require.NotNil(t, boot.Dynamic)
	assert.Equal(t, 20, boot.Dynamic.Lookback)
	require.NoError(t, boot.Validate())
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  driver: redis\n"))
	require.Error(t, err)
}

func TestEnvSubMissingVariable(t *testing.T) {
	cfg, err := Load(writeConfig(t, "api:\n  jwt_secret: ${GRIDBOT_TEST_UNSET_VAR}\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.API.JWTSecret)
}
