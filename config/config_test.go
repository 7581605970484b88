package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obelisk.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMinimalKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `address = "tcp://127.0.0.1:9091"`))
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:9091", cfg.Address)
	assert.Equal(t, 4*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Version)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts, "default retry must be unbounded")
	assert.Equal(t, time.Duration(0), cfg.Retry.InitialDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "round_robin", cfg.Registry.Balancer)
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
address = "tcp://obelisk.example.org:9091"
public_key = "E4t+]M!wOXlY0pi@ZFxuu#[{*?aB0#Rq6nR%#:jy"
block_address = "tcp://obelisk.example.org:9093"
tx_address = "tcp://obelisk.example.org:9094"
version = 4
network = "testnet3"
timeout = "2500ms"
strict_blocks = true

[retry]
max_attempts = 5
initial_delay = "250ms"
multiplier = 2.0
max_delay = "10s"
jitter = true

[rate_limit]
requests_per_second = 20.0
burst = 40
wait = true

[registry]
endpoints = ["127.0.0.1:2379"]
dial_timeout = "2s"
balancer = "consistent_hash"
affinity_key = "wallet-7"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://obelisk.example.org:9093", cfg.BlockAddress)
	assert.Equal(t, "tcp://obelisk.example.org:9094", cfg.TxAddress)
	assert.Equal(t, 4, cfg.Version)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout)
	assert.True(t, cfg.StrictBlocks)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 20.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 40, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Wait)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Registry.DialTimeout)
	assert.Equal(t, "consistent_hash", cfg.Registry.Balancer)
	assert.Equal(t, "wallet-7", cfg.Registry.AffinityKey)
	assert.Equal(t, "json", cfg.Log.Format)

	params, err := cfg.ChainParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.TestNet3Params, params)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"missing address":  `timeout = "1s"`,
		"bad duration":     "address = \"tcp://a:1\"\ntimeout = \"soon\"",
		"zero timeout":     "address = \"tcp://a:1\"\ntimeout = \"0s\"",
		"unknown key":      "address = \"tcp://a:1\"\nadress = \"typo\"",
		"unknown network":  "address = \"tcp://a:1\"\nnetwork = \"dogecoin\"",
		"burst required":   "address = \"tcp://a:1\"\n[rate_limit]\nrequests_per_second = 5.0",
		"unknown balancer": "address = \"tcp://a:1\"\n[registry]\nbalancer = \"random\"",
		"negative retry":   "address = \"tcp://a:1\"\n[retry]\nmax_attempts = -1",
		"not toml":         "address = ",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRegistryOnlyIsValid(t *testing.T) {
	cfg := Default()
	cfg.Registry.Endpoints = []string{"127.0.0.1:2379"}
	assert.NoError(t, Validate(cfg))
}
