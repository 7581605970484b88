// Package config loads client settings from a TOML file.
//
// Durations are strings parsed with time.ParseDuration. Keys missing from the file
// keep their defaults, which reproduce the classic client: a 4s request timeout
// and unbounded immediate reconnects.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"obelisk/logging"
	"obelisk/retry"
)

// Config is everything needed to build a client.
type Config struct {
	Address      string // query endpoint, e.g. tcp://obelisk.example.org:9091
	PublicKey    string // Z85 server key; empty means plaintext
	BlockAddress string // optional block publisher
	TxAddress    string // optional transaction publisher
	Version      int    // transport protocol version tag
	Network      string // mainnet, testnet3, regtest, signet
	Timeout      time.Duration
	StrictBlocks bool

	Retry     retry.Policy
	RateLimit RateLimit
	Registry  Registry
	Log       logging.Config
}

// RateLimit bounds outbound commands; zero RequestsPerSecond disables it.
// Wait blocks senders for a token instead of rejecting them.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	Wait              bool
}

// Registry points at etcd for server discovery; no endpoints disables it.
type Registry struct {
	Endpoints   []string
	DialTimeout time.Duration
	Balancer    string // round_robin, weighted_random or consistent_hash
	AffinityKey string // consistent_hash key; empty means the host name
}

type fileConfig struct {
	Address      string `toml:"address"`
	PublicKey    string `toml:"public_key"`
	BlockAddress string `toml:"block_address"`
	TxAddress    string `toml:"tx_address"`
	Version      int    `toml:"version"`
	Network      string `toml:"network"`
	Timeout      string `toml:"timeout"`
	StrictBlocks bool   `toml:"strict_blocks"`

	Retry struct {
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"retry"`

	RateLimit struct {
		RequestsPerSecond float64 `toml:"requests_per_second"`
		Burst             int     `toml:"burst"`
		Wait              bool    `toml:"wait"`
	} `toml:"rate_limit"`

	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		Balancer    string   `toml:"balancer"`
		AffinityKey string   `toml:"affinity_key"`
	} `toml:"registry"`

	Log logging.Config `toml:"log"`
}

// Default returns the settings used when a key is absent.
func Default() Config {
	return Config{
		Version: 3,
		Network: "mainnet",
		Timeout: 4 * time.Second,
		Retry:   retry.Unbounded(),
		Registry: Registry{
			DialTimeout: 5 * time.Second,
			Balancer:    "round_robin",
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path and overlays it on Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg.Address = strings.TrimSpace(raw.Address)
	cfg.PublicKey = strings.TrimSpace(raw.PublicKey)
	cfg.BlockAddress = strings.TrimSpace(raw.BlockAddress)
	cfg.TxAddress = strings.TrimSpace(raw.TxAddress)
	cfg.StrictBlocks = raw.StrictBlocks

	if meta.IsDefined("version") {
		cfg.Version = raw.Version
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if err := parseDuration(meta, "timeout", raw.Timeout, &cfg.Timeout); err != nil {
		return cfg, err
	}

	if meta.IsDefined("retry", "max_attempts") {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.Retry.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = raw.Retry.Jitter
	}
	if err := parseDuration(meta, "retry.initial_delay", raw.Retry.InitialDelay, &cfg.Retry.InitialDelay); err != nil {
		return cfg, err
	}
	if err := parseDuration(meta, "retry.max_delay", raw.Retry.MaxDelay, &cfg.Retry.MaxDelay); err != nil {
		return cfg, err
	}

	cfg.RateLimit = RateLimit{
		RequestsPerSecond: raw.RateLimit.RequestsPerSecond,
		Burst:             raw.RateLimit.Burst,
		Wait:              raw.RateLimit.Wait,
	}

	cfg.Registry.Endpoints = raw.Registry.Endpoints
	if meta.IsDefined("registry", "balancer") {
		cfg.Registry.Balancer = strings.TrimSpace(raw.Registry.Balancer)
	}
	cfg.Registry.AffinityKey = strings.TrimSpace(raw.Registry.AffinityKey)
	if err := parseDuration(meta, "registry.dial_timeout", raw.Registry.DialTimeout, &cfg.Registry.DialTimeout); err != nil {
		return cfg, err
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = raw.Log.File
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	return cfg, nil
}

func parseDuration(meta toml.MetaData, key, raw string, out *time.Duration) error {
	if !meta.IsDefined(strings.Split(key, ".")...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}

// Validate checks a config that did not come from Load.
func Validate(cfg Config) error {
	if cfg.Address == "" && len(cfg.Registry.Endpoints) == 0 {
		return fmt.Errorf("either address or registry endpoints are required")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", cfg.Version)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		return fmt.Errorf("rate limit burst is required when requests_per_second is set")
	}
	switch cfg.Registry.Balancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		return fmt.Errorf("unknown balancer %q", cfg.Registry.Balancer)
	}
	if _, err := cfg.ChainParams(); err != nil {
		return err
	}
	return cfg.Retry.Validate()
}
