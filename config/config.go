// Package config loads the voting client configuration from TOML or YAML.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"scrumvote/ballot"
)

// Duration wraps time.Duration to support human readable durations in both
// YAML and TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration of the voting daemon.
type Config struct {
	ListenAddress    string           `yaml:"listen" toml:"listen"`
	RPCURL           string           `yaml:"rpc_url" toml:"rpc_url"`
	Contract         string           `yaml:"contract" toml:"contract"`
	Candidates       []string         `yaml:"candidates" toml:"candidates"`
	AcceptedNetworks []ballot.Network `yaml:"accepted_networks" toml:"accepted_networks"`
	Wallet           WalletConfig     `yaml:"wallet" toml:"wallet"`
	Sync             SyncConfig       `yaml:"sync" toml:"sync"`
	Tx               TxConfig         `yaml:"tx" toml:"tx"`
	Events           EventsConfig     `yaml:"events" toml:"events"`
	Auth             AuthConfig       `yaml:"auth" toml:"auth"`
	API              APIConfig        `yaml:"api" toml:"api"`
	Log              LogConfig        `yaml:"log" toml:"log"`
}

// WalletConfig locates the signing keys.
type WalletConfig struct {
	Keystore          string   `yaml:"keystore" toml:"keystore"`
	Account           string   `yaml:"account" toml:"account"`
	PassphraseEnv     string   `yaml:"passphrase_env" toml:"passphrase_env"`
	ChainPollInterval Duration `yaml:"chain_poll_interval" toml:"chain_poll_interval"`
}

// SyncConfig bounds ledger reads.
type SyncConfig struct {
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	RPCRate  float64  `yaml:"rpc_rate" toml:"rpc_rate"`
	RPCBurst int      `yaml:"rpc_burst" toml:"rpc_burst"`
}

// TxConfig tunes transaction submission.
type TxConfig struct {
	ReceiptPollInterval Duration `yaml:"receipt_poll_interval" toml:"receipt_poll_interval"`
	ReceiptTimeout      Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	Confirmations       uint64   `yaml:"confirmations" toml:"confirmations"`
	GasMultiplier       float64  `yaml:"gas_multiplier" toml:"gas_multiplier"`
	StakeWei            string   `yaml:"stake_wei" toml:"stake_wei"`
}

// EventsConfig tunes the log subscription.
type EventsConfig struct {
	ResubscribeBackoff Duration `yaml:"resubscribe_backoff" toml:"resubscribe_backoff"`
}

// AuthConfig protects mutating API routes with HMAC-signed JWTs. Auth is
// disabled when no secret is configured.
type AuthConfig struct {
	HMACSecret    string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// Enabled reports whether JWT verification is configured.
func (a AuthConfig) Enabled() bool { return a.HMACSecret != "" }

// APIConfig throttles HTTP clients by remote address.
type APIConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Load reads configuration from path. The decoder is chosen by extension.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = "http://127.0.0.1:8545"
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = append([]string(nil), ballot.DefaultCandidates...)
	}
	if len(cfg.AcceptedNetworks) == 0 {
		cfg.AcceptedNetworks = append([]ballot.Network(nil), ballot.DefaultNetworks...)
	}
	if cfg.Wallet.ChainPollInterval.Duration == 0 {
		cfg.Wallet.ChainPollInterval.Duration = 5 * time.Second
	}
	if cfg.Wallet.PassphraseEnv == "" {
		cfg.Wallet.PassphraseEnv = "SCRUMVOTE_PASSPHRASE"
	}
	if cfg.Sync.Timeout.Duration == 0 {
		cfg.Sync.Timeout.Duration = 15 * time.Second
	}
	if cfg.Sync.RPCBurst <= 0 {
		cfg.Sync.RPCBurst = 16
	}
	if cfg.Tx.ReceiptPollInterval.Duration == 0 {
		cfg.Tx.ReceiptPollInterval.Duration = 2 * time.Second
	}
	if cfg.Tx.ReceiptTimeout.Duration == 0 {
		cfg.Tx.ReceiptTimeout.Duration = 5 * time.Minute
	}
	if cfg.Tx.Confirmations == 0 {
		cfg.Tx.Confirmations = 1
	}
	if cfg.Tx.GasMultiplier == 0 {
		cfg.Tx.GasMultiplier = 1.2
	}
	if cfg.Tx.StakeWei == "" {
		cfg.Tx.StakeWei = ballot.DefaultStake.String()
	}
	if cfg.Events.ResubscribeBackoff.Duration == 0 {
		cfg.Events.ResubscribeBackoff.Duration = 30 * time.Second
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = 120
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 20
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(strings.TrimSpace(cfg.Contract)) {
		return fmt.Errorf("contract must be a hex address")
	}
	if strings.TrimSpace(cfg.Wallet.Keystore) == "" {
		return fmt.Errorf("wallet keystore must be configured")
	}
	if account := strings.TrimSpace(cfg.Wallet.Account); account != "" && !common.IsHexAddress(account) {
		return fmt.Errorf("wallet account must be a hex address")
	}
	seen := make(map[string]struct{}, len(cfg.Candidates))
	for _, name := range cfg.Candidates {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("candidate names must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate candidate %q", name)
		}
		seen[name] = struct{}{}
	}
	for _, n := range cfg.AcceptedNetworks {
		if n.ChainID == 0 {
			return fmt.Errorf("accepted network %q has no chain_id", n.Name)
		}
	}
	if cfg.Tx.GasMultiplier < 1 {
		return fmt.Errorf("tx gas_multiplier must be at least 1")
	}
	if _, err := cfg.Stake(); err != nil {
		return err
	}
	if cfg.API.RequestsPerMinute < 0 {
		return fmt.Errorf("api requests_per_minute must not be negative")
	}
	if cfg.Sync.RPCRate < 0 {
		return fmt.Errorf("sync rpc_rate must not be negative")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	if a.HMACSecret == "" && a.HMACSecretEnv != "" {
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	}
	return nil
}

// ContractAddress returns the configured contract address.
func (c Config) ContractAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Contract))
}

// Stake parses the configured vote stake.
func (c Config) Stake() (*big.Int, error) {
	stake, ok := new(big.Int).SetString(strings.TrimSpace(c.Tx.StakeWei), 10)
	if !ok || stake.Sign() <= 0 {
		return nil, fmt.Errorf("tx stake_wei %q must be a positive integer", c.Tx.StakeWei)
	}
	return stake, nil
}
