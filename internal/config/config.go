// Package config defines all configuration for the clodds service.
// Config is loaded from one YAML file (default: config.yaml, CLODDS_CONFIG
// overrides the path) with secrets supplied via CLODDS_* environment
// variables. ${VAR} references inside credential strings expand from the
// environment at load time, so a committed config file never carries keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KnownVenues are the venue names a feeds section may configure. Adapters
// exist for a subset; an enabled venue without an adapter is skipped with a
// warning at startup.
var KnownVenues = []string{
	"polymarket", "kalshi", "manifold", "metaculus", "predictit",
	"drift", "betfair", "smarkets", "news", "binance",
}

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Log      LogConfig             `mapstructure:"log"`
	Feeds    map[string]FeedConfig `mapstructure:"feeds"`
	Gateway  GatewayConfig         `mapstructure:"gateway"`
	Cron     CronConfig            `mapstructure:"cron"`
	HFT      HFTConfig             `mapstructure:"hft"`
	Store    StoreConfig           `mapstructure:"store"`
	Executor ExecutorConfig        `mapstructure:"executor"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// FeedConfig is one venue section. The credential fields are shared across
// venues; a venue that needs none simply leaves them empty.
type FeedConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// GatewayConfig controls the HTTP/WS gateway.
type GatewayConfig struct {
	Port       int        `mapstructure:"port"`
	Bind       string     `mapstructure:"bind"`
	CORS       CORSConfig `mapstructure:"cors"`
	Auth       AuthConfig `mapstructure:"auth"`
	ForceHTTPS bool       `mapstructure:"force_https"`
	RatePerMin int        `mapstructure:"rate_per_min"`
}

type CORSConfig struct {
	Mode    string   `mapstructure:"mode"` // off, allowlist, wildcard
	Origins []string `mapstructure:"origins"`
}

type AuthConfig struct {
	Token string `mapstructure:"token"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HFTConfig tunes the trading engine. Zero values fall through to the
// engine's own defaults, so the section can be as small as `enabled: true`.
type HFTConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	DryRun   bool     `mapstructure:"dry_run"`
	Assets   []string `mapstructure:"assets"`
	StakeUSD float64  `mapstructure:"stake_usd"`

	TakeProfitPct    float64 `mapstructure:"take_profit_pct"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	ForceExitSec     float64 `mapstructure:"force_exit_sec"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`

	MomentumMinMovePct float64       `mapstructure:"momentum_min_move_pct"`
	MomentumWindow     time.Duration `mapstructure:"momentum_window"`
	SellCooldownMs     int64         `mapstructure:"sell_cooldown_ms"`
	RescanInterval     time.Duration `mapstructure:"rescan_interval"`
}

// StoreConfig sets where the SQLite database lives and the passphrase for
// the credential vault. Without a key, credential storage is disabled but
// everything else works.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	CredentialKey string `mapstructure:"credential_key"`
}

// ExecutorConfig holds the Polymarket trading wallet and endpoints.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the collateral wallet when trading through a proxy.
type ExecutorConfig struct {
	DryRun        bool   `mapstructure:"dry_run"`
	BaseURL       string `mapstructure:"base_url"`
	UserWSURL     string `mapstructure:"user_ws_url"`
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	SignatureType int    `mapstructure:"signature_type"`
	ChainID       int    `mapstructure:"chain_id"`
	NegRisk       bool   `mapstructure:"neg_risk"`
}

// Load reads config from path (empty falls back to $CLODDS_CONFIG, then
// config.yaml) with env var overrides for secrets.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CLODDS_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CLODDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.expandCredentials()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// setDefaults makes a minimal config file boot a dry-run instance with the
// polymarket and binance feeds on.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("feeds.polymarket.enabled", true)
	v.SetDefault("feeds.binance.enabled", true)
	v.SetDefault("gateway.port", 8090)
	v.SetDefault("gateway.bind", "0.0.0.0")
	v.SetDefault("gateway.cors.mode", "off")
	v.SetDefault("gateway.rate_per_min", 100)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("hft.enabled", false)
	v.SetDefault("hft.dry_run", true)
	v.SetDefault("store.path", "data/clodds.db")
	v.SetDefault("executor.dry_run", true)
	v.SetDefault("executor.base_url", "https://clob.polymarket.com")
	v.SetDefault("executor.user_ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("executor.chain_id", 137)
}

// expandCredentials resolves ${VAR} references in credential-bearing
// strings. A reference to an unset variable expands to the empty string.
func (c *Config) expandCredentials() {
	for venue, fc := range c.Feeds {
		fc.APIKey = os.ExpandEnv(fc.APIKey)
		fc.APISecret = os.ExpandEnv(fc.APISecret)
		fc.Passphrase = os.ExpandEnv(fc.Passphrase)
		c.Feeds[venue] = fc
	}
	c.Gateway.Auth.Token = os.ExpandEnv(c.Gateway.Auth.Token)
	c.Store.CredentialKey = os.ExpandEnv(c.Store.CredentialKey)
	c.Executor.PrivateKey = os.ExpandEnv(c.Executor.PrivateKey)
	c.Executor.FunderAddress = os.ExpandEnv(c.Executor.FunderAddress)
}

// applyEnvOverrides forces secret fields from the environment.
func (c *Config) applyEnvOverrides() {
	if tok := os.Getenv("CLODDS_TOKEN"); tok != "" {
		c.Gateway.Auth.Token = tok
	}
	if key := os.Getenv("CLODDS_CREDENTIAL_KEY"); key != "" {
		c.Store.CredentialKey = key
	}
	if key := os.Getenv("CLODDS_PRIVATE_KEY"); key != "" {
		c.Executor.PrivateKey = key
	}
	if v := os.Getenv("CLODDS_DRY_RUN"); v == "true" || v == "1" {
		c.HFT.DryRun = true
		c.Executor.DryRun = true
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d must be in 1..65535", c.Gateway.Port)
	}
	switch c.Gateway.CORS.Mode {
	case "", "off", "allowlist", "wildcard":
	default:
		return fmt.Errorf("gateway.cors.mode %q must be one of: off, allowlist, wildcard", c.Gateway.CORS.Mode)
	}
	if c.Gateway.CORS.Mode == "allowlist" && len(c.Gateway.CORS.Origins) == 0 {
		return fmt.Errorf("gateway.cors.origins is required when gateway.cors.mode is allowlist")
	}

	for venue := range c.Feeds {
		if !knownVenue(venue) {
			return fmt.Errorf("feeds.%s is not a known venue", venue)
		}
	}

	if c.HFT.StakeUSD < 0 {
		return fmt.Errorf("hft.stake_usd must be >= 0")
	}
	if c.HFT.Enabled && !c.HFT.DryRun && c.Executor.PrivateKey == "" {
		return fmt.Errorf("executor.private_key is required for live trading (set CLODDS_PRIVATE_KEY)")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	switch c.Executor.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("executor.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Executor.SignatureType != 0 && c.Executor.FunderAddress == "" {
		return fmt.Errorf("executor.funder_address is required when executor.signature_type is 1 or 2")
	}
	return nil
}

func knownVenue(name string) bool {
	for _, v := range KnownVenues {
		if v == name {
			return true
		}
	}
	return false
}
