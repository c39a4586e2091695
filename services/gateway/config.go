package gateway

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"deopenchat/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the provider daemon.
type Config struct {
	Listen      string             `yaml:"listen"`
	Environment string             `yaml:"environment"`
	LogLevel    string             `yaml:"log_level"`
	LogFile     logging.FileConfig `yaml:"log_file"`
	ChainConfig string             `yaml:"chain_config"`
	DataDir     string             `yaml:"data_dir"`
	AuditDSN    string             `yaml:"audit_dsn"`
	Provider    ProviderConfig     `yaml:"provider"`
	Backend     BackendConfig      `yaml:"backend"`
	Session     SessionConfig      `yaml:"session"`
	Settlement  SettlementConfig   `yaml:"settlement"`
	Prover      ProverConfig       `yaml:"prover"`
	Admin       AdminConfig        `yaml:"admin"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
}

// ProviderConfig is what the daemon registers on chain.
type ProviderConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	CostPerKTokens string `yaml:"cost_per_ktokens"`
}

// BackendConfig points at the inference server rounds are forwarded to.
type BackendConfig struct {
	URL       string   `yaml:"url"`
	APIKey    string   `yaml:"api_key"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Timeout   Duration `yaml:"timeout"`
	// Echo answers every round locally, for development.
	Echo bool `yaml:"echo"`
}

// SessionConfig tunes the round state machine.
type SessionConfig struct {
	RoundTimeout Duration `yaml:"round_timeout"`
	BlockOnBusy  bool     `yaml:"block_on_busy"`
}

// SettlementConfig controls when batches are committed.
type SettlementConfig struct {
	HighWaterTokens     uint64   `yaml:"high_water_tokens"`
	PollInterval        Duration `yaml:"poll_interval"`
	SubmitTimeout       Duration `yaml:"submit_timeout"`
	DepositPollInterval Duration `yaml:"deposit_poll_interval"`
	Confirmations       uint64   `yaml:"confirmations"`
}

// ProverConfig selects the proving backend. Without a URL the development
// prover seals with DevSeed.
type ProverConfig struct {
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	TokenEnv   string   `yaml:"token_env"`
	Timeout    Duration `yaml:"timeout"`
	DevSeed    string   `yaml:"dev_seed"`
	DevSeedEnv string   `yaml:"dev_seed_env"`
}

// AdminConfig secures the admin API with HS256 bearer tokens.
type AdminConfig struct {
	HMACSecret     string `yaml:"hmac_secret"`
	HMACSecretFile string `yaml:"hmac_secret_file"`
	HMACSecretEnv  string `yaml:"hmac_secret_env"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
}

// RateLimitConfig bounds the request rate of each client key.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.ChainConfig == "" {
		cfg.ChainConfig = "chain.toml"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./gateway-data"
	}
	if cfg.AuditDSN == "" {
		cfg.AuditDSN = filepath.Join(cfg.DataDir, "audit.db")
	}
	if cfg.Backend.Timeout.Duration == 0 {
		cfg.Backend.Timeout.Duration = 2 * time.Minute
	}
	if cfg.Session.RoundTimeout.Duration == 0 {
		cfg.Session.RoundTimeout.Duration = 30 * time.Second
	}
	if cfg.Settlement.HighWaterTokens == 0 {
		cfg.Settlement.HighWaterTokens = 100_000
	}
	if cfg.Settlement.PollInterval.Duration == 0 {
		cfg.Settlement.PollInterval.Duration = 30 * time.Second
	}
	if cfg.Settlement.SubmitTimeout.Duration == 0 {
		cfg.Settlement.SubmitTimeout.Duration = 5 * time.Minute
	}
	if cfg.Settlement.DepositPollInterval.Duration == 0 {
		cfg.Settlement.DepositPollInterval.Duration = 10 * time.Second
	}
	if cfg.Prover.Timeout.Duration == 0 {
		cfg.Prover.Timeout.Duration = 10 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func (cfg *Config) normalise() error {
	// The registry compares these byte for byte.
	cfg.Provider.Endpoint = strings.TrimSpace(cfg.Provider.Endpoint)
	cfg.Provider.Model = norm.NFKC.String(strings.TrimSpace(cfg.Provider.Model))
	var err error
	if cfg.Admin.HMACSecret, err = resolveSecret(cfg.Admin.HMACSecret, cfg.Admin.HMACSecretFile, cfg.Admin.HMACSecretEnv); err != nil {
		return fmt.Errorf("admin hmac secret: %w", err)
	}
	if cfg.Backend.APIKey, err = resolveSecret(cfg.Backend.APIKey, "", cfg.Backend.APIKeyEnv); err != nil {
		return fmt.Errorf("backend api key: %w", err)
	}
	if cfg.Prover.Token, err = resolveSecret(cfg.Prover.Token, "", cfg.Prover.TokenEnv); err != nil {
		return fmt.Errorf("prover token: %w", err)
	}
	if cfg.Prover.DevSeed, err = resolveSecret(cfg.Prover.DevSeed, "", cfg.Prover.DevSeedEnv); err != nil {
		return fmt.Errorf("prover dev seed: %w", err)
	}
	return nil
}

// resolveSecret prefers an inline value, then a file, then an environment
// variable. A configured source that yields nothing is an error.
func resolveSecret(value, file, env string) (string, error) {
	if value = strings.TrimSpace(value); value != "" {
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s is empty", env)
		}
		return value, nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Endpoint) == "" {
		return fmt.Errorf("provider endpoint must be configured")
	}
	if _, err := cfg.Provider.Cost(); err != nil {
		return err
	}
	if cfg.Backend.URL == "" && !cfg.Backend.Echo {
		return fmt.Errorf("backend url must be configured unless backend.echo is set")
	}
	if cfg.Admin.HMACSecret == "" {
		return fmt.Errorf("admin hmac secret must be configured")
	}
	if cfg.Prover.URL == "" && cfg.Prover.DevSeed == "" {
		return fmt.Errorf("configure either prover.url or prover.dev_seed")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// Cost parses the configured price per thousand tokens in wei.
func (p ProviderConfig) Cost() (*big.Int, error) {
	raw := strings.TrimSpace(p.CostPerKTokens)
	if raw == "" {
		return nil, fmt.Errorf("provider cost_per_ktokens must be configured")
	}
	cost, ok := new(big.Int).SetString(raw, 10)
	if !ok || cost.Sign() < 0 {
		return nil, fmt.Errorf("provider cost_per_ktokens %q is not a non-negative integer", raw)
	}
	return cost, nil
}
