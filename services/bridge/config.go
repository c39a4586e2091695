package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"deopenchat/crypto"
	"deopenchat/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the client bridge.
type Config struct {
	Listen      string             `yaml:"listen"`
	Environment string             `yaml:"environment"`
	LogLevel    string             `yaml:"log_level"`
	LogFile     logging.FileConfig `yaml:"log_file"`
	ChainConfig string             `yaml:"chain_config"`
	StateDir    string             `yaml:"state_dir"`
	Provider    ProviderConfig     `yaml:"provider"`
	Client      ClientConfig       `yaml:"client"`
	Session     SessionConfig      `yaml:"session"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
}

// ProviderConfig names the provider rounds are sent to. Without a URL the
// endpoint is read from the provider's on-chain record.
type ProviderConfig struct {
	Address string `yaml:"address"`
	URL     string `yaml:"url"`
}

// ClientConfig locates the ed25519 client key.
type ClientConfig struct {
	KeyHex  string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
	KeyEnv  string `yaml:"key_env"`
}

// SessionConfig tunes the client round driver.
type SessionConfig struct {
	RoundTimeout     Duration `yaml:"round_timeout"`
	DefaultMaxTokens uint32   `yaml:"default_max_tokens"`
	FailFast         bool     `yaml:"fail_fast"`
	VerifyProvider   bool     `yaml:"verify_provider"`
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
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8091"
	}
	if cfg.ChainConfig == "" {
		cfg.ChainConfig = "chain.toml"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "./bridge-data"
	}
	if cfg.Session.RoundTimeout.Duration == 0 {
		cfg.Session.RoundTimeout.Duration = 2 * time.Minute
	}
	if cfg.Session.DefaultMaxTokens == 0 {
		cfg.Session.DefaultMaxTokens = 1024
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(cfg.Provider.Address) {
		return fmt.Errorf("provider address %q is not an address", cfg.Provider.Address)
	}
	if cfg.Client.KeyHex == "" && cfg.Client.KeyFile == "" && cfg.Client.KeyEnv == "" {
		return fmt.Errorf("configure client.key, client.key_file or client.key_env")
	}
	return nil
}

// ProviderAddress returns the parsed provider address.
func (cfg Config) ProviderAddress() common.Address {
	return common.HexToAddress(cfg.Provider.Address)
}

// LoadClientKey resolves the configured client key, preferring the inline
// seed, then the key file, then the environment.
func (c ClientConfig) LoadClientKey(baseDir string) (*crypto.ClientKey, error) {
	if raw := strings.TrimSpace(c.KeyHex); raw != "" {
		return crypto.ClientKeyFromHex(raw)
	}
	if path := strings.TrimSpace(c.KeyFile); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return crypto.LoadClientKey(path)
	}
	env := strings.TrimSpace(c.KeyEnv)
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("%s is empty", env)
	}
	return crypto.ClientKeyFromHex(raw)
}
