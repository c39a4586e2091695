// Package config holds the chain connection settings shared by the gateway
// and bridge daemons.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"deopenchat/crypto"
)

// Chain describes how to reach the settlement contract and which wallet signs
// transactions.
type Chain struct {
	RPCEndpoint         string `toml:"RPCEndpoint"`
	ChainID             int64  `toml:"ChainID"`
	ContractAddress     string `toml:"ContractAddress"`
	WalletKeystorePath  string `toml:"WalletKeystorePath"`
	WalletPassphraseEnv string `toml:"WalletPassphraseEnv"`
	ImageID             string `toml:"ImageID"`
	ReceiptPollSeconds  int    `toml:"ReceiptPollSeconds"`
	GasLimit            uint64 `toml:"GasLimit"`
	// Dev runs against an in-process contract instead of RPCEndpoint.
	Dev bool `toml:"Dev"`
}

// Load reads the chain configuration at path. Relative keystore paths are
// resolved against the directory of the file.
func Load(path string) (*Chain, error) {
	cfg := &Chain{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown field %s", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if cfg.WalletKeystorePath != "" && !filepath.IsAbs(cfg.WalletKeystorePath) {
		cfg.WalletKeystorePath = filepath.Join(filepath.Dir(path), cfg.WalletKeystorePath)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init writes a default configuration at path together with a freshly
// generated wallet keystore sealed with passphrase. Existing files are kept.
func Init(path, passphrase string) (*Chain, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg := &Chain{WalletKeystorePath: "wallet.keystore", Dev: true}
	applyDefaults(cfg)
	keystorePath := filepath.Join(filepath.Dir(path), cfg.WalletKeystorePath)
	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return Load(path)
}

func applyDefaults(cfg *Chain) {
	if strings.TrimSpace(cfg.RPCEndpoint) == "" {
		cfg.RPCEndpoint = "http://127.0.0.1:8545"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 31337
	}
	if strings.TrimSpace(cfg.WalletPassphraseEnv) == "" {
		cfg.WalletPassphraseEnv = "DEOPENCHAT_WALLET_PASSPHRASE"
	}
	if cfg.ReceiptPollSeconds <= 0 {
		cfg.ReceiptPollSeconds = 2
	}
}

func persist(path string, cfg *Chain) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
