package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the fields a live contract connection depends on. Dev
// configurations only need a keystore.
func Validate(cfg *Chain) error {
	if strings.TrimSpace(cfg.WalletKeystorePath) == "" {
		return fmt.Errorf("config: WalletKeystorePath required")
	}
	if cfg.ImageID != "" && !isHash(cfg.ImageID) {
		return fmt.Errorf("config: ImageID must be a 32 byte hex string")
	}
	if cfg.Dev {
		return nil
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("config: ContractAddress %q is not an address", cfg.ContractAddress)
	}
	if !strings.HasPrefix(cfg.RPCEndpoint, "http") && !strings.HasPrefix(cfg.RPCEndpoint, "ws") {
		return fmt.Errorf("config: RPCEndpoint must be an http or ws url")
	}
	return nil
}

func isHash(raw string) bool {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(raw) != 2*common.HashLength {
		return false
	}
	for _, c := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// Contract returns the parsed contract address.
func (c *Chain) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// Image returns the parsed image ID, zero when unset.
func (c *Chain) Image() common.Hash {
	if c.ImageID == "" {
		return common.Hash{}
	}
	return common.HexToHash(c.ImageID)
}
