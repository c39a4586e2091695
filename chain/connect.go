package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"deopenchat/config"
	"deopenchat/crypto"
)

// Connect dials the RPC endpoint of cfg, checks that it serves the
// configured chain and returns a binding that signs with key. key may be nil
// for read-only use. Dev configurations have no RPC endpoint to dial.
func Connect(ctx context.Context, cfg *config.Chain, key *crypto.PrivateKey, logger *slog.Logger) (*EVM, func(), error) {
	if cfg.Dev {
		return nil, nil, fmt.Errorf("chain: %s is a dev configuration", cfg.RPCEndpoint)
	}
	client, err := DialEVM(cfg.RPCEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCEndpoint, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("chain: read chain id: %w", err)
	}
	if id.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		client.Close()
		return nil, nil, fmt.Errorf("chain: endpoint serves chain %s, configured %d", id, cfg.ChainID)
	}
	opts := []EVMOption{
		WithReceiptPollInterval(time.Duration(cfg.ReceiptPollSeconds) * time.Second),
		WithEVMLogger(logger),
	}
	if key != nil {
		opts = append(opts, WithSigner(key))
	}
	if cfg.GasLimit > 0 {
		opts = append(opts, WithGasLimit(cfg.GasLimit))
	}
	return NewEVM(client, cfg.Contract(), id, opts...), client.Close, nil
}
