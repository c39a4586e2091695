package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"deopenchat/chain"
	"deopenchat/config"
	"deopenchat/core/wire"
	"deopenchat/crypto"
)

// OpenChain connects to the contract named by the chain configuration of
// cfg. A nil passphrase opens a read-only binding.
func OpenChain(ctx context.Context, cfg Config, passphrase func() (string, error), logger *slog.Logger) (chain.Ledger, *config.Chain, func(), error) {
	chainCfg, err := config.Load(cfg.ChainConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if chainCfg.Dev {
		return nil, nil, nil, fmt.Errorf("bridge: %s describes an in-process development chain; fund accounts through the gateway", cfg.ChainConfig)
	}
	var wallet *crypto.PrivateKey
	if passphrase != nil {
		pass, err := passphrase()
		if err != nil {
			return nil, nil, nil, err
		}
		if wallet, err = crypto.LoadFromKeystore(chainCfg.WalletKeystorePath, pass); err != nil {
			return nil, nil, nil, fmt.Errorf("unlock payer wallet: %w", err)
		}
	}
	evm, closeFn, err := chain.Connect(ctx, chainCfg, wallet, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return evm, chainCfg, closeFn, nil
}

// FetchTokens buys ktokens of usage for client with provider, paying the
// provider's registered price.
func FetchTokens(ctx context.Context, c chain.Ledger, provider common.Address, client wire.PublicKey, ktokens uint32) (chain.Receipt, *big.Int, error) {
	if ktokens == 0 {
		return chain.Receipt{}, nil, fmt.Errorf("bridge: ktokens must be positive")
	}
	rec, err := c.GetProvider(ctx, provider)
	if err != nil {
		return chain.Receipt{}, nil, fmt.Errorf("bridge: read provider %s: %w", provider.Hex(), err)
	}
	cost := chain.Cost(rec.CostPerKTokens, ktokens)
	receipt, err := c.FetchTokens(ctx, provider, ktokens, client, cost)
	if err != nil {
		return chain.Receipt{}, nil, err
	}
	return receipt, cost, nil
}

// ResolveEndpoint returns the configured provider URL, falling back to the
// endpoint the provider registered on chain.
func ResolveEndpoint(ctx context.Context, cfg Config, c chain.Ledger) (string, error) {
	if url := strings.TrimSpace(cfg.Provider.URL); url != "" {
		return url, nil
	}
	if c == nil {
		return "", fmt.Errorf("bridge: provider.url unset and no chain to read the endpoint from")
	}
	rec, err := c.GetProvider(ctx, cfg.ProviderAddress())
	if err != nil {
		return "", fmt.Errorf("bridge: read provider endpoint: %w", err)
	}
	if strings.TrimSpace(rec.Endpoint) == "" {
		return "", fmt.Errorf("bridge: provider %s registered no endpoint", cfg.ProviderAddress().Hex())
	}
	return rec.Endpoint, nil
}

// FormatWei renders a wei amount in ether with full precision.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	ether := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	return strings.TrimRight(strings.TrimRight(ether.FloatString(18), "0"), ".")
}

// WriteProviders prints the provider registry as a table.
func WriteProviders(w io.Writer, providers []chain.Provider) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tCOST_PER_KTOKENS\tENDPOINT\tMODEL")
	for _, p := range providers {
		cost := "0"
		if p.CostPerKTokens != nil {
			cost = p.CostPerKTokens.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Address.Hex(), cost, p.Endpoint, p.Model)
	}
	return tw.Flush()
}
