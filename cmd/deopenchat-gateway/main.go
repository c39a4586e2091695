package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deopenchat/chain"
	"deopenchat/cmd/internal/passphrase"
	"deopenchat/config"
	"deopenchat/crypto"
	"deopenchat/services/gateway"
	"deopenchat/services/gateway/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "deopenchat-gateway",
		Short:         "Provider daemon for metered inference rounds",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "gateway.yaml", "path to the gateway configuration")

	root.AddCommand(
		serveCmd(&cfgPath),
		initCmd(),
		registerCmd(&cfgPath),
		adminTokenCmd(&cfgPath),
		settleCmd(&cfgPath),
		fundCmd(&cfgPath),
		exportCmd(&cfgPath),
	)
	return root
}

func walletPassphrase(chainCfg *config.Chain) *passphrase.Source {
	return passphrase.NewSource(chainCfg.WalletPassphraseEnv, "provider wallet")
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve rounds, settle claims and follow deposits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gateway.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			chainCfg, err := config.Load(cfg.ChainConfig)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gateway.Run(ctx, cfg, walletPassphrase(chainCfg).Get)
		},
	}
}

func initCmd() *cobra.Command {
	var chainPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a development chain configuration and provider wallet",
		Long: `Write a chain configuration with a freshly generated wallet keystore.
Existing files are left untouched.

Example:
  $ deopenchat-gateway init --chain-config ./chain.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pass, err := passphrase.NewSource("DEOPENCHAT_WALLET_PASSPHRASE", "new provider wallet").Get()
			if err != nil {
				return err
			}
			chainCfg, err := config.Init(chainPath, pass)
			if err != nil {
				return err
			}
			wallet, err := crypto.LoadFromKeystore(chainCfg.WalletKeystorePath, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain config: %s\nwallet: %s\naddress: %s\ndev: %t\n",
				chainPath, chainCfg.WalletKeystorePath, wallet.Address().Hex(), chainCfg.Dev)
			return nil
		},
	}
	cmd.Flags().StringVar(&chainPath, "chain-config", "chain.toml", "path of the chain configuration to write")
	return cmd
}

func registerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register or update the provider record on chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gateway.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			cost, err := cfg.Provider.Cost()
			if err != nil {
				return err
			}
			chainCfg, err := config.Load(cfg.ChainConfig)
			if err != nil {
				return err
			}
			if chainCfg.Dev {
				return fmt.Errorf("dev chains live inside the gateway process, which registers itself on start")
			}
			pass, err := walletPassphrase(chainCfg).Get()
			if err != nil {
				return err
			}
			wallet, err := crypto.LoadFromKeystore(chainCfg.WalletKeystorePath, pass)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			evm, closeChain, err := chain.Connect(ctx, chainCfg, wallet, slog.Default())
			if err != nil {
				return err
			}
			defer closeChain()
			receipt, err := evm.ProviderRegister(ctx, cost, cfg.Provider.Endpoint, cfg.Provider.Model)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s wei per ktoken: tx %s block %d\n",
				wallet.Address().Hex(), cost, receipt.TxHash.Hex(), receipt.Block)
			return nil
		},
	}
}

func adminTokenCmd(cfgPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gateway.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			token, err := gateway.IssueAdminToken(cfg.Admin, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// adminClient talks to the admin API of the gateway at url with a
// short-lived token minted from the local configuration.
func adminClient(cfgPath, url string) (*api.Client, error) {
	cfg, err := gateway.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	token, err := gateway.IssueAdminToken(cfg.Admin, "deopenchat-gateway-cli", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return api.NewClient(url, api.WithAdminToken(token))
}

func settleCmd(cfgPath *string) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle every pending round of a running gateway now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := adminClient(*cfgPath, url)
			if err != nil {
				return err
			}
			out, err := client.Settle(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8090", "gateway base URL")
	return cmd
}

func fundCmd(cfgPath *string) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "fund [client-id] [ktokens]",
		Short: "Credit a client through the faucet of a development gateway",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := crypto.ParseClientID(args[0])
			if err != nil {
				return err
			}
			ktokens, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("ktokens: %w", err)
			}
			client, err := adminClient(*cfgPath, url)
			if err != nil {
				return err
			}
			if err := client.Fund(cmd.Context(), pk, uint32(ktokens)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "funded %s with %d ktokens\n", pk, ktokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8090", "gateway base URL")
	return cmd
}

func exportCmd(cfgPath *string) *cobra.Command {
	var out string
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "export-settlements",
		Short: "Write the settlement audit log to a parquet file",
		Long: `Write settlement outcomes from the audit database to a parquet file.

Example:
  $ deopenchat-gateway export-settlements --out settlements.parquet --since 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gateway.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			audit, err := gateway.OpenAuditStore(cfg.AuditDSN)
			if err != nil {
				return err
			}
			defer audit.Close()
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			n, err := audit.ExportParquet(cmd.Context(), out, from)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d settlements to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "settlements.parquet", "output file")
	cmd.Flags().DurationVar(&since, "since", 0, "only export outcomes newer than this; zero exports everything")
	return cmd
}
