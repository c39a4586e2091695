package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deopenchat/cmd/internal/passphrase"
	"deopenchat/config"
	"deopenchat/crypto"
	"deopenchat/services/bridge"
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
		Use:          "deopenchat-bridge",
		Short:        "Client bridge paying providers per round",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "bridge.yaml", "path to the bridge configuration")

	root.AddCommand(
		serveCmd(&cfgPath),
		keygenCmd(),
		fetchTokensCmd(&cfgPath),
		providersCmd(&cfgPath),
		statusCmd(&cfgPath),
		historyCmd(&cfgPath),
	)
	return root
}

func loadConfig(path string) (bridge.Config, string, error) {
	cfg, err := bridge.LoadConfig(path)
	return cfg, filepath.Dir(path), err
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local completion proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, baseDir, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bridge.Run(ctx, cfg, baseDir)
		},
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a client key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			key, err := crypto.GenerateClientKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveClientKey(out, key); err != nil {
				return err
			}
			id, err := crypto.EncodeClientID(key.PublicKey())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client key: %s\npublic key: %s\nclient id: %s\n", out, key.PublicKey(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "client.key", "path of the key file to write")
	return cmd
}

func fetchTokensCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-tokens [ktokens]",
		Short: "Buy usage with the configured provider",
		Long: `Pay the provider's registered price for ktokens thousand tokens and credit
them to the configured client key.

Example:
  $ deopenchat-bridge fetch-tokens 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ktokens, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("ktokens: %w", err)
			}
			cfg, baseDir, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			key, err := cfg.Client.LoadClientKey(baseDir)
			if err != nil {
				return err
			}
			chainCfg, err := config.Load(cfg.ChainConfig)
			if err != nil {
				return err
			}
			pass := passphrase.NewSource(chainCfg.WalletPassphraseEnv, "payer wallet")
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			c, _, closeChain, err := bridge.OpenChain(ctx, cfg, pass.Get, slog.Default())
			if err != nil {
				return err
			}
			defer closeChain()
			receipt, cost, err := bridge.FetchTokens(ctx, c, cfg.ProviderAddress(), key.PublicKey(), uint32(ktokens))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bought %d ktokens for %s ETH: tx %s block %d\n",
				ktokens, bridge.FormatWei(cost), receipt.TxHash.Hex(), receipt.Block)
			return nil
		},
	}
}

func providersCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List registered providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			c, _, closeChain, err := bridge.OpenChain(cmd.Context(), cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer closeChain()
			providers, err := c.GetAllProviders(cmd.Context())
			if err != nil {
				return err
			}
			return bridge.WriteProviders(cmd.OutOrStdout(), providers)
		},
	}
}

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the account as the provider sees it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, baseDir, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			key, err := cfg.Client.LoadClientKey(baseDir)
			if err != nil {
				return err
			}
			endpoint, err := bridge.ResolveEndpoint(cmd.Context(), cfg, nil)
			if err != nil {
				c, _, closeChain, chainErr := bridge.OpenChain(cmd.Context(), cfg, nil, slog.Default())
				if chainErr != nil {
					return chainErr
				}
				defer closeChain()
				if endpoint, err = bridge.ResolveEndpoint(cmd.Context(), cfg, c); err != nil {
					return err
				}
			}
			client, err := api.NewClient(endpoint)
			if err != nil {
				return err
			}
			seq, remaining, err := client.Seq(cmd.Context(), key.PublicKey())
			if err != nil {
				return err
			}
			id, err := crypto.EncodeClientID(key.PublicKey())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client: %s\nprovider: %s\nseq: %d\nremaining_tokens: %d\n",
				id, cfg.ProviderAddress().Hex(), seq, remaining)
			return nil
		},
	}
}

func historyCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently completed rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, baseDir, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			key, err := cfg.Client.LoadClientKey(baseDir)
			if err != nil {
				return err
			}
			h, err := bridge.OpenHistory(filepath.Join(cfg.StateDir, "history.db"))
			if err != nil {
				return err
			}
			defer h.Close()
			rows, err := h.Recent(cmd.Context(), key.PublicKey(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tINPUT\tOUTPUT\tPROVIDER\tCOMPLETED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", r.Seq, r.InputTokens, r.OutputTokens, r.Provider, r.CompletedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rounds to show")
	return cmd
}
