package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/chain"
	"deopenchat/config"
	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/session"
	"deopenchat/core/settlement"
	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/observability"
	"deopenchat/observability/logging"
	telemetry "deopenchat/observability/otel"
	"deopenchat/storage"
	"deopenchat/zk"
)

// faucetAddress funds development accounts on the in-process contract.
var faucetAddress = common.HexToAddress("0x000000000000000000000000000000000000fa0c")

// NodeDeps are the collaborators a node is assembled from.
type NodeDeps struct {
	Chain   chain.Ledger
	Wallet  *crypto.PrivateKey
	Prover  claims.Prover
	Backend Backend
	DB      storage.Database
	Audit   *AuditStore
	Faucet  FaucetFunc
	Logger  *slog.Logger
}

// Node is an assembled provider daemon.
type Node struct {
	cfg       Config
	address   common.Address
	ledger    *ledger.Ledger
	provider  *session.Provider
	committer *Committer
	deposits  *DepositWatcher
	server    *Server
	logger    *slog.Logger
}

// NewNode wires the ledger, session driver, settlement pipeline and HTTP
// surface of a provider, registers the provider on chain when needed and
// bootstraps the ledger from the contract.
func NewNode(ctx context.Context, cfg Config, deps NodeDeps) (*Node, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Wallet == nil {
		return nil, fmt.Errorf("gateway: provider wallet required")
	}
	address := deps.Wallet.Address()
	metrics := observability.Gateway()

	var ledgerOpts []ledger.Option
	if deps.DB != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(ledger.NewKVStore(deps.DB)))
	}
	ledgerOpts = append(ledgerOpts, ledger.WithLogger(logger))
	l, err := ledger.New(ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: open ledger: %w", err)
	}

	if err := ensureRegistered(ctx, deps.Chain, address, cfg.Provider, logger); err != nil {
		return nil, err
	}
	imageID, err := deps.Chain.ImageID(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: read image id: %w", err)
	}

	aggregator := claims.NewAggregator(l, address, deps.Prover, claims.WithImageID(imageID), claims.WithLogger(logger))
	gw := settlement.New(l, deps.Chain, address,
		settlement.WithTimeout(cfg.Settlement.SubmitTimeout.Duration),
		settlement.WithLogger(logger),
		settlement.WithMetrics(metrics),
	)
	var recorder OutcomeRecorder
	if deps.Audit != nil {
		recorder = deps.Audit
	}
	committer := NewCommitter(CommitterConfig{
		Aggregator: aggregator,
		Gateway:    gw,
		Ledger:     l,
		Provider:   address,
		HighWater:  cfg.Settlement.HighWaterTokens,
		Interval:   cfg.Settlement.PollInterval.Duration,
		Recorder:   recorder,
		Metrics:    metrics,
		Logger:     logger,
	})
	provider := session.NewProvider(l, address,
		session.WithWallet(deps.Wallet),
		session.WithRoundTimeout(cfg.Session.RoundTimeout.Duration),
		session.WithBlockOnBusy(cfg.Session.BlockOnBusy),
		session.WithCommitHook(func(key ledger.AccountKey, round ledger.Round) {
			metrics.RecordRound(nil, round.TokensConsumed)
			committer.OnCommit(key, round)
		}),
		session.WithProviderLogger(logger),
	)

	var cursor CursorStore
	if deps.Audit != nil {
		cursor = deps.Audit
	}
	deposits := NewDepositWatcher(DepositWatcherConfig{
		Chain:         deps.Chain,
		Ledger:        l,
		Provider:      address,
		Cursor:        cursor,
		Confirmations: cfg.Settlement.Confirmations,
		Interval:      cfg.Settlement.DepositPollInterval.Duration,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err := deposits.Bootstrap(ctx); err != nil {
		return nil, err
	}

	server := NewServer(ServerConfig{
		Provider:  provider,
		Ledger:    l,
		Chain:     deps.Chain,
		Backend:   deps.Backend,
		Committer: committer,
		Audit:     deps.Audit,
		Auth:      NewAuthenticator(cfg.Admin, logger),
		Limiter:   NewRateLimiter(cfg.RateLimit, metrics),
		Faucet:    deps.Faucet,
		HighWater: cfg.Settlement.HighWaterTokens,
		Metrics:   metrics,
		Logger:    logger,
	})
	return &Node{
		cfg:       cfg,
		address:   address,
		ledger:    l,
		provider:  provider,
		committer: committer,
		deposits:  deposits,
		server:    server,
		logger:    logger,
	}, nil
}

func ensureRegistered(ctx context.Context, c chain.Ledger, address common.Address, cfg ProviderConfig, logger *slog.Logger) error {
	cost, err := cfg.Cost()
	if err != nil {
		return err
	}
	rec, err := c.GetProvider(ctx, address)
	switch {
	case err == nil && rec.CostPerKTokens.Cmp(cost) == 0 && rec.Endpoint == cfg.Endpoint && rec.Model == cfg.Model:
		return nil
	case err != nil && !errors.Is(err, chain.ErrUnknownProvider):
		return fmt.Errorf("gateway: read provider record: %w", err)
	}
	receipt, err := c.ProviderRegister(ctx, cost, cfg.Endpoint, cfg.Model)
	if err != nil {
		return fmt.Errorf("gateway: register provider: %w", err)
	}
	logger.Info("provider registered", "provider", address.Hex(), "cost_per_ktokens", cost.String(),
		"endpoint", cfg.Endpoint, "tx", receipt.TxHash.Hex())
	return nil
}

// Address is the provider address the node settles for.
func (n *Node) Address() common.Address {
	return n.address
}

// Handler is the node's HTTP surface.
func (n *Node) Handler() http.Handler {
	return n.server.Handler()
}

// Committer exposes the settlement loop.
func (n *Node) Committer() *Committer {
	return n.committer
}

// PollDeposits applies deposits mined since the last poll.
func (n *Node) PollDeposits(ctx context.Context) error {
	return n.deposits.Poll(ctx)
}

// Run serves HTTP and drives the settlement and deposit loops until ctx
// ends, then shuts the server down gracefully.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:              n.cfg.Listen,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = n.committer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = n.deposits.Run(ctx)
	}()

	errs := make(chan error, 1)
	go func() {
		n.logger.Info("provider gateway listening", "addr", n.cfg.Listen, "provider", n.address.Hex())
		errs <- httpServer.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			_ = httpServer.Close()
			err = shutdownErr
		}
	case serveErr := <-errs:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			err = serveErr
		}
	}
	cancel()
	wg.Wait()
	return err
}

// Run loads every dependency named by cfg and runs the provider daemon
// until ctx ends. passphrase unlocks the provider wallet keystore.
func Run(ctx context.Context, cfg Config, passphrase func() (string, error)) error {
	logger := logging.Setup("deopenchat-gateway", cfg.Environment, logging.WithLevel(cfg.LogLevel), logging.WithFile(cfg.LogFile))
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "deopenchat-gateway",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	chainCfg, err := config.Load(cfg.ChainConfig)
	if err != nil {
		return err
	}
	pass, err := passphrase()
	if err != nil {
		return err
	}
	wallet, err := crypto.LoadFromKeystore(chainCfg.WalletKeystorePath, pass)
	if err != nil {
		return fmt.Errorf("unlock provider wallet: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "rounds"))
	if err != nil {
		return fmt.Errorf("open round store: %w", err)
	}
	defer db.Close()
	audit, err := OpenAuditStore(cfg.AuditDSN)
	if err != nil {
		return err
	}
	defer audit.Close()

	deps := NodeDeps{Wallet: wallet, DB: db, Audit: audit, Logger: logger}
	if deps.Backend, err = newBackend(cfg.Backend); err != nil {
		return err
	}

	var sealer *crypto.ClientKey
	if cfg.Prover.DevSeed != "" {
		if sealer, err = crypto.ClientKeyFromHex(cfg.Prover.DevSeed); err != nil {
			return fmt.Errorf("prover dev seed: %w", err)
		}
	}
	if cfg.Prover.URL != "" {
		deps.Prover, err = zk.NewRemoteProver(zk.RemoteConfig{
			BaseURL: cfg.Prover.URL,
			Token:   cfg.Prover.Token,
			Timeout: cfg.Prover.Timeout.Duration,
		})
		if err != nil {
			return err
		}
	} else {
		deps.Prover = zk.NewDevProver(sealer)
	}

	if chainCfg.Dev {
		if sealer == nil {
			return fmt.Errorf("dev chains verify development seals; configure prover.dev_seed")
		}
		mem := chain.NewMemory(zk.NewDevVerifier(sealer.PublicKey()), chainCfg.Image())
		mem.Fund(faucetAddress, new(big.Int).Lsh(big.NewInt(1), 128))
		deps.Chain = mem.As(wallet.Address())
		deps.Faucet = memoryFaucet(mem, wallet.Address())
		logger.Warn("running against an in-process development contract", logging.MaskField("prover_dev_seed", cfg.Prover.DevSeed))
	} else {
		evm, closeChain, err := chain.Connect(ctx, chainCfg, wallet, logger)
		if err != nil {
			return err
		}
		defer closeChain()
		if want := chainCfg.Image(); want != (common.Hash{}) {
			got, err := evm.ImageID(ctx)
			if err != nil {
				return fmt.Errorf("read contract image id: %w", err)
			}
			if got != want {
				return fmt.Errorf("contract image id %s does not match configured %s", got.Hex(), want.Hex())
			}
		}
		deps.Chain = evm
	}

	node, err := NewNode(ctx, cfg, deps)
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

func newBackend(cfg BackendConfig) (Backend, error) {
	if cfg.Echo {
		return EchoBackend{}, nil
	}
	return NewHTTPBackend(cfg)
}

func memoryFaucet(mem *chain.Memory, provider common.Address) FaucetFunc {
	return func(ctx context.Context, client wire.PublicKey, ktokens uint32) (chain.Receipt, error) {
		payer := mem.As(faucetAddress)
		rec, err := payer.GetProvider(ctx, provider)
		if err != nil {
			return chain.Receipt{}, err
		}
		return payer.FetchTokens(ctx, provider, ktokens, client, chain.Cost(rec.CostPerKTokens, ktokens))
	}
}
