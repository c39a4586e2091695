package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"deopenchat/chain"
	"deopenchat/core/session"
	"deopenchat/observability"
	"deopenchat/observability/logging"
	telemetry "deopenchat/observability/otel"
	"deopenchat/services/gateway/api"
)

// Stores holds the bridge's local databases.
type Stores struct {
	State   *StateStore
	History *History
}

// OpenStores opens the state and history databases under dir.
func OpenStores(dir string) (*Stores, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	state, err := OpenStateStore(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	history, err := OpenHistory(filepath.Join(dir, "history.db"))
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Stores{State: state, History: history}, nil
}

// Close releases both databases.
func (s *Stores) Close() error {
	return errors.Join(s.State.Close(), s.History.Close())
}

// Run serves the local bridge API until ctx ends. baseDir resolves relative
// key file paths.
func Run(ctx context.Context, cfg Config, baseDir string) error {
	logger := logging.Setup("deopenchat-bridge", cfg.Environment, logging.WithLevel(cfg.LogLevel), logging.WithFile(cfg.LogFile))
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "deopenchat-bridge",
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

	key, err := cfg.Client.LoadClientKey(baseDir)
	if err != nil {
		return fmt.Errorf("load client key: %w", err)
	}
	if cfg.Client.KeyHex != "" {
		logger.Warn("client key seed is stored inline in the configuration", logging.MaskField("client_seed", cfg.Client.KeyHex))
	}

	var ledger chain.Ledger
	if cfg.Provider.URL == "" {
		c, _, closeChain, err := OpenChain(ctx, cfg, nil, logger)
		if err != nil {
			return err
		}
		defer closeChain()
		ledger = c
	}
	endpoint, err := ResolveEndpoint(ctx, cfg, ledger)
	if err != nil {
		return err
	}
	transport, err := api.NewClient(endpoint)
	if err != nil {
		return err
	}

	stores, err := OpenStores(cfg.StateDir)
	if err != nil {
		return err
	}
	defer stores.Close()

	opts := []session.ClientOption{
		session.WithClientTimeout(cfg.Session.RoundTimeout.Duration),
		session.WithFailFast(cfg.Session.FailFast),
		session.WithClientLogger(logger),
	}
	if cfg.Session.VerifyProvider {
		opts = append(opts, session.WithProviderAddress(cfg.ProviderAddress()))
	}
	b, err := New(Options{
		Provider:         cfg.ProviderAddress(),
		Client:           session.NewClient(key, transport, opts...),
		State:            stores.State,
		History:          stores.History,
		DefaultMaxTokens: cfg.Session.DefaultMaxTokens,
		Metrics:          observability.Bridge(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("client bridge listening", "addr", cfg.Listen, "provider", cfg.ProviderAddress().Hex(),
			"endpoint", endpoint, "client", key.PublicKey().String())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
