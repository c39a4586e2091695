package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/chain"
	"deopenchat/core/ledger"
	"deopenchat/core/wire"
	"deopenchat/observability"
)

const depositCursor = "deposits"

// CursorStore remembers how far the watcher has scanned.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, block uint64) error
}

// DepositWatcher mirrors TokensFetched events into the ledger as top-ups.
type DepositWatcher struct {
	chain         chain.Ledger
	ledger        *ledger.Ledger
	provider      common.Address
	cursor        CursorStore
	confirmations uint64
	interval      time.Duration
	metrics       *observability.GatewayMetrics
	logger        *slog.Logger
}

// DepositWatcherConfig bundles the watcher's collaborators.
type DepositWatcherConfig struct {
	Chain         chain.Ledger
	Ledger        *ledger.Ledger
	Provider      common.Address
	Cursor        CursorStore
	Confirmations uint64
	Interval      time.Duration
	Metrics       *observability.GatewayMetrics
	Logger        *slog.Logger
}

// NewDepositWatcher constructs a watcher.
func NewDepositWatcher(cfg DepositWatcherConfig) *DepositWatcher {
	w := &DepositWatcher{
		chain:         cfg.Chain,
		ledger:        cfg.Ledger,
		provider:      cfg.Provider,
		cursor:        cfg.Cursor,
		confirmations: cfg.Confirmations,
		interval:      cfg.Interval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
	if w.interval <= 0 {
		w.interval = 10 * time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

func (w *DepositWatcher) head(ctx context.Context) (uint64, bool, error) {
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	if head < w.confirmations {
		return 0, false, nil
	}
	return head - w.confirmations, true, nil
}

// Bootstrap adopts the contract's view of every account that ever deposited
// with the provider, and of every account holding restored rounds. Deposits
// up to the bootstrap block are then treated as already applied.
func (w *DepositWatcher) Bootstrap(ctx context.Context) error {
	block, ok, err := w.head(ctx)
	if err != nil {
		return fmt.Errorf("deposits: read head: %w", err)
	}
	if !ok {
		return nil
	}
	deposits, err := w.chain.Deposits(ctx, w.provider, 0, block)
	if err != nil {
		return fmt.Errorf("deposits: scan: %w", err)
	}
	clients := make(map[wire.PublicKey]struct{})
	for _, d := range deposits {
		clients[d.Client] = struct{}{}
	}
	for _, key := range w.ledger.Keys(w.provider) {
		clients[key.Client] = struct{}{}
	}
	for client := range clients {
		st, err := w.chain.ViewStatusAt(ctx, w.provider, client, block)
		if err != nil {
			return fmt.Errorf("deposits: view %s: %w", client, err)
		}
		key := ledger.AccountKey{Provider: w.provider, Client: client}
		if err := w.ledger.Reconcile(key, st.Seq, st.RemainingTokens, block); err != nil {
			return err
		}
	}
	if w.cursor != nil {
		if err := w.cursor.SetCursor(ctx, depositCursor, block); err != nil {
			return fmt.Errorf("deposits: store cursor: %w", err)
		}
	}
	w.logger.Info("ledger bootstrapped from contract", "block", block, "accounts", len(clients))
	return nil
}

// Poll applies deposits mined since the last scan. The cursor only advances
// once every deposit in range has been applied.
func (w *DepositWatcher) Poll(ctx context.Context) error {
	to, ok, err := w.head(ctx)
	if err != nil || !ok {
		return err
	}
	var from uint64
	if w.cursor != nil {
		last, err := w.cursor.Cursor(ctx, depositCursor)
		if err != nil {
			return err
		}
		from = last + 1
	}
	if from > to {
		return nil
	}
	deposits, err := w.chain.Deposits(ctx, w.provider, from, to)
	if err != nil {
		return fmt.Errorf("deposits: scan %d-%d: %w", from, to, err)
	}
	for _, d := range deposits {
		key := ledger.AccountKey{Provider: w.provider, Client: d.Client}
		err := w.ledger.TopUp(key, ledger.Deposit{ID: d.ID, Tokens: d.Tokens, Block: d.Block})
		switch {
		case err == nil:
			w.metrics.RecordDeposit("applied")
			w.logger.Info("deposit applied", "client", d.Client.String(), "tokens", d.Tokens, "block", d.Block)
		case errors.Is(err, wire.ErrDuplicateTopUp):
			w.metrics.RecordDeposit("duplicate")
		default:
			w.metrics.RecordDeposit("failed")
			return fmt.Errorf("deposits: apply %s: %w", d.ID, err)
		}
	}
	if w.cursor != nil {
		return w.cursor.SetCursor(ctx, depositCursor, to)
	}
	return nil
}

// Run polls until ctx ends.
func (w *DepositWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Warn("deposit poll failed", "error", err)
			}
		}
	}
}
