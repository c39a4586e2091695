package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/settlement"
	"deopenchat/observability"
	telemetry "deopenchat/observability/otel"
)

// OutcomeRecorder keeps a log of settlement outcomes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, out settlement.Outcome, err error) error
}

// Committer settles once the confirmed, unsettled tokens of the provider
// reach the high-water level. The level is checked on every commit and on a
// fixed interval.
type Committer struct {
	aggregator *claims.Aggregator
	gateway    *settlement.Gateway
	ledger     *ledger.Ledger
	provider   common.Address
	highWater  uint64
	interval   time.Duration
	recorder   OutcomeRecorder
	metrics    *observability.GatewayMetrics
	logger     *slog.Logger

	committedTokens metric.Int64Counter
	pendingTokens   metric.Int64Gauge

	wake chan struct{}
	mu   sync.Mutex
}

// CommitterConfig bundles the committer's collaborators.
type CommitterConfig struct {
	Aggregator *claims.Aggregator
	Gateway    *settlement.Gateway
	Ledger     *ledger.Ledger
	Provider   common.Address
	HighWater  uint64
	Interval   time.Duration
	Recorder   OutcomeRecorder
	Metrics    *observability.GatewayMetrics
	Meter      metric.Meter
	Logger     *slog.Logger
}

// NewCommitter constructs a committer.
func NewCommitter(cfg CommitterConfig) *Committer {
	c := &Committer{
		aggregator: cfg.Aggregator,
		gateway:    cfg.Gateway,
		ledger:     cfg.Ledger,
		provider:   cfg.Provider,
		highWater:  cfg.HighWater,
		interval:   cfg.Interval,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		wake:       make(chan struct{}, 1),
	}
	if c.interval <= 0 {
		c.interval = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = telemetry.Meter("deopenchat/gateway")
	}
	if err := c.initInstruments(meter); err != nil {
		c.logger.Warn("otel instruments unavailable", "error", err)
		_ = c.initInstruments(noop.NewMeterProvider().Meter("deopenchat/gateway"))
	}
	return c
}

func (c *Committer) initInstruments(meter metric.Meter) error {
	committed, err := meter.Int64Counter("deopenchat.gateway.committed_tokens",
		metric.WithDescription("Tokens of confirmed rounds added to the pending journal."), metric.WithUnit("{token}"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64Gauge("deopenchat.gateway.pending_tokens",
		metric.WithDescription("Confirmed tokens awaiting settlement."), metric.WithUnit("{token}"))
	if err != nil {
		return err
	}
	c.committedTokens, c.pendingTokens = committed, pending
	return nil
}

// OnCommit accounts for a round the ledger just accepted and wakes the loop.
func (c *Committer) OnCommit(_ ledger.AccountKey, round ledger.Round) {
	c.committedTokens.Add(context.Background(), int64(round.TokensConsumed))
	c.Notify()
}

// Notify asks the loop to re-check the high-water level. It never blocks.
func (c *Committer) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// PendingTokens sums the confirmed tokens awaiting settlement.
func (c *Committer) PendingTokens() uint64 {
	var total uint64
	for _, key := range c.ledger.Keys(c.provider) {
		if st, ok := c.ledger.Status(key); ok {
			total += st.PendingTokens
		}
	}
	c.metrics.SetPendingTokens(total)
	c.pendingTokens.Record(context.Background(), int64(total))
	return total
}

// Run drives the loop until ctx ends.
func (c *Committer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
		if c.PendingTokens() < c.highWater {
			continue
		}
		if _, err := c.Settle(ctx); err != nil && !errors.Is(err, claims.ErrNothingToSettle) {
			c.logger.Warn("settlement failed", "error", err)
		}
	}
}

// Settle builds, proves and submits one batch now. It returns
// claims.ErrNothingToSettle when no account has a claimable prefix.
func (c *Committer) Settle(ctx context.Context) (settlement.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, err := c.aggregator.Build(ctx)
	if err != nil {
		return settlement.Outcome{}, err
	}
	out, err := c.gateway.Submit(ctx, batch)
	if c.recorder != nil {
		if recErr := c.recorder.RecordOutcome(context.WithoutCancel(ctx), out, err); recErr != nil {
			c.logger.Warn("record settlement outcome", "batch", batch.ID.String(), "error", recErr)
		}
	}
	c.PendingTokens()
	return out, err
}
