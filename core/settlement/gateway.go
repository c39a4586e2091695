// Package settlement submits proven claim batches to the contract and keeps
// the local ledger mirror consistent with whatever the contract decided.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"deopenchat/chain"
	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/wire"
	"deopenchat/observability"
	telemetry "deopenchat/observability/otel"
)

// Result labels how a submission ended.
type Result string

const (
	ResultAccepted   Result = "accepted"
	ResultRejected   Result = "rejected"
	ResultRecovered  Result = "recovered"
	ResultIndefinite Result = "indefinite"
)

// Outcome describes a finished submission. Reason holds the contract's
// rejection when Accepted is false.
type Outcome struct {
	BatchID  uuid.UUID
	Result   Result
	Accepted bool
	Claims   []wire.Claim
	Tokens   uint64
	TxHash   common.Hash
	Block    uint64
	Payout   *big.Int
	Reason   error
	Duration time.Duration
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithTimeout bounds a single claim transaction. Defaults to five minutes.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics records submissions on m.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithMeter records OpenTelemetry instruments on meter instead of the
// global provider's.
func WithMeter(meter metric.Meter) Option {
	return func(g *Gateway) { g.meter = meter }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// Gateway serialises settlements of one provider.
type Gateway struct {
	ledger   *ledger.Ledger
	chain    chain.Ledger
	provider common.Address
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.GatewayMetrics
	tracer   trace.Tracer
	meter    metric.Meter
	inst     *instruments

	mu sync.Mutex
}

// New constructs a gateway submitting on behalf of provider through c.
func New(l *ledger.Ledger, c chain.Ledger, provider common.Address, opts ...Option) *Gateway {
	g := &Gateway{ledger: l, chain: c, provider: provider, timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tracer == nil {
		g.tracer = telemetry.Tracer(meterName)
	}
	if g.meter == nil {
		g.meter = telemetry.Meter(meterName)
	}
	g.inst = newInstruments(g.meter)
	return g
}

func rejection(err error) bool {
	return errors.Is(err, wire.ErrProofRejected) ||
		errors.Is(err, wire.ErrSequenceConflict) ||
		errors.Is(err, wire.ErrInsufficientTokens)
}

// Submit files batch with the contract. A contract rejection is reported in
// the outcome with a nil error and leaves the pending rounds in place for a
// retry. When the transaction result is unknown the accounts are re-read;
// the batch counts as accepted only if the contract advanced past every
// claim, otherwise the fences are lifted and the error returned.
func (g *Gateway) Submit(ctx context.Context, batch *claims.Batch) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, span := g.tracer.Start(ctx, "settlement.submit", trace.WithAttributes(
		attribute.String("batch.id", batch.ID.String()),
		attribute.Int("batch.claims", len(batch.Claims)),
		attribute.Int64("batch.tokens", int64(batch.TokensConsumed())),
	))
	defer span.End()

	start := time.Now()
	out := Outcome{BatchID: batch.ID, Claims: batch.Claims, Tokens: batch.TokensConsumed(), Payout: new(big.Int)}
	finish := func(result Result, err error) (Outcome, error) {
		out.Result = result
		out.Duration = time.Since(start)
		g.metrics.RecordSettlement(string(result), len(batch.Claims), out.Payout, out.Duration)
		g.inst.record(ctx, out)
		span.SetAttributes(attribute.String("settlement.result", string(result)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}

	txCtx, cancel := context.WithTimeout(ctx, g.timeout)
	receipt, err := g.chain.Claim(txCtx, batch.Claims, batch.Seal)
	cancel()

	switch {
	case err == nil:
		out.Accepted = true
		out.TxHash = receipt.TxHash
		out.Block = receipt.Block
		if receipt.Payout != nil {
			out.Payout = receipt.Payout
		}
		if err := g.ledger.SettleBatch(g.provider, batch.Claims); err != nil {
			g.logger.Warn("mirror disagrees with settlement, re-reading accounts", "batch", batch.ID.String(), "error", err)
			g.refresh(ctx, batch.Keys)
		}
		g.logger.Info("batch settled", "batch", batch.ID.String(), "tx", receipt.TxHash.Hex(),
			"claims", len(batch.Claims), "tokens", out.Tokens, "payout", out.Payout.String())
		return finish(ResultAccepted, nil)

	case rejection(err):
		out.Reason = err
		if errors.Is(err, wire.ErrProofRejected) {
			g.ledger.Release(batch.Keys...)
		} else {
			// The mirror was stale; adopt the contract's view before a retry.
			g.refresh(ctx, batch.Keys)
		}
		g.logger.Warn("batch rejected", "batch", batch.ID.String(), "reason", err.Error())
		return finish(ResultRejected, nil)

	default:
		g.logger.Warn("settlement result unknown, reconciling", "batch", batch.ID.String(), "error", err)
		statuses := g.refresh(ctx, batch.Keys)
		for _, c := range batch.Claims {
			st, ok := statuses[c.ClientPK]
			if !ok || st.Seq < c.LastSeq() {
				if !errors.Is(err, wire.ErrTimeout) && errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("%w: %v", wire.ErrTimeout, err)
				}
				return finish(ResultIndefinite, fmt.Errorf("settlement: batch %s: %w", batch.ID, err))
			}
		}
		out.Accepted = true
		out.Payout = g.expectedPayout(ctx, out.Tokens)
		g.logger.Info("batch found settled on reconciliation", "batch", batch.ID.String())
		return finish(ResultRecovered, nil)
	}
}

// refresh re-reads every key from the contract at one block and adopts it
// as the mirror's authoritative view. Keys whose status cannot be read are
// released unchanged.
func (g *Gateway) refresh(ctx context.Context, keys []ledger.AccountKey) map[wire.PublicKey]chain.AccountStatus {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	out := make(map[wire.PublicKey]chain.AccountStatus, len(keys))
	block, err := g.chain.BlockNumber(ctx)
	if err != nil {
		g.logger.Warn("read block number", "error", err)
		g.ledger.Release(keys...)
		return out
	}
	for _, key := range keys {
		st, err := g.chain.ViewStatusAt(ctx, key.Provider, key.Client, block)
		if err == nil {
			err = g.ledger.Reconcile(key, st.Seq, st.RemainingTokens, block)
		}
		if err != nil {
			g.logger.Warn("reconcile account", "account", key.String(), "error", err)
			g.ledger.Release(key)
			continue
		}
		out[key.Client] = st
	}
	return out
}

func (g *Gateway) expectedPayout(ctx context.Context, tokens uint64) *big.Int {
	rec, err := g.chain.GetProvider(context.WithoutCancel(ctx), g.provider)
	if err != nil {
		return new(big.Int)
	}
	return chain.Payout(rec.CostPerKTokens, tokens)
}
