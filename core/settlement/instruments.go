package settlement

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "deopenchat/settlement"

type instruments struct {
	batches  metric.Int64Counter
	tokens   metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter) *instruments {
	ins, err := buildInstruments(meter)
	if err != nil {
		ins, _ = buildInstruments(noop.NewMeterProvider().Meter(meterName))
	}
	return ins
}

func buildInstruments(meter metric.Meter) (*instruments, error) {
	batches, errBatches := meter.Int64Counter("deopenchat.settlement.batches",
		metric.WithDescription("Claim batches submitted to the contract, by result."))
	tokens, errTokens := meter.Int64Counter("deopenchat.settlement.tokens",
		metric.WithDescription("Tokens the contract settled."), metric.WithUnit("{token}"))
	duration, errDuration := meter.Float64Histogram("deopenchat.settlement.duration",
		metric.WithDescription("Time spent submitting one batch."), metric.WithUnit("s"))
	if err := errors.Join(errBatches, errTokens, errDuration); err != nil {
		return nil, err
	}
	return &instruments{batches: batches, tokens: tokens, duration: duration}, nil
}

func (i *instruments) record(ctx context.Context, out Outcome) {
	attrs := metric.WithAttributes(attribute.String("result", string(out.Result)))
	i.batches.Add(ctx, 1, attrs)
	if out.Accepted {
		i.tokens.Add(ctx, int64(out.Tokens))
	}
	i.duration.Record(ctx, out.Duration.Seconds(), attrs)
}
