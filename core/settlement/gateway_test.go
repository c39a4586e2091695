package settlement_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"deopenchat/chain"
	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/settlement"
	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/zk"
)

var (
	imageID      = common.HexToHash("0x1a6e")
	providerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	clientWallet = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fixture struct {
	mem    *chain.Memory
	chain  chain.Ledger
	client *crypto.ClientKey
	key    ledger.AccountKey
	ledger *ledger.Ledger
	sealer *crypto.ClientKey
}

// newFixture funds a 5 ktoken account at a provider charging 10 wei per
// ktoken and mirrors the deposit in a fresh ledger.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	sealer, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	client, err := crypto.GenerateClientKey()
	require.NoError(t, err)

	mem := chain.NewMemory(zk.NewDevVerifier(sealer.PublicKey()), imageID)
	mem.Fund(clientWallet, big.NewInt(1_000_000))
	providerChain := mem.As(providerAddr)
	_, err = providerChain.ProviderRegister(ctx, big.NewInt(10), "http://sp.example", "llama")
	require.NoError(t, err)
	receipt, err := mem.As(clientWallet).FetchTokens(ctx, providerAddr, 5, client.PublicKey(), big.NewInt(50))
	require.NoError(t, err)

	l, err := ledger.New()
	require.NoError(t, err)
	key := ledger.AccountKey{Provider: providerAddr, Client: client.PublicKey()}
	deposits, err := providerChain.Deposits(ctx, providerAddr, 0, receipt.Block)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.NoError(t, l.TopUp(key, ledger.Deposit{ID: deposits[0].ID, Tokens: deposits[0].Tokens, Block: deposits[0].Block}))

	return &fixture{mem: mem, chain: providerChain, client: client, key: key, ledger: l, sealer: sealer}
}

func (f *fixture) commit(t *testing.T, seq uint32, in, out uint32) {
	t.Helper()
	pk := f.client.PublicKey()
	req := wire.Request{ClientPK: pk, Seq: seq, MaxTokens: 1000, Content: []byte("prompt")}
	reqPayload := req.Encode()
	reqSig := f.client.Sign(reqPayload)
	resp := wire.Response{ClientPK: pk, Seq: seq, InputTokens: in, OutputTokens: out, Result: []byte("answer")}
	respPayload := resp.Encode()
	conf := wire.Confirmation{Seq: seq, Signature: f.client.Sign(respPayload)}
	require.NoError(t, f.ledger.Commit(f.key, ledger.Round{
		Seq:            seq,
		TokensConsumed: resp.TokensConsumed(),
		Request:        wire.Envelope{Payload: reqPayload, Signature: reqSig[:]},
		Response:       respPayload,
		Confirmation:   conf.Encode(),
	}))
}

func (f *fixture) build(t *testing.T, prover claims.Prover) *claims.Batch {
	t.Helper()
	batch, err := claims.NewAggregator(f.ledger, providerAddr, prover, claims.WithImageID(imageID)).Build(context.Background())
	require.NoError(t, err)
	return batch
}

func (f *fixture) chainStatus(t *testing.T) chain.AccountStatus {
	t.Helper()
	st, err := f.chain.ViewStatus(context.Background(), providerAddr, f.client.PublicKey())
	require.NoError(t, err)
	return st
}

func TestSubmitSettlesAndRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, 1, 100, 500)
	f.commit(t, 2, 150, 250)

	batch := f.build(t, zk.NewDevProver(f.sealer))
	require.Equal(t, []wire.Claim{{ClientPK: f.client.PublicKey(), Seq: 1, Rounds: 2, TokensConsumed: 1000}}, batch.Claims)

	gw := settlement.New(f.ledger, f.chain, providerAddr)
	out, err := gw.Submit(ctx, batch)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, settlement.ResultAccepted, out.Result)
	require.Equal(t, int64(10), out.Payout.Int64())
	require.Equal(t, int64(10), f.mem.Balance(providerAddr).Int64())

	require.Equal(t, chain.AccountStatus{RemainingTokens: 4000, Seq: 2}, f.chainStatus(t))
	st, ok := f.ledger.Status(f.key)
	require.True(t, ok)
	require.Equal(t, uint32(2), st.Seq)
	require.Equal(t, uint64(4000), st.RemainingTokens)
	require.Zero(t, st.PendingRounds)
	require.False(t, st.Settling)

	out, err = gw.Submit(ctx, batch)
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.ErrorIs(t, out.Reason, wire.ErrSequenceConflict)
	require.Equal(t, chain.AccountStatus{RemainingTokens: 4000, Seq: 2}, f.chainStatus(t))
	st, _ = f.ledger.Status(f.key)
	require.Equal(t, uint32(2), st.Seq)
	require.Equal(t, uint64(4000), st.RemainingTokens)
}

func TestInvalidProofRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, 1, 10, 20)

	forger, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	batch := f.build(t, zk.NewDevProver(forger))

	out, err := settlement.New(f.ledger, f.chain, providerAddr).Submit(ctx, batch)
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, settlement.ResultRejected, out.Result)
	require.ErrorIs(t, out.Reason, wire.ErrProofRejected)
	require.Equal(t, chain.AccountStatus{RemainingTokens: 5000}, f.chainStatus(t))
	require.Zero(t, f.mem.Balance(providerAddr).Int64())

	st, _ := f.ledger.Status(f.key)
	require.Equal(t, 1, st.PendingRounds)
	require.False(t, st.Settling)

	// the fence is lifted, so the same rounds can be proven again
	batch = f.build(t, zk.NewDevProver(f.sealer))
	out, err = settlement.New(f.ledger, f.chain, providerAddr).Submit(ctx, batch)
	require.NoError(t, err)
	require.True(t, out.Accepted)
}

// lossyChain forwards everything but loses the claim transaction's result.
type lossyChain struct {
	chain.Ledger
	apply bool
	err   error
}

func (c lossyChain) Claim(ctx context.Context, list []wire.Claim, seal []byte) (chain.Receipt, error) {
	if c.apply {
		if _, err := c.Ledger.Claim(ctx, list, seal); err != nil {
			return chain.Receipt{}, err
		}
	}
	return chain.Receipt{}, c.err
}

func TestTimeoutReconcilesFromContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, 1, 500, 500)

	batch := f.build(t, zk.NewDevProver(f.sealer))
	out, err := settlement.New(f.ledger, lossyChain{Ledger: f.chain, apply: true, err: wire.ErrTimeout}, providerAddr).Submit(ctx, batch)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, settlement.ResultRecovered, out.Result)
	require.Equal(t, int64(10), out.Payout.Int64())

	st, _ := f.ledger.Status(f.key)
	require.Equal(t, uint32(1), st.Seq)
	require.Equal(t, uint64(4000), st.RemainingTokens)
	require.Zero(t, st.PendingRounds)
	require.False(t, st.Settling)
}

func TestTimeoutWithoutProgressKeepsRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, 1, 1, 1)

	batch := f.build(t, zk.NewDevProver(f.sealer))
	out, err := settlement.New(f.ledger, lossyChain{Ledger: f.chain, err: context.DeadlineExceeded}, providerAddr).Submit(ctx, batch)
	require.ErrorIs(t, err, wire.ErrTimeout)
	require.False(t, out.Accepted)
	require.Equal(t, settlement.ResultIndefinite, out.Result)

	st, _ := f.ledger.Status(f.key)
	require.Equal(t, 1, st.PendingRounds)
	require.Zero(t, st.Seq)
	require.Equal(t, uint64(5000), st.RemainingTokens)
	require.False(t, st.Settling)
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string][]metricdata.DataPoint[int64]{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum.DataPoints
			}
		}
	}
	return out
}

func TestSubmitRecordsInstruments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, 1, 100, 200)

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("settlement-test")
	gw := settlement.New(f.ledger, f.chain, providerAddr, settlement.WithMeter(meter))

	batch := f.build(t, zk.NewDevProver(f.sealer))
	out, err := gw.Submit(ctx, batch)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	_, err = gw.Submit(ctx, batch)
	require.NoError(t, err)

	sums := collectSums(t, reader)
	results := map[string]int64{}
	for _, dp := range sums["deopenchat.settlement.batches"] {
		v, ok := dp.Attributes.Value(attribute.Key("result"))
		require.True(t, ok)
		results[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"accepted": 1, "rejected": 1}, results)
	require.Len(t, sums["deopenchat.settlement.tokens"], 1)
	require.Equal(t, int64(300), sums["deopenchat.settlement.tokens"][0].Value)
}
