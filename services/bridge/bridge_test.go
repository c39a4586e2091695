package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"deopenchat/chain"
	"deopenchat/core/ledger"
	"deopenchat/core/session"
	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/services/bridge"
	"deopenchat/services/gateway/api"
	"deopenchat/zk"
)

var providerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")

// loopback serves rounds from an in-process provider and echoes the request
// content as the result.
type loopback struct {
	provider *session.Provider
	usage    session.Usage
	offline  bool
}

func (l *loopback) Request(ctx context.Context, _ wire.PublicKey, env wire.Envelope) (wire.Envelope, error) {
	req, err := wire.OpenRequest(env)
	if err != nil {
		return wire.Envelope{}, err
	}
	round, err := l.provider.BeginRound(ctx, req)
	if err != nil {
		return wire.Envelope{}, err
	}
	return l.provider.Respond(round, req.Request.Content, l.usage)
}

func (l *loopback) Confirm(ctx context.Context, pk wire.PublicKey, conf wire.Confirmation) error {
	return l.provider.OnConfirmation(ctx, pk, conf)
}

func (l *loopback) Seq(_ context.Context, pk wire.PublicKey) (uint32, uint64, error) {
	if l.offline {
		return 0, 0, errors.New("provider unreachable")
	}
	st, _ := l.provider.Status(pk)
	return st.LastSeq(), st.Available(), nil
}

type harness struct {
	key       *crypto.ClientKey
	transport *loopback
	stores    *bridge.Stores
	bridge    *bridge.Bridge
	server    *httptest.Server
}

func newHarness(t *testing.T, funded uint64) *harness {
	t.Helper()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	l, err := ledger.New()
	require.NoError(t, err)
	require.NoError(t, l.TopUp(ledger.AccountKey{Provider: providerAddr, Client: key.PublicKey()},
		ledger.Deposit{ID: "fund", Tokens: funded}))
	transport := &loopback{
		provider: session.NewProvider(l, providerAddr),
		usage:    session.Usage{InputTokens: 10, OutputTokens: 20},
	}
	stores, err := bridge.OpenStores(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	h := &harness{key: key, transport: transport, stores: stores}
	h.bridge = h.open(t, transport)
	h.server = httptest.NewServer(h.bridge.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) open(t *testing.T, transport session.Transport) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.Options{
		Provider:         providerAddr,
		Client:           session.NewClient(h.key, transport, session.WithClientTimeout(5*time.Second)),
		State:            h.stores.State,
		History:          h.stores.History,
		DefaultMaxTokens: 100,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	return b
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestBridgeProxiesRoundsAndPersists(t *testing.T) {
	h := newHarness(t, 5000)

	resp := h.post(t, "/v1/completions", `{"prompt":"hello","max_tokens":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(bridge.HeaderSeq))
	require.Equal(t, "10", resp.Header.Get(bridge.HeaderInputTokens))
	require.Equal(t, "20", resp.Header.Get(bridge.HeaderOutputTokens))
	require.Equal(t, "4970", resp.Header.Get(bridge.HeaderRemaining))
	var echoed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echoed))
	require.Equal(t, "hello", echoed["prompt"])

	resp = h.post(t, "/v1/completions?max_tokens=40", "plain text prompt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2", resp.Header.Get(bridge.HeaderSeq))
	require.Equal(t, "4940", resp.Header.Get(bridge.HeaderRemaining))

	st, err := h.bridge.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.Seq)
	require.Equal(t, uint64(4940), st.RemainingTokens)
	require.NotNil(t, st.Usage)
	require.Equal(t, bridge.Usage{Rounds: 2, InputTokens: 20, OutputTokens: 40}, *st.Usage)

	historyResp, err := http.Get(h.server.URL + "/v1/history?limit=1")
	require.NoError(t, err)
	defer historyResp.Body.Close()
	var rows []bridge.RoundRecord
	require.NoError(t, json.NewDecoder(historyResp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, uint32(2), rows[0].Seq)

	// A restart with the provider unreachable resumes from the snapshot.
	restarted := h.open(t, &loopback{provider: h.transport.provider, offline: true})
	st, err = restarted.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.Seq)
	require.Equal(t, uint64(4940), st.RemainingTokens)
}

func TestBridgeMapsRoundErrors(t *testing.T) {
	h := newHarness(t, 60)

	resp := h.post(t, "/v1/completions", `{"max_tokens":100}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, string(wire.CodeInsufficientTokens), body.Code)

	resp = h.post(t, "/v1/completions", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "/v1/completions?max_tokens=lots", "x")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := h.bridge.Complete(context.Background(), []byte("x"), 30)
	require.NoError(t, err)
	st, err := h.bridge.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(30), st.RemainingTokens)
}

func TestFetchTokensPaysRegisteredPrice(t *testing.T) {
	ctx := context.Background()
	sealer, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	client, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	payer := common.HexToAddress("0x00000000000000000000000000000000000000c2")

	mem := chain.NewMemory(zk.NewDevVerifier(sealer.PublicKey()), common.HexToHash("0x01"))
	mem.Fund(payer, big.NewInt(1_000))
	_, err = mem.As(providerAddr).ProviderRegister(ctx, big.NewInt(10), "http://sp.example", "llama")
	require.NoError(t, err)

	receipt, cost, err := bridge.FetchTokens(ctx, mem.As(payer), providerAddr, client.PublicKey(), 3)
	require.NoError(t, err)
	require.NotZero(t, receipt.Block)
	require.Equal(t, int64(30), cost.Int64())
	require.Equal(t, int64(970), mem.Balance(payer).Int64())
	st, err := mem.As(payer).ViewStatus(ctx, providerAddr, client.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(3000), st.RemainingTokens)

	_, _, err = bridge.FetchTokens(ctx, mem.As(payer), providerAddr, client.PublicKey(), 0)
	require.Error(t, err)

	endpoint, err := bridge.ResolveEndpoint(ctx, bridge.Config{Provider: bridge.ProviderConfig{Address: providerAddr.Hex()}}, mem.As(payer))
	require.NoError(t, err)
	require.Equal(t, "http://sp.example", endpoint)
	endpoint, err = bridge.ResolveEndpoint(ctx, bridge.Config{Provider: bridge.ProviderConfig{URL: "http://override"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "http://override", endpoint)

	providers, err := mem.As(payer).GetAllProviders(ctx)
	require.NoError(t, err)
	var out strings.Builder
	require.NoError(t, bridge.WriteProviders(&out, providers))
	require.Contains(t, out.String(), "COST_PER_KTOKENS")
	require.Contains(t, out.String(), providerAddr.Hex())
	require.Contains(t, out.String(), "llama")
}

func TestFormatWei(t *testing.T) {
	require.Equal(t, "0", bridge.FormatWei(nil))
	require.Equal(t, "0", bridge.FormatWei(big.NewInt(0)))
	require.Equal(t, "10", bridge.FormatWei(new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))))
	require.Equal(t, "1.5", bridge.FormatWei(big.NewInt(15e17)))
	require.Equal(t, "0.000000000000000001", bridge.FormatWei(big.NewInt(1)))
}

func TestStreamRunsOneRoundPerMessage(t *testing.T) {
	h := newHarness(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.server.URL, "http")+"/v1/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var reply bridge.StreamReply
	require.NoError(t, wsjson.Write(ctx, conn, bridge.StreamRequest{Content: "first", MaxTokens: 50}))
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Empty(t, reply.Error)
	require.Equal(t, uint32(1), reply.Seq)
	require.Equal(t, "first", reply.Result)
	require.Equal(t, uint64(70), reply.RemainingTokens)

	require.NoError(t, wsjson.Write(ctx, conn, bridge.StreamRequest{Content: "second", MaxTokens: 500}))
	reply = bridge.StreamReply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, string(wire.CodeInsufficientTokens), reply.Code)
	require.Equal(t, uint64(70), reply.RemainingTokens)

	require.NoError(t, wsjson.Write(ctx, conn, bridge.StreamRequest{Content: "third", MaxTokens: 40}))
	reply = bridge.StreamReply{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, uint32(2), reply.Seq)
	require.Equal(t, uint64(40), reply.RemainingTokens)
}
