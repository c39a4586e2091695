package gateway_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"deopenchat/chain"
	"deopenchat/core/session"
	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/services/gateway"
	"deopenchat/services/gateway/api"
	"deopenchat/storage"
	"deopenchat/zk"
)

const adminSecret = "test-admin-secret"

var (
	imageID     = common.HexToHash("0x1a6e")
	payerWallet = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func testConfig() gateway.Config {
	return gateway.Config{
		Provider: gateway.ProviderConfig{Endpoint: "http://sp.test", Model: "echo", CostPerKTokens: "10"},
		Session:  gateway.SessionConfig{RoundTimeout: gateway.Duration{Duration: 5 * time.Second}},
		Settlement: gateway.SettlementConfig{
			HighWaterTokens:     1_000_000,
			PollInterval:        gateway.Duration{Duration: time.Hour},
			SubmitTimeout:       gateway.Duration{Duration: 10 * time.Second},
			DepositPollInterval: gateway.Duration{Duration: time.Hour},
		},
		Admin:     gateway.AdminConfig{HMACSecret: adminSecret},
		RateLimit: gateway.RateLimitConfig{RequestsPerMinute: 60_000, Burst: 1000},
	}
}

func adminToken(t *testing.T, scope string, ttl time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": scope,
		"exp":   time.Now().Add(ttl).Unix(),
	}).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return token
}

type harness struct {
	mem    *chain.Memory
	wallet *crypto.PrivateKey
	node   *gateway.Node
	audit  *gateway.AuditStore
	srv    *httptest.Server
	api    *api.Client
}

// newHarness registers a provider charging 10 wei per ktoken on an
// in-process contract and funds every client key with ktokens before the
// node bootstraps.
func newHarness(t *testing.T, cfg gateway.Config, ktokens uint32, clients ...*crypto.ClientKey) *harness {
	t.Helper()
	ctx := context.Background()
	sealer, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	wallet, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	mem := chain.NewMemory(zk.NewDevVerifier(sealer.PublicKey()), imageID)
	mem.Fund(payerWallet, big.NewInt(1_000_000_000))
	_, err = mem.As(wallet.Address()).ProviderRegister(ctx, big.NewInt(10), cfg.Provider.Endpoint, cfg.Provider.Model)
	require.NoError(t, err)
	h := &harness{mem: mem, wallet: wallet}
	for _, c := range clients {
		h.fund(t, c.PublicKey(), ktokens)
	}

	audit, err := gateway.OpenAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	node, err := gateway.NewNode(ctx, cfg, gateway.NodeDeps{
		Chain:   mem.As(wallet.Address()),
		Wallet:  wallet,
		Prover:  zk.NewDevProver(sealer),
		Backend: gateway.EchoBackend{},
		DB:      storage.NewMemDB(),
		Audit:   audit,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)
	client, err := api.NewClient(srv.URL, api.WithAdminToken(adminToken(t, gateway.ScopeAdmin, time.Hour)))
	require.NoError(t, err)
	h.node, h.audit, h.srv, h.api = node, audit, srv, client
	return h
}

func (h *harness) fund(t *testing.T, pk wire.PublicKey, ktokens uint32) {
	t.Helper()
	_, err := h.mem.As(payerWallet).FetchTokens(context.Background(), h.wallet.Address(), ktokens, pk, chain.Cost(big.NewInt(10), ktokens))
	require.NoError(t, err)
}

func (h *harness) chainStatus(t *testing.T, pk wire.PublicKey) chain.AccountStatus {
	t.Helper()
	st, err := h.mem.As(payerWallet).ViewStatus(context.Background(), h.wallet.Address(), pk)
	require.NoError(t, err)
	return st
}

func (h *harness) client(t *testing.T, key *crypto.ClientKey) *session.Client {
	t.Helper()
	c := session.NewClient(key, h.api, session.WithProviderAddress(h.wallet.Address()), session.WithClientTimeout(10*time.Second))
	require.NoError(t, c.Sync(context.Background()))
	return c
}

func TestRoundsSettleEndToEnd(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	h := newHarness(t, testConfig(), 5, key)
	c := h.client(t, key)

	seq, remaining := c.Account()
	require.Zero(t, seq)
	require.Equal(t, uint64(5000), remaining)

	res, err := c.Do(ctx, []byte("hello there world"), 100)
	require.NoError(t, err)
	require.Equal(t, uint32(1), res.Seq)
	require.Equal(t, []byte("hello there world"), res.Response.Result)
	require.Equal(t, uint64(6), res.Response.TokensConsumed())

	_, err = c.Do(ctx, []byte("again"), 100)
	require.NoError(t, err)

	gotSeq, gotRemaining, err := h.api.Seq(ctx, key.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint32(2), gotSeq)
	require.Equal(t, uint64(5000-8), gotRemaining)
	require.Equal(t, chain.AccountStatus{RemainingTokens: 5000}, h.chainStatus(t, key.PublicKey()))

	out, err := h.api.Settle(ctx)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, "accepted", out.Result)
	require.Equal(t, uint64(8), out.Tokens)
	require.Equal(t, []wire.Claim{{ClientPK: key.PublicKey(), Seq: 1, Rounds: 2, TokensConsumed: 8}}, out.Claims)
	require.Equal(t, chain.AccountStatus{RemainingTokens: 4992, Seq: 2}, h.chainStatus(t, key.PublicKey()))

	out, err = h.api.Settle(ctx)
	require.NoError(t, err)
	require.Equal(t, "nothing_to_settle", out.Result)

	records, err := h.audit.Settlements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Accepted)
	require.Equal(t, uint64(8), records[0].Tokens)

	// the next round continues from the settled seq
	res, err = c.Do(ctx, []byte("third"), 100)
	require.NoError(t, err)
	require.Equal(t, uint32(3), res.Seq)
}

func TestProviderErrorsMapOntoSentinels(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	broke, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	h := newHarness(t, testConfig(), 1, key)

	c := h.client(t, broke)
	c.SetAccount(0, 500)
	_, err = c.Do(ctx, []byte("free lunch"), 100)
	require.ErrorIs(t, err, wire.ErrInsufficientTokens)

	c = h.client(t, key)
	c.SetAccount(7, 1000)
	_, err = c.Do(ctx, []byte("skip ahead"), 100)
	require.ErrorIs(t, err, wire.ErrSequenceConflict)
	seq, remaining := c.Account()
	require.Zero(t, seq, "client resynchronises after a conflict")
	require.Equal(t, uint64(1000), remaining)

	_, err = c.Do(ctx, []byte("now in order"), 100)
	require.NoError(t, err)
}

func TestConfirmationWithoutRoundIsConflict(t *testing.T) {
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	h := newHarness(t, testConfig(), 1, key)

	err = h.api.Confirm(context.Background(), key.PublicKey(), wire.Confirmation{Seq: 1, Signature: key.Sign([]byte("nothing"))})
	require.ErrorIs(t, err, wire.ErrSequenceConflict)
}

func TestSeqFallsBackToContract(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), 0)
	late, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	h.fund(t, late.PublicKey(), 3)

	seq, remaining, err := h.api.Seq(ctx, late.PublicKey())
	require.NoError(t, err)
	require.Zero(t, seq)
	require.Equal(t, uint64(3000), remaining)

	require.NoError(t, h.node.PollDeposits(ctx))
	c := h.client(t, late)
	_, err = c.Do(ctx, []byte("hi"), 10)
	require.NoError(t, err)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, testConfig(), 0)

	resp, err := http.Post(h.srv.URL+"/admin/settle", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "read", time.Hour))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+adminToken(t, gateway.ScopeAdmin, time.Hour))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Provider  string `json:"provider"`
		HighWater uint64 `json:"high_water_tokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, h.node.Address().Hex(), status.Provider)
	require.Equal(t, uint64(1_000_000), status.HighWater)
}

func TestSettleIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	h := newHarness(t, testConfig(), 2, key)
	_, err = h.client(t, key).Do(ctx, []byte("one two"), 50)
	require.NoError(t, err)

	settle := func() (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/admin/settle", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+adminToken(t, gateway.ScopeAdmin, time.Hour))
		req.Header.Set(gateway.HeaderIdempotencyKey, "settle-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}
	first, firstBody := settle()
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, "accepted", firstBody["result"])

	second, secondBody := settle()
	require.Equal(t, "true", second.Header.Get("Idempotent-Replay"))
	require.Equal(t, firstBody, secondBody)

	records, err := h.audit.Settlements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestCommitterSettlesAtHighWater(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Settlement.HighWaterTokens = 10
	h := newHarness(t, cfg, 5, key)
	go func() { _ = h.node.Committer().Run(ctx) }()

	c := h.client(t, key)
	_, err = c.Do(ctx, []byte("a b"), 50)
	require.NoError(t, err)
	require.Equal(t, uint64(4), h.node.Committer().PendingTokens())
	require.Equal(t, chain.AccountStatus{RemainingTokens: 5000}, h.chainStatus(t, key.PublicKey()))

	_, err = c.Do(ctx, []byte("c d e f"), 50)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.chainStatus(t, key.PublicKey()) == chain.AccountStatus{RemainingTokens: 4988, Seq: 2}
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.node.Committer().PendingTokens() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDevFaucetFundsThroughAdmin(t *testing.T) {
	ctx := context.Background()
	sealer, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	wallet, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	mem := chain.NewMemory(zk.NewDevVerifier(sealer.PublicKey()), imageID)
	mem.Fund(payerWallet, big.NewInt(1_000_000))
	provider := mem.As(wallet.Address())

	faucet := func(ctx context.Context, client wire.PublicKey, ktokens uint32) (chain.Receipt, error) {
		return mem.As(payerWallet).FetchTokens(ctx, wallet.Address(), ktokens, client, chain.Cost(big.NewInt(10), ktokens))
	}
	node, err := gateway.NewNode(ctx, testConfig(), gateway.NodeDeps{
		Chain:   provider,
		Wallet:  wallet,
		Prover:  zk.NewDevProver(sealer),
		Backend: gateway.EchoBackend{},
		Faucet:  faucet,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(node.Handler())
	defer srv.Close()
	admin, err := api.NewClient(srv.URL, api.WithAdminToken(adminToken(t, gateway.ScopeAdmin, time.Hour)))
	require.NoError(t, err)

	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	require.NoError(t, admin.Fund(ctx, key.PublicKey(), 2))
	require.NoError(t, node.PollDeposits(ctx))

	seq, remaining, err := admin.Seq(ctx, key.PublicKey())
	require.NoError(t, err)
	require.Zero(t, seq)
	require.Equal(t, uint64(2000), remaining)
}
