package zk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/zk"
)

var imageID = common.HexToHash("0x5eed")

func signedRound(t *testing.T, key *crypto.ClientKey, seq uint32, in, out uint32) ledger.Round {
	t.Helper()
	req := wire.Request{ClientPK: key.PublicKey(), Seq: seq, MaxTokens: 1000, Content: []byte("q")}
	reqPayload := req.Encode()
	reqSig := key.Sign(reqPayload)
	resp := wire.Response{ClientPK: key.PublicKey(), Seq: seq, InputTokens: in, OutputTokens: out, Result: []byte("a")}
	respPayload := resp.Encode()
	conf := wire.Confirmation{Seq: seq, Signature: key.Sign(respPayload)}
	return ledger.Round{
		Seq:            seq,
		TokensConsumed: resp.TokensConsumed(),
		Request:        wire.Envelope{Payload: reqPayload, Signature: reqSig[:]},
		Response:       respPayload,
		Confirmation:   conf.Encode(),
	}
}

func proofRequest(batches ...claims.ClientRounds) claims.ProofRequest {
	var list []wire.Claim
	for _, b := range batches {
		list = append(list, b.Claim)
	}
	journal := wire.EncodeJournal(list)
	return claims.ProofRequest{ImageID: imageID, Batches: batches, Journal: journal, Digest: wire.JournalDigest(journal)}
}

func TestDevProverRoundTrip(t *testing.T) {
	client, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	sealer, err := crypto.GenerateClientKey()
	require.NoError(t, err)

	batch := claims.ClientRounds{
		Claim:  wire.Claim{ClientPK: client.PublicKey(), Seq: 3, Rounds: 2, TokensConsumed: 60},
		Rounds: []ledger.Round{signedRound(t, client, 3, 10, 20), signedRound(t, client, 4, 5, 25)},
	}
	req := proofRequest(batch)
	receipt, err := zk.NewDevProver(sealer).Prove(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, req.Journal, receipt.Journal)

	verifier := zk.NewDevVerifier(sealer.PublicKey())
	require.NoError(t, verifier.Verify(context.Background(), receipt.Seal, imageID, req.Digest))
	require.ErrorIs(t, verifier.Verify(context.Background(), receipt.Seal, common.HexToHash("0x01"), req.Digest), wire.ErrProofRejected)
	other := req.Digest
	other[0] ^= 1
	require.ErrorIs(t, verifier.Verify(context.Background(), receipt.Seal, imageID, other), wire.ErrProofRejected)
}

func TestExecuteRejectsBadEvidence(t *testing.T) {
	client, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	pk := client.PublicKey()

	good := signedRound(t, client, 1, 1, 2)
	_, err = zk.Execute(claims.ClientRounds{Claim: wire.Claim{ClientPK: pk, Seq: 1, Rounds: 1, TokensConsumed: 3}, Rounds: []ledger.Round{good}})
	require.NoError(t, err)

	overcharged := good
	overcharged.TokensConsumed = 4
	_, err = zk.Execute(claims.ClientRounds{Claim: wire.Claim{ClientPK: pk, Seq: 1, Rounds: 1, TokensConsumed: 4}, Rounds: []ledger.Round{overcharged}})
	require.ErrorIs(t, err, zk.ErrEvidence)

	forged := good
	forged.Confirmation = wire.Confirmation{Seq: 1, Signature: client.Sign([]byte("other"))}.Encode()
	_, err = zk.Execute(claims.ClientRounds{Claim: wire.Claim{ClientPK: pk, Seq: 1, Rounds: 1, TokensConsumed: 3}, Rounds: []ledger.Round{forged}})
	require.ErrorIs(t, err, wire.ErrInvalidSignature)

	gap := signedRound(t, client, 3, 1, 1)
	_, err = zk.Execute(claims.ClientRounds{Claim: wire.Claim{ClientPK: pk, Seq: 1, Rounds: 2, TokensConsumed: 5}, Rounds: []ledger.Round{good, gap}})
	require.ErrorIs(t, err, wire.ErrNonContiguousRounds)

	_, err = zk.Execute(claims.ClientRounds{Claim: wire.Claim{ClientPK: pk, Seq: 1, Rounds: 1, TokensConsumed: 99}, Rounds: []ledger.Round{good}})
	require.ErrorIs(t, err, zk.ErrEvidence)
}

func TestRemoteProver(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/prove", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"seal":    hexutil.Encode([]byte("seal")),
			"journal": hexutil.Encode([]byte("journal")),
		})
	}))
	defer srv.Close()

	prover, err := zk.NewRemoteProver(zk.RemoteConfig{BaseURL: srv.URL + "/", ProvePath: "v1/prove", Token: "secret"})
	require.NoError(t, err)
	client, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	req := proofRequest(claims.ClientRounds{
		Claim:  wire.Claim{ClientPK: client.PublicKey(), Seq: 1, Rounds: 1, TokensConsumed: 3},
		Rounds: []ledger.Round{signedRound(t, client, 1, 1, 2)},
	})
	receipt, err := prover.Prove(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []byte("seal"), receipt.Seal)
	require.Equal(t, []byte("journal"), receipt.Journal)
	require.Contains(t, got, "batches")
	require.JSONEq(t, `"`+hexutil.Encode(req.Journal)+`"`, string(got["journal"]))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"gpu unavailable"}`))
	}))
	defer failing.Close()
	prover, err = zk.NewRemoteProver(zk.RemoteConfig{BaseURL: failing.URL})
	require.NoError(t, err)
	_, err = prover.Prove(context.Background(), req)
	require.ErrorContains(t, err, "gpu unavailable")

	_, err = zk.NewRemoteProver(zk.RemoteConfig{})
	require.Error(t, err)
}
