package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"deopenchat/core/wire"
)

func TestClientRestoresWireErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/completions/confirm":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: wire.ErrSequenceConflict.Error() + ": stale", Code: string(wire.CodeSequenceConflict)})
		case "/admin/settle":
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		default:
			require.NotEmpty(t, r.Header.Get(HeaderClientKey))
			_ = json.NewEncoder(w).Encode(SeqResponse{Seq: 4, RemainingTokens: 900})
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", WithAdminToken("tok"))
	require.NoError(t, err)
	var pk wire.PublicKey
	pk[0] = 1

	seq, remaining, err := client.Seq(context.Background(), pk)
	require.NoError(t, err)
	require.Equal(t, uint32(4), seq)
	require.Equal(t, uint64(900), remaining)

	err = client.Confirm(context.Background(), pk, wire.Confirmation{Seq: 1})
	require.ErrorIs(t, err, wire.ErrSequenceConflict)
	require.Equal(t, wire.ErrSequenceConflict.Error()+": stale", err.Error())

	_, err = client.Settle(context.Background())
	require.ErrorContains(t, err, "status 418")

	_, err = NewClient(" ")
	require.Error(t, err)
}
