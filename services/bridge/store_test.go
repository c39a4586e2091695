package bridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"deopenchat/core/wire"
)

var (
	testProvider = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	testClient   = wire.PublicKey{1, 2, 3}
)

func TestStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenStateStore(path)
	require.NoError(t, err)

	_, ok, err := store.Load(testProvider, testClient)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Save(AccountSnapshot{Provider: testProvider, Client: testClient, Seq: 7, RemainingTokens: 900, UpdatedAt: at}))
	require.NoError(t, store.Close())

	store, err = OpenStateStore(path)
	require.NoError(t, err)
	defer store.Close()
	snap, ok, err := store.Load(testProvider, testClient)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), snap.Seq)
	require.Equal(t, uint64(900), snap.RemainingTokens)
	require.True(t, at.Equal(snap.UpdatedAt))

	_, ok, err = store.Load(common.HexToAddress("0x01"), testClient)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHistoryRecordsRounds(t *testing.T) {
	ctx := context.Background()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := uint32(1); i <= 3; i++ {
		resp := wire.Response{ClientPK: testClient, Seq: i, InputTokens: i, OutputTokens: 10 * i}
		require.NoError(t, h.Record(ctx, testProvider, resp, base.Add(time.Duration(i)*time.Second)))
	}
	// replays of a recorded seq are ignored
	require.NoError(t, h.Record(ctx, testProvider, wire.Response{ClientPK: testClient, Seq: 3, InputTokens: 99}, base))

	rows, err := h.Recent(ctx, testClient, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint32(3), rows[0].Seq)
	require.Equal(t, uint32(2), rows[1].Seq)
	require.Equal(t, testProvider.Hex(), rows[0].Provider)

	usage, err := h.Usage(ctx, testProvider, testClient)
	require.NoError(t, err)
	require.Equal(t, Usage{Rounds: 3, InputTokens: 6, OutputTokens: 60}, usage)

	usage, err = h.Usage(ctx, common.HexToAddress("0x02"), testClient)
	require.NoError(t, err)
	require.Zero(t, usage.Rounds)
}
