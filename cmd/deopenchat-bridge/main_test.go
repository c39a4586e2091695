package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"deopenchat/core/wire"
	"deopenchat/crypto"
	"deopenchat/services/bridge"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.key")
	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)
	key, err := crypto.LoadClientKey(path)
	require.NoError(t, err)
	require.Contains(t, out, key.PublicKey().String())

	_, err = execute(t, "keygen", "--out", path)
	require.Error(t, err)
}

func TestHistoryPrintsRecordedRounds(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateClientKey()
	require.NoError(t, err)
	require.NoError(t, crypto.SaveClientKey(filepath.Join(dir, "client.key"), key))
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
state_dir: `+stateDir+`
provider:
  address: "0x00000000000000000000000000000000000000e1"
client:
  key_file: client.key
`), 0o600))

	stores, err := bridge.OpenStores(stateDir)
	require.NoError(t, err)
	provider := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	resp := wire.Response{ClientPK: key.PublicKey(), Seq: 4, InputTokens: 12, OutputTokens: 34}
	require.NoError(t, stores.History.Record(context.Background(), provider, resp, time.Now()))
	require.NoError(t, stores.Close())

	out, err := execute(t, "--config", cfgPath, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"4", "12", "34", provider.Hex()}, strings.Fields(lines[1])[:4])
}
