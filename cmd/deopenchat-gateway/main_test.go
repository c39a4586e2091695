package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testConfig = `
provider:
  endpoint: http://127.0.0.1:8090
  cost_per_ktokens: "10"
backend:
  echo: true
prover:
  dev_seed: "0x0101010101010101010101010101010101010101010101010101010101010101"
admin:
  hmac_secret: cli-secret
`

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

func TestAdminTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	out, err := execute(t, "--config", path, "admin-token", "--subject", "ops", "--ttl", "10m")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}

func TestInitWritesDevChain(t *testing.T) {
	t.Setenv("DEOPENCHAT_WALLET_PASSPHRASE", "correct horse")
	chainPath := filepath.Join(t.TempDir(), "chain.toml")

	out, err := execute(t, "init", "--chain-config", chainPath)
	require.NoError(t, err)
	require.Contains(t, out, "dev: true")
	require.FileExists(t, chainPath)
	require.FileExists(t, filepath.Join(filepath.Dir(chainPath), "wallet.keystore"))
}

func TestFundRejectsBadArguments(t *testing.T) {
	_, err := execute(t, "fund", "not-a-key", "5")
	require.Error(t, err)
}
