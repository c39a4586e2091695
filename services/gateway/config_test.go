package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Setenv("GATEWAY_TEST_ADMIN_SECRET", "s3cret")
	path := writeConfig(t, `
provider:
  endpoint: https://sp.example
  model: llama-3
  cost_per_ktokens: "2500"
backend:
  url: http://127.0.0.1:8000/v1/completions
  timeout: 45s
prover:
  url: http://prover:9000
admin:
  hmac_secret_env: GATEWAY_TEST_ADMIN_SECRET
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Listen)
	require.Equal(t, "s3cret", cfg.Admin.HMACSecret)
	require.Equal(t, 45*time.Second, cfg.Backend.Timeout.Duration)
	require.Equal(t, 30*time.Second, cfg.Session.RoundTimeout.Duration)
	require.Equal(t, uint64(100_000), cfg.Settlement.HighWaterTokens)
	require.Equal(t, filepath.Join("./gateway-data", "audit.db"), cfg.AuditDSN)
	cost, err := cfg.Provider.Cost()
	require.NoError(t, err)
	require.Equal(t, int64(2500), cost.Int64())
}

func TestLoadConfigNormalisesProviderModel(t *testing.T) {
	t.Setenv("GATEWAY_TEST_ADMIN_SECRET", "s3cret")
	path := writeConfig(t, `
provider:
  endpoint: " https://sp.example "
  model: " ｌｌａｍａ-３ "
  cost_per_ktokens: "2500"
backend:
  url: http://127.0.0.1:8000/v1/completions
prover:
  url: http://prover:9000
admin:
  hmac_secret_env: GATEWAY_TEST_ADMIN_SECRET
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "llama-3", cfg.Provider.Model)
	require.Equal(t, "https://sp.example", cfg.Provider.Endpoint)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
provider: {endpoint: x, cost_per_ktokens: "1"}
backend: {echo: true}
prover: {dev_seed: "00"}
admin: {hmac_secret: s}
surprise: true
`,
		"negative cost": `
provider: {endpoint: x, cost_per_ktokens: "-1"}
backend: {echo: true}
prover: {dev_seed: "00"}
admin: {hmac_secret: s}
`,
		"no backend": `
provider: {endpoint: x, cost_per_ktokens: "1"}
prover: {dev_seed: "00"}
admin: {hmac_secret: s}
`,
		"no prover": `
provider: {endpoint: x, cost_per_ktokens: "1"}
backend: {echo: true}
admin: {hmac_secret: s}
`,
		"no admin secret": `
provider: {endpoint: x, cost_per_ktokens: "1"}
backend: {echo: true}
prover: {dev_seed: "00"}
`,
		"bad duration": `
provider: {endpoint: x, cost_per_ktokens: "1"}
backend: {echo: true, timeout: soon}
prover: {dev_seed: "00"}
admin: {hmac_secret: s}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestResolveSecretSources(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))
	t.Setenv("GATEWAY_TEST_SECRET", "from-env")

	got, err := resolveSecret(" inline ", file, "GATEWAY_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "inline", got)

	got, err = resolveSecret("", file, "GATEWAY_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "from-file", got)

	got, err = resolveSecret("", "", "GATEWAY_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "from-env", got)

	_, err = resolveSecret("", "", "GATEWAY_TEST_UNSET_SECRET")
	require.Error(t, err)
}
