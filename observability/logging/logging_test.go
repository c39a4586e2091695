package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Setup("deopenchat-gateway", "dev", WithOutput(&buf), WithLevel("info"))
	logger.Debug("dropped")
	logger.Info("settled", "batch", "b1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "settled", line["message"])
	require.Equal(t, "deopenchat-gateway", line["service"])
	require.Equal(t, "dev", line["env"])
	require.Contains(t, line, "timestamp")

	buf.Reset()
	log.Print("legacy")
	require.Contains(t, buf.String(), `"service":"deopenchat-gateway"`)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("token", "abc").Value.String())
	require.Equal(t, "0x12…"+RedactedValue, MaskField("seed", "0x123456789abc").Value.String())
	require.Equal(t, "0xabc", MaskField("Client", "0xabc").Value.String())
	require.Equal(t, "", MaskField("seed", "").Value.String())
}

func TestSetupMirrorsToRotatedFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "gateway.log")
	var buf bytes.Buffer
	logger := Setup("deopenchat-bridge", "", WithOutput(&buf), WithFile(FileConfig{Path: path, MaxBackups: 1}))
	logger.Warn("provider unreachable")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "provider unreachable")
	require.Equal(t, buf.String(), string(raw))
}
