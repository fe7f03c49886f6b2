package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	var buf bytes.Buffer
	logger := Setup("scrumvoted", "test", Options{Output: &buf, Level: "debug"})
	logger.Debug("mirror synced", "scope", "full")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "mirror synced", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "scrumvoted", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWritesRotatingFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	path := filepath.Join(t.TempDir(), "scrumvote.log")
	logger := Setup("scrumvoted", "", Options{Output: &bytes.Buffer{}, File: path, MaxSizeMB: 1})
	logger.Info("session ready")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "session ready")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("hmac_secret", "abc").Value.String())
	require.Equal(t, "0xb1", MaskField("account", "0xb1").Value.String())
	require.Equal(t, "", MaskField("passphrase", "").Value.String())
}

func TestMaskURL(t *testing.T) {
	require.Equal(t, "ws://127.0.0.1:8545", MaskURL("rpc_url", "ws://127.0.0.1:8545").Value.String())
	require.Equal(t, "wss://sepolia.infura.io/[REDACTED]", MaskURL("rpc_url", "wss://sepolia.infura.io/ws/v3/0123abcd").Value.String())
	require.Equal(t, "https://node.example/[REDACTED]", MaskURL("rpc_url", "https://user:pw@node.example?key=s3cr3t").Value.String())
	require.Equal(t, RedactedValue, MaskURL("rpc_url", "/var/run/geth.ipc").Value.String())
	require.Equal(t, "", MaskURL("rpc_url", "").Value.String())
}
