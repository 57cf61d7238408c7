package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchNormativeConstants(t *testing.T) {
	d := Defaults()
	require.Equal(t, 524288, d.Connection.MaxPayloadLen)
	require.Equal(t, 524288, d.Connection.MaxCompressionLen)
	require.Equal(t, 16, d.Connection.SuggestedMaxOutbox)
	require.Equal(t, 3, d.Connection.MaxSendRetries)
	require.Equal(t, 11, d.Connection.MaxReconnectRetries)
}

func TestLoadMergesOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connection:\n  max_send_retries: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Connection.MaxSendRetries)
	require.Equal(t, 524288, cfg.Connection.MaxPayloadLen)
}
