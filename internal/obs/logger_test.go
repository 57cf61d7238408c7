package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Info("should be dropped")
	require.Empty(t, buf.String())

	l.Warn("should appear")
	require.NotEmpty(t, buf.String())
}

func TestLoggerWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug).With(F("session", "abc"))
	l.Debug("hello", F("extra", 1))

	var e map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	fields := e["fields"].(map[string]any)
	require.Equal(t, "abc", fields["session"])
	require.EqualValues(t, 1, fields["extra"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
