package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayCacheRejectsRepeatSignature(t *testing.T) {
	c := newReplayCache()
	sig := []byte("sig-1")

	require.True(t, c.checkNoRepeat(sig, 1000, 1000))
	require.False(t, c.checkNoRepeat(sig, 1000, 1000))
}

func TestReplayCacheRejectsStaleTimestamp(t *testing.T) {
	c := newReplayCache()
	require.False(t, c.checkNoRepeat([]byte("sig"), 0, 61))
}

func TestReplayCacheRejectsFutureTimestamp(t *testing.T) {
	c := newReplayCache()
	require.False(t, c.checkNoRepeat([]byte("sig"), 101, 100))
}

func TestReplayCacheDistinctSignaturesWithinWindow(t *testing.T) {
	c := newReplayCache()
	require.True(t, c.checkNoRepeat([]byte("a"), 1000, 1000))
	require.True(t, c.checkNoRepeat([]byte("b"), 1000, 1000))
}

func TestReplayCacheRememberedAcrossMinuteBoundary(t *testing.T) {
	c := newReplayCache()
	require.True(t, c.checkNoRepeat([]byte("a"), 0, 0))

	// One minute later, "a" is still within the trailing 60s window
	// (timestamp == now-60) and must still be rejected as a repeat,
	// even though the lead has flipped and a fresh bucket opened.
	require.False(t, c.checkNoRepeat([]byte("a"), 0, 60))

	// A new signature in the new lead is accepted normally.
	require.True(t, c.checkNoRepeat([]byte("b"), 60, 60))
}

func TestReplayCacheRejectsOnceOutsideWindow(t *testing.T) {
	c := newReplayCache()
	require.True(t, c.checkNoRepeat([]byte("a"), 0, 0))

	// Once the timestamp falls strictly outside [now-60, now], the
	// signature is rejected on the window check alone regardless of
	// whether its bucket entry has been cleared yet.
	require.False(t, c.checkNoRepeat([]byte("a"), 0, 61))
}
