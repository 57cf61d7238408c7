package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newEntry(bundle byte) *inflight {
	return &inflight{
		bundleID: [4]byte{bundle},
		done:     make(chan struct{}),
		cancel:   make(chan struct{}),
	}
}

func TestAwaitingAckMapPreservesInsertionOrder(t *testing.T) {
	m := newAwaitingAckMap()
	m.put("a", newEntry(1))
	m.put("b", newEntry(1))
	m.put("c", newEntry(2))

	k, _, ok := m.head()
	require.True(t, ok)
	require.Equal(t, "a", k)

	m.delete("a")
	k, _, ok = m.head()
	require.True(t, ok)
	require.Equal(t, "b", k)
	require.Equal(t, 2, m.len())
}

func TestAwaitingAckMapTakeIsExclusive(t *testing.T) {
	m := newAwaitingAckMap()
	e := newEntry(1)
	m.put("a", e)

	got, ok := m.take("a")
	require.True(t, ok)
	require.Same(t, e, got)

	_, ok = m.take("a")
	require.False(t, ok)
	require.Equal(t, 0, m.len())
}

func TestAwaitingAckMapClearBundleCancelsSiblingsOnly(t *testing.T) {
	m := newAwaitingAckMap()
	a, b, other := newEntry(1), newEntry(1), newEntry(2)
	m.put("a", a)
	m.put("b", b)
	m.put("other", other)

	require.Equal(t, 2, m.clearBundle([4]byte{1}))
	require.Equal(t, 1, m.len())

	select {
	case <-a.cancel:
	default:
		t.Fatal("cleared entry a not cancelled")
	}
	select {
	case <-b.cancel:
	default:
		t.Fatal("cleared entry b not cancelled")
	}
	select {
	case <-other.cancel:
		t.Fatal("unrelated bundle entry was cancelled")
	default:
	}

	k, _, ok := m.head()
	require.True(t, ok)
	require.Equal(t, "other", k)
}
