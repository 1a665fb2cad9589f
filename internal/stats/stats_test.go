package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.IncrCommandsProcessed()
	c.IncrCommandsProcessed()
	c.AddEvictedKeys(3)

	snap := c.Snapshot()
	require.Equal(t, int64(2), snap.CommandsProcessed)
	require.Equal(t, int64(3), snap.EvictedKeys)
}

func TestSlowLogTrimsToMaxLen(t *testing.T) {
	l := NewSlowLog(2)
	l.Push(1, 100, [][]byte{[]byte("GET"), []byte("k")}, "127.0.0.1:1", 50)
	l.Push(2, 100, [][]byte{[]byte("GET"), []byte("k")}, "127.0.0.1:1", 50)
	l.Push(3, 100, [][]byte{[]byte("GET"), []byte("k")}, "127.0.0.1:1", 50)

	require.Equal(t, 2, l.Len())
	entries := l.Get(-1)
	require.Equal(t, int64(3), entries[0].ID)
	require.Equal(t, int64(2), entries[1].ID)
}

func TestSlowLogIgnoresBelowThreshold(t *testing.T) {
	l := NewSlowLog(10)
	l.Push(1, 10, nil, "", 50)
	require.Equal(t, 0, l.Len())
}

func TestSlowLogTruncatesArgs(t *testing.T) {
	l := NewSlowLog(10)
	big := make([]byte, 200)
	l.Push(1, 100, [][]byte{big}, "", 50)
	entries := l.Get(1)
	require.Len(t, entries[0].Args[0], maxLoggedArgLen)
}

func TestSlowLogResetClears(t *testing.T) {
	l := NewSlowLog(10)
	l.Push(1, 100, nil, "", 50)
	l.Reset()
	require.Equal(t, 0, l.Len())
}
