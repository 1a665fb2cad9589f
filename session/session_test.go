package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultiStagesAndReplays(t *testing.T) {
	s := New(1, 3, 0)
	require.Equal(t, StateNormal, s.State())

	s.BeginMulti()
	require.True(t, s.InMulti())
	require.True(t, s.Stage([][]byte{[]byte("SET"), []byte("k"), []byte("v")}))
	require.True(t, s.Stage([][]byte{[]byte("GET"), []byte("k")}))
	require.Len(t, s.Staged(), 2)

	s.EndMulti()
	require.Equal(t, StateNormal, s.State())
	require.Empty(t, s.Staged())
}

func TestStageOutsideMultiIsNoop(t *testing.T) {
	s := New(1, 3, 0)
	require.False(t, s.Stage([][]byte{[]byte("PING")}))
}

func TestBlockAndUnblockRoundTrip(t *testing.T) {
	s := New(1, 3, 0)
	s.Block(BlockState{DB: 0, Keys: []string{"q"}, Deadline: 1000})
	require.Equal(t, StateBlocked, s.State())
	require.Equal(t, []string{"q"}, s.BlockInfo().Keys)

	s.Unblock()
	require.Equal(t, StateNormal, s.State())
}

func TestSubscribeTransitionsAndReverts(t *testing.T) {
	s := New(1, 3, 0)
	s.Subscribe("ch")
	require.Equal(t, StateSubscribed, s.State())

	s.Unsubscribe("ch")
	require.Equal(t, StateNormal, s.State())
}

func TestFlagsAreIndependentBits(t *testing.T) {
	s := New(1, 3, 0)
	s.SetFlag(FlagDirtyCAS)
	require.True(t, s.HasFlag(FlagDirtyCAS))
	require.False(t, s.HasFlag(FlagPendingWrite))

	s.ClearFlag(FlagDirtyCAS)
	require.False(t, s.HasFlag(FlagDirtyCAS))
}

func TestOwnerWorkerMigration(t *testing.T) {
	s := New(1, 3, 2)
	require.Equal(t, 2, s.OwnerWorker())
	s.SetOwnerWorker(5)
	require.Equal(t, 5, s.OwnerWorker())
}

func TestWatchedKeysRoundTrip(t *testing.T) {
	s := New(1, 3, 0)
	s.Watch(0, "a")
	s.Watch(0, "b")
	keys := s.WatchedKeys()
	require.Len(t, keys, 2)

	s.ClearWatches()
	require.Empty(t, s.WatchedKeys())
}
