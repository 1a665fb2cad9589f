package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvloop/kvloop/object"
)

func TestAddRejectsDuplicate(t *testing.T) {
	d := New(0)
	require.NoError(t, d.Add("k", object.NewStringObject([]byte("v")), 1000))
	err := d.Add("k", object.NewStringObject([]byte("v2")), 1000)
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestAddAllowsReplacingExpiredKey(t *testing.T) {
	d := New(0)
	require.NoError(t, d.Add("k", object.NewStringObject([]byte("v")), 1000))
	require.True(t, d.SetExpire("k", 1500))
	require.NoError(t, d.Add("k", object.NewStringObject([]byte("v2")), 2000))

	o, ok := d.LookupRead("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), o.String.Bytes())
}

func TestLookupWriteLazilyExpires(t *testing.T) {
	d := New(0)
	require.NoError(t, d.Add("k", object.NewStringObject([]byte("v")), 1000))
	require.True(t, d.SetExpire("k", 1500))

	o, expired := d.LookupWrite("k", 2000)
	require.Nil(t, o)
	require.True(t, expired)
	require.Equal(t, 0, d.Size())
}

func TestOverwriteRequiresExistingKey(t *testing.T) {
	d := New(0)
	err := d.Overwrite("missing", object.NewStringObject([]byte("v")), 1000)
	require.ErrorIs(t, err, ErrNoSuchKey)
}

func TestSetClearsExpire(t *testing.T) {
	d := New(0)
	require.NoError(t, d.Add("k", object.NewStringObject([]byte("v")), 1000))
	require.True(t, d.SetExpire("k", 1500))
	d.Set("k", object.NewStringObject([]byte("v2")))
	_, ok := d.GetExpire("k")
	require.False(t, ok)
}

func TestWatchSignalsOnlyRegisteredSessions(t *testing.T) {
	d := New(0)
	d.Watch("k", 1)
	d.Watch("k", 2)
	d.Unwatch("k", 2)
	ids := d.SignalModifiedKey("k")
	require.ElementsMatch(t, []uint64{1}, ids)
}

func TestBlockOnAndSignalListAsReady(t *testing.T) {
	d := New(0)
	d.BlockOn("k", BlockedWaiter{SessionID: 7})
	waiters := d.SignalListAsReady("k")
	require.Len(t, waiters, 1)
	require.Equal(t, uint64(7), waiters[0].SessionID)

	ready := d.DrainReadyKeys()
	require.Equal(t, []string{"k"}, ready)
	require.Empty(t, d.DrainReadyKeys())
}

func TestPublishReachesSubscribers(t *testing.T) {
	d := New(0)
	d.Subscribe("ch", 1)
	d.Subscribe("ch", 2)
	recv := d.Publish("ch")
	require.ElementsMatch(t, []uint64{1, 2}, recv)
	require.Equal(t, 2, d.NumSub("ch"))
}

func TestEvictOneVolatileTTLPicksEarliestDeadline(t *testing.T) {
	d := New(0)
	require.NoError(t, d.Add("a", object.NewStringObject([]byte("1")), 0))
	require.NoError(t, d.Add("b", object.NewStringObject([]byte("2")), 0))
	d.SetExpire("a", 5000)
	d.SetExpire("b", 1000)

	victim, ok := d.EvictOne(PolicyVolatileTTL, 10)
	require.True(t, ok)
	require.Equal(t, "b", victim)
}

func TestPatternSubscribersRoundTrip(t *testing.T) {
	d := New(0)
	d.PSubscribe("news.*", 1)
	d.PSubscribe("news.*", 2)
	d.PSubscribe("sports.*", 3)
	require.Equal(t, 2, d.NumPat())

	subs := d.PatternSubscribers()
	require.ElementsMatch(t, []uint64{1, 2}, subs["news.*"])
	require.ElementsMatch(t, []uint64{3}, subs["sports.*"])

	d.PUnsubscribe("news.*", 1)
	d.PUnsubscribe("news.*", 2)
	require.Equal(t, 1, d.NumPat())
	require.Nil(t, d.PatternSubscribers()["news.*"])
}

func TestUsedMemoryTracksSetAndDelete(t *testing.T) {
	d := New(0)
	require.Zero(t, d.UsedMemory())

	d.Set("k", object.NewStringObject([]byte("hello")))
	afterSet := d.UsedMemory()
	require.Positive(t, afterSet)

	// Overwriting re-accounts instead of double-counting.
	d.Set("k", object.NewStringObject([]byte("hello")))
	require.Equal(t, afterSet, d.UsedMemory())

	require.True(t, d.Delete("k"))
	require.Zero(t, d.UsedMemory())
}

func TestUsedMemoryReaccountsInPlaceGrowth(t *testing.T) {
	d := New(0)
	lv := object.NewList()
	d.Set("l", &object.Object{Type: object.TypeList, List: lv})
	before := d.UsedMemory()

	lv.PushRight([]byte("abcdefgh"))
	require.Equal(t, before, d.UsedMemory())
	d.Reaccount("l")
	require.Greater(t, d.UsedMemory(), before)
}

func TestEmptyResetsUsedMemory(t *testing.T) {
	d := New(0)
	d.Set("a", object.NewStringObject([]byte("1")))
	d.Set("b", object.NewStringObject([]byte("2")))
	require.Equal(t, 2, d.Empty(nil))
	require.Zero(t, d.UsedMemory())
}

func TestRegistrySwapPreservesIDsButExchangesContents(t *testing.T) {
	r := NewRegistry(2)
	d0, _ := r.Get(0)
	d1, _ := r.Get(1)
	require.NoError(t, d0.Add("only-in-0", object.NewStringObject([]byte("x")), 0))

	require.NoError(t, r.Swap(0, 1))

	require.Equal(t, 0, d0.Size())
	require.Equal(t, 1, d1.Size())
	require.Equal(t, 0, d0.ID)
	require.Equal(t, 1, d1.ID)
}
