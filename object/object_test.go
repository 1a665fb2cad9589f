package object

import "testing"

import "github.com/stretchr/testify/require"

func TestNewStringClassifiesInt(t *testing.T) {
	sv := NewString([]byte("123"))
	require.Equal(t, EncInt, sv.Encoding())
	n, ok := sv.Int64()
	require.True(t, ok)
	require.Equal(t, int64(123), n)
}

func TestNewStringRejectsNonCanonicalInt(t *testing.T) {
	sv := NewString([]byte("007"))
	require.Equal(t, EncEmbstr, sv.Encoding())
	_, ok := sv.Int64()
	require.False(t, ok)
}

func TestNewStringEmbstrVsRaw(t *testing.T) {
	small := NewString([]byte("hello"))
	require.Equal(t, EncEmbstr, small.Encoding())

	big := NewString(make([]byte, 45))
	require.Equal(t, EncRaw, big.Encoding())
}

func TestListPushPopRange(t *testing.T) {
	l := NewList()
	l.PushRight([]byte("a"), []byte("b"), []byte("c"))
	require.Equal(t, 3, l.Len())

	got := l.Range(0, -1)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)

	v, ok := l.PopLeft()
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
}

func TestSetOperations(t *testing.T) {
	a := NewSet()
	a.Add("x")
	a.Add("y")
	b := NewSet()
	b.Add("y")
	b.Add("z")

	require.ElementsMatch(t, []string{"y"}, a.Inter(b))
	require.ElementsMatch(t, []string{"x", "y", "z"}, a.Union(b))
	require.ElementsMatch(t, []string{"x"}, a.Diff(b))
}

func TestZSetRankAndRange(t *testing.T) {
	z := NewZSet()
	z.Add("a", 1)
	z.Add("b", 2)
	z.Add("c", 0)

	rank, ok := z.Rank("a")
	require.True(t, ok)
	require.Equal(t, 1, rank)

	members := z.Range(0, -1)
	require.Len(t, members, 3)
	require.Equal(t, "c", members[0].Member)
	require.Equal(t, "b", members[2].Member)
}

func TestHLLCountApproximatesCardinality(t *testing.T) {
	h := NewHLL()
	for i := 0; i < 10000; i++ {
		h.Add([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
	}
	count := h.Count()
	require.InEpsilon(t, 10000, float64(count), 0.1)
}

func TestApproxSizeGrowsWithPayload(t *testing.T) {
	small := NewStringObject([]byte("ab"))
	big := NewStringObject(make([]byte, 1024))
	require.Greater(t, big.ApproxSize(), small.ApproxSize())

	l := NewList()
	lo := &Object{Type: TypeList, List: l}
	empty := lo.ApproxSize()
	l.PushRight([]byte("payload"))
	require.Greater(t, lo.ApproxSize(), empty)
}

func TestHLLMergeTakesMax(t *testing.T) {
	a, b := NewHLL(), NewHLL()
	a.Add([]byte("one"))
	b.Add([]byte("two"))
	a.Merge(b)
	require.GreaterOrEqual(t, a.Count(), uint64(1))
}
