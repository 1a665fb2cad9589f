package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvloop/kvloop/object"
)

func TestSampleExpiredKeysDeletesPastDeadline(t *testing.T) {
	db := New(0)
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		db.Set(key, object.NewStringObject([]byte("v")))
		db.SetExpire(key, 1000)
	}
	sampled, expired := db.SampleExpiredKeys(2000, 100)
	require.Equal(t, 10, sampled)
	require.Equal(t, 10, expired)
	require.Equal(t, 0, db.Size())
}

func TestSampleExpiredKeysRespectsSampleSize(t *testing.T) {
	db := New(0)
	for i := 0; i < 50; i++ {
		key := string(rune('a' + i))
		db.Set(key, object.NewStringObject([]byte("v")))
		db.SetExpire(key, 1000)
	}
	sampled, _ := db.SampleExpiredKeys(2000, 5)
	require.Equal(t, 5, sampled)
}

func TestMaybeShrinkRebuildsAfterDrop(t *testing.T) {
	db := New(0)
	for i := 0; i < 200; i++ {
		key := string(rune(i))
		db.Set(key, object.NewStringObject([]byte("v")))
	}
	for i := 0; i < 190; i++ {
		key := string(rune(i))
		db.Delete(key)
	}
	require.True(t, db.MaybeShrink())
	require.Equal(t, 10, db.Size())
	require.False(t, db.MaybeShrink())
}

func TestMaybeShrinkNoopBelowMinimum(t *testing.T) {
	db := New(0)
	db.Set("k", object.NewStringObject([]byte("v")))
	db.Delete("k")
	require.False(t, db.MaybeShrink())
}
