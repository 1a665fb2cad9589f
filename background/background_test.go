package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/object"
	"github.com/kvloop/kvloop/store"
)

func newTestLoop(t *testing.T, reg *store.Registry) (*Loop, *stats.Counters) {
	t.Helper()
	cfg := config.Default()
	st := &stats.Counters{}
	b, err := New(reg, cfg, st, logging.Nop())
	require.NoError(t, err)
	return b, st
}

func TestTickExpiresKeysAcrossDatabases(t *testing.T) {
	reg := store.NewRegistry(2)
	db0, err := reg.Get(0)
	require.NoError(t, err)
	db1, err := reg.Get(1)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		key := string(rune('a' + i))
		db0.Set(key, object.NewStringObject([]byte("v")))
		db0.SetExpire(key, 1)
		db1.Set(key, object.NewStringObject([]byte("v")))
		db1.SetExpire(key, 1)
	}

	time.Sleep(5 * time.Millisecond)

	b, st := newTestLoop(t, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for (db0.Size() > 0 || db1.Size() > 0) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, 0, db0.Size())
	require.Equal(t, 0, db1.Size())
	require.True(t, st.ExpiredKeys >= 60)
}

func TestTickAdvancesLRUClockAndRoundRobins(t *testing.T) {
	reg := store.NewRegistry(3)
	b, _ := newTestLoop(t, reg)

	b.tick()

	for i := 0; i < reg.Count(); i++ {
		db, err := reg.Get(i)
		require.NoError(t, err)
		require.Equal(t, uint32(1), db.LRUClock())
	}
}
