package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvloop/kvloop/store"
)

func TestDefaultValues(t *testing.T) {
	c := Default()
	require.Equal(t, 6, c.Databases)
	require.Equal(t, 55555, c.Port)
	require.Equal(t, 10000, c.MaxClients)
	require.Equal(t, store.PolicyNoEviction, c.MaxMemoryPolicy)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c := Default()
	require.True(t, c.Set("maxmemory", "1048576"))
	v, ok := c.Get("maxmemory")
	require.True(t, ok)
	require.Equal(t, "1048576", v)
}

func TestSetRejectsUnknownOption(t *testing.T) {
	c := Default()
	require.False(t, c.Set("not-a-real-option", "x"))
}

func TestSetRejectsBadPolicy(t *testing.T) {
	c := Default()
	require.False(t, c.Set("maxmemory-policy", "not-a-policy"))
}

func TestLoadFileOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvloopd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 7000
maxmemory-policy = "allkeys-lru"
bind = ["127.0.0.1"]
`), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 7000, c.Port)
	require.Equal(t, store.PolicyAllKeysLRU, c.MaxMemoryPolicy)
	require.Equal(t, []string{"127.0.0.1"}, c.Bind)
	require.Equal(t, 6, c.Databases) // untouched default
}
