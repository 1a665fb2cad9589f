// Package config implements the server's configuration: an
// authoritative, mutex-guarded Config plus the immutable per-loop
// Snapshot copied out of it once per second.
package config

import (
	"fmt"
	"sync"

	"github.com/kvloop/kvloop/store"
)

// MaxMemoryPolicy re-exports store.MaxMemoryPolicy so callers configuring
// the server don't need to import store directly just for the enum.
type MaxMemoryPolicy = store.MaxMemoryPolicy

// Config is the authoritative, mutable configuration, guarded by its own
// reader/writer lock. CONFIG SET mutates it; each loop's Snapshot is
// refreshed from it once a second, never read directly from the hot
// command path.
type Config struct {
	mu sync.RWMutex

	Databases int
	Bind      []string
	Port      int
	Threads   int

	MaxClients int

	MaxMemory        int64
	MaxMemoryPolicy  MaxMemoryPolicy
	MaxMemorySamples int

	SlowLogLogSlowerThan int64 // microseconds; negative disables
	SlowLogMaxLen        int

	RequirePass string
	AdminPass   string

	CommandsNeedAdminPass map[string]struct{}

	Dir string

	Hz int

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

// Default returns the server's built-in configuration defaults.
func Default() *Config {
	return &Config{
		Databases:             6,
		Bind:                  []string{"0.0.0.0"},
		Port:                  55555,
		Threads:               0, // 0 means "min(6, runtime.NumCPU()) at startup"
		MaxClients:            10000,
		MaxMemory:             0,
		MaxMemoryPolicy:       store.PolicyNoEviction,
		MaxMemorySamples:      5,
		SlowLogLogSlowerThan:  10000,
		SlowLogMaxLen:         128,
		CommandsNeedAdminPass: make(map[string]struct{}),
		Dir:                   ".",
		Hz:                    10,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Snapshot is the immutable, once-per-second-refreshed copy each loop
// actually reads from on its hot path.
type Snapshot struct {
	MaxClients            int
	MaxMemory             int64
	MaxMemoryPolicy       MaxMemoryPolicy
	MaxMemorySamples      int
	SlowLogLogSlowerThan  int64
	SlowLogMaxLen         int
	RequirePass           string
	AdminPass             string
	CommandsNeedAdminPass map[string]struct{}
	Hz                    int
}

// Snapshot copies out the hot fields under the read lock, cheap enough to
// call once per second per loop.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		MaxClients:            c.MaxClients,
		MaxMemory:             c.MaxMemory,
		MaxMemoryPolicy:       c.MaxMemoryPolicy,
		MaxMemorySamples:      c.MaxMemorySamples,
		SlowLogLogSlowerThan:  c.SlowLogLogSlowerThan,
		SlowLogMaxLen:         c.SlowLogMaxLen,
		RequirePass:           c.RequirePass,
		AdminPass:             c.AdminPass,
		CommandsNeedAdminPass: c.CommandsNeedAdminPass,
		Hz:                    c.Hz,
	}
}

// ListenAddrs returns the bind addresses and port the dispatcher should
// listen on. Read once at startup, not part of Snapshot since Bind/Port
// never change after the server starts listening.
func (c *Config) ListenAddrs() ([]string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Bind))
	copy(out, c.Bind)
	return out, c.Port
}

// Get returns the current string representation of name for CONFIG GET,
// or ("", false) if name is unrecognised.
func (c *Config) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "maxmemory":
		return fmt.Sprintf("%d", c.MaxMemory), true
	case "maxmemory-policy":
		return c.MaxMemoryPolicy.String(), true
	case "maxmemory-samples":
		return fmt.Sprintf("%d", c.MaxMemorySamples), true
	case "maxclients":
		return fmt.Sprintf("%d", c.MaxClients), true
	case "slowlog-log-slower-than":
		return fmt.Sprintf("%d", c.SlowLogLogSlowerThan), true
	case "slowlog-max-len":
		return fmt.Sprintf("%d", c.SlowLogMaxLen), true
	case "databases":
		return fmt.Sprintf("%d", c.Databases), true
	case "requirepass":
		return c.RequirePass, true
	case "dir":
		return c.Dir, true
	default:
		return "", false
	}
}

// Set applies a CONFIG SET for the options that are legal to change at
// runtime; returns false if name is unrecognised or the value doesn't
// parse.
func (c *Config) Set(name, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "maxmemory":
		n, ok := parseInt64(value)
		if !ok {
			return false
		}
		c.MaxMemory = n
	case "maxmemory-policy":
		p, ok := parsePolicy(value)
		if !ok {
			return false
		}
		c.MaxMemoryPolicy = p
	case "maxmemory-samples":
		n, ok := parseInt(value)
		if !ok {
			return false
		}
		c.MaxMemorySamples = n
	case "maxclients":
		n, ok := parseInt(value)
		if !ok {
			return false
		}
		c.MaxClients = n
	case "slowlog-log-slower-than":
		n, ok := parseInt64(value)
		if !ok {
			return false
		}
		c.SlowLogLogSlowerThan = n
	case "slowlog-max-len":
		n, ok := parseInt(value)
		if !ok {
			return false
		}
		c.SlowLogMaxLen = n
	case "requirepass":
		c.RequirePass = value
	case "adminpass":
		c.AdminPass = value
	default:
		return false
	}
	return true
}

func parsePolicy(s string) (MaxMemoryPolicy, bool) {
	switch s {
	case "noeviction":
		return store.PolicyNoEviction, true
	case "allkeys-lru":
		return store.PolicyAllKeysLRU, true
	case "allkeys-random":
		return store.PolicyAllKeysRandom, true
	case "volatile-lru":
		return store.PolicyVolatileLRU, true
	case "volatile-random":
		return store.PolicyVolatileRandom, true
	case "volatile-ttl":
		return store.PolicyVolatileTTL, true
	default:
		return store.PolicyNoEviction, false
	}
}
