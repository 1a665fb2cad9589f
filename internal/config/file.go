package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML config-file grammar: a flat top-level
// table, one key per recognised option.
type fileConfig struct {
	Databases             int      `toml:"databases"`
	Bind                  []string `toml:"bind"`
	Port                  int      `toml:"port"`
	Threads               int      `toml:"threads"`
	MaxClients            int      `toml:"maxclients"`
	MaxMemory             int64    `toml:"maxmemory"`
	MaxMemoryPolicy       string   `toml:"maxmemory-policy"`
	MaxMemorySamples      int      `toml:"maxmemory-samples"`
	SlowLogLogSlowerThan  int64    `toml:"slowlog-log-slower-than"`
	SlowLogMaxLen         int      `toml:"slowlog-max-len"`
	RequirePass           string   `toml:"requirepass"`
	AdminPass             string   `toml:"adminpass"`
	CommandsNeedAdminPass []string `toml:"commands-need-adminpass"`
	Dir                   string   `toml:"dir"`
	LogLevel              string   `toml:"log-level"`
	LogFormat             string   `toml:"log-format"`
	MetricsAddr           string   `toml:"metrics-addr"`
}

// LoadFile reads path as TOML and overlays it onto a fresh Default()
// configuration, leaving any option the file doesn't mention at its
// default value.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := Default()
	if fc.Databases > 0 {
		c.Databases = fc.Databases
	}
	if len(fc.Bind) > 0 {
		c.Bind = fc.Bind
	}
	if fc.Port > 0 {
		c.Port = fc.Port
	}
	c.Threads = fc.Threads
	if fc.MaxClients > 0 {
		c.MaxClients = fc.MaxClients
	}
	c.MaxMemory = fc.MaxMemory
	if fc.MaxMemoryPolicy != "" {
		if p, ok := parsePolicy(fc.MaxMemoryPolicy); ok {
			c.MaxMemoryPolicy = p
		} else {
			return nil, fmt.Errorf("config: unknown maxmemory-policy %q", fc.MaxMemoryPolicy)
		}
	}
	if fc.MaxMemorySamples > 0 {
		c.MaxMemorySamples = fc.MaxMemorySamples
	}
	if fc.SlowLogLogSlowerThan != 0 {
		c.SlowLogLogSlowerThan = fc.SlowLogLogSlowerThan
	}
	if fc.SlowLogMaxLen > 0 {
		c.SlowLogMaxLen = fc.SlowLogMaxLen
	}
	c.RequirePass = fc.RequirePass
	c.AdminPass = fc.AdminPass
	for _, name := range fc.CommandsNeedAdminPass {
		c.CommandsNeedAdminPass[name] = struct{}{}
	}
	if fc.Dir != "" {
		c.Dir = fc.Dir
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		c.LogFormat = fc.LogFormat
	}
	c.MetricsAddr = fc.MetricsAddr
	return c, nil
}
