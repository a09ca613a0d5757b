package config

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

var presets = map[string]func() Config{
	"local":     local,
	"throttled": throttled,
}

// PresetNames returns the names of the available presets.
func PresetNames() []string {
	return slices.Sorted(maps.Keys(presets))
}

// GetPreset returns the configuration of the named preset.
func GetPreset(name string) (Config, error) {
	p, found := presets[name]
	if !found {
		return Config{}, fmt.Errorf("unknown preset %q, options: %v", name, PresetNames())
	}
	return p(), nil
}

// local is meant for peers on the same machine or network.
func local() Config {
	cfg := DefaultConfig()
	cfg.P2P.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Sync.TaskTimeout = 20 * time.Second
	cfg.Sync.SessionTimeout = 20 * time.Second
	cfg.Sync.StoreTimeout = 5 * time.Second
	cfg.Server.Timeout = 5 * time.Second
	cfg.Logging.Level = "debug"
	return cfg
}

// throttled caps the total transfer speed at 1 MiB/s.
func throttled() Config {
	cfg := DefaultConfig()
	cfg.Bandwidth.TotalMaxSpeed = 1 << 20
	return cfg
}
