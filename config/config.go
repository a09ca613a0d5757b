// Package config aggregates the configuration of the listsync daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-listsync/bandwidth"
	"github.com/spacemeshos/go-listsync/listsync"
	"github.com/spacemeshos/go-listsync/log"
	"github.com/spacemeshos/go-listsync/metrics"
	"github.com/spacemeshos/go-listsync/p2p"
	"github.com/spacemeshos/go-listsync/p2p/server"
)

const defaultConfigFileName = "./config.toml"

// ErrNoList is returned for list configurations that can't be served.
var ErrNoList = errors.New("invalid list configuration")

// Config is the daemon configuration.
type Config struct {
	BaseConfig `mapstructure:"main"`
	P2P        P2PConfig        `mapstructure:"p2p"`
	Peers      PeersConfig      `mapstructure:"peers"`
	Sync       listsync.Config  `mapstructure:"sync"`
	Server     server.Config    `mapstructure:"server"`
	Bandwidth  bandwidth.Config `mapstructure:"bandwidth"`
	Lists      []ListConfig     `mapstructure:"lists"`
	Logging    log.Config       `mapstructure:"logging"`
	Metrics    metrics.Config   `mapstructure:"metrics"`
}

// BaseConfig holds the process level settings.
type BaseConfig struct {
	DataDir    string `mapstructure:"data-dir"`
	ConfigFile string `mapstructure:"config"`
	Preset     string `mapstructure:"preset"`
	// FileLock guards the data directory against concurrent daemons. It
	// defaults to LOCK in the data directory.
	FileLock string `mapstructure:"filelock"`
}

// P2PConfig configures the libp2p host.
type P2PConfig struct {
	p2p.HostConfig `mapstructure:",squash"`
	// Bootnodes are multiaddrs with a /p2p/ component dialed on start.
	Bootnodes []string `mapstructure:"bootnodes"`
	// PeersFile persists the relationships of the peer book.
	PeersFile string `mapstructure:"peers-file"`
	// PersistInterval is the period of peer book persistence.
	PersistInterval time.Duration `mapstructure:"persist-interval"`
}

// PeersConfig sets up the relationships of known peers.
type PeersConfig struct {
	Friends []string `mapstructure:"friends"`
	Blocked []string `mapstructure:"blocked"`
}

// ListConfig describes a directory served and synchronized as a list.
type ListConfig struct {
	Name              string `mapstructure:"name"`
	Dir               string `mapstructure:"dir"`
	Mirror            bool   `mapstructure:"mirror"`
	MaxServerSessions int    `mapstructure:"max-server-sessions"`
	CacheSize         int    `mapstructure:"cache-size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	dataDir := filepath.Join(os.TempDir(), "listsync")
	return Config{
		BaseConfig: BaseConfig{
			DataDir:    dataDir,
			ConfigFile: defaultConfigFileName,
			FileLock:   filepath.Join(dataDir, "LOCK"),
		},
		P2P: P2PConfig{
			HostConfig:      p2p.DefaultHostConfig(),
			PersistInterval: time.Minute,
		},
		Sync:      listsync.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Bandwidth: bandwidth.DefaultConfig(),
		Logging:   log.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
	}
}

// Validate checks the parts of the configuration that can't be checked
// by decoding.
func (cfg *Config) Validate() error {
	names := make(map[string]struct{}, len(cfg.Lists))
	for i, l := range cfg.Lists {
		switch {
		case l.Name == "":
			return fmt.Errorf("%w: list %d has no name", ErrNoList, i)
		case l.Dir == "":
			return fmt.Errorf("%w: list %s has no directory", ErrNoList, l.Name)
		}
		if _, exist := names[l.Name]; exist {
			return fmt.Errorf("%w: list %s is configured twice", ErrNoList, l.Name)
		}
		names[l.Name] = struct{}{}
	}
	if cfg.Sync.MaxClientSessions < 1 {
		return fmt.Errorf("max-client-sessions must be positive, got %d", cfg.Sync.MaxClientSessions)
	}
	return nil
}

// LoadConfig reads the config file into the viper instance.
func LoadConfig(fsys afero.Fs, fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetFs(fsys)
	vip.SetConfigFile(fileLocation)
	if filepath.Ext(fileLocation) == "" {
		vip.SetConfigType("toml")
	}
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", fileLocation, err)
	}
	return nil
}

// Load builds the configuration from defaults, the preset (if any) and the
// settings of the viper instance, in that order.
func Load(vip *viper.Viper, preset string) (Config, error) {
	cfg := DefaultConfig()
	if preset == "" && vip.IsSet("main.preset") {
		preset = vip.GetString("main.preset")
	}
	if preset != "" {
		p, err := GetPreset(preset)
		if err != nil {
			return Config{}, err
		}
		cfg = p
	}
	if err := Parse(vip, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes the settings of the viper instance on top of cfg.
func Parse(vip *viper.Viper, cfg *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	opts := []viper.DecoderConfigOption{
		viper.DecodeHook(hook),
		WithIgnoreUntagged(),
		WithErrorUnused(),
	}
	if err := vip.Unmarshal(cfg, opts...); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func WithIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}

func WithErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}
