// Package cmd holds the flags and configuration loading shared by the
// listsync executables.
package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-listsync/config"
)

var (
	// Version is the app's semantic version. Designed to be overwritten by make.
	Version string

	// Commit is the git commit used to build the app. Designed to be overwritten by make.
	Commit string
)

// flagKeys maps the flags to the config keys they override.
var flagKeys = map[string]string{
	"data-dir":            "main.data-dir",
	"filelock":            "main.filelock",
	"listen":              "p2p.listen",
	"bootnodes":           "p2p.bootnodes",
	"friends":             "peers.friends",
	"blocked":             "peers.blocked",
	"task-timeout":        "sync.task-timeout",
	"max-client-sessions": "sync.max-client-sessions",
	"total-max-speed":     "bandwidth.total-max-speed",
	"log-encoder":         "logging.encoder",
	"log-level":           "logging.level",
	"metrics":             "metrics.enabled",
	"metrics-port":        "metrics.port",
}

// AddFlags adds the configuration flags to flagSet.
func AddFlags(flagSet *pflag.FlagSet) {
	cfg := config.DefaultConfig()
	flagSet.StringP("preset", "p", "",
		fmt.Sprintf("preset overwrites default values of the config. options %+s", config.PresetNames()))
	flagSet.StringP("config", "c", "", "load configuration from file")
	flagSet.StringP("data-dir", "d", cfg.DataDir,
		"directory holding the identity and the peers of the node")
	flagSet.String("filelock", cfg.FileLock,
		"lock file guarding the data directory, defaults to LOCK in the data directory")

	/** ======================== P2P Flags ========================== **/

	flagSet.StringSlice("listen", cfg.P2P.Listen, "multiaddrs to listen on")
	flagSet.StringSlice("bootnodes", nil, "multiaddrs of peers to connect to on start")
	flagSet.StringSlice("friends", nil, "peer ids served with priority")
	flagSet.StringSlice("blocked", nil, "peer ids never served")

	/** ======================== Sync Flags ========================== **/

	flagSet.Duration("task-timeout", cfg.Sync.TaskTimeout,
		"timeout of the synchronization of a single level")
	flagSet.Int64("max-client-sessions", cfg.Sync.MaxClientSessions,
		"number of concurrent client synchronizations")
	flagSet.Float64("total-max-speed", cfg.Bandwidth.TotalMaxSpeed,
		"cap on the total transfer speed in bytes/s, 0 for unlimited")

	/** ======================== Ambient Flags ========================== **/

	flagSet.String("log-encoder", cfg.Logging.Encoder, "log encoder, console or json")
	flagSet.String("log-level", cfg.Logging.Level, "log level")
	flagSet.Bool("metrics", cfg.Metrics.Enabled, "serve prometheus metrics")
	flagSet.Int("metrics-port", cfg.Metrics.Port, "port of the metrics server")
}

// Configure builds the configuration from the preset, the config file and
// the flags set on the command line, in that order of precedence.
func Configure(flagSet *pflag.FlagSet) (config.Config, error) {
	preset, err := flagSet.GetString("preset")
	if err != nil {
		return config.Config{}, err
	}
	path, err := flagSet.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	vip := viper.New()
	if path != "" {
		if err := config.LoadConfig(afero.NewOsFs(), path, vip); err != nil {
			return config.Config{}, err
		}
	}
	// only the flags set explicitly override the file and the preset
	flagSet.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = vip.BindPFlag(key, f)
	})
	if err != nil {
		return config.Config{}, fmt.Errorf("binding flags: %w", err)
	}
	cfg, err := config.Load(vip, preset)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
