package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func configure(t *testing.T, args ...string) (*pflag.FlagSet, error) {
	t.Helper()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flagSet)
	return flagSet, flagSet.Parse(args)
}

func TestConfigurePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[main]
data-dir = "/from/file"

[sync]
task-timeout = "1m"

[logging]
level = "warn"
`), 0o600))

	flagSet, err := configure(t,
		"--preset", "throttled",
		"--config", path,
		"--log-level", "error",
		"--listen", "/ip4/127.0.0.1/tcp/1,/ip4/127.0.0.1/tcp/2",
		"--total-max-speed", "2048",
		"--max-client-sessions", "7",
	)
	require.NoError(t, err)
	cfg, err := Configure(flagSet)
	require.NoError(t, err)

	require.Equal(t, "/from/file", cfg.DataDir)
	require.Equal(t, time.Minute, cfg.Sync.TaskTimeout)
	require.Equal(t, "error", cfg.Logging.Level)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/1", "/ip4/127.0.0.1/tcp/2"}, cfg.P2P.Listen)
	require.InDelta(t, 2048, cfg.Bandwidth.TotalMaxSpeed, 0)
	require.EqualValues(t, 7, cfg.Sync.MaxClientSessions)
}

func TestConfigureUnsetFlagsKeepPreset(t *testing.T) {
	flagSet, err := configure(t, "--preset", "local")
	require.NoError(t, err)
	cfg, err := Configure(flagSet)
	require.NoError(t, err)
	// the local preset logs at debug, the flag default is info
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, cfg.P2P.Listen)
}

func TestConfigureErrors(t *testing.T) {
	flagSet, err := configure(t, "--preset", "bogus")
	require.NoError(t, err)
	_, err = Configure(flagSet)
	require.ErrorContains(t, err, "unknown preset")

	flagSet, err = configure(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	_, err = Configure(flagSet)
	require.ErrorContains(t, err, "read config file")
}
