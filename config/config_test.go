package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const sample = `
[main]
data-dir = "/var/lib/listsync"

[p2p]
listen = ["/ip4/0.0.0.0/tcp/9000"]
bootnodes = ["/ip4/10.0.0.1/tcp/9000/p2p/12D3KooWRkZMgHbJ3pkQUCmhf8jWTpuVJq5F6vqNjc2WAGa1ntsX"]

[peers]
friends = ["12D3KooWRkZMgHbJ3pkQUCmhf8jWTpuVJq5F6vqNjc2WAGa1ntsX"]

[sync]
task-timeout = "30s"
max-client-sessions = 2

[bandwidth]
total-max-speed = 1048576

[logging]
level = "debug"
[logging.modules]
sync = "warn"

[[lists]]
name = "docs"
dir = "/srv/docs"
mirror = true

[[lists]]
name = "media"
dir = "/srv/media"
max-server-sessions = 3
`

func load(t *testing.T, content, preset string) (Config, error) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/listsync.toml", []byte(content), 0o644))
	vip := viper.New()
	require.NoError(t, LoadConfig(fsys, "/etc/listsync.toml", vip))
	return Load(vip, preset)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := load(t, sample, "")
	require.NoError(t, err)

	require.Equal(t, "/var/lib/listsync", cfg.DataDir)
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/9000"}, cfg.P2P.Listen)
	require.Len(t, cfg.P2P.Bootnodes, 1)
	require.Len(t, cfg.Peers.Friends, 1)
	require.Equal(t, 30*time.Second, cfg.Sync.TaskTimeout)
	require.EqualValues(t, 2, cfg.Sync.MaxClientSessions)
	// untouched values keep their defaults
	require.Equal(t, DefaultConfig().Sync.SessionTimeout, cfg.Sync.SessionTimeout)
	require.Equal(t, DefaultConfig().Server, cfg.Server)
	require.InDelta(t, 1<<20, cfg.Bandwidth.TotalMaxSpeed, 0)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "warn", cfg.Logging.Modules["sync"])
	require.Equal(t, []ListConfig{
		{Name: "docs", Dir: "/srv/docs", Mirror: true},
		{Name: "media", Dir: "/srv/media", MaxServerSessions: 3},
	}, cfg.Lists)
}

func TestLoadConfigMissingFile(t *testing.T) {
	err := LoadConfig(afero.NewMemMapFs(), "/nope.toml", viper.New())
	require.ErrorContains(t, err, "read config file /nope.toml")
}

func TestLoadConfigUnknownKey(t *testing.T) {
	_, err := load(t, "[sync]\nno-such-key = 1\n", "")
	require.ErrorContains(t, err, "no-such-key")
}

func TestLoadConfigPreset(t *testing.T) {
	cfg, err := load(t, "[sync]\ntask-timeout = \"1m\"\n", "local")
	require.NoError(t, err)
	// the file overrides the preset
	require.Equal(t, time.Minute, cfg.Sync.TaskTimeout)
	require.Equal(t, 5*time.Second, cfg.Sync.StoreTimeout)

	cfg, err = load(t, "[main]\npreset = \"throttled\"\n", "")
	require.NoError(t, err)
	require.InDelta(t, 1<<20, cfg.Bandwidth.TotalMaxSpeed, 0)

	_, err = load(t, "", "bogus")
	require.ErrorContains(t, err, "unknown preset")
	require.Equal(t, []string{"local", "throttled"}, PresetNames())
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		lists string
	}{
		{"no name", "[[lists]]\ndir = \"/a\"\n"},
		{"no dir", "[[lists]]\nname = \"a\"\n"},
		{"duplicate", "[[lists]]\nname = \"a\"\ndir = \"/a\"\n[[lists]]\nname = \"a\"\ndir = \"/b\"\n"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := load(t, tc.lists, "")
			require.ErrorIs(t, err, ErrNoList)
		})
	}

	cfg := DefaultConfig()
	cfg.Sync.MaxClientSessions = 0
	require.Error(t, cfg.Validate())
}
