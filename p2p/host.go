package p2p

import (
	"fmt"
	"io"
	"math"
	"time"

	lp2plog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/transport"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	tptu "github.com/libp2p/go-libp2p/p2p/net/upgrader"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	gyamux "github.com/libp2p/go-yamux/v4"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/metrics"
)

// prologue binds the noise handshake to this protocol family, so that
// unrelated libp2p networks fail to connect.
var prologue = []byte("listsync/1")

var connections = metrics.NewGauge(
	"connections",
	"p2p",
	"number of open connections",
	[]string{"dir"},
)

// HostConfig configures the libp2p host.
type HostConfig struct {
	Listen             []string      `mapstructure:"listen"`
	LowPeers           int           `mapstructure:"low-peers"`
	HighPeers          int           `mapstructure:"high-peers"`
	GracePeersShutdown time.Duration `mapstructure:"grace-peers-shutdown"`
	// MaxStreamWindow bounds the receive window of a stream, and with it the
	// data in flight of a byte array transfer.
	MaxStreamWindow uint32 `mapstructure:"max-stream-window"`
	// see https://lwn.net/Articles/542629/ for reuseport explanation
	DisableReusePort bool `mapstructure:"disable-reuseport"`
	// LogLevel is the level of the logs produced by libp2p itself.
	LogLevel string `mapstructure:"log-level"`
}

// DefaultHostConfig returns the default host configuration.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Listen:             []string{"/ip4/0.0.0.0/tcp/7513"},
		LowPeers:           20,
		HighPeers:          50,
		GracePeersShutdown: 30 * time.Second,
		MaxStreamWindow:    16 << 20,
		LogLevel:           "error",
	}
}

// NewHost creates a libp2p host identified by key, speaking noise over tcp
// with yamux multiplexing.
func NewHost(logger *zap.Logger, key crypto.PrivKey, cfg HostConfig) (host.Host, error) {
	logger.Info("starting libp2p host", zap.Strings("listen", cfg.Listen))
	lp2plog.SetPrimaryCore(logger.Core())
	level, err := lp2plog.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("libp2p log level: %w", err)
	}
	lp2plog.SetAllLoggers(level)
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers,
		connmgr.WithGracePeriod(cfg.GracePeersShutdown))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	ycfg := gyamux.DefaultConfig()
	if cfg.MaxStreamWindow != 0 {
		ycfg.MaxStreamWindowSize = cfg.MaxStreamWindow
	}
	ycfg.MaxIncomingStreams = math.MaxUint32
	ycfg.LogOutput = io.Discard
	ycfg.ReadBufSize = 0
	streamer := (*yamux.Transport)(ycfg)
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.UserAgent("go-listsync"),
		libp2p.Transport(func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (transport.Transport, error) {
			var opts []tcp.Option
			if cfg.DisableReusePort {
				opts = append(opts, tcp.DisableReuseport())
			}
			return tcp.NewTCPTransport(upgrader, rcmgr, opts...)
		}),
		libp2p.Security(noise.ID, func(id protocol.ID, privkey crypto.PrivKey, muxers []tptu.StreamMuxer) (*noise.SessionTransport, error) {
			tp, err := noise.New(id, privkey, muxers)
			if err != nil {
				return nil, err
			}
			return tp.WithSessionOptions(noise.Prologue(prologue))
		}),
		libp2p.Muxer("/yamux/1.0.0", streamer),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize libp2p host: %w", err)
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			connections.WithLabelValues(c.Stat().Direction.String()).Inc()
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			connections.WithLabelValues(c.Stat().Direction.String()).Dec()
		},
	})
	logger.Info("local node identity", zap.Stringer("identity", h.ID()))
	return h, nil
}

// Addrs returns the full multiaddrs, with the /p2p/ component, under which
// the host can be dialed.
func Addrs(h host.Host) []ma.Multiaddr {
	component, err := ma.NewComponent("p2p", h.ID().String())
	if err != nil {
		return nil
	}
	addrs := make([]ma.Multiaddr, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		addrs = append(addrs, addr.Encapsulate(component))
	}
	return addrs
}
