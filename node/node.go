// Package node assembles the listsync daemon: the libp2p host, the
// synchronization and resource protocols and the configured lists.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-listsync/bandwidth"
	"github.com/spacemeshos/go-listsync/config"
	"github.com/spacemeshos/go-listsync/listsync"
	"github.com/spacemeshos/go-listsync/listsync/dirlist"
	"github.com/spacemeshos/go-listsync/listsync/resource"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/log"
	"github.com/spacemeshos/go-listsync/metrics"
	"github.com/spacemeshos/go-listsync/p2p"
	"github.com/spacemeshos/go-listsync/p2p/peers"
	"github.com/spacemeshos/go-listsync/p2p/server"
)

// SyncProtocol is the libp2p protocol of list synchronization sessions.
const SyncProtocol = "/listsync/sync/1"

const peersFilename = "peers.txt"

// ErrNoProvider is returned when no usable peer can serve a synchronization.
var ErrNoProvider = errors.New("no provider available")

// Option to modify an App instance.
type Option func(app *App)

// WithLog sets the root logger of the App.
func WithLog(root *log.Root) Option {
	return func(app *App) {
		app.logRoot = root
	}
}

// WithFs sets the filesystem holding the lists.
func WithFs(fsys afero.Fs) Option {
	return func(app *App) {
		app.fs = fsys
	}
}

// App is the listsync daemon.
type App struct {
	Config *config.Config

	logRoot  *log.Root
	log      *zap.Logger
	fs       afero.Fs
	fileLock *flock.Flock

	host      host.Host
	book      *peers.Book
	bandwidth *bandwidth.PriorityManager
	registry  *resource.Registry
	lists     types.ListsMap
	manager   *listsync.Manager
	servers   []*server.Server
	metrics   *metrics.Server
}

// New creates an App for the configuration.
func New(cfg *config.Config, opts ...Option) *App {
	app := &App{
		Config: cfg,
		fs:     afero.NewOsFs(),
		lists:  types.ListsMap{},
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logRoot == nil {
		app.logRoot, _ = log.New(log.DefaultConfig())
	}
	app.log = app.logRoot.Module("node")
	return app
}

// Lock takes the file lock guarding the data directory.
func (app *App) Lock() error {
	path := app.Config.FileLock
	if path == "" {
		path = filepath.Join(app.Config.DataDir, "LOCK")
	}
	lockDir := filepath.Dir(path)
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return fmt.Errorf("creating dir %s for lock %s: %w", lockDir, path, err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	} else if !locked {
		return fmt.Errorf("only one listsync instance should be running (locking file %s)", fl.Path())
	}
	app.fileLock = fl
	return nil
}

// Unlock unlocks the app. It is a no-op if the app is not locked.
func (app *App) Unlock() {
	if app.fileLock == nil {
		return
	}
	if err := app.fileLock.Unlock(); err != nil {
		app.log.Error("failed to unlock file",
			zap.String("path", app.fileLock.Path()),
			zap.Error(err),
		)
	}
}

// Logger returns the logger of the node module.
func (app *App) Logger() *zap.Logger {
	return app.log
}

// Host returns the libp2p host. It is nil before Initialize.
func (app *App) Host() host.Host {
	return app.host
}

// Initialize sets up the components of the daemon. The protocols are
// served once Run is called.
func (app *App) Initialize() error {
	if err := os.MkdirAll(app.Config.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir exists: %w", err)
	}
	if err := app.setupLists(); err != nil {
		return err
	}
	if err := app.setupBook(); err != nil {
		return err
	}
	key, err := p2p.EnsureIdentity(app.Config.DataDir)
	if err != nil {
		return err
	}
	app.host, err = p2p.NewHost(app.logRoot.Module("p2p"), key, app.Config.P2P.HostConfig)
	if err != nil {
		return err
	}
	app.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			app.book.Add(c.RemotePeer())
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			if n.Connectedness(c.RemotePeer()) != network.Connected {
				app.book.Delete(c.RemotePeer())
			}
		},
	})

	app.bandwidth = bandwidth.NewPriorityManager(
		bandwidth.WithLogger(app.logRoot.Module("bandwidth")),
		bandwidth.WithConfig(app.Config.Bandwidth),
	)
	app.registry = resource.NewRegistry(
		resource.WithRegistryLogger(app.logRoot.Module("resource")),
		resource.WithStoreTimeout(app.Config.Sync.StoreTimeout),
	)
	resourceOpts := []resource.Opt{
		resource.WithLogger(app.logRoot.Module("resource")),
		resource.WithRegulator(app.bandwidth, app.book.Priority),
		resource.WithTracker(app.book),
	}
	resources := resource.NewService(app.registry, resourceOpts...)
	syncService := listsync.NewService(app.lists,
		listsync.WithServiceLogger(app.logRoot.Module("sync")),
		listsync.WithServiceConfig(app.Config.Sync),
		listsync.WithPeerPolicy(app.book),
		listsync.WithStoreRegistry(app.registry),
	)

	serverOpts := []server.Opt{
		server.WithConfig(app.Config.Server),
		server.WithLogger(app.logRoot.Module("server")),
	}
	if app.Config.Metrics.Enabled {
		serverOpts = append(serverOpts, server.WithMetrics())
	}
	syncServer := server.New(app.host, SyncProtocol, syncService.HandleStream, serverOpts...)
	resourceServer := server.New(app.host, resource.Protocol, resources.Handle, serverOpts...)
	app.servers = []*server.Server{syncServer, resourceServer}

	dialer := listsync.DialerFunc(func(ctx context.Context, pid p2p.Peer) (wire.Conduit, error) {
		stream, err := syncServer.Open(ctx, pid)
		if err != nil {
			return nil, err
		}
		return wire.NewStreamConduit(stream), nil
	})
	app.manager = listsync.NewManager(app.host.ID(), app.lists, dialer,
		listsync.WithLogger(app.logRoot.Module("sync")),
		listsync.WithConfig(app.Config.Sync),
		listsync.WithFetcher(resource.NewDownloader(resourceServer, resourceOpts...)),
	)

	if app.Config.Metrics.Enabled {
		app.metrics = metrics.NewServer(app.logRoot.Module("metrics"), app.Config.Metrics.Port)
		app.metrics.Start()
	}
	return nil
}

func (app *App) setupLists() error {
	for _, lc := range app.Config.Lists {
		opts := []dirlist.Opt{
			dirlist.WithLogger(app.logRoot.Module("dirlist").With(zap.String("list", lc.Name))),
		}
		if lc.Mirror {
			opts = append(opts, dirlist.WithMirror())
		}
		if lc.MaxServerSessions > 0 {
			opts = append(opts, dirlist.WithMaxServerSessions(lc.MaxServerSessions))
		}
		if lc.CacheSize > 0 {
			opts = append(opts, dirlist.WithCacheSize(lc.CacheSize))
		}
		l, err := dirlist.New(app.fs, lc.Dir, opts...)
		if err != nil {
			return fmt.Errorf("list %s: %w", lc.Name, err)
		}
		app.lists[lc.Name] = l
	}
	return nil
}

func (app *App) peersFile() string {
	if app.Config.P2P.PeersFile != "" {
		return app.Config.P2P.PeersFile
	}
	return filepath.Join(app.Config.DataDir, peersFilename)
}

func (app *App) setupBook() error {
	app.book = peers.New()
	f, err := os.Open(app.peersFile())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("open peers file: %w", err)
	default:
		err := app.book.Recover(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("recover peers from %s: %w", f.Name(), err)
		}
	}
	// configured relationships take precedence over the persisted ones
	for _, rel := range []struct {
		ids          []string
		relationship peers.Relationship
	}{
		{app.Config.Peers.Friends, peers.Friend},
		{app.Config.Peers.Blocked, peers.Blocked},
	} {
		for _, s := range rel.ids {
			id, err := peer.Decode(s)
			if err != nil {
				return fmt.Errorf("parse peer %q: %w", s, err)
			}
			app.book.SetRelationship(id, rel.relationship)
		}
	}
	return nil
}

func (app *App) persistBook() error {
	var buf bytes.Buffer
	if err := app.book.Persist(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(app.peersFile(), &buf); err != nil {
		return fmt.Errorf("write peers file: %w", err)
	}
	return nil
}

// Run serves the protocols, connects to the bootnodes and persists the
// peer book periodically, until the context is canceled.
func (app *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range app.servers {
		eg.Go(func() error {
			return srv.Run(ctx)
		})
	}
	eg.Go(func() error {
		app.connectBootnodes(ctx)
		return nil
	})
	eg.Go(func() error {
		if app.Config.P2P.PersistInterval <= 0 {
			return nil
		}
		ticker := time.NewTicker(app.Config.P2P.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := app.persistBook(); err != nil {
					app.log.Warn("failed to persist peers", zap.Error(err))
				}
				if app.book.Total() > 0 {
					stats := app.book.Stats()
					app.log.Debug("peer providers", zap.Object("stats", &stats))
				}
			}
		}
	})
	app.log.Info("listsync node started",
		zap.Stringer("identity", app.host.ID()),
		zap.Stringers("addresses", p2p.Addrs(app.host)),
		zap.Int("lists", len(app.lists)),
	)
	return eg.Wait()
}

func (app *App) connectBootnodes(ctx context.Context) {
	for _, addr := range app.Config.P2P.Bootnodes {
		if _, err := app.Connect(ctx, addr); err != nil {
			app.log.Warn("failed to connect to bootnode", zap.String("address", addr), zap.Error(err))
		}
	}
}

// Connect connects to the peer at the multiaddr, which must contain the
// /p2p/ component.
func (app *App) Connect(ctx context.Context, addr string) (p2p.Peer, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return p2p.NoPeer, fmt.Errorf("parse into peer.AddrInfo %s: %w", addr, err)
	}
	if err := app.host.Connect(ctx, *info); err != nil {
		return p2p.NoPeer, fmt.Errorf("connect to %s: %w", info.ID, err)
	}
	app.book.Add(info.ID)
	return info.ID, nil
}

// SelectProvider connects to the peers at the multiaddrs and returns the
// best provider among them. Without addresses the bootnodes are connected
// and the best of all connected peers is returned.
func (app *App) SelectProvider(ctx context.Context, addrs []string) (p2p.Peer, error) {
	if len(addrs) == 0 {
		app.connectBootnodes(ctx)
		if best := app.book.Providers(1); len(best) > 0 {
			return best[0], nil
		}
		return p2p.NoPeer, ErrNoProvider
	}
	candidates := make([]p2p.Peer, 0, len(addrs))
	for _, addr := range addrs {
		pid, err := app.Connect(ctx, addr)
		if err != nil {
			app.log.Warn("failed to connect to provider", zap.String("address", addr), zap.Error(err))
			continue
		}
		candidates = append(candidates, pid)
	}
	best := app.book.BestProviderFrom(candidates)
	if best == p2p.NoPeer {
		return p2p.NoPeer, ErrNoProvider
	}
	app.log.Debug("selected provider", zap.Stringer("peer", best), zap.Int("candidates", len(candidates)))
	return best, nil
}

// Synchronize brings the levels of the local list up to date with the peer.
func (app *App) Synchronize(
	ctx context.Context,
	pid p2p.Peer,
	list string,
	levels []int,
	sink types.ProgressSink,
) error {
	return app.manager.Synchronize(ctx, pid, list, levels, sink)
}

// SynchronizeElement brings the levels of a single element of the local
// list up to date with the peer.
func (app *App) SynchronizeElement(
	ctx context.Context,
	pid p2p.Peer,
	list, element string,
	levels []int,
	sink types.ProgressSink,
) error {
	return app.manager.SynchronizeElement(ctx, pid, list, element, levels, sink)
}

// Cleanup stops the components started by Initialize.
func (app *App) Cleanup(ctx context.Context) {
	if app.metrics != nil {
		if err := app.metrics.Stop(ctx); err != nil {
			app.log.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
	if app.bandwidth != nil {
		app.bandwidth.Stop()
	}
	if app.book != nil {
		if err := app.persistBook(); err != nil {
			app.log.Warn("failed to persist peers", zap.Error(err))
		}
	}
	if app.host != nil {
		if err := app.host.Close(); err != nil {
			app.log.Warn("failed to close host", zap.Error(err))
		}
	}
}
