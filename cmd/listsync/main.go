// listsync synchronizes directories between peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-listsync/cmd"
	"github.com/spacemeshos/go-listsync/listsync/dirlist"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/log"
	"github.com/spacemeshos/go-listsync/node"
	"github.com/spacemeshos/go-listsync/p2p"
)

var (
	version string
	commit  string
)

func main() {
	cmd.Version = version
	cmd.Commit = commit
	if err := rootCommand().Execute(); err != nil {
		// cobra printed the error already
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "listsync",
		Short: "synchronize directories between peers",
	}
	cmd.AddFlags(root.PersistentFlags())
	root.AddCommand(serveCommand(), syncCommand(), idCommand(), &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(c *cobra.Command, args []string) {
			fmt.Println(cmd.Version, cmd.Commit)
		},
	})
	return root
}

// setup loads the configuration and creates the locked app.
func setup(c *cobra.Command) (*node.App, error) {
	cfg, err := cmd.Configure(c.Flags())
	if err != nil {
		return nil, err
	}
	root, err := log.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	app := node.New(&cfg, node.WithLog(root), node.WithFs(afero.NewOsFs()))
	if err := app.Lock(); err != nil {
		return nil, fmt.Errorf("getting exclusive file lock: %w", err)
	}
	// Don't print usage on error from this point forward
	c.SilenceUsage = true
	return app, nil
}

func cleanup(app *node.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.Cleanup(ctx)
	app.Unlock()
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the configured lists until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			app, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup(app)
			if err := app.Initialize(); err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}
			// os.Interrupt for all systems, syscall.SIGTERM is mainly for docker.
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func syncCommand() *cobra.Command {
	var (
		levels  []int
		element string
	)
	c := &cobra.Command{
		Use:   "sync <list> [peer multiaddr]...",
		Short: "synchronize a configured list with the best of the peers",
		Long: "Synchronize a configured list with the best provider among the peers.\n" +
			"Without peers the bootnodes and the peers they lead to are candidates.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			app, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup(app)
			if err := app.Initialize(); err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return app.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				list := args[0]
				pid, err := app.SelectProvider(ctx, args[1:])
				if err != nil {
					return err
				}
				sink := &logSink{logger: app.Logger().With(zap.String("list", list), zap.Stringer("peer", pid))}
				if element != "" {
					return app.SynchronizeElement(ctx, pid, list, element, levels, sink)
				}
				return app.Synchronize(ctx, pid, list, levels, sink)
			})
			return eg.Wait()
		},
	}
	c.Flags().IntSliceVar(&levels, "levels",
		[]int{dirlist.LevelManifest, dirlist.LevelContent}, "levels to synchronize")
	c.Flags().StringVar(&element, "element", "", "synchronize only the named element")
	return c
}

func idCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "print the peer id of the node, creating it if needed",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := cmd.Configure(c.Flags())
			if err != nil {
				return err
			}
			key, err := p2p.EnsureIdentity(cfg.DataDir)
			if err != nil {
				return err
			}
			id, err := peer.IDFromPrivateKey(key)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

// logSink reports the progress of the synchronization to the log.
type logSink struct {
	logger *zap.Logger
	last   int
}

func (s *logSink) Progress(value int) {
	step := types.MaxProgress / 100
	if value/step != s.last/step {
		s.logger.Info("progress", zap.Int("percent", value/step))
	}
	s.last = value
}

func (s *logSink) Complete() {
	s.logger.Info("synchronization complete")
}

func (s *logSink) Error(err *types.SynchronizeError) {
	s.logger.Error("synchronization failed", zap.Error(err))
}

func (s *logSink) Timeout() {
	s.logger.Error("synchronization timed out")
}

var _ types.ProgressSink = (*logSink)(nil)
