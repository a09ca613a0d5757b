package dirlist_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/listsync"
	"github.com/spacemeshos/go-listsync/listsync/dirlist"
	"github.com/spacemeshos/go-listsync/listsync/resource"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/log/logtest"
	"github.com/spacemeshos/go-listsync/p2p"
)

const self p2p.Peer = "self"

type fetcher struct {
	registry *resource.Registry
}

func (f fetcher) Fetch(_ context.Context, _ p2p.Peer, store string) (io.ReadCloser, error) {
	rc, _, err := f.registry.Request(store, self)
	return rc, err
}

func files(t *testing.T, fsys afero.Fs) map[string]string {
	t.Helper()
	infos, err := afero.ReadDir(fsys, "/data")
	require.NoError(t, err)
	r := make(map[string]string)
	for _, info := range infos {
		data, err := afero.ReadFile(fsys, "/data/"+info.Name())
		require.NoError(t, err)
		r[info.Name()] = string(data)
	}
	return r
}

func TestMirrorDirectory(t *testing.T) {
	want := map[string]string{
		"readme.md":  "# readme",
		"config.txt": "key = value",
		"empty":      "",
	}
	srcFs := afero.NewMemMapFs()
	for name, content := range want {
		require.NoError(t, afero.WriteFile(srcFs, "/data/"+name, []byte(content), 0o644))
	}
	dstFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(dstFs, "/data/config.txt", []byte("key = old"), 0o644))
	require.NoError(t, afero.WriteFile(dstFs, "/data/obsolete", []byte("x"), 0o644))

	src, err := dirlist.New(srcFs, "/data")
	require.NoError(t, err)
	dst, err := dirlist.New(dstFs, "/data", dirlist.WithMirror())
	require.NoError(t, err)

	registry := resource.NewRegistry(resource.WithRegistryLogger(logtest.New(t)))
	svc := listsync.NewService(types.ListsMap{"files": src},
		listsync.WithServiceLogger(logtest.New(t)),
		listsync.WithStoreRegistry(registry))
	var wg sync.WaitGroup
	defer wg.Wait()
	dialer := listsync.DialerFunc(func(context.Context, p2p.Peer) (wire.Conduit, error) {
		c, s := wire.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Serve(context.Background(), self, s)
		}()
		return c, nil
	})
	mgr := listsync.NewManager(self, types.ListsMap{"files": dst}, dialer,
		listsync.WithLogger(logtest.New(t)),
		listsync.WithFetcher(fetcher{registry: registry}))

	levels := []int{dirlist.LevelManifest, dirlist.LevelContent}
	require.NoError(t, mgr.Synchronize(context.Background(), "remote", "files", levels, nil))
	require.Equal(t, want, files(t, dstFs))

	// a second round has nothing to transfer
	require.NoError(t, mgr.Synchronize(context.Background(), "remote", "files", levels, nil))
	require.Equal(t, want, files(t, dstFs))
	require.Zero(t, registry.Len())
}
