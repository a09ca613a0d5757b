// Package dirlist exposes the regular files of a directory as a two level
// list. The manifest level maps file names to content digests and is
// transferred inline. The content level holds the file bytes and is
// downloaded as a byte array.
package dirlist

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/hash"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/p2p"
)

const (
	// LevelManifest holds the content digests. Hashes equal elements.
	LevelManifest = 0
	// LevelContent holds the file contents.
	LevelContent = 1

	// DefaultCacheSize is the number of cached file digests.
	DefaultCacheSize = 4096

	tempPrefix = ".listsync-"
)

var (
	// ErrInvalidName is returned for indexes that can't be used as file names.
	ErrInvalidName = errors.New("invalid file name")
	// ErrDigestMismatch is returned when received content doesn't match the
	// digest announced in the manifest.
	ErrDigestMismatch = errors.New("content doesn't match the manifest")
)

type cacheKey struct {
	name  string
	size  int64
	mtime int64
}

// Opt configures a List.
type Opt func(*List)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(l *List) {
		l.logger = logger
	}
}

// WithCacheSize sets the number of cached file digests.
func WithCacheSize(size int) Opt {
	return func(l *List) {
		l.cacheSize = size
	}
}

// WithMirror makes the list delete files the peer doesn't have when
// synchronizing as client.
func WithMirror() Opt {
	return func(l *List) {
		l.mirror = true
	}
}

// WithMaxServerSessions limits concurrent server sessions.
func WithMaxServerSessions(n int) Opt {
	return func(l *List) {
		l.maxServers = n
	}
}

// WithServerSink sets the sink receiving the outcome of server sessions.
func WithServerSink(sink types.ProgressSink) Opt {
	return func(l *List) {
		l.serverSink = sink
	}
}

// List is a directory backed ListAccessor.
type List struct {
	logger     *zap.Logger
	fs         afero.Fs
	root       string
	cacheSize  int
	cache      *lru.Cache[cacheKey, string]
	mirror     bool
	maxServers int
	serverSink types.ProgressSink

	mu       sync.Mutex
	servers  int
	manifest map[string]string
}

var _ types.ListAccessor = &List{}

// New creates a list for the directory root of the filesystem. The
// directory is created if it doesn't exist.
func New(fsys afero.Fs, root string, opts ...Opt) (*List, error) {
	l := &List{
		logger:    zap.NewNop(),
		fs:        fsys,
		root:      root,
		cacheSize: DefaultCacheSize,
		manifest:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	cache, err := lru.New[cacheKey, string](l.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("digest cache: %w", err)
	}
	l.cache = cache
	if err := l.fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	return l, nil
}

// ValidName returns an error if the index can't be used as a file name.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..",
		strings.ContainsAny(name, `/\`),
		strings.Contains(name, types.Separator),
		strings.HasPrefix(name, tempPrefix):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (l *List) path(name string) string {
	return path.Join(l.root, name)
}

func (l *List) checkLevel(level int) {
	if level != LevelManifest && level != LevelContent {
		panic(fmt.Sprintf("BUG: invalid level %d", level))
	}
}

func (l *List) LevelCount() int {
	return 2
}

func (l *List) BeginSynch(types.SynchMode) error {
	_, err := l.fs.Stat(l.root)
	return err
}

func (l *List) EndSynch(mode types.SynchMode, success bool) {
	if mode != types.ModeServer {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.servers > 0 {
		l.servers--
	}
}

// digest returns the hex encoded content digest of the file.
func (l *List) digest(name string, info fs.FileInfo) (string, error) {
	key := cacheKey{name: name, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if d, found := l.cache.Get(key); found {
		return d, nil
	}
	f, err := l.fs.Open(l.path(name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := hash.GetHasher()
	defer func() {
		h.Reset()
		hash.PutHasher(h)
	}()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	var sum [hash.Size]byte
	h.Sum(sum[:0])
	d := hex.EncodeToString(sum[:])
	l.cache.Add(key, d)
	return d, nil
}

// HashList returns the name and content digest of every regular file.
// Files with names that can't be synchronized are skipped.
func (l *List) HashList(level int) ([]types.IndexAndHash, error) {
	l.checkLevel(level)
	infos, err := afero.ReadDir(l.fs, l.root)
	if err != nil {
		return nil, err
	}
	var r []types.IndexAndHash
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		name := info.Name()
		if err := ValidName(name); err != nil {
			l.logger.Debug("skipping file", zap.String("name", name), zap.Error(err))
			continue
		}
		d, err := l.digest(name, info)
		if err != nil {
			return nil, err
		}
		r = append(r, types.IndexAndHash{Index: name, Hash: d})
	}
	return r, nil
}

func (l *List) HashEqualsElement(level int) bool {
	l.checkLevel(level)
	return level == LevelManifest
}

func (l *List) TransmissionType(level int) types.TransmissionType {
	l.checkLevel(level)
	if level == LevelManifest {
		return types.TransmissionObject
	}
	return types.TransmissionByteArray
}

func (l *List) InnerListLevels(int) []int {
	return nil
}

func (l *List) stat(name string) (fs.FileInfo, error) {
	if err := ValidName(name); err != nil {
		return nil, types.ErrElementNotFound
	}
	info, err := l.fs.Stat(l.path(name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, types.ErrElementNotFound
	case err != nil:
		return nil, err
	case !info.Mode().IsRegular():
		return nil, types.ErrElementNotFound
	}
	return info, nil
}

func (l *List) ElementObject(index string, level int) ([]byte, error) {
	if level != LevelManifest {
		return nil, fmt.Errorf("level %d isn't transferred as objects", level)
	}
	info, err := l.stat(index)
	if err != nil {
		return nil, err
	}
	d, err := l.digest(index, info)
	if err != nil {
		return nil, err
	}
	return []byte(d), nil
}

func (l *List) ElementByteArray(index string, level int) (io.ReadCloser, error) {
	if level != LevelContent {
		return nil, fmt.Errorf("level %d isn't transferred as byte arrays", level)
	}
	if _, err := l.stat(index); err != nil {
		return nil, err
	}
	f, err := l.fs.Open(l.path(index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.ErrElementNotFound
	}
	return f, err
}

func (l *List) ElementByteArrayLength(index string, level int) (int64, error) {
	if level != LevelContent {
		return 0, fmt.Errorf("level %d isn't transferred as byte arrays", level)
	}
	info, err := l.stat(index)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// AddElementObject records the announced content digest of a file.
func (l *List) AddElementObject(index string, level int, data []byte) error {
	if level != LevelManifest {
		return fmt.Errorf("level %d isn't transferred as objects", level)
	}
	if err := ValidName(index); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifest[index] = string(data)
	return nil
}

// AddElementByteArray writes the file through a temporary file in the same
// directory. If the manifest announced a digest for the file, the content
// must match it.
func (l *List) AddElementByteArray(index string, level int, r io.Reader, length int64) error {
	if level != LevelContent {
		return fmt.Errorf("level %d isn't transferred as byte arrays", level)
	}
	if err := ValidName(index); err != nil {
		return err
	}
	tmp, err := afero.TempFile(l.fs, l.root, tempPrefix+"*")
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			l.fs.Remove(tmp.Name())
		}
	}()
	h := hash.GetHasher()
	defer func() {
		h.Reset()
		hash.PutHasher(h)
	}()
	if _, err := io.CopyN(io.MultiWriter(tmp, h), r, length); err != nil {
		return fmt.Errorf("write %s: %w", index, err)
	}
	var sum [hash.Size]byte
	h.Sum(sum[:0])
	d := hex.EncodeToString(sum[:])

	l.mu.Lock()
	defer l.mu.Unlock()
	if expected, found := l.manifest[index]; found && expected != d {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, index)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := l.fs.Rename(tmp.Name(), l.path(index)); err != nil {
		return err
	}
	keep = true
	delete(l.manifest, index)
	return nil
}

// MustRequestElement returns false for content already present locally.
func (l *List) MustRequestElement(index string, level int, hash string) bool {
	if level != LevelContent {
		return true
	}
	info, err := l.stat(index)
	if err != nil {
		return true
	}
	d, err := l.digest(index, info)
	return err != nil || d != hash
}

func (l *List) MustEraseOldIndexes() bool {
	return l.mirror
}

// EraseElements deletes the files.
func (l *List) EraseElements(indexes []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, index := range indexes {
		delete(l.manifest, index)
		if err := ValidName(index); err != nil {
			continue
		}
		err := l.fs.Remove(l.path(index))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		l.logger.Debug("erased file", zap.String("name", index))
	}
	return nil
}

func (l *List) InnerList(string, int, bool) (types.ListAccessor, error) {
	return nil, errors.New("directory lists don't nest")
}

func (l *List) InitiateSynchAsServer(p2p.Peer, int, bool) types.ServerSynchRequestAnswer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxServers > 0 && l.servers >= l.maxServers {
		return types.ServerSynchRequestAnswer{Type: types.AnswerServerBusy}
	}
	l.servers++
	return types.ServerSynchRequestAnswer{Type: types.AnswerOK, Sink: l.serverSink}
}
