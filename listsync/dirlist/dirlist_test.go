package dirlist

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/log/logtest"
)

func newList(t *testing.T, files map[string]string, opts ...Opt) (*List, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, "/data/"+name, []byte(content), 0o644))
	}
	l, err := New(fsys, "/data", append([]Opt{WithLogger(logtest.New(t))}, opts...)...)
	require.NoError(t, err)
	return l, fsys
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"a", "file.txt", "..x", "with space"} {
		require.NoError(t, ValidName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a@b", tempPrefix + "x"} {
		require.ErrorIs(t, ValidName(name), ErrInvalidName, name)
	}
}

func TestHashList(t *testing.T) {
	l, fsys := newList(t, map[string]string{"b": "bravo", "a": "alpha", "bad@name": "x"})
	require.NoError(t, fsys.Mkdir("/data/subdir", 0o755))
	manifest, err := l.HashList(LevelManifest)
	require.NoError(t, err)
	require.Len(t, manifest, 2)
	require.Equal(t, "a", manifest[0].Index)
	require.Equal(t, "b", manifest[1].Index)
	content, err := l.HashList(LevelContent)
	require.NoError(t, err)
	require.Equal(t, manifest, content)

	obj, err := l.ElementObject("a", LevelManifest)
	require.NoError(t, err)
	require.Equal(t, manifest[0].Hash, string(obj))

	_, err = l.ElementObject("missing", LevelManifest)
	require.ErrorIs(t, err, types.ErrElementNotFound)
	_, err = l.ElementObject("subdir", LevelManifest)
	require.ErrorIs(t, err, types.ErrElementNotFound)
	require.Panics(t, func() { l.HashList(2) })
}

func TestDigestCache(t *testing.T) {
	l, fsys := newList(t, map[string]string{"a": "alpha"})
	first, err := l.HashList(LevelContent)
	require.NoError(t, err)
	require.Equal(t, 1, l.cache.Len())

	require.NoError(t, afero.WriteFile(fsys, "/data/a", []byte("another alpha"), 0o644))
	second, err := l.HashList(LevelContent)
	require.NoError(t, err)
	require.NotEqual(t, first[0].Hash, second[0].Hash)
	require.Equal(t, 2, l.cache.Len())
}

func TestLayout(t *testing.T) {
	l, _ := newList(t, nil)
	require.Equal(t, 2, l.LevelCount())
	require.True(t, l.HashEqualsElement(LevelManifest))
	require.False(t, l.HashEqualsElement(LevelContent))
	require.Equal(t, types.TransmissionObject, l.TransmissionType(LevelManifest))
	require.Equal(t, types.TransmissionByteArray, l.TransmissionType(LevelContent))
	require.Empty(t, l.InnerListLevels(LevelContent))
	_, err := l.InnerList("a", LevelContent, true)
	require.Error(t, err)
}

func TestByteArrays(t *testing.T) {
	src, _ := newList(t, map[string]string{"a": "alpha"})
	dst, fsys := newList(t, nil)

	n, err := src.ElementByteArrayLength("a", LevelContent)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	r, err := src.ElementByteArray("a", LevelContent)
	require.NoError(t, err)
	require.NoError(t, dst.AddElementByteArray("a", LevelContent, r, n))
	require.NoError(t, r.Close())

	data, err := afero.ReadFile(fsys, "/data/a")
	require.NoError(t, err)
	require.Equal(t, "alpha", string(data))

	hl, err := src.HashList(LevelContent)
	require.NoError(t, err)
	require.False(t, dst.MustRequestElement("a", LevelContent, hl[0].Hash))
	require.True(t, dst.MustRequestElement("a", LevelContent, "other"))
	require.True(t, dst.MustRequestElement("b", LevelContent, hl[0].Hash))

	_, err = src.ElementByteArray("missing", LevelContent)
	require.ErrorIs(t, err, types.ErrElementNotFound)
}

func TestShortByteArray(t *testing.T) {
	l, fsys := newList(t, nil)
	err := l.AddElementByteArray("a", LevelContent, strings.NewReader("abc"), 10)
	require.ErrorIs(t, err, io.EOF)
	infos, err := afero.ReadDir(fsys, "/data")
	require.NoError(t, err)
	require.Empty(t, infos, "temporary file must be removed")
}

func TestManifestMismatch(t *testing.T) {
	src, _ := newList(t, map[string]string{"a": "alpha"})
	hl, err := src.HashList(LevelManifest)
	require.NoError(t, err)

	dst, fsys := newList(t, nil)
	require.NoError(t, dst.AddElementObject("a", LevelManifest, []byte(hl[0].Hash)))
	err = dst.AddElementByteArray("a", LevelContent, bytes.NewReader([]byte("omega")), 5)
	require.ErrorIs(t, err, ErrDigestMismatch)
	exists, err := afero.Exists(fsys, "/data/a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, dst.AddElementByteArray("a", LevelContent, bytes.NewReader([]byte("alpha")), 5))
	require.Empty(t, dst.manifest)

	require.ErrorIs(t, dst.AddElementObject("../x", LevelManifest, []byte("h")), ErrInvalidName)
}

func TestEraseElements(t *testing.T) {
	l, fsys := newList(t, map[string]string{"a": "alpha", "b": "bravo"})
	require.NoError(t, l.EraseElements([]string{"a", "missing", "../etc"}))
	exists, err := afero.Exists(fsys, "/data/a")
	require.NoError(t, err)
	require.False(t, exists)
	hl, err := l.HashList(LevelManifest)
	require.NoError(t, err)
	require.Len(t, hl, 1)
}

func TestServerSessions(t *testing.T) {
	l, _ := newList(t, nil, WithMaxServerSessions(1))
	require.Equal(t, types.AnswerOK, l.InitiateSynchAsServer("p", LevelContent, false).Type)
	require.Equal(t, types.AnswerServerBusy, l.InitiateSynchAsServer("p", LevelContent, false).Type)
	require.NoError(t, l.BeginSynch(types.ModeServer))
	l.EndSynch(types.ModeServer, true)
	require.Equal(t, types.AnswerOK, l.InitiateSynchAsServer("p", LevelContent, false).Type)
}
