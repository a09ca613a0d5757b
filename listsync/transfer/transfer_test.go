package transfer

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/listsync/memlist"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

func newList() *memlist.List {
	return memlist.New([]memlist.Level{
		{HashEqualsElement: true},
		{Transmission: types.TransmissionObject},
		{Transmission: types.TransmissionByteArray},
	})
}

func TestAddHashesAsElements(t *testing.T) {
	l := newList()
	require.NoError(t, AddHashesAsElements(l, 0, []types.IndexAndHash{{Index: "a", Hash: "A"}, {Index: "b", Hash: ""}}))
	data, found := l.Get("a", 0)
	require.True(t, found)
	require.Equal(t, []byte("A"), data)
	_, found = l.Get("b", 0)
	require.True(t, found)

	l.SetFault(errors.New("fault"))
	err := AddHashesAsElements(l, 0, []types.IndexAndHash{{Index: "c"}})
	require.Equal(t, types.ErrorDataAccess, types.ErrorTypeOf(err))
}

func TestObjectTransfer(t *testing.T) {
	server := newList()
	server.Put("a", 1, []byte("object a"))
	server.Put("c", 1, []byte("object c"))
	client := newList()

	c := NewObjectClient(client, 1, []string{"a", "b", "c"})
	s := NewObjectServer(server, 1)
	req := c.Start()
	for {
		answer, done, err := s.Handle(req.(*wire.ObjectRequest))
		require.NoError(t, err)
		if done {
			break
		}
		require.False(t, c.Done())
		req, err = c.Handle(answer)
		require.NoError(t, err)
	}
	require.True(t, c.Done())
	require.True(t, c.Changed())
	require.Equal(t, 3, c.Received())
	require.Equal(t, 2, s.Served())
	require.Equal(t, []string{"a", "c"}, client.Indexes())
	data, _ := client.Get("c", 1)
	require.Equal(t, []byte("object c"), data)
}

func TestObjectTransferEmpty(t *testing.T) {
	c := NewObjectClient(newList(), 1, nil)
	require.Equal(t, &wire.ObjectRequest{}, c.Start())
	require.True(t, c.Done())
	require.False(t, c.Changed())
	_, err := c.Handle(&wire.ElementObject{})
	require.Equal(t, types.ErrorInProtocol, types.ErrorTypeOf(err))
}

func TestObjectTransferEmptyIndex(t *testing.T) {
	server := newList()
	server.Put("", 1, []byte("empty index"))
	c := NewObjectClient(newList(), 1, []string{""})
	req := c.Start().(*wire.ObjectRequest)
	require.True(t, req.More)
	answer, done, err := NewObjectServer(server, 1).Handle(req)
	require.NoError(t, err)
	require.False(t, done)
	next, err := c.Handle(answer)
	require.NoError(t, err)
	require.Equal(t, &wire.ObjectRequest{}, next)
	require.False(t, c.Changed())
}

func TestObjectClientErrors(t *testing.T) {
	c := NewObjectClient(newList(), 1, []string{"a"})
	c.Start()
	_, err := c.Handle(&wire.ElementObject{Index: "b"})
	require.Equal(t, types.ErrorInProtocol, types.ErrorTypeOf(err))
	_, err = c.Handle(&wire.ElementNotFound{Index: "b"})
	require.Equal(t, types.ErrorInProtocol, types.ErrorTypeOf(err))
	_, err = c.Handle(&wire.IndexCount{})
	require.Equal(t, types.ErrorInProtocol, types.ErrorTypeOf(err))

	l := newList()
	l.SetFault(errors.New("fault"))
	c = NewObjectClient(l, 1, []string{"a"})
	c.Start()
	_, err = c.Handle(&wire.ElementObject{Index: "a"})
	require.Equal(t, types.ErrorDataAccess, types.ErrorTypeOf(err))
}

func TestObjectServerFault(t *testing.T) {
	l := newList()
	l.SetFault(errors.New("fault"))
	_, _, err := NewObjectServer(l, 1).Handle(&wire.ObjectRequest{More: true, Index: "a"})
	require.Equal(t, types.ErrorDataAccess, types.ErrorTypeOf(err))
}

func TestIndexCollector(t *testing.T) {
	var c IndexCollector
	for _, msg := range batches(t, []string{"x", "y", ""}) {
		done, err := c.Add(msg)
		require.NoError(t, err)
		if done {
			break
		}
	}
	require.Equal(t, []string{"x", "y", ""}, c.Items())
	_, err := c.Add(&wire.IndexBatch{})
	require.Equal(t, types.ErrorInProtocol, types.ErrorTypeOf(err))
}

func batches(t *testing.T, items []string) []*wire.IndexBatch {
	t.Helper()
	return []*wire.IndexBatch{{Items: items[:2]}, {Items: items[2:]}, {}}
}

func TestFrames(t *testing.T) {
	server := newList()
	payloads := map[string][]byte{
		"x": bytes.Repeat([]byte{7}, 10000),
		"y": nil,
		"":  []byte("short"),
	}
	for index, data := range payloads {
		server.Put(index, 2, data)
	}
	indexes := []string{"x", "y", ""}

	r := NewFrameReader(server, 2, indexes)
	size, err := r.Size()
	require.NoError(t, err)
	stream, err := io.ReadAll(iotest.OneByteReader(r))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.EqualValues(t, size, len(stream))

	client := newList()
	var calls []int
	n, err := StoreFrames(bytes.NewReader(stream), client, 2, func(done, total int) {
		require.Equal(t, 3, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{1, 2, 3}, calls)
	for index, want := range payloads {
		data, found := client.Get(index, 2)
		require.True(t, found, index)
		require.Equal(t, len(want), len(data))
		require.True(t, bytes.Equal(want, data))
	}
}

func TestFramesTruncated(t *testing.T) {
	server := newList()
	server.Put("x", 2, []byte("payload"))
	stream, err := io.ReadAll(NewFrameReader(server, 2, []string{"x"}))
	require.NoError(t, err)
	for i := range len(stream) {
		_, err := StoreFrames(bytes.NewReader(stream[:i]), newList(), 2, nil)
		require.Error(t, err, "truncated at %d", i)
	}
}

func TestFrameReaderMissing(t *testing.T) {
	r := NewFrameReader(newList(), 2, []string{"gone"})
	_, err := r.Size()
	require.Equal(t, types.ErrorDataAccess, types.ErrorTypeOf(err))
	_, err = io.ReadAll(r)
	require.Equal(t, types.ErrorDataAccess, types.ErrorTypeOf(err))
}
