package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/listsync/types"
)

func TestDecodeOnce(t *testing.T) {
	id := uuid.New()
	for _, m := range []Message{
		&SynchRequest{
			RequesterPeer: "peer-a",
			Path: types.ListPath{
				MainList:      "files",
				MainListLevel: 1,
				InnerLists:    []types.InnerListRef{{Index: "dir", Level: 0}},
			},
			ConfigHash: "cfg",
			Element:    Some(""),
		},
		&SynchRequest{Path: types.ListPath{MainList: "x"}},
		&SynchAnswer{Accepted: false, Reason: types.ErrorDifferentListsConfig},
		&HashQuery{ID: OptID{Value: id, Valid: true}, FirstHash: Some("a@1"), Length: 300, ListHash: Some("")},
		&HashQuery{Complete: true},
		&HashQueryResult{ID: id, Verdict: HashFoundListHashEquals},
		&IndexBatch{Items: []string{"a@1", "", "b@2"}},
		&IndexBatch{},
		&IndexCount{Count: 70000},
		&ObjectRequest{More: true, Index: ""},
		&ObjectRequest{},
		&ElementObject{Index: "a", Data: []byte("payload")},
		&ElementNotFound{Index: "b"},
		&StoreName{Name: "_internal/1"},
	} {
		t.Run(m.Type().String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			require.Equal(t, byte(m.Type()), b[0])
			decoded, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, m, decoded)
		})
	}
}

func TestOptionalPresence(t *testing.T) {
	absent, err := Encode(&HashQuery{Complete: true})
	require.NoError(t, err)
	empty, err := Encode(&HashQuery{FirstHash: Some(""), ListHash: Some(""), Complete: true})
	require.NoError(t, err)
	require.NotEqual(t, absent, empty)

	m, err := Decode(empty)
	require.NoError(t, err)
	q := m.(*HashQuery)
	require.True(t, q.FirstHash.Valid)
	require.Equal(t, "", q.FirstHash.Value)
	require.False(t, q.ID.Valid)
	require.Equal(t, "<none>", OptString{}.String())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrBadMessage)
	_, err = Decode([]byte{0xff})
	require.ErrorIs(t, err, ErrBadMessage)

	b, err := Encode(&IndexCount{Count: 1})
	require.NoError(t, err)
	_, err = Decode(append(b, 0))
	require.ErrorIs(t, err, ErrBadMessage, "trailing bytes")

	b, err = Encode(&HashQueryResult{Verdict: HashFoundListHashEquals})
	require.NoError(t, err)
	b[len(b)-1] = 9
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrBadMessage, "invalid verdict")

	b, err = Encode(&ObjectRequest{More: true})
	require.NoError(t, err)
	b[1] = 2
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrBadMessage, "invalid bool")

	_, err = Encode(&IndexBatch{Items: make([]string, MaxBatchSize+1)})
	require.Error(t, err)
}

type bufferStream struct {
	bytes.Buffer
	closed bool
}

func (s *bufferStream) Close() error {
	s.closed = true
	return nil
}

func TestStreamConduit(t *testing.T) {
	var stream bufferStream
	c := NewStreamConduit(&stream)
	msgs := []Message{
		&IndexBatch{Items: []string{"a@1"}},
		&ElementObject{Index: "a", Data: bytes.Repeat([]byte{1}, 1000)},
		&IndexBatch{},
	}
	for _, m := range msgs {
		require.NoError(t, c.Send(m))
	}
	for _, m := range msgs {
		got, err := c.Next()
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := c.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Close())
	require.True(t, stream.closed)
}

func TestStreamConduitFraming(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		header []byte
		err    error
	}{
		{
			desc:   "too large",
			header: varint.ToUvarint(MaxFrameSize + 1),
			err:    msgio.ErrMsgTooLarge,
		},
		{
			desc:   "not minimal",
			header: []byte{0x81, 0x00},
			err:    varint.ErrNotMinimal,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var stream bufferStream
			stream.Write(tc.header)
			stream.Write(make([]byte, 16))
			_, err := NewStreamConduit(&stream).Next()
			require.ErrorIs(t, err, ErrBadMessage)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send(&IndexCount{Count: 1}))
	require.NoError(t, a.Send(&IndexCount{Count: 2}))
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send(&IndexCount{Count: 3}), ErrClosed)

	for _, n := range []uint32{1, 2} {
		m, err := b.Next()
		require.NoError(t, err)
		require.Equal(t, &IndexCount{Count: n}, m)
	}
	_, err := b.Next()
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, b.Send(&IndexCount{}), ErrClosed)
}

func TestPipeBlockingNext(t *testing.T) {
	a, b := Pipe()
	done := make(chan Message, 1)
	go func() {
		m, err := b.Next()
		if err == nil {
			done <- m
		}
		close(done)
	}()
	require.NoError(t, a.Send(&StoreName{Name: "s"}))
	require.Equal(t, &StoreName{Name: "s"}, <-done)
}
