package listsync

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/listsync/dirlist"
	"github.com/spacemeshos/go-listsync/listsync/memlist"
	"github.com/spacemeshos/go-listsync/listsync/transfer"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/p2p"
)

var objectLevels = []memlist.Level{{Transmission: types.TransmissionObject}}

func failure(t *testing.T, effects []Effect) types.ErrorType {
	t.Helper()
	require.NotEmpty(t, effects)
	f, ok := effects[len(effects)-1].(Fail)
	require.True(t, ok, "last effect is %T", effects[len(effects)-1])
	return f.Err.Type
}

func endSynchs(effects []Effect) []EndSynch {
	var r []EndSynch
	for _, e := range effects {
		if es, ok := e.(EndSynch); ok {
			r = append(r, es)
		}
	}
	return r
}

func sent(effects []Effect) []wire.Message {
	var r []wire.Message
	for _, e := range effects {
		if s, ok := e.(Send); ok {
			r = append(r, s.Msg)
		}
	}
	return r
}

func mainPath(level int) types.ListPath {
	return types.ListPath{MainList: "list", MainListLevel: level}
}

func TestClientInvalidLevel(t *testing.T) {
	l := memlist.New(objectLevels)
	c := NewClientFSM("me", mainPath(1), wire.OptString{}, l, nil)
	effects := c.Start()
	require.Equal(t, types.ErrorInvalidLevel, failure(t, effects))
	require.Empty(t, endSynchs(effects))
	require.Equal(t, ClientError, c.State())
	require.Equal(t, 0, l.Active())
}

func TestClientBeginSynchFailure(t *testing.T) {
	l := memlist.New(objectLevels)
	l.SetFault(errors.New("disk on fire"))
	c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
	effects := c.Start()
	require.Equal(t, types.ErrorDataAccess, failure(t, effects))
	require.Empty(t, endSynchs(effects))
	require.True(t, c.Done())
}

func TestClientRequest(t *testing.T) {
	l := memlist.New(objectLevels)
	l.Put("a", 0, []byte("1"))
	l.Put("b", 0, []byte("2"))
	c := NewClientFSM("me", mainPath(0), wire.Some("b"), l, nil)
	effects := c.Start()
	require.Equal(t, ClientWaitingForRequestAnswer, c.State())
	msgs := sent(effects)
	require.Len(t, msgs, 1)
	req, ok := msgs[0].(*wire.SynchRequest)
	require.True(t, ok)
	require.Equal(t, "me", req.RequesterPeer)
	require.Equal(t, mainPath(0), req.Path)
	require.Equal(t, types.ConfigHash(l), req.ConfigHash)
	require.Equal(t, wire.Some("b"), req.Element)
	require.Len(t, c.data.own, 1)
	require.Equal(t, "b", c.data.own[0].Index)
	require.Equal(t, 1, l.Active())
}

func TestClientRejected(t *testing.T) {
	for _, reason := range []types.ErrorType{
		types.ErrorServerBusy,
		types.ErrorUnknownList,
		types.ErrorRequestDenied,
		types.ErrorDifferentListsConfig,
		types.ErrorInvalidLevel,
	} {
		t.Run(reason.String(), func(t *testing.T) {
			l := memlist.New(objectLevels)
			c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
			c.Start()
			effects := c.Handle(&wire.SynchAnswer{Accepted: false, Reason: reason})
			require.Equal(t, reason, failure(t, effects))
			require.Equal(t, []EndSynch{{Mode: types.ModeClient, Success: false}}, endSynchs(effects))
			require.True(t, c.Done())
		})
	}
}

func TestClientUnexpectedMessage(t *testing.T) {
	l := memlist.New(objectLevels)
	c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
	c.Start()
	effects := c.Handle(&wire.IndexCount{Count: 3})
	require.Equal(t, types.ErrorInProtocol, failure(t, effects))
	require.Equal(t, []EndSynch{{Mode: types.ModeClient, Success: false}}, endSynchs(effects))

	// terminal states ignore everything
	require.Empty(t, c.Handle(&wire.SynchAnswer{Accepted: true}))
	require.Empty(t, c.Abort(types.ErrorDisconnected, nil))
	require.Empty(t, c.Timeout())
}

func TestClientTimeout(t *testing.T) {
	l := memlist.New(objectLevels)
	c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
	c.Start()
	effects := c.Timeout()
	require.Equal(t, []Effect{EndSynch{Mode: types.ModeClient, Success: false}, Timeout{}}, effects)
	require.True(t, c.Done())
	require.Empty(t, c.Timeout())
}

func TestClientTooManyIndexes(t *testing.T) {
	l := memlist.New(objectLevels)
	c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
	c.Start()
	c.state = ClientWaitingForIndexesToRequest
	require.Empty(t, c.Handle(&wire.IndexBatch{Items: []string{"a@1", "b@2"}}))
	effects := c.Handle(&wire.IndexBatch{Items: make([]string, transfer.MaxFrames-1)})
	require.Equal(t, types.ErrorInProtocol, failure(t, effects))
	require.Equal(t, []EndSynch{{Mode: types.ModeClient, Success: false}}, endSynchs(effects))
	require.Len(t, c.data.received, 2)
}

func TestClientNothingToRequest(t *testing.T) {
	l := memlist.New(objectLevels)
	c := NewClientFSM("me", mainPath(0), wire.OptString{}, l, nil)
	c.Start()
	require.Empty(t, c.Handle(&wire.SynchAnswer{Accepted: true}))
	require.Equal(t, ClientIndexAndHashSynch, c.State())
	require.Empty(t, c.Handle(&wire.HashQuery{Complete: true}))
	require.Equal(t, ClientWaitingForIndexesToRequest, c.State())
	effects := c.Handle(&wire.IndexBatch{})
	require.Equal(t, []Effect{
		Send{Msg: &wire.IndexCount{Count: 0}},
		EndSynch{Mode: types.ModeClient, Success: true},
		Progress{Value: types.MaxProgress},
		Complete{},
	}, effects)
	require.Equal(t, ClientSuccessNotifyComplete, c.State())
}

type denyAll struct{}

func (denyAll) Allowed(p2p.Peer) bool { return false }

func TestServerRejections(t *testing.T) {
	type testcase struct {
		desc   string
		policy PeerPolicy
		path   types.ListPath
		config func(*memlist.List) string
		busy   bool
		reason types.ErrorType
	}
	for _, tc := range []testcase{
		{
			desc:   "denied",
			policy: denyAll{},
			path:   mainPath(0),
			reason: types.ErrorRequestDenied,
		},
		{
			desc:   "unknown list",
			path:   types.ListPath{MainList: "other"},
			reason: types.ErrorUnknownList,
		},
		{
			desc:   "unknown inner list",
			path:   mainPath(0).Inner("a", 0),
			reason: types.ErrorUnknownList,
		},
		{
			desc:   "different config",
			path:   mainPath(0),
			config: func(*memlist.List) string { return "bogus" },
			reason: types.ErrorDifferentListsConfig,
		},
		{
			desc:   "invalid level",
			path:   mainPath(2),
			reason: types.ErrorInvalidLevel,
		},
		{
			desc:   "busy",
			path:   mainPath(0),
			busy:   true,
			reason: types.ErrorServerBusy,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			l := memlist.New(
				[]memlist.Level{
					{Transmission: types.TransmissionObject},
					{Transmission: types.TransmissionInnerLists, Inner: objectLevels, InnerLevels: []int{0}},
				},
				memlist.WithMaxServerSessions(1),
			)
			if tc.busy {
				l.InitiateSynchAsServer("other", 0, false)
			}
			configHash := types.ConfigHash(l)
			if tc.config != nil {
				configHash = tc.config(l)
			}
			s := NewServerFSM("peer", types.ListsMap{"list": l}, tc.policy, func() string { return "store" })
			require.Empty(t, s.Start())
			effects := s.Handle(&wire.SynchRequest{RequesterPeer: "peer", Path: tc.path, ConfigHash: configHash})
			require.Equal(t, tc.reason, failure(t, effects))
			require.Equal(t, []wire.Message{&wire.SynchAnswer{Accepted: false, Reason: tc.reason}}, sent(effects))
			require.Empty(t, endSynchs(effects))
			require.Equal(t, ServerError, s.State())
			require.Empty(t, l.EndSynchCalls())
			require.Equal(t, 0, l.Active())
		})
	}
}

// closeBrackets runs the EndSynch effects against acc the way a session does.
func closeBrackets(acc types.ListAccessor, effects []Effect) {
	for _, es := range endSynchs(effects) {
		acc.EndSynch(es.Mode, es.Success)
	}
}

func TestServerBeginSynchFailureReleasesSlot(t *testing.T) {
	l := memlist.New(objectLevels, memlist.WithMaxServerSessions(1))
	l.SetFault(errors.New("disk on fire"))
	request := &wire.SynchRequest{RequesterPeer: "peer", Path: mainPath(0), ConfigHash: types.ConfigHash(l)}

	s := NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	effects := s.Handle(request)
	require.Equal(t, types.ErrorDataAccess, failure(t, effects))
	require.Equal(t, []wire.Message{&wire.SynchAnswer{Accepted: false, Reason: types.ErrorDataAccess}}, sent(effects))
	require.Equal(t, []EndSynch{{Mode: types.ModeServer, Success: false}}, endSynchs(effects))
	closeBrackets(l, effects)
	require.Equal(t, 0, l.Active())

	l.SetFault(nil)
	s = NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	effects = s.Handle(request)
	msgs := sent(effects)
	require.NotEmpty(t, msgs)
	require.Equal(t, &wire.SynchAnswer{Accepted: true}, msgs[0])
	require.Equal(t, 1, l.Active())
}

func TestServerMissingDirectoryReleasesSlot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	l, err := dirlist.New(fsys, "/data", dirlist.WithMaxServerSessions(1))
	require.NoError(t, err)
	request := &wire.SynchRequest{
		RequesterPeer: "peer",
		Path:          mainPath(dirlist.LevelManifest),
		ConfigHash:    types.ConfigHash(l),
	}

	require.NoError(t, fsys.RemoveAll("/data"))
	s := NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	effects := s.Handle(request)
	require.Equal(t, types.ErrorDataAccess, failure(t, effects))
	closeBrackets(l, effects)

	require.NoError(t, fsys.MkdirAll("/data", 0o755))
	s = NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	effects = s.Handle(request)
	msgs := sent(effects)
	require.NotEmpty(t, msgs)
	require.Equal(t, &wire.SynchAnswer{Accepted: true}, msgs[0])
}

func TestServerUnexpectedMessage(t *testing.T) {
	s := NewServerFSM("peer", types.ListsMap{}, nil, nil)
	effects := s.Handle(&wire.IndexCount{})
	require.Equal(t, types.ErrorInProtocol, failure(t, effects))
	require.Empty(t, endSynchs(effects))
	require.Empty(t, s.Timeout())
}

func TestServerAbortAfterAccept(t *testing.T) {
	l := memlist.New(objectLevels)
	l.Put("a", 0, []byte("1"))
	s := NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	effects := s.Handle(&wire.SynchRequest{RequesterPeer: "peer", Path: mainPath(0), ConfigHash: types.ConfigHash(l)})
	msgs := sent(effects)
	require.NotEmpty(t, msgs)
	require.Equal(t, &wire.SynchAnswer{Accepted: true}, msgs[0])
	require.Equal(t, ServerIndexAndHashSynch, s.State())
	require.Equal(t, mainPath(0), s.Path())

	effects = s.Abort(types.ErrorDisconnected, nil)
	require.Equal(t, types.ErrorDisconnected, failure(t, effects))
	require.Equal(t, []EndSynch{{Mode: types.ModeServer, Success: false}}, endSynchs(effects))
}

func TestServerTimeoutAfterAccept(t *testing.T) {
	l := memlist.New(objectLevels)
	s := NewServerFSM("peer", types.ListsMap{"list": l}, nil, nil)
	s.Handle(&wire.SynchRequest{RequesterPeer: "peer", Path: mainPath(0), ConfigHash: types.ConfigHash(l)})
	require.False(t, s.Done())
	require.Equal(t, []Effect{EndSynch{Mode: types.ModeServer, Success: false}, Timeout{}}, s.Timeout())
	require.True(t, s.Done())
}

// converse delivers the messages of each machine to the other until both
// are quiet.
func converse(t *testing.T, c *ClientFSM, s *ServerFSM) (client, server []Effect) {
	t.Helper()
	client = c.Start()
	pending := sent(client)
	for len(pending) > 0 {
		var replies []wire.Message
		for _, msg := range pending {
			effects := s.Handle(msg)
			server = append(server, effects...)
			replies = append(replies, sent(effects)...)
		}
		pending = nil
		for _, msg := range replies {
			effects := c.Handle(msg)
			client = append(client, effects...)
			pending = append(pending, sent(effects)...)
		}
	}
	return client, server
}

func TestServerByteArrayHandOff(t *testing.T) {
	levels := []memlist.Level{{Transmission: types.TransmissionByteArray}}
	remote := memlist.New(levels)
	remote.Put("a", 0, []byte("alpha"))
	remote.Put("b", 0, []byte("bravo"))
	local := memlist.New(levels)

	c := NewClientFSM("me", mainPath(0), wire.OptString{}, local, nil)
	s := NewServerFSM("me", types.ListsMap{"list": remote}, nil, func() string { return "store" })
	clientEffects, serverEffects := converse(t, c, s)

	require.Equal(t, ServerByteArrayTransmission, s.State())
	require.True(t, s.Done())
	// the store closes the bracket once the transfer ends
	require.Empty(t, endSynchs(serverEffects))
	var stores []RegisterStore
	for _, e := range serverEffects {
		if r, ok := e.(RegisterStore); ok {
			stores = append(stores, r)
		}
	}
	require.Len(t, stores, 1)
	require.Equal(t, "store", stores[0].Name)
	require.NoError(t, stores[0].Reader.Close())
	require.Contains(t, sent(serverEffects), wire.Message(&wire.StoreName{Name: "store"}))

	require.Equal(t, ClientSuccessNotNotifyComplete, c.State())
	require.Contains(t, clientEffects, Effect(Download{Store: "store", Count: 2}))

	// nothing more is expected from the client
	require.Empty(t, s.Handle(&wire.IndexCount{}))
	require.Empty(t, s.Timeout())
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "waitingForStoreName", ClientWaitingForStoreName.String())
	require.Equal(t, "waitingForIndexesToServeCount", ServerWaitingForIndexesToServeCount.String())
	require.True(t, ClientErrorElementChangedInServer.Terminal())
	require.False(t, ServerObjectTransmission.Terminal())
	require.Equal(t, "byteArrayTransmission", ServerByteArrayTransmission.String())
	require.True(t, ServerByteArrayTransmission.Terminal())
	require.False(t, ServerWaitingForIndexesToServe.Terminal())
}
