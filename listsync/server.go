package listsync

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-listsync/listsync/ordered"
	"github.com/spacemeshos/go-listsync/listsync/transfer"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/p2p"
)

// PeerPolicy decides whether a peer may synchronize lists from this node.
type PeerPolicy interface {
	Allowed(peer p2p.Peer) bool
}

// ServerState is the state of the server side of a synchronization session.
type ServerState int

const (
	ServerWaitingForRequest ServerState = iota
	ServerIndexAndHashSynch
	ServerWaitingForIndexesToServeCount
	ServerWaitingForIndexesToServe
	ServerObjectTransmission
	// ServerByteArrayTransmission ends the conversation: the one-shot store
	// serves the elements and reports the outcome of the session.
	ServerByteArrayTransmission
	ServerSuccessNotifyComplete
	ServerError
)

var serverStates = []string{
	"waitingForRequest",
	"indexAndHashSynch",
	"waitingForIndexesToServeCount",
	"waitingForIndexesToServe",
	"objectTransmission",
	"byteArrayTransmission",
	"successNotifyComplete",
	"error",
}

func (s ServerState) String() string {
	if int(s) < len(serverStates) {
		return serverStates[s]
	}
	return fmt.Sprintf("<unknown %d>", int(s))
}

// Terminal returns true for the final states.
func (s ServerState) Terminal() bool {
	return s >= ServerByteArrayTransmission
}

type serverData struct {
	remote    p2p.Peer
	lists     types.Lists
	policy    PeerPolicy
	storeName func() string

	path  types.ListPath
	level int
	acc   types.ListAccessor
	sink  types.ProgressSink
	// admitted is set once InitiateSynchAsServer accepted the session;
	// from then on every outcome ends with EndSynch
	admitted  bool
	requester *ordered.Requester
	count     int
	objects   *transfer.ObjectServer
	indexes   transfer.IndexCollector
}

// ServerFSM is the server side of a synchronization session: it validates
// the request, drives the hash reconciliation and serves the elements the
// client is missing.
type ServerFSM struct {
	state ServerState
	data  serverData
}

var _ machine = &ServerFSM{}

// NewServerFSM creates the server state machine for a session with the
// remote peer. storeName generates names of one-shot resource stores.
func NewServerFSM(remote p2p.Peer, lists types.Lists, policy PeerPolicy, storeName func() string) *ServerFSM {
	return &ServerFSM{
		data: serverData{
			remote:    remote,
			lists:     lists,
			policy:    policy,
			storeName: storeName,
		},
	}
}

// State returns the current state.
func (s *ServerFSM) State() ServerState {
	return s.state
}

// Path returns the requested list path, once known.
func (s *ServerFSM) Path() types.ListPath {
	return s.data.path
}

func (s *ServerFSM) Done() bool {
	return s.state.Terminal()
}

func (s *ServerFSM) accessor() types.ListAccessor {
	return s.data.acc
}

func (s *ServerFSM) progressSink() types.ProgressSink {
	return s.data.sink
}

// Start implements machine. The server waits for the request.
func (s *ServerFSM) Start() []Effect {
	return nil
}

func (s *ServerFSM) fail(t types.ErrorType, err error) []Effect {
	s.state = ServerError
	var effects []Effect
	if s.data.admitted {
		effects = append(effects, EndSynch{Mode: types.ModeServer, Success: false})
	}
	return append(effects, Fail{Err: types.NewError(t, err)})
}

func (s *ServerFSM) failWith(err error) []Effect {
	var serr *types.SynchronizeError
	if errors.As(err, &serr) {
		return s.fail(serr.Type, serr.Err)
	}
	return s.fail(types.ErrorInProtocol, err)
}

// reject answers the request negatively and ends the session.
func (s *ServerFSM) reject(t types.ErrorType, err error) []Effect {
	effects := []Effect{Send{Msg: &wire.SynchAnswer{Accepted: false, Reason: t}}}
	return append(effects, s.fail(t, err)...)
}

func (s *ServerFSM) succeed() []Effect {
	s.state = ServerSuccessNotifyComplete
	return []Effect{
		EndSynch{Mode: types.ModeServer, Success: true},
		Progress{Value: types.MaxProgress},
		Complete{},
	}
}

// Handle advances the state machine with a message received from the client.
func (s *ServerFSM) Handle(msg wire.Message) []Effect {
	switch s.state {
	case ServerWaitingForRequest:
		if m, ok := msg.(*wire.SynchRequest); ok {
			return s.handleRequest(m)
		}
	case ServerIndexAndHashSynch:
		if m, ok := msg.(*wire.HashQueryResult); ok {
			return s.handleResult(m)
		}
	case ServerWaitingForIndexesToServeCount:
		if m, ok := msg.(*wire.IndexCount); ok {
			return s.handleCount(m)
		}
	case ServerWaitingForIndexesToServe:
		if m, ok := msg.(*wire.IndexBatch); ok {
			return s.handleBatch(m)
		}
	case ServerObjectTransmission:
		if m, ok := msg.(*wire.ObjectRequest); ok {
			return s.handleObjectRequest(m)
		}
	default:
		if s.state.Terminal() {
			return nil
		}
	}
	return s.fail(types.ErrorInProtocol, fmt.Errorf("unexpected %s in state %s", msg.Type(), s.state))
}

func (s *ServerFSM) handleRequest(m *wire.SynchRequest) []Effect {
	d := &s.data
	d.path = m.Path
	d.level = m.Path.Level()
	if d.policy != nil && !d.policy.Allowed(d.remote) {
		return s.reject(types.ErrorRequestDenied, fmt.Errorf("peer %s", d.remote))
	}
	acc, err := types.ResolvePath(d.lists, m.Path, false)
	switch {
	case errors.Is(err, types.ErrElementNotFound):
		return s.reject(types.ErrorUnknownList, fmt.Errorf("list %s", m.Path))
	case err != nil:
		return s.reject(types.ErrorDataAccess, err)
	}
	if m.ConfigHash != types.ConfigHash(acc) {
		return s.reject(types.ErrorDifferentListsConfig, fmt.Errorf("list %s", m.Path))
	}
	if d.level < 0 || d.level >= acc.LevelCount() {
		return s.reject(types.ErrorInvalidLevel, fmt.Errorf("level %d", d.level))
	}
	answer := acc.InitiateSynchAsServer(d.remote, d.level, m.Element.Valid)
	if answer.Type != types.AnswerOK {
		return s.reject(types.ErrorServerBusy, nil)
	}
	d.acc = acc
	d.sink = answer.Sink
	d.admitted = true
	if err := acc.BeginSynch(types.ModeServer); err != nil {
		return s.reject(types.ErrorDataAccess, err)
	}
	own, err := acc.HashList(d.level)
	if err != nil {
		return s.reject(types.ErrorDataAccess, err)
	}
	own = filterElement(own, m.Element)
	items := make([]string, len(own))
	for i, ih := range own {
		items[i] = ih.String()
	}
	d.requester = ordered.NewRequester(items, acc.HashEqualsElement(d.level))
	s.state = ServerIndexAndHashSynch
	effects := []Effect{Progress{Value: 0}, Send{Msg: &wire.SynchAnswer{Accepted: true}}}
	effects = sendAll(effects, d.requester.Start()...)
	return append(effects, s.afterReconcile()...)
}

func (s *ServerFSM) handleResult(m *wire.HashQueryResult) []Effect {
	msgs, err := s.data.requester.HandleResult(m)
	if err != nil {
		return s.fail(types.ErrorInProtocol, err)
	}
	return append(sendAll(nil, msgs...), s.afterReconcile()...)
}

func (s *ServerFSM) afterReconcile() []Effect {
	switch s.data.requester.Result() {
	case ordered.FinishedSkipTransfer:
		return s.succeed()
	case ordered.FinishedMustTransfer:
		s.state = ServerWaitingForIndexesToServeCount
	}
	return nil
}

func (s *ServerFSM) handleCount(m *wire.IndexCount) []Effect {
	d := &s.data
	d.count = int(m.Count)
	if d.count == 0 {
		return s.succeed()
	}
	switch d.acc.TransmissionType(d.level) {
	case types.TransmissionObject:
		d.objects = transfer.NewObjectServer(d.acc, d.level)
		s.state = ServerObjectTransmission
	case types.TransmissionByteArray:
		s.state = ServerWaitingForIndexesToServe
	default:
		// nested lists are synchronized in their own sessions
		return s.succeed()
	}
	return nil
}

func (s *ServerFSM) handleBatch(m *wire.IndexBatch) []Effect {
	d := &s.data
	done, err := d.indexes.Add(m)
	if err != nil {
		return s.failWith(err)
	}
	if !done {
		return nil
	}
	indexes := d.indexes.Items()
	if len(indexes) != d.count {
		return s.fail(types.ErrorInProtocol, fmt.Errorf("got %d indexes, announced %d", len(indexes), d.count))
	}
	r := transfer.NewFrameReader(d.acc, d.level, indexes)
	size, err := r.Size()
	if err != nil {
		return s.failWith(err)
	}
	name := d.storeName()
	s.state = ServerByteArrayTransmission
	return []Effect{
		RegisterStore{Name: name, Reader: r, Size: size},
		Send{Msg: &wire.StoreName{Name: name}},
	}
}

func (s *ServerFSM) handleObjectRequest(m *wire.ObjectRequest) []Effect {
	d := &s.data
	answer, done, err := d.objects.Handle(m)
	switch {
	case err != nil:
		return s.failWith(err)
	case done:
		return s.succeed()
	}
	return []Effect{
		Send{Msg: answer},
		Progress{Value: min(d.objects.Served(), d.count) * types.MaxProgress / d.count},
	}
}

// Abort ends a non-terminal session with the specified error.
func (s *ServerFSM) Abort(t types.ErrorType, err error) []Effect {
	if s.state.Terminal() {
		return nil
	}
	return s.fail(t, err)
}

// Timeout ends a non-terminal session because of a timeout.
func (s *ServerFSM) Timeout() []Effect {
	if s.state.Terminal() {
		return nil
	}
	s.state = ServerError
	var effects []Effect
	if s.data.admitted {
		effects = append(effects, EndSynch{Mode: types.ModeServer, Success: false})
	}
	return append(effects, Timeout{})
}
