package listsync

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-listsync/listsync/ordered"
	"github.com/spacemeshos/go-listsync/listsync/transfer"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

// ClientState is the state of the client side of a synchronization session.
type ClientState int

const (
	ClientInit ClientState = iota
	ClientWaitingForRequestAnswer
	ClientIndexAndHashSynch
	ClientWaitingForIndexesToRequest
	ClientObjectTransmission
	ClientWaitingForStoreName
	ClientSuccessNotifyComplete
	ClientSuccessNotNotifyComplete
	ClientError
	ClientErrorElementChangedInServer
)

var clientStates = []string{
	"init",
	"waitingForRequestAnswer",
	"indexAndHashSynch",
	"waitingForIndexesToRequest",
	"objectTransmission",
	"waitingForStoreName",
	"successNotifyComplete",
	"successNotNotifyComplete",
	"error",
	"errorElementChangedInServer",
}

func (s ClientState) String() string {
	if int(s) < len(clientStates) {
		return clientStates[s]
	}
	return fmt.Sprintf("<unknown %d>", int(s))
}

// Terminal returns true for the final states.
func (s ClientState) Terminal() bool {
	return s >= ClientSuccessNotifyComplete
}

// clientData is the session data of the client state machine.
type clientData struct {
	self    string
	path    types.ListPath
	level   int
	element wire.OptString
	acc     types.ListAccessor
	sink    types.ProgressSink

	begun     bool
	own       []types.IndexAndHash
	responder *ordered.Responder
	received  []types.IndexAndHash
	objects   *transfer.ObjectClient
	needed    []string
}

// ClientFSM is the client side of a synchronization session: it requests the
// synchronization, answers the server's hash queries and receives the
// elements it is missing.
type ClientFSM struct {
	state ClientState
	data  clientData
}

var _ machine = &ClientFSM{}

// NewClientFSM creates the client state machine for the level addressed by
// the path. acc is the innermost list of the path.
func NewClientFSM(
	self string,
	path types.ListPath,
	element wire.OptString,
	acc types.ListAccessor,
	sink types.ProgressSink,
) *ClientFSM {
	return &ClientFSM{
		data: clientData{
			self:    self,
			path:    path,
			level:   path.Level(),
			element: element,
			acc:     acc,
			sink:    sink,
		},
	}
}

// State returns the current state.
func (c *ClientFSM) State() ClientState {
	return c.state
}

func (c *ClientFSM) Done() bool {
	return c.state.Terminal()
}

func (c *ClientFSM) accessor() types.ListAccessor {
	return c.data.acc
}

func (c *ClientFSM) progressSink() types.ProgressSink {
	return c.data.sink
}

func (c *ClientFSM) fail(t types.ErrorType, err error) []Effect {
	c.state = ClientError
	var effects []Effect
	if c.data.begun {
		effects = append(effects, EndSynch{Mode: types.ModeClient, Success: false})
	}
	return append(effects, Fail{Err: types.NewError(t, err)})
}

func (c *ClientFSM) failWith(err error) []Effect {
	var serr *types.SynchronizeError
	if errors.As(err, &serr) {
		return c.fail(serr.Type, serr.Err)
	}
	return c.fail(types.ErrorInProtocol, err)
}

func (c *ClientFSM) succeed(notify bool) []Effect {
	effects := []Effect{EndSynch{Mode: types.ModeClient, Success: true}}
	if !notify {
		c.state = ClientSuccessNotNotifyComplete
		return effects
	}
	c.state = ClientSuccessNotifyComplete
	return append(effects, Progress{Value: types.MaxProgress}, Complete{})
}

// Start begins the session and produces the synchronization request.
func (c *ClientFSM) Start() []Effect {
	if c.state != ClientInit {
		panic("BUG: ClientFSM started twice")
	}
	d := &c.data
	if d.level < 0 || d.level >= d.acc.LevelCount() {
		return c.fail(types.ErrorInvalidLevel, fmt.Errorf("level %d", d.level))
	}
	if err := d.acc.BeginSynch(types.ModeClient); err != nil {
		return c.fail(types.ErrorDataAccess, err)
	}
	d.begun = true
	own, err := d.acc.HashList(d.level)
	if err != nil {
		return c.fail(types.ErrorDataAccess, err)
	}
	d.own = filterElement(own, d.element)
	items := make([]string, len(d.own))
	for i, ih := range d.own {
		items[i] = ih.String()
	}
	d.responder = ordered.NewResponder(items)
	c.state = ClientWaitingForRequestAnswer
	return []Effect{
		Progress{Value: 0},
		Send{Msg: &wire.SynchRequest{
			RequesterPeer: d.self,
			Path:          d.path,
			ConfigHash:    types.ConfigHash(d.acc),
			Element:       d.element,
		}},
	}
}

func filterElement(items []types.IndexAndHash, element wire.OptString) []types.IndexAndHash {
	if !element.Valid {
		return items
	}
	for _, ih := range items {
		if ih.Index == element.Value {
			return []types.IndexAndHash{ih}
		}
	}
	return nil
}

// Handle advances the state machine with a message received from the server.
func (c *ClientFSM) Handle(msg wire.Message) []Effect {
	switch c.state {
	case ClientWaitingForRequestAnswer:
		if m, ok := msg.(*wire.SynchAnswer); ok {
			return c.handleAnswer(m)
		}
	case ClientIndexAndHashSynch:
		if m, ok := msg.(*wire.HashQuery); ok {
			return c.handleQuery(m)
		}
	case ClientWaitingForIndexesToRequest:
		if m, ok := msg.(*wire.IndexBatch); ok {
			return c.handleBatch(m)
		}
	case ClientObjectTransmission:
		switch msg.(type) {
		case *wire.ElementObject, *wire.ElementNotFound:
			return c.handleObject(msg)
		}
	case ClientWaitingForStoreName:
		if m, ok := msg.(*wire.StoreName); ok {
			c.state = ClientSuccessNotNotifyComplete
			return []Effect{Download{Store: m.Name, Count: len(c.data.needed)}}
		}
	default:
		if c.state.Terminal() {
			return nil
		}
	}
	return c.fail(types.ErrorInProtocol, fmt.Errorf("unexpected %s in state %s", msg.Type(), c.state))
}

func (c *ClientFSM) handleAnswer(m *wire.SynchAnswer) []Effect {
	if !m.Accepted {
		return c.fail(m.Reason, errors.New("request rejected by server"))
	}
	c.state = ClientIndexAndHashSynch
	return nil
}

func (c *ClientFSM) handleQuery(q *wire.HashQuery) []Effect {
	res, err := c.data.responder.HandleQuery(q)
	if err != nil {
		return c.fail(types.ErrorInProtocol, err)
	}
	if c.data.responder.Done() {
		c.state = ClientWaitingForIndexesToRequest
		return nil
	}
	return []Effect{Send{Msg: res}}
}

func (c *ClientFSM) handleBatch(b *wire.IndexBatch) []Effect {
	d := &c.data
	if len(d.received)+len(b.Items) > transfer.MaxFrames {
		return c.fail(types.ErrorInProtocol, fmt.Errorf("server offered more than %d elements", transfer.MaxFrames))
	}
	for _, item := range b.Items {
		ih, err := types.ParseIndexAndHash(item)
		if err != nil {
			return c.fail(types.ErrorInProtocol, err)
		}
		d.received = append(d.received, ih)
	}
	if len(b.Items) != 0 {
		return nil
	}
	return c.reconciled()
}

// reconciled runs once the server has sent the complete list of elements
// the client is missing.
func (c *ClientFSM) reconciled() []Effect {
	d := &c.data
	if d.acc.MustEraseOldIndexes() {
		if err := c.eraseStale(); err != nil {
			return c.fail(types.ErrorDataAccess, err)
		}
	}
	if d.acc.HashEqualsElement(d.level) {
		if err := transfer.AddHashesAsElements(d.acc, d.level, d.received); err != nil {
			return c.failWith(err)
		}
		return c.succeed(true)
	}
	for _, ih := range d.received {
		if d.acc.MustRequestElement(ih.Index, d.level, ih.Hash) {
			d.needed = append(d.needed, ih.Index)
		}
	}
	effects := []Effect{Send{Msg: &wire.IndexCount{Count: uint32(len(d.needed))}}}
	if len(d.needed) == 0 {
		return append(effects, c.succeed(true)...)
	}
	switch d.acc.TransmissionType(d.level) {
	case types.TransmissionObject:
		d.objects = transfer.NewObjectClient(d.acc, d.level, d.needed)
		c.state = ClientObjectTransmission
		return append(effects, Send{Msg: d.objects.Start()})
	case types.TransmissionByteArray:
		c.state = ClientWaitingForStoreName
		return sendAll(effects, ordered.Batches(d.needed, ordered.IndexBatchSize)...)
	case types.TransmissionInnerLists:
		effects = append(effects, InnerLists{Indexes: d.needed})
		return append(effects, c.succeed(false)...)
	default:
		return c.fail(types.ErrorUndefined, fmt.Errorf("transmission type %s", d.acc.TransmissionType(d.level)))
	}
}

// eraseStale drops the local elements the server doesn't have. Elements
// that are about to be replaced are kept.
func (c *ClientFSM) eraseStale() error {
	d := &c.data
	incoming := make(map[string]struct{}, len(d.received))
	for _, ih := range d.received {
		incoming[ih.Index] = struct{}{}
	}
	var stale []string
	for _, item := range d.responder.Remaining() {
		ih, err := types.ParseIndexAndHash(item)
		if err != nil {
			return err
		}
		if _, found := incoming[ih.Index]; !found {
			stale = append(stale, ih.Index)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return d.acc.EraseElements(stale)
}

func (c *ClientFSM) handleObject(msg wire.Message) []Effect {
	d := &c.data
	next, err := d.objects.Handle(msg)
	if err != nil {
		return c.failWith(err)
	}
	effects := []Effect{Send{Msg: next}}
	if !d.objects.Done() {
		return append(effects, Progress{Value: d.objects.Received() * types.MaxProgress / d.objects.Total()})
	}
	if d.objects.Changed() {
		c.state = ClientErrorElementChangedInServer
		return append(effects,
			EndSynch{Mode: types.ModeClient, Success: false},
			Fail{Err: types.NewError(types.ErrorElementChangedInServer, nil)})
	}
	return append(effects, c.succeed(true)...)
}

// Abort ends a non-terminal session with the specified error.
func (c *ClientFSM) Abort(t types.ErrorType, err error) []Effect {
	if c.state.Terminal() {
		return nil
	}
	return c.fail(t, err)
}

// Timeout ends a non-terminal session because of a timeout.
func (c *ClientFSM) Timeout() []Effect {
	if c.state.Terminal() {
		return nil
	}
	c.state = ClientError
	var effects []Effect
	if c.data.begun {
		effects = append(effects, EndSynch{Mode: types.ModeClient, Success: false})
	}
	return append(effects, Timeout{})
}
