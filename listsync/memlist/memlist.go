// Package memlist implements an in-memory multi-level list that can be
// synchronized with peers.
package memlist

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/spacemeshos/go-listsync/hash"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/p2p"
)

// Level describes one level of a list.
type Level struct {
	HashEqualsElement bool
	Transmission      types.TransmissionType
	// Inner is the level layout of the lists nested in the elements of an
	// inner lists level.
	Inner []Level
	// InnerLevels are the nested list levels that are synchronized.
	InnerLevels []int
}

// EndSynchCall records an EndSynch invocation.
type EndSynchCall struct {
	Mode    types.SynchMode
	Success bool
}

type element struct {
	data  map[int][]byte
	inner map[int]*List
}

// Opt configures a List.
type Opt func(*List)

// WithEraseOldIndexes makes the list drop elements the peer doesn't have
// when synchronizing as client.
func WithEraseOldIndexes() Opt {
	return func(l *List) {
		l.eraseOld = true
	}
}

// WithMustRequest sets the predicate deciding whether an element has to be
// requested from the peer.
func WithMustRequest(fn func(index string, level int, hash string) bool) Opt {
	return func(l *List) {
		l.mustRequest = fn
	}
}

// WithServerSink sets the sink receiving the outcome of server sessions.
func WithServerSink(sink types.ProgressSink) Opt {
	return func(l *List) {
		l.serverSink = sink
	}
}

// WithMaxServerSessions limits concurrent server sessions. Requests beyond
// the limit are answered with SERVER_BUSY.
func WithMaxServerSessions(n int) Opt {
	return func(l *List) {
		l.maxServers = n
	}
}

// List is an in-memory ListAccessor.
type List struct {
	mtx         sync.Mutex
	levels      []Level
	elements    map[string]*element
	eraseOld    bool
	mustRequest func(index string, level int, hash string) bool
	serverSink  types.ProgressSink
	maxServers  int
	servers     int
	active      int
	endSynch    []EndSynchCall
	fault       error
}

var _ types.ListAccessor = &List{}

// New creates an empty list with the specified level layout.
func New(levels []Level, opts ...Opt) *List {
	l := &List{
		levels:   levels,
		elements: make(map[string]*element),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Put sets the value of the element at a level.
func (l *List) Put(index string, level int, data []byte) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.put(index, level, data)
}

func (l *List) put(index string, level int, data []byte) {
	e := l.element(index)
	e.data[level] = slices.Clone(data)
}

func (l *List) element(index string) *element {
	e, found := l.elements[index]
	if !found {
		e = &element{data: make(map[int][]byte), inner: make(map[int]*List)}
		l.elements[index] = e
	}
	return e
}

// Get returns the value of the element at a level.
func (l *List) Get(index string, level int) ([]byte, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	e, found := l.elements[index]
	if !found {
		return nil, false
	}
	data, found := e.data[level]
	return data, found
}

// Indexes returns the sorted element indexes.
func (l *List) Indexes() []string {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return slices.Sorted(maps.Keys(l.elements))
}

// EndSynchCalls returns the EndSynch invocations so far.
func (l *List) EndSynchCalls() []EndSynchCall {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return slices.Clone(l.endSynch)
}

// Active returns the number of sessions in progress.
func (l *List) Active() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.active
}

// SetFault makes every data access fail with err. A nil err clears it.
func (l *List) SetFault(err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.fault = err
}

func (l *List) LevelCount() int {
	return len(l.levels)
}

func (l *List) BeginSynch(mode types.SynchMode) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.fault != nil {
		return l.fault
	}
	l.active++
	return nil
}

func (l *List) EndSynch(mode types.SynchMode, success bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	// a server session whose BeginSynch failed only releases its admission
	if l.active > 0 {
		l.active--
	}
	if mode == types.ModeServer && l.servers > 0 {
		l.servers--
	}
	l.endSynch = append(l.endSynch, EndSynchCall{Mode: mode, Success: success})
}

func (l *List) level(level int) Level {
	if level < 0 || level >= len(l.levels) {
		panic(fmt.Sprintf("BUG: invalid level %d", level))
	}
	return l.levels[level]
}

func (l *List) HashEqualsElement(level int) bool {
	return l.level(level).HashEqualsElement
}

func (l *List) TransmissionType(level int) types.TransmissionType {
	return l.level(level).Transmission
}

func (l *List) InnerListLevels(level int) []int {
	return l.level(level).InnerLevels
}

func (l *List) HashList(level int) ([]types.IndexAndHash, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.fault != nil {
		return nil, l.fault
	}
	return l.hashList(level)
}

func (l *List) hashList(level int) ([]types.IndexAndHash, error) {
	lvl := l.level(level)
	var r []types.IndexAndHash
	for _, index := range slices.Sorted(maps.Keys(l.elements)) {
		e := l.elements[index]
		var h string
		if lvl.Transmission == types.TransmissionInnerLists {
			inner, found := e.inner[level]
			if !found {
				continue
			}
			var err error
			if h, err = inner.digest(lvl.InnerLevels); err != nil {
				return nil, err
			}
		} else {
			data, found := e.data[level]
			if !found {
				continue
			}
			if lvl.HashEqualsElement {
				h = string(data)
			} else {
				sum := hash.Sum(data)
				h = hex.EncodeToString(sum[:])
			}
		}
		ih := types.IndexAndHash{Index: index, Hash: h}
		if err := ih.Validate(); err != nil {
			return nil, err
		}
		r = append(r, ih)
	}
	return r, nil
}

// digest summarizes the hash lists of the specified levels.
func (l *List) digest(levels []int) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var items []string
	for _, level := range levels {
		hl, err := l.hashList(level)
		if err != nil {
			return "", err
		}
		items = append(items, fmt.Sprint(level))
		for _, ih := range hl {
			items = append(items, ih.String())
		}
	}
	return hash.SumStrings(items...), nil
}

func (l *List) lookup(index string, level int) ([]byte, error) {
	if l.fault != nil {
		return nil, l.fault
	}
	e, found := l.elements[index]
	if !found {
		return nil, types.ErrElementNotFound
	}
	data, found := e.data[level]
	if !found {
		return nil, types.ErrElementNotFound
	}
	return data, nil
}

func (l *List) ElementObject(index string, level int) ([]byte, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	data, err := l.lookup(index, level)
	if err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

func (l *List) ElementByteArray(index string, level int) (io.ReadCloser, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	data, err := l.lookup(index, level)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (l *List) ElementByteArrayLength(index string, level int) (int64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	data, err := l.lookup(index, level)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (l *List) AddElementObject(index string, level int, data []byte) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.fault != nil {
		return l.fault
	}
	l.put(index, level, data)
	return nil
}

func (l *List) AddElementByteArray(index string, level int, r io.Reader, length int64) error {
	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return io.ErrUnexpectedEOF
	}
	return l.AddElementObject(index, level, data)
}

func (l *List) MustRequestElement(index string, level int, hash string) bool {
	if l.mustRequest == nil {
		return true
	}
	return l.mustRequest(index, level, hash)
}

func (l *List) MustEraseOldIndexes() bool {
	return l.eraseOld
}

func (l *List) EraseElements(indexes []string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.fault != nil {
		return l.fault
	}
	for _, index := range indexes {
		delete(l.elements, index)
	}
	return nil
}

func (l *List) InnerList(index string, level int, buildIfNeeded bool) (types.ListAccessor, error) {
	lvl := l.level(level)
	if lvl.Transmission != types.TransmissionInnerLists {
		return nil, fmt.Errorf("level %d doesn't hold inner lists", level)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.fault != nil {
		return nil, l.fault
	}
	e, found := l.elements[index]
	if found {
		if inner, found := e.inner[level]; found {
			return inner, nil
		}
	}
	if !buildIfNeeded {
		return nil, types.ErrElementNotFound
	}
	inner := New(lvl.Inner, WithServerSink(l.serverSink))
	inner.eraseOld = l.eraseOld
	l.element(index).inner[level] = inner
	return inner, nil
}

// SetInnerList attaches a nested list to the element.
func (l *List) SetInnerList(index string, level int, inner *List) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.element(index).inner[level] = inner
}

func (l *List) InitiateSynchAsServer(peer p2p.Peer, level int, singleElement bool) types.ServerSynchRequestAnswer {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.maxServers > 0 && l.servers >= l.maxServers {
		return types.ServerSynchRequestAnswer{Type: types.AnswerServerBusy}
	}
	l.servers++
	return types.ServerSynchRequestAnswer{Type: types.AnswerOK, Sink: l.serverSink}
}
