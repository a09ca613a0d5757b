// Package listsync synchronizes multi-level lists between peers.
//
// A synchronization request is split into single level tasks which are run
// sequentially by the Manager. Each task is a session between a ClientFSM on
// the requesting side and a ServerFSM on the serving side. The server checks
// the client's hash list with the reconciliation protocol from the ordered
// package and then serves the missing elements using the transmission type
// of the level.
package listsync

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spacemeshos/go-listsync/listsync/transfer"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/p2p"
)

// ErrTimeout is returned for synchronizations that didn't finish in time.
var ErrTimeout = errors.New("synchronization timed out")

// Dialer opens a synchronization conduit to a peer.
type Dialer interface {
	Open(ctx context.Context, peer p2p.Peer) (wire.Conduit, error)
}

// DialerFunc is a Dialer implemented by a function.
type DialerFunc func(ctx context.Context, peer p2p.Peer) (wire.Conduit, error)

// Open implements Dialer.
func (f DialerFunc) Open(ctx context.Context, peer p2p.Peer) (wire.Conduit, error) {
	return f(ctx, peer)
}

// Fetcher downloads a named resource store from a peer.
type Fetcher interface {
	Fetch(ctx context.Context, peer p2p.Peer, store string) (io.ReadCloser, error)
}

// Opt configures a Manager.
type Opt func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Opt {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithFetcher sets the fetcher used for byte array levels.
func WithFetcher(f Fetcher) Opt {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// Manager runs synchronizations of local lists with peers.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	self    p2p.Peer
	lists   types.Lists
	dialer  Dialer
	fetcher Fetcher
	sem     *semaphore.Weighted
}

// NewManager creates a Manager for the local lists.
func NewManager(self p2p.Peer, lists types.Lists, dialer Dialer, opts ...Opt) *Manager {
	m := &Manager{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		self:   self,
		lists:  lists,
		dialer: dialer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sem = semaphore.NewWeighted(max(m.cfg.MaxClientSessions, 1))
	return m
}

// Synchronize brings the specified levels of the list up to date with the
// peer. Levels are synchronized one after another. The outcome is reported
// to the sink, if any, and returned.
func (m *Manager) Synchronize(ctx context.Context, peer p2p.Peer, list string, levels []int, sink types.ProgressSink) error {
	return m.synchronize(ctx, peer, list, wire.OptString{}, levels, sink)
}

// SynchronizeElement is like Synchronize but only transfers the element
// with the specified index.
func (m *Manager) SynchronizeElement(
	ctx context.Context,
	peer p2p.Peer,
	list, element string,
	levels []int,
	sink types.ProgressSink,
) error {
	return m.synchronize(ctx, peer, list, wire.Some(element), levels, sink)
}

type task struct {
	path    types.ListPath
	element wire.OptString
}

func (m *Manager) synchronize(
	ctx context.Context,
	peer p2p.Peer,
	list string,
	element wire.OptString,
	levels []int,
	sink types.ProgressSink,
) error {
	if sink == nil {
		sink = nopSink{}
	}
	if !m.sem.TryAcquire(1) {
		err := types.NewError(types.ErrorPeerClientBusy, nil)
		sink.Error(err)
		return err
	}
	defer m.sem.Release(1)
	activeClientSessions.Inc()
	defer activeClientSessions.Dec()

	tasks := make([]task, len(levels))
	for i, level := range levels {
		tasks[i] = task{path: types.ListPath{MainList: list, MainListLevel: level}, element: element}
	}
	r := &runner{m: m, peer: peer, sink: sink}
	err := r.run(ctx, tasks, 0, types.MaxProgress)
	var serr *types.SynchronizeError
	switch {
	case errors.Is(err, ErrTimeout):
		sink.Timeout()
	case errors.As(err, &serr):
		sink.Error(serr)
	case err != nil:
		serr = types.NewError(types.ErrorUndefined, err)
		sink.Error(serr)
		err = serr
	default:
		sink.Progress(types.MaxProgress)
		sink.Complete()
	}
	return err
}

// runner runs a queue of tasks sequentially. Tasks synchronizing inner list
// levels expand into a nested queue sharing the task's progress range.
type runner struct {
	m    *Manager
	peer p2p.Peer
	sink types.ProgressSink
}

func (r *runner) run(ctx context.Context, queue []task, lo, hi int) error {
	n := len(queue)
	for k, t := range queue {
		tlo := lo + (hi-lo)*k/n
		thi := lo + (hi-lo)*(k+1)/n
		err := r.runTask(ctx, t, tlo, thi)
		taskResults.WithLabelValues(outcomeValue(err != nil, errors.Is(err, ErrTimeout))).Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) runTask(ctx context.Context, t task, lo, hi int) error {
	m := r.m
	logger := m.logger.With(zap.Stringer("peer", r.peer), zap.Inline(t.path))
	acc, err := types.ResolvePath(m.lists, t.path, true)
	switch {
	case errors.Is(err, types.ErrElementNotFound):
		return types.NewError(types.ErrorUnknownList, fmt.Errorf("list %s", t.path))
	case err != nil:
		return types.NewError(types.ErrorDataAccess, err)
	}
	level := t.path.Level()
	innerLevels := level >= 0 && level < acc.LevelCount() &&
		acc.TransmissionType(level) == types.TransmissionInnerLists
	mid := hi
	if innerLevels {
		mid = lo + (hi-lo)/2
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TaskTimeout)
	defer cancel()
	conduit, err := m.dialer.Open(tctx, r.peer)
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return types.NewError(types.ErrorDisconnected, err)
	}
	logger.Debug("synchronizing list level")
	fsm := NewClientFSM(m.self.String(), t.path, t.element, acc, &rangeSink{sink: r.sink, lo: lo, hi: mid})
	s := newSession(logger, "client", conduit, fsm, &clientHandoff{fetcher: m.fetcher, peer: r.peer, acc: acc, level: level})
	s.run(tctx)
	res := s.result()
	if err := res.Err(); err != nil {
		return err
	}
	if len(res.inner) == 0 {
		return nil
	}
	var sub []task
	for _, index := range res.inner {
		for _, innerLevel := range acc.InnerListLevels(level) {
			sub = append(sub, task{path: t.path.Inner(index, innerLevel)})
		}
	}
	logger.Debug("synchronizing inner lists", zap.Int("lists", len(res.inner)), zap.Int("tasks", len(sub)))
	return r.run(ctx, sub, mid, hi)
}

// rangeSink maps session progress into a range of the global progress.
// Outcomes are reported by the Manager.
type rangeSink struct {
	sink   types.ProgressSink
	lo, hi int
}

func (s *rangeSink) Progress(value int) {
	s.sink.Progress(s.lo + (s.hi-s.lo)*value/types.MaxProgress)
}

func (*rangeSink) Complete()                     {}
func (*rangeSink) Error(*types.SynchronizeError) {}
func (*rangeSink) Timeout()                      {}

type nopSink struct{}

func (nopSink) Progress(int)                  {}
func (nopSink) Complete()                     {}
func (nopSink) Error(*types.SynchronizeError) {}
func (nopSink) Timeout()                      {}

// clientHandoff downloads the byte array elements served by the peer.
type clientHandoff struct {
	fetcher Fetcher
	peer    p2p.Peer
	acc     types.ListAccessor
	level   int
}

func (h *clientHandoff) download(ctx context.Context, d Download, f *finisher) {
	if h.fetcher == nil {
		f.fail(types.NewError(types.ErrorDataTransferFailed, errors.New("no resource fetcher")))
		return
	}
	failed := func(err error) {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			f.timeout()
		case types.ErrorTypeOf(err) == types.ErrorDataAccess:
			var serr *types.SynchronizeError
			errors.As(err, &serr)
			f.fail(serr)
		default:
			f.fail(types.NewError(types.ErrorDataTransferFailed, err))
		}
	}
	rc, err := h.fetcher.Fetch(ctx, h.peer, d.Store)
	if err != nil {
		failed(err)
		return
	}
	defer rc.Close()
	n, err := transfer.StoreFrames(rc, h.acc, h.level, func(done, total int) {
		f.progress(done * types.MaxProgress / total)
	})
	if err != nil {
		failed(err)
		return
	}
	if n != d.Count {
		failed(fmt.Errorf("received %d elements, requested %d", n, d.Count))
		return
	}
	f.complete()
}

func (h *clientHandoff) register(RegisterStore, *finisher) error {
	return errors.New("client sessions don't serve resource stores")
}
