package listsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

// machine is a synchronization state machine driven by a session.
type machine interface {
	Start() []Effect
	Handle(wire.Message) []Effect
	Abort(t types.ErrorType, err error) []Effect
	Timeout() []Effect
	Done() bool
	accessor() types.ListAccessor
	progressSink() types.ProgressSink
}

// handoff executes the effects passing the end of a session to the resource
// subsystem. The finisher must be invoked exactly once.
type handoff interface {
	download(ctx context.Context, d Download, f *finisher)
	register(r RegisterStore, f *finisher) error
}

// result is the outcome of a session.
type result struct {
	completed bool
	err       *types.SynchronizeError
	timeout   bool
	inner     []string
}

// Err returns the error for a failed or timed out session.
func (r result) Err() error {
	switch {
	case r.timeout:
		return ErrTimeout
	case r.err != nil:
		return r.err
	case !r.completed:
		return types.NewError(types.ErrorUndefined, errors.New("session ended without outcome"))
	}
	return nil
}

// session drives a state machine over a conduit, executing its effects.
type session struct {
	logger  *zap.Logger
	role    string
	conduit wire.Conduit
	m       machine
	handoff handoff
	started time.Time

	mtx sync.Mutex
	res result
}

func newSession(logger *zap.Logger, role string, c wire.Conduit, m machine, h handoff) *session {
	return &session{
		logger:  logger,
		role:    role,
		conduit: c,
		m:       m,
		handoff: h,
		started: time.Now(),
	}
}

// run executes the session until the state machine reaches a terminal state.
// Expiration of the context is reported as a timeout, its cancellation as
// a disconnection.
func (s *session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.conduit.Close() })
	defer stop()
	defer s.conduit.Close()
	s.apply(ctx, s.m.Start())
	for !s.m.Done() {
		msg, err := s.conduit.Next()
		if err != nil {
			s.apply(ctx, s.interrupted(ctx, err))
			break
		}
		s.apply(ctx, s.m.Handle(msg))
	}
}

func (s *session) interrupted(ctx context.Context, err error) []Effect {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.logger.Debug("session timed out")
		return s.m.Timeout()
	case ctx.Err() != nil:
		return s.m.Abort(types.ErrorDisconnected, ctx.Err())
	case errors.Is(err, wire.ErrBadMessage):
		s.logger.Debug("bad message", zap.Error(err))
		return s.m.Abort(types.ErrorInProtocol, err)
	default:
		s.logger.Debug("peer disconnected", zap.Error(err))
		return s.m.Abort(types.ErrorDisconnected, err)
	}
}

func (s *session) apply(ctx context.Context, effects []Effect) {
	var sendErr error
	for _, e := range effects {
		switch e := e.(type) {
		case Send:
			if sendErr != nil {
				continue
			}
			if err := s.conduit.Send(e.Msg); err != nil {
				s.logger.Debug("send failed", zap.Stringer("type", e.Msg.Type()), zap.Error(err))
				sendErr = err
			}
		case Progress:
			if sink := s.m.progressSink(); sink != nil {
				sink.Progress(e.Value)
			}
		case EndSynch:
			s.m.accessor().EndSynch(e.Mode, e.Success)
		case Complete:
			s.notify(func(r *result) { r.completed = true })
		case Fail:
			s.notify(func(r *result) { r.err = e.Err })
		case Timeout:
			s.notify(func(r *result) { r.timeout = true })
		case InnerLists:
			s.mtx.Lock()
			s.res.inner = e.Indexes
			s.mtx.Unlock()
		case Download:
			s.handoff.download(ctx, e, s.finisher(types.ModeClient))
		case RegisterStore:
			f := s.finisher(types.ModeServer)
			if err := s.handoff.register(e, f); err != nil {
				s.logger.Warn("failed to register resource store", zap.String("store", e.Name), zap.Error(err))
				e.Reader.Close()
				// the store name must not be sent
				sendErr = err
				f.fail(types.NewError(types.ErrorDataTransferFailed, err))
			}
		default:
			panic("BUG: unknown effect")
		}
	}
	if sendErr != nil && !s.m.Done() {
		s.apply(ctx, s.m.Abort(types.ErrorDisconnected, sendErr))
	}
}

// notify records the outcome and reports it to the progress sink.
func (s *session) notify(update func(*result)) {
	s.mtx.Lock()
	update(&s.res)
	res := s.res
	s.mtx.Unlock()

	outcome := outcomeValue(res.err != nil, res.timeout)
	sessions.WithLabelValues(s.role, outcome).Inc()
	sessionDuration.WithLabelValues(s.role).Observe(time.Since(s.started).Seconds())
	if res.err != nil {
		s.logger.Debug("session failed", zap.Stringer("reason", res.err.Type), zap.Error(res.err))
	} else {
		s.logger.Debug("session finished", zap.String("outcome", outcome))
	}

	sink := s.m.progressSink()
	if sink == nil {
		return
	}
	switch {
	case res.timeout:
		sink.Timeout()
	case res.err != nil:
		sink.Error(res.err)
	default:
		sink.Complete()
	}
}

func (s *session) result() result {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.res
}

func (s *session) finisher(mode types.SynchMode) *finisher {
	return &finisher{s: s, mode: mode}
}

// finisher ends a session whose last step was handed over to the resource
// subsystem. Only the first call has an effect.
type finisher struct {
	once sync.Once
	s    *session
	mode types.SynchMode
}

func (f *finisher) progress(value int) {
	if sink := f.s.m.progressSink(); sink != nil {
		sink.Progress(value)
	}
}

func (f *finisher) complete() {
	f.once.Do(func() {
		f.s.m.accessor().EndSynch(f.mode, true)
		f.progress(types.MaxProgress)
		f.s.notify(func(r *result) { r.completed = true })
	})
}

func (f *finisher) fail(err *types.SynchronizeError) {
	f.once.Do(func() {
		f.s.m.accessor().EndSynch(f.mode, false)
		f.s.notify(func(r *result) { r.err = err })
	})
}

func (f *finisher) timeout() {
	f.once.Do(func() {
		f.s.m.accessor().EndSynch(f.mode, false)
		f.s.notify(func(r *result) { r.timeout = true })
	})
}
