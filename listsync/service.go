package listsync

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/listsync/resource"
	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
	"github.com/spacemeshos/go-listsync/p2p"
)

// StoreRegistry registers one-shot resource stores serving byte array
// elements. done is called once the store is consumed, failed or expired.
type StoreRegistry interface {
	RegisterOneShot(name string, peer p2p.Peer, r io.ReadCloser, size int64, done func(error)) error
}

// ServiceOpt configures a Service.
type ServiceOpt func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *zap.Logger) ServiceOpt {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceConfig sets the configuration.
func WithServiceConfig(cfg Config) ServiceOpt {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithPeerPolicy sets the policy deciding which peers are served.
// All peers are served by default.
func WithPeerPolicy(policy PeerPolicy) ServiceOpt {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithStoreRegistry sets the registry of byte array resource stores.
func WithStoreRegistry(stores StoreRegistry) ServiceOpt {
	return func(s *Service) {
		s.stores = stores
	}
}

// Service serves synchronization requests of peers for the local lists.
type Service struct {
	logger *zap.Logger
	cfg    Config
	lists  types.Lists
	policy PeerPolicy
	stores StoreRegistry
}

// NewService creates a Service for the local lists.
func NewService(lists types.Lists, opts ...ServiceOpt) *Service {
	s := &Service{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		lists:  lists,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs a server session with the remote peer over the conduit.
// It returns once the session is over, which may be before the byte array
// download it has set up is done.
func (s *Service) Serve(ctx context.Context, remote p2p.Peer, c wire.Conduit) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()
	fsm := NewServerFSM(remote, s.lists, s.policy, resource.NewInternalName)
	logger := s.logger.With(zap.Stringer("peer", remote))
	sess := newSession(logger, "server", c, fsm, &serverHandoff{stores: s.stores, peer: remote})
	sess.run(ctx)
	res := sess.result()
	if res.err != nil {
		logger.Debug("server session failed", zap.Inline(fsm.Path()), zap.Error(res.err))
		return res.err
	}
	if res.timeout {
		return ErrTimeout
	}
	return nil
}

// HandleStream serves a synchronization request arriving on a stream.
func (s *Service) HandleStream(ctx context.Context, remote p2p.Peer, stream io.ReadWriteCloser) error {
	return s.Serve(ctx, remote, wire.NewStreamConduit(stream))
}

// serverHandoff registers the one-shot stores for byte array transfers.
type serverHandoff struct {
	stores StoreRegistry
	peer   p2p.Peer
}

func (h *serverHandoff) download(context.Context, Download, *finisher) {
	panic("BUG: server sessions don't download")
}

func (h *serverHandoff) register(r RegisterStore, f *finisher) error {
	if h.stores == nil {
		return errors.New("no resource store registry")
	}
	return h.stores.RegisterOneShot(r.Name, h.peer, r.Reader, r.Size, func(err error) {
		switch {
		case err == nil:
			f.complete()
		case errors.Is(err, resource.ErrStoreTimeout):
			f.timeout()
		case types.ErrorTypeOf(err) == types.ErrorDataAccess:
			var serr *types.SynchronizeError
			errors.As(err, &serr)
			f.fail(serr)
		default:
			f.fail(types.NewError(types.ErrorDataTransferFailed, err))
		}
	})
}
