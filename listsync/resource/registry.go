package resource

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/p2p"
)

// DefaultStoreTimeout is the time one-shot stores wait to be requested.
const DefaultStoreTimeout = 30 * time.Second

// RegistryOpt configures a Registry.
type RegistryOpt func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOpt {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryClock sets the clock for one-shot store timeouts.
func WithRegistryClock(clock clockwork.Clock) RegistryOpt {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithStoreTimeout sets the time one-shot stores wait to be requested.
func WithStoreTimeout(timeout time.Duration) RegistryOpt {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// Registry holds the stores served to peers by name.
type Registry struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	timeout time.Duration

	mu     sync.Mutex
	stores map[string]Store
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOpt) *Registry {
	r := &Registry{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		timeout: DefaultStoreTimeout,
		stores:  make(map[string]Store),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a store under a user chosen name. Internal names are
// reserved.
func (r *Registry) Register(name string, s Store) error {
	if IsInternal(name) {
		return fmt.Errorf("store name %q uses the reserved prefix %q", name, InternalPrefix)
	}
	return r.add(name, s)
}

func (r *Registry) add(name string, s Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exist := r.stores[name]; exist {
		return fmt.Errorf("store %q is registered already", name)
	}
	r.stores[name] = s
	return nil
}

// Unregister removes the store.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, name)
}

// RegisterOneShot registers a store serving size bytes of rd to the peer
// once. done is called with the outcome of the transfer, or with
// ErrStoreTimeout if the peer doesn't request the store in time.
func (r *Registry) RegisterOneShot(name string, peer p2p.Peer, rd io.ReadCloser, size int64, done func(error)) error {
	if !IsInternal(name) {
		return fmt.Errorf("one-shot store name %q lacks the prefix %q", name, InternalPrefix)
	}
	s := NewOneShotStore(r.clock, r.timeout, peer, rd, size, func(err error) {
		r.Unregister(name)
		if err != nil {
			r.logger.Debug("one-shot store failed", zap.String("store", name), zap.Error(err))
			storeResults.WithLabelValues("failed").Inc()
		} else {
			storeResults.WithLabelValues("served").Inc()
		}
		done(err)
	})
	if err := r.add(name, s); err != nil {
		s.Close()
		return err
	}
	r.logger.Debug("registered one-shot store",
		zap.String("store", name),
		zap.Stringer("peer", peer),
		zap.Int64("size", size))
	return nil
}

// Request requests the named store on behalf of the peer.
func (r *Registry) Request(name string, peer p2p.Peer) (io.ReadCloser, int64, error) {
	r.mu.Lock()
	s, exist := r.stores[name]
	r.mu.Unlock()
	if !exist {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	rd, size, err := s.Request(peer)
	if err != nil {
		return nil, 0, err
	}
	if _, ok := s.(*OneShotStore); ok {
		r.Unregister(name)
	}
	return rd, size, nil
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
