// Package resource serves named resource stores to peers and downloads
// them. Stores named with InternalPrefix are created by the synchronization
// protocol for a single download.
package resource

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spacemeshos/go-listsync/p2p"
)

// InternalPrefix marks the names of stores created internally.
const InternalPrefix = "internal:"

var (
	// ErrStoreTimeout is reported for one-shot stores that were not
	// requested in time.
	ErrStoreTimeout = errors.New("resource store timed out")
	// ErrDenied is returned for requests that are not approved.
	ErrDenied = errors.New("resource request denied")
	// ErrUnknownStore is returned for requests of unregistered stores.
	ErrUnknownStore = errors.New("unknown resource store")
	// ErrIncomplete is reported when a store was not read to the end.
	ErrIncomplete = errors.New("resource transfer incomplete")
)

// NewInternalName generates a unique internal store name.
func NewInternalName() string {
	return InternalPrefix + uuid.NewString()
}

// IsInternal returns true for names generated by NewInternalName.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// Store serves a resource.
type Store interface {
	// Request approves or denies the request of the peer. An approved
	// request gets the reader and its size, and must close the reader.
	Request(peer p2p.Peer) (io.ReadCloser, int64, error)
}

type oneShotState int

const (
	waiting oneShotState = iota
	requested
	expired
)

// OneShotStore approves the first request of its peer and denies every
// later one. If it isn't requested before the timeout, it denies all
// requests and reports ErrStoreTimeout.
type OneShotStore struct {
	mu    sync.Mutex
	peer  p2p.Peer
	r     io.ReadCloser
	size  int64
	state oneShotState
	timer clockwork.Timer
	done  func(error)
}

// NewOneShotStore creates a store serving size bytes of r to the peer. done
// is called once with the outcome: nil once r was read to the end, an
// error otherwise.
func NewOneShotStore(
	clock clockwork.Clock,
	timeout time.Duration,
	peer p2p.Peer,
	r io.ReadCloser,
	size int64,
	done func(error),
) *OneShotStore {
	s := &OneShotStore{peer: peer, r: r, size: size, done: done}
	s.timer = clock.AfterFunc(timeout, s.expire)
	return s
}

func (s *OneShotStore) expire() {
	s.mu.Lock()
	if s.state != waiting {
		s.mu.Unlock()
		return
	}
	s.state = expired
	s.mu.Unlock()
	s.r.Close()
	s.done(ErrStoreTimeout)
}

// Expired returns true once the store can't be requested anymore.
func (s *OneShotStore) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != waiting
}

// Request implements Store.
func (s *OneShotStore) Request(peer p2p.Peer) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !p2p.IsNoPeer(s.peer) && peer != s.peer:
		return nil, 0, fmt.Errorf("%w: store is reserved for another peer", ErrDenied)
	case s.state != waiting:
		return nil, 0, fmt.Errorf("%w: store was already used", ErrDenied)
	}
	s.state = requested
	s.timer.Stop()
	return &oneShotReader{r: s.r, size: s.size, done: s.done}, s.size, nil
}

// Close discards a store that wasn't requested. done isn't called.
func (s *OneShotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != waiting {
		return nil
	}
	s.state = expired
	s.timer.Stop()
	return s.r.Close()
}

// oneShotReader reports the outcome of the transfer when closed.
type oneShotReader struct {
	r    io.ReadCloser
	size int64
	read int64
	once sync.Once
	done func(error)
	err  error
}

func (r *oneShotReader) Read(p []byte) (int, error) {
	if r.read >= r.size {
		return 0, io.EOF
	}
	if int64(len(p)) > r.size-r.read {
		p = p[:r.size-r.read]
	}
	n, err := r.r.Read(p)
	r.read += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}

func (r *oneShotReader) Close() error {
	err := r.r.Close()
	r.once.Do(func() {
		switch {
		case r.err != nil:
			r.done(r.err)
		case r.read < r.size:
			r.done(fmt.Errorf("%w: sent %d of %d bytes", ErrIncomplete, r.read, r.size))
		default:
			r.done(nil)
		}
	})
	return err
}
