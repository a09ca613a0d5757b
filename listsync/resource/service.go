package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/codec"
	"github.com/spacemeshos/go-listsync/p2p"
	"github.com/spacemeshos/go-listsync/p2p/server"
)

// Protocol is the libp2p protocol serving resource stores.
const Protocol = "/listsync/resource/1"

// ErrRemote wraps the errors reported by the serving peer.
var ErrRemote = errors.New("resource request failed on peer")

// Opt configures a Service or a Downloader.
type Opt func(*options)

type options struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	regulator Regulator
	priority  PriorityFunc
	tracker   Tracker
}

func newOptions(opts []Opt) options {
	o := options{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used to measure transfer speeds.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = clock
	}
}

// WithRegulator throttles transfers with speeds assigned by the regulator,
// with each peer being a stakeholder of the given priority.
func WithRegulator(reg Regulator, priority PriorityFunc) Opt {
	return func(o *options) {
		o.regulator = reg
		o.priority = priority
	}
}

// WithTracker reports download outcomes to the tracker.
func WithTracker(t Tracker) Opt {
	return func(o *options) {
		o.tracker = t
	}
}

// Service serves the stores of a Registry.
type Service struct {
	options
	registry *Registry
}

// NewService creates a Service for the registry.
func NewService(registry *Registry, opts ...Opt) *Service {
	return &Service{options: newOptions(opts), registry: registry}
}

func writeHeader(w io.Writer, h *header) error {
	buf, err := codec.Encode(h)
	if err != nil {
		return err
	}
	return server.WriteRequest(w, buf)
}

// Handle serves a store request arriving on the stream. It's a
// server.Handler.
func (s *Service) Handle(ctx context.Context, remote p2p.Peer, stream io.ReadWriteCloser) error {
	req, err := server.ReadRequest(stream, MaxNameSize)
	if err != nil {
		return err
	}
	name := string(req)
	logger := s.logger.With(zap.String("store", name), zap.Stringer("peer", remote))
	r, size, err := s.registry.Request(name, remote)
	if err != nil {
		logger.Debug("resource request denied", zap.Error(err))
		requests.WithLabelValues("denied").Inc()
		return errors.Join(err, writeHeader(stream, &header{Error: err.Error()}))
	}
	defer r.Close()
	requests.WithLabelValues("approved").Inc()
	if err := writeHeader(stream, &header{Size: uint64(size)}); err != nil {
		return err
	}
	t, unregister := regulate(s.regulator, s.clock, s.priority, remote)
	defer unregister()
	start := time.Now()
	n, err := io.Copy(t.Writer(ctx, stream), r)
	uploaded.Add(float64(n))
	if err != nil {
		return fmt.Errorf("serve store %q: %w", name, err)
	}
	logger.Debug("resource served", zap.Int64("size", n), zap.Duration("duration", time.Since(start)))
	return nil
}
