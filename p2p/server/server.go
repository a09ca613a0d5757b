// Package server runs libp2p stream protocols with a bounded queue, a rate
// limit and per stream deadlines.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-varint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-listsync/p2p"
)

// ErrNotConnected is returned when peer is not connected.
var ErrNotConnected = errors.New("peer is not connected")

// Host is the subset of the libp2p host used by the server.
type Host interface {
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
	RemoveStreamHandler(pid protocol.ID)
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	Network() network.Network
}

// Config configures a server.
type Config struct {
	// Timeout terminates streams when no data is received or sent for the
	// specified duration.
	Timeout time.Duration `mapstructure:"timeout"`
	// HardTimeout terminates streams open for longer than the specified
	// duration.
	HardTimeout time.Duration `mapstructure:"hard-timeout"`
	// QueueSize is the number of streams kept in queue until they're
	// processed. Streams beyond it are closed immediately.
	QueueSize int `mapstructure:"queue-size"`
	// RequestsPerInterval and Interval limit the rate of processed streams.
	RequestsPerInterval int           `mapstructure:"requests-per-interval"`
	Interval            time.Duration `mapstructure:"interval"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:             25 * time.Second,
		HardTimeout:         5 * time.Minute,
		QueueSize:           1000,
		RequestsPerInterval: 100,
		Interval:            time.Second,
	}
}

// Opt is a type to configure a server.
type Opt func(s *Server)

// WithConfig sets the server configuration.
func WithConfig(cfg Config) Opt {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithTimeout configures stream timeout.
func WithTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		s.cfg.Timeout = timeout
	}
}

// WithHardTimeout configures the hard timeout for streams.
func WithHardTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		s.cfg.HardTimeout = timeout
	}
}

// WithLogger configures logger for the server.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the clock used for stream deadlines.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithMetrics will enable metrics collection in the server.
func WithMetrics() Opt {
	return func(s *Server) {
		s.metrics = newStreamMetrics(s.protocol)
	}
}

// Handler serves an incoming stream. The stream is closed once the handler
// returns.
type Handler func(ctx context.Context, remote p2p.Peer, stream io.ReadWriteCloser) error

// Server runs the Handler for the streams of a protocol and opens streams of
// the same protocol to peers.
type Server struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	cfg      Config
	protocol string
	handler  Handler
	metrics  *streamMetrics // metrics can be nil

	h Host
}

// New server for the handler.
func New(h Host, proto string, handler Handler, opts ...Opt) *Server {
	srv := &Server{
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		cfg:      DefaultConfig(),
		protocol: proto,
		handler:  handler,
		h:        h,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

type request struct {
	stream   network.Stream
	received time.Time
}

// Run serves the protocol until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	limit := rate.NewLimiter(
		rate.Every(s.cfg.Interval/time.Duration(max(s.cfg.RequestsPerInterval, 1))),
		s.cfg.RequestsPerInterval)
	queue := make(chan request, s.cfg.QueueSize)
	if s.metrics != nil {
		s.metrics.backlogCapacity.Set(float64(s.cfg.QueueSize))
		s.metrics.streamRate.Set(float64(limit.Limit()))
	}
	s.h.SetStreamHandler(protocol.ID(s.protocol), func(stream network.Stream) {
		select {
		case queue <- request{stream: stream, received: time.Now()}:
			if s.metrics != nil {
				s.metrics.backlog.Set(float64(len(queue)))
				s.metrics.accepted.Inc()
			}
		default:
			if s.metrics != nil {
				s.metrics.dropped.Inc()
			}
			stream.Reset()
		}
	})
	defer s.h.RemoveStreamHandler(protocol.ID(s.protocol))

	var eg errgroup.Group
	eg.SetLimit(max(s.cfg.QueueSize, 1))
	for {
		select {
		case <-ctx.Done():
			return eg.Wait()
		case req := <-queue:
			if s.metrics != nil {
				s.metrics.backlog.Set(float64(len(queue)))
				s.metrics.backlogWait.Observe(time.Since(req.received).Seconds())
			}
			if err := limit.Wait(ctx); err != nil {
				req.stream.Reset()
				return eg.Wait()
			}
			eg.Go(func() error {
				ok := s.queueHandler(ctx, req.stream)
				if s.metrics != nil {
					s.metrics.handled(req.received, ok)
				}
				return nil
			})
		}
	}
}

func (s *Server) queueHandler(ctx context.Context, stream network.Stream) bool {
	dadj := newDeadlineAdjuster(stream, s.clock, s.cfg.Timeout, s.cfg.HardTimeout)
	defer dadj.Close()
	remote := stream.Conn().RemotePeer()
	start := time.Now()
	if err := s.handler(ctx, remote, dadj); err != nil {
		s.logger.Debug("handler reported error",
			zap.String("protocol", s.protocol),
			zap.Stringer("remotePeer", remote),
			zap.Stringer("remoteMultiaddr", stream.Conn().RemoteMultiaddr()),
			zap.Error(err),
		)
		return false
	}
	s.logger.Debug("protocol handler execution time",
		zap.String("protocol", s.protocol),
		zap.Stringer("remotePeer", remote),
		zap.Duration("duration", time.Since(start)),
	)
	return true
}

// Open opens a stream of the protocol on an existing connection to the peer.
func (s *Server) Open(ctx context.Context, pid peer.ID) (io.ReadWriteCloser, error) {
	start := time.Now()
	stream, err := s.open(ctx, pid)
	if s.metrics != nil {
		s.metrics.open(start, err)
	}
	return stream, err
}

func (s *Server) open(ctx context.Context, pid peer.ID) (io.ReadWriteCloser, error) {
	if s.h.Network().Connectedness(pid) != network.Connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, pid)
	}
	stream, err := s.h.NewStream(network.WithNoDial(ctx, "existing connection"), pid, protocol.ID(s.protocol))
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", pid, err)
	}
	return newDeadlineAdjuster(stream, s.clock, s.cfg.Timeout, s.cfg.HardTimeout), nil
}

// WriteRequest writes a length prefixed request.
func WriteRequest(w io.Writer, req []byte) error {
	buf := append(varint.ToUvarint(uint64(len(req))), req...)
	_, err := w.Write(buf)
	return err
}

// ReadRequest reads a length prefixed request of at most limit bytes. It
// doesn't read past the request.
func ReadRequest(r io.Reader, limit int) ([]byte, error) {
	size, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, fmt.Errorf("read request length: %w", err)
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("request length %d is longer than limit %d", size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return buf, nil
}

type byteReader struct {
	io.Reader
}

func (r byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
