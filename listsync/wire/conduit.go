package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
)

// MaxFrameSize bounds a single encoded message on a stream.
const MaxFrameSize = MaxObjectSize + 64*1024

// ErrClosed is returned by conduits after Close.
var ErrClosed = errors.New("conduit closed")

// Conduit is a reliable ordered message channel between the two sides of a
// synchronization session. Next returns io.EOF once the peer is gone.
type Conduit interface {
	Send(Message) error
	Next() (Message, error)
	Close() error
}

// StreamConduit carries varint-delimited messages over a byte stream.
type StreamConduit struct {
	stream io.ReadWriteCloser
	r      msgio.Reader
	wmtx   sync.Mutex
	w      msgio.Writer
}

var _ Conduit = &StreamConduit{}

// NewStreamConduit creates a conduit over the stream. The conduit owns the
// stream and closes it on Close.
func NewStreamConduit(stream io.ReadWriteCloser) *StreamConduit {
	return &StreamConduit{
		stream: stream,
		r:      msgio.NewVarintReaderSize(stream, MaxFrameSize),
		w:      msgio.NewVarintWriter(stream),
	}
}

// Send implements Conduit.
func (c *StreamConduit) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	if err := c.w.WriteMsg(b); err != nil {
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

// Next implements Conduit.
func (c *StreamConduit) Next() (Message, error) {
	b, err := c.r.ReadMsg()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			return nil, io.EOF
		case errors.Is(err, msgio.ErrMsgTooLarge),
			errors.Is(err, varint.ErrOverflow),
			errors.Is(err, varint.ErrNotMinimal):
			return nil, fmt.Errorf("%w: framing: %w", ErrBadMessage, err)
		}
		return nil, err
	}
	defer c.r.ReleaseMsg(b)
	return Decode(b)
}

// Close implements Conduit.
func (c *StreamConduit) Close() error {
	return c.stream.Close()
}

type queue struct {
	mtx    sync.Mutex
	cond   sync.Cond
	frames [][]byte
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond.L = &q.mtx
	return q
}

func (q *queue) push(b []byte) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.frames = append(q.frames, b)
	q.cond.Signal()
	return nil
}

func (q *queue) pop() ([]byte, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, io.EOF
	}
	b := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return b, nil
}

func (q *queue) close() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

type pipeEnd struct {
	in, out *queue
	once    sync.Once
}

// Pipe returns two connected in-memory conduits. Sends never block. Frames
// go through the same encoding as on a stream. Closing either end makes the
// other end receive io.EOF after the pending frames are drained.
func Pipe() (Conduit, Conduit) {
	a, b := newQueue(), newQueue()
	return &pipeEnd{in: a, out: b}, &pipeEnd{in: b, out: a}
}

func (p *pipeEnd) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return p.out.push(b)
}

func (p *pipeEnd) Next() (Message, error) {
	b, err := p.in.pop()
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		p.in.close()
		p.out.close()
	})
	return nil
}
