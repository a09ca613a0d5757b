package transfer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

// MaxFrames bounds the number of frames accepted in a byte array stream.
const MaxFrames = 1 << 20

// ErrBadFrame is returned for malformed byte array streams.
var ErrBadFrame = errors.New("bad element frame")

// IndexCollector accumulates the batched index list sent by the client in
// byte array mode.
type IndexCollector struct {
	items []string
	done  bool
}

// Add consumes a batch and returns true on the terminating empty batch.
func (c *IndexCollector) Add(b *wire.IndexBatch) (bool, error) {
	if c.done {
		return true, protocolError("index batch after the end of the list")
	}
	if len(b.Items) == 0 {
		c.done = true
		return true, nil
	}
	if len(c.items)+len(b.Items) > MaxFrames {
		return false, protocolError("too many indexes requested")
	}
	c.items = append(c.items, b.Items...)
	return false, nil
}

// Items returns the collected indexes.
func (c *IndexCollector) Items() []string {
	return c.items
}

// FrameReader streams the requested byte array elements as a frame count
// followed by (index, length, payload) frames. Integers are unsigned varints
// and the index is length-prefixed.
type FrameReader struct {
	acc       types.ListAccessor
	level     int
	indexes   []string
	next      int
	header    bytes.Buffer
	body      io.ReadCloser
	remaining int64
}

var _ io.ReadCloser = &FrameReader{}

// NewFrameReader creates a FrameReader. Elements are opened lazily as the
// stream is consumed.
func NewFrameReader(acc types.ListAccessor, level int, indexes []string) *FrameReader {
	r := &FrameReader{acc: acc, level: level, indexes: indexes}
	r.header.Write(varint.ToUvarint(uint64(len(indexes))))
	return r
}

// Size returns the total size of the stream.
func (r *FrameReader) Size() (int64, error) {
	total := int64(varint.UvarintSize(uint64(len(r.indexes))))
	for _, index := range r.indexes {
		l, err := r.acc.ElementByteArrayLength(index, r.level)
		if err != nil {
			return 0, accessError(fmt.Errorf("length of %q: %w", index, err))
		}
		total += frameHeaderSize(index, l) + l
	}
	return total, nil
}

func frameHeaderSize(index string, length int64) int64 {
	return int64(varint.UvarintSize(uint64(len(index))) + len(index) + varint.UvarintSize(uint64(length)))
}

func (r *FrameReader) open() error {
	index := r.indexes[r.next]
	r.next++
	length, err := r.acc.ElementByteArrayLength(index, r.level)
	if err != nil {
		return accessError(fmt.Errorf("length of %q: %w", index, err))
	}
	body, err := r.acc.ElementByteArray(index, r.level)
	if err != nil {
		return accessError(fmt.Errorf("open %q: %w", index, err))
	}
	r.header.Write(varint.ToUvarint(uint64(len(index))))
	r.header.WriteString(index)
	r.header.Write(varint.ToUvarint(uint64(length)))
	r.body = body
	r.remaining = length
	return nil
}

// Read implements io.Reader.
func (r *FrameReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		switch {
		case r.header.Len() != 0:
			return r.header.Read(p)
		case r.body != nil && r.remaining == 0:
			err := r.body.Close()
			r.body = nil
			if err != nil {
				return 0, accessError(err)
			}
		case r.body != nil:
			if int64(len(p)) > r.remaining {
				p = p[:r.remaining]
			}
			n, err := r.body.Read(p)
			r.remaining -= int64(n)
			if errors.Is(err, io.EOF) {
				if r.remaining != 0 {
					return n, accessError(io.ErrUnexpectedEOF)
				}
				err = nil
			}
			if n != 0 || err != nil {
				return n, err
			}
		case r.next == len(r.indexes):
			return 0, io.EOF
		default:
			if err := r.open(); err != nil {
				return 0, err
			}
		}
	}
}

// Close releases the element being streamed, if any.
func (r *FrameReader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

// StoreFrames reads a stream produced by FrameReader and adds every element
// to the level. The progress callback, if any, is called after each element
// with the number of elements stored so far and the frame count.
func StoreFrames(r io.Reader, acc types.ListAccessor, level int, progress func(done, total int)) (int, error) {
	br := bufio.NewReader(r)
	count, err := varint.ReadUvarint(br)
	if err != nil {
		return 0, fmt.Errorf("%w: frame count: %w", ErrBadFrame, err)
	}
	if count > MaxFrames {
		return 0, fmt.Errorf("%w: too many frames: %d", ErrBadFrame, count)
	}
	for n := range int(count) {
		l, err := varint.ReadUvarint(br)
		if err != nil {
			return n, fmt.Errorf("%w: index length: %w", ErrBadFrame, err)
		}
		if l > wire.MaxStringSize {
			return n, fmt.Errorf("%w: index too long: %d", ErrBadFrame, l)
		}
		index := make([]byte, l)
		if _, err := io.ReadFull(br, index); err != nil {
			return n, fmt.Errorf("%w: index: %w", ErrBadFrame, err)
		}
		length, err := varint.ReadUvarint(br)
		if err != nil {
			return n, fmt.Errorf("%w: payload length: %w", ErrBadFrame, err)
		}
		body := &io.LimitedReader{R: br, N: int64(length)}
		if err := acc.AddElementByteArray(string(index), level, body, int64(length)); err != nil {
			return n, accessError(fmt.Errorf("add %q: %w", index, err))
		}
		// the accessor may leave a part of the payload unread
		if _, err := io.Copy(io.Discard, body); err != nil {
			return n, fmt.Errorf("%w: payload: %w", ErrBadFrame, err)
		}
		if body.N != 0 {
			return n, fmt.Errorf("%w: payload: %w", ErrBadFrame, io.ErrUnexpectedEOF)
		}
		if progress != nil {
			progress(n+1, int(count))
		}
	}
	return int(count), nil
}
