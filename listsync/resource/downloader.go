package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-listsync/codec"
	"github.com/spacemeshos/go-listsync/p2p"
	"github.com/spacemeshos/go-listsync/p2p/server"
)

// Opener opens streams of the resource protocol to peers.
type Opener interface {
	Open(ctx context.Context, peer p2p.Peer) (io.ReadWriteCloser, error)
}

// Tracker is told about the outcome of downloads from peers.
type Tracker interface {
	OnTransfer(peer p2p.Peer, size int, latency time.Duration)
	OnFailure(peer p2p.Peer)
}

// Downloader downloads stores served by peers.
type Downloader struct {
	options
	opener Opener
}

// NewDownloader creates a Downloader opening streams with the opener.
func NewDownloader(opener Opener, opts ...Opt) *Downloader {
	return &Downloader{options: newOptions(opts), opener: opener}
}

// Fetch requests the store from the peer. The returned reader yields the
// content of the store and fails with io.ErrUnexpectedEOF if the peer
// doesn't send all of it.
func (d *Downloader) Fetch(ctx context.Context, peer p2p.Peer, store string) (io.ReadCloser, error) {
	stream, err := d.opener.Open(ctx, peer)
	if err != nil {
		d.failed(peer)
		return nil, err
	}
	size, err := d.request(stream, store)
	if err != nil {
		stream.Close()
		if !errors.Is(err, ErrRemote) {
			d.failed(peer)
		}
		return nil, fmt.Errorf("request store %q from %s: %w", store, peer, err)
	}
	t, unregister := regulate(d.regulator, d.clock, d.priority, peer)
	return &download{
		d:          d,
		peer:       peer,
		stream:     stream,
		r:          t.Reader(ctx, stream),
		size:       size,
		start:      time.Now(),
		unregister: unregister,
	}, nil
}

func (d *Downloader) request(stream io.ReadWriter, store string) (int64, error) {
	if err := server.WriteRequest(stream, []byte(store)); err != nil {
		return 0, err
	}
	buf, err := server.ReadRequest(stream, maxHeaderSize)
	if err != nil {
		return 0, err
	}
	var h header
	if err := codec.Decode(buf, &h); err != nil {
		return 0, err
	}
	if h.Error != "" {
		return 0, fmt.Errorf("%w: %s", ErrRemote, h.Error)
	}
	return int64(h.Size), nil
}

func (d *Downloader) failed(peer p2p.Peer) {
	if d.tracker != nil {
		d.tracker.OnFailure(peer)
	}
}

type download struct {
	d          *Downloader
	peer       p2p.Peer
	stream     io.Closer
	r          io.Reader
	size, read int64
	start      time.Time
	unregister func()
	closed     bool
}

func (dl *download) Read(p []byte) (int, error) {
	if dl.read >= dl.size {
		return 0, io.EOF
	}
	if int64(len(p)) > dl.size-dl.read {
		p = p[:dl.size-dl.read]
	}
	n, err := dl.r.Read(p)
	dl.read += int64(n)
	downloaded.Add(float64(n))
	if errors.Is(err, io.EOF) && dl.read < dl.size {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (dl *download) Close() error {
	if dl.closed {
		return nil
	}
	dl.closed = true
	dl.unregister()
	if dl.d.tracker != nil {
		if dl.read == dl.size {
			dl.d.tracker.OnTransfer(dl.peer, int(dl.size), time.Since(dl.start))
		} else {
			dl.d.tracker.OnFailure(dl.peer)
		}
	}
	dl.d.logger.Debug("download closed",
		zap.Stringer("peer", dl.peer),
		zap.Int64("read", dl.read),
		zap.Int64("size", dl.size))
	return dl.stream.Close()
}
