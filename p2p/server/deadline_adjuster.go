package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrTimeout is returned when the stream is idle for too long or the hard
// timeout is exceeded.
var ErrTimeout = errors.New("stream timed out")

//go:generate mockgen -package=mocks -destination=./mocks/mocks.go -source=./deadline_adjuster.go

type peerStream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// deadlineAdjuster moves the stream deadline forward on every read and
// write, but never past the hard deadline.
type deadlineAdjuster struct {
	peerStream
	clock        clockwork.Clock
	timeout      time.Duration
	hardDeadline time.Time
	deadline     time.Time
}

func newDeadlineAdjuster(s peerStream, clock clockwork.Clock, timeout, hardTimeout time.Duration) *deadlineAdjuster {
	return &deadlineAdjuster{
		peerStream:   s,
		clock:        clock,
		timeout:      timeout,
		hardDeadline: clock.Now().Add(hardTimeout),
	}
}

func (d *deadlineAdjuster) adjust() error {
	now := d.clock.Now()
	if !now.Before(d.hardDeadline) {
		return fmt.Errorf("%w: hard timeout", ErrTimeout)
	}
	deadline := now.Add(d.timeout)
	if deadline.After(d.hardDeadline) {
		deadline = d.hardDeadline
	}
	// skip the update while the deadline moved by less than a tenth of the timeout
	if !d.deadline.IsZero() && deadline.Sub(d.deadline) < d.timeout/10 {
		return nil
	}
	if err := d.peerStream.SetDeadline(deadline); err != nil {
		return err
	}
	d.deadline = deadline
	return nil
}

func (d *deadlineAdjuster) check(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (d *deadlineAdjuster) Read(p []byte) (int, error) {
	if err := d.adjust(); err != nil {
		return 0, err
	}
	n, err := d.peerStream.Read(p)
	return n, d.check(err)
}

func (d *deadlineAdjuster) Write(p []byte) (int, error) {
	if err := d.adjust(); err != nil {
		return 0, err
	}
	n, err := d.peerStream.Write(p)
	return n, d.check(err)
}
