package resource

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-listsync/bandwidth"
	"github.com/spacemeshos/go-listsync/p2p"
)

// chunk is the largest read or write passed through a throttle at once.
const chunk = 64 << 10

// Regulator assigns speeds to the throttles of the transfers.
type Regulator interface {
	Add(sh bandwidth.Stakeholder, r bandwidth.RegulatedResource, initialSpeed float64) bandwidth.Handle
	Remove(stakeholderID string, h bandwidth.Handle) error
}

// PriorityFunc returns the bandwidth priority of a peer.
type PriorityFunc func(peer p2p.Peer) float64

// Throttle limits the speed of a transfer and measures the speed achieved.
// It is a bandwidth.RegulatedResource.
type Throttle struct {
	clock    clockwork.Clock
	limiter  *rate.Limiter
	priority float64

	mu          sync.Mutex
	transferred int64
	since       time.Time
}

var _ bandwidth.RegulatedResource = &Throttle{}

// NewThrottle creates an unlimited throttle.
func NewThrottle(clock clockwork.Clock, priority float64) *Throttle {
	return &Throttle{
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Inf, chunk),
		priority: priority,
		since:    clock.Now(),
	}
}

func (t *Throttle) Priority() float64 {
	return t.priority
}

func (t *Throttle) AchievedSpeed() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	elapsed := now.Sub(t.since)
	if elapsed <= 0 {
		return 0, false
	}
	speed := float64(t.transferred) / elapsed.Seconds()
	t.transferred = 0
	t.since = now
	return speed, true
}

func (t *Throttle) SetSpeed(speed float64) {
	if math.IsInf(speed, 1) {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetLimit(rate.Limit(max(speed, 1)))
}

func (t *Throttle) wait(ctx context.Context, n int) error {
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	t.mu.Lock()
	t.transferred += int64(n)
	t.mu.Unlock()
	return nil
}

// Reader throttles reads from r.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, r: r, t: t}
}

// Writer throttles writes to w.
func (t *Throttle) Writer(ctx context.Context, w io.Writer) io.Writer {
	return &throttledWriter{ctx: ctx, w: w, t: t}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	t   *Throttle
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if len(p) > chunk {
		p = p[:chunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.t.wait(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	t   *Throttle
}

func (w *throttledWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		n := min(len(p), chunk)
		if err := w.t.wait(w.ctx, n); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[:n])
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// regulate registers a throttle for a transfer with the peer. The returned
// function unregisters it.
func regulate(reg Regulator, clock clockwork.Clock, priority PriorityFunc, peer p2p.Peer) (*Throttle, func()) {
	t := NewThrottle(clock, 1)
	if reg == nil {
		return t, func() {}
	}
	prio := 1.0
	if priority != nil {
		prio = priority(peer)
	}
	sh := bandwidth.Stakeholder{ID: peer.String(), Priority: prio}
	h := reg.Add(sh, t, bandwidth.Unlimited)
	return t, func() { reg.Remove(sh.ID, h) }
}
