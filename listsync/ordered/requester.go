// Package ordered implements the divide-and-conquer reconciliation of sorted
// item lists. The Requester drives range comparisons and learns which of its
// items the Responder is missing. Both sides are pure state machines: they
// consume messages and return the messages to be sent.
package ordered

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-listsync/hash"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

const (
	// MaxSimultaneousQueries is the maximum number of queries in flight.
	MaxSimultaneousQueries = 16
	// IndexBatchSize is the number of items sent per IndexBatch.
	IndexBatchSize = 128
)

var (
	// ErrUnknownQuery is returned for results that don't match a pending query.
	ErrUnknownQuery = errors.New("unknown query id")
	// ErrFinished is returned for messages received after the round is over.
	ErrFinished = errors.New("reconciliation finished")
	// ErrBadQuery is returned for malformed queries.
	ErrBadQuery = errors.New("bad hash query")
)

// Result is the state of a Requester.
type Result int

const (
	// Running means queries are still pending.
	Running Result = iota
	// FinishedSkipTransfer means the items are the elements themselves and the
	// must-send list was all that had to be transferred.
	FinishedSkipTransfer
	// FinishedMustTransfer means the elements of the must-send list have yet
	// to be transferred.
	FinishedMustTransfer
)

func (r Result) String() string {
	switch r {
	case Running:
		return "running"
	case FinishedSkipTransfer:
		return "finishedSkipTransfer"
	case FinishedMustTransfer:
		return "finishedMustTransfer"
	default:
		return fmt.Sprintf("<unknown %d>", int(r))
	}
}

// Digest returns the digest of a range of sorted items.
func Digest(items []string) string {
	return hash.SumStrings(items...)
}

type localQuery struct {
	offset, length int
}

// Requester holds the sorted items to be checked against the peer.
type Requester struct {
	items             []string
	hashEqualsElement bool
	pending           map[uuid.UUID]localQuery
	backlog           []localQuery
	mustSend          []int
	result            Result
	maxPending        int
	numQueries        int
}

// NewRequester creates a Requester for a copy of the items.
func NewRequester(items []string, hashEqualsElement bool) *Requester {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	return &Requester{
		items:             sorted,
		hashEqualsElement: hashEqualsElement,
		pending:           make(map[uuid.UUID]localQuery),
	}
}

// Start returns the initial messages. For an empty list the round finishes
// immediately.
func (r *Requester) Start() []wire.Message {
	if len(r.items) == 0 {
		return r.finish()
	}
	return r.enqueue(nil, localQuery{offset: 0, length: len(r.items)})
}

// HandleResult processes the peer's verdict on a pending query.
func (r *Requester) HandleResult(res *wire.HashQueryResult) ([]wire.Message, error) {
	if r.result != Running {
		return nil, ErrFinished
	}
	q, found := r.pending[res.ID]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, res.ID)
	}
	delete(r.pending, res.ID)
	var msgs []wire.Message
	switch res.Verdict {
	case wire.HashNotFoundAndNoGreater:
		for i := q.offset; i < q.offset+q.length; i++ {
			r.mustSend = append(r.mustSend, i)
		}
	case wire.HashNotFoundButGreater:
		r.mustSend = append(r.mustSend, q.offset)
		msgs = r.split(msgs, q.offset+1, q.length-1)
	case wire.HashFoundListHashDiffers:
		msgs = r.split(msgs, q.offset+1, q.length-1)
	case wire.HashFoundListHashEquals:
	default:
		return nil, fmt.Errorf("unexpected verdict %s", res.Verdict)
	}
	msgs = r.drain(msgs)
	if len(r.pending) == 0 {
		msgs = append(msgs, r.finish()...)
	}
	return msgs, nil
}

// Result returns the current state of the round.
func (r *Requester) Result() Result {
	return r.result
}

// MustSend returns the items the peer is missing, in sorted order.
func (r *Requester) MustSend() []string {
	out := make([]string, len(r.mustSend))
	idxs := slices.Clone(r.mustSend)
	slices.Sort(idxs)
	for n, i := range idxs {
		out[n] = r.items[i]
	}
	return out
}

// Pending returns the number of queries in flight.
func (r *Requester) Pending() int {
	return len(r.pending)
}

// splitPoint returns the split position within [offset, offset+length) that
// doesn't cut a run of equal items, or -1 if there's none.
func (r *Requester) splitPoint(offset, length int) int {
	end := offset + length
	mid := offset + length/2
	for mid < end && r.items[mid] == r.items[mid-1] {
		mid++
	}
	if mid < end {
		return mid
	}
	mid = offset + length/2
	for mid > offset && r.items[mid] == r.items[mid-1] {
		mid--
	}
	if mid == offset {
		return -1
	}
	return mid
}

func (r *Requester) split(msgs []wire.Message, offset, length int) []wire.Message {
	switch {
	case length <= 0:
		return msgs
	case length == 1:
		return r.enqueue(msgs, localQuery{offset: offset, length: 1})
	}
	mid := r.splitPoint(offset, length)
	if mid < 0 {
		return r.enqueue(msgs, localQuery{offset: offset, length: length})
	}
	msgs = r.enqueue(msgs, localQuery{offset: offset, length: mid - offset})
	return r.enqueue(msgs, localQuery{offset: mid, length: offset + length - mid})
}

func (r *Requester) enqueue(msgs []wire.Message, q localQuery) []wire.Message {
	r.backlog = append(r.backlog, q)
	return r.drain(msgs)
}

func (r *Requester) drain(msgs []wire.Message) []wire.Message {
	for len(r.backlog) != 0 && len(r.pending) < MaxSimultaneousQueries {
		q := r.backlog[0]
		r.backlog = r.backlog[1:]
		msgs = append(msgs, r.send(q))
	}
	return msgs
}

func (r *Requester) send(q localQuery) wire.Message {
	id := wire.NewID()
	r.pending[id.Value] = q
	r.numQueries++
	r.maxPending = max(r.maxPending, len(r.pending))
	return &wire.HashQuery{
		ID:        id,
		FirstHash: wire.Some(r.items[q.offset]),
		Length:    uint32(q.length),
		ListHash:  wire.Some(Digest(r.items[q.offset : q.offset+q.length])),
	}
}

func (r *Requester) finish() []wire.Message {
	if r.hashEqualsElement {
		r.result = FinishedSkipTransfer
	} else {
		r.result = FinishedMustTransfer
	}
	msgs := []wire.Message{&wire.HashQuery{Complete: true}}
	return append(msgs, Batches(r.MustSend(), IndexBatchSize)...)
}

// Batches splits items into IndexBatch messages of at most size items,
// followed by the empty batch terminating the sequence.
func Batches(items []string, size int) []wire.Message {
	msgs := make([]wire.Message, 0, len(items)/size+2)
	for chunk := range slices.Chunk(items, size) {
		msgs = append(msgs, &wire.IndexBatch{Items: chunk})
	}
	return append(msgs, &wire.IndexBatch{})
}
