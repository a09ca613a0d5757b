package ordered

import (
	"fmt"
	"slices"

	"github.com/spacemeshos/go-listsync/listsync/wire"
)

// Responder answers the Requester's queries against its own sorted items.
// Matched items are removed as the round proceeds. The items left over when
// the round is done are the ones the Requester doesn't have.
type Responder struct {
	items []string
	done  bool
}

// NewResponder creates a Responder for a copy of the items.
func NewResponder(items []string) *Responder {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	return &Responder{items: sorted}
}

// HandleQuery answers the query. It returns nil for the terminal sentinel.
func (r *Responder) HandleQuery(q *wire.HashQuery) (*wire.HashQueryResult, error) {
	if r.done {
		return nil, ErrFinished
	}
	if q.Complete {
		r.done = true
		return nil, nil
	}
	if !q.ID.Valid || !q.FirstHash.Valid || !q.ListHash.Valid || q.Length == 0 {
		return nil, fmt.Errorf("%w: missing range data", ErrBadQuery)
	}
	return &wire.HashQueryResult{ID: q.ID.Value, Verdict: r.verdict(q)}, nil
}

func (r *Responder) verdict(q *wire.HashQuery) wire.Verdict {
	i, found := slices.BinarySearch(r.items, q.FirstHash.Value)
	switch {
	case !found && i == len(r.items):
		return wire.HashNotFoundAndNoGreater
	case !found:
		return wire.HashNotFoundButGreater
	}
	length := int(q.Length)
	if len(r.items)-i >= length && Digest(r.items[i:i+length]) == q.ListHash.Value {
		r.items = slices.Delete(r.items, i, i+length)
		return wire.HashFoundListHashEquals
	}
	r.items = slices.Delete(r.items, i, i+1)
	return wire.HashFoundListHashDiffers
}

// Done returns true after the terminal sentinel is received.
func (r *Responder) Done() bool {
	return r.done
}

// Remaining returns the items that haven't been matched.
func (r *Responder) Remaining() []string {
	return slices.Clone(r.items)
}
