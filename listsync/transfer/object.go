// Package transfer moves the elements selected by reconciliation from the
// server to the client using the transmission type of the list level.
package transfer

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

func protocolError(format string, args ...any) *types.SynchronizeError {
	return types.NewError(types.ErrorInProtocol, fmt.Errorf(format, args...))
}

func accessError(err error) *types.SynchronizeError {
	return types.NewError(types.ErrorDataAccess, err)
}

// AddHashesAsElements stores the hashes of a level whose hashes are the
// elements themselves. No network traffic is involved.
func AddHashesAsElements(acc types.ListAccessor, level int, items []types.IndexAndHash) error {
	for _, ih := range items {
		if err := acc.AddElementObject(ih.Index, level, []byte(ih.Hash)); err != nil {
			return accessError(fmt.Errorf("add %q: %w", ih.Index, err))
		}
	}
	return nil
}

// ObjectClient requests elements one at a time and stores the received
// objects.
type ObjectClient struct {
	acc      types.ListAccessor
	level    int
	indexes  []string
	received int
	changed  bool
	done     bool
}

// NewObjectClient creates an ObjectClient for the indexes.
func NewObjectClient(acc types.ListAccessor, level int, indexes []string) *ObjectClient {
	return &ObjectClient{acc: acc, level: level, indexes: indexes}
}

// Start returns the first request, or the end marker if there's nothing to
// request.
func (c *ObjectClient) Start() wire.Message {
	return c.request()
}

func (c *ObjectClient) request() wire.Message {
	if c.received == len(c.indexes) {
		c.done = true
		return &wire.ObjectRequest{}
	}
	return &wire.ObjectRequest{More: true, Index: c.indexes[c.received]}
}

// Handle processes the answer to the outstanding request and returns the
// next request or the end marker.
func (c *ObjectClient) Handle(m wire.Message) (wire.Message, error) {
	if c.done {
		return nil, protocolError("unexpected %s after the end of transfer", m.Type())
	}
	want := c.indexes[c.received]
	switch m := m.(type) {
	case *wire.ElementObject:
		if m.Index != want {
			return nil, protocolError("unexpected element %q, want %q", m.Index, want)
		}
		if err := c.acc.AddElementObject(m.Index, c.level, m.Data); err != nil {
			return nil, accessError(fmt.Errorf("add %q: %w", m.Index, err))
		}
	case *wire.ElementNotFound:
		if m.Index != want {
			return nil, protocolError("unexpected element %q, want %q", m.Index, want)
		}
		c.changed = true
	default:
		return nil, protocolError("unexpected %s during object transfer", m.Type())
	}
	c.received++
	return c.request(), nil
}

// Done returns true once the end marker has been produced.
func (c *ObjectClient) Done() bool {
	return c.done
}

// Changed returns true if some requested elements were gone on the server.
func (c *ObjectClient) Changed() bool {
	return c.changed
}

// Received returns the number of answered requests.
func (c *ObjectClient) Received() int {
	return c.received
}

// Total returns the number of elements to request.
func (c *ObjectClient) Total() int {
	return len(c.indexes)
}

// ObjectServer answers object requests from the client.
type ObjectServer struct {
	acc    types.ListAccessor
	level  int
	served int
}

// NewObjectServer creates an ObjectServer for the level.
func NewObjectServer(acc types.ListAccessor, level int) *ObjectServer {
	return &ObjectServer{acc: acc, level: level}
}

// Handle answers the request. It returns nil and done=true for the end
// marker.
func (s *ObjectServer) Handle(req *wire.ObjectRequest) (answer wire.Message, done bool, err error) {
	if !req.More {
		return nil, true, nil
	}
	data, err := s.acc.ElementObject(req.Index, s.level)
	switch {
	case errors.Is(err, types.ErrElementNotFound):
		return &wire.ElementNotFound{Index: req.Index}, false, nil
	case err != nil:
		return nil, false, accessError(fmt.Errorf("get %q: %w", req.Index, err))
	}
	s.served++
	return &wire.ElementObject{Index: req.Index, Data: data}, false, nil
}

// Served returns the number of objects sent.
func (s *ObjectServer) Served() int {
	return s.served
}
