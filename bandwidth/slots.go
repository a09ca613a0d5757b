package bandwidth

import "slices"

// Handle identifies a regulated resource. Handles are stable while
// positions shift on removal.
type Handle uint64

// slots maps handles to dense positions 0..n-1 in insertion order.
type slots struct {
	handles []Handle
	pos     map[Handle]int
}

func newSlots() *slots {
	return &slots{pos: make(map[Handle]int)}
}

func (s *slots) len() int {
	return len(s.handles)
}

func (s *slots) position(h Handle) (int, bool) {
	p, ok := s.pos[h]
	return p, ok
}

// add appends the handle and returns its position.
func (s *slots) add(h Handle) int {
	if _, ok := s.pos[h]; ok {
		panic("BUG: duplicate handle")
	}
	s.pos[h] = len(s.handles)
	s.handles = append(s.handles, h)
	return s.pos[h]
}

// remove drops the handle, moving every later handle down by one position.
// The same position is removed from each vector.
func (s *slots) remove(h Handle, vectors ...*[]float64) bool {
	p, ok := s.pos[h]
	if !ok {
		return false
	}
	delete(s.pos, h)
	s.handles = slices.Delete(s.handles, p, p+1)
	for i := p; i < len(s.handles); i++ {
		s.pos[s.handles[i]] = i
	}
	for _, v := range vectors {
		*v = slices.Delete(*v, p, p+1)
	}
	return true
}
