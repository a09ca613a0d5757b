// Package peers keeps the relationship with known peers and ranks them as
// resource providers by responsiveness and latency.
package peers

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-listsync/p2p"
)

// Relationship decides whether a peer is served and how much bandwidth it
// gets relative to others.
type Relationship uint8

const (
	Regular Relationship = iota
	Friend
	Blocked
)

func (r Relationship) String() string {
	switch r {
	case Regular:
		return "regular"
	case Friend:
		return "friend"
	case Blocked:
		return "blocked"
	}
	return fmt.Sprintf("<unknown %d>", uint8(r))
}

// ParseRelationship parses the String form of a Relationship.
func ParseRelationship(s string) (Relationship, error) {
	for _, r := range []Relationship{Regular, Friend, Blocked} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown relationship %q", s)
}

const (
	regularPriority = 1
	friendPriority  = 4
)

type data struct {
	id                p2p.Peer
	relationship      Relationship
	success, failures int
	failRate          float64
	averageLatency    float64
}

func (d *data) latency(global float64) float64 {
	switch {
	case d.success+d.failures == 0:
		return 0.9 * global // try out new peers first
	case d.success == 0:
		return 1.1 * global
	}
	return d.averageLatency + d.failRate*global
}

func (d *data) less(other *data, global float64) bool {
	if (d.relationship == Friend) != (other.relationship == Friend) {
		return d.relationship == Friend
	}
	peerLatency := d.latency(global)
	otherLatency := other.latency(global)
	if peerLatency != otherLatency {
		return peerLatency < otherLatency
	}
	return strings.Compare(string(d.id), string(other.id)) == -1
}

// Book tracks the known peers.
type Book struct {
	mu    sync.Mutex
	peers map[p2p.Peer]*data
	// relationships set before the peer is added
	preset map[p2p.Peer]Relationship

	// globalLatency is the average latency of all successful transfers.
	// It is the reference for new peers and scales the failure penalty.
	globalLatency float64
}

// New creates an empty Book.
func New() *Book {
	return &Book{
		peers:  map[p2p.Peer]*data{},
		preset: map[p2p.Peer]Relationship{},
	}
}

// Add adds a connected peer. It returns false if the peer is known already.
func (b *Book) Add(id p2p.Peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exist := b.peers[id]; exist {
		return false
	}
	b.peers[id] = &data{id: id, relationship: b.preset[id]}
	return true
}

// Delete removes a disconnected peer. Its relationship is kept.
func (b *Book) Delete(id p2p.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}

// SetRelationship sets the relationship with the peer, whether it's
// connected or not.
func (b *Book) SetRelationship(id p2p.Peer, r Relationship) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == Regular {
		delete(b.preset, id)
	} else {
		b.preset[id] = r
	}
	if d, exist := b.peers[id]; exist {
		d.relationship = r
	}
}

// Relationship returns the relationship with the peer.
func (b *Book) Relationship(id p2p.Peer) Relationship {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preset[id]
}

// Allowed returns false for blocked peers.
func (b *Book) Allowed(id p2p.Peer) bool {
	return b.Relationship(id) != Blocked
}

// Priority returns the bandwidth priority of the peer.
func (b *Book) Priority(id p2p.Peer) float64 {
	switch b.Relationship(id) {
	case Friend:
		return friendPriority
	case Blocked:
		return 0
	}
	return regularPriority
}

// OnFailure records a failed transfer from the peer.
func (b *Book) OnFailure(id p2p.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peer, exist := b.peers[id]
	if !exist {
		return
	}
	peer.failures++
	peer.failRate = float64(peer.failures) / float64(peer.success+peer.failures)
}

// OnTransfer records a successful transfer of size bytes taking latency.
// Latency is normalized to the time to transfer 1KiB, smaller transfers
// count as 1KiB.
func (b *Book) OnTransfer(id p2p.Peer, size int, latency time.Duration) {
	if size == 0 {
		return
	}
	latency = latency / time.Duration(max(size/1024, 1))
	b.mu.Lock()
	defer b.mu.Unlock()
	peer, exist := b.peers[id]
	if !exist {
		return
	}
	peer.success++
	peer.failRate = float64(peer.failures) / float64(peer.success+peer.failures)
	if peer.averageLatency != 0 {
		peer.averageLatency += (float64(latency) - peer.averageLatency) / 10
	} else {
		peer.averageLatency = float64(latency)
	}
	if b.globalLatency != 0 {
		b.globalLatency += (float64(latency) - b.globalLatency) / 25
	} else {
		b.globalLatency = float64(latency)
	}
}

// BestProviderFrom returns the best resource provider among the peers, or
// p2p.NoPeer if none of them is usable.
func (b *Book) BestProviderFrom(peers []p2p.Peer) p2p.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *data
	for _, id := range peers {
		d, exist := b.peers[id]
		if !exist || d.relationship == Blocked {
			continue
		}
		if best == nil || d.less(best, b.globalLatency) {
			best = d
		}
	}
	if best != nil {
		return best.id
	}
	return p2p.NoPeer
}

// Providers returns at most n unblocked peers, best providers first.
func (b *Book) Providers(n int) []p2p.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.providers(n)
}

func (b *Book) providers(n int) []p2p.Peer {
	lth := min(len(b.peers), n)
	if lth <= 0 {
		return nil
	}
	best := make([]*data, 0, lth)
	for _, d := range b.peers {
		if d.relationship == Blocked {
			continue
		}
		worst := d
		for i := range best {
			if worst.less(best[i], b.globalLatency) {
				best[i], worst = worst, best[i]
			}
		}
		if len(best) < cap(best) {
			best = append(best, worst)
		}
	}
	rst := make([]p2p.Peer, len(best))
	for i := range rst {
		rst[i] = best[i].id
	}
	return rst
}

// Persist writes the relationships that differ from Regular, one
// "<peer> <relationship>" line per peer.
func (b *Book) Persist(w io.Writer) error {
	b.mu.Lock()
	ids := make([]p2p.Peer, 0, len(b.preset))
	for id := range b.preset {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("%s %s\n", id, b.preset[id]))
	}
	b.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := bw.WriteString(line); err != nil {
			return fmt.Errorf("write peer relationship: %w", err)
		}
	}
	return bw.Flush()
}

// Recover reads the relationships written by Persist.
func (b *Book) Recover(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("line %d: malformed entry %q", n, line)
		}
		id, err := peer.Decode(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		rel, err := ParseRelationship(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		b.SetRelationship(id, rel)
	}
	return scanner.Err()
}

// Total returns the number of connected peers.
func (b *Book) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Stats returns the statistics of the best providers.
func (b *Book) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{
		Total:                len(b.peers),
		GlobalAverageLatency: b.globalLatency,
	}
	for _, id := range b.providers(5) {
		d := b.peers[id]
		stats.BestPeers = append(stats.BestPeers, PeerStats{
			ID:           d.id,
			Relationship: d.relationship,
			Success:      d.success,
			Failures:     d.failures,
			Latency:      d.averageLatency,
		})
	}
	return stats
}

type Stats struct {
	Total                int
	GlobalAverageLatency float64
	BestPeers            []PeerStats
}

func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("total", s.Total)
	enc.AddFloat64("global average latency", s.GlobalAverageLatency)
	enc.AddArray("best peers", zapcore.ArrayMarshalerFunc(func(arrEnc zapcore.ArrayEncoder) error {
		for _, peer := range s.BestPeers {
			arrEnc.AppendObject(&peer)
		}
		return nil
	}))
	return nil
}

type PeerStats struct {
	ID           p2p.Peer
	Relationship Relationship
	Success      int
	Failures     int
	Latency      float64
}

func (p *PeerStats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", p.ID.String())
	enc.AddString("relationship", p.Relationship.String())
	enc.AddInt("success", p.Success)
	enc.AddInt("failures", p.Failures)
	enc.AddFloat64("latency per 1024 bytes", p.Latency)
	return nil
}
