package bandwidth

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-listsync/log/logtest"
)

type fakeResource struct {
	mu       sync.Mutex
	priority float64
	achieved float64
	known    bool
	speeds   []float64
}

func (r *fakeResource) Priority() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

func (r *fakeResource) AchievedSpeed() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.achieved, r.known
}

func (r *fakeResource) SetSpeed(speed float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speeds = append(r.speeds, speed)
}

func (r *fakeResource) achieve(speed float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.achieved = speed
	r.known = true
}

func (r *fakeResource) speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.speeds) == 0 {
		return math.NaN()
	}
	return r.speeds[len(r.speeds)-1]
}

func (r *fakeResource) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.speeds)
}

func newManager(t *testing.T, opts ...Opt) (*PriorityManager, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	m := NewPriorityManager(append([]Opt{WithClock(clock), WithLogger(logtest.New(t))}, opts...)...)
	t.Cleanup(m.Stop)
	return m, clock
}

func TestSlots(t *testing.T) {
	s := newSlots()
	a, b := []float64{}, []float64{}
	for h := range Handle(5) {
		require.Equal(t, int(h), s.add(h))
		a = append(a, float64(h))
		b = append(b, float64(h)*10)
	}
	require.True(t, s.remove(1, &a, &b))
	require.False(t, s.remove(1, &a, &b))
	require.Equal(t, []float64{0, 2, 3, 4}, a)
	require.Equal(t, []float64{0, 20, 30, 40}, b)
	require.Equal(t, map[Handle]int{0: 0, 2: 1, 3: 2, 4: 3}, s.pos)
	require.Panics(t, func() { s.add(2) })
}

func TestWaitTime(t *testing.T) {
	require.Equal(t, MaxWaitTime, WaitTime(0))
	require.Equal(t, MinWaitTime, WaitTime(1))
	require.Equal(t, 3*time.Second, WaitTime(0.5))
	require.Equal(t, MinWaitTime, WaitTime(7))
	require.Equal(t, MaxWaitTime, WaitTime(-1))
}

func sum(out [][]float64) float64 {
	var s float64
	for _, v := range out {
		for _, speed := range v {
			s += speed
		}
	}
	return s
}

func TestCalculateUnlimited(t *testing.T) {
	var calc SpeedCalculator
	in := []StakeholderInput{{Priority: 1, Requested: []float64{1, 1}, Achieved: []float64{5, 6}}}
	out, variation := calc.Calculate(in, 0)
	require.Equal(t, [][]float64{{Unlimited, Unlimited}}, out)
	require.Equal(t, 1.0, variation)

	in[0].Assigned = out[0]
	out, variation = calc.Calculate(in, 0)
	require.Equal(t, [][]float64{{Unlimited, Unlimited}}, out)
	require.Zero(t, variation)
}

func TestCalculateProportional(t *testing.T) {
	var calc SpeedCalculator
	in := []StakeholderInput{
		{Priority: 3, Requested: []float64{1, 1}},
		{Priority: 1, Requested: []float64{1}},
	}
	out, variation := calc.Calculate(in, 80_000)
	require.InDeltaSlice(t, []float64{30_000, 30_000}, out[0], 1e-6)
	require.InDeltaSlice(t, []float64{20_000}, out[1], 1e-6)
	require.Equal(t, 1.0, variation)
}

func TestCalculateRedistributes(t *testing.T) {
	var calc SpeedCalculator
	// the first resource only manages 10k of its 40k
	in := []StakeholderInput{{
		Priority:     1,
		Requested:    []float64{1, 1},
		Achieved:     []float64{10_000, 40_000},
		Assigned:     []float64{40_000, 40_000},
		PrevAssigned: []float64{40_000, 40_000},
	}}
	out, variation := calc.Calculate(in, 80_000)
	require.InDeltaSlice(t, []float64{12_000, 68_000}, out[0], 1e-6)
	require.InDelta(t, 80_000, sum(out), 1e-6)
	require.InDelta(t, 56_000.0/80_000, variation, 1e-9)

	// no change when the allocation matches the achieved speeds
	in[0].Achieved = []float64{10_000, 68_000}
	in[0].PrevAssigned = in[0].Assigned
	in[0].Assigned = out[0]
	out, _ = calc.Calculate(in, 80_000)
	require.InDeltaSlice(t, []float64{12_000, 68_000}, out[0], 1e-6)
}

func TestCalculateDamping(t *testing.T) {
	var calc SpeedCalculator
	// the first resource went up last cycle and would go down now
	in := []StakeholderInput{{
		Priority:     1,
		Requested:    []float64{1, 1},
		Achieved:     []float64{10_000, 50_000},
		Assigned:     []float64{50_000, 50_000},
		PrevAssigned: []float64{40_000, 60_000},
	}}
	out, _ := calc.Calculate(in, 100_000)
	// undamped the speeds would be 12k and 88k
	require.InDeltaSlice(t, []float64{31_000, 69_000}, out[0], 1e-6)
}

func TestCalculateBound(t *testing.T) {
	var calc SpeedCalculator
	rng := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		total := 1 + rng.Float64()*1_000_000
		in := make([]StakeholderInput, 1+rng.IntN(4))
		for i := range in {
			n := 1 + rng.IntN(5)
			in[i].Priority = rng.Float64() * 5
			for range n {
				in[i].Requested = append(in[i].Requested, rng.Float64())
				in[i].Achieved = append(in[i].Achieved, rng.Float64()*total)
				in[i].Assigned = append(in[i].Assigned, rng.Float64()*2*total)
				in[i].PrevAssigned = append(in[i].PrevAssigned, rng.Float64()*2*total)
			}
		}
		out, variation := calc.Calculate(in, total)
		require.LessOrEqual(t, sum(out), total*(1+1e-9))
		require.GreaterOrEqual(t, variation, 0.0)
		require.LessOrEqual(t, variation, 1.0)
		for _, v := range out {
			for _, speed := range v {
				require.GreaterOrEqual(t, speed, 0.0)
			}
		}
	}
}

func TestPriorityManagerPositions(t *testing.T) {
	m, _ := newManager(t)
	type added struct {
		stakeholder string
		h           Handle
	}
	var live []added
	rng := rand.New(rand.NewPCG(3, 4))
	for range 1000 {
		if len(live) == 0 || rng.IntN(3) > 0 {
			id := string(rune('a' + rng.IntN(4)))
			h := m.Add(Stakeholder{ID: id, Priority: 1}, &fakeResource{priority: 1}, 1000)
			live = append(live, added{id, h})
		} else {
			i := rng.IntN(len(live))
			require.NoError(t, m.Remove(live[i].stakeholder, live[i].h))
			require.ErrorIs(t, m.Remove(live[i].stakeholder, live[i].h), ErrUnknownResource)
			live = append(live[:i], live[i+1:]...)
		}
		if rng.IntN(10) == 0 {
			_, ok := m.reassign()
			require.True(t, ok)
		}

		counts := map[string]int{}
		for _, a := range live {
			counts[a.stakeholder]++
		}
		snap := m.Snapshot()
		require.Len(t, snap, len(counts))
		for id, s := range snap {
			n := counts[id]
			require.Len(t, s.Positions, n)
			seen := make([]bool, n)
			for _, p := range s.Positions {
				require.False(t, seen[p])
				seen[p] = true
			}
			require.Len(t, s.Requested, n)
			require.Len(t, s.Achieved, n)
			require.Len(t, s.Assigned, n)
		}
	}
}

func TestPriorityManagerInitialShare(t *testing.T) {
	m, _ := newManager(t, WithConfig(Config{TotalMaxSpeed: 10_000}))
	first := &fakeResource{priority: 1}
	second := &fakeResource{priority: 1}
	m.Add(Stakeholder{ID: "a", Priority: 1}, first, Unlimited)
	require.Equal(t, 10_000.0, first.speed())
	m.Add(Stakeholder{ID: "b", Priority: 1}, second, Unlimited)
	require.Equal(t, 5000.0, second.speed())
	slow := &fakeResource{priority: 1}
	m.Add(Stakeholder{ID: "b", Priority: 1}, slow, 100)
	require.Equal(t, 100.0, slow.speed())

	unlimited, _ := newManager(t)
	r := &fakeResource{priority: 1}
	unlimited.Add(Stakeholder{ID: "a", Priority: 1}, r, Unlimited)
	require.Equal(t, Unlimited, r.speed())
}

func TestPriorityManagerRemoveUnknown(t *testing.T) {
	m, _ := newManager(t)
	h := m.Add(Stakeholder{ID: "a", Priority: 1}, &fakeResource{priority: 1}, 10)
	require.ErrorIs(t, m.Remove("b", h), ErrUnknownResource)
	require.ErrorIs(t, m.Remove("a", h+1), ErrUnknownResource)
	require.NoError(t, m.Remove("a", h))
	require.Empty(t, m.Snapshot())
}

func TestPriorityManagerCycle(t *testing.T) {
	m, clock := newManager(t, WithConfig(Config{TotalMaxSpeed: 100_000}))
	require.EqualValues(t, 100_000, m.TotalMaxSpeed())
	friend := &fakeResource{priority: 1}
	regular := &fakeResource{priority: 1}
	m.Add(Stakeholder{ID: "friend", Priority: 4}, friend, 5000)
	m.Add(Stakeholder{ID: "regular", Priority: 1}, regular, 5000)
	require.Equal(t, 5000.0, friend.speed())
	// both use all of their speed
	friend.achieve(5000)
	regular.achieve(5000)

	clock.BlockUntil(1)
	clock.Advance(MinWaitTime)
	require.Eventually(t, func() bool { return regular.calls() == 2 }, time.Second, time.Millisecond)
	require.InDelta(t, 80_000, friend.speed(), 1e-6)
	require.InDelta(t, 20_000, regular.speed(), 1e-6)

	// the next cycle is scheduled after the first one
	clock.BlockUntil(1)
	m.SetTotalMaxSpeed(0)
	clock.Advance(MaxWaitTime)
	require.Eventually(t, func() bool { return regular.calls() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, Unlimited, regular.speed())

	clock.BlockUntil(1)
	m.Stop()
	clock.Advance(MaxWaitTime)
	_, ok := m.reassign()
	require.False(t, ok)
	require.Equal(t, 3, regular.calls())
}
