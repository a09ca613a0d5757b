// Package bandwidth splits a global transfer speed cap between the resources
// transferred for competing stakeholders.
//
// The PriorityManager periodically reads the speed each resource achieved,
// computes new caps with the SpeedCalculator and pushes them to the
// resources. Stakeholders get a share proportional to their priority, and
// the resources of a stakeholder split its share by their own priorities.
package bandwidth

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrUnknownResource is returned when removing a resource that isn't
// regulated by the manager.
var ErrUnknownResource = errors.New("unknown regulated resource")

// RegulatedResource is a transfer whose speed is controlled by the manager.
type RegulatedResource interface {
	// Priority is the share requested within the stakeholder.
	Priority() float64
	// AchievedSpeed returns the speed since the previous call, in bytes/s.
	// It returns false if the speed isn't known yet.
	AchievedSpeed() (float64, bool)
	// SetSpeed sets the speed cap in bytes/s. Unlimited removes it.
	SetSpeed(speed float64)
}

// Stakeholder competes with other stakeholders for bandwidth.
type Stakeholder struct {
	ID       string
	Priority float64
}

type stakeholder struct {
	priority  float64
	slots     *slots
	resources []RegulatedResource
	requested []float64
	achieved  []float64
	assigned  []float64
	prev      []float64
}

func (s *stakeholder) vectors() []*[]float64 {
	return []*[]float64{&s.requested, &s.achieved, &s.assigned, &s.prev}
}

// Opt configures a PriorityManager.
type Opt func(*PriorityManager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *PriorityManager) {
		m.logger = logger
	}
}

// WithClock sets the clock driving the allocation cycles.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *PriorityManager) {
		m.clock = clock
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Opt {
	return func(m *PriorityManager) {
		m.totalMax = cfg.TotalMaxSpeed
	}
}

// PriorityManager periodically reassigns the speeds of the regulated
// resources.
type PriorityManager struct {
	logger *zap.Logger
	clock  clockwork.Clock
	calc   SpeedCalculator

	mu           sync.Mutex
	totalMax     float64
	stakeholders map[string]*stakeholder
	owners       map[Handle]string
	nextHandle   Handle
	timer        clockwork.Timer
	stopped      bool
}

// NewPriorityManager creates a PriorityManager and schedules its first
// allocation cycle.
func NewPriorityManager(opts ...Opt) *PriorityManager {
	m := &PriorityManager{
		logger:       zap.NewNop(),
		clock:        clockwork.NewRealClock(),
		stakeholders: make(map[string]*stakeholder),
		owners:       make(map[Handle]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.timer = m.clock.AfterFunc(MinWaitTime, m.cycle)
	return m
}

// Add starts regulating the resource on behalf of the stakeholder. The
// stakeholder priority is updated to the passed one. With a total speed cap
// the initial speed is at most an even share of it until the next cycle.
func (m *PriorityManager) Add(sh Stakeholder, r RegulatedResource, initialSpeed float64) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stakeholders[sh.ID]
	if !ok {
		s = &stakeholder{slots: newSlots()}
		m.stakeholders[sh.ID] = s
	}
	s.priority = sh.Priority
	m.nextHandle++
	h := m.nextHandle
	s.slots.add(h)
	m.owners[h] = sh.ID
	s.resources = append(s.resources, r)
	s.requested = append(s.requested, r.Priority())
	s.achieved = append(s.achieved, 0)
	if m.totalMax > 0 {
		initialSpeed = min(initialSpeed, m.totalMax/float64(len(m.owners)))
	}
	s.assigned = append(s.assigned, initialSpeed)
	s.prev = append(s.prev, initialSpeed)
	regulatedResources.Inc()
	r.SetSpeed(initialSpeed)
	return h
}

// Remove stops regulating the resource. The stakeholder is dropped with
// its last resource.
func (m *PriorityManager) Remove(stakeholderID string, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stakeholders[stakeholderID]
	if !ok || m.owners[h] != stakeholderID {
		return fmt.Errorf("%w: %d of %q", ErrUnknownResource, h, stakeholderID)
	}
	p, _ := s.slots.position(h)
	s.resources = slices.Delete(s.resources, p, p+1)
	s.slots.remove(h, s.vectors()...)
	delete(m.owners, h)
	if s.slots.len() == 0 {
		delete(m.stakeholders, stakeholderID)
	}
	regulatedResources.Dec()
	return nil
}

// SetTotalMaxSpeed sets the cap on the sum of all speeds. 0 means unlimited.
func (m *PriorityManager) SetTotalMaxSpeed(speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMax = speed
}

// TotalMaxSpeed returns the cap on the sum of all speeds.
func (m *PriorityManager) TotalMaxSpeed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMax
}

// Stop stops the allocation cycles. Speeds are left as they are.
func (m *PriorityManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.timer.Stop()
}

func (m *PriorityManager) cycle() {
	delay, ok := m.reassign()
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.timer = m.clock.AfterFunc(delay, m.cycle)
	}
}

// reassign runs one allocation cycle and returns the delay until the next.
func (m *PriorityManager) reassign() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0, false
	}
	ids := slices.Sorted(maps.Keys(m.stakeholders))
	in := make([]StakeholderInput, len(ids))
	for i, id := range ids {
		s := m.stakeholders[id]
		for j, r := range s.resources {
			speed, ok := r.AchievedSpeed()
			if !ok {
				speed = 0
			}
			s.achieved[j] = speed
			s.requested[j] = r.Priority()
		}
		in[i] = StakeholderInput{
			Priority:     s.priority,
			Requested:    s.requested,
			Achieved:     s.achieved,
			Assigned:     s.assigned,
			PrevAssigned: s.prev,
		}
	}
	out, variation := m.calc.Calculate(in, m.totalMax)
	var sum float64
	for i, id := range ids {
		s := m.stakeholders[id]
		s.prev = s.assigned
		s.assigned = out[i]
		for j, r := range s.resources {
			r.SetSpeed(out[i][j])
			sum += out[i][j]
		}
	}
	cycles.Inc()
	allocationVariation.Observe(variation)
	if !math.IsInf(sum, 1) {
		allocatedSpeed.Set(sum)
	}
	delay := WaitTime(variation)
	m.logger.Debug("speeds reassigned",
		zap.Int("stakeholders", len(ids)),
		zap.Float64("variation", variation),
		zap.Duration("next", delay))
	return delay, true
}

// WaitTime interpolates the delay to the next cycle between MaxWaitTime for
// no variation and MinWaitTime for full variation.
func WaitTime(variation float64) time.Duration {
	variation = min(max(variation, 0), 1)
	return MaxWaitTime - time.Duration(variation*float64(MaxWaitTime-MinWaitTime))
}

// StakeholderSnapshot is the state of a stakeholder.
type StakeholderSnapshot struct {
	Priority  float64
	Positions map[Handle]int
	Requested []float64
	Achieved  []float64
	Assigned  []float64
}

// Snapshot returns a copy of the state of every stakeholder.
func (m *PriorityManager) Snapshot() map[string]StakeholderSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]StakeholderSnapshot, len(m.stakeholders))
	for id, s := range m.stakeholders {
		snap[id] = StakeholderSnapshot{
			Priority:  s.priority,
			Positions: maps.Clone(s.slots.pos),
			Requested: slices.Clone(s.requested),
			Achieved:  slices.Clone(s.achieved),
			Assigned:  slices.Clone(s.assigned),
		}
	}
	return snap
}
