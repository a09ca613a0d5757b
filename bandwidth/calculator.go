package bandwidth

import (
	"math"
	"slices"
)

const (
	// achieved speeds above this share of the assigned speed mean the
	// resource could use more
	saturation = 0.9
	// headroom over the achieved speed of unsaturated resources
	headroom = 1.2
	// MinSpeed is the lowest speed assigned to a resource, in bytes/s.
	MinSpeed = 1024
)

// Unlimited is the speed assigned when the total speed isn't capped.
var Unlimited = math.Inf(1)

// StakeholderInput is the per stakeholder input of a calculation. Vectors
// are positional, one entry per resource.
type StakeholderInput struct {
	Priority float64
	// Requested is the priority of each resource within the stakeholder.
	Requested []float64
	Achieved  []float64
	// Assigned and PrevAssigned are the outputs of the two previous cycles.
	// Either may be nil for new resources.
	Assigned     []float64
	PrevAssigned []float64
}

// SpeedCalculator splits the total speed between the resources of all
// stakeholders.
type SpeedCalculator struct{}

// Calculate returns the new assigned speeds, in the order of the inputs,
// and the variation from the previous assignment in [0, 1]. A total of 0 or
// less means unlimited.
func (SpeedCalculator) Calculate(in []StakeholderInput, total float64) ([][]float64, float64) {
	out := make([][]float64, len(in))
	if total <= 0 {
		variation := 0.0
		for i, s := range in {
			out[i] = make([]float64, len(s.Requested))
			for j := range out[i] {
				out[i][j] = Unlimited
				if j >= len(s.Assigned) || !math.IsInf(s.Assigned[j], 1) {
					variation = 1
				}
			}
		}
		return out, variation
	}

	type item struct {
		s, r   int
		weight float64
		demand float64
	}
	var (
		items    []*item
		priority float64
	)
	for _, s := range in {
		if len(s.Requested) > 0 {
			priority += max(s.Priority, 0)
		}
	}
	for i, s := range in {
		out[i] = make([]float64, len(s.Requested))
		var requested float64
		for _, r := range s.Requested {
			requested += max(r, 0)
		}
		for j := range s.Requested {
			it := &item{s: i, r: j, demand: demand(s, j)}
			switch {
			case priority == 0:
				it.weight = 1
			case requested == 0:
				it.weight = max(s.Priority, 0) / priority / float64(len(s.Requested))
			default:
				it.weight = max(s.Priority, 0) / priority * max(s.Requested[j], 0) / requested
			}
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return out, 0
	}

	// water-filling: resources below their share of the remaining speed get
	// their demand, the rest is split by weight among the others
	left := total
	open := slices.Clone(items)
	for len(open) > 0 && left > 0 {
		var weights float64
		for _, it := range open {
			weights += it.weight
		}
		if weights == 0 {
			for _, it := range open {
				it.weight = 1
			}
			weights = float64(len(open))
		}
		next := open[:0:0]
		spent := 0.0
		for _, it := range open {
			share := left * it.weight / weights
			if it.demand <= share {
				out[it.s][it.r] = it.demand
				spent += it.demand
			} else {
				next = append(next, it)
			}
		}
		if len(next) == len(open) {
			for _, it := range open {
				out[it.s][it.r] = left * it.weight / weights
			}
			left = 0
			break
		}
		left -= spent
		open = next
	}
	if len(open) == 0 && left > 0 {
		// every demand is met, the rest is split by weight so that
		// resources can ramp up
		var weights float64
		for _, it := range items {
			weights += it.weight
		}
		for _, it := range items {
			if weights > 0 {
				out[it.s][it.r] += left * it.weight / weights
			} else {
				out[it.s][it.r] += left / float64(len(items))
			}
		}
	}

	damp(in, out)
	normalize(out, total)
	return out, variation(in, out)
}

// demand estimates the speed the resource could use.
func demand(s StakeholderInput, j int) float64 {
	if j >= len(s.Assigned) || j >= len(s.Achieved) || math.IsInf(s.Assigned[j], 1) {
		return Unlimited
	}
	achieved := max(s.Achieved[j], 0)
	if achieved >= saturation*s.Assigned[j] {
		return Unlimited
	}
	return max(achieved*headroom, MinSpeed)
}

// damp halves the step of resources whose assignment reverses direction
// two cycles in a row.
func damp(in []StakeholderInput, out [][]float64) {
	for i, s := range in {
		for j := range out[i] {
			if j >= len(s.Assigned) || j >= len(s.PrevAssigned) ||
				math.IsInf(s.Assigned[j], 1) || math.IsInf(s.PrevAssigned[j], 1) {
				continue
			}
			last := s.Assigned[j] - s.PrevAssigned[j]
			step := out[i][j] - s.Assigned[j]
			if last*step < 0 {
				out[i][j] = s.Assigned[j] + step/2
			}
		}
	}
}

// normalize scales the speeds down to the total and up to MinSpeed where
// the total allows it.
func normalize(out [][]float64, total float64) {
	var (
		sum float64
		n   int
	)
	for _, v := range out {
		for _, speed := range v {
			sum += speed
			n++
		}
	}
	if sum > total {
		for _, v := range out {
			for j := range v {
				v[j] *= total / sum
			}
		}
	}
	if float64(n)*MinSpeed > total {
		return
	}
	// raising slow resources to MinSpeed is paid for by the fast ones
	var deficit, surplus float64
	for _, v := range out {
		for _, speed := range v {
			if speed < MinSpeed {
				deficit += MinSpeed - speed
			} else {
				surplus += speed - MinSpeed
			}
		}
	}
	if deficit == 0 || surplus == 0 {
		return
	}
	scale := max(1-deficit/surplus, 0)
	for _, v := range out {
		for j, speed := range v {
			if speed < MinSpeed {
				v[j] = MinSpeed
			} else {
				v[j] = MinSpeed + (speed-MinSpeed)*scale
			}
		}
	}
}

// variation is the share of the total speed that moved between resources.
func variation(in []StakeholderInput, out [][]float64) float64 {
	var moved, before, after float64
	for i, s := range in {
		for j, speed := range out[i] {
			after += speed
			if j >= len(s.Assigned) || math.IsInf(s.Assigned[j], 1) {
				moved += speed
				continue
			}
			before += s.Assigned[j]
			moved += math.Abs(speed - s.Assigned[j])
		}
	}
	if denom := max(before, after); denom > 0 {
		return min(moved/denom, 1)
	}
	return 0
}
