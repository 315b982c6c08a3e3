package availability

import "github.com/jcelaya/stars/internal/wire"

// IBSummary is the simplest policy: a single tuple summarizing the worst
// (min) free memory, free disk and compute power in the subtree, a lower
// bound on what every leaf below offers.
// Grounded on IBPDispatcher/MSPDispatcher, which never cluster state and
// only ever compare a bag's requirements against one worst/best tuple.
type IBSummary struct {
	FreeMemory uint64
	FreeDisk   uint64
	Power      float64
	Present    bool
}

// NewIB builds the summary for a single leaf.
func NewIB(freeMemory, freeDisk uint64, power float64) IBSummary {
	return IBSummary{FreeMemory: freeMemory, FreeDisk: freeDisk, Power: power, Present: true}
}

func (s IBSummary) Policy() wire.PolicyTag { return wire.PolicyIB }
func (s IBSummary) HasInfo() bool          { return s.Present }
func (s IBSummary) Clone() Summary         { return s }

// Join keeps the worst (min) of each attribute across the two subtrees: the
// tuple must remain a lower bound on what's available anywhere below, so a
// join can never report more than either operand actually has.
func (s IBSummary) Join(other Summary) Summary {
	o, ok := other.(IBSummary)
	if !ok || !o.Present {
		return s
	}
	if !s.Present {
		return o
	}
	return IBSummary{
		FreeMemory: minU64(s.FreeMemory, o.FreeMemory),
		FreeDisk:   minU64(s.FreeDisk, o.FreeDisk),
		Power:      minF(s.Power, o.Power),
		Present:    true,
	}
}

// Reduce is a no-op: IB never clusters, it is already bounded to size 1.
func (s IBSummary) Reduce(int) Summary { return s }

func (s IBSummary) EqualWithinThreshold(other Summary, threshold float64) bool {
	o, ok := other.(IBSummary)
	if !ok || o.Present != s.Present {
		return false
	}
	if !s.Present {
		return true
	}
	return within(float64(s.FreeMemory), float64(o.FreeMemory), threshold) &&
		within(float64(s.FreeDisk), float64(o.FreeDisk), threshold) &&
		within(s.Power, o.Power, threshold)
}

// Fits reports whether this subtree's lower-bound tuple satisfies req.
func (s IBSummary) Fits(req wire.TaskDescription) bool {
	return s.Present && s.FreeMemory >= req.MinMemory && s.FreeDisk >= req.MinDisk
}

// Consume returns a copy of s with the just-placed tasks' resource demand
// subtracted from the tuple, so a second bag handled before the next real
// update doesn't see the same headroom twice (§4.2 step 6).
func (s IBSummary) Consume(req wire.TaskDescription, count uint32) IBSummary {
	mem := req.MinMemory * uint64(count)
	disk := req.MinDisk * uint64(count)
	if mem > s.FreeMemory {
		mem = s.FreeMemory
	}
	if disk > s.FreeDisk {
		disk = s.FreeDisk
	}
	s.FreeMemory -= mem
	s.FreeDisk -= disk
	return s
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
