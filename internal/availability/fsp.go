package availability

import "github.com/jcelaya/stars/internal/wire"

// FSPCluster approximates, for a group of leaves, how slowness grows as
// more tasks-per-node (tpn) are assigned. Breakpoints, when present, gives
// the exact sampled slowness at tpn=1,2,…,len(Breakpoints) (as published
// by a leaf that has not yet been clustered away); beyond the sampled
// range, and whenever no breakpoints are known (a clustered, reduced
// summary), slowness is approximated as Intercept + Slope*tpn. Count is
// the number of leaves the cluster represents. Grounded on
// MinSlownessDispatcher.cpp's piecewise-linear per-machine slowness
// function.
type FSPCluster struct {
	Breakpoints []float64
	Intercept   float64
	Slope       float64
	Count       uint32
}

// SlownessAt returns the estimated slowness if tpn additional tasks were
// placed on each leaf in this cluster.
func (c FSPCluster) SlownessAt(tpn uint32) float64 {
	if tpn >= 1 && int(tpn) <= len(c.Breakpoints) {
		return c.Breakpoints[tpn-1]
	}
	return c.Intercept + c.Slope*float64(tpn)
}

// FSPSummary is the fair-slowness policy: a bounded set of per-cluster
// slowness functions plus the subtree's currently slowest machine, used by
// the dispatcher to decide which child would least worsen its worst-case
// slowness by accepting one more task (§4.3).
type FSPSummary struct {
	Clusters       []FSPCluster
	SlowestMachine float64 // worst slowness anywhere in the subtree given one extra task
}

// NewFSPLeaf builds the single-cluster summary for one leaf currently
// running `queued` tasks with marginal slowness growth `slope`.
func NewFSPLeaf(queued uint32, slope float64) FSPSummary {
	intercept := slope * float64(queued)
	return FSPSummary{
		Clusters:       []FSPCluster{{Intercept: intercept, Slope: slope, Count: 1}},
		SlowestMachine: intercept + slope,
	}
}

func (s FSPSummary) Policy() wire.PolicyTag { return wire.PolicyFSP }
func (s FSPSummary) HasInfo() bool          { return len(s.Clusters) > 0 }

func (s FSPSummary) Clone() Summary {
	out := make([]FSPCluster, len(s.Clusters))
	copy(out, s.Clusters)
	return FSPSummary{Clusters: out, SlowestMachine: s.SlowestMachine}
}

func (s FSPSummary) Join(other Summary) Summary {
	o, ok := other.(FSPSummary)
	if !ok {
		return s
	}
	merged := make([]FSPCluster, 0, len(s.Clusters)+len(o.Clusters))
	merged = append(merged, s.Clusters...)
	merged = append(merged, o.Clusters...)
	return FSPSummary{
		Clusters:       merged,
		SlowestMachine: maxF(s.SlowestMachine, o.SlowestMachine),
	}
}

func (s FSPSummary) Reduce(k int) Summary {
	return FSPSummary{
		Clusters:       reduceClusters(s.Clusters, k, fspMergeCost, fspMerge),
		SlowestMachine: s.SlowestMachine,
	}
}

// fspMergeCost is the area between the two clusters' slowness lines over
// the tpn range [0, 1]; clusters whose slowness grows almost identically
// merge before ones that diverge sharply.
func fspMergeCost(a, b FSPCluster) float64 {
	d0 := a.Intercept - b.Intercept
	d1 := (a.Intercept + a.Slope) - (b.Intercept + b.Slope)
	if d0 < 0 {
		d0 = -d0
	}
	if d1 < 0 {
		d1 = -d1
	}
	return (d0 + d1) / 2
}

// fspMerge takes the pessimistic (upper) envelope of the two lines at
// tpn=0 and tpn=1 and re-fits a single line through those two points, so
// the merged cluster never understates slowness for either original one.
func fspMerge(a, b FSPCluster) FSPCluster {
	i := maxF(a.Intercept, b.Intercept)
	end := maxF(a.Intercept+a.Slope, b.Intercept+b.Slope)
	return FSPCluster{Intercept: i, Slope: end - i, Count: a.Count + b.Count}
}

// Consume returns a copy of s with each cluster's baseline slowness shifted
// up by the tasks-per-node just assigned to it (tpn[i], indexed the same as
// Clusters), so a bag handled before the next real update is scored against
// the subtree's new load instead of the stale one (§4.2 step 6). The
// cluster's sampled Breakpoints no longer describe its post-placement
// slowness curve, so they are dropped in favor of the linear
// Intercept+Slope approximation until a fresh report arrives.
func (s FSPSummary) Consume(tpn []uint32) FSPSummary {
	out := make([]FSPCluster, len(s.Clusters))
	copy(out, s.Clusters)
	for i, n := range tpn {
		if n == 0 || i >= len(out) {
			continue
		}
		out[i].Intercept += out[i].Slope * float64(n)
		out[i].Breakpoints = nil
	}
	return FSPSummary{Clusters: out, SlowestMachine: s.SlowestMachine}
}

func (s FSPSummary) EqualWithinThreshold(other Summary, threshold float64) bool {
	o, ok := other.(FSPSummary)
	if !ok || len(o.Clusters) != len(s.Clusters) {
		return false
	}
	if !within(s.SlowestMachine, o.SlowestMachine, threshold) {
		return false
	}
	for i, c := range s.Clusters {
		d := o.Clusters[i]
		if !within(c.Intercept, d.Intercept, threshold) || !within(c.Slope, d.Slope, threshold) {
			return false
		}
	}
	return true
}

// BestCluster returns the index of the cluster that would end up with the
// lowest resulting slowness if one more task were assigned to it, the
// greedy choice MinSlownessDispatcher's placement heap makes at each step.
func (s FSPSummary) BestCluster() (int, bool) {
	if len(s.Clusters) == 0 {
		return 0, false
	}
	best, bestVal := 0, s.Clusters[0].SlownessAt(1)
	for i := 1; i < len(s.Clusters); i++ {
		if v := s.Clusters[i].SlownessAt(1); v < bestVal {
			best, bestVal = i, v
		}
	}
	return best, true
}
