package availability

import "github.com/jcelaya/stars/internal/wire"

// MMCluster aggregates a group of leaves whose resource capacity and queue
// end time fall within one bounding box. Count is the number of leaves the
// cluster represents, and is also the number of independent task slots it
// can accept in a single split round before its MaxQueueEnd estimate grows
// stale (§3's "min-makespan" balancing keeps one running queue-end estimate
// per aggregated slot rather than per leaf once a subtree is clustered).
type MMCluster struct {
	MinMemory, MaxMemory uint64
	MinDisk, MaxDisk     uint64
	MinQueueEnd          float64
	MaxQueueEnd          float64
	Count                uint32
}

// MMSummary is the min-makespan policy: a bounded set of clusters, each with
// its own queue end range (there is no separate subtree-wide range field),
// grounded on QueueBalancingDispatcher.cpp.
type MMSummary struct {
	Clusters []MMCluster
}

// NewMMLeaf builds the single-cluster summary for one leaf.
func NewMMLeaf(freeMemory, freeDisk uint64, queueEnd float64) MMSummary {
	return MMSummary{Clusters: []MMCluster{{
		MinMemory: freeMemory, MaxMemory: freeMemory,
		MinDisk: freeDisk, MaxDisk: freeDisk,
		MinQueueEnd: queueEnd, MaxQueueEnd: queueEnd,
		Count: 1,
	}}}
}

func (s MMSummary) Policy() wire.PolicyTag { return wire.PolicyMM }
func (s MMSummary) HasInfo() bool          { return len(s.Clusters) > 0 }

func (s MMSummary) Clone() Summary {
	out := make([]MMCluster, len(s.Clusters))
	copy(out, s.Clusters)
	return MMSummary{Clusters: out}
}

func (s MMSummary) Join(other Summary) Summary {
	o, ok := other.(MMSummary)
	if !ok {
		return s
	}
	merged := make([]MMCluster, 0, len(s.Clusters)+len(o.Clusters))
	merged = append(merged, s.Clusters...)
	merged = append(merged, o.Clusters...)
	return MMSummary{Clusters: merged}
}

func (s MMSummary) Reduce(k int) Summary {
	return MMSummary{Clusters: reduceClusters(s.Clusters, k, mmMergeCost, mmMerge)}
}

// mmMergeCost approximates the bounding-box volume increase of combining
// two clusters: wasted memory and disk range plus divergence in queue end
// time, so clusters that are already similar merge before dissimilar ones.
func mmMergeCost(a, b MMCluster) float64 {
	mem := float64(maxU64(a.MaxMemory, b.MaxMemory) - minU64(a.MinMemory, b.MinMemory))
	disk := float64(maxU64(a.MaxDisk, b.MaxDisk) - minU64(a.MinDisk, b.MinDisk))
	q := maxF(a.MaxQueueEnd, b.MaxQueueEnd) - minF(a.MinQueueEnd, b.MinQueueEnd)
	return mem + disk + q
}

func mmMerge(a, b MMCluster) MMCluster {
	return MMCluster{
		MinMemory:   minU64(a.MinMemory, b.MinMemory),
		MaxMemory:   maxU64(a.MaxMemory, b.MaxMemory),
		MinDisk:     minU64(a.MinDisk, b.MinDisk),
		MaxDisk:     maxU64(a.MaxDisk, b.MaxDisk),
		MinQueueEnd: minF(a.MinQueueEnd, b.MinQueueEnd),
		MaxQueueEnd: maxF(a.MaxQueueEnd, b.MaxQueueEnd),
		Count:       a.Count + b.Count,
	}
}

func (s MMSummary) EqualWithinThreshold(other Summary, threshold float64) bool {
	o, ok := other.(MMSummary)
	if !ok || len(o.Clusters) != len(s.Clusters) {
		return false
	}
	for i, c := range s.Clusters {
		d := o.Clusters[i]
		if !within(float64(c.MinMemory), float64(d.MinMemory), threshold) ||
			!within(float64(c.MaxMemory), float64(d.MaxMemory), threshold) ||
			!within(c.MinQueueEnd, d.MinQueueEnd, threshold) ||
			!within(c.MaxQueueEnd, d.MaxQueueEnd, threshold) {
			return false
		}
	}
	return true
}

// MMCandidate is a placement option returned by Candidates, carrying the
// cluster's position in the summary's Clusters slice so the dispatcher can
// mark it consumed after placement without a second lookup.
type MMCandidate struct {
	Cluster MMCluster
	Index   int
}

// Candidates returns every cluster able to host req, ordered by how little
// capacity would be wasted (tightest fit first), the greedy rule
// QueueBalancingDispatcher uses before falling back to distance.
func (s MMSummary) Candidates(req wire.TaskDescription) []MMCandidate {
	var out []MMCandidate
	for i, c := range s.Clusters {
		if c.MinMemory >= req.MinMemory && c.MinDisk >= req.MinDisk {
			out = append(out, MMCandidate{Cluster: c, Index: i})
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && mmWaste(out[j].Cluster, req) < mmWaste(out[j-1].Cluster, req); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Consume returns a copy of s with cluster taken[i] reduced by however many
// slots were placed on it, reflecting the tasks the dispatcher just routed
// there so a second bag handled before the next real update doesn't
// double-book the same capacity (§4.2 step 6). Clusters drained to zero are
// dropped; a consumed cluster's queue end advances by the placed work, and
// its memory/disk bounds are otherwise left untouched (cheap approximation
// in the same spirit as Reduce's bounding-box merges, not a re-measurement).
func (s MMSummary) Consume(takenByIndex map[int]uint32, taskLength float64) MMSummary {
	out := make([]MMCluster, 0, len(s.Clusters))
	for i, c := range s.Clusters {
		take, ok := takenByIndex[i]
		if !ok || take == 0 {
			out = append(out, c)
			continue
		}
		if take >= c.Count {
			continue
		}
		c.Count -= take
		c.MinQueueEnd += taskLength * float64(take)
		c.MaxQueueEnd += taskLength * float64(take)
		out = append(out, c)
	}
	return MMSummary{Clusters: out}
}

func mmWaste(c MMCluster, req wire.TaskDescription) uint64 {
	return (c.MinMemory - req.MinMemory) + (c.MinDisk - req.MinDisk)
}
