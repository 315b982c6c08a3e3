package availability

import "github.com/jcelaya/stars/internal/wire"

// DP scoring weights, carried over unchanged from DeadlineDispatcher.cpp's
// DecissionInfo: memory waste is penalized ten times as heavily as disk
// waste, and available-compute-before-deadline ten times more than memory,
// so a bag prefers a cluster that barely fits over one with slack to spare.
const (
	dpAlphaMemory  = 10.0
	dpAlphaDisk    = 1.0
	dpAlphaCompute = 100.0
)

// DPCluster aggregates leaves by the compute time they can deliver before a
// common deadline horizon, alongside their memory/disk bounding box.
type DPCluster struct {
	MinMemory, MaxMemory uint64
	MinDisk, MaxDisk     uint64
	// MinAvailable/MaxAvailable bound the compute units each leaf in the
	// cluster can deliver before DeadlineHorizon (§3's availableBefore).
	MinAvailable, MaxAvailable float64
	DeadlineHorizon            float64 // seconds from now, shared per summary
	Count                      uint32
}

// DPSummary is the deadline-priority policy, grounded on DPDispatcher.cpp /
// DeadlineDispatcher.cpp.
type DPSummary struct {
	Clusters []DPCluster
}

// NewDPLeaf builds the single-cluster summary for one leaf.
func NewDPLeaf(freeMemory, freeDisk uint64, available, horizon float64) DPSummary {
	return DPSummary{Clusters: []DPCluster{{
		MinMemory: freeMemory, MaxMemory: freeMemory,
		MinDisk: freeDisk, MaxDisk: freeDisk,
		MinAvailable: available, MaxAvailable: available,
		DeadlineHorizon: horizon,
		Count:           1,
	}}}
}

func (s DPSummary) Policy() wire.PolicyTag { return wire.PolicyDP }
func (s DPSummary) HasInfo() bool          { return len(s.Clusters) > 0 }

func (s DPSummary) Clone() Summary {
	out := make([]DPCluster, len(s.Clusters))
	copy(out, s.Clusters)
	return DPSummary{Clusters: out}
}

func (s DPSummary) Join(other Summary) Summary {
	o, ok := other.(DPSummary)
	if !ok {
		return s
	}
	merged := make([]DPCluster, 0, len(s.Clusters)+len(o.Clusters))
	merged = append(merged, s.Clusters...)
	merged = append(merged, o.Clusters...)
	return DPSummary{Clusters: merged}
}

func (s DPSummary) Reduce(k int) Summary {
	return DPSummary{Clusters: reduceClusters(s.Clusters, k, dpMergeCost, dpMerge)}
}

func dpMergeCost(a, b DPCluster) float64 {
	mem := dpAlphaMemory * float64(maxU64(a.MaxMemory, b.MaxMemory)-minU64(a.MinMemory, b.MinMemory))
	disk := dpAlphaDisk * float64(maxU64(a.MaxDisk, b.MaxDisk)-minU64(a.MinDisk, b.MinDisk))
	avail := dpAlphaCompute * (maxF(a.MaxAvailable, b.MaxAvailable) - minF(a.MinAvailable, b.MinAvailable))
	return mem + disk + avail
}

func dpMerge(a, b DPCluster) DPCluster {
	return DPCluster{
		MinMemory:       minU64(a.MinMemory, b.MinMemory),
		MaxMemory:       maxU64(a.MaxMemory, b.MaxMemory),
		MinDisk:         minU64(a.MinDisk, b.MinDisk),
		MaxDisk:         maxU64(a.MaxDisk, b.MaxDisk),
		MinAvailable:    minF(a.MinAvailable, b.MinAvailable),
		MaxAvailable:    maxF(a.MaxAvailable, b.MaxAvailable),
		DeadlineHorizon: maxF(a.DeadlineHorizon, b.DeadlineHorizon),
		Count:           a.Count + b.Count,
	}
}

func (s DPSummary) EqualWithinThreshold(other Summary, threshold float64) bool {
	o, ok := other.(DPSummary)
	if !ok || len(o.Clusters) != len(s.Clusters) {
		return false
	}
	for i, c := range s.Clusters {
		d := o.Clusters[i]
		if !within(float64(c.MinMemory), float64(d.MinMemory), threshold) ||
			!within(c.MinAvailable, d.MinAvailable, threshold) ||
			!within(c.MaxAvailable, d.MaxAvailable, threshold) {
			return false
		}
	}
	return true
}

// DPCandidate is a scored placement option returned by AvailableBefore,
// carrying the cluster's position in the summary's Clusters slice so the
// dispatcher can mark it consumed after placement without a second lookup.
type DPCandidate struct {
	Cluster DPCluster
	Score   float64 // lower is a better fit, per DecissionInfo's weighting
	Index   int
}

// AvailableBefore returns every cluster that can deliver req's compute
// length before deadline, scored by the same weighted-waste formula
// DeadlineDispatcher uses to rank candidates before splitting a bag.
func (s DPSummary) AvailableBefore(req wire.TaskDescription, deadline float64) []DPCandidate {
	var out []DPCandidate
	for i, c := range s.Clusters {
		if c.MinMemory < req.MinMemory || c.MinDisk < req.MinDisk {
			continue
		}
		if c.DeadlineHorizon > 0 && deadline < c.DeadlineHorizon {
			continue
		}
		if c.MinAvailable < req.Length {
			continue
		}
		score := dpAlphaMemory*float64(c.MinMemory-req.MinMemory) +
			dpAlphaDisk*float64(c.MinDisk-req.MinDisk) +
			dpAlphaCompute*(c.MinAvailable-req.Length)
		out = append(out, DPCandidate{Cluster: c, Score: score, Index: i})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score < out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Consume returns a copy of s with cluster taken[i] reduced by however many
// slots were placed on it (§4.2 step 6), so a bag handled before the next
// real update doesn't see the same available-before-deadline capacity
// twice. Clusters drained to zero are dropped; MinAvailable/MaxAvailable
// are otherwise left untouched, the same bounding-box approximation Reduce
// already makes when merging clusters.
func (s DPSummary) Consume(takenByIndex map[int]uint32) DPSummary {
	out := make([]DPCluster, 0, len(s.Clusters))
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
		out = append(out, c)
	}
	return DPSummary{Clusters: out}
}
