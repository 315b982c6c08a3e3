// Package availability implements the four interchangeable
// AvailabilitySummary policies (§3 of the specification): IB, MM, DP and
// FSP. Every policy is a bounded-size, clustered description of a subtree's
// capacity that supports Clone, Join, Reduce and EqualWithinThreshold, plus
// policy-specific accessors the dispatcher queries during §4.2's split.
//
// Grounded directly on the original STaRS dispatcher implementations
// (QueueBalancingDispatcher.cpp for MM, DeadlineDispatcher.cpp for DP,
// MinSlownessDispatcher.cpp for FSP, IBPDispatcher/MSPDispatcher for IB);
// the clustering algebra — merge the two cheapest-to-combine clusters into
// one bounding box, repeat until the cluster budget K is met — generalizes
// the bounded-reduction idea used throughout the pack for keeping
// aggregated state small (e.g. kueue's per-flavor resource clustering in
// pkg/cache/clusterqueue.go).
package availability

import (
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jcelaya/stars/internal/wire"
)

// Summary is the common capability set every policy variant implements.
// Policy-specific queries (e.g. MM's Candidates, FSP's BestCluster) live on
// the concrete types; the dispatcher type-switches on Policy() to reach
// them, matching the "tagged variant" design in §9 of the specification.
type Summary interface {
	Policy() wire.PolicyTag
	Clone() Summary
	Join(other Summary) Summary
	Reduce(k int) Summary
	EqualWithinThreshold(other Summary, threshold float64) bool
	// HasInfo reports whether this summary carries real data, as opposed
	// to the zero-value placeholder used when a child has never reported.
	HasInfo() bool
}

// reduceClusters repeatedly merges the two clusters with the lowest merge
// cost (as reported by cost) into one (as computed by merge), until at most
// k remain. This is the shared mechanism behind every policy's Reduce:
// §3 requires "replace the two closest clusters by one whose attributes
// are the component-wise bounding box; recompute aggregate scalars".
func reduceClusters[T any](clusters []T, k int, cost func(a, b T) float64, merge func(a, b T) T) []T {
	if k < 1 {
		k = 1
	}
	for len(clusters) > k {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				if c := cost(clusters[i], clusters[j]); c < best {
					best, bi, bj = c, i, j
				}
			}
		}
		if bi < 0 {
			break
		}
		merged := merge(clusters[bi], clusters[bj])
		next := make([]T, 0, len(clusters)-1)
		for idx, c := range clusters {
			if idx == bi || idx == bj {
				continue
			}
			next = append(next, c)
		}
		clusters = append(next, merged)
	}
	return clusters
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func within(a, b, threshold float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= threshold
}

// Decode unmarshals the msgpack body of a wire.AvailabilityUpdate back
// into the concrete Summary type policy names, so a peer receiving an
// update over the wire can recover the same type its sender advertised
// without carrying any type information beyond the policy tag already in
// the envelope (§3's summaries are policy-homogeneous within one overlay
// deployment, but the wire format still tags every update defensively).
func Decode(policy wire.PolicyTag, data []byte) (Summary, error) {
	switch policy {
	case wire.PolicyIB:
		var s IBSummary
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("availability: decode IB summary: %w", err)
		}
		return s, nil
	case wire.PolicyMM:
		var s MMSummary
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("availability: decode MM summary: %w", err)
		}
		return s, nil
	case wire.PolicyDP:
		var s DPSummary
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("availability: decode DP summary: %w", err)
		}
		return s, nil
	case wire.PolicyFSP:
		var s FSPSummary
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("availability: decode FSP summary: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("availability: unknown policy tag %v", policy)
	}
}
