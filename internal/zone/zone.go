// Package zone implements ZoneDescription: the closed interval of addresses
// covered by an overlay subtree, plus the count of structural (dispatcher)
// nodes available in it.
//
// Grounded on the original STaRS ZoneDescription class: a father's zone is
// the aggregate of its two children's zones, and a leaf's zone is the
// singleton interval containing only its own address.
package zone

import (
	"math"

	"github.com/jcelaya/stars/internal/address"
)

// Description is the [Min, Max] address interval a subtree covers, along
// with the number of structural nodes available in it (rounded down to a
// power of two, matching the original's availableStrNodes).
type Description struct {
	Min, Max    address.Address
	StructNodes uint32
}

// Leaf builds the singleton zone for an execution leaf.
func Leaf(addr address.Address) Description {
	return Description{Min: addr, Max: addr, StructNodes: 0}
}

// Aggregate combines a left and right child zone into their father's zone:
// the union interval, with the children's StructNodes summed plus one and
// rounded down to a power of two. The invariant father.zone = aggregate(left.zone, right.zone) must
// hold after every topology or capacity change.
func Aggregate(left, right Description) Description {
	min, max := left.Min, left.Max
	if right.Min.Less(min) {
		min = right.Min
	}
	if max.Less(right.Max) {
		max = right.Max
	}
	total := left.StructNodes + right.StructNodes + 1
	return Description{Min: min, Max: max, StructNodes: floorPow2(total)}
}

func floorPow2(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// Contains reports whether this zone contains the given address.
func (d Description) Contains(a address.Address) bool {
	return !a.Less(d.Min) && !d.Max.Less(a)
}

// DistanceToNode is the distance between this zone and a single address:
// zero if the address falls inside the zone, otherwise the distance to the
// nearer bound.
func (d Description) DistanceToNode(a address.Address) float64 {
	if d.Contains(a) {
		return 0
	}
	dMin := d.Min.Distance(a)
	dMax := d.Max.Distance(a)
	return math.Min(dMin, dMax)
}

// DistanceToZone is the distance between this zone and another zone: zero
// if they intersect, otherwise the gap between their nearer bounds. This is
// the original's zone-to-zone distance operator, used by the dispatcher
// when comparing two candidate subtrees rather than a subtree and a single
// requester address.
func (d Description) DistanceToZone(o Description) float64 {
	if d.Intersects(o) {
		return 0
	}
	candidates := []float64{
		d.Min.Distance(o.Min), d.Min.Distance(o.Max),
		d.Max.Distance(o.Min), d.Max.Distance(o.Max),
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

// Intersects reports whether two zones overlap.
func (d Description) Intersects(o Description) bool {
	return d.Contains(o.Min) || d.Contains(o.Max) || o.Contains(d.Min) || o.Contains(d.Max)
}

func (d Description) Equal(o Description) bool {
	return d.Min.Equal(o.Min) && d.Max.Equal(o.Max) && d.StructNodes == o.StructNodes
}
