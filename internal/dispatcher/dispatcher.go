// Package dispatcher implements the internal overlay node (§4.2): the
// shared `handle` skeleton every policy specializes, plus the four
// concrete splits (IB, MM, DP, FSP). A Dispatcher owns the last-known
// summaries from its father and both children and turns one incoming
// TaskBag into zero or more outgoing ones, never duplicating or dropping
// a task index silently.
//
// Grounded on the original per-policy C++ dispatchers (IBPDispatcher,
// QueueBalancingDispatcher, DPDispatcher/DeadlineDispatcher,
// MinSlownessDispatcher) for the splits, and on torua's coordinator
// request-routing loop for the shared "receive, decide, fan out" shape.
package dispatcher

import (
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/exp/slices"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/availability"
	"github.com/jcelaya/stars/internal/overlay"
	"github.com/jcelaya/stars/internal/wire"
	"github.com/jcelaya/stars/internal/zone"
)

// Target names where an Outgoing bag should be sent.
type Target int

const (
	TargetLeft Target = iota
	TargetRight
	TargetFather
)

func (t Target) String() string {
	switch t {
	case TargetLeft:
		return "left"
	case TargetRight:
		return "right"
	case TargetFather:
		return "father"
	default:
		return "unknown"
	}
}

// Outgoing is one TaskBag the dispatcher wants sent onward.
type Outgoing struct {
	Target Target
	Bag    wire.TaskBag
}

// Config holds the tunables named in the specification's configuration
// table that affect dispatch behavior.
type Config struct {
	Policy              wire.PolicyTag
	MMBeta              float64       // mmp_beta, in (0, 1]
	FSPBeta             float64       // slowness_ratio
	AggregationClusters int           // K
	DPCacheSize         int           // REQUEST_CACHE_SIZE
	DPCacheTTL          time.Duration // REQUEST_CACHE_TIME
}

// DefaultConfig mirrors the original DPDispatcher constants and a
// conservative K, used when a deployment does not override them.
func DefaultConfig(policy wire.PolicyTag) Config {
	return Config{
		Policy:              policy,
		MMBeta:              0.9,
		FSPBeta:             1.2,
		AggregationClusters: 64,
		DPCacheSize:         100,
		DPCacheTTL:          10 * time.Second,
	}
}

type dpKey struct {
	Requester address.Address
	RequestID uint64
}

// Dispatcher is one internal overlay node's routing state.
type Dispatcher struct {
	log  hclog.Logger
	node overlay.Node
	cfg  Config

	leftZone, rightZone zone.Description

	leftSummary, rightSummary, fatherSummary availability.Summary

	// Per-child downward state (§4.2): the last "rest of the tree" summary
	// forwarded to each child, and whether anything it derives from has
	// changed since.
	sentDownLeft, sentDownRight availability.Summary
	newInfoLeft, newInfoRight   bool

	dpSeen *expirable.LRU[dpKey, struct{}]
}

// New creates a Dispatcher for node, which must report whether it is root
// and whether each child is a leaf.
func New(log hclog.Logger, node overlay.Node, cfg Config) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{
		log:    log.Named("dispatcher"),
		node:   node,
		cfg:    cfg,
		dpSeen: expirable.NewLRU[dpKey, struct{}](cfg.DPCacheSize, nil, cfg.DPCacheTTL),
	}
}

// SetZones records the address-interval each child's subtree covers, used
// for distance tie-breaks. The overlay construction protocol owns zone
// maintenance; the dispatcher only reads it.
func (d *Dispatcher) SetZones(left, right zone.Description) {
	d.leftZone, d.rightZone = left, right
}

// OnChildSummary updates the recorded summary for one child, reduced down
// to the configured cluster budget before being kept. The other child's
// view of "the rest of the tree" includes this summary, so its downward
// link is flagged as having new information.
func (d *Dispatcher) OnChildSummary(side overlay.Side, s availability.Summary) {
	reduced := s.Reduce(d.cfg.AggregationClusters)
	if side == overlay.Left {
		d.leftSummary = reduced
		d.newInfoRight = true
	} else {
		d.rightSummary = reduced
		d.newInfoLeft = true
	}
}

// OnFatherSummary updates the recorded view of "the rest of the tree" as
// seen through the father link; both children's derived views depend on
// it, so both downward links are flagged.
func (d *Dispatcher) OnFatherSummary(s availability.Summary) {
	d.fatherSummary = s.Reduce(d.cfg.AggregationClusters)
	d.newInfoLeft = true
	d.newInfoRight = true
}

// DownwardUpdate is one "rest of the tree" summary owed to a child after
// an OnChildSummary/OnFatherSummary call changed what that child should
// see through its father link.
type DownwardUpdate struct {
	Side    overlay.Side
	Summary availability.Summary
}

// DownwardUpdates returns, for each child whose derived view changed beyond
// threshold since the last call, the summary join(father, other-child) it
// should now be sent (§4.2's onFatherSummary contract). Each returned
// update is recorded as sent; a second call with no intervening summary
// change returns nothing.
func (d *Dispatcher) DownwardUpdates(threshold float64) []DownwardUpdate {
	var out []DownwardUpdate
	if s, ok := d.downwardFor(&d.newInfoLeft, d.rightSummary, &d.sentDownLeft, threshold); ok {
		out = append(out, DownwardUpdate{Side: overlay.Left, Summary: s})
	}
	if s, ok := d.downwardFor(&d.newInfoRight, d.leftSummary, &d.sentDownRight, threshold); ok {
		out = append(out, DownwardUpdate{Side: overlay.Right, Summary: s})
	}
	return out
}

func (d *Dispatcher) downwardFor(pending *bool, otherChild availability.Summary, sent *availability.Summary, threshold float64) (availability.Summary, bool) {
	if !*pending {
		return nil, false
	}
	*pending = false

	var view availability.Summary
	haveFather := d.fatherSummary != nil && d.fatherSummary.HasInfo()
	haveOther := otherChild != nil && otherChild.HasInfo()
	switch {
	case haveFather && haveOther:
		view = d.fatherSummary.Join(otherChild).Reduce(d.cfg.AggregationClusters)
	case haveFather:
		view = d.fatherSummary.Clone()
	case haveOther:
		view = otherChild.Clone()
	default:
		return nil, false
	}
	if *sent != nil && view.EqualWithinThreshold(*sent, threshold) {
		return nil, false
	}
	*sent = view
	return view, true
}

// Joined returns this node's current upward-facing summary: the join of
// both children's last-known summaries, reduced to budget. Returns nil if
// neither child has ever reported.
func (d *Dispatcher) Joined() availability.Summary {
	switch {
	case d.leftSummary != nil && d.leftSummary.HasInfo() && d.rightSummary != nil && d.rightSummary.HasInfo():
		return d.leftSummary.Join(d.rightSummary).Reduce(d.cfg.AggregationClusters)
	case d.leftSummary != nil && d.leftSummary.HasInfo():
		return d.leftSummary.Clone()
	case d.rightSummary != nil && d.rightSummary.HasInfo():
		return d.rightSummary.Clone()
	default:
		return nil
	}
}

func canForwardToFather(hasFather, isFromFather bool) bool {
	return hasFather && !isFromFather
}

// effectiveDistance returns how close bag.Requester is to the named
// child's zone, except when that child IS the requester and the bag did
// not arrive from an executor: then it is penalized to infinity so
// distance tie-breaks prefer routing to the other side (§4.2 edge cases).
func (d *Dispatcher) effectiveDistance(side overlay.Side, bag wire.TaskBag) float64 {
	childAddr, ok := d.node.Child(side)
	if ok && bag.Requester.Equal(childAddr) && !bag.FromEN {
		return math.Inf(1)
	}
	z := d.leftZone
	if side == overlay.Right {
		z = d.rightZone
	}
	return z.DistanceToNode(bag.Requester)
}

func (d *Dispatcher) sendRangeToChild(side overlay.Side, bag wire.TaskBag, first, last uint32) Outgoing {
	clone := bag.Clone(first, last, d.node.ChildIsLeaf(side), false)
	tgt := TargetLeft
	if side == overlay.Right {
		tgt = TargetRight
	}
	return Outgoing{Target: tgt, Bag: clone}
}

// Handle is the single entry point for a TaskBag arriving from src. It
// never sends a bag that came from the father back to the father (a child
// that sent a bag may receive part of it back), and the multiset of (requestId,
// taskIndex) pairs across all returned Outgoing bags equals that of bag.
func (d *Dispatcher) Handle(src address.Address, bag wire.TaskBag) []Outgoing {
	if bag.ForEN {
		// Already addressed to a local executor; nothing for the
		// dispatcher layer to route.
		return nil
	}

	father, hasFather := d.node.Father()
	isFromFather := hasFather && src.Equal(father)
	mustGoDown := d.node.IsRoot() || (isFromFather && !bag.FromEN)

	if d.cfg.Policy == wire.PolicyDP {
		key := dpKey{Requester: bag.Requester, RequestID: bag.RequestID}
		if _, seen := d.dpSeen.Get(key); seen {
			if canForwardToFather(hasFather, isFromFather) {
				return []Outgoing{{Target: TargetFather, Bag: bag}}
			}
			d.log.Warn("dropping duplicate request with no father to escalate to",
				"requestId", bag.RequestID, "requester", bag.Requester)
			return nil
		}
		d.dpSeen.Add(key, struct{}{})
	}

	switch d.cfg.Policy {
	case wire.PolicyIB:
		return d.splitIB(bag, hasFather, isFromFather)
	case wire.PolicyMM:
		return d.splitMM(bag, hasFather, isFromFather)
	case wire.PolicyDP:
		return d.splitDP(bag, hasFather, isFromFather)
	case wire.PolicyFSP:
		return d.splitFSP(bag, mustGoDown, hasFather, isFromFather)
	default:
		d.log.Error("unknown policy, dropping bag", "policy", d.cfg.Policy)
		return nil
	}
}

func mmWaste(c availability.MMCluster, req wire.TaskDescription) float64 {
	return float64((c.MinMemory - req.MinMemory) + (c.MinDisk - req.MinDisk))
}

func (d *Dispatcher) targetQueueEnd() float64 {
	if d.node.IsRoot() {
		return math.Inf(1)
	}
	fatherMax := 0.0
	if fmm, ok := d.fatherSummary.(availability.MMSummary); ok {
		for _, c := range fmm.Clusters {
			if c.MaxQueueEnd > fatherMax {
				fatherMax = c.MaxQueueEnd
			}
		}
	}
	return fatherMax * d.cfg.MMBeta
}

// splitIB implements §4.2's IB rule: the whole bag goes to whichever
// child's summary is strictly better, ties broken by zone distance.
func (d *Dispatcher) splitIB(bag wire.TaskBag, hasFather, isFromFather bool) []Outgoing {
	leftIB, lok := d.leftSummary.(availability.IBSummary)
	rightIB, rok := d.rightSummary.(availability.IBSummary)
	leftFits := lok && leftIB.Fits(bag.Req)
	rightFits := rok && rightIB.Fits(bag.Req)

	if !leftFits && !rightFits {
		if d.node.IsRoot() {
			d.log.Warn("IB: no capacity anywhere for bag, dropping", "requestId", bag.RequestID)
			return nil
		}
		if canForwardToFather(hasFather, isFromFather) {
			return []Outgoing{{Target: TargetFather, Bag: bag}}
		}
		d.log.Warn("IB: no capacity and no father to escalate to, dropping", "requestId", bag.RequestID)
		return nil
	}

	var side overlay.Side
	switch {
	case leftFits && !rightFits:
		side = overlay.Left
	case rightFits && !leftFits:
		side = overlay.Right
	case leftIB.FreeMemory != rightIB.FreeMemory:
		side = betterSide(leftIB.FreeMemory > rightIB.FreeMemory)
	case leftIB.FreeDisk != rightIB.FreeDisk:
		side = betterSide(leftIB.FreeDisk > rightIB.FreeDisk)
	case leftIB.Power != rightIB.Power:
		side = betterSide(leftIB.Power > rightIB.Power)
	default:
		if d.effectiveDistance(overlay.Left, bag) <= d.effectiveDistance(overlay.Right, bag) {
			side = overlay.Left
		} else {
			side = overlay.Right
		}
	}
	count := bag.NumTasks()
	if side == overlay.Left {
		d.leftSummary = leftIB.Consume(bag.Req, count)
	} else {
		d.rightSummary = rightIB.Consume(bag.Req, count)
	}
	return []Outgoing{d.sendRangeToChild(side, bag, bag.FirstTask, bag.LastTask)}
}

func betterSide(leftWins bool) overlay.Side {
	if leftWins {
		return overlay.Left
	}
	return overlay.Right
}

// splitMM implements §4.2's min-makespan rule.
func (d *Dispatcher) splitMM(bag wire.TaskBag, hasFather, isFromFather bool) []Outgoing {
	type cand struct {
		side overlay.Side
		mmc  availability.MMCandidate
	}
	var cands []cand
	if leftMM, ok := d.leftSummary.(availability.MMSummary); ok {
		for _, c := range leftMM.Candidates(bag.Req) {
			cands = append(cands, cand{overlay.Left, c})
		}
	}
	if rightMM, ok := d.rightSummary.(availability.MMSummary); ok {
		for _, c := range rightMM.Candidates(bag.Req) {
			cands = append(cands, cand{overlay.Right, c})
		}
	}

	target := d.targetQueueEnd()
	score := func(c availability.MMCluster) float64 {
		denom := target - c.MaxQueueEnd + bag.Req.Length
		if denom <= 0 {
			denom = 1e-6
		}
		return mmWaste(c, bag.Req) + 1.0/denom
	}
	slices.SortStableFunc(cands, func(a, b cand) int {
		sa, sb := score(a.mmc.Cluster), score(b.mmc.Cluster)
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
		da, db := d.effectiveDistance(a.side, bag), d.effectiveDistance(b.side, bag)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		default:
			return 0
		}
	})

	remaining := bag.NumTasks()
	var leftCount, rightCount uint32
	leftTaken := map[int]uint32{}
	rightTaken := map[int]uint32{}
	for _, c := range cands {
		if remaining == 0 {
			break
		}
		take := c.mmc.Cluster.Count
		if take > remaining {
			take = remaining
		}
		if c.side == overlay.Left {
			leftCount += take
			leftTaken[c.mmc.Index] += take
		} else {
			rightCount += take
			rightTaken[c.mmc.Index] += take
		}
		remaining -= take
	}
	if leftMM, ok := d.leftSummary.(availability.MMSummary); ok && len(leftTaken) > 0 {
		d.leftSummary = leftMM.Consume(leftTaken, bag.Req.Length)
	}
	if rightMM, ok := d.rightSummary.(availability.MMSummary); ok && len(rightTaken) > 0 {
		d.rightSummary = rightMM.Consume(rightTaken, bag.Req.Length)
	}

	var out []Outgoing
	next := bag.FirstTask
	if leftCount > 0 {
		out = append(out, d.sendRangeToChild(overlay.Left, bag, next, next+leftCount-1))
		next += leftCount
	}
	if rightCount > 0 {
		out = append(out, d.sendRangeToChild(overlay.Right, bag, next, next+rightCount-1))
		next += rightCount
	}
	if remaining > 0 {
		if canForwardToFather(hasFather, isFromFather) {
			out = append(out, Outgoing{Target: TargetFather, Bag: bag.Clone(next, bag.LastTask, false, false)})
		} else {
			d.log.Warn("MM: dropping tasks, no capacity and no father to escalate to",
				"requestId", bag.RequestID, "dropped", remaining)
		}
	}
	return out
}

// splitDP implements §4.2's deadline-priority rule, scored with the same
// weighting DeadlineDispatcher's DecissionInfo uses.
func (d *Dispatcher) splitDP(bag wire.TaskBag, hasFather, isFromFather bool) []Outgoing {
	deadline := time.Until(bag.Req.Deadline).Seconds()

	type cand struct {
		side overlay.Side
		c    availability.DPCandidate
	}
	var cands []cand
	if leftDP, ok := d.leftSummary.(availability.DPSummary); ok {
		for _, c := range leftDP.AvailableBefore(bag.Req, deadline) {
			cands = append(cands, cand{overlay.Left, c})
		}
	}
	if rightDP, ok := d.rightSummary.(availability.DPSummary); ok {
		for _, c := range rightDP.AvailableBefore(bag.Req, deadline) {
			cands = append(cands, cand{overlay.Right, c})
		}
	}
	slices.SortStableFunc(cands, func(a, b cand) int {
		if a.c.Score != b.c.Score {
			if a.c.Score < b.c.Score {
				return -1
			}
			return 1
		}
		da, db := d.effectiveDistance(a.side, bag), d.effectiveDistance(b.side, bag)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		default:
			return 0
		}
	})

	remaining := bag.NumTasks()
	var leftCount, rightCount uint32
	leftTaken := map[int]uint32{}
	rightTaken := map[int]uint32{}
	for _, c := range cands {
		if remaining == 0 {
			break
		}
		take := c.c.Cluster.Count
		if take > remaining {
			take = remaining
		}
		if c.side == overlay.Left {
			leftCount += take
			leftTaken[c.c.Index] += take
		} else {
			rightCount += take
			rightTaken[c.c.Index] += take
		}
		remaining -= take
	}
	if leftDP, ok := d.leftSummary.(availability.DPSummary); ok && len(leftTaken) > 0 {
		d.leftSummary = leftDP.Consume(leftTaken)
	}
	if rightDP, ok := d.rightSummary.(availability.DPSummary); ok && len(rightTaken) > 0 {
		d.rightSummary = rightDP.Consume(rightTaken)
	}

	var out []Outgoing
	next := bag.FirstTask
	if leftCount > 0 {
		out = append(out, d.sendRangeToChild(overlay.Left, bag, next, next+leftCount-1))
		next += leftCount
	}
	if rightCount > 0 {
		out = append(out, d.sendRangeToChild(overlay.Right, bag, next, next+rightCount-1))
		next += rightCount
	}
	if remaining > 0 {
		if canForwardToFather(hasFather, isFromFather) {
			out = append(out, Outgoing{Target: TargetFather, Bag: bag.Clone(next, bag.LastTask, false, false)})
		} else {
			d.log.Warn("DP: dropping tasks, no reachable subtree meets the deadline",
				"requestId", bag.RequestID, "dropped", remaining)
		}
	}
	return out
}

// splitFSP implements §4.2/§4.3's fair-slowness rule: compute the minimum
// achievable max-slowness locally; if mustGoDown or that value is within
// the subtree's slowness limit, place tasks across both children by the
// greedy tpn-growth algorithm, otherwise forward the whole bag up.
func (d *Dispatcher) splitFSP(bag wire.TaskBag, mustGoDown, hasFather, isFromFather bool) []Outgoing {
	type cand struct {
		side    overlay.Side
		cluster availability.FSPCluster
	}
	var cands []cand
	leftFSP, lok := d.leftSummary.(availability.FSPSummary)
	rightFSP, rok := d.rightSummary.(availability.FSPSummary)
	if lok {
		for _, c := range leftFSP.Clusters {
			cands = append(cands, cand{overlay.Left, c})
		}
	}
	if rok {
		for _, c := range rightFSP.Clusters {
			cands = append(cands, cand{overlay.Right, c})
		}
	}

	if len(cands) == 0 {
		if canForwardToFather(hasFather, isFromFather) {
			return []Outgoing{{Target: TargetFather, Bag: bag}}
		}
		d.log.Warn("FSP: no candidate clusters and no father to escalate to, dropping", "requestId", bag.RequestID)
		return nil
	}

	tpn := make([]uint32, len(cands))
	var covered uint32
	for covered < bag.NumTasks() {
		best, bestVal := -1, math.Inf(1)
		for i, c := range cands {
			v := c.cluster.SlownessAt(tpn[i] + 1)
			if v < bestVal {
				best, bestVal = i, v
			}
		}
		if best < 0 {
			break
		}
		tpn[best]++
		covered += cands[best].cluster.Count
	}

	minSlowness := 0.0
	for i, c := range cands {
		if tpn[i] > 0 {
			if v := c.cluster.SlownessAt(tpn[i]); v > minSlowness {
				minSlowness = v
			}
		}
	}

	subtreeMax := math.Max(leftFSP.SlowestMachine, rightFSP.SlowestMachine)
	fatherMax := 0.0
	if fsum, ok := d.fatherSummary.(availability.FSPSummary); ok {
		fatherMax = fsum.SlowestMachine
	}
	sLimit := d.cfg.FSPBeta * math.Max(fatherMax, math.Max(subtreeMax, math.Max(leftFSP.SlowestMachine, rightFSP.SlowestMachine)))

	if !mustGoDown && minSlowness > sLimit {
		if canForwardToFather(hasFather, isFromFather) {
			return []Outgoing{{Target: TargetFather, Bag: bag}}
		}
		d.log.Warn("FSP: slowness limit exceeded and no father to escalate to, placing locally anyway",
			"requestId", bag.RequestID, "minSlowness", minSlowness, "limit", sLimit)
	}

	var leftCount, rightCount uint32
	leftTPN := make([]uint32, len(leftFSP.Clusters))
	rightTPN := make([]uint32, len(rightFSP.Clusters))
	for i, c := range cands {
		take := tpn[i] * c.cluster.Count
		if c.side == overlay.Left {
			leftCount += take
			leftTPN[i] = tpn[i]
		} else {
			rightCount += take
			rightTPN[i-len(leftFSP.Clusters)] = tpn[i]
		}
	}
	if lok {
		d.leftSummary = leftFSP.Consume(leftTPN)
	}
	if rok {
		d.rightSummary = rightFSP.Consume(rightTPN)
	}
	total := leftCount + rightCount
	if total > bag.NumTasks() {
		// The last cluster touched may cover more capacity than needed;
		// trim the overshoot from whichever side received it.
		overshoot := total - bag.NumTasks()
		if rightCount >= overshoot {
			rightCount -= overshoot
		} else {
			leftCount -= overshoot - rightCount
			rightCount = 0
		}
	}

	var out []Outgoing
	next := bag.FirstTask
	if leftCount > 0 {
		o := d.sendRangeToChild(overlay.Left, bag, next, next+leftCount-1)
		o.Bag.EstimatedSlowness = minSlowness
		out = append(out, o)
		next += leftCount
	}
	if rightCount > 0 {
		o := d.sendRangeToChild(overlay.Right, bag, next, next+rightCount-1)
		o.Bag.EstimatedSlowness = minSlowness
		out = append(out, o)
		next += rightCount
	}
	if next <= bag.LastTask {
		// Capacity fell short of the full bag (e.g. both children
		// report a handful of small clusters); escalate the remainder.
		if canForwardToFather(hasFather, isFromFather) {
			out = append(out, Outgoing{Target: TargetFather, Bag: bag.Clone(next, bag.LastTask, false, false)})
		} else {
			d.log.Warn("FSP: dropping tasks, insufficient subtree capacity", "requestId", bag.RequestID)
		}
	}
	return out
}
