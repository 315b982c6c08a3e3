package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/dispatcher"
	"github.com/jcelaya/stars/internal/overlay"
	"github.com/jcelaya/stars/internal/submission"
	"github.com/jcelaya/stars/internal/transport"
	"github.com/jcelaya/stars/internal/wire"
)

func mustAddr(t *testing.T, ip string, port uint16) address.Address {
	t.Helper()
	a, err := address.New(ip, port)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// router is an in-process stand-in for the transport layer: instead of
// opening a TCP connection, it hands the envelope straight to the target
// Peer's own handleInbound, synchronously, so tests don't race goroutines
// against the event loop.
type router struct {
	peers map[address.Address]*Peer

	// failTo, when set, makes every send to that address return a
	// transport error, standing in for an unreachable peer.
	failTo address.Address
}

func newRouter() *router {
	return &router{peers: make(map[address.Address]*Peer)}
}

func (r *router) register(addr address.Address, p *Peer) {
	r.peers[addr] = p
}

type routedSender struct {
	self address.Address
	r    *router
}

func (s routedSender) Send(_ context.Context, to address.Address, e wire.Envelope) error {
	if !s.r.failTo.Zero() && to.Equal(s.r.failTo) {
		return errors.New("peer unreachable")
	}
	target, ok := s.r.peers[to]
	if !ok {
		return nil // no listener registered, matches a dropped send in the real transport
	}
	target.handleInbound(transport.Inbound{From: s.self, Frame: e})
	return nil
}

// twoLeafTree builds R with two leaf children L1, L2, plus the zones each
// needs to compute distance tie-breaks, matching §8 scenario 2's topology.
type twoLeafTree struct {
	tree         *overlay.StaticTree
	root, l1, l2 address.Address
}

func newTwoLeafTree(t *testing.T) twoLeafTree {
	t.Helper()
	tr := overlay.NewStaticTree()
	root := mustAddr(t, "10.0.0.1", 9000)
	l1 := mustAddr(t, "10.0.0.2", 9000)
	l2 := mustAddr(t, "10.0.0.3", 9000)
	tr.AddEdge(root, overlay.Left, l1, true)
	tr.AddEdge(root, overlay.Right, l2, true)
	return twoLeafTree{tree: tr, root: root, l1: l1, l2: l2}
}

func newIBPeer(node overlay.Node, self address.Address, mem, disk uint64, power float64, r *router) *Peer {
	cfg := Config{
		Self:        self,
		Dispatcher:  dispatcher.DefaultConfig(wire.PolicyIB),
		AvailMemory: mem,
		AvailDisk:   disk,
		Power:       power,
		Heartbeat:   time.Minute,
		Retry: submission.RetryPolicy{
			MaxRetries:     3,
			TimeoutGrowth:  2.0,
			BaseReqTimeout: time.Minute,
		},
		PublishBandwidth: 1 << 20,
		PublishBurst:     1 << 20,
		PublishThreshold: 0,
	}
	p := New(nil, node, cfg, routedSender{self: self, r: r}, nil)
	r.register(self, p)
	return p
}

func TestIBBagRoutesToFittingLeaf(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()

	root := newIBPeer(topo.tree.View(topo.root), topo.root, 0, 0, 0, r)
	root.disp.SetZones(topo.tree.Zone(topo.l1), topo.tree.Zone(topo.l2))

	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 1024, 1024, 1.0, r)
	l2 := newIBPeer(topo.tree.View(topo.l2), topo.l2, 16, 16, 1.0, r) // too little memory to fit the bag

	l1.maybePublishSummary()
	l2.maybePublishSummary()

	if err := l1.RegisterApp("batch", wire.TaskDescription{
		MinMemory: 128,
		MinDisk:   0,
		NumTasks:  3,
		Length:    1.0,
		Deadline:  time.Time{},
	}); err != nil {
		t.Fatal(err)
	}

	l1.handleDispatchCommand(wire.DispatchCommand{AppName: "batch", Deadline: time.Now().Add(time.Hour)})

	if got := l1.sched.QueueLength(); got != 3 {
		t.Fatalf("expected all 3 tasks to land on L1 (the only fitting leaf), got queue length %d", got)
	}
	if got := l2.sched.QueueLength(); got != 0 {
		t.Fatalf("expected L2 to receive nothing, got queue length %d", got)
	}

	// The accepting leaf must have reported back, letting the submission
	// manager mark the request fully accepted.
	if n := l1.sub.NumExecuting(instanceOf(t, l1)); n != 3 {
		t.Fatalf("expected submission manager to see 3 executing tasks, got %d", n)
	}
}

func instanceOf(t *testing.T, p *Peer) string {
	t.Helper()
	if len(p.instances) == 0 {
		t.Fatal("peer released no instances")
	}
	return p.instances[len(p.instances)-1]
}

func TestHeartbeatUpdatesLastSeenAndDeadSweepRevertsTasks(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()

	root := newIBPeer(topo.tree.View(topo.root), topo.root, 0, 0, 0, r)
	root.disp.SetZones(topo.tree.Zone(topo.l1), topo.tree.Zone(topo.l2))

	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 1024, 1024, 1.0, r)
	_ = newIBPeer(topo.tree.View(topo.l2), topo.l2, 1024, 1024, 1.0, r)

	l1.maybePublishSummary()

	if err := l1.RegisterApp("batch", wire.TaskDescription{NumTasks: 2, Length: 1.0}); err != nil {
		t.Fatal(err)
	}
	l1.handleDispatchCommand(wire.DispatchCommand{AppName: "batch", Deadline: time.Now().Add(time.Hour)})

	if got := l1.sched.QueueLength(); got != 2 {
		t.Fatalf("expected 2 tasks queued on L1, got %d", got)
	}

	// L1 submitted its own bag and is also the accepting leaf, so by now it
	// has recorded itself as a tracked host via the TaskAccepted round trip.
	if _, seen := l1.lastSeen[l1.self]; !seen {
		t.Fatal("expected L1 to track itself as a host after the accept round trip")
	}

	key := execKey{Requester: l1.self, RequestID: 1}
	l1.executing[key] = 2
	l1.handleHeartbeatTimer(key)
	if _, scheduled := l1.heartbeatOn[key]; !scheduled {
		t.Fatal("expected the heartbeat timer to re-arm while tasks remain")
	}

	l1.lastSeen[l1.self] = time.Now().Add(-time.Hour)
	l1.cfg.DeadAfter = time.Minute
	l1.handleDeadSweep()
	if _, stillTracked := l1.lastSeen[l1.self]; stillTracked {
		t.Fatal("expected the stale host to be dropped from lastSeen after the dead sweep")
	}
}

func TestAvailabilityUpdateFeedsDispatcherBySource(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()

	root := newIBPeer(topo.tree.View(topo.root), topo.root, 0, 0, 0, r)
	root.disp.SetZones(topo.tree.Zone(topo.l1), topo.tree.Zone(topo.l2))

	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 512, 512, 1.0, r)

	if root.disp.Joined() != nil {
		t.Fatal("expected no joined summary before any child reports")
	}

	l1.maybePublishSummary()

	if root.disp.Joined() == nil {
		t.Fatal("expected a joined summary once a child has reported")
	}
}

func TestRestOfTreeViewFlowsDownToOtherLeaf(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()

	root := newIBPeer(topo.tree.View(topo.root), topo.root, 0, 0, 0, r)
	root.disp.SetZones(topo.tree.Zone(topo.l1), topo.tree.Zone(topo.l2))

	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 1024, 1024, 1.0, r)
	l2 := newIBPeer(topo.tree.View(topo.l2), topo.l2, 512, 512, 1.0, r)

	// L2 reports upward; the root derives L1's view of the rest of the
	// tree from it and forwards it down (§4.2's onFatherSummary contract,
	// the tail of §8 scenario 2).
	l2.maybePublishSummary()

	if l1.restOfTree == nil {
		t.Fatal("expected L1 to have received a rest-of-tree view after L2 reported")
	}
	if l2.restOfTree != nil {
		t.Fatal("L2's own report must not bounce back to it as a rest-of-tree view")
	}

	// L1's report in turn reaches L2.
	l1.maybePublishSummary()
	if l2.restOfTree == nil {
		t.Fatal("expected L2 to have received a rest-of-tree view after L1 reported")
	}
}

func TestSendFailureToExecutingHostEscalatesToDeadNode(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()
	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 1024, 1024, 1.0, r)

	if err := l1.RegisterApp("batch", wire.TaskDescription{NumTasks: 1, Length: 1.0}); err != nil {
		t.Fatal(err)
	}
	instID, err := l1.sub.CreateInstance("batch", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	req, ok := l1.sub.BuildRequestFromReady(instID)
	if !ok {
		t.Fatal("expected a request from the fresh instance")
	}
	l1.sub.StartSearch(req.ID, time.Minute)

	dead := mustAddr(t, "10.9.9.9", 9000) // not registered with the router
	l1.sub.AcceptedTasks(dead, req.ID, 0, 0)
	if n := l1.sub.NumExecuting(instID); n != 1 {
		t.Fatalf("expected 1 executing task before the failed send, got %d", n)
	}

	r.failTo = dead
	l1.send(dead, wire.KindHeartbeat, wire.Heartbeat{RequestID: req.ID, Remaining: 1})

	if n := l1.sub.NumExecuting(instID); n != 0 {
		t.Fatalf("expected the unreachable host's task reverted to ready, still %d executing", n)
	}
	if n := l1.sub.NumReady(instID); n != 1 {
		t.Fatalf("expected 1 ready task after deadNode, got %d", n)
	}
}

func TestAcceptBagRejectsPortionOverCapacity(t *testing.T) {
	topo := newTwoLeafTree(t)
	r := newRouter()
	l1 := newIBPeer(topo.tree.View(topo.l1), topo.l1, 100, 100, 1.0, r)

	bag := wire.TaskBag{
		Requester: topo.root,
		RequestID: 7,
		FirstTask: 0,
		LastTask:  9,
		Req: wire.TaskDescription{
			MinMemory: 20,
			NumTasks:  10,
			Length:    1.0,
		},
		ForEN: true,
	}
	accepted := l1.sched.AcceptBag(bag, bag.Req.MinMemory, bag.Req.MinDisk, bag.Req.Length, bag.Req.Deadline)
	if accepted != 5 {
		t.Fatalf("expected exactly 5 tasks to fit in 100 memory at 20 each, got %d", accepted)
	}
}
