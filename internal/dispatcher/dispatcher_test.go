package dispatcher

import (
	"testing"
	"time"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/availability"
	"github.com/jcelaya/stars/internal/overlay"
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

func newTestTree(t *testing.T) (*overlay.StaticTree, address.Address, address.Address, address.Address) {
	t.Helper()
	root := mustAddr(t, "10.0.0.1", 1)
	l1 := mustAddr(t, "10.0.0.2", 1)
	l2 := mustAddr(t, "10.0.0.3", 1)
	tree := overlay.NewStaticTree()
	tree.AddEdge(root, overlay.Left, l1, true)
	tree.AddEdge(root, overlay.Right, l2, true)
	return tree, root, l1, l2
}

func sumTaskCount(bags []wire.TaskBag) uint32 {
	var total uint32
	for _, b := range bags {
		total += b.NumTasks()
	}
	return total
}

func taskIndices(bags []wire.TaskBag) map[uint32]bool {
	seen := make(map[uint32]bool)
	for _, b := range bags {
		for i := b.FirstTask; i <= b.LastTask; i++ {
			seen[i] = true
		}
	}
	return seen
}

func TestIBConservesTaskIndicesAndNoBounce(t *testing.T) {
	tree, root, l1, _ := newTestTree(t)
	d := New(nil, tree.View(root), DefaultConfig(wire.PolicyIB))
	d.OnChildSummary(overlay.Left, availability.NewIB(1000, 1000, 1.0))
	d.OnChildSummary(overlay.Right, availability.NewIB(500, 500, 1.0))

	bag := wire.TaskBag{
		Requester: l1,
		RequestID: 1,
		FirstTask: 1,
		LastTask:  10,
		Req:       wire.TaskDescription{MinMemory: 100, MinDisk: 100},
		FromEN:    true,
	}

	out := d.Handle(l1, bag)
	if len(out) != 1 {
		t.Fatalf("expected exactly one outgoing bag, got %d", len(out))
	}
	if out[0].Target == TargetFather {
		t.Fatal("no-bounce: bag came from a leaf, must not immediately go to father")
	}
	got := out[0].Bag
	if got.NumTasks() != bag.NumTasks() {
		t.Fatalf("expected all %d tasks preserved, got %d", bag.NumTasks(), got.NumTasks())
	}
}

func TestNoBounceFromFather(t *testing.T) {
	root := mustAddr(t, "10.0.0.1", 1)
	mid := mustAddr(t, "10.0.0.2", 1)
	l1 := mustAddr(t, "10.0.0.3", 1)
	l2 := mustAddr(t, "10.0.0.4", 1)

	tree := overlay.NewStaticTree()
	tree.AddEdge(root, overlay.Left, mid, false)
	tree.AddEdge(mid, overlay.Left, l1, true)
	tree.AddEdge(mid, overlay.Right, l2, true)

	d := New(nil, tree.View(mid), DefaultConfig(wire.PolicyIB))
	// Neither child has any capacity: the node must escalate, but never
	// straight back to the father that just sent it this bag.
	bag := wire.TaskBag{
		Requester: mustAddr(t, "10.0.0.9", 1),
		RequestID: 7,
		FirstTask: 1,
		LastTask:  3,
		Req:       wire.TaskDescription{MinMemory: 100, MinDisk: 100},
		FromEN:    false,
	}
	out := d.Handle(root, bag)
	for _, o := range out {
		if o.Target == TargetFather {
			t.Fatal("no-bounce violated: bag sent back to the father that delivered it")
		}
	}
}

func TestMMSplitsAndConservesIndices(t *testing.T) {
	tree, root, _, _ := newTestTree(t)
	d := New(nil, tree.View(root), DefaultConfig(wire.PolicyMM))
	d.OnChildSummary(overlay.Left, availability.NewMMLeaf(1000, 1000, 0))
	d.OnChildSummary(overlay.Right, availability.NewMMLeaf(1000, 1000, 0))

	bag := wire.TaskBag{
		RequestID: 2,
		FirstTask: 1,
		LastTask:  1,
		Req:       wire.TaskDescription{MinMemory: 10, MinDisk: 10, Length: 1},
	}
	out := d.Handle(root, bag)
	if sumTaskCount(bagsOf(out)) != bag.NumTasks() {
		t.Fatalf("expected task count preserved, got %d outgoing bags covering %d tasks",
			len(out), sumTaskCount(bagsOf(out)))
	}
}

func bagsOf(out []Outgoing) []wire.TaskBag {
	bags := make([]wire.TaskBag, len(out))
	for i, o := range out {
		bags[i] = o.Bag
	}
	return bags
}

func TestDPDuplicateIsForwardedOnceNotHandledTwice(t *testing.T) {
	root := mustAddr(t, "10.0.0.1", 1)
	mid := mustAddr(t, "10.0.0.2", 1)
	l1 := mustAddr(t, "10.0.0.3", 1)
	l2 := mustAddr(t, "10.0.0.4", 1)

	tree := overlay.NewStaticTree()
	tree.AddEdge(root, overlay.Left, mid, false)
	tree.AddEdge(mid, overlay.Left, l1, true)
	tree.AddEdge(mid, overlay.Right, l2, true)

	d := New(nil, tree.View(mid), DefaultConfig(wire.PolicyDP))
	d.OnChildSummary(overlay.Left, availability.NewDPLeaf(1000, 1000, 100, 100))
	d.OnChildSummary(overlay.Right, availability.NewDPLeaf(1000, 1000, 100, 100))

	bag := wire.TaskBag{
		Requester: mustAddr(t, "10.0.0.9", 1),
		RequestID: 55,
		FirstTask: 1,
		LastTask:  2,
		Req:       wire.TaskDescription{MinMemory: 10, MinDisk: 10, Length: 1, Deadline: time.Now().Add(time.Hour)},
	}

	first := d.Handle(l1, bag)
	if len(first) == 0 {
		t.Fatal("expected the first delivery to be handled (split locally)")
	}
	for _, o := range first {
		if o.Target == TargetFather {
			t.Fatal("first delivery should not need to forward to father")
		}
	}

	second := d.Handle(l2, bag)
	if len(second) != 1 || second[0].Target != TargetFather {
		t.Fatalf("duplicate request must be forwarded to father exactly once, got %+v", second)
	}
}

func TestDownwardUpdatesDeriveRestOfTree(t *testing.T) {
	root := mustAddr(t, "10.0.0.1", 1)
	mid := mustAddr(t, "10.0.0.2", 1)
	l1 := mustAddr(t, "10.0.0.3", 1)
	l2 := mustAddr(t, "10.0.0.4", 1)

	tree := overlay.NewStaticTree()
	tree.AddEdge(root, overlay.Left, mid, false)
	tree.AddEdge(mid, overlay.Left, l1, true)
	tree.AddEdge(mid, overlay.Right, l2, true)

	d := New(nil, tree.View(mid), DefaultConfig(wire.PolicyIB))

	d.OnChildSummary(overlay.Left, availability.NewIB(1000, 1000, 2.0))
	d.OnChildSummary(overlay.Right, availability.NewIB(400, 400, 1.0))
	d.OnFatherSummary(availability.NewIB(300, 300, 1.0))

	updates := d.DownwardUpdates(0)
	if len(updates) != 2 {
		t.Fatalf("expected a derived view owed to both children, got %d", len(updates))
	}
	for _, u := range updates {
		ib, ok := u.Summary.(availability.IBSummary)
		if !ok {
			t.Fatalf("expected an IB summary for side %s, got %T", u.Side, u.Summary)
		}
		// join(father, other-child) under IB is the component-wise min; the
		// father's 300/300 tuple bounds both derived views.
		if ib.FreeMemory != 300 || ib.FreeDisk != 300 {
			t.Fatalf("side %s: expected the father's tuple to bound the view, got %+v", u.Side, ib)
		}
	}

	if again := d.DownwardUpdates(0); len(again) != 0 {
		t.Fatalf("expected no further downward updates without new information, got %d", len(again))
	}

	// A repeat of the same child summary changes nothing the children
	// should hear about.
	d.OnChildSummary(overlay.Left, availability.NewIB(1000, 1000, 2.0))
	if again := d.DownwardUpdates(0); len(again) != 0 {
		t.Fatalf("expected an unchanged derived view to be suppressed, got %d updates", len(again))
	}
}

func TestFSPPlacementMatchesMinSlownessScenario(t *testing.T) {
	tree, root, _, _ := newTestTree(t)
	d := New(nil, tree.View(root), DefaultConfig(wire.PolicyFSP))

	clusterA := availability.FSPCluster{Breakpoints: []float64{1.0, 1.8, 3.0}, Count: 4}
	clusterB := availability.FSPCluster{Breakpoints: []float64{1.2, 2.0}, Count: 4}
	d.OnChildSummary(overlay.Left, availability.FSPSummary{Clusters: []availability.FSPCluster{clusterA}})
	d.OnChildSummary(overlay.Right, availability.FSPSummary{Clusters: []availability.FSPCluster{clusterB}})

	bag := wire.TaskBag{
		RequestID: 9,
		FirstTask: 1,
		LastTask:  8,
		Req:       wire.TaskDescription{NumTasks: 8},
	}
	out := d.Handle(root, bag)
	if sumTaskCount(bagsOf(out)) != 8 {
		t.Fatalf("expected all 8 tasks placed, got %d", sumTaskCount(bagsOf(out)))
	}
	indices := taskIndices(bagsOf(out))
	if len(indices) != 8 {
		t.Fatalf("expected 8 distinct task indices covered exactly once, got %d", len(indices))
	}
}
