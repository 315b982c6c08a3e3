// Package peer wires every other package into the single cooperative event
// loop §5 describes: one goroutine, one select over the transport's inbound
// channel, a local command channel, and the timer queue's next deadline,
// so every handler — scheduler, dispatcher, submission manager,
// propagation — runs strictly sequentially with no intra-peer locking
// required beyond what each package already does defensively on its own.
//
// A Peer is simultaneously a submitter (via Dispatch), an executor (when
// overlay.Node.IsLeaf() is true, it owns a scheduler.Scheduler) and an
// internal overlay node (otherwise it owns a dispatcher.Dispatcher) —
// exactly the three roles §1 assigns to every participant. Grounded on
// torua's cmd/node and cmd/coordinator main loops for the getenv/signal
// shutdown shape (reused in cmd/peer, not here) and on the original
// STaRS PeerComponent's single-threaded reactor, generalized from its
// libasync-style callback registration to a plain Go select loop.
package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/availability"
	"github.com/jcelaya/stars/internal/dispatcher"
	"github.com/jcelaya/stars/internal/overlay"
	"github.com/jcelaya/stars/internal/propagation"
	"github.com/jcelaya/stars/internal/scheduler"
	"github.com/jcelaya/stars/internal/submission"
	"github.com/jcelaya/stars/internal/timer"
	"github.com/jcelaya/stars/internal/transport"
	"github.com/jcelaya/stars/internal/wire"
	"github.com/jcelaya/stars/internal/zone"
)

// Config is every tunable a Peer needs beyond the overlay.Node contract and
// the transport.Sender/Inbound pair, taken directly from §6's configuration
// table.
type Config struct {
	Self address.Address

	Dispatcher dispatcher.Config
	LeftZone   zone.Description
	RightZone  zone.Description

	AvailMemory uint64
	AvailDisk   uint64
	Power       float64

	SlownessSlope   float64 // FSP: this leaf's Zℓ slope
	DeadlineHorizon float64 // DP: availableBefore horizon, seconds

	Heartbeat  time.Duration
	DeadAfter  time.Duration // absence of heartbeat longer than this marks a host dead
	SendTimeout time.Duration

	Retry submission.RetryPolicy

	PublishBandwidth float64 // bytes/sec
	PublishBurst     int
	PublishThreshold float64

	// Bookkeeping, when non-nil, is a submitter snapshot loaded from a
	// submission.Store to resume from after a restart.
	Bookkeeping *submission.Snapshot
}

// execKey identifies one executor-side bookkeeping slot: a bag's tasks all
// belong to one (requester, requestId) pair.
type execKey struct {
	Requester address.Address
	RequestID uint64
}

type taskTickEvent struct{}
type heartbeatEvent struct{ key execKey }
type reaperEvent struct{}
type publishEvent struct{ update wire.AvailabilityUpdate }

// Peer is one STaRS participant: the glue between the overlay position it
// occupies and the packages that implement §4's algorithms.
type Peer struct {
	log    hclog.Logger
	node   overlay.Node
	self   address.Address
	cfg    Config
	sender transport.Sender

	inbound  <-chan transport.Inbound
	commands chan wire.DispatchCommand

	timers *timer.Queue

	sched *scheduler.Scheduler  // non-nil iff node.IsLeaf()
	disp  *dispatcher.Dispatcher // non-nil iff !node.IsLeaf()
	sub   *submission.Manager
	pub   *propagation.Publisher
	recv  *propagation.Receiver

	instances []string // every instanceId ever released at this peer, for the reaper

	taskRequester map[scheduler.TaskKey]address.Address // leaf: which submitter owns a queued task
	executing     map[execKey]uint32                    // leaf: tasks still in flight per (requester, requestId)
	heartbeatOn   map[execKey]timer.ID

	lastSeen map[address.Address]time.Time // submitter: last heartbeat per executing host

	restOfTree availability.Summary // leaf: last "rest of the tree" view received from the father
	downSeq    map[overlay.Side]uint64

	completionTimer timer.ID
	haveCompletion  bool
	lastTickAt      time.Time
}

// New builds a Peer for node, ready to Run once wired to a transport.
func New(log hclog.Logger, node overlay.Node, cfg Config, sender transport.Sender, inbound <-chan transport.Inbound) *Peer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	p := &Peer{
		log:           log.Named("peer"),
		node:          node,
		self:          cfg.Self,
		cfg:           cfg,
		sender:        sender,
		inbound:       inbound,
		commands:      make(chan wire.DispatchCommand, 32),
		timers:        timer.New(),
		sub:           submission.New(log, cfg.Retry),
		pub:           propagation.New(log, cfg.PublishBandwidth, cfg.PublishBurst, cfg.PublishThreshold),
		recv:          propagation.NewReceiver(),
		taskRequester: make(map[scheduler.TaskKey]address.Address),
		executing:     make(map[execKey]uint32),
		heartbeatOn:   make(map[execKey]timer.ID),
		lastSeen:      make(map[address.Address]time.Time),
		downSeq:       make(map[overlay.Side]uint64),
	}
	if node.IsLeaf() {
		p.sched = scheduler.New(log, cfg.Dispatcher.Policy, cfg.AvailMemory, cfg.AvailDisk, cfg.Power)
	} else {
		p.disp = dispatcher.New(log, node, cfg.Dispatcher)
		p.disp.SetZones(cfg.LeftZone, cfg.RightZone)
	}
	if cfg.Bookkeeping != nil {
		p.sub.Restore(cfg.Bookkeeping)
		p.instances = p.sub.InstanceIDs()
	}
	return p
}

// BookkeepingSnapshot captures the submitter's current state for a
// submission.Store to persist on clean shutdown.
func (p *Peer) BookkeepingSnapshot() *submission.Snapshot {
	return p.sub.Snapshot()
}

// RegisterApp declares a new application template this peer can submit
// instances of.
func (p *Peer) RegisterApp(name string, desc wire.TaskDescription) error {
	return p.sub.CreateApp(name, desc)
}

// QueueLength reports this leaf's current local queue length, or -1 if this
// peer is not an execution leaf. Exposed for health/status introspection and
// integration tests; the event loop itself never calls it.
func (p *Peer) QueueLength() int {
	if p.sched == nil {
		return -1
	}
	return p.sched.QueueLength()
}

// Dispatch enqueues a DispatchCommand as a local event, processed on the
// event loop like any network message (§6's local-event contract).
func (p *Peer) Dispatch(cmd wire.DispatchCommand) {
	p.commands <- cmd
}

// Run drives the single-threaded event loop until ctx is canceled or the
// inbound transport channel closes.
func (p *Peer) Run(ctx context.Context) error {
	p.armReaper()
	p.maybePublishSummary()

	for {
		var timeoutC <-chan time.Time
		if d, ok := p.timers.Next(); ok {
			timeoutC = time.After(time.Until(d))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case in, open := <-p.inbound:
			if !open {
				return fmt.Errorf("peer: inbound transport channel closed")
			}
			p.handleInbound(in)

		case cmd := <-p.commands:
			p.handleDispatchCommand(cmd)

		case <-timeoutC:
			now := time.Now()
			for _, ev := range p.timers.PopDue(now) {
				p.handleTimerEvent(ev)
			}
		}
	}
}

func (p *Peer) handleInbound(in transport.Inbound) {
	if in.Closed {
		p.log.Debug("peer connection closed", "from", in.From, "err", in.Err)
		return
	}
	e := in.Frame
	switch e.Kind {
	case wire.KindTaskBag:
		var bag wire.TaskBag
		if err := wire.Unpack(e, &bag); err != nil {
			p.log.Warn("malformed TaskBag", "from", in.From, "err", err)
			return
		}
		p.handleTaskBag(in.From, bag)

	case wire.KindTaskAccepted:
		var msg wire.TaskAccepted
		if err := wire.Unpack(e, &msg); err != nil {
			p.log.Warn("malformed TaskAccepted", "from", in.From, "err", err)
			return
		}
		p.handleTaskAccepted(in.From, msg)

	case wire.KindTaskFinished:
		var msg wire.TaskFinished
		if err := wire.Unpack(e, &msg); err != nil {
			p.log.Warn("malformed TaskFinished", "from", in.From, "err", err)
			return
		}
		p.sub.FinishedTask(in.From, msg.RequestID, msg.LocalTask)

	case wire.KindTaskAborted:
		var msg wire.TaskAborted
		if err := wire.Unpack(e, &msg); err != nil {
			p.log.Warn("malformed TaskAborted", "from", in.From, "err", err)
			return
		}
		p.sub.AbortedTask(in.From, msg.RequestID, msg.LocalTask)

	case wire.KindAvailabilityUpdate:
		var msg wire.AvailabilityUpdate
		if err := wire.Unpack(e, &msg); err != nil {
			p.log.Warn("malformed AvailabilityUpdate", "from", in.From, "err", err)
			return
		}
		p.handleAvailabilityUpdate(in.From, msg)

	case wire.KindHeartbeat:
		p.lastSeen[in.From] = time.Now()

	default:
		p.log.Warn("unknown message kind", "kind", e.Kind, "from", in.From)
	}
}

func (p *Peer) handleTimerEvent(ev any) {
	switch t := ev.(type) {
	case wire.RequestTimeout:
		p.handleRequestTimeout(t)
	case taskTickEvent:
		p.handleTaskTick()
	case heartbeatEvent:
		p.handleHeartbeatTimer(t.key)
	case reaperEvent:
		p.handleReaper()
	case publishEvent:
		if father, ok := p.node.Father(); ok {
			p.send(father, wire.KindAvailabilityUpdate, t.update)
		}
	case deadSweepEvent:
		p.handleDeadSweep()
	default:
		p.log.Warn("unrecognized timer event", "type", fmt.Sprintf("%T", ev))
	}
}

// --- TaskBag routing ---------------------------------------------------

func (p *Peer) handleTaskBag(src address.Address, bag wire.TaskBag) {
	if p.node.IsLeaf() {
		p.acceptBagAsLeaf(src, bag)
		return
	}
	outs := p.disp.Handle(src, bag)
	for _, out := range outs {
		p.forwardOutgoing(out)
	}
	if len(outs) > 0 {
		// Placement consumed child capacity; the joined summary may have
		// moved enough to be worth re-publishing (§4.2 step 6).
		p.maybePublishSummary()
	}
}

func (p *Peer) forwardOutgoing(out dispatcher.Outgoing) {
	var (
		to address.Address
		ok bool
	)
	switch out.Target {
	case dispatcher.TargetLeft:
		to, ok = p.node.Child(overlay.Left)
	case dispatcher.TargetRight:
		to, ok = p.node.Child(overlay.Right)
	case dispatcher.TargetFather:
		to, ok = p.node.Father()
	}
	if !ok {
		p.log.Warn("dispatcher produced an outgoing bag with no live target", "target", out.Target)
		return
	}
	p.send(to, wire.KindTaskBag, out.Bag)
}

func (p *Peer) acceptBagAsLeaf(src address.Address, bag wire.TaskBag) {
	accepted := p.sched.AcceptBag(bag, bag.Req.MinMemory, bag.Req.MinDisk, bag.Req.Length, bag.Req.Deadline)
	p.armCompletionTimer()
	if accepted == 0 {
		return
	}

	key := execKey{Requester: bag.Requester, RequestID: bag.RequestID}
	p.executing[key] += accepted
	p.lastSeen[bag.Requester] = time.Now()
	p.armHeartbeat(key)

	for idx := bag.FirstTask; idx < bag.FirstTask+accepted; idx++ {
		p.taskRequester[scheduler.TaskKey{RequestID: bag.RequestID, TaskIndex: idx}] = bag.Requester
	}

	p.send(bag.Requester, wire.KindTaskAccepted, wire.TaskAccepted{
		Executor:       p.self,
		RequestID:      bag.RequestID,
		FirstLocalTask: bag.FirstTask,
		LastLocalTask:  bag.FirstTask + accepted - 1,
	})
	p.maybePublishSummary()
}

// AbortLocalTask stops a locally queued or running task, notifying its
// submitter. Exposed for the resource-reclaim trigger §4.1 describes as an
// external collaborator: whatever observes reclaimed capacity calls this.
func (p *Peer) AbortLocalTask(key scheduler.TaskKey) bool {
	if p.sched == nil || !p.sched.Abort(key) {
		return false
	}
	requester, ok := p.taskRequester[key]
	delete(p.taskRequester, key)
	if ok {
		ek := execKey{Requester: requester, RequestID: key.RequestID}
		if p.executing[ek] > 0 {
			p.executing[ek]--
		}
		p.send(requester, wire.KindTaskAborted, wire.TaskAborted{
			Executor:  p.self,
			RequestID: key.RequestID,
			LocalTask: key.TaskIndex,
		})
	}
	p.armCompletionTimer()
	p.maybePublishSummary()
	return true
}

// --- Leaf execution tick -------------------------------------------------

func (p *Peer) armCompletionTimer() {
	if p.haveCompletion {
		p.timers.Cancel(p.completionTimer)
		p.haveCompletion = false
	}
	length, power, ok := p.sched.HeadRemaining()
	if !ok || power <= 0 {
		return
	}
	p.lastTickAt = time.Now()
	p.completionTimer = p.timers.After(time.Duration(length/power*float64(time.Second)), taskTickEvent{})
	p.haveCompletion = true
}

func (p *Peer) handleTaskTick() {
	p.haveCompletion = false
	now := time.Now()
	elapsed := now.Sub(p.lastTickAt)
	finished := p.sched.Tick(elapsed)
	p.lastTickAt = now

	for _, key := range finished {
		requester, ok := p.taskRequester[key]
		delete(p.taskRequester, key)
		if !ok {
			continue
		}
		ek := execKey{Requester: requester, RequestID: key.RequestID}
		if p.executing[ek] > 0 {
			p.executing[ek]--
		}
		p.send(requester, wire.KindTaskFinished, wire.TaskFinished{
			Executor:  p.self,
			RequestID: key.RequestID,
			LocalTask: key.TaskIndex,
		})
	}
	p.armCompletionTimer()
	p.maybePublishSummary()
}

// --- Heartbeats and dead-node detection ---------------------------------

func (p *Peer) armHeartbeat(key execKey) {
	if _, scheduled := p.heartbeatOn[key]; scheduled {
		return
	}
	p.heartbeatOn[key] = p.timers.After(p.cfg.Heartbeat, heartbeatEvent{key})
}

func (p *Peer) handleHeartbeatTimer(key execKey) {
	delete(p.heartbeatOn, key)
	remaining := p.executing[key]
	if remaining == 0 {
		delete(p.executing, key)
		return
	}
	p.send(key.Requester, wire.KindHeartbeat, wire.Heartbeat{RequestID: key.RequestID, Remaining: remaining})
	p.heartbeatOn[key] = p.timers.After(p.cfg.Heartbeat, heartbeatEvent{key})
}

type deadSweepEvent struct{}

func (p *Peer) armDeadSweep() {
	p.timers.After(p.cfg.Heartbeat, deadSweepEvent{})
}

func (p *Peer) handleDeadSweep() {
	deadAfter := p.cfg.DeadAfter
	if deadAfter <= 0 {
		deadAfter = 3 * p.cfg.Heartbeat
	}
	now := time.Now()
	for host, seen := range p.lastSeen {
		if now.Sub(seen) > deadAfter {
			delete(p.lastSeen, host)
			if n := p.sub.DeadNode(host); n > 0 {
				p.log.Info("peer marked dead, reverted its tasks to ready", "host", host, "tasks", n)
			}
		}
	}
	p.armDeadSweep()
}

// --- Submission: release and retry --------------------------------------

func (p *Peer) handleDispatchCommand(cmd wire.DispatchCommand) {
	instID, err := p.sub.CreateInstance(cmd.AppName, cmd.Deadline)
	if err != nil {
		p.log.Warn("could not release instance", "app", cmd.AppName, "err", err)
		return
	}
	p.instances = append(p.instances, instID)
	p.releaseInstance(instID)
}

func (p *Peer) releaseInstance(instanceID string) {
	req, ok := p.sub.BuildRequestFromReady(instanceID)
	if !ok {
		return
	}
	timeout := p.cfg.Retry.BaseReqTimeout
	p.sub.StartSearch(req.ID, timeout)
	p.scheduleRequestTimeout(req.ID, timeout)

	bag, ok := p.sub.BuildBag(req.ID, p.self)
	if !ok {
		return
	}
	bag.FromEN = true
	p.routeOriginatingBag(bag)
}

func (p *Peer) scheduleRequestTimeout(reqID uint64, timeout time.Duration) {
	p.timers.After(timeout, wire.RequestTimeout{RequestID: reqID})
}

// routeOriginatingBag sends a freshly built bag toward the father, the only
// node that can decide how to split it (§4's "release at a leaf, route
// upward first" shape); a leaf never dispatches itself. A rootless,
// single-node deployment has nowhere to route to, so it is handled
// locally as a degenerate case.
func (p *Peer) routeOriginatingBag(bag wire.TaskBag) {
	if father, ok := p.node.Father(); ok {
		p.send(father, wire.KindTaskBag, bag)
		return
	}
	p.handleTaskBag(p.self, bag)
}

func (p *Peer) handleRequestTimeout(t wire.RequestTimeout) {
	result := p.sub.HandleTimeout(t.RequestID)
	if result.Exhausted {
		p.log.Warn("submission retries exhausted", "requestId", t.RequestID)
		return
	}
	p.sub.StartSearch(result.Request.ID, result.NewTimeout)
	p.scheduleRequestTimeout(result.Request.ID, result.NewTimeout)

	bag, ok := p.sub.BuildBag(result.Request.ID, p.self)
	if !ok {
		return
	}
	bag.FromEN = true
	p.routeOriginatingBag(bag)
}

func (p *Peer) armReaper() {
	p.timers.After(p.cfg.Heartbeat, reaperEvent{})
	p.armDeadSweep()
}

// handleReaper periodically re-releases any Ready tasks not already part
// of an active request: the catch-all that picks up tasks freed by an
// abort or a dead-node revert without requiring every such event to
// immediately rebuild a request itself (scenario 5 of §8: "next
// build-request emits a new TaskBag").
func (p *Peer) handleReaper() {
	for _, id := range p.instances {
		if p.sub.NumReady(id) > 0 {
			p.releaseInstance(id)
		}
	}
	p.timers.After(p.cfg.Heartbeat, reaperEvent{})
}

func (p *Peer) handleTaskAccepted(src address.Address, msg wire.TaskAccepted) {
	if n := p.sub.AcceptedTasks(src, msg.RequestID, msg.FirstLocalTask, msg.LastLocalTask); n > 0 {
		p.lastSeen[src] = time.Now()
	}
}

// --- Availability propagation --------------------------------------------

func (p *Peer) handleAvailabilityUpdate(src address.Address, msg wire.AvailabilityUpdate) {
	if !p.recv.Accept(src.String(), msg) {
		return
	}
	summary, err := availability.Decode(msg.Policy, msg.Summary)
	if err != nil {
		p.log.Warn("could not decode availability update", "from", src, "err", err)
		return
	}
	if p.disp == nil {
		// A leaf's only link is its father; what arrives on it is the
		// "rest of the tree" view, kept for introspection.
		if father, ok := p.node.Father(); ok && src.Equal(father) {
			p.restOfTree = summary
		}
		return
	}

	if father, ok := p.node.Father(); ok && src.Equal(father) {
		p.disp.OnFatherSummary(summary)
	} else if left, ok := p.node.Child(overlay.Left); ok && src.Equal(left) {
		p.disp.OnChildSummary(overlay.Left, summary)
	} else if right, ok := p.node.Child(overlay.Right); ok && src.Equal(right) {
		p.disp.OnChildSummary(overlay.Right, summary)
	} else {
		p.log.Warn("availability update from a peer that is neither our father nor our child", "from", src)
		return
	}
	p.maybePublishSummary()
	p.publishDownward()
}

// publishDownward sends each child whose derived "rest of the tree" view
// changed a fresh AvailabilityUpdate (§4.2's onFatherSummary contract:
// derived summary = join(father, other-child)). Downward updates carry
// their own per-link monotone sequence so the child's receiver can apply
// its non-increasing filter per sender as usual.
func (p *Peer) publishDownward() {
	for _, u := range p.disp.DownwardUpdates(p.cfg.PublishThreshold) {
		child, ok := p.node.Child(u.Side)
		if !ok {
			continue
		}
		body, err := msgpack.Marshal(u.Summary)
		if err != nil {
			p.log.Warn("could not encode downward availability update", "side", u.Side, "err", err)
			continue
		}
		p.downSeq[u.Side]++
		p.send(child, wire.KindAvailabilityUpdate, wire.AvailabilityUpdate{
			Policy:   u.Summary.Policy(),
			Summary:  body,
			Sequence: p.downSeq[u.Side],
		})
	}
}

func (p *Peer) maybePublishSummary() {
	father, hasFather := p.node.Father()
	if !hasFather {
		return
	}

	var summary availability.Summary
	if p.sched != nil {
		summary = p.sched.CurrentSummary(p.cfg.SlownessSlope, p.cfg.DeadlineHorizon)
	} else {
		summary = p.disp.Joined()
		if summary == nil {
			return
		}
	}

	update, delay, ok, err := p.pub.Offer(summary, time.Now())
	if err != nil {
		p.log.Warn("could not encode availability update", "err", err)
		return
	}
	if !ok {
		return
	}
	if delay <= 0 {
		p.send(father, wire.KindAvailabilityUpdate, update)
		return
	}
	p.timers.After(delay, publishEvent{update})
}

// --- Transport ------------------------------------------------------------

func (p *Peer) send(to address.Address, kind wire.Kind, v any) {
	env, err := wire.Pack(p.self.Port, kind, v)
	if err != nil {
		p.log.Warn("could not encode outgoing message", "kind", kind, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()
	if err := p.sender.Send(ctx, to, env); err != nil {
		p.log.Warn("send failed", "to", to, "kind", kind, "err", err)
		// §7's Transport policy: an unreachable peer that still holds
		// Executing tasks of ours is escalated to deadNode.
		if n := p.sub.DeadNode(to); n > 0 {
			delete(p.lastSeen, to)
			p.log.Info("unreachable host held executing tasks, reverted to ready", "host", to, "tasks", n)
		}
	}
}
