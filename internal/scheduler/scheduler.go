// Package scheduler implements the local, per-leaf scheduler (§4.1): the
// queue of tasks a single peer executes (arrival order under IB and MM,
// reordered behind the running head by Reschedule under DP and FSP), its
// resource accounting, and
// the translation from "what is queued right now" into the
// policy-tagged availability.Summary a peer reports upward.
//
// Grounded on the original SlaveLocalScheduler's simple run-to-completion
// queue; the mutex-guarded state-machine idiom is adapted from torua's
// internal/shard.Shard (RWMutex-protected struct with atomically-counted
// operation stats).
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jcelaya/stars/internal/availability"
	"github.com/jcelaya/stars/internal/staerr"
	"github.com/jcelaya/stars/internal/wire"
)

// TaskState is the lifecycle of one locally-queued task.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskFinished
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TaskKey identifies one task within a request.
type TaskKey struct {
	RequestID uint64
	TaskIndex uint32
}

// Task is one locally-queued unit of work.
type Task struct {
	Key        TaskKey
	MinMemory  uint64
	MinDisk    uint64
	Length     float64 // remaining compute units
	Deadline   time.Time
	State      TaskState
	QueuedTime time.Time

	// EstimatedSlowness is the slowness class the dispatcher assigned this
	// task when splitting its bag (§4.3's FSP variant, wire.TaskBag's
	// EstimatedSlowness field). Only meaningful under the FSP policy.
	EstimatedSlowness float64
}

// Stats counts terminal outcomes since the scheduler started, for
// diagnostics.
type Stats struct {
	Finished uint64
	Aborted  uint64
}

// Scheduler is one leaf's local queue plus the resource ceiling it runs
// within. It is safe for concurrent use; exported methods take the lock for
// their whole duration, matching the "serialize everything behind one
// mutex" idiom used throughout the teacher's storage layer, except Stats
// (atomic counters, no lock) and AcceptBag (which locks once per task and
// again to reorder, so the bag as a whole is not admitted atomically).
type Scheduler struct {
	mu sync.RWMutex

	log hclog.Logger

	policy       wire.PolicyTag
	totalMemory  uint64
	totalDisk    uint64
	power        float64 // compute units delivered per second
	queue        []*Task
	byKey        map[TaskKey]*Task
	reservedMem  uint64
	reservedDisk uint64

	finished atomic.Uint64
	aborted  atomic.Uint64
}

// New creates a scheduler for a leaf with the given static capacity.
func New(log hclog.Logger, policy wire.PolicyTag, totalMemory, totalDisk uint64, power float64) *Scheduler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Scheduler{
		log:         log.Named("scheduler"),
		policy:      policy,
		totalMemory: totalMemory,
		totalDisk:   totalDisk,
		power:       power,
		byKey:       make(map[TaskKey]*Task),
	}
}

// FreeMemory and FreeDisk report capacity not yet reserved by queued tasks.
func (s *Scheduler) FreeMemory() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalMemory - s.reservedMem
}

func (s *Scheduler) FreeDisk() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalDisk - s.reservedDisk
}

// QueueEnd is the time, in compute units divided by power, at which every
// currently queued task will have finished.
func (s *Scheduler) QueueEnd() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queueEndLocked()
}

func (s *Scheduler) queueEndLocked() float64 {
	var total float64
	for _, t := range s.queue {
		total += t.Length
	}
	if s.power <= 0 {
		return total
	}
	return total / s.power
}

// Accept admits one task into the local queue. It fails closed: a task
// that does not fit is rejected rather than silently oversubscribing the
// leaf (§4.1's acceptance contract). Under the MM policy, a task whose
// deadline precedes the time the current queue would otherwise drain is
// also rejected rather than accepted and silently run late — §9 resolves
// this under-specified case as "reject the bag" to avoid lying to
// submitters about when their tasks will actually run.
func (s *Scheduler) Accept(key TaskKey, minMemory, minDisk uint64, length float64, deadline time.Time, estimatedSlowness float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key]; exists {
		return nil // idempotent: duplicate TaskBag delivery is routine under retransmission
	}
	if minMemory > s.totalMemory-s.reservedMem || minDisk > s.totalDisk-s.reservedDisk {
		return staerr.New(staerr.KindResource, fmt.Sprintf("task %+v exceeds free capacity", key))
	}
	if s.policy == wire.PolicyMM && !deadline.IsZero() {
		projectedEnd := time.Now().Add(time.Duration(s.queueEndLocked() * float64(time.Second)))
		if deadline.Before(projectedEnd) {
			return staerr.New(staerr.KindResource,
				fmt.Sprintf("task %+v deadline %s precedes projected queue end %s", key, deadline, projectedEnd))
		}
	}

	t := &Task{
		Key:               key,
		MinMemory:         minMemory,
		MinDisk:           minDisk,
		Length:            length,
		Deadline:          deadline,
		State:             TaskQueued,
		QueuedTime:        time.Now(),
		EstimatedSlowness: estimatedSlowness,
	}
	s.queue = append(s.queue, t)
	s.byKey[key] = t
	s.reservedMem += minMemory
	s.reservedDisk += minDisk
	if len(s.queue) == 1 {
		t.State = TaskRunning
	}
	s.log.Debug("task accepted", "key", key, "length", length)
	return nil
}

// Abort removes a queued or running task without running it to completion.
func (s *Scheduler) Abort(key TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[key]
	if !ok || t.State == TaskFinished || t.State == TaskAborted {
		return false
	}
	t.State = TaskAborted
	s.removeFromQueueLocked(key)
	s.reservedMem -= t.MinMemory
	s.reservedDisk -= t.MinDisk
	s.aborted.Add(1)
	return true
}

func (s *Scheduler) removeFromQueueLocked(key TaskKey) {
	for i, t := range s.queue {
		if t.Key == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.byKey, key)
	if len(s.queue) > 0 {
		s.queue[0].State = TaskRunning
	}
}

// Tick advances the head-of-queue task by elapsed*power compute units and
// reports every task that finished as a result, in completion order. Only
// the head of the queue runs at a time: the leaf executes tasks
// sequentially, one at a time, matching the single-core scheduling model
// the policies' slowness math assumes.
func (s *Scheduler) Tick(elapsed time.Duration) []TaskKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := s.power * elapsed.Seconds()
	var finishedKeys []TaskKey
	for len(s.queue) > 0 && done > 0 {
		head := s.queue[0]
		if head.Length > done {
			head.Length -= done
			break
		}
		done -= head.Length
		head.Length = 0
		head.State = TaskFinished
		s.reservedMem -= head.MinMemory
		s.reservedDisk -= head.MinDisk
		s.finished.Add(1)
		finishedKeys = append(finishedKeys, head.Key)
		s.queue = s.queue[1:]
		if len(s.queue) > 0 {
			s.queue[0].State = TaskRunning
		}
		delete(s.byKey, head.Key)
	}
	return finishedKeys
}

// AcceptBag admits a whole wire.TaskBag against the bag-level predicate
// §4.1 specifies per policy, rather than requiring the caller to loop
// Accept task by task. IB, MM and FSP all accept tasks one at a time with
// no cross-task interaction, so the bag predicate there is just "try
// every task, keep going past individual rejections" (a bag almost never
// partially fits those policies in practice, since the dispatcher only
// routes what the advertised summary says fits, but a partial accept is
// still valid and reported accurately). DP is the one policy where
// whether a task fits depends on every other task sharing the same
// deadline horizon, so it gets its own admission-control pass.
//
// AcceptBag returns the count of newly accepted tasks and reschedules the
// queue once, after every admission decision, rather than once per task.
func (s *Scheduler) AcceptBag(bag wire.TaskBag, minMemory, minDisk uint64, length float64, deadline time.Time) uint32 {
	var accepted uint32
	if s.policy == wire.PolicyDP {
		accepted = s.acceptBagDP(bag, minMemory, minDisk, length, deadline)
	} else {
		for idx := bag.FirstTask; idx <= bag.LastTask; idx++ {
			key := TaskKey{RequestID: bag.RequestID, TaskIndex: idx}
			if err := s.Accept(key, minMemory, minDisk, length, deadline, bag.EstimatedSlowness); err != nil {
				s.log.Debug("bag task rejected", "key", key, "err", err)
				continue
			}
			accepted++
		}
	}
	s.Reschedule()
	return accepted
}

// acceptBagDP implements DP's "accept the largest deadline-feasible
// prefix" rule (§4.1): every task within one TaskBag shares the same
// TaskDescription and therefore the same deadline, so the prefix
// computation reduces to "how many of this bag's interchangeable tasks
// fit, in deadline order, ahead of anything already queued with a later
// deadline and behind anything queued with an earlier one". Tasks
// already in the queue with an earlier-or-equal deadline must run first
// and their length counts against the new tasks' budget; tasks queued
// with a strictly later deadline are assumed to get pushed behind the
// new arrivals once Reschedule reorders the queue, so they do not count
// against this bag's budget.
func (s *Scheduler) acceptBagDP(bag wire.TaskBag, minMemory, minDisk uint64, length float64, deadline time.Time) uint32 {
	s.mu.RLock()
	var ahead float64
	for _, t := range s.queue {
		if t.Deadline.IsZero() || !t.Deadline.After(deadline) {
			ahead += t.Length
		}
	}
	power := s.power
	s.mu.RUnlock()
	if power <= 0 || length <= 0 {
		return 0
	}

	budgetSeconds := time.Until(deadline).Seconds()*power - ahead
	if budgetSeconds < 0 {
		budgetSeconds = 0
	}
	maxNew := uint32(budgetSeconds / length)
	if n := bag.NumTasks(); maxNew > n {
		maxNew = n
	}

	var accepted uint32
	for idx := bag.FirstTask; idx < bag.FirstTask+maxNew && idx <= bag.LastTask; idx++ {
		key := TaskKey{RequestID: bag.RequestID, TaskIndex: idx}
		if err := s.Accept(key, minMemory, minDisk, length, deadline, bag.EstimatedSlowness); err != nil {
			s.log.Debug("DP bag task rejected", "key", key, "err", err)
			continue
		}
		accepted++
	}
	return accepted
}

// Reschedule restores the queue's policy-defined order (§4.1): idempotent
// and cheap enough to call after every mutation. The head of the queue is
// left untouched regardless of policy, since it is already running and
// §5's event loop never preempts a task mid-execution; only the pending
// tail is reordered.
//
// IB and MM both run tasks in arrival order (neither accounts for
// per-task deadlines once admitted), so their reschedule is a no-op. DP
// runs the earliest deadline first. FSP orders ascending by the slowness
// class the dispatcher assigned each task's bag, tying on QueuedTime
// (arrival/creation order), matching §4.1's "ascending by current
// slowness class; within class, by creation order".
func (s *Scheduler) Reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) <= 2 {
		return
	}
	tail := s.queue[1:]
	switch s.policy {
	case wire.PolicyDP:
		sort.SliceStable(tail, func(i, j int) bool {
			return tail[i].Deadline.Before(tail[j].Deadline)
		})
	case wire.PolicyFSP:
		sort.SliceStable(tail, func(i, j int) bool {
			if tail[i].EstimatedSlowness != tail[j].EstimatedSlowness {
				return tail[i].EstimatedSlowness < tail[j].EstimatedSlowness
			}
			return tail[i].QueuedTime.Before(tail[j].QueuedTime)
		})
	}
}

// Stats returns the cumulative finished/aborted counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Finished: s.finished.Load(), Aborted: s.aborted.Load()}
}

// HeadRemaining reports the running task's remaining length and this
// leaf's power, so a caller can compute how long to wait before the next
// tick is due. ok is false when the queue is empty.
func (s *Scheduler) HeadRemaining() (length, power float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.queue) == 0 {
		return 0, 0, false
	}
	return s.queue[0].Length, s.power, true
}

// QueueLength reports the number of tasks currently queued, used by the
// FSP policy's tasks-per-node accounting.
func (s *Scheduler) QueueLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// CurrentSummary builds the availability.Summary this leaf should report
// upward, in the shape its configured policy expects.
func (s *Scheduler) CurrentSummary(slownessSlope float64, deadlineHorizon float64) availability.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	freeMem := s.totalMemory - s.reservedMem
	freeDisk := s.totalDisk - s.reservedDisk
	queueEnd := s.queueEndLocked()

	switch s.policy {
	case wire.PolicyIB:
		return availability.NewIB(freeMem, freeDisk, s.power)
	case wire.PolicyMM:
		return availability.NewMMLeaf(freeMem, freeDisk, queueEnd)
	case wire.PolicyDP:
		available := s.power * deadlineHorizon
		if available < 0 {
			available = 0
		}
		return availability.NewDPLeaf(freeMem, freeDisk, available, deadlineHorizon)
	case wire.PolicyFSP:
		return availability.NewFSPLeaf(uint32(len(s.queue)), slownessSlope)
	default:
		return availability.NewIB(freeMem, freeDisk, s.power)
	}
}
