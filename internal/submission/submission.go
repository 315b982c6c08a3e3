// Package submission implements the per-submitter bookkeeping of §4.4: the
// Submission Manager. Every STaRS peer runs one Manager for the
// applications it submits, tracking each RemoteTask's lifecycle
// (Ready → Searching → Executing → Finished), the Requests bundling tasks
// for routing, and the retry policy applied when a search times out.
//
// Grounded on the original TaskBagAppDatabase, which owns exactly this
// state (applications, instances, requests, the requestId → instance
// reverse index) on the submitter side; the cyclic submitter↔executor
// reference is avoided the way §9 prescribes, by storing the executing
// host as an address.Address value rather than a pointer back to the
// executor's own state.
package submission

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/staerr"
	"github.com/jcelaya/stars/internal/wire"
)

// RemoteTaskState is one task's lifecycle as observed from the submitter
// (§3's RemoteTask).
type RemoteTaskState int

const (
	Ready RemoteTaskState = iota
	Searching
	Executing
	Finished
)

func (s RemoteTaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Searching:
		return "searching"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// RemoteTask is the submitter-side view of one application-instance task.
type RemoteTask struct {
	Index   uint32
	State   RemoteTaskState
	Host    address.Address
	request *Request
	localID uint32
}

// Request bundles a set of Ready tasks released together for routing. The
// request-local id ↔ RemoteTask mapping lets acceptedTasks/finishedTask/
// abortedTask address a task without knowing its global instance index.
type Request struct {
	ID             uint64
	InstanceID     string
	ReleaseTime    time.Time
	LastActivity   time.Time
	Attempt        int
	slots          map[uint32]*RemoteTask
	accepted       int
	acceptingHosts map[address.Address]struct{}
}

// NumTasks is the number of slots this request still tracks (slots removed
// by cancellation or host death are no longer counted).
func (r *Request) NumTasks() int { return len(r.slots) }

// Accepted is the count of slots that have reached Executing under this
// request.
func (r *Request) Accepted() int { return r.accepted }

// AcceptingHosts is the set of distinct hosts that have accepted at least
// one task from this request.
func (r *Request) AcceptingHosts() []address.Address {
	out := make([]address.Address, 0, len(r.acceptingHosts))
	for h := range r.acceptingHosts {
		out = append(out, h)
	}
	return out
}

// ApplicationInstance is one released job: a TaskDescription template plus
// the vector of RemoteTasks it allocated and the Requests routing them.
type ApplicationInstance struct {
	ID          string
	AppName     string
	Description wire.TaskDescription
	Created     time.Time
	Tasks       []*RemoteTask
	requests    map[uint64]*Request
}

// IsFinished reports whether every task in the instance has reached
// Finished.
func (a *ApplicationInstance) IsFinished() bool {
	for _, t := range a.Tasks {
		if t.State != Finished {
			return false
		}
	}
	return true
}

func (a *ApplicationInstance) count(state RemoteTaskState) int {
	n := 0
	for _, t := range a.Tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// RetryPolicy configures §4.4's search-timeout retry behavior.
type RetryPolicy struct {
	MaxRetries     int
	TimeoutGrowth  float64 // multiplier applied to the request timeout on each retry
	BaseReqTimeout time.Duration
}

// Manager is one submitter's bookkeeping: applications, instances,
// requests, and the retry policy applied on search timeout. Safe for
// concurrent use; every peer runs exactly one Manager on its single event
// loop, but the lock keeps it safe if ever called from elsewhere (e.g. a
// persistence snapshot goroutine).
type Manager struct {
	mu sync.Mutex

	log hclog.Logger

	apps      map[string]wire.TaskDescription
	instances map[string]*ApplicationInstance
	requests  map[uint64]*Request // reverse index: requestId -> Request

	nextRequestID uint64
	retry         RetryPolicy
}

// New creates an empty Manager.
func New(log hclog.Logger, retry RetryPolicy) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{
		log:       log.Named("submission"),
		apps:      make(map[string]wire.TaskDescription),
		instances: make(map[string]*ApplicationInstance),
		requests:  make(map[uint64]*Request),
		retry:     retry,
	}
}

// CreateApp registers an application template, failing if name already
// exists.
func (m *Manager) CreateApp(name string, desc wire.TaskDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.apps[name]; exists {
		return staerr.New(staerr.KindProtocolState, fmt.Sprintf("application %q already exists", name))
	}
	m.apps[name] = desc
	return nil
}

// CreateInstance allocates a new ApplicationInstance for app name with the
// given absolute deadline, along with N Ready RemoteTasks.
func (m *Manager) CreateInstance(name string, deadline time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, ok := m.apps[name]
	if !ok {
		return "", staerr.New(staerr.KindProtocolState, fmt.Sprintf("unknown application %q", name))
	}
	desc.Deadline = deadline

	id := uuid.NewString()
	inst := &ApplicationInstance{
		ID:          id,
		AppName:     name,
		Description: desc,
		Created:     time.Now(),
		Tasks:       make([]*RemoteTask, desc.NumTasks),
		requests:    make(map[uint64]*Request),
	}
	for i := range inst.Tasks {
		inst.Tasks[i] = &RemoteTask{Index: uint32(i), State: Ready}
	}
	m.instances[id] = inst
	m.log.Info("instance created", "instanceId", id, "app", name, "tasks", desc.NumTasks)
	return id, nil
}

// BuildRequestFromReady collects every Ready RemoteTask of instanceID into
// a new Request with a monotone id. The tasks stay Ready until StartSearch
// is called; returns false if there were no Ready tasks to collect.
func (m *Manager) BuildRequestFromReady(instanceID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, false
	}
	return m.buildRequestLocked(inst, 0)
}

func (m *Manager) buildRequestLocked(inst *ApplicationInstance, attempt int) (*Request, bool) {
	m.nextRequestID++
	req := &Request{
		ID:             m.nextRequestID,
		InstanceID:     inst.ID,
		Attempt:        attempt,
		slots:          make(map[uint32]*RemoteTask),
		acceptingHosts: make(map[address.Address]struct{}),
	}
	var localID uint32
	for _, t := range inst.Tasks {
		if t.State != Ready {
			continue
		}
		t.request = req
		t.localID = localID
		req.slots[localID] = t
		localID++
	}
	if len(req.slots) == 0 {
		m.nextRequestID--
		return nil, false
	}
	inst.requests[req.ID] = req
	m.requests[req.ID] = req
	return req, true
}

// StartSearch transitions every Ready slot of req to Searching and stamps
// its release/last-activity times. The caller is responsible for arming
// the request_timeout timer; StartSearch only updates state.
func (m *Manager) StartSearch(reqID uint64, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return false
	}
	now := time.Now()
	req.ReleaseTime = now
	req.LastActivity = now
	for _, t := range req.slots {
		if t.State == Ready {
			t.State = Searching
		}
	}
	m.log.Debug("search started", "requestId", reqID, "tasks", len(req.slots), "timeout", timeout)
	return true
}

// CancelSearch reverts every still-Searching slot of reqID to Ready and
// detaches it from the request, returning the count reverted.
func (m *Manager) CancelSearch(reqID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return 0
	}
	return m.cancelSearchLocked(req)
}

func (m *Manager) cancelSearchLocked(req *Request) int {
	n := 0
	for id, t := range req.slots {
		if t.State == Searching {
			t.State = Ready
			detach(t)
			delete(req.slots, id)
			n++
		}
	}
	return n
}

// AcceptedTasks records that src accepted [firstLocal, lastLocal] of reqID.
// Ids outside the request's range, or whose slot is no longer Searching,
// are ignored with a warning; the function still returns the count that
// did succeed.
func (m *Manager) AcceptedTasks(src address.Address, reqID uint64, firstLocal, lastLocal uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		m.log.Warn("acceptedTasks for unknown request", "requestId", reqID, "src", src)
		return 0
	}
	n := 0
	for id := firstLocal; id <= lastLocal; id++ {
		t, ok := req.slots[id]
		if !ok || t.State != Searching {
			m.log.Warn("acceptedTasks: ignoring stale/out-of-range slot", "requestId", reqID, "localId", id)
			continue
		}
		t.State = Executing
		t.Host = src
		req.accepted++
		req.acceptingHosts[src] = struct{}{}
		n++
	}
	req.LastActivity = time.Now()
	return n
}

// FinishedTask transitions one Executing task to Finished if src is still
// its recorded host; a second call for the same task returns false
// (idempotent-safe per §8).
func (m *Manager) FinishedTask(src address.Address, reqID uint64, localID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return false
	}
	t, ok := req.slots[localID]
	if !ok || t.State != Executing || !t.Host.Equal(src) {
		return false
	}
	t.State = Finished
	detach(t)
	delete(req.slots, localID)
	return true
}

// AbortedTask transitions one Executing task back to Ready if src is still
// its recorded host, detaching it from the request.
func (m *Manager) AbortedTask(src address.Address, reqID uint64, localID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return false
	}
	t, ok := req.slots[localID]
	if !ok || t.State != Executing || !t.Host.Equal(src) {
		return false
	}
	t.State = Ready
	detach(t)
	delete(req.slots, localID)
	return true
}

// DeadNode reverts every RemoteTask across every instance currently
// Executing on addr back to Ready and detaches it from its request,
// returning the count reverted.
func (m *Manager) DeadNode(addr address.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inst := range m.instances {
		for _, t := range inst.Tasks {
			if t.State == Executing && t.Host.Equal(addr) {
				t.State = Ready
				if t.request != nil {
					delete(t.request.slots, t.localID)
				}
				detach(t)
				n++
			}
		}
	}
	if n > 0 {
		m.log.Info("dead node reverted tasks to ready", "addr", addr, "count", n)
	}
	return n
}

// detach clears a task's request back-pointer without touching the
// request's slot map (callers that already mutated req.slots call this
// directly; others route through cancelSearchLocked/FinishedTask/etc.).
func detach(t *RemoteTask) {
	t.request = nil
	t.localID = 0
	t.Host = address.Address{}
}

// IsInstanceFinished reports whether every task of instanceID is Finished.
func (m *Manager) IsInstanceFinished(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return ok && inst.IsFinished()
}

// ReleaseTime returns the creation time of instanceID.
func (m *Manager) ReleaseTime(instanceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return time.Time{}, false
	}
	return inst.Created, true
}

// NumReady, NumExecuting, NumFinished and NumInProcess are the §4.4
// counters over one instance's tasks. NumInProcess counts Searching plus
// Executing: tasks that are no longer idle but have not yet finished.
func (m *Manager) NumReady(instanceID string) int     { return m.count(instanceID, Ready) }
func (m *Manager) NumExecuting(instanceID string) int { return m.count(instanceID, Executing) }
func (m *Manager) NumFinished(instanceID string) int  { return m.count(instanceID, Finished) }

func (m *Manager) NumInProcess(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return 0
	}
	return inst.count(Searching) + inst.count(Executing)
}

func (m *Manager) count(instanceID string, state RemoteTaskState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return 0
	}
	return inst.count(state)
}

// GetInstanceID is the reverse lookup a peer needs to demultiplex an
// inbound TaskAccepted/TaskFinished/TaskAborted message (which only
// carries a requestId) back to the ApplicationInstance it belongs to.
// Grounded on the original TaskBagAppDatabase::getInstanceId.
func (m *Manager) GetInstanceID(reqID uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return "", false
	}
	return req.InstanceID, true
}

// BuildBag turns a just-built Request into the wire.TaskBag a peer sends
// into the overlay to start its search: FirstTask/LastTask span the
// request's local task ids 0..N-1 exactly as BuildRequestFromReady
// assigned them, so the leaf that eventually accepts a sub-range can
// report back using the same local ids the Request already indexes by.
func (m *Manager) BuildBag(reqID uint64, self address.Address) (wire.TaskBag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return wire.TaskBag{}, false
	}
	inst, ok := m.instances[req.InstanceID]
	if !ok {
		return wire.TaskBag{}, false
	}
	return wire.TaskBag{
		Requester: self,
		Req:       inst.Description,
		RequestID: req.ID,
		FirstTask: 0,
		LastTask:  uint32(len(req.slots)) - 1,
	}, true
}

// RetryResult is what HandleTimeout returns: either a fresh Request ready
// for StartSearch, or Exhausted set once submitRetries is used up.
type RetryResult struct {
	Request    *Request
	NewTimeout time.Duration
	Exhausted  bool
}

// HandleTimeout implements §4.4's retry policy: cancel the search, collect
// the now-Ready tasks into a fresh Request, and grow the per-request
// timeout by TimeoutGrowth, up to MaxRetries attempts. Once exhausted, the
// caller must surface job failure; the instance's own deadline is never
// touched (only the search timeout grows, scenario 6 of §8).
func (m *Manager) HandleTimeout(reqID uint64) RetryResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[reqID]
	if !ok {
		return RetryResult{Exhausted: true}
	}
	inst := m.instances[req.InstanceID]
	attempt := req.Attempt
	m.cancelSearchLocked(req)
	delete(inst.requests, req.ID)
	delete(m.requests, req.ID)

	if attempt+1 > m.retry.MaxRetries {
		m.log.Warn("submit retries exhausted", "instanceId", inst.ID, "attempts", attempt+1)
		return RetryResult{Exhausted: true}
	}

	next, ok := m.buildRequestLocked(inst, attempt+1)
	if !ok {
		// Nothing left Ready (e.g. every task already reached another
		// request via a race); nothing to retry.
		return RetryResult{Exhausted: true}
	}
	growth := 1.0
	for i := 0; i < attempt+1; i++ {
		growth *= m.retry.TimeoutGrowth
	}
	timeout := time.Duration(float64(m.retry.BaseReqTimeout) * growth)
	return RetryResult{Request: next, NewTimeout: timeout}
}
