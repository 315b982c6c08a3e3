// Package wire defines the typed messages that cross a peer boundary (§6 of
// the specification) and their binary, length-delimited, schema-evolvable
// encoding.
//
// Every message is msgpack-encoded, the same wire format the original STaRS
// C++ implementation uses throughout (CommAddress::msgpack_pack,
// ZoneDescription's MSGPACK_DEFINE, …): msgpack is compact, self-describing
// enough to add fields later without breaking older readers, and needs no
// code generation step.
package wire

import (
	"time"

	"github.com/jcelaya/stars/internal/address"
)

// PolicyTag identifies which availability-summary algebra a peer runs.
// All peers in one deployment must agree on a single tag (§6 config table).
type PolicyTag uint8

const (
	PolicyIB PolicyTag = iota
	PolicyMM
	PolicyDP
	PolicyFSP
)

func (p PolicyTag) String() string {
	switch p {
	case PolicyIB:
		return "IB"
	case PolicyMM:
		return "MM"
	case PolicyDP:
		return "DP"
	case PolicyFSP:
		return "FSP"
	default:
		return "unknown"
	}
}

// TaskDescription holds the static, per-application requirements that never
// change after the owning ApplicationInstance is created (§3).
type TaskDescription struct {
	MinMemory   uint64    `msgpack:"mem"`
	MinDisk     uint64    `msgpack:"disk"`
	NumTasks    uint32    `msgpack:"numTasks"`
	Length      float64   `msgpack:"length"` // compute units per task
	InputBytes  uint64    `msgpack:"in"`
	OutputBytes uint64    `msgpack:"out"`
	Deadline    time.Time `msgpack:"deadline"`
}

// TaskBag is a routing message carrying a contiguous range of a request's
// tasks [FirstTask, LastTask] down (or up) the overlay. EstimatedSlowness
// is only meaningful under the FSP policy; it is left at its zero value
// otherwise.
type TaskBag struct {
	Requester          address.Address `msgpack:"requester"`
	Req                TaskDescription `msgpack:"req"`
	RequestID          uint64          `msgpack:"requestId"`
	FirstTask          uint32          `msgpack:"firstTask"`
	LastTask           uint32          `msgpack:"lastTask"`
	EstimatedSlowness  float64         `msgpack:"slowness,omitempty"`
	ForEN              bool            `msgpack:"forEN"`
	FromEN             bool            `msgpack:"fromEN"`
}

// NumTasks is the count of task indices this bag carries.
func (b TaskBag) NumTasks() uint32 {
	if b.LastTask < b.FirstTask {
		return 0
	}
	return b.LastTask - b.FirstTask + 1
}

// Clone returns a copy of b with a new [first, last] task range, as used
// when the dispatcher splits a bag across its children (§4.2 step 5).
func (b TaskBag) Clone(first, last uint32, forEN, fromEN bool) TaskBag {
	c := b
	c.FirstTask = first
	c.LastTask = last
	c.ForEN = forEN
	c.FromEN = fromEN
	return c
}

// TaskAccepted reports that the executing leaf has queued [FirstLocalTask,
// LastLocalTask] from a request.
type TaskAccepted struct {
	Executor       address.Address `msgpack:"executor"`
	RequestID      uint64          `msgpack:"requestId"`
	FirstLocalTask uint32          `msgpack:"firstLocalTask"`
	LastLocalTask  uint32          `msgpack:"lastLocalTask"`
}

// TaskFinished reports that one task completed execution.
type TaskFinished struct {
	Executor  address.Address `msgpack:"executor"`
	RequestID uint64          `msgpack:"requestId"`
	LocalTask uint32          `msgpack:"localTask"`
}

// TaskAborted reports that one task was aborted before completion.
type TaskAborted struct {
	Executor  address.Address `msgpack:"executor"`
	RequestID uint64          `msgpack:"requestId"`
	LocalTask uint32          `msgpack:"localTask"`
}

// AvailabilityUpdate carries a serialized AvailabilitySummary upward.
// Sequence is monotone per sender; a receiver must ignore any update whose
// Sequence does not strictly increase over the last one it accepted.
type AvailabilityUpdate struct {
	Policy   PolicyTag `msgpack:"policy"`
	Summary  []byte    `msgpack:"summary"`
	Sequence uint64    `msgpack:"sequence"`
}

// Heartbeat is sent by an executor to a submitter every `heartbeat` seconds
// while it still has tasks from that submitter's request in flight.
// RequestID is what the executor actually knows (a TaskBag never carries the
// submitter's internal instance id); the submitter recovers the instance
// via its own requestId → instance reverse index.
type Heartbeat struct {
	RequestID uint64 `msgpack:"requestId"`
	Remaining uint32 `msgpack:"remaining"`
}

// DispatchCommand is a local event (never sent on the wire to another peer)
// that asks the submission manager to release a new application instance.
type DispatchCommand struct {
	AppName  string    `msgpack:"appName"`
	Deadline time.Time `msgpack:"deadline"`
}

// RequestTimeout is a local timer event: the Request with RequestID has
// been Searching for longer than request_timeout seconds.
type RequestTimeout struct {
	RequestID uint64
}
