package scheduler

import (
	"testing"
	"time"

	"github.com/jcelaya/stars/internal/wire"
)

func TestAcceptRejectsWhenOverCapacity(t *testing.T) {
	s := New(nil, wire.PolicyIB, 100, 100, 1.0)
	if err := s.Accept(TaskKey{1, 0}, 50, 50, 10, time.Time{}, 0); err != nil {
		t.Fatalf("expected first task to fit: %v", err)
	}
	if err := s.Accept(TaskKey{1, 1}, 80, 10, 10, time.Time{}, 0); err == nil {
		t.Fatal("expected rejection: memory exceeds remaining capacity")
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	s := New(nil, wire.PolicyIB, 100, 100, 1.0)
	key := TaskKey{1, 0}
	if err := s.Accept(key, 10, 10, 5, time.Time{}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(key, 10, 10, 5, time.Time{}, 0); err != nil {
		t.Fatalf("duplicate accept should be a silent no-op, got %v", err)
	}
	if s.QueueLength() != 1 {
		t.Fatalf("expected exactly one queued task, got %d", s.QueueLength())
	}
}

func TestTickFinishesTasksInOrder(t *testing.T) {
	s := New(nil, wire.PolicyIB, 100, 100, 2.0) // power=2 units/sec
	s.Accept(TaskKey{1, 0}, 10, 10, 4, time.Time{}, 0)
	s.Accept(TaskKey{1, 1}, 10, 10, 6, time.Time{}, 0)

	done := s.Tick(2 * time.Second) // delivers 4 units: finishes task 0 exactly
	if len(done) != 1 || done[0] != (TaskKey{1, 0}) {
		t.Fatalf("expected task 0 to finish, got %+v", done)
	}
	if s.QueueLength() != 1 {
		t.Fatalf("expected one task remaining, got %d", s.QueueLength())
	}

	done = s.Tick(3 * time.Second) // delivers 6 units: finishes task 1 exactly
	if len(done) != 1 || done[0] != (TaskKey{1, 1}) {
		t.Fatalf("expected task 1 to finish, got %+v", done)
	}
	if s.QueueLength() != 0 {
		t.Fatal("expected the queue to be empty")
	}
}

func TestAbortFreesCapacity(t *testing.T) {
	s := New(nil, wire.PolicyIB, 100, 100, 1.0)
	key := TaskKey{1, 0}
	s.Accept(key, 40, 40, 100, time.Time{}, 0)
	if got := s.FreeMemory(); got != 60 {
		t.Fatalf("expected 60 free memory after accept, got %d", got)
	}
	if !s.Abort(key) {
		t.Fatal("expected abort to succeed")
	}
	if got := s.FreeMemory(); got != 100 {
		t.Fatalf("expected capacity restored after abort, got %d", got)
	}
}

func TestMMRejectsTaskThatWouldMissDeadline(t *testing.T) {
	s := New(nil, wire.PolicyMM, 100, 100, 1.0) // power=1 unit/sec
	s.Accept(TaskKey{1, 0}, 10, 10, 100, time.Time{}, 0)
	past := time.Now().Add(10 * time.Second) // queue drains in ~100s, this deadline is far sooner
	if err := s.Accept(TaskKey{1, 1}, 10, 10, 5, past, 0); err == nil {
		t.Fatal("expected MM to reject a task whose deadline precedes the projected queue end")
	}
}

func TestCurrentSummaryMatchesConfiguredPolicy(t *testing.T) {
	s := New(nil, wire.PolicyMM, 100, 100, 1.0)
	sum := s.CurrentSummary(0, 0)
	if sum.Policy() != wire.PolicyMM {
		t.Fatalf("expected MM summary, got %v", sum.Policy())
	}
}

func TestStatsCountFinishedAndAborted(t *testing.T) {
	s := New(nil, wire.PolicyIB, 100, 100, 1.0)
	s.Accept(TaskKey{1, 0}, 1, 1, 1, time.Time{}, 0)
	s.Accept(TaskKey{1, 1}, 1, 1, 1, time.Time{}, 0)
	s.Tick(time.Second)
	s.Abort(TaskKey{1, 1})

	stats := s.Stats()
	if stats.Finished != 1 || stats.Aborted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRescheduleOrdersFSPBySlownessClassThenArrival(t *testing.T) {
	s := New(nil, wire.PolicyFSP, 100, 100, 1.0)
	s.Accept(TaskKey{1, 0}, 1, 1, 1, time.Time{}, 0.5) // running head, untouched by reschedule
	s.Accept(TaskKey{1, 1}, 1, 1, 1, time.Time{}, 2.0)
	s.Accept(TaskKey{1, 2}, 1, 1, 1, time.Time{}, 1.0)
	s.Accept(TaskKey{1, 3}, 1, 1, 1, time.Time{}, 1.0)
	s.Reschedule()

	s.mu.RLock()
	order := []TaskKey{s.queue[0].Key, s.queue[1].Key, s.queue[2].Key, s.queue[3].Key}
	s.mu.RUnlock()

	want := []TaskKey{{1, 0}, {1, 2}, {1, 3}, {1, 1}}
	for i, k := range want {
		if order[i] != k {
			t.Fatalf("expected queue order %+v, got %+v", want, order)
		}
	}
}
