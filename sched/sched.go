// Package sched implements the cooperative, round-robin thread scheduler:
// one guest thread is "current" at a time, its register bank mirrors into
// the dispatcher's working set, and the scheduler advances virtual time
// when nothing is runnable.
package sched

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"vemu/cpu"
	"vemu/log"
)

var logger = log.For("sched")

// ErrDeadlock is returned when no thread is runnable and none will ever
// become runnable again.
var ErrDeadlock = errors.New("no runnable thread and no future wake tick")

// ThreadID identifies a thread within a Scheduler's thread table.
type ThreadID int

// ThreadContext is the per-thread snapshot the scheduler swaps in and out
// of the active register bank on context switch.
type ThreadContext struct {
	ID ThreadID
	// CorrelationID is a domain-stack addition for log/snapshot correlation
	// only; it never participates in scheduling order.
	CorrelationID uuid.UUID

	Registers *cpu.Registers

	WakeTick   uint64
	Suspended  bool
	Terminated bool

	// BlockedOnCS, when non-nil, names the critical section this thread is
	// waiting to acquire.
	BlockedOnCS *string

	StackPointer uint64
	TEBAddr      uint64
}

func (t *ThreadContext) runnable(now uint64) bool {
	return !t.Suspended && !t.Terminated && t.WakeTick <= now && t.BlockedOnCS == nil
}

// Scheduler owns the ordered thread table, the current-thread index, and
// the monotonic virtual tick.
type Scheduler struct {
	threads []*ThreadContext
	current int
	tick    uint64
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Spawn adds a new runnable thread and returns its ThreadContext.
func (s *Scheduler) Spawn(regs *cpu.Registers) *ThreadContext {
	t := &ThreadContext{
		ID:            ThreadID(len(s.threads)),
		CorrelationID: uuid.New(),
		Registers:     regs,
	}
	s.threads = append(s.threads, t)
	logger.WithField("thread", t.ID).Debug("thread spawned")
	return t
}

// Threads returns the full thread table, in scheduling order.
func (s *Scheduler) Threads() []*ThreadContext { return s.threads }

// Tick returns the current virtual time.
func (s *Scheduler) Tick() uint64 { return s.tick }

// Current returns the currently scheduled thread, or nil if none exist.
func (s *Scheduler) Current() *ThreadContext {
	if len(s.threads) == 0 {
		return nil
	}
	return s.threads[s.current]
}

// CurrentIndex returns the index of the current thread in Threads().
func (s *Scheduler) CurrentIndex() int { return s.current }

// SetCurrentIndex forces the current-thread index, for restoring a prior
// snapshot's scheduling position. idx outside the thread table is ignored.
func (s *Scheduler) SetCurrentIndex(idx int) {
	if idx >= 0 && idx < len(s.threads) {
		s.current = idx
	}
}

// SetTick forces the virtual clock, for restoring a prior snapshot.
func (s *Scheduler) SetTick(tick uint64) { s.tick = tick }

// Suspend marks a thread as not runnable until Resume is called.
func (s *Scheduler) Suspend(id ThreadID) {
	if t := s.find(id); t != nil {
		t.Suspended = true
	}
}

// Resume clears a thread's suspended flag.
func (s *Scheduler) Resume(id ThreadID) {
	if t := s.find(id); t != nil {
		t.Suspended = false
	}
}

// Sleep sets a thread's wake tick to now+ticks. A ticks value of 0 yields
// immediately.
func (s *Scheduler) Sleep(id ThreadID, ticks uint64) {
	if t := s.find(id); t != nil {
		t.WakeTick = s.tick + ticks
	}
}

// BlockOnCriticalSection marks a thread as waiting on a named critical section.
func (s *Scheduler) BlockOnCriticalSection(id ThreadID, name string) {
	if t := s.find(id); t != nil {
		t.BlockedOnCS = &name
	}
}

// SignalCriticalSection unblocks any thread waiting on the named critical section.
func (s *Scheduler) SignalCriticalSection(name string) {
	for _, t := range s.threads {
		if t.BlockedOnCS != nil && *t.BlockedOnCS == name {
			t.BlockedOnCS = nil
		}
	}
}

// Terminate removes a thread from the scheduling set on its next pick.
func (s *Scheduler) Terminate(id ThreadID) {
	if t := s.find(id); t != nil {
		t.Terminated = true
	}
}

func (s *Scheduler) find(id ThreadID) *ThreadContext {
	for _, t := range s.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// PickNext implements the round-robin selection policy. Emulator.Step
// calls this once per instruction, after running that instruction on
// Current(): it always searches forward from (current+1) mod N so that a
// continuously-runnable thread does not monopolize the CPU (one-instruction
// quanta, round-robin). If nothing is runnable it advances virtual time to
// the nearest future wake tick and retries once; if still nothing is
// runnable, it reports deadlock.
func (s *Scheduler) PickNext() (*ThreadContext, error) {
	if len(s.threads) == 0 {
		return nil, errors.Wrap(ErrDeadlock, "no threads registered")
	}

	if idx, ok := s.searchForward(); ok {
		s.switchTo(idx)
		return s.threads[idx], nil
	}

	nextWake, ok := s.nearestFutureWake()
	if !ok {
		return nil, ErrDeadlock
	}
	s.tick = nextWake
	logger.WithField("tick", s.tick).Debug("advanced virtual time, no thread runnable")

	if idx, ok := s.searchForward(); ok {
		s.switchTo(idx)
		return s.threads[idx], nil
	}

	return nil, ErrDeadlock
}

// searchForward scans all N threads starting at (current+1) mod N,
// wrapping around to include current itself, for the first runnable one.
func (s *Scheduler) searchForward() (int, bool) {
	n := len(s.threads)
	for i := 1; i <= n; i++ {
		idx := (s.current + i) % n
		if s.threads[idx].runnable(s.tick) {
			return idx, true
		}
	}
	return 0, false
}

func (s *Scheduler) nearestFutureWake() (uint64, bool) {
	var best uint64
	found := false
	for _, t := range s.threads {
		if t.Terminated || t.Suspended || t.BlockedOnCS != nil {
			continue
		}
		if t.WakeTick > s.tick && (!found || t.WakeTick < best) {
			best = t.WakeTick
			found = true
		}
	}
	return best, found
}

// switchTo performs the context switch bookkeeping. The register bank is
// the authoritative working copy, so the outgoing/incoming swap here is a
// pointer swap rather than a deep copy; callers that mirror into a single
// "active" bank do that copy themselves using Current().Registers
// before/after this call.
func (s *Scheduler) switchTo(idx int) {
	logger.WithFields(map[string]interface{}{
		"from": s.threads[s.current].ID, "to": s.threads[idx].ID,
	}).Trace("context switch")
	s.current = idx
}
