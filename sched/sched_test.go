package sched

import (
	"testing"

	"vemu/cpu"
)

func TestVirtualTimeAdvanceOnSleep(t *testing.T) {
	s := New()
	t1 := s.Spawn(cpu.New())
	t2 := s.Spawn(cpu.New())
	s.Suspend(t2.ID)

	s.Sleep(t1.ID, 100)

	next, err := s.PickNext()
	if err != nil {
		t.Fatalf("PickNext: %v", err)
	}
	if next.ID != t1.ID {
		t.Fatalf("expected t1 to resume, got %v", next.ID)
	}
	if s.Tick() != 100 {
		t.Fatalf("expected virtual tick to advance to 100, got %d", s.Tick())
	}
}

func TestDeadlockWhenAllSuspended(t *testing.T) {
	s := New()
	t1 := s.Spawn(cpu.New())
	s.Suspend(t1.ID)

	if _, err := s.PickNext(); err != ErrDeadlock {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
}

// TestFairness checks that two always-runnable threads both get to run
// rather than one starving the other.
func TestFairness(t *testing.T) {
	s := New()
	t1 := s.Spawn(cpu.New())
	t2 := s.Spawn(cpu.New())

	counts := map[ThreadID]int{}
	for i := 0; i < 20; i++ {
		next, err := s.PickNext()
		if err != nil {
			t.Fatalf("PickNext: %v", err)
		}
		counts[next.ID]++
	}

	if counts[t1.ID] == 0 || counts[t2.ID] == 0 {
		t.Fatalf("expected both threads to run, got %v", counts)
	}
}

func TestSetCurrentIndexAndTick(t *testing.T) {
	s := New()
	s.Spawn(cpu.New())
	t2 := s.Spawn(cpu.New())

	s.SetCurrentIndex(1)
	s.SetTick(50)

	if s.Current().ID != t2.ID {
		t.Fatalf("Current() = %v, want %v after SetCurrentIndex(1)", s.Current().ID, t2.ID)
	}
	if s.Tick() != 50 {
		t.Fatalf("Tick() = %d, want 50", s.Tick())
	}

	s.SetCurrentIndex(5) // out of range, must be ignored
	if s.Current().ID != t2.ID {
		t.Fatalf("out-of-range SetCurrentIndex changed the current thread")
	}
}
