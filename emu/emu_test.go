package emu

import (
	"testing"

	"vemu/cpu"
	"vemu/hooks"
)

func movEaxHlt(imm uint32) []byte {
	b := byte(imm)
	b1 := byte(imm >> 8)
	b2 := byte(imm >> 16)
	b3 := byte(imm >> 24)
	return []byte{0xB8, b, b1, b2, b3, 0xF4}
}

func TestLoadProgramSetsEntryAndMapsImage(t *testing.T) {
	e := New(Config{Is64Bits: true, SkipUnimplemented: true})
	thread := e.Scheduler.Spawn(cpu.New())
	code := movEaxHlt(0x12345678)

	if err := e.LoadProgram(thread, code, 0x400000, 0); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if thread.Registers.RIP != 0x400000 {
		t.Fatalf("RIP = %#x, want 0x400000 (defaults to base when entry is 0)", thread.Registers.RIP)
	}

	seg := e.Mem.SegmentByName("image")
	if seg == nil {
		t.Fatalf("expected a segment named \"image\"")
	}
	if seg.Bytes[0] != 0xB8 {
		t.Fatalf("image segment does not contain the loaded bytes")
	}
}

func TestRunExecutesUntilExitPosition(t *testing.T) {
	e := New(Config{Is64Bits: true, SkipUnimplemented: true, ExitPosition: 2})
	thread := e.Scheduler.Spawn(cpu.New())
	if err := e.LoadProgram(thread, movEaxHlt(0x2A), 0x400000, 0); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}

	reason, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != HaltMaxInstructionsReached {
		t.Fatalf("halt reason = %v, want HaltMaxInstructionsReached", reason)
	}
	if got := thread.Registers.GP32(cpu.RAX); got != 0x2A {
		t.Fatalf("EAX = %#x, want 0x2A", got)
	}
}

func TestRunToStopsAtTargetAddress(t *testing.T) {
	e := New(Config{Is64Bits: true, SkipUnimplemented: true})
	thread := e.Scheduler.Spawn(cpu.New())
	if err := e.LoadProgram(thread, movEaxHlt(0x99), 0x400000, 0); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}

	reason, err := e.RunTo(0x400005) // address of the hlt
	if err != nil {
		t.Fatalf("RunTo: %v", err)
	}
	if reason != HaltExitPositionReached {
		t.Fatalf("halt reason = %v, want HaltExitPositionReached", reason)
	}
	if got := thread.Registers.GP32(cpu.RAX); got != 0x99 {
		t.Fatalf("EAX = %#x, want 0x99", got)
	}
}

// TestRequestHaltStopsRunLoop asks for a halt from within a post-instruction
// hook, the intended call site: RequestHalt resets at the top of each Run
// call, so requesting one before Run starts would never be observed.
func TestRequestHaltStopsRunLoop(t *testing.T) {
	e := New(Config{Is64Bits: true, SkipUnimplemented: true})
	thread := e.Scheduler.Spawn(cpu.New())
	if err := e.LoadProgram(thread, movEaxHlt(0x1), 0x400000, 0); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	e.RegisterHook(&hooks.Hooks{
		PostInstruction: func(rip uint64, instr hooks.InstructionView, outcome hooks.Outcome) {
			e.RequestHalt()
		},
	})

	reason, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != HaltExplicit {
		t.Fatalf("halt reason = %v, want HaltExplicit", reason)
	}
}

func TestNewHeapAllocatesAndMaps(t *testing.T) {
	e := New(Config{Is64Bits: true})
	if err := e.NewHeap(4096); err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	if e.Heap == nil {
		t.Fatalf("expected a heap arena to be installed")
	}
	addr, err := e.Heap.Allocate(256)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr < e.Heap.Base() || addr >= e.Heap.Base()+uint64(e.Heap.Capacity()) {
		t.Fatalf("allocated address %#x is outside the heap range", addr)
	}
}

func TestStepReturnsDeadlockWithNoThreads(t *testing.T) {
	e := New(Config{Is64Bits: true})
	reason, err := e.Step()
	if reason != HaltDeadlock {
		t.Fatalf("halt reason = %v, want HaltDeadlock", reason)
	}
	if err == nil {
		t.Fatalf("expected an error when stepping with no threads registered")
	}
}
