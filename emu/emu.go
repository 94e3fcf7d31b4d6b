// Package emu assembles the address space, register bank, decoded-
// instruction cache, dispatcher, heap, scheduler, gateway, and hook surface
// into the single embedding-facing Emulator type.
package emu

import (
	"github.com/pkg/errors"

	"vemu/asm"
	"vemu/cpu"
	"vemu/dic"
	"vemu/dispatch"
	"vemu/dispatch/x86"
	"vemu/gateway"
	"vemu/heap"
	"vemu/hooks"
	"vemu/log"
	"vemu/sched"
)

var logger = log.For("emu")

// HaltReason explains why Run/RunTo stopped.
type HaltReason int

const (
	HaltNone HaltReason = iota
	HaltExitPositionReached
	HaltMaxInstructionsReached
	HaltFault
	HaltExplicit
	HaltDeadlock
)

func (h HaltReason) String() string {
	switch h {
	case HaltExitPositionReached:
		return "exit-position-reached"
	case HaltMaxInstructionsReached:
		return "max-instructions-reached"
	case HaltFault:
		return "fault"
	case HaltExplicit:
		return "halt"
	case HaltDeadlock:
		return "deadlock"
	default:
		return "none"
	}
}

// Config enumerates every embedder-facing knob.
type Config struct {
	Verbose           int
	Is64Bits          bool
	TraceMem          bool
	TraceRegs         bool
	TraceFilename     string
	StackTrace        bool
	ConsoleEnabled    bool
	SkipUnimplemented bool
	ExitPosition      uint64
	InspectSeq        string
	StringAddr        uint64
}

// Emulator is the embedding-facing facade over every core component.
type Emulator struct {
	Config Config

	Mem       *asm.AddressSpace
	Heap      *heap.Arena
	Scheduler *sched.Scheduler
	Gateway   *gateway.Gateway
	Hooks     *hooks.Hooks
	Cache     *dic.Cache
	Decoder   *x86.Decoder
	Dispatch  *dispatch.Dispatcher
	Stack     *cpu.StackTrace

	haltRequested bool
}

// New creates an emulator for the given architecture flavor with an empty
// address space, heap-less until the caller maps one, and a scheduler with
// no threads (the caller spawns them).
func New(cfg Config) *Emulator {
	log.SetVerbosity(cfg.Verbose)

	mem := asm.New(cfg.Is64Bits)
	dec := x86.NewDecoder(mem, cfg.Is64Bits)
	cache := dic.New()
	d := dispatch.New(cache, dec)
	d.Config = dispatch.Config{StrictUnimplemented: !cfg.SkipUnimplemented}
	x86.Install(d, dec)

	e := &Emulator{
		Config:    cfg,
		Mem:       mem,
		Scheduler: sched.New(),
		Gateway:   gateway.New(),
		Hooks:     &hooks.Hooks{},
		Cache:     cache,
		Decoder:   dec,
		Dispatch:  d,
	}
	e.Gateway.SkipUnimplemented = cfg.SkipUnimplemented
	d.Hooks = e.Hooks
	if cfg.StackTrace {
		e.Stack = cpu.NewStackTrace()
	}
	if cfg.ExitPosition != 0 {
		d.Config.MaxInstructions = cfg.ExitPosition
	}
	return e
}

// LoadProgram maps a segment named "image" at base (or the allocator's
// choice if base is zero) containing bytes, and sets RIP to entry (or base
// if entry is zero).
func (e *Emulator) LoadProgram(main *sched.ThreadContext, bytes []byte, base, entry uint64) error {
	if base == 0 {
		var err error
		base, err = e.Mem.Alloc(uint64(len(bytes)))
		if err != nil {
			return errors.Wrap(err, "allocating image range")
		}
	}
	seg, err := e.Mem.Create("image", base, alignUp(uint64(len(bytes)), 0x1000), asm.Read|asm.Execute|asm.Write)
	if err != nil {
		return errors.Wrap(err, "creating image segment")
	}
	copy(seg.Bytes, bytes)

	if entry == 0 {
		entry = base
	}
	main.Registers.RIP = entry
	return nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// Alloc reserves size bytes of guest address space without naming a segment.
func (e *Emulator) Alloc(size uint64) (uint64, error) { return e.Mem.Alloc(size) }

// NewHeap maps a segment to back a guest malloc arena and installs it as
// e.Heap. API handlers implementing malloc/free call through e.Heap;
// addresses it returns are already guest-visible.
func (e *Emulator) NewHeap(capacity uint32) error {
	base, err := e.Mem.Alloc(uint64(capacity))
	if err != nil {
		return errors.Wrap(err, "allocating heap range")
	}
	if _, err := e.Mem.Create("heap", base, alignUp(uint64(capacity), 0x1000), asm.Read|asm.Write); err != nil {
		return errors.Wrap(err, "mapping heap segment")
	}
	a, err := heap.NewArena(base, capacity)
	if err != nil {
		return errors.Wrap(err, "creating heap arena")
	}
	e.Heap = a
	return nil
}

// Map creates a named, permissioned segment at an explicit base.
func (e *Emulator) Map(name string, base, size uint64, perm asm.Permission) (*asm.Segment, error) {
	return e.Mem.Create(name, base, size, perm)
}

// RegisterHook installs hooks, replacing any previously registered set.
func (e *Emulator) RegisterHook(h *hooks.Hooks) {
	e.Hooks = h
	e.Dispatch.Hooks = h
}

// RegisterAPIHandler installs a gateway function.
func (e *Emulator) RegisterAPIHandler(fn *gateway.Function) {
	e.Gateway.Register(fn)
}

// RequestHalt asks Run/RunTo to stop at the next instruction boundary.
func (e *Emulator) RequestHalt() { e.haltRequested = true }

// Step runs exactly one instruction on the current thread, then asks the
// scheduler to pick the next runnable thread for the following Step call.
func (e *Emulator) Step() (HaltReason, error) {
	cur := e.Scheduler.Current()
	if cur == nil {
		return HaltDeadlock, errors.New("no threads registered")
	}

	st := &dispatch.State{Mem: e.Mem, Regs: cur.Registers, Is64: e.Config.Is64Bits, Gateway: e.Gateway, Stack: e.Stack, Hooks: e.Hooks}
	err := e.Dispatch.Step(st)
	if err != nil {
		if errors.Is(err, dispatch.ErrHalt) {
			return HaltMaxInstructionsReached, nil
		}
		var f *dispatch.ErrFault
		if errors.As(err, &f) {
			logger.WithField("fault", f.Kind.String()).Warn("dispatcher fault")
			return HaltFault, err
		}
		return HaltFault, err
	}

	if _, perr := e.Scheduler.PickNext(); perr != nil {
		if errors.Is(perr, sched.ErrDeadlock) {
			return HaltDeadlock, nil
		}
		return HaltFault, perr
	}
	return HaltNone, nil
}

// Run steps until a halt condition or an explicit RequestHalt.
func (e *Emulator) Run() (HaltReason, error) {
	e.haltRequested = false
	for {
		if e.haltRequested {
			return HaltExplicit, nil
		}
		reason, err := e.Step()
		if reason != HaltNone || err != nil {
			return reason, err
		}
	}
}

// RunTo steps until RIP of the current thread equals addr, or a halt occurs.
func (e *Emulator) RunTo(addr uint64) (HaltReason, error) {
	e.haltRequested = false
	for {
		if e.haltRequested {
			return HaltExplicit, nil
		}
		cur := e.Scheduler.Current()
		if cur != nil && cur.Registers.RIP == addr {
			return HaltExitPositionReached, nil
		}
		reason, err := e.Step()
		if reason != HaltNone || err != nil {
			return reason, err
		}
	}
}
