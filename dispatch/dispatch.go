// Package dispatch drives the fetch-decode-execute loop: it resolves each
// instruction through the decoded-instruction cache, runs its semantic
// function, and manages RIP advancement, REP iteration, and fault delivery.
package dispatch

import (
	"github.com/pkg/errors"

	"vemu/asm"
	"vemu/cpu"
	"vemu/dic"
	"vemu/gateway"
	"vemu/hooks"
	"vemu/log"
)

var logger = log.For("dispatch")

// FaultKind taxonomizes why a dispatcher step failed.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultUnmapped
	FaultPermissionDenied
	FaultDecodeFailure
	FaultUnimplementedOpcode
	FaultUnresolvedAPI
	FaultDivideByZero
	FaultInvalidOpcode
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "unmapped"
	case FaultPermissionDenied:
		return "permission-denied"
	case FaultDecodeFailure:
		return "decode-failure"
	case FaultUnimplementedOpcode:
		return "unimplemented-opcode"
	case FaultUnresolvedAPI:
		return "unresolved-api"
	case FaultDivideByZero:
		return "divide-by-zero"
	case FaultInvalidOpcode:
		return "invalid-opcode"
	default:
		return "none"
	}
}

// ErrHalt is returned by Step when the instruction count limit or configured
// exit address is reached; it is not itself a fault.
var ErrHalt = errors.New("dispatcher halted")

// ErrWriteDenied is returned by State's write accessors when the
// memory-write hook vetoes the access.
var ErrWriteDenied = errors.New("memory write denied by hook")

// ErrFault wraps a FaultKind for callers that want errors.Is/As.
type ErrFault struct {
	Kind FaultKind
	Err  error
}

func (e *ErrFault) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *ErrFault) Unwrap() error { return e.Err }

// InstructionKind is a coarse opcode family used to key the semantic table.
// It intentionally does not attempt to enumerate the full ISA: new kinds are
// added as semantic functions are implemented.
type InstructionKind int

const (
	KindNop InstructionKind = iota
	KindMovRegImm32
	KindPushImm8
	KindPushReg
	KindPopReg
	KindBswap
	KindAddRegReg
	KindSubRegReg
	KindJmpRel
	KindJccRel
	KindCall
	KindRet
	KindHlt
	KindCallGateway
)

// Outcome is what a semantic function reports back to the dispatcher.
type Outcome struct {
	// RIPSet is true if the semantic function already updated RIP (a taken
	// branch, call, or return); the dispatcher must not advance it again.
	RIPSet bool
	Fault  FaultKind
	Err    error
}

// Semantic executes one decoded instruction's architectural effect.
type Semantic func(st *State, instr dic.Instruction) Outcome

// State is the working context a semantic function operates on.
type State struct {
	Mem     *asm.AddressSpace
	Regs    *cpu.Registers
	Is64    bool
	Gateway *gateway.Gateway
	// Stack, if non-nil, receives a record of every push/pop a semantic
	// function performs. Diagnostics only; nil when stack tracing is off.
	Stack *cpu.StackTrace
	// Hooks, if non-nil, is consulted by the ReadU32/WriteU32/... accessors
	// below. A nil value behaves as an empty Hooks (every fire is a no-op).
	Hooks *hooks.Hooks
}

// ReadU32 reads a little-endian dword, letting a registered MemoryRead hook
// supply the value instead of touching the address space.
func (st *State) ReadU32(addr uint64) (uint32, error) {
	if v, ok := st.Hooks.FireMemoryRead(addr, 4); ok {
		return uint32(v), nil
	}
	return st.Mem.ReadU32(addr)
}

// ReadU64 is ReadU32's 64-bit counterpart.
func (st *State) ReadU64(addr uint64) (uint64, error) {
	if v, ok := st.Hooks.FireMemoryRead(addr, 8); ok {
		return v, nil
	}
	return st.Mem.ReadU64(addr)
}

// WriteU32 writes a little-endian dword, letting a registered MemoryWrite
// hook veto the access before it reaches the address space.
func (st *State) WriteU32(addr uint64, v uint32) error {
	if st.Hooks.FireMemoryWrite(addr, 4, uint64(v)) == hooks.Deny {
		return ErrWriteDenied
	}
	return st.Mem.WriteU32(addr, v)
}

// WriteU64 is WriteU32's 64-bit counterpart.
func (st *State) WriteU64(addr uint64, v uint64) error {
	if st.Hooks.FireMemoryWrite(addr, 8, v) == hooks.Deny {
		return ErrWriteDenied
	}
	return st.Mem.WriteU64(addr, v)
}

// Config governs halting and fault-policy behavior.
type Config struct {
	// StrictUnimplemented halts on an instruction with no registered
	// semantic function instead of logging and skipping it.
	StrictUnimplemented bool
	// MaxInstructions, if nonzero, halts the dispatcher after this many
	// instructions have executed.
	MaxInstructions uint64
	// ExitAddrSet/ExitAddr, if ExitAddrSet is true, halts when RIP reaches
	// ExitAddr after a step completes.
	ExitAddrSet bool
	ExitAddr    uint64
}

// Dispatcher owns the cache, the semantic table, and the per-step bookkeeping.
type Dispatcher struct {
	Cache     *dic.Cache
	Decoder   dic.Decoder
	Semantics map[InstructionKind]Semantic
	Hooks     *hooks.Hooks
	Config    Config

	instrCount uint64
}

// New creates a dispatcher with an empty semantic table; callers register
// entries with RegisterSemantic (typically via dispatch/x86's decoder and
// its companion semantics).
func New(cache *dic.Cache, dec dic.Decoder) *Dispatcher {
	return &Dispatcher{
		Cache:     cache,
		Decoder:   dec,
		Semantics: make(map[InstructionKind]Semantic),
	}
}

// RegisterSemantic installs the function executed for instr.Payload's kind.
func (d *Dispatcher) RegisterSemantic(kind InstructionKind, fn Semantic) {
	d.Semantics[kind] = fn
}

func kindOf(instr dic.Instruction) (InstructionKind, bool) {
	k, ok := instr.Payload.(InstructionKind)
	return k, ok
}

// Step executes exactly one instruction at st.Regs.RIP.
func (d *Dispatcher) Step(st *State) error {
	rip := st.Regs.RIP
	pre := st.Regs.ToSnapshot()
	_ = pre // captured for trace/exception-unwinding callers, not consumed here

	count, ok := d.Cache.Lookup(rip)
	if !ok {
		if err := d.Cache.InsertFromDecoder(d.Decoder, rip); err != nil {
			return &ErrFault{Kind: FaultDecodeFailure, Err: err}
		}
		count, ok = d.Cache.Lookup(rip)
		if !ok {
			return &ErrFault{Kind: FaultDecodeFailure, Err: errors.Errorf("cache miss persisted after insert at %#x", rip)}
		}
	}
	_ = count

	instr, ok := d.Cache.DecodeOut()
	if !ok {
		return &ErrFault{Kind: FaultDecodeFailure, Err: errors.Errorf("no instruction available at %#x", rip)}
	}

	st.Hooks = d.Hooks

	view := hooks.InstructionView{Addr: instr.Addr, Length: instr.Length, Payload: instr.Payload}
	if d.Hooks.FirePreInstruction(rip, view) == hooks.Skip {
		st.Regs.RIP = rip + uint64(instr.Length)
		return nil
	}

	outcome := d.execute(st, instr)

	d.Hooks.FirePostInstruction(rip, view, hooks.Outcome{
		Faulted:   outcome.Fault != FaultNone,
		FaultKind: outcome.Fault.String(),
	})

	if outcome.Fault != FaultNone {
		if d.Hooks.FireException(outcome.Fault.String()) == hooks.Handled {
			st.Regs.RIP = rip + uint64(instr.Length)
			return nil
		}
		return &ErrFault{Kind: outcome.Fault, Err: outcome.Err}
	}

	if !outcome.RIPSet {
		st.Regs.RIP = rip + uint64(instr.Length)
	}

	d.instrCount++
	if d.Config.MaxInstructions != 0 && d.instrCount >= d.Config.MaxInstructions {
		return ErrHalt
	}
	if d.Config.ExitAddrSet && st.Regs.RIP == d.Config.ExitAddr {
		return ErrHalt
	}
	return nil
}

func (d *Dispatcher) execute(st *State, instr dic.Instruction) Outcome {
	kind, ok := kindOf(instr)
	if !ok {
		return Outcome{Fault: FaultDecodeFailure, Err: errors.New("instruction payload is not an InstructionKind")}
	}

	if st.Regs.RepActive() {
		return d.runRep(st, instr, kind)
	}

	fn, ok := d.Semantics[kind]
	if !ok {
		if d.Config.StrictUnimplemented {
			return Outcome{Fault: FaultUnimplementedOpcode, Err: errors.Errorf("no semantic registered for kind %d", kind)}
		}
		logger.WithField("kind", kind).Warn("unimplemented opcode skipped")
		return Outcome{}
	}
	return fn(st, instr)
}

// runRep re-executes the current instruction under the REP/REPNE outer
// counter without involving the cache or decoder again.
func (d *Dispatcher) runRep(st *State, instr dic.Instruction, kind InstructionKind) Outcome {
	fn, ok := d.Semantics[kind]
	if !ok {
		return Outcome{Fault: FaultUnimplementedOpcode, Err: errors.Errorf("no semantic registered for rep-prefixed kind %d", kind)}
	}
	out := fn(st, instr)
	if out.Fault != FaultNone {
		return out
	}
	st.Regs.StepRep()
	out.RIPSet = true
	if !st.Regs.RepActive() {
		st.Regs.RIP = instr.Addr + uint64(instr.Length)
	} else {
		st.Regs.RIP = instr.Addr
	}
	return out
}

// Run steps until a fault or ErrHalt. A halt is returned as nil error; any
// fault propagates.
func (d *Dispatcher) Run(st *State) error {
	for {
		err := d.Step(st)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalt) {
			return nil
		}
		return err
	}
}
