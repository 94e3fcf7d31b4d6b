// Package hooks defines the embedder-facing observation/interception
// surface: optional callbacks for pre/post-instruction, memory access, API
// interception, and exceptions.
package hooks

// Decision is the pre-instruction hook's verdict.
type Decision int

const (
	Proceed Decision = iota
	Skip
)

// PermissionDecision is the memory-write hook's verdict.
type PermissionDecision int

const (
	Allow PermissionDecision = iota
	Deny
)

// ExceptionDecision is the exception hook's verdict.
type ExceptionDecision int

const (
	Propagate ExceptionDecision = iota
	Handled
)

// InstructionView is the read-only view of the instruction a hook observes.
// It is intentionally narrow (address + length + a decoder-opaque payload)
// so hooks don't need to import the dispatcher's decoder types. The
// dispatcher leaves Mnemonic empty.
type InstructionView struct {
	Addr    uint64
	Length  int
	Mnemonic string
	Payload interface{}
}

// Outcome summarizes how an instruction's execution went, for PostInstruction.
type Outcome struct {
	Faulted   bool
	FaultKind string
	BranchTaken bool
}

// Hooks is a record of optional callbacks. A nil field means "not
// registered"; the dispatcher checks each for nil before invoking it.
// Hooks must not recursively re-enter the dispatcher and may mutate state
// freely; those are caller contracts, not something this package enforces.
type Hooks struct {
	// PreInstruction runs before semantic execution. Returning Skip causes
	// the dispatcher to advance RIP by Length without executing.
	PreInstruction func(rip uint64, instr InstructionView) Decision

	// PostInstruction is observation-only.
	PostInstruction func(rip uint64, instr InstructionView, outcome Outcome)

	// MemoryRead may supply a value instead of reading from the address
	// space. ok=false means "let the normal read happen".
	MemoryRead func(addr uint64, size int) (value uint64, ok bool)

	// MemoryWrite may veto a write before it reaches the address space.
	MemoryWrite func(addr uint64, size int, value uint64) PermissionDecision

	// APICall runs before any registered gateway handler. If ok is true,
	// its return value is used instead of invoking the handler.
	APICall func(module, function string, args []uint64) (ret uint64, ok bool)

	// Exception decides whether a fault is considered handled by the
	// embedder (Handled) or should propagate to the normal halt path
	// (Propagate).
	Exception func(faultKind string) ExceptionDecision
}

// firePre is a nil-safe helper so callers don't need a nil check at every call site.
func (h *Hooks) firePre(rip uint64, instr InstructionView) Decision {
	if h == nil || h.PreInstruction == nil {
		return Proceed
	}
	return h.PreInstruction(rip, instr)
}

// FirePreInstruction is the dispatcher-facing entry point for the pre hook.
func (h *Hooks) FirePreInstruction(rip uint64, instr InstructionView) Decision {
	return h.firePre(rip, instr)
}

// FirePostInstruction invokes the post hook if registered.
func (h *Hooks) FirePostInstruction(rip uint64, instr InstructionView, outcome Outcome) {
	if h == nil || h.PostInstruction == nil {
		return
	}
	h.PostInstruction(rip, instr, outcome)
}

// FireMemoryRead invokes the memory-read hook if registered.
func (h *Hooks) FireMemoryRead(addr uint64, size int) (uint64, bool) {
	if h == nil || h.MemoryRead == nil {
		return 0, false
	}
	return h.MemoryRead(addr, size)
}

// FireMemoryWrite invokes the memory-write hook if registered, defaulting to Allow.
func (h *Hooks) FireMemoryWrite(addr uint64, size int, value uint64) PermissionDecision {
	if h == nil || h.MemoryWrite == nil {
		return Allow
	}
	return h.MemoryWrite(addr, size, value)
}

// FireAPICall invokes the API-call hook if registered.
func (h *Hooks) FireAPICall(module, function string, args []uint64) (uint64, bool) {
	if h == nil || h.APICall == nil {
		return 0, false
	}
	return h.APICall(module, function, args)
}

// FireException invokes the exception hook if registered, defaulting to Propagate.
func (h *Hooks) FireException(faultKind string) ExceptionDecision {
	if h == nil || h.Exception == nil {
		return Propagate
	}
	return h.Exception(faultKind)
}
