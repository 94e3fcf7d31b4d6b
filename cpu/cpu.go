// Package cpu implements the architectural register/flag bank for one guest
// thread: general-purpose registers with their sub-register aliases, RIP,
// RFLAGS, segment bases, the x87 stack, and the vector register file.
package cpu

// Reg names a general-purpose 64-bit register.
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPRegs
)

var regNames = [numGPRegs]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}
	return "?reg?"
}

// Flags holds RFLAGS broken into named booleans.
type Flags struct {
	CF bool // carry
	PF bool // parity
	AF bool // aux carry
	ZF bool // zero
	SF bool // sign
	TF bool // trap
	IF bool // interrupt enable
	DF bool // direction
	OF bool // overflow
}

const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagTF = 1 << 8
	flagIF = 1 << 9
	flagDF = 1 << 10
	flagOF = 1 << 11
)

// Pack encodes the named flags into a packed RFLAGS value, bit 1 always set
// per the x86 reserved-bit convention.
func (f Flags) Pack() uint64 {
	var v uint64 = 1 << 1
	if f.CF {
		v |= flagCF
	}
	if f.PF {
		v |= flagPF
	}
	if f.AF {
		v |= flagAF
	}
	if f.ZF {
		v |= flagZF
	}
	if f.SF {
		v |= flagSF
	}
	if f.TF {
		v |= flagTF
	}
	if f.IF {
		v |= flagIF
	}
	if f.DF {
		v |= flagDF
	}
	if f.OF {
		v |= flagOF
	}
	return v
}

// Unpack decodes a packed RFLAGS value into the named booleans.
func Unpack(v uint64) Flags {
	return Flags{
		CF: v&flagCF != 0,
		PF: v&flagPF != 0,
		AF: v&flagAF != 0,
		ZF: v&flagZF != 0,
		SF: v&flagSF != 0,
		TF: v&flagTF != 0,
		IF: v&flagIF != 0,
		DF: v&flagDF != 0,
		OF: v&flagOF != 0,
	}
}

// FPUStackSize is the number of x87 stack slots.
const FPUStackSize = 8

// NumVectorRegs is the vector register file size: 16 vector registers.
const NumVectorRegs = 16

// VectorWidth is the backing width per register in bytes: 64 bytes covers
// the full 512-bit width. There are no XMM/YMM/ZMM accessor methods; the
// Vector array's bytes are read and written directly.
const VectorWidth = 64

// Registers is the full per-thread architectural state.
type Registers struct {
	gp  [numGPRegs]uint64
	RIP uint64

	Flags Flags

	// FSBase/GSBase back FS:[0x30] (x86) / GS:[0x60] (x86-64) TEB/PEB access.
	FSBase uint64
	GSBase uint64

	FPUStack [FPUStackSize]float64
	FPUTag   uint16 // tag word: 2 bits per slot, 0b11 = empty
	FPUTop   int    // current top-of-stack index, 0..7

	Vector [NumVectorRegs][VectorWidth]byte

	// repCounter backs the dispatcher's REP/REPNE outer-counter handling
	// without overloading an architectural register.
	repCounter uint64
	repActive  bool
}

// New returns a zeroed register bank with an empty FPU tag word (all slots empty).
func New() *Registers {
	r := &Registers{}
	r.FPUTag = 0xFFFF
	return r
}

// GP64 returns the full 64-bit value of a general register.
func (r *Registers) GP64(reg Reg) uint64 { return r.gp[reg] }

// SetGP64 writes the full 64-bit register (e.g. a `mov rax, ...`).
func (r *Registers) SetGP64(reg Reg, v uint64) { r.gp[reg] = v }

// GP32 returns the low 32 bits (EAX, ECX, ...).
func (r *Registers) GP32(reg Reg) uint32 { return uint32(r.gp[reg]) }

// SetGP32 writes the low 32 bits and, per x86-64 rules, zero-extends into
// the full 64-bit register.
func (r *Registers) SetGP32(reg Reg, v uint32) { r.gp[reg] = uint64(v) }

// GP16 returns the low 16 bits (AX, CX, ...).
func (r *Registers) GP16(reg Reg) uint16 { return uint16(r.gp[reg]) }

// SetGP16 writes the low 16 bits, preserving bits 63:16.
func (r *Registers) SetGP16(reg Reg, v uint16) {
	r.gp[reg] = (r.gp[reg] &^ 0xFFFF) | uint64(v)
}

// GP8L returns the low byte (AL, CL, ...).
func (r *Registers) GP8L(reg Reg) uint8 { return uint8(r.gp[reg]) }

// SetGP8L writes the low byte, preserving bits 63:8.
func (r *Registers) SetGP8L(reg Reg, v uint8) {
	r.gp[reg] = (r.gp[reg] &^ 0xFF) | uint64(v)
}

// GP8H returns the second-from-low byte (AH, CH, ...) — only meaningful for
// RAX/RCX/RDX/RBX, per x86 encoding rules.
func (r *Registers) GP8H(reg Reg) uint8 { return uint8(r.gp[reg] >> 8) }

// SetGP8H writes the second-from-low byte, preserving the rest of the register.
func (r *Registers) SetGP8H(reg Reg, v uint8) {
	r.gp[reg] = (r.gp[reg] &^ 0xFF00) | (uint64(v) << 8)
}

// Snapshot is the serializable form of Registers (exported fields only, gob-friendly).
type Snapshot struct {
	GP       [numGPRegs]uint64
	RIP      uint64
	RFlags   uint64
	FSBase   uint64
	GSBase   uint64
	FPUStack [FPUStackSize]float64
	FPUTag   uint16
	FPUTop   int
	Vector   [NumVectorRegs][VectorWidth]byte
}

// ToSnapshot captures the register bank for serialization.
func (r *Registers) ToSnapshot() Snapshot {
	return Snapshot{
		GP: r.gp, RIP: r.RIP, RFlags: r.Flags.Pack(),
		FSBase: r.FSBase, GSBase: r.GSBase,
		FPUStack: r.FPUStack, FPUTag: r.FPUTag, FPUTop: r.FPUTop,
		Vector: r.Vector,
	}
}

// FromSnapshot restores a register bank from a prior ToSnapshot.
func FromSnapshot(s Snapshot) *Registers {
	r := &Registers{
		gp: s.GP, RIP: s.RIP, Flags: Unpack(s.RFlags),
		FSBase: s.FSBase, GSBase: s.GSBase,
		FPUStack: s.FPUStack, FPUTag: s.FPUTag, FPUTop: s.FPUTop,
		Vector: s.Vector,
	}
	return r
}

// BeginRep arms the REP/REPNE outer counter so the dispatcher can
// re-execute the current decoded instruction without re-decoding.
func (r *Registers) BeginRep(count uint64) {
	r.repCounter = count
	r.repActive = count > 0
}

// RepActive reports whether a REP-prefixed instruction is still iterating.
func (r *Registers) RepActive() bool { return r.repActive }

// StepRep decrements the outer counter and returns whether iteration continues.
func (r *Registers) StepRep() bool {
	if r.repCounter == 0 {
		r.repActive = false
		return false
	}
	r.repCounter--
	r.repActive = r.repCounter > 0
	return true
}
