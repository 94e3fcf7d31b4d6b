// Package gateway implements the external-call gateway: routing a guest
// call into an unimplemented library's code range to a host-side handler,
// fetching arguments per calling convention, and fixing up the stack on
// return.
package gateway

import (
	"strings"

	"github.com/pkg/errors"

	"vemu/asm"
	"vemu/cpu"
	"vemu/hooks"
	"vemu/log"
)

var logger = log.For("gateway")

// ErrUnresolved is returned when a call targets module code with no
// registered handler and strict mode is configured.
var ErrUnresolved = errors.New("call target has no registered handler")

// Convention names the calling convention used to fetch arguments.
type Convention int

const (
	// MicrosoftX64 is the Windows x86-64 convention: RCX, RDX, R8, R9, then
	// stack (with 32 bytes of shadow space), return in RAX, caller cleans
	// the stack.
	MicrosoftX64 Convention = iota
	// Cdecl is the x86 convention: all args on the stack, caller cleans up.
	Cdecl
	// Stdcall is the x86 convention: all args on the stack, callee cleans up.
	Stdcall
)

var x64ArgRegs = [4]cpu.Reg{cpu.RCX, cpu.RDX, cpu.R8, cpu.R9}

// shadowSpaceBytes is the Microsoft x64 ABI's reserved stack area.
const shadowSpaceBytes = 32

// HandlerContext is what a registered Handler receives: the means to read
// arguments by position according to the call's Convention, without the
// handler needing to know register/stack placement itself.
type HandlerContext struct {
	Mem        *asm.AddressSpace
	Regs       *cpu.Registers
	Is64       bool
	Convention Convention

	// NumArgs is copied by the gateway from the registered Function's
	// declared arity.
	NumArgs int

	// stackArgBase is the address of the first stack-passed argument
	// (after the return address and, on x64, shadow space).
	stackArgBase uint64
}

// Arg reads the i'th argument (0-indexed) per the active calling convention.
func (h *HandlerContext) Arg(i int) uint64 {
	if h.Convention == MicrosoftX64 && i < len(x64ArgRegs) {
		return h.Regs.GP64(x64ArgRegs[i])
	}

	stackIndex := i
	if h.Convention == MicrosoftX64 {
		stackIndex = i - len(x64ArgRegs)
	}
	width := uint64(4)
	if h.Is64 {
		width = 8
	}
	addr := h.stackArgBase + uint64(stackIndex)*width
	if h.Is64 {
		v, _ := h.Mem.ReadU64(addr)
		return v
	}
	v, _ := h.Mem.ReadU32(addr)
	return uint64(v)
}

// ArgPtr is a readability alias for Arg when the argument is a guest pointer.
func (h *HandlerContext) ArgPtr(i int) uint64 { return h.Arg(i) }

// ArgString reads a NUL-terminated ANSI string pointed to by argument i.
func (h *HandlerContext) ArgString(i int) (string, error) {
	return h.Mem.ReadString(h.Arg(i))
}

// ArgWideString reads a NUL-terminated UTF-16LE string pointed to by argument i.
func (h *HandlerContext) ArgWideString(i int) (string, error) {
	return h.Mem.ReadWideString(h.Arg(i))
}

// Handler implements one synthetic library function. It returns the value
// to place in RAX/EAX.
type Handler func(ctx *HandlerContext) (uint64, error)

// Function is a registered gateway entry.
type Function struct {
	Module     string
	Name       string
	Convention Convention
	// NumArgs sets how many arguments are read and passed to the APICall
	// hook, and for Stdcall how many argument slots the callee-pop fixup
	// releases.
	NumArgs int
	Handle   Handler
}

// Gateway owns the (module, function) -> Function registry and the address
// ranges that belong to synthetic (loaded-but-unimplemented) modules.
type Gateway struct {
	functions map[string]map[string]*Function
	// symbols maps a guest address to "module!function", populated by the
	// loader's API symbol table. The gateway only reads it.
	symbols map[uint64]string

	// SkipUnimplemented selects compatibility mode (log + return 0) vs.
	// strict mode (halt) when a call has no registered handler.
	SkipUnimplemented bool
}

// New creates an empty gateway.
func New() *Gateway {
	return &Gateway{
		functions: make(map[string]map[string]*Function),
		symbols:   make(map[uint64]string),
	}
}

// Register adds a handler for module!function.
func (g *Gateway) Register(fn *Function) {
	m := g.functions[strings.ToLower(fn.Module)]
	if m == nil {
		m = make(map[string]*Function)
		g.functions[strings.ToLower(fn.Module)] = m
	}
	m[strings.ToLower(fn.Name)] = fn
}

// BindSymbol records that addr resolves to "module!function" in the API
// symbol table populated by the loader.
func (g *Gateway) BindSymbol(addr uint64, module, function string) {
	g.symbols[addr] = module + "!" + function
}

// Resolve returns the module and function name bound to addr, if any.
func (g *Gateway) Resolve(addr uint64) (module, function string, ok bool) {
	sym, exists := g.symbols[addr]
	if !exists {
		return "", "", false
	}
	parts := strings.SplitN(sym, "!", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (g *Gateway) lookup(module, function string) *Function {
	m, ok := g.functions[strings.ToLower(module)]
	if !ok {
		return nil
	}
	return m[strings.ToLower(function)]
}

// Dispatch is invoked by the dispatcher when a call target lies inside a
// registered module's symbol table. It fires the APICall hook (which may
// supply the return value itself, pre-empting the handler), reads the
// function name, invokes the handler (if the hook didn't), writes the
// return value to RAX/EAX, and performs the calling-convention stack fixup
// (callee-pop for Stdcall). The caller is then responsible for making the
// dispatcher act as if a `ret` had executed; Dispatch itself only advances
// RSP/ESP by the argument bytes, not past the return address.
func (g *Gateway) Dispatch(mem *asm.AddressSpace, regs *cpu.Registers, is64 bool, addr uint64, h *hooks.Hooks) error {
	module, function, ok := g.Resolve(addr)
	if !ok {
		return errors.Errorf("no symbol bound at %#x", addr)
	}

	fn := g.lookup(module, function)
	if fn == nil {
		if ret, intercepted := h.FireAPICall(module, function, nil); intercepted {
			g.writeReturn(regs, is64, ret)
			return nil
		}
		logger.WithFields(map[string]interface{}{"module": module, "function": function}).Warn("unresolved API call")
		if g.SkipUnimplemented {
			g.writeReturn(regs, is64, 0)
			return nil
		}
		return errors.Wrapf(ErrUnresolved, "%s!%s", module, function)
	}

	ctx := &HandlerContext{Mem: mem, Regs: regs, Is64: is64, Convention: fn.Convention, NumArgs: fn.NumArgs}
	ctx.stackArgBase = g.stackArgBase(regs, is64, fn.Convention)

	args := make([]uint64, fn.NumArgs)
	for i := range args {
		args[i] = ctx.Arg(i)
	}

	ret, intercepted := h.FireAPICall(module, function, args)
	if !intercepted {
		var err error
		ret, err = fn.Handle(ctx)
		if err != nil {
			return errors.Wrapf(err, "%s!%s", module, function)
		}
	}
	g.writeReturn(regs, is64, ret)

	if fn.Convention == Stdcall {
		width := uint64(4)
		sp := regs.GP32(cpu.RSP)
		regs.SetGP32(cpu.RSP, sp+uint32(uint64(fn.NumArgs)*width))
	}

	logger.WithFields(map[string]interface{}{"module": module, "function": function, "ret": ret}).Trace("dispatched API call")
	return nil
}

func (g *Gateway) stackArgBase(regs *cpu.Registers, is64 bool, conv Convention) uint64 {
	if is64 {
		sp := regs.GP64(cpu.RSP)
		// return address (8) + shadow space (32)
		return sp + 8 + shadowSpaceBytes
	}
	sp := uint64(regs.GP32(cpu.RSP))
	// return address (4)
	return sp + 4
}

func (g *Gateway) writeReturn(regs *cpu.Registers, is64 bool, v uint64) {
	if is64 {
		regs.SetGP64(cpu.RAX, v)
	} else {
		regs.SetGP32(cpu.RAX, uint32(v))
	}
}
