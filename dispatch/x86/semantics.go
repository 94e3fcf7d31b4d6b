package x86

import (
	"github.com/pkg/errors"

	"vemu/asm"
	"vemu/cpu"
	"vemu/dic"
	"vemu/dispatch"
)

func reg(i int) cpu.Reg { return cpu.Reg(i) }

// Install registers every semantic this package implements onto d, reading
// operand detail back out of dec's side table by instruction address.
func Install(d *dispatch.Dispatcher, dec *Decoder) {
	detailOf := func(instr dic.Instruction) (*Instr, error) {
		in, ok := dec.Detail(instr.Addr)
		if !ok {
			return nil, errors.Errorf("no operand detail recorded for instruction at %#x", instr.Addr)
		}
		return in, nil
	}

	d.RegisterSemantic(dispatch.KindNop, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindHlt, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		return dispatch.Outcome{RIPSet: true}
	})

	d.RegisterSemantic(dispatch.KindMovRegImm32, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		if in.Is64 {
			st.Regs.SetGP64(reg(in.Reg), uint64(in.Imm32))
		} else {
			st.Regs.SetGP32(reg(in.Reg), in.Imm32)
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindBswap, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		if in.Is64 {
			v := st.Regs.GP64(reg(in.Reg))
			st.Regs.SetGP64(reg(in.Reg), bswap64(v))
		} else {
			v := st.Regs.GP32(reg(in.Reg))
			st.Regs.SetGP32(reg(in.Reg), bswap32(v))
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindPushImm8, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		return pushValue(st, uint64(int64(in.Imm8)), st.Is64)
	})

	d.RegisterSemantic(dispatch.KindPushReg, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		var v uint64
		if st.Is64 {
			v = st.Regs.GP64(reg(in.Reg))
		} else {
			v = uint64(st.Regs.GP32(reg(in.Reg)))
		}
		return pushValue(st, v, st.Is64)
	})

	d.RegisterSemantic(dispatch.KindPopReg, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		v, out := popValue(st, st.Is64)
		if out.Fault != dispatch.FaultNone {
			return out
		}
		if st.Is64 {
			st.Regs.SetGP64(reg(in.Reg), v)
		} else {
			st.Regs.SetGP32(reg(in.Reg), uint32(v))
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindAddRegReg, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		if in.Is64 {
			st.Regs.SetGP64(reg(in.Reg), st.Regs.GP64(reg(in.Reg))+st.Regs.GP64(reg(in.Reg2)))
		} else {
			st.Regs.SetGP32(reg(in.Reg), st.Regs.GP32(reg(in.Reg))+st.Regs.GP32(reg(in.Reg2)))
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindSubRegReg, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		if in.Is64 {
			st.Regs.SetGP64(reg(in.Reg), st.Regs.GP64(reg(in.Reg))-st.Regs.GP64(reg(in.Reg2)))
		} else {
			st.Regs.SetGP32(reg(in.Reg), st.Regs.GP32(reg(in.Reg))-st.Regs.GP32(reg(in.Reg2)))
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindJmpRel, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		st.Regs.RIP = in.RelTarget
		return dispatch.Outcome{RIPSet: true}
	})

	d.RegisterSemantic(dispatch.KindJccRel, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		if evalCondition(in.Cond, st.Regs.Flags) {
			st.Regs.RIP = in.RelTarget
			return dispatch.Outcome{RIPSet: true}
		}
		return dispatch.Outcome{}
	})

	d.RegisterSemantic(dispatch.KindCall, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		in, err := detailOf(instr)
		if err != nil {
			return dispatch.Outcome{Fault: dispatch.FaultDecodeFailure, Err: err}
		}
		retAddr := instr.Addr + uint64(instr.Length)

		if st.Gateway != nil {
			if _, _, ok := st.Gateway.Resolve(in.RelTarget); ok {
				if out := pushValue(st, retAddr, st.Is64); out.Fault != dispatch.FaultNone {
					return out
				}
				if gerr := st.Gateway.Dispatch(st.Mem, st.Regs, st.Is64, in.RelTarget, st.Hooks); gerr != nil {
					return dispatch.Outcome{Fault: dispatch.FaultUnresolvedAPI, Err: gerr}
				}
				// A stdcall fixup has already moved ESP past the arguments, so
				// the popped slot is not necessarily the return address; pop
				// only to release the slot and return to retAddr.
				if _, out := popValue(st, st.Is64); out.Fault != dispatch.FaultNone {
					return out
				}
				st.Regs.RIP = retAddr
				return dispatch.Outcome{RIPSet: true}
			}
		}

		if out := pushValue(st, retAddr, st.Is64); out.Fault != dispatch.FaultNone {
			return out
		}
		st.Regs.RIP = in.RelTarget
		return dispatch.Outcome{RIPSet: true}
	})

	d.RegisterSemantic(dispatch.KindRet, func(st *dispatch.State, instr dic.Instruction) dispatch.Outcome {
		v, out := popValue(st, st.Is64)
		if out.Fault != dispatch.FaultNone {
			return out
		}
		st.Regs.RIP = v
		return dispatch.Outcome{RIPSet: true}
	})
}

func pushValue(st *dispatch.State, v uint64, is64 bool) dispatch.Outcome {
	width := uint64(4)
	if is64 {
		width = 8
	}
	if is64 {
		sp := st.Regs.GP64(cpu.RSP) - width
		if err := st.WriteU64(sp, v); err != nil {
			return dispatch.Outcome{Fault: faultFromMemErr(err), Err: err}
		}
		st.Regs.SetGP64(cpu.RSP, sp)
		if st.Stack != nil {
			st.Stack.Record(true, sp, v)
		}
	} else {
		sp := st.Regs.GP32(cpu.RSP) - uint32(width)
		if err := st.WriteU32(uint64(sp), uint32(v)); err != nil {
			return dispatch.Outcome{Fault: faultFromMemErr(err), Err: err}
		}
		st.Regs.SetGP32(cpu.RSP, sp)
		if st.Stack != nil {
			st.Stack.Record(true, uint64(sp), v)
		}
	}
	return dispatch.Outcome{}
}

func popValue(st *dispatch.State, is64 bool) (uint64, dispatch.Outcome) {
	if is64 {
		sp := st.Regs.GP64(cpu.RSP)
		v, err := st.ReadU64(sp)
		if err != nil {
			return 0, dispatch.Outcome{Fault: faultFromMemErr(err), Err: err}
		}
		st.Regs.SetGP64(cpu.RSP, sp+8)
		if st.Stack != nil {
			st.Stack.Record(false, sp, v)
		}
		return v, dispatch.Outcome{}
	}
	sp := st.Regs.GP32(cpu.RSP)
	v, err := st.ReadU32(uint64(sp))
	if err != nil {
		return 0, dispatch.Outcome{Fault: faultFromMemErr(err), Err: err}
	}
	st.Regs.SetGP32(cpu.RSP, sp+4)
	if st.Stack != nil {
		st.Stack.Record(false, uint64(sp), uint64(v))
	}
	return uint64(v), dispatch.Outcome{}
}

func faultFromMemErr(err error) dispatch.FaultKind {
	if errors.Is(err, asm.ErrUnmapped) || errors.Is(err, asm.ErrCrossesBoundary) {
		return dispatch.FaultUnmapped
	}
	return dispatch.FaultPermissionDenied
}

func evalCondition(c Condition, f cpu.Flags) bool {
	switch c {
	case CondO:
		return f.OF
	case CondNO:
		return !f.OF
	case CondB:
		return f.CF
	case CondAE:
		return !f.CF
	case CondE:
		return f.ZF
	case CondNE:
		return !f.ZF
	case CondBE:
		return f.CF || f.ZF
	case CondA:
		return !f.CF && !f.ZF
	case CondS:
		return f.SF
	case CondNS:
		return !f.SF
	case CondL:
		return f.SF != f.OF
	case CondGE:
		return f.SF == f.OF
	case CondLE:
		return f.ZF || f.SF != f.OF
	case CondG:
		return !f.ZF && f.SF == f.OF
	default:
		return false
	}
}

func bswap32(v uint32) uint32 {
	return (v>>24)&0xFF | (v>>8)&0xFF00 | (v<<8)&0xFF0000 | (v<<24)&0xFF000000
}

func bswap64(v uint64) uint64 {
	return uint64(bswap32(uint32(v>>32))) | uint64(bswap32(uint32(v)))<<32
}
