// Package x86 is a reference decoder and semantic table for dispatch.Dispatcher.
// It covers enough real x86/x86-64 encodings to drive a fetch-decode-execute
// loop end to end: mov reg,imm32; push/pop imm8 or reg; bswap; add/sub
// reg,reg; jmp/jcc rel8/rel32; call/ret; nop; hlt. It is a seed ISA, not a
// disassembler for arbitrary binaries.
package x86

import (
	"vemu/asm"
	"vemu/dic"
	"vemu/dispatch"
)

// Condition is a Jcc condition code, numbered the way the opcode byte
// (0x70+cc or 0x0F 0x80+cc) encodes it.
type Condition uint8

const (
	CondO  Condition = 0x0
	CondNO Condition = 0x1
	CondB  Condition = 0x2
	CondAE Condition = 0x3
	CondE  Condition = 0x4
	CondNE Condition = 0x5
	CondBE Condition = 0x6
	CondA  Condition = 0x7
	CondS  Condition = 0x8
	CondNS Condition = 0x9
	CondL  Condition = 0xC
	CondGE Condition = 0xD
	CondLE Condition = 0xE
	CondG  Condition = 0xF
)

// Instr carries an instruction's operand detail. dic.Instruction's Payload
// field holds only the bare InstructionKind (what the dispatcher's
// semantic table is keyed on); the operand detail that a semantic function
// actually needs is kept in Decoder's side table, addressed by the
// instruction's start address, and looked up with Detail.
type Instr struct {
	Kind dispatch.InstructionKind

	Reg, Reg2 int
	Imm32     uint32
	Imm8      int8
	RelTarget uint64 // absolute target for jmp/jcc/call, precomputed at decode time
	Is64      bool
	Cond      Condition
}

// Decoder decodes a seed x86/x86-64 instruction set directly from guest
// memory, recording operand detail for each instruction it produces.
type Decoder struct {
	Mem    *asm.AddressSpace
	Is64   bool
	detail map[uint64]*Instr
}

// NewDecoder creates a decoder reading from mem. is64 enables REX prefix
// decoding, so REX.W marks an instruction's operand size as 64-bit; the
// push/pop width is taken from dispatch.State.Is64, not from the decoder.
func NewDecoder(mem *asm.AddressSpace, is64 bool) *Decoder {
	return &Decoder{Mem: mem, Is64: is64, detail: make(map[uint64]*Instr)}
}

// Detail returns the operand detail recorded for an instruction decoded at addr.
func (d *Decoder) Detail(addr uint64) (*Instr, bool) {
	i, ok := d.detail[addr]
	return i, ok
}

func (d *Decoder) readByte(addr uint64) (uint8, error) { return d.Mem.ReadU8(addr) }

func (d *Decoder) readU32(addr uint64) (uint32, error) { return d.Mem.ReadU32(addr) }

// DecodeNext implements dic.Decoder.
func (d *Decoder) DecodeNext(addr uint64) (dic.Instruction, bool) {
	cur := addr
	rexW := false

	b, err := d.readByte(cur)
	if err != nil {
		return dic.Instruction{}, false
	}
	// REX prefix: 0100WRXB, 64-bit mode only. Only W (operand-size-to-64)
	// matters to this seed ISA.
	if d.Is64 && b&0xF0 == 0x40 {
		rexW = b&0x08 != 0
		cur++
		b, err = d.readByte(cur)
		if err != nil {
			return dic.Instruction{}, false
		}
	}

	is64 := d.Is64 && rexW

	switch {
	case b == 0x90:
		return d.finish(addr, cur+1, &Instr{Kind: dispatch.KindNop}, false)

	case b == 0xF4:
		return d.finish(addr, cur+1, &Instr{Kind: dispatch.KindHlt}, true)

	case b == 0xC3:
		return d.finish(addr, cur+1, &Instr{Kind: dispatch.KindRet}, true)

	case b >= 0xB8 && b <= 0xBF:
		imm, err := d.readU32(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		reg := int(b - 0xB8)
		return d.finish(addr, cur+5, &Instr{Kind: dispatch.KindMovRegImm32, Reg: reg, Imm32: imm, Is64: is64}, false)

	case b >= 0x50 && b <= 0x57:
		reg := int(b - 0x50)
		return d.finish(addr, cur+1, &Instr{Kind: dispatch.KindPushReg, Reg: reg, Is64: is64}, false)

	case b >= 0x58 && b <= 0x5F:
		reg := int(b - 0x58)
		return d.finish(addr, cur+1, &Instr{Kind: dispatch.KindPopReg, Reg: reg, Is64: is64}, false)

	case b == 0x6A:
		imm, err := d.readByte(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		return d.finish(addr, cur+2, &Instr{Kind: dispatch.KindPushImm8, Imm8: int8(imm), Is64: is64}, false)

	case b == 0x0F:
		b2, err := d.readByte(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		if b2 >= 0xC8 && b2 <= 0xCF {
			reg := int(b2 - 0xC8)
			return d.finish(addr, cur+2, &Instr{Kind: dispatch.KindBswap, Reg: reg, Is64: is64}, false)
		}
		if b2 >= 0x80 && b2 <= 0x8F {
			rel, err := d.readU32(cur + 2)
			if err != nil {
				return dic.Instruction{}, false
			}
			end := cur + 6
			target := end + uint64(int64(int32(rel)))
			return d.finish(addr, end, &Instr{Kind: dispatch.KindJccRel, Cond: Condition(b2 - 0x80), RelTarget: target}, true)
		}
		return dic.Instruction{}, false

	case b == 0x01:
		modrm, err := d.readByte(cur + 1)
		if err != nil || modrm&0xC0 != 0xC0 {
			return dic.Instruction{}, false
		}
		dst := int(modrm & 0x7)
		src := int((modrm >> 3) & 0x7)
		return d.finish(addr, cur+2, &Instr{Kind: dispatch.KindAddRegReg, Reg: dst, Reg2: src, Is64: is64}, false)

	case b == 0x29:
		modrm, err := d.readByte(cur + 1)
		if err != nil || modrm&0xC0 != 0xC0 {
			return dic.Instruction{}, false
		}
		dst := int(modrm & 0x7)
		src := int((modrm >> 3) & 0x7)
		return d.finish(addr, cur+2, &Instr{Kind: dispatch.KindSubRegReg, Reg: dst, Reg2: src, Is64: is64}, false)

	case b == 0xEB:
		rel, err := d.readByte(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		end := cur + 2
		target := end + uint64(int64(int8(rel)))
		return d.finish(addr, end, &Instr{Kind: dispatch.KindJmpRel, RelTarget: target}, true)

	case b == 0xE9:
		rel, err := d.readU32(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		end := cur + 5
		target := end + uint64(int64(int32(rel)))
		return d.finish(addr, end, &Instr{Kind: dispatch.KindJmpRel, RelTarget: target}, true)

	case b >= 0x70 && b <= 0x7F:
		rel, err := d.readByte(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		end := cur + 2
		target := end + uint64(int64(int8(rel)))
		return d.finish(addr, end, &Instr{Kind: dispatch.KindJccRel, Cond: Condition(b - 0x70), RelTarget: target}, true)

	case b == 0xE8:
		rel, err := d.readU32(cur + 1)
		if err != nil {
			return dic.Instruction{}, false
		}
		end := cur + 5
		target := end + uint64(int64(int32(rel)))
		return d.finish(addr, end, &Instr{Kind: dispatch.KindCall, RelTarget: target, Is64: is64}, true)

	default:
		return dic.Instruction{}, false
	}
}

func (d *Decoder) finish(start, end uint64, in *Instr, isCF bool) (dic.Instruction, bool) {
	d.detail[start] = in
	return dic.Instruction{
		Addr:          start,
		Length:        int(end - start),
		IsControlFlow: isCF,
		Payload:       in.Kind,
	}, true
}
