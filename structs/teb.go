// Package structs marshals the Windows-specific binary layouts the guest
// expects to find in memory: the Thread Environment Block, PE version
// resources, registry hives, and canonical Windows path forms.
package structs

import (
	"vemu/asm"
)

// TEB32 field offsets, bit-exact with the documented 32-bit layout. Only a
// subset of fields is named; WriteTEB32 populates the process ID, thread ID
// and PEB pointer, and the rest of the block is zero-filled space a guest
// may read without faulting.
const (
	TEB32Size = 1000

	OffsetNtTib               = 0x00 // NT_TIB, 28 bytes
	OffsetEnvironmentPointer  = 0x1C
	OffsetProcessID           = 0x20
	OffsetThreadID            = 0x24
	OffsetActiveRPCHandle     = 0x28
	OffsetTLSPointer          = 0x2C
	OffsetPEBPointer          = 0x30
	OffsetLastError           = 0x34
	OffsetActivationCtxStack  = 0x56
	OffsetTxFsContext         = 0xBE
)

// WriteTEB32 zero-fills a TEB32Size block at addr and populates the fields
// the core tracks. Unspecified regions stay zero, matching a freshly
// allocated guest structure.
func WriteTEB32(mem *asm.AddressSpace, addr uint64, pebAddr uint64, pid, tid uint32) error {
	zero := make([]byte, TEB32Size)
	if err := mem.WriteBuffer(addr, zero); err != nil {
		return err
	}
	if err := mem.WriteU32(addr+OffsetProcessID, pid); err != nil {
		return err
	}
	if err := mem.WriteU32(addr+OffsetThreadID, tid); err != nil {
		return err
	}
	if err := mem.WriteU32(addr+OffsetPEBPointer, uint32(pebAddr)); err != nil {
		return err
	}
	return nil
}

// ReadLastError reads TEB32's last-error field.
func ReadLastError(mem *asm.AddressSpace, tebAddr uint64) (uint32, error) {
	return mem.ReadU32(tebAddr + OffsetLastError)
}

// WriteLastError writes TEB32's last-error field, the usual way API
// handlers surface a failure code to the guest.
func WriteLastError(mem *asm.AddressSpace, tebAddr uint64, code uint32) error {
	return mem.WriteU32(tebAddr+OffsetLastError, code)
}

// FSOffsetPEB32 and GSOffsetPEB64 are the bit-exact contract guest code relies on:
// FS:[0x30] on x86 and GS:[0x60] on x86-64 must read as the PEB base.
const (
	FSOffsetPEB32 = 0x30
	GSOffsetPEB64 = 0x60
)
