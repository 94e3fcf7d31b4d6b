package structs

import (
	"testing"

	"vemu/asm"
)

func TestWriteTEBAndReadFields(t *testing.T) {
	mem := asm.New(false)
	if _, err := mem.Create("teb", 0x1000, 0x1000, asm.Read|asm.Write); err != nil {
		t.Fatalf("mapping teb: %v", err)
	}

	if err := WriteTEB32(mem, 0x1000, 0x2000, 42, 7); err != nil {
		t.Fatalf("WriteTEB32: %v", err)
	}

	pid, err := mem.ReadU32(0x1000 + OffsetProcessID)
	if err != nil || pid != 42 {
		t.Fatalf("process id = %d, %v; want 42", pid, err)
	}
	tid, err := mem.ReadU32(0x1000 + OffsetThreadID)
	if err != nil || tid != 7 {
		t.Fatalf("thread id = %d, %v; want 7", tid, err)
	}
	peb, err := mem.ReadU32(0x1000 + OffsetPEBPointer)
	if err != nil || peb != 0x2000 {
		t.Fatalf("peb pointer = %#x, %v; want 0x2000", peb, err)
	}
}

func TestLastErrorRoundTrip(t *testing.T) {
	mem := asm.New(false)
	if _, err := mem.Create("teb", 0x1000, 0x1000, asm.Read|asm.Write); err != nil {
		t.Fatalf("mapping teb: %v", err)
	}
	if err := WriteTEB32(mem, 0x1000, 0, 1, 1); err != nil {
		t.Fatalf("WriteTEB32: %v", err)
	}

	if err := WriteLastError(mem, 0x1000, 0xDEAD); err != nil {
		t.Fatalf("WriteLastError: %v", err)
	}
	got, err := ReadLastError(mem, 0x1000)
	if err != nil {
		t.Fatalf("ReadLastError: %v", err)
	}
	if got != 0xDEAD {
		t.Fatalf("last error = %#x, want 0xDEAD", got)
	}
}

func TestWriteTEBZeroFillsUnspecifiedRegion(t *testing.T) {
	mem := asm.New(false)
	if _, err := mem.Create("teb", 0x1000, 0x1000, asm.Read|asm.Write); err != nil {
		t.Fatalf("mapping teb: %v", err)
	}
	if err := WriteTEB32(mem, 0x1000, 0x2000, 1, 1); err != nil {
		t.Fatalf("WriteTEB32: %v", err)
	}
	v, err := mem.ReadU32(0x1000 + OffsetTxFsContext)
	if err != nil {
		t.Fatalf("reading unspecified field: %v", err)
	}
	if v != 0 {
		t.Fatalf("unspecified field = %#x, want 0", v)
	}
}
