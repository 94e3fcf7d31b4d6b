package asm

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCreateRejectsOverlapAndUnalignedBase(t *testing.T) {
	a := New(false)
	if _, err := a.Create("one", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Create("two", 0x1800, 0x1000, Read); !errors.Is(err, ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
	if _, err := a.Create("three", 0x1234, 0x1000, Read); err == nil {
		t.Fatalf("expected an error for a non-page-aligned base")
	}
}

func TestReadWriteRespectsPermissions(t *testing.T) {
	a := New(false)
	if _, err := a.Create("ro", 0x1000, 0x1000, Read); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteU32(0x1000, 1); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestReadWriteDetectsBoundaryCrossing(t *testing.T) {
	a := New(false)
	if _, err := a.Create("seg", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteBuffer(0x1FFC, make([]byte, 8)); !errors.Is(err, ErrCrossesBoundary) {
		t.Fatalf("err = %v, want ErrCrossesBoundary", err)
	}
}

func TestUnmappedAccessFails(t *testing.T) {
	a := New(false)
	if _, err := a.ReadU8(0x5000); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	a := New(false)
	if _, err := a.Create("strs", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteString(0x1000, "hello"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := a.ReadString(0x1000)
	if err != nil || got != "hello" {
		t.Fatalf("ReadString = %q, %v; want \"hello\"", got, err)
	}
}

func TestWideStringRoundTrip(t *testing.T) {
	a := New(false)
	if _, err := a.Create("strs", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteWideString(0x1000, "hi"); err != nil {
		t.Fatalf("WriteWideString: %v", err)
	}
	got, err := a.ReadWideString(0x1000)
	if err != nil || got != "hi" {
		t.Fatalf("ReadWideString = %q, %v; want \"hi\"", got, err)
	}
}

func TestPermissiveOnViolationLogsAndContinues(t *testing.T) {
	a := New(false)
	seg, err := a.Create("compat", 0x1000, 0x1000, Read)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seg.PermissiveOnViolation = true
	if err := a.WriteU32(0x1000, 1); err != nil {
		t.Fatalf("write under PermissiveOnViolation should not fail: %v", err)
	}
}

func TestAllocDoesNotOverlapExistingSegments(t *testing.T) {
	a := New(false)
	base1, err := a.Alloc(0x2000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.Create("first", base1, 0x2000, Read|Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	base2, err := a.Alloc(0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if base2 >= base1 && base2 < base1+0x2000 {
		t.Fatalf("second allocation %#x overlaps the first segment [%#x,%#x)", base2, base1, base1+0x2000)
	}
}

func TestProtectChangesPermission(t *testing.T) {
	a := New(false)
	seg, err := a.Create("rx", 0x1000, 0x1000, Read|Execute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.Protect(seg, Read|Write|Execute)
	if err := a.WriteU8(0x1000, 1); err != nil {
		t.Fatalf("write after Protect granting Write: %v", err)
	}
}
