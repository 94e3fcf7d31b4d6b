package cpu

import "testing"

func TestSubRegisterAliasing(t *testing.T) {
	r := New()

	// Writing EAX zero-extends into RAX.
	r.SetGP64(RAX, 0xFFFFFFFFFFFFFFFF)
	r.SetGP32(RAX, 0x12345678)
	if got := r.GP64(RAX); got != 0x12345678 {
		t.Fatalf("EAX write did not zero-extend RAX: got %#x", got)
	}

	// Writing AX preserves RAX[63:16].
	r.SetGP64(RAX, 0x1122334455667788)
	r.SetGP16(RAX, 0xBEEF)
	if got := r.GP64(RAX); got != 0x112233445566BEEF {
		t.Fatalf("AX write clobbered upper bits: got %#x", got)
	}

	// Writing AL/AH preserves the complementary byte and everything above.
	r.SetGP64(RAX, 0x0000000000001234)
	r.SetGP8L(RAX, 0xAA)
	if got := r.GP64(RAX); got != 0x00000000000012AA {
		t.Fatalf("AL write clobbered AH: got %#x", got)
	}
	r.SetGP8H(RAX, 0xCC)
	if got := r.GP64(RAX); got != 0x000000000000CCAA {
		t.Fatalf("AH write clobbered AL: got %#x", got)
	}
}

func TestFlagsPackRoundTrip(t *testing.T) {
	f := Flags{CF: true, ZF: true, OF: true}
	got := Unpack(f.Pack())
	if got.CF != true || got.ZF != true || got.OF != true || got.SF != false {
		t.Fatalf("flags did not round-trip: %+v", got)
	}
}

func TestStackTraceWrapsAfterCapacity(t *testing.T) {
	st := NewStackTrace()
	for i := 0; i < stackTraceCapacity+3; i++ {
		st.Record(i%2 == 0, uint64(i), uint64(i*2))
	}
	recent := st.Recent()
	if len(recent) != stackTraceCapacity {
		t.Fatalf("len(Recent()) = %d, want %d", len(recent), stackTraceCapacity)
	}
	// The buffer wrapped, so the oldest surviving entry is the 4th ever
	// recorded (index 3), not the first.
	if recent[0].Addr != 3 {
		t.Fatalf("oldest surviving entry Addr = %d, want 3", recent[0].Addr)
	}
	last := recent[len(recent)-1]
	if last.Addr != uint64(stackTraceCapacity+2) {
		t.Fatalf("newest entry Addr = %d, want %d", last.Addr, stackTraceCapacity+2)
	}
}

func TestStackTraceRecentBeforeWrap(t *testing.T) {
	st := NewStackTrace()
	st.Record(true, 0x1000, 42)
	st.Record(false, 0x1000, 42)

	recent := st.Recent()
	if len(recent) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(recent))
	}
	if !recent[0].Push || recent[0].Value != 42 {
		t.Fatalf("recent[0] = %+v, want a push of 42", recent[0])
	}
	if recent[1].Push {
		t.Fatalf("recent[1] = %+v, want a pop", recent[1])
	}
}

func TestRepCounter(t *testing.T) {
	r := New()
	r.BeginRep(3)
	count := 0
	for r.RepActive() {
		count++
		if !r.StepRep() {
			break
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 rep iterations, got %d", count)
	}
}
