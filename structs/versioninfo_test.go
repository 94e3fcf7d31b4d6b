package structs

import "testing"

func TestFixedFileInfoEncodeDecodeRoundTrip(t *testing.T) {
	f := FixedFileInfo{
		Signature:     VSFixedFileInfoSignature,
		StrucVersion:  0x00010000,
		FileVersionMS: 1, FileVersionLS: 2,
		ProductVersionMS: 1, ProductVersionLS: 0,
	}
	b := f.Encode()
	if len(b) != VSFixedFileInfoSize {
		t.Fatalf("encoded length = %d, want %d", len(b), VSFixedFileInfoSize)
	}

	got, ok := DecodeFixedFileInfo(b)
	if !ok {
		t.Fatalf("decode rejected a validly-signed block")
	}
	if got != f {
		t.Fatalf("decoded = %+v, want %+v", got, f)
	}
}

func TestDecodeFixedFileInfoRejectsBadSignature(t *testing.T) {
	f := FixedFileInfo{Signature: 0xDEADBEEF}
	if _, ok := DecodeFixedFileInfo(f.Encode()); ok {
		t.Fatalf("decode accepted a block with the wrong signature")
	}
}

func TestDecodeFixedFileInfoRejectsShortInput(t *testing.T) {
	if _, ok := DecodeFixedFileInfo([]byte{1, 2, 3}); ok {
		t.Fatalf("decode accepted a short buffer")
	}
}

func TestVerQueryValueResolvesLeaf(t *testing.T) {
	r := NewVersionResource()
	r.Strings["ProductName"] = "Contoso App"

	v, ok := r.VerQueryValue(`\StringFileInfo\040904B0\ProductName`)
	if !ok || v != "Contoso App" {
		t.Fatalf("VerQueryValue = %q, %v; want \"Contoso App\", true", v, ok)
	}

	if _, ok := r.VerQueryValue(`\StringFileInfo\040904B0\Missing`); ok {
		t.Fatalf("VerQueryValue resolved a key that was never set")
	}
}
