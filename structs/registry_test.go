package structs

import (
	"encoding/binary"
	"testing"
)

func buildHive(t *testing.T, keys map[string]map[string]RegistryValue) []byte {
	t.Helper()
	var b []byte
	b = append(b, 'V', 'R', 'E', 'G')
	b = appendU32(b, 1) // version
	b = appendU32(b, uint32(len(keys)))

	for name, values := range keys {
		b = appendU16(b, uint16(len(name)))
		b = append(b, name...)
		b = appendU32(b, uint32(len(values)))
		for vname, v := range values {
			b = appendU16(b, uint16(len(vname)))
			b = append(b, vname...)
			b = appendU32(b, uint32(v.Kind))
			b = appendU32(b, uint32(len(v.Data)))
			b = append(b, v.Data...)
		}
	}
	return b
}

func appendU16(b []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp, v)
	return append(b, tmp...)
}

func appendU32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func TestParseHiveRoundTrip(t *testing.T) {
	data := buildHive(t, map[string]map[string]RegistryValue{
		"Software\\Contoso": {
			"InstallPath": {Kind: REGSZ, Data: append([]byte("C:\\Contoso"), 0)},
			"Version":     {Kind: REGDWord, Data: []byte{1, 0, 0, 0}},
		},
	})

	keys, err := ParseHive(data)
	if err != nil {
		t.Fatalf("ParseHive: %v", err)
	}
	key, ok := keys["Software\\Contoso"]
	if !ok {
		t.Fatalf("expected key Software\\Contoso, got %v", keys)
	}
	v, ok := key.Values["Version"]
	if !ok || v.Kind != REGDWord {
		t.Fatalf("Version value = %+v, ok=%v", v, ok)
	}
	if got := binary.LittleEndian.Uint32(v.Data); got != 1 {
		t.Fatalf("Version dword = %d, want 1", got)
	}
}

func TestParseHiveRejectsBadMagic(t *testing.T) {
	if _, err := ParseHive([]byte("NOTV...........")); err != ErrMalformedHive {
		t.Fatalf("err = %v, want ErrMalformedHive", err)
	}
}

func TestParseHiveRejectsTruncatedBody(t *testing.T) {
	data := buildHive(t, map[string]map[string]RegistryValue{
		"A": {"B": {Kind: REGSZ, Data: []byte("value")}},
	})
	truncated := data[:len(data)-3]
	if _, err := ParseHive(truncated); err != ErrMalformedHive {
		t.Fatalf("err = %v, want ErrMalformedHive", err)
	}
}

func TestRegistryKeySubkeyAndSetters(t *testing.T) {
	root := NewRegistryKey("HKLM")
	child := root.Subkey("Software")
	child.SetDWord("Count", 3)
	child.SetString("Name", "vemu")

	if got := root.Subkey("Software"); got != child {
		t.Fatalf("Subkey did not return the existing child on second call")
	}
	if v := child.Values["Count"]; binary.LittleEndian.Uint32(v.Data) != 3 {
		t.Fatalf("Count = %v, want 3", v.Data)
	}
	if v := child.Values["Name"]; string(v.Data) != "vemu\x00" {
		t.Fatalf("Name = %q, want \"vemu\\x00\"", v.Data)
	}
}

func TestListSubkeysRootAndNested(t *testing.T) {
	root := NewRegistryKey("HKLM")
	software := root.Subkey("Software")
	software.Subkey("Contoso")
	software.Subkey("Microsoft")

	top := root.ListSubkeys("")
	if len(top) != 1 || top[0] != "Software" {
		t.Fatalf("ListSubkeys(\"\") = %v, want [Software]", top)
	}

	nested := root.ListSubkeys("Software")
	if len(nested) != 2 {
		t.Fatalf("ListSubkeys(\"Software\") = %v, want 2 entries", nested)
	}

	if got := root.ListSubkeys("Software\\NoSuchKey"); got != nil {
		t.Fatalf("ListSubkeys for an unresolvable path = %v, want nil", got)
	}
}

func TestKeyExistsWalksPath(t *testing.T) {
	root := NewRegistryKey("HKLM")
	root.Subkey("Software").Subkey("Contoso")

	if !root.KeyExists("Software\\Contoso") {
		t.Fatalf("expected Software\\Contoso to exist")
	}
	if root.KeyExists("Software\\Nope") {
		t.Fatalf("did not expect Software\\Nope to exist")
	}
}

func TestGetValueByPathReturnsDefaultValue(t *testing.T) {
	root := NewRegistryKey("HKLM")
	target := root.Subkey("Software").Subkey("Contoso")
	target.Values[""] = RegistryValue{Kind: REGSZ, Data: append([]byte("default"), 0)}
	target.SetString("InstallPath", "C:\\Contoso")

	v, ok := root.GetValueByPath("Software\\Contoso")
	if !ok {
		t.Fatalf("expected a default value at Software\\Contoso")
	}
	if string(v.Data) != "default\x00" {
		t.Fatalf("default value = %q, want \"default\\x00\"", v.Data)
	}

	if _, ok := root.GetValueByPath("Software\\Missing"); ok {
		t.Fatalf("expected no value for an unresolvable path")
	}
}
