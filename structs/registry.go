package structs

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedHive is returned when a binary hive fails its minimal
// structural checks.
var ErrMalformedHive = errors.New("malformed registry hive")

// ValueKind mirrors the Windows registry value types this core supports.
type ValueKind uint32

const (
	REGNone ValueKind = iota
	REGSZ
	REGExpandSZ
	REGBinary
	REGDWord
	REGQWord
)

// RegistryValue is one named value within a key.
type RegistryValue struct {
	Kind ValueKind
	Data []byte
}

// RegistryKey is a tree node: a named key owning values and subkeys.
type RegistryKey struct {
	Name    string
	Values  map[string]RegistryValue
	Subkeys map[string]*RegistryKey
}

// NewRegistryKey returns an empty key ready to be populated.
func NewRegistryKey(name string) *RegistryKey {
	return &RegistryKey{Name: name, Values: make(map[string]RegistryValue), Subkeys: make(map[string]*RegistryKey)}
}

// Subkey returns (creating if needed) the named child key.
func (k *RegistryKey) Subkey(name string) *RegistryKey {
	if child, ok := k.Subkeys[name]; ok {
		return child
	}
	child := NewRegistryKey(name)
	k.Subkeys[name] = child
	return child
}

// SetDWord records a REG_DWORD value under name.
func (k *RegistryKey) SetDWord(name string, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	k.Values[name] = RegistryValue{Kind: REGDWord, Data: b}
}

// SetString records a REG_SZ value under name.
func (k *RegistryKey) SetString(name, v string) {
	k.Values[name] = RegistryValue{Kind: REGSZ, Data: append([]byte(v), 0)}
}

// getKeyByPath walks a backslash-separated path as a sequence of subkey
// names rooted at k, e.g. "Microsoft\Windows\CurrentVersion".
func (k *RegistryKey) getKeyByPath(path string) (*RegistryKey, bool) {
	parts := strings.Split(path, `\`)
	current, ok := k.Subkeys[parts[0]]
	if !ok {
		return nil, false
	}
	for _, part := range parts[1:] {
		current, ok = current.Subkeys[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// KeyExists reports whether path resolves to a reachable subkey under k.
func (k *RegistryKey) KeyExists(path string) bool {
	_, ok := k.getKeyByPath(path)
	return ok
}

// ListSubkeys returns the direct subkey names at path. An empty path lists
// k's own direct subkeys; an unresolvable path returns nil.
func (k *RegistryKey) ListSubkeys(path string) []string {
	target := k
	if path != "" {
		var ok bool
		target, ok = k.getKeyByPath(path)
		if !ok {
			return nil
		}
	}
	names := make([]string, 0, len(target.Subkeys))
	for name := range target.Subkeys {
		names = append(names, name)
	}
	return names
}

// GetValueByPath walks path as a sequence of subkey names and returns the
// resolved key's default (unnamed) value.
func (k *RegistryKey) GetValueByPath(path string) (RegistryValue, bool) {
	target, ok := k.getKeyByPath(path)
	if !ok {
		return RegistryValue{}, false
	}
	v, ok := target.Values[""]
	return v, ok
}

// hive header: a tiny binary format this core defines for parsing
// guest-supplied hive blobs, not the full NT hive file format.
//
//	magic    [4]byte "VREG"
//	version  uint32
//	keyCount uint32
//	entries  keyCount * keyRecord
//
// keyRecord:
//
//	nameLen  uint16
//	name     nameLen bytes
//	valCount uint32
//	values   valCount * (nameLen uint16, name, kind uint32, dataLen uint32, data)
var hiveMagic = [4]byte{'V', 'R', 'E', 'G'}

// ParseHive decodes a binary hive blob into a flat list of keys; the caller
// assembles the tree (subkey nesting is expressed by '\'-joined names,
// matching the native registry path convention).
func ParseHive(b []byte) (map[string]*RegistryKey, error) {
	if len(b) < 12 || [4]byte{b[0], b[1], b[2], b[3]} != hiveMagic {
		return nil, ErrMalformedHive
	}
	pos := 4
	_ = binary.LittleEndian.Uint32(b[pos:]) // version, unused by this core
	pos += 4
	keyCount := binary.LittleEndian.Uint32(b[pos:])
	pos += 4

	keys := make(map[string]*RegistryKey, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		if pos+2 > len(b) {
			return nil, ErrMalformedHive
		}
		nameLen := int(binary.LittleEndian.Uint16(b[pos:]))
		pos += 2
		if pos+nameLen > len(b) {
			return nil, ErrMalformedHive
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen

		if pos+4 > len(b) {
			return nil, ErrMalformedHive
		}
		valCount := binary.LittleEndian.Uint32(b[pos:])
		pos += 4

		key := NewRegistryKey(name)
		for j := uint32(0); j < valCount; j++ {
			if pos+2 > len(b) {
				return nil, ErrMalformedHive
			}
			vNameLen := int(binary.LittleEndian.Uint16(b[pos:]))
			pos += 2
			if pos+vNameLen+8 > len(b) {
				return nil, ErrMalformedHive
			}
			vName := string(b[pos : pos+vNameLen])
			pos += vNameLen
			kind := ValueKind(binary.LittleEndian.Uint32(b[pos:]))
			pos += 4
			dataLen := int(binary.LittleEndian.Uint32(b[pos:]))
			pos += 4
			if pos+dataLen > len(b) {
				return nil, ErrMalformedHive
			}
			data := append([]byte(nil), b[pos:pos+dataLen]...)
			pos += dataLen
			key.Values[vName] = RegistryValue{Kind: kind, Data: data}
		}
		keys[name] = key
	}
	return keys, nil
}
