// Package asm implements the address-space map: named, permissioned guest
// memory segments, byte/word/dword/qword/buffer access, and the allocator
// that hands out unused guest ranges.
package asm

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/pkg/errors"

	"vemu/log"
)

var logger = log.For("asm")

// Permission is a bitmask of the access rights a segment grants.
type Permission uint8

const (
	Read Permission = 1 << iota
	Write
	Execute
)

func (p Permission) String() string {
	s := [3]byte{'-', '-', '-'}
	if p&Read != 0 {
		s[0] = 'r'
	}
	if p&Write != 0 {
		s[1] = 'w'
	}
	if p&Execute != 0 {
		s[2] = 'x'
	}
	return string(s[:])
}

// pageShift divides guest addresses into pages for the TLB-like accelerator.
const pageShift = 12

// Typed error taxonomy.
var (
	ErrNameInUse         = errors.New("segment name already in use")
	ErrOverlap           = errors.New("segment overlaps an existing segment")
	ErrOutOfRange        = errors.New("segment range is invalid")
	ErrUnmapped          = errors.New("address is not mapped")
	ErrPermissionDenied  = errors.New("access not permitted by segment permissions")
	ErrCrossesBoundary   = errors.New("access would cross a segment boundary")
	ErrStringTooLong     = errors.New("string exceeds the maximum read length")
	ErrOOM               = errors.New("address space allocator is out of guest address space")
	ErrUnknownSegment    = errors.New("no such segment")
)

// MaxStringLength bounds ReadString/ReadWideString.
const MaxStringLength = 1024

// Segment is a contiguous, page-aligned guest-address range.
type Segment struct {
	Name       string
	Base       uint64
	Length     uint64
	Permission Permission
	Bytes      []byte

	// PermissiveOnViolation, when true, logs and continues on a permission
	// violation instead of treating it as fatal.
	PermissiveOnViolation bool
}

// End returns the address one past the end of the segment.
func (s *Segment) End() uint64 { return s.Base + s.Length }

func (s *Segment) contains(addr uint64) bool {
	return addr >= s.Base && addr < s.End()
}

// AddressSpace is the sorted collection of segments plus a one-slot
// last-hit cache and a page-granular accelerator.
type AddressSpace struct {
	is64     bool
	segments []*Segment
	byName   map[string]*Segment

	lastHit *Segment

	// pageCache maps a guest page identifier to the segment that most
	// recently served an access inside it. Destroy removes a segment's
	// entries; a missing entry just falls back to binary search.
	pageCache map[uint64]*Segment

	// nextAllocBase is where Alloc starts probing for the next free range.
	nextAllocBase uint64
}

// New creates an empty address space. is64 only affects the default
// allocation window (low 4GiB for 32-bit guests, a much larger span for 64-bit).
func New(is64 bool) *AddressSpace {
	base := uint64(0x00400000)
	return &AddressSpace{
		is64:          is64,
		byName:        make(map[string]*Segment),
		pageCache:     make(map[uint64]*Segment),
		nextAllocBase: base,
	}
}

func pageOf(addr uint64) uint64 { return addr >> pageShift }

// Create registers a new named segment. Segments never overlap; base/length
// must describe a page-aligned range.
func (a *AddressSpace) Create(name string, base, length uint64, perm Permission) (*Segment, error) {
	if length == 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "segment %q has zero length", name)
	}
	if base%(1<<pageShift) != 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "segment %q base %#x is not page-aligned", name, base)
	}
	if length%(1<<pageShift) != 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "segment %q length %#x is not page-aligned", name, length)
	}
	if _, exists := a.byName[name]; exists {
		return nil, errors.Wrapf(ErrNameInUse, "segment %q", name)
	}

	end := base + length
	idx := sort.Search(len(a.segments), func(i int) bool { return a.segments[i].Base >= base })
	if idx > 0 && a.segments[idx-1].End() > base {
		return nil, errors.Wrapf(ErrOverlap, "segment %q [%#x,%#x)", name, base, end)
	}
	if idx < len(a.segments) && a.segments[idx].Base < end {
		return nil, errors.Wrapf(ErrOverlap, "segment %q [%#x,%#x)", name, base, end)
	}

	seg := &Segment{Name: name, Base: base, Length: length, Permission: perm, Bytes: make([]byte, length)}
	a.segments = append(a.segments, nil)
	copy(a.segments[idx+1:], a.segments[idx:])
	a.segments[idx] = seg
	a.byName[name] = seg

	logger.WithFields(map[string]interface{}{
		"segment": name, "base": base, "length": length, "perm": perm.String(),
	}).Debug("segment created")

	return seg, nil
}

// Destroy reclaims a segment's range; subsequent accesses within it fail.
func (a *AddressSpace) Destroy(seg *Segment) {
	idx := sort.Search(len(a.segments), func(i int) bool { return a.segments[i].Base >= seg.Base })
	if idx < len(a.segments) && a.segments[idx] == seg {
		a.segments = append(a.segments[:idx], a.segments[idx+1:]...)
	}
	delete(a.byName, seg.Name)
	if a.lastHit == seg {
		a.lastHit = nil
	}
	for page, s := range a.pageCache {
		if s == seg {
			delete(a.pageCache, page)
		}
	}
	logger.WithField("segment", seg.Name).Debug("segment destroyed")
}

// SegmentContaining finds the segment covering addr, if any.
func (a *AddressSpace) SegmentContaining(addr uint64) *Segment {
	if a.lastHit != nil && a.lastHit.contains(addr) {
		return a.lastHit
	}

	page := pageOf(addr)
	if s, ok := a.pageCache[page]; ok && s.contains(addr) {
		a.lastHit = s
		return s
	}

	segs := a.segments
	idx := sort.Search(len(segs), func(i int) bool { return segs[i].End() > addr })
	if idx < len(segs) && segs[idx].contains(addr) {
		a.lastHit = segs[idx]
		a.pageCache[page] = segs[idx]
		return segs[idx]
	}
	return nil
}

// Protect changes a segment's permission set post-creation.
func (a *AddressSpace) Protect(seg *Segment, perm Permission) {
	seg.Permission = perm
}

// SegmentByName looks up a segment by its unique name.
func (a *AddressSpace) SegmentByName(name string) *Segment {
	return a.byName[name]
}

// Segments returns every live segment, sorted by base, for snapshotting.
func (a *AddressSpace) Segments() []*Segment { return a.segments }

func (a *AddressSpace) check(addr uint64, n uint64, need Permission) (*Segment, error) {
	seg := a.SegmentContaining(addr)
	if seg == nil {
		return nil, errors.Wrapf(ErrUnmapped, "addr %#x", addr)
	}
	if addr+n > seg.End() {
		return nil, errors.Wrapf(ErrCrossesBoundary, "addr %#x len %d in segment %q", addr, n, seg.Name)
	}
	if seg.Permission&need == 0 {
		if seg.PermissiveOnViolation {
			logger.WithFields(map[string]interface{}{
				"segment": seg.Name, "addr": addr, "need": need.String(),
			}).Warn("permission violation ignored (compatibility mode)")
			return seg, nil
		}
		return nil, errors.Wrapf(ErrPermissionDenied, "addr %#x needs %s, segment %q has %s", addr, need.String(), seg.Name, seg.Permission.String())
	}
	return seg, nil
}

func (a *AddressSpace) ReadU8(addr uint64) (uint8, error) {
	seg, err := a.check(addr, 1, Read)
	if err != nil {
		return 0, err
	}
	return seg.Bytes[addr-seg.Base], nil
}

func (a *AddressSpace) WriteU8(addr uint64, v uint8) error {
	seg, err := a.check(addr, 1, Write)
	if err != nil {
		return err
	}
	seg.Bytes[addr-seg.Base] = v
	return nil
}

func (a *AddressSpace) ReadU16(addr uint64) (uint16, error) {
	seg, err := a.check(addr, 2, Read)
	if err != nil {
		return 0, err
	}
	off := addr - seg.Base
	return binary.LittleEndian.Uint16(seg.Bytes[off:]), nil
}

func (a *AddressSpace) WriteU16(addr uint64, v uint16) error {
	seg, err := a.check(addr, 2, Write)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(seg.Bytes[addr-seg.Base:], v)
	return nil
}

func (a *AddressSpace) ReadU32(addr uint64) (uint32, error) {
	seg, err := a.check(addr, 4, Read)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(seg.Bytes[addr-seg.Base:]), nil
}

func (a *AddressSpace) WriteU32(addr uint64, v uint32) error {
	seg, err := a.check(addr, 4, Write)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(seg.Bytes[addr-seg.Base:], v)
	return nil
}

func (a *AddressSpace) ReadU64(addr uint64) (uint64, error) {
	seg, err := a.check(addr, 8, Read)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(seg.Bytes[addr-seg.Base:]), nil
}

func (a *AddressSpace) WriteU64(addr uint64, v uint64) error {
	seg, err := a.check(addr, 8, Write)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(seg.Bytes[addr-seg.Base:], v)
	return nil
}

// ReadBuffer reads n bytes starting at addr. It must not cross a segment
// boundary.
func (a *AddressSpace) ReadBuffer(addr uint64, n int) ([]byte, error) {
	seg, err := a.check(addr, uint64(n), Read)
	if err != nil {
		return nil, err
	}
	off := addr - seg.Base
	out := make([]byte, n)
	copy(out, seg.Bytes[off:off+uint64(n)])
	return out, nil
}

// WriteBuffer writes b starting at addr, failing if it would cross a boundary.
func (a *AddressSpace) WriteBuffer(addr uint64, b []byte) error {
	seg, err := a.check(addr, uint64(len(b)), Write)
	if err != nil {
		return err
	}
	copy(seg.Bytes[addr-seg.Base:], b)
	return nil
}

// ReadString reads a NUL-terminated byte string, capped at MaxStringLength.
func (a *AddressSpace) ReadString(addr uint64) (string, error) {
	var out []byte
	for i := 0; i < MaxStringLength; i++ {
		b, err := a.ReadU8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return "", errors.Wrapf(ErrStringTooLong, "addr %#x", addr)
}

// ReadWideString reads a NUL-terminated UTF-16LE string, capped at MaxStringLength units.
func (a *AddressSpace) ReadWideString(addr uint64) (string, error) {
	var units []uint16
	for i := 0; i < MaxStringLength; i++ {
		u, err := a.ReadU16(addr + uint64(i)*2)
		if err != nil {
			return "", err
		}
		if u == 0 {
			return string(utf16.Decode(units)), nil
		}
		units = append(units, u)
	}
	return "", errors.Wrapf(ErrStringTooLong, "addr %#x", addr)
}

// WriteString writes s followed by a NUL terminator.
func (a *AddressSpace) WriteString(addr uint64, s string) error {
	if err := a.WriteBuffer(addr, []byte(s)); err != nil {
		return err
	}
	return a.WriteU8(addr+uint64(len(s)), 0)
}

// WriteWideString writes s as UTF-16LE followed by a NUL terminator.
func (a *AddressSpace) WriteWideString(addr uint64, s string) error {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return a.WriteBuffer(addr, buf)
}

const allocAlignment = 1 << pageShift

// Alloc finds an unused, page-aligned guest range of the given size and
// returns its base address. It does not create a named segment; the caller
// is responsible for naming it via Create.
func (a *AddressSpace) Alloc(size uint64) (uint64, error) {
	size = (size + allocAlignment - 1) &^ (allocAlignment - 1)
	if size == 0 {
		size = allocAlignment
	}

	candidate := a.nextAllocBase
	ceiling := uint64(0xFFFFFFFF - allocAlignment)
	if a.is64 {
		ceiling = uint64(1) << 47
	}

	for candidate+size <= ceiling {
		overlap := false
		for _, seg := range a.segments {
			if candidate < seg.End() && seg.Base < candidate+size {
				candidate = seg.End()
				overlap = true
				break
			}
		}
		if !overlap {
			a.nextAllocBase = candidate + size
			return candidate, nil
		}
	}
	return 0, errors.Wrap(ErrOOM, "no free guest range of requested size")
}
