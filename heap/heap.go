// Package heap implements the userland malloc-family allocator guest
// programs use: an O(1) buddy-style fragment allocator over a single arena.
package heap

import (
	"math/bits"

	"github.com/pkg/errors"

	"vemu/log"
)

var logger = log.For("heap")

// FragmentSizeMin is the smallest fragment size and rounding floor.
const FragmentSizeMin = 256

// NumBins sizes the free-list bin array.
const NumBins = 64 * 8

// ErrOOM is returned when the arena cannot satisfy a request.
var ErrOOM = errors.New("heap arena is out of memory")

// undefinedOffset marks a fragment with no link.
const undefinedOffset = ^uint32(0)

// fragment is a node in the base-offset-ordered doubly-linked chain. All
// links are compact offsets into the fragments map rather than pointers, so
// the arena owns every fragment outright and no reference cycles can form.
type fragment struct {
	offset uint32
	size   uint32
	used   bool

	prev, next         uint32 // chain order by base offset; undefinedOffset = none
	prevFree, nextFree uint32 // free-list bin links; undefinedOffset = none
}

// Diagnostics tracks allocator health.
type Diagnostics struct {
	Capacity        uint64
	Allocated       uint64
	PeakAllocated   uint64
	PeakRequestSize uint64
	OOMCount        uint64
}

// Arena is a single heap over a guest address range.
type Arena struct {
	base     uint64
	capacity uint32

	fragments map[uint32]*fragment
	bins      [NumBins]uint32 // head offset per bin, undefinedOffset = empty
	nonempty  uint64          // bitmask over the low 64 bins; a uint32 capacity never yields a bin index of 64 or more

	diag Diagnostics
}

// MinArenaSize is the smallest capacity NewArena accepts: enough for one
// minimum fragment. Bookkeeping lives in Go's heap, not the arena, so the
// floor is just the minimum fragment size.
const MinArenaSize = FragmentSizeMin

// NewArena creates a heap of the given capacity at the given guest base
// address. capacity must be at least MinArenaSize.
func NewArena(base uint64, capacity uint32) (*Arena, error) {
	if capacity < MinArenaSize {
		return nil, errors.Errorf("heap capacity %d is below the minimum %d", capacity, MinArenaSize)
	}

	a := &Arena{
		base:      base,
		capacity:  capacity,
		fragments: make(map[uint32]*fragment),
		diag:      Diagnostics{Capacity: uint64(capacity)},
	}
	for i := range a.bins {
		a.bins[i] = undefinedOffset
	}

	initial := &fragment{offset: 0, size: capacity, prev: undefinedOffset, next: undefinedOffset}
	a.fragments[0] = initial
	a.rebin(initial)

	return a, nil
}

func log2Floor(x uint32) int {
	if x == 0 {
		return 0
	}
	return bits.Len32(x) - 1
}

func log2Ceil(x uint32) int {
	if x <= 1 {
		return 0
	}
	return log2Floor(x-1) + 1
}

func roundUpPow2(x uint32) uint32 {
	if x == 0 {
		return 1
	}
	if x&(x-1) == 0 {
		return x
	}
	return 1 << bits.Len32(x)
}

func binIndex(size uint32) int {
	return log2Floor(size / FragmentSizeMin)
}

func (a *Arena) rebin(f *fragment) {
	if f.size < FragmentSizeMin {
		return
	}
	idx := binIndex(f.size)
	if idx >= NumBins {
		return
	}

	f.nextFree = a.bins[idx]
	f.prevFree = undefinedOffset
	if f.nextFree != undefinedOffset {
		a.fragments[f.nextFree].prevFree = f.offset
	}
	a.bins[idx] = f.offset
	if idx < 64 {
		a.nonempty |= 1 << uint(idx)
	}
}

func (a *Arena) unbin(f *fragment) {
	if f.size < FragmentSizeMin {
		return
	}
	idx := binIndex(f.size)
	if idx >= NumBins {
		return
	}

	if f.nextFree != undefinedOffset {
		a.fragments[f.nextFree].prevFree = f.prevFree
	}
	if f.prevFree != undefinedOffset {
		a.fragments[f.prevFree].nextFree = f.nextFree
	} else {
		a.bins[idx] = f.nextFree
		if a.bins[idx] == undefinedOffset && idx < 64 {
			a.nonempty &^= 1 << uint(idx)
		}
	}
}

// Allocate reserves at least `amount` bytes and returns a guest address, or
// ErrOOM. Request sizes are rounded up to the next power of two with a
// floor of FragmentSizeMin.
func (a *Arena) Allocate(amount uint32) (uint64, error) {
	if amount == 0 {
		return 0, errors.Wrap(ErrOOM, "zero-size allocation request")
	}

	if uint64(amount) > a.diag.PeakRequestSize {
		a.diag.PeakRequestSize = uint64(amount)
	}

	size := roundUpPow2(amount)
	if size < FragmentSizeMin {
		size = FragmentSizeMin
	}
	if uint64(size) > a.diag.Capacity {
		a.diag.OOMCount++
		return 0, ErrOOM
	}

	optimalBin := log2Ceil(size / FragmentSizeMin)
	if optimalBin >= 64 {
		a.diag.OOMCount++
		return 0, ErrOOM
	}
	candidateMask := ^uint64(0) << uint(optimalBin)
	suitable := a.nonempty & candidateMask
	if suitable == 0 {
		a.diag.OOMCount++
		return 0, ErrOOM
	}

	binIdx := bits.TrailingZeros64(suitable)
	f := a.fragments[a.bins[binIdx]]
	a.unbin(f)

	leftover := f.size - size
	f.size = size
	if leftover >= FragmentSizeMin {
		newOffset := f.offset + size
		nf := &fragment{offset: newOffset, size: leftover, prev: f.offset, next: f.next}
		if f.next != undefinedOffset {
			a.fragments[f.next].prev = newOffset
		}
		f.next = newOffset
		a.fragments[newOffset] = nf
		a.rebin(nf)
	}

	f.used = true
	a.diag.Allocated += uint64(f.size)
	if a.diag.Allocated > a.diag.PeakAllocated {
		a.diag.PeakAllocated = a.diag.Allocated
	}

	logger.WithFields(map[string]interface{}{"offset": f.offset, "size": f.size}).Trace("allocated fragment")
	return a.base + uint64(f.offset), nil
}

// Free releases a previously allocated address, coalescing with adjacent
// free fragments. Address zero is always a no-op.
func (a *Arena) Free(addr uint64) {
	if addr == 0 {
		return
	}
	offset := uint32(addr - a.base)
	f, ok := a.fragments[offset]
	if !ok || !f.used {
		return
	}
	if f.size < FragmentSizeMin || uint64(f.size) > a.diag.Capacity || f.size%FragmentSizeMin != 0 {
		return
	}

	if a.diag.Allocated < uint64(f.size) {
		logger.Error("heap accounting underflow detected, ignoring free")
		return
	}
	a.diag.Allocated -= uint64(f.size)

	f.used = false
	delete(a.fragments, f.offset)

	var prev, next *fragment
	if f.prev != undefinedOffset {
		if p, ok := a.fragments[f.prev]; ok && !p.used {
			prev = p
		}
	}
	if f.next != undefinedOffset {
		if n, ok := a.fragments[f.next]; ok && !n.used {
			next = n
		}
	}

	switch {
	case prev != nil && next != nil:
		a.unbin(prev)
		a.unbin(next)
		prev.size += f.size + next.size
		prev.next = next.next
		if next.next != undefinedOffset {
			a.fragments[next.next].prev = prev.offset
		}
		delete(a.fragments, next.offset)
		a.fragments[prev.offset] = prev
		a.rebin(prev)
	case prev != nil:
		a.unbin(prev)
		prev.size += f.size
		prev.next = f.next
		if f.next != undefinedOffset {
			a.fragments[f.next].prev = prev.offset
		}
		a.fragments[prev.offset] = prev
		a.rebin(prev)
	case next != nil:
		a.unbin(next)
		f.size += next.size
		f.next = next.next
		if next.next != undefinedOffset {
			a.fragments[next.next].prev = f.offset
		}
		delete(a.fragments, next.offset)
		a.fragments[f.offset] = f
		a.rebin(f)
	default:
		a.fragments[f.offset] = f
		a.rebin(f)
	}
}

// Diagnostics returns a copy of the current allocator diagnostics.
func (a *Arena) Diagnostics() Diagnostics { return a.diag }

// Capacity returns the arena's total byte capacity.
func (a *Arena) Capacity() uint32 { return a.capacity }

// Base returns the arena's guest base address.
func (a *Arena) Base() uint64 { return a.base }
