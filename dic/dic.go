// Package dic implements the decoded-instruction cache: a fixed-size flat
// array of decoded instructions plus a directory of direct-mapped,
// linear-probed lines keyed by guest page.
package dic

import (
	"github.com/pkg/errors"

	"vemu/log"
)

var logger = log.For("dic")

const (
	// InstrArraySize is the flat decoded-instruction array's capacity.
	InstrArraySize = 8192 * 64
	// NumLines is the directory size.
	NumLines = 2048
	// SlotsPerLine is the number of linearly-probed slots per line.
	SlotsPerLine = 32
)

// InvalidPage is the sentinel meaning "this slot is empty". Emptiness is
// checked directly against this value rather than through a separate
// validity flag.
const InvalidPage = ^uint64(0)

// Instruction is an opaque decoded-instruction record. The cache does not
// interpret its contents — it only stores and replays the sequence that a
// Decoder produced, and the Instruction must carry its own byte length so
// the dispatcher can advance RIP without re-decoding.
type Instruction struct {
	Addr   uint64
	Length int
	// IsControlFlow marks the run boundary: a cached run always ends at
	// (and includes) the first control-flow instruction.
	IsControlFlow bool
	// Payload is decoder-defined (e.g. *x86.Instruction), opaque to the cache.
	Payload interface{}
}

type slot struct {
	page  uint64 // sentinel InvalidPage means empty
	index int    // index into the flat instruction array
	count int    // number of contiguous decoded instructions starting here
}

// Decoder decodes instructions forward from an address until it hits a
// control-flow instruction (inclusive) or cannot proceed further.
type Decoder interface {
	// DecodeNext decodes one instruction at addr. ok is false if the decoder
	// cannot proceed (e.g. unmapped or malformed bytes); the caller treats
	// that as the end of the run without an error.
	DecodeNext(addr uint64) (instr Instruction, ok bool)
}

// Cache is the decoded-instruction cache.
type Cache struct {
	instrs    [InstrArraySize]Instruction
	writeHead int

	lines [NumLines][SlotsPerLine]slot

	cursorIndex int
	cursorCount int
	cursorPos   int
}

// New returns an empty cache with every slot marked empty.
func New() *Cache {
	c := &Cache{}
	c.FlushAll()
	return c
}

func pageOf(addr uint64) uint64 { return addr >> 12 }

// lineIndex derives the directory line for a page: a direct mask by
// NumLines-1, since the directory size is a power of two.
func lineIndex(page uint64) int {
	return int(page & (NumLines - 1))
}

// Lookup returns the cached run starting at addr, if any, and positions the
// decode cursor at its first instruction.
func (c *Cache) Lookup(addr uint64) (count int, ok bool) {
	page := pageOf(addr)
	li := lineIndex(page)
	line := &c.lines[li]

	for i := 0; i < SlotsPerLine; i++ {
		s := &line[i]
		if s.page == InvalidPage {
			continue
		}
		if s.page == page && c.instrs[s.index].Addr == addr {
			c.cursorIndex = s.index
			c.cursorCount = s.count
			c.cursorPos = 0
			return s.count, true
		}
	}
	return 0, false
}

// CanDecode reports whether the decode cursor is still within the cached run.
func (c *Cache) CanDecode() bool {
	return c.cursorPos < c.cursorCount
}

// DecodeOut copies the next cached instruction and advances the cursor.
func (c *Cache) DecodeOut() (Instruction, bool) {
	if !c.CanDecode() {
		return Instruction{}, false
	}
	instr := c.instrs[c.cursorIndex+c.cursorPos]
	c.cursorPos++
	return instr, true
}

// InsertFromDecoder runs dec forward from addr, appending decoded
// instructions until a control-flow instruction is appended (inclusive) or
// the decoder cannot proceed, then records a slot for page_of(addr).
func (c *Cache) InsertFromDecoder(dec Decoder, addr uint64) error {
	page := pageOf(addr)
	startIndex := c.writeHead
	cur := addr
	count := 0

	for {
		if c.writeHead >= InstrArraySize {
			if startIndex == 0 {
				// This run alone fills the whole array: end it here.
				break
			}
			// Instruction array would overflow: clear it and restart this
			// insert from the top.
			logger.Warn("instruction array full, flushing cache")
			c.FlushAll()
			return c.InsertFromDecoder(dec, addr)
		}

		instr, ok := dec.DecodeNext(cur)
		if !ok {
			break
		}

		c.instrs[c.writeHead] = instr
		c.writeHead++
		count++
		cur += uint64(instr.Length)

		if instr.IsControlFlow {
			break
		}
	}

	if count == 0 {
		return errors.Errorf("decoder could not produce any instruction at addr %#x", addr)
	}

	li := lineIndex(page)
	line := &c.lines[li]
	placed := false
	for i := 0; i < SlotsPerLine; i++ {
		if line[i].page == InvalidPage {
			line[i] = slot{page: page, index: startIndex, count: count}
			placed = true
			break
		}
	}
	if !placed {
		// Probe exhausted: invalidate the whole line rather than evicting
		// per-slot.
		c.FlushLine(addr)
		line[0] = slot{page: page, index: startIndex, count: count}
	}

	c.cursorIndex = startIndex
	c.cursorCount = count
	c.cursorPos = 0
	return nil
}

// FlushLine clears the 32 slots of the cache line that addr maps to.
func (c *Cache) FlushLine(addr uint64) {
	li := lineIndex(pageOf(addr))
	for i := range c.lines[li] {
		c.lines[li][i] = slot{page: InvalidPage}
	}
}

// FlushAll clears every slot and resets the instruction-array write pointer.
func (c *Cache) FlushAll() {
	for l := range c.lines {
		for i := range c.lines[l] {
			c.lines[l][i] = slot{page: InvalidPage}
		}
	}
	c.writeHead = 0
	c.cursorIndex, c.cursorCount, c.cursorPos = 0, 0, 0
}
