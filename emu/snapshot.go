package emu

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"vemu/asm"
	"vemu/cpu"
	"vemu/heap"
	"vemu/sched"
)

// snapshotVersion is bumped whenever the envelope's shape changes. There is
// no cross-version compatibility guarantee; Restore rejects a mismatch
// rather than attempting to migrate.
const snapshotVersion = 1

// segmentSnapshot is the serializable form of an asm.Segment.
type segmentSnapshot struct {
	Name       string
	Base       uint64
	Length     uint64
	Permission asm.Permission
	Bytes      []byte
}

// threadSnapshot is the serializable form of a sched.ThreadContext.
type threadSnapshot struct {
	ID            int
	CorrelationID uuid.UUID
	Registers     cpu.Snapshot
	WakeTick      uint64
	Suspended     bool
	Terminated    bool
	BlockedOnCS   *string
	StackPointer  uint64
	TEBAddr       uint64
}

// envelope is the full serialized core state.
type envelope struct {
	Version int
	Is64    bool

	Segments []segmentSnapshot
	Threads  []threadSnapshot
	Current  int
	Tick     uint64

	HeapBase     uint64
	HeapCapacity uint32
}

// Snapshot serializes every field the embedding API's snapshot contract
// covers: registers, ASM contents and permissions, thread contexts,
// scheduler tick and current index. The heap's fragment/bin graph is not
// serialized: only the arena's base and capacity are carried. The bytes
// backing the heap survive as part of the ASM contents, but allocations
// made before the snapshot are not tracked by the restored arena.
func (e *Emulator) Snapshot() ([]byte, error) {
	env := envelope{
		Version: snapshotVersion,
		Is64:    e.Config.Is64Bits,
		Current: e.Scheduler.CurrentIndex(),
		Tick:    e.Scheduler.Tick(),
	}

	for _, seg := range e.Mem.Segments() {
		env.Segments = append(env.Segments, segmentSnapshot{
			Name: seg.Name, Base: seg.Base, Length: seg.Length,
			Permission: seg.Permission, Bytes: append([]byte(nil), seg.Bytes...),
		})
	}

	for _, t := range e.Scheduler.Threads() {
		env.Threads = append(env.Threads, threadSnapshot{
			ID:            int(t.ID),
			CorrelationID: t.CorrelationID,
			Registers:     t.Registers.ToSnapshot(),
			WakeTick:      t.WakeTick,
			Suspended:     t.Suspended,
			Terminated:    t.Terminated,
			BlockedOnCS:   t.BlockedOnCS,
			StackPointer:  t.StackPointer,
			TEBAddr:       t.TEBAddr,
		})
	}

	if e.Heap != nil {
		env.HeapBase = e.Heap.Base()
		env.HeapCapacity = e.Heap.Capacity()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, errors.Wrap(err, "encoding snapshot")
	}
	return buf.Bytes(), nil
}

// Restore replaces the emulator's address space and thread table with the
// state captured by a prior Snapshot call. If the snapshot carried a heap,
// Restore installs a new, empty arena with the captured base and capacity.
func (e *Emulator) Restore(data []byte) error {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return errors.Wrap(err, "decoding snapshot")
	}
	if env.Version != snapshotVersion {
		return errors.Errorf("snapshot version %d is incompatible with this build (want %d)", env.Version, snapshotVersion)
	}

	mem := asm.New(env.Is64)
	for _, ss := range env.Segments {
		seg, err := mem.Create(ss.Name, ss.Base, ss.Length, ss.Permission)
		if err != nil {
			return errors.Wrapf(err, "recreating segment %q", ss.Name)
		}
		copy(seg.Bytes, ss.Bytes)
	}
	e.Mem = mem
	// The decoder and instruction cache were built against the pre-restore
	// address space; re-point the decoder at the rebuilt one and drop every
	// cached run, or Step would keep decoding from the old (now orphaned)
	// segments.
	e.Decoder.Mem = mem
	e.Dispatch.Cache.FlushAll()

	scheduler := sched.New()
	for _, ts := range env.Threads {
		regs := cpu.FromSnapshot(ts.Registers)
		t := scheduler.Spawn(regs)
		t.CorrelationID = ts.CorrelationID
		t.WakeTick = ts.WakeTick
		t.Suspended = ts.Suspended
		t.Terminated = ts.Terminated
		t.BlockedOnCS = ts.BlockedOnCS
		t.StackPointer = ts.StackPointer
		t.TEBAddr = ts.TEBAddr
	}
	scheduler.SetCurrentIndex(env.Current)
	scheduler.SetTick(env.Tick)
	e.Scheduler = scheduler

	if env.HeapCapacity != 0 {
		a, err := heap.NewArena(env.HeapBase, env.HeapCapacity)
		if err != nil {
			return errors.Wrap(err, "recreating heap arena")
		}
		e.Heap = a
	}

	e.Config.Is64Bits = env.Is64
	return nil
}
