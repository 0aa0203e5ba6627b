package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
	"github.com/piotrbartman/sandboxed-api/pkg/procmaps"
)

// memoryReader reads out of the stopped target's address space.
type memoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// stackIterator produces the frames of a stopped target one at a time:
//
//	for it.Next() { frames = append(frames, it.Frame()) }
//
// After iteration Status and Fault describe how the walk ended. The
// iterator never runs forever: every dereferenced frame pointer is
// remembered and revisiting one ends the walk.
type stackIterator struct {
	arch   *Arch
	mem    memoryReader
	table  *procmaps.Table
	mods   *moduleCache
	logger logflags.Logger

	pc, sp, fp uint64
	lr         uint64
	top        bool
	visited    map[uint64]bool
	wordBuf    []byte

	frame  Frame
	status Status
	fault  string
	atend  bool
}

func newStackIterator(arch *Arch, mem memoryReader, table *procmaps.Table, mods *moduleCache, pc, sp, fp, lr uint64, logger logflags.Logger) *stackIterator {
	return &stackIterator{
		arch:    arch,
		mem:     mem,
		table:   table,
		mods:    mods,
		logger:  logger,
		pc:      pc,
		sp:      sp,
		fp:      fp,
		lr:      lr,
		top:     true,
		visited: make(map[uint64]bool),
		wordBuf: make([]byte, arch.PtrSize),
		status:  Complete,
	}
}

// Next advances to the next frame. It returns false when the walk is
// over; the frame produced by the final successful call is still valid.
func (it *stackIterator) Next() bool {
	if it.atend {
		return false
	}

	frame, mapped := it.symbolize(it.pc)
	it.frame = frame
	if !mapped {
		// Nothing is known about code at this address; following a
		// frame chain through it would produce garbage.
		it.logger.Debugf("pc %#x outside every mapping, stopping", it.pc)
		it.atend = true
		return true
	}

	it.advance()
	return true
}

// Frame returns the frame produced by the last call to Next.
func (it *stackIterator) Frame() Frame {
	return it.frame
}

// Status reports how the walk ended.
func (it *stackIterator) Status() Status {
	return it.status
}

// Fault returns the failure description when Status is AbortedByError.
func (it *stackIterator) Fault() string {
	return it.fault
}

// Exhausted reports whether the iterator cannot produce more frames.
func (it *stackIterator) Exhausted() bool {
	return it.atend
}

// symbolize builds the frame for pc. mapped is false when no mapping
// owns the address. Symbolization failures degrade to an address-only
// frame; they never end the walk by themselves.
func (it *stackIterator) symbolize(pc uint64) (Frame, bool) {
	lookupPC := pc
	if !it.top {
		// return addresses point one past the call instruction
		lookupPC--
	}

	frame := Frame{PC: pc, ModulePC: pc}
	m, ok := it.table.Find(lookupPC)
	if !ok {
		return frame, false
	}
	frame.Module = m.Path

	// Without better information treat the mapping as if the module
	// image began at its start; a loaded ELF refines the base below.
	base := m.Start - m.Offset

	if m.FileBacked() {
		if h := it.mods.open(m.Path); h != nil {
			if b, ok := h.LoadBase(m.Start, m.Offset); ok {
				base = b
			}
			if sym, ok := h.Resolve(lookupPC - base); ok {
				frame.Symbol = sym.Name
				frame.SymbolOffset = pc - base - sym.Addr
			}
		}
	}
	frame.ModulePC = pc - base
	return frame, true
}

// advance computes the caller position from the current one.
func (it *stackIterator) advance() {
	hooked := false
	if it.top && it.arch.adjustTopFrame != nil {
		hooked = it.arch.adjustTopFrame(it)
	}
	it.top = false
	if hooked {
		return
	}

	if it.fp == 0 {
		// natural root of the chain
		it.atend = true
		return
	}
	if it.visited[it.fp] {
		it.logger.Debugf("frame pointer %#x already visited, chain loops", it.fp)
		it.atend = true
		it.status = TruncatedByLimit
		return
	}
	it.visited[it.fp] = true

	savedFP, err := it.readWord(it.fp)
	if err != nil {
		it.abort(fmt.Sprintf("reading saved frame pointer at %#x: %v", it.fp, err))
		return
	}
	retPC, err := it.readWord(it.fp + uint64(it.arch.PtrSize))
	if err != nil {
		it.abort(fmt.Sprintf("reading return address at %#x: %v", it.fp+uint64(it.arch.PtrSize), err))
		return
	}
	if retPC == 0 {
		it.atend = true
		return
	}

	it.sp = it.fp + 2*uint64(it.arch.PtrSize)
	it.fp = savedFP
	it.pc = retPC
}

func (it *stackIterator) abort(cause string) {
	it.logger.Debugf("aborting walk: %s", cause)
	it.atend = true
	it.status = AbortedByError
	it.fault = cause
}

func (it *stackIterator) readWord(addr uint64) (uint64, error) {
	n, err := it.mem.ReadMemory(it.wordBuf, addr)
	if err != nil {
		return 0, err
	}
	if n != len(it.wordBuf) {
		return 0, fmt.Errorf("short read at %#x", addr)
	}
	return binary.LittleEndian.Uint64(it.wordBuf), nil
}
