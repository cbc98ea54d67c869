package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"disnav/internal/disasm"
)

// Page holds the steps of one byte range of a trace file. Step data is
// parsed eagerly when the page is built; instruction text is decoded on
// first request and memoized per step. Accessors panic when the step index
// is outside [0, Len()).
type Page struct {
	hdr    Header
	offset int64
	size   int64
	first  uint64 // trace-wide number of step 0

	regs     []uint64 // RegisterCount per step
	opcodes  []byte
	opOffset []uint32 // len+1 entries
	accOff   []uint32 // len+1 entries
	accesses []MemoryAccess
	tids     []uint32

	insns        atomic.Pointer[[]memo]
	lastAccessed atomic.Int64
}

type memo struct {
	once sync.Once
	unit disasm.Unit
}

// readWindow reads up to budget bytes at offset. A short read at the end of
// the file is not an error.
func readWindow(r io.ReaderAt, offset, budget int64) ([]byte, error) {
	if budget <= 0 {
		return nil, nil
	}
	buf := make([]byte, budget)
	n, err := r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w at offset %d: %w", ErrPageIO, offset, err)
	}
	return buf[:n], nil
}

// walkRecords calls fn for each complete record in buf and returns the
// number of bytes consumed. A partial trailing record is left unconsumed.
func walkRecords(ctx context.Context, buf []byte, h Header, fn func(record)) (int64, error) {
	var pos int
	for pos < len(buf) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rec, err := decodeRecord(buf[pos:], h)
		if errors.Is(err, errIncomplete) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("offset +%d: %w", pos, err)
		}
		fn(rec)
		pos += rec.size
	}
	return int64(pos), nil
}

// ParsePage builds the page starting at offset, reading at most budget
// bytes. first is the trace-wide number of the page's first step. The page
// is returned only when fully built; a read failure wraps ErrPageIO and a
// cancelled ctx aborts the parse.
func ParsePage(ctx context.Context, r io.ReaderAt, h Header, offset, budget int64, first uint64) (*Page, error) {
	buf, err := readWindow(r, offset, budget)
	if err != nil {
		return nil, err
	}
	p := &Page{
		hdr:      h,
		offset:   offset,
		first:    first,
		opOffset: []uint32{0},
		accOff:   []uint32{0},
	}
	p.size, err = walkRecords(ctx, buf, h, func(rec record) {
		for i := 0; i < len(rec.regs); i += int(h.PointerSize) {
			p.regs = append(p.regs, readPtr(rec.regs[i:], h.PointerSize))
		}
		p.opcodes = append(p.opcodes, rec.opcode...)
		p.opOffset = append(p.opOffset, uint32(len(p.opcodes)))
		for i := range rec.count {
			p.accesses = append(p.accesses, rec.access(i, h))
		}
		p.accOff = append(p.accOff, uint32(len(p.accesses)))
		p.tids = append(p.tids, rec.tid)
	})
	if err != nil {
		return nil, err
	}
	memos := make([]memo, len(p.tids))
	p.insns.Store(&memos)
	return p, nil
}

func (p *Page) check(index int) {
	if index < 0 || index >= len(p.tids) {
		panic(fmt.Sprintf("trace: step index %d out of range [0,%d)", index, len(p.tids)))
	}
}

// Len returns the number of steps in the page.
func (p *Page) Len() int { return len(p.tids) }

// First returns the trace-wide number of step 0.
func (p *Page) First() uint64 { return p.first }

// Offset returns the file offset of the first record.
func (p *Page) Offset() int64 { return p.offset }

// Size returns the number of file bytes the page's records occupy.
func (p *Page) Size() int64 { return p.size }

// Header returns the layout the page was parsed with.
func (p *Page) Header() Header { return p.hdr }

// Registers returns the register snapshot of a step. The slice must not be modified.
func (p *Page) Registers(index int) RegisterSnapshot {
	p.check(index)
	n := int(p.hdr.RegisterCount)
	return p.regs[index*n : (index+1)*n : (index+1)*n]
}

// IP returns the instruction pointer of a step.
func (p *Page) IP(index int) uint64 { return p.Registers(index).IP() }

// Opcode returns the instruction bytes of a step. The slice must not be modified.
func (p *Page) Opcode(index int) []byte {
	p.check(index)
	lo, hi := p.opOffset[index], p.opOffset[index+1]
	return p.opcodes[lo:hi:hi]
}

// ThreadID returns the thread a step executed on.
func (p *Page) ThreadID(index int) uint32 {
	p.check(index)
	return p.tids[index]
}

// MemoryAccessCount returns the number of memory accesses of a step.
func (p *Page) MemoryAccessCount(index int) int {
	p.check(index)
	return int(p.accOff[index+1] - p.accOff[index])
}

// MemoryAccess returns one memory access of a step.
func (p *Page) MemoryAccess(index, slot int) MemoryAccess {
	n := p.MemoryAccessCount(index)
	if slot < 0 || slot >= n {
		panic(fmt.Sprintf("trace: memory access %d out of range [0,%d) at step %d", slot, n, index))
	}
	return p.accesses[int(p.accOff[index])+slot]
}

// Step assembles a copy of every field of a step.
func (p *Page) Step(index int) Step {
	p.check(index)
	s := Step{
		Registers: slices.Clone(p.Registers(index)),
		Opcode:    slices.Clone(p.Opcode(index)),
		ThreadID:  p.tids[index],
	}
	if lo, hi := p.accOff[index], p.accOff[index+1]; hi > lo {
		s.Accesses = slices.Clone(p.accesses[lo:hi])
	}
	return s
}

// Instruction decodes the opcode of a step at its instruction pointer.
// The first call per step decodes with e and stores the result; later calls
// return the stored unit whatever engine they pass. Concurrent first calls
// decode once.
func (p *Page) Instruction(index int, e *disasm.Engine) disasm.Unit {
	p.check(index)
	memos := *p.insns.Load()
	m := &memos[index]
	m.once.Do(func() {
		m.unit = e.DecodeAt(p.Opcode(index), p.IP(index), 0, true)
	})
	return m.unit
}

// ResetInstructions drops every memoized instruction, for use after the
// annotations the engine consults have changed.
func (p *Page) ResetInstructions() {
	memos := make([]memo, len(p.tids))
	p.insns.Store(&memos)
}

// Touch records an access. It is called by the owner of the page.
func (p *Page) Touch(t time.Time) { p.lastAccessed.Store(t.UnixNano()) }

// LastAccessed returns the time of the latest Touch, or the zero time.
func (p *Page) LastAccessed() time.Time {
	ns := p.lastAccessed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
