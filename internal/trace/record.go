package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RegisterSnapshot is the register file captured before a step executes.
// The last two entries are the instruction pointer and the flags register.
type RegisterSnapshot []uint64

// IP returns the instruction pointer.
func (r RegisterSnapshot) IP() uint64 { return r[len(r)-2] }

// Flags returns the flags register.
func (r RegisterSnapshot) Flags() uint64 { return r[len(r)-1] }

// MemoryAccess is one memory location a step touched.
type MemoryAccess struct {
	Address uint64
	Old     uint64
	New     uint64
	Valid   bool
}

// Step is one executed instruction.
type Step struct {
	Registers RegisterSnapshot
	Opcode    []byte
	ThreadID  uint32
	Accesses  []MemoryAccess
}

// errIncomplete reports that the buffer ends inside a record.
var errIncomplete = errors.New("incomplete record")

// record is a parsed step whose slices alias the input buffer.
type record struct {
	regs     []byte
	opcode   []byte
	accesses []byte
	count    int
	tid      uint32
	size     int
}

// Record layout, little endian, ptr = header pointer size:
//
//	registers  RegisterCount * ptr
//	opLen      u8, 1..16
//	opcode     opLen bytes
//	accCount   u8
//	accesses   accCount * (address ptr, old ptr, new ptr, valid u8)
//	threadID   u32
func decodeRecord(b []byte, h Header) (record, error) {
	var rec record
	pos := h.snapshotSize()
	if len(b) < pos+1 {
		return rec, errIncomplete
	}
	rec.regs = b[:pos]

	opLen := int(b[pos])
	pos++
	if opLen == 0 || opLen > maxOpcodeSize {
		return rec, fmt.Errorf("%w: opcode size %d", ErrCorrupt, opLen)
	}
	if len(b) < pos+opLen+1 {
		return rec, errIncomplete
	}
	rec.opcode = b[pos : pos+opLen]
	pos += opLen

	rec.count = int(b[pos])
	pos++
	accLen := rec.count * h.accessSize()
	if len(b) < pos+accLen+4 {
		return rec, errIncomplete
	}
	rec.accesses = b[pos : pos+accLen]
	pos += accLen

	rec.tid = binary.LittleEndian.Uint32(b[pos:])
	pos += 4
	rec.size = pos
	return rec, nil
}

func readPtr(b []byte, size uint8) uint64 {
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func appendPtr(b []byte, v uint64, size uint8) []byte {
	if size == 4 {
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(b, v)
}

func (r record) access(i int, h Header) MemoryAccess {
	ptr := int(h.PointerSize)
	e := r.accesses[i*h.accessSize():]
	return MemoryAccess{
		Address: readPtr(e, h.PointerSize),
		Old:     readPtr(e[ptr:], h.PointerSize),
		New:     readPtr(e[2*ptr:], h.PointerSize),
		Valid:   e[3*ptr] != 0,
	}
}

// encodeRecord appends the wire form of s to b.
func encodeRecord(b []byte, s Step, h Header) ([]byte, error) {
	if len(s.Registers) != int(h.RegisterCount) {
		return b, fmt.Errorf("step has %d registers, header declares %d", len(s.Registers), h.RegisterCount)
	}
	if len(s.Opcode) == 0 || len(s.Opcode) > maxOpcodeSize {
		return b, fmt.Errorf("opcode size %d out of range", len(s.Opcode))
	}
	if len(s.Accesses) > maxAccessCount {
		return b, fmt.Errorf("%d memory accesses exceed %d", len(s.Accesses), maxAccessCount)
	}
	for _, v := range s.Registers {
		b = appendPtr(b, v, h.PointerSize)
	}
	b = append(b, byte(len(s.Opcode)))
	b = append(b, s.Opcode...)
	b = append(b, byte(len(s.Accesses)))
	for _, a := range s.Accesses {
		b = appendPtr(b, a.Address, h.PointerSize)
		b = appendPtr(b, a.Old, h.PointerSize)
		b = appendPtr(b, a.New, h.PointerSize)
		valid := byte(0)
		if a.Valid {
			valid = 1
		}
		b = append(b, valid)
	}
	return binary.LittleEndian.AppendUint32(b, s.ThreadID), nil
}
