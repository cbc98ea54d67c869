// Package trace reads recorded execution traces. A trace file is a header
// followed by a stream of variable-length step records. Files are read a
// page at a time: a Page holds the fully parsed records of one byte range
// and decodes instructions lazily. Reader indexes the page boundaries in the
// background and keeps a bounded set of pages resident.
package trace

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lunixbochs/struc"
)

// Magic identifies a trace file.
const Magic = "DNTR"

// Version is the record format version written by this package.
const Version = 1

const (
	maxOpcodeSize   = 16
	maxAccessCount  = 255
	minRegisterSize = 2 // ip and flags
	archSize        = 16
)

var (
	ErrBadMagic           = errors.New("trace: bad magic")
	ErrUnsupportedVersion = errors.New("trace: unsupported version")
	ErrCorrupt            = errors.New("trace: corrupt record")
	ErrPageIO             = errors.New("trace: page read failed")
	ErrClosed             = errors.New("trace: reader closed")
	ErrIndexing           = errors.New("trace: index not ready")
	ErrStepOutOfRange     = errors.New("trace: step out of range")
)

// Header describes the record layout of a trace file.
type Header struct {
	Magic         string `struc:"[4]byte"`
	Version       uint32 `struc:"uint32,little"`
	PointerSize   uint8  `struc:"uint8"`
	RegisterCount uint16 `struc:"uint16,little"`
	Arch          string `struc:"[16]byte"`
}

// NewHeader returns a header for the given architecture ("x86" or "x86_64").
// registers counts every register in a snapshot, including ip and flags.
func NewHeader(arch string, registers int) Header {
	ptr := uint8(8)
	if arch == "x86" {
		ptr = 4
	}
	return Header{
		Magic:         Magic,
		Version:       Version,
		PointerSize:   ptr,
		RegisterCount: uint16(registers),
		Arch:          arch,
	}
}

// ReadHeader unpacks and validates a header.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := struc.Unpack(r, &h); err != nil {
		return Header{}, fmt.Errorf("failed to unpack header: %w", err)
	}
	h.Arch = strings.TrimRight(h.Arch, "\x00")
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Write packs the header.
func (h Header) Write(w io.Writer) error {
	if err := h.validate(); err != nil {
		return err
	}
	if len(h.Arch) > archSize {
		h.Arch = h.Arch[:archSize]
	}
	if err := struc.Pack(w, &h); err != nil {
		return fmt.Errorf("failed to pack header: %w", err)
	}
	return nil
}

func (h Header) validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.PointerSize != 4 && h.PointerSize != 8 {
		return fmt.Errorf("%w: pointer size %d", ErrCorrupt, h.PointerSize)
	}
	if h.RegisterCount < minRegisterSize {
		return fmt.Errorf("%w: %d registers", ErrCorrupt, h.RegisterCount)
	}
	return nil
}

// Size is the encoded size of the header.
func (h Header) Size() int64 {
	n, err := struc.Sizeof(&h)
	if err != nil {
		// fixed layout, cannot fail
		panic(err)
	}
	return int64(n)
}

// Mode is the decoder mode matching the pointer size.
func (h Header) Mode() int {
	if h.PointerSize == 4 {
		return 32
	}
	return 64
}

func (h Header) snapshotSize() int {
	return int(h.RegisterCount) * int(h.PointerSize)
}

func (h Header) accessSize() int {
	return 3*int(h.PointerSize) + 1
}

// MaxRecordSize bounds the encoded size of a single step.
func (h Header) MaxRecordSize() int {
	return h.snapshotSize() + 1 + maxOpcodeSize + 1 + maxAccessCount*h.accessSize() + 4
}

var (
	x64Registers = []string{
		"rax", "rbx", "rcx", "rdx", "rbp", "rsp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags",
	}
	x86Registers = []string{
		"eax", "ebx", "ecx", "edx", "ebp", "esp", "esi", "edi",
		"eip", "eflags",
	}
)

// RegisterNames names each slot of a snapshot. Layouts other than the
// standard x86 and x86-64 ones get generic names, with the last two slots
// always ip and flags.
func (h Header) RegisterNames() []string {
	switch {
	case h.PointerSize == 8 && int(h.RegisterCount) == len(x64Registers):
		return x64Registers
	case h.PointerSize == 4 && int(h.RegisterCount) == len(x86Registers):
		return x86Registers
	}
	n := int(h.RegisterCount)
	names := make([]string, n)
	for i := range n - 2 {
		names[i] = fmt.Sprintf("r%d", i)
	}
	names[n-2], names[n-1] = "ip", "flags"
	return names
}
