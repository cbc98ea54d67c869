// Package elfx provides helpers for opening x86 and x86-64 ELF binaries, locating sections, and mapping virtual addresses to file offsets.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

type Image struct {
	Path     string
	File     *elf.File
	All      []byte
	Loads    []Seg
	Text     Section
	Rodata   Section
	Data     Section
	PLT      Section
	PLTSec   Section
	Dynsyms  []DynSym
	Syms     []DynSym
	PLTStubs []PLTStub
	PLTRels  []PLTRel
	f        *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

func (s Section) contains(va uint64) bool {
	return s.Size != 0 && va >= s.VA && va < s.VA+s.Size
}

type DynSym struct {
	Name  string
	Addr  uint64
	Size  uint64
	IsPLT bool
}

type PLTStub struct {
	Addr    uint64
	GOTAddr uint64
	Index   int
}

type PLTRel struct {
	Offset   uint64
	SymIndex uint32
	SymName  string
	PLTAddr  uint64
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_386 {
		f.Close()
		return nil, fmt.Errorf("open elf: unsupported machine %s", f.Machine)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	for _, s := range f.Sections {
		sec := Section{s.Name, s.Addr, s.Offset, s.Size}
		switch s.Name {
		case ".text":
			im.Text = sec
		case ".rodata":
			im.Rodata = sec
		case ".data":
			im.Data = sec
		case ".plt":
			im.PLT = sec
		case ".plt.sec":
			im.PLTSec = sec
		}
	}

	im.loadDynamicSymbols()
	im.loadStaticSymbols()

	// Stubs first: relocations are matched to stubs by GOT slot.
	im.parsePLTStubs()
	im.parsePLTRelocations()

	// Fallback if stripped.
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = unix.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Mode returns the decoder mode of the image: 32 or 64.
func (im *Image) Mode() int {
	if im.File.Class == elf.ELFCLASS32 {
		return 32
	}
	return 64
}

func (im *Image) ptrSize() uint64 {
	return uint64(im.Mode() / 8)
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// ReadBytesVA reads exactly size bytes from a virtual address.
// Returns false if VA is unmapped or size extends beyond file bounds.
func (im *Image) ReadBytesVA(va uint64, size int) ([]byte, bool) {
	if size <= 0 {
		return []byte{}, true
	}
	return im.SliceVA(va, uint64(size))
}

// CodeAt returns the file-backed bytes of the loadable segment containing va
// and the virtual address of the first returned byte. Decoding and
// navigation run over this window so that backward scans can reach code
// before va.
func (im *Image) CodeAt(va uint64) ([]byte, uint64, bool) {
	for _, l := range im.Loads {
		if va < l.Vaddr || va >= l.Vaddr+l.Filesz {
			continue
		}
		end := min(l.Off+l.Filesz, uint64(len(im.All)))
		if l.Off >= end {
			return nil, 0, false
		}
		return im.All[l.Off:end], l.Vaddr, true
	}
	return nil, 0, false
}

// IsPLTEntry reports whether va lies in .plt or .plt.sec.
func (im *Image) IsPLTEntry(va uint64) bool {
	return im.PLT.contains(va) || im.PLTSec.contains(va)
}

func (im *Image) loadDynamicSymbols() {
	if im.File.Section(".dynsym") == nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}
	for _, sym := range dynsyms {
		im.Dynsyms = append(im.Dynsyms, DynSym{
			Name:  sym.Name,
			Addr:  sym.Value,
			Size:  sym.Size,
			IsPLT: strings.HasSuffix(sym.Name, "@plt"),
		})
	}
}

// loadStaticSymbols reads .symtab, which stripped binaries lack.
func (im *Image) loadStaticSymbols() {
	syms, err := im.File.Symbols()
	if err != nil {
		return
	}
	for _, sym := range syms {
		if sym.Value == 0 || elf.ST_TYPE(sym.Info) == elf.STT_SECTION || elf.ST_TYPE(sym.Info) == elf.STT_FILE {
			continue
		}
		im.Syms = append(im.Syms, DynSym{
			Name:  sym.Name,
			Addr:  sym.Value,
			Size:  sym.Size,
			IsPLT: strings.HasSuffix(sym.Name, "@plt"),
		})
	}
}

// parsePLTRelocations maps .rela.plt (x86-64) or .rel.plt (x86) entries to
// the PLT stubs that jump through their GOT slots.
func (im *Image) parsePLTRelocations() {
	sec := im.File.Section(".rela.plt")
	entrySize := 24
	if im.Mode() == 32 {
		entrySize = 12
	}
	if sec == nil {
		sec = im.File.Section(".rel.plt")
		entrySize = 16
		if im.Mode() == 32 {
			entrySize = 8
		}
	}
	if sec == nil {
		return
	}
	data, err := sec.Data()
	if err != nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}

	stubs := make(map[uint64]uint64, len(im.PLTStubs))
	for _, s := range im.PLTStubs {
		stubs[s.GOTAddr] = s.Addr
	}

	le := binary.LittleEndian
	for off := 0; off+entrySize <= len(data); off += entrySize {
		e := data[off:]
		var rOffset uint64
		var symIndex uint32
		if im.Mode() == 32 {
			rOffset = uint64(le.Uint32(e))
			symIndex = le.Uint32(e[4:]) >> 8
		} else {
			rOffset = le.Uint64(e)
			symIndex = uint32(le.Uint64(e[8:]) >> 32)
		}

		var symName string
		// DynamicSymbols omits the null symbol, so indices are off by one.
		if symIndex > 0 && int(symIndex) <= len(dynsyms) {
			symName = dynsyms[symIndex-1].Name
		}
		im.PLTRels = append(im.PLTRels, PLTRel{
			Offset:   rOffset,
			SymIndex: symIndex,
			SymName:  symName,
			PLTAddr:  stubs[rOffset],
		})
	}
}

// parsePLTStubs scans .plt.sec, or .plt when there is no .plt.sec, for
// 16-byte stubs that jump through a GOT slot.
func (im *Image) parsePLTStubs() {
	sec, first := im.PLTSec, uint64(0)
	if sec.Size == 0 {
		// PLT[0] is the resolver trampoline.
		sec, first = im.PLT, 1
	}
	if sec.Size == 0 {
		return
	}
	const stubSize = 16
	for i := first; (i+1)*stubSize <= sec.Size; i++ {
		addr := sec.VA + i*stubSize
		stub, ok := im.SliceVA(addr, stubSize)
		if !ok {
			continue
		}
		if got, ok := parsePLTStub(stub, addr, im.Mode()); ok {
			im.PLTStubs = append(im.PLTStubs, PLTStub{Addr: addr, GOTAddr: got, Index: int(i)})
		}
	}
}

// parsePLTStub extracts the GOT slot a stub jumps through. Recognised forms:
//
//	ff 25 disp32          jmp [rip+disp32] (x86-64) or jmp [abs32] (x86)
//	f3 0f 1e fa ...       endbr64 followed by either of
//	f2 ff 25 disp32       bnd jmp [rip+disp32]
func parsePLTStub(stub []byte, addr uint64, mode int) (uint64, bool) {
	pos := 0
	if len(stub) >= 4 && stub[0] == 0xf3 && stub[1] == 0x0f && stub[2] == 0x1e && (stub[3] == 0xfa || stub[3] == 0xfb) {
		pos = 4
	}
	if pos < len(stub) && stub[pos] == 0xf2 {
		pos++
	}
	if pos+6 > len(stub) || stub[pos] != 0xff || stub[pos+1] != 0x25 {
		return 0, false
	}
	disp := binary.LittleEndian.Uint32(stub[pos+2:])
	if mode == 32 {
		return uint64(disp), true
	}
	next := addr + uint64(pos) + 6
	return uint64(int64(next) + int64(int32(disp))), true
}

// readGOTEntry reads a pointer-sized GOT slot.
func (im *Image) readGOTEntry(gotAddr uint64) (uint64, bool) {
	data, ok := im.ReadBytesVA(gotAddr, int(im.ptrSize()))
	if !ok {
		return 0, false
	}
	if im.Mode() == 32 {
		return uint64(binary.LittleEndian.Uint32(data)), true
	}
	return binary.LittleEndian.Uint64(data), true
}

// PLTName returns the imported symbol a PLT stub calls.
func (im *Image) PLTName(addr uint64) (string, bool) {
	for _, rel := range im.PLTRels {
		if rel.PLTAddr == addr && rel.PLTAddr != 0 && rel.SymName != "" {
			return rel.SymName, true
		}
	}
	for _, sym := range im.Syms {
		if sym.IsPLT && sym.Addr == addr {
			return strings.TrimSuffix(sym.Name, "@plt"), true
		}
	}
	return "", false
}

// ResolvePLTTarget follows a PLT stub to a function defined in the image.
// Imports defined elsewhere resolve to pltAddr and false.
func (im *Image) ResolvePLTTarget(pltAddr uint64) (uint64, bool) {
	if name, ok := im.PLTName(pltAddr); ok {
		if addr, ok := im.FindFunctionByName(name); ok {
			return addr, true
		}
	}
	for _, stub := range im.PLTStubs {
		if stub.Addr != pltAddr {
			continue
		}
		target, ok := im.readGOTEntry(stub.GOTAddr)
		if ok && target != 0 && !im.IsPLTEntry(target) && im.isExecutable(target) {
			return target, true
		}
		break
	}
	return pltAddr, false
}

func (im *Image) isExecutable(addr uint64) bool {
	for _, seg := range im.Loads {
		if seg.Flags&elf.PF_X != 0 && addr >= seg.Vaddr && addr < seg.Vaddr+seg.Filesz {
			return true
		}
	}
	return false
}

// FindFunctionByName searches for a function by name in the symbol tables.
func (im *Image) FindFunctionByName(name string) (uint64, bool) {
	for _, sym := range im.Dynsyms {
		if sym.Name == name && !sym.IsPLT && sym.Addr != 0 {
			return sym.Addr, true
		}
	}
	for _, sym := range im.Syms {
		if sym.Name == name && !sym.IsPLT && sym.Addr != 0 {
			return sym.Addr, true
		}
	}
	return 0, false
}
