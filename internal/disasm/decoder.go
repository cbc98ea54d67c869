package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// BranchFlags are the control-flow properties a decoder reports.
type BranchFlags uint8

const (
	BranchJmp BranchFlags = 1 << iota
	BranchCallFlag
	BranchRet
	BranchLoop
	BranchCondJmp
	BranchUncondJmp
)

// Has reports whether any of the bits in f are set.
func (b BranchFlags) Has(f BranchFlags) bool { return b&f != 0 }

// Decoded is the raw result of decoding one instruction.
type Decoded struct {
	Length         int
	Text           string
	Branch         BranchFlags
	Target         uint64 // static target of a relative branch, 0 if indirect
	Registers      []RegisterAccess
	Flags          []RegisterAccess
	VectorElements [4]VectorElementType
	Groups         ByteGroups
}

// Decoder turns raw bytes into instruction fields. Implementations must be
// safe for concurrent use.
type Decoder interface {
	// Length returns the encoded size of the instruction at code[0].
	Length(addr uint64, code []byte) (int, bool)
	Decode(addr uint64, code []byte) (Decoded, bool)
}

// Syntax selects the assembler dialect of instruction text.
type Syntax string

const (
	SyntaxIntel Syntax = "intel"
	SyntaxGNU   Syntax = "gnu"
)

// SymbolLookup names the symbol containing addr, as used by x86asm.
type SymbolLookup func(addr uint64) (name string, base uint64)

// X86Decoder decodes x86 and x86-64 instructions with golang.org/x/arch.
// The zero value decodes 64-bit code in Intel syntax.
type X86Decoder struct {
	Mode    int
	Syntax  Syntax
	Symbols SymbolLookup
}

func (d X86Decoder) mode() int {
	switch d.Mode {
	case 16, 32:
		return d.Mode
	}
	return 64
}

func (d X86Decoder) decode(code []byte) (x86asm.Inst, bool) {
	inst, err := x86asm.Decode(code, d.mode())
	if err != nil || inst.Len <= 0 || inst.Op == 0 {
		return x86asm.Inst{}, false
	}
	return inst, true
}

func (d X86Decoder) Length(addr uint64, code []byte) (int, bool) {
	inst, ok := d.decode(code)
	if !ok {
		return 0, false
	}
	return inst.Len, true
}

func (d X86Decoder) Decode(addr uint64, code []byte) (Decoded, bool) {
	inst, ok := d.decode(code)
	if !ok {
		return Decoded{}, false
	}
	out := Decoded{
		Length: inst.Len,
		Text:   d.format(inst, addr),
		Branch: branchFlags(inst.Op),
		Groups: byteGroups(code[:inst.Len], inst, d.mode()),
	}
	if out.Branch != 0 {
		for _, a := range inst.Args {
			if rel, ok := a.(x86asm.Rel); ok {
				out.Target = uint64(int64(addr) + int64(inst.Len) + int64(rel))
				if m := d.mode(); m != 64 {
					out.Target &= 1<<m - 1
				}
			}
		}
	}
	out.Registers = registerAccesses(inst, d.mode())
	out.Flags = flagAccesses(inst.Op)
	out.VectorElements = vectorElements(inst)
	return out, true
}

func (d X86Decoder) format(inst x86asm.Inst, addr uint64) string {
	var sym x86asm.SymLookup
	if d.Symbols != nil {
		sym = x86asm.SymLookup(d.Symbols)
	}
	if d.Syntax == SyntaxGNU {
		return x86asm.GNUSyntax(inst, addr, sym)
	}
	return x86asm.IntelSyntax(inst, addr, sym)
}

func branchFlags(op x86asm.Op) BranchFlags {
	switch op {
	case x86asm.JMP, x86asm.LJMP:
		return BranchJmp | BranchUncondJmp
	case x86asm.CALL, x86asm.LCALL:
		return BranchCallFlag
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return BranchRet
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return BranchLoop | BranchCondJmp
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return BranchJmp | BranchCondJmp
	}
	if _, ok := conditionOf(op, "J"); ok {
		return BranchJmp | BranchCondJmp
	}
	return 0
}

// conditionOf strips prefix from a conditional mnemonic (JNE -> NE).
func conditionOf(op x86asm.Op, prefix string) (string, bool) {
	name := op.String()
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	cc := name[len(prefix):]
	if _, ok := conditionFlags[cc]; !ok {
		return "", false
	}
	return cc, true
}

var legacyPrefixes = [256]bool{
	0xf0: true, 0xf2: true, 0xf3: true,
	0x2e: true, 0x36: true, 0x3e: true, 0x26: true, 0x64: true, 0x65: true,
	0x66: true, 0x67: true,
}

// byteGroups splits code into prefix, opcode and operand bytes. A relative
// displacement gets its own group.
func byteGroups(code []byte, inst x86asm.Inst, mode int) ByteGroups {
	n := len(code)
	p := 0
	for p < n && (legacyPrefixes[code[p]] || (mode == 64 && code[p]&0xf0 == 0x40)) {
		p++
	}
	op := 1
	if p < n {
		switch code[p] {
		case 0x0f:
			op = 2
			if p+1 < n && (code[p+1] == 0x38 || code[p+1] == 0x3a) {
				op = 3
			}
		case 0xc5:
			if mode == 64 {
				op = 3
			}
		case 0xc4:
			if mode == 64 {
				op = 4
			}
		}
	}
	op = min(op, n-p)
	g := ByteGroups{Prefix: p, Opcode: op}
	if inst.PCRel > 0 && inst.PCRelOff >= p+op && inst.PCRelOff+inst.PCRel <= n {
		g.Group1 = inst.PCRelOff - p - op
		g.Group2 = inst.PCRel
		g.Group3 = n - inst.PCRelOff - inst.PCRel
	} else {
		g.Group1 = n - p - op
	}
	return g
}

// regName spells registers the way Intel syntax prints them.
func regName(r x86asm.Reg) string {
	switch {
	case r >= x86asm.X0 && r <= x86asm.X15:
		return fmt.Sprintf("xmm%d", r-x86asm.X0)
	case r >= x86asm.M0 && r <= x86asm.M7:
		return fmt.Sprintf("mm%d", r-x86asm.M0)
	case r >= x86asm.F0 && r <= x86asm.F7:
		return fmt.Sprintf("st%d", r-x86asm.F0)
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return fmt.Sprintf("r%dd", r-x86asm.R8L+8)
	}
	switch r {
	case x86asm.SPB:
		return "spl"
	case x86asm.BPB:
		return "bpl"
	case x86asm.SIB:
		return "sil"
	case x86asm.DIB:
		return "dil"
	}
	return strings.ToLower(r.String())
}

func isPC(name string) bool {
	return name == "rip" || name == "eip" || name == "ip"
}

func isFlagsReg(name string) bool {
	return name == "rflags" || name == "eflags" || name == "flags"
}
