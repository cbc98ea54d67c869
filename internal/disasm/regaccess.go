package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// operand roles: how the first operand is accessed. Remaining operands are read.
type firstOperand uint8

const (
	firstReadWrite firstOperand = iota
	firstWrite
	firstRead
	allReadWrite
)

var operandRoles = map[x86asm.Op]firstOperand{
	x86asm.MOV: firstWrite, x86asm.MOVZX: firstWrite, x86asm.MOVSX: firstWrite,
	x86asm.MOVSXD: firstWrite, x86asm.LEA: firstWrite, x86asm.POP: firstWrite,
	x86asm.MOVAPS: firstWrite, x86asm.MOVAPD: firstWrite, x86asm.MOVUPS: firstWrite,
	x86asm.MOVUPD: firstWrite, x86asm.MOVDQA: firstWrite, x86asm.MOVDQU: firstWrite,
	x86asm.MOVD: firstWrite, x86asm.MOVQ: firstWrite, x86asm.MOVSS: firstWrite,
	x86asm.MOVSD_XMM: firstWrite, x86asm.BSF: firstWrite, x86asm.BSR: firstWrite,
	x86asm.POPCNT: firstWrite, x86asm.LZCNT: firstWrite, x86asm.TZCNT: firstWrite,
	x86asm.CVTSI2SD: firstWrite, x86asm.CVTSI2SS: firstWrite, x86asm.CVTTSD2SI: firstWrite,
	x86asm.CVTTSS2SI: firstWrite,

	x86asm.CMP: firstRead, x86asm.TEST: firstRead, x86asm.PUSH: firstRead,
	x86asm.BT: firstRead, x86asm.UCOMISS: firstRead, x86asm.UCOMISD: firstRead,
	x86asm.COMISS: firstRead, x86asm.COMISD: firstRead, x86asm.JMP: firstRead,
	x86asm.CALL: firstRead, x86asm.LJMP: firstRead, x86asm.LCALL: firstRead,

	x86asm.XCHG: allReadWrite, x86asm.XADD: allReadWrite,
}

type implicitReg struct {
	reg64, reg32 string
	kind         AccessKind
}

var (
	stackRW = implicitReg{"rsp", "esp", AccessReadWrite}
	accRW   = implicitReg{"rax", "eax", AccessReadWrite}
	dataRW  = implicitReg{"rdx", "edx", AccessReadWrite}
	countRW = implicitReg{"rcx", "ecx", AccessReadWrite}
	srcRW   = implicitReg{"rsi", "esi", AccessReadWrite}
	dstRW   = implicitReg{"rdi", "edi", AccessReadWrite}
)

var implicitRegs = map[x86asm.Op][]implicitReg{
	x86asm.PUSH:    {stackRW},
	x86asm.POP:     {stackRW},
	x86asm.PUSHF:   {stackRW},
	x86asm.POPF:    {stackRW},
	x86asm.PUSHFQ:  {stackRW},
	x86asm.POPFQ:   {stackRW},
	x86asm.CALL:    {stackRW},
	x86asm.RET:     {stackRW},
	x86asm.LEAVE:   {stackRW, {"rbp", "ebp", AccessReadWrite}},
	x86asm.ENTER:   {stackRW, {"rbp", "ebp", AccessReadWrite}},
	x86asm.CDQ:     {{"eax", "eax", AccessRead}, {"edx", "edx", AccessWrite}},
	x86asm.CQO:     {{"rax", "rax", AccessRead}, {"rdx", "rdx", AccessWrite}},
	x86asm.CDQE:    {{"rax", "rax", AccessReadWrite}},
	x86asm.MUL:     {accRW, dataRW},
	x86asm.DIV:     {accRW, dataRW},
	x86asm.IDIV:    {accRW, dataRW},
	x86asm.SYSCALL: {accRW, {"rcx", "ecx", AccessWrite}, {"r11", "r11", AccessWrite}},
	x86asm.CPUID:   {accRW, {"rbx", "ebx", AccessWrite}, {"rcx", "ecx", AccessReadWrite}, {"rdx", "edx", AccessWrite}},
	x86asm.RDTSC:   {{"rax", "eax", AccessWrite}, {"rdx", "edx", AccessWrite}},
	x86asm.MOVSB:   {srcRW, dstRW},
	x86asm.MOVSD:   {srcRW, dstRW},
	x86asm.MOVSQ:   {srcRW, dstRW},
	x86asm.STOSB:   {{"rax", "eax", AccessRead}, dstRW},
	x86asm.STOSD:   {{"rax", "eax", AccessRead}, dstRW},
	x86asm.STOSQ:   {{"rax", "eax", AccessRead}, dstRW},
	x86asm.LODSB:   {{"rax", "eax", AccessWrite}, srcRW},
	x86asm.CMPSB:   {srcRW, dstRW},
	x86asm.SCASB:   {{"rax", "eax", AccessRead}, dstRW},
}

// registerAccesses lists explicit operand registers followed by implicit
// ones, merging duplicate names.
func registerAccesses(inst x86asm.Inst, mode int) []RegisterAccess {
	var out []RegisterAccess
	add := func(name string, kind AccessKind, implicit bool) {
		for i := range out {
			if out[i].Name == name {
				out[i].Kind |= kind
				out[i].Implicit = out[i].Implicit && implicit
				return
			}
		}
		out = append(out, RegisterAccess{Name: name, Kind: kind, Implicit: implicit})
	}

	role, ok := operandRoles[inst.Op]
	if !ok {
		role = firstReadWrite
		if _, cc := conditionOf(inst.Op, "SET"); cc {
			role = firstWrite
		}
		if _, cc := conditionOf(inst.Op, "J"); cc {
			role = firstRead
		}
	}
	for i, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Reg:
			kind := AccessRead
			if i == 0 || role == allReadWrite {
				switch role {
				case firstWrite:
					kind = AccessWrite
				case firstReadWrite, allReadWrite:
					kind = AccessReadWrite
				}
			}
			add(regName(v), kind, false)
		case x86asm.Mem:
			if v.Base != 0 {
				add(regName(v.Base), AccessRead, false)
			}
			if v.Index != 0 {
				add(regName(v.Index), AccessRead, false)
			}
		}
	}

	implicit := implicitRegs[inst.Op]
	if stringOps[inst.Op] && hasRepPrefix(inst) {
		implicit = append(implicit[:len(implicit):len(implicit)], countRW)
	}
	for _, r := range implicit {
		name := r.reg64
		if mode != 64 {
			name = r.reg32
		}
		add(name, r.kind, true)
	}
	return out
}

var stringOps = map[x86asm.Op]bool{
	x86asm.MOVSB: true, x86asm.MOVSD: true, x86asm.MOVSQ: true,
	x86asm.STOSB: true, x86asm.STOSD: true, x86asm.STOSQ: true,
	x86asm.LODSB: true, x86asm.CMPSB: true, x86asm.SCASB: true,
}

func hasRepPrefix(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid) {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return p&x86asm.PrefixIgnored == 0
		}
	}
	return false
}

// Status flags read by each condition code.
var conditionFlags = map[string][]string{
	"O": {"of"}, "NO": {"of"},
	"B": {"cf"}, "AE": {"cf"},
	"E": {"zf"}, "NE": {"zf"},
	"BE": {"cf", "zf"}, "A": {"cf", "zf"},
	"S": {"sf"}, "NS": {"sf"},
	"P": {"pf"}, "NP": {"pf"},
	"L": {"sf", "of"}, "GE": {"sf", "of"},
	"LE": {"zf", "sf", "of"}, "G": {"zf", "sf", "of"},
}

var (
	arithFlags = []string{"of", "sf", "zf", "af", "cf", "pf"}
	incFlags   = []string{"of", "sf", "zf", "af", "pf"}
	logicFlags = []string{"of", "cf", "sf", "zf", "pf"}
	shiftFlags = []string{"cf", "of", "sf", "zf", "pf"}
	allFlags   = []string{"cf", "pf", "af", "zf", "sf", "df", "of"}
)

type flagRule struct {
	read, write []string
}

var flagRules = map[x86asm.Op]flagRule{
	x86asm.ADD: {write: arithFlags}, x86asm.SUB: {write: arithFlags},
	x86asm.CMP: {write: arithFlags}, x86asm.NEG: {write: arithFlags},
	x86asm.XADD: {write: arithFlags}, x86asm.CMPXCHG: {write: arithFlags},
	x86asm.ADC: {read: []string{"cf"}, write: arithFlags},
	x86asm.SBB: {read: []string{"cf"}, write: arithFlags},
	x86asm.INC: {write: incFlags}, x86asm.DEC: {write: incFlags},
	x86asm.AND: {write: logicFlags}, x86asm.OR: {write: logicFlags},
	x86asm.XOR: {write: logicFlags}, x86asm.TEST: {write: logicFlags},
	x86asm.SHL: {write: shiftFlags}, x86asm.SHR: {write: shiftFlags},
	x86asm.SAR: {write: shiftFlags},
	x86asm.ROL: {write: []string{"cf", "of"}}, x86asm.ROR: {write: []string{"cf", "of"}},
	x86asm.MUL: {write: []string{"cf", "of"}}, x86asm.IMUL: {write: []string{"cf", "of"}},
	x86asm.BT: {write: []string{"cf"}}, x86asm.BTS: {write: []string{"cf"}},
	x86asm.BTR: {write: []string{"cf"}}, x86asm.BTC: {write: []string{"cf"}},
	x86asm.STC: {write: []string{"cf"}}, x86asm.CLC: {write: []string{"cf"}},
	x86asm.CMC: {read: []string{"cf"}, write: []string{"cf"}},
	x86asm.STD: {write: []string{"df"}}, x86asm.CLD: {write: []string{"df"}},
	x86asm.PUSHF: {read: allFlags}, x86asm.PUSHFQ: {read: allFlags},
	x86asm.POPF: {write: allFlags}, x86asm.POPFQ: {write: allFlags},
	x86asm.LAHF:    {read: []string{"sf", "zf", "af", "pf", "cf"}},
	x86asm.SAHF:    {write: []string{"sf", "zf", "af", "pf", "cf"}},
	x86asm.UCOMISS: {write: []string{"zf", "pf", "cf"}}, x86asm.UCOMISD: {write: []string{"zf", "pf", "cf"}},
	x86asm.COMISS: {write: []string{"zf", "pf", "cf"}}, x86asm.COMISD: {write: []string{"zf", "pf", "cf"}},
	x86asm.MOVSB: {read: []string{"df"}}, x86asm.MOVSD: {read: []string{"df"}},
	x86asm.MOVSQ: {read: []string{"df"}}, x86asm.STOSB: {read: []string{"df"}},
	x86asm.STOSD: {read: []string{"df"}}, x86asm.STOSQ: {read: []string{"df"}},
	x86asm.LODSB: {read: []string{"df"}},
	x86asm.CMPSB: {read: []string{"df"}, write: arithFlags},
	x86asm.SCASB: {read: []string{"df"}, write: arithFlags},
}

// flagAccesses reports per-flag accesses, in the order read then written.
func flagAccesses(op x86asm.Op) []RegisterAccess {
	rule, ok := flagRules[op]
	if !ok {
		for _, prefix := range []string{"J", "SET", "CMOV"} {
			if cc, found := conditionOf(op, prefix); found {
				rule = flagRule{read: conditionFlags[cc]}
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil
	}
	var out []RegisterAccess
	add := func(name string, kind AccessKind) {
		for i := range out {
			if out[i].Name == name {
				out[i].Kind |= kind
				return
			}
		}
		out = append(out, RegisterAccess{Name: name, Kind: kind, Implicit: true})
	}
	for _, f := range rule.read {
		add(f, AccessRead)
	}
	for _, f := range rule.write {
		add(f, AccessWrite)
	}
	return out
}

// vectorElements derives lane types of xmm/memory operands from the
// mnemonic's packed/scalar suffix.
func vectorElements(inst x86asm.Inst) [4]VectorElementType {
	var out [4]VectorElementType
	name := inst.Op.String()
	var vet VectorElementType
	switch {
	case strings.HasSuffix(name, "PS"), strings.HasSuffix(name, "SS"):
		vet = VETFloat32
	case strings.HasSuffix(name, "PD"), strings.HasSuffix(name, "SD"), name == "MOVSD_XMM":
		vet = VETFloat64
	case strings.HasPrefix(name, "P") && strings.HasSuffix(name, "D"):
		vet = VETInt32
	case strings.HasPrefix(name, "P") && strings.HasSuffix(name, "Q"):
		vet = VETInt64
	default:
		return out
	}
	for i, a := range inst.Args {
		switch v := a.(type) {
		case x86asm.Reg:
			if v >= x86asm.X0 && v <= x86asm.X15 {
				out[i] = vet
			}
		case x86asm.Mem:
			out[i] = vet
		}
	}
	return out
}
