// Package disasm decodes and navigates variable-length machine code.
// It understands two kinds of user annotations: data-type overrides that
// reinterpret bytes as typed data, and folded regions that collapse a byte
// range into a single navigation unit.
package disasm

import (
	"encoding/hex"
	"strings"
)

// UnitKind discriminates the variants of Unit.
type UnitKind uint8

const (
	KindCode UnitKind = iota
	KindData
	KindFolded
)

func (k UnitKind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindData:
		return "data"
	case KindFolded:
		return "folded"
	}
	return "unknown"
}

// Unit is one decoded navigation unit: a Code, Data or Folded value.
// Len is always > 0 and never exceeds the bytes remaining at the unit start.
type Unit interface {
	Kind() UnitKind
	Len() int
	isUnit()
}

// BranchType is the control-flow class of a code unit.
type BranchType uint8

const (
	BranchNone BranchType = iota
	BranchUnconditional
	BranchCall
	BranchConditional
)

func (b BranchType) String() string {
	switch b {
	case BranchUnconditional:
		return "jmp"
	case BranchCall:
		return "call"
	case BranchConditional:
		return "jcc"
	}
	return "none"
}

// AccessKind is a bit set of Read and Write.
type AccessKind uint8

const (
	AccessNone      AccessKind = 0
	AccessRead      AccessKind = 1
	AccessWrite     AccessKind = 2
	AccessReadWrite AccessKind = AccessRead | AccessWrite
)

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	}
	return "-"
}

// RegisterAccess records how an instruction touches a register or CPU flag.
type RegisterAccess struct {
	Name     string
	Kind     AccessKind
	Implicit bool
}

// VectorElementType describes how a vector operand's lanes are interpreted.
type VectorElementType uint8

const (
	VETDefault VectorElementType = iota
	VETFloat32
	VETFloat64
	VETInt32
	VETInt64
)

// ByteGroups splits an encoding into prefix, opcode and up to three operand groups.
// The sizes sum to the unit length.
type ByteGroups struct {
	Prefix, Opcode, Group1, Group2, Group3 int
}

// Total returns the number of bytes covered by all groups.
func (g ByteGroups) Total() int {
	return g.Prefix + g.Opcode + g.Group1 + g.Group2 + g.Group3
}

// Code is a unit decoded as an instruction. Valid is false when the decoder
// rejected the bytes and a synthetic 1-byte unit was produced instead.
type Code struct {
	Text           string
	Bytes          []byte
	Length         int
	Valid          bool
	Branch         BranchType
	BranchTarget   uint64
	Groups         ByteGroups
	VectorElements [4]VectorElementType
	Registers      []RegisterAccess
}

// Data is a unit reinterpreted by a data override.
type Data struct {
	Text   string
	Bytes  []byte
	Length int
	Type   DataKind
}

// Folded is a unit covering the rest of a folded region.
type Folded struct {
	Length int
	Begin  uint64
	End    uint64
}

func (Code) Kind() UnitKind   { return KindCode }
func (Data) Kind() UnitKind   { return KindData }
func (Folded) Kind() UnitKind { return KindFolded }

func (c Code) Len() int   { return c.Length }
func (d Data) Len() int   { return d.Length }
func (f Folded) Len() int { return f.Length }

func (Code) isUnit()   {}
func (Data) isUnit()   {}
func (Folded) isUnit() {}

// FormatBytes renders the raw encoding as hex, separating the prefix with ':'
// and the remaining groups with spaces.
func (c Code) FormatBytes() string {
	var sb strings.Builder
	marks := []int{c.Groups.Prefix, c.Groups.Opcode, c.Groups.Group1, c.Groups.Group2, c.Groups.Group3}
	pos := 0
	for gi, n := range marks {
		if n == 0 {
			continue
		}
		end := min(pos+n, len(c.Bytes))
		if pos >= end {
			break
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString(c.Bytes[pos:end])))
		pos = end
		if pos >= len(c.Bytes) {
			break
		}
		if gi == 0 {
			sb.WriteByte(':')
		} else {
			sb.WriteByte(' ')
		}
	}
	if pos < len(c.Bytes) {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(c.Bytes[pos:])))
	}
	return sb.String()
}

// Text returns the display text of any unit.
func Text(u Unit) string {
	switch v := u.(type) {
	case Code:
		return v.Text
	case Data:
		return v.Text
	case Folded:
		return "..."
	}
	return ""
}

// RawBytes returns the encoded bytes of a code or data unit, nil for folded units.
func RawBytes(u Unit) []byte {
	switch v := u.(type) {
	case Code:
		return v.Bytes
	case Data:
		return v.Bytes
	}
	return nil
}
