package disasm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
)

// DataKind is the type a data override reinterprets bytes as.
type DataKind uint8

const (
	DataByte DataKind = iota
	DataWord
	DataDword
	DataFword
	DataQword
	DataTbyte
	DataOword
	DataMmword
	DataXmmword
	DataYmmword
	DataReal4
	DataReal8
	DataReal10
	DataASCII
	DataUnicode
)

type dataInfo struct {
	name  string
	short string
	long  string
	cType string
	width int
}

var dataKinds = [...]dataInfo{
	DataByte:    {"byte", "db", "byte", "int8", 1},
	DataWord:    {"word", "dw", "word", "short", 2},
	DataDword:   {"dword", "dd", "dword", "int", 4},
	DataFword:   {"fword", "df", "fword", "fword", 6},
	DataQword:   {"qword", "dq", "qword", "long", 8},
	DataTbyte:   {"tbyte", "tbyte", "tbyte", "tbyte", 10},
	DataOword:   {"oword", "oword", "oword", "oword", 16},
	DataMmword:  {"mmword", "mmword", "mmword", "long long", 8},
	DataXmmword: {"xmmword", "xmmword", "xmmword", "_m128", 16},
	DataYmmword: {"ymmword", "ymmword", "ymmword", "_m256", 32},
	DataReal4:   {"real4", "real4", "real4", "float", 4},
	DataReal8:   {"real8", "real8", "real8", "double", 8},
	DataReal10:  {"real10", "real10", "real10", "long double", 10},
	DataASCII:   {"ascii", "ascii", "ascii", "string", 1},
	DataUnicode: {"unicode", "unicode", "unicode", "wstring", 2},
}

func (k DataKind) info() dataInfo {
	if int(k) < len(dataKinds) {
		return dataKinds[k]
	}
	return dataKinds[DataByte]
}

func (k DataKind) String() string { return k.info().name }

// DefaultWidth is the natural size of one element of the kind.
func (k DataKind) DefaultWidth() int { return k.info().width }

// CType is the C-style type name of the kind.
func (k DataKind) CType() string { return k.info().cType }

// ParseDataKind looks a kind up by name ("dword", "real8", "ascii", ...).
func ParseDataKind(name string) (DataKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, info := range dataKinds {
		if info.name == name || info.short == name {
			return DataKind(i), nil
		}
	}
	return DataByte, fmt.Errorf("unknown data kind %q", name)
}

// DataOverride reinterprets Width bytes starting at its address as Type.
type DataOverride struct {
	Type  DataKind
	Width int
}

// ShortLabel is the assembler directive form ("dd").
func (o DataOverride) ShortLabel() string { return o.Type.info().short }

// LongLabel is the spelled-out form ("dword").
func (o DataOverride) LongLabel() string { return o.Type.info().long }

// Extent is the number of bytes the override consumes.
func (o DataOverride) Extent() int {
	if o.Width > 0 {
		return o.Width
	}
	return o.Type.DefaultWidth()
}

// FormatData renders b according to kind. b may be shorter than the kind's
// natural width when the buffer ends early.
func FormatData(kind DataKind, b []byte) string {
	switch kind {
	case DataReal4:
		if len(b) < 4 {
			return hexValue(b)
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return strconv.FormatFloat(float64(f), 'g', -1, 32)
	case DataReal8:
		if len(b) < 8 {
			return hexValue(b)
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(b))
		return strconv.FormatFloat(f, 'g', -1, 64)
	case DataReal10:
		if len(b) < 10 {
			return hexValue(b)
		}
		return strconv.FormatFloat(float80(b), 'g', -1, 64)
	case DataASCII:
		return `"` + EscapeUnprintable(b) + `"`
	case DataUnicode:
		dec := xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM).NewDecoder()
		s, err := dec.Bytes(b[:len(b)&^1])
		if err != nil {
			return hexValue(b)
		}
		return `L"` + EscapeUnprintable(s) + `"`
	}
	width := kind.DefaultWidth()
	if width <= 0 || len(b) <= width {
		return hexValue(b)
	}
	parts := make([]string, 0, (len(b)+width-1)/width)
	for off := 0; off < len(b); off += width {
		parts = append(parts, hexValue(b[off:min(off+width, len(b))]))
	}
	return strings.Join(parts, ",")
}

// hexValue prints b as a little-endian integer.
func hexValue(b []byte) string {
	if len(b) == 0 {
		return "?"
	}
	var sb strings.Builder
	for i := len(b) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", b[i])
	}
	return sb.String()
}

// float80 converts an x87 80-bit extended precision value.
func float80(b []byte) float64 {
	mant := binary.LittleEndian.Uint64(b[0:8])
	se := binary.LittleEndian.Uint16(b[8:10])
	neg := se&0x8000 != 0
	exp := int(se & 0x7fff)
	var v float64
	switch {
	case exp == 0 && mant == 0:
		v = 0
	case exp == 0x7fff:
		if mant<<1 == 0 {
			v = math.Inf(1)
		} else {
			return math.NaN()
		}
	default:
		v = math.Ldexp(float64(mant), exp-16383-63)
	}
	if neg {
		v = math.Copysign(v, -1)
	}
	return v
}

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&sb, "\\x%02X", b[0])
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
		} else {
			fmt.Fprintf(&sb, "\\u%04X", r)
		}
		b = b[size:]
	}
	return sb.String()
}
