package disasm

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testBase = 0x401000

type mapOverrides map[uint64]DataOverride

func (m mapOverrides) DataOverride(addr uint64) (DataOverride, bool) {
	ov, ok := m[addr]
	return ov, ok
}

type fold struct{ begin, end uint64 }

type sliceFolds []fold

func (s sliceFolds) find(addr uint64) (fold, bool) {
	for _, f := range s {
		if addr >= f.begin && addr <= f.end {
			return f, true
		}
	}
	return fold{}, false
}

func (s sliceFolds) IsFolded(addr uint64) bool { _, ok := s.find(addr); return ok }

func (s sliceFolds) FoldBegin(addr uint64) uint64 {
	if f, ok := s.find(addr); ok {
		return f.begin
	}
	return addr
}

func (s sliceFolds) FoldEnd(addr uint64) uint64 {
	if f, ok := s.find(addr); ok {
		return f.end
	}
	return addr
}

type fixedResolver uint64

func (r fixedResolver) BranchTarget(uint64) (uint64, bool) { return uint64(r), true }

// countingDecoder counts full decodes.
type countingDecoder struct {
	X86Decoder
	decodes *atomic.Int32
}

func (c countingDecoder) Decode(addr uint64, code []byte) (Decoded, bool) {
	c.decodes.Add(1)
	return c.X86Decoder.Decode(addr, code)
}

// mixed is a run of plain x86-64 code of varying lengths.
var mixed = []byte{
	0x48, 0x89, 0xc8, // mov rax, rcx
	0x90,                         // nop
	0xe8, 0x00, 0x00, 0x00, 0x00, // call +0
	0x48, 0x83, 0xc0, 0x01, // add rax, 1
	0x0f, 0x1f, 0x44, 0x00, 0x00, // nop dword ptr [rax+rax]
	0xc3, // ret
}

func boundaries(t *testing.T, e *Engine, data []byte) []uint64 {
	t.Helper()
	var out []uint64
	for pos := uint64(0); pos < uint64(len(data)); {
		out = append(out, pos)
		next := e.NavigateForward(data, testBase, uint64(len(data)), pos, 1)
		if next <= pos {
			t.Fatalf("forward step from %d did not advance", pos)
		}
		pos = next
	}
	return out
}

func TestNavigateBackwardScenario(t *testing.T) {
	e := NewEngine(DefaultConfig())
	buf := []byte{0x90, 0x90, 0xc3}

	if got := e.NavigateBackward(buf, testBase, 3, 2, 1); got != 1 {
		t.Errorf("NavigateBackward(ip=2, n=1) = %d, want 1", got)
	}
	if got := e.NavigateBackward(buf, testBase, 3, 0, 1); got != 0 {
		t.Errorf("NavigateBackward(ip=0, n=1) = %d, want 0", got)
	}
}

func TestNavigateForwardScenario(t *testing.T) {
	e := NewEngine(DefaultConfig())
	buf := []byte{0xe8, 0x00, 0x00, 0x00, 0x00}

	if got := e.NavigateForward(buf, testBase, 5, 0, 1); got != 5 {
		t.Errorf("NavigateForward(ip=0, n=1) = %d, want 5", got)
	}
}

func TestNavigateIdentity(t *testing.T) {
	e := NewEngine(DefaultConfig())
	for ip := uint64(0); ip < uint64(len(mixed)); ip++ {
		if got := e.NavigateForward(mixed, testBase, uint64(len(mixed)), ip, 0); got != ip {
			t.Errorf("NavigateForward(ip=%d, n=0) = %d", ip, got)
		}
		if got := e.NavigateBackward(mixed, testBase, uint64(len(mixed)), ip, 0); got != ip {
			t.Errorf("NavigateBackward(ip=%d, n=0) = %d", ip, got)
		}
	}
}

func TestNavigateBackwardClampsCount(t *testing.T) {
	e := NewEngine(DefaultConfig())
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0x90
	}
	ip := uint64(3000)
	at127 := e.NavigateBackward(buf, testBase, uint64(len(buf)), ip, 127)
	at200 := e.NavigateBackward(buf, testBase, uint64(len(buf)), ip, 200)
	if at127 != at200 {
		t.Errorf("n=200 gave %d, n=127 gave %d", at200, at127)
	}
	if at127 != ip-127 {
		t.Errorf("n=127 over single-byte code = %d, want %d", at127, ip-127)
	}
}

func TestNavigateRoundTrip(t *testing.T) {
	e := NewEngine(DefaultConfig())
	var buf []byte
	for range 3 {
		buf = append(buf, mixed...)
	}
	size := uint64(len(buf))
	bounds := boundaries(t, e, buf)

	for i, ip := range bounds {
		for n := 1; i+n < len(bounds); n++ {
			fwd := e.NavigateForward(buf, testBase, size, ip, n)
			if fwd != bounds[i+n] {
				t.Fatalf("NavigateForward(%d, %d) = %d, want %d", ip, n, fwd, bounds[i+n])
			}
			if back := e.NavigateBackward(buf, testBase, size, fwd, n); back != ip {
				t.Errorf("NavigateBackward(%d, %d) = %d, want %d", fwd, n, back, ip)
			}
		}
	}
}

func TestNavigateEmptyAndClamped(t *testing.T) {
	e := NewEngine(DefaultConfig())
	if got := e.NavigateForward(nil, testBase, 10, 7, 3); got != 7 {
		t.Errorf("forward on empty buffer = %d, want 7", got)
	}
	if got := e.NavigateBackward(nil, testBase, 10, 7, 3); got != 7 {
		t.Errorf("backward on empty buffer = %d, want 7", got)
	}
	buf := []byte{0x90, 0x90, 0x90}
	if got := e.NavigateForward(buf, testBase, 3, 99, 0); got != 2 {
		t.Errorf("forward with ip past end = %d, want 2", got)
	}
	if got := e.NavigateForward(buf, testBase, 3, 0, 99); got != 3 {
		t.Errorf("forward past end = %d, want 3", got)
	}
	// size smaller than the slice limits the walk
	if got := e.NavigateForward(buf, testBase, 2, 0, 5); got != 2 {
		t.Errorf("forward with size=2 = %d, want 2", got)
	}
}

func TestNavigateUndecodable(t *testing.T) {
	e := NewEngine(DefaultConfig())
	buf := []byte{0xe8, 0x00} // truncated call
	if got := e.NavigateForward(buf, testBase, 2, 0, 1); got != 1 {
		t.Errorf("forward over truncated bytes = %d, want 1", got)
	}
	u := e.DecodeAt(buf, testBase, 0, true)
	want := Code{Text: "???", Bytes: []byte{0xe8}, Length: 1, Groups: ByteGroups{Opcode: 1}}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("DecodeAt mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAtDataOverride(t *testing.T) {
	buf := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xc3}
	ov := mapOverrides{testBase: {Type: DataDword, Width: 4}}
	e := NewEngine(DefaultConfig(), WithOverrides(ov))

	u := e.DecodeAt(buf, testBase, 0, true)
	want := Data{Text: "dd 90909090", Bytes: []byte{0x90, 0x90, 0x90, 0x90}, Length: 4, Type: DataDword}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("DecodeAt mismatch (-want +got):\n%s", diff)
	}

	if u := e.DecodeAt(buf, testBase, 0, false); u.Kind() != KindCode || u.Len() != 1 {
		t.Errorf("without overrides got %v len %d, want 1-byte code", u.Kind(), u.Len())
	}

	if got := e.NavigateForward(buf, testBase, uint64(len(buf)), 0, 1); got != 4 {
		t.Errorf("forward over override = %d, want 4", got)
	}
	if got := e.NavigateBackward(buf, testBase, uint64(len(buf)), 5, 2); got != 0 {
		t.Errorf("backward over override = %d, want 0", got)
	}

	long := NewEngine(Config{LongDataLabels: true}, WithOverrides(ov))
	if got := Text(long.DecodeAt(buf, testBase, 0, true)); got != "dword 90909090" {
		t.Errorf("long label text = %q", got)
	}
}

func TestDecodeAtOverrideTruncated(t *testing.T) {
	buf := []byte{0x01, 0x02}
	e := NewEngine(DefaultConfig(), WithOverrides(mapOverrides{testBase: {Type: DataQword}}))
	u := e.DecodeAt(buf, testBase, 0, true)
	if u.Len() != 2 {
		t.Errorf("override length = %d, want remaining buffer 2", u.Len())
	}
}

func TestDecodeAtFold(t *testing.T) {
	buf := []byte{0x90, 0x48, 0x89, 0xc8, 0x90, 0xc3}
	folds := sliceFolds{{testBase + 1, testBase + 3}}
	dec := countingDecoder{decodes: new(atomic.Int32)}
	e := NewEngine(DefaultConfig(), WithFolds(folds), WithDecoder(dec))

	u := e.DecodeAt(buf, testBase, 1, true)
	want := Folded{Length: 3, Begin: testBase + 1, End: testBase + 3}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("DecodeAt mismatch (-want +got):\n%s", diff)
	}
	if n := dec.decodes.Load(); n != 0 {
		t.Errorf("folded bytes were decoded %d times", n)
	}

	if got := e.NavigateForward(buf, testBase, 6, 0, 2); got != 4 {
		t.Errorf("forward across fold = %d, want 4", got)
	}
	if got := e.NavigateBackward(buf, testBase, 6, 4, 1); got != 1 {
		t.Errorf("backward onto fold = %d, want 1", got)
	}
	if got := e.NavigateBackward(buf, testBase, 6, 5, 2); got != 1 {
		t.Errorf("backward from 5 by 2 = %d, want 1", got)
	}
}

func TestDecodeAtCall(t *testing.T) {
	buf := []byte{0xe8, 0x10, 0x00, 0x00, 0x00}
	e := NewEngine(DefaultConfig())

	u, ok := e.DecodeAt(buf, testBase, 0, true).(Code)
	if !ok {
		t.Fatalf("expected Code unit")
	}
	if u.Branch != BranchCall {
		t.Errorf("branch = %v, want call", u.Branch)
	}
	if u.BranchTarget != testBase+0x15 {
		t.Errorf("target = %#x, want %#x", u.BranchTarget, testBase+0x15)
	}
	want := append([]RegisterAccess{{"rsp", AccessReadWrite, true}}, callConv64...)
	if diff := cmp.Diff(want, u.Registers); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ByteGroups{Opcode: 1, Group2: 4}, u.Groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	resolved := NewEngine(DefaultConfig(), WithBranchResolver(fixedResolver(0xdead)))
	if c := resolved.DecodeAt(buf, testBase, 0, true).(Code); c.BranchTarget != 0xdead {
		t.Errorf("resolver target = %#x, want 0xdead", c.BranchTarget)
	}

	e32 := NewEngine(Config{Mode: 32})
	c32 := e32.DecodeAt(buf, testBase, 0, true).(Code)
	want32 := append([]RegisterAccess{{"esp", AccessReadWrite, true}}, callConv32...)
	if diff := cmp.Diff(want32, c32.Registers); diff != "" {
		t.Errorf("32-bit registers mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAtConditional(t *testing.T) {
	buf := []byte{0x74, 0x02, 0x90, 0x90}
	e := NewEngine(DefaultConfig())
	u := e.DecodeAt(buf, testBase, 0, true).(Code)
	if u.Branch != BranchConditional {
		t.Errorf("branch = %v, want jcc", u.Branch)
	}
	if u.BranchTarget != testBase+4 {
		t.Errorf("target = %#x, want %#x", u.BranchTarget, testBase+4)
	}
	want := []RegisterAccess{{"zf", AccessRead, true}}
	if diff := cmp.Diff(want, u.Registers); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAtTargetWrapsInMode(t *testing.T) {
	tests := []struct {
		name string
		mode int
		want uint64
	}{
		{"32-bit", 32, 0xfffffff2},
		{"16-bit", 16, 0xfff2},
		{"64-bit", 64, 0xfffffffffffffff2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Config{Mode: tt.mode})
			u := e.DecodeAt([]byte{0xeb, 0xe0}, 0x10, 0, true).(Code)
			if u.Branch != BranchUnconditional {
				t.Fatalf("branch = %v, want jmp", u.Branch)
			}
			if u.BranchTarget != tt.want {
				t.Errorf("target = %#x, want %#x", u.BranchTarget, tt.want)
			}
		})
	}
}

func TestDecodeAtRegisterAccesses(t *testing.T) {
	e := NewEngine(DefaultConfig())
	tests := []struct {
		name  string
		code  []byte
		want  []RegisterAccess
		bytes string
	}{
		{
			name: "add reg reg",
			code: []byte{0x48, 0x01, 0xc8},
			want: []RegisterAccess{
				{"of", AccessWrite, true}, {"sf", AccessWrite, true}, {"zf", AccessWrite, true},
				{"af", AccessWrite, true}, {"cf", AccessWrite, true}, {"pf", AccessWrite, true},
				{"rax", AccessReadWrite, false}, {"rcx", AccessRead, false},
			},
			bytes: "48:01 C8",
		},
		{
			name:  "rip relative load drops pc",
			code:  []byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00},
			want:  []RegisterAccess{{"rax", AccessWrite, false}},
			bytes: "48:8B 05 00000000",
		},
		{
			name:  "push",
			code:  []byte{0x55},
			want:  []RegisterAccess{{"rbp", AccessRead, false}, {"rsp", AccessReadWrite, true}},
			bytes: "55",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := e.DecodeAt(tt.code, testBase, 0, true).(Code)
			if !ok || !u.Valid {
				t.Fatalf("expected a valid code unit, got %#v", u)
			}
			if u.Len() != len(tt.code) {
				t.Errorf("length = %d, want %d", u.Len(), len(tt.code))
			}
			if diff := cmp.Diff(tt.want, u.Registers); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
			if got := u.FormatBytes(); got != tt.bytes {
				t.Errorf("FormatBytes() = %q, want %q", got, tt.bytes)
			}
		})
	}
}

func TestDecodeAtOutOfRange(t *testing.T) {
	e := NewEngine(DefaultConfig())
	if u := e.DecodeAt([]byte{0x90}, testBase, 1, true); u != nil {
		t.Errorf("DecodeAt past end = %#v, want nil", u)
	}
}

func TestDecodeAtVectorElements(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// addps xmm0, xmm1
	u := e.DecodeAt([]byte{0x0f, 0x58, 0xc1}, testBase, 0, true).(Code)
	want := [4]VectorElementType{VETFloat32, VETFloat32}
	if u.VectorElements != want {
		t.Errorf("vector elements = %v, want %v", u.VectorElements, want)
	}
}
