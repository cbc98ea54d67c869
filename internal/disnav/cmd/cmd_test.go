package cmd

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"disnav/internal/annotate"
	"disnav/internal/config"
	"disnav/internal/disnav/styles"
	"disnav/internal/trace"
)

// prologue is push rbp; mov rbp, rsp; call +0; ret.
var prologue = []byte{0x55, 0x48, 0x89, 0xe5, 0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func rawSession(t *testing.T, path string, loc location) *session {
	t.Helper()
	loc.path = path
	loc.raw = true
	if loc.base == "" {
		loc.base = "0x1000"
	}
	s, err := openSession(config.Default(), loc)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestRunDecode(t *testing.T) {
	s := rawSession(t, writeFile(t, "dump.bin", prologue), location{})

	var buf bytes.Buffer
	if err := runDecode(&buf, s, styles.Painter{}, decodeOptions{count: 100}); err != nil {
		t.Fatalf("runDecode: %v", err)
	}
	got := lines(buf.String())
	if len(got) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(got), buf.String())
	}
	wants := []struct {
		prefix string
		text   string
	}{
		{"0000000000001000  55 ", "push rbp"},
		{"0000000000001001  48:89 E5", "mov rbp, rsp"},
		{"0000000000001004  E8 00000000", "call 0x1009"},
		{"0000000000001009  C3", "ret"},
	}
	for i, w := range wants {
		if !strings.HasPrefix(got[i], w.prefix) || !strings.Contains(got[i], w.text) {
			t.Errorf("line %d = %q, want prefix %q and text %q", i, got[i], w.prefix, w.text)
		}
	}
	if !strings.HasSuffix(got[2], "; call -> 0x1009") {
		t.Errorf("call line %q lacks branch comment", got[2])
	}
}

func TestRunDecodeJSONWithAnnotations(t *testing.T) {
	data := []byte{0x90, 0x01, 0x02, 0x03, 0x04, 0x90, 0x90, 0x90, 0xc3}
	notes := writeFile(t, "notes.json", []byte(`{
		"overrides": [{"address": "0x1001", "kind": "dword"}],
		"folds": [{"begin": "0x1005", "end": "0x1007"}]
	}`))
	s := rawSession(t, writeFile(t, "dump.bin", data), location{annotations: notes})

	var buf bytes.Buffer
	if err := runDecode(&buf, s, styles.Painter{}, decodeOptions{count: 10, json: true}); err != nil {
		t.Fatalf("runDecode: %v", err)
	}
	var units []unitJSON
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var u unitJSON
		if err := dec.Decode(&u); err != nil {
			t.Fatal(err)
		}
		units = append(units, u)
	}
	want := []struct {
		addr, kind string
		length     int
	}{
		{"0x1000", "code", 1},
		{"0x1001", "data", 4},
		{"0x1005", "folded", 3},
		{"0x1008", "code", 1},
	}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d: %+v", len(units), len(want), units)
	}
	for i, w := range want {
		u := units[i]
		if u.Address != w.addr || u.Kind != w.kind || u.Length != w.length {
			t.Errorf("unit %d = %+v, want %s %s %d", i, u, w.addr, w.kind, w.length)
		}
	}
	if units[1].Text != "dd 04030201" {
		t.Errorf("data text = %q", units[1].Text)
	}
}

func TestRunNavigate(t *testing.T) {
	path := writeFile(t, "dump.bin", prologue)
	tests := []struct {
		name string
		va   string
		dir  navDirection
		n    int
		want string
	}{
		{"forward one", "0x1000", navForward, 1, "0000000000001001"},
		{"forward two", "0x1000", navForward, 2, "0000000000001004"},
		{"back one", "0x1009", navBackward, 1, "0000000000001004"},
		{"back three", "0x1009", navBackward, 3, "0000000000001000"},
		{"back from start", "0x1000", navBackward, 1, "0000000000001000"},
		{"forward past end", "0x1009", navForward, 5, "000000000000100a  (end of buffer)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := rawSession(t, path, location{va: tt.va})
			var buf bytes.Buffer
			if err := runNavigate(&buf, s, styles.Painter{}, tt.dir, tt.n); err != nil {
				t.Fatalf("runNavigate: %v", err)
			}
			if !strings.HasPrefix(buf.String(), tt.want) {
				t.Errorf("got %q, want prefix %q", buf.String(), tt.want)
			}
		})
	}
}

func TestOpenSessionStart(t *testing.T) {
	path := writeFile(t, "dump.bin", prologue)
	tests := []struct {
		name string
		loc  location
		want uint64
	}{
		{"default is base", location{}, 0x1000},
		{"va", location{va: "0x1004"}, 0x1004},
		{"offset", location{offset: "9"}, 0x1009},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := rawSession(t, path, tt.loc); s.start != tt.want {
				t.Errorf("start = %#x, want %#x", s.start, tt.want)
			}
		})
	}
}

func TestOpenSessionErrors(t *testing.T) {
	path := writeFile(t, "dump.bin", prologue)
	tests := []struct {
		name string
		loc  location
	}{
		{"not elf", location{path: path}},
		{"bad base", location{path: path, raw: true, base: "zz"}},
		{"symbol in raw dump", location{path: path, raw: true, base: "0", symbol: "main"}},
		{"missing annotations", location{path: path, raw: true, base: "0", annotations: path + ".json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s, err := openSession(config.Default(), tt.loc); err == nil {
				s.Close()
				t.Fatal("expected error")
			}
		})
	}

	s := rawSession(t, path, location{va: "0x2000"})
	if err := runDecode(&bytes.Buffer{}, s, styles.Painter{}, decodeOptions{count: 1}); err == nil {
		t.Error("decoding outside the dump should fail")
	}
}

func TestGzipDump(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(prologue)
	zw.Close()

	s := rawSession(t, writeFile(t, "dump.bin.gz", buf.Bytes()), location{})
	if !bytes.Equal(s.src.data, prologue) {
		t.Errorf("decompressed %x, want %x", s.src.data, prologue)
	}
}

func writeTestTrace(t *testing.T) string {
	t.Helper()
	h := trace.NewHeader("x86_64", 18)
	path := filepath.Join(t.TempDir(), "run.dntr")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := trace.NewWriter(f, h)
	if err != nil {
		t.Fatal(err)
	}
	step := func(ip uint64, op []byte, acc ...trace.MemoryAccess) trace.Step {
		regs := make(trace.RegisterSnapshot, 18)
		regs[0] = 0x2a
		regs[16] = ip
		return trace.Step{Registers: regs, Opcode: op, ThreadID: 7, Accesses: acc}
	}
	steps := []trace.Step{
		step(0x401000, []byte{0x55}, trace.MemoryAccess{Address: 0x7ff8, Old: 0, New: 0x1234, Valid: true}),
		step(0x401001, []byte{0xff, 0xe0}), // jmp rax
		step(0x402000, []byte{0xc3}),
	}
	for _, s := range steps {
		if err := w.WriteStep(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return path
}

func openTestTrace(t *testing.T) *trace.Reader {
	t.Helper()
	r, err := openTrace(context.Background(), config.Default(), writeTestTrace(t))
	if err != nil {
		t.Fatalf("openTrace: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTraceInfo(t *testing.T) {
	r := openTestTrace(t)
	var buf bytes.Buffer
	if err := runTraceInfo(&buf, r, "run.dntr", styles.Painter{}); err != nil {
		t.Fatalf("runTraceInfo: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"# run.dntr", "| Architecture | `x86_64` |", "| Steps | 3 |", "| Pages | 1 |", "`0x401000` on thread 7"} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q:\n%s", want, out)
		}
	}
}

func TestTraceStep(t *testing.T) {
	r := openTestTrace(t)
	eng, err := traceEngine(config.Default(), r, "")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runTraceStep(&buf, r, eng, 0, styles.Painter{}); err != nil {
		t.Fatalf("runTraceStep: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"step 0", "thread: 7", "push rbp", "rax     000000000000002a", "rip     0000000000401000", "mem[0] 0x7ff8 0x0 -> 0x1234"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}

	if err := runTraceStep(&buf, r, eng, 3, styles.Painter{}); err == nil {
		t.Error("step past the end should fail")
	}
}

func TestTraceList(t *testing.T) {
	r := openTestTrace(t)
	eng, err := traceEngine(config.Default(), r, "")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runTraceList(&buf, r, eng, 1, 10, styles.Painter{}); err != nil {
		t.Fatalf("runTraceList: %v", err)
	}
	got := lines(buf.String())
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(got), buf.String())
	}
	if !strings.Contains(got[0], "jmp rax") || !strings.HasSuffix(got[0], "; jmp -> 0x402000") {
		t.Errorf("jmp line = %q, want observed target", got[0])
	}
	if !strings.Contains(got[1], "0000000000402000") || !strings.Contains(got[1], "ret") {
		t.Errorf("ret line = %q", got[1])
	}

	if err := runTraceList(&buf, r, eng, 3, 1, styles.Painter{}); err == nil {
		t.Error("listing past the end should fail")
	}
}

func TestRunAnnotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	var buf bytes.Buffer
	err := runAnnotate(&buf, path, annotateOptions{
		overrides: []string{"0x1000:dword", "0x1010:ascii:16"},
		folds:     []string{"0x1020:0x103f"},
	})
	if err != nil {
		t.Fatalf("runAnnotate: %v", err)
	}
	set, err := annotate.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if set.Overrides.Len() != 2 || !set.Folds.IsFolded(0x1030) {
		t.Errorf("saved set = %+v", set.Export())
	}

	buf.Reset()
	err = runAnnotate(&buf, path, annotateOptions{remove: []string{"0x1000"}, expand: []string{"0x1030"}})
	if err != nil {
		t.Fatalf("runAnnotate: %v", err)
	}
	sc := bufio.NewScanner(&buf)
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	want := []string{"0x1010  ascii    16 bytes", "0x1020-0x103f  expanded"}
	if strings.Join(out, "\n") != strings.Join(want, "\n") {
		t.Errorf("output = %q, want %q", out, want)
	}

	tests := []struct {
		name string
		opts annotateOptions
	}{
		{"overlap", annotateOptions{overrides: []string{"0x1018:qword"}}},
		{"bad kind", annotateOptions{overrides: []string{"0x2000:quad"}}},
		{"bad fold", annotateOptions{folds: []string{"0x2000"}}},
		{"missing remove", annotateOptions{remove: []string{"0x9999"}}},
		{"expand nothing", annotateOptions{expand: []string{"0x9999"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runAnnotate(&bytes.Buffer{}, path, tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConfigSchema(t *testing.T) {
	bts, err := configSchema()
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(bts, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, field := range []string{"mode", "syntax", "pageBudget", "backScanLimit"} {
		if !bytes.Contains(bts, []byte(`"`+field+`"`)) {
			t.Errorf("schema lacks %s", field)
		}
	}
}

func TestRootCommandDecode(t *testing.T) {
	t.Setenv("DISNAV_NO_COLOR", "1")
	path := writeFile(t, "dump.bin", prologue)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"back", path, "--raw", "--base", "0x1000", "--va", "0x1009", "-n", "2"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil); rootCmd.SetErr(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "0000000000001001") {
		t.Errorf("back -n 2 = %q", out.String())
	}
}
