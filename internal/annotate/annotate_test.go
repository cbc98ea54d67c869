package annotate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"disnav/internal/disasm"
)

func TestOverridesSetAndLookup(t *testing.T) {
	o := NewOverrides()
	dword := disasm.DataOverride{Type: disasm.DataDword}

	if err := o.Set(0x1000, dword); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Set(0x1008, disasm.DataOverride{Type: disasm.DataQword}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tests := []struct {
		name    string
		addr    uint64
		wantOK  bool
		wantErr error
		ov      disasm.DataOverride
	}{
		{"overlaps previous", 0x1002, false, ErrOverlap, dword},
		{"overlaps next", 0x1006, false, ErrOverlap, dword},
		{"fits between", 0x1004, true, nil, dword},
		{"replace same address", 0x1000, true, nil, disasm.DataOverride{Type: disasm.DataByte, Width: 4}},
		{"replace growing into neighbour", 0x1000, false, ErrOverlap, disasm.DataOverride{Type: disasm.DataQword}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Set(tt.addr, tt.ov)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Set(%#x) error = %v, want %v", tt.addr, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%#x): %v", tt.addr, err)
			}
			got, ok := o.DataOverride(tt.addr)
			if ok != tt.wantOK || got != tt.ov {
				t.Errorf("DataOverride(%#x) = %+v, %v", tt.addr, got, ok)
			}
		})
	}

	if o.Len() != 3 {
		t.Errorf("Len() = %d, want 3", o.Len())
	}
	if _, ok := o.DataOverride(0x1001); ok {
		t.Error("lookup inside an override must not match")
	}
	if start, ok := o.Covering(0x100a); !ok || start != 0x1008 {
		t.Errorf("Covering(0x100a) = %#x, %v", start, ok)
	}
	if !o.Remove(0x1004) || o.Remove(0x1004) {
		t.Error("Remove should succeed exactly once")
	}
	if err := o.Set(0x2000, disasm.DataOverride{Type: disasm.DataByte, Width: -1}); err == nil {
		t.Error("expected error for negative width")
	}
}

func TestFolds(t *testing.T) {
	f := NewFolds()
	if err := f.Add(0x10, 0x20); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.Add(0x30, 0x30); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, r := range [][2]uint64{{0x18, 0x28}, {0x00, 0x10}, {0x20, 0x2f}, {0x21, 0x30}} {
		if err := f.Add(r[0], r[1]); !errors.Is(err, ErrOverlap) {
			t.Errorf("Add(%#x, %#x) error = %v, want ErrOverlap", r[0], r[1], err)
		}
	}
	if err := f.Add(5, 4); err == nil {
		t.Error("expected error for inverted region")
	}

	tests := []struct {
		addr       uint64
		folded     bool
		begin, end uint64
	}{
		{0x0f, false, 0x0f, 0x0f},
		{0x10, true, 0x10, 0x20},
		{0x15, true, 0x10, 0x20},
		{0x20, true, 0x10, 0x20},
		{0x21, false, 0x21, 0x21},
		{0x30, true, 0x30, 0x30},
	}
	for _, tt := range tests {
		if got := f.IsFolded(tt.addr); got != tt.folded {
			t.Errorf("IsFolded(%#x) = %v, want %v", tt.addr, got, tt.folded)
		}
		if got := f.FoldBegin(tt.addr); got != tt.begin {
			t.Errorf("FoldBegin(%#x) = %#x, want %#x", tt.addr, got, tt.begin)
		}
		if got := f.FoldEnd(tt.addr); got != tt.end {
			t.Errorf("FoldEnd(%#x) = %#x, want %#x", tt.addr, got, tt.end)
		}
	}

	if !f.SetFolded(0x18, false) {
		t.Fatal("SetFolded on existing region failed")
	}
	if f.IsFolded(0x18) {
		t.Error("expanded region still reports folded")
	}
	if !f.Remove(0x30) || f.IsFolded(0x30) {
		t.Error("Remove(0x30) did not delete the region")
	}
	want := []Region{{Begin: 0x10, End: 0x20}}
	if diff := cmp.Diff(want, f.Regions()); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineWithAnnotations(t *testing.T) {
	const base = 0x1000
	buf := []byte{0x90, 0x01, 0x02, 0x03, 0x04, 0x90, 0x90, 0x90, 0xc3}
	set := NewSet()
	if err := set.Overrides.Set(base+1, disasm.DataOverride{Type: disasm.DataDword}); err != nil {
		t.Fatal(err)
	}
	if err := set.Folds.Add(base+5, base+7); err != nil {
		t.Fatal(err)
	}
	e := disasm.NewEngine(disasm.DefaultConfig(),
		disasm.WithOverrides(set.Overrides), disasm.WithFolds(set.Folds))

	var lengths []int
	for pos := uint64(0); pos < uint64(len(buf)); {
		u := e.DecodeAt(buf, base, pos, true)
		lengths = append(lengths, u.Len())
		pos += uint64(u.Len())
	}
	if diff := cmp.Diff([]int{1, 4, 3, 1}, lengths); diff != "" {
		t.Errorf("unit lengths mismatch (-want +got):\n%s", diff)
	}
	if got := e.NavigateBackward(buf, base, uint64(len(buf)), 8, 2); got != 1 {
		t.Errorf("NavigateBackward(8, 2) = %d, want 1", got)
	}
	if got := e.NavigateBackward(buf, base, uint64(len(buf)), 8, 3); got != 0 {
		t.Errorf("NavigateBackward(8, 3) = %d, want 0", got)
	}
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.json")
	src := `{
  "overrides": [
    {"address": "0x401000", "kind": "dword"},
    {"address": 4198416, "kind": "ascii", "width": 12}
  ],
  "folds": [
    {"begin": "0x402000", "end": "0x4020ff"},
    {"begin": "0x403000", "end": "0x403010", "expanded": true}
  ]
}`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ov, ok := set.Overrides.DataOverride(0x401010); !ok || ov.Type != disasm.DataASCII || ov.Extent() != 12 {
		t.Errorf("ascii override = %+v, %v", ov, ok)
	}
	if !set.Folds.IsFolded(0x402080) || set.Folds.IsFolded(0x403008) {
		t.Error("fold states not loaded")
	}

	out := filepath.Join(dir, "out.json")
	if err := set.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := Load(out)
	if err != nil {
		t.Fatalf("Load saved file: %v", err)
	}
	if diff := cmp.Diff(set.Export(), again.Export()); diff != "" {
		t.Errorf("saved annotations differ (-want +got):\n%s", diff)
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"overrides":[{"address":"0x10","kind":"nibble"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected error for unknown kind")
	}
}
