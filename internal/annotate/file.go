package annotate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"disnav/internal/disasm"
)

// Address accepts either a JSON number or a string such as "0x401000".
type Address uint64

func (a *Address) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseAddress(s)
		if err != nil {
			return err
		}
		*a = Address(v)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", b, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%#x", uint64(a)))
}

// ParseAddress parses a decimal or 0x-prefixed hexadecimal address.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// OverrideSpec is one entry of the "overrides" list.
type OverrideSpec struct {
	Address Address `json:"address"`
	Kind    string  `json:"kind"`
	Width   int     `json:"width,omitempty"`
}

// FoldSpec is one entry of the "folds" list.
type FoldSpec struct {
	Begin    Address `json:"begin"`
	End      Address `json:"end"`
	Expanded bool    `json:"expanded,omitempty"`
}

// File is the on-disk annotation format.
type File struct {
	Overrides []OverrideSpec `json:"overrides"`
	Folds     []FoldSpec     `json:"folds"`
}

// Set bundles both indexes.
type Set struct {
	Overrides *Overrides
	Folds     *Folds
}

// NewSet returns empty indexes.
func NewSet() *Set {
	return &Set{Overrides: NewOverrides(), Folds: NewFolds()}
}

// Load reads an annotation file. An empty path yields empty indexes.
func Load(path string) (*Set, error) {
	set := NewSet()
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse annotations %s: %w", path, err)
	}
	if err := set.Apply(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Apply adds every entry of f to the set.
func (s *Set) Apply(f File) error {
	for _, o := range f.Overrides {
		kind, err := disasm.ParseDataKind(o.Kind)
		if err != nil {
			return fmt.Errorf("override at %#x: %w", uint64(o.Address), err)
		}
		if err := s.Overrides.Set(uint64(o.Address), disasm.DataOverride{Type: kind, Width: o.Width}); err != nil {
			return err
		}
	}
	for _, fs := range f.Folds {
		if err := s.Folds.Add(uint64(fs.Begin), uint64(fs.End)); err != nil {
			return err
		}
		if fs.Expanded {
			s.Folds.SetFolded(uint64(fs.Begin), false)
		}
	}
	return nil
}

// Export returns the set in its on-disk form.
func (s *Set) Export() File {
	var f File
	s.Overrides.Each(func(addr uint64, ov disasm.DataOverride) {
		f.Overrides = append(f.Overrides, OverrideSpec{Address: Address(addr), Kind: ov.Type.String(), Width: ov.Width})
	})
	for _, r := range s.Folds.Regions() {
		f.Folds = append(f.Folds, FoldSpec{Begin: Address(r.Begin), End: Address(r.End), Expanded: !r.Folded})
	}
	return f
}

// Save writes the set to path as indented JSON.
func (s *Set) Save(path string) error {
	data, err := json.MarshalIndent(s.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write annotations: %w", err)
	}
	return nil
}
