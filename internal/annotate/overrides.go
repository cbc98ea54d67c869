// Package annotate holds user annotations over an address space: data-type
// overrides and folded regions. Both indexes are sorted by address and
// answer lookups by binary search, so the disassembly engine can query them
// once per decoded unit.
package annotate

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"disnav/internal/disasm"
)

// ErrOverlap is returned when a new annotation would share bytes with an existing one.
var ErrOverlap = errors.New("annotation overlaps an existing one")

type overrideEntry struct {
	addr uint64
	ov   disasm.DataOverride
}

func (e overrideEntry) end() uint64 { return e.addr + uint64(e.ov.Extent()) }

// Overrides maps addresses to data overrides. It is safe for concurrent use.
type Overrides struct {
	mu      sync.RWMutex
	entries []overrideEntry // sorted by addr, non-overlapping
}

// NewOverrides returns an empty index.
func NewOverrides() *Overrides {
	return &Overrides{}
}

func (o *Overrides) search(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(o.entries, addr, func(e overrideEntry, a uint64) int {
		return cmp.Compare(e.addr, a)
	})
}

// Set annotates addr. An existing override at the same address is replaced;
// one that would overlap a neighbour is rejected.
func (o *Overrides) Set(addr uint64, ov disasm.DataOverride) error {
	if ov.Width < 0 || ov.Extent() <= 0 {
		return fmt.Errorf("override at %#x: width must be positive", addr)
	}
	if addr+uint64(ov.Extent()) < addr {
		return fmt.Errorf("override at %#x: extent wraps the address space", addr)
	}
	e := overrideEntry{addr: addr, ov: ov}

	o.mu.Lock()
	defer o.mu.Unlock()

	i, found := o.search(addr)
	if i > 0 && o.entries[i-1].end() > addr {
		return fmt.Errorf("override at %#x: %w", addr, ErrOverlap)
	}
	next := i
	if found {
		next++
	}
	if next < len(o.entries) && e.end() > o.entries[next].addr {
		return fmt.Errorf("override at %#x: %w", addr, ErrOverlap)
	}
	if found {
		o.entries[i] = e
		return nil
	}
	o.entries = slices.Insert(o.entries, i, e)
	return nil
}

// Remove deletes the override starting at addr and reports whether one existed.
func (o *Overrides) Remove(addr uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, found := o.search(addr)
	if found {
		o.entries = slices.Delete(o.entries, i, i+1)
	}
	return found
}

// DataOverride returns the override that starts exactly at addr.
func (o *Overrides) DataOverride(addr uint64) (disasm.DataOverride, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if i, found := o.search(addr); found {
		return o.entries[i].ov, true
	}
	return disasm.DataOverride{}, false
}

// Covering returns the start address of the override whose extent contains addr.
func (o *Overrides) Covering(addr uint64) (uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i, found := o.search(addr)
	if found {
		return addr, true
	}
	if i > 0 && o.entries[i-1].end() > addr {
		return o.entries[i-1].addr, true
	}
	return 0, false
}

// Len returns the number of overrides.
func (o *Overrides) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// Each calls fn for every override in address order.
func (o *Overrides) Each(fn func(addr uint64, ov disasm.DataOverride)) {
	o.mu.RLock()
	entries := slices.Clone(o.entries)
	o.mu.RUnlock()
	for _, e := range entries {
		fn(e.addr, e.ov)
	}
}
