package annotate

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Region is a contiguous, inclusive address range. Only folded regions
// collapse into a single unit; expanded ones are kept so they can be folded
// again without re-entering their bounds.
type Region struct {
	Begin  uint64
	End    uint64
	Folded bool
}

func (r Region) contains(addr uint64) bool { return addr >= r.Begin && addr <= r.End }

// Folds is a set of non-overlapping regions. It is safe for concurrent use.
type Folds struct {
	mu      sync.RWMutex
	regions []Region // sorted by Begin
}

// NewFolds returns an empty index.
func NewFolds() *Folds {
	return &Folds{}
}

// find returns the index of the region containing addr, or -1.
func (f *Folds) find(addr uint64) int {
	i, found := slices.BinarySearchFunc(f.regions, addr, func(r Region, a uint64) int {
		return cmp.Compare(r.Begin, a)
	})
	if found {
		return i
	}
	if i > 0 && f.regions[i-1].contains(addr) {
		return i - 1
	}
	return -1
}

// Add inserts a folded region [begin, end].
func (f *Folds) Add(begin, end uint64) error {
	if end < begin {
		return fmt.Errorf("fold %#x-%#x: end before begin", begin, end)
	}
	r := Region{Begin: begin, End: end, Folded: true}

	f.mu.Lock()
	defer f.mu.Unlock()
	i, _ := slices.BinarySearchFunc(f.regions, begin, func(r Region, a uint64) int {
		return cmp.Compare(r.Begin, a)
	})
	if i > 0 && f.regions[i-1].End >= begin {
		return fmt.Errorf("fold %#x-%#x: %w", begin, end, ErrOverlap)
	}
	if i < len(f.regions) && f.regions[i].Begin <= end {
		return fmt.Errorf("fold %#x-%#x: %w", begin, end, ErrOverlap)
	}
	f.regions = slices.Insert(f.regions, i, r)
	return nil
}

// SetFolded folds or expands the region containing addr.
func (f *Folds) SetFolded(addr uint64, folded bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(addr)
	if i < 0 {
		return false
	}
	f.regions[i].Folded = folded
	return true
}

// Remove deletes the region containing addr.
func (f *Folds) Remove(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(addr)
	if i < 0 {
		return false
	}
	f.regions = slices.Delete(f.regions, i, i+1)
	return true
}

func (f *Folds) folded(addr uint64) (Region, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i := f.find(addr)
	if i < 0 || !f.regions[i].Folded {
		return Region{}, false
	}
	return f.regions[i], true
}

// IsFolded reports whether addr lies inside a folded region.
func (f *Folds) IsFolded(addr uint64) bool {
	_, ok := f.folded(addr)
	return ok
}

// FoldBegin returns the first address of the folded region containing addr,
// or addr itself.
func (f *Folds) FoldBegin(addr uint64) uint64 {
	if r, ok := f.folded(addr); ok {
		return r.Begin
	}
	return addr
}

// FoldEnd returns the last address of the folded region containing addr,
// or addr itself.
func (f *Folds) FoldEnd(addr uint64) uint64 {
	if r, ok := f.folded(addr); ok {
		return r.End
	}
	return addr
}

// Regions returns a snapshot of all regions in address order.
func (f *Folds) Regions() []Region {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.regions)
}
