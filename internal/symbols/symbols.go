// Package symbols names addresses for instruction text and branch targets.
package symbols

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"disnav/internal/elfx"
)

// Cache memoizes demangled names. The zero value is ready to use and safe
// for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	names map[string]string
	hits  int
}

// Demangle returns the demangled form of a C++ or Rust symbol, or mangled
// itself when it is not a mangled name.
func (c *Cache) Demangle(mangled string) string {
	c.mu.RLock()
	if name, ok := c.names[mangled]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return name
	}
	c.mu.RUnlock()

	name := demangle.Filter(mangled, demangle.NoClones)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names == nil {
		c.names = make(map[string]string)
	}
	c.names[mangled] = name
	return name
}

// Stats returns the number of cached names and cache hits.
func (c *Cache) Stats() (entries, hits int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names), c.hits
}

var defaultCache Cache

// Demangle demangles through a process-wide cache.
func Demangle(mangled string) string { return defaultCache.Demangle(mangled) }

// Symbol is a named address range. A zero Size covers only Addr.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

func (s Symbol) contains(addr uint64) bool {
	if s.Size == 0 {
		return addr == s.Addr
	}
	return addr >= s.Addr && addr-s.Addr < s.Size
}

// Symbolizer maps addresses to the symbols containing them. It is immutable
// once built.
type Symbolizer struct {
	syms  []Symbol // sorted by Addr, then larger Size first
	cache *Cache
}

// New builds a symbolizer over syms. Names are demangled lazily through cache;
// a nil cache uses the process-wide one.
func New(syms []Symbol, cache *Cache) *Symbolizer {
	if cache == nil {
		cache = &defaultCache
	}
	sorted := slices.Clone(syms)
	slices.SortFunc(sorted, func(a, b Symbol) int {
		if c := cmp.Compare(a.Addr, b.Addr); c != 0 {
			return c
		}
		return cmp.Compare(b.Size, a.Size)
	})
	sorted = slices.CompactFunc(sorted, func(a, b Symbol) bool { return a.Addr == b.Addr })
	return &Symbolizer{syms: sorted, cache: cache}
}

// FromImage collects the symbols of an ELF image. PLT stubs are named
// "name@plt" after the import they call.
func FromImage(im *elfx.Image, cache *Cache) *Symbolizer {
	var syms []Symbol
	add := func(list []elfx.DynSym) {
		for _, s := range list {
			if s.Name == "" || s.Addr == 0 {
				continue
			}
			syms = append(syms, Symbol{Name: s.Name, Addr: s.Addr, Size: s.Size})
		}
	}
	add(im.Syms)
	add(im.Dynsyms)
	for _, stub := range im.PLTStubs {
		if name, ok := im.PLTName(stub.Addr); ok {
			syms = append(syms, Symbol{Name: name + "@plt", Addr: stub.Addr, Size: 16})
		}
	}
	return New(syms, cache)
}

// Len returns the number of distinct symbols.
func (s *Symbolizer) Len() int {
	if s == nil {
		return 0
	}
	return len(s.syms)
}

// Find returns the symbol containing addr.
func (s *Symbolizer) Find(addr uint64) (Symbol, bool) {
	if s == nil {
		return Symbol{}, false
	}
	i, found := slices.BinarySearchFunc(s.syms, addr, func(sym Symbol, a uint64) int {
		return cmp.Compare(sym.Addr, a)
	})
	if !found {
		i--
	}
	if i < 0 || !s.syms[i].contains(addr) {
		return Symbol{}, false
	}
	return s.syms[i], true
}

// Lookup returns the demangled name and start of the symbol containing addr,
// or "" when there is none. It has the shape x86asm expects.
func (s *Symbolizer) Lookup(addr uint64) (string, uint64) {
	sym, ok := s.Find(addr)
	if !ok {
		return "", 0
	}
	return s.name(sym.Name), sym.Addr
}

func (s *Symbolizer) name(raw string) string {
	if base, ok := strings.CutSuffix(raw, "@plt"); ok {
		return s.cache.Demangle(base) + "@plt"
	}
	return s.cache.Demangle(raw)
}

// Label renders addr as "name", "name+0x10" or, without a symbol, "0x401000".
func (s *Symbolizer) Label(addr uint64) string {
	name, base := s.Lookup(addr)
	switch {
	case name == "":
		return fmt.Sprintf("%#x", addr)
	case addr == base:
		return name
	}
	return fmt.Sprintf("%s+%#x", name, addr-base)
}
