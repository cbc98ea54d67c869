package disasm

import (
	"math/bits"
	"slices"
)

const (
	// DefaultMaxInstructionLength bounds a single x86 encoding (15 bytes, rounded up).
	DefaultMaxInstructionLength = 16
	// backRingSize is the number of unit boundaries a backward scan remembers.
	backRingSize = 128
)

// Config holds the immutable settings of an Engine.
type Config struct {
	Mode                 int    // 32 or 64
	Syntax               Syntax // instruction text dialect
	LongDataLabels       bool   // "dword" instead of "dd"
	MaxInstructionLength int    // backward scan overshoot per unit
	BackScanLimit        int    // largest n+1 accepted by NavigateBackward, at most 128
}

// DefaultConfig decodes 64-bit code in Intel syntax.
func DefaultConfig() Config {
	return Config{
		Mode:                 64,
		Syntax:               SyntaxIntel,
		MaxInstructionLength: DefaultMaxInstructionLength,
		BackScanLimit:        backRingSize,
	}
}

func (c Config) normalized() Config {
	if c.Mode != 16 && c.Mode != 32 {
		c.Mode = 64
	}
	if c.Syntax == "" {
		c.Syntax = SyntaxIntel
	}
	if c.MaxInstructionLength <= 0 {
		c.MaxInstructionLength = DefaultMaxInstructionLength
	}
	if c.BackScanLimit <= 0 || c.BackScanLimit > backRingSize {
		c.BackScanLimit = backRingSize
	}
	return c
}

// OverrideIndex answers data-type override queries.
type OverrideIndex interface {
	DataOverride(addr uint64) (DataOverride, bool)
}

// FoldIndex answers folded-region queries.
type FoldIndex interface {
	IsFolded(addr uint64) bool
	FoldBegin(addr uint64) uint64
	FoldEnd(addr uint64) uint64
}

// BranchResolver supplies the destination of a branch or call at addr.
type BranchResolver interface {
	BranchTarget(addr uint64) (uint64, bool)
}

// Engine decodes units and navigates between unit boundaries. It holds no
// mutable state and is safe for concurrent use as long as the buffers passed
// in are not modified concurrently.
type Engine struct {
	cfg       Config
	dec       Decoder
	overrides OverrideIndex
	folds     FoldIndex
	branches  BranchResolver
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecoder replaces the default x86 decoder.
func WithDecoder(d Decoder) Option { return func(e *Engine) { e.dec = d } }

// WithOverrides attaches a data override index.
func WithOverrides(idx OverrideIndex) Option { return func(e *Engine) { e.overrides = idx } }

// WithFolds attaches a fold index.
func WithFolds(idx FoldIndex) Option { return func(e *Engine) { e.folds = idx } }

// WithBranchResolver attaches a branch target resolver.
func WithBranchResolver(r BranchResolver) Option { return func(e *Engine) { e.branches = r } }

// WithSymbols names branch targets in instruction text. Ignored when a
// custom decoder is installed.
func WithSymbols(lookup SymbolLookup) Option {
	return func(e *Engine) {
		if d, ok := e.dec.(X86Decoder); ok {
			d.Symbols = lookup
			e.dec = d
		}
	}
}

// NewEngine builds an engine. Options are applied in order.
func NewEngine(cfg Config, opts ...Option) *Engine {
	cfg = cfg.normalized()
	e := &Engine{
		cfg: cfg,
		dec: X86Decoder{Mode: cfg.Mode, Syntax: cfg.Syntax},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// With returns a copy of e with more options applied. e is not modified.
func (e *Engine) With(opts ...Option) *Engine {
	c := *e
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// DecodeAt decodes the unit starting at data[rva]; base is the address of data[0].
// A fold covering the address wins, then (when honorOverrides is set) a data
// override, then the instruction decoder. Undecodable bytes produce an invalid
// 1-byte Code unit. It returns nil only when rva is outside data.
func (e *Engine) DecodeAt(data []byte, base, rva uint64, honorOverrides bool) Unit {
	if rva >= uint64(len(data)) {
		return nil
	}
	addr := satAdd(base, rva)
	remaining := uint64(len(data)) - rva

	if e.folds != nil && e.folds.IsFolded(addr) {
		end := e.folds.FoldEnd(addr)
		return Folded{
			Length: int(min(foldLength(addr, end), remaining)),
			Begin:  e.folds.FoldBegin(addr),
			End:    end,
		}
	}

	if honorOverrides {
		if ov, ok := e.override(addr); ok {
			return e.dataUnit(data[rva:], ov)
		}
	}

	code := data[rva:]
	d, ok := e.dec.Decode(addr, code)
	if !ok || d.Length <= 0 {
		return Code{
			Text:   "???",
			Bytes:  slices.Clone(code[:1]),
			Length: 1,
			Groups: ByteGroups{Opcode: 1},
		}
	}
	n := min(d.Length, len(code))
	unit := Code{
		Text:           d.Text,
		Bytes:          slices.Clone(code[:n]),
		Length:         n,
		Valid:          true,
		Groups:         d.Groups,
		VectorElements: d.VectorElements,
	}
	if unit.Groups.Total() != n {
		unit.Groups = ByteGroups{Opcode: n}
	}

	if d.Branch.Has(BranchJmp | BranchCallFlag | BranchRet | BranchLoop) {
		unit.BranchTarget = d.Target
		if e.branches != nil {
			if t, ok := e.branches.BranchTarget(addr); ok {
				unit.BranchTarget = t
			}
		}
		switch {
		case d.Branch.Has(BranchUncondJmp):
			unit.Branch = BranchUnconditional
		case d.Branch.Has(BranchCallFlag):
			unit.Branch = BranchCall
		case d.Branch.Has(BranchCondJmp):
			unit.Branch = BranchConditional
		}
	}

	unit.Registers = mergeAccesses(d.Flags, d.Registers)
	if unit.Branch == BranchCall {
		unit.Registers = append(unit.Registers, CallConvention(e.cfg.Mode)...)
	}
	return unit
}

// mergeAccesses lists flag accesses before register accesses. Program counter
// entries are dropped, as is the whole-flags register when per-flag entries exist.
func mergeAccesses(flags, regs []RegisterAccess) []RegisterAccess {
	out := make([]RegisterAccess, 0, len(flags)+len(regs))
	out = append(out, flags...)
	for _, r := range regs {
		if isPC(r.Name) || (len(flags) > 0 && isFlagsReg(r.Name)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) override(addr uint64) (DataOverride, bool) {
	if e.overrides == nil {
		return DataOverride{}, false
	}
	ov, ok := e.overrides.DataOverride(addr)
	if !ok || ov.Extent() <= 0 {
		return DataOverride{}, false
	}
	return ov, true
}

func (e *Engine) dataUnit(code []byte, ov DataOverride) Data {
	n := min(ov.Extent(), len(code))
	label := ov.ShortLabel()
	if e.cfg.LongDataLabels {
		label = ov.LongLabel()
	}
	b := slices.Clone(code[:n])
	return Data{
		Text:   label + " " + FormatData(ov.Type, b),
		Bytes:  b,
		Length: n,
		Type:   ov.Type,
	}
}

// unitLength is the size of the unit at data[pos] under the same precedence
// as DecodeAt with overrides honored. It is at least 1 and never runs past data.
func (e *Engine) unitLength(data []byte, base, pos uint64) uint64 {
	addr := satAdd(base, pos)
	remaining := uint64(len(data)) - pos
	var n uint64
	if e.folds != nil && e.folds.IsFolded(addr) {
		n = foldLength(addr, e.folds.FoldEnd(addr))
	} else if ov, ok := e.override(addr); ok {
		n = uint64(ov.Extent())
	} else if l, ok := e.dec.Length(addr, data[pos:]); ok && l > 0 {
		n = uint64(l)
	} else {
		n = 1
	}
	return max(1, min(n, remaining))
}

func foldLength(addr, end uint64) uint64 {
	if end < addr {
		return 1
	}
	return satAdd(end-addr, 1)
}

func satAdd(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return s
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}
