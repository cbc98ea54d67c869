package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"disnav/internal/disasm"
	"disnav/internal/disnav/log"
)

const (
	DefaultPageBudget     = 1 << 20
	DefaultMaxCachedPages = 32

	// threadLookahead bounds the search for the next step of the same thread.
	threadLookahead = 64
)

// Options tune a Reader. Zero values select the defaults.
type Options struct {
	PageBudget     int64 // bytes per page
	MaxCachedPages int   // resident pages before eviction
}

func (o Options) withDefaults() Options {
	if o.PageBudget <= 0 {
		o.PageBudget = DefaultPageBudget
	}
	if o.MaxCachedPages <= 0 {
		o.MaxCachedPages = DefaultMaxCachedPages
	}
	return o
}

type pageEntry struct {
	offset int64
	size   int64
	first  uint64
	count  int
}

func (e pageEntry) end() uint64 { return e.first + uint64(e.count) }

// Reader owns a trace file. It indexes page boundaries in the background,
// loads pages on demand and evicts the least recently accessed page when
// more than MaxCachedPages are resident.
type Reader struct {
	path     string
	hdr      Header
	opts     Options
	fileSize int64

	fileMu sync.RWMutex
	f      *os.File

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	indexed atomic.Int64

	mu       sync.Mutex
	index    []pageEntry // published when indexing completes
	steps    uint64
	indexErr error
	pages    map[int]*Page
	closed   bool
	now      func() time.Time
}

// Open validates the header of the trace at path and starts indexing it.
// Cancelling ctx aborts the indexer.
func Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	hdr, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat trace: %w", err)
	}

	r := &Reader{
		path:     path,
		hdr:      hdr,
		opts:     opts.withDefaults(),
		fileSize: st.Size(),
		f:        f,
		done:     make(chan struct{}),
		pages:    make(map[int]*Page),
		now:      time.Now,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	var gctx context.Context
	r.group, gctx = errgroup.WithContext(r.ctx)
	r.group.Go(func() error { return r.buildIndex(gctx) })

	slog.Debug("Opened trace", "file", path, "arch", hdr.Arch, "bytes", r.fileSize)
	return r, nil
}

// Header returns the file header.
func (r *Reader) Header() Header { return r.hdr }

func (r *Reader) buildIndex(ctx context.Context) error {
	defer close(r.done)
	defer log.RecoverPanic("trace indexer", func() {
		r.publish(nil, 0, fmt.Errorf("%w: indexer panicked", ErrIndexing))
	})

	start := time.Now()
	budget := max(r.opts.PageBudget, int64(r.hdr.MaxRecordSize()))
	offset := r.hdr.Size()
	var entries []pageEntry
	var steps uint64
	for offset < r.fileSize {
		r.fileMu.RLock()
		buf, err := readWindow(r.f, offset, budget)
		r.fileMu.RUnlock()
		if err != nil {
			r.publish(nil, 0, err)
			return err
		}
		count := 0
		size, err := walkRecords(ctx, buf, r.hdr, func(record) { count++ })
		if err != nil {
			err = fmt.Errorf("indexing %s at offset %d: %w", r.path, offset, err)
			r.publish(nil, 0, err)
			return err
		}
		if count == 0 {
			slog.Warn("Trace ends with a truncated record", "file", r.path, "offset", offset, "bytes", r.fileSize-offset)
			break
		}
		entries = append(entries, pageEntry{offset: offset, size: size, first: steps, count: count})
		steps += uint64(count)
		offset += size
		r.indexed.Store(offset)
	}
	r.publish(entries, steps, nil)
	slog.Debug("Trace indexed", "file", r.path, "steps", steps, "pages", len(entries), "elapsed", time.Since(start))
	return nil
}

func (r *Reader) publish(entries []pageEntry, steps uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index, r.steps, r.indexErr = entries, steps, err
}

// Wait blocks until indexing finishes and returns its error.
func (r *Reader) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.indexErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether indexing has finished.
func (r *Reader) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Progress returns the indexed fraction of the file in [0, 1].
func (r *Reader) Progress() float64 {
	if r.Ready() {
		return 1
	}
	body := r.fileSize - r.hdr.Size()
	if body <= 0 {
		return 1
	}
	done := r.indexed.Load() - r.hdr.Size()
	return float64(max(done, 0)) / float64(body)
}

func (r *Reader) entries() ([]pageEntry, uint64, error) {
	if !r.Ready() {
		return nil, 0, ErrIndexing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, ErrClosed
	}
	if r.indexErr != nil {
		return nil, 0, r.indexErr
	}
	return r.index, r.steps, nil
}

// Len returns the number of steps in the trace.
func (r *Reader) Len() (uint64, error) {
	_, steps, err := r.entries()
	return steps, err
}

// PageCount returns the number of pages in the trace.
func (r *Reader) PageCount() (int, error) {
	entries, _, err := r.entries()
	return len(entries), err
}

// Page returns page n, loading it if it is not resident.
func (r *Reader) Page(n int) (*Page, error) {
	entries, _, err := r.entries()
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= len(entries) {
		return nil, fmt.Errorf("page %d of %d: %w", n, len(entries), ErrStepOutOfRange)
	}

	r.mu.Lock()
	if p, ok := r.pages[n]; ok {
		p.Touch(r.now())
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	e := entries[n]
	r.fileMu.RLock()
	p, err := ParsePage(r.ctx, r.f, r.hdr, e.offset, e.size, e.first)
	r.fileMu.RUnlock()
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("loading page %d: %w", n, err)
	}
	if p.Len() != e.count {
		return nil, fmt.Errorf("page %d: %w: %d steps, index has %d", n, ErrCorrupt, p.Len(), e.count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if existing, ok := r.pages[n]; ok {
		existing.Touch(r.now())
		return existing, nil
	}
	p.Touch(r.now())
	r.pages[n] = p
	r.evictLocked(n)
	slog.Debug("Loaded trace page", "page", n, "offset", e.offset, "steps", e.count)
	return p, nil
}

func (r *Reader) evictLocked(keep int) {
	for len(r.pages) > r.opts.MaxCachedPages {
		victim, oldest := -1, time.Time{}
		for n, p := range r.pages {
			if n == keep {
				continue
			}
			if t := p.LastAccessed(); victim < 0 || t.Before(oldest) {
				victim, oldest = n, t
			}
		}
		if victim < 0 {
			return
		}
		delete(r.pages, victim)
		slog.Debug("Evicted trace page", "page", victim)
	}
}

// Resident returns the numbers of the pages currently loaded, in order.
func (r *Reader) Resident() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.pages))
	for n := range r.pages {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// StepPage returns the page holding a step and the step's index within it.
func (r *Reader) StepPage(step uint64) (*Page, int, error) {
	entries, steps, err := r.entries()
	if err != nil {
		return nil, 0, err
	}
	n, found := slices.BinarySearchFunc(entries, step, func(e pageEntry, s uint64) int {
		switch {
		case e.end() <= s:
			return -1
		case e.first > s:
			return 1
		}
		return 0
	})
	if !found {
		return nil, 0, fmt.Errorf("step %d of %d: %w", step, steps, ErrStepOutOfRange)
	}
	p, err := r.Page(n)
	if err != nil {
		return nil, 0, err
	}
	return p, int(step - entries[n].first), nil
}

// Step returns a copy of one step.
func (r *Reader) Step(step uint64) (Step, error) {
	p, i, err := r.StepPage(step)
	if err != nil {
		return Step{}, err
	}
	return p.Step(i), nil
}

// Instruction decodes a step. Branch targets are resolved from the trace
// itself when the branch was observed to be taken.
func (r *Reader) Instruction(step uint64, e *disasm.Engine) (disasm.Unit, error) {
	p, i, err := r.StepPage(step)
	if err != nil {
		return nil, err
	}
	res := stepResolver{r: r, step: step, ip: p.IP(i)}
	return p.Instruction(i, e.With(disasm.WithBranchResolver(res))), nil
}

// ObservedTarget returns where execution went after step when that was not
// the next sequential instruction, looking at the following steps of the
// same thread.
func (r *Reader) ObservedTarget(step uint64) (uint64, bool) {
	p, i, err := r.StepPage(step)
	if err != nil {
		return 0, false
	}
	ip, tid := p.IP(i), p.ThreadID(i)
	seq := ip + uint64(len(p.Opcode(i)))

	total, err := r.Len()
	if err != nil {
		return 0, false
	}
	last := min(total, step+1+threadLookahead)
	for next := step + 1; next < last; next++ {
		np, ni, err := r.StepPage(next)
		if err != nil {
			return 0, false
		}
		if np.ThreadID(ni) != tid {
			continue
		}
		if target := np.IP(ni); target != seq {
			return target, true
		}
		return 0, false
	}
	return 0, false
}

type stepResolver struct {
	r    *Reader
	step uint64
	ip   uint64
}

func (s stepResolver) BranchTarget(addr uint64) (uint64, bool) {
	if addr != s.ip {
		return 0, false
	}
	return s.r.ObservedTarget(s.step)
}

// Close stops the indexer, drops resident pages and closes the file.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.pages = nil
	r.mu.Unlock()

	r.cancel()
	if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("Trace indexer stopped", "file", r.path, "error", err)
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	return r.f.Close()
}
