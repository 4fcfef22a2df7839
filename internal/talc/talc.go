// Package talc implements the general-purpose allocation engine that backs
// alloc.TalcByteAllocator.
//
// # Overview
//
// The engine manages one or more claimed address spans and services requests of
// arbitrary size and alignment with free and reuse, unlike the bump strategy. Its
// bookkeeping lives entirely out of band: free chunks are indexed by start and end
// address in maps, and bucketed into segregated size classes held as min-heaps.
// The managed memory itself is never read or written.
//
//   - Malloc: best fit within the smallest size class that has a fitting chunk,
//     honoring alignment; the unused prefix and suffix go back on the free lists.
//   - Free: O(1) coalescing with both neighbors through the start/end indexes.
//   - Claim / Extend: add a span, or grow a claimed span to a larger one.
//
// Every request is rounded up to mem.WordSize, so all chunk boundaries stay
// word-aligned.
//
// # Out of memory
//
// When no chunk fits, Malloc consults the OOMHandler. ErrOnOOM simply fails.
// A handler that claims or extends memory and returns nil causes a retry.
//
// # Thread Safety
//
// A Talc is not safe for concurrent use. Callers must serialize access.
package talc

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kalloc/internal/logger"
	"github.com/joshuapare/kalloc/internal/mem"
)

var (
	// ErrOutOfMemory is returned by ErrOnOOM when no free chunk fits a request.
	ErrOutOfMemory = errors.New("talc: out of memory")

	// ErrSpanTooSmall is returned by Claim when nothing remains after aligning the span.
	ErrSpanTooSmall = errors.New("talc: span too small to claim")

	// ErrSpanOverlap is returned by Claim for a span that intersects managed memory.
	ErrSpanOverlap = errors.New("talc: span overlaps claimed memory")
)

// OOMHandler decides what happens when Malloc finds no fitting chunk.
// Returning nil asks Malloc to search again; any error is returned to the caller.
type OOMHandler interface {
	HandleOOM(t *Talc, layout mem.Layout) error
}

// ErrOnOOM fails every out-of-memory condition with ErrOutOfMemory.
type ErrOnOOM struct{}

// HandleOOM implements OOMHandler.
func (ErrOnOOM) HandleOOM(*Talc, mem.Layout) error { return ErrOutOfMemory }

// OOMHandlerFunc adapts a function to OOMHandler.
type OOMHandlerFunc func(t *Talc, layout mem.Layout) error

// HandleOOM implements OOMHandler.
func (f OOMHandlerFunc) HandleOOM(t *Talc, layout mem.Layout) error { return f(t, layout) }

// Stats holds engine counters.
type Stats struct {
	Claimed    uintptr // Bytes under management
	FreeBytes  uintptr // Bytes currently on the free lists
	FreeChunks int     // Number of free chunks
	Mallocs    int     // Successful Malloc calls
	Frees      int     // Free calls
	Splits     int     // Chunks split to satisfy a request
	Coalesces  int     // Neighbor merges during Free/Extend
	OOMs       int     // OOM handler invocations
}

// Option configures a Talc.
type Option func(*Talc)

// WithSizeClasses replaces DefaultConfig.
func WithSizeClasses(cfg SizeClassConfig) Option {
	return func(t *Talc) { t.classes = newSizeClassTable(cfg) }
}

// Talc is the engine. The zero value is not usable; call New.
type Talc struct {
	oom     OOMHandler
	classes *sizeClassTable

	// bins[numClasses] is the large bin
	bins []bin

	// O(1) coalescing indexes
	byBase map[uintptr]*chunk
	byAcme map[uintptr]*chunk

	// claimed spans, for overlap checks on Claim
	spans []mem.Span

	stats Stats
}

// New returns an engine with no memory. Claim must be called before Malloc can succeed.
func New(oom OOMHandler, opts ...Option) *Talc {
	if oom == nil {
		oom = ErrOnOOM{}
	}
	t := &Talc{
		oom:     oom,
		classes: newSizeClassTable(DefaultConfig),
		byBase:  make(map[uintptr]*chunk),
		byAcme:  make(map[uintptr]*chunk),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bins = make([]bin, t.classes.numClasses()+1)
	return t
}

// Claim adds span to the engine as free memory and returns the part actually
// managed (the span rounded inward to mem.WordSize).
func (t *Talc) Claim(span mem.Span) (mem.Span, error) {
	aligned := span.AlignInward(mem.WordSize)
	if aligned.IsEmpty() {
		return mem.Span{}, fmt.Errorf("%w: %s", ErrSpanTooSmall, span)
	}
	for _, s := range t.spans {
		if s.Overlaps(aligned) {
			return mem.Span{}, fmt.Errorf("%w: %s intersects %s", ErrSpanOverlap, aligned, s)
		}
	}
	t.spans = append(t.spans, aligned)
	t.stats.Claimed += aligned.Size()
	t.release(aligned.Base, aligned.Size())

	logger.Debug("talc claim", "span", aligned.String(), "classes", t.classes.String())
	return aligned, nil
}

// Extend grows the claimed span old to cover req and returns the new span.
// req must contain old. The added bytes on either side become free memory.
// An empty old behaves like Claim; a failed Claim yields the empty span.
func (t *Talc) Extend(old, req mem.Span) mem.Span {
	if old.IsEmpty() {
		s, err := t.Claim(req)
		if err != nil {
			return mem.Span{}
		}
		return s
	}
	if !req.ContainsSpan(old) {
		panic(fmt.Sprintf("talc: extend target %s does not contain %s", req, old))
	}

	grown := req.AlignInward(mem.WordSize).FitOver(old)
	if low := old.Base - grown.Base; low > 0 {
		t.release(grown.Base, low)
	}
	if high := grown.Acme - old.Acme; high > 0 {
		t.release(old.Acme, high)
	}
	for i, s := range t.spans {
		if s == old {
			t.spans[i] = grown
			break
		}
	}
	t.stats.Claimed += grown.Size() - old.Size()

	logger.Debug("talc extend", "from", old.String(), "to", grown.String())
	return grown
}

// Malloc returns an address aligned to layout.Align with at least layout.Size
// bytes available. Zero-size layouts are allocated as one word.
func (t *Talc) Malloc(layout mem.Layout) (uintptr, error) {
	size, align, err := normalize(layout)
	if err != nil {
		return 0, err
	}

	for {
		if addr, ok := t.take(size, align); ok {
			t.stats.Mallocs++
			return addr, nil
		}
		t.stats.OOMs++
		if err := t.oom.HandleOOM(t, layout); err != nil {
			return 0, err
		}
	}
}

// Free returns a block obtained from Malloc with the same layout.
func (t *Talc) Free(addr uintptr, layout mem.Layout) {
	size, _, err := normalize(layout)
	if err != nil {
		panic(fmt.Sprintf("talc: free with %s: %v", layout, err))
	}
	t.stats.Frees++
	t.release(addr, size)
}

// Stats returns a snapshot of the engine counters.
func (t *Talc) Stats() Stats {
	s := t.stats
	s.FreeChunks = len(t.byBase)
	return s
}

// Spans returns the claimed spans.
func (t *Talc) Spans() []mem.Span {
	out := make([]mem.Span, len(t.spans))
	copy(out, t.spans)
	return out
}

// Validate walks the free structures and checks that the indexes agree, that no
// free chunk escapes the claimed spans, that no two free chunks overlap or touch
// (touching chunks would have been coalesced), and that the byte total matches.
func (t *Talc) Validate() error {
	if len(t.byBase) != len(t.byAcme) {
		return fmt.Errorf("talc: index size mismatch byBase=%d byAcme=%d", len(t.byBase), len(t.byAcme))
	}
	var total uintptr
	inBins := 0
	for cls := range t.bins {
		for i, c := range t.bins[cls].heap {
			inBins++
			if c.heapIndex != i {
				return fmt.Errorf("talc: chunk %#x heap index %d, stored at %d", c.base, c.heapIndex, i)
			}
			if c.class != cls || t.classOf(c.size) != cls {
				return fmt.Errorf("talc: chunk %#x size %d in wrong bin %d", c.base, c.size, cls)
			}
			if t.byBase[c.base] != c || t.byAcme[c.acme()] != c {
				return fmt.Errorf("talc: chunk %#x missing from indexes", c.base)
			}
			if !mem.IsAligned(c.base, mem.WordSize) || !mem.IsAligned(c.size, mem.WordSize) || c.size == 0 {
				return fmt.Errorf("talc: chunk %#x+%d not word-aligned", c.base, c.size)
			}
			if !t.claimed(c.base, c.acme()) {
				return fmt.Errorf("talc: chunk %#x+%d outside claimed spans", c.base, c.size)
			}
			if _, touching := t.byBase[c.acme()]; touching {
				return fmt.Errorf("talc: chunk %#x+%d not coalesced with successor", c.base, c.size)
			}
			total += c.size
		}
	}
	if inBins != len(t.byBase) {
		return fmt.Errorf("talc: %d chunks in bins, %d indexed", inBins, len(t.byBase))
	}
	if total != t.stats.FreeBytes {
		return fmt.Errorf("talc: free bytes %d, counter says %d", total, t.stats.FreeBytes)
	}
	return nil
}

func (t *Talc) claimed(base, acme uintptr) bool {
	for _, s := range t.spans {
		if s.ContainsSpan(mem.Span{Base: base, Acme: acme}) {
			return true
		}
	}
	return false
}

func normalize(layout mem.Layout) (size, align uintptr, err error) {
	if !layout.Valid() {
		return 0, 0, fmt.Errorf("%w: %s", mem.ErrBadLayout, layout)
	}
	size, ok := mem.CheckedAlignUp(max(layout.Size, mem.WordSize), mem.WordSize)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", mem.ErrBadLayout, layout)
	}
	return size, max(layout.Align, mem.WordSize), nil
}

// fit reports where an aligned block of size bytes would start inside c.
func fit(c *chunk, size, align uintptr) (uintptr, bool) {
	pos, ok := mem.CheckedAlignUp(c.base, align)
	if !ok || pos >= c.acme() {
		return 0, false
	}
	return pos, c.acme()-pos >= size
}

func (t *Talc) classOf(size uintptr) int { return t.classes.classOf(size) }

// take carves an aligned block out of the best-fitting free chunk.
func (t *Talc) take(size, align uintptr) (uintptr, bool) {
	for cls := t.classOf(size); cls < len(t.bins); cls++ {
		c, pos := t.bins[cls].bestFit(size, align)
		if c == nil {
			continue
		}
		t.unlink(c)

		if prefix := pos - c.base; prefix > 0 {
			t.link(c.base, prefix)
		}
		if suffix := c.acme() - (pos + size); suffix > 0 {
			t.link(pos+size, suffix)
		}
		if c.size != size {
			t.stats.Splits++
		}
		return pos, true
	}
	return 0, false
}

// release puts [base, base+size) on the free lists, merging with free neighbors.
func (t *Talc) release(base, size uintptr) {
	if prev, ok := t.byAcme[base]; ok {
		t.unlink(prev)
		base = prev.base
		size += prev.size
		t.stats.Coalesces++
	}
	if next, ok := t.byBase[base+size]; ok {
		t.unlink(next)
		size += next.size
		t.stats.Coalesces++
	}
	t.link(base, size)
}

func (t *Talc) link(base, size uintptr) {
	c := &chunk{base: base, size: size, class: t.classOf(size)}
	t.bins[c.class].push(c)
	t.byBase[c.base] = c
	t.byAcme[c.acme()] = c
	t.stats.FreeBytes += size
}

func (t *Talc) unlink(c *chunk) {
	t.bins[c.class].remove(c)
	delete(t.byBase, c.base)
	delete(t.byAcme, c.acme())
	t.stats.FreeBytes -= c.size
}
