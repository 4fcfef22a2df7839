package boot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/kalloc/alloc"
	"github.com/joshuapare/kalloc/internal/backing"
	"github.com/joshuapare/kalloc/internal/logger"
	"github.com/joshuapare/kalloc/internal/mem"
	"github.com/joshuapare/kalloc/memmap"
)

// OpKind is a trace operation.
type OpKind string

const (
	OpAlloc        OpKind = "alloc"
	OpDealloc      OpKind = "dealloc"
	OpAllocPages   OpKind = "alloc_pages"
	OpDeallocPages OpKind = "dealloc_pages"
	OpAddMemory    OpKind = "add_memory"
)

var (
	ErrBadOp          = errors.New("boot: invalid trace op")
	ErrUnknownLabel   = errors.New("boot: unknown label")
	ErrDuplicateLabel = errors.New("boot: label already live")
	ErrNoPageSide     = errors.New("boot: strategy has no page allocator")
	ErrOverlap        = errors.New("boot: block overlaps a live block")
	ErrCorrupted      = errors.New("boot: block contents changed while live")
)

// Op is one trace step. Alloc and alloc_pages may carry a Label; dealloc and
// dealloc_pages name the block to free with Ref.
//
//	trace:
//	  - {op: alloc, label: a, size: 64, align: 16}
//	  - {op: alloc_pages, label: p, count: 2}
//	  - {op: dealloc, ref: a}
//	  - {op: add_memory, base: 0x90000000, size: 1M}
type Op struct {
	Op    OpKind      `yaml:"op" json:"op"`
	Label string      `yaml:"label,omitempty" json:"label,omitempty"`
	Ref   string      `yaml:"ref,omitempty" json:"ref,omitempty"`
	Size  memmap.Addr `yaml:"size,omitempty" json:"size,omitempty"`
	Align memmap.Addr `yaml:"align,omitempty" json:"align,omitempty"`
	Count memmap.Addr `yaml:"count,omitempty" json:"count,omitempty"`
	Base  memmap.Addr `yaml:"base,omitempty" json:"base,omitempty"`
}

// Trace is an ordered list of operations.
type Trace []Op

// ParseTrace reads the trace key of a YAML document. Other keys are ignored so a
// single file can hold both the memory map and its trace.
func ParseTrace(data []byte) (Trace, error) {
	var doc struct {
		Trace Trace `yaml:"trace"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("boot: decode trace: %w", err)
	}
	for i, op := range doc.Trace {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("trace step %d: %w", i, err)
		}
	}
	return doc.Trace, nil
}

// Extent returns managed grown by every add_memory step that would be accepted:
// each one must abut the interval as grown so far. Use it to size a backing
// arena that covers memory added mid-trace.
func (t Trace) Extent(managed mem.Span) mem.Span {
	ext := managed
	for _, op := range t {
		if op.Op != OpAddMemory || op.Size == 0 {
			continue
		}
		s, ok := mem.FromBaseSize(uintptr(op.Base), uintptr(op.Size))
		if !ok {
			continue
		}
		if ext.IsEmpty() || ext.Abuts(s) {
			ext = ext.FitOver(s)
		}
	}
	return ext
}

// LoadScenario reads a memory map and its trace from one YAML file.
func LoadScenario(path string) (*memmap.Map, Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := memmap.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	tr, err := ParseTrace(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, tr, nil
}

func (op Op) validate() error {
	switch op.Op {
	case OpAlloc, OpAllocPages, OpAddMemory:
	case OpDealloc, OpDeallocPages:
		if op.Ref == "" {
			return fmt.Errorf("%w: %s needs ref", ErrBadOp, op.Op)
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadOp, op.Op)
	}
	return nil
}

// Outcome is the result of one replayed step.
type Outcome struct {
	Index int     `json:"index"`
	Op    Op      `json:"op"`
	Addr  uintptr `json:"addr,omitempty"`
	Err   error   `json:"-"`
	Error string  `json:"error,omitempty"`
}

// OK reports whether the step succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Summary tallies a replay.
type Summary struct {
	Steps  int `json:"steps"`
	Failed int `json:"failed"`
	Live   int `json:"live"`
}

type liveBlock struct {
	span  mem.Span
	pages bool
	count uintptr
	l     alloc.Layout
	tag   byte

	// painted is false for blocks outside the arena; their contents are not checked.
	painted bool
}

// Replayer executes a trace against a booted Result and tracks live blocks.
type Replayer struct {
	res   *Result
	arena *backing.Arena
	live  map[string]*liveBlock
	anon  []*liveBlock
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithArena writes a per-step pattern into every allocated block and verifies it
// on free, catching overlapping allocations byte by byte.
func WithArena(a *backing.Arena) ReplayOption {
	return func(r *Replayer) { r.arena = a }
}

// NewReplayer prepares a replay over res.
func NewReplayer(res *Result, opts ...ReplayOption) *Replayer {
	r := &Replayer{res: res, live: make(map[string]*liveBlock)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay runs trace against res. Failed steps are recorded and the replay
// continues; only context cancellation stops it early.
func Replay(ctx context.Context, res *Result, trace Trace, opts ...ReplayOption) ([]Outcome, error) {
	return NewReplayer(res, opts...).Run(ctx, trace)
}

// Run executes trace.
func (r *Replayer) Run(ctx context.Context, trace Trace) ([]Outcome, error) {
	out := make([]Outcome, 0, len(trace))
	for i, op := range trace {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		o := r.Step(i, op)
		if o.Err != nil {
			logger.Debug("trace step failed", "index", i, "op", string(op.Op), "error", o.Err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Live returns the number of blocks still allocated, unlabeled ones included.
func (r *Replayer) Live() int { return len(r.live) + len(r.anon) }

// Step executes a single operation.
func (r *Replayer) Step(index int, op Op) Outcome {
	o := Outcome{Index: index, Op: op}
	var err error
	switch op.Op {
	case OpAlloc:
		o.Addr, err = r.alloc(index, op)
	case OpDealloc:
		err = r.dealloc(op, false)
	case OpAllocPages:
		o.Addr, err = r.allocPages(index, op)
	case OpDeallocPages:
		err = r.dealloc(op, true)
	case OpAddMemory:
		err = r.res.regionTarget().AddMemory(uintptr(op.Base), uintptr(op.Size))
	default:
		err = fmt.Errorf("%w: %q", ErrBadOp, op.Op)
	}
	if err != nil {
		o.Err, o.Error = err, err.Error()
	}
	return o
}

func (r *Replayer) alloc(index int, op Op) (uintptr, error) {
	if op.Label != "" && r.live[op.Label] != nil {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateLabel, op.Label)
	}
	align := uintptr(op.Align)
	if align == 0 {
		align = mem.WordSize
	}
	l, err := alloc.NewLayout(uintptr(op.Size), align)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", alloc.ErrInvalidParam, err)
	}
	addr, err := r.res.Bytes.Alloc(l)
	if err != nil {
		return 0, err
	}
	b := &liveBlock{span: mem.Span{Base: addr, Acme: addr + l.Size}, l: l, tag: tagFor(index)}
	return addr, r.track(op.Label, b)
}

func (r *Replayer) allocPages(index int, op Op) (uintptr, error) {
	if r.res.Pages == nil {
		return 0, ErrNoPageSide
	}
	if op.Label != "" && r.live[op.Label] != nil {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateLabel, op.Label)
	}
	ps := r.res.Pages.PageSize()
	count := uintptr(op.Count)
	if count == 0 {
		count = 1
	}
	align := uintptr(op.Align)
	if align == 0 {
		align = ps
	}
	addr, err := r.res.Pages.AllocPages(count, align)
	if err != nil {
		return 0, err
	}
	b := &liveBlock{span: mem.Span{Base: addr, Acme: addr + count*ps}, pages: true, count: count, tag: tagFor(index)}
	return addr, r.track(op.Label, b)
}

// track checks b against every live block, paints it, and records it.
// The block is recorded even when a check fails so it can still be freed.
func (r *Replayer) track(label string, b *liveBlock) error {
	var err error
	if !b.span.IsEmpty() {
		for _, other := range r.all() {
			if other.span.Overlaps(b.span) {
				err = fmt.Errorf("%w: %s and %s", ErrOverlap, b.span, other.span)
				break
			}
		}
		if r.arena != nil && r.arena.Span().ContainsSpan(b.span) {
			ferr := r.arena.Fill(b.span.Base, b.span.Size(), b.tag)
			if ferr != nil && err == nil {
				err = ferr
			}
			b.painted = ferr == nil
		} else if r.arena != nil {
			logger.Debug("block outside arena, not painted", "span", b.span.String(), "arena", r.arena.Span().String())
		}
	}
	if label == "" {
		if !b.span.IsEmpty() {
			r.anon = append(r.anon, b)
		}
	} else {
		r.live[label] = b
	}
	return err
}

func (r *Replayer) dealloc(op Op, pages bool) error {
	b := r.live[op.Ref]
	if b == nil {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, op.Ref)
	}
	if b.pages != pages {
		return fmt.Errorf("%w: %q was allocated by a different op", ErrBadOp, op.Ref)
	}
	delete(r.live, op.Ref)

	var err error
	if r.arena != nil && b.painted {
		off, cerr := r.arena.Check(b.span.Base, b.span.Size(), b.tag)
		switch {
		case cerr != nil:
			err = cerr
		case off >= 0:
			err = fmt.Errorf("%w: %s at offset %#x", ErrCorrupted, b.span, off)
		}
	}

	if pages {
		r.res.Pages.DeallocPages(b.span.Base, b.count)
	} else {
		r.res.Bytes.Dealloc(b.span.Base, b.l)
	}
	return err
}

func (r *Replayer) all() []*liveBlock {
	blocks := make([]*liveBlock, 0, r.Live())
	for _, b := range r.live {
		blocks = append(blocks, b)
	}
	return append(blocks, r.anon...)
}

// tagFor never returns zero, which is what fresh memory holds.
func tagFor(index int) byte { return byte(index%255) + 1 }

// Summarize tallies outcomes; live is the number of blocks left allocated.
func Summarize(outcomes []Outcome, live int) Summary {
	s := Summary{Steps: len(outcomes), Live: live}
	for _, o := range outcomes {
		if !o.OK() {
			s.Failed++
		}
	}
	return s
}
