// Package boot runs the kernel's allocator bring-up against a memory map: it
// builds the chosen strategy, seeds it with the primary memory region, and offers
// every further region through AddMemory, recording what was accepted.
package boot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/joshuapare/kalloc/alloc"
	"github.com/joshuapare/kalloc/global"
	"github.com/joshuapare/kalloc/internal/logger"
	"github.com/joshuapare/kalloc/internal/mem"
	"github.com/joshuapare/kalloc/internal/talc"
	"github.com/joshuapare/kalloc/memmap"
)

// Strategy names an allocator arrangement.
type Strategy string

const (
	// StrategyEarly is a bare EarlyAllocator serving bytes and pages.
	StrategyEarly Strategy = "early"
	// StrategyTalc is a bare TalcByteAllocator; it has no page side.
	StrategyTalc Strategy = "talc"
	// StrategyGlobal is an EarlyAllocator page source feeding a talc heap,
	// serialized by global.Allocator.
	StrategyGlobal Strategy = "global"
)

// DefaultHeapPages is the initial heap size, in pages, for StrategyGlobal.
const DefaultHeapPages = 16

var (
	// ErrUnknownStrategy is returned by ParseStrategy and Run for unknown names.
	ErrUnknownStrategy = errors.New("boot: unknown strategy")
	// ErrInitFailed wraps the error of the primary region's Init.
	ErrInitFailed = errors.New("boot: init failed")
)

// Strategies lists the supported strategies.
func Strategies() []Strategy {
	return []Strategy{StrategyEarly, StrategyTalc, StrategyGlobal}
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Strategies(), st) {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

// Step is the outcome of offering one region.
type Step struct {
	Op       string        `json:"op"` // "init" or "add_memory"
	Region   memmap.Region `json:"region"`
	Accepted bool          `json:"accepted"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Result is a booted allocator plus the record of how it got there.
type Result struct {
	Strategy Strategy `json:"strategy"`
	PageSize uintptr  `json:"page_size"`
	Steps    []Step   `json:"steps"`

	// Bytes is always set. Pages is nil for StrategyTalc.
	Bytes alloc.ByteAllocator `json:"-"`
	Pages alloc.PageAllocator `json:"-"`
}

// Accepted counts the regions the allocator took, Init included.
func (r *Result) Accepted() int {
	n := 0
	for _, s := range r.Steps {
		if s.Accepted {
			n++
		}
	}
	return n
}

// Rejected counts the regions the allocator refused.
func (r *Result) Rejected() int { return len(r.Steps) - r.Accepted() }

// Managed returns the hull of all accepted regions.
func (r *Result) Managed() mem.Span {
	hull := mem.EmptySpan()
	for _, s := range r.Steps {
		if s.Accepted {
			hull = hull.FitOver(s.Region.Span())
		}
	}
	return hull
}

// regionTarget is where new regions go: the page side when there is one, since
// it is the region source for every strategy that has it.
func (r *Result) regionTarget() alloc.BaseAllocator {
	if r.Pages != nil {
		return r.Pages
	}
	return r.Bytes
}

type config struct {
	heapPages   uintptr
	coalesce    bool
	sizeClasses *talc.SizeClassConfig
}

// Option configures Run.
type Option func(*config)

// WithHeapPages sets the initial heap size for StrategyGlobal.
func WithHeapPages(n uintptr) Option {
	return func(c *config) {
		if n > 0 {
			c.heapPages = n
		}
	}
}

// WithCoalesce merges adjacent same-kind regions before offering them.
func WithCoalesce() Option {
	return func(c *config) { c.coalesce = true }
}

// WithSizeClasses selects the talc engine's size-class layout.
func WithSizeClasses(cfg talc.SizeClassConfig) Option {
	return func(c *config) { c.sizeClasses = &cfg }
}

// Run boots strategy s over m. Rejected regions are recorded, not fatal; a failed
// Init is. The context is checked between regions.
func Run(ctx context.Context, m *memmap.Map, s Strategy, opts ...Option) (*Result, error) {
	cfg := config{heapPages: DefaultHeapPages}
	for _, opt := range opts {
		opt(&cfg)
	}

	pageSize := uintptr(m.PageSize)
	res := &Result{Strategy: s, PageSize: pageSize}

	var target alloc.BaseAllocator
	var early *alloc.EarlyAllocator
	switch s {
	case StrategyEarly, StrategyGlobal:
		var err error
		early, err = alloc.NewEarly(pageSize)
		if err != nil {
			return nil, err
		}
		target = early
	case StrategyTalc:
		t := alloc.NewTalc(cfg.talcOptions()...)
		res.Bytes = t
		target = t
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}

	seq := sequence(m, cfg.coalesce)
	logger.Info("boot", "strategy", string(s), "regions", len(seq), "page_size", pageSize)

	for i, r := range seq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		step := Step{Op: "add_memory", Region: r}
		var err error
		if i == 0 {
			step.Op = "init"
			err = target.Init(uintptr(r.Base), uintptr(r.Size))
		} else {
			err = target.AddMemory(uintptr(r.Base), uintptr(r.Size))
		}
		step.Accepted = err == nil
		if err != nil {
			step.Err, step.Error = err, err.Error()
		}
		res.Steps = append(res.Steps, step)

		if i == 0 && err != nil {
			logger.Error("boot init failed", "region", r.String(), "error", err)
			return res, fmt.Errorf("%w: %s: %w", ErrInitFailed, r, err)
		}
		if err != nil {
			logger.Warn("region rejected", "region", r.String(), "error", err)
		} else {
			logger.Debug("region accepted", "op", step.Op, "region", r.String())
		}
	}

	switch s {
	case StrategyEarly:
		res.Bytes, res.Pages = early, early
	case StrategyGlobal:
		g, err := buildGlobal(early, cfg)
		if err != nil {
			return res, err
		}
		res.Bytes, res.Pages = g, g
	}

	logger.Info("boot complete", "accepted", res.Accepted(), "rejected", res.Rejected(),
		"total_bytes", res.Bytes.TotalBytes())
	return res, nil
}

func (c config) talcOptions() []alloc.TalcOption {
	if c.sizeClasses == nil {
		return nil
	}
	return []alloc.TalcOption{alloc.WithSizeClasses(*c.sizeClasses)}
}

// buildGlobal carves the initial heap out of early's page arena.
func buildGlobal(early *alloc.EarlyAllocator, cfg config) (*global.Allocator, error) {
	ps := early.PageSize()
	addr, err := early.AllocPages(cfg.heapPages, ps)
	if err != nil {
		return nil, fmt.Errorf("boot: initial heap of %d pages: %w", cfg.heapPages, err)
	}
	heap := alloc.NewTalc(cfg.talcOptions()...)
	if err := heap.Init(addr, cfg.heapPages*ps); err != nil {
		early.DeallocPages(addr, cfg.heapPages)
		return nil, fmt.Errorf("boot: initial heap: %w", err)
	}
	logger.Debug("heap seeded", "span", heap.Span().String())
	return global.New(heap, early), nil
}

// sequence returns the regions in offer order. With coalescing, the merged
// region covering the primary memory base goes first.
func sequence(m *memmap.Map, coalesce bool) []memmap.Region {
	seq := m.Sequence()
	if !coalesce {
		return seq
	}
	merged := memmap.Coalesce(seq, uintptr(m.PageSize))
	primary := m.Memory.Span()
	for i, r := range merged {
		if r.Kind == memmap.KindRAM && r.Span().Overlaps(primary) {
			merged[0], merged[i] = merged[i], merged[0]
			break
		}
	}
	return merged
}
