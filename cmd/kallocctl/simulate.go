package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kalloc/alloc"
	"github.com/joshuapare/kalloc/boot"
	"github.com/joshuapare/kalloc/global"
	"github.com/joshuapare/kalloc/internal/backing"
	"github.com/joshuapare/kalloc/internal/talc"
	"github.com/joshuapare/kalloc/memmap"
)

var (
	simStrategy    string
	simPageSize    string
	simHeapPages   uint
	simCoalesce    bool
	simMmap        bool
	simSizeClasses string
	simStrict      bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().StringVarP(&simStrategy, "strategy", "s", string(boot.StrategyEarly), "Allocator strategy: early, talc or global")
	cmd.Flags().StringVar(&simPageSize, "page-size", "", `Override the map's page size (e.g. 4K, 16K, or "host")`)
	cmd.Flags().UintVar(&simHeapPages, "heap-pages", boot.DefaultHeapPages, "Initial heap pages for the global strategy")
	cmd.Flags().BoolVar(&simCoalesce, "coalesce", false, "Merge adjacent regions before offering them")
	cmd.Flags().BoolVar(&simMmap, "mmap", false, "Back the managed interval with host memory and verify block contents")
	cmd.Flags().StringVar(&simSizeClasses, "size-classes", "", "Talc size classes: FineGrained, Balanced or Coarse")
	cmd.Flags().BoolVar(&simStrict, "strict", false, "Exit with an error if any trace step fails")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Boot an allocator over a memory map and replay a trace",
		Long: `The simulate command boots the chosen allocator strategy over the memory
map in a scenario file, reports which regions were accepted, then replays
the file's trace (alloc, dealloc, alloc_pages, dealloc_pages, add_memory).

Example:
  kallocctl simulate scenario.yaml
  kallocctl simulate scenario.yaml --strategy global --heap-pages 4
  kallocctl simulate scenario.yaml --strategy talc --size-classes Coarse --mmap
  kallocctl simulate scenario.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), args)
		},
	}
	return cmd
}

// SimulateReport is the simulate output.
type SimulateReport struct {
	Path     string         `json:"path"`
	Strategy boot.Strategy  `json:"strategy"`
	PageSize uintptr        `json:"page_size"`
	Boot     []boot.Step    `json:"boot"`
	Trace    []boot.Outcome `json:"trace"`
	Summary  boot.Summary   `json:"summary"`
	Final    FinalUsage     `json:"final"`
}

// FinalUsage is the allocator state after the trace.
type FinalUsage struct {
	TotalBytes     uintptr `json:"total_bytes"`
	UsedBytes      uintptr `json:"used_bytes"`
	AvailableBytes uintptr `json:"available_bytes"`
	TotalPages     uintptr `json:"total_pages,omitempty"`
	UsedPages      uintptr `json:"used_pages,omitempty"`
	AvailablePages uintptr `json:"available_pages,omitempty"`
	Details        any     `json:"details,omitempty"`
}

func runSimulate(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := args[0]

	strategy, err := boot.ParseStrategy(simStrategy)
	if err != nil {
		return err
	}
	opts := []boot.Option{boot.WithHeapPages(uintptr(simHeapPages))}
	if simCoalesce {
		opts = append(opts, boot.WithCoalesce())
	}
	if simSizeClasses != "" {
		cfg, ok := talc.ConfigByName(simSizeClasses)
		if !ok {
			return fmt.Errorf("unknown size classes %q", simSizeClasses)
		}
		opts = append(opts, boot.WithSizeClasses(cfg))
	}

	printVerbose("Loading scenario: %s\n", path)
	m, trace, err := boot.LoadScenario(path)
	if err != nil {
		return err
	}
	if err := overridePageSize(m, simPageSize); err != nil {
		return err
	}

	res, err := boot.Run(ctx, m, strategy, opts...)
	if err != nil {
		return err
	}

	var replayOpts []boot.ReplayOption
	if simMmap {
		arena, err := backing.Reserve(trace.Extent(res.Managed()))
		if err != nil {
			return err
		}
		defer arena.Close()
		replayOpts = append(replayOpts, boot.WithArena(arena))
		printVerbose("Backing %s with host memory\n", arena.Span())
	}

	replayer := boot.NewReplayer(res, replayOpts...)
	outcomes, err := replayer.Run(ctx, trace)
	if err != nil {
		return err
	}

	report := SimulateReport{
		Path:     path,
		Strategy: strategy,
		PageSize: res.PageSize,
		Boot:     res.Steps,
		Trace:    outcomes,
		Summary:  boot.Summarize(outcomes, replayer.Live()),
		Final:    finalUsage(res),
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printSimulateReport(report)
	}

	if simStrict && report.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d trace steps failed", report.Summary.Failed, report.Summary.Steps)
	}
	return nil
}

func overridePageSize(m *memmap.Map, s string) error {
	switch s {
	case "":
		return nil
	case "host":
		m.PageSize = memmap.Addr(backing.HostPageSize())
	default:
		ps, err := memmap.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid --page-size %q: %w", s, err)
		}
		m.PageSize = ps
	}
	return m.Validate()
}

func finalUsage(res *boot.Result) FinalUsage {
	f := FinalUsage{
		TotalBytes:     res.Bytes.TotalBytes(),
		UsedBytes:      res.Bytes.UsedBytes(),
		AvailableBytes: res.Bytes.AvailableBytes(),
	}
	if res.Pages != nil {
		f.TotalPages = res.Pages.TotalPages()
		f.UsedPages = res.Pages.UsedPages()
		f.AvailablePages = res.Pages.AvailablePages()
	}
	switch a := res.Bytes.(type) {
	case *alloc.EarlyAllocator:
		f.Details = a.Stats()
	case *alloc.TalcByteAllocator:
		f.Details = a.EngineStats()
	case *global.Allocator:
		f.Details = a.Stats()
	}
	return f
}

func printSimulateReport(r SimulateReport) {
	printInfo("\nBoot: %s, page size %s\n", r.Strategy, formatBytes(r.PageSize))
	printInfo("%s\n", strings.Repeat("=", 40))
	accepted := 0
	for _, s := range r.Boot {
		status := "ok  "
		if s.Accepted {
			accepted++
		} else {
			status = "FAIL"
		}
		printInfo("  %s %-10s %s\n", status, s.Op, s.Region)
		if s.Err != nil {
			printVerbose("       %v\n", s.Err)
		}
	}
	printInfo("Accepted %d, rejected %d\n", accepted, len(r.Boot)-accepted)

	if len(r.Trace) > 0 {
		printInfo("\nTrace:\n")
		for _, o := range r.Trace {
			name := o.Op.Label
			if name == "" {
				name = o.Op.Ref
			}
			switch {
			case o.Err != nil:
				printInfo("  [%d] %-13s %-8s FAILED: %v\n", o.Index, o.Op.Op, name, o.Err)
			case o.Addr != 0:
				printInfo("  [%d] %-13s %-8s -> %#x\n", o.Index, o.Op.Op, name, o.Addr)
			default:
				printInfo("  [%d] %-13s %-8s\n", o.Index, o.Op.Op, name)
			}
		}
		printInfo("Summary: %d steps, %d failed, %d live\n", r.Summary.Steps, r.Summary.Failed, r.Summary.Live)
	}

	printInfo("\nFinal:\n")
	printInfo("  Bytes: %s used of %s (%s bytes)\n",
		formatBytes(r.Final.UsedBytes), formatBytes(r.Final.TotalBytes), formatNumber(r.Final.TotalBytes))
	if r.Final.TotalPages > 0 {
		printInfo("  Pages: %s used of %s\n", formatNumber(r.Final.UsedPages), formatNumber(r.Final.TotalPages))
	}
}
