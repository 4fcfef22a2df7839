package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kalloc/memmap"
)

var (
	inspectCoalesce bool
)

func init() {
	cmd := newInspectCmd()
	cmd.Flags().BoolVar(&inspectCoalesce, "coalesce", false, "Also show the page-aligned, merged view of the offered regions")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <map.yaml>",
		Short: "Show a memory map and the order regions are offered in",
		Long: `The inspect command validates a YAML memory map and prints its regions,
the sequence the kernel offers them to an allocator (Init first, then
AddMemory), and per-kind totals.

Example:
  kallocctl inspect board.yaml
  kallocctl inspect board.yaml --coalesce
  kallocctl inspect board.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args)
		},
	}
	return cmd
}

// MapReport is the inspect output.
type MapReport struct {
	Path          string          `json:"path"`
	PageSize      uintptr         `json:"page_size"`
	Regions       []memmap.Region `json:"regions"`
	Sequence      []memmap.Region `json:"sequence"`
	Coalesced     []memmap.Region `json:"coalesced,omitempty"`
	RAMBytes      uintptr         `json:"ram_bytes"`
	MMIOBytes     uintptr         `json:"mmio_bytes"`
	ReservedBytes uintptr         `json:"reserved_bytes"`
}

func runInspect(args []string) error {
	path := args[0]
	printVerbose("Loading memory map: %s\n", path)

	m, err := memmap.Load(path)
	if err != nil {
		return err
	}

	report := MapReport{
		Path:          path,
		PageSize:      uintptr(m.PageSize),
		Regions:       append([]memmap.Region{m.Memory}, m.Regions...),
		Sequence:      m.Sequence(),
		RAMBytes:      m.Total(memmap.KindRAM),
		MMIOBytes:     m.Total(memmap.KindMMIO),
		ReservedBytes: m.Total(memmap.KindReserved),
	}
	if inspectCoalesce {
		report.Coalesced = memmap.Coalesce(report.Sequence, report.PageSize)
	}

	if jsonOut {
		return printJSON(report)
	}

	printInfo("\nMemory map: %s\n", path)
	printInfo("%s\n\n", strings.Repeat("=", 40))
	printInfo("Page size: %s (%s bytes)\n\n", formatBytes(report.PageSize), formatNumber(report.PageSize))

	printInfo("Regions:\n")
	printRegions(report.Regions)

	printInfo("\nOffer order:\n")
	for i, r := range report.Sequence {
		op := "add_memory"
		if i == 0 {
			op = "init"
		}
		printInfo("  %2d. %-10s %s\n", i+1, op, r)
	}

	if inspectCoalesce {
		printInfo("\nCoalesced (%d region(s)):\n", len(report.Coalesced))
		printRegions(report.Coalesced)
	}

	printInfo("\nTotals:\n")
	printInfo("  RAM:      %s (%s bytes)\n", formatBytes(report.RAMBytes), formatNumber(report.RAMBytes))
	printInfo("  MMIO:     %s (%s bytes)\n", formatBytes(report.MMIOBytes), formatNumber(report.MMIOBytes))
	printInfo("  Reserved: %s (%s bytes)\n", formatBytes(report.ReservedBytes), formatNumber(report.ReservedBytes))
	return nil
}

func printRegions(regions []memmap.Region) {
	printInfo("  %-12s %-9s %-20s %s\n", "NAME", "KIND", "BASE", "SIZE")
	for _, r := range regions {
		printInfo("  %-12s %-9s %-20s %s\n", r.Name, r.Kind, fmt.Sprintf("%#x", uintptr(r.Base)), formatBytes(uintptr(r.Size)))
	}
}
