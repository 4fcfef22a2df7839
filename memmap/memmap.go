// Package memmap describes the physical memory layout handed to the allocators at
// boot: one primary memory region plus an ordered list of further regions (RAM
// banks, MMIO windows, reserved holes).
//
// It stands in for a device-tree parser. Maps are written in YAML:
//
//	page_size: 4K
//	memory:
//	  base: 0x80000000
//	  size: 128M
//	regions:
//	  - name: virtio0
//	    kind: mmio
//	    base: 0x10001000
//	    size: 0x1000
//
// Integers accept decimal, 0x/0o/0b prefixes and K/M/G suffixes (powers of 1024).
package memmap

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/kalloc/internal/mem"
)

// DefaultPageSize is used when a map does not set page_size.
const DefaultPageSize = 4096

// ErrInvalidMap indicates a malformed memory map.
var ErrInvalidMap = errors.New("memmap: invalid memory map")

// Kind classifies a region.
type Kind string

const (
	KindRAM      Kind = "ram"
	KindMMIO     Kind = "mmio"
	KindReserved Kind = "reserved"
)

// Addr is an address or size that decodes from YAML integers or strings.
type Addr uintptr

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected integer, got %s", ErrInvalidMap, node.Line, node.ShortTag())
	}
	v, err := ParseAddr(node.Value)
	if err != nil {
		return fmt.Errorf("%w: line %d: %w", ErrInvalidMap, node.Line, err)
	}
	*a = v
	return nil
}

// MarshalYAML implements yaml.Marshaler. Values are written in hex.
func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uintptr(a)), nil
}

// ParseAddr parses "4096", "0x1000", "4K", "128M", "1G".
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	shift := 0
	switch s[len(s)-1] {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("value %s overflows", s)
	}
	v <<= shift
	if uint64(uintptr(v)) != v {
		return 0, fmt.Errorf("value %#x exceeds address width", v)
	}
	return Addr(v), nil
}

// Region is one [Base, Base+Size) range.
type Region struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Kind Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Base Addr   `yaml:"base" json:"base"`
	Size Addr   `yaml:"size" json:"size"`
}

// Span returns the region as an address span. Validate guarantees it does not overflow.
func (r Region) Span() mem.Span {
	s, _ := mem.FromBaseSize(uintptr(r.Base), uintptr(r.Size))
	return s
}

func (r Region) String() string {
	name := r.Name
	if name == "" {
		name = string(r.Kind)
	}
	return fmt.Sprintf("%s %s", name, r.Span())
}

// Map is a memory layout.
type Map struct {
	PageSize Addr     `yaml:"page_size,omitempty" json:"page_size"`
	Memory   Region   `yaml:"memory" json:"memory"`
	Regions  []Region `yaml:"regions,omitempty" json:"regions,omitempty"`
}

// Parse decodes and validates a YAML memory map.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("memmap: decode: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the map at path.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Marshal encodes the map as YAML.
func (m *Map) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

func (m *Map) applyDefaults() {
	if m.PageSize == 0 {
		m.PageSize = DefaultPageSize
	}
	if m.Memory.Kind == "" {
		m.Memory.Kind = KindRAM
	}
	if m.Memory.Name == "" {
		m.Memory.Name = "memory"
	}
	for i := range m.Regions {
		if m.Regions[i].Kind == "" {
			m.Regions[i].Kind = KindRAM
		}
	}
}

// Validate checks the page size, and that every region is non-empty, starts above
// zero, fits in the address space and has a known kind.
func (m *Map) Validate() error {
	if !mem.IsPowerOfTwo(uintptr(m.PageSize)) {
		return fmt.Errorf("%w: page size %d is not a power of two", ErrInvalidMap, m.PageSize)
	}
	if m.Memory.Kind != KindRAM {
		return fmt.Errorf("%w: primary memory must be ram, got %q", ErrInvalidMap, m.Memory.Kind)
	}
	if err := m.Memory.validate(); err != nil {
		return err
	}
	for _, r := range m.Regions {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r Region) validate() error {
	switch r.Kind {
	case KindRAM, KindMMIO, KindReserved:
	default:
		return fmt.Errorf("%w: region %q has unknown kind %q", ErrInvalidMap, r.Name, r.Kind)
	}
	if r.Base == 0 {
		return fmt.Errorf("%w: region %q starts at address zero", ErrInvalidMap, r.Name)
	}
	if r.Size == 0 {
		return fmt.Errorf("%w: region %q is empty", ErrInvalidMap, r.Name)
	}
	if _, ok := mem.FromBaseSize(uintptr(r.Base), uintptr(r.Size)); !ok {
		return fmt.Errorf("%w: region %q overflows the address space", ErrInvalidMap, r.Name)
	}
	return nil
}

// Sequence returns the regions in the order the kernel offers them to an
// allocator: the primary memory region first, then every non-reserved region in
// map order.
func (m *Map) Sequence() []Region {
	seq := make([]Region, 0, len(m.Regions)+1)
	seq = append(seq, m.Memory)
	for _, r := range m.Regions {
		if r.Kind == KindReserved {
			continue
		}
		seq = append(seq, r)
	}
	return seq
}

// Coalesce page-aligns regions inward, sorts them, and merges overlapping or
// adjacent regions of the same kind. Regions that vanish under alignment are dropped.
// The merged region keeps the name of its lowest member.
func Coalesce(regions []Region, pageSize uintptr) []Region {
	if len(regions) == 0 {
		return nil
	}

	aligned := make([]Region, 0, len(regions))
	for _, r := range regions {
		s := r.Span().AlignInward(pageSize)
		if s.IsEmpty() {
			continue
		}
		r.Base, r.Size = Addr(s.Base), Addr(s.Size())
		aligned = append(aligned, r)
	}
	if len(aligned) == 0 {
		return nil
	}

	slices.SortStableFunc(aligned, func(a, b Region) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})

	merged := make([]Region, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		end := current.Base + current.Size
		if next.Kind == current.Kind && next.Base <= end {
			if nextEnd := next.Base + next.Size; nextEnd > end {
				current.Size = nextEnd - current.Base
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	merged = append(merged, current)

	return merged
}

// Total returns the summed size of regions of the given kind, primary included.
func (m *Map) Total(kind Kind) uintptr {
	var total uintptr
	if m.Memory.Kind == kind {
		total += uintptr(m.Memory.Size)
	}
	for _, r := range m.Regions {
		if r.Kind == kind {
			total += uintptr(r.Size)
		}
	}
	return total
}
