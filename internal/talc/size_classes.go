package talc

import (
	"math"
	"strings"

	"github.com/joshuapare/kalloc/internal/mem"
)

// SizeClassConfig defines the free-list bucketing strategy.
// Different configurations trade search time against fragmentation.
type SizeClassConfig struct {
	// Name for this configuration (for benchmarking)
	Name string

	// Small chunks (linear increments)
	SmallMin       uintptr
	SmallMax       uintptr
	SmallIncrement uintptr

	// Medium chunks (geometric growth). Anything at or above MediumMax lands in the
	// large bin.
	MediumMax    uintptr
	GrowthFactor float64
}

var (
	// ConfigFineGrained: many small buckets, good for varied workloads.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       mem.WordSize,
		SmallMax:       256,
		SmallIncrement: mem.WordSize,
		MediumMax:      64 << 10,
		GrowthFactor:   1.5,
	}

	// ConfigBalanced: fewer small buckets, same geometric tail.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       mem.WordSize,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      64 << 10,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse: power-of-two buckets only past 512 bytes.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       mem.WordSize,
		SmallMax:       512,
		SmallIncrement: 32,
		MediumMax:      64 << 10,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used when no option overrides it.
	DefaultConfig = ConfigBalanced
)

// Configs lists the predefined configurations.
func Configs() []SizeClassConfig {
	return []SizeClassConfig{ConfigFineGrained, ConfigBalanced, ConfigCoarse}
}

// ConfigByName looks up a predefined configuration, case-insensitively.
func ConfigByName(name string) (SizeClassConfig, bool) {
	for _, c := range Configs() {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return SizeClassConfig{}, false
}

// sizeClassTable holds the computed size class boundaries.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []uintptr // Upper bound (inclusive) for each size class
}

func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:     config,
		boundaries: make([]uintptr, 0, 64),
	}

	if config.SmallIncrement > 0 {
		for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
			table.boundaries = append(table.boundaries, size+config.SmallIncrement-1)
		}
	}

	if config.SmallMax < config.MediumMax {
		size := config.SmallMax
		for size < config.MediumMax {
			next := uintptr(math.Ceil(float64(size) * config.GrowthFactor))
			if next <= size {
				next = size + 1
			}
			table.boundaries = append(table.boundaries, next-1)
			size = next
		}
	}

	return table
}

// classOf returns the size class index for size.
// Returns numClasses() for sizes beyond every boundary (the large bin).
func (t *sizeClassTable) classOf(size uintptr) int {
	lo, hi := 0, len(t.boundaries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return len(t.boundaries)
}

func (t *sizeClassTable) numClasses() int { return len(t.boundaries) }

func (t *sizeClassTable) String() string { return t.config.Name }
