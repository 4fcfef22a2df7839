package talc

import "container/heap"

// chunk is a free range [base, base+size) tracked out-of-band.
type chunk struct {
	base      uintptr
	size      uintptr
	class     int // which bin this belongs to
	heapIndex int // position in bin heap (for heap.Remove)
}

func (c *chunk) acme() uintptr { return c.base + c.size }

// chunkHeap implements heap.Interface as a min-heap keyed on chunk size, so the
// smallest chunk of a bin sits at index 0.
type chunkHeap []*chunk

func (h chunkHeap) Len() int { return len(h) }

func (h chunkHeap) Less(i, j int) bool {
	if h[i].size != h[j].size {
		return h[i].size < h[j].size
	}
	return h[i].base < h[j].base
}

func (h chunkHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *chunkHeap) Push(x any) {
	c := x.(*chunk)
	c.heapIndex = len(*h)
	*h = append(*h, c)
}

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIndex = -1
	*h = old[:n-1]
	return c
}

// bin is one size class worth of free chunks.
type bin struct {
	heap chunkHeap
}

func (b *bin) push(c *chunk) { heap.Push(&b.heap, c) }

func (b *bin) remove(c *chunk) { heap.Remove(&b.heap, c.heapIndex) }

// bestFit returns the smallest chunk in the bin that can hold size bytes starting
// at an address aligned to align, together with that aligned address.
func (b *bin) bestFit(size, align uintptr) (*chunk, uintptr) {
	var (
		best    *chunk
		bestPos uintptr
	)
	for _, c := range b.heap {
		if c.size < size || (best != nil && c.size >= best.size) {
			continue
		}
		pos, ok := fit(c, size, align)
		if !ok {
			continue
		}
		best, bestPos = c, pos
	}
	return best, bestPos
}
