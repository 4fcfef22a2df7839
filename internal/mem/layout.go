package mem

import (
	"errors"
	"fmt"
)

// ErrBadLayout is returned by NewLayout for a non-power-of-two alignment or a size
// that cannot be rounded up to its alignment without overflowing.
var ErrBadLayout = errors.New("mem: invalid layout")

// Layout describes a byte allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout validates size and align and returns the layout.
func NewLayout(size, align uintptr) (Layout, error) {
	l := Layout{Size: size, Align: align}
	if !l.Valid() {
		return Layout{}, fmt.Errorf("%w: size=%d align=%d", ErrBadLayout, size, align)
	}
	return l, nil
}

// Valid reports whether Align is a power of two and Size rounded up to Align fits
// in the address space.
func (l Layout) Valid() bool {
	if !IsPowerOfTwo(l.Align) {
		return false
	}
	_, ok := CheckedAlignUp(l.Size, l.Align)
	return ok
}

func (l Layout) String() string {
	return fmt.Sprintf("Layout{size=%d, align=%d}", l.Size, l.Align)
}
