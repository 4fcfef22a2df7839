// Package backing reserves host memory behind a simulated address interval so
// simulations can write into allocated blocks and catch overlapping allocations.
//
// Simulated addresses are translated by offset; the host mapping's own address
// never leaks into the allocators.
package backing

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kalloc/internal/mem"
)

// MaxSize caps a single reservation.
const MaxSize = 1 << 32

var (
	// ErrTooLarge is returned when a reservation exceeds MaxSize.
	ErrTooLarge = errors.New("backing: reservation too large")
	// ErrOutOfRange is returned when a block is not inside the reservation.
	ErrOutOfRange = errors.New("backing: block outside reservation")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backing: arena closed")
)

// Arena is host memory standing in for the simulated interval Span.
type Arena struct {
	span    mem.Span
	data    []byte
	release func() error
}

// Reserve maps zeroed host memory for span.
func Reserve(span mem.Span) (*Arena, error) {
	size := span.Size()
	if size == 0 {
		return nil, fmt.Errorf("backing: empty span %s", span)
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	data, release, err := reserve(int(size))
	if err != nil {
		return nil, fmt.Errorf("backing: reserve %s: %w", span, err)
	}
	return &Arena{span: span, data: data, release: release}, nil
}

// Span returns the simulated interval.
func (a *Arena) Span() mem.Span { return a.span }

// Slice returns the host bytes backing [addr, addr+size).
func (a *Arena) Slice(addr, size uintptr) ([]byte, error) {
	if a.data == nil {
		return nil, ErrClosed
	}
	block, ok := mem.FromBaseSize(addr, size)
	if !ok || !a.span.ContainsSpan(block) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, block)
	}
	off := addr - a.span.Base
	return a.data[off : off+size : off+size], nil
}

// Fill writes b over [addr, addr+size).
func (a *Arena) Fill(addr, size uintptr, b byte) error {
	buf, err := a.Slice(addr, size)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = b
	}
	return nil
}

// Check reports the first offset in [addr, addr+size) not equal to b, or -1.
func (a *Arena) Check(addr, size uintptr, b byte) (int, error) {
	buf, err := a.Slice(addr, size)
	if err != nil {
		return -1, err
	}
	for i, v := range buf {
		if v != b {
			return i, nil
		}
	}
	return -1, nil
}

// Close releases the host memory. It is safe to call more than once.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	a.data = nil
	return a.release()
}
