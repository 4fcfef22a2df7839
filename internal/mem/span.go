package mem

import "fmt"

// Span is a half-open address range [Base, Acme).
// The zero value is the empty span.
type Span struct {
	Base uintptr
	Acme uintptr
}

// EmptySpan returns the empty span.
func EmptySpan() Span { return Span{} }

// FromBaseSize returns [base, base+size). ok is false if the end overflows.
func FromBaseSize(base, size uintptr) (Span, bool) {
	acme, ok := CheckedAdd(base, size)
	if !ok {
		return Span{}, false
	}
	return Span{Base: base, Acme: acme}, true
}

// IsEmpty reports whether the span covers no bytes.
func (s Span) IsEmpty() bool { return s.Acme <= s.Base }

// Size returns the number of bytes covered.
func (s Span) Size() uintptr {
	if s.IsEmpty() {
		return 0
	}
	return s.Acme - s.Base
}

// Contains reports whether addr lies inside the span.
func (s Span) Contains(addr uintptr) bool {
	return s.Base <= addr && addr < s.Acme
}

// ContainsSpan reports whether other lies entirely inside s.
// The empty span is contained by every span.
func (s Span) ContainsSpan(other Span) bool {
	if other.IsEmpty() {
		return true
	}
	return s.Base <= other.Base && other.Acme <= s.Acme
}

// Overlaps reports whether the two spans share at least one byte.
func (s Span) Overlaps(other Span) bool {
	if s.IsEmpty() || other.IsEmpty() {
		return false
	}
	return s.Base < other.Acme && other.Base < s.Acme
}

// Abuts reports whether other starts exactly at s.Acme or ends exactly at s.Base.
func (s Span) Abuts(other Span) bool {
	return other.Base == s.Acme || other.Acme == s.Base
}

// FitOver returns the smallest span covering both s and other.
func (s Span) FitOver(other Span) Span {
	switch {
	case s.IsEmpty():
		return other
	case other.IsEmpty():
		return s
	}
	return Span{Base: min(s.Base, other.Base), Acme: max(s.Acme, other.Acme)}
}

// FitWithin returns the intersection of s and other.
func (s Span) FitWithin(other Span) Span {
	out := Span{Base: max(s.Base, other.Base), Acme: min(s.Acme, other.Acme)}
	if out.IsEmpty() {
		return Span{}
	}
	return out
}

// AlignInward shrinks the span so both ends are multiples of align.
func (s Span) AlignInward(align uintptr) Span {
	base, ok := CheckedAlignUp(s.Base, align)
	if !ok {
		return Span{}
	}
	out := Span{Base: base, Acme: AlignDown(s.Acme, align)}
	if out.IsEmpty() {
		return Span{}
	}
	return out
}

func (s Span) String() string {
	if s.IsEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%#x, %#x)", s.Base, s.Acme)
}
