package mem

import "math"

// Frame describes a physical memory page index.
type Frame uint32

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ uintptr(PageSize-1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(PageSize-1)) >> PageShift)
}

// PageOffset returns the offset within the page specified by an address.
func PageOffset(addr uintptr) uintptr {
	return addr & uintptr(PageSize-1)
}

// AlignUp rounds addr up to the next page boundary.
func AlignUp(addr uintptr) uintptr {
	return (addr + uintptr(PageSize-1)) &^ uintptr(PageSize-1)
}
