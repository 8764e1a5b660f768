package mem

import (
	"strconv"

	"github.com/reekid420/os/kernel"
)

// Default values for the kernel's virtual memory layout.
const (
	DefaultKernelIdentitySize  = 16 * Mb
	DefaultReservedWindowStart = uintptr(16 * Mb)
	DefaultReservedWindowSize  = 16 * Mb
	DefaultVideoBufferAddr     = uintptr(0xB8000)
	DefaultHeapStart           = uintptr(0xD0000000)
	DefaultHeapInitialSize     = 1 * Mb
	DefaultHeapMaxSize         = 256 * Mb
)

var (
	errLayoutUnaligned = &kernel.Error{Module: "layout", Message: "memory layout regions must be page-aligned"}
	errLayoutOverlap   = &kernel.Error{Module: "layout", Message: "heap window overlaps an identity-mapped region"}
	errLayoutHeapSize  = &kernel.Error{Module: "layout", Message: "heap initial size must be non-zero and not exceed the heap max size"}
	errLayoutRange     = &kernel.Error{Module: "layout", Message: "memory layout region exceeds the 32-bit address space"}
	errLayoutBadValue  = &kernel.Error{Module: "layout", Message: "malformed boot command line value"}
)

// Layout describes where the kernel places its identity mappings and heap
// window inside the 32-bit virtual address space.
type Layout struct {
	// KernelIdentitySize is the size of the low region [0, size) that is
	// identity-mapped for the kernel code and data.
	KernelIdentitySize Size

	// ReservedWindowStart and ReservedWindowSize define a second
	// identity-mapped window reserved for early kernel allocations.
	ReservedWindowStart uintptr
	ReservedWindowSize  Size

	// VideoBufferAddr is the physical address of the text-mode console
	// buffer. Its page gets identity-mapped.
	VideoBufferAddr uintptr

	// HeapStart is the virtual address where the kernel heap window begins.
	HeapStart uintptr

	// HeapInitialSize is the size of the heap window that gets backed by
	// physical frames when the heap is initialized.
	HeapInitialSize Size

	// HeapMaxSize is the upper bound for the heap window. The heap does
	// not grow past its initial reservation; this value only bounds the
	// accepted HeapInitialSize.
	HeapMaxSize Size
}

// DefaultLayout returns the layout used when no boot command line overrides
// are present.
func DefaultLayout() Layout {
	return Layout{
		KernelIdentitySize:  DefaultKernelIdentitySize,
		ReservedWindowStart: DefaultReservedWindowStart,
		ReservedWindowSize:  DefaultReservedWindowSize,
		VideoBufferAddr:     DefaultVideoBufferAddr,
		HeapStart:           DefaultHeapStart,
		HeapInitialSize:     DefaultHeapInitialSize,
		HeapMaxSize:         DefaultHeapMaxSize,
	}
}

// ApplyCmdLine overrides layout settings with the values of the following
// boot command line keys: identity_size, reserved_start, reserved_size,
// video_addr, kheap_start, kheap_size and kheap_max. Sizes accept the K/M/G
// suffixes understood by ParseSize; addresses accept decimal or 0x-prefixed
// hex values. Unknown keys are ignored.
func (l *Layout) ApplyCmdLine(kv map[string]string) *kernel.Error {
	sizes := map[string]*Size{
		"identity_size": &l.KernelIdentitySize,
		"reserved_size": &l.ReservedWindowSize,
		"kheap_size":    &l.HeapInitialSize,
		"kheap_max":     &l.HeapMaxSize,
	}
	addrs := map[string]*uintptr{
		"reserved_start": &l.ReservedWindowStart,
		"video_addr":     &l.VideoBufferAddr,
		"kheap_start":    &l.HeapStart,
	}

	for key, target := range sizes {
		if value, ok := kv[key]; ok {
			size, err := ParseSize(value)
			if err != nil {
				return errLayoutBadValue
			}
			*target = size
		}
	}

	for key, target := range addrs {
		if value, ok := kv[key]; ok {
			addr, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return errLayoutBadValue
			}
			*target = uintptr(addr)
		}
	}

	return nil
}

// Validate checks that all regions are page-aligned, fit in the 32-bit
// address space and that the heap window does not overlap any
// identity-mapped region.
func (l Layout) Validate() *kernel.Error {
	if !l.KernelIdentitySize.PageAligned() || !l.ReservedWindowSize.PageAligned() ||
		!l.HeapInitialSize.PageAligned() || !l.HeapMaxSize.PageAligned() ||
		PageOffset(l.ReservedWindowStart) != 0 || PageOffset(l.HeapStart) != 0 {
		return errLayoutUnaligned
	}

	if l.HeapInitialSize == 0 || l.HeapInitialSize > l.HeapMaxSize {
		return errLayoutHeapSize
	}

	if uint64(l.KernelIdentitySize) > MaxAddress+1 ||
		uint64(l.ReservedWindowStart)+uint64(l.ReservedWindowSize) > MaxAddress+1 ||
		uint64(l.HeapStart)+uint64(l.HeapMaxSize) > MaxAddress+1 ||
		uint64(l.VideoBufferAddr) > MaxAddress {
		return errLayoutRange
	}

	heapEnd := uint64(l.HeapStart) + uint64(l.HeapMaxSize)
	if overlaps(uint64(l.HeapStart), heapEnd, 0, uint64(l.KernelIdentitySize)) ||
		overlaps(uint64(l.HeapStart), heapEnd, uint64(l.ReservedWindowStart), uint64(l.ReservedWindowStart)+uint64(l.ReservedWindowSize)) ||
		overlaps(uint64(l.HeapStart), heapEnd, uint64(PageFromAddress(l.VideoBufferAddr).Address()), uint64(PageFromAddress(l.VideoBufferAddr).Address())+uint64(PageSize)) {
		return errLayoutOverlap
	}

	return nil
}

// overlaps returns true if the half-open ranges [aStart, aEnd) and
// [bStart, bEnd) intersect.
func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}
