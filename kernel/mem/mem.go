// Package mem defines the basic memory units (sizes, frames and pages) shared
// by the physical and virtual memory managers, the emulated physical memory
// those managers operate on and the kernel's memory layout configuration.
package mem

import (
	"strconv"
	"strings"

	"github.com/reekid420/os/kernel"
)

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxAddress is the highest address that can be represented by the
	// 32-bit address bus.
	MaxAddress = uint64(1<<32) - 1
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

var errInvalidSize = &kernel.Error{Module: "mem", Message: "invalid size specification"}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := PageSize - 1
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// PageAligned returns true if s is a multiple of PageSize.
func (s Size) PageAligned() bool {
	return s&(PageSize-1) == 0
}

// ParseSize parses a size specification such as "4096", "0x1000", "512K",
// "16M" or "1G". Suffixes are case-insensitive multiples of 1024.
func ParseSize(spec string) (Size, *kernel.Error) {
	var (
		multiplier = Byte
		digits     = strings.TrimSpace(spec)
	)

	if len(digits) == 0 {
		return 0, errInvalidSize
	}

	switch digits[len(digits)-1] {
	case 'k', 'K':
		multiplier = Kb
	case 'm', 'M':
		multiplier = Mb
	case 'g', 'G':
		multiplier = Gb
	}
	if multiplier != Byte {
		digits = digits[:len(digits)-1]
	}

	value, err := strconv.ParseUint(digits, 0, 64)
	if err != nil {
		return 0, errInvalidSize
	}

	return Size(value) * multiplier, nil
}
