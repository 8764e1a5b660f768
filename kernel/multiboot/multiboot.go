// Package multiboot decodes the information handed to the kernel by a
// multiboot-compliant boot loader: the physical memory map and the boot
// command line.
package multiboot

import (
	"encoding/binary"
	"strings"
)

const (
	// mmapEntryPayloadSize is the size of a memory map entry excluding
	// its leading size field: base address (8), length (8) and type (4).
	mmapEntryPayloadSize = 20

	// mmapSizeFieldSize is the size of the leading size field. The value
	// stored in that field does not account for the field itself.
	mmapSizeFieldSize = 4
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMap holds the raw memory map supplied by the boot loader: a sequence
// of little-endian {size uint32, base uint64, length uint64, type uint32}
// descriptors. Each descriptor is followed by the next one after size+4 bytes
// so boot loaders may append vendor fields to each entry.
type MemoryMap []byte

// VisitMemRegions invokes the supplied visitor for each memory region in the
// map. Unknown region types are reported as MemReserved. Decoding stops at
// the first truncated or undersized descriptor.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	var entry MemoryMapEntry

	for offset := 0; offset+mmapSizeFieldSize <= len(m); {
		entrySize := int(binary.LittleEndian.Uint32(m[offset:]))
		payload := offset + mmapSizeFieldSize
		if entrySize < mmapEntryPayloadSize || payload+entrySize > len(m) {
			return
		}

		entry.PhysAddress = binary.LittleEndian.Uint64(m[payload:])
		entry.Length = binary.LittleEndian.Uint64(m[payload+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(m[payload+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}

		offset = payload + entrySize
	}
}

// AppendMemoryMapEntry encodes entry using the standard 20-byte descriptor
// payload and appends it to m.
func AppendMemoryMapEntry(m MemoryMap, entry MemoryMapEntry) MemoryMap {
	var buf [mmapSizeFieldSize + mmapEntryPayloadSize]byte

	binary.LittleEndian.PutUint32(buf[0:], mmapEntryPayloadSize)
	binary.LittleEndian.PutUint64(buf[4:], entry.PhysAddress)
	binary.LittleEndian.PutUint64(buf[12:], entry.Length)
	binary.LittleEndian.PutUint32(buf[20:], uint32(entry.Type))

	return append(m, buf[:]...)
}

// ParseBootCmdLine splits the boot command line into key-value pairs. Options
// of the form "foo=bar" map foo to bar while bare options such as "nofoo" map
// to themselves.
func ParseBootCmdLine(cmdLine string) map[string]string {
	cmdLineKV := make(map[string]string)

	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}
