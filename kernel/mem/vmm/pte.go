package vmm

import (
	"github.com/reekid420/os/kernel/mem"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// Flags supported by 32-bit page directory and page table entries.
const (
	// FlagPresent is set when the page is available in memory and not swapped.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages. It
	// is only meaningful for page directory entries.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagIdentity is stored in one of the bits reserved for software use
	// and marks mappings of frames that are not owned by the frame
	// allocator (identity-mapped kernel, reserved and video regions).
	FlagIdentity
)

const (
	ptePhysPageMask = uint32(0xfffff000)
	pteFlagMask     = uint32(0x00000fff)

	// entriesPerTable is the number of 4-byte entries in a page directory
	// or page table.
	entriesPerTable = 1024
	entrySize       = 4
)

// PageTableEntry describes a 32-bit page directory or page table entry.
// Bits 12-31 encode a physical frame and bits 0-11 the entry flags.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry. Bits that
// do not belong to the flag portion of the entry are ignored.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | (uint32(flags) & pteFlagMask))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ (uint32(flags) & pteFlagMask))
}

// Flags returns the flag portion of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mem.Frame {
	return mem.Frame((uint32(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mem.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// newEntry returns a present entry pointing to frame with the given flags.
func newEntry(frame mem.Frame, flags PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	return pte
}

// pageIndices splits a page number into its page directory index (top 10
// bits of the virtual address) and its page table index (next 10 bits).
func pageIndices(page mem.Page) (dirIndex, tableIndex uint32) {
	return uint32(page) >> 10, uint32(page) & (entriesPerTable - 1)
}
