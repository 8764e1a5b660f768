package vmm

import (
	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/mem"
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the active page directory table. If the page table that should hold
// the mapping does not exist yet, Map allocates a frame for it, clears it
// and only then links it into the page directory.
//
// Mapping a page to the frame and flags it is already mapped with is a no-op.
// Any other attempt to map a present page fails with ErrAlreadyMapped and
// leaves the existing mapping untouched.
func (as *AddressSpace) Map(page mem.Page, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	defer cpu.Critical(as.cpu)()

	if !as.activePDT.pdtFrame.Valid() {
		return errNoActivePDT
	}

	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	dirIndex, tableIndex := pageIndices(page)
	dirEntry, err := as.readEntry(as.activePDT.pdtFrame, dirIndex)
	if err != nil {
		return err
	}

	var (
		tableFrame mem.Frame
		newTable   bool
	)

	switch {
	case dirEntry.HasFlags(FlagHugePage):
		return errNoHugePageSupport
	case dirEntry.HasFlags(FlagPresent):
		tableFrame = dirEntry.Frame()
	default:
		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if tableFrame, err = as.frames.AllocFrame(); err != nil {
			return err
		}

		if err = as.phys.ClearFrame(tableFrame); err != nil {
			as.frames.FreeFrame(tableFrame)
			return err
		}
		newTable = true
	}

	pte := newEntry(frame, flags)
	if !newTable {
		existing, err := as.readEntry(tableFrame, tableIndex)
		if err != nil {
			return err
		}

		if existing.HasFlags(FlagPresent) {
			if existing == pte {
				return nil
			}
			return ErrAlreadyMapped
		}
	}

	// Page tables inherit the user bit so user-accessible mappings are
	// not masked by the directory entry.
	dirFlags := FlagRW | (flags & FlagUserAccessible)
	if !newTable {
		dirFlags |= dirEntry.Flags()
	}

	if newTable || !dirEntry.HasFlags(dirFlags) {
		if err = as.writeEntry(as.activePDT.pdtFrame, dirIndex, newEntry(tableFrame, dirFlags)); err != nil {
			if newTable {
				as.frames.FreeFrame(tableFrame)
			}
			return err
		}
	}

	if err = as.writeEntry(tableFrame, tableIndex, pte); err != nil {
		return err
	}

	as.cpu.FlushTLBEntry(page.Address())
	return nil
}

// MapRegion maps the contiguous frames starting at startFrame to the
// contiguous pages starting at startPage. If size is not a multiple of
// mem.PageSize it is rounded up. Pages mapped before an error occurs remain
// mapped.
func (as *AddressSpace) MapRegion(startPage mem.Page, startFrame mem.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	defer cpu.Critical(as.cpu)()

	pageCount := size.Pages()
	if uint64(startPage)+uint64(pageCount) > uint64(mem.MaxAddress>>mem.PageShift)+1 {
		return ErrInvalidMapping
	}

	for index := uint32(0); index < pageCount; index++ {
		if err := as.Map(startPage+mem.Page(index), startFrame+mem.Frame(index), flags); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// mapped pages are tagged with FlagIdentity as their frames are not handed
// out by the frame allocator. The returned page points to the start of the
// mapped region.
func (as *AddressSpace) IdentityMapRegion(startFrame mem.Frame, size mem.Size, flags PageTableEntryFlag) (mem.Page, *kernel.Error) {
	startPage := mem.Page(startFrame)
	if err := as.MapRegion(startPage, startFrame, size, flags|FlagIdentity); err != nil {
		return 0, err
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map. The frame
// that the page pointed to is not released. When the page table holding the
// mapping no longer contains any entries, its frame is returned to the frame
// allocator and the page directory entry is cleared.
func (as *AddressSpace) Unmap(page mem.Page) *kernel.Error {
	defer cpu.Critical(as.cpu)()

	_, tableFrame, err := as.lookupEntry(page)
	if err != nil {
		return err
	}

	dirIndex, tableIndex := pageIndices(page)
	if err = as.writeEntry(tableFrame, tableIndex, 0); err != nil {
		return err
	}
	as.cpu.FlushTLBEntry(page.Address())

	table, err := as.phys.Slice(tableFrame.Address(), mem.PageSize)
	if err != nil {
		return err
	}

	for _, b := range table {
		if b != 0 {
			return nil
		}
	}

	if err = as.writeEntry(as.activePDT.pdtFrame, dirIndex, 0); err != nil {
		return err
	}
	as.frames.FreeFrame(tableFrame)

	return nil
}
