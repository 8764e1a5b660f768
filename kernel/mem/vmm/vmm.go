// Package vmm implements the virtual memory manager for the two-level 32-bit
// paging scheme. Page directories and page tables live inside physical
// memory frames obtained from the physical memory manager.
package vmm

import (
	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the page is already mapped
	// to a different frame or with different flags.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrPagingEnabled is returned by Enable when paging has already been
	// turned on.
	ErrPagingEnabled = &kernel.Error{Module: "vmm", Message: "paging is already enabled"}

	// ErrPageProtection is returned when writing to a page that is mapped
	// read-only.
	ErrPageProtection = &kernel.Error{Module: "vmm", Message: "write access to a read-only page"}

	// ErrInconsistentMapping is returned by Verify when a page table entry
	// references a frame that the frame allocator considers free.
	ErrInconsistentMapping = &kernel.Error{Module: "vmm", Message: "page tables reference a free frame"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoActivePDT       = &kernel.Error{Module: "vmm", Message: "no page directory table has been initialized"}
)

// FrameAllocator is implemented by physical memory managers that can supply
// frames for page directories and page tables.
type FrameAllocator interface {
	AllocFrame() (mem.Frame, *kernel.Error)
	FreeFrame(mem.Frame)
}

// FrameStateReporter is implemented by physical memory managers that can
// report the allocation state of a frame.
type FrameStateReporter interface {
	FrameState(mem.Frame) pmm.FrameState
}

// PageDirectoryTable describes the top-most table in the two-level paging
// scheme. The table occupies a single physical frame.
type PageDirectoryTable struct {
	pdtFrame mem.Frame
}

// Frame returns the physical frame that holds the page directory.
func (pdt PageDirectoryTable) Frame() mem.Frame {
	return pdt.pdtFrame
}

// AddressSpace manages the page tables of the active page directory table.
type AddressSpace struct {
	phys   *mem.PhysicalMemory
	frames FrameAllocator
	cpu    cpu.CPU

	activePDT PageDirectoryTable
}

// NewAddressSpace returns an address space that allocates its page tables
// from frames and stores them in phys. Init must be invoked before
// establishing any mapping.
func NewAddressSpace(phys *mem.PhysicalMemory, frames FrameAllocator, c cpu.CPU) *AddressSpace {
	return &AddressSpace{
		phys:      phys,
		frames:    frames,
		cpu:       c,
		activePDT: PageDirectoryTable{pdtFrame: mem.InvalidFrame},
	}
}

// Init allocates and clears the root page directory and records it as the
// active directory. The hardware is not touched until Enable or Switch is
// invoked.
func (as *AddressSpace) Init() *kernel.Error {
	defer cpu.Critical(as.cpu)()

	pdt, err := as.NewPageDirectoryTable()
	if err != nil {
		return err
	}

	as.activePDT = pdt
	kfmt.Printf("[vmm] page directory table at 0x%x\n", pdt.pdtFrame.Address())
	return nil
}

// NewPageDirectoryTable allocates a frame for a new page directory table and
// clears its entries.
func (as *AddressSpace) NewPageDirectoryTable() (PageDirectoryTable, *kernel.Error) {
	defer cpu.Critical(as.cpu)()

	frame, err := as.frames.AllocFrame()
	if err != nil {
		return PageDirectoryTable{pdtFrame: mem.InvalidFrame}, err
	}

	if err = as.phys.ClearFrame(frame); err != nil {
		as.frames.FreeFrame(frame)
		return PageDirectoryTable{pdtFrame: mem.InvalidFrame}, err
	}

	return PageDirectoryTable{pdtFrame: frame}, nil
}

// ActivePDT returns the page directory table used by Map, Unmap and
// Translate.
func (as *AddressSpace) ActivePDT() PageDirectoryTable {
	return as.activePDT
}

// Switch makes pdt the active page directory table and loads it into the
// processor.
func (as *AddressSpace) Switch(pdt PageDirectoryTable) {
	defer cpu.Critical(as.cpu)()

	as.activePDT = pdt
	as.cpu.SwitchPDT(pdt.pdtFrame.Address())
}

// Enable identity-maps the kernel region, the reserved window and the video
// buffer page described by layout, loads the active page directory table and
// turns on paging. Paging cannot be disabled once enabled; subsequent calls
// return ErrPagingEnabled.
func (as *AddressSpace) Enable(layout mem.Layout) *kernel.Error {
	defer cpu.Critical(as.cpu)()

	if as.cpu.PagingEnabled() {
		return ErrPagingEnabled
	}

	if !as.activePDT.pdtFrame.Valid() {
		return errNoActivePDT
	}

	regions := []struct {
		start uintptr
		size  mem.Size
	}{
		{0, layout.KernelIdentitySize},
		{layout.ReservedWindowStart, layout.ReservedWindowSize},
		{layout.VideoBufferAddr, mem.PageSize},
	}

	for _, region := range regions {
		if region.size == 0 {
			continue
		}

		if _, err := as.IdentityMapRegion(mem.FrameFromAddress(region.start), region.size, FlagRW); err != nil {
			return err
		}
	}

	as.cpu.SwitchPDT(as.activePDT.pdtFrame.Address())
	as.cpu.EnablePaging()

	kfmt.Printf("[vmm] paging enabled\n")
	return nil
}

// readEntry returns the entry at index of the table stored in tableFrame.
func (as *AddressSpace) readEntry(tableFrame mem.Frame, index uint32) (PageTableEntry, *kernel.Error) {
	value, err := as.phys.Uint32(tableFrame.Address() + uintptr(index*entrySize))
	return PageTableEntry(value), err
}

// writeEntry stores pte at index of the table stored in tableFrame.
func (as *AddressSpace) writeEntry(tableFrame mem.Frame, index uint32, pte PageTableEntry) *kernel.Error {
	return as.phys.PutUint32(tableFrame.Address()+uintptr(index*entrySize), uint32(pte))
}

// lookupEntry walks the active page directory table and returns the page
// table entry for page along with the frame of the page table that holds it.
func (as *AddressSpace) lookupEntry(page mem.Page) (PageTableEntry, mem.Frame, *kernel.Error) {
	if !as.activePDT.pdtFrame.Valid() {
		return 0, mem.InvalidFrame, errNoActivePDT
	}

	dirIndex, tableIndex := pageIndices(page)
	dirEntry, err := as.readEntry(as.activePDT.pdtFrame, dirIndex)
	if err != nil {
		return 0, mem.InvalidFrame, err
	}

	if !dirEntry.HasFlags(FlagPresent) {
		return 0, mem.InvalidFrame, ErrInvalidMapping
	}

	if dirEntry.HasFlags(FlagHugePage) {
		return 0, mem.InvalidFrame, errNoHugePageSupport
	}

	pte, err := as.readEntry(dirEntry.Frame(), tableIndex)
	if err != nil {
		return 0, mem.InvalidFrame, err
	}

	if !pte.HasFlags(FlagPresent) {
		return 0, mem.InvalidFrame, ErrInvalidMapping
	}

	return pte, dirEntry.Frame(), nil
}
