package vmm

import (
	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/mem"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + mem.PageOffset(virtAddr), nil
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address.
func (as *AddressSpace) pteForAddress(virtAddr uintptr) (PageTableEntry, *kernel.Error) {
	if uint64(virtAddr) > mem.MaxAddress {
		return 0, ErrInvalidMapping
	}

	pte, _, err := as.lookupEntry(mem.PageFromAddress(virtAddr))
	return pte, err
}
