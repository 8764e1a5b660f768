package vmm

import (
	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/mem/pmm"
)

// Verify walks the active page directory table and checks that the frame of
// the directory, the frame of every page table and the frame of every present
// mapping that is not tagged with FlagIdentity is marked as allocated by the
// frame allocator. The first offending entry is reported via kfmt and
// ErrInconsistentMapping is returned.
func (as *AddressSpace) Verify(frames FrameStateReporter) *kernel.Error {
	if !as.activePDT.pdtFrame.Valid() {
		return errNoActivePDT
	}

	if frames.FrameState(as.activePDT.pdtFrame) == pmm.FrameFree {
		kfmt.Printf("[vmm] page directory frame 0x%x is marked as free\n", as.activePDT.pdtFrame.Address())
		return ErrInconsistentMapping
	}

	for dirIndex := uint32(0); dirIndex < entriesPerTable; dirIndex++ {
		dirEntry, err := as.readEntry(as.activePDT.pdtFrame, dirIndex)
		if err != nil {
			return err
		}

		if !dirEntry.HasFlags(FlagPresent) {
			continue
		}

		if frames.FrameState(dirEntry.Frame()) == pmm.FrameFree {
			kfmt.Printf("[vmm] page table frame 0x%x (directory entry %d) is marked as free\n", dirEntry.Frame().Address(), dirIndex)
			return ErrInconsistentMapping
		}

		for tableIndex := uint32(0); tableIndex < entriesPerTable; tableIndex++ {
			pte, err := as.readEntry(dirEntry.Frame(), tableIndex)
			if err != nil {
				return err
			}

			if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagIdentity) {
				continue
			}

			if frames.FrameState(pte.Frame()) == pmm.FrameFree {
				page := mem.Page(dirIndex<<10 | tableIndex)
				kfmt.Printf("[vmm] page 0x%x maps free frame 0x%x\n", page.Address(), pte.Frame().Address())
				return ErrInconsistentMapping
			}
		}
	}

	return nil
}
