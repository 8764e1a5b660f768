// Package pmm implements the physical memory manager: a frame allocator that
// tracks the state and reference count of every physical frame reported by
// the boot loader's memory map.
package pmm

import (
	"encoding/binary"
	"io"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/multiboot"
)

// FrameState describes the allocation state of a physical frame.
type FrameState uint8

// The set of states that a frame can be in.
const (
	// FrameFree marks a frame that can be handed out by AllocFrame.
	FrameFree FrameState = iota

	// FrameUsed marks a frame that has been allocated.
	FrameUsed

	// FrameKernel marks a frame occupied by the kernel image or the
	// frame table.
	FrameKernel

	// FrameReserved marks a frame that is not usable RAM according to the
	// boot memory map.
	FrameReserved
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameUsed:
		return "used"
	case FrameKernel:
		return "kernel"
	default:
		return "reserved"
	}
}

const (
	// Each frame table entry is encoded as {flags uint32, refCount uint32}.
	frameEntrySize = 8

	frameFlagUsed     = uint32(1 << 0)
	frameFlagKernel   = uint32(1 << 1)
	frameFlagReserved = uint32(1 << 2)
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frame exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errNoAvailableMemory  = &kernel.Error{Module: "pmm", Message: "memory map does not report any available memory"}
	errFrameTableNoSpace  = &kernel.Error{Module: "pmm", Message: "frame table does not fit in physical memory"}
	errInvalidKernelRange = &kernel.Error{Module: "pmm", Message: "kernel image end address precedes its start address"}
	errFrameOutOfRange    = &kernel.Error{Module: "pmm", Message: "frame is outside the range tracked by the frame table"}
	errFrameNotAllocated  = &kernel.Error{Module: "pmm", Message: "cannot retain a free frame"}
)

// FrameAllocator hands out physical frames using a frame table that is
// stored in physical memory right after the kernel image. Each table entry
// tracks the state and reference count of one frame; a frame returns to the
// free pool only when its reference count drops to zero.
type FrameAllocator struct {
	phys *mem.PhysicalMemory
	cpu  cpu.CPU

	// table is a view of the frame table inside the physical memory image.
	table     []byte
	tableAddr uintptr

	totalFrames uint32
	freeFrames  uint32

	// Frames in [kernelStartFrame, kernelEndFrame) hold the kernel image
	// and the frame table. Allocations scan from kernelEndFrame upwards
	// and wrap around to the frames below kernelStartFrame.
	kernelStartFrame mem.Frame
	kernelEndFrame   mem.Frame
}

// NewFrameAllocator returns a frame allocator that manages the frames of the
// supplied physical memory. Init must be invoked before allocating frames.
func NewFrameAllocator(phys *mem.PhysicalMemory, c cpu.CPU) *FrameAllocator {
	return &FrameAllocator{phys: phys, cpu: c}
}

// Init builds the frame table from the boot memory map and the physical
// address range [kernelStart, kernelEnd) occupied by the kernel image.
//
// The number of tracked frames is derived from the highest end address of
// any available region. The frame table is placed at the first page boundary
// after the kernel image. Frames covered by the kernel image and the frame
// table are marked as kernel frames. Frames that overlap a region which is
// not available, or that are not fully covered by any available region, are
// marked as reserved. All remaining frames are free.
func (alloc *FrameAllocator) Init(memMap multiboot.MemoryMap, kernelStart, kernelEnd uintptr) *kernel.Error {
	defer cpu.Critical(alloc.cpu)()

	if kernelEnd < kernelStart {
		return errInvalidKernelRange
	}

	var maxAddr uint64
	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			if endAddr := region.PhysAddress + region.Length; endAddr > maxAddr {
				maxAddr = endAddr
			}
		}
		return true
	})

	if maxAddr > mem.MaxAddress+1 {
		maxAddr = mem.MaxAddress + 1
	}

	totalFrames := uint32(maxAddr >> mem.PageShift)
	if totalFrames == 0 {
		return errNoAvailableMemory
	}

	tableAddr := mem.AlignUp(kernelEnd)
	tableSize := mem.Size(totalFrames) * frameEntrySize
	table, err := alloc.phys.Slice(tableAddr, tableSize)
	if err != nil {
		return errFrameTableNoSpace
	}

	alloc.table = table
	alloc.tableAddr = tableAddr
	alloc.totalFrames = totalFrames
	alloc.freeFrames = 0
	alloc.kernelStartFrame = mem.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = mem.FrameFromAddress(mem.AlignUp(tableAddr + uintptr(tableSize)))

	// Everything starts out as reserved; only frames fully contained in
	// an available region are released to the free pool.
	for frame := mem.Frame(0); uint32(frame) < totalFrames; frame++ {
		alloc.setEntry(frame, frameFlagUsed|frameFlagReserved, 1)
	}

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		startFrame := (region.PhysAddress + pageSizeMinus1) >> mem.PageShift
		endFrame := (region.PhysAddress + region.Length) >> mem.PageShift
		for frame := startFrame; frame < endFrame && frame < uint64(totalFrames); frame++ {
			if flags, _ := alloc.entry(mem.Frame(frame)); flags&frameFlagReserved != 0 {
				alloc.setEntry(mem.Frame(frame), 0, 0)
				alloc.freeFrames++
			}
		}
		return true
	})

	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			return true
		}

		// Any frame that overlaps a reserved region is unusable
		startFrame := region.PhysAddress >> mem.PageShift
		endFrame := (region.PhysAddress + region.Length + pageSizeMinus1) >> mem.PageShift
		for frame := startFrame; frame < endFrame && frame < uint64(totalFrames); frame++ {
			alloc.markUnavailable(mem.Frame(frame), frameFlagUsed|frameFlagReserved)
		}
		return true
	})

	for frame := alloc.kernelStartFrame; frame < alloc.kernelEndFrame && uint32(frame) < totalFrames; frame++ {
		alloc.markUnavailable(frame, frameFlagUsed|frameFlagKernel)
	}

	kfmt.Printf("[pmm] frame table at 0x%x tracks %d frames; %d frames free\n", tableAddr, totalFrames, alloc.freeFrames)
	return nil
}

// AllocFrame reserves the first free frame found by a linear scan that
// starts right after the kernel image and frame table and wraps around to
// the frames below the kernel image. The returned frame has a reference
// count of 1. AllocFrame returns ErrOutOfMemory if no free frame exists.
func (alloc *FrameAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	defer cpu.Critical(alloc.cpu)()

	if alloc.freeFrames == 0 {
		return mem.InvalidFrame, ErrOutOfMemory
	}

	for scanned, frame := uint32(0), alloc.kernelEndFrame; scanned < alloc.totalFrames; scanned, frame = scanned+1, frame+1 {
		if uint32(frame) >= alloc.totalFrames {
			frame = 0
		}

		if flags, _ := alloc.entry(frame); flags == 0 {
			alloc.setEntry(frame, frameFlagUsed, 1)
			alloc.freeFrames--
			return frame, nil
		}
	}

	return mem.InvalidFrame, ErrOutOfMemory
}

// FreeFrame drops a reference to the supplied frame. The frame is returned
// to the free pool when its reference count reaches zero. Calls with frames
// outside the tracked range, with frames that are already free or with
// kernel and reserved frames are ignored.
func (alloc *FrameAllocator) FreeFrame(frame mem.Frame) {
	defer cpu.Critical(alloc.cpu)()

	if uint32(frame) >= alloc.totalFrames {
		return
	}

	flags, refCount := alloc.entry(frame)
	if refCount == 0 || flags&(frameFlagKernel|frameFlagReserved) != 0 {
		return
	}

	if refCount--; refCount == 0 {
		flags = 0
		alloc.freeFrames++
	}
	alloc.setEntry(frame, flags, refCount)
}

// RetainFrame adds a reference to an allocated frame so that it can be
// shared. Each RetainFrame call must be balanced by a FreeFrame call before
// the frame is released.
func (alloc *FrameAllocator) RetainFrame(frame mem.Frame) *kernel.Error {
	defer cpu.Critical(alloc.cpu)()

	if uint32(frame) >= alloc.totalFrames {
		return errFrameOutOfRange
	}

	flags, refCount := alloc.entry(frame)
	if flags == 0 {
		return errFrameNotAllocated
	}

	alloc.setEntry(frame, flags, refCount+1)
	return nil
}

// FreeCount returns the number of free frames.
func (alloc *FrameAllocator) FreeCount() uint32 {
	return alloc.freeFrames
}

// UsedCount returns the number of frames that are not free.
func (alloc *FrameAllocator) UsedCount() uint32 {
	return alloc.totalFrames - alloc.freeFrames
}

// TotalCount returns the number of frames tracked by the frame table.
func (alloc *FrameAllocator) TotalCount() uint32 {
	return alloc.totalFrames
}

// FrameState returns the state of the supplied frame. Frames outside the
// tracked range are reported as reserved.
func (alloc *FrameAllocator) FrameState(frame mem.Frame) FrameState {
	if uint32(frame) >= alloc.totalFrames {
		return FrameReserved
	}

	switch flags, _ := alloc.entry(frame); {
	case flags == 0:
		return FrameFree
	case flags&frameFlagKernel != 0:
		return FrameKernel
	case flags&frameFlagReserved != 0:
		return FrameReserved
	default:
		return FrameUsed
	}
}

// RefCount returns the reference count of the supplied frame.
func (alloc *FrameAllocator) RefCount(frame mem.Frame) uint32 {
	if uint32(frame) >= alloc.totalFrames {
		return 0
	}

	_, refCount := alloc.entry(frame)
	return refCount
}

// PrintMemoryMap writes the system memory map and the amount of available
// memory to w.
func PrintMemoryMap(w io.Writer, memMap multiboot.MemoryMap) {
	kfmt.Fprintf(w, "[pmm] system memory map:\n")
	var totalFree mem.Size
	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%010x - 0x%010x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "[pmm] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// markUnavailable flags a frame as not allocatable, removing it from the
// free pool if required.
func (alloc *FrameAllocator) markUnavailable(frame mem.Frame, flags uint32) {
	if curFlags, _ := alloc.entry(frame); curFlags == 0 {
		alloc.freeFrames--
	}
	alloc.setEntry(frame, flags, 1)
}

func (alloc *FrameAllocator) entry(frame mem.Frame) (flags, refCount uint32) {
	offset := uint32(frame) * frameEntrySize
	return binary.LittleEndian.Uint32(alloc.table[offset:]), binary.LittleEndian.Uint32(alloc.table[offset+4:])
}

func (alloc *FrameAllocator) setEntry(frame mem.Frame, flags, refCount uint32) {
	offset := uint32(frame) * frameEntrySize
	binary.LittleEndian.PutUint32(alloc.table[offset:], flags)
	binary.LittleEndian.PutUint32(alloc.table[offset+4:], refCount)
}
