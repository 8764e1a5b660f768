// Package heap implements the kernel heap: a first-fit allocator that carves
// a fixed virtual memory window into variable-sized blocks. Every block is
// preceded by a header and all headers form a doubly-linked, address-ordered
// list that spans the whole window. Adjacent free blocks are always merged.
package heap

import (
	"io"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/mem/vmm"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidSize is returned for zero-sized or overflowing requests.
	ErrInvalidSize = &kernel.Error{Module: "heap", Message: "invalid allocation size"}

	// ErrCorruptBlock is returned when a pointer does not reference a valid
	// block or when a block header fails validation.
	ErrCorruptBlock = &kernel.Error{Module: "heap", Message: "corrupt heap block"}

	// ErrDoubleFree is returned when freeing a block that is already free.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "block is already free"}

	errNotInitialized     = &kernel.Error{Module: "heap", Message: "heap is not initialized"}
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap is already initialized"}
	errInvalidWindow      = &kernel.Error{Module: "heap", Message: "heap window must be page-aligned, fit in the address space and hold at least one block"}
	errInconsistent       = &kernel.Error{Module: "heap", Message: "heap block list is inconsistent"}
)

// Memory is implemented by address spaces that provide access to virtual
// memory.
type Memory interface {
	Read(virtAddr uintptr, dst []byte) *kernel.Error
	Write(virtAddr uintptr, src []byte) *kernel.Error
	Memset(virtAddr uintptr, value byte, size mem.Size) *kernel.Error
	Memcopy(dst, src uintptr, size mem.Size) *kernel.Error
}

// Mapper is implemented by address spaces that can back the heap window with
// physical frames.
type Mapper interface {
	Memory
	Map(page mem.Page, frame mem.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page mem.Page) *kernel.Error
}

// Heap manages the kernel heap window.
type Heap struct {
	mem    Mapper
	frames vmm.FrameAllocator
	cpu    cpu.CPU

	start      uintptr
	windowSize mem.Size

	// frames backing the window, indexed by page.
	backing []mem.Frame

	usedBytes  mem.Size
	freeBytes  mem.Size
	blockCount uint32
}

// New returns a heap that backs its window with frames from frames and
// accesses it through mapper. Init must be invoked before allocating.
func New(mapper Mapper, frames vmm.FrameAllocator, c cpu.CPU) *Heap {
	return &Heap{mem: mapper, frames: frames, cpu: c}
}

// Init maps every page of the window [start, start+size) to a freshly
// allocated frame and sets up a single free block spanning the window. If a
// frame cannot be allocated or a page cannot be mapped, all pages mapped so
// far are unmapped and their frames released before returning the error.
func (h *Heap) Init(start uintptr, size mem.Size) *kernel.Error {
	defer cpu.Critical(h.cpu)()

	if h.backing != nil {
		return errAlreadyInitialized
	}

	if mem.PageOffset(start) != 0 || !size.PageAligned() || size <= headerSize ||
		uint64(start)+uint64(size) > mem.MaxAddress+1 {
		return errInvalidWindow
	}

	var (
		pageCount = size.Pages()
		backing   = make([]mem.Frame, 0, pageCount)
		startPage = mem.PageFromAddress(start)
	)

	rollback := func() {
		for index, frame := range backing {
			_ = h.mem.Unmap(startPage + mem.Page(index))
			h.frames.FreeFrame(frame)
		}
	}

	for index := uint32(0); index < pageCount; index++ {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			rollback()
			return err
		}

		if err = h.mem.Map(startPage+mem.Page(index), frame, vmm.FlagRW); err != nil {
			h.frames.FreeFrame(frame)
			rollback()
			return err
		}

		backing = append(backing, frame)
	}

	h.start = start
	h.windowSize = size

	first := blockHeader{
		size:  uint32(size - headerSize),
		state: blockFree,
		prev:  nullOffset,
		next:  nullOffset,
	}
	if err := h.writeHeader(&first); err != nil {
		rollback()
		return err
	}

	h.backing = backing
	h.usedBytes = 0
	h.freeBytes = mem.Size(first.size)
	h.blockCount = 1

	kfmt.Printf("[heap] window [0x%x - 0x%x] backed by %d frames\n", start, start+uintptr(size), pageCount)
	return nil
}

// Start returns the virtual address of the heap window.
func (h *Heap) Start() uintptr {
	return h.start
}

// WindowSize returns the size of the heap window.
func (h *Heap) WindowSize() mem.Size {
	return h.windowSize
}

// Allocate reserves a block of at least size bytes and returns the virtual
// address of its payload. Sizes are rounded up to a multiple of 4 bytes.
// Allocate uses a first-fit policy and splits the chosen block when the
// remainder is large enough to hold another block. The payload contents are
// not cleared.
func (h *Heap) Allocate(size mem.Size) (uintptr, *kernel.Error) {
	defer cpu.Critical(h.cpu)()

	if h.backing == nil {
		return 0, errNotInitialized
	}

	if size == 0 {
		return 0, ErrInvalidSize
	}

	if size > h.windowSize {
		return 0, ErrOutOfMemory
	}

	alignedSize := uint32(alignSize(size))
	for offset := uint32(0); offset != nullOffset; {
		hdr, err := h.readHeader(offset)
		if err != nil {
			return 0, err
		}

		if hdr.state == blockFree && hdr.size >= alignedSize {
			blockSize := hdr.size
			if hdr.size-alignedSize >= headerSize+minSplitPayload {
				if err = h.split(&hdr, alignedSize); err != nil {
					return 0, err
				}
			}

			hdr.state = blockUsed
			if err = h.writeHeader(&hdr); err != nil {
				return 0, err
			}
			h.freeBytes -= mem.Size(blockSize)
			h.usedBytes += mem.Size(hdr.size)

			return h.payloadAddr(offset), nil
		}

		offset = hdr.next
	}

	return 0, ErrOutOfMemory
}

// AllocateZeroed reserves a zero-filled block large enough to hold count
// elements of the supplied size.
func (h *Heap) AllocateZeroed(count, size mem.Size) (uintptr, *kernel.Error) {
	defer cpu.Critical(h.cpu)()

	total := count * size
	if size != 0 && total/size != count {
		return 0, ErrInvalidSize
	}

	ptr, err := h.Allocate(total)
	if err != nil {
		return 0, err
	}

	if err = h.mem.Memset(ptr, 0, total); err != nil {
		return 0, err
	}

	return ptr, nil
}

// Reallocate resizes the block at ptr to newSize bytes and returns the
// address of the resized block. A zero ptr behaves like Allocate and a zero
// newSize frees ptr and returns 0.
//
// If the block is large enough it is shrunk in place, splitting off the
// remainder when possible. Otherwise a new block is allocated, the contents
// of the old block are copied over and the old block is freed. On failure
// the original block is left untouched.
func (h *Heap) Reallocate(ptr uintptr, newSize mem.Size) (uintptr, *kernel.Error) {
	defer cpu.Critical(h.cpu)()

	if ptr == 0 {
		return h.Allocate(newSize)
	}

	if newSize == 0 {
		return 0, h.Free(ptr)
	}

	hdr, err := h.blockForPointer(ptr)
	if err != nil {
		return 0, err
	}

	if hdr.state != blockUsed {
		kfmt.Printf("[heap] reallocate: block at 0x%x is not allocated\n", ptr)
		return 0, ErrCorruptBlock
	}

	if newSize <= mem.Size(hdr.size) {
		alignedSize := uint32(alignSize(newSize))
		if oldSize := hdr.size; oldSize-alignedSize >= headerSize+minSplitPayload {
			if err = h.split(&hdr, alignedSize); err != nil {
				return 0, err
			}
			h.usedBytes -= mem.Size(oldSize - alignedSize)

			if err = h.writeHeader(&hdr); err != nil {
				return 0, err
			}
		}

		return ptr, nil
	}

	newPtr, err := h.Allocate(newSize)
	if err != nil {
		return 0, err
	}

	if err = h.mem.Memcopy(newPtr, ptr, mem.Size(hdr.size)); err != nil {
		_ = h.Free(newPtr)
		return 0, err
	}

	if err = h.Free(ptr); err != nil {
		_ = h.Free(newPtr)
		return 0, err
	}

	return newPtr, nil
}

// Free releases the block at ptr and merges it with its free neighbours.
// Pointers that do not reference a block are reported and rejected with
// ErrCorruptBlock while freeing a free block returns ErrDoubleFree.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	defer cpu.Critical(h.cpu)()

	hdr, err := h.blockForPointer(ptr)
	if err != nil {
		return err
	}

	if hdr.state == blockFree {
		kfmt.Printf("[heap] double free of block at 0x%x\n", ptr)
		return ErrDoubleFree
	}

	hdr.state = blockFree
	h.usedBytes -= mem.Size(hdr.size)
	h.freeBytes += mem.Size(hdr.size)

	if hdr.prev != nullOffset {
		prev, err := h.readHeader(hdr.prev)
		if err != nil {
			return err
		}

		if prev.state == blockFree {
			if err = h.writeHeader(&hdr); err != nil {
				return err
			}
			hdr = prev
		}
	}

	// Merge the successor first; if hdr is the free predecessor this also
	// absorbs the block being freed.
	if err = h.mergeNext(&hdr); err != nil {
		return err
	}

	return h.mergeNext(&hdr)
}

// UsedBytes returns the number of payload bytes held by allocated blocks.
func (h *Heap) UsedBytes() mem.Size {
	return h.usedBytes
}

// FreeBytes returns the number of payload bytes held by free blocks.
func (h *Heap) FreeBytes() mem.Size {
	return h.freeBytes
}

// Dump writes the list of heap blocks and the heap counters to w.
func (h *Heap) Dump(w io.Writer) {
	kfmt.Fprintf(w, "[heap] window 0x%x, size %d, %d blocks, used %d bytes, free %d bytes\n",
		h.start, uint64(h.windowSize), h.blockCount, uint64(h.usedBytes), uint64(h.freeBytes))

	if h.backing == nil {
		return
	}

	for offset := uint32(0); offset != nullOffset; {
		hdr, err := h.readHeader(offset)
		if err != nil {
			kfmt.Fprintf(w, "\t0x%08x: %s\n", h.start+uintptr(offset), err.Message)
			return
		}

		kfmt.Fprintf(w, "\t0x%08x: %-4s %d bytes\n", h.payloadAddr(offset), hdr.state.String(), hdr.size)
		offset = hdr.next
	}
}

// Check walks the block list and verifies that the blocks cover the window
// without gaps, that all links are symmetric, that no two free blocks are
// adjacent and that the maintained counters match the list contents.
func (h *Heap) Check() *kernel.Error {
	if h.backing == nil {
		return errNotInitialized
	}

	var (
		prevOffset = nullOffset
		prevFree   bool
		used, free mem.Size
		blocks     uint32
		offset     uint32
	)

	for {
		hdr, err := h.readHeader(offset)
		if err != nil {
			return err
		}

		if hdr.prev != prevOffset {
			kfmt.Printf("[heap] block at offset 0x%x links back to 0x%x; expected 0x%x\n", offset, hdr.prev, prevOffset)
			return errInconsistent
		}

		isFree := hdr.state == blockFree
		if isFree && prevFree {
			kfmt.Printf("[heap] adjacent free blocks at offsets 0x%x and 0x%x\n", prevOffset, offset)
			return errInconsistent
		}

		if isFree {
			free += mem.Size(hdr.size)
		} else {
			used += mem.Size(hdr.size)
		}
		blocks++

		if hdr.next == nullOffset {
			if mem.Size(hdr.end()) != h.windowSize {
				kfmt.Printf("[heap] last block ends at offset 0x%x; window size is 0x%x\n", hdr.end(), uint64(h.windowSize))
				return errInconsistent
			}
			break
		}

		if hdr.next != hdr.end() {
			kfmt.Printf("[heap] gap between block at offset 0x%x and its successor at 0x%x\n", offset, hdr.next)
			return errInconsistent
		}

		prevOffset, prevFree, offset = offset, isFree, hdr.next
	}

	if used != h.usedBytes || free != h.freeBytes || blocks != h.blockCount {
		kfmt.Printf("[heap] counters out of sync: used %d/%d, free %d/%d, blocks %d/%d\n",
			uint64(used), uint64(h.usedBytes), uint64(free), uint64(h.freeBytes), blocks, h.blockCount)
		return errInconsistent
	}

	return nil
}

// blockForPointer returns the header of the block whose payload starts at
// ptr. The pointer must lie inside the window, be 4-byte aligned and
// reference a block that is part of the block list.
func (h *Heap) blockForPointer(ptr uintptr) (blockHeader, *kernel.Error) {
	if h.backing == nil {
		return blockHeader{}, errNotInitialized
	}

	if ptr < h.start+headerSize || ptr >= h.start+uintptr(h.windowSize) || (ptr-h.start)&3 != 0 {
		kfmt.Printf("[heap] pointer 0x%x does not reference a heap block\n", ptr)
		return blockHeader{}, ErrCorruptBlock
	}

	hdr, err := h.readHeader(uint32(ptr - h.start - headerSize))
	if err != nil {
		return blockHeader{}, err
	}

	// A header lookalike inside a payload is not linked from its
	// supposed predecessor.
	linked := hdr.prev == nullOffset && hdr.offset == 0
	if hdr.prev != nullOffset {
		if prev, err := h.readHeader(hdr.prev); err == nil && prev.next == hdr.offset {
			linked = true
		}
	}

	if !linked {
		kfmt.Printf("[heap] pointer 0x%x does not reference a heap block\n", ptr)
		return blockHeader{}, ErrCorruptBlock
	}

	return hdr, nil
}

func (h *Heap) payloadAddr(offset uint32) uintptr {
	return h.start + uintptr(offset) + headerSize
}

func alignSize(size mem.Size) mem.Size {
	return (size + 3) &^ 3
}
