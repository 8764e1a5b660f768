// Package kmain wires the kernel subsystems together and drives the boot
// sequence.
package kmain

import (
	"bytes"
	"io"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/hal"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/mem/heap"
	"github.com/reekid420/os/kernel/mem/pmm"
	"github.com/reekid420/os/kernel/mem/vmm"
	"github.com/reekid420/os/kernel/multiboot"
)

var (
	// panicFn is used by tests to intercept boot failures.
	panicFn = kfmt.Panic

	errSelfTestFailed = &kernel.Error{Module: "kmain", Message: "heap self-test failed"}
)

// BootInfo describes the information handed to the kernel by the boot
// loader and the link step.
type BootInfo struct {
	// MemoryMap is the raw memory map supplied by the boot loader.
	MemoryMap multiboot.MemoryMap

	// CmdLine is the kernel command line. Recognized key=value pairs
	// override the default memory layout.
	CmdLine string

	// KernelStart and KernelEnd define the physical address range
	// occupied by the kernel image.
	KernelStart uintptr
	KernelEnd   uintptr

	// HostLog, if set, receives a copy of everything the kernel prints,
	// including output produced before the boot terminal exists and the
	// banner of a kernel panic.
	HostLog io.Writer
}

// Kernel holds the state of the memory management subsystems.
type Kernel struct {
	Layout       mem.Layout
	Frames       *pmm.FrameAllocator
	AddressSpace *vmm.AddressSpace
	Heap         *heap.Heap
	Terminal     *hal.Terminal
}

// Init brings up the kernel's memory management stack on top of the supplied
// physical memory: it initializes the frame allocator from the boot memory
// map, builds the kernel page directory, enables paging, attaches the boot
// terminal as the kfmt output sink and sets up the kernel heap.
func Init(info BootInfo, phys *mem.PhysicalMemory, c cpu.CPU) (*Kernel, *kernel.Error) {
	k := &Kernel{Layout: mem.DefaultLayout()}

	if info.HostLog != nil {
		kfmt.SetOutputSink(info.HostLog)
	}

	if err := k.Layout.ApplyCmdLine(multiboot.ParseBootCmdLine(info.CmdLine)); err != nil {
		return nil, err
	}

	if err := k.Layout.Validate(); err != nil {
		return nil, err
	}

	pmm.PrintMemoryMap(kfmt.Output(), info.MemoryMap)

	k.Frames = pmm.NewFrameAllocator(phys, c)
	if err := k.Frames.Init(info.MemoryMap, info.KernelStart, info.KernelEnd); err != nil {
		return nil, err
	}
	kfmt.Printf("[kmain] free pages: %d\n", k.Frames.FreeCount())

	k.AddressSpace = vmm.NewAddressSpace(phys, k.Frames, c)
	if err := k.AddressSpace.Init(); err != nil {
		return nil, err
	}

	if err := k.AddressSpace.Enable(k.Layout); err != nil {
		return nil, err
	}

	k.Terminal = hal.InitTerminal(k.AddressSpace, k.Layout.VideoBufferAddr)
	if info.HostLog != nil {
		kfmt.SetOutputSink(io.MultiWriter(k.Terminal, info.HostLog))
	} else {
		kfmt.SetOutputSink(k.Terminal)
	}

	k.Heap = heap.New(k.AddressSpace, k.Frames, c)
	if err := k.Heap.Init(k.Layout.HeapStart, k.Layout.HeapInitialSize); err != nil {
		return nil, err
	}

	if err := k.AddressSpace.Verify(k.Frames); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] memory management initialized\n")
	return k, nil
}

// Kmain boots the kernel and runs the heap self-test. Unrecoverable errors
// are reported via kfmt.Panic which halts the CPU.
func Kmain(info BootInfo, phys *mem.PhysicalMemory, c cpu.CPU) *Kernel {
	k, err := Init(info, phys, c)
	if err != nil {
		panicFn(err)
		return nil
	}

	if err = k.SelfTest(); err != nil {
		panicFn(err)
		return nil
	}

	return k
}

// SelfTest exercises the heap allocation API and reports the heap statistics.
func (k *Kernel) SelfTest() *kernel.Error {
	kfmt.Printf("\n[kmain] testing heap allocator\n")

	// basic allocation
	str, err := k.Heap.Allocate(32)
	if err != nil {
		return err
	}

	if err = k.AddressSpace.Memset(str, 'A', 31); err != nil {
		return err
	}
	if err = k.AddressSpace.Write(str+31, []byte{0}); err != nil {
		return err
	}

	buf := make([]byte, 32)
	if err = k.AddressSpace.Read(str, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, append(bytes.Repeat([]byte{'A'}, 31), 0)) {
		return errSelfTestFailed
	}
	kfmt.Printf("[kmain] allocated 32 bytes: %s\n", buf[:31])

	if err = k.Heap.Free(str); err != nil {
		return err
	}

	// zeroed array allocation
	numbers, err := k.Heap.AllocateZeroed(5, 4)
	if err != nil {
		return err
	}

	buf = make([]byte, 5*4)
	if err = k.AddressSpace.Read(numbers, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		return errSelfTestFailed
	}
	kfmt.Printf("[kmain] allocated and zeroed a 5-element array\n")

	if err = k.Heap.Free(numbers); err != nil {
		return err
	}

	// reallocation
	dynamic, err := k.Heap.Allocate(16)
	if err != nil {
		return err
	}

	if err = k.AddressSpace.Memset(dynamic, 'B', 15); err != nil {
		return err
	}

	if dynamic, err = k.Heap.Reallocate(dynamic, 32); err != nil {
		return err
	}
	if err = k.AddressSpace.Write(dynamic+31, []byte{0}); err != nil {
		return err
	}

	buf = make([]byte, 15)
	if err = k.AddressSpace.Read(dynamic, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{'B'}, 15)) {
		return errSelfTestFailed
	}
	kfmt.Printf("[kmain] reallocated 16 to 32 bytes\n")

	if err = k.Heap.Free(dynamic); err != nil {
		return err
	}

	if err = k.Heap.Check(); err != nil {
		return err
	}

	kfmt.Printf("[kmain] heap statistics: free %d bytes, used %d bytes\n", uint64(k.Heap.FreeBytes()), uint64(k.Heap.UsedBytes()))
	return nil
}

// Boundaries of the legacy PC memory areas.
const (
	ebdaStart     = 0x9fc00
	biosROMStart  = 0xf0000
	extendedStart = 0x100000
)

// EmulatedMemoryMap returns a memory map resembling the one reported by a PC
// boot loader for a machine with ramSize bytes of RAM: conventional memory
// below the EBDA, the reserved EBDA and BIOS areas and, for machines with
// more than 1Mb of RAM, the extended memory above 1Mb.
func EmulatedMemoryMap(ramSize mem.Size) multiboot.MemoryMap {
	conventional := uint64(ebdaStart)
	if uint64(ramSize) < conventional {
		conventional = uint64(ramSize)
	}

	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: conventional, Type: multiboot.MemAvailable},
		{PhysAddress: ebdaStart, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: biosROMStart, Length: extendedStart - biosROMStart, Type: multiboot.MemReserved},
	}
	if uint64(ramSize) > extendedStart {
		regions = append(regions, multiboot.MemoryMapEntry{
			PhysAddress: extendedStart,
			Length:      uint64(ramSize) - extendedStart,
			Type:        multiboot.MemAvailable,
		})
	}

	var memMap multiboot.MemoryMap
	for _, region := range regions {
		memMap = multiboot.AppendMemoryMapEntry(memMap, region)
	}
	return memMap
}
