package vmm

import (
	"testing"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/cpu"
	"github.com/reekid420/os/kernel/mem"
	"github.com/reekid420/os/kernel/mem/pmm"
	"github.com/reekid420/os/kernel/multiboot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhysSize = 8 * mem.Mb

type testEnv struct {
	phys   *mem.PhysicalMemory
	cpu    *cpu.Emulated
	frames *pmm.FrameAllocator
	as     *AddressSpace
}

func newTestEnv(t *testing.T) *testEnv {
	phys, err := mem.NewPhysicalMemory(testPhysSize)
	require.Nil(t, err)
	t.Cleanup(func() { _ = phys.Release() })

	memMap := multiboot.AppendMemoryMapEntry(nil, multiboot.MemoryMapEntry{
		Length: uint64(testPhysSize),
		Type:   multiboot.MemAvailable,
	})

	c := cpu.NewEmulated()
	frames := pmm.NewFrameAllocator(phys, c)
	require.Nil(t, frames.Init(memMap, uintptr(1*mem.Mb), uintptr(1*mem.Mb+200*mem.Kb)))

	as := NewAddressSpace(phys, frames, c)
	require.Nil(t, as.Init())

	return &testEnv{phys: phys, cpu: c, frames: frames, as: as}
}

type failingFrameAllocator struct {
	freed []mem.Frame
}

func (a *failingFrameAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	return mem.InvalidFrame, pmm.ErrOutOfMemory
}

func (a *failingFrameAllocator) FreeFrame(frame mem.Frame) {
	a.freed = append(a.freed, frame)
}

func TestAddressSpaceInit(t *testing.T) {
	env := newTestEnv(t)

	pdt := env.as.ActivePDT()
	require.True(t, pdt.Frame().Valid())
	assert.Equal(t, pmm.FrameUsed, env.frames.FrameState(pdt.Frame()))
	assert.True(t, env.cpu.InterruptsEnabled())
	assert.Equal(t, 0, env.cpu.SwitchCount, "Init must not load the directory into the CPU")

	contents, err := env.phys.Slice(pdt.Frame().Address(), mem.PageSize)
	require.Nil(t, err)
	for index, b := range contents {
		if b != 0 {
			t.Fatalf("expected page directory to be cleared; byte %d is 0x%x", index, b)
		}
	}

	t.Run("no active directory", func(t *testing.T) {
		as := NewAddressSpace(env.phys, env.frames, env.cpu)
		assert.Equal(t, errNoActivePDT, as.Map(mem.Page(1), mem.Frame(1), FlagRW))
		_, err := as.Translate(0x1000)
		assert.Equal(t, errNoActivePDT, err)
		assert.Equal(t, errNoActivePDT, as.Enable(mem.DefaultLayout()))
	})

	t.Run("out of frames", func(t *testing.T) {
		as := NewAddressSpace(env.phys, &failingFrameAllocator{}, env.cpu)
		assert.Equal(t, pmm.ErrOutOfMemory, as.Init())
		assert.False(t, as.ActivePDT().Frame().Valid())
	})
}

func TestMapTranslateUnmap(t *testing.T) {
	env := newTestEnv(t)
	env.cpu.EnablePaging()

	var (
		page        = mem.PageFromAddress(0x400000)
		frame       = mem.FrameFromAddress(0x2000)
		usedBefore  = env.frames.UsedCount()
		flushBefore = env.cpu.FlushCount
	)

	require.Nil(t, env.as.Map(page, frame, FlagRW))
	assert.Equal(t, usedBefore+1, env.frames.UsedCount(), "expected a frame to be allocated for the page table")
	assert.Equal(t, flushBefore+1, env.cpu.FlushCount)

	require.Nil(t, env.as.Write(0x400000, []byte{0x42}))
	physByte, err := env.phys.Slice(0x2000, 1)
	require.Nil(t, err)
	assert.Equal(t, byte(0x42), physByte[0])

	physAddr, err := env.as.Translate(0x400000)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x2000), physAddr)

	physAddr, err = env.as.Translate(0x400abc)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x2abc), physAddr)

	require.Nil(t, env.as.WriteUint32(0x400010, 0xdeadbeef))
	value, err := env.as.ReadUint32(0x400010)
	require.Nil(t, err)
	assert.Equal(t, uint32(0xdeadbeef), value)

	require.Nil(t, env.as.Unmap(page))
	_, err = env.as.Translate(0x400000)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, usedBefore, env.frames.UsedCount(), "expected the empty page table to be reclaimed")
	assert.Equal(t, flushBefore+2, env.cpu.FlushCount)

	dirIndex, _ := pageIndices(page)
	dirEntry, err := env.as.readEntry(env.as.ActivePDT().Frame(), dirIndex)
	require.Nil(t, err)
	assert.Equal(t, PageTableEntry(0), dirEntry)

	_, err = env.as.ReadUint32(0x400000)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.True(t, env.cpu.InterruptsEnabled())
}

func TestMapInstallsEntries(t *testing.T) {
	env := newTestEnv(t)

	page := mem.PageFromAddress(0xd0001000)
	require.Nil(t, env.as.Map(page, mem.Frame(0x200), FlagRW|FlagUserAccessible))

	dirIndex, tableIndex := pageIndices(page)
	dirEntry, err := env.as.readEntry(env.as.ActivePDT().Frame(), dirIndex)
	require.Nil(t, err)
	assert.True(t, dirEntry.HasFlags(FlagPresent|FlagRW|FlagUserAccessible))
	assert.Equal(t, pmm.FrameUsed, env.frames.FrameState(dirEntry.Frame()))

	pte, err := env.as.readEntry(dirEntry.Frame(), tableIndex)
	require.Nil(t, err)
	assert.Equal(t, PageTableEntry(0x200000|uint32(FlagPresent|FlagRW|FlagUserAccessible)), pte)
}

func TestMapErrors(t *testing.T) {
	env := newTestEnv(t)
	page := mem.PageFromAddress(0x2000)

	require.Nil(t, env.as.Map(page, mem.Frame(0x400), FlagRW))

	t.Run("same mapping is a no-op", func(t *testing.T) {
		usedCount := env.frames.UsedCount()
		assert.Nil(t, env.as.Map(page, mem.Frame(0x400), FlagRW))
		assert.Equal(t, usedCount, env.frames.UsedCount())
	})

	t.Run("different frame", func(t *testing.T) {
		assert.Equal(t, ErrAlreadyMapped, env.as.Map(page, mem.Frame(0x401), FlagRW))
	})

	t.Run("different flags", func(t *testing.T) {
		assert.Equal(t, ErrAlreadyMapped, env.as.Map(page, mem.Frame(0x400), 0))
	})

	t.Run("existing mapping untouched", func(t *testing.T) {
		physAddr, err := env.as.Translate(page.Address())
		require.Nil(t, err)
		assert.Equal(t, uintptr(0x400000), physAddr)
	})

	t.Run("huge pages", func(t *testing.T) {
		assert.Equal(t, errNoHugePageSupport, env.as.Map(mem.Page(0x10000), mem.Frame(0x400), FlagRW|FlagHugePage))

		// Manually install a huge page directory entry
		hugeEntry := newEntry(mem.Frame(0x800), FlagRW|FlagHugePage)
		require.Nil(t, env.as.writeEntry(env.as.ActivePDT().Frame(), 0x100, hugeEntry))
		assert.Equal(t, errNoHugePageSupport, env.as.Map(mem.Page(0x100<<10), mem.Frame(0x400), FlagRW))
		assert.Equal(t, errNoHugePageSupport, env.as.Unmap(mem.Page(0x100<<10)))
	})

	t.Run("page table allocation failure", func(t *testing.T) {
		origFrames := env.as.frames
		defer func() { env.as.frames = origFrames }()
		env.as.frames = &failingFrameAllocator{}

		newPage := mem.PageFromAddress(0x800000)
		assert.Equal(t, pmm.ErrOutOfMemory, env.as.Map(newPage, mem.Frame(0x400), FlagRW))

		dirIndex, _ := pageIndices(newPage)
		dirEntry, err := env.as.readEntry(env.as.ActivePDT().Frame(), dirIndex)
		require.Nil(t, err)
		assert.Equal(t, PageTableEntry(0), dirEntry, "directory must not reference a table when allocation fails")

		// Pages that reuse an existing table do not need new frames
		assert.Nil(t, env.as.Map(mem.PageFromAddress(0x3000), mem.Frame(0x402), FlagRW))
	})
}

func TestMapRegion(t *testing.T) {
	env := newTestEnv(t)

	// Region spans two page tables
	startPage := mem.PageFromAddress(0x3fe000)
	require.Nil(t, env.as.MapRegion(startPage, mem.Frame(0x500), 3*mem.PageSize+1, FlagRW))

	for index, expAddr := range []uintptr{0x500000, 0x501000, 0x502000, 0x503000} {
		physAddr, err := env.as.Translate((startPage + mem.Page(index)).Address())
		require.Nil(t, err)
		assert.Equal(t, expAddr, physAddr)
	}

	_, err := env.as.Translate((startPage + 4).Address())
	assert.Equal(t, ErrInvalidMapping, err)

	assert.Equal(t, ErrInvalidMapping, env.as.MapRegion(mem.Page(0xfffff), mem.Frame(0), 2*mem.PageSize, FlagRW))
}

func TestIdentityMapRegion(t *testing.T) {
	env := newTestEnv(t)

	page, err := env.as.IdentityMapRegion(mem.Frame(0x10), 2*mem.PageSize, FlagRW)
	require.Nil(t, err)
	assert.Equal(t, mem.Page(0x10), page)

	pte, err := env.as.pteForAddress(0x11000)
	require.Nil(t, err)
	assert.True(t, pte.HasFlags(FlagPresent|FlagRW|FlagIdentity))
	assert.Equal(t, mem.Frame(0x11), pte.Frame())
}

func TestUnmapErrors(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, ErrInvalidMapping, env.as.Unmap(mem.PageFromAddress(0x2000)))

	require.Nil(t, env.as.Map(mem.PageFromAddress(0x2000), mem.Frame(0x400), FlagRW))
	require.Nil(t, env.as.Map(mem.PageFromAddress(0x3000), mem.Frame(0x401), FlagRW))
	assert.Equal(t, ErrInvalidMapping, env.as.Unmap(mem.PageFromAddress(0x4000)))

	usedCount := env.frames.UsedCount()
	require.Nil(t, env.as.Unmap(mem.PageFromAddress(0x2000)))
	assert.Equal(t, usedCount, env.frames.UsedCount(), "page table still in use must not be released")

	physAddr, err := env.as.Translate(0x3000)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x401000), physAddr)

	require.Nil(t, env.as.Unmap(mem.PageFromAddress(0x3000)))
	assert.Equal(t, usedCount-1, env.frames.UsedCount())
}

func TestTranslateOutOfRange(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.as.Translate(uintptr(mem.MaxAddress) + 1)
	assert.Equal(t, ErrInvalidMapping, err)
}

func TestMutationsMaskInterrupts(t *testing.T) {
	env := newTestEnv(t)

	var flushes int
	env.cpu.OnFlush = func(uintptr) {
		flushes++
		assert.False(t, env.cpu.InterruptsEnabled(), "TLB flush issued with interrupts enabled")
	}

	require.Nil(t, env.as.Map(mem.PageFromAddress(0x2000), mem.Frame(0x400), FlagRW))
	require.Nil(t, env.as.Unmap(mem.PageFromAddress(0x2000)))
	assert.Equal(t, 2, flushes)
	assert.True(t, env.cpu.InterruptsEnabled())
}

func TestSwitch(t *testing.T) {
	env := newTestEnv(t)
	origPDT := env.as.ActivePDT()

	require.Nil(t, env.as.Map(mem.PageFromAddress(0x2000), mem.Frame(0x400), FlagRW))

	newPDT, err := env.as.NewPageDirectoryTable()
	require.Nil(t, err)
	assert.NotEqual(t, origPDT.Frame(), newPDT.Frame())

	env.as.Switch(newPDT)
	assert.Equal(t, newPDT, env.as.ActivePDT())
	assert.Equal(t, newPDT.Frame().Address(), env.cpu.ActivePDT())
	assert.Equal(t, 1, env.cpu.SwitchCount)

	_, err = env.as.Translate(0x2000)
	assert.Equal(t, ErrInvalidMapping, err)

	env.as.Switch(origPDT)
	physAddr, err := env.as.Translate(0x2000)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x400000), physAddr)
}

func TestEnable(t *testing.T) {
	env := newTestEnv(t)
	layout := mem.DefaultLayout()

	require.Nil(t, env.as.Enable(layout))
	assert.True(t, env.cpu.PagingEnabled())
	assert.Equal(t, env.as.ActivePDT().Frame().Address(), env.cpu.ActivePDT())
	assert.True(t, env.cpu.InterruptsEnabled())

	for _, virtAddr := range []uintptr{0x0, 0xb8000, 0x100123, 0xfff000, 0x1000000, 0x1fffffc} {
		physAddr, err := env.as.Translate(virtAddr)
		require.Nil(t, err, "expected 0x%x to be identity-mapped", virtAddr)
		assert.Equal(t, virtAddr, physAddr)
	}

	_, err := env.as.Translate(0x2000000)
	assert.Equal(t, ErrInvalidMapping, err)

	pte, err := env.as.pteForAddress(0xb8000)
	require.Nil(t, err)
	assert.True(t, pte.HasFlags(FlagPresent|FlagRW|FlagIdentity))

	assert.Equal(t, ErrPagingEnabled, env.as.Enable(layout))
	assert.Nil(t, env.as.Verify(env.frames))
}

func TestEnableVideoBufferOutsideIdentityRegion(t *testing.T) {
	env := newTestEnv(t)

	layout := mem.Layout{
		KernelIdentitySize: 2 * mem.Mb,
		VideoBufferAddr:    0x300000,
	}
	require.Nil(t, env.as.Enable(layout))

	physAddr, err := env.as.Translate(0x300010)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x300010), physAddr)

	for _, virtAddr := range []uintptr{0x200000, 0x301000} {
		_, err = env.as.Translate(virtAddr)
		assert.Equal(t, ErrInvalidMapping, err, "0x%x should not be mapped", virtAddr)
	}
}

func TestVirtualMemoryAccess(t *testing.T) {
	env := newTestEnv(t)

	t.Run("paging disabled", func(t *testing.T) {
		require.Nil(t, env.as.WriteUint32(0x600000, 0xcafebabe))
		value, err := env.phys.Uint32(0x600000)
		require.Nil(t, err)
		assert.Equal(t, uint32(0xcafebabe), value)
	})

	// Map two consecutive pages to non-contiguous frames
	require.Nil(t, env.as.Map(mem.PageFromAddress(0x10000), mem.Frame(0x500), FlagRW))
	require.Nil(t, env.as.Map(mem.PageFromAddress(0x11000), mem.Frame(0x700), FlagRW))
	require.Nil(t, env.as.Map(mem.PageFromAddress(0x12000), mem.Frame(0x701), 0))
	env.cpu.EnablePaging()

	t.Run("write across page boundary", func(t *testing.T) {
		require.Nil(t, env.as.Write(0x10ffe, []byte{1, 2, 3, 4}))

		lo, err := env.phys.Slice(0x500ffe, 2)
		require.Nil(t, err)
		hi, err := env.phys.Slice(0x700000, 2)
		require.Nil(t, err)
		assert.Equal(t, []byte{1, 2}, lo)
		assert.Equal(t, []byte{3, 4}, hi)

		buf := make([]byte, 4)
		require.Nil(t, env.as.Read(0x10ffe, buf))
		assert.Equal(t, []byte{1, 2, 3, 4}, buf)
	})

	t.Run("memset", func(t *testing.T) {
		require.Nil(t, env.as.Memset(0x10800, 0xaa, mem.PageSize))

		buf := make([]byte, mem.PageSize)
		require.Nil(t, env.as.Read(0x10800, buf))
		for index, b := range buf {
			if b != 0xaa {
				t.Fatalf("expected byte %d to be 0xaa; got 0x%x", index, b)
			}
		}
	})

	t.Run("memcopy with overlap", func(t *testing.T) {
		require.Nil(t, env.as.Write(0x10000, []byte{1, 2, 3, 4, 5, 6}))
		require.Nil(t, env.as.Memcopy(0x10002, 0x10000, 4))

		buf := make([]byte, 6)
		require.Nil(t, env.as.Read(0x10000, buf))
		assert.Equal(t, []byte{1, 2, 1, 2, 3, 4}, buf)
	})

	t.Run("read-only page", func(t *testing.T) {
		assert.Equal(t, ErrPageProtection, env.as.WriteUint32(0x12000, 1))
		assert.Equal(t, ErrPageProtection, env.as.Memset(0x11ffc, 0, 8))

		_, err := env.as.ReadUint32(0x12000)
		assert.Nil(t, err)
	})

	t.Run("unmapped page", func(t *testing.T) {
		assert.Equal(t, ErrInvalidMapping, env.as.Write(0x13000, []byte{1}))
		assert.Equal(t, ErrInvalidMapping, env.as.Read(uintptr(mem.MaxAddress), make([]byte, 2)))
	})
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)

	frame, err := env.frames.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, env.as.Map(mem.PageFromAddress(0x2000), frame, FlagRW))
	assert.Nil(t, env.as.Verify(env.frames))

	// Identity mappings may point to frames owned by nobody
	_, err = env.as.IdentityMapRegion(mem.Frame(0x600), mem.PageSize, FlagRW)
	require.Nil(t, err)
	assert.Nil(t, env.as.Verify(env.frames))

	env.frames.FreeFrame(frame)
	assert.Equal(t, ErrInconsistentMapping, env.as.Verify(env.frames))

	require.Nil(t, env.as.Unmap(mem.PageFromAddress(0x2000)))
	assert.Nil(t, env.as.Verify(env.frames))

	env.frames.FreeFrame(env.as.ActivePDT().Frame())
	assert.Equal(t, ErrInconsistentMapping, env.as.Verify(env.frames))

	assert.Equal(t, errNoActivePDT, NewAddressSpace(env.phys, env.frames, env.cpu).Verify(env.frames))
}
