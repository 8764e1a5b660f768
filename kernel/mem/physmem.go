package mem

import (
	"encoding/binary"

	"github.com/reekid420/os/kernel"
)

var (
	errPhysMemOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address range is not backed by memory"}
	errPhysMemInvalid    = &kernel.Error{Module: "physmem", Message: "physical memory size must be a non-zero multiple of the page size"}
)

// PhysicalMemory models the machine's RAM as a flat byte image addressed by
// physical addresses starting at 0. Page tables, the frame table and the
// contents of every mapped page live inside this image so all on-hardware
// data layouts are preserved.
//
// Multi-byte values are stored in little-endian order, matching the byte
// order of the 32-bit x86 target.
type PhysicalMemory struct {
	data    []byte
	release func([]byte) error
}

// NewPhysicalMemory reserves a zero-filled RAM image of the requested size.
// On platforms that support it, the image is backed by an anonymous memory
// mapping so untouched frames do not consume host memory.
func NewPhysicalMemory(size Size) (*PhysicalMemory, *kernel.Error) {
	if size == 0 || !size.PageAligned() || uint64(size) > MaxAddress+1 {
		return nil, errPhysMemInvalid
	}

	data, release, err := reserveRAM(int(size))
	if err != nil {
		return nil, &kernel.Error{Module: "physmem", Message: err.Error()}
	}

	return &PhysicalMemory{data: data, release: release}, nil
}

// Size returns the size of the RAM image in bytes.
func (m *PhysicalMemory) Size() Size {
	return Size(len(m.data))
}

// Contains returns true if the range [addr, addr+size) is backed by memory.
func (m *PhysicalMemory) Contains(addr uintptr, size Size) bool {
	end := uint64(addr) + uint64(size)
	return end >= uint64(addr) && end <= uint64(len(m.data))
}

// Slice returns a view of the physical address range [addr, addr+size).
// Writes to the returned slice modify the RAM image.
func (m *PhysicalMemory) Slice(addr uintptr, size Size) ([]byte, *kernel.Error) {
	if !m.Contains(addr, size) {
		return nil, errPhysMemOutOfRange
	}

	return m.data[addr : addr+uintptr(size)], nil
}

// Uint32 reads the 32-bit value stored at addr.
func (m *PhysicalMemory) Uint32(addr uintptr) (uint32, *kernel.Error) {
	buf, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// PutUint32 stores a 32-bit value at addr.
func (m *PhysicalMemory) PutUint32(addr uintptr, value uint32) *kernel.Error {
	buf, err := m.Slice(addr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(buf, value)
	return nil
}

// ClearFrame zero-fills the contents of a physical frame.
func (m *PhysicalMemory) ClearFrame(frame Frame) *kernel.Error {
	buf, err := m.Slice(frame.Address(), PageSize)
	if err != nil {
		return err
	}

	Memset(buf, 0)
	return nil
}

// Release returns the RAM image to the host. The PhysicalMemory must not be
// used after calling Release.
func (m *PhysicalMemory) Release() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return m.release(data)
}
