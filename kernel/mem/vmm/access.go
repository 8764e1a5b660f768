package vmm

import (
	"encoding/binary"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/mem"
)

// Read copies len(dst) bytes starting at virtAddr into dst.
func (as *AddressSpace) Read(virtAddr uintptr, dst []byte) *kernel.Error {
	return as.visit(virtAddr, mem.Size(len(dst)), false, func(chunk []byte, offset mem.Size) {
		copy(dst[offset:], chunk)
	})
}

// Write copies src to the virtual memory starting at virtAddr. Writes to
// pages mapped without FlagRW fail with ErrPageProtection; in that case the
// pages preceding the read-only page have already been written.
func (as *AddressSpace) Write(virtAddr uintptr, src []byte) *kernel.Error {
	return as.visit(virtAddr, mem.Size(len(src)), true, func(chunk []byte, offset mem.Size) {
		copy(chunk, src[offset:])
	})
}

// ReadUint32 reads the little-endian 32-bit value stored at virtAddr.
func (as *AddressSpace) ReadUint32(virtAddr uintptr) (uint32, *kernel.Error) {
	var buf [4]byte
	if err := as.Read(virtAddr, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 stores value at virtAddr in little-endian order.
func (as *AddressSpace) WriteUint32(virtAddr uintptr, value uint32) *kernel.Error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return as.Write(virtAddr, buf[:])
}

// Memset sets size bytes starting at virtAddr to value.
func (as *AddressSpace) Memset(virtAddr uintptr, value byte, size mem.Size) *kernel.Error {
	return as.visit(virtAddr, size, true, func(chunk []byte, _ mem.Size) {
		mem.Memset(chunk, value)
	})
}

// Memcopy copies size bytes from src to dst. The two regions may overlap.
func (as *AddressSpace) Memcopy(dst, src uintptr, size mem.Size) *kernel.Error {
	buf := make([]byte, size)
	if err := as.Read(src, buf); err != nil {
		return err
	}

	return as.Write(dst, buf)
}

// visit invokes fn for each page-sized chunk of the virtual range
// [virtAddr, virtAddr+size) with the physical memory backing that chunk and
// the chunk's offset from virtAddr. While paging is disabled virtual
// addresses are treated as physical addresses.
func (as *AddressSpace) visit(virtAddr uintptr, size mem.Size, write bool, fn func(chunk []byte, offset mem.Size)) *kernel.Error {
	if uint64(virtAddr)+uint64(size) > mem.MaxAddress+1 {
		return ErrInvalidMapping
	}

	for offset := mem.Size(0); offset < size; {
		addr := virtAddr + uintptr(offset)

		chunkSize := mem.PageSize - mem.Size(mem.PageOffset(addr))
		if remaining := size - offset; chunkSize > remaining {
			chunkSize = remaining
		}

		physAddr, err := as.physAddress(addr, write)
		if err != nil {
			return err
		}

		chunk, err := as.phys.Slice(physAddr, chunkSize)
		if err != nil {
			return err
		}

		fn(chunk, offset)
		offset += chunkSize
	}

	return nil
}

// physAddress returns the physical address that backs virtAddr checking
// that the page is writable when write is true.
func (as *AddressSpace) physAddress(virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	if !as.cpu.PagingEnabled() {
		return virtAddr, nil
	}

	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	if write && !pte.HasFlags(FlagRW) {
		return 0, ErrPageProtection
	}

	return pte.Frame().Address() + mem.PageOffset(virtAddr), nil
}
