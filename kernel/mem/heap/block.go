package heap

import (
	"encoding/binary"
	"math"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/kfmt"
	"github.com/reekid420/os/kernel/mem"
)

const (
	blockSignature = uint32(0x12345678)

	// headerSize is the size of the encoded block header:
	// {signature u32, size u32, state u8, pad [3]u8, prev u32, next u32}.
	headerSize = 20

	// A block is split only when the remainder can hold a header and at
	// least minSplitPayload bytes.
	minSplitPayload = 32

	// nullOffset terminates the block list in either direction.
	nullOffset = uint32(math.MaxUint32)
)

type blockState uint8

const (
	blockFree blockState = iota
	blockUsed
)

// String implements fmt.Stringer for blockState.
func (s blockState) String() string {
	if s == blockFree {
		return "free"
	}
	return "used"
}

// blockHeader is the decoded form of the header that precedes every block in
// the heap window. Links are expressed as offsets from the window start.
type blockHeader struct {
	offset uint32
	size   uint32
	state  blockState
	prev   uint32
	next   uint32
}

// end returns the window offset of the first byte past this block.
func (b *blockHeader) end() uint32 {
	return b.offset + headerSize + b.size
}

func (b *blockHeader) encode(buf *[headerSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:], blockSignature)
	binary.LittleEndian.PutUint32(buf[4:], b.size)
	buf[8], buf[9], buf[10], buf[11] = byte(b.state), 0, 0, 0
	binary.LittleEndian.PutUint32(buf[12:], b.prev)
	binary.LittleEndian.PutUint32(buf[16:], b.next)
}

// readHeader decodes the header stored at the supplied window offset. Headers
// outside the window, with an invalid signature or with an unknown state are
// reported and rejected with ErrCorruptBlock.
func (h *Heap) readHeader(offset uint32) (blockHeader, *kernel.Error) {
	var buf [headerSize]byte

	if uint64(offset)+headerSize > uint64(h.windowSize) {
		kfmt.Printf("[heap] block offset 0x%x lies outside the heap window\n", offset)
		return blockHeader{}, ErrCorruptBlock
	}

	if err := h.mem.Read(h.start+uintptr(offset), buf[:]); err != nil {
		return blockHeader{}, err
	}

	if sig := binary.LittleEndian.Uint32(buf[0:]); sig != blockSignature {
		kfmt.Printf("[heap] bad signature 0x%x for block at 0x%x\n", sig, h.start+uintptr(offset))
		return blockHeader{}, ErrCorruptBlock
	}

	hdr := blockHeader{
		offset: offset,
		size:   binary.LittleEndian.Uint32(buf[4:]),
		state:  blockState(buf[8]),
		prev:   binary.LittleEndian.Uint32(buf[12:]),
		next:   binary.LittleEndian.Uint32(buf[16:]),
	}

	if hdr.state > blockUsed || uint64(offset)+headerSize+uint64(hdr.size) > uint64(h.windowSize) {
		kfmt.Printf("[heap] malformed header for block at 0x%x\n", h.start+uintptr(offset))
		return blockHeader{}, ErrCorruptBlock
	}

	return hdr, nil
}

func (h *Heap) writeHeader(hdr *blockHeader) *kernel.Error {
	var buf [headerSize]byte
	hdr.encode(&buf)
	return h.mem.Write(h.start+uintptr(hdr.offset), buf[:])
}

// invalidateHeader wipes the signature of a header that got absorbed by a
// merge so stale pointers to it are detected.
func (h *Heap) invalidateHeader(offset uint32) *kernel.Error {
	return h.mem.Memset(h.start+uintptr(offset), 0, 4)
}

// setPrev updates the back link of the block at offset.
func (h *Heap) setPrev(offset, prev uint32) *kernel.Error {
	if offset == nullOffset {
		return nil
	}

	hdr, err := h.readHeader(offset)
	if err != nil {
		return err
	}

	hdr.prev = prev
	return h.writeHeader(&hdr)
}

// split carves the payload of hdr past its first size bytes into a new free
// block, coalescing it with a free successor. The caller is responsible for
// persisting hdr. Counters are only updated once the tail header is in place.
func (h *Heap) split(hdr *blockHeader, size uint32) *kernel.Error {
	tail := blockHeader{
		offset: hdr.offset + headerSize + size,
		size:   hdr.size - size - headerSize,
		state:  blockFree,
		prev:   hdr.offset,
		next:   hdr.next,
	}

	if err := h.setPrev(tail.next, tail.offset); err != nil {
		return err
	}

	if err := h.writeHeader(&tail); err != nil {
		return err
	}

	hdr.size = size
	hdr.next = tail.offset

	h.blockCount++
	h.freeBytes += mem.Size(tail.size)

	return h.mergeNext(&tail)
}

// mergeNext absorbs the successor of the free block hdr if it is also free.
// The updated hdr is persisted.
func (h *Heap) mergeNext(hdr *blockHeader) *kernel.Error {
	if hdr.state != blockFree || hdr.next == nullOffset {
		return h.writeHeader(hdr)
	}

	next, err := h.readHeader(hdr.next)
	if err != nil {
		return err
	}

	if next.state != blockFree {
		return h.writeHeader(hdr)
	}

	if err = h.setPrev(next.next, hdr.offset); err != nil {
		return err
	}

	hdr.size += headerSize + next.size
	hdr.next = next.next

	if err = h.writeHeader(hdr); err != nil {
		return err
	}

	h.blockCount--
	h.freeBytes += headerSize

	return h.invalidateHeader(next.offset)
}
