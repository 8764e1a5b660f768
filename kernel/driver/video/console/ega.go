package console

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/reekid420/os/kernel"
	"github.com/reekid420/os/kernel/mem"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// Each character cell is encoded as {char, attr}.
	cellSize = 2
)

// Memory is implemented by address spaces that provide access to the
// memory holding the console frame buffer.
type Memory interface {
	Read(addr uintptr, dst []byte) *kernel.Error
	Write(addr uintptr, src []byte) *kernel.Error
	Memcopy(dst, src uintptr, size mem.Size) *kernel.Error
}

// Ega implements an EGA-compatible text console whose frame buffer is
// accessed through a Memory implementation. Errors reported by the memory
// are recorded and can be retrieved via Err.
type Ega struct {
	sync.Mutex

	width  uint16
	height uint16

	mem    Memory
	fbAddr uintptr
	err    *kernel.Error
}

// Init sets up the console.
func (cons *Ega) Init(width, height uint16, memory Memory, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.mem = memory
	cons.fbAddr = fbAddr
	cons.err = nil
}

// Err returns the first error encountered while accessing the frame buffer.
func (cons *Ega) Err() *kernel.Error {
	return cons.err
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	if width == 0 {
		return
	}

	row := make([]byte, int(width)*cellSize)
	for i := 0; i < len(row); i += cellSize {
		binary.LittleEndian.PutUint16(row[i:], makeCell(clearChar, MakeAttr(clearColor, clearColor)))
	}

	for ; height > 0; height, y = height-1, y+1 {
		cons.record(cons.mem.Write(cons.cellAddr(x, y), row))
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var (
		size   = mem.Size(cons.height-lines) * mem.Size(cons.width) * cellSize
		offset = uintptr(lines) * uintptr(cons.width) * cellSize
	)

	switch dir {
	case Up:
		cons.record(cons.mem.Memcopy(cons.fbAddr, cons.fbAddr+offset, size))
	case Down:
		cons.record(cons.mem.Memcopy(cons.fbAddr+offset, cons.fbAddr, size))
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	var cell [cellSize]byte
	binary.LittleEndian.PutUint16(cell[:], makeCell(ch, attr))
	cons.record(cons.mem.Write(cons.cellAddr(x, y), cell[:]))
}

// Char returns the character stored at the specified location.
func (cons *Ega) Char(x, y uint16) byte {
	if x >= cons.width || y >= cons.height {
		return 0
	}

	var cell [cellSize]byte
	cons.record(cons.mem.Read(cons.cellAddr(x, y), cell[:]))
	return cell[0]
}

// Lines returns the text contents of the console with trailing blanks
// removed from each line.
func (cons *Ega) Lines() []string {
	var (
		lines = make([]string, 0, cons.height)
		row   = make([]byte, int(cons.width)*cellSize)
		text  = make([]byte, cons.width)
	)

	for y := uint16(0); y < cons.height; y++ {
		cons.record(cons.mem.Read(cons.cellAddr(0, y), row))
		for x := range text {
			if text[x] = row[x*cellSize]; text[x] == 0 {
				text[x] = clearChar
			}
		}
		lines = append(lines, strings.TrimRight(string(text), " "))
	}

	return lines
}

func (cons *Ega) cellAddr(x, y uint16) uintptr {
	return cons.fbAddr + (uintptr(y)*uintptr(cons.width)+uintptr(x))*cellSize
}

func (cons *Ega) record(err *kernel.Error) {
	if err != nil && cons.err == nil {
		cons.err = err
	}
}

func makeCell(ch byte, attr Attr) uint16 {
	return (uint16(attr) << 8) | uint16(ch)
}
