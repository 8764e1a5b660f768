// Package tty provides terminal drivers that render text on a console.
package tty

import (
	"io"
	"sync"

	"github.com/reekid420/os/kernel/driver/video/console"
)

const (
	// DefaultTabWidth defines the number of spaces that tabs expand to.
	DefaultTabWidth = 4
)

// Vt implements a simple terminal that uses a console device for its output.
// The terminal interprets the following special characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to DefaultTabWidth spaces)
type Vt struct {
	mu sync.Mutex

	cons console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// AttachTo connects the terminal to a console instance and resets the cursor
// position.
func (t *Vt) AttachTo(cons console.Console) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX = 0
	t.curY = 0

	// Default to lightgrey on black text.
	t.curAttr = console.DefaultAttr
}

// Dimensions returns the terminal width and height in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cons != nil {
		t.cons.Clear(0, 0, t.width, t.height)
	}
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Vt) SetPosition(x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.setPosition(x, y)
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cons == nil {
		return 0, io.ErrClosedPipe
	}

	for _, b := range data {
		t.writeByte(b)
	}

	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *Vt) WriteByte(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cons == nil {
		return io.ErrClosedPipe
	}

	t.writeByte(b)
	return nil
}

// WriteAtPosition writes a character with the given attribute at (x, y)
// without moving the cursor.
func (t *Vt) WriteAtPosition(x, y uint16, attr console.Attr, b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cons != nil {
		t.cons.Write(b, attr, x, y)
	}
}

func (t *Vt) setPosition(x, y uint16) {
	if x >= t.width {
		x = t.width - 1
	}

	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

func (t *Vt) writeByte(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.curX--
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
		}
	case '\t':
		for i := 0; i < DefaultTabWidth; i++ {
			t.put(' ')
		}
	default:
		t.put(b)
	}
}

// put writes b at the cursor position and advances the cursor, wrapping to
// the next line when the end of the current line is reached.
func (t *Vt) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.cr()
		t.lf()
	}
}

// cr resets the x coordinate of the terminal cursor to 0.
func (t *Vt) cr() {
	t.curX = 0
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
