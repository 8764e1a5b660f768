// Package console drives the text-mode display that the kernel log ends up
// on once paging is enabled.
package console

// Attr is a text cell attribute: the low nibble selects the foreground
// color and the high nibble the background color.
type Attr uint16

// Text-mode palette.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// DefaultAttr is used for kernel log output: light grey on black.
const DefaultAttr = LightGrey

// MakeAttr packs a foreground and a background color into a cell attribute.
func MakeAttr(fg, bg Attr) Attr {
	return (bg&0xf)<<4 | fg&0xf
}

// ScrollDir selects which way Scroll moves the console rows.
type ScrollDir uint8

const (
	// Up moves rows towards the top of the screen; the top rows are lost.
	Up ScrollDir = iota

	// Down moves rows towards the bottom; the bottom rows are lost.
	Down
)

// Console is a character-cell display. Coordinates outside the display are
// ignored by all operations.
type Console interface {
	Dimensions() (width, height uint16)
	Clear(x, y, width, height uint16)
	Scroll(dir ScrollDir, lines uint16)
	Write(ch byte, attr Attr, x, y uint16)
}
