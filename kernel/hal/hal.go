// Package hal sets up the hardware devices used by the kernel during boot.
package hal

import (
	"github.com/reekid420/os/kernel/driver/tty"
	"github.com/reekid420/os/kernel/driver/video/console"
)

// Dimensions of the text-mode frame buffer set up by the boot loader.
const (
	TextModeWidth  = 80
	TextModeHeight = 25
)

// Terminal bundles the boot console with the terminal attached to it.
type Terminal struct {
	*tty.Vt

	// Console is the EGA console backing the terminal.
	Console *console.Ega
}

// InitTerminal provides a basic terminal to allow the kernel to emit some
// output till everything is properly setup. The terminal renders to the
// text-mode frame buffer at fbAddr which is accessed through memory.
func InitTerminal(memory console.Memory, fbAddr uintptr) *Terminal {
	egaConsole := &console.Ega{}
	egaConsole.Init(TextModeWidth, TextModeHeight, memory, fbAddr)

	vt := &tty.Vt{}
	vt.AttachTo(egaConsole)
	vt.Clear()

	return &Terminal{Vt: vt, Console: egaConsole}
}
