// Package cpu exposes the privileged processor operations used by the memory
// subsystem. Callers receive a CPU value instead of invoking the instructions
// directly so the hosted build and the tests can supply an emulated processor.
package cpu

import "os"

var (
	// exitFn is used by tests to override the process termination performed
	// by Halt on hosted builds.
	exitFn = os.Exit
)

// CPU describes the privileged instructions required for managing the
// address translation hardware and the interrupt flag.
type CPU interface {
	// DisableInterrupts clears the interrupt flag and reports whether
	// interrupts were enabled before the call.
	DisableInterrupts() bool

	// EnableInterrupts sets the interrupt flag.
	EnableInterrupts()

	// InterruptsEnabled returns the current state of the interrupt flag.
	InterruptsEnabled() bool

	// SwitchPDT loads the physical address of a page directory into the
	// page directory base register and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the currently loaded page
	// directory.
	ActivePDT() uintptr

	// EnablePaging turns on address translation. There is no way to turn
	// it off again.
	EnablePaging()

	// PagingEnabled returns true once EnablePaging has been called.
	PagingEnabled() bool

	// FlushTLBEntry flushes the TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)
}

// Critical disables interrupts and returns a function that restores the
// interrupt flag to the state it had before the call. Sections may nest;
// interrupts are only re-enabled when the outermost section ends. The
// intended use is:
//
//	defer cpu.Critical(c)()
func Critical(c CPU) func() {
	if !c.DisableInterrupts() {
		return restoreNothing
	}

	return c.EnableInterrupts
}

func restoreNothing() {}

// Halt stops instruction execution. On hosted builds there is no processor to
// halt so the process exits instead.
func Halt() {
	exitFn(1)
}
