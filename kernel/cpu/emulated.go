package cpu

// Emulated is a software model of the processor state touched by the memory
// subsystem. It is used by the hosted boot path and by tests; it performs no
// privileged operations.
type Emulated struct {
	interruptsEnabled bool
	pagingEnabled     bool
	activePDT         uintptr

	// SwitchCount tracks the number of page directory loads.
	SwitchCount int

	// FlushCount tracks the number of single-entry TLB flushes.
	FlushCount int

	// OnFlush, if set, is invoked for each flushed TLB entry.
	OnFlush func(virtAddr uintptr)
}

// NewEmulated returns an emulated processor with interrupts enabled and
// paging disabled.
func NewEmulated() *Emulated {
	return &Emulated{interruptsEnabled: true}
}

// DisableInterrupts implements CPU.
func (c *Emulated) DisableInterrupts() bool {
	wasEnabled := c.interruptsEnabled
	c.interruptsEnabled = false
	return wasEnabled
}

// EnableInterrupts implements CPU.
func (c *Emulated) EnableInterrupts() {
	c.interruptsEnabled = true
}

// InterruptsEnabled implements CPU.
func (c *Emulated) InterruptsEnabled() bool {
	return c.interruptsEnabled
}

// SwitchPDT implements CPU.
func (c *Emulated) SwitchPDT(pdtPhysAddr uintptr) {
	c.activePDT = pdtPhysAddr
	c.SwitchCount++
}

// ActivePDT implements CPU.
func (c *Emulated) ActivePDT() uintptr {
	return c.activePDT
}

// EnablePaging implements CPU.
func (c *Emulated) EnablePaging() {
	c.pagingEnabled = true
}

// PagingEnabled implements CPU.
func (c *Emulated) PagingEnabled() bool {
	return c.pagingEnabled
}

// FlushTLBEntry implements CPU.
func (c *Emulated) FlushTLBEntry(virtAddr uintptr) {
	c.FlushCount++
	if c.OnFlush != nil {
		c.OnFlush(virtAddr)
	}
}
