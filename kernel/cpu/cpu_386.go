package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint32

// ReadCR2 returns the value stored in the CR2 register (the faulting
// address left behind by the most recent page fault).
func ReadCR2() uint32

// StackPointer returns the caller's current ESP.
func StackPointer() uintptr

// BasePointer returns the caller's current EBP.
func BasePointer() uintptr

// RelocateStack switches the live ESP/EBP registers to newESP/newEBP. The
// caller is responsible for having already copied the stack's contents and
// rewritten any interior pointers to the new region before calling this; it
// returns into whatever frame the caller built there.
func RelocateStack(newESP, newEBP uintptr)
