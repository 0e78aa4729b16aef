package vmm

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/cpu"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
)

const pageFaultVector = 14

// PageFaultInstallerFn installs handler as the service routine for a given
// interrupt vector. GDT/IDT/ISR setup lives outside this package (it is an
// external collaborator per the kernel's boot contract); InitFaultHandler
// calls whatever installer the ISR subsystem has registered through
// SetPageFaultInstaller. Until that registration happens the installer is a
// no-op, which is fine for unit tests that exercise the paging code without
// a real interrupt table.
type PageFaultInstallerFn func(vector uint8, handler func(errorCode uint32))

var installPageFaultHandlerFn PageFaultInstallerFn = func(uint8, func(uint32)) {}

// SetPageFaultInstaller registers the function the ISR subsystem uses to
// wire an interrupt vector to a Go handler. InitFaultHandler calls it once,
// for vector 14, during vmm.Init.
func SetPageFaultInstaller(fn PageFaultInstallerFn) {
	installPageFaultHandlerFn = fn
}

// InitFaultHandler installs pageFaultHandler on interrupt vector 14.
func InitFaultHandler() {
	installPageFaultHandlerFn(pageFaultVector, pageFaultHandler)
}

// pageFaultHandler classifies and reports a page fault read from CR2 and the
// hardware error code. Unlike a copy-on-write-capable MMU, every fault here
// is fatal: this kernel never maps a page lazily or read-only-for-CoW, so
// reaching this handler always means a genuine programming error.
func pageFaultHandler(errorCode uint32) {
	faultAddress := uintptr(readCR2Fn())

	early.Printf("\npage fault at address 0x%x\nreason: ", faultAddress)
	switch {
	case errorCode&0x8 != 0:
		early.Printf("page table entry has a reserved bit set")
	case errorCode&0x10 != 0:
		early.Printf("instruction fetch")
	case errorCode&0x4 != 0:
		early.Printf("fault in user mode")
	case errorCode&0x1 == 0 && errorCode&0x2 == 0:
		early.Printf("read from non-present page")
	case errorCode&0x1 == 0 && errorCode&0x2 != 0:
		early.Printf("write to non-present page")
	case errorCode&0x1 != 0 && errorCode&0x2 == 0:
		early.Printf("protection violation (read)")
	default:
		early.Printf("protection violation (write)")
	}
	early.Printf("\n")

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

var readCR2Fn = cpu.ReadCR2
