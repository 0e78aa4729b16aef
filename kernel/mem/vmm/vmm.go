// Package vmm implements the kernel's virtual memory manager: the two-level
// x86 page directory, the kernel heap built on top of it, and the page
// fault handler that guards both.
package vmm

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/cpu"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
)

var (
	// frameAllocator points to the physical frame allocator registered via
	// SetFrameAllocator. It is nil until the caller wires it up, normally to
	// pmm/bitmap.Allocator.Alloc.
	frameAllocator FrameAllocatorFn

	// the following indirections exist purely so tests can substitute a
	// fake without touching real hardware state; the compiler inlines them
	// away in the kernel build.
	panicFn         = kernel.Panic
	activePDT       = cpu.ActivePDT
	switchPDT       = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	readCR0Fn       = cpu.ReadCR0
)

const (
	cr0ProtectedMode = 1 << 0
	cr0PagingEnabled = 1 << 31
)

var errPagingRequired = &kernel.Error{Module: "vmm", Message: "protected mode and paging must be enabled by the bootloader"}

// IsPagingEnabled reports whether the CPU currently has paging turned on
// (bit 31 of CR0). The bootloader is required to have enabled it long before
// Init runs; this only exists so Init can assert that contract instead of
// faulting obscurely later.
func IsPagingEnabled() bool {
	return readCR0Fn()&cr0PagingEnabled != 0
}

// FrameAllocatorFn is a function that can allocate a physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator used whenever the vmm
// package needs a new physical frame, for mapped pages or heap growth. Page
// tables come from the page-table pool instead (see ptAllocFn).
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// KernelDirectory is the page directory installed by Init and active for
// the kernel's own code. Tasks created later clone it (see kernel/task) to
// build their own address spaces.
var KernelDirectory PageDirectory

// tablesPhysicalAddr returns the virtual address of a directory's
// tablesPhysical array, which is what CR3 must ultimately point at.
func tablesPhysicalAddr(dir *PageDirectory) uintptr {
	return uintptr(unsafe.Pointer(&dir.tablesPhysical[0]))
}

// setupHigherHalfMapping installs the page table that maps the first 4MiB of
// physical memory at KernelVirtualBase: each page at KernelVirtualBase+off is
// backed by the frame at physical address off, so the kernel's own
// higher-half code and data stay where the bootloader placed them.
func setupHigherHalfMapping(dir *PageDirectory) *kernel.Error {
	for i := uint32(0); i < mem.PageTableEntries; i++ {
		addr := mem.KernelVirtualBase + uintptr(i)*uintptr(mem.PageSize)

		page, err := CreatePage(PageFromAddress(addr), dir, false)
		if err != nil {
			return err
		}

		*page = 0
		page.SetFrame(pmm.FrameFromAddress(mem.VirtToPhys(addr)))
		page.SetFlags(FlagPresent | FlagRW)
	}

	return nil
}

// identityMapRange pre-maps [start, end) one-to-one so that code and data
// placed there by the early allocator stay reachable once the new directory
// is switched in.
func identityMapRange(dir *PageDirectory, start, end uintptr) *kernel.Error {
	for addr := mem.AlignDown(start, uintptr(mem.PageSize)); addr < end; addr += uintptr(mem.PageSize) {
		page, err := CreatePage(PageFromAddress(addr), dir, false)
		if err != nil {
			return err
		}

		*page = 0
		page.SetFrame(pmm.FrameFromAddress(addr))
		page.SetFlags(FlagPresent | FlagRW)
	}

	return nil
}

// Init builds the kernel's page directory, maps the higher-half kernel
// image, pre-maps the heap's virtual range, identity-maps everything the
// early allocator has handed out so far, switches to the new directory, and
// brings up the kernel heap.
//
// This follows the reference mmu_init's order: the frame allocator and
// page-table pool must already be initialized by the caller, since Init only
// wires the paging layer on top of them. kernelEnd should be the current
// early-allocator placement address, so the identity mapping covers
// everything allocated before paging takes over.
func Init(kernelEnd uintptr) *kernel.Error {
	if cr0 := readCR0Fn(); cr0&cr0ProtectedMode == 0 || cr0&cr0PagingEnabled == 0 {
		return errPagingRequired
	}

	KernelDirectory = PageDirectory{}

	InitFaultHandler()

	if err := setupHigherHalfMapping(&KernelDirectory); err != nil {
		return err
	}

	// Pre-map the heap's initial virtual range without backing frames;
	// InitHeap attaches a frame to each of these pages once the directory is
	// active, and Heap.requestSpace maps pages beyond this range as Kmalloc
	// needs them.
	for i := uint32(0); i < uint32(mem.HeapInitialSize/mem.PageSize); i++ {
		addr := mem.HeapStart + uintptr(i)*uintptr(mem.PageSize)
		if _, err := CreatePage(PageFromAddress(addr), &KernelDirectory, false); err != nil {
			return err
		}
	}

	if err := identityMapRange(&KernelDirectory, 0, kernelEnd); err != nil {
		return err
	}

	KernelDirectory.physicalAddr = mem.VirtToPhys(tablesPhysicalAddr(&KernelDirectory))
	KernelDirectory.Activate()
	early.Printf("[vmm] switched to kernel page directory\n")

	if err := InitHeap(&KernelDirectory); err != nil {
		return err
	}

	return nil
}
