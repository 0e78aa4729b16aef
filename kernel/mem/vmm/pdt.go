package vmm

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel/mem"
)

var (
	// activePDTFn is used by tests to override calls to the CPU's active
	// page directory register, which will fault if read in user-mode.
	activePDTFn = activePDT

	// switchPDTFn is used by tests to override calls that reload CR3,
	// which will fault outside of ring 0.
	switchPDTFn = switchPDT
)

// PageTable is the lowest level of the two-level x86 paging hierarchy: 1024
// entries, each describing the mapping for a single mem.PageSize page.
type PageTable struct {
	entries [mem.PageTableEntries]pageTableEntry
}

// PageDirectory is the top level of the paging hierarchy. Unlike a recursive
// or multi-level amd64 scheme, every table is reachable through a plain Go
// pointer: tables are carved from the page-table pool, which is itself
// backed by identity- or higher-half-mapped memory the kernel can always
// dereference directly.
type PageDirectory struct {
	tables         [mem.PageTableEntries]*PageTable
	tablesPhysical [mem.PageTableEntries]uint32
	physicalAddr   uintptr
}

// PhysicalAddr returns the physical address of this directory's
// tablesPhysical array, suitable for loading into CR3.
func (pd *PageDirectory) PhysicalAddr() uintptr {
	return pd.physicalAddr
}

// Activate installs this directory as the currently active page directory
// and flushes the TLB.
func (pd *PageDirectory) Activate() {
	switchPDTFn(pd.physicalAddr)
}

// tableIndex and pageIndexInTable split a page number into the directory index and
// the index within that table, mirroring mmu_get_page's address division.
func tableIndex(page Page) uint32 {
	return uint32(page) / mem.PageTableEntries
}

func pageIndexInTable(page Page) uint32 {
	return uint32(page) % mem.PageTableEntries
}

// pointerFromAddr and addrFromPointer convert between a raw virtual address
// and a *PageTable. Page tables are always accessed through plain Go
// pointers backed by pool- or ealloc-owned memory that the kernel can always
// dereference, so no temporary mapping dance is needed here.
func pointerFromAddr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func addrFromPointer(table *PageTable) uintptr {
	return uintptr(unsafe.Pointer(table))
}
