package vmm

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
	"github.com/vvaucoul/Kronos/kernel/mem/ptpool"
)

var (
	// ErrInvalidMapping is returned when looking up a virtual address that
	// has no page table installed for it.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped page table"}

	// ptAllocFn and ptFreeFn are used by tests to avoid routing page table
	// allocation through the real page-table pool singleton.
	ptAllocFn = ptpool.Pool.Alloc
	ptFreeFn  = ptpool.Pool.Free
)

// GetPage returns the page table entry for the given page within dir, or nil
// if no page table has been installed for that page yet.
func GetPage(page Page, dir *PageDirectory) *pageTableEntry {
	idx := tableIndex(page)
	if dir.tables[idx] == nil {
		return nil
	}
	return &dir.tables[idx].entries[pageIndexInTable(page)]
}

// CreatePage returns the page table entry for the given page within dir,
// allocating and installing a new page table from the page-table pool if one
// is not already present. isUser controls whether the newly installed table
// is flagged as accessible from ring 3.
func CreatePage(page Page, dir *PageDirectory, isUser bool) (*pageTableEntry, *kernel.Error) {
	idx := tableIndex(page)
	if dir.tables[idx] == nil {
		tableAddr, err := ptAllocFn()
		if err != nil {
			return nil, err
		}

		dir.tables[idx] = (*PageTable)(pointerFromAddr(tableAddr))

		tablePhys := mem.VirtToPhys(tableAddr)
		flags := uint32(FlagPresent | FlagRW)
		if isUser {
			flags |= uint32(FlagUser)
		}
		dir.tablesPhysical[idx] = uint32(tablePhys) | flags
	}

	return &dir.tables[idx].entries[pageIndexInTable(page)], nil
}

// AllocPageFrame backs a page table entry with a freshly allocated physical
// frame and writes flags into it. An entry that already holds a frame is
// returned unchanged, so calling this twice on the same entry can never leak
// a frame or hand its frame a second owner; the entry owns the frame until
// FreePageFrame or DestroyPageDirectory releases it.
func AllocPageFrame(page *pageTableEntry, flags PageTableEntryFlag) (pmm.Frame, *kernel.Error) {
	if frame := page.Frame(); frame != 0 {
		return frame, nil
	}

	frame, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	*page = 0
	page.SetFrame(frame)
	page.SetFlags(flags)
	return frame, nil
}

// FreePageFrame releases the frame a page table entry holds back through
// freeFrame and clears the entry. Freeing an entry with no frame is a no-op.
func FreePageFrame(page *pageTableEntry, freeFrame func(pmm.Frame)) {
	frame := page.Frame()
	if frame == 0 {
		return
	}

	freeFrame(frame)
	page.SetFrame(0)
	page.ClearFlags(FlagPresent)
}

// DestroyPage clears the mapping for page within dir, if one exists. The
// underlying page table itself is left in place.
func DestroyPage(page Page, dir *PageDirectory) {
	idx := tableIndex(page)
	if dir.tables[idx] == nil {
		return
	}
	entry := &dir.tables[idx].entries[pageIndexInTable(page)]
	entry.SetFrame(0)
	entry.ClearFlags(FlagPresent)
}

// DestroyPageDirectory releases every frame mapped by dir and returns each of
// its page tables to the page-table pool.
//
// The reference implementation frees directories and tables with the kernel
// heap's kfree, since in that design both come from the heap. This port
// allocates page tables from the page-table pool instead (see ptpool), so
// tearing a directory down returns its tables there rather than to a heap
// free list; the directory struct itself is owned by its caller (typically
// freed back to the heap once returned).
func DestroyPageDirectory(dir *PageDirectory, freeFrame func(pmm.Frame)) {
	for i := 0; i < mem.PageTableEntries; i++ {
		table := dir.tables[i]
		if table == nil {
			continue
		}

		for j := 0; j < mem.PageTableEntries; j++ {
			entry := &table.entries[j]
			if entry.HasFlags(FlagPresent) {
				freeFrame(entry.Frame())
			}
		}

		_ = ptFreeFn(addrFromPointer(table))
		dir.tables[i] = nil
		dir.tablesPhysical[i] = 0
	}
}
