package vmm

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
)

// cloneDirAllocFn and cloneDirFreeFn allocate/release the storage for a
// cloned PageDirectory struct. Overridden by tests to avoid requiring a live
// kernel heap.
var (
	cloneDirAllocFn = KmallocAligned
	cloneDirFreeFn  = Kfree
)

// CloneDirectory builds a new page directory structurally identical to src:
// every populated page table is duplicated and every mapped entry within it
// is given its own freshly allocated frame, so the clone never aliases a
// frame with its source. There is no copy-on-write in this port, so this is
// the only way a forked task gets its own address space.
//
// A freshly assigned frame is not seeded with the old frame's contents;
// whatever first touches it finds it in whatever state the allocator handed
// it back in. A task layer that needs the child's memory to start out
// identical to the parent's must copy it explicitly after the clone.
//
// On any failure partway through, every table and frame already attached to
// the new directory is released via DestroyPageDirectory before returning,
// so a failed clone never leaves a half-built directory reachable.
func CloneDirectory(src *PageDirectory, freeFrame func(pmm.Frame)) (*PageDirectory, *kernel.Error) {
	addr, err := cloneDirAllocFn(mem.Size(unsafe.Sizeof(PageDirectory{})))
	if err != nil {
		return nil, err
	}

	newDir := (*PageDirectory)(pointerFromAddr(addr))
	*newDir = PageDirectory{}
	newDir.physicalAddr = mem.VirtToPhys(tablesPhysicalAddr(newDir))

	for i := 0; i < mem.PageTableEntries; i++ {
		srcTable := src.tables[i]
		if srcTable == nil {
			continue
		}

		tableAddr, err := ptAllocFn()
		if err != nil {
			DestroyPageDirectory(newDir, freeFrame)
			cloneDirFreeFn(addr)
			return nil, err
		}

		newTable := (*PageTable)(pointerFromAddr(tableAddr))
		newDir.tables[i] = newTable
		newDir.tablesPhysical[i] = uint32(mem.VirtToPhys(tableAddr)) | uint32(FlagPresent|FlagRW)

		for j := 0; j < mem.PageTableEntries; j++ {
			srcEntry := &srcTable.entries[j]
			if !srcEntry.HasFlags(FlagPresent) {
				continue
			}

			frame, err := frameAllocator()
			if err != nil {
				DestroyPageDirectory(newDir, freeFrame)
				cloneDirFreeFn(addr)
				return nil, err
			}

			dstEntry := &newTable.entries[j]
			*dstEntry = *srcEntry
			dstEntry.SetFrame(frame)
		}
	}

	return newDir, nil
}
