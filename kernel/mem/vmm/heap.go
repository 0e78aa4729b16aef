package vmm

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/ealloc"
)

const heapBlockMagic = 0xDEADBEEF

var heapBlockHeaderSize = mem.Size(unsafe.Sizeof(heapBlock{}))

var heapAlignment = uintptr(mem.PageSize)

var errHeapExhausted = &kernel.Error{Module: "vmm", Message: "heap cannot grow beyond its maximum size"}

var errHeapCorrupt = &kernel.Error{Module: "vmm", Message: "heap block corruption detected (magic mismatch)"}

// heapPanic reports heap corruption fatally, matching the reference heap's
// behavior of treating a magic-number mismatch as unrecoverable rather than
// a recoverable error.
func heapPanic() {
	panicFn(errHeapCorrupt)
}

// heapBlock is the header prefixing every live or free chunk of heap memory,
// forming a doubly linked list ordered by address.
type heapBlock struct {
	size  mem.Size
	free  bool
	next  *heapBlock
	prev  *heapBlock
	magic uint32
}

// Heap is a first-fit, page-backed free-list allocator. It grows lazily by
// mapping additional pages from HeapStart via CreatePage, up to HeapMaxSize.
type Heap struct {
	first *heapBlock
	last  *heapBlock
	size  mem.Size
	dir   *PageDirectory
}

// KernelHeap is the singleton heap serving Kmalloc/Kfree once InitHeap has
// run. Before that point allocations must go through the early allocator.
var KernelHeap Heap

func blockFromAddr(addr uintptr) *heapBlock {
	return (*heapBlock)(unsafe.Pointer(addr))
}

func addrOfBlock(b *heapBlock) uintptr {
	return uintptr(unsafe.Pointer(b))
}

func initHeapBlock(b *heapBlock, size mem.Size, free bool) {
	b.size = size
	b.free = free
	b.next = nil
	b.prev = nil
	b.magic = heapBlockMagic
}

// splitBlock carves a size-byte block off the front of b if the remainder
// would still be large enough to hold a header plus a page of slack.
func (h *Heap) splitBlock(b *heapBlock, size mem.Size) {
	if b.size <= size+heapBlockHeaderSize+mem.Size(heapAlignment) {
		return
	}

	newBlock := blockFromAddr(addrOfBlock(b) + uintptr(heapBlockHeaderSize) + uintptr(size))
	initHeapBlock(newBlock, b.size-size-heapBlockHeaderSize, true)
	newBlock.next = b.next
	newBlock.prev = b

	if newBlock.next != nil {
		newBlock.next.prev = newBlock
	} else {
		h.last = newBlock
	}

	b.size = size
	b.next = newBlock
}

// coalesce merges b with its free neighbors to keep fragmentation down.
func (h *Heap) coalesce(b *heapBlock) {
	if b.next != nil && b.next.free {
		if b.next.magic != heapBlockMagic {
			heapPanic()
		}
		b.size += heapBlockHeaderSize + b.next.size
		b.next = b.next.next
		if b.next != nil {
			b.next.prev = b
		} else {
			h.last = b
		}
	}

	if b.prev != nil && b.prev.free {
		if b.prev.magic != heapBlockMagic {
			heapPanic()
		}
		b.prev.size += heapBlockHeaderSize + b.size
		b.prev.next = b.next
		if b.next != nil {
			b.next.prev = b.prev
		} else {
			h.last = b.prev
		}
	}
}

// findFreeBlock scans for the first free block big enough to satisfy size.
func (h *Heap) findFreeBlock(size mem.Size) *heapBlock {
	for cur := h.first; cur != nil; cur = cur.next {
		if cur.free && cur.size >= size {
			if cur.magic != heapBlockMagic {
				heapPanic()
			}
			return cur
		}
	}
	return nil
}

// requestSpace grows the heap by enough whole pages to satisfy size bytes
// plus a block header, mapping each new page through CreatePage. If a frame
// cannot be allocated partway through, every page mapped so far for this
// request is torn back down via DestroyPage.
func (h *Heap) requestSpace(size mem.Size) (*heapBlock, *kernel.Error) {
	total := heapBlockHeaderSize + size
	pagesNeeded := uint32((total + mem.Size(mem.PageSize) - 1) / mem.Size(mem.PageSize))

	if h.size+mem.Size(pagesNeeded)*mem.PageSize > mem.HeapMaxSize {
		return nil, errHeapExhausted
	}

	rollback := func(upTo uint32) {
		for j := uint32(0); j < upTo; j++ {
			addr := mem.HeapStart + uintptr(h.size) + uintptr(j)*uintptr(mem.PageSize)
			DestroyPage(PageFromAddress(addr), h.dir)
		}
	}

	for i := uint32(0); i < pagesNeeded; i++ {
		addr := mem.HeapStart + uintptr(h.size) + uintptr(i)*uintptr(mem.PageSize)

		page, err := CreatePage(PageFromAddress(addr), h.dir, false)
		if err != nil {
			rollback(i)
			return nil, err
		}

		if _, err := AllocPageFrame(page, FlagPresent|FlagRW); err != nil {
			rollback(i)
			return nil, err
		}
		flushTLBEntryFn(addr)
	}

	h.size += mem.Size(pagesNeeded) * mem.PageSize

	block := blockFromAddr(mem.HeapStart + uintptr(h.size) - uintptr(pagesNeeded)*uintptr(mem.PageSize))
	initHeapBlock(block, mem.Size(pagesNeeded)*mem.PageSize-heapBlockHeaderSize, true)
	block.prev = h.last
	if h.last != nil {
		h.last.next = block
	}
	h.last = block

	return block, nil
}

// InitHeap maps the heap's initial region and installs its first free
// block. It must run after the kernel page directory is active.
func InitHeap(dir *PageDirectory) *kernel.Error {
	KernelHeap = Heap{dir: dir}

	pagesNeeded := uint32((mem.HeapInitialSize + mem.Size(mem.PageSize) - 1) / mem.Size(mem.PageSize))

	for i := uint32(0); i < pagesNeeded; i++ {
		addr := mem.HeapStart + uintptr(i)*uintptr(mem.PageSize)

		page, err := CreatePage(PageFromAddress(addr), dir, false)
		if err != nil {
			for j := uint32(0); j < i; j++ {
				DestroyPage(PageFromAddress(mem.HeapStart+uintptr(j)*uintptr(mem.PageSize)), dir)
			}
			return err
		}

		if _, err := AllocPageFrame(page, FlagPresent|FlagRW); err != nil {
			for j := uint32(0); j < i; j++ {
				DestroyPage(PageFromAddress(mem.HeapStart+uintptr(j)*uintptr(mem.PageSize)), dir)
			}
			return err
		}
		flushTLBEntryFn(addr)
	}

	KernelHeap.size = mem.Size(pagesNeeded) * mem.PageSize

	initial := blockFromAddr(mem.HeapStart)
	initHeapBlock(initial, mem.HeapInitialSize-2*heapBlockHeaderSize, true)
	KernelHeap.first = initial
	KernelHeap.last = initial

	early.Printf("[vmm] heap ready at 0x%x (%d bytes)\n", mem.HeapStart, uint32(KernelHeap.size))
	return nil
}

// alloc implements the shared first-fit path for Kmalloc and its
// page-aligned variant.
func (h *Heap) alloc(size mem.Size, aligned bool) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	allocSize := size
	if aligned {
		allocSize = mem.Size(mem.AlignUp(uintptr(size), heapAlignment))
	}

	block := h.findFreeBlock(allocSize)
	var err *kernel.Error
	if block == nil {
		if block, err = h.requestSpace(allocSize); err != nil {
			return 0, err
		}
	}

	addr := addrOfBlock(block) + uintptr(heapBlockHeaderSize)
	alignedAddr := addr
	if aligned {
		alignedAddr = mem.AlignUp(addr, heapAlignment)
	}
	padding := mem.Size(alignedAddr - addr)

	if padding > 0 {
		if padding >= heapBlockHeaderSize+mem.Size(heapAlignment) {
			h.splitBlock(block, padding-heapBlockHeaderSize)
			block = block.next
		} else {
			block = h.findFreeBlock(allocSize + padding)
			if block == nil {
				if block, err = h.requestSpace(allocSize + padding); err != nil {
					return 0, err
				}
			}

			addr = addrOfBlock(block) + uintptr(heapBlockHeaderSize)
			alignedAddr = addr
			if aligned {
				alignedAddr = mem.AlignUp(addr, heapAlignment)
			}
			padding = mem.Size(alignedAddr - addr)
			if padding > 0 {
				h.splitBlock(block, padding-heapBlockHeaderSize)
				block = block.next
			}
		}
	}

	block.free = false
	if block.size >= allocSize+heapBlockHeaderSize+mem.Size(heapAlignment) {
		h.splitBlock(block, allocSize)
	}

	return alignedAddr, nil
}

// intermediateAlloc routes an allocation to the heap once InitHeap has run,
// and to the early placement allocator before that. The boot sequence
// depends on the pre-heap path: the kernel page directory is carved out
// before any heap exists, through the same entry points used afterwards.
func intermediateAlloc(size mem.Size, aligned bool) (uintptr, uintptr, *kernel.Error) {
	if KernelHeap.dir == nil {
		var align uintptr
		if aligned {
			align = uintptr(mem.PageSize)
		}
		return ealloc.Allocator.AllocAlignedPhysic(size, align)
	}

	addr, err := KernelHeap.alloc(size, aligned)
	if err != nil {
		return 0, 0, err
	}
	return addr, heapPhysAddr(addr), nil
}

// Kmalloc allocates size bytes from the kernel heap.
func Kmalloc(size mem.Size) (uintptr, *kernel.Error) {
	addr, _, err := intermediateAlloc(size, false)
	return addr, err
}

// KmallocAligned allocates size bytes aligned to mem.PageSize.
func KmallocAligned(size mem.Size) (uintptr, *kernel.Error) {
	addr, _, err := intermediateAlloc(size, true)
	return addr, err
}

func heapPhysAddr(addr uintptr) uintptr {
	page := GetPage(PageFromAddress(addr), KernelHeap.dir)
	if page == nil {
		return 0
	}
	return page.Frame().Address() + (addr & uintptr(mem.PageSize-1))
}

// KmallocPhys allocates size bytes and also reports the backing physical
// address, for callers (such as page directory construction) that need to
// pass the allocation to hardware.
func KmallocPhys(size mem.Size) (uintptr, uintptr, *kernel.Error) {
	return intermediateAlloc(size, false)
}

// KmallocAlignedPhys combines KmallocAligned and KmallocPhys.
func KmallocAlignedPhys(size mem.Size) (uintptr, uintptr, *kernel.Error) {
	return intermediateAlloc(size, true)
}

// Kfree releases memory previously returned by Kmalloc and its variants.
// Before InitHeap has run it is a no-op, since every pre-heap allocation
// came from the placement allocator and cannot be released. Once the heap
// is live, a pointer outside its bounds is treated the same as a clobbered
// magic number: fatal corruption.
func Kfree(addr uintptr) {
	if addr == 0 {
		return
	}
	if KernelHeap.dir == nil {
		return
	}
	if addr < mem.HeapStart || addr >= mem.HeapStart+uintptr(KernelHeap.size) {
		heapPanic()
		return
	}

	block := blockFromAddr(addr - uintptr(heapBlockHeaderSize))
	if block.magic != heapBlockMagic {
		heapPanic()
	}

	block.free = true
	KernelHeap.coalesce(block)
}

// Kcalloc allocates num*size bytes and zeroes them.
func Kcalloc(num, size mem.Size) (uintptr, *kernel.Error) {
	addr, err := Kmalloc(num * size)
	if err != nil {
		return 0, err
	}
	mem.Memset(addr, 0, num*size)
	return addr, nil
}

// Krealloc resizes a previous Kmalloc allocation, copying its contents to a
// new block if it must move.
func Krealloc(addr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if addr == 0 {
		return Kmalloc(size)
	}
	if size == 0 {
		Kfree(addr)
		return 0, nil
	}
	if addr < mem.HeapStart || addr >= mem.HeapStart+uintptr(KernelHeap.size) {
		heapPanic()
		return 0, errHeapCorrupt
	}

	block := blockFromAddr(addr - uintptr(heapBlockHeaderSize))
	if block.magic != heapBlockMagic {
		heapPanic()
	}

	if block.size >= size {
		if block.size >= size+heapBlockHeaderSize+mem.Size(heapAlignment) {
			KernelHeap.splitBlock(block, size)
		}
		return addr, nil
	}

	newAddr, err := Kmalloc(size)
	if err != nil {
		return 0, err
	}
	mem.Memcopy(addr, newAddr, block.size)
	Kfree(addr)
	return newAddr, nil
}

// Ksize returns the usable size of a previous Kmalloc allocation.
func Ksize(addr uintptr) mem.Size {
	if addr == 0 {
		return 0
	}
	block := blockFromAddr(addr - uintptr(heapBlockHeaderSize))
	if block.magic != heapBlockMagic {
		heapPanic()
	}
	return block.size
}
