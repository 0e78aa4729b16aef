// Package ptpool implements a bitmap-backed slab allocator for page tables.
//
// Page tables need to be PAGE_SIZE-aligned, PAGE_SIZE-sized blocks of
// memory; carving them one at a time out of the early bump allocator would
// work but makes it impossible to ever reuse a table's storage once a page
// table is torn down. The pool instead grabs a large aligned region up
// front and doles out fixed-size slots from it, tracking which slots are in
// use with a bitmap.
package ptpool

import (
	"math/bits"
	"reflect"
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/ealloc"
)

const (
	// InitialSize is the size of the pool's backing region at boot.
	InitialSize = mem.Size(0x100000)

	// MaxSize is the largest size the pool is allowed to grow to.
	MaxSize = mem.Size(0x400000)

	// PageTableSize is the size, in bytes, of a single page table
	// (PageTableEntries entries, 4 bytes each).
	PageTableSize = mem.Size(mem.PageTableEntries * 4)
)

// byteSliceOverRegion overlays a []byte slice on top of an already-allocated
// memory region.
func byteSliceOverRegion(addr uintptr, size uint32) []byte {
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = int(size)
	hdr.Cap = int(size)
	return *(*[]byte)(unsafe.Pointer(&hdr))
}

var (
	errPoolExhausted     = &kernel.Error{Module: "ptpool", Message: "pool is exhausted and cannot grow further"}
	errInvalidAddress    = &kernel.Error{Module: "ptpool", Message: "address does not belong to this pool"}
	errMisalignedAddress = &kernel.Error{Module: "ptpool", Message: "address is not aligned to the pool's allocation size"}
	errDoubleFree        = &kernel.Error{Module: "ptpool", Message: "address is already free"}

	// Pool is the single, package-wide page-table pool instance.
	Pool pagetablePool
)

type pagetablePool struct {
	base       uintptr
	size       mem.Size
	maxSize    mem.Size
	allocSize  mem.Size
	allocCount uint32
	bitmap     []uint8
}

// Init reserves the pool's initial backing region from the early allocator.
// It must be called before vmm.Init, which identity-maps everything ealloc
// has handed out up to that point when it builds the kernel page directory.
func Init() *kernel.Error {
	allocSize := mem.Size(mem.AlignUp(uintptr(PageTableSize), uintptr(mem.PageSize)))

	base, err := ealloc.Allocator.AllocAligned(InitialSize, uintptr(mem.PageSize))
	if err != nil {
		return err
	}
	mem.Memset(base, 0, InitialSize)

	bitmapSize := bitmapBytes(InitialSize, allocSize)
	bitmapAddr, err := ealloc.Allocator.Alloc(mem.Size(bitmapSize))
	if err != nil {
		return err
	}
	bitmap := byteSliceOverRegion(bitmapAddr, bitmapSize)
	for i := range bitmap {
		bitmap[i] = 0
	}

	Pool = pagetablePool{
		base:      base,
		size:      InitialSize,
		maxSize:   MaxSize,
		allocSize: allocSize,
		bitmap:    bitmap,
	}

	return nil
}

func bitmapBytes(poolSize, allocSize mem.Size) uint32 {
	slots := uint32(poolSize / allocSize)
	return (slots + 7) / 8
}

// expand doubles the pool's backing region (capped at maxSize), copying the
// live payload and bitmap into the new region.
//
// The previous region is intentionally never released: ealloc has no way to
// free memory it has handed out, so the old region's frames remain
// permanently committed. This mirrors the reference allocator, which leaves
// the same comment about the old region being abandoned rather than freed.
func (p *pagetablePool) expand() *kernel.Error {
	if p.size >= p.maxSize {
		return errPoolExhausted
	}

	newSize := p.size * 2
	if newSize > p.maxSize {
		newSize = p.maxSize
	}

	newBase, err := ealloc.Allocator.AllocAligned(newSize, uintptr(mem.PageSize))
	if err != nil {
		return err
	}
	mem.Memset(newBase, 0, newSize)
	mem.Memcopy(p.base, newBase, p.size)

	newBitmapSize := bitmapBytes(newSize, p.allocSize)
	newBitmapAddr, err := ealloc.Allocator.Alloc(mem.Size(newBitmapSize))
	if err != nil {
		return err
	}
	newBitmap := byteSliceOverRegion(newBitmapAddr, newBitmapSize)
	for i := range newBitmap {
		newBitmap[i] = 0
	}
	copy(newBitmap, p.bitmap)

	p.base = newBase
	p.size = newSize
	p.bitmap = newBitmap
	return nil
}

// Alloc returns the virtual address of a zeroed, PAGE_SIZE-aligned block
// suitable for use as a page table.
func (p *pagetablePool) Alloc() (uintptr, *kernel.Error) {
	slots := uint32(p.size / p.allocSize)
	if p.allocCount >= slots {
		if err := p.expand(); err != nil {
			return 0, err
		}
		slots = uint32(p.size / p.allocSize)
	}

	var index uint32
	for index = 0; index < slots; index++ {
		if p.bitmap[index/8]&(1<<(index%8)) == 0 {
			break
		}
	}

	p.bitmap[index/8] |= 1 << (index % 8)
	p.allocCount++

	addr := p.base + uintptr(index)*uintptr(p.allocSize)
	mem.Memset(addr, 0, p.allocSize)
	return addr, nil
}

// Free releases a page table previously returned by Alloc.
func (p *pagetablePool) Free(addr uintptr) *kernel.Error {
	if addr < p.base || addr >= p.base+uintptr(p.size) {
		return errInvalidAddress
	}

	offset := addr - p.base
	if offset%uintptr(p.allocSize) != 0 {
		return errMisalignedAddress
	}

	index := uint32(offset / uintptr(p.allocSize))
	if p.bitmap[index/8]&(1<<(index%8)) == 0 {
		return errDoubleFree
	}

	p.bitmap[index/8] &^= 1 << (index % 8)
	p.allocCount--
	return nil
}

// Verify checks that the pool's allocation counter agrees with the number
// of set bits in its bitmap.
func (p *pagetablePool) Verify() *kernel.Error {
	var liveBits uint32
	for _, b := range p.bitmap {
		liveBits += uint32(bits.OnesCount8(b))
	}

	if liveBits != p.allocCount {
		return &kernel.Error{Module: "ptpool", Message: "alloc_count does not match the number of set bitmap bits"}
	}

	return nil
}

// AllocCount returns the number of page tables currently allocated from the
// pool.
func (p *pagetablePool) AllocCount() uint32 {
	return p.allocCount
}

// Capacity returns the maximum number of page tables the pool can currently
// hand out without expanding.
func (p *pagetablePool) Capacity() uint32 {
	return uint32(p.size / p.allocSize)
}
