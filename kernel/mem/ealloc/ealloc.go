// Package ealloc implements the earliest-stage memory allocator used while
// bootstrapping the kernel, before the physical frame allocator or the
// kernel heap are available.
//
// The allocator is a simple bump (placement) allocator: it hands out
// monotonically increasing addresses starting right after the kernel image
// and never reclaims them. The frame allocator's Init reserves, in its
// bitmap, the low 1MiB, the kernel image and the bitmap storage it takes from
// this package (see pmm/bitmap's Init, MarkKernel and MarkReserved); other
// memory handed out here is not marked in the frame bitmap.
package ealloc

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem"
)

var (
	errOutOfAddressSpace = &kernel.Error{Module: "ealloc", Message: "placement address overflowed the address space"}

	// Allocator is the single, package-wide early allocator instance. There
	// is no reason to support more than one: only boot code running before
	// mmu.Init runs against it.
	Allocator EarlyAllocator
)

// EarlyAllocator is a bump allocator that carves memory out of the region
// immediately following the kernel image.
//
// It supports exactly the operations the boot sequence needs: allocate,
// optionally aligned, optionally reporting the physical address of the
// allocation.
type EarlyAllocator struct {
	placementAddr uintptr
}

// Init sets the initial placement address to kernelEnd, the physical address
// of the first byte following the loaded kernel image.
func (a *EarlyAllocator) Init(kernelEnd uintptr) {
	a.placementAddr = kernelEnd
}

// PlacementAddr returns the current placement cursor. This is consumed by
// the physical frame allocator and by the MMU bootstrap code to identity-map
// the region this allocator has carved out so far.
func (a *EarlyAllocator) PlacementAddr() uintptr {
	return a.placementAddr
}

// SetPlacementAddr overrides the placement cursor. Used once paging is live
// and the heap takes over, to ensure any later (mistaken) call to this
// allocator continues from a value that reflects reality.
func (a *EarlyAllocator) SetPlacementAddr(addr uintptr) {
	a.placementAddr = addr
}

// alloc is the shared implementation behind Alloc, AllocAligned and
// AllocAlignedPhysic.
func (a *EarlyAllocator) alloc(size mem.Size, align uintptr) (uintptr, uintptr, *kernel.Error) {
	if align != 0 && (a.placementAddr&(align-1)) != 0 {
		a.placementAddr = (a.placementAddr + align) &^ (align - 1)
	}

	physAddr := a.placementAddr
	newAddr := a.placementAddr + uintptr(size)
	if newAddr < a.placementAddr {
		return 0, 0, errOutOfAddressSpace
	}

	a.placementAddr = newAddr
	return mem.PhysToVirt(physAddr), physAddr, nil
}

// Alloc reserves size bytes with no alignment requirement and returns a
// pointer to its virtual (higher-half) address.
func (a *EarlyAllocator) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	virt, _, err := a.alloc(size, 0)
	return virt, err
}

// AllocAligned reserves size bytes aligned to align bytes and returns the
// virtual address of the allocation.
func (a *EarlyAllocator) AllocAligned(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	virt, _, err := a.alloc(size, align)
	return virt, err
}

// AllocAlignedPhysic behaves like AllocAligned but also reports the physical
// address of the allocation, needed by callers (e.g. the page-table pool)
// that must program hardware registers with a physical address.
func (a *EarlyAllocator) AllocAlignedPhysic(size mem.Size, align uintptr) (uintptr, uintptr, *kernel.Error) {
	return a.alloc(size, align)
}

// Calloc behaves like Alloc but zero-fills the returned block.
func (a *EarlyAllocator) Calloc(size mem.Size) (uintptr, *kernel.Error) {
	virt, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}

	mem.Memset(virt, 0, size)
	return virt, nil
}
