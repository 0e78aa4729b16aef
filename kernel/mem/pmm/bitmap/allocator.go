// Package bitmap implements the kernel's physical frame allocator: a single
// flat bitmap with one bit per mem.PageSize frame, seeded from the memory
// map the bootloader reports and reserved over the regions the kernel
// itself, or the early bump allocator, already occupies.
package bitmap

import (
	"reflect"
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/hal/multiboot"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/ealloc"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
)

const bitsPerWord = 32

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}

	// panicFn is used by tests to observe the fatal exhaustion path without
	// halting the test binary.
	panicFn = kernel.Panic

	// Allocator is the singleton frame allocator used by the rest of the
	// kernel once the boot sequence hands off from ealloc.Allocator.
	Allocator Bitmap
)

// Bitmap tracks, one bit per frame, whether a physical frame is in use. A
// set bit means the frame is unavailable (either reserved or allocated); a
// clear bit means the frame is free.
type Bitmap struct {
	bits       []uint32
	frameCount uint32
	usedCount  uint32
}

// FrameCount returns the total number of frames tracked by the bitmap.
func (b *Bitmap) FrameCount() uint32 {
	return b.frameCount
}

// UsedCount returns the number of frames currently marked as in use.
func (b *Bitmap) UsedCount() uint32 {
	return b.usedCount
}

func (b *Bitmap) wordAndMask(frame pmm.Frame) (int, uint32) {
	idx := uint32(frame) / bitsPerWord
	bit := uint32(frame) % bitsPerWord
	return int(idx), uint32(1) << bit
}

func (b *Bitmap) set(frame pmm.Frame) {
	if uint32(frame) >= b.frameCount {
		return
	}
	word, mask := b.wordAndMask(frame)
	if b.bits[word]&mask == 0 {
		b.bits[word] |= mask
		b.usedCount++
	}
}

func (b *Bitmap) clear(frame pmm.Frame) {
	if uint32(frame) >= b.frameCount {
		return
	}
	word, mask := b.wordAndMask(frame)
	if b.bits[word]&mask != 0 {
		b.bits[word] &^= mask
		b.usedCount--
	}
}

func (b *Bitmap) test(frame pmm.Frame) bool {
	if uint32(frame) >= b.frameCount {
		return true
	}
	word, mask := b.wordAndMask(frame)
	return b.bits[word]&mask != 0
}

// firstFree scans the bitmap for the first clear bit and returns the
// corresponding frame, or pmm.InvalidFrame if every frame is in use.
func (b *Bitmap) firstFree() pmm.Frame {
	for word := 0; word < len(b.bits); word++ {
		if b.bits[word] == 0xFFFFFFFF {
			continue
		}

		for bit := uint32(0); bit < bitsPerWord; bit++ {
			frame := pmm.Frame(uint32(word)*bitsPerWord + bit)
			if uint32(frame) >= b.frameCount {
				return pmm.InvalidFrame
			}
			if b.bits[word]&(1<<bit) == 0 {
				return frame
			}
		}
	}

	return pmm.InvalidFrame
}

// MarkRange flags every frame whose address falls in [startAddr, endAddr) as
// reserved. Used to protect the low 1MB, the kernel image and the bitmap's
// own backing storage.
func (b *Bitmap) MarkRange(startAddr, endAddr uintptr) {
	start := pmm.FrameFromAddress(startAddr)
	end := pmm.FrameFromAddress(mem.AlignUp(endAddr, uintptr(mem.PageSize)))
	for f := start; f < end; f++ {
		b.set(f)
	}
}

// MarkKernel flags every frame in [startAddr, endAddr) as owned by the
// kernel image. Frames already marked are left alone, so the used counter
// is never double-incremented for an overlapping range.
func (b *Bitmap) MarkKernel(startAddr, endAddr uintptr) {
	b.MarkRange(startAddr, endAddr)
}

// MarkReserved flags every frame in [startAddr, endAddr) as reserved for
// hardware or allocator-internal use, such as the BIOS region below 1MB or
// the bitmap's own backing storage. Like MarkKernel, already-marked frames
// are skipped.
func (b *Bitmap) MarkReserved(startAddr, endAddr uintptr) {
	b.MarkRange(startAddr, endAddr)
}

// Alloc reserves and returns the first available frame. Running out of
// frames is not a recoverable condition: there is no path by which the
// kernel can shed physical memory to satisfy the caller, so exhaustion
// halts with a diagnostic, the same way the reference first_frame panics
// when its scan comes up empty. The error return only materializes under
// a test's panicFn override; kernel callers never observe it.
func (b *Bitmap) Alloc() (pmm.Frame, *kernel.Error) {
	frame := b.firstFree()
	if !frame.Valid() {
		panicFn(errOutOfMemory)
		return pmm.InvalidFrame, errOutOfMemory
	}

	b.set(frame)
	return frame, nil
}

// Free releases a previously allocated frame. Freeing frame 0 or an already
// free frame is a no-op, mirroring the reference allocator's idempotent
// free_frame.
func (b *Bitmap) Free(frame pmm.Frame) {
	if frame == 0 {
		return
	}
	b.clear(frame)
}

// sliceOverRegion overlays a []uint32 slice on top of an already-allocated,
// zeroed memory region.
func sliceOverRegion(addr uintptr, words uint32) []uint32 {
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = int(words)
	hdr.Cap = int(words)
	return *(*[]uint32)(unsafe.Pointer(&hdr))
}

// Init builds the frame bitmap for a machine with memSize bytes of physical
// memory. Every frame starts out reserved; the bootloader-reported memory
// map is walked first to free the AVAILABLE regions, and only then are the
// low 1MB, the kernel image range [kernelStart, kernelEnd) and the bitmap's
// own storage marked reserved again.
//
// The original reference allocator performs these two passes in the
// opposite order (reserve kernel/bitmap, then free AVAILABLE regions), which
// lets an AVAILABLE region that happens to span the kernel's own load
// address silently un-reserve it — in practice the bootloader reports one
// large AVAILABLE block covering all of RAM above 1MB, including wherever
// the kernel was loaded. Reserving last instead guarantees these frames can
// never be handed back out regardless of what the memory map says.
func Init(memSize mem.Size, kernelStart, kernelEnd uintptr) *kernel.Error {
	frameCount := uint32(memSize >> mem.PageShift)
	if frameCount > mem.MaxFrames {
		frameCount = mem.MaxFrames
	}

	words := (frameCount + bitsPerWord - 1) / bitsPerWord
	addr, err := ealloc.Allocator.AllocAligned(mem.Size(words)*4, uintptr(mem.PageSize))
	if err != nil {
		return err
	}
	mem.Memset(addr, 0, mem.Size(words)*4)

	Allocator = Bitmap{
		bits:       sliceOverRegion(addr, words),
		frameCount: frameCount,
	}

	// Every frame starts reserved; mark the whole address space used and
	// let the AVAILABLE-region walk below free what's actually usable.
	for f := pmm.Frame(0); uint32(f) < frameCount; f++ {
		Allocator.set(f)
	}

	// Free bits for every AVAILABLE region the bootloader reported,
	// clamped to memSize so a bootloader that over-reports memory cannot
	// make us address frames beyond what we sized the bitmap for.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStart := region.PhysAddress
		regionEnd := region.PhysAddress + region.Length
		if regionEnd > uint64(memSize) {
			regionEnd = uint64(memSize)
		}
		if regionStart >= regionEnd {
			return true
		}

		for f := pmm.FrameFromAddress(uintptr(regionStart)); f.Address() < uintptr(regionEnd); f++ {
			Allocator.clear(f)
		}
		return true
	})

	// Reserve the BIOS/IVT/EBDA region below 1MB.
	Allocator.MarkReserved(0, 0x100000)

	// Reserve the kernel image itself.
	Allocator.MarkKernel(kernelStart, kernelEnd)

	// Reserve the bitmap's own backing storage.
	bitmapPhys := mem.VirtToPhys(addr)
	Allocator.MarkReserved(bitmapPhys, bitmapPhys+uintptr(words)*4)

	early.Printf(
		"[pmm] frame stats: free: %d/%d\n",
		Allocator.frameCount-Allocator.usedCount,
		Allocator.frameCount,
	)

	return nil
}
