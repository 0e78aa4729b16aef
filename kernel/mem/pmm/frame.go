// Package pmm contains the types shared by the physical frame allocator.
package pmm

import (
	"math"

	"github.com/vvaucoul/Kronos/kernel/mem"
)

// Frame describes a physical memory frame index. A Frame always refers to a
// mem.PageSize-sized, mem.PageSize-aligned chunk of physical memory; this
// kernel does not support multi-order (buddy) frames.
type Frame uint64

// InvalidFrame is returned by the frame allocator when it fails to reserve
// the requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the supplied physical
// address, rounding down to the containing frame if the address is not
// frame-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
