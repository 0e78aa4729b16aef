// Package multiboot decodes the information structure handed to the kernel
// by a Multiboot v1 compliant bootloader (e.g. GRUB in its default mode).
package multiboot

import "unsafe"

// infoFlag enumerates the bits of the Multiboot v1 info header that
// indicate which optional fields are present.
type infoFlag uint32

const (
	flagMemInfo  infoFlag = 1 << 0
	flagBootDev  infoFlag = 1 << 1
	flagCmdLine  infoFlag = 1 << 2
	flagModules  infoFlag = 1 << 3
	flagMemMap   infoFlag = 1 << 6
	flagFramebuf infoFlag = 1 << 12
)

// info mirrors the fixed-size Multiboot v1 information header. Only the
// fields this kernel consumes are named; the rest are left as padding via
// the reserved members.
type info struct {
	flags infoFlag

	memLower uint32
	memUpper uint32

	bootDevice uint32
	cmdLine    uint32

	modsCount uint32
	modsAddr  uint32

	_syms [4]uint32

	mmapLength uint32
	mmapAddr   uint32

	_reserved [9]uint32

	fbAddr   uint64
	fbPitch  uint32
	fbWidth  uint32
	fbHeight uint32
	fbBpp    uint8
	fbType   uint8
}

// mmapEntry mirrors a single Multiboot v1 memory map entry. Unlike every
// other structure in the info header, each entry is prefixed by its own
// size field so that entries can be variable-length; size does not include
// itself.
//
// On the 386 target this struct is exactly 24 bytes with no padding
// (uint64 fields align to 4 bytes on 386), which matches the wire format.
type mmapEntry struct {
	size       uint32
	baseAddr   uint64
	length     uint64
	regionType MemoryEntryType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info
	// that can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBadRAM indicates a memory region that the BIOS reported as
	// defective.
	MemBadRAM

	// Any value >= memUnknown is mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry: its physical address, its
// length and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// String returns a human readable description of the entry type.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI reclaimable"
	case MemNvs:
		return "ACPI NVS"
	case MemBadRAM:
		return "defective"
	default:
		return "reserved"
	}
}

// FramebufferInfo provides information about the framebuffer initialized by
// the bootloader.
type FramebufferInfo struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

var infoPtr uintptr

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// provided by the bootloader. The visitor must return true to continue or
// false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the
// given value. This function must be invoked before calling any other
// function exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoPtr = ptr
}

func header() *info {
	return (*info)(unsafe.Pointer(infoPtr))
}

// VisitMemRegions invokes the supplied visitor for each memory region
// reported via the Multiboot v1 mmap_* fields. If the bootloader did not
// provide a memory map, VisitMemRegions is a no-op.
func VisitMemRegions(visitor MemRegionVisitor) {
	hdr := header()
	if hdr.flags&flagMemMap == 0 {
		return
	}

	curPtr := uintptr(hdr.mmapAddr)
	endPtr := curPtr + uintptr(hdr.mmapLength)

	var entry *mmapEntry
	for curPtr < endPtr {
		entry = (*mmapEntry)(unsafe.Pointer(curPtr))

		mapEntry := MemoryMapEntry{
			PhysAddress: entry.baseAddr,
			Length:      entry.length,
			Type:        entry.regionType,
		}
		if mapEntry.Type == 0 || mapEntry.Type >= memUnknown {
			mapEntry.Type = MemReserved
		}

		if !visitor(&mapEntry) {
			return
		}

		// Each entry is prefixed by a size field that does not include
		// itself, so the next entry starts size+4 bytes further along.
		curPtr += uintptr(entry.size) + 4
	}
}

// LowerUpperMemory returns the amount of contiguous memory (in KiB) below
// and above the first megabyte, as reported by the BIOS via int 0x15,
// ax=0xE801/0x88. Returns (0, 0) if the bootloader did not provide this
// information.
func LowerUpperMemory() (lowerKb, upperKb uint32) {
	hdr := header()
	if hdr.flags&flagMemInfo == 0 {
		return 0, 0
	}

	return hdr.memLower, hdr.memUpper
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the bootloader. It returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	hdr := header()
	if hdr.flags&flagFramebuf == 0 {
		return nil
	}

	return &FramebufferInfo{
		PhysAddr: hdr.fbAddr,
		Pitch:    hdr.fbPitch,
		Width:    hdr.fbWidth,
		Height:   hdr.fbHeight,
		Bpp:      hdr.fbBpp,
	}
}
