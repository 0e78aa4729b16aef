package multiboot

import (
	"testing"
	"unsafe"
)

// buildInfo lays out a Multiboot v1 info header followed by a memory map
// inside buf and returns the buffer so the caller can keep it alive.
func buildInfo(entries []MemoryMapEntry) []byte {
	const hdrSize = unsafe.Sizeof(info{})
	entrySize := unsafe.Sizeof(mmapEntry{})

	buf := make([]byte, hdrSize+entrySize*uintptr(len(entries))+8)
	base := uintptr(unsafe.Pointer(&buf[0]))

	hdr := (*info)(unsafe.Pointer(base))
	hdr.flags = flagMemMap
	hdr.mmapAddr = uint32(base + hdrSize)
	hdr.mmapLength = uint32(entrySize) * uint32(len(entries))

	for i, e := range entries {
		entry := (*mmapEntry)(unsafe.Pointer(base + hdrSize + entrySize*uintptr(i)))
		entry.size = uint32(entrySize) - 4
		entry.baseAddr = e.PhysAddress
		entry.length = e.Length
		entry.regionType = e.Type
	}

	return buf
}

func TestVisitMemRegions(t *testing.T) {
	want := []MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: MemAvailable},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemReserved},
	}

	buf := buildInfo(want)
	SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	var got []MemoryMapEntry
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		got = append(got, *e)
		return true
	})

	if len(got) != len(want) {
		t.Fatalf("expected %d regions; got %d", len(want), len(got))
	}

	for i, exp := range want {
		if got[i] != exp {
			t.Errorf("[region %d] expected %+v; got %+v", i, exp, got[i])
		}
	}
}

func TestVisitMemRegionsAbortsEarly(t *testing.T) {
	buf := buildInfo([]MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x1000, Type: MemAvailable},
		{PhysAddress: 0x1000, Length: 0x1000, Type: MemAvailable},
		{PhysAddress: 0x2000, Length: 0x1000, Type: MemAvailable},
	})
	SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	visitCount := 0
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		visitCount++
		return visitCount < 2
	})

	if visitCount != 2 {
		t.Fatalf("expected visitor to be called exactly twice; got %d", visitCount)
	}
}

func TestVisitMemRegionsNoMemMap(t *testing.T) {
	buf := make([]byte, unsafe.Sizeof(info{}))
	SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	called := false
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		called = true
		return true
	})

	if called {
		t.Fatal("expected visitor not to be invoked when no memory map is present")
	}
}

func TestUnknownRegionTypeMappedToReserved(t *testing.T) {
	buf := buildInfo([]MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x1000, Type: MemoryEntryType(99)},
	})
	SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))

	var got MemoryEntryType
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		got = e.Type
		return true
	})

	if got != MemReserved {
		t.Fatalf("expected unknown region type to be mapped to MemReserved; got %v", got)
	}
}
