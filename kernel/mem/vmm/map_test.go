package vmm

import (
	"testing"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
)

func withMapFakes(t *testing.T) {
	t.Helper()
	origAlloc, origFree := ptAllocFn, ptFreeFn
	t.Cleanup(func() { ptAllocFn, ptFreeFn = origAlloc, origFree })

	ptAllocFn = func() (uintptr, *kernel.Error) {
		return allocGoBackedTable(t), nil
	}
	ptFreeFn = func(uintptr) *kernel.Error { return nil }
}

func TestGetPageReturnsNilWithoutCreatePage(t *testing.T) {
	var dir PageDirectory
	if GetPage(PageFromAddress(0x1000), &dir) != nil {
		t.Fatal("expected a nil PTE for a page with no installed table")
	}
}

func TestCreatePageInstallsTableAndIsIdempotent(t *testing.T) {
	withMapFakes(t)

	var dir PageDirectory
	page := PageFromAddress(0x1000)

	pte1, err := CreatePage(page, &dir, false)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if pte1 == nil {
		t.Fatal("expected a non-nil PTE")
	}

	idx := tableIndex(page)
	if dir.tables[idx] == nil {
		t.Fatal("expected a table to be installed")
	}
	if dir.tablesPhysical[idx]&uint32(FlagPresent|FlagRW) != uint32(FlagPresent|FlagRW) {
		t.Fatal("expected the installed table's physical entry to carry present+rw")
	}

	pte1.SetFlags(FlagPresent)
	pte1.SetFrame(pmm.Frame(7))

	pte2, err := CreatePage(page, &dir, false)
	if err != nil {
		t.Fatalf("CreatePage (second call): %v", err)
	}
	if pte2 != GetPage(page, &dir) {
		t.Fatal("expected CreatePage to return the same PTE as GetPage for an already-populated slot")
	}
	if pte2.Frame() != pmm.Frame(7) {
		t.Fatal("expected the second CreatePage call to be idempotent and not clobber the existing entry")
	}
}

func TestCreatePageSetsUserFlagWhenRequested(t *testing.T) {
	withMapFakes(t)

	var dir PageDirectory
	page := PageFromAddress(0x2000)

	if _, err := CreatePage(page, &dir, true); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}

	idx := tableIndex(page)
	if dir.tablesPhysical[idx]&uint32(FlagUser) == 0 {
		t.Fatal("expected the user flag to be set on the table's physical entry")
	}
}

func TestAllocPageFrameIsIdempotentOnPopulatedEntry(t *testing.T) {
	origFrameAllocator := frameAllocator
	t.Cleanup(func() { frameAllocator = origFrameAllocator })

	nextFrame := pmm.Frame(10)
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}

	var pte pageTableEntry

	frame, err := AllocPageFrame(&pte, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("AllocPageFrame: %v", err)
	}
	if frame != pmm.Frame(10) {
		t.Fatalf("expected frame 10; got %d", frame)
	}
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected present+rw to be written into the entry")
	}

	again, err := AllocPageFrame(&pte, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("AllocPageFrame (second call): %v", err)
	}
	if again != frame {
		t.Fatalf("expected the populated entry's frame %d back; got %d", frame, again)
	}
	if nextFrame != pmm.Frame(11) {
		t.Fatal("expected the second call not to consume another frame")
	}
}

func TestAllocPageFramePropagatesAllocatorFailure(t *testing.T) {
	origFrameAllocator := frameAllocator
	t.Cleanup(func() { frameAllocator = origFrameAllocator })

	expErr := &kernel.Error{Module: "pmm", Message: "no free frames available"}
	frameAllocator = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }

	var pte pageTableEntry
	if _, err := AllocPageFrame(&pte, FlagPresent); err != expErr {
		t.Fatalf("expected the allocator's error back; got %v", err)
	}
	if pte != 0 {
		t.Fatal("expected the entry to be left untouched on allocation failure")
	}
}

func TestFreePageFrameClearsEntryAndIsIdempotent(t *testing.T) {
	var pte pageTableEntry
	pte.SetFrame(pmm.Frame(42))
	pte.SetFlags(FlagPresent | FlagRW)

	var freed []pmm.Frame
	freeFn := func(f pmm.Frame) { freed = append(freed, f) }

	FreePageFrame(&pte, freeFn)
	if len(freed) != 1 || freed[0] != pmm.Frame(42) {
		t.Fatalf("expected exactly frame 42 to be freed; got %v", freed)
	}
	if pte.Frame() != 0 || pte.HasFlags(FlagPresent) {
		t.Fatal("expected the entry's frame and present bit to be cleared")
	}

	FreePageFrame(&pte, freeFn)
	if len(freed) != 1 {
		t.Fatal("expected freeing an unmapped entry to be a no-op")
	}
}

func TestDestroyPageClearsFrameAndPresentBit(t *testing.T) {
	withMapFakes(t)

	var dir PageDirectory
	page := PageFromAddress(0x3000)

	pte, err := CreatePage(page, &dir, false)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(99))

	DestroyPage(page, &dir)

	if pte.HasFlags(FlagPresent) {
		t.Fatal("expected FlagPresent to be cleared")
	}
	if pte.Frame() != pmm.Frame(0) {
		t.Fatal("expected the frame to be cleared")
	}
}

func TestDestroyPageOnUnmappedPageIsNoOp(t *testing.T) {
	var dir PageDirectory
	// Must not panic despite there being no table installed.
	DestroyPage(PageFromAddress(0x4000), &dir)
}

func TestDestroyPageDirectoryFreesFramesAndTables(t *testing.T) {
	withMapFakes(t)

	var dir PageDirectory
	page := PageFromAddress(0x5000)

	pte, err := CreatePage(page, &dir, false)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(123))

	var freed []pmm.Frame
	freedTables := 0
	ptFreeFn = func(uintptr) *kernel.Error {
		freedTables++
		return nil
	}

	DestroyPageDirectory(&dir, func(f pmm.Frame) {
		freed = append(freed, f)
	})

	if len(freed) != 1 || freed[0] != pmm.Frame(123) {
		t.Fatalf("expected exactly one frame (123) to be freed; got %v", freed)
	}
	if freedTables != 1 {
		t.Fatalf("expected exactly one table to be freed; got %d", freedTables)
	}

	idx := tableIndex(page)
	if dir.tables[idx] != nil {
		t.Fatal("expected the table slot to be cleared")
	}
	if dir.tablesPhysical[idx] != 0 {
		t.Fatal("expected the physical table entry to be cleared")
	}
}

func TestDestroyPageDirectorySkipsUnmappedEntries(t *testing.T) {
	withMapFakes(t)

	var dir PageDirectory
	page := PageFromAddress(0x6000)

	// Leave the entry present-less: CreatePage installs the table but the
	// entry itself stays unmapped.
	if _, err := CreatePage(page, &dir, false); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}

	var freedCount int
	DestroyPageDirectory(&dir, func(pmm.Frame) { freedCount++ })

	if freedCount != 0 {
		t.Fatalf("expected no frames freed for an unmapped entry; got %d", freedCount)
	}
}
