package kmain

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/hal"
	"github.com/vvaucoul/Kronos/kernel/hal/multiboot"
	"github.com/vvaucoul/Kronos/kernel/kfmt"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/ealloc"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm/bitmap"
	"github.com/vvaucoul/Kronos/kernel/mem/ptpool"
	"github.com/vvaucoul/Kronos/kernel/mem/vmm"
	"github.com/vvaucoul/Kronos/kernel/task"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelTaskStackBase is where the kernel task's stack is relocated to on
// startup, matching the reference init_tasking's move_stack(0xE0000000, ...)
// call. It sits well above the heap's virtual range and far below the
// top of the higher-half address space, so it never overlaps either.
const kernelTaskStackBase = uintptr(0xE0000000)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end and the
// ESP the trampoline was running on when it handed off to Go.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, bootEsp uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("Starting Kronos\n")

	ealloc.Allocator.Init(kernelEnd)

	_, upperKb := multiboot.LowerUpperMemory()
	memSize := mem.Size(upperKb)*1024 + 0x100000

	var err *kernel.Error
	if err = bitmap.Init(memSize, kernelStart, kernelEnd); err != nil {
		panic(err)
	}
	vmm.SetFrameAllocator(bitmap.Allocator.Alloc)

	if err = ptpool.Init(); err != nil {
		panic(err)
	}

	if err = vmm.Init(ealloc.Allocator.PlacementAddr()); err != nil {
		panic(err)
	}

	// The heap is live from this point on, so diagnostics switch from the
	// allocation-free early formatter to kfmt, which can address any
	// io.Writer rather than being wired to a single hardcoded terminal.
	kfmt.SetOutputSink(hal.ActiveTerminal)

	task.SetFrameFreer(bitmap.Allocator.Free)
	if err = task.Init(&vmm.KernelDirectory, kernelTaskStackBase, bootEsp); err != nil {
		panic(err)
	}
	task.InitSignals()

	kfmt.Printf("Kronos is up, pid %d scheduling\n", task.Getpid())

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
