// Package task implements the kernel's cooperative-with-tick task layer: a
// pid-indexed task table, a doubly linked ready queue and a singly linked
// wait queue, fork via address-space cloning, and the lifecycle operations
// (wait, kill, exit, lock, unlock) built on top of them.
package task

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/cpu"
	"github.com/vvaucoul/Kronos/kernel/kfmt/early"
	"github.com/vvaucoul/Kronos/kernel/mem"
	"github.com/vvaucoul/Kronos/kernel/mem/pmm"
	"github.com/vvaucoul/Kronos/kernel/mem/vmm"
)

// KernelStackSize is the size of the kernel-mode stack attached to every
// task.
const KernelStackSize = mem.Size(8 * 1024)

// MaxProcess bounds the number of live tasks the table is expected to hold.
// Nothing in this package allocates a fixed-size array of this length (the
// task table is a linked list, not a slab), but callers sizing
// pid-indexed auxiliary structures should treat this as the ceiling.
const MaxProcess = 64

// State is a task's position in its lifecycle state machine.
type State int

const (
	// StateIniting is assigned to a freshly forked task before it has been
	// linked into the ready queue.
	StateIniting State = iota
	// StateReady marks a task eligible to run but not currently dispatched.
	StateReady
	// StateRunning marks the task currently holding the CPU. Exactly one
	// task is RUNNING at a time: the one current points to.
	StateRunning
	// StateWaiting marks a task parked on the wait queue.
	StateWaiting
	// StateZombie marks a task that has exited but not yet been reaped by
	// Kill or Wait.
	StateZombie
)

// String renders a State for diagnostics.
func (s State) String() string {
	switch s {
	case StateIniting:
		return "INITING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// Ids mirrors the reference task_id_t: the credential set a task runs with.
type Ids struct {
	UID, GID, EUID, EGID uint32
}

// CPULoad holds a task's CPU-time accounting fields, mirroring the
// reference cpu_load record. Nothing in this package writes to them: every
// Task's cpuLoad stays at its zero value.
type CPULoad struct {
	StartTime     uint64
	LastStartTime uint64
	LoadTime      uint64
}

// Task is a single schedulable unit of execution.
//
// next/prev link the task into the doubly linked ready queue. waitNext
// links it into the singly linked wait queue instead of reusing next, since
// a task can only ever be on one of the two queues at a time but the
// reference implementation's wait-queue splice in unlock_task walks a chain
// distinct from the ready queue's; keeping the fields separate avoids one
// queue's splice silently corrupting the other's links.
type Task struct {
	pid   int32
	ppid  int32
	state State

	esp, ebp, eip uintptr

	directory   *vmm.PageDirectory
	kernelStack uintptr

	exitCode int32
	owner    uint32
	ids      Ids
	cpuLoad  CPULoad

	signalQueue *pendingSignal

	// entry is the function a forked task runs. See fork.go for why this
	// replaces the reference implementation's read_eip/longjmp-style
	// resume point.
	entry func()

	// selfReap marks a task whose entry should be reaped with Kill
	// immediately after it runs to completion, reproducing init_task's
	// fn()-then-kill_task(own_pid) contract. Plain Fork leaves this false:
	// its task is left ZOMBIE for the parent's Wait/Kill to reap, so an
	// exit code entry sets via Exit is preserved instead of being
	// overwritten. Set by InitTask, never by Fork itself.
	selfReap bool

	next, prev *Task
	waitNext   *Task
}

// Pid returns the task's process id.
func (t *Task) Pid() int32 { return t.pid }

// Ppid returns the task's parent process id.
func (t *Task) Ppid() int32 { return t.ppid }

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// ExitCode returns the value task_exit (or a SIGKILL handler) recorded.
func (t *Task) ExitCode() int32 { return t.exitCode }

// Directory returns the task's page directory.
func (t *Task) Directory() *vmm.PageDirectory { return t.directory }

// SetIds assigns the task's full credential set, mirroring the reference
// set_task_uid/gid/euid/egid family.
func (t *Task) SetIds(ids Ids) { t.ids = ids }

// Ids returns the task's credential set.
func (t *Task) Ids() Ids { return t.ids }

// Owner returns the task's owning uid, mirroring getuid().
func (t *Task) Owner() uint32 { return t.owner }

var (
	errInvalidPid    = &kernel.Error{Module: "task", Message: "no task exists for the given pid"}
	errProtectedTask = &kernel.Error{Module: "task", Message: "cannot operate on the kernel task or pid 1"}

	// frameFreeFn is registered via SetFrameFreer so this package never
	// imports a concrete frame allocator directly, mirroring how vmm takes
	// its frame allocator through an indirection variable.
	frameFreeFn func(pmm.Frame)

	// kmallocFn/kfreeFn indirect every kernel-stack and signal-queue
	// allocation through vmm's heap. Kept as package vars so tests can
	// substitute a Go-heap-backed fake instead of requiring a live kernel
	// heap.
	kmallocFn = vmm.Kmalloc
	kfreeFn   = vmm.Kfree

	// disableInterrupts/enableInterrupts indirect the two cpu primitives
	// every task-list mutation brackets itself with, the same seam vmm
	// uses for its own hardware calls (switchPDTFn, activePDTFn, ...);
	// there is no assembly implementation of either in a hosted test
	// binary, so tests override these to no-ops.
	disableInterrupts = cpu.DisableInterrupts
	enableInterrupts  = cpu.EnableInterrupts

	readyQueue *Task
	waitQueue  *Task
	current    *Task

	nextPid int32 = 1
	ticks   uint64
)

// SetFrameFreer registers the function Fork hands to the directory clone and,
// when Fork fails after cloning, to the teardown of the cloned directory.
// Kill does not free a task's page directory.
func SetFrameFreer(freeFn func(pmm.Frame)) {
	frameFreeFn = freeFn
}

// Current returns the task currently holding the CPU.
func Current() *Task { return current }

// Getpid returns the current task's pid.
func Getpid() int32 {
	if current == nil {
		return 0
	}
	return current.pid
}

// Getppid returns the current task's parent pid.
func Getppid() int32 {
	if current == nil {
		return 0
	}
	return current.ppid
}

// Get returns the task with the given pid, or nil if none exists. It walks
// the ready queue, matching the reference get_task, which only ever
// searches ready_queue (a zombie or waiting task is still linked there;
// only a fully killed task is unlinked).
func Get(pid int32) *Task {
	for t := readyQueue; t != nil; t = t.next {
		if t.pid == pid {
			return t
		}
	}
	return nil
}

// IsValidPid reports whether pid names a live task.
func IsValidPid(pid int32) bool {
	return Get(pid) != nil
}

func appendReady(t *Task) {
	if readyQueue == nil {
		readyQueue = t
		t.next, t.prev = nil, nil
		return
	}
	tail := readyQueue
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = t
	t.prev = tail
	t.next = nil
}

func unlinkReady(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		readyQueue = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	}
	t.next, t.prev = nil, nil
}

// Init relocates the boot stack to kernelStackBase and registers the
// caller as task 1, the kernel task. initialEsp is the boot trampoline's
// ESP at the time control reached Go code; it is needed to bound which
// words in the relocated region are old in-stack pointers worth rewriting.
//
// This mirrors init_tasking's move_stack call followed by the construction
// of the first task_t. It must run after vmm.Init, since it maps pages
// through the active kernel directory.
func Init(dir *vmm.PageDirectory, kernelStackBase uintptr, initialEsp uintptr) *kernel.Error {
	if err := relocateStack(dir, kernelStackBase, KernelStackSize, initialEsp); err != nil {
		return err
	}

	stack, err := kmallocFn(KernelStackSize)
	if err != nil {
		return err
	}

	current = &Task{
		pid:         nextPid,
		ppid:        0,
		state:       StateRunning,
		directory:   dir,
		kernelStack: stack,
	}
	nextPid++

	readyQueue = current
	waitQueue = nil

	early.Printf("[task] kernel task started as pid %d\n", current.pid)
	return nil
}

// relocateStack implements move_stack: it maps a fresh region of size bytes
// ending at newTop, reloads the MMU, copies the live stack into it
// byte-for-byte, rewrites every interior pointer that pointed into the old
// stack so it points to the corresponding offset in the new one, and
// switches ESP/EBP to the new region.
func relocateStack(dir *vmm.PageDirectory, newTop uintptr, size mem.Size, initialEsp uintptr) *kernel.Error {
	pageCount := uint32(size / mem.PageSize)
	for i := uint32(0); i < pageCount; i++ {
		addr := newTop - uintptr(i)*uintptr(mem.PageSize)
		page, err := vmm.CreatePage(vmm.PageFromAddress(addr-1), dir, false)
		if err != nil {
			return err
		}
		if _, err := vmm.AllocPageFrame(page, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}

	dir.Activate()

	oldEsp := cpu.StackPointer()
	oldEbp := cpu.BasePointer()

	offset := newTop - initialEsp
	newEsp := oldEsp + offset
	newEbp := oldEbp + offset

	mem.Memcopy(oldEsp, newEsp, mem.Size(initialEsp-oldEsp))

	for addr := newTop; addr > newTop-uintptr(size); addr -= 4 {
		word := *(*uintptr)(unsafe.Pointer(addr))
		if word > oldEsp && word < initialEsp {
			*(*uintptr)(unsafe.Pointer(addr)) = word + offset
		}
	}

	cpu.RelocateStack(newEsp, newEbp)
	return nil
}
