package task

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem/vmm"
)

// cloneDirectoryFn and destroyDirectoryFn indirect the address-space clone
// so tests can substitute a fake directory instead of requiring a live MMU,
// the same seam vmm itself uses for its own hardware calls.
var (
	cloneDirectoryFn   = vmm.CloneDirectory
	destroyDirectoryFn = vmm.DestroyPageDirectory
)

// Fork clones the current task's address space and queues a new task to run
// entry.
//
// The reference task_fork reads the instruction pointer with read_eip and
// stashes it, alongside the current ESP/EBP, as the child's saved context;
// when the scheduler later dispatches the child by restoring those
// registers, control resumes inside task_fork itself, which tells parent
// and child apart by comparing current_task against the parent pointer it
// captured on entry — the same call returns twice, once down each path.
// That trick depends on assembly that can repoint a live call stack
// mid-function, which Go's calling convention does not expose. This port
// keeps everything else task_fork does — disable-interrupts-equivalent
// bracketing around the structural changes, directory clone, fresh task
// record, tail-of-ready-queue linkage, fresh pid, ppid assignment — and
// replaces only the resume trick: entry is stored on the child task and run
// once the scheduler actually dispatches it (see sched.go), rather than
// resumed from a captured register snapshot.
//
// Fork returns the child's pid to the caller, mirroring the parent's return
// path in the reference implementation. There is no second return with 0:
// callers that want "the child runs this code" behavior should pass entry
// rather than branching on Fork's return value, which is what InitTask does.
func Fork(entry func()) (int32, *kernel.Error) {
	disableInterrupts()
	defer enableInterrupts()

	parent := current

	directory, err := cloneDirectoryFn(parent.directory, frameFreeFn)
	if err != nil {
		return 0, err
	}

	stack, err := kmallocFn(KernelStackSize)
	if err != nil {
		destroyDirectoryFn(directory, frameFreeFn)
		return 0, err
	}

	child := &Task{
		pid:         nextPid,
		ppid:        parent.pid,
		state:       StateIniting,
		directory:   directory,
		kernelStack: stack,
		entry:       entry,
	}
	nextPid++

	appendReady(child)
	child.state = StateReady

	return child.pid, nil
}

// InitTask forks and runs fn as the new task's body.
//
// In the reference implementation init_task forks, and in the child branch
// (ret == 0) calls fn() directly followed by kill_task(own_pid); the parent
// branch just returns the child's pid. Since Fork here cannot itself split
// into two execution paths, InitTask runs fn synchronously to completion
// as soon as the child is first dispatched (see activate in sched.go),
// then kills it — reproducing the fork-run-reap sequence the reference
// init_task performs, at the cost of the child executing within the
// scheduler's own call rather than truly concurrently with the parent.
//
// The self-kill is InitTask's own contract, not Fork's: the child task
// returned by Fork is marked selfReap here so activate knows to reap it the
// instant its body returns, instead of leaving it ZOMBIE for a parent's
// Wait the way a plain Fork does.
func InitTask(fn func()) (int32, *kernel.Error) {
	pid, err := Fork(fn)
	if err != nil {
		return 0, err
	}
	if t := Get(pid); t != nil {
		t.selfReap = true
	}
	return pid, nil
}
