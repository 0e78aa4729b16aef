package task

import (
	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem/vmm"
)

// activateDirFn installs a task's address space when it is dispatched. An
// indirection for the same reason vmm keeps switchPDTFn: reloading CR3 only
// works in ring 0, so hosted tests substitute a no-op.
var activateDirFn = func(d *vmm.PageDirectory) { d.Activate() }

// SwitchToUserModeFn programs the real privilege-level transition: it must
// point the TSS's esp0 at kernelStackTop and perform the IRET into ring 3.
// The TSS/GDT subsystem that does this lives outside this package's
// boundary (the same out-of-scope boot-time collaborator the paging layer
// defers its interrupt-vector installation to); SwitchToUserMode calls
// whatever has been registered through SetSwitchToUserMode.
type SwitchToUserModeFn func(kernelStackTop uintptr)

var switchToUserModeFn SwitchToUserModeFn = func(uintptr) {}

// SetSwitchToUserMode registers the function that performs the ring 3
// transition.
func SetSwitchToUserMode(fn SwitchToUserModeFn) {
	switchToUserModeFn = fn
}

// SwitchToUserMode hands the current task's kernel stack top to the
// registered transition function.
func SwitchToUserMode() {
	if current == nil {
		return
	}
	switchToUserModeFn(current.kernelStack + uintptr(KernelStackSize))
}

// nextRunnable returns the next READY or INITING task strictly after cur in
// the ready queue, wrapping around and never returning cur itself.
func nextRunnable(cur *Task) *Task {
	if readyQueue == nil || cur == nil {
		return nil
	}
	for t := cur.next; t != cur; {
		if t == nil {
			t = readyQueue
			if t == cur {
				break
			}
		}
		if t.state == StateReady || t.state == StateIniting {
			return t
		}
		t = t.next
	}
	return nil
}

// activate installs t as the current task, switches to its address space,
// delivers any signals queued for it, and — if this is its first dispatch
// — runs its stored entry function to completion. A task that returns
// without calling Exit itself is implicitly exited with code 0; whether it
// is then reaped immediately (InitTask's contract) or left ZOMBIE for a
// parent's Wait/Kill (a plain Fork) depends on t.selfReap. See Fork for why
// a freshly forked task's body runs this way instead of being resumed from
// a saved register snapshot.
func activate(t *Task) {
	current = t
	activateDirFn(t.directory)
	t.state = StateRunning
	DeliverPending(t)

	if current != t {
		// A pending signal (SIGKILL's handler calls Kill directly) reaped
		// t before it ever ran; nothing left to dispatch it into.
		scheduleNext()
		return
	}

	if t.entry != nil {
		entry := t.entry
		t.entry = nil
		entry()

		if current == t {
			if t.state == StateRunning {
				// entry returned without calling Exit itself; treat a bare
				// return as an implicit successful exit, the same as the
				// reference init_task's fn() falling through to
				// kill_task(own_pid) with no explicit task_exit call.
				Exit(0)
			}
			if t.selfReap {
				// Only InitTask's contract reaps its task immediately;
				// see fork.go. A plain Fork leaves t ZOMBIE, with whatever
				// exit code entry set via Exit intact, for a parent's
				// Wait or Kill to reap later.
				Kill(t.pid)
			} else {
				current = nil
			}
		}
		scheduleNext()
	}
}

// scheduleNext installs the first READY or INITING task found in the ready
// queue as current. Used when current has no task to fall back to, e.g.
// right after the running task was reaped.
func scheduleNext() {
	if current != nil {
		return
	}
	for t := readyQueue; t != nil; t = t.next {
		if t.state == StateReady || t.state == StateIniting {
			activate(t)
			return
		}
	}
}

// Tick is the scheduler's sole entry point, called once per timer
// interrupt by the (out-of-scope) PIT/IRQ subsystem. It cycles current
// through the ready queue exactly as the reference scheduler's PIT handler
// does.
func Tick() {
	ticks++

	if current == nil {
		scheduleNext()
		return
	}

	next := nextRunnable(current)
	if next == nil {
		return
	}

	if current.state == StateRunning {
		current.state = StateReady
	}
	activate(next)
}

// Sleep busy-waits until at least n scheduler ticks have elapsed. This
// cooperative design has no blocking primitive, only a spin on the tick
// counter Tick advances — matching ksleep exactly.
func Sleep(n uint64) {
	target := ticks + n
	for ticks < target {
	}
}

// Lock moves t to the head of the wait queue and marks it WAITING.
func Lock(t *Task) {
	disableInterrupts()
	t.state = StateWaiting
	t.waitNext = waitQueue
	waitQueue = t
	enableInterrupts()
}

// Unlock removes t from the wait queue and marks it READY again.
//
// The reference unlock_task sets the task's state back to RUNNING
// verbatim, but only the task current_task points at is ever actually
// dispatched as running; any other task left in that state would never be
// picked up again by the ready-queue cycle. This port sets it to READY
// instead so an unlocked task is actually reachable by the next Tick, a
// deliberate correction rather than a literal reproduction of that
// quirk.
func Unlock(t *Task) {
	disableInterrupts()
	defer enableInterrupts()

	if waitQueue == nil {
		return
	}

	if waitQueue == t {
		waitQueue = t.waitNext
	} else {
		p := waitQueue
		for p.waitNext != nil && p.waitNext != t {
			p = p.waitNext
		}
		if p.waitNext == t {
			p.waitNext = t.waitNext
		}
	}

	t.waitNext = nil
	t.state = StateReady
}

// Wait spins while pid has not yet exited, sleeping one tick between polls,
// then reaps it and returns its exit code.
//
// The loop condition checks for "not yet ZOMBIE" rather than "RUNNING":
// a freshly forked task starts out READY/INITING, not RUNNING, until the
// scheduler actually dispatches it (see Fork), and the reference
// task_wait's "spins while RUNNING" assumption only holds because the
// original fork leaves its child RUNNING immediately. Spinning only on
// RUNNING here would return before the child ever executed.
func Wait(pid int32) (int32, *kernel.Error) {
	t := Get(pid)
	if t == nil {
		return -1, errInvalidPid
	}

	for t.state != StateZombie {
		Sleep(1)
	}

	exitCode := t.exitCode
	Kill(pid)
	return exitCode, nil
}

// Exit marks the current task ZOMBIE with the given exit code. Reaping is
// deferred to Kill or Wait.
func Exit(retval int32) {
	if current == nil {
		return
	}
	current.exitCode = retval
	current.state = StateZombie
}

// Kill refuses to act on pid 0 (a no-op success, matching kill_task's
// `if (!pid) return 0`) or on any task whose ppid is 0 — which in practice
// is only ever the kernel task, since every forked task's ppid is its
// parent's nonzero pid. Children are found by scanning the ready queue for
// ppid == pid, rather than the reference implementation's walk of
// tmp_task->next, which zombifies every task after the victim in list
// order regardless of whether it is actually a child.
func Kill(pid int32) *kernel.Error {
	if pid == 0 {
		return nil
	}

	disableInterrupts()
	defer enableInterrupts()

	victim := Get(pid)
	if victim == nil {
		return errInvalidPid
	}
	if victim.ppid == 0 {
		return errProtectedTask
	}

	for c := readyQueue; c != nil; c = c.next {
		if c.ppid == pid && c.state != StateZombie {
			c.state = StateZombie
		}
	}

	// The victim's page directory is intentionally not freed: this
	// matches the reference kill_task, which never frees the address
	// space it tears a task out of.
	kfreeFn(victim.kernelStack)
	unlinkReady(victim)

	if current == victim {
		current = nil
	}

	return nil
}
