package task

import (
	"testing"

	"github.com/vvaucoul/Kronos/kernel/mem/vmm"
)

func TestNextRunnableSkipsWaitingAndZombie(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1, state: StateRunning}
	b := &Task{pid: 2, state: StateWaiting}
	c := &Task{pid: 3, state: StateZombie}
	d := &Task{pid: 4, state: StateReady}
	appendReady(a)
	appendReady(b)
	appendReady(c)
	appendReady(d)

	if got := nextRunnable(a); got != d {
		t.Fatalf("expected nextRunnable to skip WAITING/ZOMBIE tasks and land on d; got %+v", got)
	}
}

func TestNextRunnableWrapsAround(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1, state: StateReady}
	b := &Task{pid: 2, state: StateRunning}
	appendReady(a)
	appendReady(b)

	if got := nextRunnable(b); got != a {
		t.Fatal("expected nextRunnable to wrap around to the head of the queue")
	}
}

func TestNextRunnableReturnsNilWhenNothingElseIsRunnable(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1, state: StateRunning}
	appendReady(a)

	if got := nextRunnable(a); got != nil {
		t.Fatalf("expected nil when the running task is the only one linked; got %+v", got)
	}
}

func TestLockMovesTaskToWaitQueue(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1, state: StateRunning}
	Lock(a)

	if a.state != StateWaiting {
		t.Fatalf("expected state WAITING after Lock; got %s", a.state)
	}
	if waitQueue != a {
		t.Fatal("expected the locked task to become the wait queue head")
	}
}

func TestUnlockRestoresReadyNotRunning(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1}
	Lock(a)
	Unlock(a)

	// Deliberate deviation from the literal reference behavior: RUNNING
	// would strand the task forever since only current is ever dispatched.
	if a.state != StateReady {
		t.Fatalf("expected state READY after Unlock; got %s", a.state)
	}
	if waitQueue != nil {
		t.Fatal("expected the wait queue to be empty after unlocking its only entry")
	}
}

func TestUnlockRemovesFromMiddleOfWaitQueue(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1}
	b := &Task{pid: 2}
	c := &Task{pid: 3}
	Lock(a)
	Lock(b)
	Lock(c)
	// wait queue head is now c -> b -> a (Lock pushes onto the head)

	Unlock(b)

	if waitQueue != c || c.waitNext != a || a.waitNext != nil {
		t.Fatal("expected b to be spliced out of the middle of the wait queue")
	}
}

func TestExitMarksCurrentZombie(t *testing.T) {
	resetTaskTable(t)

	a := &Task{pid: 1, state: StateRunning}
	current = a

	Exit(7)

	if a.state != StateZombie {
		t.Fatalf("expected state ZOMBIE after Exit; got %s", a.state)
	}
	if a.ExitCode() != 7 {
		t.Fatalf("expected exit code 7; got %d", a.ExitCode())
	}
}

func TestExitWithNoCurrentTaskIsNoOp(t *testing.T) {
	resetTaskTable(t)
	Exit(1) // must not panic
}

func TestKillZombifiesOnlyActualChildren(t *testing.T) {
	resetTaskTable(t)

	orig := kfreeFn
	t.Cleanup(func() { kfreeFn = orig })
	kfreeFn = func(uintptr) {}

	parent := &Task{pid: 5, ppid: 1, kernelStack: 0x3000}
	child := &Task{pid: 6, ppid: 5, state: StateReady}
	unrelated := &Task{pid: 7, ppid: 99, state: StateReady}
	appendReady(parent)
	appendReady(child)
	appendReady(unrelated)

	if err := Kill(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if child.State() != StateZombie {
		t.Fatal("expected the victim's child to be zombified")
	}
	if unrelated.State() == StateZombie {
		t.Fatal("expected an unrelated task to keep its original state, not be zombified")
	}
}

func TestKillRefusesTheKernelTask(t *testing.T) {
	resetTaskTable(t)

	kernelTask := &Task{pid: 1, ppid: 0}
	appendReady(kernelTask)

	if err := Kill(1); err == nil {
		t.Fatal("expected Kill to refuse a task whose ppid is 0")
	}
	if readyQueue != kernelTask {
		t.Fatal("expected the kernel task to remain linked after a refused Kill")
	}
}

func TestKillPidZeroIsNoOp(t *testing.T) {
	resetTaskTable(t)
	if err := Kill(0); err != nil {
		t.Fatalf("expected Kill(0) to be a no-op success; got %v", err)
	}
}

func TestKillUnknownPid(t *testing.T) {
	resetTaskTable(t)
	if err := Kill(42); err == nil {
		t.Fatal("expected an error killing a pid with no task")
	}
}

func TestKillUnlinksVictimAndFreesStack(t *testing.T) {
	resetTaskTable(t)

	var freed uintptr
	orig := kfreeFn
	t.Cleanup(func() { kfreeFn = orig })
	kfreeFn = func(addr uintptr) { freed = addr }

	victim := &Task{pid: 2, ppid: 1, kernelStack: 0xABCD}
	appendReady(victim)
	current = victim

	if err := Kill(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if freed != 0xABCD {
		t.Fatalf("expected the victim's kernel stack to be freed; got %x", freed)
	}
	if readyQueue != nil {
		t.Fatal("expected the victim to be unlinked from the ready queue")
	}
	if current != nil {
		t.Fatal("expected current to be cleared when Kill targets the current task")
	}
}

func TestWaitReapsAfterExit(t *testing.T) {
	resetTaskTable(t)

	orig := kfreeFn
	t.Cleanup(func() { kfreeFn = orig })
	kfreeFn = func(uintptr) {}

	victim := &Task{pid: 3, ppid: 1, state: StateZombie, exitCode: 9}
	appendReady(victim)

	code, err := Wait(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 9 {
		t.Fatalf("expected exit code 9; got %d", code)
	}
	if IsValidPid(3) {
		t.Fatal("expected Wait to reap the zombie task")
	}
}

// TestForkDispatchThroughTickLetsWaitObserveExitCode drives the actual
// Fork -> Tick -> activate -> Wait pipeline end to end, the scenario the
// scheduler's synchronous entry-dispatch substitute exists to serve (see
// Fork's doc comment). It catches two bugs a direct-state-construction test
// cannot: a freshly forked task starting out somewhere other than RUNNING
// (making Wait's old "spins while RUNNING" condition return immediately),
// and activate clobbering an exit code entry already set via Exit.
func TestForkDispatchThroughTickLetsWaitObserveExitCode(t *testing.T) {
	resetTaskTable(t)
	withForkFakes(t)

	origKfree := kfreeFn
	t.Cleanup(func() { kfreeFn = origKfree })
	kfreeFn = func(uintptr) {}

	parent := &Task{pid: 1, state: StateRunning, directory: &vmm.PageDirectory{}}
	appendReady(parent)
	current = parent
	nextPid = 2

	childPid, err := Fork(func() {
		Exit(42)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// nextRunnable walks forward from current (the parent) to the freshly
	// appended child; activate runs its entry to completion synchronously.
	// A plain Fork's child is not selfReap, so it is left ZOMBIE rather
	// than auto-killed, and scheduleNext falls through to the only other
	// ready task: the parent.
	Tick()

	if current != parent {
		t.Fatalf("expected the parent to be rescheduled after the child ran; got %+v", current)
	}
	if state := Get(childPid).State(); state != StateZombie {
		t.Fatalf("expected the child to be left ZOMBIE after running to completion; got %s", state)
	}

	code, err := Wait(childPid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 42 {
		t.Fatalf("expected Wait to observe the exit code entry set via Exit; got %d", code)
	}
	if IsValidPid(childPid) {
		t.Fatal("expected Wait to reap the child")
	}
}

// TestForkChildImplicitlyExitsZeroWhenEntryReturnsWithoutExit checks the
// other half of activate's post-entry handling: a task whose entry returns
// without calling Exit itself still ends up ZOMBIE with exit code 0,
// instead of being left RUNNING forever.
func TestForkChildImplicitlyExitsZeroWhenEntryReturnsWithoutExit(t *testing.T) {
	resetTaskTable(t)
	withForkFakes(t)

	orig := kfreeFn
	t.Cleanup(func() { kfreeFn = orig })
	kfreeFn = func(uintptr) {}

	parent := &Task{pid: 1, state: StateRunning, directory: &vmm.PageDirectory{}}
	appendReady(parent)
	current = parent
	nextPid = 2

	childPid, err := Fork(func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Tick()

	child := Get(childPid)
	if child.State() != StateZombie {
		t.Fatalf("expected a returning entry to implicitly exit; got %s", child.State())
	}
	if child.ExitCode() != 0 {
		t.Fatalf("expected an implicit exit code of 0; got %d", child.ExitCode())
	}
}

// TestInitTaskSelfReapsAfterEntryExits checks InitTask's own contract:
// unlike a plain Fork, its child is reaped by Kill immediately once its
// body returns (here after calling Exit), its kernel stack is freed, and
// the parent is scheduled again.
func TestInitTaskSelfReapsAfterEntryExits(t *testing.T) {
	resetTaskTable(t)
	withForkFakes(t)

	var freedStack uintptr
	origKfree := kfreeFn
	t.Cleanup(func() { kfreeFn = origKfree })
	kfreeFn = func(addr uintptr) { freedStack = addr }

	parent := &Task{pid: 1, state: StateRunning, directory: &vmm.PageDirectory{}}
	appendReady(parent)
	current = parent
	nextPid = 2

	childPid, err := InitTask(func() {
		Exit(7)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Tick()

	if IsValidPid(childPid) {
		t.Fatal("expected InitTask's child to be reaped immediately once its entry returns")
	}
	if freedStack != 0x1000 {
		t.Fatalf("expected the child's kernel stack to be freed by the self-reap Kill; got %x", freedStack)
	}
	if current != parent {
		t.Fatalf("expected the parent to be rescheduled; got %+v", current)
	}
}

func TestWaitUnknownPid(t *testing.T) {
	resetTaskTable(t)
	if _, err := Wait(123); err == nil {
		t.Fatal("expected an error waiting on an unknown pid")
	}
}

func TestSwitchToUserModeWithNoCurrentTaskIsNoOp(t *testing.T) {
	resetTaskTable(t)

	origFn := switchToUserModeFn
	t.Cleanup(func() { switchToUserModeFn = origFn })

	called := false
	switchToUserModeFn = func(uintptr) { called = true }

	SwitchToUserMode()
	if called {
		t.Fatal("expected no call when there is no current task")
	}
}

func TestSwitchToUserModePassesKernelStackTop(t *testing.T) {
	resetTaskTable(t)

	origFn := switchToUserModeFn
	t.Cleanup(func() { switchToUserModeFn = origFn })

	var got uintptr
	switchToUserModeFn = func(top uintptr) { got = top }

	current = &Task{pid: 1, kernelStack: 0x2000}
	SwitchToUserMode()

	if exp := uintptr(0x2000) + uintptr(KernelStackSize); got != exp {
		t.Fatalf("expected kernel stack top %x; got %x", exp, got)
	}
}
