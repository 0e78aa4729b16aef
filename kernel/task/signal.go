package task

import (
	"unsafe"

	"github.com/vvaucoul/Kronos/kernel"
	"github.com/vvaucoul/Kronos/kernel/mem"
)

// SignalsCount bounds the process-wide signal handler table.
const SignalsCount = 32

// SigKill is the only signal this layer requires a handler for.
const SigKill = 9

var errInvalidSignal = &kernel.Error{Module: "task", Message: "signal number out of range"}

type signalHandler func(t *Task, signum int32)

type signalSlot struct {
	name    string
	signum  int32
	handler signalHandler
}

// pendingSignal is a node in a task's signal queue, allocated through the
// kernel heap rather than a Go slice so the queue's storage comes from the
// same kmalloc-backed pool as every other dynamically sized kernel
// structure in this tree.
type pendingSignal struct {
	signum  int32
	handler signalHandler
	next    *pendingSignal
}

var signalTable [SignalsCount]signalSlot

// InitSignals populates the signal handler table. The only handler the
// reference kernel registers is SIGKILL; everything else is left as a
// zero-value slot, which Signal rejects as out of range only if the number
// itself is out of bounds — an unregistered-but-in-range signum is
// delivered with a nil handler and silently dropped by DeliverPending.
func InitSignals() {
	signalTable = [SignalsCount]signalSlot{}
	addSignalHandler(SigKill, killHandler, "SIGKILL")
}

func addSignalHandler(signum int32, handler signalHandler, name string) {
	signalTable[signum] = signalSlot{name: name, signum: signum, handler: handler}
}

// killHandler is SIGKILL's handler: it zeroes the exit code and kills the
// receiving task.
func killHandler(t *Task, _ int32) {
	t.exitCode = 0
	Kill(t.pid)
}

// Signal queues signum for delivery to pid on its next dispatch. It refuses
// pid 0 and the kernel task (ppid 0), and rejects an out-of-range signum.
func Signal(pid int32, signum int32) *kernel.Error {
	if pid == 0 {
		return errProtectedTask
	}

	t := Get(pid)
	if t == nil {
		return errInvalidPid
	}
	if t.ppid == 0 {
		return errProtectedTask
	}
	if signum < 0 || signum >= SignalsCount {
		return errInvalidSignal
	}

	return queueSignal(t, signum, signalTable[signum].handler)
}

func queueSignal(t *Task, signum int32, handler signalHandler) *kernel.Error {
	addr, err := kmallocFn(mem.Size(unsafe.Sizeof(pendingSignal{})))
	if err != nil {
		return err
	}

	node := (*pendingSignal)(unsafe.Pointer(addr))
	node.signum = signum
	node.handler = handler
	node.next = nil

	disableInterrupts()
	defer enableInterrupts()

	if t.signalQueue == nil {
		t.signalQueue = node
		return nil
	}

	tail := t.signalQueue
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = node
	return nil
}

// DeliverPending runs and frees every signal queued for t. Called by the
// scheduler immediately after t becomes current, matching "delivery occurs
// at the next dispatch to that task."
func DeliverPending(t *Task) {
	node := t.signalQueue
	t.signalQueue = nil

	for node != nil {
		next := node.next
		if node.handler != nil {
			node.handler(t, node.signum)
		}
		kfreeFn(uintptr(unsafe.Pointer(node)))
		node = next
	}
}
