package sched

import (
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/kernel/kfmt"
	"talus/mem/pmm"
	"talus/mem/vmm"
)

// runQueue is a circular singly-linked list of process ids threaded
// through Process.next; queueCursor is the id the last Yield left off on
// (the "currently running" position of the iterator), 0 when empty.
var (
	queueCursor int

	// switchFn is mocked by tests so Yield's bookkeeping can be exercised
	// without ever actually swapping a real machine stack.
	switchFn = contextSwitch

	// KernelStackSwitchHook, when set, is called with the incoming
	// process's KernelStackTop on every switch that lands on a new
	// process. kmain wires this to syscall.SetKernelStack after both
	// packages are up (sched can't import syscall directly, since syscall
	// already imports sched for Current()/fd access), so a hook variable
	// is the only way to keep the entry stub's scratch stack pointer
	// current without an import cycle.
	KernelStackSwitchHook func(top uintptr)
)

// Enqueue links id into the run queue, right after the current cursor.
func Enqueue(id int) {
	p := table[id]
	if queueCursor == 0 {
		p.next = id
		queueCursor = id
		return
	}
	head := table[queueCursor]
	p.next = head.next
	head.next = id
}

// Dequeue unlinks id from the run queue. A single-member queue becomes
// empty (queueCursor reset to 0).
func Dequeue(id int) {
	if queueCursor == 0 {
		return
	}
	start := queueCursor
	prev := start
	for {
		cur := table[prev].next
		if cur == id {
			if cur == prev {
				// id was the only member.
				queueCursor = 0
				table[id].next = 0
				return
			}
			table[prev].next = table[cur].next
			if queueCursor == id {
				queueCursor = prev
			}
			table[id].next = 0
			return
		}
		prev = cur
		if prev == start {
			return
		}
	}
}

// CreateKernelProcess reserves a process slot that runs entry() in ring 0
// against the bootstrap kernel address space, passing arg through.
func CreateKernelProcess(entry func(arg interface{}) int32, arg interface{}) (*Process, *kernel.Error) {
	p, err := allocSlot()
	if err != nil {
		return nil, err
	}
	p.land = KernelLand
	p.state = Waiting
	p.entry = entry
	p.entryArg = arg

	stack, aerr := allocKernelStack()
	if aerr != nil {
		return nil, aerr
	}
	p.kernelStack = stack
	p.kernelRSP = bootstrapFrame(stack, kernelStackSize)
	p.space = kernelSpace

	Enqueue(p.id)
	return p, nil
}

// CreateFromSpaceAndFrame installs an already-built address space and user
// stack (the fork/exec path: the caller has already copied or mapped
// whatever the new process should start executing) as a new Waiting
// process.
func CreateFromSpaceAndFrame(space vmm.Space, userStackPhys pmm.Frame, entry func(arg interface{}) int32, arg interface{}) (*Process, *kernel.Error) {
	p, err := allocSlot()
	if err != nil {
		return nil, err
	}
	p.land = UserLand
	p.state = Waiting
	p.space = space
	p.userStackPhys = userStackPhys
	p.entry = entry
	p.entryArg = arg

	stack, aerr := allocKernelStack()
	if aerr != nil {
		return nil, aerr
	}
	p.kernelStack = stack
	p.kernelRSP = bootstrapFrame(stack, kernelStackSize)

	Enqueue(p.id)
	return p, nil
}

// CreateUserProcess allocates a fresh address space and a mapped user
// stack ending at lowerHalfEnd, then behaves as CreateFromSpaceAndFrame.
func CreateUserProcess(entry func(arg interface{}) int32, arg interface{}) (*Process, *kernel.Error) {
	space, err := vmm.Create()
	if err != nil {
		return nil, err
	}

	const userStackPages = userStackSize / 4096
	frame := allocFramesFn(userStackPages)
	if !frame.Valid() {
		space.Destroy()
		return nil, ErrOutOfMemory
	}

	stackVirt := lowerHalfEnd - userStackSize
	if merr := space.MapPages(stackVirt, frame.Address(), userStackPages, vmm.Write|vmm.User); merr != nil {
		pmm.FreePages(frame, userStackPages)
		space.Destroy()
		return nil, merr
	}

	return CreateFromSpaceAndFrame(space, frame, entry, arg)
}

// Fork builds a child process around a copy of parent's address space,
// obtained via vmm.Space.Fork, and its already-duplicated user stack
// mapping: the fork/exec CreateFromSpaceAndFrame path with the copy done
// for it instead of built fresh, matching how CreateUserProcess maps a new
// stack and then calls into the same path.
func Fork(parent *Process, entry func(arg interface{}) int32, arg interface{}) (*Process, *kernel.Error) {
	childSpace, err := parent.space.Fork()
	if err != nil {
		return nil, err
	}

	stackVirt := lowerHalfEnd - userStackSize
	stackPhys, gerr := childSpace.GetPhys(stackVirt)
	if gerr != nil {
		childSpace.Destroy()
		return nil, gerr
	}

	return CreateFromSpaceAndFrame(childSpace, pmm.FrameFromAddress(stackPhys), entry, arg)
}

// ErrOutOfMemory is returned when pmm cannot satisfy a user stack request.
var ErrOutOfMemory = &kernel.Error{Module: "sched", Message: "out of memory creating process"}

var allocFramesFn = pmm.AllocPages

// kernelSpace is the bootstrap address space CreateKernelProcess reuses;
// set by Run on its first invocation.
var kernelSpace vmm.Space

func allocKernelStack() (uintptr, *kernel.Error) {
	frame := allocFramesFn(kernelStackSize / 4096)
	if !frame.Valid() {
		return 0, ErrOutOfMemory
	}
	return directMapOffset(frame), nil
}

// directMapOffset resolves a frame to a kernel-addressable pointer to its
// contents via the direct map, matching how pmm/vmm already reach physical
// memory without a dedicated mapping.
func directMapOffset(f pmm.Frame) uintptr {
	return directMapBaseFn() + f.Address()
}

var directMapBaseFn = vmm.DirectMapBase

// Yield is the scheduler main loop: park the current process, walk the
// run queue for the next
// runnable candidate, reap Exited entries found along the way, and
// context-switch into whatever it lands on (which may be the same
// process, in which case this is a no-op beyond the bookkeeping).
func Yield() {
	flags := cpu.SaveFlagsAndDisableInterrupts()

	outgoing := Current()
	if outgoing != nil && outgoing.state == Running {
		outgoing.state = Waiting
	}

	for {
		next := advanceCursor()
		if next == nil {
			cpu.RestoreFlags(flags)
			cpu.Halt()
			flags = cpu.SaveFlagsAndDisableInterrupts()
			continue
		}
		if runnable(next) {
			switchInto(outgoing, next)
			cpu.RestoreFlags(flags)
			return
		}
	}
}

// advanceCursor moves queueCursor forward once, reaping any Exited
// process it lands on (unless it's the last one left, which halts the
// system per spec), and returns the candidate now under the cursor, or
// nil if the queue ran empty.
func advanceCursor() *Process {
	for {
		if queueCursor == 0 {
			return nil
		}
		id := table[queueCursor].next
		queueCursor = id
		p := table[id]
		if p.state != Exited {
			return p
		}
		if table[id].next == id {
			// sole survivor has exited: nothing left to run.
			queueCursor = 0
			return nil
		}
		Dequeue(id)
	}
}

func runnable(p *Process) bool {
	switch p.state {
	case Waiting:
		return true
	case SuspendedEvents:
		if p.joiningWith != 0 && table[p.joiningWith] != nil && table[p.joiningWith].state == Exited {
			return true
		}
		if p.eventSignalled {
			return true
		}
	}
	return false
}

func switchInto(outgoing, incoming *Process) {
	if outgoing == incoming {
		if outgoing != nil {
			outgoing.state = Running
		}
		return
	}

	incoming.state = Running
	incoming.eventSignalled = false
	current = incoming.id
	if KernelStackSwitchHook != nil {
		KernelStackSwitchHook(incoming.KernelStackTop())
	}

	if outgoing == nil {
		var discard uintptr
		switchFn(&discard, incoming.kernelRSP)
		return
	}

	if incoming.space.PML4Frame() != outgoing.space.PML4Frame() {
		vmm.SwitchTo(incoming.space)
	}
	switchFn(&outgoing.kernelRSP, incoming.kernelRSP)
}

// Exit marks the current process Exited with status and yields; per spec
// this never returns to its caller.
func Exit(status int32) {
	p := Current()
	if p == nil {
		return
	}
	p.state = Exited
	p.status = status
	for {
		Yield()
	}
}

// Join parks the current process until id has exited, then returns its
// status.
func Join(id int) int32 {
	p := Current()
	p.state = SuspendedEvents
	p.joiningWith = id
	Yield()
	return table[id].status
}

// Suspend parks the current process until a matching Resume.
func Suspend() {
	p := Current()
	p.state = Suspended
	Yield()
}

// Resume transitions id from Suspended to Waiting; a no-op on any other
// state.
func Resume(id int) {
	p := table[id]
	if p != nil && p.state == Suspended {
		p.state = Waiting
	}
}

// Run is the entry point from boot: it adopts space as the bootstrap
// kernel address space, picks the first process on the run queue and
// performs the very first switch into it with a throwaway outgoing slot.
// It never returns.
func Run(space vmm.Space) {
	kernelSpace = space

	first := table[queueCursor]
	if first == nil {
		kfmt.Panic(&kernel.Error{Module: "sched", Message: "run queue empty at Run()"})
	}
	queueCursor = first.id
	first.state = Running
	current = first.id
	if KernelStackSwitchHook != nil {
		KernelStackSwitchHook(first.KernelStackTop())
	}

	var discard uintptr
	switchFn(&discard, first.kernelRSP)
}
