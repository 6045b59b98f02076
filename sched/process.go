// Package sched implements a cooperative, single-CPU process scheduler:
// kernel- and user-land processes sharing a fixed-size process table, a
// circular run queue, context switching via saved register frames, join
// semantics and a simple event-driven wait primitive.
package sched

import (
	"talus/kernel"
	"talus/mem/pmm"
	"talus/mem/vmm"
)

//go:generate stringer -type=ProcessState

// ProcessState enumerates the lifecycle states of a Process.
type ProcessState uint8

const (
	// Waiting means the process is eligible to run.
	Waiting ProcessState = iota
	// Running is held by exactly one process: the one on-CPU.
	Running
	// Suspended means the process was explicitly parked by Suspend and
	// will not run again until Resume.
	Suspended
	// SuspendedEvents means the process is parked waiting on a Join or
	// on evt.WaitOnEvents.
	SuspendedEvents
	// Exited means the process has called Exit. The reaper (the
	// scheduler's own run-queue walk) unlinks it from the run queue; its
	// table slot stays, so Join can still read its status.
	Exited
)

// Land distinguishes kernel-mode from user-mode processes.
type Land uint8

const (
	// KernelLand processes run entirely in ring 0 from a function
	// pointer; they have no user stack or address-space half of their
	// own (CreateKernelProcess reuses the bootstrap space).
	KernelLand Land = iota
	// UserLand processes run in ring 3 against their own Space, with a
	// mapped user stack.
	UserLand
)

const (
	// maxProcesses bounds the process table; id 0 is never issued so it
	// can serve as a "no process" sentinel.
	maxProcesses = 256

	// maxFDs bounds Process.fdTable.
	maxFDs = 64

	// kernelStackSize is the size of every process's kernel stack.
	kernelStackSize = 4096

	// userStackSize is the size of the stack mapped at the top of the
	// user half for UserLand processes.
	userStackSize = 64 * 1024

	// lowerHalfEnd is the first address past the user-mappable half of
	// the address space (canonical 48-bit boundary); the user stack is
	// mapped ending here.
	lowerHalfEnd = uintptr(1) << 47
)

// WaitableFile is the minimal surface sched needs from a file object to
// support Join/WaitOnEvents bookkeeping without importing evt/vfs (which
// themselves depend on sched for blocking); evt.File and pipe.File both
// satisfy it.
type WaitableFile interface {
	Signalled() bool
}

// Process is one entry of the process table.
type Process struct {
	id       int
	refCount int32
	land     Land
	state    ProcessState
	status   int32

	space         vmm.Space
	kernelStack   uintptr // base of the allocated kernel stack
	kernelRSP     uintptr // saved RSP for the next context switch into this process
	userStackPhys pmm.Frame

	joiningWith int // id of the process this one is Join()ed on, 0 if none
	next        int // next id in the circular run queue, 0 if not queued

	waitFiles      []WaitableFile
	eventSignalled bool

	entry    func(arg interface{}) int32
	entryArg interface{}

	cwd string
	fds [maxFDs]interface{}
}

// ID returns the process's table index.
func (p *Process) ID() int { return p.id }

// KernelStackTop returns the address one past the end of p's kernel
// stack (the same stack contextSwitch resumes p on, and the stack the
// syscall entry stub should be running on for the window it spends
// handling one of p's traps). 0 for a bare NewTestProcess slot that was
// never given a real stack.
func (p *Process) KernelStackTop() uintptr {
	if p.kernelStack == 0 {
		return 0
	}
	return p.kernelStack + kernelStackSize
}

// State returns the process's current lifecycle state.
func (p *Process) State() ProcessState { return p.state }

// SetState transitions the process to state. Exported for evt/pipe, which
// need to move their caller into SuspendedEvents before yielding without
// importing sched's internals.
func (p *Process) SetState(state ProcessState) { p.state = state }

// SetEventSignalled sets or clears the flag the scheduler's runnable()
// check consults for a SuspendedEvents process parked in evt.WaitOnEvents.
func (p *Process) SetEventSignalled(signalled bool) { p.eventSignalled = signalled }

// CWD returns the process's current working directory.
func (p *Process) CWD() string { return p.cwd }

// SetCWD updates the process's current working directory.
func (p *Process) SetCWD(cwd string) { p.cwd = cwd }

// FD returns the file object installed at descriptor index fd, or nil if
// none is.
func (p *Process) FD(fd int) interface{} {
	if fd < 0 || fd >= maxFDs {
		return nil
	}
	return p.fds[fd]
}

// SetFD installs file at descriptor index fd, or clears it when file is
// nil. Returns false if fd is out of range.
func (p *Process) SetFD(fd int, file interface{}) bool {
	if fd < 0 || fd >= maxFDs {
		return false
	}
	p.fds[fd] = file
	return true
}

// AllocFD finds the lowest free descriptor, installs file there, and
// returns it, or -1 if the table is full.
func (p *Process) AllocFD(file interface{}) int {
	for i := 0; i < maxFDs; i++ {
		if p.fds[i] == nil {
			p.fds[i] = file
			return i
		}
	}
	return -1
}

// Status returns the exit status a process passed to Exit, valid once State
// is Exited.
func (p *Process) Status() int32 { return p.status }

var (
	// table holds every process slot; table[0] is never populated.
	table [maxProcesses]*Process

	// nextID is a simple bump allocator across the lifetime of the
	// kernel; ids are never reused while a table slot remains occupied,
	// matching the teacher's preference for simple, inspectable indices
	// over recycling.
	nextID = 1

	// current is the id of the on-CPU process, 0 before Run.
	current int
)

// Current returns the process currently on-CPU, or nil before Run starts.
func Current() *Process {
	if current == 0 {
		return nil
	}
	return table[current]
}

// SetCurrent pins p as the on-CPU process without performing a context
// switch. Run and Yield already update current as part of a real switch,
// so production code never needs this; it exists as a seam for other
// packages' tests (syscall's dispatcher tests, in particular) to exercise
// Current()-dependent code paths without driving the real assembly
// context switch. p == nil clears it back to "no process".
func SetCurrent(p *Process) {
	if p == nil {
		current = 0
		return
	}
	current = p.id
}

// NewTestProcess allocates a bare process-table slot (an id and an fd
// table, nothing else) with no kernel stack and no address space. It
// exists for other packages' tests (syscall's dispatcher tests need a
// *Process to own an fd table and be pinned via SetCurrent) that have no
// business pulling in a real physical-memory allocator just to get one;
// CreateKernelProcess/CreateUserProcess remain the only way to build a
// process real code ever schedules.
func NewTestProcess() (*Process, *kernel.Error) {
	return allocSlot()
}

func allocSlot() (*Process, *kernel.Error) {
	if nextID >= maxProcesses {
		return nil, &kernel.Error{Module: "sched", Message: "process table exhausted"}
	}
	id := nextID
	nextID++
	p := &Process{id: id, refCount: 1, status: -1, joiningWith: 0}
	table[id] = p
	return p, nil
}
