package sched

import "talus/mem/pmm"

// ResetForTest clears the process table and run queue. Exported for other
// packages' tests that need a clean scheduler to drive a real Yield
// through (evt's WaitOnEvents parking test, in particular) without being
// able to reach this package's own resetScheduler helper.
func ResetForTest() {
	table = [maxProcesses]*Process{}
	nextID = 1
	current = 0
	queueCursor = 0
}

// SetSwitchFnForTest overrides the context-switch primitive Yield calls,
// the same bookkeeping-only seam this package's own tests install so Yield
// can be exercised without ever swapping onto a real machine stack.
func SetSwitchFnForTest(fn func(savedRSP *uintptr, newRSP uintptr)) {
	switchFn = fn
}

// SetAllocFramesFnForTest overrides the frame allocator CreateKernelProcess
// and CreateUserProcess use for kernel/user stacks.
func SetAllocFramesFnForTest(fn func(count uint32) pmm.Frame) {
	allocFramesFn = fn
}

// SetDirectMapBaseFnForTest overrides the direct-map base resolver
// allocKernelStack uses to turn a frame into a dereferenceable pointer.
func SetDirectMapBaseFnForTest(fn func() uintptr) {
	directMapBaseFn = fn
}
