package sched

import "unsafe"

// savedFrame mirrors the layout contextSwitch's prologue pushes onto a
// parked process's kernel stack: RFLAGS and the six callee-saved GPRs, in
// the order contextSwitch pops them, followed by the word RET will
// consume as its return address.
type savedFrame struct {
	r15, r14, r13, r12, bx, bp uintptr
	flags                      uintptr
	returnAddr                 uintptr
}

// rflagsInterruptEnable is the IF bit; every freshly bootstrapped process
// starts with interrupts enabled, matching the state Run leaves the CPU in
// before the very first switch.
const rflagsInterruptEnable = 1 << 9

// bootstrapFrame writes a savedFrame at the top of the stack region
// [stackBase, stackBase+stackSize) so that the first contextSwitch into a
// brand new process resumes at processTrampoline instead of at some
// caller's return address. It returns the kernelRSP value to store on the
// Process.
func bootstrapFrame(stackBase, stackSize uintptr) uintptr {
	top := stackBase + stackSize
	frameAddr := top - unsafe.Sizeof(savedFrame{})
	frameAddr &^= 0xf // keep the eventual RSP 16-byte aligned

	f := (*savedFrame)(unsafe.Pointer(frameAddr))
	*f = savedFrame{
		flags:      rflagsInterruptEnable,
		returnAddr: processTrampolineAddr(),
	}
	return frameAddr
}

// processTrampolineAddr returns the entry address RET lands on for a
// freshly created process. It is resolved indirectly (rather than taking
// processTrampoline's address directly) only because that's the one
// idiom that reads identically whether or not the Go linker happens to
// wrap the symbol in an ABI0/ABIInternal shim; either way control lands at
// the top of processTrampoline with an empty, correctly-aligned frame.
func processTrampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(processTrampoline)))
}

func funcPC(f func()) uintptr {
	type fn struct{ v uintptr }
	return (**fn)(unsafe.Pointer(&f))[0].v
}

// processTrampoline is the first Go code a new process runs. It never
// returns from the caller's point of view: Run's contextSwitch simply RETs
// into it, at which point it behaves like any other goroutine stack frame.
func processTrampoline() {
	p := Current()
	status := int32(0)
	if p != nil && p.entry != nil {
		status = p.entry(p.entryArg)
	}
	Exit(status)
}
