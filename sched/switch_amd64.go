package sched

// contextSwitch saves the callee-saved registers and RFLAGS of the
// currently-running goroutine-as-process onto its own kernel stack, stores
// the resulting RSP at *savedRSP, loads RSP from newRSP and restores the
// incoming process's registers before returning into it. The very first
// switch into a freshly created process instead resumes at its entry
// trampoline (see bootstrapFrame), which contextSwitch cannot distinguish
// from an ordinary resume: both are just "pop a frame and RET".
//
// Its implementation lives in switch_amd64.s.
func contextSwitch(savedRSP *uintptr, newRSP uintptr)
