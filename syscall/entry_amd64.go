package syscall

import (
	"unsafe"

	"talus/kernel/cpu"
)

// entryStub is the raw SYSCALL target: no Go prologue, no argument or
// return values in the usual sense. It swaps to the kernel's GS, switches
// onto entryKernelRSP, builds a Frame from the saved GPRs, calls Dispatch,
// and SYSRETQs back. Its body lives in entry_amd64.s.
func entryStub()

// entryUserRSP and entryKernelRSP are entryStub's scratch slots: the
// literal "GS:0 holds the kernel stack" recipe from spec §4.8 assumes a
// per-CPU structure reached through GS-relative addressing, which this
// single-CPU kernel approximates with two fixed package-level symbols
// instead (there is exactly one CPU, so there is exactly one of each slot
// to hold), and addressing them by symbol avoids committing to a GS-offset
// ABI that nothing else in this tree sets up (no TSS, no per-CPU struct).
var (
	entryUserRSP   uintptr
	entryKernelRSP uintptr
)

// SetKernelStack points entryStub at the kernel stack a syscall trap
// should switch onto. kmain wires sched.KernelStackSwitchHook to this
// function, so every context switch keeps it current without sched
// having to import this package (which already imports sched).
func SetKernelStack(top uintptr) {
	entryKernelRSP = top
}

func entryStubAddr() uintptr {
	return uintptr(unsafe.Pointer(funcPC(entryStub)))
}

func funcPC(f func()) uintptr {
	type fn struct{ v uintptr }
	return (**fn)(unsafe.Pointer(&f))[0].v
}

// starSelectors packs STAR's kernel/user code-segment selectors into bits
// 32..63. Spec's CPU ABI section names the field layout but this kernel
// never builds a GDT (explicitly out of scope: "GDT/TSS/IDT tables" are
// named platform glue), so there are no real selector values to encode
// here; Init writes 0, which would need to become the real kernel/user CS
// selectors the day a GDT exists.
const starSelectors = 0

// sfmaskInterruptFlag is the RFLAGS bit SFMASK clears on syscall entry, so
// interrupts stay disabled for the (very short) window before the entry
// stub has finished switching stacks.
const sfmaskInterruptFlag = 1 << 9

// Init enables the SYSCALL/SYSRET instruction pair (EFER.SCE) and points
// LSTAR at entryStub, per spec's CPU ABI section. Init does not set the
// kernel stack itself: entryStub uses whatever SetKernelStack last stored,
// which sched.KernelStackSwitchHook keeps current from the first switch
// into a process onward.
func Init() {
	efer := cpu.ReadMSR(cpu.MSREFER)
	cpu.WriteMSR(cpu.MSREFER, efer|1) // bit 0: SCE
	cpu.WriteMSR(cpu.MSRSTAR, starSelectors)
	cpu.WriteMSR(cpu.MSRLSTAR, uint64(entryStubAddr()))
	cpu.WriteMSR(cpu.MSRFMASK, sfmaskInterruptFlag)
}
