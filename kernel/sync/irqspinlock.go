package sync

import "talus/kernel/cpu"

// IRQSpinlock is the primitive the rest of the kernel uses to protect
// structures that an IRQ handler may mutate concurrently with ordinary
// kernel code: the run queue, the process table, the VRA free-list, the
// heap free-list and the PMM bitmap. It generalises the teacher's
// cli/sti-bracketing convention into a value that masks interrupts for the
// duration of the critical section and guarantees the previous interrupt
// state is restored no matter which path leaves the section, provided
// Unlock runs via defer.
type IRQSpinlock struct {
	inner       Spinlock
	savedRFLAGS uint64
}

// Lock disables interrupts and then acquires the underlying spinlock. On a
// single CPU this ordering (mask first, then spin) is what prevents an IRQ
// handler from re-entering a critical section that the current context
// already holds.
func (l *IRQSpinlock) Lock() {
	flags := cpu.SaveFlagsAndDisableInterrupts()
	l.inner.Acquire()
	l.savedRFLAGS = flags
}

// Unlock releases the lock and restores the interrupt state captured by the
// matching Lock call. Callers should pair every Lock with a deferred Unlock
// so the interrupt flag is restored along every exit path, including panics.
func (l *IRQSpinlock) Unlock() {
	flags := l.savedRFLAGS
	l.inner.Release()
	cpu.RestoreFlags(flags)
}
