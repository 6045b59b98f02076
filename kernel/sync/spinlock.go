// Package sync provides synchronization primitives tailored to a
// single-CPU, cooperatively-scheduled kernel: a busy-wait spinlock for data
// that IRQ handlers may touch concurrently with kernel code, and an
// IRQSpinlock variant that additionally masks interrupts for the duration
// of the critical section.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked by Acquire while busy-waiting. On a uniprocessor
	// kernel the only way a lock held by another task is ever released is
	// via a timer/IRQ-driven event, so this is a plain Gosched hook for
	// host-side tests; nothing outside the tests sets it, so in the kernel
	// Acquire spins without yielding.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
