// Package evt implements event file objects: a small counter a writer
// bumps and a reader blocks on, plus wait_on_events, the multi-file
// readiness primitive the VFS's poll-like operations and pipe blocking
// are both built on top of.
package evt

import (
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/kernel/sync"
	"talus/sched"
)

// maxWaitFiles bounds wait_on_events: the readiness result is returned as a
// single 64-bit mask, one bit per file.
const maxWaitFiles = 64

// ErrTooManyFiles is returned by WaitOnEvents when called with more than
// maxWaitFiles files.
var ErrTooManyFiles = &kernel.Error{Module: "evt", Message: "too many files passed to wait_on_events"}

// File is an event object: a monotonically-bumped counter with at most one
// waiting process at a time, closing through a user-supplied callback (the
// keyboard/timer drivers use this to deregister themselves).
type File struct {
	lock sync.IRQSpinlock

	number int64

	waiter    *sched.Process
	signalled bool

	onClose func()
}

// New allocates an event file. onClose may be nil.
func New(onClose func()) *File {
	return &File{onClose: onClose}
}

// Write atomically adds n to the event's counter and, if a process is
// parked waiting on this file, marks it signalled so the next scheduler
// pass picks it back up.
func (f *File) Write(n uint64) {
	f.lock.Lock()
	f.number += int64(n)
	if f.waiter != nil {
		f.signalled = true
		f.waiter.SetEventSignalled(true)
	}
	f.lock.Unlock()
}

// Read blocks (via WaitOnEvents on just this file) until the counter is
// non-zero, then zeroes it and returns the value it held.
func (f *File) Read() uint64 {
	for {
		f.lock.Lock()
		if f.number > 0 {
			n := f.number
			f.number = 0
			f.lock.Unlock()
			return uint64(n)
		}
		f.lock.Unlock()
		_, _ = WaitOnEvents([]*File{f}, false)
	}
}

// Close runs the registered close callback, if any.
func (f *File) Close() {
	if f.onClose != nil {
		f.onClose()
	}
}

// Signalled reports whether this file currently has a non-zero counter;
// it implements sched.WaitableFile so Process.waitFiles can hold evt.Files
// without evt importing sched's internal bookkeeping.
func (f *File) Signalled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.number > 0
}

// clearWaiter drops this file's registered waiter, called once its mask
// bit has been reported back to the caller.
func (f *File) clearWaiter() {
	f.lock.Lock()
	f.waiter = nil
	f.signalled = false
	f.lock.Unlock()
}

// registerWaiter records p as the (sole) process to wake when this file's
// counter next becomes positive.
func (f *File) registerWaiter(p *sched.Process) {
	f.lock.Lock()
	f.waiter = p
	f.lock.Unlock()
}

// scanMask builds the readiness mask for files, clearing each signalled
// counter iff reset is true. It does not itself disable interrupts; callers
// do that around the whole scan-or-park decision.
func scanMask(files []*File, reset bool) uint64 {
	var mask uint64
	for i, f := range files {
		f.lock.Lock()
		if f.number > 0 {
			mask |= 1 << uint(i)
			if reset {
				f.number = 0
			}
		}
		f.waiter = nil
		f.signalled = false
		f.lock.Unlock()
	}
	return mask
}

// WaitOnEvents implements spec's wait_on_events: cap at maxWaitFiles, scan
// once with interrupts disabled, and either return the ready mask
// immediately or register the current process as each file's waiter and
// yield, rebuilding the mask identically on resume. The disable-then-scan,
// register-then-yield sequence is what prevents a lost wakeup: a writer
// that lands between the scan and the park is still observed because it
// also runs with interrupts disabled and sets event_signalled, which is
// checked by the scheduler's runnable() test before this function's
// caller is ever resumed.
func WaitOnEvents(files []*File, reset bool) (uint64, *kernel.Error) {
	if len(files) > maxWaitFiles {
		return 0, ErrTooManyFiles
	}

	flags := cpu.SaveFlagsAndDisableInterrupts()
	if mask := scanMask(files, reset); mask != 0 {
		cpu.RestoreFlags(flags)
		return mask, nil
	}

	self := sched.Current()
	for _, f := range files {
		f.registerWaiter(self)
	}
	self.SetEventSignalled(false)
	self.SetState(sched.SuspendedEvents)
	cpu.RestoreFlags(flags)

	sched.Yield()

	flags = cpu.SaveFlagsAndDisableInterrupts()
	mask := scanMask(files, reset)
	cpu.RestoreFlags(flags)
	return mask, nil
}
