package sched

import (
	"talus/mem/pmm"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// resetScheduler clears every package-level scheduler global so tests don't
// leak process-table state into one another. Kernel stacks handed out by
// allocFramesFn during a test point into a real, page-sized arena backed by
// ordinary host memory (the same "fake RAM" idiom used by mem/pmm, mem/vmm
// and mem/heap's tests) since bootstrapFrame genuinely writes through them.
func resetScheduler(t *testing.T) {
	t.Helper()
	table = [maxProcesses]*Process{}
	nextID = 1
	current = 0
	queueCursor = 0

	arena := make([]byte, 33*4096)
	arenaBase := uintptr(unsafe.Pointer(&arena[0]))
	aligned := (arenaBase + 4095) &^ 4095
	var nextFrame uint32

	switchFn = func(savedRSP *uintptr, newRSP uintptr) {
		if savedRSP != nil {
			*savedRSP = newRSP // pretend the outgoing task just resumes here next time
		}
	}
	allocFramesFn = func(count uint32) pmm.Frame {
		f := pmm.Frame(nextFrame)
		nextFrame += count
		return f
	}
	directMapBaseFn = func() uintptr { return aligned }
}

func noopEntry(arg interface{}) int32 { return 0 }

func TestYieldSingleProcessReturnsToSelf(t *testing.T) {
	resetScheduler(t)

	p, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = p.id
	p.state = Running

	Yield()
	require.Equal(t, Running, p.state)
	require.Equal(t, p.id, current)
}

func TestExitLeavesSoleSurvivorHalting(t *testing.T) {
	resetScheduler(t)

	p, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = p.id
	p.state = Exited

	require.Nil(t, advanceCursor(), "an exited sole survivor leaves nothing to run, so Yield halts")
	require.Equal(t, 0, queueCursor)
}

func TestTwoProcessesYieldAlternates(t *testing.T) {
	resetScheduler(t)

	a, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	b, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = a.id
	a.state = Running

	Yield()
	require.Equal(t, b.id, current)
	require.Equal(t, Running, b.state)
	require.Equal(t, Waiting, a.state)
}

func TestExitedProcessIsReapedOnNextYield(t *testing.T) {
	resetScheduler(t)

	a, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	b, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = a.id
	a.state = Running
	b.state = Exited
	b.status = 7

	Yield()
	require.Equal(t, a.id, current, "the only non-exited process must be picked even though it's also the outgoing one")
	require.Equal(t, Running, a.state)
}

func TestJoinReturnsExitStatus(t *testing.T) {
	resetScheduler(t)

	a, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	b, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = a.id
	a.state = Running
	b.state = Exited
	b.status = 42

	require.Equal(t, int32(42), Join(b.id))
	require.Equal(t, Running, a.state, "Join's Yield resumes the caller, leaving it Running again")
}

func TestSuspendResume(t *testing.T) {
	resetScheduler(t)

	a, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	b, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	current = a.id
	a.state = Running

	Resume(b.id) // resuming a Waiting process is a no-op
	require.Equal(t, Waiting, b.state)

	b.state = Suspended
	Resume(b.id)
	require.Equal(t, Waiting, b.state)
}

func TestEventSignalledWakesOnNextYield(t *testing.T) {
	resetScheduler(t)

	a, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)
	b, err := CreateKernelProcess(noopEntry, nil)
	require.Nil(t, err)

	current = a.id
	a.state = Running
	b.state = SuspendedEvents

	// b not yet signalled: yield must skip it and come back to a.
	Yield()
	require.Equal(t, a.id, current)

	b.eventSignalled = true
	a.state = Running
	Yield()
	require.Equal(t, b.id, current)
	require.False(t, b.eventSignalled, "switchInto clears the flag once consumed")
}
