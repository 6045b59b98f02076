package evt

import (
	"testing"
	"unsafe"

	"talus/mem/pmm"
	"talus/sched"

	"github.com/stretchr/testify/require"
)

// setupScheduler installs a clean process table plus the same
// bump-allocator and bookkeeping-only switch stubs sched's own tests use,
// so WaitOnEvents's parking half can drive a real sched.Yield without
// needing a real pmm/vmm underneath it.
func setupScheduler(t *testing.T) {
	t.Helper()
	sched.ResetForTest()

	arena := make([]byte, 33*4096)
	base := uintptr(unsafe.Pointer(&arena[0]))
	aligned := (base + 4095) &^ 4095
	var nextFrame uint32

	sched.SetSwitchFnForTest(func(saved *uintptr, newRSP uintptr) {
		if saved != nil {
			*saved = newRSP
		}
	})
	sched.SetAllocFramesFnForTest(func(count uint32) pmm.Frame {
		f := pmm.Frame(nextFrame)
		nextFrame += count
		return f
	})
	sched.SetDirectMapBaseFnForTest(func() uintptr { return aligned })
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := New(nil)
	f.Write(3)
	f.Write(4)

	// number is already non-zero, so Read must return without ever
	// parking on WaitOnEvents.
	require.Equal(t, uint64(7), f.Read())
	require.False(t, f.Signalled(), "Read must zero the counter")
}

func TestWaitOnEventsScansWithoutParking(t *testing.T) {
	f := New(nil)
	f.Write(5)

	mask, err := WaitOnEvents([]*File{f}, true)
	require.Nil(t, err)
	require.Equal(t, uint64(1), mask)
	require.False(t, f.Signalled())
}

func TestTooManyFilesRejected(t *testing.T) {
	files := make([]*File, maxWaitFiles+1)
	for i := range files {
		files[i] = New(nil)
	}
	_, err := WaitOnEvents(files, true)
	require.NotNil(t, err)
}

func TestCloseInvokesCallback(t *testing.T) {
	called := false
	f := New(func() { called = true })
	f.Close()
	require.True(t, called)
}

func TestSignalledReflectsCounter(t *testing.T) {
	f := New(nil)
	require.False(t, f.Signalled())
	f.Write(1)
	require.True(t, f.Signalled())
}

// TestWaitOnEventsParksAndRebuildsMaskOnResume drives the parking half of
// WaitOnEvents: two files, neither signalled when the call starts, so the
// current process registers on both and yields. The mocked switch stands
// in for whatever second process the scheduler would actually resume;
// here it writes fa directly, the same effect a real parked writer would
// have had, so the call resumes with exactly fa's bit set once it rebuilds
// the mask.
func TestWaitOnEventsParksAndRebuildsMaskOnResume(t *testing.T) {
	setupScheduler(t)

	self, err := sched.CreateKernelProcess(func(arg interface{}) int32 { return 0 }, nil)
	require.Nil(t, err)
	other, err := sched.CreateKernelProcess(func(arg interface{}) int32 { return 0 }, nil)
	require.Nil(t, err)
	require.NotNil(t, other)

	fa := New(nil)
	fb := New(nil)

	sched.SetSwitchFnForTest(func(saved *uintptr, newRSP uintptr) {
		if saved != nil {
			*saved = newRSP
		}
		fa.Write(1)
	})

	sched.SetCurrent(self)
	self.SetState(sched.Running)

	mask, err := WaitOnEvents([]*File{fa, fb}, true)
	require.Nil(t, err)
	require.Equal(t, uint64(0b01), mask, "only fa's write, landing during the park, should show up in the mask")
	require.False(t, fa.Signalled(), "the reset scan must have zeroed fa's counter")
	require.False(t, fb.Signalled())
}
