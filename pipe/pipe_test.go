package pipe

import (
	"runtime"
	"sync"
	"talus/boot"
	"talus/kernel"
	"talus/mem/heap"
	"talus/mem/pmm"
	"talus/mem/vmm"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// resetAllocator points allocFn/freeFn at a trivial host-memory bump
// allocator so the single-threaded cases below exercise pipe's own ring
// logic without standing up mem/heap's pmm/vmm-backed window.
func resetAllocator(t *testing.T) {
	t.Helper()
	arena := make([]byte, Capacity*4)
	base := uintptr(unsafe.Pointer(&arena[0]))
	var next uintptr

	allocFn = func(size uint64, alignment uintptr) (uintptr, *kernel.Error) {
		addr := base + next
		next += uintptr(size)
		return addr, nil
	}
	freeFn = func(ptr uintptr) {}
	yieldFn = func() {}
}

// setupRealHeap wires pmm+vmm against fake RAM and binds mem/heap to it via
// the same host-memory substitution mem/heap's own tests use, then points
// pipe's allocFn/freeFn at the real heap.Alloc/heap.Free so the back-pressure
// test can assert a genuine heap-usage baseline. Returns that baseline.
func setupRealHeap(t *testing.T) uint64 {
	t.Helper()

	const ramPages = 64
	raw := make([]byte, (ramPages+1)*4096)
	ramBase := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (ramBase + 4095) &^ 4095
	info := &boot.Info{
		HHDMOffset: aligned,
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: uint64(ramPages * 4096), Type: boot.MemUsable},
		},
	}
	require.Nil(t, pmm.Init(info))
	vmm.Init(info)

	space, err := vmm.Create()
	require.Nil(t, err)

	window := make([]byte, 256*1024)
	require.Nil(t, heap.ResetForTest(space, uintptr(unsafe.Pointer(&window[0]))))

	allocFn = heap.Alloc
	freeFn = heap.Free

	return heapUsed()
}

func heapUsed() uint64 { return heap.UsedBytes() }

func newTestPipe(t *testing.T) (*File, *File) {
	t.Helper()
	resetAllocator(t)
	r, w, err := New()
	require.Nil(t, err)
	return r, w
}

func TestWriteReadRoundTrip(t *testing.T) {
	r, w := newTestPipe(t)

	n := w.Write([]byte("hello"))
	require.Equal(t, 5, n)

	out := make([]byte, 5)
	n = r.Read(out)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
}

func TestReadReturnsEOFOnceWriterGone(t *testing.T) {
	r, w := newTestPipe(t)
	w.Close()

	out := make([]byte, 4)
	n := r.Read(out)
	require.Zero(t, n)
}

func TestPartialRead(t *testing.T) {
	r, w := newTestPipe(t)
	w.Write([]byte("abcdef"))

	out := make([]byte, 3)
	n := r.Read(out)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(out))

	n = r.Read(out)
	require.Equal(t, 3, n)
	require.Equal(t, "def", string(out))
}

func TestWriteFullWithNoReadersReturnsShortCount(t *testing.T) {
	r, w := newTestPipe(t)
	r.Close()

	data := make([]byte, Capacity+10)
	n := w.Write(data)
	require.Equal(t, Capacity, n, "a writer with no readers left must not block forever once the buffer fills")
}

func TestDuplicateKeepsPipeAliveAcrossOneClose(t *testing.T) {
	r, w := newTestPipe(t)
	r.Duplicate()
	r.Close() // one of the two reader refs

	w.Write([]byte("x"))
	out := make([]byte, 1)
	n := r.Read(out)
	require.Equal(t, 1, n, "the duplicated reader reference must still observe writes")
}

func TestSignalled(t *testing.T) {
	r, w := newTestPipe(t)
	require.False(t, r.Signalled())

	w.Write([]byte("a"))
	require.True(t, r.Signalled())
}

func TestCloseFreesBufferOnLastRef(t *testing.T) {
	r, w := newTestPipe(t)

	var freed uintptr
	freeFn = func(ptr uintptr) { freed = ptr }

	addr := r.p.bufAddr
	r.Duplicate()
	r.Close() // refCount 3->2, still held by w and the duplicate
	require.Zero(t, freed)

	w.Close() // refCount 2->1
	require.Zero(t, freed)

	r.Close() // the duplicate's ref, refCount 1->0
	require.Equal(t, addr, freed, "the last Close must return the ring buffer to the heap")
}

// TestBackPressureAcrossGoroutines drives scenario 4: a writer and a reader
// running as two independent goroutines move 1 MiB through the 64 KiB ring,
// so the writer genuinely blocks on a full buffer and the reader genuinely
// blocks on an empty one, each unblocking the other via yieldFn rather than
// real cooperative-scheduler machinery this package has no business driving
// directly (sched.Yield is unsafe to call without a fully set up process
// table; see sched's own tests). Once both ends close, the heap's real
// allocator must be back at its pre-test baseline.
func TestBackPressureAcrossGoroutines(t *testing.T) {
	const total = 1 << 20 // 1 MiB

	baseline := setupRealHeap(t)

	r, w, err := New()
	require.Nil(t, err)

	yieldFn = runtime.Gosched

	written := make([]byte, total)
	for i := range written {
		written[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var readBack []byte
	go func() {
		defer wg.Done()
		off := 0
		for off < total {
			n := w.Write(written[off:])
			off += n
		}
		w.Close()
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, total)
		off := 0
		for off < total {
			n := r.Read(buf[off:])
			if n == 0 {
				break
			}
			off += n
		}
		readBack = buf[:off]
		r.Close()
	}()
	wg.Wait()

	require.Equal(t, written, readBack, "every byte written must be read back in order")
	require.Equal(t, baseline, heapUsed(), "the pipe's ring buffer must be freed back to the heap once both ends close")
}
