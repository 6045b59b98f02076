// Package heap implements a first-fit kernel heap allocator layered over a
// single virtual window (mem.HeapWindow..+mem.HeapWindowSize). It grows
// lazily, one physical page at a time, via mem/vmm and mem/pmm.
package heap

import (
	"talus/kernel"
	"talus/kernel/kfmt"
	"talus/kernel/sync"
	"talus/mem"
	"talus/mem/pmm"
	"talus/mem/vmm"
	"unsafe"
)

var headerSize = unsafe.Sizeof(regionHeader{})

// regionHeader precedes every region's data area. The list covers the heap
// window with no gaps: every byte is owned by exactly one region.
type regionHeader struct {
	next uintptr // virtual address of the next header, 0 if this is the tail
	used bool
	size uint64 // size of the data area following this header, in bytes
}

var (
	// ErrOutOfMemory is returned when pmm cannot supply another page to
	// grow into.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "heap window exhausted"}

	lock sync.IRQSpinlock

	// base is the virtual address the region list starts at. It defaults
	// to the fixed heap window; tests point it at ordinary host memory.
	base = mem.HeapWindow

	// mappedEnd is the offset past base up to which pages have already
	// been mapped in.
	mappedEnd uintptr

	// headAddr is the address of the first region header, or 0 before
	// the heap has grown at all.
	headAddr uintptr

	kernelSpace vmm.Space

	// growPageFn is mocked by tests and automatically inlined in
	// production builds.
	growPageFn = growPage
)

// Init binds the heap to the kernel address space and grows it by one page
// so the first Alloc has somewhere to look.
func Init(space vmm.Space) *kernel.Error {
	return rebind(space, mem.HeapWindow)
}

// ResetForTest rebinds the heap the same way Init does, but to testBase
// instead of the fixed production window: other packages' tests (pipe's
// back-pressure test, in particular) need a heap that's actually
// dereferenceable host memory to assert a real usage baseline against, the
// same substitution this package's own tests make of mem.HeapWindow.
func ResetForTest(space vmm.Space, testBase uintptr) *kernel.Error {
	return rebind(space, testBase)
}

func rebind(space vmm.Space, windowBase uintptr) *kernel.Error {
	lock.Lock()
	kernelSpace = space
	base = windowBase
	mappedEnd = 0
	headAddr = 0
	lock.Unlock()

	return growPageFn()
}

func headerAt(addr uintptr) *regionHeader {
	return (*regionHeader)(unsafe.Pointer(addr))
}

func alignUp(v, alignment uintptr) uintptr {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

// Alloc returns an interior pointer to a region of at least size bytes,
// aligned to alignment (a power of two; 0 and 1 both mean unaligned). It
// grows the heap by one page at a time until a fit exists or pmm is
// exhausted.
func Alloc(size uint64, alignment uintptr) (uintptr, *kernel.Error) {
	if alignment == 0 {
		alignment = 1
	}

	lock.Lock()
	defer lock.Unlock()

	for {
		if addr, ok := firstFit(size, alignment); ok {
			return addr, nil
		}
		if err := growPageFn(); err != nil {
			return 0, err
		}
	}
}

func firstFit(size uint64, alignment uintptr) (uintptr, bool) {
	for addr := headAddr; addr != 0; {
		h := headerAt(addr)
		if !h.used {
			dataStart := addr + headerSize
			alignedStart := alignUp(dataStart, alignment)
			needed := uint64(alignedStart-dataStart) + size
			if h.size >= needed {
				splitAndUse(addr, h, needed)
				return alignedStart, true
			}
		}
		addr = h.next
	}
	return 0, false
}

// splitAndUse carves a new free tail region out of h if the leftover is
// large enough to be worth a header of its own; otherwise the slack is
// absorbed into the allocation.
func splitAndUse(addr uintptr, h *regionHeader, needed uint64) {
	minSplit := uint64(headerSize) + 8
	if h.size-needed >= minSplit {
		tailAddr := addr + headerSize + uintptr(needed)
		tail := headerAt(tailAddr)
		tail.next = h.next
		tail.used = false
		tail.size = h.size - needed - uint64(headerSize)

		h.next = tailAddr
		h.size = needed
	}
	h.used = true
}

// Free marks the region whose data area contains ptr as free and coalesces
// it with a free predecessor and/or successor. A ptr that does not fall
// inside any currently-used region (a double free, or garbage) is silently
// ignored.
func Free(ptr uintptr) {
	lock.Lock()
	defer lock.Unlock()

	var prevAddr uintptr
	for addr := headAddr; addr != 0; {
		h := headerAt(addr)
		dataStart := addr + headerSize
		if h.used && ptr >= dataStart && ptr < dataStart+uintptr(h.size) {
			h.used = false
			coalesceWithNext(addr, h)
			if prevAddr != 0 {
				coalesceWithNext(prevAddr, headerAt(prevAddr))
			}
			return
		}
		prevAddr = addr
		addr = h.next
	}
}

func coalesceWithNext(addr uintptr, h *regionHeader) {
	if h.used || h.next == 0 {
		return
	}
	next := headerAt(h.next)
	if next.used {
		return
	}
	h.size += uint64(headerSize) + next.size
	h.next = next.next
}

// growPage asks pmm for one frame, maps it at the current tail of the heap
// window via kernelSpace, and either extends a free tail region or appends a
// new one.
func growPage() *kernel.Error {
	frame := pmm.AllocPages(1)
	if !frame.Valid() {
		return ErrOutOfMemory
	}

	virt := base + mappedEnd
	if err := kernelSpace.MapPages(virt, frame.Address(), 1, vmm.Write); err != nil {
		pmm.FreePages(frame, 1)
		return err
	}

	pageSize := uint64(mem.PageSize)
	if lastAddr, ok := lastRegionAddr(); ok {
		last := headerAt(lastAddr)
		if !last.used {
			last.size += pageSize
		} else {
			h := headerAt(virt)
			h.next, h.used, h.size = 0, false, pageSize-uint64(headerSize)
			last.next = virt
		}
	} else {
		headAddr = virt
		h := headerAt(virt)
		h.next, h.used, h.size = 0, false, pageSize-uint64(headerSize)
	}

	mappedEnd += uintptr(pageSize)
	return nil
}

func lastRegionAddr() (uintptr, bool) {
	if headAddr == 0 {
		return 0, false
	}
	addr := headAddr
	for {
		h := headerAt(addr)
		if h.next == 0 {
			return addr, true
		}
		addr = h.next
	}
}

// DumpRegions logs one "[heap]" line per region, consumed by the host-side
// cmd/heapvis tool to build a pprof profile of heap growth/fragmentation.
func DumpRegions() {
	lock.Lock()
	defer lock.Unlock()
	for addr := headAddr; addr != 0; {
		h := headerAt(addr)
		kfmt.Printf("[heap] region addr=%x size=%d used=%t\n", addr, h.size, h.used)
		addr = h.next
	}
}

// TotalBytes returns page_count*4096 for every page grown so far: the
// invariant checked by tests is Σ(region.size)+Σheaders == TotalBytes().
func TotalBytes() uint64 {
	lock.Lock()
	defer lock.Unlock()
	return uint64(mappedEnd)
}

// UsedBytes sums the data-area size of every region currently marked used,
// the figure callers outside this package compare against a baseline to
// confirm a round of Allocs was fully matched by Frees (the heap window
// itself never shrinks back to pmm; only the used/free split changes).
func UsedBytes() uint64 {
	lock.Lock()
	defer lock.Unlock()
	var sum uint64
	for addr := headAddr; addr != 0; {
		h := headerAt(addr)
		if h.used {
			sum += h.size
		}
		addr = h.next
	}
	return sum
}
