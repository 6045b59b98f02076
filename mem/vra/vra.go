// Package vra allocates contiguous virtual page ranges inside the fixed VRA
// window (mem.VRAWindow..+mem.VRAWindowSize), independent of any backing
// physical pages. A caller reserves address space here and separately
// arranges for mem/vmm to back it; mem/heap does not use it (the heap grows
// inside its own window).
package vra

import (
	"talus/kernel"
	"talus/kernel/kfmt"
	"talus/kernel/sync"
	"talus/mem"
)

var (
	// ErrOutOfRange is returned when no free region of the requested
	// page count exists in the window.
	ErrOutOfRange = &kernel.Error{Module: "vra", Message: "virtual range allocator window exhausted"}

	lock sync.IRQSpinlock

	// regions is a singly linked free/used list covering the window,
	// ordered by ascending page index. It starts as a single free region
	// spanning the whole window.
	regions = &region{pageCount: windowPages(), firstPage: 0}
)

type region struct {
	next      *region
	used      bool
	pageCount uint64
	// firstPage duplicates what walking the list would give; it is stored
	// so FreeRange can match a region from just its page index.
	firstPage uint64
}

func windowPages() uint64 {
	return uint64(mem.VRAWindowSize) / uint64(mem.PageSize)
}

// Reset (re)initializes the allocator to a single free region covering the
// whole window, the state the package starts in. Only tests call it.
func Reset() {
	lock.Lock()
	defer lock.Unlock()
	regions = &region{pageCount: windowPages(), firstPage: 0}
}

// AllocRange first-fits a run of count free pages, splits the owning region
// if it is larger than needed, and returns the virtual address of the first
// page. It returns 0 and ErrOutOfRange if no region is large enough.
func AllocRange(count uint64) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, &kernel.Error{Module: "vra", Message: "AllocRange called with count=0"}
	}

	lock.Lock()
	defer lock.Unlock()

	for r := regions; r != nil; r = r.next {
		if r.used || r.pageCount < count {
			continue
		}

		if r.pageCount > count {
			tail := &region{
				next:      r.next,
				used:      false,
				pageCount: r.pageCount - count,
				firstPage: r.firstPage + count,
			}
			r.next = tail
			r.pageCount = count
		}
		r.used = true

		return mem.VRAWindow + uintptr(r.firstPage)*uintptr(mem.PageSize), nil
	}

	return 0, ErrOutOfRange
}

// FreeRange locates the used region starting at the page the given virtual
// address falls into and marks it free, merging with free neighbours. A
// virtual address that does not match the start of a currently-used region
// is a double free: it is logged and otherwise ignored.
func FreeRange(addr uintptr) {
	lock.Lock()
	defer lock.Unlock()

	firstPage := uint64(addr-mem.VRAWindow) / uint64(mem.PageSize)

	var prev *region
	for r := regions; r != nil; prev, r = r, r.next {
		if r.firstPage != firstPage {
			continue
		}
		if !r.used {
			kfmt.Printf("[vra] double free of range at page %d\n", firstPage)
			return
		}
		r.used = false
		mergeWithNext(r)
		if prev != nil {
			mergeWithNext(prev)
		}
		return
	}

	kfmt.Printf("[vra] double free: no region starts at page %d\n", firstPage)
}

// mergeWithNext absorbs r.next into r if both are free.
func mergeWithNext(r *region) {
	if r.used || r.next == nil || r.next.used {
		return
	}
	r.pageCount += r.next.pageCount
	r.next = r.next.next
}
