package vmm

import (
	"talus/boot"
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/kernel/kfmt"
	"talus/kernel/sync"
	"talus/mem"
	"talus/mem/pmm"
)

var (
	// ErrOutOfMemory is returned when an intermediate table or a mapped
	// leaf frame cannot be allocated from pmm.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}

	// ErrInvalidMapping is returned by GetPhys when the supplied virtual
	// address has no mapping in the space being queried.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	lock sync.IRQSpinlock

	// allocFrameFn is mocked by tests and is automatically inlined by the
	// compiler in production builds.
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		f := pmm.AllocPages(1)
		if !f.Valid() {
			return pmm.InvalidFrame, ErrOutOfMemory
		}
		return f, nil
	}

	// usingOwnDirectMap flips to true the first time SwitchTo loads a CR3
	// built by this package; until then, physical memory accesses made
	// while bootstrapping the very first space go through the loader's
	// own HHDM, since our DirectMap window does not exist in any active
	// table yet.
	usingOwnDirectMap bool
	loaderHHDM        uintptr

	// gigabytePages caches the CPUID check so MapPages doesn't re-query
	// it on every call.
	gigabytePages bool

	// capturedKernelEntry holds PML4 entries 256 and 511, captured from the
	// very first Space ever created and copied into every subsequent
	// Space so all of them share an identical kernel half.
	kernelBootstrapped  bool
	capturedKernelEntry [2]pageTableEntry // index 0 -> slot 256, index 1 -> slot 511
	bootInfo            *boot.Info
)

// directMapBase returns the virtual base currently usable to reach physical
// memory directly: the loader's HHDM before the first space is active, this
// package's own DirectMap window afterwards.
func directMapBase() uintptr {
	if usingOwnDirectMap {
		return mem.DirectMap
	}
	return loaderHHDM
}

// DirectMapBase exposes directMapBase to other packages (sched's kernel
// stack allocator needs to turn a freshly allocated frame into a pointer
// before any Space of its own is involved).
func DirectMapBase() uintptr {
	return directMapBase()
}

// PageFlags describes the caller-facing mapping permissions. Every flag is
// opt-in: leaving out Execute sets NX on the entry, and Write, User and
// Uncached are likewise off unless requested.
type PageFlags uint8

const (
	Write PageFlags = 1 << iota
	Execute
	User
	Uncached
)

func (f PageFlags) toEntryFlags() entryFlag {
	e := entryPresent
	if f&Write != 0 {
		e |= entryWrite
	}
	if f&User != 0 {
		e |= entryUser
	}
	if f&Execute == 0 {
		e |= entryNoExecute
	}
	if f&Uncached != 0 {
		e |= entryWriteThru | entryCacheDis
	}
	return e
}

// Init records the boot-time facts Space.Create needs to build the kernel
// half of the very first address space: the loader's memory map (to build
// the direct map) and its own HHDM offset (to reach physical memory before
// our direct map exists).
func Init(info *boot.Info) {
	bootInfo = info
	loaderHHDM = info.HHDMOffset
	gigabytePages = cpu.SupportsGigabytePages()
	kfmt.Printf("[vmm] direct map base=%x gigabyte pages=%t\n", mem.DirectMap, gigabytePages)
}
