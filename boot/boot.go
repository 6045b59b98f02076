// Package boot models the information a Limine-compatible loader hands the
// kernel before control reaches mem/pmm and mem/vmm. It plays the role the
// teacher's kernel/hal/multiboot package plays for a multiboot2 loader: a
// thin, read-only view over boot-time facts, populated by platform glue
// (request-block parsing, out of scope for this design) and consumed by the
// memory subsystems at init.
package boot

// MemoryEntryType classifies a physical memory range reported by the
// loader's memory map.
type MemoryEntryType uint32

const (
	// MemUsable marks RAM immediately available for general allocation.
	MemUsable MemoryEntryType = iota + 1

	// MemReserved marks RAM the firmware or loader has reserved.
	MemReserved

	// MemACPIReclaimable marks ACPI tables that can be reclaimed once
	// parsed.
	MemACPIReclaimable

	// MemACPINVS marks memory that must survive hibernation.
	MemACPINVS

	// MemBadMemory marks RAM the firmware reports as faulty.
	MemBadMemory

	// MemBootloaderReclaimable marks loader structures (this info block
	// included) that may be reclaimed once the kernel no longer needs
	// them.
	MemBootloaderReclaimable

	// MemKernelAndModules marks the kernel image and any modules loaded
	// alongside it; pmm must never hand these frames out.
	MemKernelAndModules

	// MemFramebuffer marks the linear framebuffer identified by
	// FramebufferInfo.
	MemFramebuffer
)

// IsRAM reports whether entries of this type count towards the "RAM"
// concept mem/pmm's bitmap sizing uses: usable memory plus every
// loader-reclaimable type, since all of it is physically backed and will
// eventually become allocatable.
func (t MemoryEntryType) IsRAM() bool {
	switch t {
	case MemUsable, MemACPIReclaimable, MemBootloaderReclaimable:
		return true
	default:
		return false
	}
}

// MemoryMapEntry describes one contiguous physical range reported by the
// loader.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// FramebufferInfo describes the linear framebuffer set up by the loader, if
// any.
type FramebufferInfo struct {
	PhysAddr      uint64
	Width, Height uint32
	Pitch         uint32
	Bpp           uint8
}

// ELFRange describes one loadable segment of the running kernel image, used
// by mem/vmm.Create to map the kernel's own text/rodata/data/bss into the
// kernel half of every address space.
type ELFRange struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Length   uint64
	Writable bool
	Execute  bool
}

// Info is the read-only snapshot of boot-time facts platform glue builds
// once, early, and that mem/pmm and mem/vmm consume at Init. Nothing in the
// kernel mutates an Info after it is handed to pmm.Init.
type Info struct {
	// MemoryMap enumerates every physical range the loader knows about,
	// lowest address first.
	MemoryMap []MemoryMapEntry

	// HHDMOffset is the virtual offset the loader itself used for its
	// higher-half direct map before mem/vmm installs its own DirectMap
	// window; mem/vmm.Create's one-time kernel-half setup uses it to
	// reach physical memory while building the real direct map.
	HHDMOffset uintptr

	// RSDPAddr is the physical address of the ACPI RSDP, consumed by
	// platform glue outside this design's scope.
	RSDPAddr uintptr

	// Framebuffer is nil if the loader did not set one up.
	Framebuffer *FramebufferInfo

	// KernelImage enumerates the kernel ELF's loadable segments.
	KernelImage []ELFRange
}

// VisitUsable invokes visitor once per memory map entry whose type is
// MemUsable, in ascending physical-address order, stopping early if visitor
// returns false.
func (i *Info) VisitUsable(visitor func(MemoryMapEntry) bool) {
	for _, e := range i.MemoryMap {
		if e.Type != MemUsable {
			continue
		}
		if !visitor(e) {
			return
		}
	}
}

// HighestUsableAddress returns the exclusive upper bound of all usable RAM,
// i.e. the address one past the last usable byte. mem/pmm sizes its bitmap
// against this value.
func (i *Info) HighestUsableAddress() uint64 {
	var max uint64
	for _, e := range i.MemoryMap {
		if !e.Type.IsRAM() {
			continue
		}
		if end := e.PhysAddress + e.Length; end > max {
			max = end
		}
	}
	return max
}
