package mem

// Fixed virtual layout for the kernel half of the address space. All spaces
// created by mem/vmm share these mappings via the captured PML4 entries 256
// and 511; user code never sees these addresses.
const (
	// DirectMap is the base of the direct map of all physical RAM. Any
	// physical address p is reachable at DirectMap+p.
	DirectMap = uintptr(0xffff800000000000)

	// FramebufferWindow starts 128 GiB after DirectMap and holds the
	// linear framebuffer mapping established by platform glue.
	FramebufferWindow = DirectMap + 128*uintptr(Gb)

	// LogRingWindow starts 1 GiB after FramebufferWindow and backs the
	// kfmt ring buffer once paging is live.
	LogRingWindow = FramebufferWindow + uintptr(Gb)

	// VRAWindow is the window mem/vra carves virtual ranges out of. It is
	// 1 GiB in size.
	VRAWindow     = LogRingWindow + uintptr(Gb)
	VRAWindowSize = uintptr(Gb)

	// HeapWindow is the window mem/heap grows into, one page at a time.
	// It is 1 GiB in size.
	HeapWindow     = VRAWindow + VRAWindowSize
	HeapWindowSize = uintptr(Gb)

	// KernelImageBase is the canonical top-2GiB region the kernel ELF
	// image (text/rodata/data/bss) is linked and loaded at.
	KernelImageBase = uintptr(0xffffffff80000000)
)

// CanonicalizeVirtAddr sign-extends bit 47 of a 48-bit virtual address into
// bits 48..63, as required by the x86-64 canonical-address rule.
func CanonicalizeVirtAddr(v uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if v&signBit != 0 {
		return v | ^(signBit<<1 - 1)
	}
	return v &^ ^(signBit<<1 - 1)
}
