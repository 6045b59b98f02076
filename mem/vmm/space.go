package vmm

import (
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/mem"
	"talus/mem/pmm"
)

const (
	kernelPML4Slot256 = 256
	kernelPML4Slot511 = 511

	sizeOf4K = uintptr(mem.PageSize)
	sizeOf2M = 512 * sizeOf4K
	sizeOf1G = 512 * sizeOf2M
)

// Space is an opaque handle for an address space: the physical address of
// its level-4 page table. The zero Space is not valid; use Create.
type Space struct {
	pml4 pmm.Frame
}

// PML4Frame returns the physical frame backing this space's level-4 table,
// the value SwitchTo loads into CR3.
func (s Space) PML4Frame() pmm.Frame { return s.pml4 }

func zeroFrame(f pmm.Frame) {
	t := table(f)
	for i := range t {
		t[i] = 0
	}
}

func allocTableFrame() (pmm.Frame, *kernel.Error) {
	f, err := allocFrameFn()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	zeroFrame(f)
	return f, nil
}

// Create allocates a new Space. The very first call additionally builds the
// kernel half (direct map of RAM, framebuffer window, kernel image) by
// walking the boot-time memory map and captures PML4 entries 256 and 511;
// every later call just copies those two captured entries, so every space
// shares an identical kernel half.
func Create() (Space, *kernel.Error) {
	lock.Lock()
	defer lock.Unlock()

	pml4Frame, err := allocTableFrame()
	if err != nil {
		return Space{}, err
	}
	s := Space{pml4: pml4Frame}

	if !kernelBootstrapped {
		if err := bootstrapKernelHalf(s); err != nil {
			return Space{}, err
		}
		t := table(pml4Frame)
		capturedKernelEntry[0] = t[kernelPML4Slot256]
		capturedKernelEntry[1] = t[kernelPML4Slot511]
		kernelBootstrapped = true
		return s, nil
	}

	t := table(pml4Frame)
	t[kernelPML4Slot256] = capturedKernelEntry[0]
	t[kernelPML4Slot511] = capturedKernelEntry[1]
	return s, nil
}

// bootstrapKernelHalf installs the direct map of all RAM and the kernel
// image's loadable segments into s, using the loader's own HHDM to reach
// physical memory (our own DirectMap window does not exist in any active
// table until this call populates it).
func bootstrapKernelHalf(s Space) *kernel.Error {
	if bootInfo == nil {
		return &kernel.Error{Module: "vmm", Message: "vmm.Init was not called before the first vmm.Create"}
	}

	highest := bootInfo.HighestUsableAddress()
	if err := mapRegion(s, mem.DirectMap, 0, uintptr(highest), Write); err != nil {
		return err
	}

	for _, seg := range bootInfo.KernelImage {
		flags := PageFlags(0)
		if seg.Writable {
			flags |= Write
		}
		if seg.Execute {
			flags |= Execute
		}
		if err := mapRegion(s, seg.VirtAddr, seg.PhysAddr, uintptr(seg.Length), flags); err != nil {
			return err
		}
	}

	return nil
}

func mapRegion(s Space, virt uintptr, phys uintptr, length uintptr, flags PageFlags) *kernel.Error {
	if length == 0 {
		return nil
	}
	pages := (length + sizeOf4K - 1) / sizeOf4K
	return s.MapPages(virt, phys, uint64(pages), flags)
}

// MapPages maps count pages starting at physPage to virtPage with the given
// permissions, greedily selecting the largest page size that (a) the
// remaining run is aligned to and (b) the CPU supports: 1 GiB if
// CPUID.80000001.EDX[26] and everything lines up, else 2 MiB, else 4 KiB.
// Intermediate tables are allocated on demand. If s is the currently active
// space, each newly-written leaf is flushed with INVLPG.
func (s Space) MapPages(virtPage, physPage uintptr, count uint64, flags PageFlags) *kernel.Error {
	lock.Lock()
	defer lock.Unlock()

	entryFlags := flags.toEntryFlags()
	remaining := count * uint64(sizeOf4K)
	virt, phys := virtPage, physPage

	for remaining > 0 {
		switch {
		case gigabytePages && aligned(virt, sizeOf1G) && aligned(phys, sizeOf1G) && remaining >= uint64(sizeOf1G):
			if err := s.mapDirect(virt, phys, entryFlags, 3); err != nil {
				return err
			}
			virt, phys = virt+sizeOf1G, phys+sizeOf1G
			remaining -= uint64(sizeOf1G)

		case aligned(virt, sizeOf2M) && aligned(phys, sizeOf2M) && remaining >= uint64(sizeOf2M):
			if err := s.mapDirect(virt, phys, entryFlags, 2); err != nil {
				return err
			}
			virt, phys = virt+sizeOf2M, phys+sizeOf2M
			remaining -= uint64(sizeOf2M)

		default:
			if err := s.mapLeaf(virt, phys, entryFlags); err != nil {
				return err
			}
			virt, phys = virt+sizeOf4K, phys+sizeOf4K
			remaining -= uint64(sizeOf4K)
		}

		if s.isActive() {
			cpu.FlushTLBEntry(virt - sizeOf4K)
		}
	}

	return nil
}

func aligned(v uintptr, size uintptr) bool { return v%size == 0 }

func (s Space) isActive() bool {
	return usingOwnDirectMap && cpu.ReadCR3() == uintptr(s.pml4.Address())
}

// walkToTable descends from the PML4 to the table at level targetLevel (3 =
// PDP, 2 = PD, 1 = PT), allocating intermediate tables on demand.
func (s Space) walkToTable(virt uintptr, targetLevel int) (frame pmm.Frame, err *kernel.Error) {
	cur := s.pml4
	idx := pml4Index(virt)

	for level := 4; level > targetLevel; level-- {
		t := table(cur)
		pte := &t[idx]
		if !pte.hasFlags(entryPresent) {
			next, err := allocTableFrame()
			if err != nil {
				return pmm.InvalidFrame, err
			}
			pte.setFrame(next)
			pte.setFlags(entryPresent | entryWrite | entryUser)
		}
		cur = pte.frame()

		switch level - 1 {
		case 3:
			idx = pdpIndex(virt)
		case 2:
			idx = pdIndex(virt)
		case 1:
			idx = ptIndex(virt)
		}
	}

	return cur, nil
}

// mapDirect installs a huge-page leaf at PDP (level 3, 1 GiB) or PD (level
// 2, 2 MiB).
func (s Space) mapDirect(virt, phys uintptr, flags entryFlag, level int) *kernel.Error {
	tableFrame, err := s.walkToTable(virt, level)
	if err != nil {
		return err
	}

	var idx uintptr
	switch level {
	case 3:
		idx = pdpIndex(virt)
	case 2:
		idx = pdIndex(virt)
	}

	t := table(tableFrame)
	pte := &t[idx]
	pte.setFrame(pmm.FrameFromAddress(phys))
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags) | uintptr(entryHuge))
	return nil
}

func (s Space) mapLeaf(virt, phys uintptr, flags entryFlag) *kernel.Error {
	ptFrame, err := s.walkToTable(virt, 1)
	if err != nil {
		return err
	}
	t := table(ptFrame)
	pte := &t[ptIndex(virt)]
	pte.setFrame(pmm.FrameFromAddress(phys))
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
	return nil
}

// GetPhys walks s and returns the physical address virt is mapped to. It
// stops at the first direct (huge-page) entry and composes the result from
// the residual address bits.
func (s Space) GetPhys(virt uintptr) (uintptr, *kernel.Error) {
	lock.Lock()
	defer lock.Unlock()

	cur := s.pml4
	t := table(cur)
	pml4e := t[pml4Index(virt)]
	if !pml4e.hasFlags(entryPresent) {
		return 0, ErrInvalidMapping
	}

	t = table(pml4e.frame())
	pdpe := t[pdpIndex(virt)]
	if !pdpe.hasFlags(entryPresent) {
		return 0, ErrInvalidMapping
	}
	if pdpe.hasFlags(entryHuge) {
		return pdpe.frame().Address() + (virt & (sizeOf1G - 1)), nil
	}

	t = table(pdpe.frame())
	pde := t[pdIndex(virt)]
	if !pde.hasFlags(entryPresent) {
		return 0, ErrInvalidMapping
	}
	if pde.hasFlags(entryHuge) {
		return pde.frame().Address() + (virt & (sizeOf2M - 1)), nil
	}

	t = table(pde.frame())
	pte := t[ptIndex(virt)]
	if !pte.hasFlags(entryPresent) {
		return 0, ErrInvalidMapping
	}
	return pte.frame().Address() + (virt & (sizeOf4K - 1)), nil
}

// SwitchTo loads CR3 with s's PML4 and, the first time this is ever called,
// flips the package over to resolving physical memory through its own
// DirectMap window instead of the loader's bootstrap HHDM.
func SwitchTo(s Space) {
	cpu.WriteCR3(s.pml4.Address())
	usingOwnDirectMap = true
}

// Fork creates a new space sharing the kernel half, then walks the source
// space's user half (PML4 entries 0..255) and, for every present leaf page,
// allocates a fresh frame, copies its contents via the direct map, and
// installs it with the same logical flags. This is a copying fork, not
// copy-on-write.
func (s Space) Fork() (Space, *kernel.Error) {
	dst, err := Create()
	if err != nil {
		return Space{}, err
	}

	srcT := table(s.pml4)
	for pml4i := uintptr(0); pml4i < kernelPML4Slot256; pml4i++ {
		pml4e := srcT[pml4i]
		if !pml4e.hasFlags(entryPresent) {
			continue
		}
		if err := forkPDP(dst, pml4i, pml4e); err != nil {
			return Space{}, err
		}
	}

	return dst, nil
}

func forkPDP(dst Space, pml4i uintptr, pml4e pageTableEntry) *kernel.Error {
	pdpT := table(pml4e.frame())
	for pdpi := uintptr(0); pdpi < entriesPerTable; pdpi++ {
		pdpe := pdpT[pdpi]
		if !pdpe.hasFlags(entryPresent) {
			continue
		}
		virtBase := (pml4i << 39) | (pdpi << 30)
		if pdpe.hasFlags(entryHuge) {
			if err := forkRange(dst, virtBase, sizeOf1G, pdpe); err != nil {
				return err
			}
			continue
		}
		if err := forkPD(dst, virtBase, pdpe); err != nil {
			return err
		}
	}
	return nil
}

func forkPD(dst Space, pdpVirtBase uintptr, pdpe pageTableEntry) *kernel.Error {
	pdT := table(pdpe.frame())
	for pdi := uintptr(0); pdi < entriesPerTable; pdi++ {
		pde := pdT[pdi]
		if !pde.hasFlags(entryPresent) {
			continue
		}
		virtBase := pdpVirtBase | (pdi << 21)
		if pde.hasFlags(entryHuge) {
			if err := forkRange(dst, virtBase, sizeOf2M, pde); err != nil {
				return err
			}
			continue
		}
		if err := forkPT(dst, virtBase, pde); err != nil {
			return err
		}
	}
	return nil
}

func forkPT(dst Space, pdVirtBase uintptr, pde pageTableEntry) *kernel.Error {
	ptT := table(pde.frame())
	for pti := uintptr(0); pti < entriesPerTable; pti++ {
		pte := ptT[pti]
		if !pte.hasFlags(entryPresent) {
			continue
		}
		virt := pdVirtBase | (pti << 12)
		if err := forkRange(dst, virt, sizeOf4K, pte); err != nil {
			return err
		}
	}
	return nil
}

// forkRange copies one leaf range (of whatever page size) into a freshly
// allocated set of 4 KiB frames mapped at the same virtual range in dst,
// preserving the source entry's logical flags.
func forkRange(dst Space, virt uintptr, size uintptr, srcEntry pageTableEntry) *kernel.Error {
	flags := fromEntryFlags(srcEntry)
	pages := uint64(size / sizeOf4K)
	for i := uint64(0); i < pages; i++ {
		newFrame, err := allocFrameFn()
		if err != nil {
			return err
		}
		srcAddr := directMapBase() + srcEntry.frame().Address() + uintptr(i)*sizeOf4K
		dstAddr := directMapBase() + newFrame.Address()
		kernel.Memcopy(srcAddr, dstAddr, sizeOf4K)

		v := virt + uintptr(i)*sizeOf4K
		if err := dst.mapLeaf(v, newFrame.Address(), flags.toEntryFlags()); err != nil {
			return err
		}
	}
	return nil
}

func fromEntryFlags(e pageTableEntry) PageFlags {
	var f PageFlags
	if e.hasFlags(entryWrite) {
		f |= Write
	}
	if e.hasFlags(entryUser) {
		f |= User
	}
	if !e.hasFlags(entryNoExecute) {
		f |= Execute
	}
	if e.hasFlags(entryWriteThru) {
		f |= Uncached
	}
	return f
}

// Destroy frees every present entry of the user half (PML4 0..255),
// recursively: leaf frames behind PT entries, the 512/262144 frames behind
// direct PD/PDP entries, and the intermediate table frames themselves, then
// frees the PML4 frame. This transfers ownership of the user half's backing
// pages back to pmm.
func (s Space) Destroy() {
	lock.Lock()
	defer lock.Unlock()

	t := table(s.pml4)
	for pml4i := uintptr(0); pml4i < kernelPML4Slot256; pml4i++ {
		pml4e := t[pml4i]
		if !pml4e.hasFlags(entryPresent) {
			continue
		}
		destroyPDP(pml4e)
	}
	pmm.FreePages(s.pml4, 1)
}

func destroyPDP(pml4e pageTableEntry) {
	pdpFrame := pml4e.frame()
	pdpT := table(pdpFrame)
	for i := range pdpT {
		e := pdpT[i]
		if !e.hasFlags(entryPresent) {
			continue
		}
		if e.hasFlags(entryHuge) {
			pmm.FreePages(e.frame(), uint32(sizeOf1G/sizeOf4K))
			continue
		}
		destroyPD(e)
	}
	pmm.FreePages(pdpFrame, 1)
}

func destroyPD(pdpe pageTableEntry) {
	pdFrame := pdpe.frame()
	pdT := table(pdFrame)
	for i := range pdT {
		e := pdT[i]
		if !e.hasFlags(entryPresent) {
			continue
		}
		if e.hasFlags(entryHuge) {
			pmm.FreePages(e.frame(), uint32(sizeOf2M/sizeOf4K))
			continue
		}
		destroyPT(e)
	}
	pmm.FreePages(pdFrame, 1)
}

func destroyPT(pde pageTableEntry) {
	ptFrame := pde.frame()
	ptT := table(ptFrame)
	for i := range ptT {
		e := ptT[i]
		if !e.hasFlags(entryPresent) {
			continue
		}
		pmm.FreePages(e.frame(), 1)
	}
	pmm.FreePages(ptFrame, 1)
}

// RangeVisitor is invoked by Dump once per coalesced present range.
type RangeVisitor func(virtStart, virtEnd uintptr)

// Dump enumerates s's present ranges, coalescing adjacent ones, and invokes
// visitor(virtStart, virtEnd) for each.
func (s Space) Dump(visitor RangeVisitor) {
	lock.Lock()
	defer lock.Unlock()

	var rangeStart uintptr
	var inRange bool
	var lastEnd uintptr

	emit := func(v uintptr, present bool, size uintptr) {
		if present {
			if inRange && v == lastEnd {
				lastEnd = v + size
				return
			}
			if inRange {
				visitor(rangeStart, lastEnd)
			}
			rangeStart, lastEnd, inRange = v, v+size, true
			return
		}
		if inRange {
			visitor(rangeStart, lastEnd)
			inRange = false
		}
	}

	t := table(s.pml4)
	for pml4i := uintptr(0); pml4i < entriesPerTable; pml4i++ {
		pml4e := t[pml4i]
		if !pml4e.hasFlags(entryPresent) {
			emit(pml4i<<39, false, 0)
			continue
		}
		dumpPDP(pml4i, pml4e, emit)
	}
	if inRange {
		visitor(rangeStart, lastEnd)
	}
}

func dumpPDP(pml4i uintptr, pml4e pageTableEntry, emit func(uintptr, bool, uintptr)) {
	pdpT := table(pml4e.frame())
	for pdpi := uintptr(0); pdpi < entriesPerTable; pdpi++ {
		e := pdpT[pdpi]
		v := (pml4i << 39) | (pdpi << 30)
		if !e.hasFlags(entryPresent) {
			emit(v, false, 0)
			continue
		}
		if e.hasFlags(entryHuge) {
			emit(v, true, sizeOf1G)
			continue
		}
		dumpPD(v, e, emit)
	}
}

func dumpPD(pdpVirtBase uintptr, pdpe pageTableEntry, emit func(uintptr, bool, uintptr)) {
	pdT := table(pdpe.frame())
	for pdi := uintptr(0); pdi < entriesPerTable; pdi++ {
		e := pdT[pdi]
		v := pdpVirtBase | (pdi << 21)
		if !e.hasFlags(entryPresent) {
			emit(v, false, 0)
			continue
		}
		if e.hasFlags(entryHuge) {
			emit(v, true, sizeOf2M)
			continue
		}
		dumpPT(v, e, emit)
	}
}

func dumpPT(pdVirtBase uintptr, pde pageTableEntry, emit func(uintptr, bool, uintptr)) {
	ptT := table(pde.frame())
	for pti := uintptr(0); pti < entriesPerTable; pti++ {
		e := ptT[pti]
		v := pdVirtBase | (pti << 12)
		emit(v, e.hasFlags(entryPresent), sizeOf4K)
	}
}
