package vmm

import (
	"talus/boot"
	"talus/mem"
	"talus/mem/pmm"
	"talus/mem/vra"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// newTestInfo mirrors mem/pmm's test harness: physical address 0 is the
// start of a page-aligned host buffer reached through HHDMOffset, so every
// frame number stays small while direct() still lands inside real memory.
func newTestInfo(t *testing.T, pages int) *boot.Info {
	t.Helper()
	raw := make([]byte, (pages+1)*4096)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + 4095) &^ 4095

	return &boot.Info{
		HHDMOffset: aligned,
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: uint64(pages * 4096), Type: boot.MemUsable},
		},
	}
}

func resetGlobals() {
	usingOwnDirectMap = false
	kernelBootstrapped = false
	capturedKernelEntry = [2]pageTableEntry{}
	bootInfo = nil
}

func TestCreateSharesKernelHalf(t *testing.T) {
	resetGlobals()
	info := newTestInfo(t, 512)
	require.Nil(t, pmm.Init(info))
	Init(info)

	s1, err := Create()
	require.Nil(t, err)
	s2, err := Create()
	require.Nil(t, err)

	t1 := table(s1.pml4)
	t2 := table(s2.pml4)
	require.Equal(t, t1[kernelPML4Slot256], t2[kernelPML4Slot256])
	require.Equal(t, t1[kernelPML4Slot511], t2[kernelPML4Slot511])
}

func TestMapPagesRoundTrip(t *testing.T) {
	resetGlobals()
	info := newTestInfo(t, 512)
	require.Nil(t, pmm.Init(info))
	Init(info)

	s, err := Create()
	require.Nil(t, err)

	leaf := pmm.AllocPages(1)
	require.True(t, leaf.Valid())

	const virt = uintptr(0x0000000000400000)
	require.Nil(t, s.MapPages(virt, leaf.Address(), 1, Write))

	got, err := s.GetPhys(virt)
	require.Nil(t, err)
	require.Equal(t, leaf.Address(), got)

	got, err = s.GetPhys(virt + 123)
	require.Nil(t, err)
	require.Equal(t, leaf.Address()+123, got)
}

func TestDestroyFreesUserHalf(t *testing.T) {
	resetGlobals()
	info := newTestInfo(t, 512)
	require.Nil(t, pmm.Init(info))
	Init(info)

	// The first Create also builds the kernel half every later space
	// shares; Destroy never frees it, so the baseline is taken after it.
	_, err := Create()
	require.Nil(t, err)

	baseline := pmm.GetUsedPages()

	s, err := Create()
	require.Nil(t, err)

	leaf := pmm.AllocPages(1)
	require.True(t, leaf.Valid())
	require.Nil(t, s.MapPages(0x0000000000400000, leaf.Address(), 1, Write))

	s.Destroy()

	require.Equal(t, baseline, pmm.GetUsedPages(), "destroying a space must return used pages to their pre-creation count")
}

func TestPageFlagsToEntryFlags(t *testing.T) {
	ro := PageFlags(0).toEntryFlags()
	require.True(t, ro.has(entryPresent))
	require.True(t, ro.has(entryNoExecute))
	require.False(t, ro.has(entryWrite))

	rwx := (Write | Execute).toEntryFlags()
	require.True(t, rwx.has(entryWrite))
	require.False(t, rwx.has(entryNoExecute))

	uc := Uncached.toEntryFlags()
	require.True(t, uc.has(entryWriteThru))
	require.True(t, uc.has(entryCacheDis))
}

func (e entryFlag) has(f entryFlag) bool { return e&f == f }

func TestDirectMapBaseSwitchesAfterSwitchTo(t *testing.T) {
	resetGlobals()
	info := newTestInfo(t, 512)
	require.Nil(t, pmm.Init(info))
	Init(info)

	require.Equal(t, info.HHDMOffset, directMapBase())

	s, err := Create()
	require.Nil(t, err)
	SwitchTo(s)

	require.Equal(t, mem.DirectMap, directMapBase())
}

// TestRemapLeavesNoStaleByte drives a vra range through a full
// map/write/free/realloc/remap cycle and checks that reading back through
// the new mapping sees only the new frame's content, never the old one's.
func TestRemapLeavesNoStaleByte(t *testing.T) {
	resetGlobals()
	info := newTestInfo(t, 512)
	require.Nil(t, pmm.Init(info))
	Init(info)
	vra.Reset()

	s, err := Create()
	require.Nil(t, err)

	vaddr, err := vra.AllocRange(1)
	require.Nil(t, err)

	frameA := pmm.AllocPages(1)
	frameB := pmm.AllocPages(1)
	require.NotEqual(t, frameA, frameB)

	byteAt := func(phys uintptr) *byte {
		return (*byte)(unsafe.Pointer(directMapBase() + phys))
	}
	*byteAt(frameA.Address()) = 0xAA
	*byteAt(frameB.Address()) = 0xBB

	require.Nil(t, s.MapPages(vaddr, frameA.Address(), 1, Write))
	got, err := s.GetPhys(vaddr)
	require.Nil(t, err)
	require.Equal(t, frameA.Address(), got)
	require.Equal(t, byte(0xAA), *byteAt(got))

	pmm.FreePages(frameA, 1)
	vra.FreeRange(vaddr)

	vaddr2, err := vra.AllocRange(1)
	require.Nil(t, err)
	require.Equal(t, vaddr, vaddr2, "freeing then re-allocating one page should reuse the same range")

	require.Nil(t, s.MapPages(vaddr2, frameB.Address(), 1, Write))
	got, err = s.GetPhys(vaddr2)
	require.Nil(t, err)
	require.Equal(t, frameB.Address(), got, "remapping must point at the new frame, not the old one")
	require.Equal(t, byte(0xBB), *byteAt(got), "no stale byte from frameA must be visible through the new mapping")

	pmm.FreePages(frameB, 1)
	vra.FreeRange(vaddr2)
}
