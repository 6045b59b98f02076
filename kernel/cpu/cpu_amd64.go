// Package cpu exposes the handful of x86-64 primitives the rest of the
// kernel needs: interrupt masking, TLB control, CR2/CR3 access, CPUID and
// MSR plumbing. Every exported function below has no Go body; its
// implementation lives in cpu_amd64.s.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// Halt stops instruction execution for good: it loops on hlt, so an
// interrupt that wakes the CPU never returns control to the caller.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// ReadCR2 returns the value stored in the CR2 register (last fault address).
func ReadCR2() uint64

// ReadCR3 returns the physical address of the currently active PML4.
func ReadCR3() uintptr

// WriteCR3 loads a new PML4 physical address into CR3, flushing the TLB.
func WriteCR3(pml4PhysAddr uintptr)

// SaveFlagsAndDisableInterrupts disables interrupts and returns the RFLAGS
// value as it was immediately before doing so, for later use with
// RestoreFlags.
func SaveFlagsAndDisableInterrupts() uint64

// RestoreFlags restores a RFLAGS value previously obtained from
// SaveFlagsAndDisableInterrupts, re-enabling interrupts if they were enabled
// at the time of the save.
func RestoreFlags(flags uint64)

// ReadMSR reads the model-specific register identified by id.
func ReadMSR(id uint32) uint64

// WriteMSR writes value to the model-specific register identified by id.
func WriteMSR(id uint32, value uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// SupportsGigabytePages returns true if the CPU supports 1 GiB pages at the
// PDP level (CPUID.80000001H:EDX[26]).
func SupportsGigabytePages() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<26) != 0
}

// MSR ids used by the syscall entry/exit plumbing and per-CPU GS scratch.
const (
	MSREFER         = 0xC0000080
	MSRSTAR         = 0xC0000081
	MSRLSTAR        = 0xC0000082
	MSRFMASK        = 0xC0000084
	MSRGSBase       = 0xC0000101
	MSRKernelGSBase = 0xC0000102
)
