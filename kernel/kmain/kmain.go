// Package kmain wires every subsystem together in the order SPEC_FULL.md's
// design notes prescribe: pmm, then vmm, then heap, then vfs (ramfs mounted
// at "/", devfs at "/dev"), then sched, then devfs population (the built-in
// device nodes), then the syscall dispatcher's MSR programming. It plays
// the role the teacher's kernel/kmain package plays for gopher-os: the one
// Go symbol the boot
// stub calls into, never expected to return.
package kmain

import (
	"talus/boot"
	"talus/kernel"
	"talus/kernel/iodev"
	"talus/kernel/kfmt"
	"talus/mem/heap"
	"talus/mem/pmm"
	"talus/mem/vmm"
	"talus/sched"
	"talus/syscall"
	"talus/vfs"
	"talus/vfs/devfs"
	"talus/vfs/iso9660"
	"talus/vfs/ramfs"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the kernel's single entry point. The boot stub calls it once,
// after setting up a minimal Go runtime stack, with info already parsed
// from whatever the loader handed over (request-block parsing is platform
// glue outside this design). Kmain is not expected to return; if it does,
// that is always a bug.
//
//go:noinline
func Kmain(info *boot.Info) {
	if err := pmm.Init(info); err != nil {
		kfmt.Panic(err)
	}
	vmm.Init(info)

	kernelSpace, err := vmm.Create()
	if err != nil {
		kfmt.Panic(err)
	}
	if err := heap.Init(kernelSpace); err != nil {
		kfmt.Panic(err)
	}

	ramfs.Register()
	devfs.Register()
	iso9660.Register()

	if err := vfs.Mount("/", ramfs.Name, ""); err != nil {
		kfmt.Panic(err)
	}
	if err := vfs.Mount("/dev", devfs.Name, ""); err != nil {
		kfmt.Panic(err)
	}

	if _, err := sched.CreateKernelProcess(idleEntry, nil); err != nil {
		kfmt.Panic(err)
	}

	devRoot, err := vfs.Lookup("/dev")
	if err != nil {
		kfmt.Panic(err)
	}
	iodev.RegisterBuiltins(devRoot)

	sched.KernelStackSwitchHook = syscall.SetKernelStack
	syscall.Init()

	kfmt.Printf("kmain: starting scheduler\n")
	sched.Run(kernelSpace)

	kfmt.Panic(errKmainReturned)
}

// idleEntry is the run queue's permanent last resort: a process that
// yields forever so advanceCursor always has at least one runnable
// candidate to land on, matching the teacher's preference for an explicit
// fallback over a special-cased empty-queue halt inside the scheduler
// itself (sched.Yield halts the CPU only once the run queue is empty,
// which this process, never exiting, keeps from happening).
func idleEntry(arg interface{}) int32 {
	for {
		sched.Yield()
	}
}
