// Package iodev implements the /dev entries SPEC_FULL.md names that need
// no real hardware collaborator to back them: null, log, meminfo, pci.
// Entries that do need one (framebuffer, keyboard, ata0/ata1) are left for
// platform glue to register via devfs.AddDevice once it has a real handle
// to hand over (out of this design's scope, the same boundary that keeps
// ATA-PIO and PCI enumeration themselves external collaborators).
package iodev

import (
	"bytes"

	"talus/kernel"
	"talus/kernel/kfmt"
	"talus/mem/heap"
	"talus/mem/pmm"
	"talus/vfs"
	"talus/vfs/devfs"
)

// RegisterBuiltins installs every software-only device under devRoot (the
// Node vfs.Mount("/dev", devfs.Name, "") returned). Meant to be called once
// from kmain right after the /dev mount.
func RegisterBuiltins(devRoot *vfs.Node) {
	devfs.AddDevice(devRoot, "null", nullOps(), nil)
	devfs.AddDevice(devRoot, "log", logOps(), nil)
	devfs.AddDevice(devRoot, "meminfo", seqOps(meminfoLine), nil)
	devfs.AddDevice(devRoot, "pci", seqOps(pciLine), nil)
}

// nullOps discards every write and reports end-of-file on every read, the
// conventional /dev/null contract.
func nullOps() *vfs.FileOps {
	return &vfs.FileOps{
		Read:  func(f *vfs.File, buf []byte) (int, *kernel.Error) { return 0, nil },
		Write: func(f *vfs.File, buf []byte) (int, *kernel.Error) { return len(buf), nil },
	}
}

// logOps makes /dev/log a write-only sink forwarding straight into the
// kernel's own Printf output, the way a syslog socket forwards into the
// system log rather than accumulating a file of its own.
func logOps() *vfs.FileOps {
	return &vfs.FileOps{
		Write: func(f *vfs.File, buf []byte) (int, *kernel.Error) {
			kfmt.Printf("%s", string(buf))
			return len(buf), nil
		},
	}
}

// seqOps builds a read-only sequence file: generate is re-run on every
// Read and sliced from the file's current cursor. Regenerating rather than
// caching is fine for meminfo/pci (both are cheap, and nothing else can be
// writing to them concurrently with a read on a single-CPU kernel), and it
// means a second open always sees fresh content instead of a snapshot taken
// at the first one.
func seqOps(generate func() []byte) *vfs.FileOps {
	return &vfs.FileOps{
		Read: func(f *vfs.File, buf []byte) (int, *kernel.Error) {
			content := generate()
			if f.Cursor() >= int64(len(content)) {
				return 0, nil
			}
			return copy(buf, content[f.Cursor():]), nil
		},
	}
}

func meminfoLine() []byte {
	var b bytes.Buffer
	kfmt.Fprintf(&b, "free_pages=%d\nheap_bytes=%d\n", pmm.GetFreePages(), heap.TotalBytes())
	return b.Bytes()
}

// pciLine reports that no bus was enumerated: a real scan is platform
// glue this design doesn't implement, but the device file itself is still
// real and readable so software that stats/opens /dev/pci doesn't need a
// special case for "no PCI support".
func pciLine() []byte {
	var b bytes.Buffer
	kfmt.Fprintf(&b, "pci: no bus enumerated\n")
	return b.Bytes()
}
