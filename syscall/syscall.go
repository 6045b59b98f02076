// Package syscall implements the kernel's single entry point for user-land
// requests: a dispatcher driven by a syscall number and a fixed argument
// register set, exactly as spec §4.8 describes it. Every handler operates
// on the calling process's own fd table (sched.Current()), so the package
// never needs to know which concurrent file kind (vfs.File, pipe.File,
// evt.File) it's holding until it looks.
package syscall

import (
	"reflect"
	"unsafe"

	"talus/evt"
	"talus/kernel/kfmt"
	"talus/sched"
	"talus/vfs"
)

// Numbers enumerates the recognised syscalls; RAX carries one of these on
// entry. Unknown numbers are handled by Dispatch's default case.
const (
	Exit = iota + 1
	Yield
	Stat
	Open
	Close
	Seek
	Read
	Write
	Ioctl
	EventCreate
	WaitOnEvents
)

// Frame is the saved register state a syscall dispatches against: RAX
// carries the number in and the result out, the rest are the six
// argument registers System-V reserves for a syscall (RCX is unusable
// because the SYSCALL instruction clobbers it with the return RIP, so R10
// stands in for it).
type Frame struct {
	RAX uintptr
	RDI uintptr
	RSI uintptr
	RDX uintptr
	R10 uintptr
	R8  uintptr
	R9  uintptr
}

// errInvalid is returned to user space as -1 for every failure path; the
// underlying *kernel.Error (when there is one) is only ever logged, never
// exposed across the ABI boundary.
const errInvalid = ^uintptr(0) // -1 as uintptr

// Dispatch decodes f.RAX and runs the matching handler, writing its result
// back into f.RAX. Unknown numbers are logged and return -1.
func Dispatch(f *Frame) {
	switch f.RAX {
	case Exit:
		f.RAX = sysExit(f.RDI)
	case Yield:
		f.RAX = sysYield()
	case Stat:
		f.RAX = sysStat(f.RDI, f.RSI, f.RDX)
	case Open:
		f.RAX = sysOpen(f.RDI, f.RSI, f.RDX)
	case Close:
		f.RAX = sysClose(f.RDI)
	case Seek:
		f.RAX = sysSeek(f.RDI, f.RSI, f.RDX)
	case Read:
		f.RAX = sysRead(f.RDI, f.RSI, f.RDX)
	case Write:
		f.RAX = sysWrite(f.RDI, f.RSI, f.RDX)
	case Ioctl:
		f.RAX = sysIoctl(f.RDI, f.RSI, f.RDX)
	case EventCreate:
		f.RAX = sysEventCreate()
	case WaitOnEvents:
		f.RAX = sysWaitOnEvents(f.RDI, f.RSI, f.RDX)
	default:
		kfmt.Printf("syscall: unknown number %d from pid %d\n", f.RAX, currentPID())
		f.RAX = errInvalid
	}
}

func currentPID() int {
	if p := sched.Current(); p != nil {
		return p.ID()
	}
	return 0
}

// bytesAt views length bytes of user/kernel memory starting at addr as a
// []byte, the same reflect.SliceHeader technique kernel.Memset/Memcopy use
// for the same reason: there's no libc, and no ELF/paging boundary to stop
// at without the loader/translation machinery the spec calls out of scope.
func bytesAt(addr uintptr, length int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  length,
		Cap:  length,
	}))
}

func stringAt(addr uintptr, length int) string {
	return string(bytesAt(addr, length))
}

func sysExit(status uintptr) uintptr {
	sched.Exit(int32(status))
	return 0
}

func sysYield() uintptr {
	sched.Yield()
	return 0
}

func sysStat(pathPtr, pathLen, outPtr uintptr) uintptr {
	path := stringAt(pathPtr, int(pathLen))
	info, err := vfs.Stat(path)
	if err != nil {
		return errInvalid
	}
	out := bytesAt(outPtr, 1)
	out[0] = byte(info.Type)
	return 0
}

func sysOpen(pathPtr, pathLen, mode uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	path := stringAt(pathPtr, int(pathLen))
	f, err := vfs.Open(path, vfs.OpenMode(mode))
	if err != nil {
		return errInvalid
	}
	fd := p.AllocFD(f)
	if fd < 0 {
		f.Close()
		return errInvalid
	}
	return uintptr(fd)
}

// closer is the common shape of every fd-table entry: a file object always
// knows how to close itself, whatever kind it is.
type closer interface {
	Close()
}

func sysClose(fd uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	c, ok := p.FD(int(fd)).(closer)
	if !ok {
		return errInvalid
	}
	c.Close()
	p.SetFD(int(fd), nil)
	return 0
}

func sysSeek(fd, offset, whence uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	f, ok := p.FD(int(fd)).(*vfs.File)
	if !ok {
		return errInvalid
	}
	pos, err := vfs.SeekFile(f, int64(offset), int(whence))
	if err != nil {
		return errInvalid
	}
	return uintptr(pos)
}

// pipeFile narrows pipe's fd kind down to just the methods the read/write
// handlers need, so this package doesn't have to import pipe (and pipe
// doesn't have to import this one back). Event fds are matched as *evt.File.
type pipeFile interface {
	Read(buf []byte) int
	Write(buf []byte) int
}

func sysRead(fd, bufPtr, length uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	buf := bytesAt(bufPtr, int(length))

	switch f := p.FD(int(fd)).(type) {
	case *vfs.File:
		n, err := f.Read(buf)
		if err != nil {
			return errInvalid
		}
		return uintptr(n)
	case pipeFile:
		return uintptr(f.Read(buf))
	case *evt.File:
		if len(buf) < 8 {
			return errInvalid
		}
		putLE64(buf, f.Read())
		return 8
	default:
		return errInvalid
	}
}

func sysWrite(fd, bufPtr, length uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	buf := bytesAt(bufPtr, int(length))

	switch f := p.FD(int(fd)).(type) {
	case *vfs.File:
		n, err := f.Write(buf)
		if err != nil {
			return errInvalid
		}
		return uintptr(n)
	case pipeFile:
		return uintptr(f.Write(buf))
	case *evt.File:
		if len(buf) < 8 {
			return errInvalid
		}
		f.Write(getLE64(buf))
		return 8
	default:
		return errInvalid
	}
}

func sysIoctl(fd, op, arg uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	f, ok := p.FD(int(fd)).(*vfs.File)
	if !ok {
		return errInvalid
	}
	result, err := f.Ioctl(op, arg)
	if err != nil {
		return errInvalid
	}
	return result
}

func sysEventCreate() uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	ev := evt.New(nil)
	fd := p.AllocFD(ev)
	if fd < 0 {
		ev.Close()
		return errInvalid
	}
	return uintptr(fd)
}

// sysWaitOnEvents implements poll: fdsPtr points at count little-endian
// uint32 descriptor numbers, every one of which must already be an
// eventfd created via EventCreate (this is the "poll a bag of evented
// things" syscall, not a general select() over arbitrary fds).
func sysWaitOnEvents(fdsPtr, count, reset uintptr) uintptr {
	p := sched.Current()
	if p == nil {
		return errInvalid
	}
	n := int(count)
	raw := bytesAt(fdsPtr, n*4)
	files := make([]*evt.File, 0, n)
	for i := 0; i < n; i++ {
		fdNum := getLE32(raw[i*4:])
		f, ok := p.FD(int(fdNum)).(*evt.File)
		if !ok {
			return errInvalid
		}
		files = append(files, f)
	}

	result, err := evt.WaitOnEvents(files, reset != 0)
	if err != nil {
		return errInvalid
	}
	return uintptr(result)
}

func putLE64(buf []byte, v uint64) {
	_ = buf[7]
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	buf[5] = byte(v >> 40)
	buf[6] = byte(v >> 48)
	buf[7] = byte(v >> 56)
}

func getLE64(buf []byte) uint64 {
	_ = buf[7]
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}

func getLE32(buf []byte) uint32 {
	_ = buf[3]
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
