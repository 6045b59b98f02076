package syscall

import (
	"testing"
	"unsafe"

	"talus/evt"
	"talus/sched"
	"talus/vfs"
	"talus/vfs/ramfs"

	"github.com/stretchr/testify/require"
)

// mountScratch resets vfs to a single ramfs mount and pins a fresh,
// stack-free process as sched.Current() so handlers have an fd table to
// work against; everything is torn back down via t.Cleanup.
func mountScratch(t *testing.T) *sched.Process {
	t.Helper()
	vfs.Reset()
	ramfs.Register()
	require.Nil(t, vfs.Mount("/", ramfs.Name, ""))

	p, err := sched.NewTestProcess()
	require.Nil(t, err)
	sched.SetCurrent(p)
	t.Cleanup(func() { sched.SetCurrent(nil) })
	return p
}

func ptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestSysOpenReadWriteClose(t *testing.T) {
	mountScratch(t)

	path := []byte("/greeting.txt")
	fd := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Write|vfs.Create))
	require.NotEqual(t, errInvalid, fd)

	payload := []byte("hello syscall")
	n := sysWrite(fd, ptrOf(payload), uintptr(len(payload)))
	require.Equal(t, uintptr(len(payload)), n)

	require.Equal(t, uintptr(0), sysClose(fd))

	fd2 := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Read))
	require.NotEqual(t, errInvalid, fd2)

	buf := make([]byte, 64)
	read := sysRead(fd2, ptrOf(buf), uintptr(len(buf)))
	require.Equal(t, uintptr(len(payload)), read)
	require.Equal(t, payload, buf[:read])
}

func TestSysSeekRepositionsCursor(t *testing.T) {
	mountScratch(t)

	path := []byte("/seekme.txt")
	fd := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Write|vfs.Create))
	content := []byte("0123456789")
	sysWrite(fd, ptrOf(content), uintptr(len(content)))
	sysClose(fd)

	fd2 := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Read))
	pos := sysSeek(fd2, 5, 0)
	require.Equal(t, uintptr(5), pos)

	buf := make([]byte, 64)
	n := sysRead(fd2, ptrOf(buf), uintptr(len(buf)))
	require.Equal(t, content[5:], buf[:n])
}

func TestSysStatReportsNodeType(t *testing.T) {
	mountScratch(t)

	path := []byte("/a-file")
	fd := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Write|vfs.Create))
	sysClose(fd)

	out := make([]byte, 1)
	ret := sysStat(ptrOf(path), uintptr(len(path)), ptrOf(out))
	require.Equal(t, uintptr(0), ret)
	require.Equal(t, byte(vfs.RegularFile), out[0])
}

func TestSysIoctlUnsupportedOnRamfs(t *testing.T) {
	mountScratch(t)

	path := []byte("/plain")
	fd := sysOpen(ptrOf(path), uintptr(len(path)), uintptr(vfs.Write|vfs.Create))
	require.Equal(t, errInvalid, sysIoctl(fd, 0, 0))
}

func TestSysCloseUnknownFDFails(t *testing.T) {
	mountScratch(t)
	require.Equal(t, errInvalid, sysClose(99))
}

func TestSysEventCreateAndWaitOnEvents(t *testing.T) {
	p := mountScratch(t)

	fd := sysEventCreate()
	require.NotEqual(t, errInvalid, fd)

	ev, ok := p.FD(int(fd)).(*evt.File)
	require.True(t, ok)
	ev.Write(3)

	fdsBuf := make([]byte, 4)
	putLE32 := func(buf []byte, v uint32) {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
	}
	putLE32(fdsBuf, uint32(fd))

	mask := sysWaitOnEvents(ptrOf(fdsBuf), 1, 1)
	require.Equal(t, uintptr(1), mask)
}

func TestSysReadWriteOnEventFD(t *testing.T) {
	mountScratch(t)

	fd := sysEventCreate()
	require.NotEqual(t, errInvalid, fd)

	out := make([]byte, 8)
	putLE64(out, 42)
	n := sysWrite(fd, ptrOf(out), uintptr(len(out)))
	require.Equal(t, uintptr(8), n)

	in := make([]byte, 8)
	n = sysRead(fd, ptrOf(in), uintptr(len(in)))
	require.Equal(t, uintptr(8), n)
	require.Equal(t, uint64(42), getLE64(in))
}

func TestDispatchUnknownNumberReturnsInvalid(t *testing.T) {
	mountScratch(t)

	f := &Frame{RAX: 0xffff}
	Dispatch(f)
	require.Equal(t, uintptr(errInvalid), f.RAX)
}

func TestDispatchStatRoundTrip(t *testing.T) {
	mountScratch(t)

	path := []byte("/dispatch-me")
	openFrame := &Frame{RAX: Open, RDI: ptrOf(path), RSI: uintptr(len(path)), RDX: uintptr(vfs.Write | vfs.Create)}
	Dispatch(openFrame)
	require.NotEqual(t, uintptr(errInvalid), openFrame.RAX)

	closeFrame := &Frame{RAX: Close, RDI: openFrame.RAX}
	Dispatch(closeFrame)
	require.Equal(t, uintptr(0), closeFrame.RAX)

	out := make([]byte, 1)
	statFrame := &Frame{RAX: Stat, RDI: ptrOf(path), RSI: uintptr(len(path)), RDX: ptrOf(out)}
	Dispatch(statFrame)
	require.Equal(t, uintptr(0), statFrame.RAX)
	require.Equal(t, byte(vfs.RegularFile), out[0])
}
