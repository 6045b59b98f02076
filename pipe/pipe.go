// Package pipe implements anonymous pipes: a fixed-capacity ring buffer
// shared by one read-end and one write-end File, with reference-counted
// lifetime and back-pressure blocking through sched.Yield.
package pipe

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"talus/kernel"
	"talus/mem/heap"
	"talus/sched"
)

// Capacity is the fixed ring buffer size spec §4.6 calls for.
const Capacity = 64 * 1024

// allocFn, freeFn and yieldFn are mocked by tests so the single-threaded
// round-trip cases can run against plain host memory without standing up
// mem/heap's own pmm/vmm-backed window, and so the back-pressure case can
// drive two goroutines through the real blocking loop without the real
// sched.Yield's process-table/context-switch machinery.
var (
	allocFn = heap.Alloc
	freeFn  = heap.Free
	yieldFn = sched.Yield
)

// pipe is the shared ring buffer plus its atomic bookkeeping. Exactly one
// Pipe is allocated per pipe() call and referenced by both ends' Files; its
// backing array lives on the kernel heap rather than as a Go value, so
// Close can give it back explicitly instead of waiting on the collector.
type pipe struct {
	bufAddr uintptr
	read    uint32 // next byte to read
	write   uint32 // next byte to write; write==read means empty
	full    bool   // disambiguates write==read meaning empty vs full

	refCount    int32
	readerCount int32
	writerCount int32
}

// buf views the pipe's heap-allocated backing array as a []byte, the same
// reflect.SliceHeader technique syscall.bytesAt uses for the same reason:
// there's no libc, and heap.Alloc only ever hands back a raw uintptr.
func (p *pipe) buf() []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: p.bufAddr,
		Len:  Capacity,
		Cap:  Capacity,
	}))
}

// File is one end of a pipe. readable/writable are mutually exclusive;
// exactly one is true for any given File.
type File struct {
	p        *pipe
	readable bool
}

// New allocates a fresh pipe's ring buffer on the kernel heap and returns
// its read-end and write-end Files.
func New() (r *File, w *File, err *kernel.Error) {
	addr, aerr := allocFn(Capacity, 1)
	if aerr != nil {
		return nil, nil, aerr
	}
	p := &pipe{bufAddr: addr, refCount: 2, readerCount: 1, writerCount: 1}
	return &File{p: p, readable: true}, &File{p: p, readable: false}, nil
}

func (p *pipe) available() int {
	if p.full {
		return Capacity
	}
	if p.write >= p.read {
		return int(p.write - p.read)
	}
	return Capacity - int(p.read-p.write)
}

func (p *pipe) freeSpace() int {
	return Capacity - p.available()
}

// Read drains up to len(out) bytes. An empty pipe with no live writers
// returns 0, i.e. EOF; otherwise it yields until data is available.
func (f *File) Read(out []byte) int {
	p := f.p
	for {
		if n := p.available(); n > 0 {
			if len(out) < n {
				n = len(out)
			}
			buf := p.buf()
			for i := 0; i < n; i++ {
				out[i] = buf[(p.read+uint32(i))%Capacity]
			}
			p.read = (p.read + uint32(n)) % Capacity
			if n > 0 {
				p.full = false
			}
			return n
		}
		if atomic.LoadInt32(&p.writerCount) == 0 {
			return 0
		}
		yieldFn()
	}
}

// Write appends greedily from data, yielding while the buffer is full and
// at least one reader remains. A full buffer with no live readers returns
// however many bytes were written before that point (possibly zero, a
// broken-pipe condition callers surface as an error above this layer).
func (f *File) Write(data []byte) int {
	p := f.p
	written := 0
	for written < len(data) {
		space := p.freeSpace()
		if space == 0 {
			if atomic.LoadInt32(&p.readerCount) == 0 {
				return written
			}
			yieldFn()
			continue
		}
		n := len(data) - written
		if n > space {
			n = space
		}
		buf := p.buf()
		for i := 0; i < n; i++ {
			buf[(p.write+uint32(i))%Capacity] = data[written+i]
		}
		p.write = (p.write + uint32(n)) % Capacity
		written += n
		if p.freeSpace() == 0 {
			p.full = true
		}
	}
	return written
}

// Close decrements the end-specific counter and the shared refcount; the
// last Close (refCount reaching zero) also frees the ring buffer back to
// the heap, since nothing else holds bufAddr once both Files are gone.
func (f *File) Close() {
	p := f.p
	if f.readable {
		atomic.AddInt32(&p.readerCount, -1)
	} else {
		atomic.AddInt32(&p.writerCount, -1)
	}
	if atomic.AddInt32(&p.refCount, -1) == 0 {
		freeFn(p.bufAddr)
	}
}

// Duplicate bumps the end-specific counter and the shared refcount,
// mirroring Close, for fork()ed processes that inherit the same fd.
func (f *File) Duplicate() {
	p := f.p
	if f.readable {
		atomic.AddInt32(&p.readerCount, 1)
	} else {
		atomic.AddInt32(&p.writerCount, 1)
	}
	atomic.AddInt32(&p.refCount, 1)
}

// Signalled reports whether a blocked call on this end would make
// progress right now. For a read end: data is available, or there are no
// writers left (in which case Read returns EOF rather than actually
// blocking). For a write end: there is free space, or there are no readers
// left (in which case Write returns a short count).
func (f *File) Signalled() bool {
	if !f.readable {
		return f.p.freeSpace() > 0 || atomic.LoadInt32(&f.p.readerCount) == 0
	}
	return f.p.available() > 0 || atomic.LoadInt32(&f.p.writerCount) == 0
}
