package pmm

import (
	"reflect"
	"talus/boot"
	"talus/kernel"
	"talus/kernel/kfmt"
	"talus/kernel/sync"
	"talus/mem"
	"unsafe"
)

var (
	// ErrOutOfMemory describes running out of physical frames. AllocPages
	// does not return it: when no run of consecutive free frames of the
	// requested length exists, AllocPages returns InvalidFrame.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	lock sync.IRQSpinlock

	// bitmap holds one bit per physical page frame, covering [0,
	// frameCount). A set bit means the frame is reserved/in-use; a clear
	// bit means it is free. Word 0's MSB is frame 0, matching the
	// teacher's big-endian-within-word bitmap convention.
	bitmap []uint64

	frameCount  uint32
	usedFrames  uint32
	hhdmOffset  uintptr
	initialized bool
)

// direct returns a slice view of count bytes of physical memory at phys,
// reached through the loader's HHDM (mem/vmm has not installed its own
// DirectMap window yet when pmm.Init runs).
func direct(phys uintptr, count uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: hhdmOffset + phys,
		Len:  int(count),
		Cap:  int(count),
	}))
}

// bytesAsWords overlays a []uint64 of the given word count on top of a byte
// slice backed by frame-sized, therefore 8-byte-aligned, storage.
func bytesAsWords(b []byte, words int) []uint64 {
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: hdr.Data,
		Len:  words,
		Cap:  words,
	}))
}

// Init scans info's memory map, sizes a bitmap to cover every frame up to
// the highest usable address, places the bitmap itself inside the first
// usable range large enough to hold it, and marks every non-usable frame
// (including the bitmap's own frames) as reserved.
func Init(info *boot.Info) *kernel.Error {
	hhdmOffset = info.HHDMOffset

	highest := info.HighestUsableAddress()
	frameCount = uint32(highest >> mem.PageShift)
	if frameCount == 0 {
		return &kernel.Error{Module: "pmm", Message: "no usable memory reported by loader"}
	}

	wordCount := (frameCount + 63) / 64
	bitmapBytes := uintptr(wordCount) * 8

	bitmapPhys, err := reserveBitmapStorage(info, bitmapBytes)
	if err != nil {
		return err
	}

	raw := direct(bitmapPhys, bitmapBytes)
	bitmap = bytesAsWords(raw, int(wordCount))

	// Start fully reserved, then free every usable range.
	for i := range bitmap {
		bitmap[i] = ^uint64(0)
	}
	usedFrames = frameCount

	info.VisitUsable(func(e boot.MemoryMapEntry) bool {
		start := Frame(e.PhysAddress >> mem.PageShift)
		end := Frame((e.PhysAddress + e.Length) >> mem.PageShift)
		markRange(start, uint32(end-start), markFree)
		return true
	})

	// The bitmap's own backing frames were inside a usable range and were
	// just cleared above; re-reserve them.
	bitmapStartFrame := Frame(bitmapPhys >> mem.PageShift)
	bitmapFrameCount := uint32((bitmapBytes + uintptr(mem.PageSize) - 1) >> mem.PageShift)
	markRange(bitmapStartFrame, bitmapFrameCount, markReserved)

	initialized = true
	kfmt.Printf("[pmm] %d/%d pages free\n", GetFreePages(), frameCount)
	return nil
}

// reserveBitmapStorage finds the first usable range large enough to hold
// size bytes, page-aligned, and returns its physical base address.
func reserveBitmapStorage(info *boot.Info, size uintptr) (uintptr, *kernel.Error) {
	var found uintptr
	var ok bool
	info.VisitUsable(func(e boot.MemoryMapEntry) bool {
		base := (uintptr(e.PhysAddress) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		if uintptr(e.Length) < size {
			return true
		}
		if base+size > uintptr(e.PhysAddress+e.Length) {
			return true
		}
		found, ok = base, true
		return false
	})
	if !ok {
		return 0, &kernel.Error{Module: "pmm", Message: "no usable range large enough for the frame bitmap"}
	}
	return found, nil
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

func bitIndex(f Frame) (word int, mask uint64) {
	word = int(f) >> 6
	mask = uint64(1) << (63 - (uint(f) & 63))
	return
}

func markRange(first Frame, count uint32, how markAs) {
	for i := uint32(0); i < count; i++ {
		f := first + Frame(i)
		if uint32(f) >= frameCount {
			break
		}
		word, mask := bitIndex(f)
		switch how {
		case markFree:
			if bitmap[word]&mask != 0 {
				bitmap[word] &^= mask
				usedFrames--
			}
		case markReserved:
			if bitmap[word]&mask == 0 {
				bitmap[word] |= mask
				usedFrames++
			}
		}
	}
}

// AllocPages finds the lowest-address run of count consecutive free frames,
// marks them used, and returns the first frame. It returns InvalidFrame if
// no such run exists.
func AllocPages(count uint32) Frame {
	if count == 0 {
		return InvalidFrame
	}

	lock.Lock()
	defer lock.Unlock()

	var runStart Frame
	var runLen uint32
	for f := Frame(0); uint32(f) < frameCount; f++ {
		word, mask := bitIndex(f)
		if bitmap[word]&mask == 0 {
			if runLen == 0 {
				runStart = f
			}
			runLen++
			if runLen == count {
				markRange(runStart, count, markReserved)
				return runStart
			}
		} else {
			runLen = 0
		}
	}

	return InvalidFrame
}

// FreePages clears count frames starting at first.
func FreePages(first Frame, count uint32) {
	lock.Lock()
	defer lock.Unlock()
	markRange(first, count, markFree)
}

// GetTotalPages returns the number of frames covered by the bitmap.
func GetTotalPages() uint32 { return frameCount }

// GetUsedPages returns the number of frames currently marked reserved/in-use.
func GetUsedPages() uint32 {
	lock.Lock()
	defer lock.Unlock()
	return usedFrames
}

// GetFreePages returns the number of frames currently marked free.
func GetFreePages() uint32 {
	return GetTotalPages() - GetUsedPages()
}
