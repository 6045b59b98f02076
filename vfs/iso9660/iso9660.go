// Package iso9660 implements a read-only vfs.Driver over ISO-9660 images,
// with SUSP/RRIP long-name extensions. The image itself is read through an
// already-open, seekable vfs.File (typically a devfs block device), so
// this package never touches hardware directly.
package iso9660

import (
	"talus/kernel"
	"talus/vfs"

	"golang.org/x/text/encoding/charmap"
)

const (
	blockSize    = 2048
	pvdLBA       = 16
	dirEntrySize = 33 // fixed portion before the variable-length identifier
)

// Name is the driver name passed to vfs.Mount.
const Name = "iso9660"

type driver struct{}

// Register installs the iso9660 driver so vfs.Mount("/cdrom", iso9660.Name,
// "/dev/cdrom0") can bind it.
func Register() {
	vfs.RegisterDriver(driver{})
}

func (driver) Name() string { return Name }

// image is the per-mount state: the backing device and the facts read out
// of its Primary Volume Descriptor.
type image struct {
	dev      *vfs.File
	rootLBA  uint32
	rootSize uint32
	susp     bool
}

// fileState is the Aux payload for a regular iso9660 node: the byte range
// within the backing device that holds its contents.
type fileState struct {
	img        *image
	dataOffset int64
	dataSize   int64
}

// dirState is the Aux payload for a directory node: the extent to read
// when Populate is called.
type dirState struct {
	img     *image
	lba     uint32
	size    uint32
}

var decoder = charmap.ISO8859_1.NewDecoder()

func decodeName(raw []byte) string {
	s, err := decoder.String(string(raw))
	if err != nil {
		return string(raw)
	}
	return s
}

// readSector reads one 2048-byte logical block at lba via the backing
// device's Seek+Read.
func readSector(f *vfs.File, lba uint32) ([]byte, *kernel.Error) {
	buf := make([]byte, blockSize)
	if err := vfs.SeekFile(f, int64(lba)*blockSize, 0); err != nil {
		return nil, err
	}
	total := 0
	for total < blockSize {
		n, err := f.Read(buf[total:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return buf, nil
}

// Bind opens devicePath for reading, parses its PVD at LBA 16, and
// returns the root directory Node.
func (driver) Bind(devicePath string) (*vfs.Node, *kernel.Error) {
	dev, err := vfs.Open(devicePath, vfs.Read)
	if err != nil {
		return nil, err
	}

	sector, serr := readSector(dev, pvdLBA)
	if serr != nil {
		return nil, serr
	}

	img := &image{dev: dev}
	// Root Directory Record is embedded at offset 156 of the PVD, itself
	// a 34-byte Directory Record whose extent LBA/size live at the
	// standard little-endian offsets (2 and 10 within that record).
	root := sector[156:190]
	img.rootLBA = leUint32(root[2:10])
	img.rootSize = leUint32(root[10:18])

	rootNode := vfs.NewLazyDirNode(driver{})
	rootNode.Aux = &dirState{img: img, lba: img.rootLBA, size: img.rootSize}
	return rootNode, nil
}

// leUint32 decodes ISO-9660's "both-byte-orders" 32-bit field by trusting
// just its little-endian half (bytes 0-3 of the 8-byte field).
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Populate reads n's directory extent and iterates its Directory Entries,
// skipping "." and "..", realigning to the next sector boundary whenever
// it encounters a zero-length entry, and detecting SUSP/RRIP extensions
// from the root's "." entry.
func (driver) Populate(n *vfs.Node) *kernel.Error {
	ds := n.Aux.(*dirState)
	img := ds.img

	remaining := int64(ds.size)
	lba := ds.lba
	firstEntry := true

	for remaining > 0 {
		sector, err := readSector(img.dev, lba)
		if err != nil {
			return err
		}

		off := 0
		for off < blockSize {
			entryLen := int(sector[off])
			if entryLen == 0 {
				break // padding: realign to the next sector
			}
			entry := sector[off : off+entryLen]
			flags := entry[25]
			isDir := flags&0x02 != 0
			idLen := int(entry[32])
			id := entry[dirEntrySize : dirEntrySize+idLen]

			if firstEntry && len(id) == 1 && id[0] == 0 {
				detectSUSP(img, entry, idLen)
			}
			firstEntry = false

			skip := idLen == 1 && (id[0] == 0 || id[0] == 1)
			if !skip {
				name := decodeName(id)
				if semi := indexByte(name, ';'); semi >= 0 {
					name = name[:semi]
				}

				susp := entry[dirEntrySize+idLen:]
				if len(susp)%2 != 0 {
					susp = susp[1:] // padding byte when idLen is even
				}
				if img.susp {
					if nm, ok := findRRIPName(susp); ok {
						name = nm
					}
				}

				dataLBA := leUint32(entry[2:10])
				dataSize := leUint32(entry[10:18])
				extLen := int64(entry[1])

				var child *vfs.Node
				if isDir {
					child = vfs.NewLazyDirNode(driver{})
					child.Aux = &dirState{img: img, lba: dataLBA, size: dataSize}
				} else {
					child = vfs.NewFileNode(driver{}, &fileState{
						img:        img,
						dataOffset: (int64(dataLBA) + extLen) * blockSize,
						dataSize:   int64(dataSize),
					})
				}
				child.SetName(name)
				vfs.AppendChild(n, child)
			}

			off += entryLen
		}

		remaining -= blockSize
		lba++
	}
	return nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// detectSUSP looks for an "SP" System Use Sharing Protocol tag with the
// 0xBE,0xEF check bytes in the root directory's "." entry, the one place
// spec says it's detected from.
func detectSUSP(img *image, entry []byte, idLen int) {
	su := entry[dirEntrySize+idLen:]
	if len(su)%2 != 0 && len(su) > 0 {
		su = su[1:]
	}
	for i := 0; i+3 < len(su); {
		tag := su[i : i+2]
		length := int(su[i+2])
		if length < 4 || i+length > len(su) {
			return
		}
		if string(tag) == "SP" && length >= 7 && su[i+4] == 0xBE && su[i+5] == 0xEF {
			img.susp = true
			return
		}
		i += length
	}
}

// RRIP NM flag bits (IEEE P1282 §4.1.4).
const (
	rripNameContinue = 0x01 // name resumes in the next NM entry
	rripNameCurrent  = 0x02 // entry names "." rather than this child
	rripNameParent   = 0x04 // entry names ".." rather than this child
)

// findRRIPName scans a System Use field for "NM" RRIP tags and returns
// the name they spell out, concatenating successive fragments across
// entries chained by the CONTINUE flag. Entries flagged CURRENT or
// PARENT rename "." or ".." rather than this child, so they're skipped.
func findRRIPName(su []byte) (string, bool) {
	var name []byte
	found := false
	continuing := false

	for i := 0; i+3 < len(su); {
		tag := su[i : i+2]
		length := int(su[i+2])
		if length < 5 || i+length > len(su) {
			break
		}
		if string(tag) != "NM" {
			if continuing {
				break // a fragment chain must run through consecutive NM entries
			}
			i += length
			continue
		}

		flags := su[i+4]
		if flags&(rripNameCurrent|rripNameParent) != 0 {
			continuing = false
			i += length
			continue
		}

		name = append(name, su[i+5:i+length]...)
		found = true
		continuing = flags&rripNameContinue != 0
		i += length
		if !continuing {
			break
		}
	}

	if !found {
		return "", false
	}
	return string(name), true
}

// OpenFile returns a read-only vtable; iso9660 never permits writes.
func (driver) OpenFile(n *vfs.Node, mode vfs.OpenMode) (*vfs.FileOps, *kernel.Error) {
	if mode&vfs.Write != 0 {
		return nil, vfs.ErrReadOnly
	}
	return &vfs.FileOps{Read: read, Seek: seekFile}, nil
}

func read(f *vfs.File, buf []byte) (int, *kernel.Error) {
	st := f.Node().Aux.(*fileState)
	cursor := f.Cursor()
	remaining := st.dataSize - cursor
	if remaining <= 0 {
		return 0, nil
	}
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	if err := vfs.SeekFile(st.img.dev, st.dataOffset+cursor, 0); err != nil {
		return 0, err
	}
	return st.img.dev.Read(buf)
}

func seekFile(f *vfs.File, offset int64, whence int) (int64, *kernel.Error) {
	f.SetCursor(offset)
	return offset, nil
}

// Create and Destroy both always refuse: the filesystem is read-only.
func (driver) Create(n *vfs.Node, name string, typ vfs.NodeType) (*vfs.Node, *kernel.Error) {
	return nil, vfs.ErrReadOnly
}

func (driver) Destroy(n *vfs.Node, child *vfs.Node) *kernel.Error {
	return vfs.ErrReadOnly
}
