// Package ramfs implements vfs.Driver over growable in-memory byte
// buffers: every regular file's contents live entirely in a []byte
// carried in its Node.Aux, and directories are just their children slice
// (already populated, never lazy).
package ramfs

import (
	"talus/kernel"
	"talus/vfs"
)

// Name is the driver name passed to vfs.Mount.
const Name = "ramfs"

type driver struct{}

// Register installs the ramfs driver so vfs.Mount("...", ramfs.Name, "")
// can bind it.
func Register() {
	vfs.RegisterDriver(driver{})
}

func (driver) Name() string { return Name }

// fileState is the Aux payload for a ramfs regular file.
type fileState struct {
	data []byte
}

// Bind returns a fresh, empty directory node to serve as a mount root.
func (driver) Bind(devicePath string) (*vfs.Node, *kernel.Error) {
	return vfs.NewDirNode(driver{}), nil
}

// Populate is a no-op: ramfs directories are never lazy, their children
// slice is kept current by Create/Destroy as they happen.
func (driver) Populate(n *vfs.Node) *kernel.Error {
	return nil
}

// OpenFile always succeeds: ramfs never refuses a read or a write.
func (d driver) OpenFile(n *vfs.Node, mode vfs.OpenMode) (*vfs.FileOps, *kernel.Error) {
	ops := &vfs.FileOps{Seek: d.seek}
	if mode&vfs.Read != 0 {
		ops.Read = d.read
	}
	if mode&vfs.Write != 0 {
		ops.Write = d.write
	}
	return ops, nil
}

// seek repositions the cursor directly: a ramfs buffer is always fully
// resident, so there's no backing store to validate the offset against.
func (driver) seek(f *vfs.File, offset int64, whence int) (int64, *kernel.Error) {
	switch whence {
	case 1:
		offset += f.Cursor()
	case 2:
		st := f.Node().Aux.(*fileState)
		offset += int64(len(st.data))
	}
	return offset, nil
}

func (driver) read(f *vfs.File, buf []byte) (int, *kernel.Error) {
	st := f.Node().Aux.(*fileState)
	cursor := int(f.Cursor())
	if cursor >= len(st.data) {
		return 0, nil
	}
	n := copy(buf, st.data[cursor:])
	return n, nil
}

// write grows the backing buffer to max(2×capacity, cursor+length), as
// spec §4.7.1 specifies, rather than growing to exactly what's needed
// every call.
func (driver) write(f *vfs.File, buf []byte) (int, *kernel.Error) {
	st := f.Node().Aux.(*fileState)
	cursor := int(f.Cursor())
	needed := cursor + len(buf)
	if needed > cap(st.data) {
		newCap := 2 * cap(st.data)
		if newCap < needed {
			newCap = needed
		}
		grown := make([]byte, len(st.data), newCap)
		copy(grown, st.data)
		st.data = grown
	}
	if needed > len(st.data) {
		st.data = st.data[:needed]
	}
	copy(st.data[cursor:needed], buf)
	return len(buf), nil
}

// Create appends a new, empty child of typ named name to the directory n.
func (driver) Create(n *vfs.Node, name string, typ vfs.NodeType) (*vfs.Node, *kernel.Error) {
	var child *vfs.Node
	if typ == vfs.Directory {
		child = vfs.NewDirNode(driver{})
	} else {
		child = vfs.NewFileNode(driver{}, &fileState{})
	}
	child.SetName(name)
	return child, nil
}

// Destroy refuses to remove a non-empty directory; regular files and
// empty directories are simply unlinked by the caller (vfs itself owns
// the children slice splice).
func (driver) Destroy(n *vfs.Node, child *vfs.Node) *kernel.Error {
	if child.Type() == vfs.Directory {
		kids, err := child.Children()
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return vfs.ErrNotEmpty
		}
	}
	return nil
}
