// Package devfs implements vfs.Driver as a flat, pre-populated directory
// of device nodes: each one is registered once at init time with its own
// FileOps vtable and an opaque driver handle, and Open simply hands that
// vtable back (refusing a direction the device doesn't support).
package devfs

import (
	"talus/kernel"
	"talus/vfs"
)

// Name is the driver name passed to vfs.Mount.
const Name = "devfs"

type driver struct{}

// Register installs the devfs driver so vfs.Mount("/dev", devfs.Name, "")
// can bind it.
func Register() {
	vfs.RegisterDriver(driver{})
}

func (driver) Name() string { return Name }

// Bind returns the /dev directory node. Devices are attached afterwards,
// one at a time, via AddDevice.
func (driver) Bind(devicePath string) (*vfs.Node, *kernel.Error) {
	return vfs.NewDirNode(driver{}), nil
}

func (driver) Populate(n *vfs.Node) *kernel.Error { return nil }

// deviceState is the Aux payload for one /dev entry: its vtable plus
// whatever opaque handle the registering driver wants to thread through
// (e.g. a *console.Console or a *keyboard.Ring).
type deviceState struct {
	ops    *vfs.FileOps
	handle interface{}
}

// OpenFile hands back the registered vtable, refusing any direction the
// device's own ops don't support.
func (driver) OpenFile(n *vfs.Node, mode vfs.OpenMode) (*vfs.FileOps, *kernel.Error) {
	st := n.Aux.(*deviceState)
	if mode&vfs.Read != 0 && st.ops.Read == nil {
		return nil, vfs.ErrReadOnly
	}
	if mode&vfs.Write != 0 && st.ops.Write == nil {
		return nil, vfs.ErrReadOnly
	}
	return st.ops, nil
}

// Create always refuses: device nodes are fixed at init time.
func (driver) Create(n *vfs.Node, name string, typ vfs.NodeType) (*vfs.Node, *kernel.Error) {
	return nil, vfs.ErrReadOnly
}

// Destroy always refuses, for the same reason.
func (driver) Destroy(n *vfs.Node, child *vfs.Node) *kernel.Error {
	return vfs.ErrReadOnly
}

// AddDevice registers name as a child of the /dev mount root with the
// given vtable and opaque handle. Meant to be called once per device
// during kernel init, after devfs has been mounted.
func AddDevice(devRoot *vfs.Node, name string, ops *vfs.FileOps, handle interface{}) {
	child := vfs.NewFileNode(driver{}, &deviceState{ops: ops, handle: handle})
	child.SetName(name)
	vfs.AppendChild(devRoot, child)
}

// Handle returns the opaque handle a device was registered with, for
// drivers (e.g. the keyboard ring buffer) that need to reach back into
// their own state from inside a FileOps callback that only receives a
// *vfs.File.
func Handle(f *vfs.File) interface{} {
	st := f.Node().Aux.(*deviceState)
	return st.handle
}
