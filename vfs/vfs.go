// Package vfs implements the kernel's virtual filesystem: a single node
// tree with mount points grafted in, lazy directory population, and an
// open-file abstraction shared by every backing filesystem driver
// (vfs/ramfs, vfs/devfs, vfs/iso9660).
package vfs

import (
	"strings"
	"talus/kernel"
	"talus/kernel/sync"
)

// OpenMode is a bitset of the permissions an Open call requests.
type OpenMode uint8

const (
	// Read requests read access.
	Read OpenMode = 1 << iota
	// Write requests write access.
	Write
	// Create asks the parent directory's driver to create the node if it
	// doesn't already exist (only meaningful together with Write).
	Create
)

//go:generate stringer -type=NodeType

// NodeType distinguishes regular files from directories; drivers decide
// what trailing/auxiliary state a node of each type carries.
type NodeType uint8

const (
	RegularFile NodeType = iota
	Directory
)

// Driver is what a backing filesystem implements to be mountable. Bind is
// called once, at mount time, to produce the Node that becomes the mount
// point's root (vfs itself never constructs a Node's driver-private
// state).
type Driver interface {
	Name() string
	Bind(devicePath string) (*Node, *kernel.Error)
}

// FileOps is the vtable a driver hands back from OpenFile for a given
// (node, mode) pair; Read/Write may be nil when the driver refuses that
// direction.
type FileOps struct {
	Read  func(f *File, buf []byte) (int, *kernel.Error)
	Write func(f *File, buf []byte) (int, *kernel.Error)

	// Seek repositions f's cursor; nil means the driver doesn't support
	// seeking (e.g. devfs character devices, pipes).
	Seek func(f *File, offset int64, whence int) (int64, *kernel.Error)

	// Close runs the driver's own per-open cleanup, before the VFS-level
	// ref-count bookkeeping in Close.
	Close func(f *File)

	// Ioctl runs a driver-defined control operation; nil means the driver
	// has none (most do, since ioctl's whole point is device-specific
	// behavior outside read/write/seek).
	Ioctl func(f *File, op uintptr, arg uintptr) (uintptr, *kernel.Error)
}

// NodeDriver is the per-node half of Driver: operations that need the
// specific Node they're being asked about rather than just the mount as a
// whole.
type NodeDriver interface {
	// Populate lazily fills in a directory Node's children the first time
	// it's traversed.
	Populate(n *Node) *kernel.Error

	// OpenFile validates mode against the node/driver and returns a
	// FileOps vtable, or refuses (e.g. a read-only FS rejects Write).
	OpenFile(n *Node, mode OpenMode) (*FileOps, *kernel.Error)

	// Create makes a new child node named name inside the directory n,
	// for Open calls with OpenMode Create on a path that doesn't exist
	// yet. Returns ErrReadOnly-shaped errors for drivers that refuse.
	Create(n *Node, name string, typ NodeType) (*Node, *kernel.Error)

	// Destroy unlinks and frees child from the directory n.
	Destroy(n *Node, child *Node) *kernel.Error
}

// Node is one entry of the tree: either a regular file or a directory.
// Driver-specific state (ramfs's byte buffer, devfs's FileOps pointer,
// iso9660's {data_offset, data_size}) lives behind the Aux field so vfs
// itself stays agnostic to backing-store layout.
type Node struct {
	lock sync.IRQSpinlock

	name      string
	typ       NodeType
	parent    *Node
	children  []*Node
	populated bool

	mountRoot bool
	driver    NodeDriver

	openRead  int
	openWrite int

	Aux interface{}
}

// NewDirNode allocates an empty, already-populated directory Node served
// by d. Use NewLazyDirNode instead for a directory whose children should
// be discovered on first traversal via the driver's Populate hook.
func NewDirNode(d NodeDriver) *Node {
	return &Node{typ: Directory, driver: d, populated: true}
}

// NewLazyDirNode allocates a directory Node whose children are filled in
// by d.Populate the first time they're traversed.
func NewLazyDirNode(d NodeDriver) *Node {
	return &Node{typ: Directory, driver: d}
}

// NewFileNode allocates a regular-file Node served by d, with aux as its
// driver-private payload.
func NewFileNode(d NodeDriver, aux interface{}) *Node {
	return &Node{typ: RegularFile, driver: d, Aux: aux}
}

// Name returns the node's own path component.
func (n *Node) Name() string { return n.name }

// SetName sets the node's own path component; used by a driver's Create
// immediately after allocating a new child, before it's spliced into the
// parent's children.
func (n *Node) SetName(name string) { n.name = name }

// Type returns whether n is a regular file or a directory.
func (n *Node) Type() NodeType { return n.typ }

// Children returns n's child nodes, populating the directory first if it
// hasn't been yet.
func (n *Node) Children() ([]*Node, *kernel.Error) {
	if err := ensurePopulated(n); err != nil {
		return nil, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]*Node(nil), n.children...), nil
}

func ensurePopulated(n *Node) *kernel.Error {
	n.lock.Lock()
	if n.typ != Directory || n.populated {
		n.lock.Unlock()
		return nil
	}
	n.lock.Unlock()

	if n.driver == nil {
		return nil
	}
	if err := n.driver.Populate(n); err != nil {
		return err
	}
	n.lock.Lock()
	n.populated = true
	n.lock.Unlock()
	return nil
}

var (
	// ErrNotFound is returned when a path component doesn't exist.
	ErrNotFound = &kernel.Error{Module: "vfs", Message: "no such file or directory"}
	// ErrNotDir is returned when a non-final path component isn't a directory.
	ErrNotDir = &kernel.Error{Module: "vfs", Message: "not a directory"}
	// ErrExclusive is returned when Open's exclusivity rule is violated.
	ErrExclusive = &kernel.Error{Module: "vfs", Message: "file already open for conflicting access"}
	// ErrReadOnly is returned by drivers that refuse a write-mode request.
	ErrReadOnly = &kernel.Error{Module: "vfs", Message: "filesystem is read-only"}
	// ErrNotEmpty is returned when destroying a non-empty directory.
	ErrNotEmpty = &kernel.Error{Module: "vfs", Message: "directory not empty"}
	// ErrUnknownDriver is returned by Mount for an unregistered fs name.
	ErrUnknownDriver = &kernel.Error{Module: "vfs", Message: "unknown filesystem driver"}
	// ErrNotSeekable is returned by SeekFile for a File whose driver never
	// set FileOps.Seek (pipes, devfs character devices).
	ErrNotSeekable = &kernel.Error{Module: "vfs", Message: "file is not seekable"}
	// ErrUnsupported is returned for an ioctl opcode a driver doesn't
	// recognize, or a File whose driver never set FileOps.Ioctl at all.
	ErrUnsupported = &kernel.Error{Module: "vfs", Message: "operation not supported"}

	treeLock sync.IRQSpinlock
	root     *Node
	drivers  = map[string]Driver{}
)

// Reset clears the mounted tree and registered drivers; exported only for
// tests across vfs and its backing-filesystem packages.
func Reset() {
	treeLock.Lock()
	root = nil
	drivers = map[string]Driver{}
	treeLock.Unlock()
}

// RegisterDriver makes a backing filesystem available to Mount by name.
func RegisterDriver(d Driver) {
	treeLock.Lock()
	drivers[d.Name()] = d
	treeLock.Unlock()
}

// splitPath turns an absolute path into its non-empty components.
func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// findNode walks path from root, populating unpopulated directories along
// the way. It returns the node and its parent (nil for root).
func findNode(path string) (node, parent *Node, err *kernel.Error) {
	treeLock.Lock()
	cur := root
	treeLock.Unlock()

	if cur == nil {
		return nil, nil, ErrNotFound
	}

	parts := splitPath(path)
	var prev *Node
	for _, part := range parts {
		if cur.typ != Directory {
			return nil, nil, ErrNotDir
		}
		children, perr := cur.Children()
		if perr != nil {
			return nil, nil, perr
		}
		var next *Node
		for _, c := range children {
			if c.name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil, cur, ErrNotFound
		}
		prev = cur
		cur = next
	}
	return cur, prev, nil
}

// AppendChild links child under parent directly, bypassing the parent's
// own driver.Create (used by devfs, whose devices are registered
// programmatically rather than created through an Open(Create) call).
func AppendChild(parent, child *Node) {
	child.parent = parent
	parent.lock.Lock()
	parent.children = append(parent.children, child)
	parent.lock.Unlock()
}

// Lookup resolves path to its Node without opening it, populating any
// lazy directories traversed along the way.
func Lookup(path string) (*Node, *kernel.Error) {
	node, _, err := findNode(path)
	return node, err
}

// Mount binds a fresh Node from the named driver at path, grafting it into
// the tree as a mount point. Mounting "/" before anything else exists is
// the bootstrap case: it becomes the tree's root directly.
func Mount(path, fsName, devicePath string) *kernel.Error {
	treeLock.Lock()
	d, ok := drivers[fsName]
	treeLock.Unlock()
	if !ok {
		return ErrUnknownDriver
	}

	mountNode, err := d.Bind(devicePath)
	if err != nil {
		return err
	}
	mountNode.mountRoot = true

	if path == "/" {
		treeLock.Lock()
		if root == nil {
			mountNode.name = ""
			root = mountNode
			treeLock.Unlock()
			return nil
		}
		treeLock.Unlock()
	}

	parentPath := path
	name := path
	if idx := strings.LastIndex(strings.TrimRight(path, "/"), "/"); idx >= 0 {
		parentPath = path[:idx]
		name = path[idx+1:]
	}
	if parentPath == "" {
		parentPath = "/"
	}

	parentNode, _, perr := findNode(parentPath)
	if perr != nil {
		return perr
	}
	mountNode.name = name
	mountNode.parent = parentNode

	parentNode.lock.Lock()
	parentNode.children = append(parentNode.children, mountNode)
	parentNode.lock.Unlock()
	return nil
}

// File is a per-open handle: the resolved node, the vtable the driver
// produced for this open's mode, a byte cursor, and a reference count
// (bumped by Duplicate, e.g. across fork()).
type File struct {
	lock sync.IRQSpinlock

	node   *Node
	mode   OpenMode
	ops    *FileOps
	cursor int64

	refCount int32

	// DirIter holds directory-read iteration state; only meaningful when
	// node.typ == Directory.
	DirIter int

	onClose func()
}

// Node returns the File's underlying Node.
func (f *File) Node() *Node { return f.node }

// Cursor returns the File's current byte offset.
func (f *File) Cursor() int64 { return f.cursor }

// SetCursor updates the File's byte offset (used by driver Seek
// implementations).
func (f *File) SetCursor(c int64) { f.cursor = c }

// SetOnClose installs a hook pipe/evt use to run their own bookkeeping
// when a File's ref-count drops to zero and close reaches the VFS layer.
func (f *File) SetOnClose(fn func()) { f.onClose = fn }

// Open resolves path, applying exclusivity and create-on-missing per spec
// §4.7, and returns a ref-counted File handle.
func Open(path string, mode OpenMode) (*File, *kernel.Error) {
	node, parent, err := findNode(path)
	if err == ErrNotFound && mode&Create != 0 && mode&Write != 0 && parent != nil {
		parts := splitPath(path)
		name := parts[len(parts)-1]
		node, err = parent.driver.Create(parent, name, RegularFile)
		if err != nil {
			return nil, err
		}
		parent.lock.Lock()
		parent.children = append(parent.children, node)
		parent.lock.Unlock()
	} else if err != nil {
		return nil, err
	}

	node.lock.Lock()
	if mode&Write != 0 {
		if node.openWrite != 0 || node.openRead != 0 {
			node.lock.Unlock()
			return nil, ErrExclusive
		}
	} else if node.openWrite != 0 {
		node.lock.Unlock()
		return nil, ErrExclusive
	}
	node.lock.Unlock()

	driverNode := nearestDriver(node)
	if driverNode == nil {
		return nil, ErrNotFound
	}
	ops, operr := driverNode.OpenFile(node, mode)
	if operr != nil {
		return nil, operr
	}

	node.lock.Lock()
	if mode&Read != 0 {
		node.openRead++
	}
	if mode&Write != 0 {
		node.openWrite++
	}
	node.lock.Unlock()

	return &File{node: node, mode: mode, ops: ops, refCount: 1}, nil
}

func nearestDriver(n *Node) NodeDriver {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.driver != nil {
			return cur.driver
		}
	}
	return nil
}

// Read delegates to the driver's FileOps.Read, advancing the cursor by
// however many bytes it reports.
func (f *File) Read(buf []byte) (int, *kernel.Error) {
	if f.ops.Read == nil {
		return 0, ErrReadOnly
	}
	n, err := f.ops.Read(f, buf)
	if err == nil {
		f.cursor += int64(n)
	}
	return n, err
}

// Write delegates to the driver's FileOps.Write, advancing the cursor.
func (f *File) Write(buf []byte) (int, *kernel.Error) {
	if f.ops.Write == nil {
		return 0, ErrReadOnly
	}
	n, err := f.ops.Write(f, buf)
	if err == nil {
		f.cursor += int64(n)
	}
	return n, err
}

// SeekFile repositions f via its driver's FileOps.Seek, updating f's cursor
// to match on success. Drivers that never set Seek (pipes, character
// devices) make every File backed by them return ErrNotSeekable.
func SeekFile(f *File, offset int64, whence int) (int64, *kernel.Error) {
	if f.ops.Seek == nil {
		return 0, ErrNotSeekable
	}
	pos, err := f.ops.Seek(f, offset, whence)
	if err == nil {
		f.cursor = pos
	}
	return pos, err
}

// Close decrements the open-mode counters on the last reference, invoking
// the driver's and then the file's own close hooks.
func (f *File) Close() {
	f.lock.Lock()
	f.refCount--
	last := f.refCount == 0
	f.lock.Unlock()
	if !last {
		return
	}

	if f.ops.Close != nil {
		f.ops.Close(f)
	}
	if f.onClose != nil {
		f.onClose()
	}

	f.node.lock.Lock()
	if f.mode&Read != 0 {
		f.node.openRead--
	}
	if f.mode&Write != 0 {
		f.node.openWrite--
	}
	f.node.lock.Unlock()
}

// Duplicate bumps the File's reference count, for fork()ed processes
// sharing the same descriptor.
func (f *File) Duplicate() {
	f.lock.Lock()
	f.refCount++
	f.lock.Unlock()
}

// Signalled reports readiness for wait_on_events: true whenever the
// driver's Read op would return immediately (the default for ordinary
// seekable files, which never actually block).
func (f *File) Signalled() bool {
	return true
}

// Ioctl runs f's driver-defined control operation, or ErrUnsupported if it
// doesn't have one.
func (f *File) Ioctl(op uintptr, arg uintptr) (uintptr, *kernel.Error) {
	if f.ops.Ioctl == nil {
		return 0, ErrUnsupported
	}
	return f.ops.Ioctl(f, op, arg)
}

// StatInfo is the subset of a Node's metadata the stat syscall exposes.
type StatInfo struct {
	Type NodeType
}

// Stat resolves path without opening it and reports its type.
func Stat(path string) (StatInfo, *kernel.Error) {
	node, _, err := findNode(path)
	if err != nil {
		return StatInfo{}, err
	}
	return StatInfo{Type: node.Type()}, nil
}

// Destroy unlinks child from its parent directory after asking the
// driver's Destroy hook to validate and free any backing state.
func Destroy(child *Node) *kernel.Error {
	parent := child.parent
	if parent == nil || parent.driver == nil {
		return ErrNotFound
	}
	if err := parent.driver.Destroy(parent, child); err != nil {
		return err
	}

	parent.lock.Lock()
	defer parent.lock.Unlock()
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	return nil
}

// DirEntry is one record yielded by ReadDirEntry.
type DirEntry struct {
	Name string
	Type NodeType
}

// ErrEndOfDir is returned by ReadDirEntry once every child has been
// yielded.
var ErrEndOfDir = &kernel.Error{Module: "vfs", Message: "end of directory"}

// ReadDirEntry consumes one DirEntry per call from f, using f.DirIter as
// the iteration cursor; it populates the directory lazily on first use via
// Node.Children.
func ReadDirEntry(f *File) (DirEntry, *kernel.Error) {
	if f.node.typ != Directory {
		return DirEntry{}, ErrNotDir
	}
	children, err := f.node.Children()
	if err != nil {
		return DirEntry{}, err
	}
	if f.DirIter >= len(children) {
		return DirEntry{}, ErrEndOfDir
	}
	c := children[f.DirIter]
	f.DirIter++
	return DirEntry{Name: c.name, Type: c.typ}, nil
}
