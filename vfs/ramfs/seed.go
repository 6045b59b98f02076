package ramfs

import (
	"talus/kernel"
	"talus/vfs"
)

// errMalformedSeed is returned by LoadSeed when data is truncated or its
// record lengths run past the end of the buffer.
var errMalformedSeed = &kernel.Error{Module: "ramfs", Message: "malformed seed image"}

// LoadSeed decodes the record stream mkimage writes for --ramfs-out and
// materializes it under root, creating intermediate directories as
// needed. root is normally the node vfs.Mount("/", ramfs.Name, "") just
// bound, before anything else has touched the tree.
//
// The wire format is a flat sequence of records, each:
//
//	uint16 path length, LE
//	path bytes (slash-separated, no leading slash)
//	1 byte: 0 = regular file, 1 = directory
//	uint32 content length, LE (0 for directories)
//	content bytes
//
// It is specific to this tool and kernel; it is not a standard disk or
// archive format.
func LoadSeed(root *vfs.Node, data []byte) *kernel.Error {
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return errMalformedSeed
		}
		pathLen := int(data[off]) | int(data[off+1])<<8
		off += 2
		if off+pathLen+1+4 > len(data) {
			return errMalformedSeed
		}
		path := string(data[off : off+pathLen])
		off += pathLen
		isDir := data[off] == 1
		off++
		contentLen := int(data[off]) | int(data[off+1])<<8 | int(data[off+2])<<16 | int(data[off+3])<<24
		off += 4
		if off+contentLen > len(data) {
			return errMalformedSeed
		}
		content := data[off : off+contentLen]
		off += contentLen

		if err := seedOne(root, path, isDir, content); err != nil {
			return err
		}
	}
	return nil
}

func seedOne(root *vfs.Node, path string, isDir bool, content []byte) *kernel.Error {
	parts := splitSeedPath(path)
	if len(parts) == 0 {
		return nil
	}

	dir := root
	for _, part := range parts[:len(parts)-1] {
		next, err := findOrMkdir(dir, part)
		if err != nil {
			return err
		}
		dir = next
	}

	name := parts[len(parts)-1]
	if isDir {
		if _, err := findOrMkdir(dir, name); err != nil {
			return err
		}
		return nil
	}

	child := vfs.NewFileNode(driver{}, &fileState{data: append([]byte(nil), content...)})
	child.SetName(name)
	vfs.AppendChild(dir, child)
	return nil
}

// findOrMkdir returns dir's child named name, creating it as an empty
// ramfs directory if it doesn't exist yet.
func findOrMkdir(dir *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	kids, err := dir.Children()
	if err != nil {
		return nil, err
	}
	for _, k := range kids {
		if k.Name() == name {
			return k, nil
		}
	}
	child := vfs.NewDirNode(driver{})
	child.SetName(name)
	vfs.AppendChild(dir, child)
	return child, nil
}

func splitSeedPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
