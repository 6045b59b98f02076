package main

import "fmt"

// BuildRamfsSeed renders entries into the flat record stream
// vfs/ramfs.LoadSeed decodes: each record is a uint16 path length, the
// path itself, a type byte, a uint32 content length, and the content.
func BuildRamfsSeed(entries []Entry, baseDir string) ([]byte, error) {
	var out []byte
	for _, e := range entries {
		rendered, err := renderSeedEntry(e, "", baseDir)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered...)
	}
	return out, nil
}

func renderSeedEntry(e Entry, prefix, baseDir string) ([]byte, error) {
	path := e.Path
	if prefix != "" {
		path = prefix + "/" + e.Path
	}
	if len(path) > 0xffff {
		return nil, fmt.Errorf("mkimage: path %q exceeds the 16-bit length field", path)
	}

	if e.Dir {
		out := seedRecord(path, true, nil)
		for _, c := range e.Children {
			child, err := renderSeedEntry(c, path, baseDir)
			if err != nil {
				return nil, err
			}
			out = append(out, child...)
		}
		return out, nil
	}

	content, err := resolveContent(e, baseDir)
	if err != nil {
		return nil, err
	}
	return seedRecord(path, false, content), nil
}

func seedRecord(path string, isDir bool, content []byte) []byte {
	rec := make([]byte, 2+len(path)+1+4+len(content))
	rec[0] = byte(len(path))
	rec[1] = byte(len(path) >> 8)
	copy(rec[2:], path)
	off := 2 + len(path)
	if isDir {
		rec[off] = 1
	}
	off++
	n := len(content)
	rec[off] = byte(n)
	rec[off+1] = byte(n >> 8)
	rec[off+2] = byte(n >> 16)
	rec[off+3] = byte(n >> 24)
	copy(rec[off+4:], content)
	return rec
}
