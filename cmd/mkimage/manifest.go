package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry describes one file or directory to materialize into an image. It
// is shared between the ramfs seed tree and the iso9660 fixture layout so
// a manifest author can describe both with the same vocabulary.
type Entry struct {
	Path string `yaml:"path"`
	Dir  bool   `yaml:"dir"`

	// Content is used verbatim when set. SourceFile, if set instead, is
	// read relative to the manifest's own directory at build time.
	Content    string `yaml:"content"`
	SourceFile string `yaml:"source_file"`

	Children []Entry `yaml:"children"`
}

// Manifest is the top-level YAML document mkimage consumes.
type Manifest struct {
	// RamfsSeed lists the files the kernel's ramfs root should already
	// contain when a VFS scenario test boots against it.
	RamfsSeed []Entry `yaml:"ramfs_seed"`

	// ISO9660 describes the fixture tree to lay out on a synthetic
	// ISO-9660 image, along with the volume's logical block size.
	ISO9660 struct {
		BlockSize int     `yaml:"block_size"`
		Entries   []Entry `yaml:"entries"`
	} `yaml:"iso9660"`
}

// LoadManifest parses path as a YAML manifest. SourceFile-backed entries
// are not read here; resolveContent reads them at build time, relative to
// the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mkimage: reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mkimage: parsing manifest: %w", err)
	}

	return &m, nil
}

// resolveContent returns e's byte payload, reading SourceFile relative to
// baseDir when Content itself is empty.
func resolveContent(e Entry, baseDir string) ([]byte, error) {
	if e.Content != "" || e.SourceFile == "" {
		return []byte(e.Content), nil
	}
	path := e.SourceFile
	if !os.IsPathSeparator(path[0]) {
		path = baseDir + string(os.PathSeparator) + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mkimage: reading source file %s: %w", e.SourceFile, err)
	}
	return data, nil
}
