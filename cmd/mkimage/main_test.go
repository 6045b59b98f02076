package main

import (
	"os"
	"path/filepath"
	"testing"

	"talus/vfs"
	"talus/vfs/iso9660"
	"talus/vfs/ramfs"

	"github.com/stretchr/testify/require"
)

func TestBuildRamfsSeedRoundTripsThroughLoadSeed(t *testing.T) {
	entries := []Entry{
		{Path: "etc", Dir: true, Children: []Entry{
			{Path: "motd", Content: "welcome to talus"},
		}},
		{Path: "init.sh", Content: "#!/bin/sh\necho hi\n"},
	}

	data, err := BuildRamfsSeed(entries, t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	vfs.Reset()
	ramfs.Register()
	require.Nil(t, vfs.Mount("/", ramfs.Name, ""))
	root, lerr := vfs.Lookup("/")
	require.Nil(t, lerr)
	require.Nil(t, ramfs.LoadSeed(root, data))

	f, operr := vfs.Open("/etc/motd", vfs.Read)
	require.Nil(t, operr)
	buf := make([]byte, 64)
	n, rerr := f.Read(buf)
	require.Nil(t, rerr)
	require.Equal(t, "welcome to talus", string(buf[:n]))
	f.Close()

	f2, operr2 := vfs.Open("/init.sh", vfs.Read)
	require.Nil(t, operr2)
	n2, rerr2 := f2.Read(buf)
	require.Nil(t, rerr2)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(buf[:n2]))
	f2.Close()
}

func TestBuildISO9660RoundTripsThroughDriver(t *testing.T) {
	entries := []Entry{
		{Path: "HELLO.TXT", Content: "hello from mkimage"},
		{Path: "SUBDIR", Dir: true, Children: []Entry{
			{Path: "NESTED.TXT", Content: "nested payload"},
		}},
	}

	img, err := BuildISO9660(entries, t.TempDir(), "TALUSFIXTURE", 2048)
	require.NoError(t, err)
	require.NotEmpty(t, img)

	vfs.Reset()
	ramfs.Register()
	iso9660.Register()
	require.Nil(t, vfs.Mount("/", ramfs.Name, ""))

	disk, operr := vfs.Open("/disk.img", vfs.Write|vfs.Create)
	require.Nil(t, operr)
	n, werr := disk.Write(img)
	require.Nil(t, werr)
	require.Equal(t, len(img), n)
	disk.Close()

	require.Nil(t, vfs.Mount("/cdrom", iso9660.Name, "/disk.img"))

	f, operr2 := vfs.Open("/cdrom/HELLO.TXT", vfs.Read)
	require.Nil(t, operr2)
	buf := make([]byte, 64)
	rn, rerr := f.Read(buf)
	require.Nil(t, rerr)
	require.Equal(t, "hello from mkimage", string(buf[:rn]))
	f.Close()

	f2, operr3 := vfs.Open("/cdrom/SUBDIR/NESTED.TXT", vfs.Read)
	require.Nil(t, operr3)
	rn2, rerr2 := f2.Read(buf)
	require.Nil(t, rerr2)
	require.Equal(t, "nested payload", string(buf[:rn2]))
	f2.Close()
}

func TestLoadManifestResolvesSourceFileRelativeToManifestDir(t *testing.T) {
	dir := t.TempDir()
	payload := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(payload, []byte("from disk"), 0o644))

	manifestPath := filepath.Join(dir, "manifest.yaml")
	yaml := `
ramfs_seed:
  - path: blob
    source_file: payload.bin
`
	require.NoError(t, os.WriteFile(manifestPath, []byte(yaml), 0o644))

	m, err := LoadManifest(manifestPath)
	require.NoError(t, err)
	require.Len(t, m.RamfsSeed, 1)

	content, cerr := resolveContent(m.RamfsSeed[0], dir)
	require.NoError(t, cerr)
	require.Equal(t, "from disk", string(content))
}
