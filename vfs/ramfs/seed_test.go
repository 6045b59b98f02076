package ramfs

import (
	"testing"

	"talus/vfs"

	"github.com/stretchr/testify/require"
)

func record(path string, isDir bool, content string) []byte {
	out := make([]byte, 2+len(path)+1+4+len(content))
	out[0] = byte(len(path))
	out[1] = byte(len(path) >> 8)
	copy(out[2:], path)
	off := 2 + len(path)
	if isDir {
		out[off] = 1
	}
	off++
	n := len(content)
	out[off] = byte(n)
	out[off+1] = byte(n >> 8)
	out[off+2] = byte(n >> 16)
	out[off+3] = byte(n >> 24)
	copy(out[off+4:], content)
	return out
}

func TestLoadSeedCreatesNestedFilesAndDirs(t *testing.T) {
	vfs.Reset()
	Register()
	require.Nil(t, vfs.Mount("/", Name, ""))

	root, err := vfs.Lookup("/")
	require.Nil(t, err)

	var data []byte
	data = append(data, record("etc", true, "")...)
	data = append(data, record("etc/motd", false, "welcome")...)
	data = append(data, record("bin/echo", false, "payload")...)

	require.Nil(t, LoadSeed(root, data))

	f, oerr := vfs.Open("/etc/motd", vfs.Read)
	require.Nil(t, oerr)
	buf := make([]byte, 64)
	n, rerr := f.Read(buf)
	require.Nil(t, rerr)
	require.Equal(t, "welcome", string(buf[:n]))
	f.Close()

	f2, oerr2 := vfs.Open("/bin/echo", vfs.Read)
	require.Nil(t, oerr2)
	n2, rerr2 := f2.Read(buf)
	require.Nil(t, rerr2)
	require.Equal(t, "payload", string(buf[:n2]))
	f2.Close()
}

func TestLoadSeedRejectsTruncatedRecord(t *testing.T) {
	vfs.Reset()
	Register()
	require.Nil(t, vfs.Mount("/", Name, ""))
	root, err := vfs.Lookup("/")
	require.Nil(t, err)

	require.NotNil(t, LoadSeed(root, []byte{5, 0, 'a'}))
}
