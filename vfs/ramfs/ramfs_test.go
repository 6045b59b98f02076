package ramfs

import (
	"testing"

	"talus/vfs"

	"github.com/stretchr/testify/require"
)

func mountFresh(t *testing.T) {
	t.Helper()
	vfs.Reset()
	Register()
	require.Nil(t, vfs.Mount("/", Name, ""))
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	mountFresh(t)

	f, err := vfs.Open("/greeting.txt", vfs.Write|vfs.Create)
	require.Nil(t, err)

	n, werr := f.Write([]byte("hello ramfs"))
	require.Nil(t, werr)
	require.Equal(t, 11, n)
	f.Close()

	f, err = vfs.Open("/greeting.txt", vfs.Read)
	require.Nil(t, err)
	buf := make([]byte, 64)
	n, rerr := f.Read(buf)
	require.Nil(t, rerr)
	require.Equal(t, "hello ramfs", string(buf[:n]))
	f.Close()
}

func TestWriteExclusivityRejectsConcurrentOpen(t *testing.T) {
	mountFresh(t)

	w, err := vfs.Open("/locked.txt", vfs.Write|vfs.Create)
	require.Nil(t, err)
	defer w.Close()

	_, err = vfs.Open("/locked.txt", vfs.Read)
	require.NotNil(t, err)
}

func TestBufferGrowsPastInitialCapacity(t *testing.T) {
	mountFresh(t)

	f, err := vfs.Open("/big.bin", vfs.Write|vfs.Create)
	require.Nil(t, err)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, werr := f.Write(payload)
	require.Nil(t, werr)
	require.Equal(t, len(payload), n)
	f.Close()

	f, err = vfs.Open("/big.bin", vfs.Read)
	require.Nil(t, err)
	out := make([]byte, len(payload))
	total := 0
	for total < len(payload) {
		n, rerr := f.Read(out[total:])
		require.Nil(t, rerr)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, payload, out)
}

func TestEmptyDirectoryDestroyedNonEmptyRefused(t *testing.T) {
	mountFresh(t)

	_, err := vfs.Open("/child.txt", vfs.Write|vfs.Create)
	require.Nil(t, err)

	root, ferr := vfs.Lookup("/")
	require.Nil(t, ferr)
	kids, cerr := root.Children()
	require.Nil(t, cerr)
	require.Len(t, kids, 1)

	require.NotNil(t, vfs.Destroy(root)) // destroying the mount root itself (no parent) must fail, not panic

	empty, eerr := driver{}.Create(root, "empty", vfs.Directory)
	require.Nil(t, eerr)
	vfs.AppendChild(root, empty)
	require.Nil(t, vfs.Destroy(empty))

	full, ferr2 := driver{}.Create(root, "full", vfs.Directory)
	require.Nil(t, ferr2)
	vfs.AppendChild(root, full)
	inner, ierr := driver{}.Create(full, "inner.txt", vfs.RegularFile)
	require.Nil(t, ierr)
	vfs.AppendChild(full, inner)
	require.Equal(t, vfs.ErrNotEmpty, vfs.Destroy(full))
}
