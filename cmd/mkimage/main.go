// Command mkimage reads a YAML manifest describing a ramfs seed tree and
// an ISO-9660 fixture layout and writes out the byte images the VFS
// scenario tests mount directly, and a real boot image would carry.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	var (
		manifestPath string
		ramfsOut     string
		isoOut       string
		volumeID     string
	)

	root := &cobra.Command{
		Use:   "mkimage",
		Short: "Build ramfs seed and ISO-9660 fixture images from a YAML manifest",
		Long: `mkimage reads a single YAML manifest describing two independent trees
- a ramfs seed tree, consumed at boot by vfs/ramfs.LoadSeed
- an ISO-9660 fixture layout, consumed by the vfs/iso9660 driver

and writes each tree out as the byte image its consumer expects. Either
output path may be omitted to skip building that image.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(manifestPath, ramfsOut, isoOut, volumeID)
		},
	}

	root.Flags().StringVar(&manifestPath, "manifest", "", "path to the YAML manifest (required)")
	root.Flags().StringVar(&ramfsOut, "ramfs-out", "", "output path for the ramfs seed image")
	root.Flags().StringVar(&isoOut, "iso-out", "", "output path for the ISO-9660 fixture image")
	root.Flags().StringVar(&volumeID, "volume-id", "TALUS", "ISO-9660 volume identifier")
	_ = root.MarkFlagRequired("manifest")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mkimage:", err)
		os.Exit(1)
	}
}

func run(manifestPath, ramfsOut, isoOut, volumeID string) error {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(manifestPath)

	if ramfsOut != "" {
		data, err := BuildRamfsSeed(manifest.RamfsSeed, baseDir)
		if err != nil {
			return err
		}
		if err := writeImage(ramfsOut, data); err != nil {
			return err
		}
		fmt.Printf("mkimage: wrote %s (%d bytes)\n", ramfsOut, len(data))
	}

	if isoOut != "" {
		blockSize := manifest.ISO9660.BlockSize
		data, err := BuildISO9660(manifest.ISO9660.Entries, baseDir, volumeID, blockSize)
		if err != nil {
			return err
		}
		if err := writeImage(isoOut, data); err != nil {
			return err
		}
		fmt.Printf("mkimage: wrote %s (%d bytes)\n", isoOut, len(data))
	}

	return nil
}

// writeImage writes data to path and fsyncs it: these images back boot
// media, so a build that reports success should mean the bytes are
// actually durable before a subsequent dd/qemu invocation reads them.
func writeImage(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("mkimage: creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("mkimage: writing %s: %w", path, err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("mkimage: fsyncing %s: %w", path, err)
	}
	return nil
}
