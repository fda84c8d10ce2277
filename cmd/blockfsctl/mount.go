package main

import (
	"fmt"

	"github.com/blockfs/go-blockfs/filesystem"

	blockfs "github.com/blockfs/go-blockfs"
)

// withVolume mounts the image at imagePath, runs fn with the open
// filesystem and its root sector as the starting cwd, then flushes and
// closes the volume regardless of fn's outcome.
func withVolume(readOnly bool, fn func(fs *filesystem.Filesystem, cwd uint32) error) error {
	if err := requireImage(); err != nil {
		return err
	}
	fsys, err := blockfs.Open(imagePath, readOnly, log)
	if err != nil {
		return fmt.Errorf("blockfsctl: open %s: %w", imagePath, err)
	}

	fnErr := fn(fsys, fsys.RootSector())
	if err := fsys.Done(); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("blockfsctl: close %s: %w", imagePath, err)
	}
	return fnErr
}
