// Package blockfs ties a backing store, a block device, and the filesystem
// facade together: Create formats a new volume, Open mounts an existing one
// from an image path, and OpenStorage mounts one from an already-open
// backend.Storage.
package blockfs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blockfs/go-blockfs/backend"
	"github.com/blockfs/go-blockfs/backend/file"
	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/filesystem"
)

// Create makes a new image file of size bytes at path and formats a fresh
// blockfs volume onto it.
func Create(path string, size int64, log *logrus.Logger) (*filesystem.Filesystem, error) {
	storage, err := file.CreateFromPath(path, size)
	if err != nil {
		return nil, fmt.Errorf("blockfs: create %s: %w", path, err)
	}
	dev, err := device.New(storage, size)
	if err != nil {
		return nil, fmt.Errorf("blockfs: create %s: %w", path, err)
	}
	return filesystem.Format(dev, log)
}

// Open mounts the blockfs volume stored in the image file at path.
func Open(path string, readOnly bool, log *logrus.Logger) (*filesystem.Filesystem, error) {
	storage, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("blockfs: open %s: %w", path, err)
	}
	info, err := storage.Stat()
	if err != nil {
		return nil, fmt.Errorf("blockfs: stat %s: %w", path, err)
	}
	dev, err := device.New(storage, info.Size())
	if err != nil {
		return nil, fmt.Errorf("blockfs: open %s: %w", path, err)
	}
	return filesystem.Mount(dev, log)
}

// OpenStorage wraps an already-open backend.Storage of the given size,
// skipping the OS path lookup Create/Open perform. Used by tests and by
// callers that already hold a Storage (an injected double, or a handle
// obtained some other way).
func OpenStorage(storage backend.Storage, size int64, log *logrus.Logger) (*filesystem.Filesystem, error) {
	dev, err := device.New(storage, size)
	if err != nil {
		return nil, fmt.Errorf("blockfs: open storage: %w", err)
	}
	return filesystem.Mount(dev, log)
}
