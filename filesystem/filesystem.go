// Package filesystem ties the buffer cache, free-map, inode, and directory
// layers together into the facade a caller actually drives: format a
// device, then create, open, remove, mkdir, and chdir against it.
package filesystem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/blockfs/go-blockfs/cache"
	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/directory"
	"github.com/blockfs/go-blockfs/freemap"
	"github.com/blockfs/go-blockfs/inode"
)

// DefaultDirEntries is how many entries a freshly created directory reserves
// room for.
const DefaultDirEntries = 16

// Filesystem is an open volume: the buffer cache, free-map, inode table,
// and path resolver for one device, plus the bookkeeping Remove needs to
// refuse deleting a directory that is some caller's current directory.
type Filesystem struct {
	dev      device.Device
	c        *cache.Cache
	fm       *freemap.Map
	table    *inode.Table
	resolver *directory.Resolver
	log      *logrus.Logger

	cwdMu sync.Mutex
	cwd   map[uint32]int
}

// Format initializes a brand-new volume on dev: a fresh free-map and a root
// directory with self-referencing "." and ".." entries.
func Format(dev device.Device, log *logrus.Logger) (*Filesystem, error) {
	if log == nil {
		log = logrus.New()
	}
	fm, err := freemap.Create(dev)
	if err != nil {
		return nil, fmt.Errorf("filesystem: format: %w", err)
	}
	c := cache.New(timeutil.RealClock(), log)
	table := inode.NewTable(dev, c, fm)

	rootSector := fm.RootDirSector()
	if err := directory.Create(table, rootSector, rootSector, DefaultDirEntries); err != nil {
		return nil, fmt.Errorf("filesystem: format root directory: %w", err)
	}
	root, err := table.Open(rootSector)
	if err != nil {
		return nil, fmt.Errorf("filesystem: open root directory: %w", err)
	}
	if err := directory.Add(root, ".", rootSector); err != nil {
		root.Close()
		return nil, fmt.Errorf("filesystem: format root directory: %w", err)
	}
	if err := directory.Add(root, "..", rootSector); err != nil {
		root.Close()
		return nil, fmt.Errorf("filesystem: format root directory: %w", err)
	}
	if err := root.Close(); err != nil {
		return nil, fmt.Errorf("filesystem: format root directory: %w", err)
	}

	log.WithField("uuid", fm.UUID()).Info("filesystem: formatted new volume")
	return newFilesystem(dev, c, fm, table, log), nil
}

// Mount opens an existing volume on dev.
func Mount(dev device.Device, log *logrus.Logger) (*Filesystem, error) {
	if log == nil {
		log = logrus.New()
	}
	fm, err := freemap.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("filesystem: mount: %w", err)
	}
	c := cache.New(timeutil.RealClock(), log)
	table := inode.NewTable(dev, c, fm)
	return newFilesystem(dev, c, fm, table, log), nil
}

func newFilesystem(dev device.Device, c *cache.Cache, fm *freemap.Map, table *inode.Table, log *logrus.Logger) *Filesystem {
	return &Filesystem{
		dev:      dev,
		c:        c,
		fm:       fm,
		table:    table,
		resolver: directory.NewResolver(table, fm.RootDirSector()),
		log:      log,
		cwd:      make(map[uint32]int),
	}
}

// RootSector returns the sector of the volume's root directory, the initial
// current directory for a new caller session.
func (fs *Filesystem) RootSector() uint32 { return fs.fm.RootDirSector() }

// VolumeUUID returns the identifier stamped into the volume's free-map
// header at format time.
func (fs *Filesystem) VolumeUUID() uuid.UUID { return fs.fm.UUID() }

// TotalSectors returns the volume's total sector count, as recorded in the
// free-map header.
func (fs *Filesystem) TotalSectors() uint32 { return fs.fm.TotalSectors() }

// ReadRawSector reads sector directly off the underlying device, bypassing
// the inode and directory layers. Intended for diagnostic tools that need
// to look at a volume's bytes rather than its files.
func (fs *Filesystem) ReadRawSector(sector uint32, buf []byte) error {
	return fs.dev.ReadSector(sector, buf)
}

// Done flushes the buffer cache and closes the free-map, leaving the volume
// consistent on disk.
func (fs *Filesystem) Done() error {
	if err := fs.c.Close(); err != nil {
		return fmt.Errorf("filesystem: done: %w", err)
	}
	if err := fs.fm.Close(); err != nil {
		return fmt.Errorf("filesystem: done: %w", err)
	}
	return nil
}

// SetCWD records sector as some caller's current working directory, making
// it ineligible for Remove until ClearCWD is called the same number of
// times.
func (fs *Filesystem) SetCWD(sector uint32) {
	fs.cwdMu.Lock()
	defer fs.cwdMu.Unlock()
	fs.cwd[sector]++
}

// ClearCWD undoes one SetCWD call.
func (fs *Filesystem) ClearCWD(sector uint32) {
	fs.cwdMu.Lock()
	defer fs.cwdMu.Unlock()
	if fs.cwd[sector] <= 1 {
		delete(fs.cwd, sector)
		return
	}
	fs.cwd[sector]--
}

// IsBusy reports whether sector is currently some caller's working
// directory.
func (fs *Filesystem) IsBusy(sector uint32) bool {
	fs.cwdMu.Lock()
	defer fs.cwdMu.Unlock()
	return fs.cwd[sector] > 0
}

func (fs *Filesystem) resolve(cwd uint32, path string) (parent uint32, leaf string, err error) {
	parent, leaf, err = fs.resolver.FindDir(cwd, path)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return 0, "", fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		if errors.Is(err, directory.ErrNameTooLong) {
			return 0, "", fmt.Errorf("%w: %s", ErrNameTooLong, path)
		}
		return 0, "", err
	}
	return parent, leaf, nil
}

// Create makes a new, empty file named by path (resolved relative to cwd)
// and returns it open.
func (fs *Filesystem) Create(cwd uint32, path string) (*File, error) {
	parentSector, leaf, err := fs.resolve(cwd, path)
	if err != nil {
		return nil, err
	}
	if leaf == "." {
		return nil, fmt.Errorf("%w: cannot create a file named \".\"", ErrInvalidArg)
	}

	parent, err := directory.Open(fs.table, parentSector)
	if err != nil {
		return nil, err
	}
	defer parent.Close()

	if _, found, err := directory.Lookup(parent.Handle(), leaf); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s", ErrNameExists, path)
	}

	sector, err := fs.fm.Allocate(1)
	if err != nil {
		if errors.Is(err, freemap.ErrNoSpace) {
			return nil, fmt.Errorf("%w", ErrNoSpace)
		}
		return nil, err
	}
	if err := fs.table.Create(sector, 0, false, parentSector); err != nil {
		fs.fm.Release(sector, 1)
		return nil, err
	}
	if err := directory.Add(parent.Handle(), leaf, sector); err != nil {
		fs.fm.Release(sector, 1)
		return nil, err
	}

	h, err := fs.table.Open(sector)
	if err != nil {
		return nil, err
	}
	return &File{h: h}, nil
}

// Open resolves path and returns it open, as either a *File or a *Dir
// wrapped in the Descriptor interface.
func (fs *Filesystem) Open(cwd uint32, path string) (Descriptor, error) {
	parentSector, leaf, err := fs.resolve(cwd, path)
	if err != nil {
		return nil, err
	}

	targetSector := parentSector
	if leaf != "." {
		parent, err := directory.Open(fs.table, parentSector)
		if err != nil {
			return nil, err
		}
		sector, found, err := directory.Lookup(parent.Handle(), leaf)
		closeErr := parent.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		targetSector = sector
	}

	h, err := fs.table.Open(targetSector)
	if err != nil {
		return nil, err
	}
	if h.IsDir() {
		h.Close()
		d, err := directory.Open(fs.table, targetSector)
		if err != nil {
			return nil, err
		}
		return &Dir{d: d}, nil
	}
	return &File{h: h}, nil
}

// Mkdir creates a new, empty directory named by path.
func (fs *Filesystem) Mkdir(cwd uint32, path string) error {
	parentSector, leaf, err := fs.resolve(cwd, path)
	if err != nil {
		return err
	}
	if leaf == "." {
		return fmt.Errorf("%w: cannot create a directory named \".\"", ErrInvalidArg)
	}

	parent, err := directory.Open(fs.table, parentSector)
	if err != nil {
		return err
	}
	defer parent.Close()

	if _, found, err := directory.Lookup(parent.Handle(), leaf); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrNameExists, path)
	}

	sector, err := fs.fm.Allocate(1)
	if err != nil {
		if errors.Is(err, freemap.ErrNoSpace) {
			return fmt.Errorf("%w", ErrNoSpace)
		}
		return err
	}
	if err := directory.Create(fs.table, sector, parentSector, DefaultDirEntries); err != nil {
		fs.fm.Release(sector, 1)
		return err
	}

	h, err := fs.table.Open(sector)
	if err != nil {
		return err
	}
	if err := directory.Add(h, ".", sector); err != nil {
		h.Close()
		return err
	}
	if err := directory.Add(h, "..", parentSector); err != nil {
		h.Close()
		return err
	}
	if err := h.Close(); err != nil {
		return err
	}

	return directory.Add(parent.Handle(), leaf, sector)
}

// Chdir resolves path to a directory's sector, suitable for use as a new
// cwd argument to the other facade operations.
func (fs *Filesystem) Chdir(cwd uint32, path string) (uint32, error) {
	parentSector, leaf, err := fs.resolve(cwd, path)
	if err != nil {
		return 0, err
	}

	targetSector := parentSector
	if leaf != "." {
		parent, err := directory.Open(fs.table, parentSector)
		if err != nil {
			return 0, err
		}
		sector, found, err := directory.Lookup(parent.Handle(), leaf)
		closeErr := parent.Close()
		if err != nil {
			return 0, err
		}
		if closeErr != nil {
			return 0, closeErr
		}
		if !found {
			return 0, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		targetSector = sector
	}

	h, err := fs.table.Open(targetSector)
	if err != nil {
		return 0, err
	}
	isDir := h.IsDir()
	if err := h.Close(); err != nil {
		return 0, err
	}
	if !isDir {
		return 0, fmt.Errorf("%w: %s", ErrNotDir, path)
	}
	return targetSector, nil
}

// Remove deletes the file or empty, non-busy directory named by path.
func (fs *Filesystem) Remove(cwd uint32, path string) error {
	parentSector, leaf, err := fs.resolve(cwd, path)
	if err != nil {
		return err
	}
	if leaf == "." {
		return fmt.Errorf("%w: cannot remove \".\"", ErrInvalidArg)
	}

	parent, err := directory.Open(fs.table, parentSector)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, found, err := directory.Lookup(parent.Handle(), leaf)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}

	target, err := fs.table.Open(sector)
	if err != nil {
		return err
	}
	if target.IsDir() {
		if fs.IsBusy(sector) {
			target.Close()
			return fmt.Errorf("%w: %s", ErrDirBusy, path)
		}
		empty, err := directory.IsEmpty(target)
		if err != nil {
			target.Close()
			return err
		}
		if !empty {
			target.Close()
			return fmt.Errorf("%w: %s", ErrDirNotEmpty, path)
		}
	}
	if err := target.Close(); err != nil {
		return err
	}

	return directory.Remove(fs.table, parent.Handle(), leaf)
}
