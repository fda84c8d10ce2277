// Package inode implements the on-disk inode record, the in-memory open-file
// handle, the process-wide open-inode table, and the block-pointer growth,
// traversal, and release logic (direct, single-indirect, double-indirect)
// that lets a file's contents span up to 10 + 128 + 128*128 data sectors
// (MaxDoubleBytes). Every sector up to the file's length is allocated and
// zero-filled; files are not sparse.
package inode

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/blockfs/go-blockfs/cache"
	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/freemap"
)

// errEOF is returned by ReadAt when fewer bytes were available than
// requested, matching io.Reader's end-of-file convention.
var errEOF = io.EOF

// ErrDeniedWrite is returned by WriteAt when the inode currently has writes
// denied (an executable image open for running, in the original use case).
var ErrDeniedWrite = errors.New("inode: writes are currently denied")

// ErrBadMagic is returned by Open when a sector does not hold a valid
// inode record.
var ErrBadMagic = errors.New("inode: bad magic number")

var zeroSector [512]byte

// Table is the process-wide open-inode table: at most one Handle exists per
// sector at a time, shared and refcounted across callers.
type Table struct {
	dev device.Device
	c   *cache.Cache
	fm  *freemap.Map

	mu   syncutil.InvariantMutex
	open map[uint32]*Handle
}

func (t *Table) checkInvariants() {
	for sector, h := range t.open {
		if h.sector != sector {
			panic("inode: open table key does not match handle's sector")
		}
		if h.openCnt <= 0 {
			panic("inode: open table holds a handle with non-positive refcount")
		}
	}
}

// NewTable creates an open-inode table backed by dev/c/fm.
func NewTable(dev device.Device, c *cache.Cache, fm *freemap.Map) *Table {
	t := &Table{dev: dev, c: c, fm: fm, open: make(map[uint32]*Handle)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// Handle is an in-memory, refcounted reference to one on-disk inode.
type Handle struct {
	table   *Table
	sector  uint32
	mu      sync.Mutex
	openCnt int
	denyCnt int
	removed bool
	data    Record
	onDisk  Record // the record as read at open, to skip an unchanged write-back
}

// Create writes a fresh inode record to sector, growing it to length bytes
// and zero-filling every allocated sector. It does not insert the inode
// into the open table, matching the original's separation between creating
// an inode record and opening a handle to it.
func (t *Table) Create(sector uint32, length uint32, isDir bool, parent uint32) error {
	r := &Record{
		Length: length,
		Magic:  Magic,
		IsDir:  isDir,
		Parent: parent,
	}
	if err := diskGrow(r, t.dev, t.c, t.fm); err != nil {
		return fmt.Errorf("inode: create sector %d: %w", sector, err)
	}
	if err := t.c.Write(t.dev, sector, r.ToBytes()); err != nil {
		return fmt.Errorf("inode: create sector %d: %w", sector, err)
	}
	return nil
}

// Open returns the Handle for sector, loading it from disk on first open and
// sharing the same Handle (with an incremented refcount) on subsequent
// opens.
func (t *Table) Open(sector uint32) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.open[sector]; ok {
		h.mu.Lock()
		h.openCnt++
		h.mu.Unlock()
		return h, nil
	}

	buf := make([]byte, device.SectorSize)
	if err := t.c.Read(t.dev, sector, buf); err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}
	r := RecordFromBytes(buf)
	if r.Magic != Magic {
		return nil, fmt.Errorf("%w: sector %d", ErrBadMagic, sector)
	}

	h := &Handle{table: t, sector: sector, openCnt: 1, data: *r, onDisk: *r}
	t.open[sector] = h
	return h, nil
}

// Sector returns the home sector of h.
func (h *Handle) Sector() uint32 { return h.sector }

// IsDir reports whether h refers to a directory.
func (h *Handle) IsDir() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.IsDir
}

// Length returns the current length, in bytes, of h's data.
func (h *Handle) Length() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Length
}

// Parent returns the sector of h's parent directory's inode.
func (h *Handle) Parent() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Parent
}

// SetParent retargets h's parent pointer. The caller is responsible for
// persisting it, which happens automatically the next time h is closed.
func (h *Handle) SetParent(parent uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data.Parent = parent
}

// Remove marks h for deletion: its blocks are released once the last opener
// closes it.
func (h *Handle) Remove() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = true
}

// DenyWrite disables writes to h. May be called at most once per opener.
func (h *Handle) DenyWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyCnt++
	if h.denyCnt > h.openCnt {
		panic("inode: deny-write count exceeds open count")
	}
}

// AllowWrite re-enables writes, undoing one DenyWrite call.
func (h *Handle) AllowWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyCnt <= 0 {
		panic("inode: allow-write called without a matching deny-write")
	}
	h.denyCnt--
}

// Close releases one reference to h. When the last reference is released,
// the record is written back to disk if it changed since it was opened and,
// if h was removed, its blocks and home sector are freed.
func (h *Handle) Close() error {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()

	h.mu.Lock()
	h.openCnt--
	last := h.openCnt == 0
	h.mu.Unlock()
	if !last {
		return nil
	}

	delete(h.table.open, h.sector)

	if h.data != h.onDisk {
		if err := h.table.c.Write(h.table.dev, h.sector, h.data.ToBytes()); err != nil {
			return fmt.Errorf("inode: close sector %d: %w", h.sector, err)
		}
	}

	if h.removed {
		if err := freeInode(&h.data, h.table.dev, h.table.c, h.table.fm); err != nil {
			return fmt.Errorf("inode: free sector %d: %w", h.sector, err)
		}
		if err := h.table.fm.Release(h.sector, 1); err != nil {
			return fmt.Errorf("inode: release home sector %d: %w", h.sector, err)
		}
	}
	return nil
}

// byteToSector resolves the device sector holding byte offset pos within
// the tree described by r.
func byteToSector(r *Record, dev device.Device, c *cache.Cache, pos uint32) (uint32, error) {
	if pos >= r.Length {
		return 0, fmt.Errorf("inode: offset %d is past end of file (length %d)", pos, r.Length)
	}

	switch {
	case pos < MaxDirectBytes:
		return r.Blocks[pos/device.SectorSize], nil

	case pos-MaxDirectBytes < PointersPerSector*device.SectorSize:
		buf := make([]byte, device.SectorSize)
		if err := c.Read(dev, r.Blocks[indirectSlot], buf); err != nil {
			return 0, fmt.Errorf("inode: read indirect block: %w", err)
		}
		idx := (pos - MaxDirectBytes) / device.SectorSize
		return pointersFromBytes(buf)[idx], nil

	default:
		l1 := make([]byte, device.SectorSize)
		if err := c.Read(dev, r.Blocks[doubleSlot], l1); err != nil {
			return 0, fmt.Errorf("inode: read double-indirect l1 block: %w", err)
		}
		rem := pos - MaxIndirectBytes
		l1Index := rem / (PointersPerSector * device.SectorSize)
		l1Pointers := pointersFromBytes(l1)

		l2 := make([]byte, device.SectorSize)
		if err := c.Read(dev, l1Pointers[l1Index], l2); err != nil {
			return 0, fmt.Errorf("inode: read double-indirect l2 block: %w", err)
		}
		l2Index := (rem % (PointersPerSector * device.SectorSize)) / device.SectorSize
		return pointersFromBytes(l2)[l2Index], nil
	}
}

// ReadAt copies up to len(buf) bytes from h starting at offset, returning
// the number of bytes actually copied. A short read (n < len(buf)) with a
// nil error never happens; a short read at end of file returns io.EOF.
func (h *Handle) ReadAt(buf []byte, offset uint32) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return readAt(&h.data, h.table.dev, h.table.c, buf, offset)
}

func readAt(r *Record, dev device.Device, c *cache.Cache, buf []byte, offset uint32) (int, error) {
	size := len(buf)
	read := 0
	bounce := make([]byte, device.SectorSize)

	for size > 0 {
		if offset >= r.Length {
			break
		}
		sectorIdx, err := byteToSector(r, dev, c, offset)
		if err != nil {
			return read, err
		}
		sectorOfs := offset % device.SectorSize
		inodeLeft := r.Length - offset
		sectorLeft := device.SectorSize - sectorOfs
		minLeft := inodeLeft
		if sectorLeft < minLeft {
			minLeft = sectorLeft
		}
		chunk := uint32(size)
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk == 0 {
			break
		}

		if sectorOfs == 0 && chunk == device.SectorSize {
			if err := c.Read(dev, sectorIdx, buf[read:read+int(chunk)]); err != nil {
				return read, err
			}
		} else {
			if err := c.Read(dev, sectorIdx, bounce); err != nil {
				return read, err
			}
			copy(buf[read:read+int(chunk)], bounce[sectorOfs:sectorOfs+chunk])
		}

		size -= int(chunk)
		offset += chunk
		read += int(chunk)
	}
	if read < len(buf) {
		return read, errEOF
	}
	return read, nil
}

// WriteAt writes buf into h starting at offset, growing h if the write
// extends past the current length.
func (h *Handle) WriteAt(buf []byte, offset uint32) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.denyCnt > 0 {
		return 0, ErrDeniedWrite
	}

	newEnd := offset + uint32(len(buf))
	if newEnd > h.data.Length {
		h.data.Length = newEnd
		if err := diskGrow(&h.data, h.table.dev, h.table.c, h.table.fm); err != nil {
			return 0, fmt.Errorf("inode: grow sector %d: %w", h.sector, err)
		}
	}

	return writeAt(&h.data, h.table.dev, h.table.c, buf, offset)
}

func writeAt(r *Record, dev device.Device, c *cache.Cache, buf []byte, offset uint32) (int, error) {
	size := len(buf)
	written := 0
	bounce := make([]byte, device.SectorSize)

	for size > 0 {
		sectorIdx, err := byteToSector(r, dev, c, offset)
		if err != nil {
			return written, err
		}
		sectorOfs := offset % device.SectorSize
		inodeLeft := r.Length - offset
		sectorLeft := device.SectorSize - sectorOfs
		minLeft := inodeLeft
		if sectorLeft < minLeft {
			minLeft = sectorLeft
		}
		chunk := uint32(size)
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk == 0 {
			break
		}

		if sectorOfs == 0 && chunk == device.SectorSize {
			if err := c.Write(dev, sectorIdx, buf[written:written+int(chunk)]); err != nil {
				return written, err
			}
		} else {
			if sectorOfs > 0 || chunk < sectorLeft {
				if err := c.Read(dev, sectorIdx, bounce); err != nil {
					return written, err
				}
			} else {
				copy(bounce, zeroSector[:])
			}
			copy(bounce[sectorOfs:sectorOfs+chunk], buf[written:written+int(chunk)])
			if err := c.Write(dev, sectorIdx, bounce); err != nil {
				return written, err
			}
		}

		size -= int(chunk)
		offset += chunk
		written += int(chunk)
	}
	return written, nil
}

// diskGrow extends r's block-pointer tree, allocating and zero-filling
// sectors, until r.SectorUsage covers BytesToSectors(r.Length).
func diskGrow(r *Record, dev device.Device, c *cache.Cache, fm *freemap.Map) error {
	remaining := BytesToSectors(r.Length)
	if remaining < r.SectorUsage {
		return nil
	}
	remaining -= r.SectorUsage

	for remaining > 0 {
		switch {
		case r.DirectUsage < directSlots:
			sector, err := fm.Allocate(1)
			if err != nil {
				return err
			}
			if err := c.Write(dev, sector, zeroSector[:]); err != nil {
				return err
			}
			r.Blocks[r.DirectUsage] = sector
			r.DirectUsage++
			r.SectorUsage++
			remaining--

		case r.IndirectBlockUsage < PointersPerSector:
			var pointers [PointersPerSector]uint32
			if r.IndirectBlockUsage > 0 {
				buf := make([]byte, device.SectorSize)
				if err := c.Read(dev, r.Blocks[indirectSlot], buf); err != nil {
					return err
				}
				pointers = pointersFromBytes(buf)
			} else {
				sector, err := fm.Allocate(1)
				if err != nil {
					return err
				}
				r.Blocks[indirectSlot] = sector
			}
			for i := r.IndirectBlockUsage; i < PointersPerSector && remaining > 0; i++ {
				sector, err := fm.Allocate(1)
				if err != nil {
					return err
				}
				if err := c.Write(dev, sector, zeroSector[:]); err != nil {
					return err
				}
				pointers[i] = sector
				r.IndirectBlockUsage++
				r.SectorUsage++
				remaining--
			}
			if err := c.Write(dev, r.Blocks[indirectSlot], pointersToBytes(pointers)); err != nil {
				return err
			}
			r.IndirectUsed = 1

		default:
			var l1 [PointersPerSector]uint32
			if r.DoubleUsed == 1 {
				buf := make([]byte, device.SectorSize)
				if err := c.Read(dev, r.Blocks[doubleSlot], buf); err != nil {
					return err
				}
				l1 = pointersFromBytes(buf)
			} else {
				sector, err := fm.Allocate(1)
				if err != nil {
					return err
				}
				r.Blocks[doubleSlot] = sector
			}

			for i := r.DoubleL1Usage; i < PointersPerSector && remaining > 0; i++ {
				var l2 [PointersPerSector]uint32
				if r.DoubleL2Usage > 0 {
					buf := make([]byte, device.SectorSize)
					if err := c.Read(dev, l1[i], buf); err != nil {
						return err
					}
					l2 = pointersFromBytes(buf)
				} else {
					sector, err := fm.Allocate(1)
					if err != nil {
						return err
					}
					l1[i] = sector
				}
				for j := r.DoubleL2Usage; j < PointersPerSector && remaining > 0; j++ {
					sector, err := fm.Allocate(1)
					if err != nil {
						return err
					}
					if err := c.Write(dev, sector, zeroSector[:]); err != nil {
						return err
					}
					l2[j] = sector
					r.DoubleL2Usage++
					r.SectorUsage++
					remaining--
					if j == PointersPerSector-1 {
						r.DoubleL2Usage = 0
						r.DoubleL1Usage++
					}
				}
				if err := c.Write(dev, l1[i], pointersToBytes(l2)); err != nil {
					return err
				}
			}
			if err := c.Write(dev, r.Blocks[doubleSlot], pointersToBytes(l1)); err != nil {
				return err
			}
			r.DoubleUsed = 1
		}
	}
	return nil
}

// freeInode releases every sector r's block-pointer tree refers to, safe to
// call on a partially allocated tree.
func freeInode(r *Record, dev device.Device, c *cache.Cache, fm *freemap.Map) error {
	for i := uint32(0); i < r.DirectUsage; i++ {
		if err := fm.Release(r.Blocks[i], 1); err != nil {
			return err
		}
	}

	if r.IndirectUsed == 1 {
		buf := make([]byte, device.SectorSize)
		if err := c.Read(dev, r.Blocks[indirectSlot], buf); err != nil {
			return err
		}
		pointers := pointersFromBytes(buf)
		for i := uint32(0); i < r.IndirectBlockUsage; i++ {
			if err := fm.Release(pointers[i], 1); err != nil {
				return err
			}
		}
		if err := fm.Release(r.Blocks[indirectSlot], 1); err != nil {
			return err
		}
	}

	if r.DoubleUsed == 1 {
		l1buf := make([]byte, device.SectorSize)
		if err := c.Read(dev, r.Blocks[doubleSlot], l1buf); err != nil {
			return err
		}
		l1 := pointersFromBytes(l1buf)
		fullL1 := r.DoubleL1Usage
		if r.DoubleL2Usage > 0 {
			// The current level-1 entry is partially filled; it still
			// holds a valid level-2 block that must be freed too.
			fullL1++
		}
		for i := uint32(0); i < fullL1; i++ {
			l2buf := make([]byte, device.SectorSize)
			if err := c.Read(dev, l1[i], l2buf); err != nil {
				return err
			}
			l2 := pointersFromBytes(l2buf)
			limit := uint32(PointersPerSector)
			if i == fullL1-1 && r.DoubleL2Usage > 0 {
				limit = r.DoubleL2Usage
			}
			for j := uint32(0); j < limit; j++ {
				if err := fm.Release(l2[j], 1); err != nil {
					return err
				}
			}
			if err := fm.Release(l1[i], 1); err != nil {
				return err
			}
		}
		if err := fm.Release(r.Blocks[doubleSlot], 1); err != nil {
			return err
		}
	}

	return nil
}
