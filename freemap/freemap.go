// Package freemap implements the free-sector allocator backing a blockfs
// volume. The bitmap itself is the teacher's util/bitmap verbatim; this
// package adds the on-disk header (magic, volume UUID, sector count) that
// makes sector 0 self-describing, lays the bitmap itself across as many
// sectors immediately following the header as the volume needs, and adds
// a contiguous-run allocation policy: Allocate(count) hands out count
// adjacent free sectors. blockfs's inode layer and facade always ask for one.
package freemap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/util/bitmap"
)

const (
	// HeaderSector is the fixed sector holding the free-map header: magic,
	// volume UUID, and total sector count. It carries no bitmap bytes of
	// its own, since the bitmap for a volume of any real size does not fit
	// in what's left of one sector.
	HeaderSector = 0

	// BitmapStartSector is the first of the bitmapSectorCount sectors
	// holding the bitmap itself, immediately after the header.
	BitmapStartSector = HeaderSector + 1

	magic       = uint32(0x424d4150) // "BMAP"
	magicOffset = 0
	uuidOffset  = 4
	uuidLen     = 16
	countOffset = 20
)

// ErrBadMagic is returned by Open when sector 0 does not carry a recognizable
// free-map header.
var ErrBadMagic = errors.New("freemap: bad magic in header sector")

// ErrNoSpace is returned when no run of free sectors of the requested length
// exists.
var ErrNoSpace = errors.New("freemap: no space left on device")

// Map is the free-sector allocator for one volume. It is not safe for
// concurrent use, and the filesystem facade adds no lock of its own around
// it.
type Map struct {
	dev           device.Device
	bm            *bitmap.Bitmap
	uuid          uuid.UUID
	total         uint32
	bitmapSectors int
	dirty         bool
}

// bitmapSectorCount returns how many whole sectors are needed to hold one
// bit per sector of a total-sector volume, mirroring pintos's free_map_file
// sizing itself to the device instead of being pinned to one fixed sector.
func bitmapSectorCount(total uint32) int {
	bits := int(total)
	if bits < 1 {
		bits = 1
	}
	bytesNeeded := (bits + 7) / 8
	sectors := (bytesNeeded + device.SectorSize - 1) / device.SectorSize
	if sectors < 1 {
		sectors = 1
	}
	return sectors
}

// bitmapCapacity returns how many sectors sectors' worth of bitmap can
// track.
func bitmapCapacity(sectors int) int {
	return sectors * device.SectorSize * 8
}

// RootDirSector returns the sector holding the root directory's inode. It
// sits immediately after the bitmap, whose length varies with the volume's
// total sector count, so it cannot be a package-level constant.
func (m *Map) RootDirSector() uint32 {
	return uint32(BitmapStartSector + m.bitmapSectors)
}

// Create initializes a brand-new free-map on dev: the header sector, the
// bitmap sectors that follow it, and the root directory's inode sector are
// all marked allocated, a fresh volume UUID is generated, and everything is
// written back immediately.
func Create(dev device.Device) (*Map, error) {
	total := dev.Size()
	bmSectors := bitmapSectorCount(total)
	reserved := uint32(BitmapStartSector + bmSectors + 1) // header + bitmap + root dir
	if total < reserved {
		return nil, fmt.Errorf("freemap: device has %d sectors, need at least %d for header, free map, and root directory", total, reserved)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("freemap: generate volume uuid: %w", err)
	}

	capacity := bitmapCapacity(bmSectors)
	m := &Map{
		dev:           dev,
		bm:            bitmap.NewBits(capacity),
		uuid:          id,
		total:         total,
		bitmapSectors: bmSectors,
		dirty:         true,
	}
	// Sectors beyond the device's actual size are marked used so they can
	// never be handed out.
	for s := total; s < uint32(capacity); s++ {
		if err := m.bm.Set(int(s)); err != nil {
			return nil, fmt.Errorf("freemap: mark out-of-range sector %d used: %w", s, err)
		}
	}
	if err := m.bm.Set(HeaderSector); err != nil {
		return nil, fmt.Errorf("freemap: reserve header sector: %w", err)
	}
	for s := 0; s < bmSectors; s++ {
		if err := m.bm.Set(BitmapStartSector + s); err != nil {
			return nil, fmt.Errorf("freemap: reserve bitmap sector %d: %w", BitmapStartSector+s, err)
		}
	}
	if err := m.bm.Set(int(m.RootDirSector())); err != nil {
		return nil, fmt.Errorf("freemap: reserve root directory sector: %w", err)
	}
	if err := m.flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open loads an existing free-map from dev: the header from sector 0, then
// the bitmap from the sectors that follow it.
func Open(dev device.Device) (*Map, error) {
	hdr := make([]byte, device.SectorSize)
	if err := dev.ReadSector(HeaderSector, hdr); err != nil {
		return nil, fmt.Errorf("freemap: read header sector: %w", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[magicOffset:]); got != magic {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, got, magic)
	}
	id, err := uuid.FromBytes(hdr[uuidOffset : uuidOffset+uuidLen])
	if err != nil {
		return nil, fmt.Errorf("freemap: parse volume uuid: %w", err)
	}
	total := binary.LittleEndian.Uint32(hdr[countOffset:])

	bmSectors := bitmapSectorCount(total)
	raw := make([]byte, bmSectors*device.SectorSize)
	for s := 0; s < bmSectors; s++ {
		if err := dev.ReadSector(uint32(BitmapStartSector+s), raw[s*device.SectorSize:(s+1)*device.SectorSize]); err != nil {
			return nil, fmt.Errorf("freemap: read bitmap sector %d: %w", BitmapStartSector+s, err)
		}
	}

	m := &Map{
		dev:           dev,
		bm:            bitmap.FromBytes(raw),
		uuid:          id,
		total:         total,
		bitmapSectors: bmSectors,
	}
	return m, nil
}

// UUID returns the volume's identifier.
func (m *Map) UUID() uuid.UUID {
	return m.uuid
}

// TotalSectors returns the device's sector count as recorded at format time.
func (m *Map) TotalSectors() uint32 {
	return m.total
}

// Allocate finds count contiguous free sectors, marks them used, and returns
// the first sector id.
func (m *Map) Allocate(count int) (uint32, error) {
	if count <= 0 {
		return 0, fmt.Errorf("freemap: allocate count must be positive, got %d", count)
	}
	for _, run := range m.bm.FreeList() {
		if run.Count < count {
			continue
		}
		for i := 0; i < count; i++ {
			if err := m.bm.Set(run.Position + i); err != nil {
				return 0, fmt.Errorf("freemap: mark sector %d used: %w", run.Position+i, err)
			}
		}
		m.dirty = true
		if err := m.flush(); err != nil {
			return 0, err
		}
		return uint32(run.Position), nil
	}
	return 0, ErrNoSpace
}

// Release marks count sectors starting at first as free.
func (m *Map) Release(first uint32, count int) error {
	if count <= 0 {
		return fmt.Errorf("freemap: release count must be positive, got %d", count)
	}
	for i := 0; i < count; i++ {
		if err := m.bm.Clear(int(first) + i); err != nil {
			return fmt.Errorf("freemap: clear sector %d: %w", int(first)+i, err)
		}
	}
	m.dirty = true
	return m.flush()
}

// Close flushes any pending changes to the header and bitmap sectors.
func (m *Map) Close() error {
	return m.flush()
}

func (m *Map) flush() error {
	if !m.dirty {
		return nil
	}
	hdr := make([]byte, device.SectorSize)
	binary.LittleEndian.PutUint32(hdr[magicOffset:], magic)
	idBytes, err := m.uuid.MarshalBinary()
	if err != nil {
		return fmt.Errorf("freemap: marshal volume uuid: %w", err)
	}
	copy(hdr[uuidOffset:uuidOffset+uuidLen], idBytes)
	binary.LittleEndian.PutUint32(hdr[countOffset:], m.total)
	if err := m.dev.WriteSector(HeaderSector, hdr); err != nil {
		return fmt.Errorf("freemap: write header sector: %w", err)
	}

	raw := m.bm.ToBytes()
	for s := 0; s < m.bitmapSectors; s++ {
		buf := make([]byte, device.SectorSize)
		start := s * device.SectorSize
		if start < len(raw) {
			end := start + device.SectorSize
			if end > len(raw) {
				end = len(raw)
			}
			copy(buf, raw[start:end])
		}
		if err := m.dev.WriteSector(uint32(BitmapStartSector+s), buf); err != nil {
			return fmt.Errorf("freemap: write bitmap sector %d: %w", BitmapStartSector+s, err)
		}
	}
	m.dirty = false
	return nil
}
