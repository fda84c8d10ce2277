// Package device provides the sector-addressed block device contract the rest
// of blockfs builds on: fixed sector size, a total sector count, and
// whole-sector random I/O. It is the Go form of the "external collaborator"
// described for the block device driver.
package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/blockfs/go-blockfs/backend"
)

// SectorSize is the canonical sector size this module is built around.
const SectorSize = 512

// ErrOutOfRange is returned when a sector id falls outside the device.
var ErrOutOfRange = errors.New("device: sector id out of range")

// Device is a fixed-size, sector-addressable block device: size() and
// read/write of exactly one sector, per spec.md section 6.
type Device interface {
	// Size returns the total number of sectors on the device.
	Size() uint32
	// ReadSector reads exactly SectorSize bytes from sector into buf.
	ReadSector(sector uint32, buf []byte) error
	// WriteSector writes exactly SectorSize bytes from buf to sector.
	WriteSector(sector uint32, buf []byte) error
}

// storageDevice adapts a backend.Storage (an OS file or an injected test
// double) into a Device with fixed-size sectors.
type storageDevice struct {
	storage    backend.Storage
	sectors    uint32
	sectorSize int
}

// New wraps an already-open backend.Storage as a Device of the given total
// byte size. size must be an exact multiple of SectorSize.
func New(storage backend.Storage, size int64) (Device, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("device: size %d is not a positive multiple of sector size %d", size, SectorSize)
	}
	if err := checkBlockDeviceSectorSize(storage); err != nil {
		return nil, err
	}
	return &storageDevice{
		storage:    storage,
		sectors:    uint32(size / SectorSize),
		sectorSize: SectorSize,
	}, nil
}

// checkBlockDeviceSectorSize is a no-op for ordinary image files. When
// storage is backed by an actual OS block device, it asks the kernel for
// that device's logical sector size and rejects anything that does not
// match SectorSize, since the rest of this package assumes every sector
// is exactly SectorSize bytes.
func checkBlockDeviceSectorSize(storage backend.Storage) error {
	info, err := storage.Stat()
	if err != nil || info == nil || info.Mode()&os.ModeDevice == 0 {
		return nil
	}
	osFile, err := storage.Sys()
	if err != nil {
		return nil
	}
	got, err := logicalSectorSize(osFile)
	if err != nil {
		return fmt.Errorf("device: querying block device sector size: %w", err)
	}
	if got != SectorSize {
		return fmt.Errorf("device: block device reports %d-byte sectors, only %d is supported", got, SectorSize)
	}
	return nil
}

func (d *storageDevice) Size() uint32 {
	return d.sectors
}

func (d *storageDevice) checkRange(sector uint32) error {
	if sector >= d.sectors {
		return fmt.Errorf("%w: sector %d, device has %d sectors", ErrOutOfRange, sector, d.sectors)
	}
	return nil
}

func (d *storageDevice) ReadSector(sector uint32, buf []byte) error {
	if err := d.checkRange(sector); err != nil {
		return err
	}
	if len(buf) != d.sectorSize {
		return fmt.Errorf("device: read buffer must be exactly %d bytes, got %d", d.sectorSize, len(buf))
	}
	n, err := d.storage.ReadAt(buf, int64(sector)*int64(d.sectorSize))
	if err != nil {
		return fmt.Errorf("device: read sector %d: %w", sector, err)
	}
	if n != d.sectorSize {
		return fmt.Errorf("device: short read of sector %d: got %d of %d bytes", sector, n, d.sectorSize)
	}
	return nil
}

func (d *storageDevice) WriteSector(sector uint32, buf []byte) error {
	if err := d.checkRange(sector); err != nil {
		return err
	}
	if len(buf) != d.sectorSize {
		return fmt.Errorf("device: write buffer must be exactly %d bytes, got %d", d.sectorSize, len(buf))
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("device: write sector %d: %w", sector, err)
	}
	n, err := w.WriteAt(buf, int64(sector)*int64(d.sectorSize))
	if err != nil {
		return fmt.Errorf("device: write sector %d: %w", sector, err)
	}
	if n != d.sectorSize {
		return fmt.Errorf("device: short write of sector %d: wrote %d of %d bytes", sector, n, d.sectorSize)
	}
	return nil
}
