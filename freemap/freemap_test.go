package freemap

import (
	"errors"
	"os"
	"testing"

	"github.com/blockfs/go-blockfs/backend"
	"github.com/blockfs/go-blockfs/device"
)

// fakeStorage is a minimal in-memory backend.Storage double, mirroring the
// one used in device's own tests.
type fakeStorage struct {
	data []byte
}

func (f *fakeStorage) Stat() (os.FileInfo, error)                  { return nil, nil }
func (f *fakeStorage) Read(b []byte) (int, error)                  { return f.ReadAt(b, 0) }
func (f *fakeStorage) Close() error                                { return nil }
func (f *fakeStorage) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (f *fakeStorage) Sys() (*os.File, error)                      { return nil, errors.New("not an os.File") }

func (f *fakeStorage) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, f.data[off:]), nil
}

func (f *fakeStorage) WriteAt(b []byte, off int64) (int, error) {
	return copy(f.data[off:int(off)+len(b)], b), nil
}

func (f *fakeStorage) Writable() (backend.WritableFile, error) { return f, nil }

func newDevice(t *testing.T, sectors int) device.Device {
	t.Helper()
	s := &fakeStorage{data: make([]byte, sectors*device.SectorSize)}
	d, err := device.New(s, int64(sectors*device.SectorSize))
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return d
}

func TestCreateReservesHeaderAndRoot(t *testing.T) {
	dev := newDevice(t, 16)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, sector := range []int{HeaderSector, BitmapStartSector, int(m.RootDirSector())} {
		set, err := m.bm.IsSet(sector)
		if err != nil {
			t.Fatalf("IsSet(%d): %v", sector, err)
		}
		if !set {
			t.Fatalf("sector %d should be reserved", sector)
		}
	}
}

func TestAllocateAndRelease(t *testing.T) {
	dev := newDevice(t, 16)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := m.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first <= m.RootDirSector() {
		t.Fatalf("Allocate returned reserved sector %d", first)
	}

	if err := m.Release(first, 3); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := m.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if second != first {
		t.Fatalf("expected reused run at %d, got %d", first, second)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	dev := newDevice(t, 5)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Allocate(2); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := m.Allocate(1); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestCreateRejectsDeviceTooSmallForLayout(t *testing.T) {
	dev := newDevice(t, 2)
	if _, err := Create(dev); err == nil {
		t.Fatal("expected Create to reject a device too small for header+bitmap+root")
	}
}

func TestBitmapSpansMultipleSectorsForCanonicalVolumes(t *testing.T) {
	for _, sectors := range []uint32{8192, 32768} {
		dev := newDevice(t, int(sectors))
		m, err := Create(dev)
		if err != nil {
			t.Fatalf("Create(%d sectors): %v", sectors, err)
		}
		if m.bitmapSectors < 2 {
			t.Fatalf("Create(%d sectors): bitmap fits in %d sector(s), want it spanning multiple", sectors, m.bitmapSectors)
		}
	}
}

// TestAllocateMaxSizeFile exercises the 16-MiB default volume (the CLI's
// format -s 16) against the largest file the block-pointer tree can address:
// 10 direct + 128 indirect + 128*128 doubly-indirect sectors.
func TestAllocateMaxSizeFile(t *testing.T) {
	const maxFileSectors = 10 + 128 + 128*128
	dev := newDevice(t, 32768)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Allocate(maxFileSectors); err != nil {
		t.Fatalf("Allocate(%d) for a max-size file: %v", maxFileSectors, err)
	}
}

func TestOpenRoundTripLargeVolume(t *testing.T) {
	dev := newDevice(t, 8192)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := m.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.bitmapSectors != m.bitmapSectors {
		t.Fatalf("bitmapSectors mismatch after reopen: got %d, want %d", reopened.bitmapSectors, m.bitmapSectors)
	}
	if reopened.RootDirSector() != m.RootDirSector() {
		t.Fatalf("RootDirSector mismatch after reopen: got %d, want %d", reopened.RootDirSector(), m.RootDirSector())
	}
	set, err := reopened.bm.IsSet(int(first))
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}
	if !set {
		t.Fatal("allocated sector should remain marked used after reopen")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	dev := newDevice(t, 16)
	m, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := m.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	wantUUID := m.UUID()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.UUID() != wantUUID {
		t.Fatalf("UUID mismatch after reopen: got %v, want %v", reopened.UUID(), wantUUID)
	}
	set, err := reopened.bm.IsSet(int(first))
	if err != nil {
		t.Fatalf("IsSet: %v", err)
	}
	if !set {
		t.Fatal("allocated sector should remain marked used after reopen")
	}
}
