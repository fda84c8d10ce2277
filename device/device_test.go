package device

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/blockfs/go-blockfs/backend"
	"github.com/blockfs/go-blockfs/backend/file"
	"github.com/blockfs/go-blockfs/testhelper"
)

// memStorage is a minimal in-memory backend.Storage double for exercising
// Device without touching the filesystem.
type memStorage struct {
	data []byte
}

func newMemStorage(size int) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

func (m *memStorage) Stat() (os.FileInfo, error)           { return nil, nil }
func (m *memStorage) Read(b []byte) (int, error)           { return m.ReadAt(b, 0) }
func (m *memStorage) Close() error                         { return nil }
func (m *memStorage) Seek(offset int64, whence int) (int64, error) {
	return offset, nil
}
func (m *memStorage) Sys() (*os.File, error) { return nil, errors.New("not backed by an os.File") }

func (m *memStorage) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.data) {
		return 0, errors.New("out of range")
	}
	n := copy(b, m.data[off:])
	return n, nil
}

func (m *memStorage) WriteAt(b []byte, off int64) (int, error) {
	end := int(off) + len(b)
	if end > len(m.data) {
		return 0, errors.New("out of range")
	}
	return copy(m.data[off:end], b), nil
}

func (m *memStorage) Writable() (backend.WritableFile, error) {
	return m, nil
}

func TestNewRejectsNonMultipleSize(t *testing.T) {
	s := newMemStorage(1000)
	if _, err := New(s, 1000); err == nil {
		t.Fatal("expected error for size not a multiple of sector size")
	}
}

func TestReadWriteSectorRoundTrip(t *testing.T) {
	const sectors = 4
	s := newMemStorage(sectors * SectorSize)
	d, err := New(s, sectors*SectorSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := d.Size(); got != sectors {
		t.Fatalf("Size() = %d, want %d", got, sectors)
	}

	want := bytes.Repeat([]byte{0xAB}, SectorSize)
	if err := d.WriteSector(2, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := d.ReadSector(2, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadSector returned %x, want %x", got, want)
	}

	// Sectors not written remain zero.
	zero := make([]byte, SectorSize)
	other := make([]byte, SectorSize)
	if err := d.ReadSector(0, other); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(other, zero) {
		t.Fatal("untouched sector 0 should still be zero")
	}
}

func TestReadSectorOutOfRange(t *testing.T) {
	s := newMemStorage(SectorSize)
	d, err := New(s, SectorSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := make([]byte, SectorSize)
	err = d.ReadSector(1, buf)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ReadSector(1) err = %v, want wrapping ErrOutOfRange", err)
	}
}

func TestWriteSectorWrongSizeBuffer(t *testing.T) {
	s := newMemStorage(SectorSize)
	d, err := New(s, SectorSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.WriteSector(0, make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

// TestReadSectorPropagatesBackendFailure wires a testhelper.FileImpl behind
// backend/file.New to simulate a backing store that fails mid-read (a torn
// mount, a disconnected block device), confirming the failure surfaces as a
// wrapped error rather than a short, silently-accepted read.
func TestReadSectorPropagatesBackendFailure(t *testing.T) {
	wantErr := errors.New("simulated backend read failure")
	impl := &testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			return 0, wantErr
		},
		Writer: func(b []byte, offset int64) (int, error) {
			return len(b), nil
		},
	}
	storage := file.New(impl, false)

	d, err := New(storage, 2*SectorSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf := make([]byte, SectorSize)
	err = d.ReadSector(0, buf)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("ReadSector err = %v, want wrapping %v", err, wantErr)
	}
}
