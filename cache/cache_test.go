package cache

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/blockfs/go-blockfs/backend"
	"github.com/blockfs/go-blockfs/device"
)

type fakeStorage struct{ data []byte }

func (f *fakeStorage) Stat() (os.FileInfo, error)                   { return nil, nil }
func (f *fakeStorage) Read(b []byte) (int, error)                   { return f.ReadAt(b, 0) }
func (f *fakeStorage) Close() error                                 { return nil }
func (f *fakeStorage) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (f *fakeStorage) Sys() (*os.File, error)                       { return nil, errors.New("not an os.File") }
func (f *fakeStorage) ReadAt(b []byte, off int64) (int, error)      { return copy(b, f.data[off:]), nil }
func (f *fakeStorage) WriteAt(b []byte, off int64) (int, error) {
	return copy(f.data[off:int(off)+len(b)], b), nil
}
func (f *fakeStorage) Writable() (backend.WritableFile, error) { return f, nil }

func newTestDevice(t *testing.T, sectors int) device.Device {
	t.Helper()
	s := &fakeStorage{data: make([]byte, sectors*device.SectorSize)}
	d, err := device.New(s, int64(sectors*device.SectorSize))
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return d
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 8)
	c := New(timeutil.RealClock(), quietLogger())
	defer c.Close()

	want := bytes.Repeat([]byte{0x5A}, device.SectorSize)
	if err := c.Write(dev, 3, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, device.SectorSize)
	if err := c.Read(dev, 3, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read returned %x, want %x", got, want)
	}
}

func TestFlushWritesThroughToDevice(t *testing.T) {
	dev := newTestDevice(t, 4)
	c := New(timeutil.RealClock(), quietLogger())
	defer c.Close()

	want := bytes.Repeat([]byte{0x77}, device.SectorSize)
	if err := c.Write(dev, 1, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	direct := make([]byte, device.SectorSize)
	if err := dev.ReadSector(1, direct); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(direct, want) {
		t.Fatal("flush did not write dirty line back to device")
	}
}

func TestEvictionIsLeastRecentlyUsed(t *testing.T) {
	dev := newTestDevice(t, NumLines+2)
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))
	c := New(clock, quietLogger())
	defer c.Close()

	buf := make([]byte, device.SectorSize)

	// Fill every line, each with a distinct, strictly increasing timestamp.
	for i := 0; i < NumLines; i++ {
		clock.AdvanceTime(time.Second)
		if err := c.Write(dev, uint32(i), buf); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}

	// Touch every line except sector 0 so it becomes the oldest.
	for i := 1; i < NumLines; i++ {
		clock.AdvanceTime(time.Second)
		if err := c.Read(dev, uint32(i), buf); err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
	}

	// Loading one more distinct sector should evict sector 0's line.
	clock.AdvanceTime(time.Second)
	if err := c.Read(dev, NumLines, buf); err != nil {
		t.Fatalf("Read(NumLines): %v", err)
	}

	if l := c.find(dev, 0); l != nil {
		l.mu.Unlock()
		t.Fatal("sector 0 should have been evicted as least recently used")
	}
}

func TestReadAheadPrefetchesNextSector(t *testing.T) {
	dev := newTestDevice(t, 4)
	want := bytes.Repeat([]byte{0x11}, device.SectorSize)
	if err := dev.WriteSector(1, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	c := New(timeutil.RealClock(), quietLogger())
	defer c.Close()

	buf := make([]byte, device.SectorSize)
	if err := c.Read(dev, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l := c.find(dev, 1); l != nil {
			l.mu.Unlock()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("read-ahead never prefetched sector 1")
}
