package directory

import (
	"errors"
	"os"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/blockfs/go-blockfs/backend"
	"github.com/blockfs/go-blockfs/cache"
	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/freemap"
	"github.com/blockfs/go-blockfs/inode"
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

func newFixture(t *testing.T, sectors int) (*inode.Table, uint32) {
	t.Helper()
	s := &fakeStorage{data: make([]byte, sectors*device.SectorSize)}
	dev, err := device.New(s, int64(sectors*device.SectorSize))
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	c := cache.New(timeutil.RealClock(), log)
	t.Cleanup(func() { c.Close() })
	fm, err := freemap.Create(dev)
	if err != nil {
		t.Fatalf("freemap.Create: %v", err)
	}
	return inode.NewTable(dev, c, fm), fm.RootDirSector()
}

// mkRootDir sets up a root directory at root with "." and ".." entries
// self-pointing, as the facade's Format would.
func mkRootDir(t *testing.T, table *inode.Table, root uint32) {
	t.Helper()
	if err := Create(table, root, root, 16); err != nil {
		t.Fatalf("Create root dir: %v", err)
	}
	h, err := table.Open(root)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer h.Close()
	if err := Add(h, ".", root); err != nil {
		t.Fatalf("Add .: %v", err)
	}
	if err := Add(h, "..", root); err != nil {
		t.Fatalf("Add ..: %v", err)
	}
}

func TestAddLookupRemove(t *testing.T) {
	table, rootSector := newFixture(t, 128)
	mkRootDir(t, table, rootSector)

	root, err := table.Open(rootSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer root.Close()

	if err := table.Create(5, 0, false, rootSector); err != nil {
		t.Fatalf("Create file inode: %v", err)
	}
	if err := Add(root, "hello.txt", 5); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sector, found, err := Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || sector != 5 {
		t.Fatalf("Lookup = (%d, %v), want (5, true)", sector, found)
	}

	if err := Add(root, "hello.txt", 5); !errors.Is(err, ErrNameExists) {
		t.Fatalf("expected ErrNameExists, got %v", err)
	}

	if err := Remove(table, root, "hello.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, err := Lookup(root, "hello.txt"); err != nil || found {
		t.Fatalf("Lookup after remove: found=%v err=%v", found, err)
	}
}

func TestAddRejectsBadNames(t *testing.T) {
	table, rootSector := newFixture(t, 128)
	mkRootDir(t, table, rootSector)
	root, err := table.Open(rootSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer root.Close()

	if err := Add(root, "", 5); !errors.Is(err, ErrNameEmpty) {
		t.Fatalf("expected ErrNameEmpty, got %v", err)
	}
	longName := "this-name-is-too-long"
	if err := Add(root, longName, 5); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
}

func TestReadDirSkipsRemovedAndDotEntries(t *testing.T) {
	table, rootSector := newFixture(t, 128)
	mkRootDir(t, table, rootSector)
	root, err := table.Open(rootSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer root.Close()

	if err := table.Create(5, 0, false, rootSector); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Add(root, "a.txt", 5); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Create(6, 0, false, rootSector); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Add(root, "b.txt", 6); err != nil {
		t.Fatalf("Add: %v", err)
	}

	dir, err := Open(table, rootSector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dir.Close()

	var names []string
	for {
		name, ok, err := ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if !ok {
			break
		}
		names = append(names, name)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("ReadDir returned %v, want [a.txt b.txt]", names)
	}
}

func TestIsEmpty(t *testing.T) {
	table, rootSector := newFixture(t, 128)
	mkRootDir(t, table, rootSector)
	root, err := table.Open(rootSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer root.Close()

	empty, err := IsEmpty(root)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("freshly created directory with only . and .. should be empty")
	}

	if err := table.Create(5, 0, false, rootSector); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Add(root, "x", 5); err != nil {
		t.Fatalf("Add: %v", err)
	}
	empty, err = IsEmpty(root)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if empty {
		t.Fatal("directory with a real entry should not be empty")
	}
}

func TestFindDirResolvesNestedPath(t *testing.T) {
	table, rootSector := newFixture(t, 256)
	mkRootDir(t, table, rootSector)
	root, err := table.Open(rootSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}

	if err := Create(table, 10, rootSector, 16); err != nil {
		t.Fatalf("Create subdir: %v", err)
	}
	sub, err := table.Open(10)
	if err != nil {
		t.Fatalf("Open subdir: %v", err)
	}
	if err := Add(sub, ".", 10); err != nil {
		t.Fatalf("Add .: %v", err)
	}
	if err := Add(sub, "..", rootSector); err != nil {
		t.Fatalf("Add ..: %v", err)
	}
	if err := Add(root, "sub", 10); err != nil {
		t.Fatalf("Add sub to root: %v", err)
	}

	if err := table.Create(20, 0, false, 10); err != nil {
		t.Fatalf("Create file: %v", err)
	}
	if err := Add(sub, "file.txt", 20); err != nil {
		t.Fatalf("Add file to sub: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close sub: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("Close root: %v", err)
	}

	resolver := NewResolver(table, rootSector)

	parent, leaf, err := resolver.FindDir(rootSector, "/sub/file.txt")
	if err != nil {
		t.Fatalf("FindDir: %v", err)
	}
	if parent != 10 || leaf != "file.txt" {
		t.Fatalf("FindDir = (%d, %q), want (10, file.txt)", parent, leaf)
	}

	// Missing final component: not an error, reports intended parent+leaf.
	parent, leaf, err = resolver.FindDir(rootSector, "/sub/new.txt")
	if err != nil {
		t.Fatalf("FindDir (missing leaf): %v", err)
	}
	if parent != 10 || leaf != "new.txt" {
		t.Fatalf("FindDir = (%d, %q), want (10, new.txt)", parent, leaf)
	}

	// Missing intermediate component is a hard failure.
	if _, _, err := resolver.FindDir(rootSector, "/nosuch/file.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing intermediate dir, got %v", err)
	}

	// Redundant slashes collapse the same as single slashes.
	parent, leaf, err = resolver.FindDir(rootSector, "//sub///file.txt")
	if err != nil {
		t.Fatalf("FindDir (redundant slashes): %v", err)
	}
	if parent != 10 || leaf != "file.txt" {
		t.Fatalf("FindDir = (%d, %q), want (10, file.txt)", parent, leaf)
	}

	// A trailing slash means the leaf name is ".".
	parent, leaf, err = resolver.FindDir(rootSector, "/sub/")
	if err != nil {
		t.Fatalf("FindDir (trailing slash): %v", err)
	}
	if parent != 10 || leaf != "." {
		t.Fatalf("FindDir = (%d, %q), want (10, .)", parent, leaf)
	}
}
