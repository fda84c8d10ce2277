// Package directory implements directories as ordinary inode-backed files
// holding packed entries, following the teaching filesystem's layout: a
// linear scan for lookup, first-free-slot-or-append for add, in-place
// in_use clearing for remove, and a stateful iterator for readdir.
package directory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blockfs/go-blockfs/inode"
)

// NameMax is the longest name (in bytes) a directory entry can hold.
const NameMax = 14

const (
	entryOffSector = 0
	entryOffName   = 4
	entryOffInUse  = entryOffName + NameMax + 1
	// EntrySize is the on-disk size of one directory entry.
	EntrySize = entryOffInUse + 1
)

// ErrNameEmpty and ErrNameTooLong report invalid entry names.
var (
	ErrNameEmpty   = errors.New("directory: name must not be empty")
	ErrNameTooLong = fmt.Errorf("directory: name longer than %d bytes", NameMax)
	ErrNameExists  = errors.New("directory: name already exists")
	ErrNotFound    = errors.New("directory: name not found")
)

type entry struct {
	sector uint32
	name   string
	inUse  bool
}

func (e *entry) toBytes() []byte {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(buf[entryOffSector:], e.sector)
	copy(buf[entryOffName:entryOffName+NameMax], e.name)
	if e.inUse {
		buf[entryOffInUse] = 1
	}
	return buf
}

func entryFromBytes(buf []byte) entry {
	e := entry{
		sector: binary.LittleEndian.Uint32(buf[entryOffSector:]),
		inUse:  buf[entryOffInUse] != 0,
	}
	nameBytes := buf[entryOffName : entryOffName+NameMax+1]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	e.name = string(nameBytes[:n])
	return e
}

// Create initializes a directory with room for entryCount entries at sector,
// with parent as its parent directory's sector. The caller is responsible
// for writing the "." and ".." entries afterward.
func Create(table *inode.Table, sector uint32, parent uint32, entryCount int) error {
	return table.Create(sector, uint32(entryCount)*EntrySize, true, parent)
}

// Dir is an open directory: an inode handle plus a readdir cursor.
type Dir struct {
	h   *inode.Handle
	pos uint32
}

// Open opens the directory backed by the inode at sector.
func Open(table *inode.Table, sector uint32) (*Dir, error) {
	h, err := table.Open(sector)
	if err != nil {
		return nil, err
	}
	if !h.IsDir() {
		h.Close()
		return nil, fmt.Errorf("directory: sector %d is not a directory", sector)
	}
	return &Dir{h: h, pos: 2 * EntrySize}, nil
}

// Handle returns the inode backing d.
func (d *Dir) Handle() *inode.Handle { return d.h }

// Close releases d's underlying inode.
func (d *Dir) Close() error { return d.h.Close() }

// lookup scans h's entries for name, returning the matching entry and its
// byte offset.
func lookup(h *inode.Handle, name string) (entry, uint32, bool, error) {
	buf := make([]byte, EntrySize)
	for ofs := uint32(0); ; ofs += EntrySize {
		_, err := h.ReadAt(buf, ofs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entry{}, 0, false, nil
			}
			return entry{}, 0, false, err
		}
		e := entryFromBytes(buf)
		if e.inUse && e.name == name {
			return e, ofs, true, nil
		}
	}
}

// Lookup searches h for name, returning the sector of its inode.
func Lookup(h *inode.Handle, name string) (uint32, bool, error) {
	e, _, found, err := lookup(h, name)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return e.sector, true, nil
}

// Add inserts a new entry named name, pointing at sector, into h. It fails
// if name is invalid or already present.
func Add(h *inode.Handle, name string, sector uint32) error {
	if name == "" {
		return ErrNameEmpty
	}
	if len(name) > NameMax {
		return ErrNameTooLong
	}
	if _, _, found, err := lookup(h, name); err != nil {
		return err
	} else if found {
		return ErrNameExists
	}

	buf := make([]byte, EntrySize)
	ofs := uint32(0)
	for {
		_, err := h.ReadAt(buf, ofs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if !entryFromBytes(buf).inUse {
			break
		}
		ofs += EntrySize
	}

	e := entry{sector: sector, name: name, inUse: true}
	n, err := h.WriteAt(e.toBytes(), ofs)
	if err != nil {
		return err
	}
	if n != EntrySize {
		return fmt.Errorf("directory: short write adding %q", name)
	}
	return nil
}

// Remove erases name's entry from h and marks its inode for deletion once
// closed. table is used to open the target inode so Remove can be called on
// it.
func Remove(table *inode.Table, h *inode.Handle, name string) error {
	e, ofs, found, err := lookup(h, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	target, err := table.Open(e.sector)
	if err != nil {
		return err
	}

	e.inUse = false
	if n, err := h.WriteAt(e.toBytes(), ofs); err != nil || n != EntrySize {
		target.Close()
		if err != nil {
			return err
		}
		return fmt.Errorf("directory: short write removing %q", name)
	}

	target.Remove()
	return target.Close()
}

// ReadDir returns the next in-use entry's name, advancing d's cursor. ok is
// false once every entry has been consumed.
func ReadDir(d *Dir) (string, bool, error) {
	buf := make([]byte, EntrySize)
	for {
		_, err := d.h.ReadAt(buf, d.pos)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", false, nil
			}
			return "", false, err
		}
		d.pos += EntrySize
		e := entryFromBytes(buf)
		if e.inUse {
			return e.name, true, nil
		}
	}
}

// IsEmpty reports whether d holds no entries besides "." and "..".
func IsEmpty(h *inode.Handle) (bool, error) {
	buf := make([]byte, EntrySize)
	for ofs := uint32(0); ; ofs += EntrySize {
		_, err := h.ReadAt(buf, ofs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, nil
			}
			return false, err
		}
		e := entryFromBytes(buf)
		if e.inUse && e.name != "." && e.name != ".." {
			return false, nil
		}
	}
}
