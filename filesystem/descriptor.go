package filesystem

import (
	"errors"
	"fmt"

	"github.com/blockfs/go-blockfs/directory"
	"github.com/blockfs/go-blockfs/freemap"
	"github.com/blockfs/go-blockfs/inode"
)

// Kind distinguishes the two concrete Descriptor implementations so callers
// can dispatch without a type-unsafe cast, unlike the original this module
// is descended from.
type Kind int

const (
	// KindFile marks a Descriptor backed by a plain file.
	KindFile Kind = iota
	// KindDir marks a Descriptor backed by a directory.
	KindDir
)

// Descriptor is an open file or directory handle returned by Filesystem.Open.
type Descriptor interface {
	Kind() Kind
	Sector() uint32
	Close() error
}

// File is an open regular file.
type File struct {
	h      *inode.Handle
	offset uint32
}

// Kind implements Descriptor.
func (f *File) Kind() Kind { return KindFile }

// Sector returns the inode sector backing f.
func (f *File) Sector() uint32 { return f.h.Sector() }

// Close releases f's inode reference.
func (f *File) Close() error { return f.h.Close() }

// Length returns the file's current size in bytes.
func (f *File) Length() uint32 { return f.h.Length() }

// Read reads up to len(buf) bytes starting at f's current offset, advancing
// it by the number of bytes read.
func (f *File) Read(buf []byte) (int, error) {
	n, err := f.h.ReadAt(buf, f.offset)
	f.offset += uint32(n)
	return n, err
}

// Write writes buf at f's current offset, advancing it by the number of bytes
// written. A write refused while writes are denied wraps ErrDeniedWrite; a
// write that cannot grow the file for lack of free sectors wraps ErrNoSpace.
func (f *File) Write(buf []byte) (int, error) {
	n, err := f.h.WriteAt(buf, f.offset)
	f.offset += uint32(n)
	switch {
	case errors.Is(err, inode.ErrDeniedWrite):
		err = fmt.Errorf("%w: %w", ErrDeniedWrite, err)
	case errors.Is(err, freemap.ErrNoSpace):
		err = fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	return n, err
}

// Seek repositions f's cursor to offset, measured from the start of the file.
func (f *File) Seek(offset uint32) {
	f.offset = offset
}

// DenyWrite/AllowWrite forward to the underlying inode handle, letting a
// caller protect a file (for example, one being executed) from modification
// while it has it open.
func (f *File) DenyWrite()  { f.h.DenyWrite() }
func (f *File) AllowWrite() { f.h.AllowWrite() }

// Dir is an open directory.
type Dir struct {
	d *directory.Dir
}

// Kind implements Descriptor.
func (d *Dir) Kind() Kind { return KindDir }

// Sector returns the inode sector backing d.
func (d *Dir) Sector() uint32 { return d.d.Handle().Sector() }

// Close releases d's inode reference.
func (d *Dir) Close() error { return d.d.Close() }

// ReadDir returns the next entry name in d, or ok=false once exhausted.
func (d *Dir) ReadDir() (string, bool, error) {
	return directory.ReadDir(d.d)
}
