// Package importtree imports a host directory tree into an open blockfs
// volume, adapted from the teacher's filesystem-to-filesystem copier for a
// single fs.FS source and blockfs's own facade as the destination.
package importtree

import (
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/blockfs/go-blockfs/filesystem"
)

// excludedNames are skipped wherever they appear in the source tree.
var excludedNames = map[string]bool{
	"lost+found": true,
	".DS_Store":  true,
}

const streamBufSize = 32 * 1024

// Tree copies every regular file and directory under src into dst, starting
// at destCwd. Symlinks and other non-regular files are skipped, since
// blockfs has no concept of either.
func Tree(src fs.FS, dst *filesystem.Filesystem, destCwd uint32) error {
	return importDir(src, dst, destCwd, ".")
}

func importDir(src fs.FS, dst *filesystem.Filesystem, cwd uint32, dir string) error {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return fmt.Errorf("importtree: read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if excludedNames[name] {
			continue
		}

		p := name
		if dir != "." {
			p = path.Join(dir, name)
		}

		if entry.IsDir() {
			if err := dst.Mkdir(cwd, name); err != nil {
				return fmt.Errorf("importtree: mkdir %s: %w", p, err)
			}
			childCwd, err := dst.Chdir(cwd, name)
			if err != nil {
				return fmt.Errorf("importtree: chdir into %s: %w", p, err)
			}
			if err := importDir(src, dst, childCwd, p); err != nil {
				return err
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("importtree: stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		if err := importOneFile(src, dst, cwd, name, p); err != nil {
			return fmt.Errorf("importtree: copy %s: %w", p, err)
		}
	}
	return nil
}

func importOneFile(src fs.FS, dst *filesystem.Filesystem, cwd uint32, name, srcPath string) error {
	in, err := src.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := dst.Create(cwd, name)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, streamBufSize)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			written := 0
			for written < n {
				w, werr := out.Write(buf[written:n])
				if werr != nil {
					return werr
				}
				if w == 0 {
					return io.ErrShortWrite
				}
				written += w
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}
