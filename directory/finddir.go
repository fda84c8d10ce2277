package directory

import (
	"strings"

	"github.com/blockfs/go-blockfs/inode"
)

// Resolver walks paths against a filesystem's inode table, starting from
// either the root or a caller-supplied current directory.
type Resolver struct {
	table      *inode.Table
	rootSector uint32
}

// NewResolver creates a Resolver rooted at rootSector.
func NewResolver(table *inode.Table, rootSector uint32) *Resolver {
	return &Resolver{table: table, rootSector: rootSector}
}

// splitPath breaks path into non-empty components, so repeated "/" characters
// collapse the same way strtok_r's delimiter skipping does.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FindDir resolves path relative to cwdSector (ignored for absolute paths),
// returning the sector of the directory that should contain the final
// component and that component's name. A missing intermediate component is
// an error; a missing final component is not, since callers use FindDir to
// locate where to create a new entry as well as where to look one up.
func (r *Resolver) FindDir(cwdSector uint32, path string) (parentSector uint32, leaf string, err error) {
	if path == "" {
		return 0, "", ErrNotFound
	}

	current := cwdSector
	if strings.HasPrefix(path, "/") {
		current = r.rootSector
	}
	parentSector = current

	segments := splitPath(path)
	for i, tok := range segments {
		if len(tok) > NameMax {
			return 0, "", ErrNameTooLong
		}
		parentSector = current
		leaf = tok

		dir, err := Open(r.table, current)
		if err != nil {
			return 0, "", err
		}
		nextSector, found, err := Lookup(dir.Handle(), tok)
		closeErr := dir.Close()
		if err != nil {
			return 0, "", err
		}
		if closeErr != nil {
			return 0, "", closeErr
		}

		if !found {
			if i == len(segments)-1 {
				break
			}
			return 0, "", ErrNotFound
		}
		current = nextSector
	}

	if strings.HasSuffix(path, "/") {
		leaf = "."
		parentSector = current
	}
	return parentSector, leaf, nil
}
