//go:build darwin

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// these constants should be part of "golang.org/x/sys/unix", but aren't, yet
const dkIOCGetBlockSize = 0x40046418

// logicalSectorSize asks the kernel for the logical sector size of a real
// block device, via DKIOCGETBLOCKSIZE.
func logicalSectorSize(f *os.File) (int, error) {
	return unix.IoctlGetInt(int(f.Fd()), dkIOCGetBlockSize)
}
