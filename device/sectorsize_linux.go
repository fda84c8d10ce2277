//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

const blkSSZGet = 0x1268

// logicalSectorSize asks the kernel for the logical sector size of a real
// block device, via BLKSSZGET.
func logicalSectorSize(f *os.File) (int, error) {
	return unix.IoctlGetInt(int(f.Fd()), blkSSZGet)
}
