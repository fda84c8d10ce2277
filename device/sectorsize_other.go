//go:build !linux && !darwin

package device

import (
	"errors"
	"os"
)

func logicalSectorSize(f *os.File) (int, error) {
	return 0, errors.New("device: block device sector size query not supported on this platform")
}
