package filesystem

import "errors"

// Sentinel errors for every failure mode the facade can report. Callers
// should use errors.Is against these rather than matching on message text.
var (
	ErrPathNotFound = errors.New("filesystem: path not found")
	ErrNameTooLong  = errors.New("filesystem: name too long")
	ErrNameExists   = errors.New("filesystem: name already exists")
	ErrNoSpace      = errors.New("filesystem: no space left on device")
	ErrDirNotEmpty  = errors.New("filesystem: directory not empty")
	ErrDirBusy      = errors.New("filesystem: directory is in use as a working directory")
	ErrInvalidArg   = errors.New("filesystem: invalid argument")
	ErrNotDir       = errors.New("filesystem: not a directory")
	ErrIsDir        = errors.New("filesystem: is a directory")
	ErrDeniedWrite  = errors.New("filesystem: writes are currently denied")
)
