package blobfile

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to callers. These mirror Python's distinct
// OSError subclasses with small Go error types so callers can use
// errors.As/errors.Is instead of string matching.

// FileNotFoundError reports that path does not exist.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("blobfile: no such file or directory: %q", e.Path)
}

// FileExistsError reports that path already exists when overwrite was
// disallowed.
type FileExistsError struct {
	Path string
}

func (e *FileExistsError) Error() string {
	return fmt.Sprintf("blobfile: %q already exists", e.Path)
}

// IsADirectoryError reports an operation that requires a file but found a
// directory-shaped path.
type IsADirectoryError struct {
	Path string
}

func (e *IsADirectoryError) Error() string {
	return fmt.Sprintf("blobfile: is a directory: %q", e.Path)
}

// NotADirectoryError reports an operation that requires a directory but
// found a file, or an invalid directory name.
type NotADirectoryError struct {
	Path string
}

func (e *NotADirectoryError) Error() string {
	return fmt.Sprintf("blobfile: not a directory: %q", e.Path)
}

// DirectoryNotEmptyError reports that RmDir was called on a non-empty
// directory.
type DirectoryNotEmptyError struct {
	Path string
}

func (e *DirectoryNotEmptyError) Error() string {
	return fmt.Sprintf("blobfile: directory not empty: %q", e.Path)
}

// ConcurrentWriteFailure reports that a writer lost a race with another
// writer to the same path (Azure append-blob position precondition).
type ConcurrentWriteFailure struct {
	Path string
}

func (e *ConcurrentWriteFailure) Error() string {
	return fmt.Sprintf("blobfile: concurrent write detected on %q", e.Path)
}

// errUnrecognizedScheme is returned for paths blobfile cannot classify.
var errUnrecognizedScheme = errors.New("blobfile: unrecognized path scheme")

// errNoCredentials is returned when no credential source can be found for a
// cloud backend.
var errNoCredentials = errors.New("blobfile: no credentials found")

// IsNotExist reports whether err indicates the target path does not exist.
func IsNotExist(err error) bool {
	var e *FileNotFoundError
	return errors.As(err, &e)
}

// IsExist reports whether err indicates the target path already exists.
func IsExist(err error) bool {
	var e *FileExistsError
	return errors.As(err, &e)
}
