// Package shm gives read-only access to a named shared memory region that a
// client fills with frame data.
//
// The client creates the region (POSIX shm_open, visible under /dev/shm on
// Linux) and declares its name and length during stream negotiation. Each
// frame then references content by offset and length inside the region.
package shm

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultDir is where named POSIX shared memory objects live on Linux.
const DefaultDir = "/dev/shm"

var (
	// ErrOutOfBounds is returned for a reference that does not lie within
	// [0, length) of the region.
	ErrOutOfBounds = errors.New("shm: reference outside shared memory region")

	// ErrClosed is returned when reading from a closed region.
	ErrClosed = errors.New("shm: region closed")
)

// Open maps the named region read-only from DefaultDir.
func Open(name string, length uint64) (*Region, error) {
	return OpenIn(DefaultDir, name, length)
}

func cleanName(name string) (string, error) {
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || strings.ContainsAny(trimmed, "/\\") || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("shm: invalid region name %q", name)
	}
	return trimmed, nil
}

// checkBounds validates [offset, offset+length) against size without
// overflowing.
func checkBounds(size, offset, length uint64) error {
	if offset > size || length > size-offset {
		return fmt.Errorf("%w: offset %d length %d region %d", ErrOutOfBounds, offset, length, size)
	}
	return nil
}
