//go:build !unix

package shm

import (
	"errors"
	"fmt"
)

// Region is unavailable on this platform.
type Region struct {
	name string
}

// OpenIn always fails on platforms without mmap support.
func OpenIn(dir, name string, length uint64) (*Region, error) {
	return nil, fmt.Errorf("shm: open region %q: %w", name, errors.ErrUnsupported)
}

func (r *Region) Name() string { return r.name }

func (r *Region) Len() uint64 { return 0 }

func (r *Region) View(offset, length uint64) ([]byte, error) { return nil, ErrClosed }

func (r *Region) ReadBytes(offset, length uint64) ([]byte, error) { return nil, ErrClosed }

func (r *Region) Close() error { return nil }
