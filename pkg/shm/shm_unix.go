//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is a read-only mapping of a named shared memory object.
type Region struct {
	name string

	mu     sync.RWMutex
	data   []byte
	closed bool
}

// OpenIn maps the region called name inside dir. The backing object must be
// at least length bytes long.
func OpenIn(dir, name string, length uint64) (*Region, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("shm: region %q has zero length", name)
	}

	file, err := os.OpenFile(filepath.Join(dir, clean), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open region %q: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat region %q: %w", name, err)
	}
	if uint64(info.Size()) < length {
		return nil, fmt.Errorf("shm: region %q is %d bytes, declared %d", name, info.Size(), length)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap region %q: %w", name, err)
	}

	return &Region{name: clean, data: data}, nil
}

// Name returns the region name without a leading slash.
func (r *Region) Name() string { return r.name }

// Len returns the mapped length in bytes.
func (r *Region) Len() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.data))
}

// View returns the bytes at [offset, offset+length) without copying. The
// slice aliases the mapping and must not be used after Close.
func (r *Region) View(offset, length uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if err := checkBounds(uint64(len(r.data)), offset, length); err != nil {
		return nil, err
	}
	end := offset + length
	return r.data[offset:end:end], nil
}

// ReadBytes returns a copy of the bytes at [offset, offset+length).
func (r *Region) ReadBytes(offset, length uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if err := checkBounds(uint64(len(r.data)), offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, r.data[offset:offset+length])
	return out, nil
}

// Close unmaps the region. It is safe to call more than once.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("shm: munmap region %q: %w", r.name, err)
	}
	return nil
}
