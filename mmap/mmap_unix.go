//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// New maps length bytes of fd starting at offset, which must be
// page-aligned. The mapping is MAP_SHARED so writes (when writable) are
// visible to other mappers and eventually reach the backing file.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	flags := unix.MAP_SHARED

	data, err := unix.Mmap(fd, offset, length, prot, flags)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:     data,
		fd:       fd,
		size:     int64(length),
		capacity: int64(length),
		writable: writable,
	}, nil
}

// MapFile opens path and maps it whole. The file must be non-empty.
func MapFile(path string, writable bool) (*Map, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		f.Close()
		return nil, ErrEmptyFile
	}

	m, err := New(int(f.Fd()), 0, int(size), writable)
	if err != nil {
		f.Close()
		return nil, err
	}

	return m, nil
}

// Sync blocks until all dirty mapped pages reach the backing file.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// SyncAsync schedules dirty pages for writeback without waiting.
func (m *Map) SyncAsync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Msync(m.data, unix.MS_ASYNC)
}

// SyncRange flushes just [offset, offset+length) rather than the full
// mapping, so callers that track their own dirty spans can avoid writing
// back pages they know are unchanged.
func (m *Map) SyncRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return unix.Msync(m.data[offset:offset+length], unix.MS_SYNC)
}

// Close unmaps the region. It is safe to call on an already-closed Map.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	m.capacity = 0
	return err
}

// Remap resizes the mapping to newSize, preferring an in-place mremap and
// falling back to unmap-then-remap when that is unavailable or refused.
func (m *Map) Remap(newSize int64) error {
	if m.data == nil {
		return ErrNotMapped
	}

	if newSize <= 0 {
		return ErrInvalidSize
	}

	if newSize == m.size {
		return nil
	}

	newData, err := m.tryMremap(int(newSize))
	if err == nil {
		m.data = newData
		m.size = newSize
		if newSize > m.capacity {
			m.capacity = newSize
		}
		return nil
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	if err := unix.Munmap(m.data); err != nil {
		return &Error{Op: "munmap for remap", Err: err}
	}

	newData, err = unix.Mmap(m.fd, 0, int(newSize), prot, unix.MAP_SHARED)
	if err != nil {
		m.data = nil
		m.size = 0
		return &Error{Op: "mmap for remap", Err: err}
	}

	m.data = newData
	m.size = newSize
	m.capacity = newSize
	return nil
}

// Lock pins the mapped pages in RAM via mlock, keeping them out of swap.
func (m *Map) Lock() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Mlock(m.data)
}

// Unlock releases a prior Lock.
func (m *Map) Unlock() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Munlock(m.data)
}

// Advise passes a raw madvise hint through to the kernel.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseSequential hints that access will proceed roughly in order, which
// lets the kernel read further ahead and evict pages behind the cursor.
func (m *Map) AdviseSequential() error {
	return m.Advise(unix.MADV_SEQUENTIAL)
}

// AdviseRandom hints that access is scattered, discouraging readahead.
func (m *Map) AdviseRandom() error {
	return m.Advise(unix.MADV_RANDOM)
}

// AdviseWillNeed prefetches the mapping's pages ahead of an anticipated
// burst of reads.
func (m *Map) AdviseWillNeed() error {
	return m.Advise(unix.MADV_WILLNEED)
}

// AdviseDontNeed tells the kernel it may drop the mapping's pages, e.g.
// after a bulk scan that won't be repeated soon.
func (m *Map) AdviseDontNeed() error {
	return m.Advise(unix.MADV_DONTNEED)
}
