//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// New mirrors the unix New but goes through CreateFileMapping/MapViewOfFile
// since Windows has no direct mmap(2) equivalent. The returned Map keeps the
// mapping object handle around so Close and Remap can release it later.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	handle := windows.Handle(fd)

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	maxSizeHigh := uint32(uint64(length) >> 32)
	maxSizeLow := uint32(length)

	mapping, err := windows.CreateFileMapping(handle, nil, prot, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		return nil, &Error{Op: "CreateFileMapping", Err: err}
	}

	offsetHigh := uint32(uint64(offset) >> 32)
	offsetLow := uint32(offset)

	addr, err := windows.MapViewOfFile(mapping, access, offsetHigh, offsetLow, uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &Error{Op: "MapViewOfFile", Err: err}
	}

	// Build a []byte header over the view's address; there is no other way
	// to hand the mapped memory to Go code expecting a slice.
	var data []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&data))
	sh.Data = addr
	sh.Len = length
	sh.Cap = length

	return &Map{
		data:     data,
		fd:       fd,
		size:     int64(length),
		capacity: int64(length),
		writable: writable,
		handle:   uintptr(handle),
		mapping:  uintptr(mapping),
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

// Sync flushes the view to disk via FlushViewOfFile.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size))
}

// SyncAsync is identical to Sync: Windows gives no separate async flush.
func (m *Map) SyncAsync() error {
	return m.Sync()
}

// SyncRange flushes just [offset, offset+length).
func (m *Map) SyncRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[offset])), uintptr(length))
}

// Close unmaps the view and releases the mapping object handle.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&m.data[0]))

	if err := windows.UnmapViewOfFile(addr); err != nil {
		return &Error{Op: "UnmapViewOfFile", Err: err}
	}

	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
		m.mapping = 0
	}

	m.data = nil
	m.size = 0
	m.capacity = 0
	return nil
}

// Remap unmaps the current view and creates a fresh mapping object sized to
// newSize; Windows has no in-place resize, so every Remap pays this cost.
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

	addr := uintptr(unsafe.Pointer(&m.data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return &Error{Op: "UnmapViewOfFile for remap", Err: err}
	}

	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
	}

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if m.writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	maxSizeHigh := uint32(uint64(newSize) >> 32)
	maxSizeLow := uint32(newSize)

	mapping, err := windows.CreateFileMapping(windows.Handle(m.handle), nil, prot, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		m.data = nil
		m.size = 0
		m.mapping = 0
		return &Error{Op: "CreateFileMapping for remap", Err: err}
	}

	newAddr, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(newSize))
	if err != nil {
		windows.CloseHandle(mapping)
		m.data = nil
		m.size = 0
		m.mapping = 0
		return &Error{Op: "MapViewOfFile for remap", Err: err}
	}

	var newData []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&newData))
	sh.Data = newAddr
	sh.Len = int(newSize)
	sh.Cap = int(newSize)

	m.data = newData
	m.size = newSize
	m.capacity = newSize
	m.mapping = uintptr(mapping)
	return nil
}

// Lock pins the view in RAM via VirtualLock.
func (m *Map) Lock() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return windows.VirtualLock(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size))
}

// Unlock releases a prior Lock.
func (m *Map) Unlock() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return windows.VirtualUnlock(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size))
}

// Advise is a no-op: Windows has no madvise equivalent exposed here.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return nil
}

// AdviseSequential is a no-op placeholder kept for API parity with the
// unix build.
func (m *Map) AdviseSequential() error {
	return m.Advise(0)
}

// AdviseRandom is a no-op placeholder kept for API parity with the unix
// build.
func (m *Map) AdviseRandom() error {
	return m.Advise(0)
}

// AdviseWillNeed is a no-op placeholder kept for API parity with the unix
// build.
func (m *Map) AdviseWillNeed() error {
	return m.Advise(0)
}

// AdviseDontNeed is a no-op placeholder kept for API parity with the unix
// build.
func (m *Map) AdviseDontNeed() error {
	return m.Advise(0)
}

// tryMremap has no Windows equivalent; Remap always takes the
// unmap-and-recreate path on this platform.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	return nil, &Error{Op: "mremap not available on windows"}
}
