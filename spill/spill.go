package spill

import (
	"os"
	"strconv"
	"sync"

	"github.com/anchorkv/anchorkv/mmap"
)

// DefaultInitialCap is the default number of page-sized slots a freshly
// created segment reserves.
const DefaultInitialCap = 1024

// DefaultMaxSegments bounds how many segment files a single Buffer will
// create, which in turn bounds its total capacity.
const DefaultMaxSegments = 256

// segment is one mmap'd backing file of the spill buffer. Slots never move
// between segments, so handing out a []byte from Allocate never gets
// invalidated by a later segment being added.
type segment struct {
	file   *os.File
	mmap   *mmap.Map
	path   string
	bitmap *Bitmap
	cap    uint32
}

// Buffer spills dirty pages into mmap'd files instead of Go-heap
// allocations, which keeps a long write transaction from putting GC
// pressure proportional to its dirty-page count. Capacity grows by
// appending whole segments rather than resizing one file, so a pointer
// returned by Allocate stays valid for the life of the slot.
type Buffer struct {
	mu         sync.Mutex
	basePath   string
	pageSize   uint32
	segmentCap uint32 // slots per segment
	segments   []*segment
	curSegment int // first segment index to probe on the next Allocate
	totalAlloc uint32
}

// Slot identifies one allocated page-sized region within a Buffer.
type Slot struct {
	Pgno       uint32 // page number the caller associates with this slot
	SegmentIdx uint16
	SlotIdx    uint16
}

// New opens (creating if necessary) a spill buffer rooted at path, where
// each slot is pageSize bytes and each segment holds initialCap slots
// before a new segment is appended.
func New(path string, pageSize, initialCap uint32) (*Buffer, error) {
	if initialCap == 0 {
		initialCap = DefaultInitialCap
	}

	b := &Buffer{
		basePath:   path,
		pageSize:   pageSize,
		segmentCap: initialCap,
		segments:   make([]*segment, 0, 4),
	}

	if err := b.addSegment(); err != nil {
		return nil, err
	}

	return b, nil
}

// addSegment creates and maps one more backing file, named basePath for
// the first segment and basePath.N for subsequent ones.
func (b *Buffer) addSegment() error {
	if len(b.segments) >= DefaultMaxSegments {
		return ErrBufferFull
	}

	segIdx := len(b.segments)
	segPath := b.basePath
	if segIdx > 0 {
		segPath = b.basePath + "." + strconv.Itoa(segIdx)
	}

	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	fileSize := int64(b.segmentCap) * int64(b.pageSize)
	if err := file.Truncate(fileSize); err != nil {
		file.Close()
		os.Remove(segPath)
		return err
	}

	m, err := mmap.New(int(file.Fd()), 0, int(fileSize), true)
	if err != nil {
		file.Close()
		os.Remove(segPath)
		return err
	}

	seg := &segment{
		file:   file,
		mmap:   m,
		path:   segPath,
		bitmap: NewBitmap(b.segmentCap),
		cap:    b.segmentCap,
	}

	b.segments = append(b.segments, seg)
	return nil
}

// Close unmaps and closes every segment. When deleteFile is set the
// backing files are removed too, which callers use once the spilled pages
// have all been reclaimed into the main data file or discarded.
func (b *Buffer) Close(deleteFile bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, seg := range b.segments {
		if seg.mmap != nil {
			if err := seg.mmap.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if seg.file != nil {
			if err := seg.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if deleteFile && seg.path != "" {
			if err := os.Remove(seg.path); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	b.segments = nil
	return firstErr
}

// Allocate claims a free slot, appending a new segment if every existing
// one is full, and returns the slot's backing memory alongside its handle.
func (b *Buffer) Allocate() ([]byte, *Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.curSegment < len(b.segments) {
		seg := b.segments[b.curSegment]
		slotIdx, ok := seg.bitmap.Allocate()
		if ok {
			b.totalAlloc++
			offset := int64(slotIdx) * int64(b.pageSize)
			data := seg.mmap.Data()[offset : offset+int64(b.pageSize)]
			return data, &Slot{SegmentIdx: uint16(b.curSegment), SlotIdx: uint16(slotIdx)}, nil
		}
		b.curSegment++
	}

	if err := b.addSegment(); err != nil {
		return nil, nil, err
	}

	seg := b.segments[b.curSegment]
	slotIdx, ok := seg.bitmap.Allocate()
	if !ok {
		return nil, nil, ErrBufferFull
	}

	b.totalAlloc++
	offset := int64(slotIdx) * int64(b.pageSize)
	data := seg.mmap.Data()[offset : offset+int64(b.pageSize)]
	return data, &Slot{SegmentIdx: uint16(b.curSegment), SlotIdx: uint16(slotIdx)}, nil
}

// Get returns the backing memory for slot, or nil if it doesn't resolve to
// a live segment.
func (b *Buffer) Get(slot *Slot) []byte {
	if slot == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.SegmentIdx) >= len(b.segments) {
		return nil
	}
	seg := b.segments[slot.SegmentIdx]
	if slot.SlotIdx >= uint16(seg.cap) {
		return nil
	}

	offset := int64(slot.SlotIdx) * int64(b.pageSize)
	end := offset + int64(b.pageSize)
	if end > int64(len(seg.mmap.Data())) {
		return nil
	}
	return seg.mmap.Data()[offset:end]
}

// Release returns slot to its segment's free list, and pulls curSegment
// back if the freed slot is in an earlier segment than the current probe
// point.
func (b *Buffer) Release(slot *Slot) {
	if slot == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.SegmentIdx) >= len(b.segments) {
		return
	}
	seg := b.segments[slot.SegmentIdx]
	seg.bitmap.Free(uint32(slot.SlotIdx))
	b.totalAlloc--

	if int(slot.SegmentIdx) < b.curSegment {
		b.curSegment = int(slot.SegmentIdx)
	}
}

// ReleaseBulk releases many slots in one locked pass, which a transaction
// abort uses to return its whole dirty set at once.
func (b *Buffer) ReleaseBulk(slots []*Slot) {
	if len(slots) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	minSeg := b.curSegment
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		if int(slot.SegmentIdx) >= len(b.segments) {
			continue
		}
		seg := b.segments[slot.SegmentIdx]
		seg.bitmap.Free(uint32(slot.SlotIdx))
		b.totalAlloc--
		if int(slot.SegmentIdx) < minSeg {
			minSeg = int(slot.SegmentIdx)
		}
	}
	b.curSegment = minSeg
}

// Clear frees every slot across every segment without releasing the
// underlying mappings.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, seg := range b.segments {
		seg.bitmap.Clear()
	}
	b.curSegment = 0
	b.totalAlloc = 0
}

// Capacity returns the total number of slots across all segments.
func (b *Buffer) Capacity() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(len(b.segments)) * b.segmentCap
}

// AllocatedCount returns the number of slots currently in use.
func (b *Buffer) AllocatedCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalAlloc
}

// PageSize returns the fixed slot size this buffer was created with.
func (b *Buffer) PageSize() uint32 {
	return b.pageSize
}

// ErrBufferFull is returned once DefaultMaxSegments segments are full and
// Allocate has no room left to grow into.
var ErrBufferFull = &spillError{"buffer full (max segments reached)"}

type spillError struct {
	msg string
}

func (e *spillError) Error() string {
	return "spill: " + e.msg
}
