package anchorkv

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// pgno identifies a page within the data file. Page numbers are dense:
// every value below the environment's next-free pgno names either a
// live page or one sitting in a reclaim list.
type pgno uint32

// txnid is the monotonically increasing transaction counter that
// anchors MVCC snapshot selection.
type txnid uint64

// Fixed geometry of the on-disk page header and the sentinel page
// numbers reserved for "no such page".
const (
	// pageHeaderSize is the number of header bytes preceding the entry
	// pointer array on every branch/leaf/overflow/meta page.
	pageHeaderSize = 20

	// invalidPgno marks an absent or not-yet-allocated page reference.
	invalidPgno pgno = 0xFFFFFFFF

	// maxPgno bounds what a 32-bit page number may legally hold.
	maxPgno pgno = 0x7FFFffff
)

// pageFlags classifies what a page header describes.
type pageFlags uint16

const (
	// pageBranch marks an internal node page (keys + child pointers).
	pageBranch pageFlags = 0x01

	// pageLeaf marks a page holding (key, value) pairs directly.
	pageLeaf pageFlags = 0x02

	// pageLarge marks the first page of a multi-page overflow run.
	pageLarge pageFlags = 0x04

	// pageMeta marks one of the three rotating root pages.
	pageMeta pageFlags = 0x08

	// pageLegacyDirty preserves a historical dirty-flag bit position;
	// kept so on-disk pages written by older tooling still parse.
	pageLegacyDirty pageFlags = 0x10

	// pageBad reuses the legacy-dirty bit to flag a page that failed
	// validation and must not be trusted.
	pageBad = pageLegacyDirty

	// pageDupfix marks a fixed-size-value leaf used for DUPFIXED data.
	pageDupfix pageFlags = 0x20

	// pageSubP marks an embedded sub-page carrying DUPSORT duplicates
	// inline inside a leaf node rather than via a nested subtree.
	pageSubP pageFlags = 0x40

	// pageSpilled flags a page the active write txn wrote out early to
	// relieve dirty-list pressure; it is not yet part of committed state.
	pageSpilled pageFlags = 0x2000

	// pageLoose flags a page retired this transaction and immediately
	// reusable without a trip through the GC subtree.
	pageLoose pageFlags = 0x4000

	// pageFrozen flags a retired page whose disposition is already
	// decided (as opposed to one still being walked for reclaim).
	pageFrozen pageFlags = 0x8000

	// pageTypeMask isolates the bits that name a page's fundamental kind.
	pageTypeMask = pageBranch | pageLeaf | pageLarge | pageMeta | pageDupfix | pageSubP
)

// pageHeader is the common prefix shared by every non-meta page. Its
// byte layout is load-bearing: anchorkv reads and writes it through an
// unsafe.Pointer cast rather than a field-by-field decoder, so field
// order and width must not change without a matching format bump.
//
//	Offset  Size  Field
//	0       8     txnid
//	8       2     dupfix_ksize
//	10      2     flags
//	12      2     lower (or pages[0:2] for overflow pages)
//	14      2     upper (or pages[2:4] for overflow pages)
//	16      4     pgno
//	20      ...   entries[] (one uint16 offset per node, growing down)
type pageHeader struct {
	Txnid       txnid     // txn that last rewrote this page
	DupfixKsize uint16    // fixed key width, DUPFIX pages only
	Flags       pageFlags // page kind plus lifecycle bits
	Lower       uint16    // end of the entry-pointer array
	Upper       uint16    // start of the node-data region
	PageNo      pgno      // this page's own number, for self-checks
}

// page is a thin view over one page's backing bytes, wherever those
// bytes live (the mmap, or a dirty copy owned by a write transaction).
type page struct {
	Data []byte
}

// header reinterprets the page's leading bytes as a pageHeader, or nil
// if the slice is too short to contain one (a caller bug, not a format
// violation we try to recover from).
func (p *page) header() *pageHeader {
	if len(p.Data) < pageHeaderSize {
		return nil
	}
	return (*pageHeader)(unsafe.Pointer(&p.Data[0]))
}

// pageNo returns the page's own recorded number.
func (p *page) pageNo() pgno {
	return p.header().PageNo
}

// pageType returns the page's kind, with lifecycle bits masked off.
func (p *page) pageType() pageFlags {
	return p.header().Flags & pageTypeMask
}

func (p *page) isBranch() bool {
	return p.header().Flags&pageBranch != 0
}

func (p *page) isLeaf() bool {
	return p.header().Flags&pageLeaf != 0
}

func (p *page) isLarge() bool {
	return p.header().Flags&pageLarge != 0
}

func (p *page) isMeta() bool {
	return p.header().Flags&pageMeta != 0
}

func (p *page) isDupfix() bool {
	return p.header().Flags&pageDupfix != 0
}

func (p *page) isSubPage() bool {
	return p.header().Flags&pageSubP != 0
}

// numEntries derives the entry count from lower (each entry pointer is
// two bytes), matching the packed layout above.
func (p *page) numEntries() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Lower) >> 1
}

// entryOffset resolves the idx-th node's byte offset within the page,
// translating the stored (header-relative) pointer into an absolute one.
func (p *page) entryOffset(idx int) uint16 {
	if idx < 0 || idx >= p.numEntries() {
		return 0
	}
	offset := pageHeaderSize + idx*2
	storedOffset := binary.LittleEndian.Uint16(p.Data[offset:])
	return storedOffset + uint16(pageHeaderSize)
}

// freeSpace reports how many bytes remain between the entry-pointer
// array and the node-data region.
func (p *page) freeSpace() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Upper) - int(h.Lower)
}

// overflowPages returns the run length of an overflow page (the
// lower/upper fields double as a 32-bit page count in this case).
func (p *page) overflowPages() uint32 {
	if !p.isLarge() {
		return 1
	}
	h := p.header()
	return uint32(h.Lower) | (uint32(h.Upper) << 16)
}

func (p *page) setOverflowPages(n uint32) {
	h := p.header()
	h.Lower = uint16(n & 0xFFFF)
	h.Upper = uint16(n >> 16)
}

// init stamps a fresh header onto a newly allocated page: zero
// entries, full free space, and the caller-supplied pgno/flags. Writes
// are batched into two 64-bit stores plus one 32-bit store to avoid
// touching the header byte-by-byte.
func (p *page) init(pno pgno, flags pageFlags, pageSize uint16) {
	d := p.Data
	_ = d[19] // hoist the bounds check for the writes below

	putUint64LE(d[0:8], 0) // txnid starts at zero until first touched

	upper := pageSize - pageHeaderSize
	val := uint64(flags)<<16 | uint64(upper)<<48
	putUint64LE(d[8:16], val)

	putUint32LE(d[16:20], uint32(pno))
}

// validate runs the cheap structural checks worth paying for on every
// page touch: known flag bits, and (for non-overflow pages) that lower
// and upper describe a non-overlapping, in-bounds split of the page.
func (p *page) validate(pageSize uint) error {
	if len(p.Data) < pageHeaderSize {
		return errPageTooSmall
	}
	h := p.header()

	if h.Flags&^(pageTypeMask|pageSpilled|pageLoose|pageFrozen|pageLegacyDirty) != 0 {
		return errPageInvalidFlags
	}

	if !p.isLarge() {
		if h.Upper+pageHeaderSize > uint16(pageSize) {
			return errPageInvalidUpper
		}
		if h.Lower > h.Upper {
			return errPageInvalidBounds
		}
	}

	return nil
}

var (
	errPageTooSmall      = &pageError{"page too small"}
	errPageInvalidFlags  = &pageError{"invalid page flags"}
	errPageInvalidLower  = &pageError{"invalid lower bound"}
	errPageInvalidUpper  = &pageError{"invalid upper bound"}
	errPageInvalidBounds = &pageError{"lower > upper"}
)

type pageError struct {
	msg string
}

func (e *pageError) Error() string {
	return "page: " + e.msg
}

// ============== zero-struct accessors on raw page bytes ==============
//
// The methods above allocate a *page wrapper for convenience. The
// functions below read the identical header layout straight off a
// []byte, for call sites (search, split-point scanning) where building
// a wrapper per page touch would show up as allocator pressure.

// pageFlagsDirect reads the flags field out of raw page bytes.
func pageFlagsDirect(data []byte) pageFlags {
	if len(data) < pageHeaderSize {
		return 0
	}
	return pageFlags(uint16(data[10]) | uint16(data[11])<<8)
}

func pageIsLeafDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageLeaf != 0
}

func pageIsBranchDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageBranch != 0
}

// pageNumEntriesDirect is the []byte counterpart of (*page).numEntries.
func pageNumEntriesDirect(data []byte) int {
	if len(data) < pageHeaderSize {
		return 0
	}
	lower := uint16(data[12]) | uint16(data[13])<<8
	return int(lower) >> 1
}

// pageEntryOffsetDirect is the []byte counterpart of (*page).entryOffset.
func pageEntryOffsetDirect(data []byte, idx int) uint16 {
	numEntries := pageNumEntriesDirect(data)
	if idx < 0 || idx >= numEntries {
		return 0
	}
	offset := pageHeaderSize + idx*2
	storedOffset := uint16(data[offset]) | uint16(data[offset+1])<<8
	return storedOffset + uint16(pageHeaderSize)
}

// pageEntryOffsetUnchecked skips the bounds check in
// pageEntryOffsetDirect. Only call this once idx has already been
// validated against numEntries on the hot path above it.
func pageEntryOffsetUnchecked(data []byte, idx int) uint16 {
	storedOffset := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	return storedOffset + pageHeaderSize
}

// entryOffsetFast is entryOffset without the idx bounds check, for
// binary-search loops that have already established idx is in range.
func (p *page) entryOffsetFast(idx int) uint16 {
	storedOffset := uint16(p.Data[pageHeaderSize+idx*2]) | uint16(p.Data[pageHeaderSize+idx*2+1])<<8
	return storedOffset + pageHeaderSize
}

func (p *page) isBranchFast() bool {
	flags := pageFlags(uint16(p.Data[10]) | uint16(p.Data[11])<<8)
	return flags&pageBranch != 0
}

func (p *page) numEntriesFast() int {
	lower := uint16(p.Data[12]) | uint16(p.Data[13])<<8
	return int(lower) >> 1
}

func (p *page) isLeafFast() bool {
	flags := pageFlags(uint16(p.Data[10]) | uint16(p.Data[11])<<8)
	return flags&pageLeaf != 0
}

// ============== mutation ==============

// insertEntry inserts nodeData as a new entry at idx, shifting later
// entry pointers up by one slot. Returns false if the page has no room
// even after a compaction attempt.
func (p *page) insertEntry(idx int, nodeData []byte) bool {
	return p.insertEntryWithBuf(idx, nodeData, nil)
}

// insertEntryWithBuf is insertEntry with a caller-supplied scratch
// buffer for the compaction fallback, letting hot callers avoid the
// pooled-buffer path entirely.
func (p *page) insertEntryWithBuf(idx int, nodeData []byte, scratchBuf []byte) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx > numEntries {
		return false
	}

	nodeSize := len(nodeData)
	requiredSpace := 2 + nodeSize
	if p.freeSpace() < requiredSpace {
		reclaimed := p.compactWithBuf(scratchBuf)
		if reclaimed == 0 || p.freeSpace() < requiredSpace {
			return false
		}
	}

	newUpper := h.Upper - uint16(nodeSize)
	h.Upper = newUpper

	actualPosition := newUpper + pageHeaderSize
	copy(p.Data[actualPosition:], nodeData)

	entriesStart := pageHeaderSize
	if idx < numEntries {
		src := entriesStart + idx*2
		dst := src + 2
		moveSize := (numEntries - idx) * 2
		copy(p.Data[dst:], p.Data[src:src+moveSize])
	}

	entryOffset := entriesStart + idx*2
	putUint16LE(p.Data[entryOffset:], newUpper)

	h.Lower += 2

	return true
}

// removeEntry drops the entry at idx. The vacated node bytes become a
// hole in the data region; compact reclaims them later rather than on
// every delete, since a page is often about to receive another insert.
func (p *page) removeEntry(idx int) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx >= numEntries {
		return false
	}

	entriesStart := pageHeaderSize
	if idx < numEntries-1 {
		src := entriesStart + (idx+1)*2
		dst := entriesStart + idx*2
		moveSize := (numEntries - 1 - idx) * 2
		copy(p.Data[dst:], p.Data[src:src+moveSize])
	}

	h.Lower -= 2

	return true
}

// removeEntriesFrom truncates the entry-pointer array at startIdx,
// used by split to hand a whole tail of entries to a sibling page in
// one step rather than one removeEntry call per node.
func (p *page) removeEntriesFrom(startIdx int) {
	h := p.header()
	numEntries := p.numEntries()
	if startIdx < 0 || startIdx >= numEntries {
		return
	}
	entriesToRemove := numEntries - startIdx
	h.Lower -= uint16(entriesToRemove * 2)
}

// compact repacks node data to eliminate holes left by removeEntry,
// returning the number of bytes it reclaimed.
func (p *page) compact() int {
	return p.compactWithBuf(nil)
}

// compactWithBuf is compact with an optional caller-supplied scratch
// buffer. It prefers, in order: the gap between the entry-pointer
// array and the data region (free, already in the page), the supplied
// buffer, and finally a pooled buffer — so the common case touches no
// allocator at all.
func (p *page) compactWithBuf(scratchBuf []byte) int {
	h := p.header()
	numEntries := p.numEntriesFast()
	pageSize := uint16(len(p.Data))

	if numEntries == 0 {
		oldUpper := h.Upper
		h.Upper = pageSize - pageHeaderSize
		return int(h.Upper - oldUpper)
	}

	// Most pages hold well under 256 entries; stack-allocate the size
	// table for that common case and only spill to the heap past it.
	var sizesBuf [256]uint16
	var sizes []uint16
	if numEntries <= 256 {
		sizes = sizesBuf[:numEntries]
	} else {
		sizes = make([]uint16, numEntries)
	}

	totalSize := uint16(0)
	for i := 0; i < numEntries; i++ {
		sizes[i] = uint16(p.calcNodeSizeFast(i))
		totalSize += sizes[i]
	}

	expectedUpper := pageSize - pageHeaderSize - totalSize
	if h.Upper == expectedUpper {
		return 0
	}

	entryPointersEnd := uint16(pageHeaderSize + numEntries*2)
	dataStart := h.Upper + pageHeaderSize

	var tempBuf []byte
	var needReturn bool
	gapSize := int(dataStart - entryPointersEnd)
	if gapSize >= int(totalSize) {
		tempBuf = p.Data[entryPointersEnd:dataStart]
	} else if len(scratchBuf) >= int(totalSize) {
		tempBuf = scratchBuf[:totalSize]
	} else {
		tempBuf = getCompactBuffer(int(totalSize))
		needReturn = true
	}

	tempPos := uint16(0)
	for i := 0; i < numEntries; i++ {
		srcOffset := p.entryOffsetFast(i)
		copy(tempBuf[tempPos:tempPos+sizes[i]], p.Data[srcOffset:srcOffset+sizes[i]])
		tempPos += sizes[i]
	}

	writePos := pageSize
	tempPos = 0
	for i := 0; i < numEntries; i++ {
		writePos -= sizes[i]
		copy(p.Data[writePos:writePos+sizes[i]], tempBuf[tempPos:tempPos+sizes[i]])
		tempPos += sizes[i]

		entryPtrOffset := pageHeaderSize + i*2
		putUint16LE(p.Data[entryPtrOffset:], writePos-pageHeaderSize)
	}

	if needReturn {
		returnCompactBuffer(tempBuf)
	}

	oldUpper := h.Upper
	h.Upper = writePos - pageHeaderSize

	return int(h.Upper - oldUpper)
}

// compactBufferPool recycles the scratch buffer compactWithBuf needs
// when a page's internal gap isn't large enough to hold the
// repacked node data itself.
var compactBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 4096)
	},
}

func getCompactBuffer(size int) []byte {
	buf := compactBufferPool.Get().([]byte)
	if len(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func returnCompactBuffer(buf []byte) {
	if cap(buf) >= 4096 {
		compactBufferPool.Put(buf[:cap(buf)])
	}
}

// updateEntry overwrites the entry at idx with nodeData, writing in
// place when the new payload is no larger than the old one and
// otherwise carving a fresh slot from the upper region (leaving the
// old bytes as a hole for a later compact).
func (p *page) updateEntry(idx int, nodeData []byte) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx >= numEntries {
		return false
	}

	oldSize := p.calcNodeSize(idx)
	newSize := len(nodeData)

	if newSize <= oldSize {
		offset := p.entryOffset(idx)
		copy(p.Data[offset:], nodeData)
		return true
	}

	extraSpace := newSize - oldSize
	if p.freeSpace() < extraSpace {
		return false
	}

	newUpperInt := int(h.Upper) - newSize
	if newUpperInt < int(h.Lower) {
		return false
	}
	newUpper := uint16(newUpperInt)

	h.Upper = newUpper
	actualPosition := newUpper + pageHeaderSize
	copy(p.Data[actualPosition:], nodeData)

	entryOffset := pageHeaderSize + idx*2
	putUint16LE(p.Data[entryOffset:], newUpper)

	return true
}

// calcNodeSize returns the on-page byte size of the node at idx.
func (p *page) calcNodeSize(idx int) int {
	numEntries := p.numEntriesFast()
	if idx < 0 || idx >= numEntries {
		return 0
	}
	return p.calcNodeSizeFast(idx)
}

// calcNodeSizeFast is calcNodeSize without the idx bounds check.
func (p *page) calcNodeSizeFast(idx int) int {
	nodeOffset := p.entryOffsetFast(idx)

	dsize := binary.LittleEndian.Uint32(p.Data[nodeOffset:])
	flags := p.Data[nodeOffset+4]
	ksize := binary.LittleEndian.Uint16(p.Data[nodeOffset+6:])

	size := 8 + int(ksize)

	if p.isBranchFast() {
		return size
	}

	if flags&0x01 != 0 {
		size += 4 // big node: data is an overflow pgno, not inline bytes
	} else {
		size += int(dsize)
	}

	return size
}

// splitPoint picks where to divide a page's entries between itself and
// a new right sibling so that, once the pending insert at insertIdx
// lands, both halves fit within the page budget. Each candidate split
// re-sums the node sizes to its left rather than reading them from an
// allocated prefix-sum slice.
func (p *page) splitPoint(newNodeSize int, insertIdx int) int {
	numEntries := p.numEntriesFast()
	if numEntries == 0 {
		return 0
	}

	pageSize := len(p.Data)
	maxSpace := pageSize - pageHeaderSize

	totalExisting := 0
	for i := 0; i < numEntries; i++ {
		totalExisting += p.calcNodeSizeFast(i)
	}

	// Appending at the tail is the common case (sequential load); try
	// to keep every existing entry on the left and only the new one on
	// the right before falling back to the general search below.
	if insertIdx >= numEntries {
		leftNeeded := numEntries*2 + totalExisting
		rightNeeded := 2 + newNodeSize
		if leftNeeded <= maxSpace && rightNeeded <= maxSpace {
			return numEntries
		}
	}

	// isValidSplit reports whether dividing at splitIdx (left gets
	// [0, splitIdx), right gets [splitIdx, numEntries), plus the
	// pending insert on whichever side it lands) leaves both halves
	// within budget.
	isValidSplit := func(splitIdx int) bool {
		if splitIdx < 0 || splitIdx > numEntries {
			return false
		}

		leftDataSize := 0
		for i := 0; i < splitIdx; i++ {
			leftDataSize += p.calcNodeSizeFast(i)
		}

		rightDataSize := totalExisting - leftDataSize

		leftEntries := splitIdx
		rightEntries := numEntries - splitIdx

		if insertIdx < splitIdx {
			leftEntries++
			leftDataSize += newNodeSize
		} else {
			rightEntries++
			rightDataSize += newNodeSize
		}

		if leftEntries == 0 || rightEntries == 0 {
			return false
		}

		leftNeeded := leftEntries*2 + leftDataSize
		rightNeeded := rightEntries*2 + rightDataSize

		return leftNeeded <= maxSpace && rightNeeded <= maxSpace
	}

	mid := numEntries / 2
	if mid == 0 {
		mid = 1
	}

	if isValidSplit(mid) {
		return mid
	}

	// Walk outward from the midpoint, biasing the search toward
	// shrinking whichever side the new entry is about to join.
	for delta := 1; delta <= numEntries; delta++ {
		if insertIdx < mid {
			if mid-delta >= 0 && isValidSplit(mid-delta) {
				return mid - delta
			}
			if mid+delta <= numEntries && isValidSplit(mid+delta) {
				return mid + delta
			}
		} else {
			if mid+delta <= numEntries && isValidSplit(mid+delta) {
				return mid + delta
			}
			if mid-delta >= 0 && isValidSplit(mid-delta) {
				return mid - delta
			}
		}
	}

	return mid
}

// compactTo writes a hole-free copy of p's entries into dst, which
// must already be a freshly init'd page of the same size. Used when
// compacting copy mode renumbers and repacks every live page in turn.
func (p *page) compactTo(dst *page, pageSize uint16) {
	h := p.header()
	dstH := dst.header()

	dstH.PageNo = h.PageNo
	dstH.Flags = h.Flags
	dstH.Txnid = h.Txnid
	dstH.DupfixKsize = h.DupfixKsize
	dstH.Lower = 0
	dstH.Upper = pageSize - pageHeaderSize

	numEntries := p.numEntries()
	for i := 0; i < numEntries; i++ {
		offset := p.entryOffset(i)
		nodeSize := p.calcNodeSize(i)
		if nodeSize > 0 && int(offset)+nodeSize <= len(p.Data) {
			dst.insertEntry(i, p.Data[offset:offset+uint16(nodeSize)])
		}
	}
}
