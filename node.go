package anchorkv

import (
	"unsafe"
)

// nodeSize is the fixed width of a node header, before its variable
// key and (for non-overflow nodes) inline value bytes.
const nodeSize = 8

// nodeFlags classifies what a leaf or branch node's payload holds.
type nodeFlags uint8

const (
	// nodeBig marks a value too large to inline; the node stores an
	// overflow-run page number instead of the bytes themselves.
	nodeBig nodeFlags = 0x01

	// nodeTree marks a value that is itself a nested subtree root
	// record (a DUPSORT key with more duplicates than fit on a
	// shared sub-page).
	nodeTree nodeFlags = 0x02

	// nodeDup marks a key carrying one or more sorted duplicates,
	// whether stored inline as a sub-page or via nodeTree.
	nodeDup nodeFlags = 0x04
)

// nodeHeader is the fixed 8-byte prefix of every node's payload,
// overlaid directly onto page bytes via unsafe.Pointer — its field
// order and width are wire format, not an implementation detail.
//
//	Offset  Size  Field
//	0       4     dsize (leaf) / child pgno (branch)
//	4       1     flags
//	5       1     extra (reserved)
//	6       2     ksize
//	8       ...   key bytes, then value bytes (or a 4-byte overflow pgno)
type nodeHeader struct {
	DataSize uint32
	Flags    nodeFlags
	Extra    uint8
	KeySize  uint16
}

// node is a cursor-friendly view of one node's bytes, anchored either
// at a page's entry offset or at a standalone buffer (the latter used
// when building a node before it has a home page).
type node struct {
	data   []byte
	offset uint16
}

// mdbxExtraNodeBytes reserves room some on-disk variants leave before
// each node for auxiliary per-entry bookkeeping; kept as a named
// constant so any code computing "worst case node overhead" stays in
// one place even though this engine doesn't populate it.
const mdbxExtraNodeBytes = 20

// nodeFromPage builds a node view over the entry at idx on page p, or
// nil if the entry offset doesn't leave room for even a bare header.
func nodeFromPage(p *page, idx int) *node {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset) >= len(p.Data) {
		return nil
	}

	if int(offset)+nodeSize <= len(p.Data) {
		return &node{
			data:   p.Data[offset:],
			offset: offset,
		}
	}

	return nil
}

// nodeFromBytes wraps an already-assembled (header+key+value) buffer,
// e.g. one built in a scratch slice before insertion.
func nodeFromBytes(data []byte) *node {
	if len(data) < nodeSize {
		return nil
	}
	return &node{data: data}
}

func (n *node) header() *nodeHeader {
	if len(n.data) < nodeSize {
		return nil
	}
	return (*nodeHeader)(unsafe.Pointer(&n.data[0]))
}

func (n *node) keySize() uint16 {
	return n.header().KeySize
}

func (n *node) dataSize() uint32 {
	return n.header().DataSize
}

// childPgno reinterprets the dsize/child-pgno union field as a page
// number; only meaningful when n lives on a branch page.
func (n *node) childPgno() pgno {
	return pgno(n.header().DataSize)
}

func (n *node) flags() nodeFlags {
	return n.header().Flags
}

func (n *node) isBig() bool {
	return n.header().Flags&nodeBig != 0
}

func (n *node) isTree() bool {
	return n.header().Flags&nodeTree != 0
}

func (n *node) isDup() bool {
	return n.header().Flags&nodeDup != 0
}

func (n *node) key() []byte {
	h := n.header()
	if h == nil || len(n.data) < nodeSize+int(h.KeySize) {
		return nil
	}
	return n.data[nodeSize : nodeSize+h.KeySize]
}

// nodeData returns the value bytes for a leaf node, or (for a nodeBig
// node) the 4-byte overflow page number standing in for them.
func (n *node) nodeData() []byte {
	h := n.header()
	if h == nil {
		return nil
	}

	dataOffset := nodeSize + int(h.KeySize)
	if h.Flags&nodeBig != 0 {
		if len(n.data) < dataOffset+4 {
			return nil
		}
		return n.data[dataOffset : dataOffset+4]
	}

	dataEnd := dataOffset + int(h.DataSize)
	if len(n.data) < dataEnd {
		return nil
	}
	return n.data[dataOffset:dataEnd]
}

// overflowPgno decodes the page number stored inline for a nodeBig
// node, or invalidPgno if n isn't one.
func (n *node) overflowPgno() pgno {
	if !n.isBig() {
		return invalidPgno
	}
	h := n.header()
	dataOffset := nodeSize + int(h.KeySize)
	if len(n.data) < dataOffset+4 {
		return invalidPgno
	}
	return pgno(
		uint32(n.data[dataOffset]) |
			uint32(n.data[dataOffset+1])<<8 |
			uint32(n.data[dataOffset+2])<<16 |
			uint32(n.data[dataOffset+3])<<24,
	)
}

// totalSize is the node's full on-page footprint: header, key, and
// either inline value bytes or the 4-byte overflow pgno.
func (n *node) totalSize() int {
	h := n.header()
	if h == nil {
		return 0
	}

	size := nodeSize + int(h.KeySize)
	if h.Flags&nodeBig != 0 {
		size += 4
	} else {
		size += int(h.DataSize)
	}
	return size
}

// nodeCalcSize predicts the on-page footprint of a node before it's
// built, given the key/value sizes and whether it will need overflow
// promotion — used by callers deciding whether a put fits in place.
func nodeCalcSize(keySize int, dataSize int, isBig bool) int {
	size := nodeSize + keySize
	if isBig {
		size += 4
	} else {
		size += dataSize
	}
	return size
}

// nodeMaxKeySize bounds how large a key may be on a page of the given
// size: half the page, less one node header and one entry pointer, so
// a branch page can always hold at least two keys.
func nodeMaxKeySize(pageSize int) int {
	return pageSize/2 - nodeSize - 2
}

// nodeMaxDataSize bounds how large an inline (non-overflow) value may
// be so that a leaf page can still hold at least two entries.
func nodeMaxDataSize(pageSize int) int {
	return (pageSize-pageHeaderSize-4)/2 - nodeSize - 1
}

// ============== raw-byte accessors ==============
//
// Everything below reads the node layout directly off a []byte or a
// *page without constructing a node/page wrapper, for the search and
// split-point loops where per-entry allocation would dominate the
// profile.

// nodeGetKeyDirect reads the key at idx from page bytes, bounds-checked.
// The result is sliced to cap==len so append can't corrupt page data.
func nodeGetKeyDirect(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return nil
	}
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	end := offset + nodeSize + uint16(keySize)
	if int(end) > len(p.Data) {
		return nil
	}
	return p.Data[offset+nodeSize : end : end]
}

// nodeGetDataDirect reads the value at idx, or nil if it's a big node
// (overflow values need the caller to follow the pgno instead).
func nodeGetDataDirect(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return nil
	}
	dataSize := uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
	flags := nodeFlags(p.Data[offset+4])
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8

	if flags&nodeBig != 0 {
		return nil
	}

	dataStart := int(offset) + nodeSize + int(keySize)
	dataEnd := dataStart + int(dataSize)
	if dataEnd > len(p.Data) {
		return nil
	}
	return p.Data[dataStart:dataEnd]
}

func nodeGetChildPgnoDirect(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+4 > len(p.Data) {
		return invalidPgno
	}
	return pgno(
		uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
			uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24,
	)
}

func nodeGetFlagsDirect(p *page, idx int) nodeFlags {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+5 > len(p.Data) {
		return 0
	}
	return nodeFlags(p.Data[offset+4])
}

func nodeGetOverflowPgnoDirect(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return invalidPgno
	}
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	pgnoOffset := int(offset) + nodeSize + int(keySize)
	if pgnoOffset+4 > len(p.Data) {
		return invalidPgno
	}
	return pgno(
		uint32(p.Data[pgnoOffset]) | uint32(p.Data[pgnoOffset+1])<<8 |
			uint32(p.Data[pgnoOffset+2])<<16 | uint32(p.Data[pgnoOffset+3])<<24,
	)
}

func nodeGetDataSizeDirect(p *page, idx int) uint32 {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+4 > len(p.Data) {
		return 0
	}
	return uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
}

// ============== unchecked []byte accessors ==============
//
// Same fields, read straight from a []byte instead of a *page, for
// call sites that already hold a raw slice (e.g. a dirty page's data
// fetched once per loop iteration rather than re-wrapped per node).

func nodeGetKeyRaw(data []byte, idx int) []byte {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return nil
	}
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	if int(offset)+nodeSize+int(keySize) > len(data) {
		return nil
	}
	return data[offset+nodeSize : int(offset)+nodeSize+int(keySize)]
}

// nodeGetKeyUnchecked is nodeGetKeyRaw without the bounds checks;
// callers must have already validated idx and the page layout.
func nodeGetKeyUnchecked(data []byte, idx int) []byte {
	offset := pageEntryOffsetUnchecked(data, idx)
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	return data[offset+nodeSize : int(offset)+nodeSize+int(keySize)]
}

// nodeGetDataUnchecked is nodeGetDataRaw without bounds checks, and
// additionally assumes the node is not a big node.
func nodeGetDataUnchecked(data []byte, idx int) []byte {
	offset := pageEntryOffsetUnchecked(data, idx)
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	dataStart := int(offset) + nodeSize + int(keySize)
	return data[dataStart : dataStart+int(dataSize)]
}

func nodeGetDataRaw(data []byte, idx int) []byte {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return nil
	}
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	flags := nodeFlags(data[offset+4])
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8

	if flags&nodeBig != 0 {
		return nil
	}

	dataStart := int(offset) + nodeSize + int(keySize)
	dataEnd := dataStart + int(dataSize)
	if dataEnd > len(data) {
		return nil
	}
	return data[dataStart:dataEnd]
}

func nodeGetChildPgnoRaw(data []byte, idx int) pgno {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+4 > len(data) {
		return invalidPgno
	}
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

func nodeGetChildPgnoUnchecked(data []byte, idx int) pgno {
	offset := pageEntryOffsetUnchecked(data, idx)
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetFirstChildPgno special-cases idx==0: entry 0's pointer always
// sits at the start of the entry array, so no table lookup is needed
// before reading the child pgno. Used when descending leftmost.
func nodeGetFirstChildPgno(data []byte) pgno {
	storedOffset := uint16(data[pageHeaderSize]) | uint16(data[pageHeaderSize+1])<<8
	offset := storedOffset + pageHeaderSize
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetFirstKey is the idx==0 counterpart of nodeGetFirstChildPgno,
// used when reading the smallest duplicate out of a DUPSORT sub-tree leaf.
func nodeGetFirstKey(data []byte) []byte {
	storedOffset := uint16(data[pageHeaderSize]) | uint16(data[pageHeaderSize+1])<<8
	offset := int(storedOffset + pageHeaderSize)
	keySize := int(uint16(data[offset+6]) | uint16(data[offset+7])<<8)
	return data[offset+nodeSize : offset+nodeSize+keySize]
}

// nodeGetLastChildPgno mirrors nodeGetFirstChildPgno for the rightmost
// entry, used when descending to the last child of a branch page.
func nodeGetLastChildPgno(data []byte) pgno {
	lower := uint16(data[12]) | uint16(data[13])<<8
	numEntries := int(lower) >> 1
	lastIdx := numEntries - 1

	storedOffset := uint16(data[pageHeaderSize+lastIdx*2]) | uint16(data[pageHeaderSize+lastIdx*2+1])<<8
	offset := storedOffset + pageHeaderSize
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetLastKey mirrors nodeGetFirstKey for the largest duplicate in
// a DUPSORT sub-tree leaf.
func nodeGetLastKey(data []byte) []byte {
	lower := uint16(data[12]) | uint16(data[13])<<8
	numEntries := int(lower) >> 1
	lastIdx := numEntries - 1

	storedOffset := uint16(data[pageHeaderSize+lastIdx*2]) | uint16(data[pageHeaderSize+lastIdx*2+1])<<8
	offset := int(storedOffset + pageHeaderSize)
	keySize := int(uint16(data[offset+6]) | uint16(data[offset+7])<<8)
	return data[offset+nodeSize : offset+nodeSize+keySize]
}

func nodeGetFlagsRaw(data []byte, idx int) nodeFlags {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+5 > len(data) {
		return 0
	}
	return nodeFlags(data[offset+4])
}

func nodeGetFlagsUnchecked(data []byte, idx int) nodeFlags {
	offset := pageEntryOffsetUnchecked(data, idx)
	return nodeFlags(data[offset+4])
}

// nodeGetNodeDataUnchecked reads key, flags, and value in one pass
// (one offset computation instead of three), for loops that need all
// three fields of the same node. For a nodeTree node the returned
// nodeData is the embedded subtree record; for a nodeBig node it is
// nil (caller follows the overflow pgno separately).
func nodeGetNodeDataUnchecked(data []byte, idx int) (key []byte, flags nodeFlags, nodeData []byte) {
	offset := pageEntryOffsetUnchecked(data, idx)
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	flags = nodeFlags(data[offset+4])
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8

	keyStart := int(offset) + nodeSize
	key = data[keyStart : keyStart+int(keySize)]

	if flags&nodeBig != 0 {
		return key, flags, nil
	}

	dataStart := keyStart + int(keySize)
	nodeData = data[dataStart : dataStart+int(dataSize)]
	return key, flags, nodeData
}

func nodeGetOverflowPgnoRaw(data []byte, idx int) pgno {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return invalidPgno
	}
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	pgnoOffset := int(offset) + nodeSize + int(keySize)
	if pgnoOffset+4 > len(data) {
		return invalidPgno
	}
	return pgno(
		uint32(data[pgnoOffset]) | uint32(data[pgnoOffset+1])<<8 |
			uint32(data[pgnoOffset+2])<<16 | uint32(data[pgnoOffset+3])<<24,
	)
}

func nodeGetDataSizeRaw(data []byte, idx int) uint32 {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+4 > len(data) {
		return 0
	}
	return uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
}

// ============== *page accessors with no bounds checking at all ==============
//
// These skip even the []byte-length checks above: the caller (binary
// search inner loops, mostly) must already know 0 <= idx < numEntries.

// nodeGetKeyFast is the fastest key read available, used by the binary
// search loop in searching.go once it has already bounded idx.
func nodeGetKeyFast(p *page, idx int) []byte {
	offset := p.entryOffsetFast(idx)
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	end := offset + nodeSize + uint16(keySize)
	return p.Data[offset+nodeSize : end : end]
}

func nodeGetDataFast(p *page, idx int) []byte {
	offset := p.entryOffsetFast(idx)
	dataSize := uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	dataStart := int(offset) + nodeSize + int(keySize)
	dataEnd := dataStart + int(dataSize)
	return p.Data[dataStart:dataEnd:dataEnd]
}

func nodeGetChildPgnoFast(p *page, idx int) pgno {
	offset := p.entryOffsetFast(idx)
	return pgno(
		uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
			uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24,
	)
}

func nodeGetFlagsFast(p *page, idx int) nodeFlags {
	offset := p.entryOffsetFast(idx)
	return nodeFlags(p.Data[offset+4])
}

// nodeGetKeyFlagsDataFast reads key, flags, and data from a single
// offset computation — the *page analogue of
// nodeGetNodeDataUnchecked, for the fully-bounds-checked-already path.
func nodeGetKeyFlagsDataFast(p *page, idx int) (key []byte, flags nodeFlags, data []byte) {
	offset := p.entryOffsetFast(idx)
	d := p.Data

	dataSize := uint32(d[offset]) | uint32(d[offset+1])<<8 |
		uint32(d[offset+2])<<16 | uint32(d[offset+3])<<24
	flags = nodeFlags(d[offset+4])
	keySize := uint16(d[offset+6]) | uint16(d[offset+7])<<8

	key = d[offset+nodeSize : offset+nodeSize+keySize]
	dataStart := int(offset) + nodeSize + int(keySize)
	data = d[dataStart : dataStart+int(dataSize)]
	return
}
