package anchorkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"
)

// The cursor-op codes below double as a tiny DSL that Get() dispatches
// on; they're plain untyped uint constants rather than a dedicated
// type so callers can pass them as the wire-level op byte without a
// conversion.
const (
	First uint = iota
	FirstDup
	GetBoth
	GetBothRange
	GetCurrent
	GetMultiple
	Last
	LastDup
	Next
	NextDup
	NextMultiple
	NextNoDup
	Prev
	PrevDup
	PrevNoDup
	Set
	SetKey
	SetRange
	PrevMultiple
	SetLowerbound
	SetUpperbound
	LesserThan
)

// CursorOp is kept as an alias so callers written against the typed
// name still compile; new code should just use the uint constants.
type CursorOp = uint

// CursorStackSize bounds how deep a single tree (or dup sub-tree) can
// nest before a cursor runs out of stack slots. 32 levels of a B+tree
// with a realistic fanout covers key counts far beyond anything a
// single store will hold.
const CursorStackSize = 32

// cursorState is the small state machine a cursor moves through:
// never positioned, sitting on a live entry, walked off the end, or
// explicitly invalidated (e.g. its transaction ended).
type cursorState uint8

const (
	cursorUninitialized cursorState = iota
	cursorPointing
	cursorEOF
	cursorInvalid
)

// dupState holds everything needed to resume iterating the duplicate
// values under the current key. DUPSORT stores its duplicates either
// as a full nested sub-tree (isSubTree, walked with its own stack) or
// as a flat inline sub-page (walked by index), so this struct carries
// both representations and only the matching half is ever populated.
type dupState struct {
	initialized bool
	isSubTree   bool
	atFirst     bool
	atLast      bool
	subTree     tree
	subPages    [CursorStackSize]*page
	subPagesBuf [CursorStackSize]page
	subIndices  [CursorStackSize]uint16
	subTop      int8

	subPageData      []byte
	subPageIdx       int
	subPageNum       int
	dupfixSize       int
	nodePositions    []int
	nodePositionsBuf [256]int
}

// Cursor walks a database's B+tree one node at a time, keeping an
// explicit stack of (page, index) pairs rather than recursing so that
// positioning, Next/Prev, and mid-traversal page refreshes (after
// another writer's copy-on-write swaps a page out from under it) are
// all plain iterative code.
type Cursor struct {
	signature int32
	state     cursorState
	top       int8 // Current stack position (-1 = empty)
	dbi       DBI
	txn       *Txn
	tree      *tree

	// Cached mmap data for fast page access (avoids txn indirection)
	mmapData    []byte
	mmapVersion uint64 // Version when mmapData was cached (for stale detection after remap)
	pageSize    uint32
	readOnly    bool   // True if transaction is read-only
	isDupSort   bool   // True if this is a DUPSORT database (cached for fast path)
	afterDelete bool   // True after Del() - next move returns current position
	dirtyMask   uint32 // Bitmask of which stack levels have dirty pages

	// Page stack for tree traversal - pages points to pagesBuf to avoid allocation
	pages       [CursorStackSize]*page
	pagesBuf    [CursorStackSize]page   // Embedded page structs
	pgnoCache   [CursorStackSize]pgno   // Cached page numbers (for safe refresh after mmap remap)
	indices     [CursorStackSize]uint16
	stackDirty  [CursorStackSize]*page  // Inline dirty page cache - avoids tracker lookup
	numExpected [CursorStackSize]uint16 // Expected number of entries (for detecting deletions by other cursors)

	// For DUPSORT: nested cursor state
	subcur *Cursor
	dup    dupState // Tracks position within duplicates

	// Linked list in transaction
	next *Cursor

	// Scratch buffers for building nodes (avoids allocation)
	nodeBuf    [512]byte  // For leaf nodes
	branchBuf  [128]byte  // For branch nodes (smaller, just key + 8 byte header)
	subPageBuf [4096]byte // For building sub-pages (DUPSORT)
	valuesBuf  [64][]byte // For parseSubPageValues (avoids allocation for small dup counts)

	// User context
	userCtx any
}

// cursorSignature tags a live *Cursor so valid() can tell a real
// cursor apart from a zero-valued or freed one without a nil panic.
const cursorSignature int32 = 0x43555253 // "CURS"

// initMmapCache pulls page size and the current mmap byte slice out
// of the owning transaction once, so every later page lookup is a
// direct slice index instead of a chain of pointer hops through c.txn.
func (c *Cursor) initMmapCache() {
	if c.txn == nil {
		return
	}
	c.readOnly = c.txn.flags&uint32(TxnReadOnly) != 0
	c.pageSize = c.txn.env.pageSize
	if c.txn.mmapData == nil {
		c.txn.initMmapCache()
	}
	c.mmapData = c.txn.mmapData
	c.mmapVersion = c.txn.env.mmapVersion
}

// refreshStalePages re-points every non-dirty page on the stack at
// its new mmap address after the environment has grown and remapped
// the data file out from under this cursor.
func (c *Cursor) refreshStalePages() {
	if c.txn == nil || c.txn.env == nil {
		return
	}

	// Update cached mmap data
	if c.txn.env.dataMap != nil {
		c.mmapData = c.txn.env.dataMap.Data()
		c.txn.mmapData = c.mmapData // Update transaction's cache too
	}
	c.mmapVersion = c.txn.env.mmapVersion

	// Refresh page references in the cursor stack
	// Use pgnoCache since p.pageNo() would access the stale mmap
	for i := int8(0); i <= c.top; i++ {
		if c.pages[i] == nil {
			continue
		}
		// Skip dirty pages (they're heap-allocated or newly written to mmap)
		if c.dirtyMask&(1<<i) != 0 {
			continue
		}
		// Get page number from cache (safe even after remap)
		pn := c.pgnoCache[i]
		newData := c.txn.env.getMmapPageData(pn)
		if newData != nil {
			// Refresh the page struct to point to new mmap location
			c.pagesBuf[i].Data = newData
			c.pages[i] = &c.pagesBuf[i]
		}
	}
}

// valid reports whether c is a live, signed cursor still attached to
// a transaction.
func (c *Cursor) valid() bool {
	return c != nil && c.signature == cursorSignature && c.txn != nil
}

// Txn returns the transaction this cursor was opened against.
func (c *Cursor) Txn() *Txn {
	return c.txn
}

// DBI returns the database handle this cursor navigates.
func (c *Cursor) DBI() DBI {
	return c.dbi
}

// Close detaches the cursor from its transaction and returns it to
// the shared cursor pool for reuse.
func (c *Cursor) Close() {
	if c == nil || c.signature != cursorSignature {
		return
	}

	txn := c.txn
	if txn != nil {
		txn.removeCursor(c)
	}

	returnCursor(c)
}

// SetUserCtx attaches caller-defined context to the cursor.
func (c *Cursor) SetUserCtx(ctx any) {
	c.userCtx = ctx
}

// UserCtx returns whatever was last passed to SetUserCtx.
func (c *Cursor) UserCtx() any {
	return c.userCtx
}

// Get positions the cursor per op and returns the key/value found there.
func (c *Cursor) Get(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	if !c.valid() {
		return nil, nil, ErrBadCursorError
	}

	switch op {
	case First:
		return c.first()
	case Last:
		return c.last()
	case Next:
		return c.moveNext()
	case Prev:
		return c.movePrev()
	case GetCurrent:
		return c.getCurrent()
	case Set:
		return c.set(key)
	case SetKey:
		return c.setKey(key)
	case SetRange:
		return c.setRange(key)
	case FirstDup:
		return c.firstDup()
	case LastDup:
		return c.lastDup()
	case NextDup:
		return c.nextDup()
	case PrevDup:
		return c.prevDup()
	case NextNoDup:
		return c.nextNoDup()
	case PrevNoDup:
		return c.prevNoDup()
	case GetBoth:
		return c.getBoth(key, value)
	case GetBothRange:
		return c.getBothRange(key, value)
	case SetLowerbound:
		return c.setLowerbound(key, value)
	case SetUpperbound:
		return c.setUpperbound(key, value)
	default:
		return nil, nil, NewError(ErrInvalid)
	}
}

// Put writes key/value at (or relative to, per flags) the cursor's
// current position.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if !c.valid() {
		return ErrBadCursorError
	}

	if c.txn.flags&uint32(TxnReadOnly) != 0 {
		return NewError(ErrPermissionDenied)
	}

	return c.put(key, value, flags)
}

// Del removes the entry the cursor currently sits on.
func (c *Cursor) Del(flags uint) error {
	if !c.valid() {
		return ErrBadCursorError
	}

	if c.txn.flags&uint32(TxnReadOnly) != 0 {
		return NewError(ErrPermissionDenied)
	}

	if c.state != cursorPointing {
		return ErrNotFoundError
	}

	return c.del(flags)
}

// Count reports how many duplicate values exist under the current
// key; non-DUPSORT databases always report 1.
func (c *Cursor) Count() (uint64, error) {
	if !c.valid() {
		return 0, ErrBadCursorError
	}

	if c.state != cursorPointing {
		return 0, ErrNotFoundError
	}

	if c.tree.Flags&uint16(DupSort) == 0 {
		return 1, nil
	}

	return c.countDuplicates()
}

// EOF reports whether the cursor has walked past the last entry.
func (c *Cursor) EOF() bool {
	return c.state == cursorEOF
}

// OnFirst reports whether the cursor sits on the first key in the tree.
func (c *Cursor) OnFirst() bool {
	if c.state != cursorPointing {
		return false
	}
	return c.isFirst()
}

// OnLast reports whether the cursor sits on the last key in the tree.
func (c *Cursor) OnLast() bool {
	if c.state != cursorPointing {
		return false
	}
	return c.isLast()
}

// Everything below Get/Put/Del/Count is the cursor's private
// machinery: stack management, page refresh after concurrent COW,
// tree search, and the DUPSORT sub-tree/sub-page navigation that
// backs the *Dup operations.

// currentPage returns the page at the top of the cursor's stack, or
// nil if the stack is empty.
func (c *Cursor) currentPage() *page {
	if c.top < 0 {
		return nil
	}
	return c.pages[c.top]
}

// currentIndex returns the entry index at the top of the stack.
func (c *Cursor) currentIndex() uint16 {
	if c.top < 0 {
		return 0
	}
	return c.indices[c.top]
}

// pushPage descends one level into the tree, recording p as the new
// top-of-stack entry at index idx.
func (c *Cursor) pushPage(p *page, idx uint16) error {
	if c.top >= CursorStackSize-1 {
		return ErrCursorFullError
	}
	c.top++
	c.pages[c.top] = p
	c.indices[c.top] = idx
	return nil
}

// pushPageByPgno is pushPage's allocation-free cousin: it resolves pn
// straight off the mmap (or the dirty tracker for a write txn) into
// the stack's own pagesBuf slot instead of taking a pointer the caller
// already allocated.
func (c *Cursor) pushPageByPgno(pn pgno, idx uint16) error {
	if c.top >= CursorStackSize-1 {
		return ErrCursorFullError
	}
	c.top++

	// Clear dirty state for this level since we're pushing a new page
	// This is critical when navigating to a different page at the same level
	levelBit := uint32(1) << c.top
	c.dirtyMask &^= levelBit
	c.stackDirty[c.top] = nil

	// Fast path for read-only transactions: direct mmap access
	if c.readOnly && c.mmapData != nil {
		offset := uint64(pn) * uint64(c.pageSize)
		c.pagesBuf[c.top].Data = c.mmapData[offset : offset+uint64(c.pageSize)]
		c.pages[c.top] = &c.pagesBuf[c.top]
	} else {
		// Fallback for write transactions - also tracks dirty pages
		buf := &c.pagesBuf[c.top]
		p := c.txn.fillPageHotPath(pn, buf)
		c.pages[c.top] = p
		// If returned page is not our buffer, it's a dirty page from txn
		if p != buf {
			c.dirtyMask |= levelBit
		}
	}
	c.indices[c.top] = idx
	// Record expected number of entries for detecting deletions by other cursors
	c.numExpected[c.top] = uint16(c.pages[c.top].numEntriesFast())
	return nil
}

// popPage ascends one level, returning the page/index that was on top.
func (c *Cursor) popPage() (*page, uint16) {
	if c.top < 0 {
		return nil, 0
	}
	p := c.pages[c.top]
	idx := c.indices[c.top]
	c.top--
	return p, idx
}

// DebugPrune and DebugCursor gate verbose stderr tracing of the stack
// repair paths below; left off in normal operation.
var DebugPrune = false
var DebugCursor = false

// refreshPage re-validates the page at the top of the stack before
// any read or move touches it. A write transaction can have other
// cursors triggering copy-on-write underneath this one, so the page
// this cursor last saw may have since been superseded by a dirty
// copy, or had entries removed out from under its saved index.
// Reports whether anything changed.
func (c *Cursor) refreshPage() bool {
	if c.top < 0 || c.readOnly {
		return false
	}

	// Check if tree root changed (another cursor did COW and replaced the root)
	// In this case, our entire page stack is stale and needs to be refreshed.
	if c.top >= 0 && c.pages[0].pageNo() != c.tree.Root {
		if DebugPrune {
			fmt.Printf("refreshPage: root changed %d -> %d\n", c.pages[0].pageNo(), c.tree.Root)
		}
		c.refreshStackFromRoot()
		// After refreshing stack, check if we're still at a valid position
		if c.top < 0 {
			return true
		}
	}

	p := c.pages[c.top]
	pn := p.pageNo()

	// Check if there's a dirty version of this page
	if dirty := c.txn.dirtyTracker.get(pn); dirty != nil && dirty != p {
		// Another cursor modified this page - update our reference
		c.pages[c.top] = dirty
		c.dirtyMask |= uint32(1) << c.top
		c.stackDirty[c.top] = dirty
		p = dirty
	}

	// Check if entries were deleted by comparing current count with expected
	newNumEntries := uint16(p.numEntriesFast())
	expectedNum := c.numExpected[c.top]

	if newNumEntries < expectedNum {
		// Entries were deleted - need to adjust cursor behavior
		idx := c.indices[c.top]
		if idx < newNumEntries {
			// Entry was deleted before or at our position, entries shifted down
			// Our index now points to what was the NEXT entry
			// Set afterDelete so Next() returns current instead of advancing
			c.afterDelete = true
		}
		// If idx >= newNumEntries, we're past the end - let moveNext handle it
		// by popping pages and trying to find the next entry
		// Update expected count
		c.numExpected[c.top] = newNumEntries
		return true
	}
	return false
}

// refreshStackFromRoot rebuilds the entire page stack from the tree's
// (possibly new) root when refreshPage finds the root pgno has moved
// out from under this cursor. It walks down re-applying the same
// per-level indices, which is only an approximation of "the same
// position" if entries were deleted along the way — so it also sets
// afterDelete so the next move returns the now-current entry instead
// of skipping past it.
func (c *Cursor) refreshStackFromRoot() {
	if c.top < 0 || c.tree.isEmpty() {
		c.state = cursorEOF
		return
	}

	// Save current indices and expected counts to detect deletions
	savedTop := c.top
	savedIndices := c.indices
	savedNumExpected := c.numExpected

	if DebugPrune {
		fmt.Printf("refreshStackFromRoot: savedTop=%d, savedIndices[0]=%d, savedNumExpected[0]=%d, tree.Height=%d\n",
			savedTop, savedIndices[0], savedNumExpected[0], c.tree.Height)
	}

	// Clear dirty state
	for i := int8(0); i <= savedTop; i++ {
		c.stackDirty[i] = nil
	}
	c.dirtyMask = 0

	// Start from new root
	c.top = 0
	rootPage := c.txn.fillPageHotPath(c.tree.Root, &c.pagesBuf[0])
	c.pages[0] = rootPage
	newNumEntries := uint16(rootPage.numEntriesFast())

	if DebugPrune {
		fmt.Printf("refreshStackFromRoot: newNumEntries=%d, isLeaf=%v\n", newNumEntries, rootPage.isLeaf())
	}

	// Check if tree height collapsed (was multi-level, now single level)
	// In this case, the cursor's saved position refers to a different tree structure.
	// The old leaf page may have been freed or merged.
	// Position at the start of the new root - this is where iteration should continue.
	if rootPage.isLeaf() && savedTop > 0 {
		if DebugPrune {
			fmt.Printf("refreshStackFromRoot: TREE COLLAPSED! Positioning at start of new root (entries=%d)\n",
				newNumEntries)
		}

		if newNumEntries == 0 {
			c.indices[0] = 0
			c.numExpected[0] = 0
			c.state = cursorEOF
			return
		}

		// Position at first entry - this is the "next" entry after the deletion
		c.indices[0] = 0
		c.numExpected[0] = newNumEntries
		c.afterDelete = true // Current position IS the next entry
		return
	}

	// Normal case: tree didn't collapse, use savedIndices[0] for root
	// Detect if entries were deleted by comparing old vs new entry counts
	// If entries were deleted and our index is still valid, the entry at our index
	// is now the "next" entry, so we should set afterDelete=true.
	if newNumEntries < savedNumExpected[0] && int(savedIndices[0]) < int(newNumEntries) {
		if DebugPrune {
			fmt.Printf("refreshStackFromRoot: setting afterDelete=true (deletion detected)\n")
		}
		c.afterDelete = true
	}
	c.numExpected[0] = newNumEntries

	// Adjust index if it's now out of bounds
	if int(savedIndices[0]) >= int(newNumEntries) {
		if newNumEntries > 0 {
			c.indices[0] = newNumEntries - 1
			if DebugPrune {
				fmt.Printf("refreshStackFromRoot: index adjusted to %d (was out of bounds)\n", c.indices[0])
			}
		} else {
			c.indices[0] = 0
			c.state = cursorEOF
			return
		}
		// Index was adjusted, but this doesn't mean we're at "next" - we're past the end
		// afterDelete should be false here to trigger navigation to parent in moveNext
	} else {
		c.indices[0] = savedIndices[0]
	}

	// Descend following the saved indices
	for level := int8(1); level <= savedTop; level++ {
		parentPage := c.pages[c.top]
		if parentPage.isLeaf() {
			// We've reached a leaf - done descending
			break
		}

		parentIdx := c.indices[c.top]
		if int(parentIdx) >= parentPage.numEntriesFast() {
			// Parent index is out of bounds, we're at the end
			break
		}

		childPgno := c.getChildPgno(parentPage, int(parentIdx))
		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			c.state = cursorEOF
			return
		}

		// Adjust child index and detect deletions
		childPage := c.pages[c.top]
		childNumEntries := uint16(childPage.numEntriesFast())

		// Detect deletions at this level
		if childNumEntries < savedNumExpected[level] && int(savedIndices[level]) < int(childNumEntries) {
			c.afterDelete = true
		}
		c.numExpected[c.top] = childNumEntries

		if int(savedIndices[level]) >= int(childNumEntries) {
			if childNumEntries > 0 {
				c.indices[c.top] = childNumEntries - 1
			} else {
				c.indices[c.top] = 0
			}
		} else {
			c.indices[c.top] = savedIndices[level]
		}
	}
}

// reset drops the cursor back to an empty, unpositioned stack ahead
// of a fresh First/Last/Set.
func (c *Cursor) reset() {
	// Clear stackDirty entries that were used (avoid clearing entire array)
	// Only clear if top was valid (>= 0)
	if c.top >= 0 {
		for i := int8(0); i <= c.top; i++ {
			c.stackDirty[i] = nil
		}
	}
	// Don't nil pages[i] - they're pre-initialized to &pagesBuf[i]
	// For write txns with dirty pages, the pointers will be overwritten on next push
	c.top = -1
	c.state = cursorUninitialized
	c.afterDelete = false
	c.dirtyMask = 0
	c.clearDupState()
}

// first descends from the tree root to the leftmost leaf.
func (c *Cursor) first() ([]byte, []byte, error) {
	c.reset()

	if c.tree.isEmpty() {
		c.state = cursorEOF
		return nil, nil, ErrNotFoundError
	}

	// Start at root using embedded buffer (no allocation)
	c.top = 0
	rootPage := c.txn.fillPageHotPath(c.tree.Root, &c.pagesBuf[0])
	c.pages[0] = rootPage
	c.indices[0] = 0
	c.numExpected[0] = uint16(rootPage.numEntriesFast())

	// Descend to leftmost leaf using embedded buffers
	for rootPage.isBranchFast() {
		childPgno := c.getChildPgno(rootPage, 0)
		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			return nil, nil, err
		}
		rootPage = c.pages[c.top]
	}

	if rootPage.numEntriesFast() == 0 {
		c.state = cursorEOF
		return nil, nil, ErrNotFoundError
	}

	c.state = cursorPointing
	return c.getCurrent()
}

// last descends from the tree root to the rightmost leaf, then (for a
// DUPSORT tree) into the last duplicate of the last key.
func (c *Cursor) last() ([]byte, []byte, error) {
	c.reset()

	if c.tree.isEmpty() {
		c.state = cursorEOF
		return nil, nil, ErrNotFoundError
	}

	// Start at root using embedded buffer (no allocation)
	c.top = 0
	rootPage := c.txn.fillPageHotPath(c.tree.Root, &c.pagesBuf[0])
	c.pages[0] = rootPage
	lastIdx := uint16(rootPage.numEntriesFast() - 1)
	c.indices[0] = lastIdx
	c.numExpected[0] = uint16(rootPage.numEntriesFast())

	// Descend to rightmost leaf using embedded buffers
	for rootPage.isBranchFast() {
		childPgno := c.getChildPgno(rootPage, int(lastIdx))
		c.top++
		rootPage = c.txn.fillPageHotPath(childPgno, &c.pagesBuf[c.top])
		c.pages[c.top] = rootPage
		lastIdx = uint16(rootPage.numEntriesFast() - 1)
		c.indices[c.top] = lastIdx
		c.numExpected[c.top] = uint16(rootPage.numEntriesFast())
	}

	c.state = cursorPointing

	// For DUPSORT tables, position at the last duplicate
	if c.tree.Flags&uint16(DupSort) != 0 {
		return c.lastDup()
	}

	return c.getCurrent()
}

// moveNext advances to the next entry: the next duplicate if one is
// pending under a DUPSORT key, otherwise the next key in tree order,
// found by walking up the stack until a page has an unvisited slot to
// its right and then descending back to a leaf.
func (c *Cursor) moveNext() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.first()
	}

	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// Check if another cursor modified our page - this may set afterDelete
	c.refreshPage()

	// After delete, cursor is already at the "next" position - just return current
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}

	// For DUPSORT tables, try to move to next duplicate first
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 && c.dup.initialized {
		// Try to move to next duplicate
		if c.dup.isSubTree {
			k, v, err := c.dupSubTreeNext()
			if err == nil {
				return k, v, nil
			}
		} else {
			// Inline sub-page: increment index
			if c.dup.subPageIdx+1 < c.dup.subPageNum {
				c.dup.subPageIdx++
				return c.getCurrent()
			}
		}
		// No more duplicates, fall through to move to next key
	}

	// Clear dup state when moving to a new key
	c.clearDupState()

	// Move to next position in main tree
	// Save current position in case we need to restore it
	savedTop := c.top
	savedIndices := c.indices

	for c.top >= 0 {
		// Refresh page in case another cursor modified it
		c.refreshPage()

		p := c.pages[c.top]
		idx := c.indices[c.top]

		if int(idx)+1 < p.numEntriesFast() {
			// Move to next entry on this page
			c.indices[c.top] = idx + 1

			// If branch, descend to leftmost leaf
			if p.isBranchFast() {
				return c.descendLeft()
			}

			return c.getCurrent()
		}

		// No more entries on this page, go up
		c.popPage()
	}

	// Reached the end - restore cursor to last valid position
	// This matches libmdbx behavior: cursor stays at last entry when Next returns NOTFOUND
	// Keep state as cursorPointing so Prev() works correctly from this position
	c.top = savedTop
	c.indices = savedIndices
	// Don't change state - cursor is still pointing at a valid entry
	return nil, nil, ErrNotFoundError
}

// movePrev is moveNext's mirror image: walks duplicates backward
// first, then ascends/descends to the previous key when duplicates
// are exhausted.
func (c *Cursor) movePrev() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.last()
	}

	// At EOF, Prev should position at the last entry (matches libmdbx behavior)
	if c.state == cursorEOF {
		return c.last()
	}

	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// After delete, cursor is already at the correct position - just return current
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}

	// For DUPSORT tables, try to move to previous duplicate first
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
		// If atLast is set but not initialized (from lastDup), initialize at last position
		if !c.dup.initialized && c.dup.atLast {
			if err := c.initDupStateAtLast(); err == nil {
				// Now we can try prevDup
			}
		}

		if c.dup.initialized {
			// Try to move to previous duplicate
			if c.dup.isSubTree {
				k, v, err := c.dupSubTreePrev()
				if err == nil {
					return k, v, nil
				}
			} else {
				// Inline sub-page: decrement index
				if c.dup.subPageIdx > 0 {
					c.dup.subPageIdx--
					c.dup.atFirst = false
					c.dup.atLast = false
					return c.getCurrent()
				}
			}
			// No more duplicates, fall through to move to previous key
		}
	}

	// Clear dup state when moving to a new key
	c.clearDupState()

	// Move to previous position in main tree
	for c.top >= 0 {
		// Refresh page in case another cursor modified it
		c.refreshPage()

		p := c.pages[c.top]
		idx := c.indices[c.top]

		if idx > 0 {
			// Move to previous entry on this page
			c.indices[c.top] = idx - 1

			// If branch, descend to rightmost leaf
			if p.isBranchFast() {
				k, v, err := c.descendRight()
				if err != nil {
					return k, v, err
				}
				// For DUPSORT databases, position on LAST duplicate of this key
				if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
					return c.lastDup()
				}
				return k, v, nil
			}

			// For DUPSORT databases, position on LAST duplicate of this key
			if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
				return c.lastDup()
			}
			return c.getCurrent()
		}

		// No more entries on this page, go up
		c.popPage()
	}

	// Reached the beginning
	c.state = cursorEOF
	return nil, nil, ErrNotFoundError
}

// getCurrent reads the key/value the cursor is parked on, resolving
// overflow pages for large values and dup sub-tree/sub-page lookups
// for DUPSORT keys, all through the zero-allocation node accessors.
func (c *Cursor) getCurrent() ([]byte, []byte, error) {
	if c.state != cursorPointing || c.top < 0 {
		return nil, nil, ErrNotFoundError
	}

	// Refresh page in case another cursor modified it
	c.refreshPage()

	p := c.pages[c.top]
	idx := int(c.indices[c.top])

	if idx >= p.numEntriesFast() {
		return nil, nil, ErrNotFoundError
	}

	// Use allocation-free direct access methods
	key := nodeGetKeyDirect(p, idx)
	if key == nil {
		return nil, nil, ErrCorruptedError
	}

	flags := nodeGetFlagsDirect(p, idx)
	data := nodeGetDataDirect(p, idx)

	// Handle large values
	if flags&nodeBig != 0 {
		overflowPgno := nodeGetOverflowPgnoDirect(p, idx)
		dataSize := nodeGetDataSizeDirect(p, idx)
		data, _ = c.txn.getLargeData(overflowPgno, dataSize)
	}

	// Handle DUPSORT: use cached flag for fast path
	if c.isDupSort {
		// If node has N_TREE flag, use sub-tree
		if flags&nodeTree != 0 && len(data) >= 48 {
			// Initialize or use existing dup state
			if !c.dup.initialized {
				if err := c.initDupSubTree(data); err != nil {
					return nil, nil, err
				}
			}
			subValue, err := c.getDupValue()
			if err != nil {
				return nil, nil, err
			}
			return key, subValue, nil
		}

		// If node has N_DUP flag (inline sub-page)
		if flags&nodeDup != 0 && flags&nodeTree == 0 && len(data) >= 16 {
			// Initialize or use existing dup state
			if !c.dup.initialized {
				if err := c.initDupSubPage(data); err != nil {
					return nil, nil, err
				}
			}
			subValue, err := c.getDupValue()
			if err != nil {
				return nil, nil, err
			}
			return key, subValue, nil
		}
	}

	return key, data, nil
}

// clearDupState forgets the cursor's position within any DUPSORT
// duplicate set; the next getCurrent call re-derives it from scratch,
// so there's nothing else here to zero.
func (c *Cursor) clearDupState() {
	c.dup.initialized = false
}

// initDupSubTree parses an embedded sub-tree record (the on-disk
// representation DUPSORT uses once a key's duplicates outgrow an
// inline sub-page) and descends it to the first leaf.
func (c *Cursor) initDupSubTree(treeData []byte) error {
	if len(treeData) < 48 {
		return ErrCorruptedError
	}

	// Parse Tree structure into embedded buffer to avoid allocation
	c.dup.subTree = tree{
		Flags:  uint16(treeData[0]) | uint16(treeData[1])<<8,
		Height: uint16(treeData[2]) | uint16(treeData[3])<<8,
		Root: pgno(
			uint32(treeData[8]) | uint32(treeData[9])<<8 |
				uint32(treeData[10])<<16 | uint32(treeData[11])<<24),
		Items: uint64(treeData[32]) | uint64(treeData[33])<<8 |
			uint64(treeData[34])<<16 | uint64(treeData[35])<<24 |
			uint64(treeData[36])<<32 | uint64(treeData[37])<<40 |
			uint64(treeData[38])<<48 | uint64(treeData[39])<<56,
	}

	if c.dup.subTree.Root == invalidPgno {
		return ErrNotFoundError
	}

	c.dup.isSubTree = true
	c.dup.subTop = 0

	// Navigate to first leaf in sub-tree using embedded page buffers (no allocation)
	subPage := c.txn.fillPageHotPath(c.dup.subTree.Root, &c.dup.subPagesBuf[0])
	c.dup.subPages[0] = subPage
	c.dup.subIndices[0] = 0

	// Descend to leftmost leaf
	for subPage.isBranchFast() {
		childPgno := c.getChildPgno(subPage, 0)
		c.dup.subTop++
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = subPage
		c.dup.subIndices[c.dup.subTop] = 0
	}

	c.dup.initialized = true
	c.dup.atFirst = true
	c.dup.atLast = false
	return nil
}

// initDupSubPage parses a small DUPSORT duplicate set that's still
// stored inline as a flat sub-page (20-byte header, then either
// fixed-size DUPFIX values or a table of node offsets) rather than
// having been promoted to its own sub-tree.
func (c *Cursor) initDupSubPage(subPageData []byte) error {
	if len(subPageData) < 20 {
		return ErrCorruptedError
	}

	c.dup.isSubTree = false
	c.dup.subPageData = subPageData
	c.dup.subPageIdx = 0

	// Parse sub-page header using unsafe for speed
	ptr := unsafe.Pointer(&subPageData[0])
	dupfixKsize := int(*(*uint16)(unsafe.Add(ptr, 8)))
	flags := *(*uint16)(unsafe.Add(ptr, 10))
	lower := int(*(*uint16)(unsafe.Add(ptr, 12)))

	// Check for DUPFIX format (P_DUPFIX = 0x20)
	if (flags&uint16(pageDupfix) != 0) && dupfixKsize > 0 && dupfixKsize < 65535 {
		// DUPFIX: fixed-size values after 20-byte header
		c.dup.dupfixSize = dupfixKsize
		c.dup.subPageNum = (len(subPageData) - pageHeaderSize) / dupfixKsize
		c.dup.nodePositions = nil
	} else if lower > 0 && lower < len(subPageData) {
		// Variable-size: lower = numEntries * 2
		numEntries := lower / 2
		c.dup.dupfixSize = 0

		// Use pre-allocated buffer if possible (reuse without zeroing)
		if numEntries <= len(c.dup.nodePositionsBuf) {
			c.dup.nodePositions = c.dup.nodePositionsBuf[:numEntries]
		} else {
			c.dup.nodePositions = make([]int, numEntries)
		}

		// Read entry pointers using unsafe - eliminates bounds checking
		entryPtr := unsafe.Add(ptr, pageHeaderSize)
		for i := 0; i < numEntries; i++ {
			storedOffset := int(*(*uint16)(entryPtr))
			c.dup.nodePositions[i] = storedOffset + pageHeaderSize
			entryPtr = unsafe.Add(entryPtr, 2)
		}
		c.dup.subPageNum = numEntries
	} else {
		c.dup.subPageNum = 0
		c.dup.dupfixSize = 0
		c.dup.nodePositions = nil
	}

	c.dup.initialized = true
	c.dup.atFirst = true
	c.dup.atLast = false
	return nil
}

// initDupSubTreeLast is initDupSubTree but descends to the rightmost
// leaf instead of the leftmost, for LastDup/Last positioning.
func (c *Cursor) initDupSubTreeLast(treeData []byte) error {
	if len(treeData) < 48 {
		return ErrCorruptedError
	}

	// Parse Tree structure into embedded buffer to avoid allocation
	c.dup.subTree = tree{
		Flags:  uint16(treeData[0]) | uint16(treeData[1])<<8,
		Height: uint16(treeData[2]) | uint16(treeData[3])<<8,
		Root: pgno(
			uint32(treeData[8]) | uint32(treeData[9])<<8 |
				uint32(treeData[10])<<16 | uint32(treeData[11])<<24),
		Items: uint64(treeData[32]) | uint64(treeData[33])<<8 |
			uint64(treeData[34])<<16 | uint64(treeData[35])<<24 |
			uint64(treeData[36])<<32 | uint64(treeData[37])<<40 |
			uint64(treeData[38])<<48 | uint64(treeData[39])<<56,
	}

	if c.dup.subTree.Root == invalidPgno {
		return ErrNotFoundError
	}

	c.dup.isSubTree = true
	c.dup.subTop = 0

	// Navigate to last leaf in sub-tree using embedded page buffers (no allocation)
	subPage := c.txn.fillPageHotPath(c.dup.subTree.Root, &c.dup.subPagesBuf[0])
	c.dup.subPages[0] = subPage

	// Descend to rightmost leaf (last entry on each level)
	for subPage.isBranchFast() {
		lastIdx := uint16(subPage.numEntriesFast() - 1)
		c.dup.subIndices[c.dup.subTop] = lastIdx
		childPgno := c.getChildPgno(subPage, int(lastIdx))
		c.dup.subTop++
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = subPage
	}

	// Position at last entry in the leaf
	lastIdx := uint16(subPage.numEntriesFast() - 1)
	c.dup.subIndices[c.dup.subTop] = lastIdx

	c.dup.initialized = true
	c.dup.atFirst = false
	c.dup.atLast = true
	return nil
}

// initDupSubPageLast is initDupSubPage but leaves the cursor parked
// on the last entry of the sub-page, for LastDup/Last positioning.
func (c *Cursor) initDupSubPageLast(subPageData []byte) error {
	if len(subPageData) < 20 {
		return ErrCorruptedError
	}

	c.dup.isSubTree = false
	c.dup.subPageData = subPageData

	// Parse sub-page header using unsafe for speed
	ptr := unsafe.Pointer(&subPageData[0])
	dupfixKsize := int(*(*uint16)(unsafe.Add(ptr, 8)))
	flags := *(*uint16)(unsafe.Add(ptr, 10))
	lower := int(*(*uint16)(unsafe.Add(ptr, 12)))

	// Check for DUPFIX format (P_DUPFIX = 0x20)
	if (flags&uint16(pageDupfix) != 0) && dupfixKsize > 0 && dupfixKsize < 65535 {
		// DUPFIX: fixed-size values after 20-byte header
		c.dup.dupfixSize = dupfixKsize
		c.dup.subPageNum = (len(subPageData) - pageHeaderSize) / dupfixKsize
		c.dup.nodePositions = nil
		// Position at last entry
		c.dup.subPageIdx = c.dup.subPageNum - 1
		if c.dup.subPageIdx < 0 {
			c.dup.subPageIdx = 0
		}
	} else if lower > 0 && lower < len(subPageData) {
		// Variable-size: lower = numEntries * 2
		numEntries := lower / 2
		c.dup.dupfixSize = 0

		// Use pre-allocated buffer if possible (reuse without zeroing)
		if numEntries <= len(c.dup.nodePositionsBuf) {
			c.dup.nodePositions = c.dup.nodePositionsBuf[:numEntries]
		} else {
			c.dup.nodePositions = make([]int, numEntries)
		}

		// Read entry pointers using unsafe - eliminates bounds checking
		entryPtr := unsafe.Add(ptr, pageHeaderSize)
		for i := 0; i < numEntries; i++ {
			storedOffset := int(*(*uint16)(entryPtr))
			c.dup.nodePositions[i] = storedOffset + pageHeaderSize
			entryPtr = unsafe.Add(entryPtr, 2)
		}
		c.dup.subPageNum = numEntries
		// Position at last entry
		c.dup.subPageIdx = numEntries - 1
		if c.dup.subPageIdx < 0 {
			c.dup.subPageIdx = 0
		}
	} else {
		c.dup.subPageNum = 0
		c.dup.dupfixSize = 0
		c.dup.nodePositions = nil
		c.dup.subPageIdx = 0
	}

	c.dup.initialized = true
	c.dup.atFirst = false
	c.dup.atLast = true
	return nil
}

// getDupValue reads the duplicate value at the dup cursor's current
// position, whichever of the sub-tree or sub-page representations is
// active.
func (c *Cursor) getDupValue() ([]byte, error) {
	if !c.dup.initialized {
		return nil, ErrNotFoundError
	}

	if c.dup.isSubTree {
		// Get value from sub-tree
		if c.dup.subTop < 0 {
			return nil, ErrNotFoundError
		}
		subPage := c.dup.subPages[c.dup.subTop]
		subIdx := int(c.dup.subIndices[c.dup.subTop])

		// Use fast path - bounds already verified during initialization
		// In sub-trees, the key IS the duplicate value
		return nodeGetKeyFast(subPage, subIdx), nil
	}

	// Get value from inline sub-page
	if c.dup.subPageIdx >= c.dup.subPageNum {
		return nil, ErrNotFoundError
	}

	if c.dup.dupfixSize > 0 {
		// DUPFIX: fixed-size values stored contiguously after 20-byte header
		start := 20 + c.dup.subPageIdx*c.dup.dupfixSize
		end := start + c.dup.dupfixSize
		if end > len(c.dup.subPageData) {
			return nil, ErrCorruptedError
		}
		// Use three-index slice to cap capacity at length
		return c.dup.subPageData[start:end:end], nil
	}

	// Variable-size sub-page: use pre-scanned node positions
	// Nodes are stored in nodePositions array in ascending sorted order
	// (index 0 = smallest value, index N-1 = largest value)

	if c.dup.nodePositions == nil || c.dup.subPageIdx >= len(c.dup.nodePositions) {
		return nil, ErrCorruptedError
	}

	nodePos := c.dup.nodePositions[c.dup.subPageIdx]

	// MDBX format: 8-byte node header (dataSize:4 + flags:1 + extra:1 + keySize:2)
	// Entry pointers point to NODE START
	if nodePos+8 > len(c.dup.subPageData) {
		return nil, ErrCorruptedError
	}
	keySize := int(uint16(c.dup.subPageData[nodePos+6]) | uint16(c.dup.subPageData[nodePos+7])<<8)
	valueStart := nodePos + 8
	valueEnd := valueStart + keySize
	// Allow keySize=0 for empty duplicate values
	if keySize >= 0 && keySize < 4096 && valueEnd <= len(c.dup.subPageData) {
		// Use three-index slice to cap capacity at length
		return c.dup.subPageData[valueStart:valueEnd:valueEnd], nil
	}

	return nil, ErrCorruptedError
}

// getFirstSubTreeValue reads a DUPSORT sub-tree's smallest value
// without touching the dup cursor's stack state, descending straight
// through mmap'd bytes via unsafe pointer arithmetic when the owning
// transaction is read-only (the common case for a single lookup that
// doesn't need to iterate further).
func (c *Cursor) getFirstSubTreeValue(treeData []byte) ([]byte, error) {
	// Parse Tree structure - height at offset 2-3, root at offset 8-11
	treePtr := unsafe.Pointer(&treeData[0])
	height := int(*(*uint16)(unsafe.Add(treePtr, 2)))
	subRoot := pgno(*(*uint32)(unsafe.Add(treePtr, 8)))

	if subRoot == invalidPgno {
		return nil, ErrNotFoundError
	}

	// Fast path for read-only transactions: direct mmap access
	if c.readOnly && c.mmapData != nil {
		pageSize := uint64(c.pageSize)
		offset := uint64(subRoot) * pageSize
		pagePtr := unsafe.Pointer(&c.mmapData[offset])

		// Descend height-1 levels using unsafe pointer arithmetic
		for level := 1; level < height; level++ {
			// Entry 0 offset at HeaderSize (20) - read uint16 little-endian
			storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20))
			nodeOffset := uintptr(storedOffset + 20)
			// Child pgno is first 4 bytes of node
			childPgno := uint64(*(*uint32)(unsafe.Add(pagePtr, nodeOffset)))
			offset = childPgno * pageSize
			pagePtr = unsafe.Pointer(&c.mmapData[offset])
		}

		// Get first key from leaf - for DUPSORT sub-trees, the "key" is the value
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20))
		nodeOffset := uintptr(storedOffset + 20)
		keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
		keyStart := unsafe.Add(pagePtr, nodeOffset+8)
		return unsafe.Slice((*byte)(keyStart), keySize), nil
	}

	// Fallback for write transactions: use fillPageHotPath to handle dirty pages
	subPage := c.txn.fillPageHotPath(subRoot, &c.dup.subPagesBuf[0])
	pageData := subPage.Data
	pagePtr := unsafe.Pointer(&pageData[0])

	// Descend height-1 levels using unsafe pointer arithmetic
	for level := 1; level < height; level++ {
		// Entry 0 offset at HeaderSize (20) - read uint16 little-endian
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20))
		nodeOffset := uintptr(storedOffset + 20)
		// Child pgno is first 4 bytes of node
		childPgno := pgno(*(*uint32)(unsafe.Add(pagePtr, nodeOffset)))
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[0])
		pageData = subPage.Data
		pagePtr = unsafe.Pointer(&pageData[0])
	}

	// Get first key from leaf - for DUPSORT sub-trees, the "key" is the value
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20))
	nodeOffset := uintptr(storedOffset + 20)
	// Key size is at node+6 (2 bytes)
	keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
	// Key data starts at node+8
	keyStart := unsafe.Add(pagePtr, nodeOffset+8)
	return unsafe.Slice((*byte)(keyStart), keySize), nil
}

// getFirstSubPageValue is getFirstSubTreeValue's counterpart for a
// duplicate set still stored as a flat inline sub-page.
func (c *Cursor) getFirstSubPageValue(subPageData []byte) ([]byte, error) {
	if len(subPageData) < pageHeaderSize {
		return nil, ErrCorruptedError
	}

	// Sub-page header is 20 bytes (same as regular page)
	dupfixKsize := int(uint16(subPageData[8]) | uint16(subPageData[9])<<8)
	flags := uint16(subPageData[10]) | uint16(subPageData[11])<<8
	lower := int(uint16(subPageData[12]) | uint16(subPageData[13])<<8)

	// Check for DUPFIX (fixed-size values)
	if (flags&uint16(pageDupfix) != 0) && dupfixKsize > 0 && dupfixKsize < 65535 {
		// DUPFIX: values are stored directly after 20-byte header
		end := pageHeaderSize + dupfixKsize
		if len(subPageData) >= end {
			// Use three-index slice to cap capacity at length
			return subPageData[pageHeaderSize:end:end], nil
		}
		return nil, ErrCorruptedError
	}

	// Variable-size values: parse sub-page entries
	numEntries := lower / 2
	if numEntries == 0 || lower <= 0 {
		return nil, ErrNotFoundError
	}

	// Entry pointers start at offset 20
	if len(subPageData) < pageHeaderSize+2 {
		return nil, ErrCorruptedError
	}
	// Get first entry's stored offset
	storedOffset := int(uint16(subPageData[pageHeaderSize]) | uint16(subPageData[pageHeaderSize+1])<<8)
	// Actual node position = storedOffset + pageHeaderSize
	nodePos := storedOffset + pageHeaderSize

	// Read the node (nodeSize-byte header: dataSize:4 + flags:1 + extra:1 + keySize:2)
	if nodePos+nodeSize > len(subPageData) {
		return nil, ErrCorruptedError
	}
	keySize := int(uint16(subPageData[nodePos+6]) | uint16(subPageData[nodePos+7])<<8)
	valueStart := nodePos + nodeSize
	valueEnd := valueStart + keySize
	// Allow keySize=0 for empty duplicate values
	if keySize >= 0 && valueEnd <= len(subPageData) {
		// Use three-index slice to cap capacity at length
		return subPageData[valueStart:valueEnd:valueEnd], nil
	}

	return nil, ErrCorruptedError
}

// set positions on key exactly, failing if it isn't present.
func (c *Cursor) set(key []byte) ([]byte, []byte, error) {
	return c.search(key, false)
}

// setKey is set, kept as a distinct entry point for the Get dispatch
// table; SetKey and Set both return the found key and its value.
func (c *Cursor) setKey(key []byte) ([]byte, []byte, error) {
	return c.search(key, false)
}

// setRange positions on the smallest key >= key, descending into the
// next key entirely if key falls past the end of the current page.
func (c *Cursor) setRange(key []byte) ([]byte, []byte, error) {
	return c.search(key, true)
}

// search is the shared root-to-leaf descent behind Set/SetKey/SetRange:
// binary-search each branch page for the child to follow, then land on
// the leaf's matching (or next, for greaterOrEqual) entry.
func (c *Cursor) search(key []byte, greaterOrEqual bool) ([]byte, []byte, error) {
	c.reset()

	if c.tree.isEmpty() {
		c.state = cursorEOF
		return nil, nil, ErrNotFoundError
	}

	// Start at root using embedded buffer (no allocation)
	c.top = 0
	p := c.txn.fillPageHotPath(c.tree.Root, &c.pagesBuf[0])
	c.pages[0] = p
	// Set numExpected for the root page (not done via pushPageByPgno)
	c.numExpected[0] = uint16(p.numEntriesFast())

	// Search down the tree
	for {
		idx := c.searchPage(p, key)

		if p.isLeafFast() {
			c.indices[c.top] = uint16(idx)

			if idx >= p.numEntriesFast() {
				// Key is larger than all keys on page
				if greaterOrEqual {
					// Try next page via parent
					// Set state to pointing so moveNext can try to advance
					c.state = cursorPointing
					// Position at last valid entry so moveNext works correctly
					if p.numEntriesFast() > 0 {
						c.indices[c.top] = uint16(p.numEntriesFast() - 1)
					}
					return c.moveNext()
				}
				c.state = cursorEOF
				return nil, nil, ErrNotFoundError
			}

			// Check for exact match or greater (use allocation-free method)
			foundKey := nodeGetKeyDirect(p, idx)
			cmp := c.txn.compareKeys(c.dbi, key, foundKey)

			if cmp == 0 || greaterOrEqual {
				c.state = cursorPointing
				return c.getCurrent()
			}

			c.state = cursorEOF
			return nil, nil, ErrNotFoundError
		}

		// Branch page: descend using embedded buffer
		c.indices[c.top] = uint16(idx)
		childPgno := c.getChildPgno(p, idx)

		// Prefetch child page for read-only transactions
		if c.readOnly && c.mmapData != nil {
			offset := uint64(childPgno) * uint64(c.pageSize)
			prefetchPage(c.mmapData[offset : offset+uint64(c.pageSize)])
		}

		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			return nil, nil, err
		}
		p = c.pages[c.top]
	}
}

// searchPage finds key's position within a single page by binary
// search, with a last-entry pre-check so purely-appending workloads
// land in one comparison instead of the full log(n). On a branch
// page entry 0 carries no key of its own (it's the leftmost child
// pointer), so the search only ranges over entries 1..n-1 and falls
// back to 0 for anything smaller than the first separator.
func (c *Cursor) searchPage(p *page, key []byte) int {
	n := p.numEntriesFast()
	if n == 0 {
		return 0
	}

	// Use the bytes.Compare path for the default comparator (most common case)
	if c.txn.dbiUsesDefaultCmp[c.dbi] {
		return c.searchPageAsm(p, key, n)
	}

	// On branch pages, entry 0 has no key (it's the leftmost child pointer).
	// We search entries 1 to n-1 for the key position.
	// If key < entry[1].key, we return 0 (descend to leftmost child).
	if p.isBranchFast() {
		if n == 1 {
			return 0 // Only leftmost child
		}

		// Fast path for append-only workloads: check last entry first
		lastKey := nodeGetKeyFast(p, n-1)
		cmp := c.txn.compareKeys(c.dbi, key, lastKey)
		if cmp > 0 {
			return n - 1 // Key is greater than all separators, use rightmost child
		}
		if cmp == 0 {
			return n - 1
		}

		// Binary search entries 1 to n-1 using fast path
		low, high := 1, n-2 // Already checked n-1
		for low <= high {
			mid := (low + high) / 2
			nodeKey := nodeGetKeyFast(p, mid)
			cmp = c.txn.compareKeys(c.dbi, key, nodeKey)

			if cmp < 0 {
				high = mid - 1
			} else if cmp > 0 {
				low = mid + 1
			} else {
				return mid
			}
		}

		// low is now the insertion point:
		// - If low == 1, key < all separator keys (we exited because high became 0), use entry 0
		// - Otherwise, use entry low-1 (the last entry with key <= search key)
		return low - 1
	}

	// Leaf page: fast path for append-only workloads
	lastKey := nodeGetKeyFast(p, n-1)
	cmp := c.txn.compareKeys(c.dbi, key, lastKey)
	if cmp > 0 {
		return n // Insert after last
	}
	if cmp == 0 {
		return n - 1 // Found at last position
	}

	// Standard binary search from 0 using fast path
	low, high := 0, n-2 // Already checked n-1
	for low <= high {
		mid := (low + high) / 2
		nodeKey := nodeGetKeyFast(p, mid)
		cmp = c.txn.compareKeys(c.dbi, key, nodeKey)

		if cmp < 0 {
			high = mid - 1
		} else if cmp > 0 {
			low = mid + 1
		} else {
			return mid
		}
	}

	return low
}

// searchPageAsm mirrors searchPage but only runs when the DBI uses the
// default byte-lexicographic comparator, comparing through the plain-Go
// getKeyAndCompareAsm helper (bytes.Compare) instead of the generic
// comparator indirection. The 8-byte-key hooks it tries first have no
// native backend in this build and always report -1, so the Go binary
// search below does the work.
func (c *Cursor) searchPageAsm(p *page, key []byte, n int) int {
	// 8-byte key hook: used only if a native search reports a result
	if len(key) == 8 {
		// Convert key to big-endian uint64 for assembly comparison
		key64 := binary.BigEndian.Uint64(key)

		if p.isBranchFast() {
			result := binarySearchBranch8(p.Data, key64, n)
			if result >= 0 {
				return result
			}
			// Fallback if assembly returned -1 (non-8-byte key found in page)
		} else {
			result := binarySearchLeaf8(p.Data, key64, n)
			if result >= 0 {
				return result
			}
		}
	}

	// On branch pages, entry 0 has no key (it's the leftmost child pointer).
	if p.isBranchFast() {
		if n == 1 {
			return 0 // Only leftmost child
		}

		// Fast path for append-only workloads: check last entry first
		cmp := getKeyAndCompareAsm(p.Data, n-1, key)
		if cmp > 0 {
			return n - 1 // Key is greater than all separators, use rightmost child
		}
		if cmp == 0 {
			return n - 1
		}

		// Binary search entries 1 to n-1 using the bytes.Compare helper
		low, high := 1, n-2 // Already checked n-1
		for low <= high {
			mid := (low + high) / 2
			cmp = getKeyAndCompareAsm(p.Data, mid, key)

			if cmp < 0 {
				high = mid - 1
			} else if cmp > 0 {
				low = mid + 1
			} else {
				return mid
			}
		}

		return low - 1
	}

	// Leaf page: fast path for append-only workloads
	cmp := getKeyAndCompareAsm(p.Data, n-1, key)
	if cmp > 0 {
		return n // Insert after last
	}
	if cmp == 0 {
		return n - 1 // Found at last position
	}

	// Standard binary search from 0 using the bytes.Compare helper
	low, high := 0, n-2 // Already checked n-1
	for low <= high {
		mid := (low + high) / 2
		cmp = getKeyAndCompareAsm(p.Data, mid, key)

		if cmp < 0 {
			high = mid - 1
		} else if cmp > 0 {
			low = mid + 1
		} else {
			return mid
		}
	}

	return low
}

// getChildPgno reads the child pointer at idx on a branch page. It
// defers to the unchecked accessor because every caller here has
// already validated idx against the page's entry count.
func (c *Cursor) getChildPgno(p *page, idx int) pgno {
	return nodeGetChildPgnoFast(p, idx)
}

// descendLeft walks from the cursor's current branch page down to the
// leftmost leaf, always pushing child index 0. It derives the number
// of levels to descend from the tree's recorded height rather than
// checking isLeafFast each iteration, since the height is already known.
func (c *Cursor) descendLeft() ([]byte, []byte, error) {
	levelsToDescend := int(c.tree.Height) - int(c.top) - 1

	for i := 0; i < levelsToDescend; i++ {
		p := c.pages[c.top]
		childPgno := nodeGetChildPgnoUnchecked(p.Data, int(c.indices[c.top]))
		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			return nil, nil, err
		}
	}

	return c.getCurrent()
}

// descendLeftFast is descendLeft, but ends by calling getFirstValueFast
// instead of getCurrent — for callers (nextNoDup et al.) that only need
// the key's first value and can skip setting up full dup cursor state.
func (c *Cursor) descendLeftFast() ([]byte, []byte, error) {
	levelsToDescend := int(c.tree.Height) - int(c.top) - 1

	for i := 0; i < levelsToDescend; i++ {
		p := c.pages[c.top]
		childPgno := nodeGetChildPgnoUnchecked(p.Data, int(c.indices[c.top]))
		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			return nil, nil, err
		}
	}

	return c.getFirstValueFast()
}

// descendRight is descendLeft's mirror: walks to the rightmost leaf,
// always pushing each page's last child index. It keeps a separate
// direct-mmap branch for read-only transactions since they can skip
// the dirty-page bookkeeping that fillPageHotPath does for writers.
func (c *Cursor) descendRight() ([]byte, []byte, error) {
	levelsToDescend := int(c.tree.Height) - int(c.top) - 1

	// Fast path for read-only transactions: direct mmap access
	if c.readOnly && c.mmapData != nil {
		pageSize := uint64(c.pageSize)
		for i := 0; i < levelsToDescend; i++ {
			p := c.pages[c.top]
			childPgno := nodeGetChildPgnoUnchecked(p.Data, int(c.indices[c.top]))
			c.top++
			offset := uint64(childPgno) * pageSize
			c.pagesBuf[c.top].Data = c.mmapData[offset : offset+pageSize]
			c.pages[c.top] = &c.pagesBuf[c.top]
			lastIdx := uint16(c.pages[c.top].numEntriesFast() - 1)
			c.indices[c.top] = lastIdx
		}
	} else {
		// Fallback for write transactions
		for i := 0; i < levelsToDescend; i++ {
			p := c.pages[c.top]
			childPgno := nodeGetChildPgnoUnchecked(p.Data, int(c.indices[c.top]))
			c.top++
			childPage := c.txn.fillPageHotPath(childPgno, &c.pagesBuf[c.top])
			c.pages[c.top] = childPage
			lastIdx := uint16(childPage.numEntriesFast() - 1)
			c.indices[c.top] = lastIdx
		}
	}

	return c.getCurrent()
}

// firstDup positions the dup cursor on the current key's smallest
// duplicate, setting up full dup state so Next/Prev then walk the
// duplicate set in order. Reads the leaf node directly through raw
// pointer arithmetic rather than the node accessor wrappers, since
// this is the hot path behind plain iteration over a DUPSORT table.
func (c *Cursor) firstDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	if c.dup.initialized && c.dup.atFirst {
		return c.getCurrent()
	}

	p := c.pages[c.top]
	idx := c.indices[c.top]
	d := p.Data

	// Get entry offset using unsafe
	pagePtr := unsafe.Pointer(&d[0])
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20+int(idx)*2))
	nodePtr := unsafe.Add(pagePtr, uintptr(storedOffset)+20)

	// Read node header
	dataSize := *(*uint32)(nodePtr)
	nodeFlags := nodeFlags(*(*uint8)(unsafe.Add(nodePtr, 4)))
	keySize := int(*(*uint16)(unsafe.Add(nodePtr, 6)))

	// Get key and data using unsafe.Slice
	keyStart := unsafe.Add(nodePtr, 8)
	key := unsafe.Slice((*byte)(keyStart), keySize)
	dataStart := unsafe.Add(keyStart, uintptr(keySize))
	data := unsafe.Slice((*byte)(dataStart), int(dataSize))

	// Handle DUPSORT
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
		if nodeFlags&nodeTree != 0 && dataSize >= 48 {
			// Sub-tree: initialize full dup state for subsequent navigation
			if err := c.initDupSubTree(data); err != nil {
				return nil, nil, err
			}
			return c.getCurrent()
		}
		if nodeFlags&nodeDup != 0 && dataSize >= 20 {
			// Sub-page: initialize full dup state for subsequent navigation
			if err := c.initDupSubPage(data); err != nil {
				return nil, nil, err
			}
			return c.getCurrent()
		}
	}

	// Not a DUPSORT node or single value - clear dup state
	c.clearDupState()
	return key, data, nil
}

// lastDup is firstDup's mirror: positions the dup cursor on the
// current key's largest duplicate. prevDup lazily builds full dup
// state from here if the caller moves on before any other dup op does.
func (c *Cursor) lastDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	if c.dup.initialized && c.dup.atLast {
		return c.getCurrent()
	}

	p := c.pages[c.top]
	idx := c.indices[c.top]
	d := p.Data

	// Get entry offset using unsafe
	pagePtr := unsafe.Pointer(&d[0])
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20+int(idx)*2))
	nodePtr := unsafe.Add(pagePtr, uintptr(storedOffset)+20)

	// Read node header
	dataSize := *(*uint32)(nodePtr)
	nodeFlags := nodeFlags(*(*uint8)(unsafe.Add(nodePtr, 4)))
	keySize := int(*(*uint16)(unsafe.Add(nodePtr, 6)))

	// Get key and data using unsafe.Slice
	keyStart := unsafe.Add(nodePtr, 8)
	key := unsafe.Slice((*byte)(keyStart), keySize)
	dataStart := unsafe.Add(keyStart, uintptr(keySize))
	data := unsafe.Slice((*byte)(dataStart), int(dataSize))

	// Handle DUPSORT
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
		if nodeFlags&nodeTree != 0 && dataSize >= 48 {
			// Sub-tree: initialize full dup state at last position
			if err := c.initDupSubTreeLast(data); err != nil {
				return nil, nil, err
			}
			return c.getCurrent()
		}
		if nodeFlags&nodeDup != 0 && dataSize >= 20 {
			// Sub-page: initialize full dup state at last position
			if err := c.initDupSubPageLast(data); err != nil {
				return nil, nil, err
			}
			return c.getCurrent()
		}
	}

	// Not a DUPSORT node or single value - clear dup state
	c.clearDupState()
	return key, data, nil
}

// nextDup advances within the current key's duplicate set, lazily
// building dup state on first use and reporting ErrNotFoundError once
// the set is exhausted (it does not spill over into the next key —
// that's moveNext's job).
func (c *Cursor) nextDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// After delete, cursor is already at the "next" position - just return current
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}

	// If positioned at last dup (from lastDup), there's no next
	if c.dup.atLast && !c.dup.initialized {
		return nil, nil, ErrNotFoundError
	}

	// Ensure dup state is initialized
	if !c.dup.initialized {
		_, _, err := c.getCurrent()
		if err != nil {
			return nil, nil, err
		}
	}

	if !c.dup.initialized {
		// Not a DUPSORT node, no more duplicates
		return nil, nil, ErrNotFoundError
	}

	// Move to next duplicate
	if c.dup.isSubTree {
		return c.dupSubTreeNext()
	}

	// Inline sub-page - clear position flags
	c.dup.atFirst = false
	c.dup.atLast = false
	c.dup.subPageIdx++
	if c.dup.subPageIdx >= c.dup.subPageNum {
		c.dup.subPageIdx = c.dup.subPageNum - 1
		return nil, nil, ErrNotFoundError
	}

	return c.getCurrentWithDup()
}

// prevDup is nextDup's mirror, additionally handling the case where
// lastDup positioned the cursor without fully initializing dup state.
func (c *Cursor) prevDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// After delete, cursor is already at the correct position - just return current
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}

	// Ensure dup state is initialized
	if !c.dup.initialized {
		// If atLast flag is set (from lastDup), initialize at last position
		if c.dup.atLast {
			if err := c.initDupStateAtLast(); err != nil {
				return nil, nil, err
			}
		} else {
			// Initialize at first position (default)
			_, _, err := c.getCurrent()
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if !c.dup.initialized {
		// Not a DUPSORT node, no previous duplicates
		return nil, nil, ErrNotFoundError
	}

	// Move to previous duplicate
	if c.dup.isSubTree {
		return c.dupSubTreePrev()
	}

	// Inline sub-page - check bounds first
	if c.dup.subPageIdx <= 0 {
		return nil, nil, ErrNotFoundError
	}
	// Clear position flags since we're navigating
	c.dup.atFirst = false
	c.dup.atLast = false
	c.dup.subPageIdx--

	return c.getCurrentWithDup()
}

// dupSubTreeLast re-descends the dup sub-tree to its rightmost leaf,
// used when navigation needs to reset to the tail of the duplicate set.
func (c *Cursor) dupSubTreeLast() error {
	if c.dup.subTree.Root == invalidPgno {
		return ErrNotFoundError
	}

	// Re-navigate to last leaf in sub-tree using embedded page buffers
	c.dup.subTop = -1
	c.dup.subTop++
	subPage := c.txn.fillPageHotPath(c.dup.subTree.Root, &c.dup.subPagesBuf[c.dup.subTop])
	c.dup.subPages[c.dup.subTop] = subPage
	lastIdx := uint16(subPage.numEntriesFast() - 1)
	c.dup.subIndices[c.dup.subTop] = lastIdx

	for subPage.isBranchFast() {
		childPgno := c.getChildPgno(subPage, int(lastIdx))
		c.dup.subTop++
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = subPage
		lastIdx = uint16(subPage.numEntriesFast() - 1)
		c.dup.subIndices[c.dup.subTop] = lastIdx
	}

	c.dup.atFirst = false
	c.dup.atLast = true
	return nil
}

// initDupStateAtLast builds full dup state positioned on the last
// duplicate, covering the case where lastDup parked the cursor
// without doing this work and prevDup now needs it to step backward.
func (c *Cursor) initDupStateAtLast() error {
	p := c.pages[c.top]
	idx := int(c.indices[c.top])

	flags := nodeGetFlagsFast(p, idx)
	data := nodeGetDataFast(p, idx)

	// Handle N_TREE (sub-tree)
	if flags&nodeTree != 0 && len(data) >= 48 {
		if err := c.initDupSubTree(data); err != nil {
			return err
		}
		return c.dupSubTreeLast()
	}

	// Handle N_DUP (inline sub-page)
	if flags&nodeDup != 0 && len(data) >= 16 {
		if err := c.initDupSubPage(data); err != nil {
			return err
		}
		c.dup.subPageIdx = c.dup.subPageNum - 1
		c.dup.atFirst = false
		c.dup.atLast = true
		return nil
	}

	// Single value - already at last (and first)
	return nil
}

// dupSubTreeNext is moveNext's counterpart for navigating inside a
// DUPSORT sub-tree: advance within the current sub-tree leaf, or
// ascend and descend back into the next leaf when it's exhausted.
func (c *Cursor) dupSubTreeNext() ([]byte, []byte, error) {
	if c.dup.subTop < 0 {
		return nil, nil, ErrNotFoundError
	}

	// Clear position flags since we're navigating
	c.dup.atFirst = false
	c.dup.atLast = false

	// Try to move within current page
	for c.dup.subTop >= 0 {
		p := c.dup.subPages[c.dup.subTop]
		idx := c.dup.subIndices[c.dup.subTop]

		if int(idx)+1 < p.numEntriesFast() {
			c.dup.subIndices[c.dup.subTop] = idx + 1

			// If branch, descend to leftmost leaf
			if p.isBranchFast() {
				return c.dupSubTreeDescendLeft()
			}

			return c.getCurrentWithDup()
		}

		// Go up
		c.dup.subPages[c.dup.subTop] = nil
		c.dup.subTop--
	}

	return nil, nil, ErrNotFoundError
}

// dupSubTreePrev is dupSubTreeNext's mirror for backward iteration.
func (c *Cursor) dupSubTreePrev() ([]byte, []byte, error) {
	if c.dup.subTop < 0 {
		return nil, nil, ErrNotFoundError
	}

	// Clear position flags since we're navigating
	c.dup.atFirst = false
	c.dup.atLast = false

	// Try to move within current page
	for c.dup.subTop >= 0 {
		idx := c.dup.subIndices[c.dup.subTop]

		if idx > 0 {
			c.dup.subIndices[c.dup.subTop] = idx - 1
			p := c.dup.subPages[c.dup.subTop]

			// If branch, descend to rightmost leaf
			if p.isBranchFast() {
				return c.dupSubTreeDescendRight()
			}

			return c.getCurrentWithDup()
		}

		// Go up
		c.dup.subPages[c.dup.subTop] = nil
		c.dup.subTop--
	}

	return nil, nil, ErrNotFoundError
}

// dupSubTreeDescendLeft pushes leftmost children until it reaches a
// sub-tree leaf, then reads the duplicate there.
func (c *Cursor) dupSubTreeDescendLeft() ([]byte, []byte, error) {
	for {
		p := c.dup.subPages[c.dup.subTop]
		if !p.isBranchFast() {
			return c.getCurrentWithDup()
		}

		childPgno := c.getChildPgno(p, int(c.dup.subIndices[c.dup.subTop]))
		c.dup.subTop++
		childPage := c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = childPage
		c.dup.subIndices[c.dup.subTop] = 0
	}
}

// dupSubTreeDescendRight is dupSubTreeDescendLeft's mirror, always
// pushing each level's last child.
func (c *Cursor) dupSubTreeDescendRight() ([]byte, []byte, error) {
	for {
		p := c.dup.subPages[c.dup.subTop]
		if !p.isBranchFast() {
			return c.getCurrentWithDup()
		}

		childPgno := c.getChildPgno(p, int(c.dup.subIndices[c.dup.subTop]))
		c.dup.subTop++
		childPage := c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = childPage
		lastIdx := uint16(childPage.numEntriesFast() - 1)
		c.dup.subIndices[c.dup.subTop] = lastIdx
	}
}

// getCurrentWithDup pairs the main key at the cursor's current
// position with whatever duplicate value the dup cursor now points
// to, for use after a dup-only move that didn't touch the main stack.
func (c *Cursor) getCurrentWithDup() ([]byte, []byte, error) {
	if c.state != cursorPointing || c.top < 0 {
		return nil, nil, ErrNotFoundError
	}

	// Get the main key using allocation-free method
	p := c.pages[c.top]
	idx := int(c.indices[c.top])
	key := nodeGetKeyDirect(p, idx)
	if key == nil {
		return nil, nil, ErrCorruptedError
	}

	// Get the duplicate value
	value, err := c.getDupValue()
	if err != nil {
		return nil, nil, err
	}

	return key, value, nil
}

// nextNoDup advances straight to the next key, discarding whatever
// duplicates remained under the current one — the inline page-header
// reads here (numEntries, branch flag) bypass even the Fast accessor
// wrappers since this runs on every key boundary of a DUPSORT scan.
func (c *Cursor) nextNoDup() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.first()
	}

	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// Clear dup state - we're moving to a new key
	c.clearDupState()

	// Refresh page first to detect if another cursor modified it.
	// If entries were deleted before our position, afterDelete will be set
	// and our index now points to what should be returned next.
	c.refreshPage()
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}

	// Move to next position in main tree (skip duplicates)
	for c.top >= 0 {
		// Refresh page at start of each iteration in case of modifications
		c.refreshPage()

		// Check if refreshPage detected a deletion - if so, current position is the "next" entry
		if c.afterDelete {
			c.afterDelete = false
			// If we're at a branch level after deletion, we need to descend to get a leaf entry
			p := c.pages[c.top]
			if p.isBranchFast() {
				return c.descendLeftFast()
			}
			return c.getCurrent()
		}

		p := c.pages[c.top]
		idx := c.indices[c.top]

		// Inline NumEntriesFast
		lower := uint16(p.Data[12]) | uint16(p.Data[13])<<8
		numEntries := int(lower) >> 1

		if int(idx)+1 < numEntries {
			// Move to next entry on this page
			c.indices[c.top] = idx + 1

			// Inline IsBranchFast check
			flags := uint16(p.Data[10]) | uint16(p.Data[11])<<8
			if flags&uint16(pageBranch) != 0 {
				return c.descendLeftFast()
			}

			// Use getCurrent() to properly initialize dup state for subsequent Next() calls
			return c.getCurrent()
		}

		// No more entries on this page, go up
		c.popPage()
	}

	// Reached the end
	c.state = cursorEOF
	return nil, nil, ErrNotFoundError
}

// getFirstValueFast reads the key and its smallest duplicate directly
// off raw page bytes, skipping the dup-state setup that getCurrent
// does — nextNoDup/descendLeftFast only need the value, not a
// resumable position within the duplicate set.
func (c *Cursor) getFirstValueFast() ([]byte, []byte, error) {
	if c.state != cursorPointing || c.top < 0 {
		return nil, nil, ErrNotFoundError
	}

	p := c.pages[c.top]
	idx := int(c.indices[c.top])
	pageData := p.Data

	// Get entry offset using unsafe pointer arithmetic
	pagePtr := unsafe.Pointer(&pageData[0])
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20+idx*2))
	nodeOffset := uintptr(storedOffset + 20)

	// Read node header using unsafe
	nodePtr := unsafe.Add(pagePtr, nodeOffset)
	dataSize := *(*uint32)(nodePtr)
	nodeFlags := nodeFlags(*(*uint8)(unsafe.Add(nodePtr, 4)))
	keySize := int(*(*uint16)(unsafe.Add(nodePtr, 6)))

	// Get key - node header is 8 bytes
	keyStart := unsafe.Add(nodePtr, 8)
	key := unsafe.Slice((*byte)(keyStart), keySize)

	// Handle large values
	if nodeFlags&nodeBig != 0 {
		overflowPgno := nodeGetOverflowPgnoDirect(p, idx)
		data, _ := c.txn.getLargeData(overflowPgno, dataSize)
		return key, data, nil
	}

	// Get data pointer
	dataStart := unsafe.Add(keyStart, uintptr(keySize))
	data := unsafe.Slice((*byte)(dataStart), int(dataSize))

	// Handle DUPSORT - get first value directly without cursor state
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
		if nodeFlags&nodeTree != 0 && dataSize >= 48 {
			// Sub-tree: get first value directly
			val, err := c.getFirstSubTreeValue(data)
			if err != nil {
				return nil, nil, err
			}
			return key, val, nil
		}
		if nodeFlags&nodeDup != 0 && nodeFlags&nodeTree == 0 && dataSize >= 16 {
			// Sub-page: get first value directly
			val, err := c.getFirstSubPageValue(data)
			if err != nil {
				return nil, nil, err
			}
			return key, val, nil
		}
	}

	return key, data, nil
}

// getLastValueFast is getFirstValueFast's mirror, used by prevNoDup
// to read the previous key's largest duplicate without building dup
// cursor state for a key it's only passing through.
func (c *Cursor) getLastValueFast() ([]byte, []byte, error) {
	if c.state != cursorPointing || c.top < 0 {
		return nil, nil, ErrNotFoundError
	}

	p := c.pages[c.top]
	idx := int(c.indices[c.top])
	pageData := p.Data

	// Get entry offset using unsafe pointer arithmetic
	pagePtr := unsafe.Pointer(&pageData[0])
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20+idx*2))
	nodeOffset := uintptr(storedOffset + 20)

	// Read node header using unsafe
	nodePtr := unsafe.Add(pagePtr, nodeOffset)
	dataSize := *(*uint32)(nodePtr)
	nodeFlags := nodeFlags(*(*uint8)(unsafe.Add(nodePtr, 4)))
	keySize := int(*(*uint16)(unsafe.Add(nodePtr, 6)))

	// Get key - node header is 8 bytes
	keyStart := unsafe.Add(nodePtr, 8)
	key := unsafe.Slice((*byte)(keyStart), keySize)

	// Handle large values
	if nodeFlags&nodeBig != 0 {
		overflowPgno := nodeGetOverflowPgnoDirect(p, idx)
		data, _ := c.txn.getLargeData(overflowPgno, dataSize)
		return key, data, nil
	}

	// Get data pointer
	dataStart := unsafe.Add(keyStart, uintptr(keySize))
	data := unsafe.Slice((*byte)(dataStart), int(dataSize))

	// Handle DUPSORT - get last value directly without cursor state
	if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
		if nodeFlags&nodeTree != 0 && dataSize >= 48 {
			// Sub-tree: get last value directly
			val, err := c.getLastSubTreeValue(data)
			if err != nil {
				return nil, nil, err
			}
			return key, val, nil
		}
		if nodeFlags&nodeDup != 0 && nodeFlags&nodeTree == 0 && dataSize >= 20 {
			// Sub-page: get last value directly
			val, err := c.getLastSubPageValue(data)
			if err != nil {
				return nil, nil, err
			}
			return key, val, nil
		}
	}

	return key, data, nil
}

// getLastSubTreeValue is getFirstSubTreeValue's mirror: it descends
// to the rightmost leaf of the sub-tree instead of the leftmost.
func (c *Cursor) getLastSubTreeValue(treeData []byte) ([]byte, error) {
	// Parse Tree structure using unsafe
	treePtr := unsafe.Pointer(&treeData[0])
	height := int(*(*uint16)(unsafe.Add(treePtr, 2)))
	subRoot := pgno(*(*uint32)(unsafe.Add(treePtr, 8)))

	if subRoot == invalidPgno {
		return nil, ErrNotFoundError
	}

	// Fast path for read-only transactions: direct mmap access
	if c.readOnly && c.mmapData != nil {
		pageSize := uint64(c.pageSize)
		offset := uint64(subRoot) * pageSize
		pagePtr := unsafe.Pointer(&c.mmapData[offset])

		// Descend height-1 levels to rightmost child using unsafe
		for level := 1; level < height; level++ {
			// Get numEntries from lower field (offset 12)
			lower := *(*uint16)(unsafe.Add(pagePtr, 12))
			numEntries := int(lower) >> 1
			lastIdx := numEntries - 1
			// Get last entry offset
			storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+lastIdx*2)))
			nodeOffset := uintptr(storedOffset + 20)
			// Child pgno is first 4 bytes of node
			childPgno := uint64(*(*uint32)(unsafe.Add(pagePtr, nodeOffset)))
			offset = childPgno * pageSize
			pagePtr = unsafe.Pointer(&c.mmapData[offset])
		}

		// Get last key from leaf
		lower := *(*uint16)(unsafe.Add(pagePtr, 12))
		numEntries := int(lower) >> 1
		lastIdx := numEntries - 1
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+lastIdx*2)))
		nodeOffset := uintptr(storedOffset + 20)
		keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
		keyStart := unsafe.Add(pagePtr, nodeOffset+8)
		return unsafe.Slice((*byte)(keyStart), keySize), nil
	}

	// Fallback for write transactions: use fillPageHotPath to handle dirty pages
	subPage := c.txn.fillPageHotPath(subRoot, &c.dup.subPagesBuf[0])
	pageData := subPage.Data
	pagePtr := unsafe.Pointer(&pageData[0])

	// Descend height-1 levels to rightmost child using unsafe
	for level := 1; level < height; level++ {
		// Get numEntries from lower field (offset 12)
		lower := *(*uint16)(unsafe.Add(pagePtr, 12))
		numEntries := int(lower) >> 1
		lastIdx := numEntries - 1
		// Get last entry offset
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+lastIdx*2)))
		nodeOffset := uintptr(storedOffset + 20)
		// Child pgno is first 4 bytes of node
		childPgno := pgno(*(*uint32)(unsafe.Add(pagePtr, nodeOffset)))
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[0])
		pageData = subPage.Data
		pagePtr = unsafe.Pointer(&pageData[0])
	}

	// Get last key from leaf
	lower := *(*uint16)(unsafe.Add(pagePtr, 12))
	numEntries := int(lower) >> 1
	lastIdx := numEntries - 1
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+lastIdx*2)))
	nodeOffset := uintptr(storedOffset + 20)
	// Key size is at node+6 (2 bytes)
	keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
	// Key data starts at node+8
	keyStart := unsafe.Add(pagePtr, nodeOffset+8)
	return unsafe.Slice((*byte)(keyStart), keySize), nil
}

// getLastSubPageValue is getFirstSubPageValue's mirror for an inline
// sub-page's largest duplicate.
func (c *Cursor) getLastSubPageValue(subPageData []byte) ([]byte, error) {
	if len(subPageData) < pageHeaderSize {
		return nil, ErrCorruptedError
	}

	dupfixKsize := int(uint16(subPageData[8]) | uint16(subPageData[9])<<8)
	flags := uint16(subPageData[10]) | uint16(subPageData[11])<<8
	lower := int(uint16(subPageData[12]) | uint16(subPageData[13])<<8)

	// Check for DUPFIX (fixed-size values)
	if (flags&uint16(pageDupfix) != 0) && dupfixKsize > 0 && dupfixKsize < 65535 {
		numEntries := (len(subPageData) - pageHeaderSize) / dupfixKsize
		if numEntries == 0 {
			return nil, ErrNotFoundError
		}
		// Get last value
		start := pageHeaderSize + (numEntries-1)*dupfixKsize
		end := start + dupfixKsize
		if end <= len(subPageData) {
			// Use three-index slice to cap capacity at length
			return subPageData[start:end:end], nil
		}
		return nil, ErrCorruptedError
	}

	// Variable-size values
	numEntries := lower / 2
	if numEntries == 0 || lower <= 0 {
		return nil, ErrNotFoundError
	}

	// Get last entry's stored offset
	lastEntryPtrPos := pageHeaderSize + (numEntries-1)*2
	if lastEntryPtrPos+2 > len(subPageData) {
		return nil, ErrCorruptedError
	}
	storedOffset := int(uint16(subPageData[lastEntryPtrPos]) | uint16(subPageData[lastEntryPtrPos+1])<<8)
	nodePos := storedOffset + pageHeaderSize

	// Read the node
	if nodePos+nodeSize > len(subPageData) {
		return nil, ErrCorruptedError
	}
	keySize := int(uint16(subPageData[nodePos+6]) | uint16(subPageData[nodePos+7])<<8)
	valueStart := nodePos + nodeSize
	valueEnd := valueStart + keySize
	// Allow keySize=0 for empty duplicate values
	if keySize >= 0 && valueEnd <= len(subPageData) {
		// Use three-index slice to cap capacity at length
		return subPageData[valueStart:valueEnd:valueEnd], nil
	}

	return nil, ErrCorruptedError
}

// descendRightFast is descendRight's prevNoDup-facing variant: it
// ends on getLastValueFast instead of getCurrent so the caller gets
// the previous key's last duplicate without paying for full dup setup.
func (c *Cursor) descendRightFast() ([]byte, []byte, error) {
	// Fast path for read-only transactions: direct mmap access
	if c.readOnly && c.mmapData != nil {
		pageSize := uint64(c.pageSize)
		for {
			p := c.pages[c.top]
			if p.isLeafFast() {
				return c.getLastValueFast()
			}

			childPgno := c.getChildPgno(p, int(c.indices[c.top]))
			c.top++
			offset := uint64(childPgno) * pageSize
			c.pagesBuf[c.top].Data = c.mmapData[offset : offset+pageSize]
			c.pages[c.top] = &c.pagesBuf[c.top]
			lastIdx := uint16(c.pages[c.top].numEntriesFast() - 1)
			c.indices[c.top] = lastIdx
		}
	}

	// Fallback for write transactions
	for {
		p := c.pages[c.top]
		if p.isLeafFast() {
			return c.getLastValueFast()
		}

		childPgno := c.getChildPgno(p, int(c.indices[c.top]))
		c.top++
		childPage := c.txn.fillPageHotPath(childPgno, &c.pagesBuf[c.top])
		c.pages[c.top] = childPage
		lastIdx := uint16(childPage.numEntriesFast() - 1)
		c.indices[c.top] = lastIdx
	}
}

// prevNoDup is nextNoDup's mirror: moves to the previous key's last
// duplicate, skipping the rest of the current key's duplicate set.
func (c *Cursor) prevNoDup() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.last()
	}

	if c.state != cursorPointing {
		return nil, nil, ErrNotFoundError
	}

	// Clear dup state - we're moving to a new key
	c.clearDupState()

	// Refresh page first to detect if another cursor modified it.
	// For Prev, if entries were deleted, we handle it differently than Next.
	c.refreshPage()

	// Move to previous position in main tree (skip duplicates)
	for c.top >= 0 {
		// Refresh page at start of each iteration in case of modifications
		c.refreshPage()
		p := c.pages[c.top]
		idx := c.indices[c.top]

		if idx > 0 {
			// Move to previous entry on this page
			c.indices[c.top] = idx - 1

			// If branch, descend to rightmost leaf (fast path)
			if p.isBranchFast() {
				k, v, err := c.descendRightFast()
				if err != nil {
					return k, v, err
				}
				// For DUPSORT, position at last duplicate
				if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
					return c.lastDup()
				}
				return k, v, nil
			}

			// For DUPSORT, position at last duplicate
			if c.tree != nil && c.tree.Flags&uint16(DupSort) != 0 {
				return c.lastDup()
			}
			return c.getCurrent()
		}

		// No more entries on this page, go up
		c.popPage()
	}

	// Reached the beginning
	c.state = cursorEOF
	return nil, nil, ErrNotFoundError
}

// getBoth positions on the exact (key, value) pair, failing with
// ErrNotFoundError if that precise pair isn't present.
func (c *Cursor) getBoth(key, value []byte) ([]byte, []byte, error) {
	foundKey, err := c.setNoGetCurrent(key)
	if err != nil {
		return nil, nil, err
	}

	// For non-DUPSORT, get the value and compare
	if c.tree.Flags&uint16(DupSort) == 0 {
		p := c.pages[c.top]
		idx := int(c.indices[c.top])
		foundVal := nodeGetDataFast(p, idx)
		if c.txn.compareDupValues(c.dbi, foundVal, value) == 0 {
			return foundKey, foundVal, nil
		}
		return nil, nil, ErrNotFoundError
	}

	// For DUPSORT, search directly without full dup init
	return c.searchDupValueDirect(foundKey, value, true)
}

// getBothRange is getBoth's range variant: positions on key's first
// duplicate >= value rather than requiring an exact value match.
func (c *Cursor) getBothRange(key, value []byte) ([]byte, []byte, error) {
	foundKey, err := c.setNoGetCurrent(key)
	if err != nil {
		return nil, nil, err
	}

	// For non-DUPSORT, get the value and return
	if c.tree.Flags&uint16(DupSort) == 0 {
		p := c.pages[c.top]
		idx := int(c.indices[c.top])
		foundVal := nodeGetDataFast(p, idx)
		return foundKey, foundVal, nil
	}

	// For DUPSORT, search directly without full dup init
	return c.searchDupValueDirect(foundKey, value, false)
}

// setNoGetCurrent is search's exact-match path stopped short of
// getCurrent, so getBoth/getBothRange can go straight into their own
// dup-value search instead of paying for dup state they'll discard.
func (c *Cursor) setNoGetCurrent(key []byte) ([]byte, error) {
	if c.tree == nil || c.tree.Root == invalidPgno {
		c.state = cursorEOF
		return nil, ErrNotFoundError
	}

	c.clearDupState()

	// Use embedded page buffer for root (no allocation)
	c.top = 0
	rootPage := c.txn.fillPageHotPath(c.tree.Root, &c.pagesBuf[0])
	c.pages[0] = rootPage
	c.state = cursorPointing

	// Navigate through tree using tree height (avoid IsBranchFast check in loop)
	height := int(c.tree.Height)
	for level := 1; level < height; level++ {
		p := c.pages[c.top]
		idx := c.searchPage(p, key)
		c.indices[c.top] = uint16(idx)

		childPgno := nodeGetChildPgnoFast(p, idx)
		if err := c.pushPageByPgno(childPgno, 0); err != nil {
			return nil, err
		}
	}

	// Binary search in leaf
	p := c.pages[c.top]
	idx := c.searchPage(p, key)
	n := p.numEntriesFast()

	if idx >= n {
		c.state = cursorEOF
		return nil, ErrNotFoundError
	}

	c.indices[c.top] = uint16(idx)
	foundKey := nodeGetKeyFast(p, idx)
	if c.txn.compareKeys(c.dbi, foundKey, key) != 0 {
		c.state = cursorEOF
		return nil, ErrNotFoundError
	}

	return foundKey, nil
}

// searchDupValueDirect dispatches GetBoth/GetBothRange's value search
// to whichever duplicate representation (single value, sub-tree, or
// sub-page) the node actually holds, without first descending to the
// duplicate set's first leaf the way a plain dup init would.
func (c *Cursor) searchDupValueDirect(key []byte, value []byte, exact bool) ([]byte, []byte, error) {
	p := c.pages[c.top]
	idx := int(c.indices[c.top])

	flags := nodeGetFlagsFast(p, idx)
	data := nodeGetDataFast(p, idx)

	// Handle N_TREE (sub-tree)
	if flags&nodeTree != 0 && len(data) >= 48 {
		return c.searchDupSubTreeDirect(key, data, value, exact)
	}

	// Handle N_DUP (inline sub-page)
	if flags&nodeDup != 0 && len(data) >= 16 {
		return c.searchDupSubPageDirect(key, data, value, exact)
	}

	// Single value - compare directly
	cmp := c.txn.compareDupValues(c.dbi, data, value)
	if exact {
		if cmp == 0 {
			return key, data, nil
		}
		return nil, nil, ErrNotFoundError
	}
	// For GetBothRange, return only if data >= value
	if cmp >= 0 {
		return key, data, nil
	}
	return nil, nil, ErrNotFoundError
}

// searchDupSubTreeDirect binary-searches a DUPSORT sub-tree for value,
// building just enough dup state (subTree, subTop) to know where it
// landed rather than the full first-leaf descent initDupSubTree does.
func (c *Cursor) searchDupSubTreeDirect(key []byte, treeData []byte, value []byte, exact bool) ([]byte, []byte, error) {
	// Parse tree structure using unsafe
	treePtr := unsafe.Pointer(&treeData[0])
	root := *(*uint32)(unsafe.Add(treePtr, 8))

	if root == 0xFFFFFFFF {
		return nil, nil, ErrNotFoundError
	}

	height := int(*(*uint16)(unsafe.Add(treePtr, 2)))

	// Clear and init minimal dup state - use embedded buffer to avoid allocation
	c.clearDupState()
	c.dup.isSubTree = true
	c.dup.subTree = tree{
		Flags:  *(*uint16)(treePtr),
		Height: uint16(height),
		Root:   pgno(root),
		Items:  *(*uint64)(unsafe.Add(treePtr, 32)),
	}
	c.dup.subTop = -1

	// Navigate directly to target value using binary search
	c.dup.subTop++
	// Use fillPageHotPath to handle dirty pages in write transactions
	subPage := c.txn.fillPageHotPath(pgno(root), &c.dup.subPagesBuf[c.dup.subTop])
	c.dup.subPages[c.dup.subTop] = subPage

	// Navigate to leaf using value as search key
	// Use tree height to avoid IsBranchFast check in loop
	for level := 1; level < height; level++ {
		pageData := subPage.Data
		pagePtr := unsafe.Pointer(&pageData[0])
		// Get numEntries from lower field
		lower := *(*uint16)(unsafe.Add(pagePtr, 12))
		n := int(lower) >> 1

		// On branch pages, entry 0 has no key (it's the leftmost child pointer).
		// We search entries 1 to n-1 for the key position.
		var idx int
		if n <= 1 {
			idx = 0 // Only leftmost child
		} else {
			// Binary search entries 1 to n-1
			low, high := 1, n-1
			for low <= high {
				mid := (low + high) / 2
				// Inline GetKeyFast
				storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+mid*2)))
				nodeOffset := uintptr(storedOffset + 20)
				keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
				nodeKey := unsafe.Slice((*byte)(unsafe.Add(pagePtr, nodeOffset+8)), keySize)

				cmp := c.txn.compareDupValues(c.dbi, value, nodeKey)
				if cmp < 0 {
					// For range search: if search value is a prefix of separator,
					// the separator IS >= search value, so descend to this child.
					if len(value) < keySize && bytes.Equal(value, nodeKey[:len(value)]) {
						low = mid + 1 // Treat as match, descend to child mid
						break
					}
					high = mid - 1
				} else if cmp > 0 {
					low = mid + 1
				} else {
					low = mid + 1 // Found exact match, use this child
					break
				}
			}
			// low is now the insertion point, use entry low-1
			idx = low - 1
		}

		c.dup.subIndices[c.dup.subTop] = uint16(idx)
		// Inline GetChildPgnoFast
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+idx*2)))
		nodeOffset := uintptr(storedOffset + 20)
		childPgno := pgno(*(*uint32)(unsafe.Add(pagePtr, nodeOffset)))

		c.dup.subTop++
		// Use fillPageHotPath to handle dirty pages in write transactions
		subPage = c.txn.fillPageHotPath(childPgno, &c.dup.subPagesBuf[c.dup.subTop])
		c.dup.subPages[c.dup.subTop] = subPage
	}

	// Binary search in leaf using unsafe
	pageData := subPage.Data
	pagePtr := unsafe.Pointer(&pageData[0])
	lower := *(*uint16)(unsafe.Add(pagePtr, 12))
	n := int(lower) >> 1

	low, high := 0, n-1
	foundIdx := n
	for low <= high {
		mid := (low + high) / 2
		// Inline GetKeyFast
		storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+mid*2)))
		nodeOffset := uintptr(storedOffset + 20)
		keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
		nodeKey := unsafe.Slice((*byte)(unsafe.Add(pagePtr, nodeOffset+8)), keySize)

		cmp := c.txn.compareDupValues(c.dbi, value, nodeKey)
		if cmp < 0 {
			high = mid - 1
			foundIdx = mid
		} else if cmp > 0 {
			low = mid + 1
		} else {
			// Exact match
			c.dup.subIndices[c.dup.subTop] = uint16(mid)
			c.dup.initialized = true
			return key, nodeKey, nil
		}
	}

	if exact {
		return nil, nil, ErrNotFoundError
	}

	// For GetBothRange, return first value >= target
	if foundIdx >= n {
		return nil, nil, ErrNotFoundError
	}
	c.dup.subIndices[c.dup.subTop] = uint16(foundIdx)
	c.dup.initialized = true
	// Get found value
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, uintptr(20+foundIdx*2)))
	nodeOffset := uintptr(storedOffset + 20)
	keySize := int(*(*uint16)(unsafe.Add(pagePtr, nodeOffset+6)))
	foundVal := unsafe.Slice((*byte)(unsafe.Add(pagePtr, nodeOffset+8)), keySize)
	return key, foundVal, nil
}

// searchDupSubPageDirect is searchDupSubTreeDirect's counterpart for
// an inline sub-page: binary-searches its flat entry list for value
// and, once found, calls initDupSubPageState so the cursor can
// continue Next/Prev from there.
func (c *Cursor) searchDupSubPageDirect(key []byte, subPageData []byte, value []byte, exact bool) ([]byte, []byte, error) {
	// Parse sub-page header
	if len(subPageData) < pageHeaderSize {
		return nil, nil, ErrCorruptedError
	}

	flags := uint16(subPageData[10]) | uint16(subPageData[11])<<8
	lower := uint16(subPageData[12]) | uint16(subPageData[13])<<8
	numEntries := int(lower) >> 1

	if numEntries == 0 {
		return nil, nil, ErrNotFoundError
	}

	isDupfix := flags&uint16(pageDupfix) != 0

	// Binary search
	low, high := 0, numEntries-1
	foundIdx := numEntries

	for low <= high {
		mid := (low + high) / 2
		var nodeValue []byte

		if isDupfix {
			dupfixSize := int(uint16(subPageData[8]) | uint16(subPageData[9])<<8)
			if dupfixSize > 0 {
				start := pageHeaderSize + mid*dupfixSize
				end := start + dupfixSize
				if end <= len(subPageData) {
					nodeValue = subPageData[start:end]
				}
			}
		} else {
			// Variable-size: read entry offset and parse node
			entryOffset := pageHeaderSize + mid*2
			if entryOffset+2 > len(subPageData) {
				return nil, nil, ErrCorruptedError
			}
			storedOffset := uint16(subPageData[entryOffset]) | uint16(subPageData[entryOffset+1])<<8
			nodePos := int(storedOffset) + pageHeaderSize

			if nodePos+nodeSize > len(subPageData) {
				return nil, nil, ErrCorruptedError
			}
			keySize := int(uint16(subPageData[nodePos+6]) | uint16(subPageData[nodePos+7])<<8)
			valueStart := nodePos + nodeSize
			valueEnd := valueStart + keySize
			// Allow keySize=0 for empty duplicate values
			if keySize >= 0 && valueEnd <= len(subPageData) {
				nodeValue = subPageData[valueStart:valueEnd]
			}
		}

		if nodeValue == nil {
			return nil, nil, ErrCorruptedError
		}

		cmp := c.txn.compareDupValues(c.dbi, value, nodeValue)
		if cmp < 0 {
			high = mid - 1
			foundIdx = mid
		} else if cmp > 0 {
			low = mid + 1
		} else {
			// Exact match - set full dup state for subsequent navigation
			c.initDupSubPageState(subPageData, numEntries, isDupfix, mid)
			return key, nodeValue, nil
		}
	}

	if exact {
		return nil, nil, ErrNotFoundError
	}

	// For GetBothRange, return first value >= target
	if foundIdx >= numEntries {
		return nil, nil, ErrNotFoundError
	}

	// Get the value at foundIdx
	var foundVal []byte
	if isDupfix {
		dupfixSize := int(uint16(subPageData[8]) | uint16(subPageData[9])<<8)
		start := pageHeaderSize + foundIdx*dupfixSize
		end := start + dupfixSize
		if end <= len(subPageData) {
			foundVal = subPageData[start:end]
		}
	} else {
		entryOffset := pageHeaderSize + foundIdx*2
		storedOffset := uint16(subPageData[entryOffset]) | uint16(subPageData[entryOffset+1])<<8
		nodePos := int(storedOffset) + pageHeaderSize
		keySize := int(uint16(subPageData[nodePos+6]) | uint16(subPageData[nodePos+7])<<8)
		valueStart := nodePos + nodeSize
		valueEnd := valueStart + keySize
		// Allow keySize=0 for empty duplicate values
		if keySize >= 0 && valueEnd <= len(subPageData) {
			foundVal = subPageData[valueStart:valueEnd]
		}
	}

	if foundVal == nil {
		return nil, nil, ErrCorruptedError
	}

	// Set full dup state for subsequent navigation
	c.initDupSubPageState(subPageData, numEntries, isDupfix, foundIdx)
	return key, foundVal, nil
}

// initDupSubPageState fills in the dup-state fields a subsequent
// Next/Prev needs, without re-running the scan searchDupSubPageDirect
// already did to find idx.
func (c *Cursor) initDupSubPageState(subPageData []byte, numEntries int, isDupfix bool, idx int) {
	c.dup.initialized = true
	c.dup.isSubTree = false
	c.dup.subPageData = subPageData
	c.dup.subPageIdx = idx
	c.dup.subPageNum = numEntries

	if isDupfix {
		// DUPFIX: fixed-size values
		dupfixSize := int(uint16(subPageData[8]) | uint16(subPageData[9])<<8)
		c.dup.dupfixSize = dupfixSize
		c.dup.nodePositions = nil
	} else {
		// Variable-size: need to populate nodePositions for getDupValue
		c.dup.dupfixSize = 0

		// Use pre-allocated buffer if possible
		if numEntries <= len(c.dup.nodePositionsBuf) {
			c.dup.nodePositions = c.dup.nodePositionsBuf[:numEntries]
		} else {
			c.dup.nodePositions = make([]int, numEntries)
		}

		// Read entry pointers
		for i := 0; i < numEntries; i++ {
			entryOffset := pageHeaderSize + i*2
			storedOffset := int(uint16(subPageData[entryOffset]) | uint16(subPageData[entryOffset+1])<<8)
			c.dup.nodePositions[i] = storedOffset + pageHeaderSize
		}
	}
}

// setLowerbound positions on the first (key, value) pair >= the given
// pair. For a non-DUPSORT database this is just setRange; for DUPSORT
// it may additionally have to walk forward through the matched key's
// duplicates (and spill into the next key) to find a value that
// clears the bound.
func (c *Cursor) setLowerbound(key, value []byte) ([]byte, []byte, error) {
	// First, position at the key using SetRange
	foundKey, foundVal, err := c.setRange(key)
	if err != nil {
		return nil, nil, err
	}

	// For non-DUPSORT, we're done
	if c.tree.Flags&uint16(DupSort) == 0 {
		return foundKey, foundVal, nil
	}

	// Compare keys
	cmp := c.txn.compareKeys(c.dbi, foundKey, key)
	if cmp > 0 {
		// Found key is greater than requested, return it
		return foundKey, foundVal, nil
	}

	// Keys are equal - need to find value >= specified value
	if value == nil {
		return foundKey, foundVal, nil
	}

	// Search within duplicates for value >= specified
	for {
		valCmp := c.txn.compareDupValues(c.dbi, foundVal, value)
		if valCmp >= 0 {
			return foundKey, foundVal, nil
		}

		// Move to next duplicate
		foundKey, foundVal, err = c.nextDup()
		if err != nil {
			if IsNotFound(err) {
				// No more duplicates, move to next key
				return c.moveNext()
			}
			return nil, nil, err
		}
	}
}

// setUpperbound is setLowerbound's strict-inequality counterpart: it
// positions on the first pair strictly greater than (key, value),
// stepping past an exact duplicate match via nextDup/moveNext rather
// than stopping on it.
func (c *Cursor) setUpperbound(key, value []byte) ([]byte, []byte, error) {
	// First, position at the key using SetRange
	foundKey, foundVal, err := c.setRange(key)
	if err != nil {
		return nil, nil, err
	}

	// For non-DUPSORT, find first key > specified
	if c.tree.Flags&uint16(DupSort) == 0 {
		cmp := c.txn.compareKeys(c.dbi, foundKey, key)
		if cmp > 0 {
			return foundKey, foundVal, nil
		}
		// Keys are equal, move to next
		return c.moveNext()
	}

	// Compare keys
	cmp := c.txn.compareKeys(c.dbi, foundKey, key)
	if cmp > 0 {
		// Found key is greater than requested, return it
		return foundKey, foundVal, nil
	}

	// Keys are equal - need to find value > specified value
	if value == nil {
		// No value specified, move to next key
		return c.nextNoDup()
	}

	// Search within duplicates for value > specified
	for {
		valCmp := c.txn.compareDupValues(c.dbi, foundVal, value)
		if valCmp > 0 {
			return foundKey, foundVal, nil
		}

		// Move to next duplicate
		foundKey, foundVal, err = c.nextDup()
		if err != nil {
			if IsNotFound(err) {
				// No more duplicates, move to next key
				return c.moveNext()
			}
			return nil, nil, err
		}
	}
}

// countDuplicates reports how many values the current key holds under
// DUPSORT. It fast-paths off an already-initialized dup sub-tree's
// Items count, falling back to a direct scan of the inline sub-page
// otherwise.
func (c *Cursor) countDuplicates() (uint64, error) {
	if c.state != cursorPointing {
		return 0, ErrNotFoundError
	}

	// Fast path: if dup state is already initialized, use it
	if c.dup.initialized {
		if c.dup.isSubTree {
			return c.dup.subTree.Items, nil
		}
		return uint64(c.dup.subPageNum), nil
	}

	// Fast path: extract count directly using unsafe
	p := c.pages[c.top]
	idx := int(c.indices[c.top])
	pageData := p.Data

	// Get entry offset and node using unsafe
	pagePtr := unsafe.Pointer(&pageData[0])
	storedOffset := *(*uint16)(unsafe.Add(pagePtr, 20+idx*2))
	nodeOffset := uintptr(storedOffset + 20)
	nodePtr := unsafe.Add(pagePtr, nodeOffset)

	// Read dataSize and flags
	dataSize := *(*uint32)(nodePtr)
	nodeFlags := nodeFlags(*(*uint8)(unsafe.Add(nodePtr, 4)))
	keySize := int(*(*uint16)(unsafe.Add(nodePtr, 6)))

	if nodeFlags&nodeTree != 0 {
		// N_TREE: parse Tree.Items directly
		if dataSize < 48 {
			return 1, nil
		}
		// Data starts at node+8+keySize, Items at offset 32
		dataPtr := unsafe.Add(nodePtr, uintptr(8+keySize))
		items := *(*uint64)(unsafe.Add(dataPtr, 32))
		return items, nil
	}

	if nodeFlags&nodeDup != 0 {
		// N_DUP: count from sub-page header
		if dataSize < 20 {
			return 1, nil
		}
		// Sub-page lower at offset 12
		dataPtr := unsafe.Add(nodePtr, uintptr(8+keySize))
		lower := *(*uint16)(unsafe.Add(dataPtr, 12))
		return uint64(lower >> 1), nil
	}

	// Not a DUPSORT node
	return 1, nil
}
func (c *Cursor) isFirst() bool { return c.indices[c.top] == 0 }
func (c *Cursor) isLast() bool {
	p := c.pages[c.top]
	return int(c.indices[c.top]) == p.numEntriesFast()-1
}

// ErrBadCursorError is returned by cursor operations issued against a
// cursor whose backing transaction has already been closed or reset.
var ErrBadCursorError = NewError(ErrBadTxn)

// ErrPermissionDenied flags an attempted mutation through a cursor
// bound to a read-only transaction.
const ErrPermissionDenied ErrorCode = ErrorCode(syscall.EACCES) // maps to syscall.EACCES on the host platform
