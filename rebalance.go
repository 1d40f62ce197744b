package anchorkv

// This file implements merge/rebalance: when a delete leaves a page below the minimum
// fill or minimum key-count invariant, borrow a node from a neighbor (the
// right sibling when there is one, otherwise the left; free space is not
// compared), or merge with it when borrowing would not help. Borrowing and
// self-into-neighbor merges leave the cursor's own page in place; the rarer
// case (no right sibling, current page absorbed into its left neighbor)
// repositions the cursor's stack slot onto the surviving sibling.

// rebalanceFillNum/rebalanceFillDen express the minimum fill fraction
// (1/4) below which a page is a rebalance candidate: a page exactly at
// 1/4 full is left alone, one byte under triggers rebalance.
const (
	rebalanceFillNum = 1
	rebalanceFillDen = 4
)

// needsRebalance reports whether p has fallen under the minimum key count
// or the minimum fill fraction and is a rebalance candidate.
func (c *Cursor) needsRebalance(p *page) bool {
	minKeys := 2
	if p.isLeaf() {
		minKeys = 1
	}
	if p.numEntries() < minKeys {
		return true
	}
	capacity := int(c.txn.env.pageSize) - pageHeaderSize
	if capacity <= 0 {
		return false
	}
	used := capacity - p.freeSpace()
	return used*rebalanceFillDen < capacity*rebalanceFillNum
}

// rawNodeBytes returns the raw on-page bytes (header+key+payload) of the
// node at idx, suitable for re-insertion verbatim into another page.
func rawNodeBytes(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	size := p.calcNodeSize(idx)
	if size <= 0 {
		return nil
	}
	end := int(offset) + size
	if end > len(p.Data) {
		return nil
	}
	return p.Data[offset:end]
}

// touchForeignPage returns a dirty, mutable copy of the page at oldPgno
// that is not on the cursor's own stack (a sibling consulted for rebalance).
// It mirrors touchPageAt's copy-on-write allocation but updates neither the
// cursor stack nor any parent pointer; the caller does that once it knows
// whether the page is being merged, borrowed from, or left untouched.
func (c *Cursor) touchForeignPage(oldPgno pgno) (*page, pgno, error) {
	if dirty := c.txn.dirtyTracker.get(oldPgno); dirty != nil {
		return dirty, oldPgno, nil
	}

	// The source bytes may live on an enclosing transaction's dirty list
	// rather than in the mapping; either way they are copied, never mutated.
	var srcData []byte
	if p := c.txn.findDirty(oldPgno); p != nil {
		srcData = p.Data
	} else {
		srcData = c.txn.getPageDataFast(oldPgno)
	}
	if srcData == nil {
		return nil, 0, ErrCorruptedError
	}

	newPgno, err := c.allocatePgno()
	if err != nil {
		return nil, 0, err
	}

	var newData []byte
	var usedMmap bool
	if c.txn.env.isWriteMap() {
		newData = c.txn.env.getMmapPageData(newPgno)
		if newData != nil {
			copy(newData, srcData)
			usedMmap = true
		}
	}
	if !usedMmap {
		newData = c.txn.newDirtyPageBuf()
		copy(newData, srcData)
	}

	newPage := getPooledPageStruct(newData)
	c.txn.pooledPageStructs = append(c.txn.pooledPageStructs, newPage)
	newPage.header().PageNo = newPgno
	newPage.header().Txnid = txnid(c.txn.txnID)

	c.txn.dirtyTracker.set(newPgno, newPage)
	c.txn.retirePage(oldPgno)

	return newPage, newPgno, nil
}

// putNode writes nodeData at idx, falling back to remove+insert if
// updateEntry can't grow the slot in place (e.g. a branch key-fixup makes
// the node larger than the slot it is replacing).
func putNode(p *page, idx int, nodeData []byte) bool {
	if p.updateEntry(idx, nodeData) {
		return true
	}
	if !p.removeEntry(idx) {
		return false
	}
	return p.insertEntry(idx, nodeData)
}

// rebalance restores the fill/key-count invariant for the page at the
// given cursor stack level after a deletion, bubbling upward through
// ancestor branch pages as needed. level's page must already be a dirty,
// non-empty page (the empty case is handled by freeEmptyPage before this
// is reached). Root pages (level 0) have no siblings and are left to the
// existing root-collapse logic in freeEmptyPage/delNode.
func (c *Cursor) rebalance(level int) error {
	for level > 0 {
		p := c.pages[level]
		if !c.needsRebalance(p) {
			return nil
		}

		parentLevel := level - 1
		parent, err := c.touchPageAt(parentLevel)
		if err != nil {
			return err
		}
		parentIdx := int(c.indices[parentLevel])
		isLeaf := p.isLeaf()
		minKeys := 2
		if isLeaf {
			minKeys = 1
		}

		if parentIdx+1 < parent.numEntries() {
			// Right sibling exists: operate with it. Current page always
			// survives this branch (simplest for the cursor).
			advance, err := c.rebalanceWithRightSibling(level, parentLevel, parentIdx, minKeys, isLeaf)
			if err != nil {
				return err
			}
			if !advance {
				return nil
			}
			level = parentLevel
			continue
		}

		if parentIdx > 0 {
			// No right sibling: must work with the left one. If we merge,
			// current's own page is discarded and the cursor is repointed
			// at the absorbing sibling.
			advance, err := c.rebalanceWithLeftSibling(level, parentLevel, parentIdx, minKeys, isLeaf)
			if err != nil {
				return err
			}
			if !advance {
				return nil
			}
			level = parentLevel
			continue
		}

		// No siblings at all: a single-child branch above a root that
		// hasn't collapsed yet. Nothing more to do here.
		return nil
	}
	return nil
}

// rebalanceWithRightSibling borrows from, or absorbs, the right sibling of
// the page at level. Returns advance=true if the sibling was merged away
// (the parent lost an entry and itself needs rechecking).
func (c *Cursor) rebalanceWithRightSibling(level, parentLevel, parentIdx, minKeys int, isLeaf bool) (advance bool, err error) {
	p := c.pages[level]
	parent := c.pages[parentLevel]

	siblingPgno := c.getChildPgno(parent, parentIdx+1)
	sibling, newSibPgno, err := c.touchForeignPage(siblingPgno)
	if err != nil {
		return false, err
	}
	if newSibPgno != siblingPgno {
		c.updateChildPointer(parent, parentIdx+1, newSibPgno)
	}

	if sibling.numEntries() > minKeys+1 {
		// Borrow sibling's first node onto our tail.
		var moved []byte
		if isLeaf {
			moved = append([]byte(nil), rawNodeBytes(sibling, 0)...)
		} else {
			// Branch node 0 carries an implicit empty key; give it the
			// real separator key from the parent before it leaves node 0.
			sepKey := append([]byte(nil), nodeGetKeyDirect(parent, parentIdx+1)...)
			childPgno := c.getChildPgno(sibling, 0)
			moved = c.buildBranchNode(sepKey, childPgno)
			moved = append([]byte(nil), moved...)
		}
		if !p.insertEntry(p.numEntries(), moved) {
			return false, NewError(ErrPageFull)
		}
		if !sibling.removeEntry(0) {
			return false, ErrCorruptedError
		}
		newSepKey := append([]byte(nil), nodeGetKeyDirect(sibling, 0)...)
		if isLeaf {
			if !putNode(parent, parentIdx+1, c.buildBranchNode(newSepKey, newSibPgno)) {
				return false, ErrCorruptedError
			}
		} else {
			// Sibling's new node 0 must go back to an implicit empty key.
			childPgno := c.getChildPgno(sibling, 0)
			if !putNode(sibling, 0, c.buildBranchNode(nil, childPgno)) {
				return false, ErrCorruptedError
			}
			if !putNode(parent, parentIdx+1, c.buildBranchNode(newSepKey, newSibPgno)) {
				return false, ErrCorruptedError
			}
		}
		c.pages[level] = p
		c.pages[parentLevel] = parent
		return false, nil
	}

	// Merge sibling into current page; current keeps its identity.
	if isLeaf {
		for i := 0; i < sibling.numEntries(); i++ {
			raw := rawNodeBytes(sibling, i)
			if raw == nil {
				return false, ErrCorruptedError
			}
			if !p.insertEntry(p.numEntries(), raw) {
				return false, NewError(ErrPageFull)
			}
		}
	} else {
		sepKey := append([]byte(nil), nodeGetKeyDirect(parent, parentIdx+1)...)
		childPgno := c.getChildPgno(sibling, 0)
		if !p.insertEntry(p.numEntries(), c.buildBranchNode(sepKey, childPgno)) {
			return false, NewError(ErrPageFull)
		}
		for i := 1; i < sibling.numEntries(); i++ {
			raw := rawNodeBytes(sibling, i)
			if raw == nil {
				return false, ErrCorruptedError
			}
			if !p.insertEntry(p.numEntries(), raw) {
				return false, NewError(ErrPageFull)
			}
		}
	}

	if isLeaf {
		if c.tree.LeafPages > 0 {
			c.tree.LeafPages--
		}
	} else {
		if c.tree.BranchPages > 0 {
			c.tree.BranchPages--
		}
	}
	c.txn.retirePage(newSibPgno)
	if !parent.removeEntry(parentIdx + 1) {
		return false, ErrCorruptedError
	}

	c.pages[level] = p
	c.pages[parentLevel] = parent
	return true, nil
}

// rebalanceWithLeftSibling borrows from, or is absorbed into, the left
// sibling of the page at level. When merged, the cursor's stack slot for
// level is repointed at the surviving (left) sibling.
func (c *Cursor) rebalanceWithLeftSibling(level, parentLevel, parentIdx, minKeys int, isLeaf bool) (advance bool, err error) {
	p := c.pages[level]
	parent := c.pages[parentLevel]

	siblingPgno := c.getChildPgno(parent, parentIdx-1)
	sibling, newSibPgno, err := c.touchForeignPage(siblingPgno)
	if err != nil {
		return false, err
	}
	if newSibPgno != siblingPgno {
		c.updateChildPointer(parent, parentIdx-1, newSibPgno)
	}

	if sibling.numEntries() > minKeys+1 {
		// Borrow sibling's last node onto our head.
		lastIdx := sibling.numEntries() - 1
		if isLeaf {
			moved := append([]byte(nil), rawNodeBytes(sibling, lastIdx)...)
			if !p.insertEntry(0, moved) {
				return false, NewError(ErrPageFull)
			}
			if !sibling.removeEntry(lastIdx) {
				return false, ErrCorruptedError
			}
			c.indices[level]++
			newSepKey := append([]byte(nil), nodeGetKeyDirect(p, 0)...)
			if !putNode(parent, parentIdx, c.buildBranchNode(newSepKey, p.pageNo())) {
				return false, ErrCorruptedError
			}
		} else {
			oldSepKey := append([]byte(nil), nodeGetKeyDirect(parent, parentIdx)...)
			movedKey := append([]byte(nil), nodeGetKeyDirect(sibling, lastIdx)...)
			movedChildPgno := c.getChildPgno(sibling, lastIdx)
			oldNode0Pgno := c.getChildPgno(p, 0)

			if !sibling.removeEntry(lastIdx) {
				return false, ErrCorruptedError
			}
			if !p.insertEntry(0, c.buildBranchNode(nil, movedChildPgno)) {
				return false, NewError(ErrPageFull)
			}
			if !putNode(p, 1, c.buildBranchNode(oldSepKey, oldNode0Pgno)) {
				return false, ErrCorruptedError
			}
			if !putNode(parent, parentIdx, c.buildBranchNode(movedKey, p.pageNo())) {
				return false, ErrCorruptedError
			}
			c.indices[level]++
		}
		c.pages[level] = p
		c.pages[parentLevel] = parent
		return false, nil
	}

	// Merge current into the left sibling; current's page is discarded and
	// the cursor is repointed onto the sibling.
	mergedAtIdx := sibling.numEntries()
	if isLeaf {
		for i := 0; i < p.numEntries(); i++ {
			raw := rawNodeBytes(p, i)
			if raw == nil {
				return false, ErrCorruptedError
			}
			if !sibling.insertEntry(sibling.numEntries(), raw) {
				return false, NewError(ErrPageFull)
			}
		}
	} else {
		sepKey := append([]byte(nil), nodeGetKeyDirect(parent, parentIdx)...)
		childPgno := c.getChildPgno(p, 0)
		if !sibling.insertEntry(sibling.numEntries(), c.buildBranchNode(sepKey, childPgno)) {
			return false, NewError(ErrPageFull)
		}
		for i := 1; i < p.numEntries(); i++ {
			raw := rawNodeBytes(p, i)
			if raw == nil {
				return false, ErrCorruptedError
			}
			if !sibling.insertEntry(sibling.numEntries(), raw) {
				return false, NewError(ErrPageFull)
			}
		}
	}

	if isLeaf {
		if c.tree.LeafPages > 0 {
			c.tree.LeafPages--
		}
	} else {
		if c.tree.BranchPages > 0 {
			c.tree.BranchPages--
		}
	}
	c.txn.retirePage(p.pageNo())
	if !parent.removeEntry(parentIdx) {
		return false, ErrCorruptedError
	}

	// Repoint the cursor's slot at this level onto the absorbing sibling.
	c.pages[level] = sibling
	c.indices[level] = uint16(mergedAtIdx)
	c.stackDirty[level] = sibling
	c.dirtyMask |= uint32(1) << uint(level)
	c.numExpected[level] = uint16(sibling.numEntries())
	c.pages[parentLevel] = parent

	return true, nil
}
