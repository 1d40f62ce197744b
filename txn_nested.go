package anchorkv

// Nested write transactions. A child transaction shares the parent's
// snapshot (same txnid) but owns its own dirty list, freed-page lists, and
// tree roots, so aborting it leaves the parent exactly as it was. Reads
// fall through to the parent's dirty pages via findDirty/getPage; writes
// copy-on-write every touched page into the child, including pages that are
// dirty in the parent. Committing a child never touches the GC, the data
// file, or the meta pages - it only folds the child's working set into the
// parent.

// beginChildTxn starts a write transaction nested inside parent. The parent
// must be the environment's current write transaction and becomes
// write-blocked until the child commits or aborts.
func (e *Env) beginChildTxn(parent *Txn, flags uint) (*Txn, error) {
	if !parent.valid() || parent.IsReadOnly() || parent.env != e {
		return nil, NewError(ErrBadTxn)
	}
	if parent.child != nil {
		return nil, NewError(ErrBadTxn)
	}

	txn := getWriteTxnFromCache()
	txn.signature = txnSignature
	txn.flags = uint32(flags)
	txn.env = e
	txn.txnID = parent.txnID
	txn.parent = parent
	txn.child = nil
	txn.allocatedPg = parent.allocatedPg
	txn.cursors = nil
	txn.userCtx = nil

	txn.dirtyTracker.clear()
	txn.loosePages = txn.loosePages[:0]
	txn.retiredPages = txn.retiredPages[:0]
	txn.reclaimedPages = txn.reclaimedPages[:0]
	txn.lifoReclaimed = txn.lifoReclaimed[:0]
	txn.spillSlots = txn.spillSlots[:0]
	txn.spilled = 0

	// The child works on its own copy of every tree root; the parent's
	// copies stay untouched until the child commits.
	if cap(txn.trees) >= len(parent.trees) {
		txn.trees = txn.trees[:len(parent.trees)]
	} else {
		txn.trees = make([]tree, len(parent.trees))
	}
	copy(txn.trees, parent.trees)

	if parent.dbiDirty != nil {
		txn.dbiDirty = append(txn.dbiDirty[:0], parent.dbiDirty...)
	} else {
		txn.dbiDirty = nil
	}

	// Comparator caches carry over as-is; DBI handles are env-wide.
	txn.dbiComparators = append(txn.dbiComparators[:0], parent.dbiComparators...)
	txn.dbiDupComparators = append(txn.dbiDupComparators[:0], parent.dbiDupComparators...)
	txn.dbiUsesDefaultCmp = append(txn.dbiUsesDefaultCmp[:0], parent.dbiUsesDefaultCmp...)
	txn.dbiUsesDefaultDupCmp = append(txn.dbiUsesDefaultDupCmp[:0], parent.dbiUsesDefaultDupCmp...)

	txn.mmapData = parent.mmapData
	txn.pageSize = parent.pageSize

	parent.child = txn
	return txn, nil
}

// commitChild folds the child's working set into the parent: dirty pages,
// the three freed-page lists, tree roots, and DBI dirty flags. Parent dirty
// pages the child shadowed with its own copies are dropped and become loose
// in the parent. No disk state changes here.
func (txn *Txn) commitChild() error {
	parent := txn.parent

	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.closeAllCursors()

	// Retired pages first, before the trackers merge: a child-retired page
	// still on the parent's dirty list is a shadowed parent page, dead as of
	// this commit and immediately reusable by the parent.
	for _, pn := range txn.retiredPages {
		if parent.dirtyTracker.get(pn) != nil {
			parent.dirtyTracker.remove(pn)
			parent.loosePages = append(parent.loosePages, pn)
		} else {
			parent.retiredPages = append(parent.retiredPages, pn)
		}
	}

	txn.dirtyTracker.forEach(func(pn pgno, p *page) {
		parent.dirtyTracker.set(pn, p)
	})

	parent.loosePages = append(parent.loosePages, txn.loosePages...)
	parent.reclaimedPages = append(parent.reclaimedPages, txn.reclaimedPages...)
	parent.lifoReclaimed = append(parent.lifoReclaimed, txn.lifoReclaimed...)
	parent.allocatedPg = txn.allocatedPg

	copy(parent.trees, txn.trees)

	if txn.dbiDirty != nil {
		if parent.dbiDirty == nil {
			parent.dbiDirty = make([]bool, len(txn.dbiDirty))
		}
		for i, dirty := range txn.dbiDirty {
			if dirty && i < len(parent.dbiDirty) {
				parent.dbiDirty[i] = true
			}
		}
	}

	// Page buffers and spill slots now belong to the parent and are
	// released at its end.
	parent.pooledPageData = append(parent.pooledPageData, txn.pooledPageData...)
	parent.pooledPageStructs = append(parent.pooledPageStructs, txn.pooledPageStructs...)
	txn.pooledPageData = txn.pooledPageData[:0]
	txn.pooledPageStructs = txn.pooledPageStructs[:0]
	parent.spillSlots = append(parent.spillSlots, txn.spillSlots...)
	parent.spilled += txn.spilled
	txn.spillSlots = txn.spillSlots[:0]
	txn.spilled = 0

	txn.releaseChild()
	return nil
}

// abortChild discards the child's working set entirely. The parent's dirty
// list, freed-page lists, trees, and allocation point are untouched.
func (txn *Txn) abortChild() {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.closeAllCursors()

	txn.env.returnPageDataToCache(txn.pooledPageData)
	txn.pooledPageData = txn.pooledPageData[:0]
	returnPageStructsToCache(txn.pooledPageStructs)
	txn.pooledPageStructs = txn.pooledPageStructs[:0]
	txn.releaseSpillSlots()

	txn.releaseChild()
}

// releaseChild detaches the child from its parent and returns the shell to
// the transaction cache. Must hold txn.mu.
func (txn *Txn) releaseChild() {
	txn.dirtyTracker.clear()
	txn.loosePages = txn.loosePages[:0]
	txn.retiredPages = txn.retiredPages[:0]
	txn.reclaimedPages = txn.reclaimedPages[:0]
	txn.lifoReclaimed = txn.lifoReclaimed[:0]

	txn.parent.child = nil
	txn.signature = 0
	txn.env = nil
	txn.parent = nil
	txn.mmapData = nil
	returnWriteTxnToCache(txn)
}
