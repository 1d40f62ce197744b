package anchorkv

import (
	"encoding/binary"
)

// gcCoalesceThreshold bounds how many pages a single reclaim pass will pull
// out of the GC before stopping; without a bound a pathological free list
// could make one allocation scan the entire GC tree.
const gcCoalesceThreshold = 4096

// gcUpdateRetries bounds the commit-time store-and-recheck loop in
// updateGC. Storing the retired-pages entry can itself retire pages (old
// versions of GC tree pages), so the loop repeats until the recorded entry
// matches reality; divergence past this bound is an internal error.
const gcUpdateRetries = 42

// gcKey encodes a txnid as the big-endian 8-byte key used for GC entries,
// so that a FIFO scan (ascending byte order) visits oldest-first.
func gcKey(id txnid) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func gcKeyDecode(b []byte) txnid {
	return txnid(binary.BigEndian.Uint64(b))
}

// encodePNL serializes a sorted page-number list as a flat sequence of
// big-endian uint32 pgnos, one GC value per retiring transaction.
func encodePNL(pages pnl) []byte {
	out := make([]byte, len(pages)*4)
	for i, p := range pages {
		binary.BigEndian.PutUint32(out[i*4:], uint32(p))
	}
	return out
}

func decodePNL(data []byte) pnl {
	n := len(data) / 4
	out := make(pnl, n)
	for i := 0; i < n; i++ {
		out[i] = pgno(binary.BigEndian.Uint32(data[i*4:]))
	}
	return out
}

// reclaimDetent computes the txnid below which GC entries may be consumed:
// the oldest live reader's snapshot, and - when commits are not being
// synced - the last steady meta, since pages referenced by the newest
// durable snapshot must survive a crash.
func (txn *Txn) reclaimDetent() uint64 {
	detent := txn.env.lockFile.oldestReader()
	if detent == 0 || detent == ^uint64(0) {
		// no live readers recorded; anything older than this txn is a
		// candidate
		detent = uint64(txn.txnID)
	}
	if txn.env.flags&SafeNoSync != 0 {
		if steady := txn.env.meta.Load().steadyMeta(); steady != nil {
			if bound := uint64(steady.txnID()) + 1; bound < detent {
				detent = bound
			}
		}
	}
	return detent
}

// reclaimGC pulls GC entries whose txnid is below the reclaiming detent
// into txn.reclaimedPages, consuming them from the GC tree as it goes and
// recording each consumed txnid on txn.lifoReclaimed. It stops once maxWant
// pages (or the coalescing threshold, whichever is lower) have been pulled
// or the GC is exhausted, matching the allocator's "retry after each merge"
// behavior from spec's pull-and-retry allocation step.
func (txn *Txn) reclaimGC(maxWant int) error {
	if maxWant > gcCoalesceThreshold {
		maxWant = gcCoalesceThreshold
	}
	detent := txn.reclaimDetent()

	cursor, err := txn.OpenCursor(FreeDBI)
	if err != nil {
		return err
	}
	defer cursor.Close()

	var keys txl
	key, _, err := cursor.Get(nil, nil, First)
	for err == nil {
		id := gcKeyDecode(key)
		if uint64(id) >= detent || id >= txn.txnID {
			break
		}
		keys = append(keys, id)
		key, _, err = cursor.Get(nil, nil, Next)
	}

	if txn.env.flags&LifoReclaim != 0 {
		// Newest reclaimable entry first: reuse pages freed most recently,
		// keeping the working set warm at the cost of never draining the
		// oldest entries while younger ones keep the allocator fed.
		keys.sortDesc()
	}

	pulled := 0
	for _, id := range keys {
		if pulled >= maxWant {
			break
		}
		_, val, getErr := cursor.Get(gcKey(id), nil, Set)
		if getErr != nil {
			continue
		}
		pages := decodePNL(val)
		txn.reclaimedPages = append(txn.reclaimedPages, pages...)
		pulled += len(pages)
		if err := cursor.Del(0); err != nil {
			return err
		}
		txn.lifoReclaimed = append(txn.lifoReclaimed, id)
	}

	txn.reclaimedPages.sort()
	txn.reclaimedPages = txn.reclaimedPages.dedupe()
	return nil
}

// updateGC is the commit-time free-space manager step: pull reclaimable
// entries out of the GC, then store everything this transaction freed and
// did not reuse - retired pages, unspent loose pages, unspent reclaimed
// pages - as one new GC entry keyed by this txnid. Storing the entry
// touches GC tree pages and thereby retires their old versions, so the
// store is repeated until the recorded list matches the final state.
func (txn *Txn) updateGC() error {
	if len(txn.trees) <= FreeDBI {
		return nil
	}

	// Consume what is consumable first so stale entries migrate forward
	// into this transaction's record instead of lingering.
	if err := txn.reclaimGC(gcCoalesceThreshold); err != nil {
		return err
	}

	cursor, err := txn.OpenCursor(FreeDBI)
	if err != nil {
		return err
	}
	defer cursor.Close()
	key := gcKey(txn.txnID)

	for attempt := 0; attempt < gcUpdateRetries; attempt++ {
		pending := txn.retiredPages
		pending = append(pending, txn.loosePages...)
		pending = append(pending, txn.reclaimedPages...)
		txn.loosePages = txn.loosePages[:0]
		txn.reclaimedPages = txn.reclaimedPages[:0]
		pending.sort()
		pending = pending.dedupe()

		// Refund: freed pages contiguous with the file tail go back to
		// unallocated space instead of the GC, lowering next_pgno.
		for len(pending) > 0 && pending[len(pending)-1] == txn.allocatedPg-1 {
			txn.allocatedPg--
			pending = pending[:len(pending)-1]
		}
		txn.retiredPages = pending

		if len(pending) == 0 {
			if attempt > 0 {
				// A previous round stored an entry whose pages have since
				// been refunded; it must not survive.
				if _, _, gerr := cursor.Get(key, nil, Set); gerr == nil {
					if derr := cursor.Del(0); derr != nil {
						return derr
					}
				}
			}
			return nil
		}

		before := len(txn.retiredPages)
		if err := cursor.Put(key, encodePNL(pending), 0); err != nil {
			return err
		}
		if len(txn.retiredPages) == before &&
			len(txn.loosePages) == 0 && len(txn.reclaimedPages) == 0 {
			// The recorded entry matches reality; the pages it names are now
			// owned by the GC.
			txn.retiredPages = txn.retiredPages[:0]
			return nil
		}
		// The put itself freed or consumed pages; fold them in and rewrite.
	}
	return NewError(ErrProblem)
}

// gcAllocate tries to satisfy a page request from the reclaimed list,
// pulling more GC entries when it runs short, before the allocator falls
// back to tail-bump growth.
func (c *Cursor) gcAllocate(num int) (pgno, bool) {
	txn := c.txn
	if c.dbi == FreeDBI {
		// never recurse into the GC while already operating on the GC itself
		return 0, false
	}
	if len(txn.reclaimedPages) < num {
		if err := txn.reclaimGC(num - len(txn.reclaimedPages)); err != nil {
			return 0, false
		}
	}
	if num == 1 {
		if n := len(txn.reclaimedPages); n > 0 {
			p := txn.reclaimedPages[n-1]
			txn.reclaimedPages = txn.reclaimedPages[:n-1]
			return p, true
		}
		return 0, false
	}
	return txn.reclaimedPages.takeRun(num)
}

// kickSlowReaders implements the OOM-kick callback: when the allocator is
// about to fail with MAP_FULL, find the laggard holding the oldest live
// snapshot and offer the user-registered handler a chance to evict it.
// Returns true if the caller should retry the allocation.
func (txn *Txn) kickSlowReaders() bool {
	if globalSlowReadersHandler == nil {
		return false
	}

	lf := txn.env.lockFile
	laggard := lf.oldestReader()
	if laggard == 0 || laggard == ^uint64(0) {
		return false
	}

	gap := uint64(txn.txnID) - laggard
	space := gap * uint64(txn.env.pageSize)

	for retry := 0; retry < 8; retry++ {
		result := globalSlowReadersHandler(txn.env, txn, 0, 0, laggard, gap, space, retry)
		switch {
		case result < 0:
			return false
		case result == 0:
			return false
		case result >= 1:
			// Caller asserted the laggard slot can be reclaimed; re-check.
			newOldest := lf.oldestReader()
			if newOldest != laggard && newOldest != 0 {
				return true
			}
		}
	}
	return false
}

// collectTreePages walks every page reachable from root and retires it,
// recursing into nested DUPSORT subtrees and overflow runs. Used by Drop to
// hand a database's pages back to the free-space manager.
func (txn *Txn) collectTreePages(root pgno) error {
	if root == invalidPgno {
		return nil
	}
	p, err := txn.getPage(root)
	if err != nil {
		return err
	}

	n := p.numEntries()
	for i := 0; i < n; i++ {
		nd := nodeFromPage(p, i)
		if nd == nil {
			continue
		}
		if p.isBranch() {
			if err := txn.collectTreePages(nd.childPgno()); err != nil {
				return err
			}
			continue
		}
		switch {
		case nd.isBig():
			ovfl := nd.overflowPgno()
			if ovflPage, err := txn.getPage(ovfl); err == nil {
				runLen := ovflPage.overflowPages()
				if runLen == 0 {
					runLen = 1
				}
				txn.retireRange(ovfl, int(runLen))
			}
		case nd.isTree():
			if sub := parseTreeFromBytes(nd.nodeData()); sub != nil {
				if err := txn.collectTreePages(sub.Root); err != nil {
					return err
				}
			}
		}
	}

	txn.retirePage(root)
	return nil
}
