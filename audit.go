package anchorkv

// AuditReport summarizes the page accounting check:
// pending + freecount_in_GC + used_in_DBs + NUM_METAS == next_pgno.
type AuditReport struct {
	NextPgno     uint64
	UsedPages    uint64 // pages reachable from every named tree's root
	FreePages    uint64 // pages recorded across all GC entries
	PendingPages uint64 // pages freed by this transaction, not yet in GC
	MetaPages    uint64
	Unaccounted  uint64 // non-zero means corruption or a bug in accounting
}

// numMetaPages is the fixed count of meta-pages at the head of the file.
const numMetaPages = 3

// Audit walks every live tree plus the GC and checks that every page in
// the file is accounted for exactly once. It is read-only and safe to call
// from any open transaction.
func (txn *Txn) Audit() (*AuditReport, error) {
	if !txn.valid() {
		return nil, NewError(ErrBadTxn)
	}

	report := &AuditReport{
		NextPgno:  uint64(txn.allocatedPg),
		MetaPages: numMetaPages,
	}

	seen := make(map[pgno]bool)
	for dbi := DBI(0); int(dbi) < len(txn.trees); dbi++ {
		t := &txn.trees[dbi]
		if t.isEmpty() || t.Root == invalidPgno {
			continue
		}
		if dbi == FreeDBI {
			if err := txn.walkGCPages(t.Root, seen, report); err != nil {
				return nil, err
			}
			continue
		}
		if err := txn.walkLivePages(t.Root, seen, report); err != nil {
			return nil, err
		}
	}

	report.PendingPages = uint64(len(txn.loosePages) + len(txn.retiredPages) + len(txn.reclaimedPages))

	total := report.UsedPages + report.FreePages + report.PendingPages + report.MetaPages
	if total < report.NextPgno {
		report.Unaccounted = report.NextPgno - total
	} else if total > report.NextPgno {
		// Overlap between sets (a page counted twice) is itself corruption;
		// represent it the same way so callers only need to check != 0.
		report.Unaccounted = total - report.NextPgno
	}

	return report, nil
}

// walkLivePages counts pages reachable from a live tree's root, recursing
// into branches, overflow runs, and nested DUPSORT subtrees.
func (txn *Txn) walkLivePages(root pgno, seen map[pgno]bool, report *AuditReport) error {
	if root == invalidPgno || seen[root] {
		return nil
	}
	seen[root] = true
	report.UsedPages++

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
			if err := txn.walkLivePages(nd.childPgno(), seen, report); err != nil {
				return err
			}
			continue
		}
		switch {
		case nd.isBig():
			ovfl := nd.overflowPgno()
			if seen[ovfl] {
				continue
			}
			if ovflPage, err := txn.getPage(ovfl); err == nil {
				runLen := ovflPage.overflowPages()
				if runLen == 0 {
					runLen = 1
				}
				for j := uint32(0); j < runLen; j++ {
					pg := ovfl + pgno(j)
					if !seen[pg] {
						seen[pg] = true
						report.UsedPages++
					}
				}
			}
		case nd.isTree():
			if sub := parseTreeFromBytes(nd.nodeData()); sub != nil {
				if err := txn.walkLivePages(sub.Root, seen, report); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// walkGCPages counts both the GC tree's own structural pages and the pages
// named by its PNL values (pages free for reuse).
func (txn *Txn) walkGCPages(root pgno, seen map[pgno]bool, report *AuditReport) error {
	if root == invalidPgno || seen[root] {
		return nil
	}
	seen[root] = true
	report.UsedPages++

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
			if err := txn.walkGCPages(nd.childPgno(), seen, report); err != nil {
				return err
			}
			continue
		}
		for _, fp := range decodePNL(nd.nodeData()) {
			if !seen[fp] {
				seen[fp] = true
				report.FreePages++
			}
		}
	}
	return nil
}
