package anchorkv

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"unsafe"
)

// copyWriteBufPages bounds how many pages the walker can queue ahead of the
// file writer before blocking, the double-buffer depth behind the
// producer/consumer split below.
const copyWriteBufPages = 64

// compactCopier renumbers a snapshot's live page set densely from
// numMetaPages upward. Pages unreachable from any live tree (free list
// entries, retired pages, prior garbage) are never assigned and so are
// dropped from the output file.
type compactCopier struct {
	txn    *Txn
	remap  map[pgno]pgno
	runLen map[pgno]uint32
	order  []pgno
	next   pgno
}

func newCompactCopier(txn *Txn) *compactCopier {
	return &compactCopier{
		txn:    txn,
		remap:  make(map[pgno]pgno, 256),
		runLen: make(map[pgno]uint32, 16),
		order:  make([]pgno, 0, 256),
		next:   pgno(NumMetas),
	}
}

// assignTree walks a live tree in pre-order, giving every reachable page
// (branch, leaf, overflow run, nested DUPSORT subtree) a dense output pgno.
// Because next only ever increases, order ends up sorted by output pgno, so
// the write pass below can stream the file sequentially.
func (c *compactCopier) assignTree(root pgno) error {
	if root == invalidPgno {
		return nil
	}
	if _, ok := c.remap[root]; ok {
		return nil
	}
	c.remap[root] = c.next
	c.next++
	c.order = append(c.order, root)

	p, err := c.txn.getPage(root)
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
			if err := c.assignTree(nd.childPgno()); err != nil {
				return err
			}
			continue
		}
		switch {
		case nd.isBig():
			if err := c.assignOverflow(nd.overflowPgno()); err != nil {
				return err
			}
		case nd.isTree():
			if sub := parseTreeFromBytes(nd.nodeData()); sub != nil {
				if err := c.assignTree(sub.Root); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// assignOverflow reserves a contiguous output run for a large-value page
// chain, keyed by the run's first (header-bearing) page.
func (c *compactCopier) assignOverflow(base pgno) error {
	if _, ok := c.remap[base]; ok {
		return nil
	}
	ovflPage, err := c.txn.getPage(base)
	if err != nil {
		return err
	}
	runLen := ovflPage.overflowPages()
	if runLen == 0 {
		runLen = 1
	}
	c.remap[base] = c.next
	c.runLen[base] = runLen
	c.next += pgno(runLen)
	c.order = append(c.order, base)
	return nil
}

// patchPointers rewrites every page-number reference on p (branch child
// pointers, overflow-page pointers, nested subtree roots) from source pgnos
// to their assigned output pgnos. p.Data is a private copy, never the mmap.
func (c *compactCopier) patchPointers(p *page) error {
	n := p.numEntries()
	if p.isBranch() {
		for i := 0; i < n; i++ {
			nd := nodeFromPage(p, i)
			if nd == nil {
				continue
			}
			newChild, ok := c.remap[nd.childPgno()]
			if !ok {
				return ErrCorruptedError
			}
			nd.header().DataSize = uint32(newChild)
		}
		return nil
	}
	if !p.isLeaf() {
		return nil
	}
	for i := 0; i < n; i++ {
		nd := nodeFromPage(p, i)
		if nd == nil {
			continue
		}
		switch {
		case nd.isBig():
			newOvfl, ok := c.remap[nd.overflowPgno()]
			if !ok {
				return ErrCorruptedError
			}
			binary.LittleEndian.PutUint32(nd.nodeData(), uint32(newOvfl))
		case nd.isTree():
			sub := parseTreeFromBytes(nd.nodeData())
			if sub == nil || sub.Root == invalidPgno {
				continue
			}
			newRoot, ok := c.remap[sub.Root]
			if !ok {
				continue
			}
			binary.LittleEndian.PutUint32(nd.nodeData()[8:12], uint32(newRoot))
		}
	}
	return nil
}

// writeTo streams the renumbered page set to dst. A goroutine walks order
// and builds patched page buffers (the producer); this goroutine drains and
// writes them (the consumer), so disk I/O overlaps with the next page's
// patching the way the teacher's double-buffered Copy path does. Each page,
// including every page of a multi-page overflow run, is queued as its own
// buffer so no single write exceeds one page's worth of bytes.
func (c *compactCopier) writeTo(dst io.Writer) error {
	pageSize := int(c.txn.env.pageSize)
	bufs := make(chan []byte, copyWriteBufPages)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	send := func(buf []byte) bool {
		select {
		case bufs <- buf:
			return true
		case <-done:
			return false
		}
	}

	go func() {
		defer close(bufs)
		for _, old := range c.order {
			run := c.runLen[old]
			if run == 0 {
				run = 1
			}

			src, err := c.txn.getPage(old)
			if err != nil {
				errCh <- err
				return
			}
			head := make([]byte, pageSize)
			copy(head, src.Data[:pageSize])
			patched := &page{Data: head}
			patched.header().PageNo = c.remap[old]
			if err := c.patchPointers(patched); err != nil {
				errCh <- err
				return
			}
			if !send(head) {
				return
			}

			for i := uint32(1); i < run; i++ {
				tail := c.txn.getPageDataFast(old + pgno(i))
				if tail == nil {
					errCh <- ErrCorruptedError
					return
				}
				tbuf := make([]byte, pageSize)
				copy(tbuf, tail[:pageSize])
				if !send(tbuf) {
					return
				}
			}
		}
		errCh <- nil
	}()

	var writeErr error
	for buf := range bufs {
		if writeErr != nil {
			continue
		}
		if _, err := dst.Write(buf); err != nil {
			writeErr = err
			close(done)
		}
	}
	if writeErr != nil {
		return writeErr
	}
	return <-errCh
}

// compactCopyFD implements the compacting branch of CopyFD.
func (e *Env) compactCopyFD(fd uintptr) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	srcMeta := e.meta.Load().recentMeta()
	if srcMeta == nil {
		return NewError(ErrCorrupted)
	}

	mainRoot := txn.trees[MainDBI].Root
	copier := newCompactCopier(txn)
	if err := copier.assignTree(mainRoot); err != nil {
		return err
	}

	dstFile := os.NewFile(fd, "")
	pageSize := int64(e.pageSize)

	if err := dstFile.Truncate(int64(copier.next) * pageSize); err != nil {
		return err
	}
	if _, err := dstFile.Seek(int64(NumMetas)*pageSize, io.SeekStart); err != nil {
		return err
	}

	bw := bufio.NewWriterSize(dstFile, copyWriteBufPages*int(pageSize))
	if err := copier.writeTo(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if err := writeCompactMetas(dstFile, srcMeta, e.pageSize, mainRoot, copier); err != nil {
		return err
	}

	return dstFile.Sync()
}

// writeCompactMetas writes all three meta-page slots of the compacted file,
// pointing the main tree at its renumbered root and dropping the GC tree
// (compaction leaves no garbage to track). All three slots are written
// identically and steady since the file is new and was never partially
// written under this txnid.
func writeCompactMetas(dst *os.File, src *meta, pageSize uint32, oldMainRoot pgno, c *compactCopier) error {
	newRoot := invalidPgno
	if oldMainRoot != invalidPgno {
		if r, ok := c.remap[oldMainRoot]; ok {
			newRoot = r
		}
	}

	mainTree := src.MainTree
	mainTree.Root = newRoot

	txID := src.txnID()

	for i := 0; i < NumMetas; i++ {
		buf := make([]byte, pageSize)

		pageHdr := (*pageHeader)(unsafe.Pointer(&buf[0]))
		pageHdr.PageNo = pgno(i)
		pageHdr.Flags = pageMeta

		m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		initMeta(m, pageSize, txID)
		m.Geometry = src.Geometry
		m.Geometry.Now = c.next
		m.Geometry.Next = c.next
		m.MainTree = mainTree
		m.Canary = src.Canary
		m.setSignSteady()

		offset := int64(i) * int64(pageSize)
		if _, err := dst.WriteAt(buf, offset); err != nil {
			return err
		}
	}
	return nil
}
