package anchorkv

import (
	"crypto/rand"
	"sync/atomic"
	"unsafe"
)

const (
	// metaSize is a conservative upper bound on the meta struct's
	// footprint once page-aligned; the real struct is smaller.
	metaSize = 256

	// numMetas is the count of rotating root pages at the front of
	// every data file (pages 0, 1, 2).
	numMetas = 3

	// metaMagic is the 56-bit constant every meta page's magic field
	// must encode, used to reject files from an unrelated format.
	metaMagic uint64 = 0x59659DBDEF4C11

	// metaDataVersion is the on-disk layout version this package
	// reads and writes.
	metaDataVersion = 3

	// metaDataMagic packs magic and version into the single 64-bit
	// field actually stored on disk.
	metaDataMagic = (metaMagic << 8) + metaDataVersion
)

// canary carries four user-opaque counters alongside each meta page.
// Nothing in this package interprets them; they exist so a caller can
// stash small values (e.g. a generation counter) that ride along with
// MVCC snapshots for free.
type canary struct {
	X, Y, Z, V uint64
}

const canarySize = 32

// meta is one of the three rotating root pages. Its layout is
// overlaid directly onto mapped bytes via unsafe.Pointer, so the
// struct's field order and widths are wire format:
//
//	Offset  Size  Field
//	0       8     magic_and_version
//	8       8     txnid_a (two-phase update, header half)
//	16      2     reserve16
//	18      1     validator_id
//	19      1     extra_pagehdr
//	20      20    geometry
//	40      48    gc tree
//	88      48    main tree
//	136     32    canary
//	168     8     sign
//	176     8     txnid_b (two-phase update, trailer half)
//	184     8     pages_retired
//	192     16    bootid
//	208     16    dxbid
type meta struct {
	MagicAndVersion [2]uint32

	TxnidA [2]uint32

	Reserve16    uint16
	ValidatorID  uint8
	ExtraPageHdr int8

	Geometry geo

	GCTree   tree
	MainTree tree

	Canary canary

	Sign [2]uint32

	TxnidB [2]uint32

	PagesRetired [2]uint32

	BootID [16]byte

	DXBID [16]byte
}

// readMeta overlays a meta struct onto raw page bytes without copying.
func readMeta(data []byte) (*meta, error) {
	if len(data) < 220 {
		return nil, errMetaTooSmall
	}
	return (*meta)(unsafe.Pointer(&data[0])), nil
}

func (m *meta) magicValid() bool {
	magic := uint64(m.MagicAndVersion[0]) | (uint64(m.MagicAndVersion[1]) << 32)
	return (magic >> 8) == metaMagic
}

func (m *meta) version() uint8 {
	return uint8(m.MagicAndVersion[0])
}

// txnidASafe and txnidBSafe load each half of the txnid independently
// via sync/atomic so a reader racing the writer's in-place meta update
// sees one word or the other fully, never a torn mix of both.
func (m *meta) txnidASafe() txnid {
	lo := atomic.LoadUint32(&m.TxnidA[0])
	hi := atomic.LoadUint32(&m.TxnidA[1])
	return txnid(uint64(lo) | (uint64(hi) << 32))
}

func (m *meta) txnidBSafe() txnid {
	lo := atomic.LoadUint32(&m.TxnidB[0])
	hi := atomic.LoadUint32(&m.TxnidB[1])
	return txnid(uint64(lo) | (uint64(hi) << 32))
}

// txnID returns the meta's committed txnid. Only meaningful once
// isConsistent reports txnid_a and txnid_b agree.
func (m *meta) txnID() txnid {
	return txnid(uint64(m.TxnidA[0]) | (uint64(m.TxnidA[1]) << 32))
}

func (m *meta) setTxnid(tid txnid) {
	m.TxnidA[0] = uint32(tid)
	m.TxnidA[1] = uint32(tid >> 32)
	m.TxnidB[0] = uint32(tid)
	m.TxnidB[1] = uint32(tid >> 32)
}

// isConsistent reports whether both txnid halves agree, i.e. this
// meta isn't mid-write (see beginMetaUpdate/endMetaUpdate).
func (m *meta) isConsistent() bool {
	return m.txnidASafe() == m.txnidBSafe()
}

// isWeak reports a meta that has been written but not yet fsynced.
func (m *meta) isWeak() bool {
	sign := uint64(m.Sign[0]) | (uint64(m.Sign[1]) << 32)
	return sign <= 1
}

func (m *meta) isSteady() bool {
	return !m.isWeak()
}

const (
	datasignWeak   = 1
	datasignSteady = 0xFFFFFFFFFFFFFFFF
)

func (m *meta) setSignWeak() {
	m.Sign[0] = uint32(datasignWeak)
	m.Sign[1] = uint32(datasignWeak >> 32)
}

func (m *meta) setSignSteady() {
	m.Sign[0] = 0xFFFFFFFF
	m.Sign[1] = 0xFFFFFFFF
}

// pageSize reads the configured page size back out of the GC tree's
// DupfixSize slot, the field this format repurposes to carry it.
func (m *meta) pageSize() uint32 {
	return m.GCTree.DupfixSize
}

// validate runs the checks worth doing before trusting a meta page's
// contents: correct magic, a supported version, and a complete
// (non-torn) txnid write.
func (m *meta) validate() error {
	if !m.magicValid() {
		return errMetaInvalidMagic
	}

	version := m.version()
	if version < 2 || version > metaDataVersion {
		return errMetaInvalidVersion
	}

	if !m.isConsistent() {
		return errMetaInconsistent
	}

	return nil
}

func (m *meta) clone() *meta {
	clone := *m
	return &clone
}

// metaTriple tracks the three on-disk meta pages together with which
// index is newest (recent) and which is the newest durably-synced one
// (steady) — the two selections the writer and readers each need.
type metaTriple struct {
	metas  [numMetas]*meta
	txnids [numMetas]txnid
	recent int
	steady int
}

// newMetaTriple parses all three meta pages and picks recent/steady.
func newMetaTriple(pages [numMetas][]byte) (*metaTriple, error) {
	mt := &metaTriple{
		recent: -1,
		steady: -1,
	}

	var maxTxnid, maxSteadyTxnid txnid

	for i := 0; i < numMetas; i++ {
		m, err := readMeta(pages[i])
		if err != nil {
			continue
		}

		if err := m.validate(); err != nil {
			continue
		}

		mt.metas[i] = m
		mt.txnids[i] = m.txnID()

		if mt.txnids[i] > maxTxnid {
			maxTxnid = mt.txnids[i]
			mt.recent = i
		}

		if m.isSteady() && mt.txnids[i] > maxSteadyTxnid {
			maxSteadyTxnid = mt.txnids[i]
			mt.steady = i
		}
	}

	if mt.recent < 0 {
		return nil, errMetaNoValid
	}

	if mt.steady < 0 {
		mt.steady = mt.recent
	}

	return mt, nil
}

// updateFromPages re-scans all three meta pages into an existing
// metaTriple, avoiding an allocation on the reopen/refresh path.
func (mt *metaTriple) updateFromPages(pages [numMetas][]byte) error {
	mt.recent = -1
	mt.steady = -1

	var maxTxnid, maxSteadyTxnid txnid

	for i := 0; i < numMetas; i++ {
		m, err := readMeta(pages[i])
		if err != nil {
			mt.metas[i] = nil
			mt.txnids[i] = 0
			continue
		}

		if err := m.validate(); err != nil {
			mt.metas[i] = nil
			mt.txnids[i] = 0
			continue
		}

		mt.metas[i] = m
		mt.txnids[i] = m.txnID()

		if mt.txnids[i] > maxTxnid {
			maxTxnid = mt.txnids[i]
			mt.recent = i
		}

		if m.isSteady() && mt.txnids[i] > maxSteadyTxnid {
			maxSteadyTxnid = mt.txnids[i]
			mt.steady = i
		}
	}

	if mt.recent < 0 {
		return errMetaNoValid
	}

	if mt.steady < 0 {
		mt.steady = mt.recent
	}

	return nil
}

func (mt *metaTriple) recentMeta() *meta {
	if mt.recent < 0 {
		return nil
	}
	return mt.metas[mt.recent]
}

func (mt *metaTriple) steadyMeta() *meta {
	if mt.steady < 0 {
		return nil
	}
	return mt.metas[mt.steady]
}

// nextMetaIndex picks the slot a commit should overwrite: whichever of
// the three carries the oldest txnid, so the rotation always retires
// the meta least likely to still be needed.
func (mt *metaTriple) nextMetaIndex() int {
	minIdx := 0
	minTxnid := mt.txnids[0]

	for i := 1; i < numMetas; i++ {
		if mt.txnids[i] < minTxnid {
			minTxnid = mt.txnids[i]
			minIdx = i
		}
	}

	return minIdx
}

var (
	errMetaTooSmall       = &pageError{"meta page too small"}
	errMetaInvalidMagic   = &pageError{"invalid magic number"}
	errMetaInvalidVersion = &pageError{"invalid format version"}
	errMetaInconsistent   = &pageError{"meta page inconsistent (incomplete write)"}
	errMetaNoValid        = &pageError{"no valid meta page found"}
)

// beginMetaUpdate starts the two-phase meta write: txnid_a takes the
// new value immediately, while txnid_b is zeroed to mark the page as
// mid-update. A reader that observes txnid_b == 0 between these two
// calls knows to discard this meta and fall back to another.
func (m *meta) beginMetaUpdate(newTxnid txnid) {
	atomic.StoreUint32(&m.TxnidA[0], uint32(newTxnid))
	atomic.StoreUint32(&m.TxnidA[1], uint32(newTxnid>>32))

	atomic.StoreUint32(&m.TxnidB[0], 0)
	atomic.StoreUint32(&m.TxnidB[1], 0)
}

// endMetaUpdate closes the two-phase write by giving txnid_b the same
// value txnid_a already holds, making the meta consistent again.
func (m *meta) endMetaUpdate(tid txnid) {
	atomic.StoreUint32(&m.TxnidB[0], uint32(tid))
	atomic.StoreUint32(&m.TxnidB[1], uint32(tid>>32))
}

// initMeta stamps a brand-new meta page: magic/version, the starting
// txnid, default geometry, and two empty trees (GC and main).
func initMeta(m *meta, pageSize uint32, tid txnid) {
	magic := metaDataMagic
	m.MagicAndVersion[0] = uint32(magic)
	m.MagicAndVersion[1] = uint32(magic >> 32)

	m.setTxnid(tid)

	// Default geometry: grow/shrink step as packed exponents, a small
	// starting size, and a generous upper bound (~100GB at a 4KB page
	// size) so the file only grows as far as it's actually used.
	m.Geometry = geo{
		GrowPV:   0x0180,
		ShrinkPV: 0x0300,
		Lower:    numMetas,
		DBPgsize: 0x1800000,
		Now:      numMetas,
		Next:     numMetas,
	}

	// The GC tree is always keyed by txnid, hence IntegerKey; its
	// DupfixSize slot is repurposed to carry the environment's page
	// size (see (*meta).pageSize).
	m.GCTree.Flags = treeFlagIntegerKey
	m.GCTree.DupfixSize = pageSize
	m.GCTree.Root = invalidPgno
	m.MainTree.Root = invalidPgno

	// A freshly initialized meta has nothing unsynced behind it, so
	// it starts steady rather than weak.
	m.setSignSteady()

	rand.Read(m.BootID[:])
}

// geo is the fixed-size geometry block embedded in every meta page.
//
// This struct must match the on-disk geo_t layout exactly (20 bytes).
type geo struct {
	GrowPV   uint16 // grow step, packed exponential
	ShrinkPV uint16 // shrink threshold, packed exponential
	Lower    pgno   // minimum file size, in pages
	DBPgsize pgno   // maximum file size, in pages
	Now      pgno   // current mapped size / first unmapped page
	Next     pgno   // next page number the allocator will hand out
}

const geoSize = 20

// tree is the 48-byte record describing one B+tree's root and
// counters — embedded directly in the meta page for the GC and main
// trees, and stored by name inside the main tree for every other
// subdatabase.
type tree struct {
	Flags       uint16
	Height      uint16
	DupfixSize  uint32
	Root        pgno
	BranchPages pgno
	LeafPages   pgno
	LargePages  pgno
	Sequence    uint64
	Items       uint64
	ModTxnid    txnid
}

const treeSize = 48

const (
	treeFlagReverseKey uint16 = 0x02
	treeFlagDupSort    uint16 = 0x04
	treeFlagIntegerKey uint16 = 0x08
	treeFlagDupFixed   uint16 = 0x10
	treeFlagIntegerDup uint16 = 0x20
	treeFlagReverseDup uint16 = 0x40
)

func (t *tree) isEmpty() bool {
	return t.Root == invalidPgno || t.Items == 0
}

func (t *tree) isDupSort() bool {
	return t.Flags&treeFlagDupSort != 0
}

func (t *tree) isDupFixed() bool {
	return t.Flags&treeFlagDupFixed != 0
}

func (t *tree) isIntegerKey() bool {
	return t.Flags&treeFlagIntegerKey != 0
}

func (t *tree) isReverseKey() bool {
	return t.Flags&treeFlagReverseKey != 0
}

func (t *tree) totalPages() uint64 {
	return uint64(t.BranchPages) + uint64(t.LeafPages) + uint64(t.LargePages)
}

func (t *tree) clone() *tree {
	clone := *t
	return &clone
}

// reset clears a tree's root and counters back to empty, preserving
// its flags/page-size/sequence/mod-txnid so a dropped-but-not-deleted
// subdatabase keeps its identity.
func (t *tree) reset() {
	t.Root = invalidPgno
	t.Height = 0
	t.BranchPages = 0
	t.LeafPages = 0
	t.LargePages = 0
	t.Items = 0
}

func (g *geo) sizeBytes(pageSize uint) uint64 {
	return uint64(g.Now) * uint64(pageSize)
}

func (g *geo) minSizeBytes(pageSize uint) uint64 {
	return uint64(g.Lower) * uint64(pageSize)
}

func (g *geo) maxSizeBytes(pageSize uint) uint64 {
	return uint64(g.DBPgsize) * uint64(pageSize)
}

func (g *geo) clone() *geo {
	clone := *g
	return &clone
}
