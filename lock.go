//go:build unix

package anchorkv

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// cachedPID avoids a getpid syscall on every lock-file operation that
// wants to tag a reader slot with the current process.
var cachedPID = uint32(os.Getpid())

const (
	// lockMagic identifies a companion lock file, distinct from the
	// data file's own magic+version pairing.
	lockMagic uint64 = (0x59659DBDEF4C11 << 8) + 6

	// defaultMaxReaders is how many reader slots a freshly created
	// lock file reserves when the caller doesn't specify a limit.
	defaultMaxReaders = 126

	readerSlotSize = 32

	lockHeaderSize = 256
)

// readerSlot is one entry in the lock file's reader table: which
// transaction a reader is pinned to, plus enough identity (pid, tid)
// for another process to tell a slot is stale after its owner exits.
// Every field is updated via sync/atomic since readers and the writer
// touch the table concurrently with no mutex serializing them.
//
//	Offset  Size  Field
//	0       8     txnid (atomic)
//	8       8     tid (atomic)
//	16      4     pid (atomic)
//	20      4     snapshot_pages_used (atomic)
//	24      8     snapshot_pages_retired (atomic)
type readerSlot struct {
	txnid                uint64
	tid                  uint64
	pid                  uint32
	snapshotPagesUsed    uint32
	snapshotPagesRetired uint64
}

const (
	// tidTxnOusted marks a slot whose reader was forcibly evicted
	// (e.g. by the OOM-kick path) rather than exiting normally.
	tidTxnOusted uint64 = 0xFFFFFFFFFFFFFFFF - 1

	// tidTxnParked marks a slot reserved but temporarily not backing
	// a live transaction.
	tidTxnParked uint64 = 0xFFFFFFFFFFFFFFFF
)

// lockHeader is the fixed prefix of the lock file, ahead of the
// reader-slot array. The padding fields keep hot atomically-updated
// counters (cachedOldest, numReaders, ...) on separate cache lines
// from each other.
type lockHeader struct {
	magicAndVersion    uint64
	osFormat           uint32
	envMode            uint32
	autosyncThreshold  uint32
	metaSyncTxnID      uint32
	autosyncPeriod     uint64
	baitUniqueness     uint64
	mlockCount         [2]uint32
	_                  [64]byte
	cachedOldest       uint64
	eoosTimestamp      uint64
	unsyncVolume       uint64
	_                  [32]byte
	numReaders         uint32
	readersRefreshFlag uint32
}

// lockFile is the mmapped companion file backing the writer mutex and
// the reader-slot table. When the real lock file can't be opened for
// writing (e.g. a strictly read-only mount), it falls back to an
// in-memory stand-in so read-only access still works without a
// meaningful reader table.
type lockFile struct {
	file       *os.File
	data       []byte
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	writerLock bool
	lockless   bool
	memSlots   []readerSlot
	memHeader  *lockHeader

	// freeSlots is a LIFO stack of just-released slot indices, so the
	// common acquire/release churn doesn't have to rescan the whole
	// table for a free entry.
	freeSlots []int32
	freeMu    sync.Mutex
}

// openLockFile opens (creating if requested) the reader-table lock
// file at path, falling back to openLockFileReadOnly when it can't be
// opened for writing or doesn't yet contain a full reader table.
func openLockFile(path string, maxReaders int, create bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if !create {
			return openLockFileReadOnly(path, maxReaders)
		}
		return nil, err
	}

	lf := &lockFile{
		file:       f,
		maxReaders: maxReaders,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	expectedSize := int64(lockHeaderSize + maxReaders*readerSlotSize)

	if size == 0 && create {
		if err := lf.initialize(expectedSize); err != nil {
			f.Close()
			return nil, err
		}
	} else if size < expectedSize {
		f.Close()
		return openLockFileReadOnly(path, maxReaders)
	}

	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}

	if lf.header.magicAndVersion != lockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}

	return lf, nil
}

// openLockFileReadOnly backs a lockFile with in-memory slots instead
// of a shared mapping, for read-only environments where the lock file
// is missing, empty, or not writable. Readers opened this way are
// invisible to other processes' find_oldest scans, which is acceptable
// since a read-only opener never produces pages that need reclaiming.
func openLockFileReadOnly(path string, maxReaders int) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f = nil
	}

	lf := &lockFile{
		file:       f,
		maxReaders: maxReaders,
		lockless:   true,
	}

	lf.memSlots = make([]readerSlot, maxReaders)
	lf.slots = lf.memSlots

	lf.memHeader = &lockHeader{
		magicAndVersion: lockMagic,
		numReaders:      0,
	}
	lf.header = lf.memHeader

	return lf, nil
}

// initialize lays down a fresh lock file: grows it to size and writes
// a zeroed header with the correct magic.
func (lf *lockFile) initialize(size int64) error {
	if err := lf.file.Truncate(size); err != nil {
		return err
	}

	header := lockHeader{
		magicAndVersion: lockMagic,
		numReaders:      0,
	}

	headerBytes := (*[lockHeaderSize]byte)(unsafe.Pointer(&header))[:]
	if _, err := lf.file.WriteAt(headerBytes, 0); err != nil {
		return err
	}

	return lf.file.Sync()
}

// mmap maps the lock file and overlays the header and reader-slot
// array directly onto the mapped bytes.
func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return err
	}

	size := int(fi.Size())
	data, err := syscall.Mmap(int(lf.file.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))

	slotData := data[lockHeaderSize:]
	numSlots := min((len(slotData))/readerSlotSize, lf.maxReaders)

	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)

	return nil
}

func (lf *lockFile) close() error {
	if lf.data != nil {
		if err := syscall.Munmap(lf.data); err != nil {
			return err
		}
		lf.data = nil
	}

	if lf.writerLock {
		lf.unlockWriter()
	}

	if lf.file != nil {
		return lf.file.Close()
	}

	return nil
}

// lockWriter blocks until this process holds the single per-environment
// writer lock (an flock on the lock file), serializing write txns
// across processes the same way the in-process write mutex serializes
// them across goroutines.
func (lf *lockFile) lockWriter() error {
	err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX)
	if err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

// tryLockWriter is lockWriter's non-blocking counterpart, backing the
// TxnTry flag.
func (lf *lockFile) tryLockWriter() (bool, error) {
	err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, &lockError{"try writer lock", err}
	}
	lf.writerLock = true
	return true, nil
}

func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_UN)
	if err != nil {
		return &lockError{"release writer lock", err}
	}
	lf.writerLock = false
	return nil
}

// hasActiveReaders reports whether any slot is currently claimed,
// used to gate operations (like shrinking the mapping) that must wait
// for every outstanding snapshot to release first.
func (lf *lockFile) hasActiveReaders() bool {
	if lf.lockless {
		for i := range lf.memSlots {
			if lf.memSlots[i].txnid != 0 {
				return true
			}
		}
		return false
	}

	for i := range lf.slots {
		if lf.slots[i].txnid != 0 {
			return true
		}
	}
	return false
}

// acquireReaderSlot claims a free slot for a new reader, preferring
// the LIFO freelist (O(1), and keeps reusing recently-released slots
// warm in cache) and falling back to a linear CAS scan when the
// freelist is empty or loses a race.
func (lf *lockFile) acquireReaderSlot(pid uint32, tid uint64) (*readerSlot, int, error) {
	lf.freeMu.Lock()
	if len(lf.freeSlots) > 0 {
		idx := lf.freeSlots[len(lf.freeSlots)-1]
		lf.freeSlots = lf.freeSlots[:len(lf.freeSlots)-1]
		lf.freeMu.Unlock()

		slot := &lf.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
			atomic.StoreUint32(&slot.pid, pid)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, int(idx), nil
		}
	} else {
		lf.freeMu.Unlock()
	}

	for i := range lf.slots {
		slot := &lf.slots[i]

		if atomic.LoadUint64(&slot.txnid) == 0 {
			if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
				atomic.StoreUint32(&slot.pid, pid)
				atomic.StoreUint64(&slot.tid, tid)
				return slot, i, nil
			}
		}
	}

	return nil, -1, errLockReadersFull
}

// releaseReaderSlot clears a slot and returns its index to the
// freelist for the next acquirer.
func (lf *lockFile) releaseReaderSlot(slot *readerSlot, slotIdx int) {
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, int32(slotIdx))
	lf.freeMu.Unlock()
}

// setReaderTxnid publishes the snapshot txnid a reader has chosen.
func (lf *lockFile) setReaderTxnid(slot *readerSlot, txnid uint64) {
	atomic.StoreUint64(&slot.txnid, txnid)
}

// oldestReader scans every slot for the minimum live txnid — the
// detent below which the GC may reclaim retired pages — and caches
// the result for cachedOldestReader.
func (lf *lockFile) oldestReader() uint64 {
	oldest := ^uint64(0)

	for i := range lf.slots {
		txnid := atomic.LoadUint64(&lf.slots[i].txnid)
		if txnid > 0 && txnid < oldest && txnid != ^uint64(0) {
			oldest = txnid
		}
	}

	atomic.StoreUint64(&lf.header.cachedOldest, oldest)

	return oldest
}

func (lf *lockFile) cachedOldestReader() uint64 {
	return atomic.LoadUint64(&lf.header.cachedOldest)
}

func (lf *lockFile) numActiveReaders() int {
	count := 0
	for i := range lf.slots {
		txnid := atomic.LoadUint64(&lf.slots[i].txnid)
		if txnid > 0 && txnid != ^uint64(0) {
			count++
		}
	}
	return count
}

// cleanupStaleReaders frees slots left behind by processes that
// exited without releasing them, so a crashed reader doesn't pin the
// GC detent forever.
func (lf *lockFile) cleanupStaleReaders() int {
	cleaned := 0
	myPID := uint32(os.Getpid())

	for i := range lf.slots {
		slot := &lf.slots[i]
		txnid := atomic.LoadUint64(&slot.txnid)
		if txnid == 0 || txnid == ^uint64(0) {
			continue
		}

		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == myPID {
			continue
		}

		if !processExists(int(pid)) {
			atomic.StoreUint64(&slot.txnid, 0)
			cleaned++
		}
	}

	return cleaned
}

// processExists probes liveness with a zero-signal kill: no signal is
// actually delivered, only the permission/ESRCH outcome is observed.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

var (
	errLockFileTooSmall = &lockError{"lock file too small", nil}
	errLockInvalidFile  = &lockError{"invalid lock file", nil}
	errLockReadersFull  = &lockError{"reader slots full", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
