package anchorkv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) (*Env, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "anchorkv-gc-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	dbPath := filepath.Join(dir, "test.db")
	require.NoError(t, env.Open(dbPath, NoSubdir, 0644))
	return env, dbPath
}

// TestGCReclaimAfterReaderCloses: with a
// long-lived reader pinning the initial snapshot, repeated put/del growth
// must keep allocating new pages (the GC can't reclaim anything older
// readers might still see). Once the reader closes and the writer commits
// once more, subsequent writes must reuse previously retired pages instead
// of growing the file further.
func TestGCReclaimAfterReaderCloses(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("seed"), []byte("v"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)

	const iterations = 1500
	for i := 0; i < iterations; i++ {
		wtxn, err := env.BeginTxn(nil, TxnReadWrite)
		require.NoError(t, err)
		dbi, err := wtxn.OpenDBI("", 0, nil, nil)
		require.NoError(t, err)
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, wtxn.Put(dbi, key, make([]byte, 64), 0))
		require.NoError(t, wtxn.Del(dbi, key, nil))
		_, err = wtxn.Commit()
		require.NoError(t, err)
	}

	grownWithReaderPinned, err := env.Info(nil)
	require.NoError(t, err)

	reader.Abort()

	// One more commit lets updateGC observe the advanced oldest-reader
	// detent and actually reclaim the backlog built up above.
	wtxn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err = wtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, wtxn.Put(dbi, []byte("after-reader"), []byte("v"), 0))
	_, err = wtxn.Commit()
	require.NoError(t, err)

	for i := 0; i < iterations; i++ {
		wtxn, err := env.BeginTxn(nil, TxnReadWrite)
		require.NoError(t, err)
		dbi, err := wtxn.OpenDBI("", 0, nil, nil)
		require.NoError(t, err)
		key := []byte(fmt.Sprintf("j%06d", i))
		require.NoError(t, wtxn.Put(dbi, key, make([]byte, 64), 0))
		require.NoError(t, wtxn.Del(dbi, key, nil))
		_, err = wtxn.Commit()
		require.NoError(t, err)
	}

	afterReclaim, err := env.Info(nil)
	require.NoError(t, err)

	require.LessOrEqual(t, afterReclaim.LastPgNo, grownWithReaderPinned.LastPgNo+int64(iterations),
		"reclaim should keep the file from growing by another full batch of pages")
}

// TestAuditBalancedAcrossCommits checks the page-accounting invariant:
// every page below next_pgno is live, in the GC, pending in the current
// transaction, or a meta page. Copy-on-write retires every superseded page
// version, so nothing may leak even across overwrite- and delete-heavy
// rounds.
func TestAuditBalancedAcrossCommits(t *testing.T) {
	env, _ := openTestEnv(t)

	for round := 0; round < 5; round++ {
		txn, err := env.BeginTxn(nil, TxnReadWrite)
		require.NoError(t, err)
		flags := uint(0)
		if round == 0 {
			flags = Create
		}
		dbi, err := txn.OpenDBI("", flags, nil, nil)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			val := []byte(fmt.Sprintf("round-%d-value-%03d", round, i))
			require.NoError(t, txn.Put(dbi, key, val, 0))
		}
		for i := 0; i < 100; i += 7 {
			require.NoError(t, txn.Del(dbi, []byte(fmt.Sprintf("key-%03d", i)), nil))
		}
		// one oversized value per round, deleted next round
		big := []byte(fmt.Sprintf("big-%d", round))
		require.NoError(t, txn.Put(dbi, big, make([]byte, 3000), 0))
		if round > 0 {
			require.NoError(t, txn.Del(dbi, []byte(fmt.Sprintf("big-%d", round-1)), nil))
		}
		_, err = txn.Commit()
		require.NoError(t, err)
	}

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	report, err := txn.Audit()
	require.NoError(t, err)
	require.Zero(t, report.Unaccounted,
		"used=%d free=%d pending=%d meta=%d next=%d", report.UsedPages,
		report.FreePages, report.PendingPages, report.MetaPages, report.NextPgno)
}

// TestLifoReclaimReusesPages runs the same grow-then-reuse workload with
// LIFO reclaiming enabled; the policy changes which GC entries are consumed
// first, not whether retired pages come back.
func TestLifoReclaimReusesPages(t *testing.T) {
	env, _ := openTestEnv(t)
	require.NoError(t, env.SetFlags(LifoReclaim))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("seed"), []byte("v"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	const iterations = 300
	for i := 0; i < iterations; i++ {
		wtxn, err := env.BeginTxn(nil, TxnReadWrite)
		require.NoError(t, err)
		dbi, err := wtxn.OpenDBI("", 0, nil, nil)
		require.NoError(t, err)
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, wtxn.Put(dbi, key, make([]byte, 64), 0))
		require.NoError(t, wtxn.Del(dbi, key, nil))
		_, err = wtxn.Commit()
		require.NoError(t, err)
	}
	first, err := env.Info(nil)
	require.NoError(t, err)

	for i := 0; i < iterations; i++ {
		wtxn, err := env.BeginTxn(nil, TxnReadWrite)
		require.NoError(t, err)
		dbi, err := wtxn.OpenDBI("", 0, nil, nil)
		require.NoError(t, err)
		key := []byte(fmt.Sprintf("j%06d", i))
		require.NoError(t, wtxn.Put(dbi, key, make([]byte, 64), 0))
		require.NoError(t, wtxn.Del(dbi, key, nil))
		_, err = wtxn.Commit()
		require.NoError(t, err)
	}
	second, err := env.Info(nil)
	require.NoError(t, err)

	require.LessOrEqual(t, second.LastPgNo, first.LastPgNo+int64(iterations)/2,
		"retired pages should be reused rather than growing the file")
}

// TestDropEmptiesNamedDatabase checks the drop round-trip: the page audit
// balances before a populated named database is dropped, and once the drop
// commits the database still opens and a former key is no longer found.
func TestDropEmptiesNamedDatabase(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("sub", Create, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, txn.Put(dbi, key, make([]byte, 128), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	txn, err = env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err = txn.OpenDBI("sub", 0, nil, nil)
	require.NoError(t, err)

	report, err := txn.Audit()
	require.NoError(t, err)
	require.Zero(t, report.Unaccounted)
	require.Greater(t, report.UsedPages, uint64(0))

	require.NoError(t, txn.Drop(dbi, false))
	_, err = txn.Commit()
	require.NoError(t, err)

	txn, err = env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	dbi, err = txn.OpenDBI("sub", 0, nil, nil)
	require.NoError(t, err)
	_, err = txn.Get(dbi, []byte("key-0000"))
	require.True(t, IsNotFound(err))
	txn.Abort()
}
