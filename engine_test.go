package anchorkv

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvOpenCloseRoundTrip(t *testing.T) {
	env, _ := openTestEnv(t)

	stat, err := env.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 0, stat.Entries)

	info, err := env.Info(nil)
	require.NoError(t, err)
	require.Greater(t, info.PageSize, uint32(0))
}

func TestTxnCommitPersistsWrites(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("k1"), []byte("v1"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	val, err := rtxn.Get(dbi, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(val))
}

func TestTxnAbortDiscardsWrites(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("ghost"), []byte("v"), 0))
	txn.Abort()

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	_, err = rtxn.Get(dbi, []byte("ghost"))
	require.True(t, IsNotFound(err))
}

func TestPutOverwritesExistingValueByDefault(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("first"), 0))
	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("second"), 0))

	val, err := txn.Get(dbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "second", string(val))
	_, err = txn.Commit()
	require.NoError(t, err)
}

func TestPutNoOverwriteRejectsExistingKey(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("first"), 0))
	err = txn.Put(dbi, []byte("k"), []byte("second"), NoOverwrite)
	require.Error(t, err)

	val, err := txn.Get(dbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "first", string(val), "NoOverwrite must leave the original value untouched")
}

func TestDelRemovesKey(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v"), 0))
	require.NoError(t, txn.Del(dbi, []byte("k"), nil))

	_, err = txn.Get(dbi, []byte("k"))
	require.True(t, IsNotFound(err))
	_, err = txn.Commit()
	require.NoError(t, err)
}

func TestNamedDBIsAreIndependent(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	require.NoError(t, env.SetMaxDBs(4))
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/named.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)

	dbiA, err := txn.OpenDBI("a", Create, nil, nil)
	require.NoError(t, err)
	dbiB, err := txn.OpenDBI("b", Create, nil, nil)
	require.NoError(t, err)

	require.NoError(t, txn.Put(dbiA, []byte("shared"), []byte("from-a"), 0))
	require.NoError(t, txn.Put(dbiB, []byte("shared"), []byte("from-b"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	dbiA, err = rtxn.OpenDBI("a", 0, nil, nil)
	require.NoError(t, err)
	dbiB, err = rtxn.OpenDBI("b", 0, nil, nil)
	require.NoError(t, err)

	valA, err := rtxn.Get(dbiA, []byte("shared"))
	require.NoError(t, err)
	valB, err := rtxn.Get(dbiB, []byte("shared"))
	require.NoError(t, err)
	require.Equal(t, "from-a", string(valA))
	require.Equal(t, "from-b", string(valB))
}

func TestCursorForwardIterationVisitsSortedKeys(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	want := []string{"a", "b", "c", "d", "e"}
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, txn.Put(dbi, []byte(k), []byte("v-"+k), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var got []string
	for k, v, err := cursor.Get(nil, nil, First); err == nil; k, v, err = cursor.Get(nil, nil, Next) {
		got = append(got, string(k))
		require.Equal(t, "v-"+string(k), string(v))
	}
	require.Equal(t, want, got)
}

func TestCursorSetRangeFindsFirstKeyGreaterOrEqual(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	for _, k := range []string{"k10", "k20", "k30"} {
		require.NoError(t, txn.Put(dbi, []byte(k), []byte("v"), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	k, _, err := cursor.Get([]byte("k15"), nil, SetRange)
	require.NoError(t, err)
	require.Equal(t, "k20", string(k))
}

func TestDupSortInsertAndIterateDuplicates(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/dupsort.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create|DupSort, nil, nil)
	require.NoError(t, err)

	for _, v := range []string{"z", "x", "y"} {
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte(v), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var dups []string
	_, v, err := cursor.Get([]byte("k"), nil, SetKey)
	require.NoError(t, err)
	dups = append(dups, string(v))
	for {
		_, v, err := cursor.Get(nil, nil, NextDup)
		if IsNotFound(err) {
			break
		}
		require.NoError(t, err)
		dups = append(dups, string(v))
	}
	require.Equal(t, []string{"x", "y", "z"}, dups)
}

func TestDupSortDeleteSingleValueKeepsOthers(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/dupsort-del.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create|DupSort, nil, nil)
	require.NoError(t, err)

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte(v), 0))
	}
	require.NoError(t, txn.Del(dbi, []byte("k"), []byte("2")))
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var remaining []string
	_, v, err := cursor.Get([]byte("k"), nil, SetKey)
	require.NoError(t, err)
	remaining = append(remaining, string(v))
	for {
		_, v, err := cursor.Get(nil, nil, NextDup)
		if IsNotFound(err) {
			break
		}
		require.NoError(t, err)
		remaining = append(remaining, string(v))
	}
	require.Equal(t, []string{"1", "3"}, remaining)
}

func TestLargeInsertTriggersPageSplits(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	const n = 5000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, txn.Put(dbi, key, make([]byte, 32), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	stat, err := env.Stat()
	require.NoError(t, err)
	require.EqualValues(t, n, stat.Entries)
	require.Greater(t, stat.Depth, uint32(1), "enough entries should force the tree past a single leaf page")

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)

	for _, i := range []int{0, n / 2, n - 1} {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, err := rtxn.Get(dbi, key)
		require.NoError(t, err, "key %s should survive splitting", key)
	}
}

func TestConcurrentReaderIsolatedFromLaterWriter(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("before"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()

	wtxn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	wdbi, err := wtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, wtxn.Put(wdbi, []byte("k"), []byte("after"), 0))
	_, err = wtxn.Commit()
	require.NoError(t, err)

	rdbi, err := reader.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	val, err := reader.Get(rdbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "before", string(val), "a reader's snapshot must not see a later writer's commit")
}

func TestStatAndInfoReportEntryCounts(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, txn.Put(dbi, []byte(fmt.Sprintf("k%02d", i)), []byte("v"), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	stat, err := rtxn.Stat(dbi)
	require.NoError(t, err)
	require.EqualValues(t, 10, stat.Entries)

	info, err := env.Info(nil)
	require.NoError(t, err)
	require.Greater(t, info.LastPgNo, int64(0))
}

func TestReadOnlyEnvironmentRejectsWrites(t *testing.T) {
	env, dbPath := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)
	env.Close()

	roEnv, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { roEnv.Close() })
	require.NoError(t, roEnv.Open(dbPath, NoSubdir|ReadOnly, 0644))

	rtxn, err := roEnv.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	rdbi, err := rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	val, err := rtxn.Get(rdbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(val))
}

func TestIntegerKeyOrdersByValueNotByteLayout(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/intkey.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create|IntegerKey, nil, nil)
	require.NoError(t, err)

	nums := []uint64{500, 10, 3000, 1, 42}
	for _, n := range nums {
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, n)
		require.NoError(t, txn.Put(dbi, key, []byte(fmt.Sprintf("n%d", n)), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()

	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var got []uint64
	for k, _, err := cursor.Get(nil, nil, First); err == nil; k, _, err = cursor.Get(nil, nil, Next) {
		got = append(got, binary.LittleEndian.Uint64(k))
	}
	require.Equal(t, []uint64{1, 10, 42, 500, 3000}, got, "IntegerKey must sort numerically, not lexicographically")
}

func TestReverseKeyTableIteratesAllKeys(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/revkey.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create|ReverseKey, nil, nil)
	require.NoError(t, err)
	for _, k := range []string{"aaa", "bbb", "ccc"} {
		require.NoError(t, txn.Put(dbi, []byte(k), []byte("v"), 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var got []string
	for k, _, err := cursor.Get(nil, nil, First); err == nil; k, _, err = cursor.Get(nil, nil, Next) {
		got = append(got, string(k))
	}
	require.Len(t, got, 3)
}

func TestDupFixedStoresFixedSizeDuplicates(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	dir := t.TempDir()
	require.NoError(t, env.Open(dir+"/dupfixed.db", Create, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create|DupSort|DupFixed, nil, nil)
	require.NoError(t, err)

	vals := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	for _, v := range vals {
		require.NoError(t, txn.Put(dbi, []byte("k"), v, 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	dbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cursor.Close()

	var got [][]byte
	_, v, err := cursor.Get([]byte("k"), nil, SetKey)
	require.NoError(t, err)
	got = append(got, v)
	for {
		_, v, err := cursor.Get(nil, nil, NextDup)
		if IsNotFound(err) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Len(t, got, 3)
	for _, v := range got {
		require.Len(t, v, 4, "DupFixed values must all share one fixed width")
	}
}

func TestTxnResetAndRenewReusesReaderSlot(t *testing.T) {
	env, _ := openTestEnv(t)

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v1"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)

	rdbi, err := rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	val, err := rtxn.Get(rdbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(val))

	rtxn.Reset()

	wtxn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	wdbi, err := wtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, wtxn.Put(wdbi, []byte("k"), []byte("v2"), 0))
	_, err = wtxn.Commit()
	require.NoError(t, err)

	require.NoError(t, rtxn.Renew())
	defer rtxn.Abort()

	rdbi, err = rtxn.OpenDBI("", 0, nil, nil)
	require.NoError(t, err)
	val, err = rtxn.Get(rdbi, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(val), "a renewed transaction must observe the latest committed snapshot")
}
